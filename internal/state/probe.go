package state

import "syscall"

// ProcessProbe reports whether an OS process is still alive. It exists
// as an interface so tests can fake liveness without spawning real
// processes.
type ProcessProbe interface {
	Alive(pid int) bool
}

// signalProbe probes with signal 0. Permission denied means the process
// exists but belongs to another user, so it counts as alive; only a
// definitive not-found counts as dead.
type signalProbe struct{}

func (signalProbe) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
