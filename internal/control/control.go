// Package control implements process-level operations on running
// sessions: stopping the loop process and tearing down tmux attachments.
// It is shared by the stop command and the HTTP server.
package control

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"github.com/goosewin/gralph-sub000/internal/logging"
	"github.com/goosewin/gralph-sub000/internal/state"
)

// ErrNotRunning indicates the session exists but has no live process
// to stop.
var ErrNotRunning = errors.New("session is not running")

// StopSession terminates the session's loop process and marks the
// record stopped. The PID gets SIGTERM; a tmux-hosted session has its
// tmux session killed as well. Stopping an already-dead session still
// updates the record so status reflects reality.
func StopSession(st *state.Store, name string) (*state.Session, error) {
	fields, err := st.Get(name)
	if err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: %s", state.ErrSessionNotFound, name)
	}

	sess := state.SessionFromFields(fields)
	log := logging.With("session", name)

	stopped := false
	if sess.PID > 0 {
		if err := syscall.Kill(sess.PID, syscall.SIGTERM); err == nil {
			log.Info("sent SIGTERM", "pid", sess.PID)
			stopped = true
		} else if !errors.Is(err, syscall.ESRCH) {
			return nil, fmt.Errorf("failed to signal pid %d: %w", sess.PID, err)
		}
	}

	if sess.TmuxSession != "" {
		if err := exec.Command("tmux", "kill-session", "-t", sess.TmuxSession).Run(); err == nil {
			log.Info("killed tmux session", "tmux", sess.TmuxSession)
			stopped = true
		} else {
			log.Warn("failed to kill tmux session", "tmux", sess.TmuxSession, "err", err)
		}
	}

	if err := st.Set(name, state.Fields{"status": state.StatusStopped}); err != nil {
		return nil, err
	}
	sess.Status = state.StatusStopped

	if !stopped {
		// Record is marked stopped either way; tell the caller no
		// process was actually killed.
		return sess, ErrNotRunning
	}
	return sess, nil
}
