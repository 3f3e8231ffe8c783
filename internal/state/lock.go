package state

import (
	"fmt"
	"os"
	"syscall"
	"time"
)

// LockTimeoutError is returned when the advisory lock could not be
// acquired within the configured timeout. The operation is safe to
// retry.
type LockTimeoutError struct {
	Path    string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for lock on %s", e.Timeout, e.Path)
}

// fileLock is an advisory flock on a fixed sentinel file. It is honored
// only by cooperating processes; the sentinel never holds data.
type fileLock struct {
	path string
	file *os.File
}

// acquireLock polls a non-blocking exclusive flock until it succeeds or
// timeout elapses. Polling keeps timeout enforcement simple across
// platforms; the interval is short enough that contention from other
// gralph processes resolves quickly.
func acquireLock(path string, interval, timeout time.Duration) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return &fileLock{path: path, file: f}, nil
		}
		if err != syscall.EWOULDBLOCK && err != syscall.EAGAIN {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, &LockTimeoutError{Path: path, Timeout: timeout}
		}
		time.Sleep(interval)
	}
}

// release unlocks and closes the sentinel. The file itself is left in
// place so concurrent acquirers never race on its existence.
func (l *fileLock) release() {
	if l == nil || l.file == nil {
		return
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	l.file = nil
}
