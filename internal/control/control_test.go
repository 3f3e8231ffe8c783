package control

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goosewin/gralph-sub000/internal/state"
)

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	st := state.NewStore(state.Options{Dir: t.TempDir()})
	require.NoError(t, st.Init())
	return st
}

func TestStopSessionKillsProcess(t *testing.T) {
	t.Parallel()

	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	st := newTestStore(t)
	require.NoError(t, st.Set("demo", state.Fields{
		"status": state.StatusRunning,
		"pid":    cmd.Process.Pid,
	}))

	sess, err := StopSession(st, "demo")
	require.NoError(t, err)
	assert.Equal(t, state.StatusStopped, sess.Status)

	// SIGTERM should take the process down.
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after stop")
	}

	fields, err := st.Get("demo")
	require.NoError(t, err)
	assert.Equal(t, state.StatusStopped, state.SessionFromFields(fields).Status)
}

func TestStopSessionMissingSession(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	_, err := StopSession(st, "ghost")
	assert.ErrorIs(t, err, state.ErrSessionNotFound)
}

func TestStopSessionDeadProcessStillMarksStopped(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	require.NoError(t, st.Set("demo", state.Fields{
		"status": state.StatusRunning,
		// PID from a long-dead process range; kill returns ESRCH.
		"pid": 999999,
	}))

	sess, err := StopSession(st, "demo")
	assert.ErrorIs(t, err, ErrNotRunning)
	require.NotNil(t, sess)
	assert.Equal(t, state.StatusStopped, sess.Status)
}

func TestStopSessionNoProcessInfo(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	require.NoError(t, st.Set("demo", state.Fields{"status": state.StatusStopped}))

	sess, err := StopSession(st, "demo")
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, state.StatusStopped, sess.Status)
}
