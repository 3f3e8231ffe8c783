package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goosewin/gralph-sub000/internal/loop"
	"github.com/goosewin/gralph-sub000/internal/state"
	"github.com/goosewin/gralph-sub000/internal/webhook"
)

// scriptedAdapter fakes a backend: each call optionally mutates the
// task file, then reports the scripted text as the agent response.
type scriptedAdapter struct {
	texts    []string
	onRun    func(iteration int)
	runErr   error
	calls    int
	lastText string
}

func (a *scriptedAdapter) Name() string { return "scripted" }
func (a *scriptedAdapter) CheckInstalled() bool { return true }
func (a *scriptedAdapter) Models() []string { return []string{"scripted-1"} }

func (a *scriptedAdapter) RunIteration(ctx context.Context, prompt, model, variant, outputPath, workingDir string) error {
	a.calls++
	if a.runErr != nil {
		return a.runErr
	}
	if a.onRun != nil {
		a.onRun(a.calls)
	}
	if err := os.WriteFile(outputPath, []byte("x"), 0o644); err != nil {
		return err
	}
	idx := a.calls - 1
	if idx >= len(a.texts) {
		idx = len(a.texts) - 1
	}
	a.lastText = a.texts[idx]
	return nil
}

func (a *scriptedAdapter) ParseText(outputPath string) (string, error) {
	return a.lastText, nil
}

func TestDeriveSessionName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dir  string
		want string
	}{
		{"/home/dev/my-project", "my-project"},
		{"/home/dev/My Project!", "My-Project"},
		{"/home/dev/under_score", "under_score"},
		{"/home/dev////", "session"},
	}
	for _, tt := range tests {
		t.Run(tt.dir, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveSessionName(tt.dir))
		})
	}
}

func newCLIStore(t *testing.T) *state.Store {
	t.Helper()
	st := state.NewStore(state.Options{Dir: t.TempDir()})
	require.NoError(t, st.Init())
	return st
}

func writeCLITaskFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "tasks.md")
	require.NoError(t, os.WriteFile(path, []byte("# Tasks\n\n### Task 1\n- [ ] do it\n"), 0o644))
	return path
}

func sessionOpts(name, dir, taskFile string, adapter *scriptedAdapter) (*state.Session, loop.Options) {
	sess := &state.Session{
		Name:             name,
		Dir:              dir,
		TaskFile:         taskFile,
		PID:              os.Getpid(),
		StartedAt:        time.Now().UTC(),
		MaxIterations:    3,
		Status:           state.StatusRunning,
		CompletionMarker: "done",
		Backend:          adapter.Name(),
	}
	opts := loop.Options{
		SessionName:      name,
		Dir:              dir,
		TaskFile:         taskFile,
		MaxIterations:    3,
		Backend:          adapter,
		CompletionMarker: "done",
		Interval:         time.Millisecond,
	}
	return sess, opts
}

func TestRunSessionRecordsLifecycle(t *testing.T) {
	dir := t.TempDir()
	taskFile := writeCLITaskFile(t, dir)
	st := newCLIStore(t)

	var received webhook.Payload
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
	}))
	defer hook.Close()

	adapter := &scriptedAdapter{
		texts: []string{"<promise>done</promise>"},
		onRun: func(int) {
			data, _ := os.ReadFile(taskFile)
			os.WriteFile(taskFile, []byte(replaceUnchecked(string(data))), 0o644)
		},
	}

	sess, opts := sessionOpts("demo", dir, taskFile, adapter)
	sess.Webhook = hook.URL
	opts.Stdout = io.Discard

	require.NoError(t, runSession(context.Background(), st, sess, opts))

	fields, err := st.Get("demo")
	require.NoError(t, err)
	got := state.SessionFromFields(fields)
	assert.Equal(t, state.StatusComplete, got.Status)
	assert.Equal(t, 1, got.Iteration)
	assert.Equal(t, 0, got.LastTaskCount)
	assert.NotEmpty(t, got.LogFile)

	assert.Equal(t, "session.finished", received.Event)
	assert.Equal(t, "demo", received.Session)
	assert.Equal(t, state.StatusComplete, received.Status)
}

func replaceUnchecked(s string) string {
	return strings.ReplaceAll(s, "- [ ]", "- [x]")
}

func TestRunSessionBackendFailureMarksFailed(t *testing.T) {
	dir := t.TempDir()
	taskFile := writeCLITaskFile(t, dir)
	st := newCLIStore(t)

	adapter := &scriptedAdapter{runErr: fmt.Errorf("agent exploded")}
	sess, opts := sessionOpts("broken", dir, taskFile, adapter)
	opts.Stdout = io.Discard

	err := runSession(context.Background(), st, sess, opts)
	require.Error(t, err)

	fields, getErr := st.Get("broken")
	require.NoError(t, getErr)
	assert.Equal(t, state.StatusFailed, state.SessionFromFields(fields).Status)
}

func TestRunSessionBudgetExhaustion(t *testing.T) {
	dir := t.TempDir()
	taskFile := writeCLITaskFile(t, dir)
	st := newCLIStore(t)

	adapter := &scriptedAdapter{texts: []string{"still going"}}
	sess, opts := sessionOpts("stuck", dir, taskFile, adapter)
	opts.Stdout = io.Discard

	require.NoError(t, runSession(context.Background(), st, sess, opts))

	fields, err := st.Get("stuck")
	require.NoError(t, err)
	got := state.SessionFromFields(fields)
	assert.Equal(t, state.StatusMaxIterations, got.Status)
	assert.Equal(t, 3, got.Iteration)
	assert.Equal(t, 1, got.LastTaskCount)
	assert.Equal(t, 3, adapter.calls)
}

func TestRegisterSessionResetsIteration(t *testing.T) {
	t.Parallel()

	st := newCLIStore(t)
	require.NoError(t, st.Set("revived", state.Fields{
		"status":    state.StatusMaxIterations,
		"iteration": 7,
	}))

	sess := &state.Session{
		Name:      "revived",
		Status:    state.StatusRunning,
		Iteration: 0,
	}
	require.NoError(t, registerSession(st, sess))

	fields, err := st.Get("revived")
	require.NoError(t, err)
	got := state.SessionFromFields(fields)
	assert.Equal(t, state.StatusRunning, got.Status)
	assert.Equal(t, 0, got.Iteration)
}

func TestTmuxStartArgsQuoting(t *testing.T) {
	t.Parallel()

	inner := []string{"/usr/local/bin/gralph", "start", "my tasks.md", "--name", "rob's feature"}
	args := tmuxStartArgs("gralph-demo", "/work/my project", inner)

	require.Len(t, args, 7)
	assert.Equal(t, []string{"new-session", "-d", "-s", "gralph-demo", "-c", "/work/my project"}, args[:6])
	assert.Equal(t,
		`'/usr/local/bin/gralph' 'start' 'my tasks.md' '--name' 'rob'\''s feature'`,
		args[6])
}
