package backend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	names := Names()
	assert.Contains(t, names, "claude")
	assert.Contains(t, names, "codex")

	a, err := For("claude")
	require.NoError(t, err)
	assert.Equal(t, "claude", a.Name())

	_, err = For("nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestClaude_ParseText_StreamJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.json")
	content := `{"type":"system","subtype":"init"}
{"type":"assistant","message":{"content":[{"type":"text","text":"working on task 1"}]}}
{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash"}]}}
{"type":"assistant","message":{"content":[{"type":"text","text":"<promise>COMPLETE</promise>"}]}}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := (&Claude{}).ParseText(path)
	require.NoError(t, err)
	assert.Equal(t, "working on task 1\n<promise>COMPLETE</promise>", got)
}

func TestClaude_ParseText_ResultEventWins(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.json")
	content := `{"type":"assistant","message":{"content":[{"type":"text","text":"intermediate"}]}}
{"type":"result","subtype":"success","result":"final answer"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := (&Claude{}).ParseText(path)
	require.NoError(t, err)
	assert.Equal(t, "final answer", got)
}

func TestClaude_ParseText_ToleratesNoise(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.json")
	content := "warning: something on stderr\n{\"type\":\"assistant\",\"message\":{\"content\":[{\"type\":\"text\",\"text\":\"ok\"}]}}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := (&Claude{}).ParseText(path)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestCodex_ParseText(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("the last message\n"), 0o644))

	got, err := (&Codex{}).ParseText(path)
	require.NoError(t, err)
	assert.Equal(t, "the last message\n", got)
}

func TestModels(t *testing.T) {
	t.Parallel()

	assert.NotEmpty(t, (&Claude{}).Models())
	assert.NotEmpty(t, (&Codex{}).Models())
}
