package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".gralph"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gralph", "config.yaml"), []byte(content), 0o644))
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxIterations, cfg.Defaults.MaxIterations)
	assert.Equal(t, DefaultBackend, cfg.Defaults.Backend)
	assert.Equal(t, DefaultCompletionMarker, cfg.Defaults.CompletionMarker)
	assert.Equal(t, DefaultRetentionDays, cfg.Logs.RetentionDays)
	assert.Nil(t, cfg.Server)
}

func TestLoadConfig_PartialFileKeepsDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeConfigFile(t, dir, "defaults:\n  max_iterations: 25\n")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Defaults.MaxIterations)
	assert.Equal(t, DefaultBackend, cfg.Defaults.Backend)
	assert.Equal(t, DefaultCompletionMarker, cfg.Defaults.CompletionMarker)
}

func TestLoadConfig_FullFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeConfigFile(t, dir, `defaults:
  max_iterations: 40
  backend: codex
  model: o4
  variant: high
  completion_marker: SHIP_IT
logs:
  retention_days: 14
server:
  port: 9000
webhook: https://example.com/hook
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.Defaults.MaxIterations)
	assert.Equal(t, "codex", cfg.Defaults.Backend)
	assert.Equal(t, "o4", cfg.Defaults.Model)
	assert.Equal(t, "high", cfg.Defaults.Variant)
	assert.Equal(t, "SHIP_IT", cfg.Defaults.CompletionMarker)
	assert.Equal(t, 14, cfg.Logs.RetentionDays)
	require.NotNil(t, cfg.Server)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "https://example.com/hook", cfg.Webhook)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeConfigFile(t, dir, "defaults: [not a map\n")

	_, err := LoadConfig(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{"zero iterations", func(c *Config) { c.Defaults.MaxIterations = 0 }, "defaults.max_iterations"},
		{"empty backend", func(c *Config) { c.Defaults.Backend = "" }, "defaults.backend"},
		{"empty marker", func(c *Config) { c.Defaults.CompletionMarker = "" }, "defaults.completion_marker"},
		{"negative retention", func(c *Config) { c.Logs.RetentionDays = -1 }, "logs.retention_days"},
		{"bad port", func(c *Config) { c.Server = &ServerConfig{Port: 70000} }, "server.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := ValidateConfig(&cfg)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			var ve ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantField, ve.Field)
		})
	}

	t.Run("valid default config", func(t *testing.T) {
		t.Parallel()
		cfg := DefaultConfig()
		assert.NoError(t, ValidateConfig(&cfg))
	})
}

func TestLoadEnvFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".gralph"), 0o755))
	content := `# credentials
ANTHROPIC_API_KEY=sk-test
QUOTED="hello world"
SINGLE='single quoted'
SPACED = padded
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gralph", ".env"), []byte(content), 0o600))

	env, err := LoadEnvFile(dir)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", env["ANTHROPIC_API_KEY"])
	assert.Equal(t, "hello world", env["QUOTED"])
	assert.Equal(t, "single quoted", env["SINGLE"])
	assert.Equal(t, "padded", env["SPACED"])
}

func TestLoadEnvFile_Missing(t *testing.T) {
	t.Parallel()

	env, err := LoadEnvFile(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, env)
}

func TestLoadEnvFile_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{"missing equals", "JUSTAKEY\n"},
		{"empty key", "=value\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			require.NoError(t, os.MkdirAll(filepath.Join(dir, ".gralph"), 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(dir, ".gralph", ".env"), []byte(tt.content), 0o600))
			_, err := LoadEnvFile(dir)
			require.Error(t, err)
		})
	}
}
