package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default values for Config.
const (
	DefaultMaxIterations    = 10
	DefaultBackend          = "claude"
	DefaultCompletionMarker = "COMPLETE"
	DefaultRetentionDays    = 7
	DefaultServerPort       = 8473
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Defaults: Defaults{
			MaxIterations:    DefaultMaxIterations,
			Backend:          DefaultBackend,
			CompletionMarker: DefaultCompletionMarker,
		},
		Logs: Logs{
			RetentionDays: DefaultRetentionDays,
		},
	}
}

// DefaultServerConfig returns a ServerConfig with sensible default values.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port: DefaultServerPort,
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// LoadConfig reads and parses .gralph/config.yaml from the given base
// path. A missing file yields the default config; missing fields fall
// back to default values.
func LoadConfig(basePath string) (*Config, error) {
	configPath := filepath.Join(basePath, ".gralph", "config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ValidateConfig checks that all config values are valid.
func ValidateConfig(cfg *Config) error {
	if cfg.Defaults.MaxIterations <= 0 {
		return ValidationError{Field: "defaults.max_iterations", Message: "must be positive"}
	}
	if cfg.Defaults.Backend == "" {
		return ValidationError{Field: "defaults.backend", Message: "required field is empty"}
	}
	if cfg.Defaults.CompletionMarker == "" {
		return ValidationError{Field: "defaults.completion_marker", Message: "required field is empty"}
	}
	if cfg.Logs.RetentionDays < 0 {
		return ValidationError{Field: "logs.retention_days", Message: "must not be negative"}
	}

	if cfg.Server != nil {
		if err := ValidateServerConfig(cfg.Server); err != nil {
			return err
		}
	}

	return nil
}

// ValidateServerConfig checks that server config values are valid.
func ValidateServerConfig(cfg *ServerConfig) error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return ValidationError{Field: "server.port", Message: "must be between 0 and 65535"}
	}
	return nil
}

// LoadEnvFile parses a .gralph/.env file into a map of key-value
// pairs, KEY=VALUE per line. Lines starting with # are comments and
// empty lines are ignored. A missing file is not an error.
func LoadEnvFile(basePath string) (map[string]string, error) {
	envPath := filepath.Join(basePath, ".gralph", ".env")

	file, err := os.Open(envPath)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("failed to open env file: %w", err)
	}
	defer file.Close()

	env := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.Index(line, "=")
		if idx == -1 {
			return nil, fmt.Errorf("invalid env file line %d: missing '='", lineNum)
		}

		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])

		// Strip surrounding quotes (single or double)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		if key == "" {
			return nil, fmt.Errorf("invalid env file line %d: empty key", lineNum)
		}

		env[key] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}

	return env, nil
}
