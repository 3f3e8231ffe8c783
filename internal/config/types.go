// Package config loads per-project settings from .gralph/config.yaml
// and the optional .gralph/.env credentials file.
package config

// Defaults holds fallback values for session options the user did not
// pass on the command line.
type Defaults struct {
	MaxIterations    int    `yaml:"max_iterations"`
	Backend          string `yaml:"backend"`
	Model            string `yaml:"model,omitempty"`
	Variant          string `yaml:"variant,omitempty"`
	CompletionMarker string `yaml:"completion_marker"`
}

// Logs controls the per-project session log directory.
type Logs struct {
	RetentionDays int `yaml:"retention_days"`
}

// ServerConfig configures the HTTP control endpoint.
type ServerConfig struct {
	Port int `yaml:"port"`
	// PasswordHashFile overrides the default hash location under the
	// state directory.
	PasswordHashFile string `yaml:"password_hash_file,omitempty"`
}

// Config represents the .gralph/config.yaml file.
type Config struct {
	Defaults Defaults      `yaml:"defaults"`
	Logs     Logs          `yaml:"logs"`
	Server   *ServerConfig `yaml:"server,omitempty"`
	// Webhook receives a JSON notification when a session reaches a
	// terminal status.
	Webhook string `yaml:"webhook,omitempty"`
}
