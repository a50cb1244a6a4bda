// Package config loads portal's TOML configuration and resolves it against
// environment variables and command-line flags.
package config

// Config is the top-level configuration, parsed from a TOML file. All keys
// are flat at the top level; the embedded structs only group fields in Go.
type Config struct {
	BackendConfig
	LoginConfig
	UploadConfig
	LoggingConfig
	NetworkConfig
	StateConfig
}

// BackendConfig locates the image-processing backend.
type BackendConfig struct {
	BackendURL string `toml:"backend_url"`
}

// LoginConfig controls the OAuth redirect handshake and session lifetime.
type LoginConfig struct {
	CallbackAddr string `toml:"callback_addr"`
	LandingPath  string `toml:"landing_path"`
	TokenTTL     string `toml:"token_ttl"`
}

// UploadConfig controls uploads and result polling.
type UploadConfig struct {
	DefaultKind  string `toml:"default_kind"`
	PollInterval string `toml:"poll_interval"`
	RepollDelay  string `toml:"repoll_delay"`
	MaxFileSize  string `toml:"max_file_size"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP behavior.
type NetworkConfig struct {
	Timeout   string `toml:"timeout"`
	UserAgent string `toml:"user_agent"`
}

// StateConfig locates on-disk state (cookie jar, upload history).
type StateConfig struct {
	StateDir string `toml:"state_dir"`
}
