package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig       = "PORTAL_CONFIG"
	EnvBackendURL   = "PORTAL_BACKEND_URL"
	EnvCallbackAddr = "PORTAL_CALLBACK_ADDR"
	EnvStateDir     = "PORTAL_STATE_DIR"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath   string // PORTAL_CONFIG: override config file path
	BackendURL   string // PORTAL_BACKEND_URL
	CallbackAddr string // PORTAL_CALLBACK_ADDR
	StateDir     string // PORTAL_STATE_DIR
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:   os.Getenv(EnvConfig),
		BackendURL:   os.Getenv(EnvBackendURL),
		CallbackAddr: os.Getenv(EnvCallbackAddr),
		StateDir:     os.Getenv(EnvStateDir),
	}
}
