package config

// Default values for configuration options.
const (
	defaultBackendURL   = "http://localhost:8080"
	defaultCallbackAddr = "127.0.0.1:3000"
	defaultLandingPath  = "/dashboard"
	defaultTokenTTL     = "10m"
	defaultKind         = "detect"
	defaultPollInterval = "5s"
	defaultRepollDelay  = "3s"
	defaultMaxFileSize  = "50MiB"
	defaultLogLevel     = "info"
	defaultLogFormat    = "auto"
	defaultTimeout      = "30s"
)

// DefaultConfig returns a Config populated with all default values.
// Running without a config file uses exactly these.
func DefaultConfig() *Config {
	return &Config{
		BackendConfig: BackendConfig{BackendURL: defaultBackendURL},
		LoginConfig: LoginConfig{
			CallbackAddr: defaultCallbackAddr,
			LandingPath:  defaultLandingPath,
			TokenTTL:     defaultTokenTTL,
		},
		UploadConfig: UploadConfig{
			DefaultKind:  defaultKind,
			PollInterval: defaultPollInterval,
			RepollDelay:  defaultRepollDelay,
			MaxFileSize:  defaultMaxFileSize,
		},
		LoggingConfig: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		NetworkConfig: NetworkConfig{Timeout: defaultTimeout},
	}
}
