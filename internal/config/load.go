package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// CLIOverrides holds values from command-line flags. Pointer fields are nil
// when the flag was not given.
type CLIOverrides struct {
	ConfigPath   string  // --config flag (empty = use default)
	BackendURL   *string // --backend-url flag
	CallbackAddr *string // --callback-addr flag
	StateDir     *string // --state-dir flag
}

// Resolved is the effective configuration after all override layers, with
// durations and sizes parsed.
type Resolved struct {
	ConfigPath string

	BackendURL   string
	CallbackAddr string
	LandingPath  string
	TokenTTL     time.Duration

	DefaultKind  string
	PollInterval time.Duration
	RepollDelay  time.Duration
	MaxFileSize  int64

	LogLevel  string
	LogFile   string
	LogFormat string

	Timeout   time.Duration
	UserAgent string

	StateDir string
}

// CookieJarPath is where the session cookie jar is persisted.
func (r *Resolved) CookieJarPath() string {
	return filepath.Join(r.StateDir, cookieFileName)
}

// HistoryPath is the upload history database.
func (r *Resolved) HistoryPath() string {
	return filepath.Join(r.StateDir, historyFileName)
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.BackendURL != "" {
		cfg.BackendURL = env.BackendURL
	}

	if env.CallbackAddr != "" {
		cfg.CallbackAddr = env.CallbackAddr
	}

	if env.StateDir != "" {
		cfg.StateDir = env.StateDir
	}

	if cli.BackendURL != nil {
		cfg.BackendURL = *cli.BackendURL
	}

	if cli.CallbackAddr != nil {
		cfg.CallbackAddr = *cli.CallbackAddr
	}

	if cli.StateDir != nil {
		cfg.StateDir = *cli.StateDir
	}

	// Overrides bypass the file-level validation in Load.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	resolved, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	resolved.ConfigPath = cfgPath

	if err := ValidateResolved(resolved); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return resolved, nil
}

// resolve converts a validated Config into a Resolved.
func resolve(cfg *Config) (*Resolved, error) {
	r := &Resolved{
		BackendURL:   cfg.BackendURL,
		CallbackAddr: cfg.CallbackAddr,
		LandingPath:  cfg.LandingPath,
		DefaultKind:  cfg.DefaultKind,
		LogLevel:     cfg.LogLevel,
		LogFile:      expandTilde(cfg.LogFile),
		LogFormat:    cfg.LogFormat,
		UserAgent:    cfg.UserAgent,
		StateDir:     expandTilde(cfg.StateDir),
	}

	if r.StateDir == "" {
		r.StateDir = DefaultStateDir()
	}

	var errs []error

	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"token_ttl", cfg.TokenTTL, &r.TokenTTL},
		{"poll_interval", cfg.PollInterval, &r.PollInterval},
		{"repoll_delay", cfg.RepollDelay, &r.RepollDelay},
		{"timeout", cfg.Timeout, &r.Timeout},
	}

	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.field, err))
			continue
		}

		*d.dst = v
	}

	size, err := parseSize(cfg.MaxFileSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("max_file_size: %w", err))
	}

	r.MaxFileSize = size

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return r, nil
}
