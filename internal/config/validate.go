package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/leeyujin/portal/internal/api"
)

// Validation range constants.
const (
	minTokenTTL     = 10 * time.Second
	minPollInterval = 1 * time.Second
	minTimeout      = 1 * time.Second
	maxPort         = 65535
)

// Validate checks all configuration values and returns all errors found.
// Every error is reported, not just the first.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateBackend(&cfg.BackendConfig)...)
	errs = append(errs, validateLogin(&cfg.LoginConfig)...)
	errs = append(errs, validateUpload(&cfg.UploadConfig)...)
	errs = append(errs, validateLogging(&cfg.LoggingConfig)...)
	errs = append(errs, validateNetwork(&cfg.NetworkConfig)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints on the merged result that only make
// sense after every layer has been applied.
func ValidateResolved(r *Resolved) error {
	var errs []error

	if r.StateDir == "" {
		errs = append(errs, errors.New("state_dir: could not determine a state directory; set state_dir"))
	} else if !filepath.IsAbs(r.StateDir) {
		errs = append(errs, fmt.Errorf("state_dir: must be absolute, got %q", r.StateDir))
	}

	if r.MaxFileSize <= 0 {
		errs = append(errs, fmt.Errorf("max_file_size: must be > 0, got %d", r.MaxFileSize))
	}

	return errors.Join(errs...)
}

func validateBackend(b *BackendConfig) []error {
	u, err := url.Parse(b.BackendURL)
	if err != nil {
		return []error{fmt.Errorf("backend_url: invalid URL %q: %w", b.BackendURL, err)}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return []error{fmt.Errorf("backend_url: scheme must be http or https, got %q", b.BackendURL)}
	}

	if u.Host == "" {
		return []error{fmt.Errorf("backend_url: missing host in %q", b.BackendURL)}
	}

	return nil
}

func validateLogin(l *LoginConfig) []error {
	var errs []error

	errs = append(errs, validateCallbackAddr(l.CallbackAddr)...)
	errs = append(errs, validateLandingPath(l.LandingPath)...)
	errs = append(errs, validateDurationMin("token_ttl", l.TokenTTL, minTokenTTL)...)

	return errs
}

func validateCallbackAddr(addr string) []error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return []error{fmt.Errorf("callback_addr: must be host:port, got %q", addr)}
	}

	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > maxPort {
		return []error{fmt.Errorf("callback_addr: invalid port %q", port)}
	}

	return nil
}

// The landing page must differ from the entry page, which is where failed
// logins land.
func validateLandingPath(p string) []error {
	switch {
	case !strings.HasPrefix(p, "/"):
		return []error{fmt.Errorf("landing_path: must start with \"/\", got %q", p)}
	case p == "/":
		return []error{errors.New("landing_path: must not be \"/\" (reserved for the entry page)")}
	}

	return nil
}

func validateUpload(u *UploadConfig) []error {
	var errs []error

	if _, err := api.ParseKind(u.DefaultKind); err != nil {
		errs = append(errs, fmt.Errorf("default_kind: %w", err))
	}

	errs = append(errs, validateDurationMin("poll_interval", u.PollInterval, minPollInterval)...)
	errs = append(errs, validateDurationNonNeg("repoll_delay", u.RepollDelay)...)

	if _, err := parseSize(u.MaxFileSize); err != nil {
		errs = append(errs, fmt.Errorf("max_file_size: %w", err))
	}

	return errs
}

func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < 0 {
		return []error{fmt.Errorf("%s: must be >= 0, got %s", field, d)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

func validateNetwork(n *NetworkConfig) []error {
	return validateDurationMin("timeout", n.Timeout, minTimeout)
}
