package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as an annotated summary
// to w. This powers "portal config show".
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (from %s)\n\n", describePath(r.ConfigPath))

	ew.printf("[backend]\n")
	ew.printf("  backend_url    = %q\n\n", r.BackendURL)

	ew.printf("[login]\n")
	ew.printf("  callback_addr  = %q\n", r.CallbackAddr)
	ew.printf("  landing_path   = %q\n", r.LandingPath)
	ew.printf("  token_ttl      = %q\n\n", r.TokenTTL)

	ew.printf("[upload]\n")
	ew.printf("  default_kind   = %q\n", r.DefaultKind)
	ew.printf("  poll_interval  = %q\n", r.PollInterval)
	ew.printf("  repoll_delay   = %q\n", r.RepollDelay)
	ew.printf("  max_file_size  = %d\n\n", r.MaxFileSize)

	ew.printf("[logging]\n")
	ew.printf("  log_level      = %q\n", r.LogLevel)
	ew.printf("  log_format     = %q\n", r.LogFormat)

	if r.LogFile != "" {
		ew.printf("  log_file       = %q\n", r.LogFile)
	}

	ew.printf("\n[network]\n")
	ew.printf("  timeout        = %q\n", r.Timeout)

	if r.UserAgent != "" {
		ew.printf("  user_agent     = %q\n", r.UserAgent)
	}

	ew.printf("\n[state]\n")
	ew.printf("  state_dir      = %q\n", r.StateDir)

	return ew.err
}

func describePath(p string) string {
	if p == "" {
		return "defaults"
	}

	return p
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
