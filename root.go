package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/leeyujin/portal/internal/api"
	"github.com/leeyujin/portal/internal/config"
	"github.com/leeyujin/portal/internal/cookiefile"
	"github.com/leeyujin/portal/internal/session"
)

// version is set at build time via ldflags.
var version = "dev"

// skipConfigAnnotation marks commands that run without resolving config.
const skipConfigAnnotation = "skipConfig"

// logFilePerms keeps log files private; they may contain file paths.
const logFilePerms = 0o600

// CLIFlags holds the persistent flags of the root command.
type CLIFlags struct {
	ConfigPath   string
	BackendURL   string
	CallbackAddr string
	StateDir     string
	Verbose      bool
	Quiet        bool
}

// CLIContext is built once per invocation by the root pre-run and carried in
// the command's context.
type CLIContext struct {
	Flags  CLIFlags
	Cfg    *config.Resolved
	Logger *slog.Logger
	Out    io.Writer
	Err    io.Writer

	closeLog func()
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by the root pre-run. Panics
// when called outside a command run, which is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("CLIContext missing from command context")
	}

	return cc
}

// newRootCmd builds the fully-assembled root command.
func newRootCmd() *cobra.Command {
	var flags CLIFlags

	cmd := &cobra.Command{
		Use:     "portal",
		Short:   "Image processing portal client",
		Long:    "Sign in through Google, Kakao or Naver, upload images for processing and fetch the results.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc := &CLIContext{
				Flags: flags,
				Out:   cmd.OutOrStdout(),
				Err:   cmd.ErrOrStderr(),
			}

			if cmd.Annotations[skipConfigAnnotation] == "" {
				resolved, err := loadConfig(cmd, flags)
				if err != nil {
					return err
				}

				cc.Cfg = resolved
			}

			logger, closeLog, err := buildLogger(cc.Cfg, flags, cc.Err)
			if err != nil {
				return err
			}

			cc.Logger = logger
			cc.closeLog = closeLog

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if cc, ok := cmd.Context().Value(cliContextKey{}).(*CLIContext); ok && cc.closeLog != nil {
				cc.closeLog()
			}
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "config file path")
	pf.StringVar(&flags.BackendURL, "backend-url", "", "backend base URL")
	pf.StringVar(&flags.CallbackAddr, "callback-addr", "", "local address the login callback listens on")
	pf.StringVar(&flags.StateDir, "state-dir", "", "directory for the cookie jar and upload history")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newUploadCmd())
	cmd.AddCommand(newResultsCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the effective configuration. Only flags the user
// actually set override the lower layers.
func loadConfig(cmd *cobra.Command, flags CLIFlags) (*config.Resolved, error) {
	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}

	if cmd.Flags().Changed("backend-url") {
		cli.BackendURL = &flags.BackendURL
	}

	if cmd.Flags().Changed("callback-addr") {
		cli.CallbackAddr = &flags.CallbackAddr
	}

	if cmd.Flags().Changed("state-dir") {
		cli.StateDir = &flags.StateDir
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return resolved, nil
}

// buildLogger creates the logger from config and flags. The config level is
// the baseline; --verbose and --quiet override it. Output goes to log_file
// when set, otherwise to stderr. The returned func closes the log file.
func buildLogger(cfg *config.Resolved, flags CLIFlags, stderr io.Writer) (*slog.Logger, func(), error) {
	level := slog.LevelWarn
	format := "auto"
	out := stderr
	closeFn := func() {}

	if cfg != nil {
		level = parseLevel(cfg.LogLevel)
		format = cfg.LogFormat

		if cfg.LogFile != "" {
			f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerms)
			if err != nil {
				return nil, nil, fmt.Errorf("opening log file: %w", err)
			}

			out = f
			closeFn = func() { f.Close() }
		}
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if useJSON(format, out) {
		return slog.New(slog.NewJSONHandler(out, opts)), closeFn, nil
	}

	return slog.New(slog.NewTextHandler(out, opts)), closeFn, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// useJSON resolves log_format. "auto" means text on a terminal and JSON
// otherwise, so logs piped to a collector stay machine-readable.
func useJSON(format string, w io.Writer) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	}

	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

// backend is the per-invocation connection to the processing backend: the
// persisted cookie jar, the memory-only token store, and the client that
// ties them together.
type backend struct {
	jar    *cookiefile.Jar
	store  *session.Store
	client *api.Client
	logger *slog.Logger
}

// openBackend loads the cookie jar and wires the client. The caller must
// Close the backend so cookie changes reach disk.
func (cc *CLIContext) openBackend() (*backend, error) {
	jar, err := cookiefile.Load(cc.Cfg.CookieJarPath())
	if err != nil {
		return nil, fmt.Errorf("loading session cookies: %w", err)
	}

	httpClient := &http.Client{Jar: jar, Timeout: cc.Cfg.Timeout}
	store := session.NewStore(cc.Logger)

	client := api.NewClient(cc.Cfg.BackendURL, httpClient, store, cc.Logger)
	client.SetUserAgent(cc.Cfg.UserAgent)
	client.Refresher().SetDefaultTTL(cc.Cfg.TokenTTL)
	client.OnLoginRequired(func() {
		fmt.Fprintln(cc.Err, "Session expired or missing. Run 'portal login' to sign in.")
	})

	return &backend{jar: jar, store: store, client: client, logger: cc.Logger}, nil
}

// Close persists the cookie jar. Failures are logged, not returned, so a
// command's own error is not masked.
func (b *backend) Close() {
	if err := b.jar.Save(); err != nil {
		b.logger.Warn("failed to save session cookies", slog.String("error", err.Error()))
	}
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", describeError(err))
	os.Exit(1)
}

// describeError prefers the backend's own message for API failures.
func describeError(err error) string {
	if api.IsLoginRequired(err) {
		return "not signed in (run 'portal login')"
	}

	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return api.Message(err)
	}

	return err.Error()
}
