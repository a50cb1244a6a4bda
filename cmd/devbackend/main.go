// Local stand-in for the auth and processing backend.
//
// Usage: go run ./cmd/devbackend --storage-dir /tmp/portal-dev
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/leeyujin/portal/internal/devbackend"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr    string
		secret  string
		verbose bool
		cfg     devbackend.Config
	)

	cmd := &cobra.Command{
		Use:           "devbackend",
		Short:         "Run a local fake of the portal backend",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}

			cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			if secret != "" {
				cfg.Secret = []byte(secret)
			}

			srv, err := devbackend.NewServer(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return srv.ListenAndServe(ctx, addr)
		},
	}

	f := cmd.Flags()
	f.StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	f.StringVar(&cfg.FrontendURL, "frontend-url", devbackend.DefaultFrontendURL, "origin provider callbacks redirect to")
	f.StringVar(&cfg.StorageDir, "storage-dir", "", "directory for uploads/ and detected/ (required)")
	f.StringVar(&secret, "secret", "", "access token signing secret (random when empty)")
	f.BoolVar(&cfg.AutoApprove, "auto-approve", false, "skip the consent page")
	f.BoolVar(&cfg.OmitExpiresIn, "omit-expires-in", false, "leave expires_in out of token responses")
	f.DurationVar(&cfg.ProcessDelay, "process-delay", 0, "delay before a processed file appears")
	f.DurationVar(&cfg.AccessTTL, "access-ttl", devbackend.DefaultAccessTTL, "access token lifetime")
	f.DurationVar(&cfg.SessionTTL, "session-ttl", devbackend.DefaultSessionTTL, "refresh cookie lifetime")
	f.Int64Var(&cfg.MaxUploadSize, "max-upload-size", devbackend.DefaultMaxUploadSize, "largest accepted image in bytes")
	f.BoolVarP(&verbose, "verbose", "v", false, "log every request")

	_ = cmd.MarkFlagRequired("storage-dir")

	return cmd
}
