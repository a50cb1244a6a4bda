package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/leeyujin/portal/internal/history"
	"github.com/leeyujin/portal/internal/uploads"
)

const stateDirPerms = 0o700

// openHistory opens the upload ledger in the state directory.
func openHistory(ctx context.Context, cc *CLIContext) (*history.Ledger, error) {
	if err := os.MkdirAll(cc.Cfg.StateDir, stateDirPerms); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	ledger, err := history.Open(ctx, cc.Cfg.HistoryPath(), cc.Cfg.BackendURL, cc.Logger)
	if err != nil {
		return nil, fmt.Errorf("opening upload history: %w", err)
	}

	return ledger, nil
}

// historyJSON is the JSON schema for one `history --json` entry.
type historyJSON struct {
	File       string    `json:"file"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	Stored     string    `json:"stored,omitempty"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	Backend    string    `json:"backend"`
	RecordedAt time.Time `json:"recorded_at"`
}

func newHistoryCmd() *cobra.Command {
	var (
		limit  int
		status string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show finished uploads recorded on this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHistory(cmd, limit, status, asJSON)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", history.DefaultLimit, "number of entries to show")
	cmd.Flags().StringVar(&status, "status", "", "only show success or error entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")

	cmd.AddCommand(newHistoryPruneCmd())

	return cmd
}

func runHistory(cmd *cobra.Command, limit int, status string, asJSON bool) error {
	cc := mustCLIContext(cmd.Context())

	filter := history.Filter{Limit: limit}

	switch uploads.Status(status) {
	case "":
	case uploads.StatusSuccess, uploads.StatusError:
		filter.Status = uploads.Status(status)
	default:
		return fmt.Errorf("--status must be success or error, got %q", status)
	}

	ledger, err := openHistory(cmd.Context(), cc)
	if err != nil {
		return err
	}
	defer ledger.Close()

	entries, err := ledger.Recent(cmd.Context(), filter)
	if err != nil {
		return err
	}

	if asJSON {
		out := make([]historyJSON, 0, len(entries))
		for _, e := range entries {
			out = append(out, historyJSON{
				File:       e.FileName,
				Path:       e.LocalPath,
				Size:       e.SizeBytes,
				Kind:       e.Kind.String(),
				Status:     string(e.Status),
				Stored:     e.ResultLocator,
				Result:     e.ResultName(),
				Error:      e.ErrorMessage,
				Backend:    e.BackendURL,
				RecordedAt: e.RecordedAt,
			})
		}

		return printJSON(cc.Out, out)
	}

	if len(entries) == 0 {
		fmt.Fprintln(cc.Out, "No uploads recorded.")
		return nil
	}

	now := time.Now()
	rows := make([][]string, 0, len(entries))

	for _, e := range entries {
		detail := e.ResultName()
		if e.Status == uploads.StatusError {
			detail = e.ErrorMessage
		}

		rows = append(rows, []string{
			formatTime(e.RecordedAt, now), e.FileName, e.Kind.String(), string(e.Status), detail,
		})
	}

	printTable(cc.Out, []string{"WHEN", "FILE", "KIND", "STATUS", "RESULT"}, rows)

	return nil
}

func newHistoryPruneCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete history entries older than a duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			ledger, err := openHistory(cmd.Context(), cc)
			if err != nil {
				return err
			}
			defer ledger.Close()

			n, err := ledger.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}

			cc.Statusf("Removed %d entr%s.\n", n, pluralY(n))

			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age cutoff")

	return cmd
}

func pluralY(n int64) string {
	if n == 1 {
		return "y"
	}

	return "ies"
}
