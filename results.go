package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/leeyujin/portal/internal/api"
	"github.com/leeyujin/portal/internal/schedule"
	"github.com/leeyujin/portal/internal/uploads"
)

// downloadFilePerms is the mode of downloaded result images.
const downloadFilePerms = 0o644

func newResultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "List and download processed images",
	}

	cmd.AddCommand(newResultsLsCmd())
	cmd.AddCommand(newResultsGetCmd())
	cmd.AddCommand(newResultsWatchCmd())

	return cmd
}

// resultJSON is the JSON schema for one `results ls --json` entry.
type resultJSON struct {
	FileName  string    `json:"file_name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

func newResultsLsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List processed images, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			b, err := cc.openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			files, err := b.client.ListDetected(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing results: %w", err)
			}

			if asJSON {
				out := make([]resultJSON, 0, len(files))
				for _, f := range files {
					out = append(out, resultJSON{FileName: f.FileName, Size: f.SizeBytes, CreatedAt: f.CreatedAt})
				}

				return printJSON(cc.Out, out)
			}

			printResults(cc, files)

			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")

	return cmd
}

func printResults(cc *CLIContext, files []api.DetectedFile) {
	if len(files) == 0 {
		fmt.Fprintln(cc.Out, "No processed images yet.")
		return
	}

	now := time.Now()
	rows := make([][]string, 0, len(files))

	for _, f := range files {
		rows = append(rows, []string{f.FileName, formatSize(f.SizeBytes), formatTime(f.CreatedAt, now)})
	}

	printTable(cc.Out, []string{"NAME", "SIZE", "CREATED"}, rows)
}

func newResultsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <name> [destination]",
		Short: "Download a processed image",
		Long: `Download a processed image. The destination defaults to the file name in the
current directory; an existing directory receives the file under its name.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runResultsGet,
	}
}

func runResultsGet(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	name := args[0]

	dest := name
	if len(args) == 2 {
		dest = args[1]
	}

	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		dest = filepath.Join(dest, name)
	}

	b, err := cc.openBackend()
	if err != nil {
		return err
	}
	defer b.Close()

	// Download next to the destination so the rename stays on one filesystem.
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".portal-download-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	n, err := b.client.DownloadDetected(cmd.Context(), name, tmp)
	closeErr := tmp.Close()

	if err == nil {
		err = closeErr
	}

	if err == nil {
		err = os.Chmod(tmpPath, downloadFilePerms)
	}

	if err == nil {
		err = os.Rename(tmpPath, dest)
	}

	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("downloading %s: %w", name, err)
	}

	cc.Statusf("Saved %s (%s)\n", dest, formatSize(n))

	return nil
}

func newResultsWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Poll the processed-image listing and report new results",
		Args:  cobra.NoArgs,
		RunE:  runResultsWatch,
	}
}

func runResultsWatch(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cc.interruptContext(cmd.Context(), "results watch")

	b, err := cc.openBackend()
	if err != nil {
		return err
	}
	defer b.Close()

	results := uploads.NewResults(b.client, cc.Logger, newResultReporter(cc))

	cc.Statusf("Watching %s every %s (Ctrl-C to stop)\n", cc.Cfg.BackendURL, cc.Cfg.PollInterval)

	poller := startResultPolling(ctx, cc, results)
	<-ctx.Done()
	poller.Stop()

	return nil
}

// newResultReporter returns a listing callback that prints entries not seen
// in an earlier listing. The first listing is printed in full. Safe to call
// from concurrent polls.
func newResultReporter(cc *CLIContext) func([]api.DetectedFile) {
	var (
		mu    sync.Mutex
		seen  = make(map[string]bool)
		first = true
	)

	return func(files []api.DetectedFile) {
		mu.Lock()
		defer mu.Unlock()

		var fresh []api.DetectedFile

		for _, f := range files {
			if !seen[f.FileName] {
				seen[f.FileName] = true
				fresh = append(fresh, f)
			}
		}

		if first {
			first = false
			printResults(cc, files)

			return
		}

		// Oldest first reads naturally in a stream.
		slices.Reverse(fresh)

		for _, f := range fresh {
			fmt.Fprintf(cc.Out, "new: %s (%s)\n", f.FileName, formatSize(f.SizeBytes))
		}
	}
}

// startResultPolling creates the result poller on the configured timing and
// starts it. Uploads may kick it as soon as this returns.
func startResultPolling(ctx context.Context, cc *CLIContext, results *uploads.Results) *schedule.Poller {
	poller := schedule.NewPoller(results.Refresh, schedule.Config{
		Interval:    cc.Cfg.PollInterval,
		RepollDelay: cc.Cfg.RepollDelay,
		Logger:      cc.Logger,
	})

	poller.Start(ctx)

	return poller
}
