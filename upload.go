package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/leeyujin/portal/internal/api"
	"github.com/leeyujin/portal/internal/uploads"
)

type uploadOptions struct {
	kind      string
	allKinds  bool
	wait      time.Duration
	noHistory bool
}

func newUploadCmd() *cobra.Command {
	var opts uploadOptions

	cmd := &cobra.Command{
		Use:   "upload [flags] <image>...",
		Short: "Upload images for processing",
		Long: `Upload one or more images with a processing kind.

Non-image files are skipped. Files are sent one at a time; a failed upload
does not stop the rest. With --wait, the processed-file listing is polled
until every expected result appears.

Kinds: detect, detect_face, segment, face_segment, pose, classification.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd, args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.kind, "kind", "k", "", "processing kind (default from config)")
	cmd.Flags().BoolVar(&opts.allKinds, "all-kinds", false, "upload every image once per processing kind")
	cmd.Flags().DurationVar(&opts.wait, "wait", 0, "wait up to this long for processed results")
	cmd.Flags().BoolVar(&opts.noHistory, "no-history", false, "do not record uploads in the history ledger")

	return cmd
}

func runUpload(cmd *cobra.Command, args []string, opts uploadOptions) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cc.interruptContext(cmd.Context(), "upload")

	kinds, err := selectKinds(cc, opts)
	if err != nil {
		return err
	}

	files := statArgs(cc, args)

	b, err := cc.openBackend()
	if err != nil {
		return err
	}
	defer b.Close()

	orchOpts := []uploads.Option{
		uploads.WithLimits(cc.limits()),
		uploads.WithObserver(progressObserver(cc)),
	}

	if !opts.noHistory {
		ledger, err := openHistory(ctx, cc)
		if err != nil {
			return err
		}
		defer ledger.Close()

		orchOpts = append(orchOpts, uploads.WithObserver(ledger.Observer(context.WithoutCancel(ctx))))
	}

	var (
		results *uploads.Results
		changed chan struct{}
	)

	if opts.wait > 0 {
		changed = make(chan struct{}, 1)
		results = uploads.NewResults(b.client, cc.Logger, func([]api.DetectedFile) {
			select {
			case changed <- struct{}{}:
			default:
			}
		})

		poller := startResultPolling(ctx, cc, results)
		defer poller.Stop()

		orchOpts = append(orchOpts, uploads.WithKicker(poller))
	}

	orch := uploads.NewOrchestrator(b.client, nil, cc.Logger, orchOpts...)
	defer orch.ClearAll()

	added, err := orch.AddFiles(files)
	if errors.Is(err, uploads.ErrNoImages) {
		return fmt.Errorf("none of the given files is an image")
	}

	if err != nil {
		return err
	}

	printSelection(cc, files, added)

	var finished []uploads.Item

	for _, kind := range kinds {
		if len(kinds) > 1 {
			for _, it := range added {
				if ctx.Err() != nil {
					break
				}

				item, err := orch.Upload(ctx, it.ID, kind)
				if err != nil {
					return err
				}

				finished = append(finished, item)
			}

			continue
		}

		finished = orch.UploadAll(ctx, kind)
	}

	nudgeWatcher(cc)
	printUploadSummary(cc, finished)

	if results != nil {
		waitForResults(ctx, cc, results, changed, finished, opts.wait)
	}

	return uploadFailures(finished)
}

// selectKinds returns the kinds to upload with, in order.
func selectKinds(cc *CLIContext, opts uploadOptions) ([]api.Kind, error) {
	if opts.allKinds {
		if opts.kind != "" {
			return nil, fmt.Errorf("--kind and --all-kinds are mutually exclusive")
		}

		return api.Kinds(), nil
	}

	name := opts.kind
	if name == "" {
		name = cc.Cfg.DefaultKind
	}

	kind, err := api.ParseKind(name)
	if err != nil {
		return nil, err
	}

	return []api.Kind{kind}, nil
}

// statArgs turns paths into files, reporting and skipping unreadable ones.
func statArgs(cc *CLIContext, args []string) []uploads.File {
	files := make([]uploads.File, 0, len(args))

	for _, path := range args {
		f, err := uploads.StatFile(path)
		if err != nil {
			cc.Statusf("Skipping %s: %v\n", path, err)
			continue
		}

		files = append(files, f)
	}

	return files
}

func (cc *CLIContext) limits() uploads.Limits {
	l := uploads.DefaultLimits()
	l.MaxSize = cc.Cfg.MaxFileSize

	return l
}

// progressObserver prints each transition as it happens.
func progressObserver(cc *CLIContext) uploads.Observer {
	return func(it uploads.Item) {
		switch it.Status {
		case uploads.StatusUploading:
			cc.Statusf("Uploading %s (%s)...\n", it.File.Name, it.Kind)
		case uploads.StatusSuccess:
			cc.Statusf("  stored as %s\n", it.ResultLocator)
		case uploads.StatusError:
			cc.Statusf("  failed: %s\n", it.ErrorMessage)
		case uploads.StatusPending:
		}
	}
}

// printSelection lists the accepted images, like the drop-zone file info.
func printSelection(cc *CLIContext, files []uploads.File, added []uploads.Item) {
	if skipped := len(files) - len(added); skipped > 0 {
		cc.Statusf("Skipped %d non-image file(s).\n", skipped)
	}

	for _, it := range added {
		cc.Statusf("  %s  %s  %s\n", it.File.Name, formatSize(it.File.Size), it.File.ContentType)
	}
}

func printUploadSummary(cc *CLIContext, items []uploads.Item) {
	rows := make([][]string, 0, len(items))

	for _, it := range items {
		detail := it.ResultName()
		if it.Status == uploads.StatusError {
			detail = it.ErrorMessage
		}

		rows = append(rows, []string{it.File.Name, it.Kind.String(), string(it.Status), detail})
	}

	printTable(cc.Out, []string{"FILE", "KIND", "STATUS", "RESULT"}, rows)
}

// waitForResults blocks until every successful item's result is listed, the
// timeout passes, or ctx is canceled.
func waitForResults(
	ctx context.Context, cc *CLIContext, results *uploads.Results,
	changed <-chan struct{}, items []uploads.Item, timeout time.Duration,
) {
	want := make(map[string]bool)

	for _, it := range items {
		if name := it.ResultName(); name != "" {
			want[name] = true
		}
	}

	if len(want) == 0 {
		return
	}

	cc.Statusf("Waiting up to %s for %d result(s)...\n", timeout, len(want))

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		for name := range want {
			if f, ok := results.Find(name); ok {
				fmt.Fprintf(cc.Out, "ready: %s (%s)\n", f.FileName, formatSize(f.SizeBytes))
				delete(want, name)
			}
		}

		if len(want) == 0 {
			return
		}

		select {
		case <-changed:
		case <-deadline.C:
			cc.Logger.Warn("results not ready before timeout", slog.Int("missing", len(want)))
			cc.Statusf("%d result(s) not ready yet; check 'portal results ls' later.\n", len(want))

			return
		case <-ctx.Done():
			return
		}
	}
}

// uploadFailures returns an error when any item failed.
func uploadFailures(items []uploads.Item) error {
	failed := 0

	for _, it := range items {
		if it.Status == uploads.StatusError {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d upload(s) failed", failed, len(items))
	}

	return nil
}
