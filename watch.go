package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/leeyujin/portal/internal/schedule"
	"github.com/leeyujin/portal/internal/uploads"
)

func newWatchCmd() *cobra.Command {
	var (
		kind     string
		noUpload bool
	)

	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Upload images dropped into a folder and report results",
		Long: `Watch a folder and upload every image created or moved into it. The
processed-image listing is polled at the configured interval and shortly after
each successful upload; new results are printed as they appear.

Files already in the folder are left alone. Only one watcher runs per state
directory; 'portal upload' from another terminal nudges it to re-poll.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, args[0], kind, noUpload)
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "", "processing kind (default from config)")
	cmd.Flags().BoolVar(&noUpload, "no-upload", false, "only list dropped images, do not upload them")

	return cmd
}

func runWatch(cmd *cobra.Command, dir, kindName string, noUpload bool) error {
	cc := mustCLIContext(cmd.Context())

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	kinds, err := selectKinds(cc, uploadOptions{kind: kindName})
	if err != nil {
		return err
	}

	releasePID, err := writePIDFile(cc.watchPIDPath())
	if err != nil {
		return err
	}
	defer releasePID()

	ctx := cc.interruptContext(cmd.Context(), "watch")

	b, err := cc.openBackend()
	if err != nil {
		return err
	}
	defer b.Close()

	ledger, err := openHistory(ctx, cc)
	if err != nil {
		return err
	}
	defer ledger.Close()

	results := uploads.NewResults(b.client, cc.Logger, newResultReporter(cc))

	// Started before the drop watcher so the first upload's kick is kept.
	poller := startResultPolling(ctx, cc, results)
	defer poller.Stop()

	orch := uploads.NewOrchestrator(b.client, nil, cc.Logger,
		uploads.WithLimits(cc.limits()),
		uploads.WithKicker(poller),
		uploads.WithObserver(progressObserver(cc)),
		uploads.WithObserver(ledger.Observer(context.WithoutCancel(ctx))),
	)
	defer orch.ClearAll()

	dw := uploads.NewDropWatcher(dir, orch, kinds[0], !noUpload, cc.Logger)

	cc.Statusf("Watching %s (kind %s). Ctrl-C to stop.\n", dir, kinds[0])

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dw.Run(gctx)
	})

	g.Go(func() error {
		return relayRepolls(gctx, poller, cc.Logger)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	return nil
}

// relayRepolls turns SIGHUP from another portal process into a re-poll.
func relayRepolls(ctx context.Context, poller *schedule.Poller, logger *slog.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			logger.Debug("SIGHUP received, scheduling result re-poll")

			if err := poller.Kick(); err != nil {
				logger.Debug("re-poll not scheduled", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			return nil
		}
	}
}
