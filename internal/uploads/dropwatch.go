package uploads

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/leeyujin/portal/internal/api"
)

// settleDelay is how long a dropped file must go without writes before it is
// picked up, so half-copied files are not uploaded.
const settleDelay = 500 * time.Millisecond

// FsWatcher abstracts fsnotify.Watcher for testing.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWrapper struct {
	w *fsnotify.Watcher
}

func (f *fsnotifyWrapper) Add(name string) error         { return f.w.Add(name) }
func (f *fsnotifyWrapper) Close() error                  { return f.w.Close() }
func (f *fsnotifyWrapper) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWrapper) Errors() <-chan error          { return f.w.Errors }

// DropWatcher adds images that appear in a directory to the upload list and,
// when a kind is set, uploads them.
type DropWatcher struct {
	dir    string
	orch   *Orchestrator
	kind   api.Kind
	upload bool
	logger *slog.Logger
	settle time.Duration

	// newWatcher is injectable so tests can feed synthetic events.
	newWatcher func() (FsWatcher, error)

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// NewDropWatcher watches dir. When upload is true, each added item is
// uploaded with kind right away.
func NewDropWatcher(dir string, orch *Orchestrator, kind api.Kind, upload bool, logger *slog.Logger) *DropWatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &DropWatcher{
		dir:     dir,
		orch:    orch,
		kind:    kind,
		upload:  upload,
		logger:  logger,
		settle:  settleDelay,
		pending: make(map[string]*time.Timer),
		newWatcher: func() (FsWatcher, error) {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, err
			}

			return &fsnotifyWrapper{w: w}, nil
		},
	}
}

// Run watches until ctx is canceled. Files already in the directory are not
// picked up.
func (d *DropWatcher) Run(ctx context.Context) error {
	watcher, err := d.newWatcher()
	if err != nil {
		return fmt.Errorf("uploads: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(d.dir); err != nil {
		return fmt.Errorf("uploads: watching %s: %w", d.dir, err)
	}

	d.logger.Info("watching drop folder", slog.String("dir", d.dir))

	defer d.drain()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			d.handleEvent(ctx, ev)

		case watchErr, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			d.logger.Warn("drop folder watcher error", slog.String("error", watchErr.Error()))
		}
	}
}

func (d *DropWatcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	if ignoredName(filepath.Base(ev.Name)) {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Each write restarts the settle timer.
	if t, ok := d.pending[ev.Name]; ok && t.Stop() {
		t.Reset(d.settle)
		return
	}

	path := ev.Name

	var timer *time.Timer

	d.wg.Add(1)
	timer = time.AfterFunc(d.settle, func() {
		defer d.wg.Done()

		d.mu.Lock()
		if d.pending[path] == timer {
			delete(d.pending, path)
		}
		d.mu.Unlock()

		if ctx.Err() != nil {
			return
		}

		d.pickUp(ctx, path)
	})
	d.pending[path] = timer
}

func (d *DropWatcher) pickUp(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	f, err := StatFile(path)
	if err != nil {
		d.logger.Warn("cannot read dropped file", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	added, err := d.orch.AddFiles([]File{f})
	if err != nil {
		d.logger.Info("ignoring dropped file", slog.String("path", path), slog.String("reason", err.Error()))
		return
	}

	if !d.upload {
		return
	}

	for _, it := range added {
		if _, err := d.orch.Upload(ctx, it.ID, d.kind); err != nil {
			d.logger.Warn("dropped file upload failed", slog.String("id", it.ID), slog.String("error", err.Error()))
		}
	}
}

// drain stops pending settle timers and waits for running pick-ups.
func (d *DropWatcher) drain() {
	d.mu.Lock()
	for path, t := range d.pending {
		if t.Stop() {
			d.wg.Done()
		}

		delete(d.pending, path)
	}
	d.mu.Unlock()

	d.wg.Wait()
}

// ignoredName reports names of hidden, temporary, and partial files.
func ignoredName(name string) bool {
	return strings.HasPrefix(name, ".") ||
		strings.HasPrefix(name, "~") ||
		strings.HasSuffix(name, "~") ||
		strings.HasSuffix(name, ".part") ||
		strings.HasSuffix(name, ".tmp") ||
		strings.HasSuffix(name, ".crdownload")
}
