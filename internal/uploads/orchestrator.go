package uploads

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leeyujin/portal/internal/api"
)

// Uploader sends one image to the backend. Satisfied by *api.Client.
type Uploader interface {
	Upload(ctx context.Context, name, contentType string, content io.Reader, kind api.Kind) (*api.UploadResult, error)
}

// Kicker schedules a delayed result re-poll. Satisfied by *schedule.Poller.
type Kicker interface {
	Kick() error
}

// Observer receives a snapshot after every item transition.
type Observer func(Item)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver registers fn for item transitions. May be given more than once.
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, fn) }
}

// WithKicker makes every successful upload kick k.
func WithKicker(k Kicker) Option {
	return func(o *Orchestrator) { o.kicker = k }
}

// WithLimits overrides the pre-upload checks.
func WithLimits(l Limits) Option {
	return func(o *Orchestrator) { o.limits = l }
}

// WithClock overrides the timestamp source for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator owns the upload list. All methods are safe for concurrent use.
type Orchestrator struct {
	uploader  Uploader
	previews  *PreviewRegistry
	logger    *slog.Logger
	observers []Observer
	kicker    Kicker
	limits    Limits
	now       func() time.Time

	mu    sync.Mutex
	items []*Item
}

// NewOrchestrator creates an empty upload list backed by uploader.
func NewOrchestrator(uploader Uploader, previews *PreviewRegistry, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	if previews == nil {
		previews = NewPreviewRegistry(logger)
	}

	o := &Orchestrator{
		uploader: uploader,
		previews: previews,
		logger:   logger,
		limits:   DefaultLimits(),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// AddFiles appends the image files among files as pending items and returns
// their snapshots. Non-images are skipped. Returns ErrNoImages when nothing
// was added.
func (o *Orchestrator) AddFiles(files []File) ([]Item, error) {
	var added []Item

	for _, f := range files {
		if f.ContentType == "" && f.Path != "" {
			ct, err := sniff(f.Path)
			if err != nil {
				o.logger.Warn("skipping unreadable file",
					slog.String("path", f.Path),
					slog.String("error", err.Error()),
				)

				continue
			}

			f.ContentType = ct
		}

		if !isImage(f.ContentType) {
			o.logger.Info("skipping non-image file",
				slog.String("name", f.Name),
				slog.String("content_type", f.ContentType),
			)

			continue
		}

		f.Name = NormalizeName(f.Name)

		it := &Item{
			ID:        uuid.NewString(),
			File:      f,
			Preview:   o.previews.Create(f.Path),
			Status:    StatusPending,
			UpdatedAt: o.now(),
		}

		o.mu.Lock()
		o.items = append(o.items, it)
		o.mu.Unlock()

		added = append(added, *it)
	}

	if len(added) == 0 {
		return nil, ErrNoImages
	}

	o.logger.Info("files added", slog.Int("count", len(added)))

	for _, it := range added {
		o.notify(it)
	}

	return added, nil
}

// Items returns snapshots of every item in list order.
func (o *Orchestrator) Items() []Item {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Item, len(o.items))
	for i, it := range o.items {
		out[i] = *it
	}

	return out
}

// Get returns the snapshot of the item with id.
func (o *Orchestrator) Get(id string) (Item, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	it := o.findLocked(id)
	if it == nil {
		return Item{}, fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}

	return *it, nil
}

// Upload sends the item with kind and returns its final snapshot. An item
// already uploading is returned unchanged. Backend and transport failures are
// recorded on the item, not returned.
func (o *Orchestrator) Upload(ctx context.Context, id string, kind api.Kind) (Item, error) {
	o.mu.Lock()

	it := o.findLocked(id)
	if it == nil {
		o.mu.Unlock()
		return Item{}, fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}

	if it.Status == StatusUploading {
		snap := *it
		o.mu.Unlock()

		o.logger.Debug("upload already in progress", slog.String("id", id))

		return snap, nil
	}

	it.Status = StatusUploading
	it.Kind = kind
	it.ErrorMessage = ""
	it.ResultLocator = ""
	it.UpdatedAt = o.now()
	file := it.File
	started := *it
	o.mu.Unlock()

	o.notify(started)

	locator, failure := o.send(ctx, file, kind)

	o.mu.Lock()

	// Removed while uploading: report the outcome without reinserting it.
	target := o.findLocked(id)
	if target == nil {
		target = &started
	}

	if failure != "" {
		target.Status = StatusError
		target.ErrorMessage = failure
	} else {
		target.Status = StatusSuccess
		target.ResultLocator = locator
	}

	target.UpdatedAt = o.now()
	final := *target
	o.mu.Unlock()

	o.notify(final)

	if final.Status == StatusSuccess && o.kicker != nil {
		if err := o.kicker.Kick(); err != nil {
			o.logger.Debug("result re-poll not scheduled", slog.String("error", err.Error()))
		}
	}

	return final, nil
}

// send runs the pre-upload checks and the upload itself. Returns the result
// locator, or a non-empty failure message.
func (o *Orchestrator) send(ctx context.Context, f File, kind api.Kind) (string, string) {
	if reason := o.limits.Check(f); reason != "" {
		o.logger.Warn("upload rejected locally",
			slog.String("name", f.Name),
			slog.String("reason", reason),
		)

		return "", reason
	}

	content, err := os.Open(f.Path)
	if err != nil {
		return "", fmt.Sprintf("cannot read %s: %v", f.Name, err)
	}
	defer content.Close()

	res, err := o.uploader.Upload(ctx, f.Name, f.ContentType, content, kind)
	if err != nil {
		o.logger.Warn("upload failed",
			slog.String("name", f.Name),
			slog.String("error", err.Error()),
		)

		return "", api.Message(err)
	}

	return res.Locator, ""
}

// UploadAll uploads every pending item in list order, one at a time. A
// failed item does not stop the rest; cancellation of ctx leaves the
// remaining items pending.
func (o *Orchestrator) UploadAll(ctx context.Context, kind api.Kind) []Item {
	o.mu.Lock()

	var ids []string

	for _, it := range o.items {
		if it.Status == StatusPending {
			ids = append(ids, it.ID)
		}
	}

	o.mu.Unlock()

	results := make([]Item, 0, len(ids))

	for _, id := range ids {
		if ctx.Err() != nil {
			o.logger.Info("upload batch canceled", slog.Int("remaining", len(ids)-len(results)))
			break
		}

		it, err := o.Upload(ctx, id, kind)
		if err != nil {
			// Removed concurrently.
			continue
		}

		results = append(results, it)
	}

	return results
}

// Remove revokes the item's preview and drops it from the list.
func (o *Orchestrator) Remove(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	idx := slices.IndexFunc(o.items, func(it *Item) bool { return it.ID == id })
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}

	o.previews.Revoke(o.items[idx].Preview)
	o.items = slices.Delete(o.items, idx, idx+1)

	return nil
}

// ClearAll revokes every preview and empties the list.
func (o *Orchestrator) ClearAll() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, it := range o.items {
		o.previews.Revoke(it.Preview)
	}

	o.items = nil
}

func (o *Orchestrator) findLocked(id string) *Item {
	for _, it := range o.items {
		if it.ID == id {
			return it
		}
	}

	return nil
}

func (o *Orchestrator) notify(it Item) {
	for _, fn := range o.observers {
		fn(it)
	}
}
