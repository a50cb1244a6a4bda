package uploads

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/leeyujin/portal/internal/api"
)

// Lister fetches the processed-file listing. Satisfied by *api.Client.
type Lister interface {
	ListDetected(ctx context.Context) ([]api.DetectedFile, error)
}

// Results holds the latest processed-file listing. Each successful Refresh
// replaces it; the last one to finish wins.
type Results struct {
	lister   Lister
	logger   *slog.Logger
	onChange func([]api.DetectedFile)

	mu        sync.Mutex
	files     []api.DetectedFile
	fetchedAt time.Time
}

// NewResults creates an empty listing. onChange, if non-nil, receives every
// refreshed listing.
func NewResults(lister Lister, logger *slog.Logger, onChange func([]api.DetectedFile)) *Results {
	if logger == nil {
		logger = slog.Default()
	}

	return &Results{lister: lister, logger: logger, onChange: onChange}
}

// Refresh fetches the listing and publishes it. Its signature matches
// schedule.PollFunc.
func (r *Results) Refresh(ctx context.Context) error {
	files, err := r.lister.ListDetected(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.files = files
	r.fetchedAt = time.Now()
	r.mu.Unlock()

	r.logger.Debug("results refreshed", slog.Int("count", len(files)))

	if r.onChange != nil {
		r.onChange(slices.Clone(files))
	}

	return nil
}

// Files returns a copy of the latest listing.
func (r *Results) Files() []api.DetectedFile {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.files)
}

// FetchedAt returns when the listing was last replaced, zero if never.
func (r *Results) FetchedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.fetchedAt
}

// Find returns the listing entry named name.
func (r *Results) Find(name string) (api.DetectedFile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, f := range r.files {
		if f.FileName == name {
			return f, true
		}
	}

	return api.DetectedFile{}, false
}
