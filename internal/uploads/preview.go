package uploads

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Preview is a handle to a local preview of a selected file. Handles are
// owned by a PreviewRegistry and must be revoked when the item goes away.
type Preview struct {
	Handle string
	Path   string
}

// PreviewRegistry tracks live preview handles. Revocation happens at most
// once per handle.
type PreviewRegistry struct {
	mu     sync.Mutex
	live   map[string]string
	logger *slog.Logger
}

// NewPreviewRegistry creates an empty registry.
func NewPreviewRegistry(logger *slog.Logger) *PreviewRegistry {
	if logger == nil {
		logger = slog.Default()
	}

	return &PreviewRegistry{live: make(map[string]string), logger: logger}
}

// Create registers a new handle for path.
func (r *PreviewRegistry) Create(path string) Preview {
	p := Preview{Handle: "preview:" + uuid.NewString(), Path: path}

	r.mu.Lock()
	r.live[p.Handle] = path
	r.mu.Unlock()

	return p
}

// Revoke releases p. Returns false if p was already revoked or never created.
func (r *PreviewRegistry) Revoke(p Preview) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.live[p.Handle]; !ok {
		return false
	}

	delete(r.live, p.Handle)

	r.logger.Debug("preview revoked", slog.String("handle", p.Handle))

	return true
}

// Live returns the number of handles not yet revoked.
func (r *PreviewRegistry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.live)
}
