// Package devbackend is an in-process stand-in for the auth and image
// processing services. It serves the same endpoints the client talks to:
// provider login and callback redirect, cookie-based refresh, multipart
// upload, and the processed-file listing. Provider consent and processing
// are simulated; a processed file is a copy of the upload under the kind's
// result prefix.
package devbackend

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Defaults for Config fields left zero.
const (
	DefaultFrontendURL   = "http://127.0.0.1:3000"
	DefaultAccessTTL     = 10 * time.Minute
	DefaultSessionTTL    = 7 * 24 * time.Hour
	DefaultMaxUploadSize = 50 << 20
)

// RefreshCookie carries the opaque refresh token. It is scoped to the auth
// endpoints and never readable by scripts.
const (
	RefreshCookie     = "refresh_token"
	refreshCookiePath = "/api/auth"
)

const (
	secretSize      = 32
	dirPerms        = 0o755
	filePerms       = 0o644
	multipartMemory = 8 << 20
)

// Config controls a Server.
type Config struct {
	// FrontendURL is where provider callbacks are redirected, i.e. the
	// client's callback listener.
	FrontendURL string
	// Secret signs access tokens (HS256). Random when empty.
	Secret []byte
	// AccessTTL is the access token lifetime reported as expires_in.
	AccessTTL time.Duration
	// SessionTTL is the refresh cookie lifetime.
	SessionTTL time.Duration
	// OmitExpiresIn leaves expires_in out of callback and refresh responses.
	OmitExpiresIn bool
	// StorageDir holds uploads/ and detected/. Required.
	StorageDir string
	// MaxUploadSize rejects larger images.
	MaxUploadSize int64
	// ProcessDelay postpones the appearance of processed files, so clients
	// have something to poll for.
	ProcessDelay time.Duration
	// AutoApprove skips the fake consent page.
	AutoApprove bool
	// Now is the clock for token and session expiry. Defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// Server is the development backend. Create with NewServer and mount
// Handler on an http.Server or httptest.Server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux
	now    func() time.Time

	uploadsDir  string
	detectedDir string

	mu       sync.Mutex
	sessions map[string]*authSession // by refresh token
	pending  map[string]string       // OAuth state -> refresh token
	hashes   map[string]string       // content digest -> stored name

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer validates cfg, prepares the storage directories and registers
// the routes.
func NewServer(cfg Config) (*Server, error) {
	if cfg.StorageDir == "" {
		return nil, fmt.Errorf("devbackend: storage directory is required")
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if cfg.FrontendURL == "" {
		cfg.FrontendURL = DefaultFrontendURL
	}

	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}

	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}

	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = DefaultMaxUploadSize
	}

	if len(cfg.Secret) == 0 {
		cfg.Secret = make([]byte, secretSize)
		if _, err := rand.Read(cfg.Secret); err != nil {
			return nil, fmt.Errorf("devbackend: generating signing secret: %w", err)
		}
	}

	s := &Server{
		cfg:         cfg,
		logger:      cfg.Logger,
		mux:         http.NewServeMux(),
		now:         cfg.Now,
		uploadsDir:  filepath.Join(cfg.StorageDir, "uploads"),
		detectedDir: filepath.Join(cfg.StorageDir, "detected"),
		sessions:    make(map[string]*authSession),
		pending:     make(map[string]string),
		hashes:      make(map[string]string),
		done:        make(chan struct{}),
	}

	for _, dir := range []string{s.uploadsDir, s.detectedDir} {
		if err := os.MkdirAll(dir, dirPerms); err != nil {
			return nil, fmt.Errorf("devbackend: creating %s: %w", dir, err)
		}
	}

	s.routes()

	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/auth/{provider}/login", s.handleLogin)
	s.mux.HandleFunc("GET /oauth/{provider}/authorize", s.handleConsentPage)
	s.mux.HandleFunc("POST /oauth/{provider}/authorize", s.handleConsentDecision)
	s.mux.HandleFunc("POST /api/auth/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /api/auth/logout", s.handleLogout)

	s.mux.Handle("POST /api/upload", s.requireAuth(http.HandlerFunc(s.handleUpload)))
	s.mux.Handle("GET /api/detected", s.requireAuth(http.HandlerFunc(s.handleListDetected)))
	s.mux.Handle("GET /api/detected/{name}", s.requireAuth(http.HandlerFunc(s.handleDownloadDetected)))

	s.mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// Handler returns the HTTP handler with request logging.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		s.mux.ServeHTTP(rec, r)

		s.logger.Debug("request served",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

// Close stops pending processing jobs and waits for running ones.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

// ListenAndServe serves on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("dev backend listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return fmt.Errorf("devbackend: serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	s.Close()

	if err != nil {
		return fmt.Errorf("devbackend: shutdown: %w", err)
	}

	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeMessage mimics the auth service error shape.
func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// writeDetail mimics the processing service error shape.
func writeDetail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}
