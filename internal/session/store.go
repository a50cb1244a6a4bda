// Package session holds the short-lived access token for the running process.
// The token lives only in memory: it is created on login or refresh and is
// gone when the process exits. The refresh credential never passes through
// this package; the backend keeps it in an httpOnly cookie.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTTL is the access token lifetime assumed when the backend does not
// report one (10 minutes, the backend's configured lifetime).
const DefaultTTL = 10 * time.Minute

// ErrNoToken is returned by Token when no valid access token is held.
var ErrNoToken = errors.New("session: no valid access token")

// AccessToken is a bearer credential and its absolute expiry.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// OAuth2 converts the token for use with golang.org/x/oauth2 helpers
// such as SetAuthHeader.
func (t AccessToken) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken: t.Token,
		TokenType:   "Bearer",
		Expiry:      t.ExpiresAt,
	}
}

// Store holds at most one access token. Validity is recomputed from the
// clock on every check and expired tokens are evicted on first observation.
// Safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	token  *AccessToken
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock. Tests use it to expire tokens
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty Store.
func NewStore(logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		now:    time.Now,
		logger: logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// SetAccessToken records token with an expiry of now+ttl, replacing any
// previous token. A non-positive ttl means DefaultTTL.
func (s *Store) SetAccessToken(token string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := s.now().Add(ttl)
	s.token = &AccessToken{Token: token, ExpiresAt: expiresAt}

	s.logger.Debug("access token stored",
		slog.Time("expires_at", expiresAt),
		slog.Duration("ttl", ttl),
	)
}

// ClearAccessToken drops the held token. Calling it on an empty store is a no-op.
func (s *Store) ClearAccessToken() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != nil {
		s.logger.Debug("access token cleared")
	}

	s.token = nil
}

// IsTokenValid reports whether a token is held and not yet expired.
// An expired token is cleared as a side effect.
func (s *Store) IsTokenValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.validLocked()
}

// ValidToken returns the held token if it is still valid.
func (s *Store) ValidToken() (AccessToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.validLocked() {
		return AccessToken{}, false
	}

	return *s.token, true
}

// Token implements oauth2.TokenSource.
func (s *Store) Token() (*oauth2.Token, error) {
	tok, ok := s.ValidToken()
	if !ok {
		return nil, ErrNoToken
	}

	return tok.OAuth2(), nil
}

func (s *Store) validLocked() bool {
	if s.token == nil {
		return false
	}

	if s.now().Before(s.token.ExpiresAt) {
		return true
	}

	s.logger.Debug("access token expired, evicting",
		slog.Time("expired_at", s.token.ExpiresAt),
	)

	s.token = nil

	return false
}

var _ oauth2.TokenSource = (*Store)(nil)
