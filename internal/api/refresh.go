package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/leeyujin/portal/internal/session"
)

// RefreshPath is the backend endpoint that exchanges the refresh cookie for a
// new access token.
const RefreshPath = "/api/auth/refresh"

// refreshKey is the single singleflight key; there is only one session.
const refreshKey = "refresh"

// refreshTimeout bounds a shared refresh, which outlives canceled callers.
const refreshTimeout = 30 * time.Second

type refreshResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Refresher implements the silent refresh protocol. Concurrent callers share
// one in-flight refresh call and all observe its outcome.
type Refresher struct {
	url        string
	httpClient *http.Client
	tokens     TokenStore
	logger     *slog.Logger
	defaultTTL time.Duration
	userAgent  string

	group singleflight.Group
}

// NewRefresher creates a Refresher for the backend at baseURL.
func NewRefresher(baseURL string, httpClient *http.Client, tokens TokenStore, logger *slog.Logger) *Refresher {
	return &Refresher{
		url:        baseURL + RefreshPath,
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger,
		defaultTTL: session.DefaultTTL,
		userAgent:  defaultUserAgent,
	}
}

// SetDefaultTTL sets the lifetime assumed when the refresh response carries
// no expires_in.
func (r *Refresher) SetDefaultTTL(ttl time.Duration) {
	if ttl > 0 {
		r.defaultTTL = ttl
	}
}

// Refresh asks the backend for a new access token using the refresh cookie.
// On success the token is stored. On any failure the store is cleared and an
// error wrapping ErrRefreshFailed is returned.
//
// The shared call is detached from ctx, so one canceled caller does not fail
// the others. A caller whose ctx ends first gets ctx.Err() and the refresh
// carries on for the rest.
func (r *Refresher) Refresh(ctx context.Context) error {
	ch := r.group.DoChan(refreshKey, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		return nil, r.refreshOnce(shared)
	})

	select {
	case res := <-ch:
		if res.Shared {
			r.logger.Debug("joined in-flight token refresh")
		}

		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("api: waiting for token refresh: %w", ctx.Err())
	}
}

func (r *Refresher) refreshOnce(ctx context.Context) error {
	tok, ttl, err := r.requestToken(ctx)
	if err != nil {
		r.tokens.ClearAccessToken()

		return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	r.tokens.SetAccessToken(tok, ttl)

	r.logger.Info("access token refreshed", slog.Duration("ttl", ttl))

	return nil
}

func (r *Refresher) requestToken(ctx context.Context) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, http.NoBody)
	if err != nil {
		return "", 0, fmt.Errorf("creating refresh request: %w", err)
	}

	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", 0, newTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, newTransportError(err)
	}

	if !isSuccess(resp.StatusCode) {
		return "", 0, newStatusError(resp.StatusCode, body)
	}

	var rr refreshResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return "", 0, fmt.Errorf("decoding refresh response: %w", err)
	}

	if rr.AccessToken == "" {
		return "", 0, fmt.Errorf("refresh response carried no access token")
	}

	ttl := r.defaultTTL
	if rr.ExpiresIn > 0 {
		ttl = time.Duration(rr.ExpiresIn) * time.Second
	}

	return rr.AccessToken, ttl, nil
}
