package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/leeyujin/portal/internal/session"
)

const defaultUserAgent = "portal/0.1"

// TokenStore is the access token holder the client reads and the refresh
// protocol writes. Satisfied by *session.Store.
type TokenStore interface {
	ValidToken() (session.AccessToken, bool)
	SetAccessToken(token string, ttl time.Duration)
	ClearAccessToken()
}

// Client is the HTTP client for the backend. It attaches the bearer token,
// performs at most one silent refresh per request on 401, and normalizes
// failures into *Error.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenStore
	refresher  *Refresher
	logger     *slog.Logger
	userAgent  string

	// onLoginRequired is called after a refresh failure, when the user has
	// to authenticate again.
	onLoginRequired func()
}

// NewClient creates a backend client. httpClient must carry the cookie jar
// that holds the refresh cookie; the same client is used for refresh calls.
func NewClient(baseURL string, httpClient *http.Client, tokens TokenStore, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	baseURL = strings.TrimRight(baseURL, "/")

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     tokens,
		refresher:  NewRefresher(baseURL, httpClient, tokens, logger),
		logger:     logger,
		userAgent:  defaultUserAgent,
	}
}

// SetUserAgent overrides the User-Agent header. Empty keeps the default.
func (c *Client) SetUserAgent(ua string) {
	if ua != "" {
		c.userAgent = ua
		c.refresher.userAgent = ua
	}
}

// OnLoginRequired registers fn to run whenever a refresh fails and the
// session is gone.
func (c *Client) OnLoginRequired(fn func()) {
	c.onLoginRequired = fn
}

// Refresher exposes the client's refresh protocol, e.g. for restoring a
// session eagerly at startup.
func (c *Client) Refresher() *Refresher {
	return c.refresher
}

// BaseURL returns the backend base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do executes a request against the backend. path is appended to the base
// URL. body may be nil; when non-nil it must be rewindable so the request can
// be replayed after a refresh. The caller closes the response body on success.
func (c *Client) Do(ctx context.Context, method, path string, body io.ReadSeeker, contentType string) (*http.Response, error) {
	url := c.baseURL + path

	resp, err := c.doOnce(ctx, method, url, body, contentType)
	if err != nil {
		return nil, c.transportFailure(ctx, method, path, err)
	}

	if isSuccess(resp.StatusCode) {
		c.logger.Debug("request succeeded",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)

		return resp, nil
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return nil, c.statusFailure(method, path, resp)
	}

	drainAndClose(resp)

	c.logger.Info("access token rejected, attempting silent refresh",
		slog.String("method", method),
		slog.String("path", path),
	)

	if refreshErr := c.refresher.Refresh(ctx); refreshErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("api: request canceled: %w", ctx.Err())
		}

		c.logger.Warn("silent refresh failed, login required",
			slog.String("path", path),
			slog.String("error", refreshErr.Error()),
		)

		if c.onLoginRequired != nil {
			c.onLoginRequired()
		}

		return nil, fmt.Errorf("%w: %w", ErrLoginRequired, refreshErr)
	}

	if rewindErr := rewindBody(body); rewindErr != nil {
		return nil, fmt.Errorf("api: rewinding request body for retry: %w", rewindErr)
	}

	// Retried exactly once; a second 401 is returned as-is.
	resp, err = c.doOnce(ctx, method, url, body, contentType)
	if err != nil {
		return nil, c.transportFailure(ctx, method, path, err)
	}

	if isSuccess(resp.StatusCode) {
		c.logger.Debug("request succeeded after refresh",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)

		return resp, nil
	}

	return nil, c.statusFailure(method, path, resp)
}

// doOnce executes a single HTTP request with the current token, if any.
func (c *Client) doOnce(
	ctx context.Context, method, url string, body io.ReadSeeker, contentType string,
) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = body
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if tok, ok := c.tokens.ValidToken(); ok {
		tok.OAuth2().SetAuthHeader(req)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	if body != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return c.httpClient.Do(req)
}

func (c *Client) transportFailure(ctx context.Context, method, path string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("api: request canceled: %w", ctx.Err())
	}

	c.logger.Warn("request failed",
		slog.String("method", method),
		slog.String("path", path),
		slog.String("error", err.Error()),
	)

	return newTransportError(err)
}

func (c *Client) statusFailure(method, path string, resp *http.Response) error {
	errBody, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()

	if readErr != nil {
		errBody = nil
	}

	apiErr := newStatusError(resp.StatusCode, errBody)

	c.logger.Warn("request returned error status",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.String("message", apiErr.Message),
	)

	return apiErr
}

// rewindBody seeks body back to the start. nil bodies need no rewind.
func rewindBody(body io.ReadSeeker) error {
	if body == nil {
		return nil
	}

	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return err
	}

	return nil
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain for connection reuse
	resp.Body.Close()
}

func isSuccess(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}

// IsLoginRequired reports whether err means the session is gone.
func IsLoginRequired(err error) bool {
	return errors.Is(err, ErrLoginRequired)
}
