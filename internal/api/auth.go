package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"
)

// Handshake defaults.
const (
	DefaultCallbackAddr = "127.0.0.1:3000"
	DefaultLandingPath  = "/dashboard"
	entryPath           = "/"

	// shutdownTimeout is how long to wait for the callback server to drain.
	shutdownTimeout = 5 * time.Second

	// landingGrace bounds how long the server stays up for the browser to
	// follow the redirect to the landing page.
	landingGrace = 2 * time.Second
)

var (
	// ErrNoAuthURL means the backend answered the login request without an
	// authorization URL.
	ErrNoAuthURL = errors.New("api: backend returned no authorization URL")

	// ErrBackendUnreachable means the login request never reached the backend.
	ErrBackendUnreachable = errors.New("api: cannot reach backend")
)

// AuthorizationError is an error reported by the provider (or the backend on
// its behalf) through the callback's error parameter.
type AuthorizationError struct {
	Provider    Provider
	Code        string
	Description string
}

func (e *AuthorizationError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("api: %s login failed: %s: %s", e.Provider, e.Code, e.Description)
	}

	return fmt.Sprintf("api: %s login failed: %s", e.Provider, e.Code)
}

// HandshakeState is a step of the OAuth redirect handshake.
type HandshakeState int

// Handshake states in the order a successful login visits them.
const (
	StateIdle HandshakeState = iota
	StateAwaitingAuthURL
	StateRedirectedToProvider
	StateCallbackReceived
	StateTokenStored
	StateNavigatedToLanding
	StateFailed
	StateNavigatedToLogin
)

var stateNames = map[HandshakeState]string{
	StateIdle:                 "idle",
	StateAwaitingAuthURL:      "awaiting-authorization-url",
	StateRedirectedToProvider: "redirected-to-provider",
	StateCallbackReceived:     "callback-received",
	StateTokenStored:          "token-stored",
	StateNavigatedToLanding:   "navigated-to-landing",
	StateFailed:               "failed",
	StateNavigatedToLogin:     "navigated-to-login",
}

func (s HandshakeState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return "unknown"
}

// CallbackResult is what a callback contributed to the session.
type CallbackResult struct {
	// TokenStored is false for the cookie-only variant, where the backend
	// already set the session cookies and the URL carries no token.
	TokenStored bool
	ExpiresAt   time.Time
}

// LoginResult is the outcome of a full Login.
type LoginResult struct {
	Provider Provider
	State    HandshakeState
	Callback CallbackResult
}

// HandshakeConfig controls the local callback listener.
type HandshakeConfig struct {
	// CallbackAddr is the host:port the backend redirects the browser to.
	CallbackAddr string
	// LandingPath is the page the browser is sent to after a successful login.
	LandingPath string
	// DefaultTTL is the token lifetime assumed when expires_in is absent.
	DefaultTTL time.Duration
}

// Handshake runs the provider-agnostic OAuth redirect handshake: fetch the
// authorization URL from the backend, send the browser there, and accept the
// callback the backend redirects back to.
type Handshake struct {
	client *Client
	cfg    HandshakeConfig
	logger *slog.Logger

	mu sync.Mutex
	// boundAddr is the listener address of the running Login, if any.
	boundAddr string
}

// NewHandshake creates a Handshake that shares c's HTTP client (and cookie
// jar) and token store.
func NewHandshake(c *Client, cfg HandshakeConfig) *Handshake {
	if cfg.CallbackAddr == "" {
		cfg.CallbackAddr = DefaultCallbackAddr
	}

	if cfg.LandingPath == "" {
		cfg.LandingPath = DefaultLandingPath
	}

	return &Handshake{client: c, cfg: cfg, logger: c.logger}
}

type authURLResponse struct {
	AuthURL string `json:"authUrl"`
}

// AuthorizationURL asks the backend for the provider's authorization URL.
// The request carries cookies so the backend can bind its OAuth state.
func (h *Handshake) AuthorizationURL(ctx context.Context, p Provider) (string, error) {
	reqURL := h.client.baseURL + p.LoginPath()

	h.logger.Info("requesting authorization URL", slog.String("provider", p.String()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("api: creating login request: %w", err)
	}

	req.Header.Set("User-Agent", h.client.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("api: login request canceled: %w", ctx.Err())
		}

		return "", fmt.Errorf("%w: %w", ErrBackendUnreachable, newTransportError(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", newTransportError(err)
	}

	if !isSuccess(resp.StatusCode) {
		apiErr := newStatusError(resp.StatusCode, body)
		if serverMessage(body) == "" {
			apiErr.Message = fmt.Sprintf("login failed (status %d)", resp.StatusCode)
		}

		return "", apiErr
	}

	var ar authURLResponse
	if err := json.Unmarshal(body, &ar); err != nil || ar.AuthURL == "" {
		return "", ErrNoAuthURL
	}

	return ar.AuthURL, nil
}

// HandleCallback processes the query parameters of a provider callback.
// An error parameter clears the store and yields *AuthorizationError.
// Otherwise an access_token parameter is stored with its expires_in lifetime.
// A callback without a token is accepted as-is: the session then lives only in
// the backend's cookies and the first 401 restores the access token.
func (h *Handshake) HandleCallback(p Provider, q url.Values) (CallbackResult, error) {
	if code := q.Get("error"); code != "" {
		h.client.tokens.ClearAccessToken()

		return CallbackResult{}, &AuthorizationError{
			Provider:    p,
			Code:        code,
			Description: q.Get("error_description"),
		}
	}

	tok := q.Get("access_token")
	if tok == "" {
		h.logger.Warn("callback carried no access token, relying on session cookie",
			slog.String("provider", p.String()),
			slog.Bool("has_code", q.Get("code") != ""),
		)

		return CallbackResult{}, nil
	}

	ttl := h.cfg.DefaultTTL
	if raw := q.Get("expires_in"); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err == nil && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		} else {
			h.logger.Warn("ignoring malformed expires_in", slog.String("expires_in", raw))
		}
	}

	h.client.tokens.SetAccessToken(tok, ttl)

	stored, _ := h.client.tokens.ValidToken()

	h.logger.Info("access token stored from callback",
		slog.String("provider", p.String()),
		slog.Time("expires_at", stored.ExpiresAt),
	)

	return CallbackResult{TokenStored: true, ExpiresAt: stored.ExpiresAt}, nil
}

// CallbackURL is the URL the backend must redirect to for p. During Login it
// reflects the actually bound port.
func (h *Handshake) CallbackURL(p Provider) string {
	addr := h.cfg.CallbackAddr

	h.mu.Lock()
	if h.boundAddr != "" {
		addr = h.boundAddr
	}
	h.mu.Unlock()

	return "http://" + addr + p.CallbackPath()
}

// callbackOutcome carries the result of the callback handler.
type callbackOutcome struct {
	result CallbackResult
	err    error
}

// Login performs the full handshake for p:
//  1. Binds the callback listener on the configured address
//  2. Fetches the authorization URL from the backend
//  3. Calls openURL so the CLI can launch the browser
//  4. Receives the callback, stores the token, and redirects the browser to
//     the landing page (or the entry page on error)
//
// The returned LoginResult is non-nil even on error and records the state
// the handshake ended in.
func (h *Handshake) Login(ctx context.Context, p Provider, openURL func(string) error) (*LoginResult, error) {
	res := &LoginResult{Provider: p, State: StateIdle}

	outcomeCh := make(chan callbackOutcome, 1)
	landedCh := make(chan struct{}, 1)
	mux := http.NewServeMux()

	srv, err := h.startCallbackServer(ctx, mux, outcomeCh)
	if err != nil {
		return res, err
	}

	defer h.shutdownCallbackServer(srv)

	h.registerRoutes(mux, p, outcomeCh, landedCh)

	h.transition(res, StateAwaitingAuthURL)

	authURL, err := h.AuthorizationURL(ctx, p)
	if err != nil {
		h.fail(res)
		return res, err
	}

	h.transition(res, StateRedirectedToProvider)
	h.launchBrowser(authURL, openURL)

	var outcome callbackOutcome
	select {
	case outcome = <-outcomeCh:
	case <-ctx.Done():
		h.fail(res)
		return res, fmt.Errorf("api: login canceled: %w", ctx.Err())
	}

	if outcome.err != nil {
		h.fail(res)
		return res, outcome.err
	}

	h.transition(res, StateCallbackReceived)

	res.Callback = outcome.result
	if outcome.result.TokenStored {
		h.transition(res, StateTokenStored)
	}

	select {
	case <-landedCh:
	case <-time.After(landingGrace):
		h.logger.Debug("browser did not load the landing page before the grace period")
	case <-ctx.Done():
	}

	h.transition(res, StateNavigatedToLanding)

	return res, nil
}

func (h *Handshake) transition(res *LoginResult, next HandshakeState) {
	h.logger.Debug("login handshake transition",
		slog.String("provider", res.Provider.String()),
		slog.String("from", res.State.String()),
		slog.String("to", next.String()),
	)

	res.State = next
}

func (h *Handshake) fail(res *LoginResult) {
	h.transition(res, StateFailed)
	h.transition(res, StateNavigatedToLogin)
}

// startCallbackServer binds the configured callback address and serves mux.
func (h *Handshake) startCallbackServer(
	ctx context.Context, mux *http.ServeMux, outcomeCh chan<- callbackOutcome,
) (*http.Server, error) {
	lc := net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", h.cfg.CallbackAddr)
	if err != nil {
		return nil, fmt.Errorf("api: binding callback listener %s: %w", h.cfg.CallbackAddr, err)
	}

	bound := listener.Addr().String()

	h.mu.Lock()
	h.boundAddr = bound
	h.mu.Unlock()

	h.logger.Info("callback server listening", slog.String("addr", bound))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			select {
			case outcomeCh <- callbackOutcome{err: fmt.Errorf("api: callback server error: %w", serveErr)}:
			default:
			}
		}
	}()

	return srv, nil
}

// registerRoutes adds the callback, landing and entry pages for p.
func (h *Handshake) registerRoutes(
	mux *http.ServeMux, p Provider, outcomeCh chan<- callbackOutcome, landedCh chan<- struct{},
) {
	mux.HandleFunc("GET "+p.CallbackPath(), func(w http.ResponseWriter, r *http.Request) {
		result, err := h.HandleCallback(p, r.URL.Query())

		if err != nil {
			http.Redirect(w, r, entryPath+"?error="+url.QueryEscape(Message(err)), http.StatusSeeOther)
		} else {
			http.Redirect(w, r, h.cfg.LandingPath, http.StatusSeeOther)
		}

		select {
		case outcomeCh <- callbackOutcome{result: result, err: err}:
		default:
			h.logger.Warn("ignoring duplicate login callback")
		}
	})

	mux.HandleFunc("GET "+h.cfg.LandingPath, func(w http.ResponseWriter, _ *http.Request) {
		writePage(w, "Login successful", "You can close this window and return to the terminal.")

		select {
		case landedCh <- struct{}{}:
		default:
		}
	})

	mux.HandleFunc("GET "+entryPath+"{$}", func(w http.ResponseWriter, r *http.Request) {
		msg := r.URL.Query().Get("error")
		if msg == "" {
			msg = "Run the login command again to sign in."
		}

		writePage(w, "Login failed", msg)
	})
}

func writePage(w http.ResponseWriter, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><body><h1>%s</h1><p>%s</p></body></html>",
		html.EscapeString(title), html.EscapeString(body))
}

// shutdownCallbackServer gracefully shuts down the callback HTTP server.
func (h *Handshake) shutdownCallbackServer(srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		h.logger.Warn("callback server shutdown error", slog.String("error", err.Error()))
	}
}

// launchBrowser attempts to open the auth URL. If it fails, prints the URL
// to stderr so the user can copy-paste it.
func (h *Handshake) launchBrowser(authURL string, openURL func(string) error) {
	h.logger.Info("opening browser for authorization")

	if openURL == nil {
		fmt.Fprintf(os.Stderr, "Open this URL in your browser:\n%s\n", authURL)
		return
	}

	if openErr := openURL(authURL); openErr != nil {
		h.logger.Warn("failed to open browser, printing URL",
			slog.String("error", openErr.Error()),
		)

		fmt.Fprintf(os.Stderr, "Open this URL in your browser:\n%s\n", authURL)
	}
}
