package devbackend

import (
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/leeyujin/portal/internal/api"
)

var errInvalidToken = errors.New("devbackend: invalid access token")

// authSession is one login. Its refresh token is handed out as soon as the
// login starts so the client that asked for the authorization URL holds it;
// the token only works once the provider step is approved.
type authSession struct {
	provider  api.Provider
	subject   string
	nickname  string
	approved  bool
	expiresAt time.Time
}

// handleLogin answers GET /api/auth/{provider}/login with the provider's
// authorization URL.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	p, err := api.ParseProvider(r.PathValue("provider"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "unsupported provider")
		return
	}

	refresh := uuid.NewString()
	state := uuid.NewString()

	s.mu.Lock()
	s.sessions[refresh] = &authSession{provider: p, expiresAt: s.now().Add(s.cfg.SessionTTL)}
	s.pending[state] = refresh
	s.mu.Unlock()

	s.setRefreshCookie(w, refresh)

	authURL := requestOrigin(r) + "/oauth/" + p.String() + "/authorize?state=" + url.QueryEscape(state)

	s.logger.Info("login started", slog.String("provider", p.String()))

	writeJSON(w, http.StatusOK, map[string]string{"authUrl": authURL})
}

var consentPage = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html><head><title>Sign in with {{.Provider}}</title></head>
<body>
<h1>Sign in with {{.Provider}}</h1>
<p>portal dev backend wants to access your {{.Provider}} profile.</p>
<form method="post" action="/oauth/{{.Provider}}/authorize">
<input type="hidden" name="state" value="{{.State}}">
<button type="submit" name="decision" value="allow">Allow</button>
<button type="submit" name="decision" value="deny">Deny</button>
</form>
</body></html>
`))

// handleConsentPage is the fake provider's authorization page.
func (s *Server) handleConsentPage(w http.ResponseWriter, r *http.Request) {
	p, err := api.ParseProvider(r.PathValue("provider"))
	if err != nil {
		http.Error(w, "unsupported provider", http.StatusBadRequest)
		return
	}

	state := r.URL.Query().Get("state")

	if s.cfg.AutoApprove {
		s.completeLogin(w, r, p, state, true)
		return
	}

	if !s.knownState(state) {
		http.Error(w, "unknown or expired login state", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if err := consentPage.Execute(w, map[string]string{"Provider": p.String(), "State": state}); err != nil {
		s.logger.Warn("rendering consent page", slog.String("error", err.Error()))
	}
}

// handleConsentDecision receives the consent form.
func (s *Server) handleConsentDecision(w http.ResponseWriter, r *http.Request) {
	p, err := api.ParseProvider(r.PathValue("provider"))
	if err != nil {
		http.Error(w, "unsupported provider", http.StatusBadRequest)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}

	s.completeLogin(w, r, p, r.PostForm.Get("state"), r.PostForm.Get("decision") == "allow")
}

// completeLogin finishes the provider step and redirects the browser to the
// client's callback: with a token on approval, with an error otherwise.
func (s *Server) completeLogin(w http.ResponseWriter, r *http.Request, p api.Provider, state string, allow bool) {
	s.mu.Lock()
	callback := strings.TrimRight(s.cfg.FrontendURL, "/") + p.CallbackPath()
	refresh, ok := s.pending[state]
	delete(s.pending, state)

	var sess *authSession
	if ok {
		sess = s.sessions[refresh]
	}

	if sess == nil || sess.provider != p {
		s.mu.Unlock()
		redirectWithError(w, r, callback, "invalid_state", "login state is unknown or expired")

		return
	}

	if !allow {
		delete(s.sessions, refresh)
		s.mu.Unlock()

		s.logger.Info("login denied", slog.String("provider", p.String()))
		redirectWithError(w, r, callback, "access_denied", "the user denied access")

		return
	}

	sess.approved = true
	sess.subject = "dev-" + p.String() + "-" + uuid.NewString()[:8]
	sess.nickname = p.String() + " user"
	snapshot := *sess
	s.mu.Unlock()

	token, err := s.issueAccessToken(&snapshot)
	if err != nil {
		redirectWithError(w, r, callback, "server_error", "could not issue token")
		return
	}

	s.setRefreshCookie(w, refresh)

	q := url.Values{"access_token": {token}}
	if !s.cfg.OmitExpiresIn {
		q.Set("expires_in", strconv.Itoa(int(s.cfg.AccessTTL/time.Second)))
	}

	s.logger.Info("login approved",
		slog.String("provider", p.String()),
		slog.String("subject", snapshot.subject),
	)

	http.Redirect(w, r, callback+"?"+q.Encode(), http.StatusFound)
}

// SetFrontendURL changes where provider callbacks are redirected.
func (s *Server) SetFrontendURL(u string) {
	s.mu.Lock()
	s.cfg.FrontendURL = u
	s.mu.Unlock()
}

func redirectWithError(w http.ResponseWriter, r *http.Request, callback, code, desc string) {
	q := url.Values{"error": {code}, "error_description": {desc}}
	http.Redirect(w, r, callback+"?"+q.Encode(), http.StatusFound)
}

func (s *Server) knownState(state string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.pending[state]

	return ok
}

type refreshResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
}

// handleRefresh exchanges the refresh cookie for a new access token and
// extends the cookie.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(RefreshCookie)
	if err != nil {
		writeMessage(w, http.StatusUnauthorized, "refresh token missing")
		return
	}

	now := s.now()

	s.mu.Lock()
	sess, ok := s.sessions[c.Value]

	switch {
	case !ok:
		s.mu.Unlock()
		writeMessage(w, http.StatusUnauthorized, "refresh token invalid")

		return
	case !now.Before(sess.expiresAt):
		delete(s.sessions, c.Value)
		s.mu.Unlock()
		writeMessage(w, http.StatusUnauthorized, "refresh token expired")

		return
	case !sess.approved:
		s.mu.Unlock()
		writeMessage(w, http.StatusUnauthorized, "login not completed")

		return
	}

	sess.expiresAt = now.Add(s.cfg.SessionTTL)
	snapshot := *sess
	s.mu.Unlock()

	token, err := s.issueAccessToken(&snapshot)
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, "could not issue token")
		return
	}

	s.setRefreshCookie(w, c.Value)

	resp := refreshResponse{AccessToken: token}
	if !s.cfg.OmitExpiresIn {
		resp.ExpiresIn = int(s.cfg.AccessTTL / time.Second)
	}

	s.logger.Debug("access token refreshed", slog.String("subject", snapshot.subject))

	writeJSON(w, http.StatusOK, resp)
}

// handleLogout revokes the session behind the refresh cookie.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(RefreshCookie); err == nil {
		s.mu.Lock()
		delete(s.sessions, c.Value)
		s.mu.Unlock()
	}

	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookie,
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setRefreshCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookie,
		Value:    value,
		Path:     refreshCookiePath,
		MaxAge:   int(s.cfg.SessionTTL / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// issueAccessToken signs a short-lived HS256 JWT for sess.
func (s *Server) issueAccessToken(sess *authSession) (string, error) {
	now := s.now()

	claims := jwt.MapClaims{
		"sub":      sess.subject,
		"provider": sess.provider.String(),
		"nickname": sess.nickname,
		"iat":      now.Unix(),
		"exp":      now.Add(s.cfg.AccessTTL).Unix(),
		"jti":      uuid.NewString(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("devbackend: signing access token: %w", err)
	}

	return signed, nil
}

// verifyAccessToken checks signature, algorithm and expiry and returns the
// subject.
func (s *Server) verifyAccessToken(raw string) (string, error) {
	tok, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return s.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errInvalidToken, err)
	}

	sub, err := tok.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing subject", errInvalidToken)
	}

	return sub, nil
}

// requireAuth rejects requests without a valid bearer token with 401.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeMessage(w, http.StatusUnauthorized, "authentication required")
			return
		}

		if _, err := s.verifyAccessToken(raw); err != nil {
			s.logger.Debug("rejected bearer token", slog.String("error", err.Error()))
			writeMessage(w, http.StatusUnauthorized, "invalid or expired token")

			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestOrigin reconstructs the scheme and host the client used.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	return scheme + "://" + r.Host
}
