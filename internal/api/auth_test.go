package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandshake(t *testing.T, backendURL string) *Handshake {
	t.Helper()

	client, _ := newTestClient(t, backendURL)

	return NewHandshake(client, HandshakeConfig{
		CallbackAddr: "127.0.0.1:0",
		DefaultTTL:   10 * time.Minute,
	})
}

func loginBackend(t *testing.T, authURL string) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ProviderGoogle.LoginPath() {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"authUrl":"` + authURL + `"}`))
	}))
}

func TestAuthorizationURL(t *testing.T) {
	srv := loginBackend(t, "https://accounts.example.com/o/oauth2/auth?state=s1")
	defer srv.Close()

	h := newTestHandshake(t, srv.URL)

	got, err := h.AuthorizationURL(context.Background(), ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "https://accounts.example.com/o/oauth2/auth?state=s1", got)
}

func TestAuthorizationURL_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
		wantErr error
	}{
		{"missing authUrl", http.StatusOK, `{}`, "", ErrNoAuthURL},
		{"not json", http.StatusOK, `ok`, "", ErrNoAuthURL},
		{"server message", http.StatusBadRequest, `{"message":"provider disabled"}`, "provider disabled", ErrBadRequest},
		{"status only", http.StatusServiceUnavailable, ``, "login failed (status 503)", ErrServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			h := newTestHandshake(t, srv.URL)

			_, err := h.AuthorizationURL(context.Background(), ProviderKakao)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, Message(err))
			}
		})
	}
}

func TestAuthorizationURL_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	h := newTestHandshake(t, addr)

	_, err := h.AuthorizationURL(context.Background(), ProviderNaver)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendUnreachable)
}

func TestHandleCallback_StoresToken(t *testing.T) {
	h := newTestHandshake(t, "http://backend.invalid")

	res, err := h.HandleCallback(ProviderNaver, url.Values{
		"access_token": {"at-1"},
		"expires_in":   {"60"},
	})
	require.NoError(t, err)
	assert.True(t, res.TokenStored)

	tok, ok := h.client.tokens.ValidToken()
	require.True(t, ok)
	assert.Equal(t, "at-1", tok.Token)
	assert.WithinDuration(t, time.Now().Add(time.Minute), tok.ExpiresAt, 5*time.Second)
}

func TestHandleCallback_DefaultTTL(t *testing.T) {
	tests := []struct {
		name      string
		expiresIn []string
	}{
		{"absent", nil},
		{"malformed", []string{"soon"}},
		{"zero", []string{"0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandshake(t, "http://backend.invalid")

			q := url.Values{"access_token": {"at"}}
			if tt.expiresIn != nil {
				q["expires_in"] = tt.expiresIn
			}

			res, err := h.HandleCallback(ProviderGoogle, q)
			require.NoError(t, err)
			assert.WithinDuration(t, time.Now().Add(10*time.Minute), res.ExpiresAt, 5*time.Second)
		})
	}
}

func TestHandleCallback_ErrorClearsStore(t *testing.T) {
	h := newTestHandshake(t, "http://backend.invalid")
	h.client.tokens.SetAccessToken("previous", time.Minute)

	_, err := h.HandleCallback(ProviderKakao, url.Values{
		"error":             {"access_denied"},
		"error_description": {"user canceled"},
	})
	require.Error(t, err)

	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, ProviderKakao, authErr.Provider)
	assert.Equal(t, "access_denied", authErr.Code)
	assert.Contains(t, err.Error(), "user canceled")

	_, ok := h.client.tokens.ValidToken()
	assert.False(t, ok)
}

func TestHandleCallback_CookieOnly(t *testing.T) {
	h := newTestHandshake(t, "http://backend.invalid")

	res, err := h.HandleCallback(ProviderGoogle, url.Values{"code": {"abc"}})
	require.NoError(t, err)
	assert.False(t, res.TokenStored)

	_, ok := h.client.tokens.ValidToken()
	assert.False(t, ok)
}

// browserGet follows redirects the way a browser would and returns the final
// page path and body.
func browserGet(t *testing.T, target string) (string, string) {
	t.Helper()

	resp, err := http.Get(target) //nolint:noctx // test helper
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.Request.URL.Path, string(body)
}

func TestLogin_Success(t *testing.T) {
	srv := loginBackend(t, "https://accounts.example.com/auth")
	defer srv.Close()

	h := newTestHandshake(t, srv.URL)

	var landedOn, page string

	openURL := func(authURL string) error {
		assert.Equal(t, "https://accounts.example.com/auth", authURL)

		// Provider consent and backend callback collapse into one redirect.
		landedOn, page = browserGet(t, h.CallbackURL(ProviderGoogle)+"?access_token=at-9&expires_in=300")

		return nil
	}

	res, err := h.Login(context.Background(), ProviderGoogle, openURL)
	require.NoError(t, err)

	assert.Equal(t, StateNavigatedToLanding, res.State)
	assert.True(t, res.Callback.TokenStored)
	assert.Equal(t, DefaultLandingPath, landedOn)
	assert.Contains(t, page, "Login successful")

	tok, ok := h.client.tokens.ValidToken()
	require.True(t, ok)
	assert.Equal(t, "at-9", tok.Token)
}

func TestLogin_ProviderError(t *testing.T) {
	srv := loginBackend(t, "https://accounts.example.com/auth")
	defer srv.Close()

	h := newTestHandshake(t, srv.URL)

	var landedOn, page string

	openURL := func(string) error {
		landedOn, page = browserGet(t, h.CallbackURL(ProviderGoogle)+"?error=access_denied")
		return nil
	}

	res, err := h.Login(context.Background(), ProviderGoogle, openURL)
	require.Error(t, err)
	assert.Equal(t, StateNavigatedToLogin, res.State)
	assert.Equal(t, "/", landedOn)
	assert.Contains(t, page, "access_denied")

	_, ok := h.client.tokens.ValidToken()
	assert.False(t, ok)
}

func TestLogin_NoAuthURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	h := newTestHandshake(t, srv.URL)

	opened := false
	res, err := h.Login(context.Background(), ProviderGoogle, func(string) error {
		opened = true
		return nil
	})

	require.ErrorIs(t, err, ErrNoAuthURL)
	assert.False(t, opened)
	assert.Equal(t, StateNavigatedToLogin, res.State)
}

func TestLogin_Canceled(t *testing.T) {
	srv := loginBackend(t, "https://accounts.example.com/auth")
	defer srv.Close()

	h := newTestHandshake(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())

	res, err := h.Login(ctx, ProviderGoogle, func(string) error {
		cancel()
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateNavigatedToLogin, res.State)
}

func TestLogin_AddressInUse(t *testing.T) {
	blocker := httptest.NewServer(http.NotFoundHandler())
	defer blocker.Close()

	client, _ := newTestClient(t, "http://backend.invalid")
	h := NewHandshake(client, HandshakeConfig{CallbackAddr: blocker.Listener.Addr().String()})

	res, err := h.Login(context.Background(), ProviderGoogle, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binding callback listener")
	assert.Equal(t, StateIdle, res.State)
}

func TestNewHandshake_Defaults(t *testing.T) {
	client, _ := newTestClient(t, "http://backend.invalid")
	h := NewHandshake(client, HandshakeConfig{})

	assert.Equal(t, "http://"+DefaultCallbackAddr+"/auth/kakao/callback", h.CallbackURL(ProviderKakao))
	assert.Equal(t, DefaultLandingPath, h.cfg.LandingPath)
}

func TestHandshakeState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "token-stored", StateTokenStored.String())
	assert.Equal(t, "navigated-to-login", StateNavigatedToLogin.String())
	assert.Equal(t, "unknown", HandshakeState(99).String())
}

func TestCallbackURL_ReadWhileLoginRuns(t *testing.T) {
	srv := loginBackend(t, "https://accounts.example.com/auth")
	defer srv.Close()

	h := newTestHandshake(t, srv.URL)

	opened := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)

		for waiting := true; waiting; {
			_ = h.CallbackURL(ProviderGoogle)

			select {
			case <-opened:
				waiting = false
			default:
				time.Sleep(time.Millisecond)
			}
		}

		cb := h.CallbackURL(ProviderGoogle)

		resp, err := http.Get(cb + "?access_token=at-1") //nolint:noctx // test helper
		if err == nil {
			resp.Body.Close()
		}
	}()

	res, err := h.Login(context.Background(), ProviderGoogle, func(string) error {
		close(opened)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, res.Callback.TokenStored)

	<-done
	assert.False(t, strings.HasSuffix(h.CallbackURL(ProviderGoogle), ":0"+ProviderGoogle.CallbackPath()))
}
