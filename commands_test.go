package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeyujin/portal/internal/config"
	"github.com/leeyujin/portal/internal/devbackend"
)

var testPNG = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

// cliEnv is an isolated home with a dev backend and the flags pointing at it.
type cliEnv struct {
	home   string
	state  string
	server *devbackend.Server
	flags  []string
}

func isolateEnv(t *testing.T) string {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))
	t.Setenv(config.EnvConfig, filepath.Join(home, "portal.toml"))
	t.Setenv(config.EnvBackendURL, "")
	t.Setenv(config.EnvCallbackAddr, "")
	t.Setenv(config.EnvStateDir, "")

	return home
}

// freeAddr returns a loopback address that was free a moment ago.
func freeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	return addr
}

func newCLIEnv(t *testing.T, mutate func(*devbackend.Config)) *cliEnv {
	t.Helper()

	home := isolateEnv(t)
	callback := freeAddr(t)

	cfg := devbackend.Config{
		FrontendURL: "http://" + callback,
		StorageDir:  filepath.Join(home, "backend"),
		AutoApprove: true,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := devbackend.NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})

	state := filepath.Join(home, "state")

	return &cliEnv{
		home:   home,
		state:  state,
		server: srv,
		flags:  []string{"--backend-url", ts.URL, "--state-dir", state, "--callback-addr", callback},
	}
}

// run executes one CLI invocation, like a separate process would.
func (e *cliEnv) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	cmd := newRootCmd()

	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append(args, e.flags...))

	err := cmd.ExecuteContext(context.Background())

	return stdout.String(), stderr.String(), err
}

// stubBrowser replaces the browser launcher with a client that follows the
// consent redirects back to the local callback listener.
func stubBrowser(t *testing.T) {
	t.Helper()

	orig := openBrowser
	t.Cleanup(func() { openBrowser = orig })

	browser := &http.Client{Timeout: 10 * time.Second}

	openBrowser = func(authURL string) error {
		go func() {
			resp, err := browser.Get(authURL)
			if err == nil {
				resp.Body.Close()
			}
		}()

		return nil
	}
}

func (e *cliEnv) writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(e.home, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

func TestSessionLifecycle(t *testing.T) {
	env := newCLIEnv(t, nil)
	stubBrowser(t)

	out, _, err := env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "signed out (no saved session)")

	_, errOut, err := env.run(t, "login", "--provider", "kakao")
	require.NoError(t, err, errOut)
	assert.Contains(t, errOut, "Signed in with kakao")
	assert.FileExists(t, filepath.Join(env.state, "cookies.json"))

	// A new invocation starts with an empty token store and restores the
	// session from the saved refresh cookie.
	out, _, err = env.run(t, "status", "--json")
	require.NoError(t, err)

	var st statusOutput
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.True(t, st.SignedIn)
	require.NotNil(t, st.TokenExpiresAt)
	assert.True(t, st.TokenExpiresAt.After(time.Now()))

	img := env.writeFile(t, "cat.png", testPNG)
	notes := env.writeFile(t, "notes.txt", []byte("not an image"))

	out, errOut, err = env.run(t, "upload", "--kind", "pose", img, notes)
	require.NoError(t, err, errOut)
	assert.Contains(t, out, "pose_detected_cat.png")
	assert.Contains(t, errOut, "Skipped 1 non-image file(s).")

	out, _, err = env.run(t, "results", "ls", "--json")
	require.NoError(t, err)

	var listed []resultJSON
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "pose_detected_cat.png", listed[0].FileName)
	assert.Equal(t, int64(len(testPNG)), listed[0].Size)

	dest := t.TempDir()
	_, errOut, err = env.run(t, "results", "get", "pose_detected_cat.png", dest)
	require.NoError(t, err, errOut)

	got, err := os.ReadFile(filepath.Join(dest, "pose_detected_cat.png"))
	require.NoError(t, err)
	assert.Equal(t, testPNG, got)

	out, _, err = env.run(t, "history", "--json")
	require.NoError(t, err)

	var entries []historyJSON
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "cat.png", entries[0].File)
	assert.Equal(t, "success", entries[0].Status)
	assert.Equal(t, "pose_detected_cat.png", entries[0].Result)

	_, errOut, err = env.run(t, "logout")
	require.NoError(t, err)
	assert.Contains(t, errOut, "Logged out.")
	assert.NoFileExists(t, filepath.Join(env.state, "cookies.json"))

	out, _, err = env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "signed out")
}

func TestLogin_Denied(t *testing.T) {
	env := newCLIEnv(t, func(c *devbackend.Config) { c.AutoApprove = false })

	orig := openBrowser
	t.Cleanup(func() { openBrowser = orig })

	browser := &http.Client{Timeout: 10 * time.Second}

	// The user clicks "Deny" on the consent page.
	openBrowser = func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}

		form := url.Values{"state": {u.Query().Get("state")}, "decision": {"deny"}}
		target := u.Scheme + "://" + u.Host + u.Path

		go func() {
			resp, err := browser.PostForm(target, form)
			if err == nil {
				resp.Body.Close()
			}
		}()

		return nil
	}

	_, _, err := env.run(t, "login")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "google sign-in was not completed")
	assert.Contains(t, err.Error(), "access_denied")

	out, _, err := env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "signed out")
}

func TestLogin_UnknownProvider(t *testing.T) {
	env := newCLIEnv(t, nil)

	_, _, err := env.run(t, "login", "--provider", "github")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestUpload_WithoutSession(t *testing.T) {
	env := newCLIEnv(t, nil)
	img := env.writeFile(t, "cat.png", testPNG)

	out, errOut, err := env.run(t, "upload", img)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 upload(s) failed")
	assert.Contains(t, errOut, "portal login")
	assert.Contains(t, out, "error")
}

func TestUpload_NoImages(t *testing.T) {
	env := newCLIEnv(t, nil)
	notes := env.writeFile(t, "notes.txt", []byte("plain text"))

	_, _, err := env.run(t, "upload", notes)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "none of the given files is an image")
}

func TestUpload_KindFlagsConflict(t *testing.T) {
	env := newCLIEnv(t, nil)
	img := env.writeFile(t, "cat.png", testPNG)

	_, _, err := env.run(t, "upload", "--kind", "pose", "--all-kinds", img)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestUpload_WaitsForDelayedResult(t *testing.T) {
	env := newCLIEnv(t, func(c *devbackend.Config) { c.ProcessDelay = 50 * time.Millisecond })
	stubBrowser(t)

	env.writeFile(t, "portal.toml", []byte("poll_interval = \"1s\"\nrepoll_delay = \"100ms\"\n"))

	_, errOut, err := env.run(t, "login")
	require.NoError(t, err, errOut)

	img := env.writeFile(t, "dog.png", testPNG)

	out, errOut, err := env.run(t, "upload", "--kind", "segment", "--wait", "10s", img)
	require.NoError(t, err, errOut)
	assert.Contains(t, out, "ready: segmented_dog.png")
}

func TestConfigShow_ReflectsFlags(t *testing.T) {
	env := newCLIEnv(t, nil)

	out, _, err := env.run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, env.flags[1])
	assert.Contains(t, out, env.state)
}
