// Package cookiefile persists the HTTP cookie jar between CLI invocations.
// The backend keeps the refresh token in an httpOnly cookie; saving the jar
// is what lets a new process restore the session. Cookie values are opaque
// to this package and never logged.
package cookiefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// FilePerms restricts cookie files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the state directory.
const DirPerms = 0o700

// formatVersion is bumped on incompatible changes to the file layout.
const formatVersion = 1

// file is the on-disk format.
type file struct {
	Version int            `json:"version"`
	Cookies []storedCookie `json:"cookies"`
}

type storedCookie struct {
	URL      string        `json:"url"`
	Name     string        `json:"name"`
	Value    string        `json:"value"`
	Domain   string        `json:"domain,omitempty"`
	Path     string        `json:"path,omitempty"`
	Expires  time.Time     `json:"expires,omitzero"`
	Secure   bool          `json:"secure,omitempty"`
	HttpOnly bool          `json:"http_only,omitempty"` //nolint:revive // mirrors http.Cookie
	SameSite http.SameSite `json:"same_site,omitempty"`
}

type cookieKey struct {
	host, domain, path, name string
}

// Jar is an http.CookieJar that remembers what it was given so it can be
// written to disk. Lookups are delegated to net/http/cookiejar.
type Jar struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	inner   *cookiejar.Jar
	entries map[cookieKey]storedCookie
}

// Load opens the jar stored at path. A missing file yields an empty jar.
// Expired cookies are dropped.
func Load(path string) (*Jar, error) {
	j, err := newJar(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return j, nil
	}

	if err != nil {
		return nil, fmt.Errorf("cookiefile: reading %s: %w", path, err)
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("cookiefile: decoding %s: %w", path, err)
	}

	if f.Version != formatVersion {
		return nil, fmt.Errorf("cookiefile: %s has unsupported version %d (log in again)", path, f.Version)
	}

	now := j.now()

	for _, sc := range f.Cookies {
		if !sc.Expires.IsZero() && !sc.Expires.After(now) {
			continue
		}

		u, err := url.Parse(sc.URL)
		if err != nil {
			continue
		}

		j.inner.SetCookies(u, []*http.Cookie{sc.cookie()})
		j.entries[keyFor(u, sc)] = sc
	}

	return j, nil
}

func newJar(path string) (*Jar, error) {
	inner, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookiefile: creating jar: %w", err)
	}

	return &Jar{
		path:    path,
		now:     time.Now,
		inner:   inner,
		entries: make(map[cookieKey]storedCookie),
	}, nil
}

// SetCookies implements http.CookieJar.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.inner.SetCookies(u, cookies)

	now := j.now()
	origin := (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}).String()

	for _, c := range cookies {
		sc := storedCookie{
			URL:      origin,
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
			SameSite: c.SameSite,
		}

		// Without a usable Path attribute the cookie is scoped to the
		// request's directory; record it so a reload keeps that scope.
		if !strings.HasPrefix(sc.Path, "/") {
			sc.Path = defaultPath(u.Path)
		}

		switch {
		case c.MaxAge > 0:
			sc.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		case !c.Expires.IsZero():
			sc.Expires = c.Expires
		}

		key := keyFor(u, sc)

		if c.MaxAge < 0 || (!sc.Expires.IsZero() && !sc.Expires.After(now)) {
			delete(j.entries, key)
			continue
		}

		j.entries[key] = sc
	}
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.inner.Cookies(u)
}

// Len returns the number of cookies that would be saved.
func (j *Jar) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()

	return len(j.entries)
}

// Path returns the file the jar is saved to.
func (j *Jar) Path() string {
	return j.path
}

// Save writes the jar to disk atomically (write-to-temp + rename) with 0600
// permissions.
func (j *Jar) Save() error {
	j.mu.Lock()

	f := file{Version: formatVersion, Cookies: make([]storedCookie, 0, len(j.entries))}
	for _, sc := range j.entries {
		f.Cookies = append(f.Cookies, sc)
	}

	j.mu.Unlock()

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("cookiefile: encoding: %w", err)
	}

	return writeAtomic(j.path, data)
}

// Clear forgets every cookie in memory. The file is left alone; use Remove.
func (j *Jar) Clear() error {
	inner, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return fmt.Errorf("cookiefile: creating jar: %w", err)
	}

	j.mu.Lock()
	j.inner = inner
	j.entries = make(map[cookieKey]storedCookie)
	j.mu.Unlock()

	return nil
}

// Remove deletes the file at path. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cookiefile: removing %s: %w", path, err)
	}

	return nil
}

func (sc storedCookie) cookie() *http.Cookie {
	return &http.Cookie{
		Name:     sc.Name,
		Value:    sc.Value,
		Domain:   sc.Domain,
		Path:     sc.Path,
		Expires:  sc.Expires,
		Secure:   sc.Secure,
		HttpOnly: sc.HttpOnly,
		SameSite: sc.SameSite,
	}
}

// defaultPath is the RFC 6265 section 5.1.4 default-path of a request path.
func defaultPath(reqPath string) string {
	if !strings.HasPrefix(reqPath, "/") {
		return "/"
	}

	i := strings.LastIndex(reqPath, "/")
	if i == 0 {
		return "/"
	}

	return reqPath[:i]
}

func keyFor(u *url.URL, sc storedCookie) cookieKey {
	path := sc.Path
	if path == "" {
		path = "/"
	}

	return cookieKey{host: u.Hostname(), domain: sc.Domain, path: path, name: sc.Name}
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("cookiefile: creating directory %s: %w", dir, mkErr)
	}

	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".cookies-*.tmp")
	if err != nil {
		return fmt.Errorf("cookiefile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("cookiefile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("cookiefile: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("cookiefile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cookiefile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("cookiefile: renaming: %w", err)
	}

	success = true

	return nil
}
