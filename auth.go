package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/leeyujin/portal/internal/api"
	"github.com/leeyujin/portal/internal/cookiefile"
)

// loginTimeout bounds how long login waits for the browser round trip.
const loginTimeout = 5 * time.Minute

// openBrowser launches the system browser. Tests replace it.
var openBrowser = func(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	return cmd.Start()
}

func newLoginCmd() *cobra.Command {
	var (
		provider  string
		noBrowser bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in through an identity provider",
		Long: `Sign in with Google, Kakao or Naver.

Opens the provider's consent page in a browser and waits for the backend to
redirect back to the local callback listener. The access token is kept in
memory only; the backend's refresh cookie is saved so later commands can
restore the session.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogin(cmd, provider, noBrowser)
		},
	}

	cmd.Flags().StringVarP(&provider, "provider", "p", api.ProviderGoogle.String(), "identity provider: google, kakao or naver")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "print the authorization URL instead of opening a browser")

	return cmd
}

func runLogin(cmd *cobra.Command, providerName string, noBrowser bool) error {
	cc := mustCLIContext(cmd.Context())

	p, err := api.ParseProvider(providerName)
	if err != nil {
		return err
	}

	b, err := cc.openBackend()
	if err != nil {
		return err
	}
	defer b.Close()

	h := api.NewHandshake(b.client, api.HandshakeConfig{
		CallbackAddr: cc.Cfg.CallbackAddr,
		LandingPath:  cc.Cfg.LandingPath,
		DefaultTTL:   cc.Cfg.TokenTTL,
	})

	ctx, cancel := context.WithTimeout(cc.interruptContext(cmd.Context(), "login"), loginTimeout)
	defer cancel()

	opener := openBrowser
	if noBrowser {
		opener = nil
	}

	cc.Statusf("Waiting for %s sign-in (callback on %s)...\n", p, h.CallbackURL(p))

	res, err := h.Login(ctx, p, opener)
	if err != nil {
		var authErr *api.AuthorizationError
		if errors.As(err, &authErr) {
			return fmt.Errorf("%s sign-in was not completed: %w", p, err)
		}

		return fmt.Errorf("login: %w", err)
	}

	if !res.Callback.TokenStored {
		// Cookie-only callback: the refresh cookie is the whole session.
		if err := b.client.Refresher().Refresh(ctx); err != nil {
			return fmt.Errorf("login: signed in but the session could not be restored: %w", err)
		}
	}

	tok, _ := b.store.ValidToken()

	cc.Logger.Info("login complete",
		slog.String("provider", p.String()),
		slog.String("state", res.State.String()),
	)
	cc.Statusf("Signed in with %s. Access token valid until %s.\n", p, tok.ExpiresAt.Local().Format(time.Kitchen))

	return nil
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session and remove saved cookies",
		RunE:  runLogout,
	}
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	b, err := cc.openBackend()
	if err != nil {
		return err
	}

	if b.jar.Len() == 0 {
		cc.Statusf("Not signed in.\n")
		return nil
	}

	if err := b.client.Logout(cmd.Context()); err != nil {
		// The local session is dropped regardless.
		cc.Logger.Warn("backend did not confirm logout", slog.String("error", api.Message(err)))
	}

	if err := b.jar.Clear(); err != nil {
		return err
	}

	if err := cookiefile.Remove(b.jar.Path()); err != nil {
		return err
	}

	cc.Statusf("Logged out.\n")

	return nil
}

// statusOutput is the JSON schema for `status --json`.
type statusOutput struct {
	BackendURL     string     `json:"backend_url"`
	SignedIn       bool       `json:"signed_in"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	Message        string     `json:"message,omitempty"`
	CookieJar      string     `json:"cookie_jar"`
}

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether a session can be restored",
		Long: `Check the saved session by exchanging the refresh cookie for a fresh
access token. Nothing is uploaded.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")

	return cmd
}

func runStatus(cmd *cobra.Command, asJSON bool) error {
	cc := mustCLIContext(cmd.Context())

	b, err := cc.openBackend()
	if err != nil {
		return err
	}
	defer b.Close()

	out := statusOutput{BackendURL: cc.Cfg.BackendURL, CookieJar: b.jar.Path()}

	if b.jar.Len() == 0 {
		out.Message = "no saved session"
	} else if err := b.client.Refresher().Refresh(cmd.Context()); err != nil {
		out.Message = api.Message(err)
	} else if tok, ok := b.store.ValidToken(); ok {
		out.SignedIn = true
		out.TokenExpiresAt = &tok.ExpiresAt
	}

	if asJSON {
		return printJSON(cc.Out, out)
	}

	fmt.Fprintf(cc.Out, "Backend:  %s\n", out.BackendURL)

	if !out.SignedIn {
		fmt.Fprintf(cc.Out, "Session:  signed out (%s)\n", out.Message)
		fmt.Fprintln(cc.Out, "Run 'portal login' to sign in.")

		return nil
	}

	fmt.Fprintln(cc.Out, "Session:  signed in")
	fmt.Fprintf(cc.Out, "Token:    valid until %s\n", formatTime(*out.TokenExpiresAt, time.Now()))

	return nil
}
