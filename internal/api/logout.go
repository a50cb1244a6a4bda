package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// LogoutPath is the backend endpoint that revokes the refresh cookie.
const LogoutPath = "/api/auth/logout"

// Logout asks the backend to revoke the session and clears the token store.
// The store is cleared even when the request fails; the returned error only
// reports whether the backend acknowledged the revocation.
func (c *Client) Logout(ctx context.Context) error {
	defer c.tokens.ClearAccessToken()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+LogoutPath, http.NoBody)
	if err != nil {
		return fmt.Errorf("api: creating logout request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return newTransportError(err)
	}

	if !isSuccess(resp.StatusCode) {
		return newStatusError(resp.StatusCode, body)
	}

	c.logger.Info("session revoked by backend", slog.Int("status", resp.StatusCode))

	return nil
}
