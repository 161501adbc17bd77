// Package auth validates client tokens against the external authentication
// provider.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/vxchat/vxnode/pkg/logger"
)

// Provider resolves an auth token to a user identifier.
type Provider interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// Client talks to the HTTP auth service. The server key identifies this
// server to the provider.
type Client struct {
	endpoint  string
	serverKey string
	http      *http.Client
}

// NewClient builds a provider client for the given endpoint.
func NewClient(endpoint, serverKey string) *Client {
	return &Client{
		endpoint:  endpoint,
		serverKey: serverKey,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

type authResponse struct {
	UserID string `json:"user_id"`
}

// Authenticate validates the token and returns the user id it belongs to.
func (c *Client) Authenticate(ctx context.Context, token string) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid auth endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("key", c.serverKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to authenticate: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("read auth response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth provider rejected token (status %d)", resp.StatusCode)
	}

	var parsed authResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode auth response: %w", err)
	}
	if parsed.UserID == "" {
		return "", fmt.Errorf("auth provider returned no user id")
	}

	logger.InfoCF("auth", "User authenticated", map[string]interface{}{
		"user_id": parsed.UserID,
	})
	return parsed.UserID, nil
}
