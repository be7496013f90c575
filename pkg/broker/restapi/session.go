package restapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"execution-core/pkg/broker/common"
)

// tokenSkew renews a little before the broker would.
const tokenSkew = 30 * time.Second

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// Login exchanges the API key and secret for an access token.
func (c *Client) Login(ctx context.Context) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errors.New("broker: API key/secret required")
	}
	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()

	body := map[string]string{
		"api_key":    c.cfg.APIKey,
		"api_secret": c.cfg.APISecret,
	}
	var out struct {
		Data struct {
			AccessToken string    `json:"access_token"`
			ExpiresAt   time.Time `json:"expires_at"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/session/token", body, &out); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if out.Data.AccessToken == "" {
		return errors.New("login: empty access token")
	}

	c.mu.Lock()
	c.accessToken = out.Data.AccessToken
	c.expiresAt = out.Data.ExpiresAt
	c.mu.Unlock()
	return nil
}

// SessionValid reports whether the token is present, unexpired and
// accepted by the profile endpoint.
func (c *Client) SessionValid(ctx context.Context) (bool, error) {
	c.mu.RLock()
	token, exp := c.accessToken, c.expiresAt
	c.mu.RUnlock()
	if token == "" {
		return false, nil
	}
	if !exp.IsZero() && time.Now().Add(tokenSkew).After(exp) {
		return false, nil
	}

	err := c.do(ctx, http.MethodGet, "/user/profile", nil, nil)
	if err == nil {
		return true, nil
	}
	if isSessionErr(err) {
		return false, nil
	}
	return false, err
}

// ExpiresAt returns the current token expiry.
func (c *Client) ExpiresAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiresAt
}

func isSessionErr(err error) bool {
	return errors.Is(err, common.ErrSessionExpired)
}
