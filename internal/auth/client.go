// Package auth checks user PINs against the external auth service.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrNoAuthService is returned when no auth service is configured.
var ErrNoAuthService = errors.New("auth service not configured")

// User is the account a PIN resolves to.
type User struct {
	ID          int      `json:"id"`
	Email       string   `json:"email"`
	Permissions []string `json:"permissions"`
}

// Client is a PIN checker for the auth service.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient creates a client for the auth service at baseURL, e.g.
// "http://auth:8000". An empty baseURL yields a client whose every check
// fails with ErrNoAuthService.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	var hc *resty.Client
	if baseURL != "" {
		hc = resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetRetryCount(2).
			SetRetryWaitTime(200*time.Millisecond).
			SetRetryMaxWaitTime(time.Second).
			SetHeader("Accept", "application/json")
	}
	return &Client{http: hc, logger: logger.With("component", "auth")}
}

// CheckPIN reports whether pin is valid for the user holding token. A
// rejection by the auth service is (false, nil); an unreachable service is
// an error.
func (c *Client) CheckPIN(ctx context.Context, token, pin string) (bool, error) {
	if c.http == nil {
		return false, ErrNoAuthService
	}
	var user User
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", token).
		SetQueryParam("pin", pin).
		SetResult(&user).
		Get("/auth/user-from-pin")
	if err != nil {
		return false, fmt.Errorf("auth service: %w", err)
	}
	switch {
	case resp.IsSuccess():
		c.logger.Debug("pin accepted", "user", user.ID)
		return true, nil
	case resp.StatusCode() >= http.StatusInternalServerError:
		return false, fmt.Errorf("auth service: %s", resp.Status())
	default:
		c.logger.Info("pin rejected", "status", resp.StatusCode())
		return false, nil
	}
}
