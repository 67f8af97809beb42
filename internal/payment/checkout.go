// Package payment wraps the checkout provider behind a narrow interface.
// The flow only needs two things from it: a hosted checkout session for the
// deposit, and confirmation that a session was paid.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Session is a hosted checkout the lead is redirected to.
type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CheckoutClient creates and verifies deposit checkout sessions.
type CheckoutClient interface {
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	// VerifySession reports whether the session completed with payment.
	VerifySession(ctx context.Context, sessionID string) (bool, error)
}

// SessionRequest describes the deposit to collect. Amount is in the minor
// currency unit.
type SessionRequest struct {
	LeadID     string `json:"leadId"`
	Email      string `json:"email,omitempty"`
	Amount     int    `json:"amount"`
	Currency   string `json:"currency"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

type Client struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		Endpoint:   strings.TrimRight(endpoint, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	if c.Endpoint == "" {
		return Session{}, errors.New("checkout endpoint is not configured")
	}
	var s Session
	if err := c.post(ctx, "/checkout/sessions", req, &s); err != nil {
		return Session{}, err
	}
	if s.URL == "" {
		return Session{}, errors.New("checkout response missing session url")
	}
	return s, nil
}

func (c *Client) VerifySession(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, errors.New("session id is empty")
	}
	var out struct {
		Status string `json:"status"`
		Paid   bool   `json:"paid"`
	}
	if err := c.get(ctx, "/checkout/sessions/"+sessionID, &out); err != nil {
		return false, err
	}
	return out.Paid || out.Status == "complete", nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("checkout request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("checkout non-2xx: %d: %s", resp.StatusCode, string(b))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode checkout response: %w", err)
		}
	}
	return nil
}
