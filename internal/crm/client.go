// Package crm talks to the downstream CRM over HTTP. The CRM's field
// taxonomy is opaque here: callers hand over flat key→value fields and tag
// names, and get back the external contact id.
package crm

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

// Adapter is what the dispatch queue delivers through.
type Adapter interface {
	// Upsert creates or updates the contact and returns its external id.
	Upsert(ctx context.Context, up ContactUpsert) (string, error)
	// UpdateProgress records how far the contact got. Best effort.
	UpdateProgress(ctx context.Context, contactID string, lastCompleted int) error
}

// ContactUpsert carries everything one delivery writes to the CRM. Tags are
// additive: the CRM unions them with whatever the contact already has.
type ContactUpsert struct {
	ContactID string            `json:"contactId,omitempty"`
	Email     string            `json:"email,omitempty"`
	Phone     string            `json:"phone,omitempty"`
	FirstName string            `json:"firstName,omitempty"`
	LastName  string            `json:"lastName,omitempty"`
	Fields    map[string]string `json:"customFields,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
}

// TerminalError marks a delivery failure that retrying cannot fix, such as a
// rejected payload. The queue fails these immediately instead of backing off.
type TerminalError struct {
	Status int
	Body   string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("crm rejected request: %d: %s", e.Status, e.Body)
}

// IsTerminal reports whether err came from a non-retryable CRM response.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

type Client struct {
	BaseURL    string
	APIKey     string
	LocationID string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey, locationID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		LocationID: locationID,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Upsert(ctx context.Context, up ContactUpsert) (string, error) {
	if c.BaseURL == "" || c.APIKey == "" {
		return "", errors.New("crm base url/api key are not set")
	}
	body := struct {
		ContactUpsert
		LocationID string `json:"locationId,omitempty"`
	}{ContactUpsert: up, LocationID: c.LocationID}

	var out struct {
		Contact struct {
			ID string `json:"id"`
		} `json:"contact"`
	}
	if err := c.post(ctx, "/contacts/upsert", body, &out); err != nil {
		return "", err
	}
	if out.Contact.ID == "" {
		return "", errors.New("crm upsert response missing contact id")
	}
	return out.Contact.ID, nil
}

func (c *Client) UpdateProgress(ctx context.Context, contactID string, lastCompleted int) error {
	if contactID == "" {
		return errors.New("contact id is empty")
	}
	body := map[string]any{
		"customFields": map[string]string{
			"last_completed_step": fmt.Sprintf("%d", lastCompleted),
		},
	}
	return c.post(ctx, "/contacts/"+contactID+"/progress", body, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("crm request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		// only bad-request and validation rejections are hopeless; everything
		// else, auth hiccups and rate limits included, is worth a retry
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity {
			return &TerminalError{Status: resp.StatusCode, Body: string(b)}
		}
		return fmt.Errorf("crm non-2xx: %d: %s", resp.StatusCode, string(b))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode crm response: %w", err)
		}
	}
	return nil
}
