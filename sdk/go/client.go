// Package leadlinesdk is a minimal Leadline HTTP API client, enough for a
// wizard front-end to drive a flow step by step and resume it later.
package leadlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Lead mirrors the API lead model.
type Lead struct {
	ID          string                     `json:"id"`
	FirstName   string                     `json:"first_name,omitempty"`
	LastName    string                     `json:"last_name,omitempty"`
	Email       string                     `json:"email,omitempty"`
	Phone       string                     `json:"phone,omitempty"`
	ContactID   string                     `json:"contact_id,omitempty"`
	ResumeCode  string                     `json:"resume_code,omitempty"`
	FlowBranch  string                     `json:"flow_branch,omitempty"`
	CurrentStep string                     `json:"current_step"`
	DepositPaid bool                       `json:"deposit_paid"`
	StepAnswers map[string]json.RawMessage `json:"step_answers,omitempty"`
}

// StepOutcome reports what a submission did.
type StepOutcome struct {
	Lead            Lead   `json:"lead"`
	NextStep        string `json:"next_step"`
	DepositRequired bool   `json:"deposit_required,omitempty"`
	CheckoutURL     string `json:"checkout_url,omitempty"`
	RedirectURL     string `json:"redirect_url,omitempty"`
	Completed       bool   `json:"completed,omitempty"`
}

// CheckoutSession is a hosted deposit checkout.
type CheckoutSession struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// BeginFlow starts a flow from the identity step.
func (c *Client) BeginFlow(ctx context.Context, firstName, lastName, email, phone string, consent bool) (Lead, error) {
	body := map[string]any{
		"first_name": firstName,
		"last_name":  lastName,
		"email":      email,
		"phone":      phone,
		"consent":    consent,
	}
	var resp Lead
	err := c.do(ctx, http.MethodPost, "v0/leads", body, &resp)
	return resp, err
}

// GetLead fetches a lead record.
func (c *Client) GetLead(ctx context.Context, leadID string) (Lead, error) {
	var resp Lead
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/leads/%s", url.PathEscape(leadID)), nil, &resp)
	return resp, err
}

// SubmitStep submits the current step's answers.
func (c *Client) SubmitStep(ctx context.Context, leadID, stepID string, answers any) (StepOutcome, error) {
	var resp StepOutcome
	endpoint := fmt.Sprintf("v0/leads/%s/steps/%s", url.PathEscape(leadID), url.PathEscape(stepID))
	err := c.do(ctx, http.MethodPost, endpoint, answers, &resp)
	return resp, err
}

// Back moves one step backward.
func (c *Client) Back(ctx context.Context, leadID string) (Lead, error) {
	var resp Lead
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/leads/%s/back", url.PathEscape(leadID)), nil, &resp)
	return resp, err
}

// ResumeLookup finds an in-progress lead by contact details.
func (c *Client) ResumeLookup(ctx context.Context, email, phone string) (Lead, bool, error) {
	return c.resumeLookup(ctx, map[string]any{"email": email, "phone": phone})
}

// ResumeLookupByUID finds a lead by surname and resume code.
func (c *Client) ResumeLookupByUID(ctx context.Context, surname, uid string) (Lead, bool, error) {
	return c.resumeLookup(ctx, map[string]any{"surname": surname, "uid": uid})
}

func (c *Client) resumeLookup(ctx context.Context, body map[string]any) (Lead, bool, error) {
	var resp struct {
		Found bool  `json:"found"`
		Lead  *Lead `json:"lead,omitempty"`
	}
	if err := c.do(ctx, http.MethodPost, "v0/resume/lookup", body, &resp); err != nil {
		return Lead{}, false, err
	}
	if !resp.Found || resp.Lead == nil {
		return Lead{}, false, nil
	}
	return *resp.Lead, true, nil
}

// CreateCheckoutSession opens a deposit checkout for the lead.
func (c *Client) CreateCheckoutSession(ctx context.Context, leadID string) (CheckoutSession, error) {
	var resp CheckoutSession
	err := c.do(ctx, http.MethodPost, "v0/payments/checkout-session", map[string]any{"lead_id": leadID}, &resp)
	return resp, err
}

// ConfirmDeposit flips the deposit flag after a paid session.
func (c *Client) ConfirmDeposit(ctx context.Context, leadID, sessionID string) (Lead, error) {
	var resp Lead
	err := c.do(ctx, http.MethodPost, "v0/payments/confirm", map[string]any{"lead_id": leadID, "session_id": sessionID}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
