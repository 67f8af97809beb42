package server

import (
	"encoding/json"

	"leadline/internal/domain"
)

type LeadResponse struct {
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
	StartedAt   string                     `json:"started_at"`
	UpdatedAt   string                     `json:"updated_at"`
	StepAnswers map[string]json.RawMessage `json:"step_answers,omitempty"`
}

func leadResponse(rec domain.LeadRecord) LeadResponse {
	return LeadResponse{
		ID:          rec.ID,
		FirstName:   rec.Identity.FirstName,
		LastName:    rec.Identity.LastName,
		Email:       rec.Identity.Email,
		Phone:       rec.Identity.Phone,
		ContactID:   rec.ContactID,
		ResumeCode:  rec.ResumeCode,
		FlowBranch:  string(rec.FlowBranch),
		CurrentStep: rec.CurrentStep.String(),
		DepositPaid: rec.DepositPaid,
		StartedAt:   rec.StartedAt,
		UpdatedAt:   rec.UpdatedAt,
		StepAnswers: rec.StepAnswers,
	}
}

// StepOutcomeResponse reports what a submission did: an advance, a deposit
// gate, a redirect exit, or completion.
type StepOutcomeResponse struct {
	Lead            LeadResponse `json:"lead"`
	NextStep        string       `json:"next_step"`
	DepositRequired bool         `json:"deposit_required,omitempty"`
	CheckoutURL     string       `json:"checkout_url,omitempty"`
	RedirectURL     string       `json:"redirect_url,omitempty"`
	Completed       bool         `json:"completed,omitempty"`
}

type BeginFlowRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email" format:"email"`
	Phone     string `json:"phone"`
	Consent   bool   `json:"consent"`
}

type ResumeLookupRequest struct {
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Surname string `json:"surname,omitempty"`
	UID     string `json:"uid,omitempty"`
}

type ResumeLookupResponse struct {
	Found bool          `json:"found"`
	Lead  *LeadResponse `json:"lead,omitempty"`
}

type CheckoutSessionResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

type DispatchEventResponse struct {
	ID            int64             `json:"id"`
	LeadID        string            `json:"lead_id"`
	Kind          string            `json:"kind"`
	StepID        string            `json:"step_id,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Status        string            `json:"status"`
	Attempts      int               `json:"attempts"`
	LastError     string            `json:"last_error,omitempty"`
	NextAttemptAt string            `json:"next_attempt_at,omitempty"`
	CreatedAt     string            `json:"created_at"`
}

func dispatchEventResponse(e domain.DispatchEvent) DispatchEventResponse {
	return DispatchEventResponse{
		ID:            e.ID,
		LeadID:        e.LeadID,
		Kind:          string(e.Kind),
		StepID:        e.StepID,
		Fields:        e.Fields,
		Tags:          e.Tags,
		Status:        string(e.Status),
		Attempts:      e.Attempts,
		LastError:     e.LastError,
		NextAttemptAt: e.NextAttemptAt,
		CreatedAt:     e.CreatedAt,
	}
}
