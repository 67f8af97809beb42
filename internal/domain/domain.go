package domain

import "encoding/json"

// FlowBranch selects one of the two mutually exclusive sub-flows. It is set
// at the routing step and never changes afterwards; switching branch means
// starting a new lead.
type FlowBranch string

const (
	BranchMonthly FlowBranch = "monthly"
	BranchOneOff  FlowBranch = "one-off"
)

// Identity holds the contact basics collected at step 1.
type Identity struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// LeadRecord is the single aggregate of everything known about a prospect.
// It is owned by the lead store and mutated only through its merge API.
type LeadRecord struct {
	ID          string                     `json:"id"`
	Identity    Identity                   `json:"identity"`
	ContactID   string                     `json:"contact_id,omitempty"`
	ResumeCode  string                     `json:"resume_code,omitempty"`
	FlowBranch  FlowBranch                 `json:"flow_branch,omitempty"`
	CurrentStep Step                       `json:"current_step"`
	StepAnswers map[string]json.RawMessage `json:"step_answers,omitempty"`
	DepositPaid bool                       `json:"deposit_paid"`
	StartedAt   string                     `json:"started_at" format:"date-time"`
	UpdatedAt   string                     `json:"updated_at" format:"date-time"`
}

// DispatchKind separates the primary contact upsert from the narrower
// best-effort progress sync.
type DispatchKind string

const (
	DispatchUpsert   DispatchKind = "upsert"
	DispatchProgress DispatchKind = "progress"
)

// DispatchStatus is the lifecycle of a queued CRM event.
type DispatchStatus string

const (
	DispatchPending   DispatchStatus = "pending"
	DispatchInFlight  DispatchStatus = "in_flight"
	DispatchDelivered DispatchStatus = "delivered"
	DispatchFailed    DispatchStatus = "failed"
)

// DispatchEvent is one durable unit of CRM synchronization: a set of field
// updates and tags to add. Delivered events are removed from storage; failed
// events are retained for diagnostics and retried on the next worker start.
type DispatchEvent struct {
	ID            int64             `json:"id"`
	LeadID        string            `json:"lead_id"`
	Kind          DispatchKind      `json:"kind"`
	StepID        string            `json:"step_id,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Status        DispatchStatus    `json:"status"`
	Attempts      int               `json:"attempts"`
	LastError     string            `json:"last_error,omitempty"`
	NextAttemptAt string            `json:"next_attempt_at,omitempty" format:"date-time"`
	CreatedAt     string            `json:"created_at" format:"date-time"`
}

// ProgressCheckpoint records that a step completed with a data snapshot.
// Re-marking the same step overwrites the snapshot.
type ProgressCheckpoint struct {
	LeadID      string `json:"lead_id"`
	StepID      string `json:"step_id"`
	CompletedAt string `json:"completed_at" format:"date-time"`
	Snapshot    string `json:"snapshot,omitempty"`
}

// Tier is a recommended service package.
type Tier string

const (
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// PriceBand is a monthly price range in whole pounds.
type PriceBand struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// APIKey authenticates an operator against the admin surface.
type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is one row of the append-only flow log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	LeadID     string `json:"lead_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
