package lead

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"leadline/internal/domain"
	"leadline/internal/repo"
)

// ErrBranchChange is returned when a patch tries to move a lead onto the
// other sub-flow. Switching branch requires a new record.
var ErrBranchChange = errors.New("flow branch already set; start a new lead to switch")

// Patch is a partial update to a lead record. Nil fields are left alone;
// StepAnswers merges one level deep, keyed by step id.
type Patch struct {
	FirstName   *string
	LastName    *string
	Email       *string
	Phone       *string
	ContactID   *string
	ResumeCode  *string
	FlowBranch  *domain.FlowBranch
	CurrentStep *domain.Step
	DepositPaid *bool
	StepAnswers map[string]json.RawMessage
}

// Store is the single writer of lead records. All mutation funnels through
// merge so the set-once invariants live in exactly one place.
type Store struct {
	DB   *sql.DB
	Repo repo.Repo
	Now  func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{DB: db, Repo: repo.Repo{DB: db}, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Create persists a fresh record. Step answers may be nil.
func (s *Store) Create(ctx context.Context, rec domain.LeadRecord) (domain.LeadRecord, error) {
	now := s.now().UTC().Format(time.RFC3339)
	if rec.StartedAt == "" {
		rec.StartedAt = now
	}
	rec.UpdatedAt = now
	if rec.StepAnswers == nil {
		rec.StepAnswers = map[string]json.RawMessage{}
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertLead(ctx, tx, rec); err != nil {
		return rec, err
	}
	return rec, tx.Commit()
}

// Read returns the current record.
func (s *Store) Read(ctx context.Context, leadID string) (domain.LeadRecord, error) {
	return s.Repo.GetLead(ctx, leadID)
}

// Update applies a patch under a transaction and persists the result.
// Identity fields overwrite when present; contact id and resume code stick
// to their first value; the flow branch can be set once.
func (s *Store) Update(ctx context.Context, leadID string, p Patch) (domain.LeadRecord, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.LeadRecord{}, err
	}
	defer tx.Rollback()

	rec, err := s.Repo.GetLeadTx(ctx, tx, leadID)
	if err != nil {
		return rec, err
	}
	rec, err = merge(rec, p)
	if err != nil {
		return rec, err
	}
	rec.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	if err := s.Repo.UpdateLead(ctx, tx, rec); err != nil {
		return rec, err
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}
	return rec, nil
}

func merge(rec domain.LeadRecord, p Patch) (domain.LeadRecord, error) {
	if p.FirstName != nil && *p.FirstName != "" {
		rec.Identity.FirstName = *p.FirstName
	}
	if p.LastName != nil && *p.LastName != "" {
		rec.Identity.LastName = *p.LastName
	}
	if p.Email != nil && *p.Email != "" {
		rec.Identity.Email = repo.NormalizeEmail(*p.Email)
	}
	if p.Phone != nil && *p.Phone != "" {
		rec.Identity.Phone = *p.Phone
	}
	// contact id and resume code are stable once set
	if p.ContactID != nil && rec.ContactID == "" {
		rec.ContactID = *p.ContactID
	}
	if p.ResumeCode != nil && rec.ResumeCode == "" {
		rec.ResumeCode = *p.ResumeCode
	}
	if p.FlowBranch != nil && *p.FlowBranch != "" {
		if rec.FlowBranch != "" && rec.FlowBranch != *p.FlowBranch {
			return rec, ErrBranchChange
		}
		rec.FlowBranch = *p.FlowBranch
	}
	if p.CurrentStep != nil && !p.CurrentStep.IsZero() {
		rec.CurrentStep = *p.CurrentStep
	}
	if p.DepositPaid != nil {
		rec.DepositPaid = *p.DepositPaid
	}
	if len(p.StepAnswers) > 0 {
		if rec.StepAnswers == nil {
			rec.StepAnswers = map[string]json.RawMessage{}
		}
		for stepID, payload := range p.StepAnswers {
			rec.StepAnswers[stepID] = payload
		}
	}
	return rec, nil
}
