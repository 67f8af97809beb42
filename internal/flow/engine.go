// Package flow drives leads through the qualification wizard: one state
// machine over numbered and one-off steps, with the CRM kept in sync through
// the dispatch queue and never in the submit path.
package flow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"leadline/internal/config"
	"leadline/internal/dispatch"
	"leadline/internal/domain"
	"leadline/internal/events"
	"leadline/internal/lead"
	"leadline/internal/payment"
	"leadline/internal/progress"
	"leadline/internal/repo"
	"leadline/internal/resume"
)

// ErrWrongStep is returned when a submission targets a step other than the
// lead's current one.
var ErrWrongStep = errors.New("submitted step is not the current step")

// ErrFlowComplete is returned for submissions against a finished flow.
var ErrFlowComplete = errors.New("flow already complete")

// ValidationError blocks a transition before anything is persisted or sent.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// StepOutcome is what one submission produced. Exactly one of the progress
// shapes applies: an advance to Next, a deposit gate (Next stays equal to the
// submitted step), a redirect exit, or flow completion.
type StepOutcome struct {
	Lead        domain.LeadRecord
	Next        domain.Step
	GateDeposit bool
	CheckoutURL string
	RedirectURL string
	Completed   bool
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Leads    *lead.Store
	Queue    *dispatch.Queue
	Progress *progress.Tracker
	Resume   *resume.Resolver
	Checkout payment.CheckoutClient
	Events   events.Writer
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, adapter *dispatch.Queue, leads *lead.Store, tracker *progress.Tracker, resolver *resume.Resolver, checkout payment.CheckoutClient) *Engine {
	return &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Leads:    leads,
		Queue:    adapter,
		Progress: tracker,
		Resume:   resolver,
		Checkout: checkout,
		Events:   events.Writer{DB: db, Now: time.Now},
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// BeginFlow creates a lead from the identity step and leaves it standing on
// the routing step. A resume code is issued immediately so the visitor can
// come back from any point onward.
func (e *Engine) BeginFlow(ctx context.Context, answers domain.IdentityAnswers) (domain.LeadRecord, error) {
	if err := validateIdentity(answers); err != nil {
		return domain.LeadRecord{}, err
	}
	raw, err := json.Marshal(answers)
	if err != nil {
		return domain.LeadRecord{}, err
	}
	rec := domain.LeadRecord{
		ID: uuid.NewString(),
		Identity: domain.Identity{
			FirstName: answers.FirstName,
			LastName:  answers.LastName,
			Email:     repo.NormalizeEmail(answers.Email),
			Phone:     answers.Phone,
		},
		CurrentStep: domain.StepRouting,
		StepAnswers: map[string]json.RawMessage{domain.StepIdentity.String(): raw},
	}
	rec, err = e.Leads.Create(ctx, rec)
	if err != nil {
		return rec, fmt.Errorf("create lead: %w", err)
	}
	if err := e.Events.AppendDirect(ctx, "lead.created", rec.ID, "lead", rec.ID, "", events.EventPayload{"email": rec.Identity.Email}); err != nil {
		log.Printf("flow: append lead.created for %s: %v", rec.ID, err)
	}
	if _, err := e.Resume.AssignUID(ctx, rec.ID); err != nil {
		log.Printf("flow: assign resume code for lead %s: %v", rec.ID, err)
	}
	e.enqueueStep(ctx, rec, domain.StepIdentity, answers)
	e.checkpoint(ctx, rec.ID, domain.StepIdentity)
	return e.Leads.Read(ctx, rec.ID)
}

// SubmitStep validates the payload for the lead's current step, persists the
// answers, queues the CRM sync, checkpoints, and advances. CRM availability
// never blocks the transition.
func (e *Engine) SubmitStep(ctx context.Context, leadID string, step domain.Step, payload json.RawMessage) (StepOutcome, error) {
	rec, err := e.Leads.Read(ctx, leadID)
	if err != nil {
		return StepOutcome{}, err
	}
	if rec.CurrentStep.Terminal() {
		return StepOutcome{}, ErrFlowComplete
	}
	if step != rec.CurrentStep {
		return StepOutcome{}, fmt.Errorf("%w: submitted %s, current is %s", ErrWrongStep, step, rec.CurrentStep)
	}

	answers, err := e.parseAndValidate(rec, step, payload)
	if err != nil {
		return StepOutcome{}, err
	}

	patch := lead.Patch{StepAnswers: map[string]json.RawMessage{step.String(): mustJSON(answers)}}
	if routing, ok := answers.(domain.RoutingAnswers); ok {
		branch := routing.SupportType
		patch.FlowBranch = &branch
	}
	rec, err = e.Leads.Update(ctx, leadID, patch)
	if err != nil {
		return StepOutcome{}, err
	}

	e.enqueueStep(ctx, rec, step, answers)
	e.checkpoint(ctx, rec.ID, step)

	// the deposit gate: the monthly flow cannot move past payment style
	// until the deposit is in
	if step == domain.StepPaymentStyle && rec.FlowBranch == domain.BranchMonthly && !rec.DepositPaid {
		out := StepOutcome{Lead: rec, Next: step, GateDeposit: true}
		if session, serr := e.CreateCheckout(ctx, rec.ID); serr == nil {
			out.CheckoutURL = session.URL
		} else {
			log.Printf("flow: checkout session for lead %s: %v", rec.ID, serr)
		}
		return out, nil
	}

	// book-call is a terminal exit, not an advance
	if commitment, ok := answers.(domain.CommitmentAnswers); ok && commitment.Option == "book-call" {
		return StepOutcome{Lead: rec, Next: step, RedirectURL: e.Config.Commitment.BookCallURL}, nil
	}

	next, err := nextStep(rec.FlowBranch, step)
	if err != nil {
		return StepOutcome{}, err
	}
	rec, err = e.Leads.Update(ctx, leadID, lead.Patch{CurrentStep: &next})
	if err != nil {
		return StepOutcome{}, err
	}
	out := StepOutcome{Lead: rec, Next: next}
	if next.Terminal() {
		out.Completed = true
		e.finalDispatch(ctx, rec)
	}
	return out, nil
}

// Back moves the lead one step backward. Earlier answers are kept; moving
// forward again resubmits through the same validation.
func (e *Engine) Back(ctx context.Context, leadID string) (domain.LeadRecord, error) {
	rec, err := e.Leads.Read(ctx, leadID)
	if err != nil {
		return rec, err
	}
	prev, err := prevStep(rec.FlowBranch, rec.CurrentStep)
	if err != nil {
		return rec, err
	}
	return e.Leads.Update(ctx, leadID, lead.Patch{CurrentStep: &prev})
}

// CreateCheckout opens a hosted checkout session for the deposit.
func (e *Engine) CreateCheckout(ctx context.Context, leadID string) (payment.Session, error) {
	rec, err := e.Leads.Read(ctx, leadID)
	if err != nil {
		return payment.Session{}, err
	}
	if rec.DepositPaid {
		return payment.Session{}, errors.New("deposit already paid")
	}
	if e.Checkout == nil {
		return payment.Session{}, errors.New("checkout is not configured")
	}
	return e.Checkout.CreateSession(ctx, payment.SessionRequest{
		LeadID:     rec.ID,
		Email:      rec.Identity.Email,
		Amount:     e.Config.Payment.DepositAmountPence,
		Currency:   e.Config.Payment.Currency,
		SuccessURL: e.Config.Payment.SuccessURL,
		CancelURL:  e.Config.Payment.CancelURL,
	})
}

// ConfirmDeposit verifies the checkout session and flips depositPaid. If the
// lead already completed the payment-style step, it advances straight onto
// onboarding so the gate lifts without renavigation.
func (e *Engine) ConfirmDeposit(ctx context.Context, leadID, sessionID string) (domain.LeadRecord, error) {
	rec, err := e.Leads.Read(ctx, leadID)
	if err != nil {
		return rec, err
	}
	if rec.DepositPaid {
		return rec, nil
	}
	if e.Checkout != nil && sessionID != "" {
		paid, verr := e.Checkout.VerifySession(ctx, sessionID)
		if verr != nil {
			return rec, fmt.Errorf("verify checkout session: %w", verr)
		}
		if !paid {
			return rec, &ValidationError{Field: "session_id", Message: "session is not paid"}
		}
	}
	paid := true
	patch := lead.Patch{DepositPaid: &paid}
	gated, err := e.Progress.HasCheckpoint(ctx, leadID, domain.StepPaymentStyle)
	if err != nil {
		return rec, err
	}
	if gated && rec.CurrentStep == domain.StepPaymentStyle {
		next := domain.StepOnboarding
		patch.CurrentStep = &next
	}
	rec, err = e.Leads.Update(ctx, leadID, patch)
	if err != nil {
		return rec, err
	}
	if err := e.Events.AppendDirect(ctx, "deposit.confirmed", rec.ID, "lead", rec.ID, "", nil); err != nil {
		log.Printf("flow: append deposit.confirmed for %s: %v", rec.ID, err)
	}
	if qerr := e.Queue.EnqueueUpsert(ctx, rec.ID, map[string]string{"deposit_paid": "true"}, []string{"deposit-paid"}); qerr != nil {
		log.Printf("flow: enqueue deposit sync for lead %s: %v", rec.ID, qerr)
	}
	return rec, nil
}

func (e *Engine) enqueueStep(ctx context.Context, rec domain.LeadRecord, step domain.Step, answers any) {
	fields, tags := crmPayload(step, answers)
	if len(fields) == 0 && len(tags) == 0 {
		return
	}
	if err := e.Queue.EnqueueUpsert(ctx, rec.ID, fields, tags); err != nil {
		log.Printf("flow: enqueue step %s sync for lead %s: %v", step, rec.ID, err)
	}
}

func (e *Engine) checkpoint(ctx context.Context, leadID string, step domain.Step) {
	rec, err := e.Leads.Read(ctx, leadID)
	if err != nil {
		log.Printf("flow: reload lead %s for checkpoint: %v", leadID, err)
		return
	}
	if err := e.Progress.MarkStepComplete(ctx, rec, step); err != nil {
		log.Printf("flow: checkpoint step %s for lead %s: %v", step, leadID, err)
	}
}

// finalDispatch sends the one-time completion sync. The terminal checkpoint
// doubles as the once-guard: it is written before the enqueue, and a flow
// cannot re-enter its terminal step.
func (e *Engine) finalDispatch(ctx context.Context, rec domain.LeadRecord) {
	tags := []string{"quote-completed"}
	if rec.FlowBranch == domain.BranchOneOff {
		tags = []string{"one-off-enquiry-completed"}
	}
	if err := e.Queue.EnqueueUpsert(ctx, rec.ID, map[string]string{"flow_completed": "true"}, tags); err != nil {
		log.Printf("flow: enqueue completion sync for lead %s: %v", rec.ID, err)
	}
	e.checkpoint(ctx, rec.ID, rec.CurrentStep)
	if err := e.Events.AppendDirect(ctx, "flow.completed", rec.ID, "lead", rec.ID, "", events.EventPayload{"branch": string(rec.FlowBranch)}); err != nil {
		log.Printf("flow: append flow.completed for %s: %v", rec.ID, err)
	}
}

func mustJSON(v any) json.RawMessage {
	buf, err := json.Marshal(v)
	if err != nil {
		// payload structs marshal by construction
		panic(err)
	}
	return buf
}
