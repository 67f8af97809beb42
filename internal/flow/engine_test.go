package flow_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"leadline/internal/config"
	"leadline/internal/crm"
	"leadline/internal/db"
	"leadline/internal/dispatch"
	"leadline/internal/domain"
	"leadline/internal/flow"
	"leadline/internal/lead"
	"leadline/internal/migrate"
	"leadline/internal/payment"
	"leadline/internal/progress"
	"leadline/internal/repo"
	"leadline/internal/resume"
)

type fakeCRM struct {
	mu      sync.Mutex
	upserts []crm.ContactUpsert
}

func (f *fakeCRM) Upsert(ctx context.Context, up crm.ContactUpsert) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, up)
	return "contact-1", nil
}

func (f *fakeCRM) UpdateProgress(ctx context.Context, contactID string, lastCompleted int) error {
	return nil
}

type fakeCheckout struct {
	sessions int
	paid     map[string]bool
}

func (f *fakeCheckout) CreateSession(ctx context.Context, req payment.SessionRequest) (payment.Session, error) {
	f.sessions++
	return payment.Session{ID: "sess-1", URL: "https://pay.example.com/sess-1"}, nil
}

func (f *fakeCheckout) VerifySession(ctx context.Context, sessionID string) (bool, error) {
	if f.paid == nil {
		return true, nil
	}
	return f.paid[sessionID], nil
}

type testEnv struct {
	Engine   *flow.Engine
	Leads    *lead.Store
	Tracker  *progress.Tracker
	Checkout *fakeCheckout
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	leads := lead.NewStore(conn)
	queue := dispatch.NewQueue(conn, &fakeCRM{}, leads)
	tracker := &progress.Tracker{Repo: repo.Repo{DB: conn}, Queue: queue}
	resolver := &resume.Resolver{Repo: repo.Repo{DB: conn}, Leads: leads, Queue: queue}
	checkout := &fakeCheckout{}
	eng := flow.New(conn, cfg, queue, leads, tracker, resolver, checkout)
	eng.Now = func() time.Time { return time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Leads: leads, Tracker: tracker, Checkout: checkout, Ctx: context.Background()}
}

func beginLead(t *testing.T, env testEnv) domain.LeadRecord {
	t.Helper()
	rec, err := env.Engine.BeginFlow(env.Ctx, domain.IdentityAnswers{
		FirstName: "Ada",
		LastName:  "Byrne",
		Email:     "ada@example.com",
		Phone:     "+447000000000",
		Consent:   true,
	})
	if err != nil {
		t.Fatalf("begin flow: %v", err)
	}
	return rec
}

func submit(t *testing.T, env testEnv, leadID string, step domain.Step, payload string) flow.StepOutcome {
	t.Helper()
	out, err := env.Engine.SubmitStep(env.Ctx, leadID, step, json.RawMessage(payload))
	if err != nil {
		t.Fatalf("submit step %s: %v", step, err)
	}
	return out
}

func TestBeginFlowIssuesResumeCode(t *testing.T) {
	env := newTestEnv(t)
	rec := beginLead(t, env)
	if rec.CurrentStep != domain.StepRouting {
		t.Fatalf("current step = %s, want 2 after the identity step", rec.CurrentStep)
	}
	if !resume.ValidUID(rec.ResumeCode) {
		t.Fatalf("resume code %q not issued or invalid", rec.ResumeCode)
	}
	if rec.Identity.Email != "ada@example.com" {
		t.Fatalf("email = %q", rec.Identity.Email)
	}
}

func TestBeginFlowRequiresConsent(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.BeginFlow(env.Ctx, domain.IdentityAnswers{
		FirstName: "Ada", LastName: "Byrne", Email: "ada@example.com", Phone: "1", Consent: false,
	})
	var ve *flow.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRoutingForksMonthly(t *testing.T) {
	env := newTestEnv(t)
	rec := beginLead(t, env)
	out := submit(t, env, rec.ID, domain.StepRouting, `{"support_type":"monthly"}`)
	if out.Next != domain.StepQualification {
		t.Fatalf("next = %s, want 3", out.Next)
	}
	if out.Lead.FlowBranch != domain.BranchMonthly {
		t.Fatalf("branch = %s", out.Lead.FlowBranch)
	}
}

func TestRoutingForksOneOff(t *testing.T) {
	env := newTestEnv(t)
	rec := beginLead(t, env)
	out := submit(t, env, rec.ID, domain.StepRouting, `{"support_type":"one-off"}`)
	if out.Next != domain.StepOneOffScoping {
		t.Fatalf("next = %s, want O1", out.Next)
	}
}

func TestWrongStepRejected(t *testing.T) {
	env := newTestEnv(t)
	rec := beginLead(t, env)
	_, err := env.Engine.SubmitStep(env.Ctx, rec.ID, domain.StepQualification, json.RawMessage(`{}`))
	if !errors.Is(err, flow.ErrWrongStep) {
		t.Fatalf("expected ErrWrongStep, got %v", err)
	}
}

const qualificationPayload = `{
	"business_type": "limited-company",
	"turnover_band": "250k-1m",
	"team_structure": "me-employees",
	"current_support": "have-accountant",
	"urgency": "within-30-days",
	"priorities": ["Reduce tax & keep more profit"]
}`

func walkToPaymentStyle(t *testing.T, env testEnv, leadID string) {
	t.Helper()
	submit(t, env, leadID, domain.StepRouting, `{"support_type":"monthly"}`)
	submit(t, env, leadID, domain.StepQualification, qualificationPayload)
	out := submit(t, env, leadID, domain.StepRecommendation, `{"selected_tier":"gold"}`)
	if out.Next != domain.StepPricing {
		t.Fatalf("after recommendation next = %s", out.Next)
	}
	out = submit(t, env, leadID, domain.StepPricing, `{}`)
	if out.Next != domain.StepPaymentStyle {
		t.Fatalf("after pricing next = %s", out.Next)
	}
}

func TestRecommendationIsServerDerived(t *testing.T) {
	env := newTestEnv(t)
	rec := beginLead(t, env)
	submit(t, env, rec.ID, domain.StepRouting, `{"support_type":"monthly"}`)
	submit(t, env, rec.ID, domain.StepQualification, qualificationPayload)
	// client claims platinum was recommended; the engine recomputes
	out := submit(t, env, rec.ID, domain.StepRecommendation, `{"recommended_tier":"platinum","selected_tier":"gold"}`)
	var a domain.RecommendationAnswers
	if err := json.Unmarshal(out.Lead.StepAnswers["4"], &a); err != nil {
		t.Fatal(err)
	}
	if a.RecommendedTier != domain.TierGold {
		t.Fatalf("stored recommendation = %s, want recomputed gold", a.RecommendedTier)
	}
}

func TestDepositGate(t *testing.T) {
	env := newTestEnv(t)
	rec := beginLead(t, env)
	walkToPaymentStyle(t, env, rec.ID)

	out := submit(t, env, rec.ID, domain.StepPaymentStyle, `{"payment_style":"monthly"}`)
	if !out.GateDeposit {
		t.Fatal("expected deposit gate")
	}
	if out.Next != domain.StepPaymentStyle {
		t.Fatalf("gated submission advanced to %s", out.Next)
	}
	if out.CheckoutURL == "" {
		t.Fatal("gate outcome should carry a checkout url")
	}

	// onboarding is unreachable while the gate holds
	_, err := env.Engine.SubmitStep(env.Ctx, rec.ID, domain.StepOnboarding, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("onboarding submission should fail while gated")
	}

	// confirming the deposit lifts the gate without renavigation
	got, err := env.Engine.ConfirmDeposit(env.Ctx, rec.ID, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.DepositPaid {
		t.Fatal("deposit not recorded")
	}
	if got.CurrentStep != domain.StepOnboarding {
		t.Fatalf("current step = %s, want 7 immediately after confirmation", got.CurrentStep)
	}
}

func TestConfirmDepositUnpaidSessionRejected(t *testing.T) {
	env := newTestEnv(t)
	rec := beginLead(t, env)
	walkToPaymentStyle(t, env, rec.ID)
	submit(t, env, rec.ID, domain.StepPaymentStyle, `{"payment_style":"monthly"}`)

	env.Checkout.paid = map[string]bool{}
	_, err := env.Engine.ConfirmDeposit(env.Ctx, rec.ID, "sess-unpaid")
	var ve *flow.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for unpaid session, got %v", err)
	}
	got, err := env.Leads.Read(env.Ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DepositPaid {
		t.Fatal("deposit must not flip on an unpaid session")
	}
}

func TestMonthlyFlowCompletes(t *testing.T) {
	env := newTestEnv(t)
	rec := beginLead(t, env)
	walkToPaymentStyle(t, env, rec.ID)
	submit(t, env, rec.ID, domain.StepPaymentStyle, `{"payment_style":"annual"}`)
	if _, err := env.Engine.ConfirmDeposit(env.Ctx, rec.ID, "sess-1"); err != nil {
		t.Fatal(err)
	}
	out := submit(t, env, rec.ID, domain.StepOnboarding, `{
		"legal_business_name": "Byrne Ltd",
		"business_address": "1 Example Way",
		"role": "director",
		"aml_consent": true
	}`)
	if out.Next != domain.StepCommitment {
		t.Fatalf("after onboarding next = %s", out.Next)
	}
	out = submit(t, env, rec.ID, domain.StepCommitment, `{"option":"set-me-up"}`)
	if !out.Completed || out.Next != domain.StepConfirmation {
		t.Fatalf("commitment outcome = %+v, want completion at 9", out)
	}

	// a finished flow accepts nothing further
	_, err := env.Engine.SubmitStep(env.Ctx, rec.ID, domain.StepConfirmation, json.RawMessage(`{}`))
	if !errors.Is(err, flow.ErrFlowComplete) {
		t.Fatalf("expected ErrFlowComplete, got %v", err)
	}
}

func TestBookCallIsTerminalRedirect(t *testing.T) {
	env := newTestEnv(t)
	rec := beginLead(t, env)
	walkToPaymentStyle(t, env, rec.ID)
	submit(t, env, rec.ID, domain.StepPaymentStyle, `{"payment_style":"monthly"}`)
	if _, err := env.Engine.ConfirmDeposit(env.Ctx, rec.ID, "sess-1"); err != nil {
		t.Fatal(err)
	}
	submit(t, env, rec.ID, domain.StepOnboarding, `{
		"legal_business_name": "Byrne Ltd",
		"business_address": "1 Example Way",
		"role": "director",
		"aml_consent": true
	}`)
	out := submit(t, env, rec.ID, domain.StepCommitment, `{"option":"book-call"}`)
	if out.RedirectURL == "" || out.RedirectURL != env.Engine.Config.Commitment.BookCallURL {
		t.Fatalf("redirect url = %q, want the configured booking link", out.RedirectURL)
	}
	if out.Completed {
		t.Fatal("book-call is an exit, not a completion")
	}
	got, err := env.Leads.Read(env.Ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentStep != domain.StepCommitment {
		t.Fatalf("book-call advanced the step to %s", got.CurrentStep)
	}
}

func TestOneOffFlowCompletes(t *testing.T) {
	env := newTestEnv(t)
	rec := beginLead(t, env)
	submit(t, env, rec.ID, domain.StepRouting, `{"support_type":"one-off"}`)
	out := submit(t, env, rec.ID, domain.StepOneOffScoping, `{
		"job_types": ["Self Assessment", "VAT catch-up"],
		"time_period": "latest-tax-year",
		"urgency": "within-30-days",
		"current_accountant": "no",
		"budget_comfort": "sounds-fine"
	}`)
	if out.Next != domain.StepOneOffProceed {
		t.Fatalf("after O1 next = %s", out.Next)
	}
	out = submit(t, env, rec.ID, domain.StepOneOffProceed, `{"callback_time":"morning"}`)
	if !out.Completed || out.Next != domain.StepOneOffConfirmation {
		t.Fatalf("O2 outcome = %+v, want completion at O3", out)
	}
}

func TestOneOffNeverGatedOnDeposit(t *testing.T) {
	env := newTestEnv(t)
	rec := beginLead(t, env)
	submit(t, env, rec.ID, domain.StepRouting, `{"support_type":"one-off"}`)
	out := submit(t, env, rec.ID, domain.StepOneOffScoping, `{
		"job_types": ["Self Assessment"],
		"time_period": "ongoing-issue",
		"urgency": "no-fixed-deadline",
		"current_accountant": "yes",
		"budget_comfort": "not-sure"
	}`)
	if out.GateDeposit {
		t.Fatal("one-off flow must not hit the deposit gate")
	}
	if env.Checkout.sessions != 0 {
		t.Fatal("one-off flow opened a checkout session")
	}
}

func TestBackTransitions(t *testing.T) {
	env := newTestEnv(t)
	rec := beginLead(t, env)
	submit(t, env, rec.ID, domain.StepRouting, `{"support_type":"monthly"}`)

	got, err := env.Engine.Back(env.Ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentStep != domain.StepRouting {
		t.Fatalf("back from 3 landed on %s", got.CurrentStep)
	}
	got, err = env.Engine.Back(env.Ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentStep != domain.StepIdentity {
		t.Fatalf("back from 2 landed on %s", got.CurrentStep)
	}
	if _, err := env.Engine.Back(env.Ctx, rec.ID); err == nil {
		t.Fatal("back from step 1 should be illegal")
	}
}

func TestTerminalStepsHaveNoTransitions(t *testing.T) {
	env := newTestEnv(t)
	rec := beginLead(t, env)
	walkToPaymentStyle(t, env, rec.ID)
	submit(t, env, rec.ID, domain.StepPaymentStyle, `{"payment_style":"monthly"}`)
	if _, err := env.Engine.ConfirmDeposit(env.Ctx, rec.ID, "sess-1"); err != nil {
		t.Fatal(err)
	}
	submit(t, env, rec.ID, domain.StepOnboarding, `{
		"legal_business_name": "Byrne Ltd",
		"business_address": "1 Example Way",
		"role": "director",
		"aml_consent": true
	}`)
	submit(t, env, rec.ID, domain.StepCommitment, `{"option":"set-me-up"}`)

	// a completed flow cannot be walked backward out of its terminal step
	if _, err := env.Engine.Back(env.Ctx, rec.ID); err == nil {
		t.Fatal("back from step 9 should be illegal")
	}
	got, err := env.Leads.Read(env.Ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentStep != domain.StepConfirmation {
		t.Fatalf("current step = %s, want 9", got.CurrentStep)
	}

	// so the completion sync stays single
	events, err := env.Engine.Repo.ListDispatchEvents(env.Ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	completions := 0
	for _, e := range events {
		if e.Fields["flow_completed"] == "true" {
			completions++
		}
	}
	if completions != 1 {
		t.Fatalf("queued %d completion syncs, want exactly 1", completions)
	}
}

func TestBackFromOneOffConfirmationIllegal(t *testing.T) {
	env := newTestEnv(t)
	rec := beginLead(t, env)
	submit(t, env, rec.ID, domain.StepRouting, `{"support_type":"one-off"}`)
	submit(t, env, rec.ID, domain.StepOneOffScoping, `{
		"job_types": ["Self Assessment"],
		"time_period": "latest-tax-year",
		"urgency": "within-30-days",
		"current_accountant": "no",
		"budget_comfort": "sounds-fine"
	}`)
	submit(t, env, rec.ID, domain.StepOneOffProceed, `{"callback_time":"morning"}`)
	if _, err := env.Engine.Back(env.Ctx, rec.ID); err == nil {
		t.Fatal("back from O3 should be illegal")
	}
}

func TestBackFromOneOffScopingIllegal(t *testing.T) {
	env := newTestEnv(t)
	rec := beginLead(t, env)
	submit(t, env, rec.ID, domain.StepRouting, `{"support_type":"one-off"}`)
	if _, err := env.Engine.Back(env.Ctx, rec.ID); err == nil {
		t.Fatal("back from O1 should be illegal")
	}
}

func TestCheckpointsRecordedPerStep(t *testing.T) {
	env := newTestEnv(t)
	rec := beginLead(t, env)
	submit(t, env, rec.ID, domain.StepRouting, `{"support_type":"monthly"}`)
	submit(t, env, rec.ID, domain.StepQualification, qualificationPayload)

	items, err := env.Tracker.Checkpoints(env.Ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	steps := map[string]bool{}
	for _, cp := range items {
		steps[cp.StepID] = true
	}
	for _, want := range []string{"1", "2", "3"} {
		if !steps[want] {
			t.Fatalf("missing checkpoint for step %s: %v", want, steps)
		}
	}
}
