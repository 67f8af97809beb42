package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
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

type stubCRM struct{}

func (stubCRM) Upsert(ctx context.Context, up crm.ContactUpsert) (string, error) {
	return "contact-1", nil
}

func (stubCRM) UpdateProgress(ctx context.Context, contactID string, lastCompleted int) error {
	return nil
}

type stubCheckout struct{}

func (stubCheckout) CreateSession(ctx context.Context, req payment.SessionRequest) (payment.Session, error) {
	return payment.Session{ID: "sess-1", URL: "https://pay.example.com/sess-1"}, nil
}

func (stubCheckout) VerifySession(ctx context.Context, sessionID string) (bool, error) {
	return true, nil
}

type testServer struct {
	URL    string
	Repo   repo.Repo
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	leads := lead.NewStore(conn)
	queue := dispatch.NewQueue(conn, stubCRM{}, leads)
	tracker := &progress.Tracker{Repo: repo.Repo{DB: conn}, Queue: queue}
	resolver := &resume.Resolver{Repo: repo.Repo{DB: conn}, Leads: leads, Queue: queue}
	eng := flow.New(conn, cfg, queue, leads, tracker, resolver, stubCheckout{})
	handler, err := New(Config{Engine: eng, Queue: queue, Resume: resolver, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Repo:   repo.Repo{DB: conn},
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func beginFlow(t *testing.T, srv *testServer) LeadResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/leads", map[string]any{
		"first_name": "Ada",
		"last_name":  "Byrne",
		"email":      "ada@example.com",
		"phone":      "+447000000000",
		"consent":    true,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("begin flow status %d: %s", res.StatusCode, string(data))
	}
	var created LeadResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal lead: %v", err)
	}
	return created
}

func TestBeginFlowAndSubmitSteps(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := beginFlow(t, srv)
	if created.CurrentStep != "2" {
		t.Fatalf("current step = %s, want 2", created.CurrentStep)
	}
	if created.ResumeCode == "" {
		t.Fatal("resume code missing from created lead")
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/leads/"+created.ID+"/steps/2", map[string]any{
		"support_type": "monthly",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit step 2 status %d: %s", res.StatusCode, string(data))
	}
	var out StepOutcomeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	if out.NextStep != "3" {
		t.Fatalf("next step = %s, want 3", out.NextStep)
	}
	if out.Lead.FlowBranch != "monthly" {
		t.Fatalf("flow branch = %s", out.Lead.FlowBranch)
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/leads/"+created.ID, nil, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get lead status %d: %s", getRes.StatusCode, string(getBody))
	}
	var fetched LeadResponse
	if err := json.Unmarshal(getBody, &fetched); err != nil {
		t.Fatalf("unmarshal lead: %v", err)
	}
	if fetched.CurrentStep != "3" {
		t.Fatalf("fetched step = %s, want 3", fetched.CurrentStep)
	}
}

func TestSubmitWrongStepConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := beginFlow(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/leads/"+created.ID+"/steps/3", map[string]any{}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "conflict" {
		t.Fatalf("error code = %q, want conflict", envelope.Error.Code)
	}
}

func TestBeginFlowValidationEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/leads", map[string]any{
		"first_name": "Ada",
		"last_name":  "Byrne",
		"email":      "ada@example.com",
		"phone":      "+447000000000",
		"consent":    false,
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "validation_failed" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
	if envelope.Error.Details["field"] != "consent" {
		t.Fatalf("details = %v, want field consent", envelope.Error.Details)
	}
}

func TestLeadNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/leads/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestResumeLookupByContact(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := beginFlow(t, srv)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/resume/lookup", map[string]any{
		"email": "ADA@example.com",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lookup status %d: %s", res.StatusCode, string(data))
	}
	var lookup ResumeLookupResponse
	if err := json.Unmarshal(data, &lookup); err != nil {
		t.Fatalf("unmarshal lookup: %v", err)
	}
	if !lookup.Found || lookup.Lead == nil || lookup.Lead.ID != created.ID {
		t.Fatalf("lookup = %+v, want lead %s", lookup, created.ID)
	}

	missRes, missBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/resume/lookup", map[string]any{
		"email": "nobody@example.com",
	}, nil)
	if missRes.StatusCode != http.StatusOK {
		t.Fatalf("miss status %d: %s", missRes.StatusCode, string(missBody))
	}
	var miss ResumeLookupResponse
	_ = json.Unmarshal(missBody, &miss)
	if miss.Found {
		t.Fatal("lookup for an unknown contact reported found")
	}
}

func TestResumeLookupByUID(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := beginFlow(t, srv)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/resume/lookup", map[string]any{
		"uid":     created.ResumeCode,
		"surname": "byrne",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lookup status %d: %s", res.StatusCode, string(data))
	}
	var lookup ResumeLookupResponse
	if err := json.Unmarshal(data, &lookup); err != nil {
		t.Fatalf("unmarshal lookup: %v", err)
	}
	if !lookup.Found || lookup.Lead == nil || lookup.Lead.ID != created.ID {
		t.Fatalf("lookup = %+v, want lead %s", lookup, created.ID)
	}

	wrongRes, wrongBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/resume/lookup", map[string]any{
		"uid":     created.ResumeCode,
		"surname": "Nobody",
	}, nil)
	if wrongRes.StatusCode != http.StatusOK {
		t.Fatalf("wrong surname status %d: %s", wrongRes.StatusCode, string(wrongBody))
	}
	var wrong ResumeLookupResponse
	_ = json.Unmarshal(wrongBody, &wrong)
	if wrong.Found {
		t.Fatal("lookup with the wrong surname reported found")
	}
}

func TestAdminEndpointsRequireAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	beginFlow(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/leads", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("list leads without auth: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/dispatch/events", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dispatch events without auth: %d %s", res.StatusCode, string(data))
	}

	raw := "llk_test_key"
	err := srv.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:        "key-1",
		Name:      "ops",
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("seed api key: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/leads", nil, map[string]string{"X-Api-Key": raw})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list leads with api key: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/dispatch/events", nil, map[string]string{"X-Api-Key": raw})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dispatch events with api key: %d %s", res.StatusCode, string(data))
	}
	var events []DispatchEventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	// begin-flow queued at least the identity upsert; the worker is not running
	if len(events) == 0 {
		t.Fatal("expected pending dispatch events")
	}
}

func TestDepositGateOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := beginFlow(t, srv)
	steps := []struct {
		step string
		body map[string]any
	}{
		{"2", map[string]any{"support_type": "monthly"}},
		{"3", map[string]any{
			"business_type":  "limited-company",
			"turnover_band":  "250k-1m",
			"team_structure": "me-employees",
			"urgency":        "within-30-days",
			"priorities":     []string{"Reduce tax & keep more profit"},
		}},
		{"4", map[string]any{"selected_tier": "gold"}},
		{"5", map[string]any{}},
	}
	for _, s := range steps {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/leads/"+created.ID+"/steps/"+s.step, s.body, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("submit step %s: %d %s", s.step, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/leads/"+created.ID+"/steps/6", map[string]any{
		"payment_style": "monthly",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit step 6: %d %s", res.StatusCode, string(data))
	}
	var out StepOutcomeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	if !out.DepositRequired || out.CheckoutURL == "" {
		t.Fatalf("outcome = %+v, want deposit gate with checkout url", out)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/payments/confirm", map[string]any{
		"lead_id":    created.ID,
		"session_id": "sess-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm deposit: %d %s", res.StatusCode, string(data))
	}
	var confirmed LeadResponse
	if err := json.Unmarshal(data, &confirmed); err != nil {
		t.Fatalf("unmarshal lead: %v", err)
	}
	if !confirmed.DepositPaid || confirmed.CurrentStep != "7" {
		t.Fatalf("confirmed = %+v, want deposit paid at step 7", confirmed)
	}
}

func TestResetCodeRoundTripOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := beginFlow(t, srv)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/resume/reset/request", map[string]any{
		"surname": "Byrne",
		"email":   "ada@example.com",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reset request: %d %s", res.StatusCode, string(data))
	}

	// the worker is not running, so the emailed code sits in the queue
	var code string
	events, err := srv.Repo.ListDispatchEvents(context.Background(), "")
	if err != nil {
		t.Fatalf("list dispatch events: %v", err)
	}
	for _, e := range events {
		if c := e.Fields["reset_code"]; c != "" {
			code = c
		}
	}
	if code == "" {
		t.Fatal("no reset code was queued for delivery")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/resume/reset/verify", map[string]any{
		"email": "ada@example.com",
		"code":  code,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reset verify: %d %s", res.StatusCode, string(data))
	}
	var verified map[string]string
	if err := json.Unmarshal(data, &verified); err != nil {
		t.Fatalf("unmarshal verify response: %v", err)
	}
	fresh := verified["resume_code"]
	if fresh == "" || fresh == created.ResumeCode {
		t.Fatalf("fresh code %q should differ from %q", fresh, created.ResumeCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/resume/lookup", map[string]any{
		"uid":     created.ResumeCode,
		"surname": "Byrne",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lookup old code: %d %s", res.StatusCode, string(data))
	}
	var old ResumeLookupResponse
	_ = json.Unmarshal(data, &old)
	if old.Found {
		t.Fatal("old resume code still resolves after reset")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/resume/lookup", map[string]any{
		"uid":     fresh,
		"surname": "Byrne",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lookup fresh code: %d %s", res.StatusCode, string(data))
	}
	var found ResumeLookupResponse
	if err := json.Unmarshal(data, &found); err != nil {
		t.Fatalf("unmarshal lookup: %v", err)
	}
	if !found.Found || found.Lead == nil || found.Lead.ID != created.ID {
		t.Fatalf("fresh code lookup = %+v, want lead %s", found, created.ID)
	}
}

func TestResumeEndpointsRateLimited(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	var res *http.Response
	var data []byte
	for i := 0; i < 6; i++ {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/resume/lookup", map[string]any{
			"email": "nobody@example.com",
		}, nil)
	}
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("sixth lookup: %d %s, want 429", res.StatusCode, string(data))
	}
	if res.Header.Get("Retry-After") == "" {
		t.Fatal("throttled response is missing Retry-After")
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "rate_limited" {
		t.Fatalf("error code = %q, want rate_limited", envelope.Error.Code)
	}

	// only the resume surface is throttled
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health during throttle: %d %s", res.StatusCode, string(data))
	}
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var body map[string]string
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("health body = %v", body)
	}
}
