// Package dispatch owns at-least-once delivery of lead data to the CRM.
// Events are appended durably and drained by a single background worker, so
// delivery order matches enqueue order even across retries and restarts.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"sync"
	"time"

	"leadline/internal/crm"
	"leadline/internal/domain"
	"leadline/internal/events"
	"leadline/internal/lead"
	"leadline/internal/repo"
)

type Queue struct {
	DB     *sql.DB
	Repo   repo.Repo
	CRM    crm.Adapter
	Leads  *lead.Store
	Events events.Writer
	Now    func() time.Time

	MaxAttempts  int
	BaseInterval time.Duration
	MaxInterval  time.Duration
	PollInterval time.Duration

	mu      sync.Mutex
	running bool
	wake    chan struct{}
}

func NewQueue(db *sql.DB, adapter crm.Adapter, leads *lead.Store) *Queue {
	return &Queue{
		DB:           db,
		Repo:         repo.Repo{DB: db},
		CRM:          adapter,
		Leads:        leads,
		Events:       events.Writer{DB: db, Now: time.Now},
		Now:          time.Now,
		MaxAttempts:  8,
		BaseInterval: time.Second,
		MaxInterval:  time.Minute,
		PollInterval: 10 * time.Second,
	}
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Enqueue appends an event and returns once it is durable. Delivery happens
// in the background; callers never wait on the CRM.
func (q *Queue) Enqueue(ctx context.Context, e domain.DispatchEvent) (int64, error) {
	e.Status = domain.DispatchPending
	e.Attempts = 0
	e.CreatedAt = q.now().UTC().Format(time.RFC3339)
	id, err := q.Repo.InsertDispatchEvent(ctx, e)
	if err != nil {
		return 0, err
	}
	q.notify()
	return id, nil
}

// EnqueueUpsert queues a contact field update with optional tags.
func (q *Queue) EnqueueUpsert(ctx context.Context, leadID string, fields map[string]string, tags []string) error {
	_, err := q.Enqueue(ctx, domain.DispatchEvent{
		LeadID: leadID,
		Kind:   domain.DispatchUpsert,
		Fields: fields,
		Tags:   tags,
	})
	return err
}

// EnqueueProgress queues a best-effort progress update for a completed step.
func (q *Queue) EnqueueProgress(ctx context.Context, leadID, stepID string) error {
	_, err := q.Enqueue(ctx, domain.DispatchEvent{
		LeadID: leadID,
		Kind:   domain.DispatchProgress,
		StepID: stepID,
	})
	return err
}

// StartWorker launches the drain loop. Calling it again while a loop is
// already running is a no-op, so any number of callers converge on exactly
// one worker. Events stranded in_flight or failed by a previous process are
// reset to pending before the loop starts.
func (q *Queue) StartWorker(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return nil
	}
	if q.wake == nil {
		q.wake = make(chan struct{}, 1)
	}
	n, err := q.Repo.RequeueStalled(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("dispatch: requeued %d stalled event(s)", n)
	}
	q.running = true
	go func() {
		defer func() {
			q.mu.Lock()
			q.running = false
			q.mu.Unlock()
		}()
		q.run(ctx)
	}()
	return nil
}

func (q *Queue) notify() {
	q.mu.Lock()
	ch := q.wake
	q.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *Queue) run(ctx context.Context) {
	interval := q.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		q.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// drain delivers events oldest-first until the queue is empty, the head's
// backoff deadline is in the future, or the context ends. The head is never
// skipped: a retrying event holds everything behind it, which is what keeps
// per-lead updates ordered.
func (q *Queue) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		e, err := q.Repo.NextDispatchEvent(ctx)
		if errors.Is(err, repo.ErrNotFound) {
			return
		}
		if err != nil {
			log.Printf("dispatch: read queue head: %v", err)
			return
		}
		if e.NextAttemptAt != "" {
			due, perr := time.Parse(time.RFC3339, e.NextAttemptAt)
			if perr == nil {
				if wait := due.Sub(q.now()); wait > 0 {
					if !q.sleep(ctx, wait) {
						return
					}
				}
			}
		}
		q.deliver(ctx, e)
	}
}

func (q *Queue) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (q *Queue) deliver(ctx context.Context, e domain.DispatchEvent) {
	if err := q.Repo.MarkDispatchInFlight(ctx, e.ID); err != nil {
		log.Printf("dispatch: mark event %d in flight: %v", e.ID, err)
		return
	}
	err := q.attempt(ctx, e)
	if err == nil {
		// delivered events leave durable storage, which is what makes
		// "never delivered twice" hold across restarts
		if derr := q.Repo.DeleteDispatchEvent(ctx, e.ID); derr != nil {
			log.Printf("dispatch: remove delivered event %d: %v", e.ID, derr)
		}
		q.record("dispatch.delivered", e)
		return
	}

	attempts := e.Attempts + 1
	terminal := crm.IsTerminal(err) || attempts >= q.maxAttempts()
	next := ""
	if !terminal {
		next = q.now().Add(q.backoff(attempts)).UTC().Format(time.RFC3339)
	}
	if rerr := q.Repo.RecordDispatchFailure(ctx, e.ID, attempts, err.Error(), next, terminal); rerr != nil {
		log.Printf("dispatch: record failure for event %d: %v", e.ID, rerr)
	}
	if terminal {
		log.Printf("dispatch: event %d failed permanently after %d attempt(s): %v", e.ID, attempts, err)
		q.record("dispatch.failed", e)
	}
}

func (q *Queue) attempt(ctx context.Context, e domain.DispatchEvent) error {
	rec, err := q.Leads.Read(ctx, e.LeadID)
	if err != nil {
		return err
	}
	switch e.Kind {
	case domain.DispatchProgress:
		if rec.ContactID == "" {
			// no contact yet; the upsert ahead of this event in the
			// queue creates one, so this only happens when that upsert
			// failed permanently
			return &crm.TerminalError{Status: 0, Body: "lead has no crm contact"}
		}
		step, perr := domain.ParseStep(e.StepID)
		if perr != nil {
			return &crm.TerminalError{Status: 0, Body: perr.Error()}
		}
		return q.CRM.UpdateProgress(ctx, rec.ContactID, step.Ordinal())
	default:
		contactID, uerr := q.CRM.Upsert(ctx, crm.ContactUpsert{
			ContactID: rec.ContactID,
			Email:     rec.Identity.Email,
			Phone:     rec.Identity.Phone,
			FirstName: rec.Identity.FirstName,
			LastName:  rec.Identity.LastName,
			Fields:    e.Fields,
			Tags:      e.Tags,
		})
		if uerr != nil {
			return uerr
		}
		if contactID != "" && rec.ContactID == "" {
			if _, werr := q.Leads.Update(ctx, e.LeadID, lead.Patch{ContactID: &contactID}); werr != nil {
				log.Printf("dispatch: store contact id for lead %s: %v", e.LeadID, werr)
			}
		}
		return nil
	}
}

func (q *Queue) maxAttempts() int {
	if q.MaxAttempts > 0 {
		return q.MaxAttempts
	}
	return 8
}

func (q *Queue) backoff(attempts int) time.Duration {
	base := q.BaseInterval
	if base <= 0 {
		base = time.Second
	}
	max := q.MaxInterval
	if max <= 0 {
		max = time.Minute
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (q *Queue) record(evtType string, e domain.DispatchEvent) {
	err := q.Events.AppendDirect(context.Background(), evtType, e.LeadID, "dispatch_event", "", "", events.EventPayload{
		"kind":    string(e.Kind),
		"step_id": e.StepID,
	})
	if err != nil {
		log.Printf("dispatch: append %s event: %v", evtType, err)
	}
}
