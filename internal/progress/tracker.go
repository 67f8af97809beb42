// Package progress records per-step completion checkpoints and mirrors them
// to the CRM on a best-effort basis.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"leadline/internal/domain"
	"leadline/internal/repo"
)

// maxSnapshotBytes keeps checkpoints small enough to mirror into a CRM
// custom field, which typically caps out around 10KB.
const maxSnapshotBytes = 8 * 1024

// Dispatcher is the progress side of the queue. Satisfied by dispatch.Queue.
type Dispatcher interface {
	EnqueueProgress(ctx context.Context, leadID, stepID string) error
}

type Tracker struct {
	Repo  repo.Repo
	Queue Dispatcher
	Now   func() time.Time
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// MarkStepComplete upserts the checkpoint for (lead, step) and queues a
// progress dispatch. Completing a step twice overwrites the same row, so
// resubmits are harmless. The call returns once the checkpoint is durable;
// dispatch enqueue failures are logged and swallowed.
func (t *Tracker) MarkStepComplete(ctx context.Context, rec domain.LeadRecord, step domain.Step) error {
	cp := domain.ProgressCheckpoint{
		LeadID:      rec.ID,
		StepID:      step.String(),
		CompletedAt: t.now().UTC().Format(time.RFC3339),
		Snapshot:    buildSnapshot(rec, step),
	}
	if err := t.Repo.UpsertCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("checkpoint step %s for lead %s: %w", step, rec.ID, err)
	}
	if t.Queue != nil {
		if err := t.Queue.EnqueueProgress(ctx, rec.ID, step.String()); err != nil {
			log.Printf("progress: enqueue dispatch for lead %s step %s: %v", rec.ID, step, err)
		}
	}
	return nil
}

// Checkpoints lists a lead's completed steps.
func (t *Tracker) Checkpoints(ctx context.Context, leadID string) ([]domain.ProgressCheckpoint, error) {
	return t.Repo.ListCheckpoints(ctx, leadID)
}

// HasCheckpoint reports whether the step was ever completed.
func (t *Tracker) HasCheckpoint(ctx context.Context, leadID string, step domain.Step) (bool, error) {
	_, err := t.Repo.GetCheckpoint(ctx, leadID, step.String())
	if err == nil {
		return true, nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	return false, err
}

type snapshot struct {
	FirstName   string                     `json:"firstName,omitempty"`
	LastName    string                     `json:"lastName,omitempty"`
	Email       string                     `json:"email,omitempty"`
	Phone       string                     `json:"phone,omitempty"`
	FlowBranch  domain.FlowBranch          `json:"flowBranch,omitempty"`
	LastStep    string                     `json:"lastCompletedStep"`
	StartedAt   string                     `json:"startedAt,omitempty"`
	StepAnswers map[string]json.RawMessage `json:"stepAnswers,omitempty"`
}

// buildSnapshot serializes what a resume needs, capped at maxSnapshotBytes.
// Oversized snapshots drop the answers first and fall back to just the step
// marker if identity alone still will not fit. The contact id is deliberately
// never included.
func buildSnapshot(rec domain.LeadRecord, step domain.Step) string {
	s := snapshot{
		FirstName:   rec.Identity.FirstName,
		LastName:    rec.Identity.LastName,
		Email:       rec.Identity.Email,
		Phone:       rec.Identity.Phone,
		FlowBranch:  rec.FlowBranch,
		LastStep:    step.String(),
		StartedAt:   rec.StartedAt,
		StepAnswers: rec.StepAnswers,
	}
	buf, err := json.Marshal(s)
	if err == nil && len(buf) <= maxSnapshotBytes {
		return string(buf)
	}
	s.StepAnswers = nil
	buf, err = json.Marshal(s)
	if err == nil && len(buf) <= maxSnapshotBytes {
		return string(buf)
	}
	buf, _ = json.Marshal(snapshot{LastStep: step.String()})
	return string(buf)
}
