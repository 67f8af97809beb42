// Package resume resolves returning visitors back onto their lead record,
// either by contact details or by surname plus resume code.
package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"leadline/internal/domain"
	"leadline/internal/lead"
	"leadline/internal/repo"
)

// ErrInvalidUID is returned when a resume code is not in canonical form.
var ErrInvalidUID = errors.New("invalid resume code format")

// Dispatcher enqueues a CRM field update. Satisfied by dispatch.Queue.
type Dispatcher interface {
	EnqueueUpsert(ctx context.Context, leadID string, fields map[string]string, tags []string) error
}

// Mailer gets the resume code in front of the lead. Delivery is best effort.
type Mailer interface {
	SendResumeCode(ctx context.Context, rec domain.LeadRecord) error
}

type Resolver struct {
	Repo   repo.Repo
	Leads  *lead.Store
	Queue  Dispatcher
	Mailer Mailer

	// Now is overridable for tests; nil means time.Now.
	Now func() time.Time
}

// Lookup finds the best lead match for the given contact details. Lookup
// failures fail open: the caller sees "no match" and the visitor starts a
// fresh flow.
func (r *Resolver) Lookup(ctx context.Context, email, phone string) (domain.LeadRecord, bool) {
	rec, err := r.Repo.FindLeadByContact(ctx, email, phone)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			log.Printf("resume: contact lookup failed, treating as no match: %v", err)
		}
		return domain.LeadRecord{}, false
	}
	return rec, true
}

// LookupByUID finds a lead by resume code and verifies the surname matches,
// case-insensitively. A wrong surname is indistinguishable from a missing
// code so the endpoint leaks nothing about which codes exist.
func (r *Resolver) LookupByUID(ctx context.Context, surname, uid string) (domain.LeadRecord, error) {
	code := NormalizeUID(uid)
	if !ValidUID(code) {
		return domain.LeadRecord{}, ErrInvalidUID
	}
	rec, err := r.Repo.GetLeadByResumeCode(ctx, code)
	if err != nil {
		return domain.LeadRecord{}, err
	}
	if !strings.EqualFold(strings.TrimSpace(surname), rec.Identity.LastName) {
		return domain.LeadRecord{}, repo.ErrNotFound
	}
	return rec, nil
}

// Restore merges a client-held snapshot into the server record. The server
// wins for every step it already has answers for; client-only steps survive.
// Flow branch and current step are never touched from this path.
func (r *Resolver) Restore(ctx context.Context, leadID string, clientAnswers map[string]json.RawMessage) (domain.LeadRecord, error) {
	rec, err := r.Leads.Read(ctx, leadID)
	if err != nil {
		return rec, err
	}
	patch := lead.Patch{StepAnswers: map[string]json.RawMessage{}}
	for stepID, payload := range clientAnswers {
		if _, ok := rec.StepAnswers[stepID]; ok {
			continue
		}
		patch.StepAnswers[stepID] = payload
	}
	if len(patch.StepAnswers) == 0 {
		return rec, nil
	}
	return r.Leads.Update(ctx, leadID, patch)
}

// AssignUID issues the lead's resume code. The code is set once: repeated
// calls return the existing one. The code is mirrored to the CRM through the
// dispatch queue and emailed to the lead if a mailer is wired; neither of
// those can fail the assignment.
func (r *Resolver) AssignUID(ctx context.Context, leadID string) (string, error) {
	rec, err := r.Leads.Read(ctx, leadID)
	if err != nil {
		return "", err
	}
	if rec.ResumeCode != "" {
		return rec.ResumeCode, nil
	}
	code, err := r.freshUID(ctx)
	if err != nil {
		return "", err
	}
	rec, err = r.Leads.Update(ctx, leadID, lead.Patch{ResumeCode: &code})
	if err != nil {
		return "", err
	}
	if r.Queue != nil {
		if err := r.Queue.EnqueueUpsert(ctx, leadID, map[string]string{"unique_id": rec.ResumeCode}, nil); err != nil {
			log.Printf("resume: enqueue uid sync for lead %s: %v", leadID, err)
		}
	}
	if r.Mailer != nil && rec.Identity.Email != "" {
		if err := r.Mailer.SendResumeCode(ctx, rec); err != nil {
			log.Printf("resume: send code email for lead %s: %v", leadID, err)
		}
	}
	return rec.ResumeCode, nil
}

// EmailUID re-sends an already assigned code.
func (r *Resolver) EmailUID(ctx context.Context, leadID string) error {
	rec, err := r.Leads.Read(ctx, leadID)
	if err != nil {
		return err
	}
	if rec.ResumeCode == "" {
		return fmt.Errorf("lead %s has no resume code", leadID)
	}
	if r.Mailer == nil || rec.Identity.Email == "" {
		return nil
	}
	return r.Mailer.SendResumeCode(ctx, rec)
}

func (r *Resolver) freshUID(ctx context.Context) (string, error) {
	for i := 0; i < 5; i++ {
		code, err := NewUID()
		if err != nil {
			return "", err
		}
		_, err = r.Repo.GetLeadByResumeCode(ctx, code)
		if errors.Is(err, repo.ErrNotFound) {
			return code, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", errors.New("could not find an unused resume code")
}
