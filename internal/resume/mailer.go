package resume

import (
	"context"

	"leadline/internal/domain"
	"leadline/internal/lead"
)

// TagMailer delivers the resume code by tagging the CRM contact. The CRM
// runs the actual email workflow off the tag, so the send inherits the
// queue's retry guarantees instead of needing an SMTP path here.
type TagMailer struct {
	Queue Dispatcher
	Leads *lead.Store
}

func (m TagMailer) SendResumeCode(ctx context.Context, rec domain.LeadRecord) error {
	return m.Queue.EnqueueUpsert(ctx, rec.ID,
		map[string]string{"unique_id": rec.ResumeCode},
		[]string{"send-resume-code-email"})
}
