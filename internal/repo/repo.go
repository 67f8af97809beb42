package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"leadline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func scanLead(row *sql.Row) (domain.LeadRecord, error) {
	var l domain.LeadRecord
	var contactID, resumeCode, branch sql.NullString
	var currentStep, answersJSON string
	var depositPaid int
	err := row.Scan(&l.ID, &l.Identity.FirstName, &l.Identity.LastName, &l.Identity.Email, &l.Identity.Phone,
		&contactID, &resumeCode, &branch, &currentStep, &depositPaid, &answersJSON, &l.StartedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if contactID.Valid {
		l.ContactID = contactID.String
	}
	if resumeCode.Valid {
		l.ResumeCode = resumeCode.String
	}
	if branch.Valid {
		l.FlowBranch = domain.FlowBranch(branch.String)
	}
	l.DepositPaid = depositPaid != 0
	step, err := domain.ParseStep(currentStep)
	if err != nil {
		return l, fmt.Errorf("lead %s: %w", l.ID, err)
	}
	l.CurrentStep = step
	if err := json.Unmarshal([]byte(answersJSON), &l.StepAnswers); err != nil {
		return l, fmt.Errorf("lead %s answers: %w", l.ID, err)
	}
	return l, nil
}

const leadColumns = `id,COALESCE(first_name,''),COALESCE(last_name,''),COALESCE(email,''),COALESCE(phone,''),contact_id,resume_code,flow_branch,current_step,deposit_paid,answers_json,started_at,updated_at`

func (r Repo) InsertLead(ctx context.Context, tx *sql.Tx, l domain.LeadRecord) error {
	answers, err := marshalAnswers(l.StepAnswers)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO leads(id,first_name,last_name,email,phone,contact_id,resume_code,flow_branch,current_step,deposit_paid,answers_json,started_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.Identity.FirstName, l.Identity.LastName, l.Identity.Email, l.Identity.Phone,
		nullable(l.ContactID), nullable(l.ResumeCode), nullable(string(l.FlowBranch)),
		l.CurrentStep.String(), boolInt(l.DepositPaid), answers, l.StartedAt, l.UpdatedAt)
	return err
}

func (r Repo) GetLead(ctx context.Context, id string) (domain.LeadRecord, error) {
	return scanLead(r.DB.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id=?`, id))
}

func (r Repo) GetLeadTx(ctx context.Context, tx *sql.Tx, id string) (domain.LeadRecord, error) {
	return scanLead(tx.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id=?`, id))
}

// UpdateLead rewrites every mutable column from the record. Callers go
// through the lead store's merge so invariants hold before this runs.
func (r Repo) UpdateLead(ctx context.Context, tx *sql.Tx, l domain.LeadRecord) error {
	answers, err := marshalAnswers(l.StepAnswers)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE leads SET first_name=?,last_name=?,email=?,phone=?,contact_id=?,resume_code=?,flow_branch=?,current_step=?,deposit_paid=?,answers_json=?,updated_at=? WHERE id=?`,
		l.Identity.FirstName, l.Identity.LastName, l.Identity.Email, l.Identity.Phone,
		nullable(l.ContactID), nullable(l.ResumeCode), nullable(string(l.FlowBranch)),
		l.CurrentStep.String(), boolInt(l.DepositPaid), answers, l.UpdatedAt, l.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListLeads(ctx context.Context) ([]domain.LeadRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+leadColumns+` FROM leads ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLeads(rows)
}

// FindLeadByContact matches on normalized email plus a phone fragment. The
// phone comparison reduces both numbers to their trailing significant digits
// and accepts a suffix match, so "+44 7000 000000" and "07000000000" line up.
func (r Repo) FindLeadByContact(ctx context.Context, email, phone string) (domain.LeadRecord, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return domain.LeadRecord{}, ErrNotFound
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE lower(email)=? ORDER BY updated_at DESC`, email)
	if err != nil {
		return domain.LeadRecord{}, err
	}
	defer rows.Close()
	leads, err := collectLeads(rows)
	if err != nil {
		return domain.LeadRecord{}, err
	}
	want := phoneKey(phone)
	for _, l := range leads {
		if want == "" {
			return l, nil
		}
		got := phoneKey(l.Identity.Phone)
		if got == "" {
			continue
		}
		if got == want || strings.HasSuffix(got, want) || strings.HasSuffix(want, got) {
			return l, nil
		}
	}
	if want == "" && len(leads) > 0 {
		return leads[0], nil
	}
	// fall back to pure email match when no stored phone competes
	for _, l := range leads {
		if l.Identity.Phone == "" {
			return l, nil
		}
	}
	return domain.LeadRecord{}, ErrNotFound
}

func (r Repo) GetLeadByResumeCode(ctx context.Context, code string) (domain.LeadRecord, error) {
	return scanLead(r.DB.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE resume_code=?`, code))
}

func collectLeads(rows *sql.Rows) ([]domain.LeadRecord, error) {
	var res []domain.LeadRecord
	for rows.Next() {
		var l domain.LeadRecord
		var contactID, resumeCode, branch sql.NullString
		var currentStep, answersJSON string
		var depositPaid int
		if err := rows.Scan(&l.ID, &l.Identity.FirstName, &l.Identity.LastName, &l.Identity.Email, &l.Identity.Phone,
			&contactID, &resumeCode, &branch, &currentStep, &depositPaid, &answersJSON, &l.StartedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		if contactID.Valid {
			l.ContactID = contactID.String
		}
		if resumeCode.Valid {
			l.ResumeCode = resumeCode.String
		}
		if branch.Valid {
			l.FlowBranch = domain.FlowBranch(branch.String)
		}
		l.DepositPaid = depositPaid != 0
		step, err := domain.ParseStep(currentStep)
		if err != nil {
			return nil, fmt.Errorf("lead %s: %w", l.ID, err)
		}
		l.CurrentStep = step
		if err := json.Unmarshal([]byte(answersJSON), &l.StepAnswers); err != nil {
			return nil, fmt.Errorf("lead %s answers: %w", l.ID, err)
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// EventsAfter returns flow-log events past a cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, after int64, leadID string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(lead_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>?`
	args := []any{after}
	if leadID != "" {
		query += ` AND lead_id=?`
		args = append(args, leadID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.LeadID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// phoneKey reduces a phone number to its trailing significant digits so
// international and national forms of the same number compare equal:
// "+447000000000" and "07000000000" both become "7000000000". Shorter inputs
// are treated as fragments and kept as-is.
func phoneKey(phone string) string {
	digits := strings.TrimPrefix(NormalizePhone(phone), "+")
	if len(digits) > 10 {
		digits = digits[len(digits)-10:]
	}
	return digits
}

// NormalizePhone strips everything but digits and a leading plus.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func marshalAnswers(answers map[string]json.RawMessage) (string, error) {
	if answers == nil {
		return "{}", nil
	}
	b, err := json.Marshal(answers)
	if err != nil {
		return "", fmt.Errorf("marshal step answers: %w", err)
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
