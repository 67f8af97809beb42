package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"leadline/internal/domain"
)

func (r Repo) InsertDispatchEvent(ctx context.Context, e domain.DispatchEvent) (int64, error) {
	fields, tags, err := marshalDispatchPayload(e)
	if err != nil {
		return 0, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO dispatch_events(lead_id,kind,step_id,fields_json,tags_json,status,attempts,last_error,next_attempt_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.LeadID, string(e.Kind), nullable(e.StepID), fields, tags, string(e.Status), e.Attempts,
		nullable(e.LastError), nullable(e.NextAttemptAt), e.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// NextDispatchEvent returns the oldest event still owed to the CRM. Strict
// id order preserves the global FIFO guarantee; the caller decides whether
// the event's backoff deadline has passed.
func (r Repo) NextDispatchEvent(ctx context.Context) (domain.DispatchEvent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+dispatchColumns+` FROM dispatch_events WHERE status IN ('pending','in_flight') ORDER BY id ASC LIMIT 1`)
	return scanDispatchEvent(row)
}

func (r Repo) GetDispatchEvent(ctx context.Context, id int64) (domain.DispatchEvent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+dispatchColumns+` FROM dispatch_events WHERE id=?`, id)
	return scanDispatchEvent(row)
}

func (r Repo) ListDispatchEvents(ctx context.Context, status domain.DispatchStatus) ([]domain.DispatchEvent, error) {
	query := `SELECT ` + dispatchColumns + ` FROM dispatch_events`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DispatchEvent
	for rows.Next() {
		e, err := scanDispatchEventRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) MarkDispatchInFlight(ctx context.Context, id int64) error {
	return r.setDispatchStatus(ctx, id, domain.DispatchInFlight)
}

// DeleteDispatchEvent removes a delivered event from durable storage, which
// is what keeps a delivered event from ever being retried.
func (r Repo) DeleteDispatchEvent(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM dispatch_events WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordDispatchFailure bumps the attempt counter and reschedules or, once
// the retry budget is spent, parks the event as failed. Failed events are
// never deleted.
func (r Repo) RecordDispatchFailure(ctx context.Context, id int64, attempts int, lastError, nextAttemptAt string, failed bool) error {
	status := domain.DispatchPending
	if failed {
		status = domain.DispatchFailed
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE dispatch_events SET status=?,attempts=?,last_error=?,next_attempt_at=? WHERE id=?`,
		string(status), attempts, lastError, nullable(nextAttemptAt), id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueStalled resets failed and stranded in-flight events to pending.
// Runs at worker start so a crash or exhausted retry budget only parks work
// until the next start.
func (r Repo) RequeueStalled(ctx context.Context) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE dispatch_events SET status='pending', attempts=0, next_attempt_at=NULL WHERE status IN ('failed','in_flight')`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RequeueDispatchEvent resets a single event for an explicit operator retry.
func (r Repo) RequeueDispatchEvent(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE dispatch_events SET status='pending', attempts=0, next_attempt_at=NULL WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountDispatchByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM dispatch_events GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r Repo) setDispatchStatus(ctx context.Context, id int64, status domain.DispatchStatus) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE dispatch_events SET status=? WHERE id=?`, string(status), id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const dispatchColumns = `id,lead_id,kind,COALESCE(step_id,''),fields_json,tags_json,status,attempts,COALESCE(last_error,''),COALESCE(next_attempt_at,''),created_at`

func scanDispatchEvent(row *sql.Row) (domain.DispatchEvent, error) {
	var e domain.DispatchEvent
	var kind, status, fieldsJSON, tagsJSON string
	err := row.Scan(&e.ID, &e.LeadID, &kind, &e.StepID, &fieldsJSON, &tagsJSON, &status, &e.Attempts, &e.LastError, &e.NextAttemptAt, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	return decodeDispatchEvent(e, kind, status, fieldsJSON, tagsJSON)
}

func scanDispatchEventRows(rows *sql.Rows) (domain.DispatchEvent, error) {
	var e domain.DispatchEvent
	var kind, status, fieldsJSON, tagsJSON string
	if err := rows.Scan(&e.ID, &e.LeadID, &kind, &e.StepID, &fieldsJSON, &tagsJSON, &status, &e.Attempts, &e.LastError, &e.NextAttemptAt, &e.CreatedAt); err != nil {
		return e, err
	}
	return decodeDispatchEvent(e, kind, status, fieldsJSON, tagsJSON)
}

func decodeDispatchEvent(e domain.DispatchEvent, kind, status, fieldsJSON, tagsJSON string) (domain.DispatchEvent, error) {
	e.Kind = domain.DispatchKind(kind)
	e.Status = domain.DispatchStatus(status)
	if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
		return e, fmt.Errorf("dispatch event %d fields: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &e.Tags); err != nil {
		return e, fmt.Errorf("dispatch event %d tags: %w", e.ID, err)
	}
	return e, nil
}

func marshalDispatchPayload(e domain.DispatchEvent) (string, string, error) {
	fields := e.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	fb, err := json.Marshal(fields)
	if err != nil {
		return "", "", fmt.Errorf("marshal dispatch fields: %w", err)
	}
	tb, err := json.Marshal(tags)
	if err != nil {
		return "", "", fmt.Errorf("marshal dispatch tags: %w", err)
	}
	return string(fb), string(tb), nil
}
