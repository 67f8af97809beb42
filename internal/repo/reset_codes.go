package repo

import (
	"context"
	"database/sql"
	"time"
)

// SetResetCode stores the hashed reset code and its expiry for a lead,
// replacing any earlier one. Only the hash ever touches the database.
func (r Repo) SetResetCode(ctx context.Context, leadID, codeHash string, expiresAt time.Time) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE leads SET reset_code_hash=?, reset_code_expires_at=? WHERE id=?`,
		codeHash, expiresAt.UTC().Format(time.RFC3339), leadID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetResetCode returns the stored hash and expiry for a lead. ErrNotFound
// means the lead has no outstanding reset code.
func (r Repo) GetResetCode(ctx context.Context, leadID string) (string, time.Time, error) {
	var hash, expiry sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT reset_code_hash, reset_code_expires_at FROM leads WHERE id=?`, leadID).
		Scan(&hash, &expiry)
	if err == sql.ErrNoRows {
		return "", time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, err
	}
	if !hash.Valid || !expiry.Valid {
		return "", time.Time{}, ErrNotFound
	}
	at, err := time.Parse(time.RFC3339, expiry.String)
	if err != nil {
		return "", time.Time{}, err
	}
	return hash.String, at, nil
}

// ClearResetCode removes any outstanding reset code for a lead.
func (r Repo) ClearResetCode(ctx context.Context, leadID string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE leads SET reset_code_hash=NULL, reset_code_expires_at=NULL WHERE id=?`, leadID)
	return err
}

// ReplaceResumeCode overwrites a lead's resume code. This is the one write
// that bypasses the set-once merge rule: a verified reset invalidates the
// old code on purpose.
func (r Repo) ReplaceResumeCode(ctx context.Context, leadID, code string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE leads SET resume_code=?, updated_at=? WHERE id=?`,
		code, time.Now().UTC().Format(time.RFC3339), leadID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
