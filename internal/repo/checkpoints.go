package repo

import (
	"context"
	"database/sql"

	"leadline/internal/domain"
)

// UpsertCheckpoint overwrites the snapshot for a (lead, step) pair. The
// primary key makes re-marking a step idempotent rather than duplicating.
func (r Repo) UpsertCheckpoint(ctx context.Context, cp domain.ProgressCheckpoint) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO checkpoints(lead_id,step_id,completed_at,snapshot_json) VALUES (?,?,?,?)
ON CONFLICT(lead_id,step_id) DO UPDATE SET completed_at=excluded.completed_at, snapshot_json=excluded.snapshot_json`,
		cp.LeadID, cp.StepID, cp.CompletedAt, cp.Snapshot)
	return err
}

func (r Repo) GetCheckpoint(ctx context.Context, leadID, stepID string) (domain.ProgressCheckpoint, error) {
	var cp domain.ProgressCheckpoint
	err := r.DB.QueryRowContext(ctx, `SELECT lead_id,step_id,completed_at,snapshot_json FROM checkpoints WHERE lead_id=? AND step_id=?`, leadID, stepID).
		Scan(&cp.LeadID, &cp.StepID, &cp.CompletedAt, &cp.Snapshot)
	if err == sql.ErrNoRows {
		return cp, ErrNotFound
	}
	return cp, err
}

func (r Repo) ListCheckpoints(ctx context.Context, leadID string) ([]domain.ProgressCheckpoint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT lead_id,step_id,completed_at,snapshot_json FROM checkpoints WHERE lead_id=? ORDER BY completed_at ASC`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProgressCheckpoint
	for rows.Next() {
		var cp domain.ProgressCheckpoint
		if err := rows.Scan(&cp.LeadID, &cp.StepID, &cp.CompletedAt, &cp.Snapshot); err != nil {
			return nil, err
		}
		res = append(res, cp)
	}
	return res, rows.Err()
}
