package database

import (
	"context"
	"fmt"
	"time"

	"github.com/flowpbx/agentphone/internal/database/models"
)

// dispositionRepo implements DispositionRepository.
type dispositionRepo struct {
	q Querier
}

// NewDispositionRepository creates a new DispositionRepository.
func NewDispositionRepository(db *DB) DispositionRepository {
	return &dispositionRepo{q: db.querier()}
}

// Add marks a logged call as awaiting classification.
func (r *dispositionRepo) Add(ctx context.Context, dialogID string, at time.Time) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO pending_dispositions (dialog_id, created_at) VALUES (?, ?)
		 ON CONFLICT (dialog_id) DO NOTHING`,
		dialogID, at,
	)
	if err != nil {
		return fmt.Errorf("inserting pending disposition: %w", err)
	}
	return nil
}

// Latest returns the most recent unclassified call, or nil.
func (r *dispositionRepo) Latest(ctx context.Context) (*models.CallLog, error) {
	return scanCallLog(r.q.QueryRowContext(ctx,
		`SELECT c.id, c.dialog_id, c.bridge_id, c.direction, c.number, c.campaign,
		 c.start_time, c.answer_time, c.end_time, c.duration, c.hangup_cause, c.recorded,
		 c.outcome, c.notes, c.disposed_at
		 FROM pending_dispositions p JOIN call_log c ON c.dialog_id = p.dialog_id
		 ORDER BY p.created_at DESC LIMIT 1`,
	))
}

// Remove clears the pending marker for a dialog.
func (r *dispositionRepo) Remove(ctx context.Context, dialogID string) error {
	if _, err := r.q.ExecContext(ctx,
		`DELETE FROM pending_dispositions WHERE dialog_id = ?`, dialogID,
	); err != nil {
		return fmt.Errorf("deleting pending disposition: %w", err)
	}
	return nil
}
