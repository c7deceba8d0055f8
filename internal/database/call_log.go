package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flowpbx/agentphone/internal/database/models"
)

const callLogColumns = `id, dialog_id, bridge_id, direction, number, campaign,
	 start_time, answer_time, end_time, duration, hangup_cause, recorded,
	 outcome, notes, disposed_at`

// callLogRepo implements CallLogRepository.
type callLogRepo struct {
	q Querier
}

// NewCallLogRepository creates a new CallLogRepository.
func NewCallLogRepository(db *DB) CallLogRepository {
	return &callLogRepo{q: db.querier()}
}

// Upsert inserts the record or refreshes it when the dialog id already exists.
func (r *callLogRepo) Upsert(ctx context.Context, rec *models.CallLog) error {
	err := r.q.QueryRowContext(ctx,
		`INSERT INTO call_log (dialog_id, bridge_id, direction, number, campaign,
		 start_time, answer_time, end_time, duration, hangup_cause, recorded)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (dialog_id) DO UPDATE SET
		 bridge_id = excluded.bridge_id, answer_time = excluded.answer_time,
		 end_time = excluded.end_time, duration = excluded.duration,
		 hangup_cause = excluded.hangup_cause, recorded = excluded.recorded
		 RETURNING id`,
		rec.DialogID, rec.BridgeID, rec.Direction, rec.Number, rec.Campaign,
		rec.StartTime, rec.AnswerTime, rec.EndTime, rec.Duration,
		rec.HangupCause, rec.Recorded,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("upserting call log: %w", err)
	}
	return nil
}

// GetByDialogID returns the record for a dialog, or nil if none exists.
func (r *callLogRepo) GetByDialogID(ctx context.Context, dialogID string) (*models.CallLog, error) {
	return scanCallLog(r.q.QueryRowContext(ctx,
		`SELECT `+callLogColumns+` FROM call_log WHERE dialog_id = ?`, dialogID,
	))
}

// SetDisposition stores the agent's classification.
func (r *callLogRepo) SetDisposition(ctx context.Context, dialogID string, d models.Disposition, at time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE call_log SET outcome = ?, notes = ?, disposed_at = ? WHERE dialog_id = ?`,
		d.Outcome, d.Notes, at, dialogID,
	)
	if err != nil {
		return fmt.Errorf("updating call log disposition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking updated rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("call log %s not found", dialogID)
	}
	return nil
}

// ListRecent returns the newest records first.
func (r *callLogRepo) ListRecent(ctx context.Context, limit int) ([]models.CallLog, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+callLogColumns+` FROM call_log ORDER BY start_time DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing call log: %w", err)
	}
	defer rows.Close()

	var out []models.CallLog
	for rows.Next() {
		var c models.CallLog
		if err := rows.Scan(callLogDest(&c)...); err != nil {
			return nil, fmt.Errorf("scanning call log row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call log rows: %w", err)
	}
	return out, nil
}

// DeleteDisposedBefore removes classified records that ended before cutoff.
// Records still waiting for classification are kept regardless of age.
func (r *callLogRepo) DeleteDisposedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM call_log WHERE disposed_at IS NOT NULL AND start_time < ?
		 AND dialog_id NOT IN (SELECT dialog_id FROM pending_dispositions)`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired call log: %w", err)
	}
	return res.RowsAffected()
}

func callLogDest(c *models.CallLog) []any {
	return []any{&c.ID, &c.DialogID, &c.BridgeID, &c.Direction, &c.Number,
		&c.Campaign, &c.StartTime, &c.AnswerTime, &c.EndTime, &c.Duration,
		&c.HangupCause, &c.Recorded, &c.Outcome, &c.Notes, &c.DisposedAt}
}

func scanCallLog(row *sql.Row) (*models.CallLog, error) {
	var c models.CallLog
	if err := row.Scan(callLogDest(&c)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning call log: %w", err)
	}
	return &c, nil
}
