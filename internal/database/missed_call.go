package database

import (
	"context"
	"fmt"
	"time"

	"github.com/flowpbx/agentphone/internal/database/models"
)

// missedCallRepo implements MissedCallRepository.
type missedCallRepo struct {
	q Querier
}

// NewMissedCallRepository creates a new MissedCallRepository.
func NewMissedCallRepository(db *DB) MissedCallRepository {
	return &missedCallRepo{q: db.querier()}
}

// Create records an unanswered inbound call.
func (r *missedCallRepo) Create(ctx context.Context, m *models.MissedCall) error {
	err := r.q.QueryRowContext(ctx,
		`INSERT INTO missed_calls (dialog_id, number, campaign, reason, at)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`,
		m.DialogID, m.Number, m.Campaign, m.Reason, m.At,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("inserting missed call: %w", err)
	}
	return nil
}

// ListByCampaign returns the newest missed calls for a campaign. An empty
// campaign matches every call.
func (r *missedCallRepo) ListByCampaign(ctx context.Context, campaign string, limit int) ([]models.MissedCall, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, dialog_id, number, campaign, reason, at FROM missed_calls
		 WHERE (? = '' OR campaign = ?) ORDER BY at DESC LIMIT ?`,
		campaign, campaign, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing missed calls: %w", err)
	}
	defer rows.Close()

	var out []models.MissedCall
	for rows.Next() {
		var m models.MissedCall
		if err := rows.Scan(&m.ID, &m.DialogID, &m.Number, &m.Campaign, &m.Reason, &m.At); err != nil {
			return nil, fmt.Errorf("scanning missed call row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating missed call rows: %w", err)
	}
	return out, nil
}

// CountByCampaign returns how many calls were missed for a campaign. An
// empty campaign counts every call.
func (r *missedCallRepo) CountByCampaign(ctx context.Context, campaign string) (int64, error) {
	var n int64
	if err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM missed_calls WHERE (? = '' OR campaign = ?)`,
		campaign, campaign,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting missed calls: %w", err)
	}
	return n, nil
}

// DeleteBefore removes missed calls recorded before cutoff.
func (r *missedCallRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM missed_calls WHERE at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired missed calls: %w", err)
	}
	return res.RowsAffected()
}
