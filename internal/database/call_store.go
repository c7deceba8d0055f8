package database

import (
	"context"
	"fmt"
	"time"

	"github.com/flowpbx/agentphone/internal/database/models"
)

// CallStore persists the call-control engine's records. Freezing a session
// writes the call log and the pending-disposition marker in one transaction
// so a restart between hangup and classification can re-present the form.
type CallStore struct {
	db     *DB
	missed MissedCallRepository
}

// NewCallStore creates a CallStore over db.
func NewCallStore(db *DB) *CallStore {
	return &CallStore{db: db, missed: NewMissedCallRepository(db)}
}

// SaveCall writes the frozen session and marks it as awaiting classification.
func (s *CallStore) SaveCall(ctx context.Context, rec *models.CallLog) error {
	return s.db.InTx(ctx, func(q Querier) error {
		if err := (&callLogRepo{q: q}).Upsert(ctx, rec); err != nil {
			return err
		}
		at := rec.StartTime
		if rec.EndTime != nil {
			at = *rec.EndTime
		}
		return (&dispositionRepo{q: q}).Add(ctx, rec.DialogID, at)
	})
}

// LoadPending returns the unclassified session left over from a previous
// run, or nil.
func (s *CallStore) LoadPending(ctx context.Context) (*models.CallLog, error) {
	return (&dispositionRepo{q: s.db.querier()}).Latest(ctx)
}

// CompleteCall stores the classification and clears the pending marker.
func (s *CallStore) CompleteCall(ctx context.Context, dialogID string, d models.Disposition, at time.Time) error {
	return s.db.InTx(ctx, func(q Querier) error {
		if err := (&callLogRepo{q: q}).SetDisposition(ctx, dialogID, d, at); err != nil {
			return err
		}
		return (&dispositionRepo{q: q}).Remove(ctx, dialogID)
	})
}

// RecordMissed stores an unanswered inbound call.
func (s *CallStore) RecordMissed(ctx context.Context, m *models.MissedCall) error {
	if err := s.missed.Create(ctx, m); err != nil {
		return fmt.Errorf("recording missed call: %w", err)
	}
	return nil
}
