package database

import (
	"context"
	"time"

	"github.com/flowpbx/agentphone/internal/database/models"
)

// CallLogRepository manages call detail records for the agent's sessions.
type CallLogRepository interface {
	Upsert(ctx context.Context, rec *models.CallLog) error
	GetByDialogID(ctx context.Context, dialogID string) (*models.CallLog, error)
	SetDisposition(ctx context.Context, dialogID string, d models.Disposition, at time.Time) error
	ListRecent(ctx context.Context, limit int) ([]models.CallLog, error)
	DeleteDisposedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DispositionRepository tracks sessions that ended but were not yet classified.
type DispositionRepository interface {
	Add(ctx context.Context, dialogID string, at time.Time) error
	Latest(ctx context.Context) (*models.CallLog, error)
	Remove(ctx context.Context, dialogID string) error
}

// MissedCallRepository manages unanswered inbound calls.
type MissedCallRepository interface {
	Create(ctx context.Context, m *models.MissedCall) error
	ListByCampaign(ctx context.Context, campaign string, limit int) ([]models.MissedCall, error)
	CountByCampaign(ctx context.Context, campaign string) (int64, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
