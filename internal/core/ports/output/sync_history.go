package ports

import (
	"context"

	"registry-sync-service/internal/core/domain"
)

type SyncListFilter struct {
	ModelName string
	Limit     int
}

// SyncHistoryRepository persists reconciliation pass results. This is the
// operator-visible channel for fatal failures; the engine works fine
// without it (nil repository) and never lets a history write fail a pass.
type SyncHistoryRepository interface {
	RecordPass(ctx context.Context, report *domain.SyncReport) error
	ListRecent(ctx context.Context, filter SyncListFilter) ([]*domain.SyncReport, error)
}
