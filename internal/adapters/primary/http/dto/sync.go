package dto

import (
	"time"

	"github.com/google/uuid"

	"registry-sync-service/internal/core/domain"
)

// ============================================================================
// Sync Trigger DTOs
// ============================================================================

// WebhookEvent is the stage-transition payload posted by the source
// registry's webhook. The engine treats it purely as a trigger.
type WebhookEvent struct {
	ModelName string `json:"model_name" binding:"required"`
	Version   int    `json:"version"`
	ToStage   string `json:"to_stage"`
}

type SyncRequest struct {
	ModelName string `json:"model_name" binding:"required"`
}

type WebhookAcceptedResponse struct {
	NotificationID uuid.UUID `json:"notification_id"`
	ModelName      string    `json:"model_name"`
	Message        string    `json:"message"`
}

// ============================================================================
// Sync Report DTOs
// ============================================================================

type RunOutcomeResponse struct {
	RunID      string `json:"run_id"`
	Action     string `json:"action"`
	Status     string `json:"status"`
	PackageARN string `json:"package_arn,omitempty"`
	Error      string `json:"error,omitempty"`
}

type SyncReportResponse struct {
	ID             uuid.UUID            `json:"id"`
	NotificationID uuid.UUID            `json:"notification_id"`
	ModelName      string               `json:"model_name"`
	StartedAt      time.Time            `json:"started_at"`
	FinishedAt     time.Time            `json:"finished_at"`
	Succeeded      int                  `json:"succeeded"`
	Retryable      int                  `json:"retryable_failures"`
	Fatal          int                  `json:"fatal_failures"`
	Outcomes       []RunOutcomeResponse `json:"outcomes"`
}

type ListSyncReportsResponse struct {
	Items []SyncReportResponse `json:"items"`
	Total int                  `json:"total"`
}

func ToSyncReportResponse(report *domain.SyncReport) SyncReportResponse {
	outcomes := make([]RunOutcomeResponse, 0, len(report.Outcomes))
	for _, o := range report.Outcomes {
		outcomes = append(outcomes, RunOutcomeResponse{
			RunID:      o.RunID,
			Action:     string(o.Action),
			Status:     string(o.Status),
			PackageARN: o.PackageARN,
			Error:      o.Error,
		})
	}

	succeeded, retryable, fatal := report.Counts()
	return SyncReportResponse{
		ID:             report.ID,
		NotificationID: report.NotificationID,
		ModelName:      report.ModelName,
		StartedAt:      report.StartedAt,
		FinishedAt:     report.FinishedAt,
		Succeeded:      succeeded,
		Retryable:      retryable,
		Fatal:          fatal,
		Outcomes:       outcomes,
	}
}
