package domain

import (
	"time"

	"github.com/google/uuid"
)

// Notification is a stage-transition event for one model. It is purely a
// trigger: the engine re-resolves full current state for the model on every
// pass and never treats the carried version or stage as truth.
type Notification struct {
	ID        uuid.UUID
	ModelName string
	Version   int
	ToStage   Stage
}

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeRetryable OutcomeStatus = "failed_retryable"
	OutcomeFatal     OutcomeStatus = "failed_fatal"
)

// RunOutcome is the result of one operation on one run_id within a pass.
type RunOutcome struct {
	RunID      string
	Action     Action
	Status     OutcomeStatus
	PackageARN string
	Error      string
}

// SyncReport aggregates the per-run_id outcomes of one reconciliation pass.
// A converged pass has no outcomes at all.
type SyncReport struct {
	ID             uuid.UUID
	NotificationID uuid.UUID
	ModelName      string
	StartedAt      time.Time
	FinishedAt     time.Time
	Outcomes       []RunOutcome
}

// Counts returns the number of succeeded, retryable-failed and fatal-failed
// operations in the pass.
func (r *SyncReport) Counts() (succeeded, retryable, fatal int) {
	for _, o := range r.Outcomes {
		switch o.Status {
		case OutcomeSucceeded:
			succeeded++
		case OutcomeRetryable:
			retryable++
		case OutcomeFatal:
			fatal++
		}
	}
	return succeeded, retryable, fatal
}
