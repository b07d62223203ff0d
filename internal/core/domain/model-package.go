package domain

type ApprovalStatus string

const (
	ApprovalApproved ApprovalStatus = "Approved"
	ApprovalRejected ApprovalStatus = "Rejected"
	ApprovalPending  ApprovalStatus = "PendingManualApproval"
)

// Customer metadata keys carried on every package this service creates.
const (
	MetaRunID        = "mlflow_run_id"
	MetaCurrentStage = "mlflow_current_stage"
	MetaModelName    = "mlflow_model_name"
	MetaModelVersion = "mlflow_model_version"
)

// ModelPackage is one entry in the target registry's package group for a
// model. Packages without a run_id in their metadata were not created by
// this service and are ignored by reconciliation.
type ModelPackage struct {
	ARN              string
	RunID            string
	ApprovalStatus   ApprovalStatus
	ArtifactLocation string
	ImageURI         string
	SourceStage      Stage
	Metadata         map[string]string
}
