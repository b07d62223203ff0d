package domain

import (
	"strconv"
	"strings"
)

type Stage string

const (
	StageNone       Stage = "None"
	StageStaging    Stage = "Staging"
	StageProduction Stage = "Production"
	StageArchived   Stage = "Archived"
)

// Deployable reports whether versions in this stage must be mirrored into
// the target registry.
func (s Stage) Deployable() bool {
	return s == StageStaging || s == StageProduction
}

// Model tags understood by the repackager.
const (
	TagDeployImage  = "sagemaker_deploy_image"
	TagDeployFlavor = "sagemaker_deploy_flavor"
)

// SourceModelVersion is one version of a named model in the source registry.
// RunID is the cross-system correlation key: version numbers are assigned
// independently by each registry and carry no meaning across systems.
type SourceModelVersion struct {
	ModelName   string
	Version     int
	RunID       string
	Stage       Stage
	ArtifactURI string
	Tags        map[string]string
}

// Metadata returns the properties recorded on the mirrored target package.
// The run_id and current stage entries are what identity resolution and
// staleness detection read back on later passes.
func (v *SourceModelVersion) Metadata() map[string]string {
	return map[string]string{
		MetaRunID:        v.RunID,
		MetaCurrentStage: string(v.Stage),
		MetaModelName:    v.ModelName,
		MetaModelVersion: strconv.Itoa(v.Version),
	}
}

// GroupName converts a source model name into the target registry's naming
// alphabet (underscores are not valid in package group names).
func GroupName(modelName string) string {
	return strings.ReplaceAll(modelName, "_", "-")
}

// ArchiveKey is the deterministic storage key for a repackaged model
// archive. Keying by run rather than version keeps repeated repackaging of
// the same run overwrite-safe.
func ArchiveKey(modelName, runID string) string {
	return modelName + "/" + runID + "/model.tar.gz"
}
