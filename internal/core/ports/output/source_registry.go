package ports

import (
	"context"

	"registry-sync-service/internal/core/domain"
)

// SourceRegistry defines the read contract against the upstream model
// registry. Implementations classify failures (retryable vs fatal) but never
// retry beyond the transport's own behaviour.
type SourceRegistry interface {
	// ListVersions returns every version currently registered for the model,
	// regardless of stage. Callers filter to deployable stages.
	ListVersions(ctx context.Context, modelName string) ([]*domain.SourceModelVersion, error)

	// DownloadArtifacts materialises the version's artifact bundle under
	// destDir, preserving the bundle's relative layout.
	DownloadArtifacts(ctx context.Context, version *domain.SourceModelVersion, destDir string) error
}
