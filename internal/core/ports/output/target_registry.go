package ports

import (
	"context"

	"registry-sync-service/internal/core/domain"
)

// PackageSpec describes a model package to register in the target registry.
type PackageSpec struct {
	GroupName        string
	ArtifactLocation string
	ImageURI         string
	Environment      map[string]string
	Metadata         map[string]string
	Description      string
}

// TargetRegistry defines the write contract against the downstream model
// package registry. Errors are pre-classified by the adapter; callers own
// the retry policy.
type TargetRegistry interface {
	// EnsureGroup creates the package group if it does not exist yet.
	EnsureGroup(ctx context.Context, groupName string) error

	// ListPackages returns the packages in the group that carry a source
	// run_id in their metadata.
	ListPackages(ctx context.Context, groupName string) ([]*domain.ModelPackage, error)

	// CreatePackage registers a new approved package and returns its handle.
	CreatePackage(ctx context.Context, spec *PackageSpec) (string, error)

	// UpdateApproval sets the approval status and replaces the source
	// metadata recorded on an existing package.
	UpdateApproval(ctx context.Context, packageARN string, status domain.ApprovalStatus, metadata map[string]string) error

	// DeletePackage deregisters a package.
	DeletePackage(ctx context.Context, packageARN string) error
}
