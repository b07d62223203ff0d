package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"registry-sync-service/internal/core/domain"
	ports "registry-sync-service/internal/core/ports/output"
)

// StalePair joins a deployable source version with its existing target
// package when the two disagree on stage, approval or artifact location.
type StalePair struct {
	Version *domain.SourceModelVersion
	Package *domain.ModelPackage
}

// Diff is the set of operations that brings the target package group into
// agreement with the source registry's current stage assignments. Slices are
// sorted by run_id so passes over the same state plan identically.
//
// A matched package whose artifact location disagrees with the deterministic
// expected location lands in both ToCreate and ToDelete: inference
// specifications are immutable once registered, so relocation is always a
// recreate of the package, never an update.
type Diff struct {
	ToCreate []*domain.SourceModelVersion
	ToUpdate []StalePair
	ToDelete []*domain.ModelPackage

	// Unchanged holds the matched-and-consistent packages. The engine uses
	// them for artifact reference counting before pruning.
	Unchanged []*domain.ModelPackage
}

func (d *Diff) Empty() bool {
	return len(d.ToCreate) == 0 && len(d.ToUpdate) == 0 && len(d.ToDelete) == 0
}

// ResolverService establishes identity correspondence between source model
// versions and target model packages. run_id equality is the only join key;
// version numbers and timestamps are never compared across systems.
type ResolverService struct {
	source ports.SourceRegistry
	target ports.TargetRegistry
	store  ports.ArtifactStore
}

func NewResolverService(source ports.SourceRegistry, target ports.TargetRegistry, store ports.ArtifactStore) *ResolverService {
	return &ResolverService{source: source, target: target, store: store}
}

// Resolve fetches current state from both registries and computes the diff
// for modelName. Any read failure aborts resolution with a retryable error.
func (s *ResolverService) Resolve(ctx context.Context, modelName string) (*Diff, error) {
	versions, err := s.source.ListVersions(ctx, modelName)
	if err != nil {
		if errors.Is(err, domain.ErrResolution) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: list source versions: %v", domain.ErrResolution, err)
	}

	packages, err := s.target.ListPackages(ctx, domain.GroupName(modelName))
	if err != nil {
		return nil, fmt.Errorf("%w: list target packages: %v", domain.ErrResolution, err)
	}

	desired := make(map[string]*domain.SourceModelVersion)
	for _, v := range versions {
		if v.Stage.Deployable() {
			desired[v.RunID] = v
		}
	}

	actual := make(map[string]*domain.ModelPackage)
	for _, p := range packages {
		actual[p.RunID] = p
	}

	diff := &Diff{}
	for runID, v := range desired {
		pkg, ok := actual[runID]
		if !ok {
			diff.ToCreate = append(diff.ToCreate, v)
			continue
		}
		switch {
		case pkg.ArtifactLocation != s.store.Location(domain.ArchiveKey(v.ModelName, v.RunID)):
			diff.ToCreate = append(diff.ToCreate, v)
			diff.ToDelete = append(diff.ToDelete, pkg)
		case s.stale(v, pkg):
			diff.ToUpdate = append(diff.ToUpdate, StalePair{Version: v, Package: pkg})
		default:
			diff.Unchanged = append(diff.Unchanged, pkg)
		}
	}
	for runID, pkg := range actual {
		if _, ok := desired[runID]; !ok {
			diff.ToDelete = append(diff.ToDelete, pkg)
		}
	}

	sort.Slice(diff.ToCreate, func(i, j int) bool { return diff.ToCreate[i].RunID < diff.ToCreate[j].RunID })
	sort.Slice(diff.ToUpdate, func(i, j int) bool { return diff.ToUpdate[i].Version.RunID < diff.ToUpdate[j].Version.RunID })
	sort.Slice(diff.ToDelete, func(i, j int) bool { return diff.ToDelete[i].RunID < diff.ToDelete[j].RunID })

	return diff, nil
}

// stale reports whether the recorded approval or stage disagrees with the
// source version. Both are rewritable in place; artifact location is not and
// is handled separately above.
func (s *ResolverService) stale(v *domain.SourceModelVersion, pkg *domain.ModelPackage) bool {
	return pkg.ApprovalStatus != domain.ApprovalApproved || pkg.SourceStage != v.Stage
}
