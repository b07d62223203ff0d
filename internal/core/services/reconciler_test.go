package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"registry-sync-service/internal/core/domain"
	ports "registry-sync-service/internal/core/ports/output"
	"registry-sync-service/internal/testutil"
)

const sklearnImage = "123456789012.dkr.ecr.us-east-1.amazonaws.com/sklearn-serving:1"

var testOptions = ReconcilerOptions{
	MaxParallel:   2,
	RetryAttempts: 2,
	RetryDelay:    time.Millisecond,
}

type reconcilerFixture struct {
	source  *testutil.MockSourceRegistry
	target  *testutil.MockTargetRegistry
	store   *testutil.MockArtifactStore
	history *testutil.MockSyncHistoryRepo
	svc     *ReconcilerService
}

func newReconcilerFixture() *reconcilerFixture {
	f := &reconcilerFixture{
		source:  new(testutil.MockSourceRegistry),
		target:  new(testutil.MockTargetRegistry),
		store:   new(testutil.MockArtifactStore),
		history: new(testutil.MockSyncHistoryRepo),
	}
	resolver := NewResolverService(f.source, f.target, f.store)
	repackager := NewRepackagerService(f.source, f.store, map[string]string{"sklearn": sklearnImage})
	f.svc = NewReconcilerService(resolver, repackager, f.target, f.store, f.history, testOptions)
	return f
}

func notification(modelName string) domain.Notification {
	return domain.Notification{ID: uuid.New(), ModelName: modelName}
}

// writeSklearnBundle materializes a minimal downloaded bundle in destDir.
func writeSklearnBundle(t *testing.T, destDir string) {
	t.Helper()
	manifest := "flavors:\n  sklearn:\n    pickled_model: model.pkl\n  python_function:\n    loader_module: mlflow.sklearn\n"
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "MLmodel"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "model.pkl"), []byte("pickled"), 0o644))
}

func expectDownload(t *testing.T, source *testutil.MockSourceRegistry, runID string) *mock.Call {
	return source.On("DownloadArtifacts", mock.Anything,
		mock.MatchedBy(func(v *domain.SourceModelVersion) bool { return v.RunID == runID }),
		mock.AnythingOfType("string")).
		Run(func(args mock.Arguments) {
			writeSklearnBundle(t, args.String(2))
		}).Return(nil)
}

func TestReconcile_EmptyModelName(t *testing.T) {
	f := newReconcilerFixture()

	_, err := f.svc.Reconcile(context.Background(), domain.Notification{ID: uuid.New()})
	assert.ErrorIs(t, err, domain.ErrInvalidModelName)
}

func TestReconcile_Converged(t *testing.T) {
	f := newReconcilerFixture()

	f.source.On("ListVersions", mock.Anything, "churn_model").Return([]*domain.SourceModelVersion{
		{ModelName: "churn_model", Version: 1, RunID: "r1", Stage: domain.StageProduction},
	}, nil)
	f.target.On("ListPackages", mock.Anything, "churn-model").
		Return([]*domain.ModelPackage{approvedPackage("churn_model", "r1", domain.StageProduction)}, nil)
	f.history.On("RecordPass", mock.Anything, mock.Anything).Return(nil)

	report, err := f.svc.Reconcile(context.Background(), notification("churn_model"))
	require.NoError(t, err)
	assert.Empty(t, report.Outcomes)

	f.target.AssertNotCalled(t, "CreatePackage", mock.Anything, mock.Anything)
	f.target.AssertNotCalled(t, "UpdateApproval", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.target.AssertNotCalled(t, "DeletePackage", mock.Anything, mock.Anything)
	f.history.AssertCalled(t, "RecordPass", mock.Anything, mock.Anything)
}

func TestReconcile_Create(t *testing.T) {
	f := newReconcilerFixture()

	v := &domain.SourceModelVersion{ModelName: "churn_model", Version: 2, RunID: "r2", Stage: domain.StageStaging}
	key := domain.ArchiveKey("churn_model", "r2")

	f.source.On("ListVersions", mock.Anything, "churn_model").Return([]*domain.SourceModelVersion{v}, nil)
	f.target.On("ListPackages", mock.Anything, "churn-model").Return([]*domain.ModelPackage{}, nil)
	f.target.On("EnsureGroup", mock.Anything, "churn-model").Return(nil)
	expectDownload(t, f.source, "r2")
	f.store.On("Exists", mock.Anything, key).Return(false, nil)
	f.store.On("Put", mock.Anything, key, mock.Anything).Return("s3://test-bucket/"+key, nil)
	f.target.On("CreatePackage", mock.Anything, mock.MatchedBy(func(spec *ports.PackageSpec) bool {
		return spec.GroupName == "churn-model" &&
			spec.ArtifactLocation == "s3://test-bucket/"+key &&
			spec.ImageURI == sklearnImage &&
			spec.Metadata[domain.MetaRunID] == "r2" &&
			spec.Metadata[domain.MetaCurrentStage] == "Staging"
	})).Return("arn:pkg/r2", nil)
	f.history.On("RecordPass", mock.Anything, mock.Anything).Return(nil)

	report, err := f.svc.Reconcile(context.Background(), notification("churn_model"))
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, domain.ActionCreate, report.Outcomes[0].Action)
	assert.Equal(t, domain.OutcomeSucceeded, report.Outcomes[0].Status)
	assert.Equal(t, "arn:pkg/r2", report.Outcomes[0].PackageARN)
}

func TestReconcile_Update_StaleStage(t *testing.T) {
	f := newReconcilerFixture()

	v := &domain.SourceModelVersion{ModelName: "churn_model", Version: 1, RunID: "r1", Stage: domain.StageProduction}
	pkg := approvedPackage("churn_model", "r1", domain.StageStaging)

	f.source.On("ListVersions", mock.Anything, "churn_model").Return([]*domain.SourceModelVersion{v}, nil)
	f.target.On("ListPackages", mock.Anything, "churn-model").Return([]*domain.ModelPackage{pkg}, nil)
	f.target.On("UpdateApproval", mock.Anything, pkg.ARN, domain.ApprovalApproved,
		mock.MatchedBy(func(meta map[string]string) bool {
			return meta[domain.MetaCurrentStage] == "Production" && meta[domain.MetaRunID] == "r1"
		})).Return(nil)
	f.history.On("RecordPass", mock.Anything, mock.Anything).Return(nil)

	report, err := f.svc.Reconcile(context.Background(), notification("churn_model"))
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, domain.ActionUpdate, report.Outcomes[0].Action)
	assert.Equal(t, domain.OutcomeSucceeded, report.Outcomes[0].Status)

	// Archive location already matched, so no repackaging happened.
	f.source.AssertNotCalled(t, "DownloadArtifacts", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcile_Delete_PrunesArchiveAfterDeregistration(t *testing.T) {
	f := newReconcilerFixture()

	pkg := approvedPackage("churn_model", "r1", domain.StageProduction)
	key := domain.ArchiveKey("churn_model", "r1")

	var mu sync.Mutex
	var calls []string
	observe := func(name string) {
		mu.Lock()
		calls = append(calls, name)
		mu.Unlock()
	}

	f.source.On("ListVersions", mock.Anything, "churn_model").Return([]*domain.SourceModelVersion{
		{ModelName: "churn_model", Version: 1, RunID: "r1", Stage: domain.StageArchived},
	}, nil)
	f.target.On("ListPackages", mock.Anything, "churn-model").Return([]*domain.ModelPackage{pkg}, nil)
	f.target.On("DeletePackage", mock.Anything, pkg.ARN).
		Run(func(mock.Arguments) { observe("deregister") }).Return(nil)
	f.store.On("Delete", mock.Anything, key).
		Run(func(mock.Arguments) { observe("prune") }).Return(nil)
	f.history.On("RecordPass", mock.Anything, mock.Anything).Return(nil)

	report, err := f.svc.Reconcile(context.Background(), notification("churn_model"))
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, domain.ActionDelete, report.Outcomes[0].Action)
	assert.Equal(t, domain.OutcomeSucceeded, report.Outcomes[0].Status)
	assert.Equal(t, []string{"deregister", "prune"}, calls)
}

func TestReconcile_DeleteFails_ArchiveKept(t *testing.T) {
	f := newReconcilerFixture()

	pkg := approvedPackage("churn_model", "r1", domain.StageProduction)

	f.source.On("ListVersions", mock.Anything, "churn_model").
		Return([]*domain.SourceModelVersion{}, nil)
	f.target.On("ListPackages", mock.Anything, "churn-model").Return([]*domain.ModelPackage{pkg}, nil)
	f.target.On("DeletePackage", mock.Anything, pkg.ARN).
		Return(fmt.Errorf("%w: delete package: throttled", domain.ErrRegistration))
	f.history.On("RecordPass", mock.Anything, mock.Anything).Return(nil)

	report, err := f.svc.Reconcile(context.Background(), notification("churn_model"))
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, domain.OutcomeRetryable, report.Outcomes[0].Status)

	f.store.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
	f.target.AssertNumberOfCalls(t, "DeletePackage", testOptions.RetryAttempts)
}

func TestReconcile_CreateBeforeDelete(t *testing.T) {
	f := newReconcilerFixture()

	v := &domain.SourceModelVersion{ModelName: "churn_model", Version: 2, RunID: "r2", Stage: domain.StageProduction}
	old := approvedPackage("churn_model", "r1", domain.StageProduction)
	key := domain.ArchiveKey("churn_model", "r2")

	var mu sync.Mutex
	var calls []string
	observe := func(name string) {
		mu.Lock()
		calls = append(calls, name)
		mu.Unlock()
	}

	f.source.On("ListVersions", mock.Anything, "churn_model").Return([]*domain.SourceModelVersion{v}, nil)
	f.target.On("ListPackages", mock.Anything, "churn-model").Return([]*domain.ModelPackage{old}, nil)
	f.target.On("EnsureGroup", mock.Anything, "churn-model").Return(nil)
	expectDownload(t, f.source, "r2")
	f.store.On("Exists", mock.Anything, key).Return(false, nil)
	f.store.On("Put", mock.Anything, key, mock.Anything).Return("s3://test-bucket/"+key, nil)
	f.target.On("CreatePackage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { observe("create") }).Return("arn:pkg/r2", nil)
	f.target.On("DeletePackage", mock.Anything, old.ARN).
		Run(func(mock.Arguments) { observe("delete") }).Return(nil)
	f.store.On("Delete", mock.Anything, domain.ArchiveKey("churn_model", "r1")).Return(nil)
	f.history.On("RecordPass", mock.Anything, mock.Anything).Return(nil)

	report, err := f.svc.Reconcile(context.Background(), notification("churn_model"))
	require.NoError(t, err)
	assert.Len(t, report.Outcomes, 2)
	assert.Equal(t, []string{"create", "delete"}, calls)
}

// A run that cannot be repackaged must not block the rest of the pass.
func TestReconcile_PartialFailureIsolation(t *testing.T) {
	f := newReconcilerFixture()

	broken := &domain.SourceModelVersion{
		ModelName: "churn_model", Version: 3, RunID: "r-broken", Stage: domain.StageStaging,
		Tags: map[string]string{domain.TagDeployFlavor: "h2o"},
	}
	healthy := &domain.SourceModelVersion{ModelName: "churn_model", Version: 4, RunID: "r-healthy", Stage: domain.StageProduction}
	key := domain.ArchiveKey("churn_model", "r-healthy")

	f.source.On("ListVersions", mock.Anything, "churn_model").
		Return([]*domain.SourceModelVersion{broken, healthy}, nil)
	f.target.On("ListPackages", mock.Anything, "churn-model").Return([]*domain.ModelPackage{}, nil)
	f.target.On("EnsureGroup", mock.Anything, "churn-model").Return(nil)
	expectDownload(t, f.source, "r-broken")
	expectDownload(t, f.source, "r-healthy")
	f.store.On("Exists", mock.Anything, key).Return(false, nil)
	f.store.On("Put", mock.Anything, key, mock.Anything).Return("s3://test-bucket/"+key, nil)
	f.target.On("CreatePackage", mock.Anything, mock.MatchedBy(func(spec *ports.PackageSpec) bool {
		return spec.Metadata[domain.MetaRunID] == "r-healthy"
	})).Return("arn:pkg/r-healthy", nil)
	f.history.On("RecordPass", mock.Anything, mock.Anything).Return(nil)

	report, err := f.svc.Reconcile(context.Background(), notification("churn_model"))
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 2)

	byRun := make(map[string]domain.RunOutcome)
	for _, o := range report.Outcomes {
		byRun[o.RunID] = o
	}
	assert.Equal(t, domain.OutcomeFatal, byRun["r-broken"].Status)
	assert.Contains(t, byRun["r-broken"].Error, "no serving image")
	assert.Equal(t, domain.OutcomeSucceeded, byRun["r-healthy"].Status)

	succeeded, retryable, fatal := report.Counts()
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, retryable)
	assert.Equal(t, 1, fatal)
}

func TestReconcile_RetryableCreate_RetriedThenReported(t *testing.T) {
	f := newReconcilerFixture()

	v := &domain.SourceModelVersion{ModelName: "churn_model", Version: 2, RunID: "r2", Stage: domain.StageStaging}
	key := domain.ArchiveKey("churn_model", "r2")

	f.source.On("ListVersions", mock.Anything, "churn_model").Return([]*domain.SourceModelVersion{v}, nil)
	f.target.On("ListPackages", mock.Anything, "churn-model").Return([]*domain.ModelPackage{}, nil)
	f.target.On("EnsureGroup", mock.Anything, "churn-model").Return(nil)
	expectDownload(t, f.source, "r2")
	f.store.On("Exists", mock.Anything, key).Return(false, nil).Once()
	f.store.On("Exists", mock.Anything, key).Return(true, nil)
	f.store.On("Put", mock.Anything, key, mock.Anything).Return("s3://test-bucket/"+key, nil)
	f.target.On("CreatePackage", mock.Anything, mock.Anything).
		Return("", fmt.Errorf("%w: create package: throttled", domain.ErrRegistration))
	f.history.On("RecordPass", mock.Anything, mock.Anything).Return(nil)

	report, err := f.svc.Reconcile(context.Background(), notification("churn_model"))
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, domain.OutcomeRetryable, report.Outcomes[0].Status)
	f.target.AssertNumberOfCalls(t, "CreatePackage", testOptions.RetryAttempts)
}

func TestReconcile_ResolutionFailure_NoMutations(t *testing.T) {
	f := newReconcilerFixture()

	f.source.On("ListVersions", mock.Anything, "churn_model").
		Return(nil, fmt.Errorf("%w: tracking server unreachable", domain.ErrResolution))

	_, err := f.svc.Reconcile(context.Background(), notification("churn_model"))
	assert.ErrorIs(t, err, domain.ErrResolution)

	f.target.AssertNotCalled(t, "CreatePackage", mock.Anything, mock.Anything)
	f.target.AssertNotCalled(t, "DeletePackage", mock.Anything, mock.Anything)
	f.history.AssertNotCalled(t, "RecordPass", mock.Anything, mock.Anything)
}

// fakeTarget is a stateful in-memory TargetRegistry for convergence tests.
type fakeTarget struct {
	mu       sync.Mutex
	groups   map[string]bool
	packages map[string]*fakePackage
	nextID   int
}

type fakePackage struct {
	group string
	pkg   domain.ModelPackage
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{groups: make(map[string]bool), packages: make(map[string]*fakePackage)}
}

func (f *fakeTarget) EnsureGroup(_ context.Context, groupName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[groupName] = true
	return nil
}

func (f *fakeTarget) ListPackages(_ context.Context, groupName string) ([]*domain.ModelPackage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ModelPackage
	for _, fp := range f.packages {
		if fp.group == groupName {
			pkg := fp.pkg
			out = append(out, &pkg)
		}
	}
	return out, nil
}

func (f *fakeTarget) CreatePackage(_ context.Context, spec *ports.PackageSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	arn := fmt.Sprintf("arn:fake:%s/%d", spec.GroupName, f.nextID)
	f.packages[arn] = &fakePackage{
		group: spec.GroupName,
		pkg: domain.ModelPackage{
			ARN:              arn,
			RunID:            spec.Metadata[domain.MetaRunID],
			ApprovalStatus:   domain.ApprovalApproved,
			ArtifactLocation: spec.ArtifactLocation,
			ImageURI:         spec.ImageURI,
			SourceStage:      domain.Stage(spec.Metadata[domain.MetaCurrentStage]),
			Metadata:         spec.Metadata,
		},
	}
	return arn, nil
}

func (f *fakeTarget) UpdateApproval(_ context.Context, packageARN string, status domain.ApprovalStatus, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, ok := f.packages[packageARN]
	if !ok {
		return fmt.Errorf("%w: package %s not found", domain.ErrRegistration, packageARN)
	}
	fp.pkg.ApprovalStatus = status
	fp.pkg.Metadata = metadata
	fp.pkg.SourceStage = domain.Stage(metadata[domain.MetaCurrentStage])
	return nil
}

func (f *fakeTarget) DeletePackage(_ context.Context, packageARN string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.packages, packageARN)
	return nil
}

func (f *fakeTarget) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.packages)
}

// fakeSource serves a mutable version list and writes real bundles.
type fakeSource struct {
	mu       sync.Mutex
	versions []*domain.SourceModelVersion
}

func (f *fakeSource) ListVersions(_ context.Context, _ string) ([]*domain.SourceModelVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.SourceModelVersion, len(f.versions))
	copy(out, f.versions)
	return out, nil
}

func (f *fakeSource) DownloadArtifacts(_ context.Context, _ *domain.SourceModelVersion, destDir string) error {
	manifest := "flavors:\n  sklearn:\n    pickled_model: model.pkl\n"
	if err := os.WriteFile(filepath.Join(destDir, "MLmodel"), []byte(manifest), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(destDir, "model.pkl"), []byte("pickled"), 0o644)
}

func (f *fakeSource) setStage(runID string, stage domain.Stage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.versions {
		if v.RunID == runID {
			v.Stage = stage
		}
	}
}

// Repeated passes over settled state plan nothing, and a stage change
// converges the registry in one pass.
func TestReconcile_Convergence(t *testing.T) {
	source := &fakeSource{versions: []*domain.SourceModelVersion{
		{ModelName: "churn_model", Version: 2, RunID: "r2", Stage: domain.StageStaging},
	}}
	target := newFakeTarget()
	store := testutil.NewMemArtifactStore()

	resolver := NewResolverService(source, target, store)
	repackager := NewRepackagerService(source, store, map[string]string{"sklearn": sklearnImage})
	svc := NewReconcilerService(resolver, repackager, target, store, nil, testOptions)

	ctx := context.Background()
	key := domain.ArchiveKey("churn_model", "r2")

	report, err := svc.Reconcile(ctx, notification("churn_model"))
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, domain.ActionCreate, report.Outcomes[0].Action)
	assert.Equal(t, 1, target.count())
	_, stored := store.Get(key)
	assert.True(t, stored)

	// Second pass over unchanged state is a no-op.
	report, err = svc.Reconcile(ctx, notification("churn_model"))
	require.NoError(t, err)
	assert.Empty(t, report.Outcomes)
	assert.Equal(t, 1, target.count())

	// Promotion rewrites the package in place.
	source.setStage("r2", domain.StageProduction)
	report, err = svc.Reconcile(ctx, notification("churn_model"))
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, domain.ActionUpdate, report.Outcomes[0].Action)
	assert.Equal(t, 1, target.count())

	// Archiving removes package and archive, then further passes are no-ops.
	source.setStage("r2", domain.StageArchived)
	report, err = svc.Reconcile(ctx, notification("churn_model"))
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, domain.ActionDelete, report.Outcomes[0].Action)
	assert.Equal(t, 0, target.count())
	_, stored = store.Get(key)
	assert.False(t, stored)

	report, err = svc.Reconcile(ctx, notification("churn_model"))
	require.NoError(t, err)
	assert.Empty(t, report.Outcomes)
}

// A package registered against an old artifact location is recreated at the
// deterministic location in one pass; the next pass plans nothing.
func TestReconcile_RelocatedArtifact_ConvergesInOnePass(t *testing.T) {
	source := &fakeSource{versions: []*domain.SourceModelVersion{
		{ModelName: "churn_model", Version: 1, RunID: "r1", Stage: domain.StageProduction},
	}}
	target := newFakeTarget()
	store := testutil.NewMemArtifactStore()

	seedARN := "arn:fake:churn-model/seed"
	target.packages[seedARN] = &fakePackage{
		group: "churn-model",
		pkg: domain.ModelPackage{
			ARN:              seedARN,
			RunID:            "r1",
			ApprovalStatus:   domain.ApprovalApproved,
			ArtifactLocation: "s3://old-bucket/churn_model/r1/model.tar.gz",
			SourceStage:      domain.StageProduction,
		},
	}

	resolver := NewResolverService(source, target, store)
	repackager := NewRepackagerService(source, store, map[string]string{"sklearn": sklearnImage})
	svc := NewReconcilerService(resolver, repackager, target, store, nil, testOptions)

	ctx := context.Background()
	key := domain.ArchiveKey("churn_model", "r1")

	report, err := svc.Reconcile(ctx, notification("churn_model"))
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 2)

	byAction := make(map[domain.Action]domain.RunOutcome)
	for _, o := range report.Outcomes {
		byAction[o.Action] = o
	}
	assert.Equal(t, domain.OutcomeSucceeded, byAction[domain.ActionCreate].Status)
	assert.Equal(t, domain.OutcomeSucceeded, byAction[domain.ActionDelete].Status)
	assert.Equal(t, seedARN, byAction[domain.ActionDelete].PackageARN)

	require.Equal(t, 1, target.count())
	replacement, err := target.ListPackages(ctx, "churn-model")
	require.NoError(t, err)
	assert.Equal(t, store.Location(key), replacement[0].ArtifactLocation)

	// The recreate's archive survives the old package's removal.
	_, stored := store.Get(key)
	assert.True(t, stored)

	report, err = svc.Reconcile(ctx, notification("churn_model"))
	require.NoError(t, err)
	assert.Empty(t, report.Outcomes)
}
