package testutil

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/stretchr/testify/mock"

	"registry-sync-service/internal/core/domain"
	ports "registry-sync-service/internal/core/ports/output"
)

// MockSourceRegistry is a mock of SourceRegistry.
type MockSourceRegistry struct {
	mock.Mock
}

func (m *MockSourceRegistry) ListVersions(ctx context.Context, modelName string) ([]*domain.SourceModelVersion, error) {
	args := m.Called(ctx, modelName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.SourceModelVersion), args.Error(1)
}

func (m *MockSourceRegistry) DownloadArtifacts(ctx context.Context, version *domain.SourceModelVersion, destDir string) error {
	args := m.Called(ctx, version, destDir)
	return args.Error(0)
}

// MockTargetRegistry is a mock of TargetRegistry.
type MockTargetRegistry struct {
	mock.Mock
}

func (m *MockTargetRegistry) EnsureGroup(ctx context.Context, groupName string) error {
	args := m.Called(ctx, groupName)
	return args.Error(0)
}

func (m *MockTargetRegistry) ListPackages(ctx context.Context, groupName string) ([]*domain.ModelPackage, error) {
	args := m.Called(ctx, groupName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ModelPackage), args.Error(1)
}

func (m *MockTargetRegistry) CreatePackage(ctx context.Context, spec *ports.PackageSpec) (string, error) {
	args := m.Called(ctx, spec)
	return args.String(0), args.Error(1)
}

func (m *MockTargetRegistry) UpdateApproval(ctx context.Context, packageARN string, status domain.ApprovalStatus, metadata map[string]string) error {
	args := m.Called(ctx, packageARN, status, metadata)
	return args.Error(0)
}

func (m *MockTargetRegistry) DeletePackage(ctx context.Context, packageARN string) error {
	args := m.Called(ctx, packageARN)
	return args.Error(0)
}

// MockArtifactStore is a mock of ArtifactStore.
type MockArtifactStore struct {
	mock.Mock
}

func (m *MockArtifactStore) Put(ctx context.Context, key string, body io.ReadSeeker) (string, error) {
	args := m.Called(ctx, key, body)
	return args.String(0), args.Error(1)
}

func (m *MockArtifactStore) Exists(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockArtifactStore) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockArtifactStore) Location(key string) string {
	return "s3://test-bucket/" + key
}

// MockSyncHistoryRepo is a mock of SyncHistoryRepository.
type MockSyncHistoryRepo struct {
	mock.Mock
}

func (m *MockSyncHistoryRepo) RecordPass(ctx context.Context, report *domain.SyncReport) error {
	args := m.Called(ctx, report)
	return args.Error(0)
}

func (m *MockSyncHistoryRepo) ListRecent(ctx context.Context, filter ports.SyncListFilter) ([]*domain.SyncReport, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.SyncReport), args.Error(1)
}

// MemArtifactStore is an in-memory ArtifactStore for tests that need real
// object contents rather than expectations.
type MemArtifactStore struct {
	mu      sync.Mutex
	Objects map[string][]byte
}

func NewMemArtifactStore() *MemArtifactStore {
	return &MemArtifactStore{Objects: make(map[string][]byte)}
}

func (s *MemArtifactStore) Put(_ context.Context, key string, body io.ReadSeeker) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.Objects[key] = data
	s.mu.Unlock()
	return s.Location(key), nil
}

func (s *MemArtifactStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.Objects[key]
	return ok, nil
}

func (s *MemArtifactStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Objects, key)
	return nil
}

func (s *MemArtifactStore) Location(key string) string {
	return "mem://" + key
}

func (s *MemArtifactStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.Objects[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(data), true
}
