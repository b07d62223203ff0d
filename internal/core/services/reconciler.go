package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/juju/retry"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"registry-sync-service/internal/core/domain"
	ports "registry-sync-service/internal/core/ports/output"
)

// ReconcilerOptions tune one reconciliation pass. Zero values fall back to
// the defaults below.
type ReconcilerOptions struct {
	MaxParallel      int
	RepackageTimeout time.Duration
	RetryAttempts    int
	RetryDelay       time.Duration
	Clock            clock.Clock
}

func (o ReconcilerOptions) withDefaults() ReconcilerOptions {
	if o.MaxParallel <= 0 {
		o.MaxParallel = 4
	}
	if o.RepackageTimeout <= 0 {
		o.RepackageTimeout = 10 * time.Minute
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	return o
}

// ReconcilerService drives the target registry toward the source registry's
// current stage assignments, one model per pass. Each pass recomputes the
// diff from fresh state, executes creates, then updates, then deletes, and
// reports a per-run_id outcome list. Failures are scoped to the run_id they
// affect.
type ReconcilerService struct {
	resolver   *ResolverService
	repackager *RepackagerService
	target     ports.TargetRegistry
	store      ports.ArtifactStore
	history    ports.SyncHistoryRepository
	leases     *kmutex.Kmutex
	opts       ReconcilerOptions
}

func NewReconcilerService(
	resolver *ResolverService,
	repackager *RepackagerService,
	target ports.TargetRegistry,
	store ports.ArtifactStore,
	history ports.SyncHistoryRepository,
	opts ReconcilerOptions,
) *ReconcilerService {
	return &ReconcilerService{
		resolver:   resolver,
		repackager: repackager,
		target:     target,
		store:      store,
		history:    history,
		leases:     kmutex.New(),
		opts:       opts.withDefaults(),
	}
}

// Reconcile runs one pass for the model named in the notification. The
// notification is a trigger only; desired state is always re-resolved. A
// per-model lease serializes overlapping passes so two of them cannot act
// on the same stale observation.
func (s *ReconcilerService) Reconcile(ctx context.Context, n domain.Notification) (*domain.SyncReport, error) {
	if n.ModelName == "" {
		return nil, domain.ErrInvalidModelName
	}

	s.leases.Lock(n.ModelName)
	defer s.leases.Unlock(n.ModelName)

	logger := log.WithFields(log.Fields{"model": n.ModelName, "notification_id": n.ID})

	report := &domain.SyncReport{
		ID:             uuid.New(),
		NotificationID: n.ID,
		ModelName:      n.ModelName,
		StartedAt:      s.opts.Clock.Now(),
	}

	diff, err := s.resolver.Resolve(ctx, n.ModelName)
	if err != nil {
		reconcilePasses.WithLabelValues(n.ModelName, "resolution_failed").Inc()
		return nil, err
	}

	logger.WithFields(log.Fields{
		"to_create": len(diff.ToCreate),
		"to_update": len(diff.ToUpdate),
		"to_delete": len(diff.ToDelete),
	}).Info("reconciliation plan computed")

	if !diff.Empty() {
		if err := s.execute(ctx, n.ModelName, diff, report); err != nil {
			reconcilePasses.WithLabelValues(n.ModelName, "failed").Inc()
			return nil, err
		}
	}

	report.FinishedAt = s.opts.Clock.Now()

	succeeded, retryable, fatal := report.Counts()
	logger.WithFields(log.Fields{
		"succeeded": succeeded,
		"retryable": retryable,
		"fatal":     fatal,
	}).Info("reconciliation pass finished")
	reconcilePasses.WithLabelValues(n.ModelName, passResult(retryable, fatal)).Inc()

	s.recordHistory(ctx, report)
	return report, nil
}

// execute applies the diff. Creates and updates run first, in parallel
// across run_ids; deletes start only after every create and update has
// completed or conclusively failed, so downstream consumers never observe a
// group whose replacement is missing while its predecessor is already gone.
func (s *ReconcilerService) execute(ctx context.Context, modelName string, diff *Diff, report *domain.SyncReport) error {
	group := domain.GroupName(modelName)

	if len(diff.ToCreate) > 0 {
		if err := s.withRetry(ctx, func() error { return s.target.EnsureGroup(ctx, group) }); err != nil {
			return fmt.Errorf("ensure package group %s: %w", group, err)
		}
	}

	var mu sync.Mutex
	record := func(o domain.RunOutcome) {
		reconcileOperations.WithLabelValues(string(o.Action), string(o.Status)).Inc()
		mu.Lock()
		report.Outcomes = append(report.Outcomes, o)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(s.opts.MaxParallel)
	for _, v := range diff.ToCreate {
		g.Go(func() error {
			record(s.create(ctx, group, v))
			return nil
		})
	}
	g.Wait()

	for _, pair := range diff.ToUpdate {
		g.Go(func() error {
			record(s.update(ctx, pair))
			return nil
		})
	}
	g.Wait()

	referenced := liveLocations(diff)
	for _, pkg := range diff.ToDelete {
		g.Go(func() error {
			record(s.remove(ctx, modelName, pkg, referenced))
			return nil
		})
	}
	g.Wait()

	return nil
}

// create repackages the version's artifact and registers a new approved
// package. Target mutations happen only after repackaging is confirmed, so
// a timed-out repackaging attempt leaves the registry untouched.
func (s *ReconcilerService) create(ctx context.Context, group string, v *domain.SourceModelVersion) domain.RunOutcome {
	out := domain.RunOutcome{RunID: v.RunID, Action: domain.ActionCreate}

	var arn string
	err := s.withRetry(ctx, func() error {
		rctx, cancel := context.WithTimeout(ctx, s.opts.RepackageTimeout)
		defer cancel()

		repackaged, err := s.repackager.Repackage(rctx, v)
		if err != nil {
			return err
		}

		arn, err = s.target.CreatePackage(ctx, &ports.PackageSpec{
			GroupName:        group,
			ArtifactLocation: repackaged.Location,
			ImageURI:         repackaged.ImageURI,
			Environment:      repackaged.Environment,
			Metadata:         v.Metadata(),
			Description:      fmt.Sprintf("mlflow %s-v%d", v.ModelName, v.Version),
		})
		return err
	})

	out.PackageARN = arn
	return s.finish(out, v.ModelName, err)
}

// update refreshes a stale package's approval and recorded stage metadata.
// The resolver only plans an update when the artifact location already
// matches; a relocated artifact means a recreate, because the registered
// inference specification cannot be rewritten.
func (s *ReconcilerService) update(ctx context.Context, pair StalePair) domain.RunOutcome {
	v, pkg := pair.Version, pair.Package
	out := domain.RunOutcome{RunID: v.RunID, Action: domain.ActionUpdate, PackageARN: pkg.ARN}

	err := s.withRetry(ctx, func() error {
		return s.target.UpdateApproval(ctx, pkg.ARN, domain.ApprovalApproved, v.Metadata())
	})

	return s.finish(out, v.ModelName, err)
}

// remove deregisters a package, then prunes its archive. The archive is
// deleted strictly after deregistration is confirmed, only when no surviving
// package points at the same location, and only when the package actually
// referenced the run's deterministic key: a relocated package deleted during
// a recreate points elsewhere, and the key now holds its replacement's
// archive.
func (s *ReconcilerService) remove(ctx context.Context, modelName string, pkg *domain.ModelPackage, referenced map[string]int) domain.RunOutcome {
	out := domain.RunOutcome{RunID: pkg.RunID, Action: domain.ActionDelete, PackageARN: pkg.ARN}

	err := s.withRetry(ctx, func() error { return s.target.DeletePackage(ctx, pkg.ARN) })

	key := domain.ArchiveKey(modelName, pkg.RunID)
	if err == nil && pkg.RunID != "" &&
		referenced[pkg.ArtifactLocation] == 0 &&
		pkg.ArtifactLocation == s.store.Location(key) {
		err = s.withRetry(ctx, func() error { return s.store.Delete(ctx, key) })
		if err != nil {
			err = fmt.Errorf("package deregistered but archive not pruned: %w", err)
		}
	}

	return s.finish(out, modelName, err)
}

func (s *ReconcilerService) finish(out domain.RunOutcome, modelName string, err error) domain.RunOutcome {
	if err == nil {
		out.Status = domain.OutcomeSucceeded
		return out
	}

	out.Error = err.Error()
	logger := log.WithFields(log.Fields{
		"model":  modelName,
		"run_id": out.RunID,
		"action": out.Action,
	})
	if domain.Retryable(err) {
		out.Status = domain.OutcomeRetryable
		logger.WithError(err).Warn("operation failed, will retry on next pass")
	} else {
		out.Status = domain.OutcomeFatal
		logger.WithError(err).Error("operation failed permanently for this run")
	}
	return out
}

// withRetry retries retryable failures in-pass with doubling delay. The
// error classification in the domain package is the single fatality test.
func (s *ReconcilerService) withRetry(ctx context.Context, f func() error) error {
	err := retry.Call(retry.CallArgs{
		Func:         f,
		IsFatalError: func(err error) bool { return !domain.Retryable(err) },
		Attempts:     s.opts.RetryAttempts,
		Delay:        s.opts.RetryDelay,
		BackoffFunc:  retry.DoubleDelay,
		Clock:        s.opts.Clock,
		Stop:         ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		return retry.LastError(err)
	}
	return err
}

func (s *ReconcilerService) recordHistory(ctx context.Context, report *domain.SyncReport) {
	if s.history == nil {
		return
	}
	if err := s.history.RecordPass(ctx, report); err != nil {
		log.WithError(err).WithField("model", report.ModelName).
			Warn("failed to record sync history")
	}
}

// liveLocations counts artifact locations still referenced by packages that
// survive the pass.
func liveLocations(diff *Diff) map[string]int {
	refs := make(map[string]int)
	for _, pkg := range diff.Unchanged {
		refs[pkg.ArtifactLocation]++
	}
	for _, pair := range diff.ToUpdate {
		refs[pair.Package.ArtifactLocation]++
	}
	return refs
}

func passResult(retryable, fatal int) string {
	switch {
	case fatal > 0:
		return "fatal"
	case retryable > 0:
		return "retryable"
	default:
		return "converged"
	}
}
