package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"registry-sync-service/internal/core/domain"
	ports "registry-sync-service/internal/core/ports/output"
)

type syncHistoryRepo struct {
	pool *pgxpool.Pool
}

func NewSyncHistoryRepository(pool *pgxpool.Pool) ports.SyncHistoryRepository {
	return &syncHistoryRepo{pool: pool}
}

func (r *syncHistoryRepo) RecordPass(ctx context.Context, report *domain.SyncReport) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin record pass: %w", err)
	}
	defer tx.Rollback(ctx)

	succeeded, retryable, fatal := report.Counts()
	query := `
		INSERT INTO sync_pass
			(id, notification_id, model_name, started_at, finished_at,
			 succeeded, retryable_failures, fatal_failures)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`
	if _, err := tx.Exec(ctx, query,
		report.ID, report.NotificationID, report.ModelName,
		report.StartedAt, report.FinishedAt,
		succeeded, retryable, fatal,
	); err != nil {
		return fmt.Errorf("insert sync pass: %w", err)
	}

	batch := &pgx.Batch{}
	for _, o := range report.Outcomes {
		batch.Queue(`
			INSERT INTO sync_outcome
				(id, pass_id, run_id, action, status, package_arn, error)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			uuid.New(), report.ID, o.RunID,
			string(o.Action), string(o.Status), o.PackageARN, o.Error,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert sync outcomes: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *syncHistoryRepo) ListRecent(ctx context.Context, filter ports.SyncListFilter) ([]*domain.SyncReport, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `
		SELECT id, notification_id, model_name, started_at, finished_at
		FROM sync_pass
		WHERE ($1 = '' OR model_name = $1)
		ORDER BY started_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, filter.ModelName, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync passes: %w", err)
	}
	defer rows.Close()

	var reports []*domain.SyncReport
	byID := make(map[uuid.UUID]*domain.SyncReport)
	for rows.Next() {
		report := &domain.SyncReport{}
		if err := rows.Scan(&report.ID, &report.NotificationID, &report.ModelName,
			&report.StartedAt, &report.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan sync pass: %w", err)
		}
		reports = append(reports, report)
		byID[report.ID] = report
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sync passes: %w", err)
	}
	if len(reports) == 0 {
		return reports, nil
	}

	ids := make([]uuid.UUID, 0, len(reports))
	for _, report := range reports {
		ids = append(ids, report.ID)
	}

	outcomeQuery := `
		SELECT pass_id, run_id, action, status, package_arn, error
		FROM sync_outcome
		WHERE pass_id = ANY($1)
	`
	outcomeRows, err := r.pool.Query(ctx, outcomeQuery, ids)
	if err != nil {
		return nil, fmt.Errorf("list sync outcomes: %w", err)
	}
	defer outcomeRows.Close()

	for outcomeRows.Next() {
		var passID uuid.UUID
		var o domain.RunOutcome
		var action, status string
		if err := outcomeRows.Scan(&passID, &o.RunID, &action, &status,
			&o.PackageARN, &o.Error); err != nil {
			return nil, fmt.Errorf("scan sync outcome: %w", err)
		}
		o.Action = domain.Action(action)
		o.Status = domain.OutcomeStatus(status)
		if report, ok := byID[passID]; ok {
			report.Outcomes = append(report.Outcomes, o)
		}
	}
	if err := outcomeRows.Err(); err != nil {
		return nil, fmt.Errorf("list sync outcomes: %w", err)
	}

	return reports, nil
}
