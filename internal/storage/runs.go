package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/renraku/internal/model"
)

// ErrRunNotFound is returned when a run id has no stored snapshot.
var ErrRunNotFound = errors.New("storage: run not found")

// SaveRun upserts the run snapshot. The orchestrator calls this on every
// state transition, so the stored row is always the latest durable
// position; indexed columns are denormalized out of the snapshot for
// querying.
func (db *DB) SaveRun(ctx context.Context, run model.Run) error {
	snapshot, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("storage: marshal run snapshot: %w", err)
	}

	return withConflictRetry(ctx, snapshotRetries, snapshotRetryDelay, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO runs (id, tenant_id, state, reason, snapshot, created_at, completed_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			 ON CONFLICT (id) DO UPDATE
			 SET state = EXCLUDED.state,
			     reason = EXCLUDED.reason,
			     snapshot = EXCLUDED.snapshot,
			     completed_at = EXCLUDED.completed_at,
			     updated_at = now()`,
			run.ID, run.TenantID, string(run.State), string(run.Reason),
			snapshot, run.CreatedAt, run.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: save run: %w", err)
		}
		return nil
	})
}

// GetRun loads one run snapshot.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	var snapshot []byte
	err := db.pool.QueryRow(ctx,
		`SELECT snapshot FROM runs WHERE id = $1`, id,
	).Scan(&snapshot)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}

	var run model.Run
	if err := json.Unmarshal(snapshot, &run); err != nil {
		return model.Run{}, fmt.Errorf("storage: decode run snapshot: %w", err)
	}
	return run, nil
}

// LoadOpenRuns returns every non-terminal run, oldest first, for
// recovery after a restart.
func (db *DB) LoadOpenRuns(ctx context.Context) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT snapshot FROM runs
		 WHERE state NOT IN ('completed', 'failed', 'aborted')
		 ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: load open runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("storage: scan run snapshot: %w", err)
		}
		var run model.Run
		if err := json.Unmarshal(snapshot, &run); err != nil {
			return nil, fmt.Errorf("storage: decode run snapshot: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRunsByTenant returns run summaries for a tenant, newest first.
func (db *DB) ListRunsByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT snapshot FROM runs WHERE tenant_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("storage: scan run snapshot: %w", err)
		}
		var run model.Run
		if err := json.Unmarshal(snapshot, &run); err != nil {
			return nil, fmt.Errorf("storage: decode run snapshot: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
