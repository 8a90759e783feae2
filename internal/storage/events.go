package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/renraku/internal/model"
)

// AppendEvent mirrors one bus event into the durable journal. The bus
// tap can deliver the same (run, seq) more than once across restarts,
// so the insert is conflict-tolerant.
func (db *DB) AppendEvent(ctx context.Context, e model.Event) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO events (run_id, seq, id, tenant_id, stage, name, attempt, idempotency_key, payload, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (run_id, seq) DO NOTHING`,
		e.RunID, e.Seq, e.ID, e.TenantID, string(e.Stage), e.Name,
		e.Attempt, e.IdempotencyKey, []byte(e.Payload), e.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("storage: append event: %w", err)
	}
	return nil
}

// ListEvents returns the run's journal in sequence order.
func (db *DB) ListEvents(ctx context.Context, runID uuid.UUID) ([]model.Event, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT run_id, seq, id, tenant_id, stage, name, attempt, idempotency_key, payload, occurred_at
		 FROM events WHERE run_id = $1
		 ORDER BY seq`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var (
			e       model.Event
			stage   string
			payload []byte
		)
		if err := rows.Scan(
			&e.RunID, &e.Seq, &e.ID, &e.TenantID, &stage, &e.Name,
			&e.Attempt, &e.IdempotencyKey, &payload, &e.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e.Stage = model.Stage(stage)
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}
