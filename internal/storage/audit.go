package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/renraku/internal/model"
)

// AppendAudit stores one audit entry. Implements audit.Sink. The
// recorder assigns per-run sequence numbers, so a redelivered entry hits
// the (run_id, seq) conflict and is dropped.
func (db *DB) AppendAudit(e model.AuditEntry) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("storage: marshal audit detail: %w", err)
	}
	_, err = db.pool.Exec(context.Background(),
		`INSERT INTO audit_log (run_id, seq, tenant_id, kind, stage, summary, reason, candidate_id, attempt, detail, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (run_id, seq) DO NOTHING`,
		e.RunID, e.Seq, e.TenantID, string(e.Kind), string(e.Stage),
		e.Summary, string(e.Reason), e.CandidateID, e.Attempt, detail, e.At,
	)
	if err != nil {
		return fmt.Errorf("storage: append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the run's audit trail in sequence order.
func (db *DB) ListAudit(ctx context.Context, runID uuid.UUID) ([]model.AuditEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT run_id, seq, tenant_id, kind, stage, summary, reason, candidate_id, attempt, detail, at
		 FROM audit_log WHERE run_id = $1
		 ORDER BY seq`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var (
			e      model.AuditEntry
			kind   string
			stage  string
			reason string
			detail []byte
		)
		if err := rows.Scan(
			&e.RunID, &e.Seq, &e.TenantID, &kind, &stage,
			&e.Summary, &reason, &e.CandidateID, &e.Attempt, &detail, &e.At,
		); err != nil {
			return nil, fmt.Errorf("storage: scan audit entry: %w", err)
		}
		e.Kind = model.AuditKind(kind)
		e.Stage = model.Stage(stage)
		e.Reason = model.ReasonCode(reason)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("storage: decode audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
