package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/renraku/internal/model"
	"github.com/ashita-ai/renraku/internal/provider"
)

// PersistDossier stores the finalized dossier. Implements
// provider.DossierStore. Redelivery of the finalize operation overwrites
// with identical content, so the upsert is harmless.
func (db *DB) PersistDossier(ctx context.Context, runID uuid.UUID, d model.Dossier) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("storage: marshal dossier: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO dossiers (run_id, tenant_id, dossier, completed_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_id) DO UPDATE
		 SET dossier = EXCLUDED.dossier, completed_at = EXCLUDED.completed_at`,
		runID, d.TenantID, payload, d.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: persist dossier: %w", err)
	}
	return nil
}

// GetDossier loads the finalized dossier for a run.
func (db *DB) GetDossier(ctx context.Context, runID uuid.UUID) (model.Dossier, error) {
	var payload []byte
	err := db.pool.QueryRow(ctx,
		`SELECT dossier FROM dossiers WHERE run_id = $1`, runID,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Dossier{}, fmt.Errorf("%w: %s", provider.ErrDossierNotFound, runID)
		}
		return model.Dossier{}, fmt.Errorf("storage: get dossier: %w", err)
	}

	var d model.Dossier
	if err := json.Unmarshal(payload, &d); err != nil {
		return model.Dossier{}, fmt.Errorf("storage: decode dossier: %w", err)
	}
	return d, nil
}
