package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/renraku/internal/idempotency"
)

// IdempotencyStore is the durable idempotency.Store. The INSERT ... ON
// CONFLICT DO NOTHING is the compare-and-set: whichever worker's insert
// lands owns the operation.
type IdempotencyStore struct {
	db *DB
}

// Idempotency returns the durable idempotency store backed by this DB.
func (db *DB) Idempotency() *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

// Reserve claims key for execution, or reports the stored outcome.
func (s *IdempotencyStore) Reserve(ctx context.Context, key, fingerprint string) (idempotency.Reservation, error) {
	tag, err := s.db.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key, fingerprint, status)
		 VALUES ($1, $2, 'pending')
		 ON CONFLICT (key) DO NOTHING`,
		key, fingerprint,
	)
	if err != nil {
		return idempotency.Reservation{}, fmt.Errorf("storage: reserve idempotency key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return idempotency.Reservation{Disposition: idempotency.Acquired}, nil
	}

	var (
		storedFingerprint string
		status            string
		result            []byte
	)
	err = s.db.pool.QueryRow(ctx,
		`SELECT fingerprint, status, result FROM idempotency_keys WHERE key = $1`, key,
	).Scan(&storedFingerprint, &status, &result)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The holder released between our insert and this lookup;
			// treat as contention and let the caller's redelivery retry.
			return idempotency.Reservation{Disposition: idempotency.AlreadyPending}, nil
		}
		return idempotency.Reservation{}, fmt.Errorf("storage: lookup idempotency key: %w", err)
	}

	if storedFingerprint != fingerprint {
		return idempotency.Reservation{}, idempotency.ErrFingerprintMismatch
	}
	if status == "committed" {
		return idempotency.Reservation{
			Disposition: idempotency.AlreadyCommitted,
			Result:      result,
		}, nil
	}
	return idempotency.Reservation{Disposition: idempotency.AlreadyPending}, nil
}

// Commit records the result for a pending key.
func (s *IdempotencyStore) Commit(ctx context.Context, key string, result json.RawMessage) error {
	tag, err := s.db.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = 'committed', result = $2::jsonb, updated_at = now()
		 WHERE key = $1 AND status = 'pending'`,
		key, []byte(result),
	)
	if err != nil {
		return fmt.Errorf("storage: commit idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: commit idempotency key: %q not pending", key)
	}
	return nil
}

// Release drops a pending reservation so the operation can be retried.
// Releasing a committed key is an error: the side effect already happened.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	tag, err := s.db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1 AND status = 'pending'`, key,
	)
	if err != nil {
		return fmt.Errorf("storage: release idempotency key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var committed bool
	err = s.db.pool.QueryRow(ctx,
		`SELECT status = 'committed' FROM idempotency_keys WHERE key = $1`, key,
	).Scan(&committed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil // already gone
	}
	if err != nil {
		return fmt.Errorf("storage: release idempotency key: %w", err)
	}
	if committed {
		return fmt.Errorf("storage: release idempotency key: %q already committed", key)
	}
	return nil
}
