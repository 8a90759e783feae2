package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Snapshot writes race with each other when several candidates of one
// run finish at once, so serialization conflicts are expected under
// load and worth a short in-process retry before the error reaches the
// orchestrator.
const (
	snapshotRetries    = 3
	snapshotRetryDelay = 50 * time.Millisecond
)

// retriableConflict reports whether err is a Postgres serialization or
// deadlock failure, the two transient conflicts a retry can clear.
func retriableConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// withConflictRetry runs fn up to retries+1 times, backing off with
// doubled, jittered delays between attempts. Non-conflict errors return
// immediately; an exhausted budget wraps the last conflict with the
// attempt count.
func withConflictRetry(ctx context.Context, retries int, delay time.Duration, fn func() error) error {
	attempts := 0
	for {
		err := fn()
		attempts++
		if err == nil || !retriableConflict(err) {
			return err
		}
		if attempts > retries {
			return fmt.Errorf("storage: conflict persisted after %d attempts: %w", attempts, err)
		}
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // scheduling jitter, not security-sensitive
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
}
