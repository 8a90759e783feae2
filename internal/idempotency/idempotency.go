// Package idempotency maps deterministic operation keys to recorded
// outcomes so that redelivered events never re-execute a side effect.
//
// A stage executor calls Reserve before any side-effecting call, then
// Commit with the result on success or Release on failure. Reserve on a
// committed key short-circuits with the stored result. Keys are
// deterministic functions of (tenant, run, stage, operation, input
// fingerprint), never randomly generated, so a redelivered event maps
// to the same key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/renraku/internal/model"
)

var (
	// ErrFingerprintMismatch means the same operation key was presented
	// with a different input fingerprint. This indicates a determinism
	// bug: it is fatal, logged, and never auto-resolved.
	ErrFingerprintMismatch = errors.New("idempotency: key reused with different input fingerprint")
)

// Disposition is the result of a Reserve call.
type Disposition int

const (
	// Acquired means the caller owns execution and must Commit or Release.
	Acquired Disposition = iota
	// AlreadyCommitted means the operation already ran; Result holds the
	// stored outcome and the side effect must not be re-executed.
	AlreadyCommitted
	// AlreadyPending means another execution is in flight; the caller
	// should treat the delivery as retryable and back off.
	AlreadyPending
)

// Reservation is what Reserve returns.
type Reservation struct {
	Disposition Disposition
	// Result is set when Disposition is AlreadyCommitted.
	Result json.RawMessage
}

// Store records operation outcomes keyed by deterministic operation keys.
// Implementations must provide atomic compare-and-set semantics per key;
// no broader lock is taken so independent candidates stay parallel.
type Store interface {
	// Reserve attempts to claim key for execution. fingerprint is the
	// SHA-256 of the operation input; a mismatch against a stored
	// fingerprint returns ErrFingerprintMismatch.
	Reserve(ctx context.Context, key, fingerprint string) (Reservation, error)
	// Commit records the operation result. At most one committed record
	// ever exists per key.
	Commit(ctx context.Context, key string, result json.RawMessage) error
	// Release returns a pending key to the acquirable state after a
	// failed attempt.
	Release(ctx context.Context, key string) error
}

// Key builds the deterministic operation key for a logical operation.
// Format: tenant:run:stage:op. The input fingerprint travels separately
// so that a key collision with mismatched input is detectable.
func Key(tenantID, runID uuid.UUID, stage model.Stage, op string) string {
	return fmt.Sprintf("%s:%s:%s:%s", tenantID, runID, stage, op)
}

// Fingerprint hashes an operation input to a stable hex digest. The
// input is canonicalized through JSON marshaling.
func Fingerprint(input any) (string, error) {
	b, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("idempotency: fingerprint input: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
