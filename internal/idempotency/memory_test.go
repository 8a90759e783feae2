package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renraku/internal/model"
)

func TestReserveCommitReplay(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	res, err := s.Reserve(ctx, "k1", "fp")
	require.NoError(t, err)
	require.Equal(t, Acquired, res.Disposition)

	stored := json.RawMessage(`{"drafted":true}`)
	require.NoError(t, s.Commit(ctx, "k1", stored))

	// A redelivery with the same key returns the stored result without
	// re-acquiring.
	res, err = s.Reserve(ctx, "k1", "fp")
	require.NoError(t, err)
	assert.Equal(t, AlreadyCommitted, res.Disposition)
	assert.JSONEq(t, `{"drafted":true}`, string(res.Result))
}

func TestReservePendingBlocksSecondAcquire(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	res, err := s.Reserve(ctx, "k1", "fp")
	require.NoError(t, err)
	require.Equal(t, Acquired, res.Disposition)

	res, err = s.Reserve(ctx, "k1", "fp")
	require.NoError(t, err)
	assert.Equal(t, AlreadyPending, res.Disposition)
}

func TestReleaseMakesKeyAcquirableAgain(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Reserve(ctx, "k1", "fp")
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, "k1"))

	res, err := s.Reserve(ctx, "k1", "fp")
	require.NoError(t, err)
	assert.Equal(t, Acquired, res.Disposition)
}

func TestFingerprintMismatchIsIntegrityViolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Reserve(ctx, "k1", "fp-a")
	require.NoError(t, err)

	_, err = s.Reserve(ctx, "k1", "fp-b")
	assert.ErrorIs(t, err, ErrFingerprintMismatch)
}

func TestReleaseCommittedKeyFails(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Reserve(ctx, "k1", "fp")
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, "k1", nil))

	assert.Error(t, s.Release(ctx, "k1"))
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	acquired := make([]bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			res, err := s.Reserve(ctx, "shared", "fp")
			if err != nil {
				t.Errorf("Reserve error: %v", err)
				return
			}
			acquired[idx] = res.Disposition == Acquired
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, ok := range acquired {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent Reserve may acquire")
}

func TestKeyIsDeterministic(t *testing.T) {
	tenant := uuid.New()
	run := uuid.New()

	k1 := Key(tenant, run, model.StageDrafting, "draft:cand-1")
	k2 := Key(tenant, run, model.StageDrafting, "draft:cand-1")
	assert.Equal(t, k1, k2)

	k3 := Key(tenant, run, model.StageDrafting, "draft:cand-2")
	assert.NotEqual(t, k1, k3)
}

func TestFingerprintStableForEqualInput(t *testing.T) {
	type in struct {
		A string
		B int
	}
	f1, err := Fingerprint(in{A: "x", B: 2})
	require.NoError(t, err)
	f2, err := Fingerprint(in{A: "x", B: 2})
	require.NoError(t, err)
	assert.Equal(t, f1, f2)

	f3, err := Fingerprint(in{A: "x", B: 3})
	require.NoError(t, err)
	assert.NotEqual(t, f1, f3)
}
