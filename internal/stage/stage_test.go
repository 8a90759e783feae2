package stage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renraku/internal/budget"
	"github.com/ashita-ai/renraku/internal/bus"
	"github.com/ashita-ai/renraku/internal/idempotency"
	"github.com/ashita-ai/renraku/internal/model"
	"github.com/ashita-ai/renraku/internal/provider"
)

type fakeRunSource struct {
	mu   sync.Mutex
	runs map[uuid.UUID]model.Run
}

func (s *fakeRunSource) set(run model.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
}

func (s *fakeRunSource) ViewRun(runID uuid.UUID) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return model.Run{}, fmt.Errorf("fake: run %s not found", runID)
	}
	return run, nil
}

// countingIntake wraps MockIntake and counts real executions, to prove
// the idempotency envelope short-circuits redeliveries.
type countingIntake struct {
	mu    sync.Mutex
	calls int
	block chan struct{} // optional: hold the call open
}

func (c *countingIntake) SubmitBrief(ctx context.Context, tenantID uuid.UUID, raw string) (model.CampaignSpec, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return model.CampaignSpec{}, ctx.Err()
		}
	}
	return provider.MockIntake{}.SubmitBrief(ctx, tenantID, raw)
}

func (c *countingIntake) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type stageFixture struct {
	bus     *bus.MemoryBus
	idem    *idempotency.MemoryStore
	ledger  *budget.MemoryLedger
	engine  *Engine
	runs    *fakeRunSource
	results <-chan model.Event
	runID   uuid.UUID
	tenant  uuid.UUID
	ctx     context.Context
}

func newStageFixture(t *testing.T, p Providers, quotas map[model.Category]int64, discoverLimit int, callTimeout time.Duration) *stageFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if p.Intake == nil {
		p.Intake = provider.MockIntake{}
	}
	if p.Gate == nil {
		p.Gate = provider.RuleGate{}
	}
	if p.Discovery == nil {
		p.Discovery = &provider.MockDiscovery{}
	}
	if p.Profiler == nil {
		p.Profiler = provider.MockProfiler{}
	}
	if p.Drafter == nil {
		p.Drafter = provider.MockDrafter{}
	}
	if p.Dossiers == nil {
		p.Dossiers = provider.NewMemoryDossierStore()
	}
	if quotas == nil {
		quotas = map[model.Category]int64{
			model.CategoryDiscovery: 50,
			model.CategoryProfile:   50,
			model.CategoryContact:   50,
			model.CategoryDraft:     50,
		}
	}

	f := &stageFixture{
		bus:    bus.NewMemoryBus(logger),
		idem:   idempotency.NewMemoryStore(),
		ledger: budget.NewMemoryLedger(func(uuid.UUID) map[model.Category]int64 { return quotas }),
		runs:   &fakeRunSource{runs: make(map[uuid.UUID]model.Run)},
		runID:  uuid.New(),
		tenant: uuid.New(),
	}
	f.engine = NewEngine(f.bus, f.idem, f.ledger, f.runs, p, discoverLimit, callTimeout, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.ctx = ctx

	f.runs.set(model.Run{
		ID:       f.runID,
		TenantID: f.tenant,
		State:    model.RunStateBriefing,
		Spec:     &model.CampaignSpec{Intent: "test campaign", Tone: "neutral", Version: 1},
	})

	results, err := f.bus.Subscribe(f.runID, model.StageOrchestrator)
	require.NoError(t, err)
	f.results = results
	require.NoError(t, f.engine.Attach(ctx, f.runID))
	return f
}

// request publishes a stage.request with the deterministic key the
// orchestrator would use.
func (f *stageFixture) request(t *testing.T, stage model.Stage, req model.StageRequest, attempt int) model.Event {
	t.Helper()
	op := "exec"
	if req.CandidateID != nil {
		op = "exec:" + req.CandidateID.String()
	}
	ev, err := model.NewEvent(f.runID, f.tenant, stage, model.EventStageRequest,
		idempotency.Key(f.tenant, f.runID, stage, op), req)
	require.NoError(t, err)
	ev.Attempt = attempt
	published, err := f.bus.Publish(f.ctx, ev)
	require.NoError(t, err)
	return published
}

// nextResult waits for the next stage.result delivered to the orchestrator.
func (f *stageFixture) nextResult(t *testing.T) model.StageResult {
	t.Helper()
	for {
		select {
		case ev := <-f.results:
			if ev.Name != model.EventStageResult {
				continue
			}
			res, err := model.DecodeStageResult(ev)
			require.NoError(t, err)
			return res
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a stage result")
		}
	}
}

func TestCommittedResultRepublishedWithoutReexecution(t *testing.T) {
	intake := &countingIntake{}
	f := newStageFixture(t, Providers{Intake: intake}, nil, 3, 5*time.Second)

	req := model.StageRequest{Brief: "intent: replay safety"}
	f.request(t, model.StageBriefing, req, 1)
	first := f.nextResult(t)
	require.Equal(t, model.OutcomeSuccess, first.Outcome)
	require.NotNil(t, first.Spec)

	// Redelivery of the same operation: same key, same payload.
	f.request(t, model.StageBriefing, req, 1)
	second := f.nextResult(t)

	assert.Equal(t, first, second, "stored result is republished verbatim")
	assert.Equal(t, 1, intake.count(), "the provider ran exactly once")
}

func TestPendingDuplicateIsDropped(t *testing.T) {
	intake := &countingIntake{block: make(chan struct{})}
	f := newStageFixture(t, Providers{Intake: intake}, nil, 3, 5*time.Second)

	req := model.StageRequest{Brief: "intent: in flight"}
	f.request(t, model.StageBriefing, req, 1)
	require.Eventually(t, func() bool { return intake.count() == 1 }, 2*time.Second, time.Millisecond)

	// Second delivery arrives while the first still holds the key.
	f.request(t, model.StageBriefing, req, 1)
	close(intake.block)

	res := f.nextResult(t)
	assert.Equal(t, model.OutcomeSuccess, res.Outcome)

	select {
	case ev := <-f.results:
		t.Fatalf("duplicate produced a second result: %s", ev.Name)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, intake.count())
}

func TestFingerprintMismatchIsFatal(t *testing.T) {
	f := newStageFixture(t, Providers{}, nil, 3, 5*time.Second)

	f.request(t, model.StageBriefing, model.StageRequest{Brief: "intent: original"}, 1)
	require.Equal(t, model.OutcomeSuccess, f.nextResult(t).Outcome)

	// Same idempotency key, different input: an integrity violation.
	f.request(t, model.StageBriefing, model.StageRequest{Brief: "intent: tampered"}, 1)
	res := f.nextResult(t)
	assert.Equal(t, model.OutcomeFatal, res.Outcome)
	assert.Equal(t, model.ReasonIntegrity, res.Reason)
}

func TestBudgetDenialSurfacesAsRejected(t *testing.T) {
	quotas := map[model.Category]int64{model.CategoryDiscovery: 2}
	f := newStageFixture(t, Providers{}, quotas, 3, 5*time.Second)

	f.request(t, model.StageDiscovery, model.StageRequest{}, 1)
	res := f.nextResult(t)

	assert.Equal(t, model.OutcomeRejected, res.Outcome)
	assert.Equal(t, model.ReasonBudgetExhausted, res.Reason)
	assert.Zero(t, f.ledger.RunSnapshot(f.runID).Reserved, "denied reserve leaves no hold")
}

func TestDiscoveryCommitsOnlyFoundSeeds(t *testing.T) {
	discovery := &provider.MockDiscovery{Seeds: []model.CandidateSeed{
		{Handle: "@one", Platform: model.PlatformBlog},
		{Handle: "@two", Platform: model.PlatformBlog},
	}}
	f := newStageFixture(t, Providers{Discovery: discovery}, nil, 5, 5*time.Second)

	f.request(t, model.StageDiscovery, model.StageRequest{}, 1)
	res := f.nextResult(t)

	require.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.Len(t, res.Seeds, 2)

	snap := f.ledger.RunSnapshot(f.runID)
	assert.Equal(t, int64(2), snap.Spent, "pays for found seeds, not the reserved limit")
	assert.Equal(t, snap.Spent, snap.Reserved, "unused hold returned")
}

func TestDiscoveryDeduplicatesSeeds(t *testing.T) {
	discovery := &provider.MockDiscovery{Seeds: []model.CandidateSeed{
		{Handle: "@dup", Platform: model.PlatformBlog},
		{Handle: "@dup", Platform: model.PlatformBlog},
		{Handle: "@dup", Platform: model.PlatformPodcast},
	}}
	f := newStageFixture(t, Providers{Discovery: discovery}, nil, 5, 5*time.Second)

	f.request(t, model.StageDiscovery, model.StageRequest{}, 1)
	res := f.nextResult(t)

	require.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.Len(t, res.Seeds, 2, "same handle on a different platform is distinct")
}

func TestTimeoutClassifiedRetryableAndKeyReleased(t *testing.T) {
	intake := &countingIntake{block: make(chan struct{})} // never closed
	f := newStageFixture(t, Providers{Intake: intake}, nil, 3, 20*time.Millisecond)

	ev := f.request(t, model.StageBriefing, model.StageRequest{Brief: "intent: slow"}, 1)
	res := f.nextResult(t)

	assert.Equal(t, model.OutcomeRetryable, res.Outcome)
	assert.Equal(t, model.ReasonTimeout, res.Reason)

	// The key must be reacquirable for the retry.
	r, err := f.idem.Reserve(f.ctx, ev.IdempotencyKey, "anything")
	require.NoError(t, err)
	assert.Equal(t, idempotency.Acquired, r.Disposition)
}

func TestErrorReleasesBudgetHold(t *testing.T) {
	discovery := &provider.MockDiscovery{FailFirst: 1}
	f := newStageFixture(t, Providers{Discovery: discovery}, nil, 5, 5*time.Second)

	f.request(t, model.StageDiscovery, model.StageRequest{}, 1)
	res := f.nextResult(t)

	assert.Equal(t, model.OutcomeRetryable, res.Outcome)
	snap := f.ledger.RunSnapshot(f.runID)
	assert.Zero(t, snap.Reserved)
	assert.Zero(t, snap.Spent)
}

func TestResultCarriesRequestAttempt(t *testing.T) {
	f := newStageFixture(t, Providers{}, nil, 3, 5*time.Second)

	f.request(t, model.StageGate, model.StageRequest{}, 3)
	for {
		select {
		case ev := <-f.results:
			if ev.Name != model.EventStageResult {
				continue
			}
			assert.Equal(t, 3, ev.Attempt, "retry accounting follows the result back")
			return
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a stage result")
		}
	}
}

func TestClassify(t *testing.T) {
	req := model.StageRequest{}

	res := classify(model.StageDrafting, req, provider.DraftDecline{Reason: "tone"})
	assert.Equal(t, model.OutcomeRejected, res.Outcome)
	assert.Equal(t, model.ReasonDraftDeclined, res.Reason)

	res = classify(model.StageBriefing, req, fmt.Errorf("%w: bad brief", ErrPermanent))
	assert.Equal(t, model.OutcomeFatal, res.Outcome)

	res = classify(model.StageDiscovery, req, context.DeadlineExceeded)
	assert.Equal(t, model.OutcomeRetryable, res.Outcome)
	assert.Equal(t, model.ReasonTimeout, res.Reason)

	res = classify(model.StageProfiling, req, fmt.Errorf("socket reset"))
	assert.Equal(t, model.OutcomeRetryable, res.Outcome)
	assert.Equal(t, model.ReasonProviderError, res.Reason)
}

func TestMissingCandidateIsPermanent(t *testing.T) {
	f := newStageFixture(t, Providers{}, nil, 3, 5*time.Second)

	ghost := uuid.New()
	f.request(t, model.StageProfiling, model.StageRequest{CandidateID: &ghost}, 1)
	res := f.nextResult(t)

	assert.Equal(t, model.OutcomeFatal, res.Outcome)
	require.NotNil(t, res.CandidateID)
	assert.Equal(t, ghost, *res.CandidateID)
}
