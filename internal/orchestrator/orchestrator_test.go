package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renraku/internal/audit"
	"github.com/ashita-ai/renraku/internal/budget"
	"github.com/ashita-ai/renraku/internal/bus"
	"github.com/ashita-ai/renraku/internal/idempotency"
	"github.com/ashita-ai/renraku/internal/model"
	"github.com/ashita-ai/renraku/internal/provider"
	"github.com/ashita-ai/renraku/internal/stage"
)

const waitTimeout = 10 * time.Second

func testQuotas() map[model.Category]int64 {
	return map[model.Category]int64{
		model.CategoryDiscovery: 50,
		model.CategoryProfile:   50,
		model.CategoryContact:   50,
		model.CategoryDraft:     50,
	}
}

func testPolicy(quotas map[model.Category]int64) model.TenantPolicy {
	return model.TenantPolicy{
		MaxConcurrentRuns: 4,
		QuotaPerCategory:  quotas,
	}
}

type fixtureOpts struct {
	rules     []model.GateRule
	discovery *provider.MockDiscovery
	drafter   provider.Drafter
	quotas    map[model.Category]int64
	store     RunStore
	idem      idempotency.Store
}

type fixture struct {
	orch      *Orchestrator
	ledger    *budget.MemoryLedger
	recorder  *audit.Recorder
	discovery *provider.MockDiscovery
	dossiers  *provider.MemoryDossierStore
	quotas    map[model.Category]int64
	cancel    context.CancelFunc
	ctx       context.Context
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if opts.discovery == nil {
		opts.discovery = &provider.MockDiscovery{}
	}
	if opts.drafter == nil {
		opts.drafter = provider.MockDrafter{}
	}
	if opts.quotas == nil {
		opts.quotas = testQuotas()
	}
	if opts.store == nil {
		opts.store = NoopRunStore{}
	}
	if opts.idem == nil {
		opts.idem = idempotency.NewMemoryStore()
	}

	b := bus.NewMemoryBus(logger)
	ledger := budget.NewMemoryLedger(func(uuid.UUID) map[model.Category]int64 { return opts.quotas })
	recorder := audit.NewRecorder(nil)
	b.Tap(recorder.ObserveEvent)
	ledger.SetObserver(recorder)

	cfg := Config{
		DefaultRetryCap: 3,
		BackoffBase:     time.Millisecond,
		BackoffMax:      10 * time.Millisecond,
		DiscoverLimit:   3,
	}
	orch := New(b, ledger, recorder, opts.store, cfg, logger)

	dossiers := provider.NewMemoryDossierStore()
	engine := stage.NewEngine(b, opts.idem, ledger, orch, stage.Providers{
		Intake:    provider.MockIntake{},
		Gate:      provider.RuleGate{Rules: opts.rules},
		Discovery: opts.discovery,
		Profiler:  provider.MockProfiler{},
		Drafter:   opts.drafter,
		Dossiers:  dossiers,
	}, cfg.DiscoverLimit, 5*time.Second, logger)
	orch.SetEngine(engine)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	orch.Start(ctx)

	return &fixture{
		orch:      orch,
		ledger:    ledger,
		recorder:  recorder,
		discovery: opts.discovery,
		dossiers:  dossiers,
		quotas:    opts.quotas,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (f *fixture) admitAndWait(t *testing.T, brief string) (uuid.UUID, Status) {
	t.Helper()
	runID, err := f.orch.Admit(f.ctx, uuid.New(), brief, testPolicy(f.quotas))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(f.ctx, waitTimeout)
	defer cancel()
	require.NoError(t, f.orch.Wait(waitCtx, runID))

	status, err := f.orch.GetStatus(runID)
	require.NoError(t, err)
	return runID, status
}

func seeds(handles ...string) []model.CandidateSeed {
	out := make([]model.CandidateSeed, 0, len(handles))
	for _, h := range handles {
		out = append(out, model.CandidateSeed{
			Handle:   h,
			Platform: model.PlatformSubstack,
			Evidence: []model.Evidence{{
				Source:     "https://example.org/" + h,
				Excerpt:    "relevant coverage",
				CapturedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			}},
		})
	}
	return out
}

func TestRunCompletesWithDossier(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	runID, status := f.admitAndWait(t, "intent: indie game launch\naudience: gaming press")

	assert.Equal(t, model.RunStateCompleted, status.State)
	require.Len(t, status.Candidates, 3)
	for _, c := range status.Candidates {
		assert.Equal(t, model.CandidateIncluded, c.Status, "candidate %s", c.Handle)
	}

	dossier, ok := f.dossiers.Dossier(runID)
	require.True(t, ok, "dossier must be persisted before completion")
	assert.Equal(t, 3, dossier.TargetCount)
	assert.Equal(t, 3, dossier.DraftCount)
	assert.Equal(t, "indie game launch", dossier.Spec.Intent)
	for _, c := range dossier.Included {
		assert.NotNil(t, c.Draft)
		assert.NotEmpty(t, c.Stance)
		assert.NotNil(t, c.Contact)
		assert.NotEmpty(t, c.Evidence)
	}

	// 3 discovery units + (profile + contact + draft) per candidate.
	assert.Equal(t, int64(12), status.Budget.Spent)
	assert.Equal(t, int64(12), dossier.SpentUnits)
	assert.GreaterOrEqual(t, status.Budget.Reserved, status.Budget.Spent)
}

func TestStateHistoryIsForwardOnly(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	runID, _ := f.admitAndWait(t, "intent: espresso machine review tour")

	run, err := f.orch.ViewRun(runID)
	require.NoError(t, err)
	require.NotEmpty(t, run.StateLog)

	want := []model.RunState{
		model.RunStateBriefing, model.RunStateGating, model.RunStateDiscovery,
		model.RunStateProfiling, model.RunStateContactPrep, model.RunStateDrafting,
		model.RunStateFinalizing, model.RunStateCompleted,
	}
	require.Len(t, run.StateLog, len(want))
	prev := model.RunStateAdmitted
	for i, change := range run.StateLog {
		assert.Equal(t, prev, change.From, "step %d", i)
		assert.Equal(t, want[i], change.To, "step %d", i)
		assert.True(t, prev.CanTransitionTo(change.To), "step %d: %s -> %s", i, prev, change.To)
		prev = change.To
	}
}

func TestGateRejectionAbortsBeforeDiscovery(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		rules: []model.GateRule{
			{Name: "no-politics", Match: "political", Reason: model.ReasonThirdRail},
		},
	})

	runID, status := f.admitAndWait(t, "intent: sway the vote\nrisk: political persuasion")

	assert.Equal(t, model.RunStateAborted, status.State)
	assert.Equal(t, model.ReasonThirdRail, status.Reason)
	assert.Zero(t, f.discovery.Calls(), "no downstream work after gate rejection")
	assert.Zero(t, status.Budget.Reserved, "nothing left on hold")
	assert.Zero(t, status.Budget.Spent)

	var decisions []model.AuditEntry
	for _, e := range f.recorder.Trail(runID) {
		if e.Kind == model.AuditDecision {
			decisions = append(decisions, e)
		}
	}
	require.NotEmpty(t, decisions, "the trail must explain the rejection")
	assert.Equal(t, model.ReasonThirdRail, decisions[len(decisions)-1].Reason)
}

func TestDiscoveryRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		discovery: &provider.MockDiscovery{FailFirst: 2},
	})

	runID, status := f.admitAndWait(t, "intent: climate newsletter collab")

	assert.Equal(t, model.RunStateCompleted, status.State)
	assert.Equal(t, 3, f.discovery.Calls(), "two transient failures then success")

	retries := 0
	for _, e := range f.recorder.Trail(runID) {
		if e.Kind == model.AuditRetry {
			retries++
			assert.Equal(t, model.StageDiscovery, e.Stage)
		}
	}
	assert.Equal(t, 2, retries)
}

func TestRetriesExhaustedFailsMandatoryStage(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		discovery: &provider.MockDiscovery{FailFirst: 100},
	})

	runID, status := f.admitAndWait(t, "intent: doomed campaign")

	assert.Equal(t, model.RunStateFailed, status.State)
	assert.Equal(t, model.ReasonRetriesExhausted, status.Reason)
	assert.Equal(t, 3, f.discovery.Calls(), "stops at the retry cap")
	require.Len(t, status.DeadLetters, 1, "exhausted event is parked")
	assert.Zero(t, status.Budget.Reserved, "holds refunded on failure")

	_, ok := f.dossiers.Dossier(runID)
	assert.False(t, ok, "no dossier for a failed run")
}

func TestDraftFailureIsolatedToCandidate(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		discovery: &provider.MockDiscovery{Seeds: seeds("@alice", "@bob", "@carol")},
		drafter:   provider.MockDrafter{FailHandles: map[string]string{"@bob": "model meltdown"}},
	})

	runID, status := f.admitAndWait(t, "intent: board game kickstarter")

	assert.Equal(t, model.RunStateCompleted, status.State, "one bad candidate must not sink the run")

	byHandle := map[string]model.CandidateOutcome{}
	for _, c := range status.Candidates {
		byHandle[c.Handle] = c
	}
	assert.Equal(t, model.CandidateIncluded, byHandle["@alice"].Status)
	assert.Equal(t, model.CandidateIncluded, byHandle["@carol"].Status)
	assert.Equal(t, model.CandidateFailed, byHandle["@bob"].Status)
	assert.Equal(t, model.ReasonRetriesExhausted, byHandle["@bob"].Reason)

	dossier, ok := f.dossiers.Dossier(runID)
	require.True(t, ok)
	assert.Equal(t, 2, dossier.TargetCount)
	require.Len(t, dossier.Outcomes, 3, "failed candidates stay visible in the dossier")
	assert.NotEmpty(t, status.DeadLetters)
}

func TestDraftDeclineRejectsCandidate(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		discovery: &provider.MockDiscovery{Seeds: seeds("@alice", "@carol")},
		drafter:   provider.MockDrafter{DeclineHandles: map[string]string{"@carol": "tone mismatch"}},
	})

	_, status := f.admitAndWait(t, "intent: hot sauce launch")

	assert.Equal(t, model.RunStateCompleted, status.State)
	byHandle := map[string]model.CandidateOutcome{}
	for _, c := range status.Candidates {
		byHandle[c.Handle] = c
	}
	assert.Equal(t, model.CandidateIncluded, byHandle["@alice"].Status)
	assert.Equal(t, model.CandidateRejected, byHandle["@carol"].Status)
	assert.Equal(t, model.ReasonDraftDeclined, byHandle["@carol"].Reason)
	assert.Empty(t, status.DeadLetters, "a decline is a decision, not an error")
}

func TestCandidateGateExclusion(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		rules: []model.GateRule{
			{Name: "block-shady", Match: "shady", Reason: model.ReasonLowAuthenticity},
		},
		discovery: &provider.MockDiscovery{Seeds: seeds("@alice", "@shady-bot")},
	})

	runID, status := f.admitAndWait(t, "intent: fitness app beta")

	assert.Equal(t, model.RunStateCompleted, status.State)
	byHandle := map[string]model.CandidateOutcome{}
	for _, c := range status.Candidates {
		byHandle[c.Handle] = c
	}
	assert.Equal(t, model.CandidateIncluded, byHandle["@alice"].Status)
	assert.Equal(t, model.CandidateRejected, byHandle["@shady-bot"].Status)
	assert.Equal(t, model.ReasonLowAuthenticity, byHandle["@shady-bot"].Reason)

	dossier, ok := f.dossiers.Dossier(runID)
	require.True(t, ok)
	assert.Equal(t, 1, dossier.TargetCount)
}

func TestEmptyDiscoveryCompletesWithEmptyDossier(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		discovery: &provider.MockDiscovery{Seeds: []model.CandidateSeed{}},
	})

	runID, status := f.admitAndWait(t, "intent: extremely niche product")

	assert.Equal(t, model.RunStateCompleted, status.State, "no targets is a completed run, not a failure")
	assert.Empty(t, status.Candidates)

	dossier, ok := f.dossiers.Dossier(runID)
	require.True(t, ok)
	assert.Zero(t, dossier.TargetCount)
	assert.Zero(t, dossier.DraftCount)
}

// slowDrafter blocks until released, to pin a run in the Drafting state.
type slowDrafter struct {
	release chan struct{}
}

func (d *slowDrafter) Draft(ctx context.Context, c model.Candidate, spec model.CampaignSpec) (model.Draft, error) {
	select {
	case <-d.release:
		return model.Draft{Subject: "Re: " + spec.Intent, Body: "hello " + c.Handle}, nil
	case <-ctx.Done():
		return model.Draft{}, ctx.Err()
	}
}

func TestAbortIsCooperative(t *testing.T) {
	drafter := &slowDrafter{release: make(chan struct{})}
	f := newFixture(t, fixtureOpts{
		discovery: &provider.MockDiscovery{Seeds: seeds("@alice")},
		drafter:   drafter,
	})

	runID, err := f.orch.Admit(f.ctx, uuid.New(), "intent: stealth launch", testPolicy(f.quotas))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := f.orch.GetStatus(runID)
		return err == nil && s.State == model.RunStateDrafting
	}, waitTimeout, 5*time.Millisecond)

	require.NoError(t, f.orch.Abort(f.ctx, runID))

	waitCtx, cancel := context.WithTimeout(f.ctx, waitTimeout)
	defer cancel()
	require.NoError(t, f.orch.Wait(waitCtx, runID))

	status, err := f.orch.GetStatus(runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateAborted, status.State)
	assert.Equal(t, model.ReasonAborted, status.Reason)
	// Reserved tracks committed spend plus outstanding holds; after the
	// refund only the spend remains.
	assert.Equal(t, status.Budget.Spent, status.Budget.Reserved, "outstanding holds refunded")

	// The in-flight draft finishes after the abort; its result is
	// recorded in the trail but changes nothing.
	close(drafter.release)
	require.Eventually(t, func() bool {
		for _, e := range f.recorder.Trail(runID) {
			if e.Kind == model.AuditDecision && e.Stage == model.StageDrafting {
				return true
			}
		}
		return false
	}, waitTimeout, 5*time.Millisecond)

	status, err = f.orch.GetStatus(runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateAborted, status.State, "late results never move a terminal run")
	for _, c := range status.Candidates {
		assert.NotEqual(t, model.CandidateIncluded, c.Status)
	}
}

func TestAbortAfterCompletionIsNoOp(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	runID, status := f.admitAndWait(t, "intent: cookbook preorder")
	require.Equal(t, model.RunStateCompleted, status.State)

	require.NoError(t, f.orch.Abort(f.ctx, runID))
	status, err := f.orch.GetStatus(runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateCompleted, status.State)
}

func TestAdmissionDeniedAtConcurrencyLimit(t *testing.T) {
	drafter := &slowDrafter{release: make(chan struct{})}
	f := newFixture(t, fixtureOpts{
		discovery: &provider.MockDiscovery{Seeds: seeds("@alice")},
		drafter:   drafter,
	})
	tenant := uuid.New()
	policy := testPolicy(f.quotas)
	policy.MaxConcurrentRuns = 1

	runID, err := f.orch.Admit(f.ctx, tenant, "intent: first campaign", policy)
	require.NoError(t, err)

	_, err = f.orch.Admit(f.ctx, tenant, "intent: second campaign", policy)
	require.ErrorIs(t, err, ErrQuotaExceeded)

	close(drafter.release)
	waitCtx, cancel := context.WithTimeout(f.ctx, waitTimeout)
	defer cancel()
	require.NoError(t, f.orch.Wait(waitCtx, runID))

	_, err = f.orch.Admit(f.ctx, tenant, "intent: third campaign", policy)
	assert.NoError(t, err, "capacity frees up once the first run finishes")
}

// slowSaveStore stretches the persistence window during admission.
type slowSaveStore struct{ delay time.Duration }

func (s slowSaveStore) SaveRun(context.Context, model.Run) error {
	time.Sleep(s.delay)
	return nil
}

func (slowSaveStore) LoadOpenRuns(context.Context) ([]model.Run, error) { return nil, nil }

func TestConcurrentAdmissionsRespectRunLimit(t *testing.T) {
	drafter := &slowDrafter{release: make(chan struct{})}
	f := newFixture(t, fixtureOpts{
		discovery: &provider.MockDiscovery{Seeds: seeds("@alice")},
		drafter:   drafter,
		store:     slowSaveStore{delay: 50 * time.Millisecond},
	})
	t.Cleanup(func() { close(drafter.release) })
	tenant := uuid.New()
	policy := testPolicy(f.quotas)
	policy.MaxConcurrentRuns = 1

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Admit(f.ctx, tenant, "intent: burst admission", policy)
			if err == nil {
				admitted.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrQuotaExceeded)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load(), "the limit holds under concurrent admission")
}

func TestRunOutlivesAdmitContext(t *testing.T) {
	f := newFixture(t, fixtureOpts{discovery: &provider.MockDiscovery{Seeds: seeds("@alice")}})

	admitCtx, cancelAdmit := context.WithCancel(f.ctx)
	runID, err := f.orch.Admit(admitCtx, uuid.New(), "intent: fire and forget", testPolicy(f.quotas))
	require.NoError(t, err)
	// The caller's context ends right after admission, the way an HTTP
	// request context does once the handler returns.
	cancelAdmit()

	waitCtx, cancel := context.WithTimeout(f.ctx, waitTimeout)
	defer cancel()
	require.NoError(t, f.orch.Wait(waitCtx, runID))

	status, err := f.orch.GetStatus(runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateCompleted, status.State)
}

func TestTerminalRunReleasesBusSubscriptions(t *testing.T) {
	f := newFixture(t, fixtureOpts{discovery: &provider.MockDiscovery{Seeds: seeds("@alice")}})

	runID, status := f.admitAndWait(t, "intent: resource check")
	require.Equal(t, model.RunStateCompleted, status.State)

	// Teardown runs once in-flight work drains; freed (run, stage) slots
	// prove the consumer goroutines and their channels are gone.
	require.Eventually(t, func() bool {
		for _, st := range []model.Stage{model.StageDrafting, model.StageOrchestrator} {
			if _, err := f.orch.bus.Subscribe(runID, st); err != nil {
				return false
			}
			f.orch.bus.Unsubscribe(runID, st)
		}
		return true
	}, waitTimeout, 5*time.Millisecond)

	// Status stays served from the retained handle.
	status, err := f.orch.GetStatus(runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateCompleted, status.State)
}

func TestAdmissionDeniedWhenBudgetSaturated(t *testing.T) {
	quotas := testQuotas()
	quotas[model.CategoryDiscovery] = 3
	f := newFixture(t, fixtureOpts{quotas: quotas})
	tenant := uuid.New()

	// Another run already holds 2 of the 3 discovery units.
	_, err := f.ledger.Reserve(f.ctx, tenant, uuid.New(), model.CategoryDiscovery, 2)
	require.NoError(t, err)

	_, err = f.orch.Admit(f.ctx, tenant, "intent: squeezed campaign", testPolicy(quotas))
	require.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestGetStatusUnknownRun(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	_, err := f.orch.GetStatus(uuid.New())
	assert.ErrorIs(t, err, ErrRunNotFound)
}

// memRunStore is an in-memory RunStore for restart round-trips.
type memRunStore struct {
	mu   sync.Mutex
	runs map[uuid.UUID]model.Run
}

func newMemRunStore() *memRunStore {
	return &memRunStore{runs: make(map[uuid.UUID]model.Run)}
}

func (s *memRunStore) SaveRun(_ context.Context, run model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *memRunStore) LoadOpenRuns(_ context.Context) ([]model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Run
	for _, r := range s.runs {
		if !r.State.Terminal() {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestRecoverResumesRunAfterRestart(t *testing.T) {
	store := newMemRunStore()
	stuck := &slowDrafter{release: make(chan struct{})}
	f1 := newFixture(t, fixtureOpts{
		discovery: &provider.MockDiscovery{Seeds: seeds("@alice", "@bob")},
		drafter:   stuck,
		store:     store,
	})

	runID, err := f1.orch.Admit(f1.ctx, uuid.New(), "intent: podcast tour", testPolicy(f1.quotas))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, err := f1.orch.GetStatus(runID)
		return err == nil && s.State == model.RunStateDrafting
	}, waitTimeout, 5*time.Millisecond)

	// Crash: all goroutines die mid-drafting, the snapshot survives.
	f1.cancel()

	f2 := newFixture(t, fixtureOpts{
		discovery: &provider.MockDiscovery{Seeds: seeds("@alice", "@bob")},
		store:     store,
	})
	require.NoError(t, f2.orch.Recover(f2.ctx))

	waitCtx, cancel := context.WithTimeout(f2.ctx, waitTimeout)
	defer cancel()
	require.NoError(t, f2.orch.Wait(waitCtx, runID))

	status, err := f2.orch.GetStatus(runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateCompleted, status.State)
	require.Len(t, status.Candidates, 2, "candidates survive the restart")
	for _, c := range status.Candidates {
		assert.Equal(t, model.CandidateIncluded, c.Status)
	}

	run, err := f2.orch.ViewRun(runID)
	require.NoError(t, err)
	assert.NotEmpty(t, run.Spec.Intent, "frozen spec survives the restart")
	for i, change := range run.StateLog[1:] {
		assert.Equal(t, run.StateLog[i].To, change.From, "history stays contiguous across restart")
	}
}
