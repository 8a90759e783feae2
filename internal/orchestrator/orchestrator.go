// Package orchestrator owns the run state machine.
//
// The orchestrator admits runs, reacts to stage results arriving on the
// bus, advances the state machine, enforces retry/backoff policy, and
// persists run snapshots on every transition. Each run is consumed by a
// single goroutine, so one run's state machine never interleaves with
// itself; concurrency lives across runs and across candidates inside a
// stage.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/renraku/internal/audit"
	"github.com/ashita-ai/renraku/internal/budget"
	"github.com/ashita-ai/renraku/internal/bus"
	"github.com/ashita-ai/renraku/internal/idempotency"
	"github.com/ashita-ai/renraku/internal/model"
	"github.com/ashita-ai/renraku/internal/stage"
)

var (
	// ErrQuotaExceeded denies admission when the tenant's concurrent-run
	// or budget quota is saturated.
	ErrQuotaExceeded = errors.New("orchestrator: tenant quota exceeded")
	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("orchestrator: run not found")
)

// RunStore persists run snapshots. Implementations must make SaveRun
// durable before returning; the orchestrator calls it on every state
// transition and candidate mutation.
type RunStore interface {
	SaveRun(ctx context.Context, run model.Run) error
	LoadOpenRuns(ctx context.Context) ([]model.Run, error)
}

// NoopRunStore is the memory-mode store: snapshots live only in process.
type NoopRunStore struct{}

func (NoopRunStore) SaveRun(context.Context, model.Run) error          { return nil }
func (NoopRunStore) LoadOpenRuns(context.Context) ([]model.Run, error) { return nil, nil }

// Config tunes retry and backoff behavior.
type Config struct {
	// DefaultRetryCap applies when the tenant policy does not name a stage.
	DefaultRetryCap int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
	// BackoffMax caps the computed delay.
	BackoffMax time.Duration
	// DiscoverLimit is the per-run candidate discovery cap.
	DiscoverLimit int
}

func (c *Config) setDefaults() {
	if c.DefaultRetryCap <= 0 {
		c.DefaultRetryCap = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.DiscoverLimit <= 0 {
		c.DiscoverLimit = 10
	}
}

// runHandle is the orchestrator's per-run bookkeeping. The run loop
// goroutine is the only writer of run state; the mutex covers readers
// (status queries, executor run views).
type runHandle struct {
	mu       sync.Mutex
	run      *model.Run
	aborted  bool
	done     chan struct{}
	doneOnce sync.Once
}

// Orchestrator sequences the pipeline for every admitted run.
type Orchestrator struct {
	bus      bus.Bus
	engine   *stage.Engine
	ledger   budget.Ledger
	recorder *audit.Recorder
	store    RunStore
	logger   *slog.Logger
	cfg      Config

	tracer  trace.Tracer
	retries metric.Int64Counter

	// baseCtx bounds run loops and executor goroutines. Runs admitted
	// over HTTP must outlive the request context, so start never uses
	// the Admit context.
	baseCtx context.Context

	mu   sync.Mutex
	runs map[uuid.UUID]*runHandle
}

// New wires the orchestrator. The stage engine is created by the caller
// with this orchestrator as its RunSource, so construct with Wire:
//
//	o := orchestrator.New(...)
//	o.SetEngine(stage.NewEngine(..., o, ...))
func New(b bus.Bus, ledger budget.Ledger, recorder *audit.Recorder, store RunStore, cfg Config, logger *slog.Logger) *Orchestrator {
	cfg.setDefaults()
	meter := otel.GetMeterProvider().Meter("renraku/orchestrator")
	retries, err := meter.Int64Counter("renraku.stage.retries")
	if err != nil {
		logger.Warn("orchestrator: create retry counter", "error", err)
	}
	return &Orchestrator{
		bus:      b,
		ledger:   ledger,
		recorder: recorder,
		store:    store,
		logger:   logger,
		cfg:      cfg,
		tracer:   otel.GetTracerProvider().Tracer("renraku/orchestrator"),
		retries:  retries,
		baseCtx:  context.Background(),
		runs:     make(map[uuid.UUID]*runHandle),
	}
}

// SetEngine attaches the stage engine. Must be called before Admit.
func (o *Orchestrator) SetEngine(e *stage.Engine) { o.engine = e }

// Start binds the orchestrator's lifecycle context. Every run loop and
// executor goroutine lives until ctx ends; the context handed to Admit
// only covers admission itself. Call before Admit or Recover.
func (o *Orchestrator) Start(ctx context.Context) { o.baseCtx = ctx }

// Admit creates a run for the tenant's brief and starts the pipeline.
// It fails with ErrQuotaExceeded when the tenant is at its concurrent-
// run limit or its discovery budget is already fully held.
func (o *Orchestrator) Admit(ctx context.Context, tenantID uuid.UUID, rawBrief string, policy model.TenantPolicy) (uuid.UUID, error) {
	run := &model.Run{
		ID:         uuid.New(),
		TenantID:   tenantID,
		State:      model.RunStateAdmitted,
		RawBrief:   rawBrief,
		Candidates: []model.Candidate{},
		Policy:     policy,
		CreatedAt:  time.Now().UTC(),
	}
	h := &runHandle{run: run, done: make(chan struct{})}

	// Quota check and registration are one critical section: concurrent
	// admits must not pass the check together and jointly overrun the
	// limit. The handle is rolled back if anything after fails.
	o.mu.Lock()
	active := 0
	for _, other := range o.runs {
		other.mu.Lock()
		if other.run.TenantID == tenantID && !other.run.State.Terminal() {
			active++
		}
		other.mu.Unlock()
	}
	if policy.MaxConcurrentRuns > 0 && active >= policy.MaxConcurrentRuns {
		o.mu.Unlock()
		return uuid.Nil, fmt.Errorf("%w: %d concurrent runs", ErrQuotaExceeded, active)
	}
	if quota, ok := policy.QuotaPerCategory[model.CategoryDiscovery]; ok {
		held := o.ledger.TenantReserved(tenantID, model.CategoryDiscovery)
		if held+int64(o.cfg.DiscoverLimit) > quota {
			o.mu.Unlock()
			return uuid.Nil, fmt.Errorf("%w: discovery budget saturated (%d of %d held)",
				ErrQuotaExceeded, held, quota)
		}
	}
	o.runs[run.ID] = h
	o.mu.Unlock()

	if err := o.store.SaveRun(ctx, *run); err != nil {
		o.evict(run.ID)
		return uuid.Nil, fmt.Errorf("orchestrator: persist admitted run: %w", err)
	}
	if err := o.start(h); err != nil {
		o.evict(run.ID)
		return uuid.Nil, err
	}

	ev, err := model.NewEvent(run.ID, tenantID, model.StageOrchestrator, model.EventRunStarted,
		idempotency.Key(tenantID, run.ID, model.StageOrchestrator, "run.started"), nil)
	if err != nil {
		o.teardown(run.ID)
		o.evict(run.ID)
		return uuid.Nil, err
	}
	if _, err := o.bus.Publish(ctx, ev); err != nil {
		o.teardown(run.ID)
		o.evict(run.ID)
		return uuid.Nil, fmt.Errorf("orchestrator: publish run.started: %w", err)
	}
	return run.ID, nil
}

// evict rolls back a run registered during admission that failed to start.
func (o *Orchestrator) evict(runID uuid.UUID) {
	o.mu.Lock()
	delete(o.runs, runID)
	o.mu.Unlock()
}

// start attaches stage executors and the run's consumer loop. Both are
// bound to the lifecycle context, not the admission context.
func (o *Orchestrator) start(h *runHandle) error {
	h.mu.Lock()
	runID := h.run.ID
	h.mu.Unlock()

	if err := o.engine.Attach(o.baseCtx, runID); err != nil {
		return err
	}
	ch, err := o.bus.Subscribe(runID, model.StageOrchestrator)
	if err != nil {
		return fmt.Errorf("orchestrator: subscribe: %w", err)
	}
	go o.runLoop(o.baseCtx, h, ch)
	return nil
}

// Abort requests cooperative cancellation: in-flight stage calls finish
// and their results are recorded but not acted upon.
func (o *Orchestrator) Abort(ctx context.Context, runID uuid.UUID) error {
	h, err := o.handle(runID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	terminal := h.run.State.Terminal()
	tenantID := h.run.TenantID
	h.mu.Unlock()
	if terminal {
		return nil // duplicate abort of a finished run is a no-op
	}

	ev, err := model.NewEvent(runID, tenantID, model.StageOrchestrator, model.EventRunAborted,
		idempotency.Key(tenantID, runID, model.StageOrchestrator, "run.aborted"), nil)
	if err != nil {
		return err
	}
	_, err = o.bus.Publish(ctx, ev)
	return err
}

// Status is the read model for a run: the furthest-completed state plus
// per-candidate outcomes, never a bare opaque failure.
type Status struct {
	RunID       uuid.UUID                `json:"run_id"`
	TenantID    uuid.UUID                `json:"tenant_id"`
	State       model.RunState           `json:"state"`
	Reason      model.ReasonCode         `json:"reason,omitempty"`
	Error       string                   `json:"error,omitempty"`
	Candidates  []model.CandidateOutcome `json:"candidates"`
	Budget      model.BudgetSnapshot     `json:"budget"`
	AuditTrail  []model.AuditEntry       `json:"audit_trail"`
	DeadLetters []bus.DeadLetter         `json:"dead_letters,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
}

// GetStatus reports a run's current position. It never mutates.
func (o *Orchestrator) GetStatus(runID uuid.UUID) (Status, error) {
	h, err := o.handle(runID)
	if err != nil {
		return Status{}, err
	}
	h.mu.Lock()
	run := cloneRun(h.run)
	h.mu.Unlock()

	s := Status{
		RunID:       run.ID,
		TenantID:    run.TenantID,
		State:       run.State,
		Reason:      run.Reason,
		Error:       run.Error,
		Candidates:  make([]model.CandidateOutcome, 0, len(run.Candidates)),
		Budget:      o.ledger.RunSnapshot(run.ID),
		AuditTrail:  o.recorder.Trail(run.ID),
		DeadLetters: o.bus.DeadLetters(run.ID),
		CreatedAt:   run.CreatedAt,
		CompletedAt: run.CompletedAt,
	}
	for _, c := range run.Candidates {
		s.Candidates = append(s.Candidates, model.CandidateOutcome{
			CandidateID: c.ID,
			Handle:      c.Handle,
			Status:      c.Status,
			Reason:      c.Reason,
			Error:       c.Error,
		})
	}
	return s, nil
}

// ViewRun implements stage.RunSource: a read-only snapshot for executors.
func (o *Orchestrator) ViewRun(runID uuid.UUID) (model.Run, error) {
	h, err := o.handle(runID)
	if err != nil {
		return model.Run{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return cloneRun(h.run), nil
}

// Recover reloads open runs from the store after a restart and
// redispatches their current stage. The idempotency store short-
// circuits anything that already ran, so redispatch is safe.
func (o *Orchestrator) Recover(ctx context.Context) error {
	runs, err := o.store.LoadOpenRuns(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: load open runs: %w", err)
	}
	for i := range runs {
		run := runs[i]
		h := &runHandle{run: &run, done: make(chan struct{})}
		o.mu.Lock()
		o.runs[run.ID] = h
		o.mu.Unlock()

		if err := o.start(h); err != nil {
			return err
		}
		if err := o.redispatchCurrent(ctx, h); err != nil {
			o.logger.Error("orchestrator: recover run", "run_id", run.ID, "error", err)
		}
		o.logger.Info("orchestrator: recovered run", "run_id", run.ID, "state", run.State)
	}
	return nil
}

// Wait blocks until the run reaches a terminal state or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, runID uuid.UUID) error {
	h, err := o.handle(runID)
	if err != nil {
		return err
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) handle(runID uuid.UUID) (*runHandle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return h, nil
}

// cloneRun deep-copies the mutable parts of a run.
func cloneRun(r *model.Run) model.Run {
	out := *r
	out.Candidates = make([]model.Candidate, len(r.Candidates))
	copy(out.Candidates, r.Candidates)
	out.StateLog = make([]model.StateChange, len(r.StateLog))
	copy(out.StateLog, r.StateLog)
	if r.Spec != nil {
		spec := *r.Spec
		out.Spec = &spec
	}
	return out
}
