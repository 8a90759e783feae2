// Package stage hosts the pluggable stage-executor framework and the
// per-stage adapters (A-G).
//
// The framework owns everything that must hold for every stage:
// idempotency reserve/short-circuit/commit around the side-effecting
// call, pessimistic budget reserve/commit/release around costed calls,
// outcome classification, and call deadlines. Adapters only talk to
// their provider and shape payloads.
package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/renraku/internal/budget"
	"github.com/ashita-ai/renraku/internal/bus"
	"github.com/ashita-ai/renraku/internal/idempotency"
	"github.com/ashita-ai/renraku/internal/model"
	"github.com/ashita-ai/renraku/internal/provider"
)

// ErrPermanent marks a provider failure as non-retryable. Adapters wrap
// errors with it when retrying cannot help.
var ErrPermanent = errors.New("stage: permanent failure")

// Providers bundles the external collaborators.
type Providers struct {
	Intake    provider.Intake
	Gate      provider.Gate
	Discovery provider.Discovery
	Profiler  provider.Profiler
	Drafter   provider.Drafter
	Dossiers  provider.DossierStore
}

// RunSource exposes read-only run snapshots to executors. The
// orchestrator implements it; executors never mutate runs.
type RunSource interface {
	ViewRun(runID uuid.UUID) (model.Run, error)
}

// Executor is one pipeline stage adapter.
type Executor interface {
	Stage() model.Stage
	// Execute performs the stage's work for one request. Costed work
	// and idempotency are handled by the engine around this call.
	Execute(ctx context.Context, run model.Run, req model.StageRequest) (model.StageResult, error)
	// Cost declares the budget reservation for this request; a zero
	// category means the call is not costed.
	Cost(run model.Run, req model.StageRequest) (model.Category, int64)
}

// Engine drives executors off the bus for one or more runs.
type Engine struct {
	bus         bus.Bus
	idem        idempotency.Store
	ledger      budget.Ledger
	runs        RunSource
	logger      *slog.Logger
	callTimeout time.Duration

	executors map[model.Stage]Executor

	mu       sync.Mutex
	idle     *sync.Cond
	inflight map[uuid.UUID]int
}

// NewEngine wires the framework. callTimeout is the per-call deadline
// applied to every provider call.
func NewEngine(b bus.Bus, idem idempotency.Store, ledger budget.Ledger, runs RunSource, p Providers, discoverLimit int, callTimeout time.Duration, logger *slog.Logger) *Engine {
	e := &Engine{
		bus:         b,
		idem:        idem,
		ledger:      ledger,
		runs:        runs,
		logger:      logger,
		callTimeout: callTimeout,
		executors:   make(map[model.Stage]Executor),
		inflight:    make(map[uuid.UUID]int),
	}
	e.idle = sync.NewCond(&e.mu)
	for _, ex := range []Executor{
		&briefingExecutor{intake: p.Intake},
		&gateExecutor{gate: p.Gate},
		&discoveryExecutor{discovery: p.Discovery, limit: discoverLimit},
		&profilingExecutor{profiler: p.Profiler},
		&contactExecutor{gate: p.Gate, profiler: p.Profiler},
		&draftingExecutor{drafter: p.Drafter},
		&finalizeExecutor{dossiers: p.Dossiers},
	} {
		e.executors[ex.Stage()] = ex
	}
	return e
}

// Attach subscribes an executor goroutine for every pipeline stage of
// the run. Goroutines exit when their subscription closes or ctx ends.
func (e *Engine) Attach(ctx context.Context, runID uuid.UUID) error {
	for stage := range e.executors {
		ch, err := e.bus.Subscribe(runID, stage)
		if err != nil {
			return fmt.Errorf("stage: attach %s: %w", stage, err)
		}
		go e.consume(ctx, stage, ch)
	}
	return nil
}

// Detach unsubscribes every stage for the run. Closed subscriptions end
// the consume goroutines.
func (e *Engine) Detach(runID uuid.UUID) {
	for stage := range e.executors {
		e.bus.Unsubscribe(runID, stage)
	}
}

// DrainRun blocks until no stage call for the run is in flight. Those
// calls publish their results before they are counted out, so the
// results are on the bus when DrainRun returns.
func (e *Engine) DrainRun(runID uuid.UUID) {
	e.mu.Lock()
	for e.inflight[runID] > 0 {
		e.idle.Wait()
	}
	e.mu.Unlock()
}

func (e *Engine) beginOp(runID uuid.UUID) {
	e.mu.Lock()
	e.inflight[runID]++
	e.mu.Unlock()
}

func (e *Engine) endOp(runID uuid.UUID) {
	e.mu.Lock()
	if e.inflight[runID]--; e.inflight[runID] <= 0 {
		delete(e.inflight, runID)
		e.idle.Broadcast()
	}
	e.mu.Unlock()
}

func (e *Engine) consume(ctx context.Context, stage model.Stage, ch <-chan model.Event) {
	// Independent candidates within one stage run in parallel, bounded
	// so a burst of discovery fan-out cannot swamp a provider.
	sem := semaphore.NewWeighted(maxParallelPerStage)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Name != model.EventStageRequest {
				continue
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			e.beginOp(ev.RunID)
			go func(ev model.Event) {
				defer sem.Release(1)
				defer e.endOp(ev.RunID)
				e.process(ctx, stage, ev)
			}(ev)
		}
	}
}

const maxParallelPerStage = 8

// process runs one stage request through the idempotency and budget
// envelopes and publishes the result back to the orchestrator.
func (e *Engine) process(ctx context.Context, stage model.Stage, ev model.Event) {
	ex := e.executors[stage]

	req, err := model.DecodeStageRequest(ev)
	if err != nil {
		e.publishResult(ctx, ev, model.StageResult{
			Stage:   stage,
			Outcome: model.OutcomeFatal,
			Reason:  model.ReasonIntegrity,
			Error:   err.Error(),
		})
		return
	}

	run, err := e.runs.ViewRun(ev.RunID)
	if err != nil {
		e.publishResult(ctx, ev, retryableResult(stage, req, model.ReasonProviderError, err))
		return
	}

	fingerprint, err := idempotency.Fingerprint(req)
	if err != nil {
		e.publishResult(ctx, ev, model.StageResult{
			Stage: stage, Outcome: model.OutcomeFatal, Reason: model.ReasonIntegrity, Error: err.Error(),
			CandidateID: req.CandidateID,
		})
		return
	}

	// Reserve before any side effect. A committed key short-circuits:
	// the stored result is republished and nothing re-executes.
	reservation, err := e.idem.Reserve(ctx, ev.IdempotencyKey, fingerprint)
	if err != nil {
		if errors.Is(err, idempotency.ErrFingerprintMismatch) {
			e.logger.Error("stage: idempotency fingerprint mismatch",
				"run_id", ev.RunID, "stage", stage, "key", ev.IdempotencyKey)
			e.publishResult(ctx, ev, model.StageResult{
				Stage: stage, Outcome: model.OutcomeFatal, Reason: model.ReasonIntegrity,
				Error: err.Error(), CandidateID: req.CandidateID,
			})
			return
		}
		e.publishResult(ctx, ev, retryableResult(stage, req, model.ReasonProviderError, err))
		return
	}
	switch reservation.Disposition {
	case idempotency.AlreadyCommitted:
		var stored model.StageResult
		if err := json.Unmarshal(reservation.Result, &stored); err != nil {
			e.logger.Error("stage: corrupt idempotency record", "key", ev.IdempotencyKey, "error", err)
			return
		}
		e.publishResult(ctx, ev, stored)
		return
	case idempotency.AlreadyPending:
		// Another delivery owns this operation; drop ours.
		return
	}

	result := e.execute(ctx, ex, run, req, ev)
	result.Stage = stage
	result.CandidateID = req.CandidateID

	// Retryable outcomes release the key so the redispatch can acquire
	// it; everything else is terminal for this operation and commits.
	if result.Outcome == model.OutcomeRetryable {
		if err := e.idem.Release(ctx, ev.IdempotencyKey); err != nil {
			e.logger.Warn("stage: release idempotency key", "key", ev.IdempotencyKey, "error", err)
		}
	} else {
		stored, err := json.Marshal(result)
		if err == nil {
			err = e.idem.Commit(ctx, ev.IdempotencyKey, stored)
		}
		if err != nil {
			e.logger.Error("stage: commit idempotency record", "key", ev.IdempotencyKey, "error", err)
		}
	}

	e.publishResult(ctx, ev, result)
}

// execute wraps the adapter call with the budget envelope and deadline.
func (e *Engine) execute(ctx context.Context, ex Executor, run model.Run, req model.StageRequest, ev model.Event) model.StageResult {
	var res *budget.Reservation
	if category, amount := ex.Cost(run, req); category != "" && amount > 0 {
		r, err := e.ledger.Reserve(ctx, run.TenantID, run.ID, category, amount)
		if err != nil {
			if errors.Is(err, budget.ErrQuotaExceeded) {
				// Denied reservations surface as a rejection, never a
				// silent no-op: run-level at the gate/discovery, a
				// per-candidate skip later.
				return model.StageResult{
					Outcome: model.OutcomeRejected,
					Reason:  model.ReasonBudgetExhausted,
					Error:   err.Error(),
				}
			}
			return retryableResult(ex.Stage(), req, model.ReasonProviderError, err)
		}
		res = &r
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	result, err := ex.Execute(callCtx, run, req)
	if err != nil {
		if res != nil {
			if rerr := e.ledger.Release(ctx, res.ID); rerr != nil {
				e.logger.Warn("stage: release budget hold", "error", rerr)
			}
		}
		return classify(ex.Stage(), req, err)
	}

	if res != nil {
		actual := res.Amount
		if result.Outcome == model.OutcomeRejected {
			actual = 0
		}
		if ex.Stage() == model.StageDiscovery && result.Outcome == model.OutcomeSuccess {
			// Discovery reserves for the requested limit but only pays
			// for the seeds it found.
			actual = int64(len(result.Seeds))
		}
		if actual == 0 {
			if err := e.ledger.Release(ctx, res.ID); err != nil {
				e.logger.Warn("stage: release budget hold", "error", err)
			}
		} else if err := e.ledger.Commit(ctx, res.ID, actual); err != nil {
			e.logger.Warn("stage: commit budget hold", "error", err)
		}
	}
	return result
}

// classify maps an adapter error to the outcome taxonomy.
func classify(stage model.Stage, req model.StageRequest, err error) model.StageResult {
	var decline provider.DraftDecline
	switch {
	case errors.As(err, &decline):
		return model.StageResult{
			Outcome: model.OutcomeRejected,
			Reason:  model.ReasonDraftDeclined,
			Error:   decline.Reason,
		}
	case errors.Is(err, context.DeadlineExceeded):
		return retryableResult(stage, req, model.ReasonTimeout, err)
	case errors.Is(err, ErrPermanent):
		return model.StageResult{
			Outcome: model.OutcomeFatal,
			Reason:  model.ReasonProviderError,
			Error:   err.Error(),
		}
	default:
		return retryableResult(stage, req, model.ReasonProviderError, err)
	}
}

func retryableResult(stage model.Stage, req model.StageRequest, reason model.ReasonCode, err error) model.StageResult {
	return model.StageResult{
		Stage:       stage,
		Outcome:     model.OutcomeRetryable,
		Reason:      reason,
		Error:       err.Error(),
		CandidateID: req.CandidateID,
	}
}

func (e *Engine) publishResult(ctx context.Context, cause model.Event, result model.StageResult) {
	ev, err := model.NewEvent(cause.RunID, cause.TenantID, model.StageOrchestrator,
		model.EventStageResult, cause.IdempotencyKey+":result", result)
	if err != nil {
		e.logger.Error("stage: build result event", "error", err)
		return
	}
	ev.Attempt = cause.Attempt
	if _, err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.Error("stage: publish result", "run_id", cause.RunID, "error", err)
	}
}
