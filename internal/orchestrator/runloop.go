package orchestrator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/renraku/internal/idempotency"
	"github.com/ashita-ai/renraku/internal/model"
)

// dispatch is a stage request to publish after the handler releases the
// run lock. Publishing under the lock could block against an executor
// that is itself waiting on ViewRun.
type dispatch struct {
	stage       model.Stage
	candidateID *uuid.UUID
	attempt     int
}

// runLoop consumes the run's orchestrator-targeted events one at a time.
// It is the only goroutine that mutates the run, which is what makes the
// state machine race-free without finer locking.
func (o *Orchestrator) runLoop(ctx context.Context, h *runHandle, ch <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Name {
			case model.EventRunStarted:
				o.handleStarted(ctx, h)
			case model.EventRunAborted:
				o.handleAborted(ctx, h)
			case model.EventStageResult:
				o.handleResult(ctx, h, ev)
			}
		}
	}
}

// handleStarted moves an admitted run into Briefing. A replayed
// run.started on an already-moving run is a no-op.
func (o *Orchestrator) handleStarted(ctx context.Context, h *runHandle) {
	h.mu.Lock()
	if h.run.State != model.RunStateAdmitted {
		h.mu.Unlock()
		return
	}
	o.transitionLocked(ctx, h, model.RunStateBriefing, "", "")
	h.mu.Unlock()

	o.dispatch(ctx, h, dispatch{stage: model.StageBriefing, attempt: 1})
}

// handleAborted applies a cooperative abort: the run jumps to Aborted,
// outstanding budget holds are refunded, and any still-in-flight stage
// results are later recorded but not acted upon.
func (o *Orchestrator) handleAborted(ctx context.Context, h *runHandle) {
	h.mu.Lock()
	if h.run.State.Terminal() {
		h.mu.Unlock()
		return
	}
	h.aborted = true
	runID, tenantID := h.run.ID, h.run.TenantID
	// Refund before the terminal transition so the persisted snapshot
	// reflects the post-refund position.
	if err := o.ledger.ReleaseRun(ctx, runID); err != nil {
		o.logger.Warn("orchestrator: refund holds on abort", "run_id", runID, "error", err)
	}
	o.transitionLocked(ctx, h, model.RunStateAborted, model.ReasonAborted, "")
	h.mu.Unlock()

	o.recorder.Decision(runID, tenantID, model.StageOrchestrator, nil,
		"run aborted by request, outstanding holds refunded", model.ReasonAborted)
	o.finish(h)
}

// handleResult applies one stage result to the run. Replayed or late
// results are detected by comparing the result's stage against the run's
// position and are recorded without effect.
func (o *Orchestrator) handleResult(ctx context.Context, h *runHandle, ev model.Event) {
	res, err := model.DecodeStageResult(ev)
	if err != nil {
		o.logger.Error("orchestrator: decode stage result", "run_id", ev.RunID, "error", err)
		return
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.handle_result")
	span.SetAttributes(
		attribute.String("run_id", ev.RunID.String()),
		attribute.String("stage", string(res.Stage)),
		attribute.String("outcome", string(res.Outcome)),
	)
	defer span.End()

	h.mu.Lock()
	run := h.run
	if run.State.Terminal() {
		h.mu.Unlock()
		o.recorder.Decision(ev.RunID, ev.TenantID, res.Stage, res.CandidateID,
			fmt.Sprintf("late %s result recorded after terminal state", res.Stage), res.Reason)
		return
	}
	// A result for a stage the run is not currently in is a journal
	// replay of already-applied work.
	if model.StateForStage(res.Stage) != run.State {
		h.mu.Unlock()
		return
	}

	switch res.Outcome {
	case model.OutcomeSuccess:
		o.applySuccess(ctx, h, ev, res)
	case model.OutcomeRetryable:
		o.applyRetryable(ctx, h, ev, res)
	case model.OutcomeFatal:
		o.applyFatal(ctx, h, ev, res)
	case model.OutcomeRejected:
		o.applyRejected(ctx, h, ev, res)
	default:
		h.mu.Unlock()
		o.logger.Error("orchestrator: unknown outcome class",
			"run_id", ev.RunID, "outcome", string(res.Outcome))
	}
}

// applySuccess advances the machine. Called with h.mu held; releases it.
func (o *Orchestrator) applySuccess(ctx context.Context, h *runHandle, ev model.Event, res model.StageResult) {
	run := h.run
	var out []dispatch

	switch res.Stage {
	case model.StageBriefing:
		run.Spec = res.Spec
		o.transitionLocked(ctx, h, model.RunStateGating, "", "")
		out = append(out, dispatch{stage: model.StageGate, attempt: 1})

	case model.StageGate:
		o.transitionLocked(ctx, h, model.RunStateDiscovery, "", "")
		o.recorder.Decision(run.ID, run.TenantID, model.StageGate, nil, "campaign approved", "")
		out = append(out, dispatch{stage: model.StageDiscovery, attempt: 1})

	case model.StageDiscovery:
		for _, seed := range res.Seeds {
			run.Candidates = append(run.Candidates, model.Candidate{
				ID:       uuid.New(),
				Handle:   seed.Handle,
				Platform: seed.Platform,
				Evidence: seed.Evidence,
				Status:   model.CandidateActive,
			})
		}
		if len(res.Seeds) == 0 {
			// An empty candidate set is a completed run with an empty
			// dossier, not a failure.
			o.recorder.Decision(run.ID, run.TenantID, model.StageDiscovery, nil,
				"discovery found no targets, finalizing empty dossier", "")
			out = o.advanceThroughEmptyLocked(ctx, h, model.RunStateDiscovery)
		} else {
			o.transitionLocked(ctx, h, model.RunStateProfiling, "", "")
			out = dispatchPerCandidate(run, model.StageProfiling)
		}

	case model.StageProfiling, model.StageContactPrep, model.StageDrafting:
		c := o.applyCandidateSuccess(h, res)
		if c == nil {
			h.mu.Unlock()
			return
		}
		out = o.maybeAdvanceLocked(ctx, h, res.Stage)

	case model.StageFinalize:
		run.Budget = o.ledger.RunSnapshot(run.ID)
		for i := range run.Candidates {
			if run.Candidates[i].Status == model.CandidateActive && run.Candidates[i].Draft != nil {
				run.Candidates[i].Status = model.CandidateIncluded
			}
		}
		o.transitionLocked(ctx, h, model.RunStateCompleted, "", "")
		h.mu.Unlock()
		o.finish(h)
		return
	}

	h.mu.Unlock()
	for _, d := range out {
		o.dispatch(ctx, h, d)
	}
}

// applyCandidateSuccess folds a per-candidate result into the candidate
// record. Returns nil when the result is a duplicate or the candidate
// already dropped out. Caller holds h.mu.
func (o *Orchestrator) applyCandidateSuccess(h *runHandle, res model.StageResult) *model.Candidate {
	if res.CandidateID == nil {
		return nil
	}
	c := h.run.CandidateByID(*res.CandidateID)
	if c == nil || c.Status != model.CandidateActive || c.StageDone == res.Stage {
		return nil
	}
	switch res.Stage {
	case model.StageProfiling:
		if res.Profile != nil {
			c.Stance = res.Profile.Stance
			c.Rationale = res.Profile.Rationale
			c.Evidence = append(c.Evidence, res.Profile.Evidence...)
		}
	case model.StageContactPrep:
		c.Contact = res.Contact
	case model.StageDrafting:
		c.Draft = res.Draft
	}
	c.StageDone = res.Stage
	return c
}

// applyRetryable redispatches with backoff, or converts to fatal when
// the stage's retry cap is exhausted. Called with h.mu held; releases it.
func (o *Orchestrator) applyRetryable(ctx context.Context, h *runHandle, ev model.Event, res model.StageResult) {
	run := h.run
	cap := run.Policy.RetryCap(res.Stage, o.cfg.DefaultRetryCap)
	if ev.Attempt >= cap {
		if err := o.bus.Park(ctx, ev, res.Error); err != nil {
			o.logger.Warn("orchestrator: park event", "run_id", run.ID, "error", err)
		}
		o.recorder.DeadLetter(run.ID, run.TenantID, res.Stage, res.Error)
		res.Reason = model.ReasonRetriesExhausted
		o.applyFatal(ctx, h, ev, res)
		return
	}

	attempt := ev.Attempt + 1
	backoff := o.backoff(ev.Attempt)
	runID, tenantID := run.ID, run.TenantID
	candidateID := res.CandidateID
	stage := res.Stage
	h.mu.Unlock()

	o.recorder.Retry(runID, tenantID, stage, candidateID, attempt, res.Reason, backoff)
	if o.retries != nil {
		o.retries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", string(stage)),
			attribute.String("reason", string(res.Reason)),
		))
	}
	o.logger.Info("orchestrator: scheduling retry",
		"run_id", runID, "stage", stage, "attempt", attempt,
		"backoff", backoff, "reason", res.Reason)

	time.AfterFunc(backoff, func() {
		o.dispatch(ctx, h, dispatch{stage: stage, candidateID: candidateID, attempt: attempt})
	})
}

// applyFatal fails the run on a mandatory stage, or drops just the
// candidate elsewhere. Called with h.mu held; releases it.
func (o *Orchestrator) applyFatal(ctx context.Context, h *runHandle, ev model.Event, res model.StageResult) {
	run := h.run
	if model.MandatoryStage(res.Stage) || res.CandidateID == nil {
		reason := res.Reason
		if reason == "" {
			reason = model.ReasonProviderError
		}
		runID, tenantID := run.ID, run.TenantID
		run.Reason = reason
		run.Error = res.Error
		if err := o.ledger.ReleaseRun(ctx, runID); err != nil {
			o.logger.Warn("orchestrator: refund holds on failure", "run_id", runID, "error", err)
		}
		o.transitionLocked(ctx, h, model.RunStateFailed, reason, res.Error)
		h.mu.Unlock()

		o.recorder.Decision(runID, tenantID, res.Stage, nil,
			fmt.Sprintf("run failed at %s: %s", res.Stage, res.Error), reason)
		o.finish(h)
		return
	}

	if c := run.CandidateByID(*res.CandidateID); c != nil && c.Status == model.CandidateActive {
		c.Status = model.CandidateFailed
		c.Reason = res.Reason
		c.Error = res.Error
		o.recorder.Decision(run.ID, run.TenantID, res.Stage, res.CandidateID,
			"candidate failed: "+res.Error, res.Reason)
	}
	out := o.maybeAdvanceLocked(ctx, h, res.Stage)
	h.mu.Unlock()
	for _, d := range out {
		o.dispatch(ctx, h, d)
	}
}

// applyRejected handles business-rule denials: run-scoped rejections
// abort the run and refund outstanding holds, per-candidate rejections
// drop only that candidate. Called with h.mu held; releases it.
func (o *Orchestrator) applyRejected(ctx context.Context, h *runHandle, ev model.Event, res model.StageResult) {
	run := h.run
	if res.CandidateID == nil {
		reason := res.Reason
		runID, tenantID := run.ID, run.TenantID
		run.Reason = reason
		run.Error = res.Error
		// Committed spend stays spent; only outstanding holds come back.
		if err := o.ledger.ReleaseRun(ctx, runID); err != nil {
			o.logger.Warn("orchestrator: refund holds on rejection", "run_id", runID, "error", err)
		}
		o.transitionLocked(ctx, h, model.RunStateAborted, reason, res.Error)
		h.mu.Unlock()

		o.recorder.Decision(runID, tenantID, res.Stage, nil,
			fmt.Sprintf("campaign rejected at %s: %s", res.Stage, res.Error), reason)
		o.finish(h)
		return
	}

	if c := run.CandidateByID(*res.CandidateID); c != nil && c.Status == model.CandidateActive {
		c.Status = model.CandidateRejected
		c.Reason = res.Reason
		c.Error = res.Error
		o.recorder.Decision(run.ID, run.TenantID, res.Stage, res.CandidateID,
			"candidate excluded: "+string(res.Reason), res.Reason)
	}
	out := o.maybeAdvanceLocked(ctx, h, res.Stage)
	h.mu.Unlock()
	for _, d := range out {
		o.dispatch(ctx, h, d)
	}
}

// maybeAdvanceLocked checks whether every active candidate has finished
// the current per-candidate stage, and if so moves the run to the next
// stage, fanning out the next round of requests. Caller holds h.mu.
func (o *Orchestrator) maybeAdvanceLocked(ctx context.Context, h *runHandle, stage model.Stage) []dispatch {
	run := h.run
	for i := range run.Candidates {
		c := &run.Candidates[i]
		if c.Status == model.CandidateActive && c.StageDone != stage {
			return nil // stage still has work in flight
		}
	}

	if run.ActiveCandidates() == 0 {
		return o.advanceThroughEmptyLocked(ctx, h, model.StateForStage(stage))
	}

	next := model.NextStage(stage)
	o.transitionLocked(ctx, h, model.StateForStage(next), "", "")
	if next == model.StageFinalize {
		run.Budget = o.ledger.RunSnapshot(run.ID)
		return []dispatch{{stage: model.StageFinalize, attempt: 1}}
	}
	return dispatchPerCandidate(run, next)
}

// advanceThroughEmptyLocked walks the run forward through per-candidate
// states that have nobody left to process, straight to finalization.
// Every intermediate transition is logged so the state history stays
// strictly forward with no skipped links. Caller holds h.mu.
func (o *Orchestrator) advanceThroughEmptyLocked(ctx context.Context, h *runHandle, from model.RunState) []dispatch {
	for st := from; st != model.RunStateFinalizing; {
		next := model.NextStage(stageForState(st))
		o.transitionLocked(ctx, h, model.StateForStage(next), "", "")
		st = model.StateForStage(next)
	}
	h.run.Budget = o.ledger.RunSnapshot(h.run.ID)
	return []dispatch{{stage: model.StageFinalize, attempt: 1}}
}

func dispatchPerCandidate(run *model.Run, stage model.Stage) []dispatch {
	var out []dispatch
	for i := range run.Candidates {
		c := &run.Candidates[i]
		if c.Status != model.CandidateActive {
			continue
		}
		id := c.ID
		out = append(out, dispatch{stage: stage, candidateID: &id, attempt: 1})
	}
	return out
}

// transitionLocked applies one state-machine edge, appends it to the
// run's state log, and persists the snapshot. Illegal edges are a bug:
// they are logged loudly and not applied. Caller holds h.mu.
func (o *Orchestrator) transitionLocked(ctx context.Context, h *runHandle, next model.RunState, reason model.ReasonCode, errStr string) {
	run := h.run
	if !run.State.CanTransitionTo(next) {
		o.logger.Error("orchestrator: illegal state transition",
			"run_id", run.ID, "from", run.State, "to", next)
		return
	}
	now := time.Now().UTC()
	run.StateLog = append(run.StateLog, model.StateChange{From: run.State, To: next, At: now})
	run.State = next
	if reason != "" {
		run.Reason = reason
	}
	if errStr != "" {
		run.Error = errStr
	}
	if next.Terminal() {
		run.CompletedAt = &now
		run.Budget = o.ledger.RunSnapshot(run.ID)
	}
	if err := o.store.SaveRun(ctx, cloneRun(run)); err != nil {
		o.logger.Error("orchestrator: persist run snapshot",
			"run_id", run.ID, "state", run.State, "error", err)
	}
	o.logger.Info("orchestrator: run transitioned",
		"run_id", run.ID, "from", run.StateLog[len(run.StateLog)-1].From, "to", next)
}

// dispatch publishes one stage.request. The idempotency key is
// deterministic in (tenant, run, stage, candidate), never in the
// attempt, so a retry re-acquires the same key.
func (o *Orchestrator) dispatch(ctx context.Context, h *runHandle, d dispatch) {
	h.mu.Lock()
	run := h.run
	if run.State.Terminal() || h.aborted {
		h.mu.Unlock()
		return
	}
	runID, tenantID := run.ID, run.TenantID
	brief := ""
	if d.stage == model.StageBriefing {
		brief = run.RawBrief
	}
	h.mu.Unlock()

	op := "exec"
	if d.candidateID != nil {
		op = "exec:" + d.candidateID.String()
	}
	ev, err := model.NewEvent(runID, tenantID, d.stage, model.EventStageRequest,
		idempotency.Key(tenantID, runID, d.stage, op),
		model.StageRequest{Brief: brief, CandidateID: d.candidateID})
	if err != nil {
		o.logger.Error("orchestrator: build stage request", "run_id", runID, "error", err)
		return
	}
	ev.Attempt = d.attempt
	if _, err := o.bus.Publish(ctx, ev); err != nil {
		o.logger.Error("orchestrator: publish stage request",
			"run_id", runID, "stage", d.stage, "error", err)
	}
}

// redispatchCurrent re-issues the current stage's requests for a
// recovered run. Work that already committed is short-circuited by the
// idempotency store, so this is safe to call unconditionally.
func (o *Orchestrator) redispatchCurrent(ctx context.Context, h *runHandle) error {
	h.mu.Lock()
	run := h.run
	state := run.State
	var out []dispatch
	switch state {
	case model.RunStateAdmitted:
		// run.started never processed; the loop handles it on replay, or
		// we nudge it here for a fresh bus.
		h.mu.Unlock()
		ev, err := model.NewEvent(run.ID, run.TenantID, model.StageOrchestrator, model.EventRunStarted,
			idempotency.Key(run.TenantID, run.ID, model.StageOrchestrator, "run.started"), nil)
		if err != nil {
			return err
		}
		_, err = o.bus.Publish(ctx, ev)
		return err
	case model.RunStateBriefing:
		out = []dispatch{{stage: model.StageBriefing, attempt: 1}}
	case model.RunStateGating:
		out = []dispatch{{stage: model.StageGate, attempt: 1}}
	case model.RunStateDiscovery:
		out = []dispatch{{stage: model.StageDiscovery, attempt: 1}}
	case model.RunStateProfiling, model.RunStateContactPrep, model.RunStateDrafting:
		stage := stageForState(state)
		for i := range run.Candidates {
			c := &run.Candidates[i]
			if c.Status != model.CandidateActive || c.StageDone == stage {
				continue
			}
			id := c.ID
			out = append(out, dispatch{stage: stage, candidateID: &id, attempt: 1})
		}
		if len(out) == 0 {
			out = o.maybeAdvanceLocked(ctx, h, stage)
		}
	case model.RunStateFinalizing:
		out = []dispatch{{stage: model.StageFinalize, attempt: 1}}
	default:
		o.finish(h)
	}
	h.mu.Unlock()
	for _, d := range out {
		o.dispatch(ctx, h, d)
	}
	return nil
}

// backoff is base * 2^(attempt-1) plus up to half-base of jitter, capped.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= o.cfg.BackoffMax {
			d = o.cfg.BackoffMax
			break
		}
	}
	jitter := time.Duration(rand.Int64N(int64(o.cfg.BackoffBase)/2 + 1))
	if d+jitter > o.cfg.BackoffMax {
		return o.cfg.BackoffMax
	}
	return d + jitter
}

// finish marks the run terminal and releases its bus and executor
// resources. The handle stays registered so status queries keep working.
func (o *Orchestrator) finish(h *runHandle) {
	h.doneOnce.Do(func() {
		close(h.done)
		go o.teardown(h.run.ID)
	})
}

// teardown waits out in-flight stage calls so their results still reach
// the run loop and get recorded, then closes the run's subscriptions.
// The run loop exits when its channel closes; the executor consumers
// exit when theirs do.
func (o *Orchestrator) teardown(runID uuid.UUID) {
	o.engine.DrainRun(runID)
	o.bus.Unsubscribe(runID, model.StageOrchestrator)
	o.engine.Detach(runID)
}

func stageForState(s model.RunState) model.Stage {
	switch s {
	case model.RunStateBriefing:
		return model.StageBriefing
	case model.RunStateGating:
		return model.StageGate
	case model.RunStateDiscovery:
		return model.StageDiscovery
	case model.RunStateProfiling:
		return model.StageProfiling
	case model.RunStateContactPrep:
		return model.StageContactPrep
	case model.RunStateDrafting:
		return model.StageDrafting
	case model.RunStateFinalizing:
		return model.StageFinalize
	}
	return ""
}
