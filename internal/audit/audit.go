// Package audit appends an immutable, totally ordered (per run) log of
// every event, budget mutation, and retry decision.
//
// The recorder taps the bus for events and implements the budget
// ledger's observer for debits; the orchestrator records retry and
// decision entries directly. Nothing here is ever mutated or deleted.
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/renraku/internal/model"
)

// Sink receives finalized entries, e.g. for durable storage. Appends
// must be durable before the caller's state transition completes, so
// Append is synchronous.
type Sink interface {
	AppendAudit(entry model.AuditEntry) error
}

// Recorder assigns per-run sequence numbers and keeps the in-process
// log. An optional sink mirrors entries to durable storage.
type Recorder struct {
	sink Sink

	mu      sync.Mutex
	seqs    map[uuid.UUID]int64
	entries map[uuid.UUID][]model.AuditEntry
}

// NewRecorder creates a recorder. sink may be nil.
func NewRecorder(sink Sink) *Recorder {
	return &Recorder{
		sink:    sink,
		seqs:    make(map[uuid.UUID]int64),
		entries: make(map[uuid.UUID][]model.AuditEntry),
	}
}

// ObserveEvent mirrors a bus event into the log. Wire it as a bus tap.
func (r *Recorder) ObserveEvent(e model.Event) {
	r.append(model.AuditEntry{
		RunID:    e.RunID,
		TenantID: e.TenantID,
		Kind:     model.AuditEvent,
		Stage:    e.Stage,
		Summary:  fmt.Sprintf("%s seq=%d attempt=%d", e.Name, e.Seq, e.Attempt),
		Attempt:  e.Attempt,
		Detail:   map[string]any{"event_id": e.ID.String(), "name": e.Name, "seq": e.Seq},
	})
}

// BudgetChanged implements budget.Observer.
func (r *Recorder) BudgetChanged(tenantID, runID uuid.UUID, category model.Category, op string, amount int64) {
	r.append(model.AuditEntry{
		RunID:    runID,
		TenantID: tenantID,
		Kind:     model.AuditBudget,
		Summary:  fmt.Sprintf("budget %s %d %s", op, amount, category),
		Detail:   map[string]any{"op": op, "category": string(category), "amount": amount},
	})
}

// Retry records a redispatch decision.
func (r *Recorder) Retry(runID, tenantID uuid.UUID, stage model.Stage, candidateID *uuid.UUID, attempt int, reason model.ReasonCode, backoff time.Duration) {
	r.append(model.AuditEntry{
		RunID:       runID,
		TenantID:    tenantID,
		Kind:        model.AuditRetry,
		Stage:       stage,
		Summary:     fmt.Sprintf("retry attempt %d after %s", attempt, backoff),
		Reason:      reason,
		CandidateID: candidateID,
		Attempt:     attempt,
	})
}

// Decision records an inclusion/exclusion/transition decision with its
// reason, so the trail can explain why outreach happened or was blocked.
func (r *Recorder) Decision(runID, tenantID uuid.UUID, stage model.Stage, candidateID *uuid.UUID, summary string, reason model.ReasonCode) {
	r.append(model.AuditEntry{
		RunID:       runID,
		TenantID:    tenantID,
		Kind:        model.AuditDecision,
		Stage:       stage,
		Summary:     summary,
		Reason:      reason,
		CandidateID: candidateID,
	})
}

// DeadLetter records that an event was parked after exhausting retries.
func (r *Recorder) DeadLetter(runID, tenantID uuid.UUID, stage model.Stage, cause string) {
	r.append(model.AuditEntry{
		RunID:    runID,
		TenantID: tenantID,
		Kind:     model.AuditDeadLetter,
		Stage:    stage,
		Summary:  "event parked after exhausting retries: " + cause,
		Reason:   model.ReasonRetriesExhausted,
	})
}

// Trail returns a copy of the run's ordered audit log.
func (r *Recorder) Trail(runID uuid.UUID) []model.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.entries[runID]
	out := make([]model.AuditEntry, len(t))
	copy(out, t)
	return out
}

func (r *Recorder) append(e model.AuditEntry) {
	r.mu.Lock()
	r.seqs[e.RunID]++
	e.Seq = r.seqs[e.RunID]
	e.At = time.Now().UTC()
	r.entries[e.RunID] = append(r.entries[e.RunID], e)
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		// Sink errors are deliberately not propagated to the hot path;
		// the in-process log remains authoritative for status queries.
		_ = sink.AppendAudit(e)
	}
}
