// Package model defines the core domain types for Renraku.
//
// Types here correspond directly to the persisted run layout and event
// payloads. Strong typing (UUIDs, time.Time, enums) throughout; a Run is
// mutated only by the orchestrator through state-machine transitions and
// is retained forever once terminal.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunState is the lifecycle state of a campaign run.
type RunState string

const (
	RunStateAdmitted    RunState = "admitted"
	RunStateBriefing    RunState = "briefing"
	RunStateGating      RunState = "gating"
	RunStateDiscovery   RunState = "discovery"
	RunStateProfiling   RunState = "profiling"
	RunStateContactPrep RunState = "contact_prep"
	RunStateDrafting    RunState = "drafting"
	RunStateFinalizing  RunState = "finalizing"
	RunStateCompleted   RunState = "completed"
	RunStateFailed      RunState = "failed"
	RunStateAborted     RunState = "aborted"
)

// stateOrder gives each non-terminal state a position in the forward chain.
var stateOrder = map[RunState]int{
	RunStateAdmitted:    0,
	RunStateBriefing:    1,
	RunStateGating:      2,
	RunStateDiscovery:   3,
	RunStateProfiling:   4,
	RunStateContactPrep: 5,
	RunStateDrafting:    6,
	RunStateFinalizing:  7,
	RunStateCompleted:   8,
}

// Terminal reports whether the state is final. Terminal runs never transition.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateAborted:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal transition from s.
// The machine only moves forward along the stage chain or jumps to a
// terminal state; it never re-enters an earlier non-terminal state.
func (s RunState) CanTransitionTo(next RunState) bool {
	if s.Terminal() {
		return false
	}
	if next == RunStateFailed || next == RunStateAborted {
		return true
	}
	cur, ok := stateOrder[s]
	if !ok {
		return false
	}
	nxt, ok := stateOrder[next]
	if !ok {
		return false
	}
	return nxt == cur+1
}

// Run is one execution of the pipeline for one campaign.
type Run struct {
	ID          uuid.UUID      `json:"id"`
	TenantID    uuid.UUID      `json:"tenant_id"`
	State       RunState       `json:"state"`
	RawBrief    string         `json:"raw_brief,omitempty"`
	Spec        *CampaignSpec  `json:"campaign_spec,omitempty"`
	Candidates  []Candidate    `json:"candidates"`
	Policy      TenantPolicy   `json:"policy"`
	Budget      BudgetSnapshot `json:"budget"`
	StateLog    []StateChange  `json:"state_log"`
	Reason      ReasonCode     `json:"reason,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// StateChange records one transition in the run's ordered history.
type StateChange struct {
	From RunState  `json:"from"`
	To   RunState  `json:"to"`
	At   time.Time `json:"at"`
}

// CandidateByID returns a pointer into Candidates, or nil if absent.
func (r *Run) CandidateByID(id uuid.UUID) *Candidate {
	for i := range r.Candidates {
		if r.Candidates[i].ID == id {
			return &r.Candidates[i]
		}
	}
	return nil
}

// ActiveCandidates counts candidates still flowing through the pipeline.
// Rejected and failed candidates drop out of subsequent stage counts.
func (r *Run) ActiveCandidates() int {
	n := 0
	for i := range r.Candidates {
		if r.Candidates[i].Status == CandidateActive {
			n++
		}
	}
	return n
}

// CampaignSpec is the immutable structured record produced by Briefing
// Intake. It is frozen at the Briefing -> Gating transition and never
// re-queried mid-run.
type CampaignSpec struct {
	Intent        string   `json:"intent"`
	Audience      string   `json:"audience"`
	Tone          string   `json:"tone"`
	Constraints   []string `json:"constraints,omitempty"`
	Geography     string   `json:"geography,omitempty"`
	RiskFlags     []string `json:"risk_flags,omitempty"`
	BudgetCeiling int64    `json:"budget_ceiling"`
	Version       int      `json:"version"`
}
