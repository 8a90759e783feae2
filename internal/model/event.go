package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage identifies one processing step in the pipeline graph.
type Stage string

const (
	StageBriefing    Stage = "briefing"
	StageGate        Stage = "gate"
	StageDiscovery   Stage = "discovery"
	StageProfiling   Stage = "profiling"
	StageContactPrep Stage = "contact_prep"
	StageDrafting    Stage = "drafting"
	StageFinalize    Stage = "finalize"

	// StageOrchestrator is the delivery target for stage results and
	// run-lifecycle events. It is not a pipeline stage.
	StageOrchestrator Stage = "orchestrator"
)

// Event names. Requests target a pipeline stage; results and lifecycle
// events target the orchestrator.
const (
	EventRunStarted   = "run.started"
	EventRunAborted   = "run.aborted"
	EventStageRequest = "stage.request"
	EventStageResult  = "stage.result"
)

// Event is an immutable message on the bus. Seq is assigned by the bus
// at publish time, monotonic per run. Never mutated after creation.
type Event struct {
	ID             uuid.UUID       `json:"id"`
	RunID          uuid.UUID       `json:"run_id"`
	TenantID       uuid.UUID       `json:"tenant_id"`
	Stage          Stage           `json:"stage"`
	Name           string          `json:"name"`
	Seq            int64           `json:"seq"`
	Attempt        int             `json:"attempt"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// StageRequest is the payload of a stage.request event. CandidateID is
// set for per-candidate stages (profiling, contact prep, drafting).
type StageRequest struct {
	Brief       string     `json:"brief,omitempty"`
	CandidateID *uuid.UUID `json:"candidate_id,omitempty"`
}

// StageResult is the payload of a stage.result event. It is an
// explicit-optional-field record: each stage fills only the fields it
// owns, validated at the stage boundary.
type StageResult struct {
	Stage       Stage        `json:"stage"`
	Outcome     OutcomeClass `json:"outcome"`
	Reason      ReasonCode   `json:"reason,omitempty"`
	Error       string       `json:"error,omitempty"`
	CandidateID *uuid.UUID   `json:"candidate_id,omitempty"`

	// Briefing.
	Spec *CampaignSpec `json:"spec,omitempty"`

	// Discovery. Expected signals the per-stage completion count the
	// orchestrator tracks for downstream per-candidate stages.
	Seeds    []CandidateSeed `json:"seeds,omitempty"`
	Expected int             `json:"expected,omitempty"`

	// Profiling.
	Profile *Profile `json:"profile,omitempty"`

	// ContactPrep.
	Contact *ContactInfo `json:"contact,omitempty"`

	// Drafting.
	Draft *Draft `json:"draft,omitempty"`

	// Finalization.
	Dossier *Dossier `json:"dossier,omitempty"`
}

// NewEvent builds an event envelope. Seq is zero until the bus assigns it.
func NewEvent(runID, tenantID uuid.UUID, stage Stage, name, idemKey string, payload any) (Event, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("model: marshal event payload: %w", err)
		}
		raw = b
	}
	return Event{
		ID:             uuid.New(),
		RunID:          runID,
		TenantID:       tenantID,
		Stage:          stage,
		Name:           name,
		Attempt:        1,
		IdempotencyKey: idemKey,
		Payload:        raw,
		OccurredAt:     time.Now().UTC(),
	}, nil
}

// DecodeStageRequest unmarshals a stage.request payload.
func DecodeStageRequest(e Event) (StageRequest, error) {
	var req StageRequest
	if len(e.Payload) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(e.Payload, &req); err != nil {
		return StageRequest{}, fmt.Errorf("model: decode stage request: %w", err)
	}
	return req, nil
}

// DecodeStageResult unmarshals a stage.result payload.
func DecodeStageResult(e Event) (StageResult, error) {
	var res StageResult
	if err := json.Unmarshal(e.Payload, &res); err != nil {
		return StageResult{}, fmt.Errorf("model: decode stage result: %w", err)
	}
	return res, nil
}
