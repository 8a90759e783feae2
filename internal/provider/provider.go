// Package provider defines the narrow contracts to the external
// collaborators: briefing intake, the safety/relevance gate, discovery,
// profiling/contact readiness, drafting, and dossier storage.
//
// The core only ever talks to these interfaces. Every call takes a
// context carrying the caller's deadline; exceeding it is classified
// upstream as a retryable timeout.
package provider

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ashita-ai/renraku/internal/model"
)

// ErrDossierNotFound is returned when a run has no finalized dossier.
var ErrDossierNotFound = errors.New("provider: dossier not found")

// Intake turns a raw brief into an immutable campaign spec. The core
// treats the result as an atomic, versioned input and never re-queries
// it mid-run.
type Intake interface {
	SubmitBrief(ctx context.Context, tenantID uuid.UUID, rawInput string) (model.CampaignSpec, error)
}

// GateDecision is the gate's verdict. Approved is true or Reason says
// exactly which rule blocked.
type GateDecision struct {
	Approved bool
	Reason   model.ReasonCode
	Rule     string
}

// Gate is the safety & relevance gate, consulted once for the campaign
// spec and once per candidate.
type Gate interface {
	EvaluateSpec(ctx context.Context, spec model.CampaignSpec) (GateDecision, error)
	EvaluateCandidate(ctx context.Context, c model.Candidate, spec model.CampaignSpec) (GateDecision, error)
}

// Discovery yields candidate seeds for a campaign. The result is finite
// and restartable: re-issuing the same query returns an equivalent set.
type Discovery interface {
	Discover(ctx context.Context, spec model.CampaignSpec, limit int) ([]model.CandidateSeed, error)
}

// Profiler returns stance, evidence, and contact-readiness metadata.
type Profiler interface {
	Profile(ctx context.Context, seed model.CandidateSeed) (model.Profile, error)
	ContactReadiness(ctx context.Context, c model.Candidate) (model.ContactInfo, error)
}

// DraftDecline is returned (wrapped) when the drafting provider declines
// on content grounds rather than failing.
type DraftDecline struct {
	Reason string
}

func (d DraftDecline) Error() string { return "provider: draft declined: " + d.Reason }

// Drafter produces the pitch draft for a candidate.
type Drafter interface {
	Draft(ctx context.Context, c model.Candidate, spec model.CampaignSpec) (model.Draft, error)
}

// DossierStore persists finalized dossiers. Persistence must be durable
// before the Finalizing -> Completed transition is considered complete.
type DossierStore interface {
	PersistDossier(ctx context.Context, runID uuid.UUID, d model.Dossier) error
}
