package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/renraku/internal/model"
	"github.com/ashita-ai/renraku/internal/provider"
)

// briefingExecutor (stage A) turns the raw brief into the frozen
// campaign spec.
type briefingExecutor struct {
	intake provider.Intake
}

func (*briefingExecutor) Stage() model.Stage { return model.StageBriefing }

func (*briefingExecutor) Cost(model.Run, model.StageRequest) (model.Category, int64) { return "", 0 }

func (x *briefingExecutor) Execute(ctx context.Context, run model.Run, req model.StageRequest) (model.StageResult, error) {
	spec, err := x.intake.SubmitBrief(ctx, run.TenantID, req.Brief)
	if err != nil {
		// A malformed brief cannot be fixed by retrying.
		return model.StageResult{}, fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	return model.StageResult{Outcome: model.OutcomeSuccess, Spec: &spec}, nil
}

// gateExecutor (stage B) evaluates the frozen campaign spec against the
// safety & relevance gate. Rejection aborts the run upstream.
type gateExecutor struct {
	gate provider.Gate
}

func (*gateExecutor) Stage() model.Stage { return model.StageGate }

func (*gateExecutor) Cost(model.Run, model.StageRequest) (model.Category, int64) { return "", 0 }

func (x *gateExecutor) Execute(ctx context.Context, run model.Run, _ model.StageRequest) (model.StageResult, error) {
	if run.Spec == nil {
		return model.StageResult{}, fmt.Errorf("%w: gate invoked without a frozen spec", ErrPermanent)
	}
	decision, err := x.gate.EvaluateSpec(ctx, *run.Spec)
	if err != nil {
		return model.StageResult{}, err
	}
	if !decision.Approved {
		return model.StageResult{
			Outcome: model.OutcomeRejected,
			Reason:  decision.Reason,
			Error:   decision.Rule,
		}, nil
	}
	return model.StageResult{Outcome: model.OutcomeSuccess}, nil
}

// discoveryExecutor (stage C) pulls candidate seeds. The query is
// restartable, so retries re-issue it and expect an equivalent set.
type discoveryExecutor struct {
	discovery provider.Discovery
	limit     int
}

func (*discoveryExecutor) Stage() model.Stage { return model.StageDiscovery }

func (x *discoveryExecutor) Cost(model.Run, model.StageRequest) (model.Category, int64) {
	return model.CategoryDiscovery, int64(x.limit)
}

func (x *discoveryExecutor) Execute(ctx context.Context, run model.Run, _ model.StageRequest) (model.StageResult, error) {
	if run.Spec == nil {
		return model.StageResult{}, fmt.Errorf("%w: discovery invoked without a frozen spec", ErrPermanent)
	}
	seeds, err := x.discovery.Discover(ctx, *run.Spec, x.limit)
	if err != nil {
		return model.StageResult{}, err
	}
	// Duplicate handles are filtered here so downstream counts are exact.
	seen := make(map[string]struct{}, len(seeds))
	unique := make([]model.CandidateSeed, 0, len(seeds))
	for _, s := range seeds {
		key := s.Handle + "/" + string(s.Platform)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, s)
	}
	return model.StageResult{
		Outcome:  model.OutcomeSuccess,
		Seeds:    unique,
		Expected: len(unique),
	}, nil
}

// profilingExecutor (stage D) enriches one candidate with stance and
// evidence.
type profilingExecutor struct {
	profiler provider.Profiler
}

func (*profilingExecutor) Stage() model.Stage { return model.StageProfiling }

func (*profilingExecutor) Cost(model.Run, model.StageRequest) (model.Category, int64) {
	return model.CategoryProfile, 1
}

func (x *profilingExecutor) Execute(ctx context.Context, run model.Run, req model.StageRequest) (model.StageResult, error) {
	c, err := requireCandidate(run, req)
	if err != nil {
		return model.StageResult{}, err
	}
	profile, err := x.profiler.Profile(ctx, model.CandidateSeed{
		Handle:   c.Handle,
		Platform: c.Platform,
		Evidence: c.Evidence,
	})
	if err != nil {
		return model.StageResult{}, err
	}
	if profile.Stance == "" && len(profile.Evidence) == 0 {
		return model.StageResult{
			Outcome: model.OutcomeRejected,
			Reason:  model.ReasonNoEvidence,
		}, nil
	}
	return model.StageResult{Outcome: model.OutcomeSuccess, Profile: &profile}, nil
}

// contactExecutor (stage E) runs the per-candidate gate check and then
// fetches contact-readiness metadata.
type contactExecutor struct {
	gate     provider.Gate
	profiler provider.Profiler
}

func (*contactExecutor) Stage() model.Stage { return model.StageContactPrep }

func (*contactExecutor) Cost(model.Run, model.StageRequest) (model.Category, int64) {
	return model.CategoryContact, 1
}

func (x *contactExecutor) Execute(ctx context.Context, run model.Run, req model.StageRequest) (model.StageResult, error) {
	c, err := requireCandidate(run, req)
	if err != nil {
		return model.StageResult{}, err
	}
	decision, err := x.gate.EvaluateCandidate(ctx, *c, *run.Spec)
	if err != nil {
		return model.StageResult{}, err
	}
	if !decision.Approved {
		return model.StageResult{
			Outcome: model.OutcomeRejected,
			Reason:  decision.Reason,
			Error:   decision.Rule,
		}, nil
	}
	contact, err := x.profiler.ContactReadiness(ctx, *c)
	if err != nil {
		return model.StageResult{}, err
	}
	return model.StageResult{Outcome: model.OutcomeSuccess, Contact: &contact}, nil
}

// draftingExecutor (stage F) produces the pitch draft for one candidate.
type draftingExecutor struct {
	drafter provider.Drafter
}

func (*draftingExecutor) Stage() model.Stage { return model.StageDrafting }

func (*draftingExecutor) Cost(model.Run, model.StageRequest) (model.Category, int64) {
	return model.CategoryDraft, 1
}

func (x *draftingExecutor) Execute(ctx context.Context, run model.Run, req model.StageRequest) (model.StageResult, error) {
	c, err := requireCandidate(run, req)
	if err != nil {
		return model.StageResult{}, err
	}
	draft, err := x.drafter.Draft(ctx, *c, *run.Spec)
	if err != nil {
		return model.StageResult{}, err
	}
	return model.StageResult{Outcome: model.OutcomeSuccess, Draft: &draft}, nil
}

// finalizeExecutor (stage G) assembles the dossier and persists it. The
// run is only Completed once persistence succeeded.
type finalizeExecutor struct {
	dossiers provider.DossierStore
}

func (*finalizeExecutor) Stage() model.Stage { return model.StageFinalize }

func (*finalizeExecutor) Cost(model.Run, model.StageRequest) (model.Category, int64) { return "", 0 }

func (x *finalizeExecutor) Execute(ctx context.Context, run model.Run, _ model.StageRequest) (model.StageResult, error) {
	dossier := model.BuildDossier(&run, time.Now().UTC())
	if err := x.dossiers.PersistDossier(ctx, run.ID, dossier); err != nil {
		return model.StageResult{}, err
	}
	return model.StageResult{Outcome: model.OutcomeSuccess, Dossier: &dossier}, nil
}

func requireCandidate(run model.Run, req model.StageRequest) (*model.Candidate, error) {
	if req.CandidateID == nil {
		return nil, fmt.Errorf("%w: request missing candidate id", ErrPermanent)
	}
	c := run.CandidateByID(*req.CandidateID)
	if c == nil {
		return nil, fmt.Errorf("%w: unknown candidate %s", ErrPermanent, req.CandidateID)
	}
	if run.Spec == nil {
		return nil, fmt.Errorf("%w: stage invoked without a frozen spec", ErrPermanent)
	}
	return c, nil
}
