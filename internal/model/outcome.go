package model

// OutcomeClass classifies a stage executor's result.
type OutcomeClass string

const (
	// OutcomeSuccess means the stage completed and its data fields are set.
	OutcomeSuccess OutcomeClass = "success"
	// OutcomeRetryable means a transient failure; the orchestrator
	// redispatches with backoff up to the per-stage retry cap.
	OutcomeRetryable OutcomeClass = "retryable"
	// OutcomeFatal is unrecoverable. Per-candidate it removes only that
	// candidate; on a mandatory-for-all stage it fails the run.
	OutcomeFatal OutcomeClass = "fatal"
	// OutcomeRejected is a business-rule denial, not an error. Terminal
	// for the affected scope and always carries a reason code.
	OutcomeRejected OutcomeClass = "rejected"
)

// ReasonCode is a stable machine-readable reason attached to rejections,
// filters, and failures. Codes never change meaning once shipped.
type ReasonCode string

const (
	// Gate policy codes.
	ReasonThirdRail  ReasonCode = "third_rail_match"
	ReasonRiskFlag   ReasonCode = "risk_flag_blocked"
	ReasonOptOut     ReasonCode = "safety_opt_out"
	ReasonCooldown   ReasonCode = "safety_cooldown"
	ReasonGeoFilter  ReasonCode = "geo_mismatch"
	ReasonPlatform   ReasonCode = "platform_mismatch"
	ReasonCommercial ReasonCode = "commercial_mismatch"

	// Discovery codes.
	ReasonNoEvidence      ReasonCode = "no_evidence"
	ReasonDuplicate       ReasonCode = "duplicate_candidate"
	ReasonLowAuthenticity ReasonCode = "low_authenticity"

	// Budget codes.
	ReasonBudgetExhausted ReasonCode = "budget_exhausted"
	ReasonQuotaExceeded   ReasonCode = "quota_exceeded"

	// Infrastructure codes.
	ReasonTimeout          ReasonCode = "timeout"
	ReasonProviderError    ReasonCode = "provider_error"
	ReasonRetriesExhausted ReasonCode = "retries_exhausted"
	ReasonDraftDeclined    ReasonCode = "draft_declined"
	ReasonAborted          ReasonCode = "run_aborted"
	ReasonIntegrity        ReasonCode = "integrity_violation"
)

// MandatoryStage reports whether a fatal failure at this stage fails the
// whole run. Briefing and Gating gate everything downstream; Discovery
// and Finalization are run-scoped so there is no candidate to isolate.
func MandatoryStage(s Stage) bool {
	switch s {
	case StageBriefing, StageGate, StageDiscovery, StageFinalize:
		return true
	}
	return false
}

// StateForStage maps a pipeline stage to the run state in which that
// stage executes.
func StateForStage(s Stage) RunState {
	switch s {
	case StageBriefing:
		return RunStateBriefing
	case StageGate:
		return RunStateGating
	case StageDiscovery:
		return RunStateDiscovery
	case StageProfiling:
		return RunStateProfiling
	case StageContactPrep:
		return RunStateContactPrep
	case StageDrafting:
		return RunStateDrafting
	case StageFinalize:
		return RunStateFinalizing
	}
	return ""
}

// NextStage returns the stage that follows s in the pipeline, or "" for
// the last stage.
func NextStage(s Stage) Stage {
	switch s {
	case StageBriefing:
		return StageGate
	case StageGate:
		return StageDiscovery
	case StageDiscovery:
		return StageProfiling
	case StageProfiling:
		return StageContactPrep
	case StageContactPrep:
		return StageDrafting
	case StageDrafting:
		return StageFinalize
	}
	return ""
}

// PerCandidateStage reports whether the stage fans out per candidate.
func PerCandidateStage(s Stage) bool {
	switch s {
	case StageProfiling, StageContactPrep, StageDrafting:
		return true
	}
	return false
}
