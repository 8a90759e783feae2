package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/renraku/internal/model"
)

// The mock providers back the default provider mode and the test suite.
// They are deterministic: the same inputs always produce the same
// outputs, which is what makes discovery restartable and idempotency
// fingerprints stable across retries.

// MockIntake parses "key: value" lines out of the raw brief. Unknown
// lines land in constraints.
type MockIntake struct{}

// SubmitBrief builds a CampaignSpec from the raw brief text.
func (MockIntake) SubmitBrief(_ context.Context, _ uuid.UUID, rawInput string) (model.CampaignSpec, error) {
	if strings.TrimSpace(rawInput) == "" {
		return model.CampaignSpec{}, fmt.Errorf("provider: empty brief")
	}
	spec := model.CampaignSpec{Tone: "neutral", BudgetCeiling: 100, Version: 1}
	for _, line := range strings.Split(rawInput, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			spec.Constraints = append(spec.Constraints, line)
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "intent":
			spec.Intent = value
		case "audience":
			spec.Audience = value
		case "tone":
			spec.Tone = value
		case "geography":
			spec.Geography = value
		case "risk":
			spec.RiskFlags = append(spec.RiskFlags, value)
		default:
			spec.Constraints = append(spec.Constraints, line)
		}
	}
	if spec.Intent == "" {
		return model.CampaignSpec{}, fmt.Errorf("provider: brief missing intent")
	}
	return spec, nil
}

// RuleGate applies the tenant's gate rules as case-insensitive substring
// matches against risk flags (spec level) and stance text (candidate level).
type RuleGate struct {
	Rules []model.GateRule
}

// EvaluateSpec checks campaign risk flags against the gate rules.
func (g RuleGate) EvaluateSpec(_ context.Context, spec model.CampaignSpec) (GateDecision, error) {
	for _, rule := range g.Rules {
		for _, flag := range spec.RiskFlags {
			if matchRule(rule, flag) {
				return GateDecision{Approved: false, Reason: rule.Reason, Rule: rule.Name}, nil
			}
		}
	}
	return GateDecision{Approved: true}, nil
}

// EvaluateCandidate checks a candidate's stance and rationale against the rules.
func (g RuleGate) EvaluateCandidate(_ context.Context, c model.Candidate, _ model.CampaignSpec) (GateDecision, error) {
	for _, rule := range g.Rules {
		if matchRule(rule, c.Stance) || matchRule(rule, c.Rationale) {
			return GateDecision{Approved: false, Reason: rule.Reason, Rule: rule.Name}, nil
		}
	}
	return GateDecision{Approved: true}, nil
}

func matchRule(rule model.GateRule, text string) bool {
	if rule.Match == "" || text == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(rule.Match))
}

// MockDiscovery returns a fixed, deterministic seed set derived from the
// campaign intent. Seeds is optional; when set it overrides generation.
type MockDiscovery struct {
	Seeds []model.CandidateSeed

	mu    sync.Mutex
	calls int
	// FailFirst makes the first N calls fail with a transient error, for
	// retry-path tests.
	FailFirst int
}

// Discover yields the candidate seed set for the campaign.
func (d *MockDiscovery) Discover(_ context.Context, spec model.CampaignSpec, limit int) ([]model.CandidateSeed, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	d.mu.Unlock()
	if call <= d.FailFirst {
		return nil, fmt.Errorf("provider: discovery backend unavailable (call %d)", call)
	}

	seeds := d.Seeds
	if seeds == nil {
		slug := strings.ReplaceAll(strings.ToLower(spec.Intent), " ", "-")
		if len(slug) > 16 {
			slug = slug[:16]
		}
		for i := 0; i < 3; i++ {
			seeds = append(seeds, model.CandidateSeed{
				Handle:   fmt.Sprintf("@%s-voice-%d", slug, i+1),
				Platform: model.PlatformSubstack,
				Evidence: []model.Evidence{{
					Source:     fmt.Sprintf("https://example.org/%s/%d", slug, i+1),
					Excerpt:    fmt.Sprintf("writes regularly about %s", spec.Intent),
					CapturedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
				}},
			})
		}
	}
	if limit > 0 && len(seeds) > limit {
		seeds = seeds[:limit]
	}
	return seeds, nil
}

// Calls reports how many times Discover ran.
func (d *MockDiscovery) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// MockProfiler derives stance and contact metadata from the seed handle.
type MockProfiler struct{}

// Profile returns a deterministic stance summary for the seed.
func (MockProfiler) Profile(_ context.Context, seed model.CandidateSeed) (model.Profile, error) {
	return model.Profile{
		Stance:    fmt.Sprintf("%s covers the space with a constructive angle", seed.Handle),
		Rationale: "recent posts align with campaign intent",
		Evidence:  seed.Evidence,
	}, nil
}

// ContactReadiness returns a deterministic channel for the candidate.
func (MockProfiler) ContactReadiness(_ context.Context, c model.Candidate) (model.ContactInfo, error) {
	return model.ContactInfo{
		Channel:         fmt.Sprintf("dm:%s@%s", strings.TrimPrefix(c.Handle, "@"), c.Platform),
		Appropriateness: "ok",
	}, nil
}

// MockDrafter produces a templated pitch. DeclineHandles lists handles
// the drafter refuses on content grounds; FailHandles lists handles that
// error fatally, for failure-isolation tests.
type MockDrafter struct {
	DeclineHandles map[string]string
	FailHandles    map[string]string
}

// Draft writes a pitch for the candidate.
func (d MockDrafter) Draft(_ context.Context, c model.Candidate, spec model.CampaignSpec) (model.Draft, error) {
	if msg, ok := d.FailHandles[c.Handle]; ok {
		return model.Draft{}, fmt.Errorf("provider: drafting failed for %s: %s", c.Handle, msg)
	}
	if reason, ok := d.DeclineHandles[c.Handle]; ok {
		return model.Draft{}, DraftDecline{Reason: reason}
	}
	return model.Draft{
		Subject: fmt.Sprintf("Re: %s", spec.Intent),
		Body: fmt.Sprintf("Hi %s, given your recent coverage, we thought you'd want a first look at %s. Tone: %s.",
			c.Handle, spec.Intent, spec.Tone),
	}, nil
}

// MemoryDossierStore keeps persisted dossiers in memory.
type MemoryDossierStore struct {
	mu       sync.Mutex
	dossiers map[uuid.UUID]model.Dossier
}

// NewMemoryDossierStore creates an empty store.
func NewMemoryDossierStore() *MemoryDossierStore {
	return &MemoryDossierStore{dossiers: make(map[uuid.UUID]model.Dossier)}
}

// PersistDossier stores the dossier. Re-persisting the same run is a
// no-op overwrite with identical content, so redelivery is harmless.
func (s *MemoryDossierStore) PersistDossier(_ context.Context, runID uuid.UUID, d model.Dossier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dossiers[runID] = d
	return nil
}

// Dossier returns the persisted dossier for a run, if any.
func (s *MemoryDossierStore) Dossier(runID uuid.UUID) (model.Dossier, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dossiers[runID]
	return d, ok
}

// GetDossier is the read side used by the HTTP surface.
func (s *MemoryDossierStore) GetDossier(_ context.Context, runID uuid.UUID) (model.Dossier, error) {
	d, ok := s.Dossier(runID)
	if !ok {
		return model.Dossier{}, fmt.Errorf("%w: %s", ErrDossierNotFound, runID)
	}
	return d, nil
}
