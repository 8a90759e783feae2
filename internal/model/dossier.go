package model

import (
	"time"

	"github.com/google/uuid"
)

// CandidateOutcome is the per-candidate line item surfaced in run status
// and in the finalized dossier: included, rejected(reason), or failed(reason).
type CandidateOutcome struct {
	CandidateID uuid.UUID       `json:"candidate_id"`
	Handle      string          `json:"handle"`
	Status      CandidateStatus `json:"status"`
	Reason      ReasonCode      `json:"reason,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Dossier is the finalized, evidence-backed outreach package produced at
// run completion and persisted via the external storage collaborator.
type Dossier struct {
	RunID           uuid.UUID          `json:"run_id"`
	TenantID        uuid.UUID          `json:"tenant_id"`
	Spec            CampaignSpec       `json:"spec"`
	Included        []Candidate        `json:"included"`
	Outcomes        []CandidateOutcome `json:"outcomes"`
	TargetCount     int                `json:"target_count"`
	DraftCount      int                `json:"draft_count"`
	SpentUnits      int64              `json:"spent_units"`
	SpentByCategory map[Category]int64 `json:"spent_by_category,omitempty"`
	Notes           []string           `json:"notes,omitempty"`
	CompletedAt     time.Time          `json:"completed_at"`
}

// BuildDossier assembles the dossier from a run's accumulated state.
// Candidates with a draft are included; everything else appears in
// Outcomes with its reason so nothing is silently dropped.
func BuildDossier(r *Run, now time.Time) Dossier {
	d := Dossier{
		RunID:           r.ID,
		TenantID:        r.TenantID,
		Outcomes:        make([]CandidateOutcome, 0, len(r.Candidates)),
		SpentUnits:      r.Budget.Spent,
		SpentByCategory: make(map[Category]int64, len(r.Budget.ByCategory)),
		CompletedAt:     now,
	}
	if r.Spec != nil {
		d.Spec = *r.Spec
	}
	for cat, t := range r.Budget.ByCategory {
		if t.Spent > 0 {
			d.SpentByCategory[cat] = t.Spent
		}
	}
	for i := range r.Candidates {
		c := r.Candidates[i]
		status := c.Status
		if status == CandidateActive && c.Draft != nil {
			status = CandidateIncluded
		}
		d.Outcomes = append(d.Outcomes, CandidateOutcome{
			CandidateID: c.ID,
			Handle:      c.Handle,
			Status:      status,
			Reason:      c.Reason,
			Error:       c.Error,
		})
		if status == CandidateIncluded {
			c.Status = CandidateIncluded
			d.Included = append(d.Included, c)
			d.TargetCount++
			if c.Draft != nil {
				d.DraftCount++
			}
		}
	}
	return d
}
