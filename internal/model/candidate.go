package model

import (
	"time"

	"github.com/google/uuid"
)

// CandidateStatus tracks a candidate's terminal disposition within a run.
type CandidateStatus string

const (
	// CandidateActive means the candidate is still flowing through stages.
	CandidateActive CandidateStatus = "active"
	// CandidateRejected means a gate rule denied outreach (business rule, not an error).
	CandidateRejected CandidateStatus = "rejected"
	// CandidateFailed means a per-candidate operation failed fatally.
	CandidateFailed CandidateStatus = "failed"
	// CandidateIncluded means the candidate made it into the finalized dossier.
	CandidateIncluded CandidateStatus = "included"
)

// Platform identifies where a candidate publishes.
type Platform string

const (
	PlatformX          Platform = "x"
	PlatformBluesky    Platform = "bluesky"
	PlatformSubstack   Platform = "substack"
	PlatformBlog       Platform = "blog"
	PlatformNewsletter Platform = "newsletter"
	PlatformPodcast    Platform = "podcast"
	PlatformYouTube    Platform = "youtube"
	PlatformOther      Platform = "other"
)

// Evidence is a single sourced excerpt supporting a candidate's inclusion.
type Evidence struct {
	Source     string    `json:"source"`
	Excerpt    string    `json:"excerpt"`
	CapturedAt time.Time `json:"captured_at"`
}

// ContactInfo is the channel/appropriateness metadata added at ContactPrep.
type ContactInfo struct {
	Channel         string `json:"channel"`
	Appropriateness string `json:"appropriateness"`
}

// Draft is the pitch produced for a candidate at the Drafting stage.
type Draft struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Candidate is a prospective outreach target. Fields accumulate
// monotonically as the candidate passes through stages: identity and
// evidence at Discovery, stance at Profiling, contact metadata at
// ContactPrep, draft at Drafting. A candidate never regresses to an
// earlier stage's shape.
type Candidate struct {
	ID       uuid.UUID `json:"id"`
	Handle   string    `json:"handle"`
	Platform Platform  `json:"platform"`

	Evidence  []Evidence `json:"evidence,omitempty"`
	Stance    string     `json:"stance,omitempty"`
	Rationale string     `json:"rationale,omitempty"`

	Contact *ContactInfo `json:"contact,omitempty"`
	Draft   *Draft       `json:"draft,omitempty"`

	// Furthest stage that has completed for this candidate.
	StageDone Stage           `json:"stage_done,omitempty"`
	Status    CandidateStatus `json:"status"`
	Reason    ReasonCode      `json:"reason,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// CandidateSeed is what the Discovery provider yields before profiling.
type CandidateSeed struct {
	Handle   string     `json:"handle"`
	Platform Platform   `json:"platform"`
	Evidence []Evidence `json:"evidence,omitempty"`
}

// Profile is the Profiling provider's result for one seed.
type Profile struct {
	Stance    string     `json:"stance"`
	Rationale string     `json:"rationale"`
	Evidence  []Evidence `json:"evidence,omitempty"`
}
