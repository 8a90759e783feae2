package model

// Category partitions budget spend by kind of costed call.
type Category string

const (
	CategoryDiscovery Category = "discovery"
	CategoryProfile   Category = "profile"
	CategoryContact   Category = "contact"
	CategoryDraft     Category = "draft"
)

// GateRule is one policy rule the Safety & Relevance Gate applies. Match
// is a case-insensitive substring tested against campaign risk flags and
// candidate stance text.
type GateRule struct {
	Name   string     `json:"name"`
	Match  string     `json:"match"`
	Reason ReasonCode `json:"reason"`
}

// TenantPolicy is the explicit configuration record attached to a run at
// admission time. It is copied into the run and never re-read from
// mutable settings mid-run.
type TenantPolicy struct {
	MaxConcurrentRuns int                `json:"max_concurrent_runs"`
	QuotaPerCategory  map[Category]int64 `json:"quota_per_category"`
	RetryCapPerStage  map[Stage]int      `json:"retry_cap_per_stage"`
	GateRules         []GateRule         `json:"gate_rules,omitempty"`
}

// RetryCap returns the retry cap for a stage, falling back to def when
// the policy does not name the stage.
func (p TenantPolicy) RetryCap(s Stage, def int) int {
	if cap, ok := p.RetryCapPerStage[s]; ok {
		return cap
	}
	return def
}

// CategoryTotals is the reserved/spent pair for one category.
type CategoryTotals struct {
	Reserved int64 `json:"reserved"`
	Spent    int64 `json:"spent"`
}

// BudgetSnapshot is a point-in-time view of a run's budget position.
// Invariant at every observed instant: Spent <= Reserved <= tenant quota.
type BudgetSnapshot struct {
	Reserved   int64                       `json:"reserved"`
	Spent      int64                       `json:"spent"`
	ByCategory map[Category]CategoryTotals `json:"by_category,omitempty"`
}
