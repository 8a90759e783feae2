package model

import (
	"time"

	"github.com/google/uuid"
)

// AuditKind categorizes audit entries.
type AuditKind string

const (
	AuditEvent      AuditKind = "event"
	AuditBudget     AuditKind = "budget"
	AuditRetry      AuditKind = "retry"
	AuditDecision   AuditKind = "decision"
	AuditDeadLetter AuditKind = "dead_letter"
)

// AuditEntry is one append-only record in a run's totally ordered audit
// log. Seq is assigned by the recorder, monotonic per run. Entries carry
// enough detail to reconstruct why a candidate was included or excluded
// and why outreach was blocked.
type AuditEntry struct {
	Seq         int64          `json:"seq"`
	RunID       uuid.UUID      `json:"run_id"`
	TenantID    uuid.UUID      `json:"tenant_id"`
	Kind        AuditKind      `json:"kind"`
	Stage       Stage          `json:"stage,omitempty"`
	Summary     string         `json:"summary"`
	Reason      ReasonCode     `json:"reason,omitempty"`
	CandidateID *uuid.UUID     `json:"candidate_id,omitempty"`
	Attempt     int            `json:"attempt,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
	At          time.Time      `json:"at"`
}
