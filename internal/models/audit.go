package models

import "time"

// Audit severities
const (
	SeverityInfo     = "info"
	SeverityElevated = "elevated"
)

// Audit outcomes
const (
	OutcomeOK       = "ok"
	OutcomeConflict = "conflict"
	OutcomeFailed   = "failed"
)

// AuditEntry is an immutable record of a state-changing action.
// Entries are append-only; nothing in the subsystem updates or
// deletes them.
type AuditEntry struct {
	ID            string
	FamilyID      string
	ActorID       string
	Action        string
	Target        string
	BeforeVersion int64
	AfterVersion  int64
	Outcome       string
	Severity      string
	Detail        string
	CreatedAt     time.Time
}
