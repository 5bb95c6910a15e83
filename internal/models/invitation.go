package models

import "time"

// Invitation statuses. Accepted, declined, expired and cancelled are
// terminal: no further transition is permitted out of them.
const (
	InvitationPending   = "pending"
	InvitationAccepted  = "accepted"
	InvitationDeclined  = "declined"
	InvitationExpired   = "expired"
	InvitationCancelled = "cancelled"
)

// Invitation represents a pending or resolved membership invitation
type Invitation struct {
	ID           string
	FamilyID     string
	InviterID    string
	Invitee      string // email or handle
	Relationship string
	Token        string // one-time acceptance token
	Status       string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ResolvedAt   *time.Time
	ResolvedBy   *string
}

// IsPending reports whether the invitation can still be responded to
func (i *Invitation) IsPending() bool {
	return i.Status == InvitationPending
}

// IsTerminal reports whether the invitation has reached a final state
func (i *Invitation) IsTerminal() bool {
	switch i.Status {
	case InvitationAccepted, InvitationDeclined, InvitationExpired, InvitationCancelled:
		return true
	}
	return false
}

// IsOverdue reports whether a pending invitation has passed its deadline
func (i *Invitation) IsOverdue(now time.Time) bool {
	return i.Status == InvitationPending && now.After(i.ExpiresAt)
}
