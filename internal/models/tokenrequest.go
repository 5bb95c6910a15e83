package models

import "time"

// Token request statuses
const (
	TokenRequestPending  = "pending"
	TokenRequestApproved = "approved"
	TokenRequestDenied   = "denied"
	TokenRequestExpired  = "expired"
)

// TokenRequest is a member-initiated request for spending tokens,
// resolved by an admin review.
type TokenRequest struct {
	ID            string
	FamilyID      string
	RequesterID   string
	Amount        int64
	Reason        string
	Status        string
	ReviewerID    *string
	ReviewComment string
	DecidedAt     *time.Time
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// IsPending reports whether the request is still open for review
func (r *TokenRequest) IsPending() bool {
	return r.Status == TokenRequestPending
}

// IsOverdue reports whether a pending request has passed its horizon
func (r *TokenRequest) IsOverdue(now time.Time) bool {
	return r.Status == TokenRequestPending && now.After(r.ExpiresAt)
}
