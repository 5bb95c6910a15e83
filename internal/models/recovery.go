package models

import "time"

// BackupAdmin designates the standby admin used by emergency recovery
type BackupAdmin struct {
	FamilyID     string
	MemberID     string
	DesignatedBy string
	DesignatedAt time.Time
}

// RecoveryToken tracks an issued emergency recovery token by its JWT ID.
// A token is consumed at most once; unconsumed tokens are purged after
// they expire.
type RecoveryToken struct {
	JTI         string
	FamilyID    string
	RequesterID string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
}

// IsConsumed reports whether the token has already been used
func (t *RecoveryToken) IsConsumed() bool {
	return t.ConsumedAt != nil
}

// IsExpired reports whether the token has passed its deadline
func (t *RecoveryToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
