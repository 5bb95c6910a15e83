package models

import "time"

// VirtualAccount is the pooled balance owned by exactly one family.
// Balance is stored in minor units and never goes negative.
type VirtualAccount struct {
	ID           string
	FamilyID     string
	Balance      int64
	Frozen       bool
	FreezeReason string
	Version      int64
	UpdatedAt    time.Time
}

// SpendingPermission controls whether and how much a member may debit
// from the family account. Unlimited is an explicit flag; Limit is
// always a non-negative amount in minor units.
type SpendingPermission struct {
	FamilyID  string
	MemberID  string
	Limit     int64
	Unlimited bool
	CanSpend  bool
	UpdatedAt time.Time
}

// Spend deny reasons, in evaluation order.
const (
	DenyFrozen       = "account_frozen"
	DenyNoPermission = "no_spend_permission"
	DenyOverLimit    = "over_spending_limit"
	DenyInsufficient = "insufficient_funds"
)

// SpendDecision is the outcome of a spend validation
type SpendDecision struct {
	Allowed bool
	Reason  string // empty when allowed
}

// EvaluateSpend applies the deny rules in order: frozen account,
// missing spend permission, per-member limit, available balance.
// perm may be nil when the member has never been granted a permission
// entry, which denies the same way as CanSpend=false.
func (a *VirtualAccount) EvaluateSpend(perm *SpendingPermission, amount int64) SpendDecision {
	if a.Frozen {
		return SpendDecision{Reason: DenyFrozen}
	}
	if perm == nil || !perm.CanSpend {
		return SpendDecision{Reason: DenyNoPermission}
	}
	if !perm.Unlimited && amount > perm.Limit {
		return SpendDecision{Reason: DenyOverLimit}
	}
	if amount > a.Balance {
		return SpendDecision{Reason: DenyInsufficient}
	}
	return SpendDecision{Allowed: true}
}
