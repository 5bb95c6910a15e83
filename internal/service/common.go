package service

import (
	"context"

	"kinpool/internal/models"
)

// Rate-limited operation names
const (
	OpFamilyCreate = "family_create"
	OpInvite       = "invite"
	OpTokenRequest = "token_request"
	OpRecovery     = "recovery"
)

// maxCommitRetries bounds the read-compute-commit cycle of every
// optimistic mutation before it fails with Conflict.
const maxCommitRetries = 3

// Suite bundles the full operation surface handed to a transport layer
type Suite struct {
	Registry      *RegistryService
	Invitations   *InvitationService
	Ledger        *LedgerService
	TokenRequests *TokenRequestService
	Succession    *SuccessionService
	Notifications *Dispatcher
	Audit         *AuditService
}

// requireAdmin re-validates admin status against membership data,
// regardless of role claims supplied by the caller.
func requireAdmin(ctx context.Context, families FamilyStore, familyID, actorID string) (*models.Member, error) {
	m, err := families.GetMember(ctx, familyID, actorID)
	if err != nil {
		return nil, err
	}
	if m == nil || !m.IsAdmin() {
		return nil, permissionDenied("actor %s is not an admin of this family", actorID)
	}
	return m, nil
}

// requireMember re-validates membership
func requireMember(ctx context.Context, families FamilyStore, familyID, actorID string) (*models.Member, error) {
	m, err := families.GetMember(ctx, familyID, actorID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, permissionDenied("actor %s is not a member of this family", actorID)
	}
	return m, nil
}
