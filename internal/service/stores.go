package service

import (
	"context"
	"time"

	"kinpool/internal/models"
	"kinpool/internal/security"
)

// Store interfaces consumed by the services. The repository package
// satisfies all of them; tests substitute in-memory fakes. Methods
// returning (bool, error) are conditional writes: false means the
// optimistic-version check lost and the caller should re-read and
// retry.

// FamilyStore persists families, memberships and relationships
type FamilyStore interface {
	CreateFamily(ctx context.Context, f *models.Family, a *models.VirtualAccount, creator *models.Member) error
	GetFamily(ctx context.Context, familyID string) (*models.Family, error)
	ListFamiliesForUser(ctx context.Context, userID string) ([]models.Family, error)
	AccountCodeExists(ctx context.Context, code string) (bool, error)
	GetMember(ctx context.Context, familyID, userID string) (*models.Member, error)
	ListMembers(ctx context.Context, familyID string) ([]models.Member, error)
	CountAdmins(ctx context.Context, familyID string) (int, error)
	UpdateMemberRole(ctx context.Context, familyID, userID, role string, fromVersion int64) (bool, error)
	RemoveMember(ctx context.Context, familyID, userID string, fromVersion int64) (bool, error)
	DeleteFamilyCascade(ctx context.Context, familyID string, fromVersion int64) (bool, error)
}

// AccountStore persists virtual accounts and spending permissions
type AccountStore interface {
	GetAccount(ctx context.Context, familyID string) (*models.VirtualAccount, error)
	GetPermission(ctx context.Context, familyID, memberID string) (*models.SpendingPermission, error)
	ListPermissions(ctx context.Context, familyID string) ([]models.SpendingPermission, error)
	UpsertPermission(ctx context.Context, perm *models.SpendingPermission, fromVersion int64) (bool, error)
	ApplyDelta(ctx context.Context, familyID string, delta int64, fromVersion int64) (bool, error)
	SetFrozen(ctx context.Context, familyID string, frozen bool, reason string, fromVersion int64) (bool, error)
}

// InvitationStore persists invitations
type InvitationStore interface {
	Create(ctx context.Context, inv *models.Invitation) error
	GetByID(ctx context.Context, id string) (*models.Invitation, error)
	GetByToken(ctx context.Context, token string) (*models.Invitation, error)
	HasPending(ctx context.Context, familyID, invitee string) (bool, error)
	ListByFamily(ctx context.Context, familyID string) ([]models.Invitation, error)
	Resolve(ctx context.Context, id, status, resolvedBy string, at time.Time) (bool, error)
	Accept(ctx context.Context, inv *models.Invitation, familyVersion int64, m *models.Member, rels []models.Relationship, perm *models.SpendingPermission, at time.Time) (bool, error)
	ExpireOverdue(ctx context.Context, now time.Time) ([]models.Invitation, error)
}

// TokenRequestStore persists token requests
type TokenRequestStore interface {
	Create(ctx context.Context, req *models.TokenRequest) error
	GetByID(ctx context.Context, id string) (*models.TokenRequest, error)
	ListByFamily(ctx context.Context, familyID string) ([]models.TokenRequest, error)
	Resolve(ctx context.Context, id, status, reviewerID, comment string, at time.Time) (bool, error)
	ExpireOverdue(ctx context.Context, now time.Time) ([]models.TokenRequest, error)
}

// RecoveryStore persists backup-admin designations and recovery tokens
type RecoveryStore interface {
	SetBackupAdmin(ctx context.Context, b *models.BackupAdmin) error
	GetBackupAdmin(ctx context.Context, familyID string) (*models.BackupAdmin, error)
	RemoveBackupAdmin(ctx context.Context, familyID string) error
	CreateToken(ctx context.Context, t *models.RecoveryToken) error
	ConsumeToken(ctx context.Context, jti string, at time.Time) (bool, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// AuditStore persists the append-only audit log
type AuditStore interface {
	Append(ctx context.Context, e *models.AuditEntry) error
	ListByFamily(ctx context.Context, familyID string, limit int) ([]models.AuditEntry, error)
}

// NotificationStore persists notifications, attempts and preferences
type NotificationStore interface {
	Create(ctx context.Context, n *models.Notification) error
	GetByID(ctx context.Context, id string) (*models.Notification, error)
	List(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]models.Notification, error)
	RecordAttempt(ctx context.Context, a *models.DeliveryAttempt) error
	ListAttempts(ctx context.Context, notificationID string) ([]models.DeliveryAttempt, error)
	SetOutcome(ctx context.Context, id, status, deliveredVia string) error
	MarkRead(ctx context.Context, id, recipientID string, at time.Time) error
	MarkAllRead(ctx context.Context, recipientID, familyID string, at time.Time) error
	GetPreferences(ctx context.Context, recipientID string) ([]string, error)
	SetPreferences(ctx context.Context, recipientID string, channels []string) error
}

// TokenAuthority issues and verifies signed emergency-recovery tokens.
// Replay protection lives in RecoveryStore, keyed by jti.
type TokenAuthority interface {
	Issue(familyID, backupAdminID string, now time.Time) (token, jti string, expiresAt time.Time, err error)
	Verify(token string) (*security.RecoveryClaims, error)
}

// Limiter gates operations per actor; denials carry a retry-after hint
type Limiter interface {
	Allow(actor, op string) (bool, time.Duration)
}

// Notifier enqueues a notification for asynchronous delivery. It must
// not block the triggering operation on channel I/O.
type Notifier interface {
	Notify(ctx context.Context, n *models.Notification)
}

// StateCache caches family/account snapshots; mutations invalidate
type StateCache interface {
	GetFamily(ctx context.Context, familyID string) (*models.Family, error)
	SetFamily(ctx context.Context, f *models.Family) error
	GetAccount(ctx context.Context, familyID string) (*models.VirtualAccount, error)
	SetAccount(ctx context.Context, a *models.VirtualAccount) error
	InvalidateFamily(ctx context.Context, familyID string) error
}
