package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kinpool/internal/models"
	"kinpool/internal/security"
)

// testEnv wires every service against the in-memory fakes
type testEnv struct {
	db       *memDB
	notifier *fakeNotifier
	limiter  *fakeLimiter
	cache    *fakeCache
	signer   *security.RecoveryTokenSigner

	audit       *AuditService
	registry    *RegistryService
	invitations *InvitationService
	ledger      *LedgerService
	requests    *TokenRequestService
	succession  *SuccessionService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newMemDB()
	families := &fakeFamilyStore{db: db}
	accounts := &fakeAccountStore{db: db}
	invitations := &fakeInvitationStore{db: db}
	requests := &fakeTokenRequestStore{db: db}
	recovery := &fakeRecoveryStore{db: db}
	auditStore := &fakeAuditStore{db: db}

	notifier := &fakeNotifier{}
	limiter := &fakeLimiter{}
	cache := &fakeCache{}
	signer := security.NewRecoveryTokenSigner("test-key", 24*time.Hour)
	logger := zap.NewNop()

	audit := NewAuditService(auditStore, logger)
	ledger := NewLedgerService(accounts, families, recovery, signer, audit, notifier, cache, logger)

	return &testEnv{
		db:       db,
		notifier: notifier,
		limiter:  limiter,
		cache:    cache,
		signer:   signer,

		audit:       audit,
		registry:    NewRegistryService(families, accounts, audit, notifier, limiter, cache, 5, logger),
		invitations: NewInvitationService(invitations, families, audit, notifier, limiter, cache, 7*24*time.Hour, logger),
		ledger:      ledger,
		requests:    NewTokenRequestService(requests, families, ledger, audit, notifier, limiter, 14*24*time.Hour, logger),
		succession:  NewSuccessionService(families, recovery, signer, audit, notifier, limiter, cache, logger),
	}
}

// seedFamily inserts a family with one admin, bypassing the service layer
func (e *testEnv) seedFamily(t *testing.T, adminID string) *models.Family {
	t.Helper()
	now := time.Now().UTC()
	f := &models.Family{
		ID:          uuid.New().String(),
		Name:        "Test family",
		AccountCode: uuid.New().String()[:12],
		MemberCount: 1,
		Active:      true,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	a := &models.VirtualAccount{
		ID:        f.AccountCode,
		FamilyID:  f.ID,
		Version:   1,
		UpdatedAt: now,
	}
	m := &models.Member{
		FamilyID:     f.ID,
		UserID:       adminID,
		Role:         models.RoleAdmin,
		Relationship: models.RelationOther,
		JoinedAt:     now,
	}
	families := &fakeFamilyStore{db: e.db}
	if err := families.CreateFamily(context.Background(), f, a, m); err != nil {
		t.Fatalf("seedFamily: %v", err)
	}
	return f
}

// addMember inserts a membership directly
func (e *testEnv) addMember(t *testing.T, familyID, userID, role string) {
	t.Helper()
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	e.db.members[familyID][userID] = &models.Member{
		FamilyID:     familyID,
		UserID:       userID,
		Role:         role,
		Relationship: models.RelationOther,
		JoinedAt:     time.Now().UTC(),
	}
	e.db.families[familyID].MemberCount++
}

// setBalance overwrites the account balance directly
func (e *testEnv) setBalance(t *testing.T, familyID string, balance int64) {
	t.Helper()
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	e.db.accounts[familyID].Balance = balance
}

// setPermission inserts a spending permission directly
func (e *testEnv) setPermission(t *testing.T, familyID, memberID string, limit int64, unlimited, canSpend bool) {
	t.Helper()
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	if e.db.permissions[familyID] == nil {
		e.db.permissions[familyID] = make(map[string]*models.SpendingPermission)
	}
	e.db.permissions[familyID][memberID] = &models.SpendingPermission{
		FamilyID:  familyID,
		MemberID:  memberID,
		Limit:     limit,
		Unlimited: unlimited,
		CanSpend:  canSpend,
		UpdatedAt: time.Now().UTC(),
	}
}

// wantKind asserts the typed error kind
func wantKind(t *testing.T, err error, kind ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := KindOf(err); got != kind {
		t.Fatalf("error kind = %q (%v), want %q", got, err, kind)
	}
}
