package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"kinpool/internal/models"
)

// memDB is the shared in-memory backing for the store fakes. The
// per-interface fakes below delegate to it with the same conditional
// write semantics as the repositories.
type memDB struct {
	mu sync.Mutex

	families    map[string]*models.Family
	members     map[string]map[string]*models.Member
	relations   []models.Relationship
	accounts    map[string]*models.VirtualAccount // by family id
	permissions map[string]map[string]*models.SpendingPermission
	invitations map[string]*models.Invitation
	requests    map[string]*models.TokenRequest
	backups     map[string]*models.BackupAdmin
	tokens      map[string]*models.RecoveryToken
	audit       []models.AuditEntry
	notifs      map[string]*models.Notification
	attempts    []models.DeliveryAttempt
	prefs       map[string][]string
}

func newMemDB() *memDB {
	return &memDB{
		families:    make(map[string]*models.Family),
		members:     make(map[string]map[string]*models.Member),
		accounts:    make(map[string]*models.VirtualAccount),
		permissions: make(map[string]map[string]*models.SpendingPermission),
		invitations: make(map[string]*models.Invitation),
		requests:    make(map[string]*models.TokenRequest),
		backups:     make(map[string]*models.BackupAdmin),
		tokens:      make(map[string]*models.RecoveryToken),
		notifs:      make(map[string]*models.Notification),
		prefs:       make(map[string][]string),
	}
}

func (db *memDB) auditActions(familyID string) []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []string
	for _, e := range db.audit {
		if e.FamilyID == familyID {
			out = append(out, e.Action)
		}
	}
	return out
}

type fakeFamilyStore struct{ db *memDB }

func (s *fakeFamilyStore) CreateFamily(_ context.Context, f *models.Family, a *models.VirtualAccount, creator *models.Member) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	fc, ac, mc := *f, *a, *creator
	s.db.families[f.ID] = &fc
	s.db.accounts[f.ID] = &ac
	s.db.members[f.ID] = map[string]*models.Member{creator.UserID: &mc}
	return nil
}

func (s *fakeFamilyStore) GetFamily(_ context.Context, familyID string) (*models.Family, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	f, ok := s.db.families[familyID]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (s *fakeFamilyStore) ListFamiliesForUser(_ context.Context, userID string) ([]models.Family, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.Family
	for id, mm := range s.db.members {
		if _, ok := mm[userID]; ok {
			out = append(out, *s.db.families[id])
		}
	}
	return out, nil
}

func (s *fakeFamilyStore) AccountCodeExists(_ context.Context, code string) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, f := range s.db.families {
		if f.AccountCode == code {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeFamilyStore) GetMember(_ context.Context, familyID, userID string) (*models.Member, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m, ok := s.db.members[familyID][userID]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *fakeFamilyStore) ListMembers(_ context.Context, familyID string) ([]models.Member, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.Member
	for _, m := range s.db.members[familyID] {
		out = append(out, *m)
	}
	return out, nil
}

func (s *fakeFamilyStore) CountAdmins(_ context.Context, familyID string) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, m := range s.db.members[familyID] {
		if m.IsAdmin() {
			n++
		}
	}
	return n, nil
}

func (s *fakeFamilyStore) UpdateMemberRole(_ context.Context, familyID, userID, role string, fromVersion int64) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	f, ok := s.db.families[familyID]
	if !ok || f.Version != fromVersion {
		return false, nil
	}
	m, ok := s.db.members[familyID][userID]
	if !ok {
		return false, nil
	}
	f.Version++
	m.Role = role
	return true, nil
}

func (s *fakeFamilyStore) RemoveMember(_ context.Context, familyID, userID string, fromVersion int64) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	f, ok := s.db.families[familyID]
	if !ok || f.Version != fromVersion {
		return false, nil
	}
	if _, ok := s.db.members[familyID][userID]; !ok {
		return false, nil
	}
	f.Version++
	f.MemberCount--
	delete(s.db.members[familyID], userID)
	delete(s.db.permissions[familyID], userID)
	kept := s.db.relations[:0]
	for _, r := range s.db.relations {
		if r.FamilyID == familyID && (r.UserID == userID || r.RelativeID == userID) {
			continue
		}
		kept = append(kept, r)
	}
	s.db.relations = kept
	return true, nil
}

func (s *fakeFamilyStore) DeleteFamilyCascade(_ context.Context, familyID string, fromVersion int64) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	f, ok := s.db.families[familyID]
	if !ok || f.Version != fromVersion {
		return false, nil
	}
	delete(s.db.families, familyID)
	delete(s.db.members, familyID)
	delete(s.db.accounts, familyID)
	delete(s.db.permissions, familyID)
	delete(s.db.backups, familyID)
	for _, inv := range s.db.invitations {
		if inv.FamilyID == familyID && inv.IsPending() {
			inv.Status = models.InvitationCancelled
		}
	}
	return true, nil
}

type fakeAccountStore struct{ db *memDB }

func (s *fakeAccountStore) GetAccount(_ context.Context, familyID string) (*models.VirtualAccount, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.accounts[familyID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *fakeAccountStore) GetPermission(_ context.Context, familyID, memberID string) (*models.SpendingPermission, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	p, ok := s.db.permissions[familyID][memberID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *fakeAccountStore) ListPermissions(_ context.Context, familyID string) ([]models.SpendingPermission, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.SpendingPermission
	for _, p := range s.db.permissions[familyID] {
		out = append(out, *p)
	}
	return out, nil
}

func (s *fakeAccountStore) UpsertPermission(_ context.Context, perm *models.SpendingPermission, fromVersion int64) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.accounts[perm.FamilyID]
	if !ok || a.Version != fromVersion {
		return false, nil
	}
	a.Version++
	if s.db.permissions[perm.FamilyID] == nil {
		s.db.permissions[perm.FamilyID] = make(map[string]*models.SpendingPermission)
	}
	cp := *perm
	s.db.permissions[perm.FamilyID][perm.MemberID] = &cp
	return true, nil
}

func (s *fakeAccountStore) ApplyDelta(_ context.Context, familyID string, delta int64, fromVersion int64) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.accounts[familyID]
	if !ok || a.Version != fromVersion || a.Balance+delta < 0 {
		return false, nil
	}
	a.Balance += delta
	a.Version++
	return true, nil
}

func (s *fakeAccountStore) SetFrozen(_ context.Context, familyID string, frozen bool, reason string, fromVersion int64) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.accounts[familyID]
	if !ok || a.Version != fromVersion {
		return false, nil
	}
	a.Frozen = frozen
	a.FreezeReason = reason
	a.Version++
	return true, nil
}

type fakeInvitationStore struct{ db *memDB }

func (s *fakeInvitationStore) Create(_ context.Context, inv *models.Invitation) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cp := *inv
	s.db.invitations[inv.ID] = &cp
	return nil
}

func (s *fakeInvitationStore) GetByID(_ context.Context, id string) (*models.Invitation, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	inv, ok := s.db.invitations[id]
	if !ok {
		return nil, nil
	}
	cp := *inv
	return &cp, nil
}

func (s *fakeInvitationStore) GetByToken(_ context.Context, token string) (*models.Invitation, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, inv := range s.db.invitations {
		if inv.Token == token {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeInvitationStore) HasPending(_ context.Context, familyID, invitee string) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, inv := range s.db.invitations {
		if inv.FamilyID == familyID && inv.Invitee == invitee && inv.IsPending() {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeInvitationStore) ListByFamily(_ context.Context, familyID string) ([]models.Invitation, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.Invitation
	for _, inv := range s.db.invitations {
		if inv.FamilyID == familyID {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (s *fakeInvitationStore) Resolve(_ context.Context, id, status, resolvedBy string, at time.Time) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	inv, ok := s.db.invitations[id]
	if !ok || !inv.IsPending() {
		return false, nil
	}
	inv.Status = status
	inv.ResolvedAt = &at
	inv.ResolvedBy = &resolvedBy
	return true, nil
}

func (s *fakeInvitationStore) Accept(_ context.Context, inv *models.Invitation, familyVersion int64, m *models.Member, rels []models.Relationship, perm *models.SpendingPermission, at time.Time) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	stored, ok := s.db.invitations[inv.ID]
	if !ok || !stored.IsPending() {
		return false, nil
	}
	f, ok := s.db.families[inv.FamilyID]
	if !ok || f.Version != familyVersion {
		return false, nil
	}
	stored.Status = models.InvitationAccepted
	stored.ResolvedAt = &at
	rb := m.UserID
	stored.ResolvedBy = &rb
	f.Version++
	f.MemberCount++
	mc := *m
	s.db.members[inv.FamilyID][m.UserID] = &mc
	s.db.relations = append(s.db.relations, rels...)
	if s.db.permissions[inv.FamilyID] == nil {
		s.db.permissions[inv.FamilyID] = make(map[string]*models.SpendingPermission)
	}
	pc := *perm
	s.db.permissions[inv.FamilyID][perm.MemberID] = &pc
	return true, nil
}

func (s *fakeInvitationStore) ExpireOverdue(_ context.Context, now time.Time) ([]models.Invitation, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var flipped []models.Invitation
	for _, inv := range s.db.invitations {
		if inv.IsOverdue(now) {
			inv.Status = models.InvitationExpired
			at := now
			inv.ResolvedAt = &at
			flipped = append(flipped, *inv)
		}
	}
	return flipped, nil
}

type fakeTokenRequestStore struct{ db *memDB }

func (s *fakeTokenRequestStore) Create(_ context.Context, req *models.TokenRequest) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cp := *req
	s.db.requests[req.ID] = &cp
	return nil
}

func (s *fakeTokenRequestStore) GetByID(_ context.Context, id string) (*models.TokenRequest, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	req, ok := s.db.requests[id]
	if !ok {
		return nil, nil
	}
	cp := *req
	return &cp, nil
}

func (s *fakeTokenRequestStore) ListByFamily(_ context.Context, familyID string) ([]models.TokenRequest, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.TokenRequest
	for _, req := range s.db.requests {
		if req.FamilyID == familyID {
			out = append(out, *req)
		}
	}
	return out, nil
}

func (s *fakeTokenRequestStore) Resolve(_ context.Context, id, status, reviewerID, comment string, at time.Time) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	req, ok := s.db.requests[id]
	if !ok || !req.IsPending() {
		return false, nil
	}
	req.Status = status
	req.ReviewerID = &reviewerID
	req.ReviewComment = comment
	req.DecidedAt = &at
	return true, nil
}

func (s *fakeTokenRequestStore) ExpireOverdue(_ context.Context, now time.Time) ([]models.TokenRequest, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var flipped []models.TokenRequest
	for _, req := range s.db.requests {
		if req.IsOverdue(now) {
			req.Status = models.TokenRequestExpired
			at := now
			req.DecidedAt = &at
			flipped = append(flipped, *req)
		}
	}
	return flipped, nil
}

type fakeRecoveryStore struct{ db *memDB }

func (s *fakeRecoveryStore) SetBackupAdmin(_ context.Context, b *models.BackupAdmin) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cp := *b
	s.db.backups[b.FamilyID] = &cp
	return nil
}

func (s *fakeRecoveryStore) GetBackupAdmin(_ context.Context, familyID string) (*models.BackupAdmin, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	b, ok := s.db.backups[familyID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *fakeRecoveryStore) RemoveBackupAdmin(_ context.Context, familyID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	delete(s.db.backups, familyID)
	return nil
}

func (s *fakeRecoveryStore) CreateToken(_ context.Context, t *models.RecoveryToken) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cp := *t
	s.db.tokens[t.JTI] = &cp
	return nil
}

func (s *fakeRecoveryStore) ConsumeToken(_ context.Context, jti string, at time.Time) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, ok := s.db.tokens[jti]
	if !ok || t.IsConsumed() || t.IsExpired(at) {
		return false, nil
	}
	t.ConsumedAt = &at
	return true, nil
}

func (s *fakeRecoveryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var n int64
	for jti, t := range s.db.tokens {
		if !t.IsConsumed() && t.IsExpired(now) {
			delete(s.db.tokens, jti)
			n++
		}
	}
	return n, nil
}

type fakeAuditStore struct{ db *memDB }

func (s *fakeAuditStore) Append(_ context.Context, e *models.AuditEntry) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.audit = append(s.db.audit, *e)
	return nil
}

func (s *fakeAuditStore) ListByFamily(_ context.Context, familyID string, limit int) ([]models.AuditEntry, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.AuditEntry
	for _, e := range s.db.audit {
		if e.FamilyID == familyID {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeNotificationStore struct{ db *memDB }

func (s *fakeNotificationStore) Create(_ context.Context, n *models.Notification) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cp := *n
	s.db.notifs[n.ID] = &cp
	return nil
}

func (s *fakeNotificationStore) GetByID(_ context.Context, id string) (*models.Notification, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n, ok := s.db.notifs[id]
	if !ok {
		return nil, nil
	}
	cp := *n
	return &cp, nil
}

func (s *fakeNotificationStore) List(_ context.Context, recipientID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.Notification
	for _, n := range s.db.notifs {
		if n.RecipientID != recipientID {
			continue
		}
		if unreadOnly && n.Read {
			continue
		}
		out = append(out, *n)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeNotificationStore) RecordAttempt(_ context.Context, a *models.DeliveryAttempt) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.attempts = append(s.db.attempts, *a)
	return nil
}

func (s *fakeNotificationStore) ListAttempts(_ context.Context, notificationID string) ([]models.DeliveryAttempt, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.DeliveryAttempt
	for _, a := range s.db.attempts {
		if a.NotificationID == notificationID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeNotificationStore) SetOutcome(_ context.Context, id, status, deliveredVia string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if n, ok := s.db.notifs[id]; ok {
		n.Status = status
		n.DeliveredVia = deliveredVia
	}
	return nil
}

func (s *fakeNotificationStore) MarkRead(_ context.Context, id, recipientID string, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if n, ok := s.db.notifs[id]; ok && n.RecipientID == recipientID && !n.Read {
		n.Read = true
		n.ReadAt = &at
	}
	return nil
}

func (s *fakeNotificationStore) MarkAllRead(_ context.Context, recipientID, familyID string, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, n := range s.db.notifs {
		if n.RecipientID == recipientID && n.FamilyID == familyID && !n.Read {
			n.Read = true
			n.ReadAt = &at
		}
	}
	return nil
}

func (s *fakeNotificationStore) GetPreferences(_ context.Context, recipientID string) ([]string, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.db.prefs[recipientID], nil
}

func (s *fakeNotificationStore) SetPreferences(_ context.Context, recipientID string, channels []string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.prefs[recipientID] = append([]string(nil), channels...)
	return nil
}

// fakeNotifier records notifications synchronously
type fakeNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n *models.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, *n)
}

func (f *fakeNotifier) countCategory(category string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.Category == category {
			n++
		}
	}
	return n
}

// fakeLimiter allows or denies every call
type fakeLimiter struct {
	deny       bool
	retryAfter time.Duration
}

func (f *fakeLimiter) Allow(_, _ string) (bool, time.Duration) {
	if f.deny {
		return false, f.retryAfter
	}
	return true, 0
}

// fakeCache misses every read so services always hit the store
type fakeCache struct {
	mu            sync.Mutex
	invalidations int
}

var errMiss = errors.New("miss")

func (f *fakeCache) GetFamily(context.Context, string) (*models.Family, error) {
	return nil, errMiss
}
func (f *fakeCache) SetFamily(context.Context, *models.Family) error { return nil }
func (f *fakeCache) GetAccount(context.Context, string) (*models.VirtualAccount, error) {
	return nil, errMiss
}
func (f *fakeCache) SetAccount(context.Context, *models.VirtualAccount) error { return nil }
func (f *fakeCache) InvalidateFamily(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidations++
	return nil
}
