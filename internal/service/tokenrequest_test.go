package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"kinpool/internal/models"
)

func TestTokenRequestCreate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	family := env.seedFamily(t, "alice")
	env.addMember(t, family.ID, "bob", models.RoleMember)

	req, err := env.requests.Create(ctx, family.ID, "bob", 50, "school lunch")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if req.Status != models.TokenRequestPending {
		t.Errorf("Status = %q, want pending", req.Status)
	}

	// Admins are notified, plain members are not
	if got := env.notifier.countCategory("token_request.created"); got != 1 {
		t.Errorf("token_request.created notifications = %d, want 1 (admins only)", got)
	}
}

func TestTokenRequestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	family := env.seedFamily(t, "alice")
	env.addMember(t, family.ID, "bob", models.RoleMember)

	_, err := env.requests.Create(ctx, family.ID, "bob", 0, "x")
	wantKind(t, err, KindValidation)

	_, err = env.requests.Create(ctx, family.ID, "bob", -5, "x")
	wantKind(t, err, KindValidation)

	_, err = env.requests.Create(ctx, family.ID, "bob", 10, strings.Repeat("a", 501))
	wantKind(t, err, KindValidation)

	_, err = env.requests.Create(ctx, family.ID, "stranger", 10, "x")
	wantKind(t, err, KindPermissionDenied)
}

func TestReviewApproveDebitsAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	family := env.seedFamily(t, "alice")
	env.addMember(t, family.ID, "bob", models.RoleMember)
	env.setBalance(t, family.ID, 100)

	req, _ := env.requests.Create(ctx, family.ID, "bob", 60, "books")

	reviewed, err := env.requests.Review(ctx, req.ID, "alice", DecisionApprove, "ok")
	if err != nil {
		t.Fatalf("Review(approve) error = %v", err)
	}
	if reviewed.Status != models.TokenRequestApproved {
		t.Errorf("Status = %q, want approved", reviewed.Status)
	}

	account, _ := env.ledger.GetAccount(ctx, family.ID, "alice")
	if account.Balance != 40 {
		t.Errorf("Balance = %d, want 40 after funded approval", account.Balance)
	}
	if env.notifier.countCategory("token_request.approved") != 1 {
		t.Error("requester was not notified of the approval")
	}
}

func TestReviewApproveUnfundedIsRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	family := env.seedFamily(t, "alice")
	env.addMember(t, family.ID, "bob", models.RoleMember)
	env.setBalance(t, family.ID, 30)

	req, _ := env.requests.Create(ctx, family.ID, "bob", 60, "books")

	_, err := env.requests.Review(ctx, req.ID, "alice", DecisionApprove, "ok")
	wantKind(t, err, KindConflict)

	// The request stays pending and the balance is untouched
	stored, _ := env.requests.requests.GetByID(ctx, req.ID)
	if stored.Status != models.TokenRequestPending {
		t.Errorf("Status = %q after failed approval, want pending", stored.Status)
	}
	account, _ := env.ledger.GetAccount(ctx, family.ID, "alice")
	if account.Balance != 30 {
		t.Errorf("Balance = %d, want 30", account.Balance)
	}
}

func TestReviewApproveFrozenIsRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	family := env.seedFamily(t, "alice")
	env.addMember(t, family.ID, "bob", models.RoleMember)
	env.setBalance(t, family.ID, 100)

	req, _ := env.requests.Create(ctx, family.ID, "bob", 60, "books")
	if err := env.ledger.Freeze(ctx, family.ID, "alice", "audit"); err != nil {
		t.Fatalf("Freeze() error = %v", err)
	}

	_, err := env.requests.Review(ctx, req.ID, "alice", DecisionApprove, "ok")
	wantKind(t, err, KindConflict)
}

func TestReviewDeny(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	family := env.seedFamily(t, "alice")
	env.addMember(t, family.ID, "bob", models.RoleMember)
	env.setBalance(t, family.ID, 100)

	req, _ := env.requests.Create(ctx, family.ID, "bob", 60, "books")

	reviewed, err := env.requests.Review(ctx, req.ID, "alice", DecisionDeny, "not now")
	if err != nil {
		t.Fatalf("Review(deny) error = %v", err)
	}
	if reviewed.Status != models.TokenRequestDenied {
		t.Errorf("Status = %q, want denied", reviewed.Status)
	}
	account, _ := env.ledger.GetAccount(ctx, family.ID, "alice")
	if account.Balance != 100 {
		t.Errorf("Balance = %d changed by a denial, want 100", account.Balance)
	}
}

func TestReviewSecondReviewerLoses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	family := env.seedFamily(t, "alice")
	env.addMember(t, family.ID, "carol", models.RoleAdmin)
	env.addMember(t, family.ID, "bob", models.RoleMember)
	env.setBalance(t, family.ID, 100)

	req, _ := env.requests.Create(ctx, family.ID, "bob", 60, "books")

	if _, err := env.requests.Review(ctx, req.ID, "alice", DecisionDeny, "no"); err != nil {
		t.Fatalf("first Review() error = %v", err)
	}
	_, err := env.requests.Review(ctx, req.ID, "carol", DecisionApprove, "yes")
	wantKind(t, err, KindConflict)

	// The losing approval must not leave a debit behind
	account, _ := env.ledger.GetAccount(ctx, family.ID, "alice")
	if account.Balance != 100 {
		t.Errorf("Balance = %d, want 100 after losing review", account.Balance)
	}
}

func TestReviewPermissions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	family := env.seedFamily(t, "alice")
	env.addMember(t, family.ID, "bob", models.RoleMember)
	env.setBalance(t, family.ID, 100)

	req, _ := env.requests.Create(ctx, family.ID, "bob", 60, "books")

	_, err := env.requests.Review(ctx, req.ID, "bob", DecisionApprove, "self-serve")
	wantKind(t, err, KindPermissionDenied)

	_, err = env.requests.Review(ctx, req.ID, "alice", "maybe", "")
	wantKind(t, err, KindValidation)

	_, err = env.requests.Review(ctx, "missing", "alice", DecisionApprove, "")
	wantKind(t, err, KindNotFound)
}

func TestTokenRequestExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	family := env.seedFamily(t, "alice")
	env.addMember(t, family.ID, "bob", models.RoleMember)

	req, _ := env.requests.Create(ctx, family.ID, "bob", 60, "books")

	env.db.mu.Lock()
	env.db.requests[req.ID].ExpiresAt = time.Now().Add(-time.Hour)
	env.db.mu.Unlock()

	n, err := env.requests.ExpireOverdue(ctx)
	if err != nil {
		t.Fatalf("ExpireOverdue() error = %v", err)
	}
	if n != 1 {
		t.Errorf("ExpireOverdue() = %d, want 1", n)
	}

	_, err = env.requests.Review(ctx, req.ID, "alice", DecisionApprove, "")
	wantKind(t, err, KindConflict)
}
