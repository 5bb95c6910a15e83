package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"kinpool/internal/database"
	"kinpool/internal/models"
)

// AccountRepository handles storage for virtual accounts and spending
// permissions. Every balance or freeze mutation is a conditional write
// on the account version, so validate-and-mutate stays one indivisible
// step from the caller's point of view.
type AccountRepository struct {
	db *database.DB
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *database.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// GetAccount retrieves the virtual account for a family, nil when absent
func (r *AccountRepository) GetAccount(ctx context.Context, familyID string) (*models.VirtualAccount, error) {
	query := `SELECT id, family_id, balance, frozen, freeze_reason, version, updated_at
		FROM virtual_accounts WHERE family_id = ?`
	a := &models.VirtualAccount{}
	err := r.db.QueryRow(ctx, query, familyID).Scan(
		&a.ID, &a.FamilyID, &a.Balance, &a.Frozen, &a.FreezeReason, &a.Version, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// GetPermission retrieves a member's spending permission, nil when the
// member has never been granted one.
func (r *AccountRepository) GetPermission(ctx context.Context, familyID, memberID string) (*models.SpendingPermission, error) {
	query := `SELECT family_id, member_id, spend_limit, unlimited, can_spend, updated_at
		FROM spending_permissions WHERE family_id = ? AND member_id = ?`
	p := &models.SpendingPermission{}
	err := r.db.QueryRow(ctx, query, familyID, memberID).Scan(
		&p.FamilyID, &p.MemberID, &p.Limit, &p.Unlimited, &p.CanSpend, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get spending permission: %w", err)
	}
	return p, nil
}

// ListPermissions retrieves all spending permissions of a family
func (r *AccountRepository) ListPermissions(ctx context.Context, familyID string) ([]models.SpendingPermission, error) {
	query := `SELECT family_id, member_id, spend_limit, unlimited, can_spend, updated_at
		FROM spending_permissions WHERE family_id = ?`
	rows, err := r.db.Query(ctx, query, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query permissions: %w", err)
	}
	defer rows.Close()

	var perms []models.SpendingPermission
	for rows.Next() {
		var p models.SpendingPermission
		if err := rows.Scan(&p.FamilyID, &p.MemberID, &p.Limit, &p.Unlimited, &p.CanSpend, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// UpsertPermission replaces a member's permission entry and bumps the
// account version in the same transaction. Returns false on a version
// mismatch.
func (r *AccountRepository) UpsertPermission(ctx context.Context, perm *models.SpendingPermission, fromVersion int64) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	won, err := bumpAccountVersion(ctx, tx, perm.FamilyID, fromVersion)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}

	// delete+insert keeps the upsert portable across all three dialects
	if _, err := tx.Exec(ctx, "DELETE FROM spending_permissions WHERE family_id = ? AND member_id = ?",
		perm.FamilyID, perm.MemberID); err != nil {
		return false, fmt.Errorf("failed to clear permission: %w", err)
	}
	query := `INSERT INTO spending_permissions (family_id, member_id, spend_limit, unlimited, can_spend, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := tx.Exec(ctx, query, perm.FamilyID, perm.MemberID, perm.Limit, perm.Unlimited, perm.CanSpend, perm.UpdatedAt); err != nil {
		return false, fmt.Errorf("failed to insert permission: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// ApplyDelta adjusts the balance by delta (negative for debits) with a
// conditional write on the version read by the caller. The validated
// state cannot have changed if the version still matches.
func (r *AccountRepository) ApplyDelta(ctx context.Context, familyID string, delta int64, fromVersion int64) (bool, error) {
	query := `UPDATE virtual_accounts
		SET balance = balance + ?, version = version + 1, updated_at = ?
		WHERE family_id = ? AND version = ? AND balance + ? >= 0`
	res, err := r.db.Exec(ctx, query, delta, time.Now().UTC(), familyID, fromVersion, delta)
	if err != nil {
		return false, fmt.Errorf("failed to apply balance delta: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected == 1, nil
}

// SetFrozen flips the freeze flag with a conditional version write
func (r *AccountRepository) SetFrozen(ctx context.Context, familyID string, frozen bool, reason string, fromVersion int64) (bool, error) {
	query := `UPDATE virtual_accounts
		SET frozen = ?, freeze_reason = ?, version = version + 1, updated_at = ?
		WHERE family_id = ? AND version = ?`
	res, err := r.db.Exec(ctx, query, frozen, reason, time.Now().UTC(), familyID, fromVersion)
	if err != nil {
		return false, fmt.Errorf("failed to update freeze state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected == 1, nil
}

func bumpAccountVersion(ctx context.Context, tx *database.Tx, familyID string, fromVersion int64) (bool, error) {
	query := `UPDATE virtual_accounts SET version = version + 1, updated_at = ?
		WHERE family_id = ? AND version = ?`
	res, err := tx.Exec(ctx, query, time.Now().UTC(), familyID, fromVersion)
	if err != nil {
		return false, fmt.Errorf("failed to bump account version: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected == 1, nil
}
