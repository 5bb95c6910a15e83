package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"kinpool/internal/database"
	"kinpool/internal/models"
)

// FamilyRepository handles storage for families, memberships and
// relationships. Mutations that must not race use conditional updates
// on the family version column; callers retry on a false return.
type FamilyRepository struct {
	db *database.DB
}

// NewFamilyRepository creates a new family repository
func NewFamilyRepository(db *database.DB) *FamilyRepository {
	return &FamilyRepository{db: db}
}

// CreateFamily inserts the family, its virtual account and the creator's
// admin membership in one transaction.
func (r *FamilyRepository) CreateFamily(ctx context.Context, f *models.Family, a *models.VirtualAccount, creator *models.Member) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO families (id, name, account_code, member_count, active, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.Exec(ctx, query, f.ID, f.Name, f.AccountCode, f.MemberCount, f.Active, f.Version, f.CreatedAt, f.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create family: %w", err)
	}

	query = `INSERT INTO virtual_accounts (id, family_id, balance, frozen, freeze_reason, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.Exec(ctx, query, a.ID, a.FamilyID, a.Balance, a.Frozen, a.FreezeReason, a.Version, a.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create virtual account: %w", err)
	}

	query = `INSERT INTO family_members (family_id, user_id, role, relationship, joined_at)
		VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.Exec(ctx, query, creator.FamilyID, creator.UserID, creator.Role, creator.Relationship, creator.JoinedAt); err != nil {
		return fmt.Errorf("failed to add creator membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetFamily retrieves a family by ID, returning nil when absent
func (r *FamilyRepository) GetFamily(ctx context.Context, familyID string) (*models.Family, error) {
	query := `SELECT id, name, account_code, member_count, active, version, created_at, updated_at
		FROM families WHERE id = ?`
	f := &models.Family{}
	err := r.db.QueryRow(ctx, query, familyID).Scan(
		&f.ID, &f.Name, &f.AccountCode, &f.MemberCount, &f.Active, &f.Version, &f.CreatedAt, &f.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get family: %w", err)
	}
	return f, nil
}

// ListFamiliesForUser retrieves all families a user belongs to
func (r *FamilyRepository) ListFamiliesForUser(ctx context.Context, userID string) ([]models.Family, error) {
	query := `
		SELECT f.id, f.name, f.account_code, f.member_count, f.active, f.version, f.created_at, f.updated_at
		FROM families f
		INNER JOIN family_members fm ON f.id = fm.family_id
		WHERE fm.user_id = ?
		ORDER BY f.created_at DESC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query families: %w", err)
	}
	defer rows.Close()

	var families []models.Family
	for rows.Next() {
		var f models.Family
		if err := rows.Scan(&f.ID, &f.Name, &f.AccountCode, &f.MemberCount, &f.Active, &f.Version, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan family: %w", err)
		}
		families = append(families, f)
	}
	return families, rows.Err()
}

// AccountCodeExists reports whether an account code is already taken
func (r *FamilyRepository) AccountCodeExists(ctx context.Context, code string) (bool, error) {
	var count int
	query := "SELECT COUNT(*) FROM families WHERE account_code = ?"
	if err := r.db.QueryRow(ctx, query, code).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check account code: %w", err)
	}
	return count > 0, nil
}

// GetMember retrieves one membership row, returning nil when absent
func (r *FamilyRepository) GetMember(ctx context.Context, familyID, userID string) (*models.Member, error) {
	query := `SELECT family_id, user_id, role, relationship, joined_at
		FROM family_members WHERE family_id = ? AND user_id = ?`
	m := &models.Member{}
	err := r.db.QueryRow(ctx, query, familyID, userID).Scan(
		&m.FamilyID, &m.UserID, &m.Role, &m.Relationship, &m.JoinedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

// ListMembers retrieves all members of a family
func (r *FamilyRepository) ListMembers(ctx context.Context, familyID string) ([]models.Member, error) {
	query := `SELECT family_id, user_id, role, relationship, joined_at
		FROM family_members WHERE family_id = ? ORDER BY joined_at ASC`
	rows, err := r.db.Query(ctx, query, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	var members []models.Member
	for rows.Next() {
		var m models.Member
		if err := rows.Scan(&m.FamilyID, &m.UserID, &m.Role, &m.Relationship, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// CountAdmins returns the number of admin members in a family
func (r *FamilyRepository) CountAdmins(ctx context.Context, familyID string) (int, error) {
	var count int
	query := "SELECT COUNT(*) FROM family_members WHERE family_id = ? AND role = ?"
	if err := r.db.QueryRow(ctx, query, familyID, models.RoleAdmin).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count admins: %w", err)
	}
	return count, nil
}

// UpdateMemberRole changes a member's role, serialized by a conditional
// bump of the family version. Returns false when fromVersion no longer
// matches, in which case the caller re-reads and retries.
func (r *FamilyRepository) UpdateMemberRole(ctx context.Context, familyID, userID, role string, fromVersion int64) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	won, err := bumpFamilyVersion(ctx, tx, familyID, fromVersion, 0)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}

	query := "UPDATE family_members SET role = ? WHERE family_id = ? AND user_id = ?"
	res, err := tx.Exec(ctx, query, role, familyID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to update member role: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return false, fmt.Errorf("member %s not found in family %s", userID, familyID)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// RemoveMember deletes a membership and, in the same transaction, the
// member's relationships and spending permission. Never orphaned.
func (r *FamilyRepository) RemoveMember(ctx context.Context, familyID, userID string, fromVersion int64) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	won, err := bumpFamilyVersion(ctx, tx, familyID, fromVersion, -1)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}

	if _, err := tx.Exec(ctx, "DELETE FROM family_members WHERE family_id = ? AND user_id = ?", familyID, userID); err != nil {
		return false, fmt.Errorf("failed to remove member: %w", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM relationships WHERE family_id = ? AND (user_id = ? OR relative_id = ?)", familyID, userID, userID); err != nil {
		return false, fmt.Errorf("failed to remove relationships: %w", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM spending_permissions WHERE family_id = ? AND member_id = ?", familyID, userID); err != nil {
		return false, fmt.Errorf("failed to revoke spending permission: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// DeleteFamilyCascade removes the family and everything hanging off it.
// Pending invitations flip to cancelled; resolved ones are kept for the
// audit trail. The conditional version bump up front fails any ledger
// mutation still in flight against the old version.
func (r *FamilyRepository) DeleteFamilyCascade(ctx context.Context, familyID string, fromVersion int64) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	won, err := bumpFamilyVersion(ctx, tx, familyID, fromVersion, 0)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, "UPDATE invitations SET status = ?, resolved_at = ? WHERE family_id = ? AND status = ?",
		models.InvitationCancelled, now, familyID, models.InvitationPending); err != nil {
		return false, fmt.Errorf("failed to cancel pending invitations: %w", err)
	}

	cascade := []string{
		"DELETE FROM spending_permissions WHERE family_id = ?",
		"DELETE FROM relationships WHERE family_id = ?",
		"DELETE FROM family_members WHERE family_id = ?",
		"DELETE FROM backup_admins WHERE family_id = ?",
		"DELETE FROM virtual_accounts WHERE family_id = ?",
		"DELETE FROM families WHERE id = ?",
	}
	for _, query := range cascade {
		if _, err := tx.Exec(ctx, query, familyID); err != nil {
			return false, fmt.Errorf("failed to cascade family delete: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// bumpFamilyVersion is the commit gate for family-scoped mutations:
// it succeeds only if the version is still fromVersion and the family
// is active. memberDelta adjusts member_count in the same statement.
func bumpFamilyVersion(ctx context.Context, tx *database.Tx, familyID string, fromVersion int64, memberDelta int) (bool, error) {
	query := `UPDATE families
		SET version = version + 1, member_count = member_count + ?, updated_at = ?
		WHERE id = ? AND version = ? AND active = ?`
	res, err := tx.Exec(ctx, query, memberDelta, time.Now().UTC(), familyID, fromVersion, true)
	if err != nil {
		return false, fmt.Errorf("failed to bump family version: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected == 1, nil
}
