package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"kinpool/internal/database"
	"kinpool/internal/models"
)

// InvitationRepository handles storage for invitations. Transitions out
// of pending are conditional updates, so exactly one caller wins any
// accept/decline/cancel/expire race.
type InvitationRepository struct {
	db *database.DB
}

// NewInvitationRepository creates a new invitation repository
func NewInvitationRepository(db *database.DB) *InvitationRepository {
	return &InvitationRepository{db: db}
}

// Create persists a new pending invitation
func (r *InvitationRepository) Create(ctx context.Context, inv *models.Invitation) error {
	query := `INSERT INTO invitations (id, family_id, inviter_id, invitee, relationship, token, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.Exec(ctx, query, inv.ID, inv.FamilyID, inv.InviterID, inv.Invitee, inv.Relationship,
		inv.Token, inv.Status, inv.CreatedAt, inv.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create invitation: %w", err)
	}
	return nil
}

// GetByID retrieves an invitation by ID, nil when absent
func (r *InvitationRepository) GetByID(ctx context.Context, id string) (*models.Invitation, error) {
	return r.getBy(ctx, "id", id)
}

// GetByToken retrieves an invitation by its one-time token, nil when absent
func (r *InvitationRepository) GetByToken(ctx context.Context, token string) (*models.Invitation, error) {
	return r.getBy(ctx, "token", token)
}

func (r *InvitationRepository) getBy(ctx context.Context, column, value string) (*models.Invitation, error) {
	query := fmt.Sprintf(`SELECT id, family_id, inviter_id, invitee, relationship, token, status, created_at, expires_at, resolved_at, resolved_by
		FROM invitations WHERE %s = ?`, column)
	inv := &models.Invitation{}
	var resolvedAt sql.NullTime
	var resolvedBy sql.NullString
	err := r.db.QueryRow(ctx, query, value).Scan(
		&inv.ID, &inv.FamilyID, &inv.InviterID, &inv.Invitee, &inv.Relationship,
		&inv.Token, &inv.Status, &inv.CreatedAt, &inv.ExpiresAt, &resolvedAt, &resolvedBy,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}
	if resolvedAt.Valid {
		inv.ResolvedAt = &resolvedAt.Time
	}
	if resolvedBy.Valid {
		inv.ResolvedBy = &resolvedBy.String
	}
	return inv, nil
}

// HasPending reports whether invitee already has a pending invitation
// to the family.
func (r *InvitationRepository) HasPending(ctx context.Context, familyID, invitee string) (bool, error) {
	var count int
	query := "SELECT COUNT(*) FROM invitations WHERE family_id = ? AND invitee = ? AND status = ?"
	if err := r.db.QueryRow(ctx, query, familyID, invitee, models.InvitationPending).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check pending invitations: %w", err)
	}
	return count > 0, nil
}

// ListByFamily retrieves all invitations of a family, newest first
func (r *InvitationRepository) ListByFamily(ctx context.Context, familyID string) ([]models.Invitation, error) {
	query := `SELECT id, family_id, inviter_id, invitee, relationship, token, status, created_at, expires_at, resolved_at, resolved_by
		FROM invitations WHERE family_id = ? ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query invitations: %w", err)
	}
	defer rows.Close()

	var invitations []models.Invitation
	for rows.Next() {
		var inv models.Invitation
		var resolvedAt sql.NullTime
		var resolvedBy sql.NullString
		if err := rows.Scan(&inv.ID, &inv.FamilyID, &inv.InviterID, &inv.Invitee, &inv.Relationship,
			&inv.Token, &inv.Status, &inv.CreatedAt, &inv.ExpiresAt, &resolvedAt, &resolvedBy); err != nil {
			return nil, fmt.Errorf("failed to scan invitation: %w", err)
		}
		if resolvedAt.Valid {
			inv.ResolvedAt = &resolvedAt.Time
		}
		if resolvedBy.Valid {
			inv.ResolvedBy = &resolvedBy.String
		}
		invitations = append(invitations, inv)
	}
	return invitations, rows.Err()
}

// Resolve transitions a pending invitation to a terminal status.
// Returns false when the invitation was no longer pending, meaning a
// concurrent caller already resolved it.
func (r *InvitationRepository) Resolve(ctx context.Context, id, status, resolvedBy string, at time.Time) (bool, error) {
	query := `UPDATE invitations SET status = ?, resolved_at = ?, resolved_by = ?
		WHERE id = ? AND status = ?`
	res, err := r.db.Exec(ctx, query, status, at, resolvedBy, id, models.InvitationPending)
	if err != nil {
		return false, fmt.Errorf("failed to resolve invitation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected == 1, nil
}

// Accept atomically resolves a pending invitation and applies all
// acceptance side effects: membership row, bidirectional relationship
// rows, family member count and version, default spending permission.
// Returns false without side effects when the invitation was already
// resolved or the family version moved.
func (r *InvitationRepository) Accept(ctx context.Context, inv *models.Invitation, familyVersion int64, m *models.Member, rels []models.Relationship, perm *models.SpendingPermission, at time.Time) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `UPDATE invitations SET status = ?, resolved_at = ?, resolved_by = ?
		WHERE id = ? AND status = ?`
	res, err := tx.Exec(ctx, query, models.InvitationAccepted, at, m.UserID, inv.ID, models.InvitationPending)
	if err != nil {
		return false, fmt.Errorf("failed to accept invitation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	won, err := bumpFamilyVersion(ctx, tx, inv.FamilyID, familyVersion, 1)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}

	query = `INSERT INTO family_members (family_id, user_id, role, relationship, joined_at)
		VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.Exec(ctx, query, m.FamilyID, m.UserID, m.Role, m.Relationship, m.JoinedAt); err != nil {
		return false, fmt.Errorf("failed to add member: %w", err)
	}

	for _, rel := range rels {
		query = `INSERT INTO relationships (family_id, user_id, relative_id, relation_type, created_at)
			VALUES (?, ?, ?, ?, ?)`
		if _, err := tx.Exec(ctx, query, rel.FamilyID, rel.UserID, rel.RelativeID, rel.RelationType, rel.CreatedAt); err != nil {
			return false, fmt.Errorf("failed to add relationship: %w", err)
		}
	}

	query = `INSERT INTO spending_permissions (family_id, member_id, spend_limit, unlimited, can_spend, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := tx.Exec(ctx, query, perm.FamilyID, perm.MemberID, perm.Limit, perm.Unlimited, perm.CanSpend, perm.UpdatedAt); err != nil {
		return false, fmt.Errorf("failed to grant default permission: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// ExpireOverdue transitions pending invitations past their deadline to
// expired. Each transition is its own conditional update, so concurrent
// sweeps split the set instead of double-transitioning; only rows this
// call actually flipped are returned.
func (r *InvitationRepository) ExpireOverdue(ctx context.Context, now time.Time) ([]models.Invitation, error) {
	query := `SELECT id, family_id, inviter_id, invitee, relationship, token, status, created_at, expires_at, resolved_at, resolved_by
		FROM invitations WHERE status = ? AND expires_at < ?`
	rows, err := r.db.Query(ctx, query, models.InvitationPending, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue invitations: %w", err)
	}
	var candidates []models.Invitation
	for rows.Next() {
		var inv models.Invitation
		var resolvedAt sql.NullTime
		var resolvedBy sql.NullString
		if err := rows.Scan(&inv.ID, &inv.FamilyID, &inv.InviterID, &inv.Invitee, &inv.Relationship,
			&inv.Token, &inv.Status, &inv.CreatedAt, &inv.ExpiresAt, &resolvedAt, &resolvedBy); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan invitation: %w", err)
		}
		candidates = append(candidates, inv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var expired []models.Invitation
	for _, inv := range candidates {
		won, err := r.Resolve(ctx, inv.ID, models.InvitationExpired, "", now)
		if err != nil {
			return expired, err
		}
		if won {
			inv.Status = models.InvitationExpired
			expired = append(expired, inv)
		}
	}
	return expired, nil
}
