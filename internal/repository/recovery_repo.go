package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"kinpool/internal/database"
	"kinpool/internal/models"
)

// RecoveryRepository handles storage for backup-admin designations and
// issued recovery tokens.
type RecoveryRepository struct {
	db *database.DB
}

// NewRecoveryRepository creates a new recovery repository
func NewRecoveryRepository(db *database.DB) *RecoveryRepository {
	return &RecoveryRepository{db: db}
}

// SetBackupAdmin replaces the family's standby admin designation
func (r *RecoveryRepository) SetBackupAdmin(ctx context.Context, b *models.BackupAdmin) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(ctx, "DELETE FROM backup_admins WHERE family_id = ?", b.FamilyID); err != nil {
		return fmt.Errorf("failed to clear backup admin: %w", err)
	}
	query := `INSERT INTO backup_admins (family_id, member_id, designated_by, designated_at)
		VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(ctx, query, b.FamilyID, b.MemberID, b.DesignatedBy, b.DesignatedAt); err != nil {
		return fmt.Errorf("failed to set backup admin: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetBackupAdmin retrieves the family's standby admin, nil when unset
func (r *RecoveryRepository) GetBackupAdmin(ctx context.Context, familyID string) (*models.BackupAdmin, error) {
	query := `SELECT family_id, member_id, designated_by, designated_at
		FROM backup_admins WHERE family_id = ?`
	b := &models.BackupAdmin{}
	err := r.db.QueryRow(ctx, query, familyID).Scan(&b.FamilyID, &b.MemberID, &b.DesignatedBy, &b.DesignatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get backup admin: %w", err)
	}
	return b, nil
}

// RemoveBackupAdmin clears the family's standby admin designation
func (r *RecoveryRepository) RemoveBackupAdmin(ctx context.Context, familyID string) error {
	if _, err := r.db.Exec(ctx, "DELETE FROM backup_admins WHERE family_id = ?", familyID); err != nil {
		return fmt.Errorf("failed to remove backup admin: %w", err)
	}
	return nil
}

// CreateToken records an issued recovery token by its jti
func (r *RecoveryRepository) CreateToken(ctx context.Context, t *models.RecoveryToken) error {
	query := `INSERT INTO recovery_tokens (jti, family_id, requester_id, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`
	if _, err := r.db.Exec(ctx, query, t.JTI, t.FamilyID, t.RequesterID, t.IssuedAt, t.ExpiresAt); err != nil {
		return fmt.Errorf("failed to create recovery token: %w", err)
	}
	return nil
}

// ConsumeToken marks a token consumed exactly once. Returns false when
// the token is unknown, already consumed, or expired.
func (r *RecoveryRepository) ConsumeToken(ctx context.Context, jti string, at time.Time) (bool, error) {
	query := `UPDATE recovery_tokens SET consumed_at = ?
		WHERE jti = ? AND consumed_at IS NULL AND expires_at > ?`
	res, err := r.db.Exec(ctx, query, at, jti, at)
	if err != nil {
		return false, fmt.Errorf("failed to consume recovery token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected == 1, nil
}

// PurgeExpired deletes unconsumed tokens past their deadline
func (r *RecoveryRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.Exec(ctx, "DELETE FROM recovery_tokens WHERE consumed_at IS NULL AND expires_at <= ?", now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge recovery tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected, nil
}
