package repository

import (
	"context"
	"fmt"

	"kinpool/internal/database"
	"kinpool/internal/models"
)

// AuditRepository appends and reads immutable audit entries. There is
// deliberately no update or delete here.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append persists one audit entry
func (r *AuditRepository) Append(ctx context.Context, e *models.AuditEntry) error {
	query := `INSERT INTO audit_log (id, family_id, actor_id, action, target, before_version, after_version, outcome, severity, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.Exec(ctx, query, e.ID, e.FamilyID, e.ActorID, e.Action, e.Target,
		e.BeforeVersion, e.AfterVersion, e.Outcome, e.Severity, e.Detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListByFamily retrieves a family's audit trail, newest first
func (r *AuditRepository) ListByFamily(ctx context.Context, familyID string, limit int) ([]models.AuditEntry, error) {
	query := `SELECT id, family_id, actor_id, action, target, before_version, after_version, outcome, severity, detail, created_at
		FROM audit_log WHERE family_id = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.Query(ctx, query, familyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.FamilyID, &e.ActorID, &e.Action, &e.Target,
			&e.BeforeVersion, &e.AfterVersion, &e.Outcome, &e.Severity, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
