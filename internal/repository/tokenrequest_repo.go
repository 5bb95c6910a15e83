package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"kinpool/internal/database"
	"kinpool/internal/models"
)

// TokenRequestRepository handles storage for token requests
type TokenRequestRepository struct {
	db *database.DB
}

// NewTokenRequestRepository creates a new token request repository
func NewTokenRequestRepository(db *database.DB) *TokenRequestRepository {
	return &TokenRequestRepository{db: db}
}

// Create persists a new pending token request
func (r *TokenRequestRepository) Create(ctx context.Context, req *models.TokenRequest) error {
	query := `INSERT INTO token_requests (id, family_id, requester_id, amount, reason, status, review_comment, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.Exec(ctx, query, req.ID, req.FamilyID, req.RequesterID, req.Amount, req.Reason,
		req.Status, req.ReviewComment, req.CreatedAt, req.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create token request: %w", err)
	}
	return nil
}

// GetByID retrieves a token request by ID, nil when absent
func (r *TokenRequestRepository) GetByID(ctx context.Context, id string) (*models.TokenRequest, error) {
	query := `SELECT id, family_id, requester_id, amount, reason, status, reviewer_id, review_comment, decided_at, created_at, expires_at
		FROM token_requests WHERE id = ?`
	req := &models.TokenRequest{}
	var reviewerID sql.NullString
	var decidedAt sql.NullTime
	err := r.db.QueryRow(ctx, query, id).Scan(
		&req.ID, &req.FamilyID, &req.RequesterID, &req.Amount, &req.Reason, &req.Status,
		&reviewerID, &req.ReviewComment, &decidedAt, &req.CreatedAt, &req.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token request: %w", err)
	}
	if reviewerID.Valid {
		req.ReviewerID = &reviewerID.String
	}
	if decidedAt.Valid {
		req.DecidedAt = &decidedAt.Time
	}
	return req, nil
}

// ListByFamily retrieves all token requests of a family, newest first
func (r *TokenRequestRepository) ListByFamily(ctx context.Context, familyID string) ([]models.TokenRequest, error) {
	query := `SELECT id, family_id, requester_id, amount, reason, status, reviewer_id, review_comment, decided_at, created_at, expires_at
		FROM token_requests WHERE family_id = ? ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query token requests: %w", err)
	}
	defer rows.Close()

	var requests []models.TokenRequest
	for rows.Next() {
		var req models.TokenRequest
		var reviewerID sql.NullString
		var decidedAt sql.NullTime
		if err := rows.Scan(&req.ID, &req.FamilyID, &req.RequesterID, &req.Amount, &req.Reason, &req.Status,
			&reviewerID, &req.ReviewComment, &decidedAt, &req.CreatedAt, &req.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan token request: %w", err)
		}
		if reviewerID.Valid {
			req.ReviewerID = &reviewerID.String
		}
		if decidedAt.Valid {
			req.DecidedAt = &decidedAt.Time
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// Resolve transitions a pending request to a terminal status. Returns
// false when the request was no longer pending.
func (r *TokenRequestRepository) Resolve(ctx context.Context, id, status, reviewerID, comment string, at time.Time) (bool, error) {
	query := `UPDATE token_requests SET status = ?, reviewer_id = ?, review_comment = ?, decided_at = ?
		WHERE id = ? AND status = ?`
	res, err := r.db.Exec(ctx, query, status, reviewerID, comment, at, id, models.TokenRequestPending)
	if err != nil {
		return false, fmt.Errorf("failed to resolve token request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected == 1, nil
}

// ExpireOverdue transitions pending requests past their horizon to
// expired, returning only the rows this call flipped. Safe to run from
// concurrent sweeps.
func (r *TokenRequestRepository) ExpireOverdue(ctx context.Context, now time.Time) ([]models.TokenRequest, error) {
	query := `SELECT id, family_id, requester_id FROM token_requests WHERE status = ? AND expires_at < ?`
	rows, err := r.db.Query(ctx, query, models.TokenRequestPending, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue token requests: %w", err)
	}
	var candidates []models.TokenRequest
	for rows.Next() {
		var req models.TokenRequest
		if err := rows.Scan(&req.ID, &req.FamilyID, &req.RequesterID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan token request: %w", err)
		}
		candidates = append(candidates, req)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var expired []models.TokenRequest
	for _, req := range candidates {
		won, err := r.Resolve(ctx, req.ID, models.TokenRequestExpired, "", "", now)
		if err != nil {
			return expired, err
		}
		if won {
			req.Status = models.TokenRequestExpired
			expired = append(expired, req)
		}
	}
	return expired, nil
}
