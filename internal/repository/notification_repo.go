package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"kinpool/internal/database"
	"kinpool/internal/models"
)

// NotificationRepository handles storage for notifications, delivery
// attempts and channel preferences.
type NotificationRepository struct {
	db *database.DB
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *database.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create persists a queued notification
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	query := `INSERT INTO notifications (id, family_id, recipient_id, category, payload, status, delivered_via, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.Exec(ctx, query, n.ID, n.FamilyID, n.RecipientID, n.Category, n.Payload,
		n.Status, n.DeliveredVia, n.Read, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// GetByID retrieves a notification by ID, nil when absent
func (r *NotificationRepository) GetByID(ctx context.Context, id string) (*models.Notification, error) {
	query := `SELECT id, family_id, recipient_id, category, payload, status, delivered_via, is_read, read_at, created_at
		FROM notifications WHERE id = ?`
	n := &models.Notification{}
	var readAt sql.NullTime
	err := r.db.QueryRow(ctx, query, id).Scan(
		&n.ID, &n.FamilyID, &n.RecipientID, &n.Category, &n.Payload,
		&n.Status, &n.DeliveredVia, &n.Read, &readAt, &n.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	if readAt.Valid {
		n.ReadAt = &readAt.Time
	}
	return n, nil
}

// List retrieves a recipient's notifications, newest first
func (r *NotificationRepository) List(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	query := `SELECT id, family_id, recipient_id, category, payload, status, delivered_via, is_read, read_at, created_at
		FROM notifications WHERE recipient_id = ?`
	args := []interface{}{recipientID}
	if unreadOnly {
		query += " AND is_read = ?"
		args = append(args, false)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		var n models.Notification
		var readAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.FamilyID, &n.RecipientID, &n.Category, &n.Payload,
			&n.Status, &n.DeliveredVia, &n.Read, &readAt, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		if readAt.Valid {
			n.ReadAt = &readAt.Time
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// RecordAttempt appends a delivery attempt for a notification
func (r *NotificationRepository) RecordAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	query := `INSERT INTO notification_attempts (notification_id, channel, outcome, error, attempted_at)
		VALUES (?, ?, ?, ?, ?)`
	_, err := r.db.Exec(ctx, query, a.NotificationID, a.Channel, a.Outcome, a.Error, a.AttemptedAt)
	if err != nil {
		return fmt.Errorf("failed to record delivery attempt: %w", err)
	}
	return nil
}

// ListAttempts retrieves the delivery attempts of a notification in order
func (r *NotificationRepository) ListAttempts(ctx context.Context, notificationID string) ([]models.DeliveryAttempt, error) {
	query := `SELECT id, notification_id, channel, outcome, error, attempted_at
		FROM notification_attempts WHERE notification_id = ? ORDER BY id ASC`
	rows, err := r.db.Query(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery attempts: %w", err)
	}
	defer rows.Close()

	var attempts []models.DeliveryAttempt
	for rows.Next() {
		var a models.DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.NotificationID, &a.Channel, &a.Outcome, &a.Error, &a.AttemptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// SetOutcome records the final delivery status of a notification
func (r *NotificationRepository) SetOutcome(ctx context.Context, id, status, deliveredVia string) error {
	query := "UPDATE notifications SET status = ?, delivered_via = ? WHERE id = ?"
	if _, err := r.db.Exec(ctx, query, status, deliveredVia, id); err != nil {
		return fmt.Errorf("failed to set notification outcome: %w", err)
	}
	return nil
}

// MarkRead flags one notification as read. Idempotent: re-marking an
// already-read notification keeps the original read timestamp.
func (r *NotificationRepository) MarkRead(ctx context.Context, id, recipientID string, at time.Time) error {
	query := "UPDATE notifications SET is_read = ?, read_at = ? WHERE id = ? AND recipient_id = ? AND is_read = ?"
	if _, err := r.db.Exec(ctx, query, true, at, id, recipientID, false); err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	return nil
}

// MarkAllRead flags every unread notification of a recipient within a
// family. Idempotent.
func (r *NotificationRepository) MarkAllRead(ctx context.Context, recipientID, familyID string, at time.Time) error {
	query := "UPDATE notifications SET is_read = ?, read_at = ? WHERE recipient_id = ? AND family_id = ? AND is_read = ?"
	if _, err := r.db.Exec(ctx, query, true, at, recipientID, familyID, false); err != nil {
		return fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return nil
}

// GetPreferences returns the recipient's ordered channel list, nil when
// no preference has been set.
func (r *NotificationRepository) GetPreferences(ctx context.Context, recipientID string) ([]string, error) {
	var channels string
	query := "SELECT channels FROM channel_preferences WHERE recipient_id = ?"
	err := r.db.QueryRow(ctx, query, recipientID).Scan(&channels)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel preferences: %w", err)
	}
	if channels == "" {
		return nil, nil
	}
	return strings.Split(channels, ","), nil
}

// SetPreferences replaces the recipient's channel order. Takes effect
// for notifications dispatched after the call.
func (r *NotificationRepository) SetPreferences(ctx context.Context, recipientID string, channels []string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(ctx, "DELETE FROM channel_preferences WHERE recipient_id = ?", recipientID); err != nil {
		return fmt.Errorf("failed to clear channel preferences: %w", err)
	}
	query := "INSERT INTO channel_preferences (recipient_id, channels, updated_at) VALUES (?, ?, ?)"
	if _, err := tx.Exec(ctx, query, recipientID, strings.Join(channels, ","), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set channel preferences: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
