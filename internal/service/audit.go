package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kinpool/internal/models"
)

// AuditService appends immutable records for every state-changing
// action. Append failures are logged but do not fail the already
// committed domain mutation.
type AuditService struct {
	store  AuditStore
	logger *zap.Logger
}

// NewAuditService creates a new audit service
func NewAuditService(store AuditStore, logger *zap.Logger) *AuditService {
	return &AuditService{store: store, logger: logger}
}

// Record appends an info-severity entry
func (s *AuditService) Record(ctx context.Context, familyID, actorID, action, target string, before, after int64, outcome, detail string) {
	s.append(ctx, familyID, actorID, action, target, before, after, outcome, models.SeverityInfo, detail)
}

// RecordElevated appends an elevated-severity entry, used for
// emergency-recovery actions.
func (s *AuditService) RecordElevated(ctx context.Context, familyID, actorID, action, target string, before, after int64, outcome, detail string) {
	s.append(ctx, familyID, actorID, action, target, before, after, outcome, models.SeverityElevated, detail)
}

func (s *AuditService) append(ctx context.Context, familyID, actorID, action, target string, before, after int64, outcome, severity, detail string) {
	entry := &models.AuditEntry{
		ID:            uuid.New().String(),
		FamilyID:      familyID,
		ActorID:       actorID,
		Action:        action,
		Target:        target,
		BeforeVersion: before,
		AfterVersion:  after,
		Outcome:       outcome,
		Severity:      severity,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.Append(ctx, entry); err != nil {
		s.logger.Error("failed to append audit entry",
			zap.String("family_id", familyID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

// History returns a family's audit trail for admin review
func (s *AuditService) History(ctx context.Context, familyID string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListByFamily(ctx, familyID, limit)
}
