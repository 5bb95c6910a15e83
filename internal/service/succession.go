package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kinpool/internal/models"
	"kinpool/internal/security"
)

// SuccessionService manages admin promotion, demotion and emergency
// recovery when no active admin is reachable.
type SuccessionService struct {
	families  FamilyStore
	recovery  RecoveryStore
	authority TokenAuthority
	audit     *AuditService
	notifier  Notifier
	limiter   Limiter
	cache     StateCache
	logger    *zap.Logger
}

// NewSuccessionService creates a new succession service
func NewSuccessionService(families FamilyStore, recovery RecoveryStore, authority TokenAuthority, audit *AuditService, notifier Notifier, limiter Limiter, cache StateCache, logger *zap.Logger) *SuccessionService {
	return &SuccessionService{
		families:  families,
		recovery:  recovery,
		authority: authority,
		audit:     audit,
		notifier:  notifier,
		limiter:   limiter,
		cache:     cache,
		logger:    logger,
	}
}

// Promote grants the admin role to a member
func (s *SuccessionService) Promote(ctx context.Context, familyID, actorID, targetID string) error {
	return s.setRole(ctx, familyID, actorID, targetID, models.RoleAdmin)
}

// Demote revokes the admin role. Fails with Conflict when it would
// leave the family without any admin.
func (s *SuccessionService) Demote(ctx context.Context, familyID, actorID, targetID string) error {
	return s.setRole(ctx, familyID, actorID, targetID, models.RoleMember)
}

func (s *SuccessionService) setRole(ctx context.Context, familyID, actorID, targetID, role string) error {
	action := "member.demote"
	if role == models.RoleAdmin {
		action = "member.promote"
	}

	if _, err := requireAdmin(ctx, s.families, familyID, actorID); err != nil {
		return err
	}

	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		family, err := s.families.GetFamily(ctx, familyID)
		if err != nil {
			return err
		}
		if family == nil {
			return notFoundError("family")
		}
		target, err := s.families.GetMember(ctx, familyID, targetID)
		if err != nil {
			return err
		}
		if target == nil {
			return notFoundError("member")
		}
		if target.Role == role {
			return invalidState("member %s already holds role %s", targetID, role)
		}

		if role == models.RoleMember {
			// The admin count and the role change commit against the
			// same family version, so two concurrent demotions cannot
			// both pass this check.
			admins, err := s.families.CountAdmins(ctx, familyID)
			if err != nil {
				return err
			}
			if admins <= 1 {
				s.audit.Record(ctx, familyID, actorID, action, targetID, family.Version, family.Version, models.OutcomeConflict, "last admin")
				return conflictError("demoting %s would leave the family without an admin", targetID)
			}
		}

		won, err := s.families.UpdateMemberRole(ctx, familyID, targetID, role, family.Version)
		if err != nil {
			return err
		}
		if !won {
			continue
		}

		if err := s.cache.InvalidateFamily(ctx, familyID); err != nil {
			s.logger.Warn("failed to invalidate family cache", zap.String("family_id", familyID), zap.Error(err))
		}
		s.audit.Record(ctx, familyID, actorID, action, targetID, family.Version, family.Version+1, models.OutcomeOK, "")
		s.notifier.Notify(ctx, &models.Notification{
			FamilyID:    familyID,
			RecipientID: targetID,
			Category:    action,
			Payload:     fmt.Sprintf("Your role has been changed to %s", role),
		})
		s.logger.Info("member role changed",
			zap.String("family_id", familyID),
			zap.String("target_id", targetID),
			zap.String("role", role),
		)
		return nil
	}

	s.audit.Record(ctx, familyID, actorID, action, targetID, 0, 0, models.OutcomeConflict, "version retries exhausted")
	return conflictError("family %s is being modified concurrently", familyID)
}

// RemoveMember detaches a member from the family, cascading to the
// member's relationships and spending permission. The last admin
// cannot be removed.
func (s *SuccessionService) RemoveMember(ctx context.Context, familyID, actorID, targetID string) error {
	actor, err := requireMember(ctx, s.families, familyID, actorID)
	if err != nil {
		return err
	}
	// Members may leave on their own; removing someone else is an
	// admin action.
	if actorID != targetID && !actor.IsAdmin() {
		return permissionDenied("actor %s is not an admin of this family", actorID)
	}

	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		family, err := s.families.GetFamily(ctx, familyID)
		if err != nil {
			return err
		}
		if family == nil {
			return notFoundError("family")
		}
		target, err := s.families.GetMember(ctx, familyID, targetID)
		if err != nil {
			return err
		}
		if target == nil {
			return notFoundError("member")
		}
		if target.IsAdmin() {
			admins, err := s.families.CountAdmins(ctx, familyID)
			if err != nil {
				return err
			}
			if admins <= 1 {
				s.audit.Record(ctx, familyID, actorID, "member.remove", targetID, family.Version, family.Version, models.OutcomeConflict, "last admin")
				return conflictError("removing %s would leave the family without an admin", targetID)
			}
		}

		won, err := s.families.RemoveMember(ctx, familyID, targetID, family.Version)
		if err != nil {
			return err
		}
		if !won {
			continue
		}

		if err := s.cache.InvalidateFamily(ctx, familyID); err != nil {
			s.logger.Warn("failed to invalidate family cache", zap.String("family_id", familyID), zap.Error(err))
		}
		s.audit.Record(ctx, familyID, actorID, "member.remove", targetID, family.Version, family.Version+1, models.OutcomeOK, "")
		s.notifier.Notify(ctx, &models.Notification{
			FamilyID:    familyID,
			RecipientID: targetID,
			Category:    "member.removed",
			Payload:     "You are no longer a member of this family",
		})
		return nil
	}

	s.audit.Record(ctx, familyID, actorID, "member.remove", targetID, 0, 0, models.OutcomeConflict, "version retries exhausted")
	return conflictError("family %s is being modified concurrently", familyID)
}

// DesignateBackupAdmin records the standby identity used by emergency
// recovery. The backup must be a current member.
func (s *SuccessionService) DesignateBackupAdmin(ctx context.Context, familyID, actorID, backupID string) error {
	if _, err := requireAdmin(ctx, s.families, familyID, actorID); err != nil {
		return err
	}
	backup, err := s.families.GetMember(ctx, familyID, backupID)
	if err != nil {
		return err
	}
	if backup == nil {
		return notFoundError("member")
	}

	if err := s.recovery.SetBackupAdmin(ctx, &models.BackupAdmin{
		FamilyID:     familyID,
		MemberID:     backupID,
		DesignatedBy: actorID,
		DesignatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	s.audit.Record(ctx, familyID, actorID, "backup_admin.designate", backupID, 0, 0, models.OutcomeOK, "")
	s.notifier.Notify(ctx, &models.Notification{
		FamilyID:    familyID,
		RecipientID: backupID,
		Category:    "backup_admin.designated",
		Payload:     "You have been designated as this family's backup admin",
	})
	return nil
}

// RemoveBackupAdmin clears the standby designation
func (s *SuccessionService) RemoveBackupAdmin(ctx context.Context, familyID, actorID string) error {
	if _, err := requireAdmin(ctx, s.families, familyID, actorID); err != nil {
		return err
	}
	if err := s.recovery.RemoveBackupAdmin(ctx, familyID); err != nil {
		return err
	}
	s.audit.Record(ctx, familyID, actorID, "backup_admin.remove", familyID, 0, 0, models.OutcomeOK, "")
	return nil
}

// InitiateEmergencyRecovery issues a time-limited recovery token and
// delivers it out-of-band to the designated backup admin. The token
// string never appears in the success payload or the audit trail.
func (s *SuccessionService) InitiateEmergencyRecovery(ctx context.Context, familyID, requesterID string) error {
	if ok, retryAfter := s.limiter.Allow(requesterID, OpRecovery); !ok {
		return rateLimited(OpRecovery, retryAfter)
	}

	backup, err := s.recovery.GetBackupAdmin(ctx, familyID)
	if err != nil {
		return err
	}
	if backup == nil {
		return invalidState("family has no designated backup admin")
	}

	member, err := s.families.GetMember(ctx, familyID, requesterID)
	if err != nil {
		return err
	}
	if member == nil && requesterID != backup.MemberID {
		return permissionDenied("requester %s is not associated with this family", requesterID)
	}

	now := time.Now().UTC()
	token, jti, expiresAt, err := s.authority.Issue(familyID, backup.MemberID, now)
	if err != nil {
		return err
	}
	if err := s.recovery.CreateToken(ctx, &models.RecoveryToken{
		JTI:         jti,
		FamilyID:    familyID,
		RequesterID: requesterID,
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
	}); err != nil {
		return err
	}

	s.audit.RecordElevated(ctx, familyID, requesterID, "recovery.initiate", backup.MemberID, 0, 0, models.OutcomeOK, "jti="+jti)
	s.notifier.Notify(ctx, &models.Notification{
		FamilyID:    familyID,
		RecipientID: backup.MemberID,
		Category:    "recovery.initiated",
		Payload:     fmt.Sprintf("An emergency recovery was initiated for your family. Recovery token: %s", token),
	})

	s.logger.Warn("emergency recovery initiated",
		zap.String("family_id", familyID),
		zap.String("requester_id", requesterID),
		zap.String("jti", jti),
	)
	return nil
}

// CompleteRecovery consumes a recovery token and promotes the backup
// admin it was issued for. Each token completes at most one recovery.
func (s *SuccessionService) CompleteRecovery(ctx context.Context, token string) error {
	claims, err := s.authority.Verify(token)
	if err != nil {
		if errors.Is(err, security.ErrTokenExpired) {
			return permissionDenied("recovery token has expired")
		}
		return permissionDenied("recovery token is invalid")
	}

	familyID := claims.FamilyID
	backupID := claims.BackupAdminID

	// Check membership before burning the one-time token, so a token
	// for a departed backup is not consumed for nothing.
	member, err := s.families.GetMember(ctx, familyID, backupID)
	if err != nil {
		return err
	}
	if member == nil {
		return invalidState("backup admin %s is no longer a member", backupID)
	}

	consumed, err := s.recovery.ConsumeToken(ctx, claims.ID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !consumed {
		return conflictError("recovery token has already been used")
	}

	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		family, err := s.families.GetFamily(ctx, familyID)
		if err != nil {
			return err
		}
		if family == nil {
			return notFoundError("family")
		}
		member, err := s.families.GetMember(ctx, familyID, backupID)
		if err != nil {
			return err
		}
		if member == nil {
			return invalidState("backup admin %s is no longer a member", backupID)
		}
		if member.IsAdmin() {
			// Already an admin; recovery still counts as completed.
			s.audit.RecordElevated(ctx, familyID, backupID, "recovery.complete", backupID, family.Version, family.Version, models.OutcomeOK, "already admin")
			return nil
		}

		won, err := s.families.UpdateMemberRole(ctx, familyID, backupID, models.RoleAdmin, family.Version)
		if err != nil {
			return err
		}
		if !won {
			continue
		}

		if err := s.cache.InvalidateFamily(ctx, familyID); err != nil {
			s.logger.Warn("failed to invalidate family cache", zap.String("family_id", familyID), zap.Error(err))
		}
		s.audit.RecordElevated(ctx, familyID, backupID, "recovery.complete", backupID, family.Version, family.Version+1, models.OutcomeOK, "jti="+claims.ID)
		s.notifier.Notify(ctx, &models.Notification{
			FamilyID:    familyID,
			RecipientID: backupID,
			Category:    "recovery.completed",
			Payload:     "Emergency recovery completed. You are now a family admin",
		})
		s.logger.Warn("emergency recovery completed",
			zap.String("family_id", familyID),
			zap.String("backup_admin_id", backupID),
		)
		return nil
	}

	s.audit.RecordElevated(ctx, familyID, backupID, "recovery.complete", backupID, 0, 0, models.OutcomeConflict, "version retries exhausted")
	return conflictError("family %s is being modified concurrently", familyID)
}

// PurgeExpiredTokens removes recovery tokens past their deadline
func (s *SuccessionService) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	purged, err := s.recovery.PurgeExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		s.logger.Info("purged expired recovery tokens", zap.Int64("count", purged))
	}
	return purged, nil
}
