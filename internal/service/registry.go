package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kinpool/internal/models"
	"kinpool/internal/utils"
)

// RegistryService is the top-level orchestrator for family lifecycle:
// creation, reads and cascading deletion.
type RegistryService struct {
	families    FamilyStore
	accounts    AccountStore
	audit       *AuditService
	notifier    Notifier
	limiter     Limiter
	cache       StateCache
	codeRetries int
	logger      *zap.Logger
}

// NewRegistryService creates a new registry service
func NewRegistryService(families FamilyStore, accounts AccountStore, audit *AuditService, notifier Notifier, limiter Limiter, cache StateCache, codeRetries int, logger *zap.Logger) *RegistryService {
	if codeRetries <= 0 {
		codeRetries = 5
	}
	return &RegistryService{
		families:    families,
		accounts:    accounts,
		audit:       audit,
		notifier:    notifier,
		limiter:     limiter,
		cache:       cache,
		codeRetries: codeRetries,
		logger:      logger,
	}
}

// CreateFamily creates a family with the creator as sole admin and a
// zero-balance virtual account, committed atomically.
func (s *RegistryService) CreateFamily(ctx context.Context, creatorID, name string) (*models.Family, error) {
	if creatorID == "" {
		return nil, validationError("creator id is required")
	}

	if ok, retryAfter := s.limiter.Allow(creatorID, OpFamilyCreate); !ok {
		return nil, rateLimited(OpFamilyCreate, retryAfter)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = fmt.Sprintf("%s's family", creatorID)
	}
	if err := utils.ValidateFamilyName(name); err != nil {
		return nil, validationError("%s", err.Error())
	}

	code, err := s.uniqueAccountCode(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	family := &models.Family{
		ID:          uuid.New().String(),
		Name:        name,
		AccountCode: code,
		MemberCount: 1,
		Active:      true,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	account := &models.VirtualAccount{
		ID:        code,
		FamilyID:  family.ID,
		Balance:   0,
		Version:   1,
		UpdatedAt: now,
	}
	creator := &models.Member{
		FamilyID:     family.ID,
		UserID:       creatorID,
		Role:         models.RoleAdmin,
		Relationship: models.RelationOther,
		JoinedAt:     now,
	}

	if err := s.families.CreateFamily(ctx, family, account, creator); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, family.ID, creatorID, "family.create", family.ID, 0, family.Version, models.OutcomeOK, name)
	s.notifier.Notify(ctx, &models.Notification{
		FamilyID:    family.ID,
		RecipientID: creatorID,
		Category:    "family.created",
		Payload:     fmt.Sprintf("Family %q has been created", name),
	})

	if err := s.cache.SetFamily(ctx, family); err != nil {
		s.logger.Warn("failed to prime family cache", zap.String("family_id", family.ID), zap.Error(err))
	}

	s.logger.Info("family created",
		zap.String("family_id", family.ID),
		zap.String("creator_id", creatorID),
	)
	return family, nil
}

// uniqueAccountCode generates a collision-free account code, retrying
// a bounded number of times before ResourceExhausted.
func (s *RegistryService) uniqueAccountCode(ctx context.Context) (string, error) {
	for i := 0; i < s.codeRetries; i++ {
		code, err := utils.GenerateAccountCode()
		if err != nil {
			return "", fmt.Errorf("failed to generate account code: %w", err)
		}
		taken, err := s.families.AccountCodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", resourceExhausted("account code generation exceeded %d attempts", s.codeRetries)
}

// GetFamily returns the family, consulting the cache first. A cache
// hit can never be older than the latest committed version because
// every mutation invalidates before returning.
func (s *RegistryService) GetFamily(ctx context.Context, familyID string) (*models.Family, error) {
	if f, err := s.cache.GetFamily(ctx, familyID); err == nil {
		return f, nil
	}

	f, err := s.families.GetFamily(ctx, familyID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, notFoundError("family")
	}
	if err := s.cache.SetFamily(ctx, f); err != nil {
		s.logger.Warn("failed to cache family", zap.String("family_id", familyID), zap.Error(err))
	}
	return f, nil
}

// ListFamiliesForUser returns every family the user belongs to
func (s *RegistryService) ListFamiliesForUser(ctx context.Context, userID string) ([]models.Family, error) {
	if userID == "" {
		return nil, validationError("user id is required")
	}
	return s.families.ListFamiliesForUser(ctx, userID)
}

// ListMembers returns the family's members; callers must belong to it
func (s *RegistryService) ListMembers(ctx context.Context, familyID, actorID string) ([]models.Member, error) {
	if _, err := requireMember(ctx, s.families, familyID, actorID); err != nil {
		return nil, err
	}
	return s.families.ListMembers(ctx, familyID)
}

// AuditHistory returns the family's audit trail for admin review
func (s *RegistryService) AuditHistory(ctx context.Context, familyID, actorID string, limit int) ([]models.AuditEntry, error) {
	if _, err := requireAdmin(ctx, s.families, familyID, actorID); err != nil {
		return nil, err
	}
	return s.audit.History(ctx, familyID, limit)
}

// DeleteFamily removes the family and all dependents. Blocked while
// the account holds a balance so funds are never silently lost.
func (s *RegistryService) DeleteFamily(ctx context.Context, familyID, actorID string) error {
	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		family, err := s.families.GetFamily(ctx, familyID)
		if err != nil {
			return err
		}
		if family == nil {
			return notFoundError("family")
		}
		if _, err := requireAdmin(ctx, s.families, familyID, actorID); err != nil {
			return err
		}

		account, err := s.accounts.GetAccount(ctx, familyID)
		if err != nil {
			return err
		}
		if account != nil && account.Balance != 0 {
			err := conflictError("family account balance is %d; settle before deleting", account.Balance)
			s.audit.Record(ctx, familyID, actorID, "family.delete", familyID, family.Version, family.Version, models.OutcomeConflict, "non-zero balance")
			return err
		}

		won, err := s.families.DeleteFamilyCascade(ctx, familyID, family.Version)
		if err != nil {
			return err
		}
		if !won {
			continue
		}

		if err := s.cache.InvalidateFamily(ctx, familyID); err != nil {
			s.logger.Warn("failed to invalidate family cache", zap.String("family_id", familyID), zap.Error(err))
		}
		s.audit.Record(ctx, familyID, actorID, "family.delete", familyID, family.Version, family.Version+1, models.OutcomeOK, "")
		s.notifier.Notify(ctx, &models.Notification{
			FamilyID:    familyID,
			RecipientID: actorID,
			Category:    "family.deleted",
			Payload:     fmt.Sprintf("Family %q has been deleted", family.Name),
		})
		s.logger.Info("family deleted", zap.String("family_id", familyID), zap.String("actor_id", actorID))
		return nil
	}

	err := conflictError("family %s is being modified concurrently", familyID)
	s.audit.Record(ctx, familyID, actorID, "family.delete", familyID, 0, 0, models.OutcomeConflict, "version retries exhausted")
	return err
}
