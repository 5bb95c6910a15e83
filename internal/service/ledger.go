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

// LedgerService manages the family's pooled balance and per-member
// spending permissions. Every balance mutation is a conditional write
// keyed on the account version, so validation and mutation are never
// two visible steps.
type LedgerService struct {
	accounts  AccountStore
	families  FamilyStore
	recovery  RecoveryStore
	authority TokenAuthority
	audit     *AuditService
	notifier  Notifier
	cache     StateCache
	logger    *zap.Logger
}

// NewLedgerService creates a new ledger service
func NewLedgerService(accounts AccountStore, families FamilyStore, recovery RecoveryStore, authority TokenAuthority, audit *AuditService, notifier Notifier, cache StateCache, logger *zap.Logger) *LedgerService {
	return &LedgerService{
		accounts:  accounts,
		families:  families,
		recovery:  recovery,
		authority: authority,
		audit:     audit,
		notifier:  notifier,
		cache:     cache,
		logger:    logger,
	}
}

// UpdatePermission sets a member's spending permission. Unlimited is
// an explicit flag; limit must be non-negative and is ignored when
// unlimited is set.
func (s *LedgerService) UpdatePermission(ctx context.Context, familyID, actorID, targetID string, limit int64, unlimited, canSpend bool) error {
	if limit < 0 {
		return validationError("spending limit must be non-negative")
	}
	if _, err := requireAdmin(ctx, s.families, familyID, actorID); err != nil {
		return err
	}
	target, err := s.families.GetMember(ctx, familyID, targetID)
	if err != nil {
		return err
	}
	if target == nil {
		return notFoundError("member")
	}
	if unlimited {
		limit = 0
	}

	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		account, err := s.freshAccount(ctx, familyID)
		if err != nil {
			return err
		}

		perm := &models.SpendingPermission{
			FamilyID:  familyID,
			MemberID:  targetID,
			Limit:     limit,
			Unlimited: unlimited,
			CanSpend:  canSpend,
			UpdatedAt: time.Now().UTC(),
		}
		won, err := s.accounts.UpsertPermission(ctx, perm, account.Version)
		if err != nil {
			return err
		}
		if !won {
			continue
		}

		s.invalidate(ctx, familyID)
		s.audit.Record(ctx, familyID, actorID, "permission.update", targetID, account.Version, account.Version+1, models.OutcomeOK,
			fmt.Sprintf("limit=%d unlimited=%t can_spend=%t", limit, unlimited, canSpend))
		s.notifier.Notify(ctx, &models.Notification{
			FamilyID:    familyID,
			RecipientID: targetID,
			Category:    "permission.updated",
			Payload:     "Your spending permission has been updated",
		})
		return nil
	}

	s.audit.Record(ctx, familyID, actorID, "permission.update", targetID, 0, 0, models.OutcomeConflict, "version retries exhausted")
	return conflictError("account for family %s is being modified concurrently", familyID)
}

// ValidateSpend checks whether the member could debit the amount right
// now. Advisory only; Debit re-runs the same checks atomically.
func (s *LedgerService) ValidateSpend(ctx context.Context, familyID, memberID string, amount int64) (models.SpendDecision, error) {
	if amount <= 0 {
		return models.SpendDecision{}, validationError("amount must be positive")
	}
	account, err := s.loadAccount(ctx, familyID)
	if err != nil {
		return models.SpendDecision{}, err
	}
	perm, err := s.accounts.GetPermission(ctx, familyID, memberID)
	if err != nil {
		return models.SpendDecision{}, err
	}
	return account.EvaluateSpend(perm, amount), nil
}

// denyError maps a spend denial to its typed error
func denyError(account *models.VirtualAccount, decision models.SpendDecision) error {
	switch decision.Reason {
	case models.DenyFrozen:
		return accountFrozen(account.FreezeReason)
	case models.DenyNoPermission:
		return insufficientPermission("member has no spend permission")
	case models.DenyOverLimit:
		return insufficientPermission("amount exceeds the member's spending limit")
	case models.DenyInsufficient:
		return insufficientFunds("amount exceeds the available balance")
	}
	return invalidState("unknown deny reason %q", decision.Reason)
}

// Debit withdraws from the family balance on behalf of a member. The
// permission and balance checks run against the same account version
// the conditional update commits on.
func (s *LedgerService) Debit(ctx context.Context, familyID, memberID string, amount int64) (*models.VirtualAccount, error) {
	return s.debit(ctx, familyID, memberID, amount, false)
}

// DebitApproved withdraws under explicit admin approval, so the
// member's own spend permission is not consulted. Freeze and balance
// rules still apply.
func (s *LedgerService) DebitApproved(ctx context.Context, familyID, memberID string, amount int64) (*models.VirtualAccount, error) {
	return s.debit(ctx, familyID, memberID, amount, true)
}

func (s *LedgerService) debit(ctx context.Context, familyID, memberID string, amount int64, approved bool) (*models.VirtualAccount, error) {
	if amount <= 0 {
		return nil, validationError("amount must be positive")
	}
	if _, err := requireMember(ctx, s.families, familyID, memberID); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		account, err := s.freshAccount(ctx, familyID)
		if err != nil {
			return nil, err
		}
		var perm *models.SpendingPermission
		if approved {
			perm = &models.SpendingPermission{Unlimited: true, CanSpend: true}
		} else {
			perm, err = s.accounts.GetPermission(ctx, familyID, memberID)
			if err != nil {
				return nil, err
			}
		}
		if decision := account.EvaluateSpend(perm, amount); !decision.Allowed {
			err := denyError(account, decision)
			s.audit.Record(ctx, familyID, memberID, "account.debit", account.ID, account.Version, account.Version, models.OutcomeFailed, decision.Reason)
			return nil, err
		}

		won, err := s.accounts.ApplyDelta(ctx, familyID, -amount, account.Version)
		if err != nil {
			return nil, err
		}
		if !won {
			continue
		}

		account.Balance -= amount
		account.Version++
		s.invalidate(ctx, familyID)
		s.audit.Record(ctx, familyID, memberID, "account.debit", account.ID, account.Version-1, account.Version, models.OutcomeOK, fmt.Sprintf("amount=%d", amount))
		s.logger.Info("account debited",
			zap.String("family_id", familyID),
			zap.String("member_id", memberID),
			zap.Int64("amount", amount),
			zap.Int64("balance", account.Balance),
		)
		return account, nil
	}

	s.audit.Record(ctx, familyID, memberID, "account.debit", familyID, 0, 0, models.OutcomeConflict, "version retries exhausted")
	return nil, conflictError("account for family %s is being modified concurrently", familyID)
}

// Credit deposits into the family balance. Permitted while frozen so a
// frozen family can still receive funds.
func (s *LedgerService) Credit(ctx context.Context, familyID, actorID string, amount int64) (*models.VirtualAccount, error) {
	if amount <= 0 {
		return nil, validationError("amount must be positive")
	}
	if _, err := requireMember(ctx, s.families, familyID, actorID); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		account, err := s.freshAccount(ctx, familyID)
		if err != nil {
			return nil, err
		}
		won, err := s.accounts.ApplyDelta(ctx, familyID, amount, account.Version)
		if err != nil {
			return nil, err
		}
		if !won {
			continue
		}

		account.Balance += amount
		account.Version++
		s.invalidate(ctx, familyID)
		s.audit.Record(ctx, familyID, actorID, "account.credit", account.ID, account.Version-1, account.Version, models.OutcomeOK, fmt.Sprintf("amount=%d", amount))
		return account, nil
	}

	s.audit.Record(ctx, familyID, actorID, "account.credit", familyID, 0, 0, models.OutcomeConflict, "version retries exhausted")
	return nil, conflictError("account for family %s is being modified concurrently", familyID)
}

// Freeze blocks all debits while still permitting credits
func (s *LedgerService) Freeze(ctx context.Context, familyID, actorID, reason string) error {
	if _, err := requireAdmin(ctx, s.families, familyID, actorID); err != nil {
		return err
	}
	return s.setFrozen(ctx, familyID, actorID, true, reason, models.SeverityInfo)
}

// Unfreeze lifts a freeze
func (s *LedgerService) Unfreeze(ctx context.Context, familyID, actorID string) error {
	if _, err := requireAdmin(ctx, s.families, familyID, actorID); err != nil {
		return err
	}
	return s.setFrozen(ctx, familyID, actorID, false, "", models.SeverityInfo)
}

// EmergencyUnfreeze lifts a freeze using a verified recovery token
// instead of admin authority. The token's jti is consumed, so one
// token authorizes exactly one elevated action.
func (s *LedgerService) EmergencyUnfreeze(ctx context.Context, familyID, token string) error {
	claims, err := s.authority.Verify(token)
	if err != nil {
		if errors.Is(err, security.ErrTokenExpired) {
			return permissionDenied("recovery token has expired")
		}
		return permissionDenied("recovery token is invalid")
	}
	if claims.FamilyID != familyID {
		return permissionDenied("recovery token was issued for a different family")
	}

	// Check the state before burning the one-time token, so a no-op
	// request does not consume it.
	account, err := s.freshAccount(ctx, familyID)
	if err != nil {
		return err
	}
	if !account.Frozen {
		return invalidState("account is already unfrozen")
	}

	consumed, err := s.recovery.ConsumeToken(ctx, claims.ID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !consumed {
		return conflictError("recovery token has already been used")
	}

	actor := claims.BackupAdminID
	if err := s.setFrozen(ctx, familyID, actor, false, "", models.SeverityElevated); err != nil {
		return err
	}
	s.logger.Warn("emergency unfreeze executed",
		zap.String("family_id", familyID),
		zap.String("backup_admin_id", actor),
	)
	return nil
}

func (s *LedgerService) setFrozen(ctx context.Context, familyID, actorID string, frozen bool, reason, severity string) error {
	action := "account.unfreeze"
	if frozen {
		action = "account.freeze"
	}

	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		account, err := s.freshAccount(ctx, familyID)
		if err != nil {
			return err
		}
		if account.Frozen == frozen {
			return invalidState("account is already %s", map[bool]string{true: "frozen", false: "unfrozen"}[frozen])
		}

		won, err := s.accounts.SetFrozen(ctx, familyID, frozen, reason, account.Version)
		if err != nil {
			return err
		}
		if !won {
			continue
		}

		s.invalidate(ctx, familyID)
		if severity == models.SeverityElevated {
			s.audit.RecordElevated(ctx, familyID, actorID, action, account.ID, account.Version, account.Version+1, models.OutcomeOK, reason)
		} else {
			s.audit.Record(ctx, familyID, actorID, action, account.ID, account.Version, account.Version+1, models.OutcomeOK, reason)
		}
		s.notifier.Notify(ctx, &models.Notification{
			FamilyID:    familyID,
			RecipientID: actorID,
			Category:    action,
			Payload:     fmt.Sprintf("The family account has been %s", map[bool]string{true: "frozen", false: "unfrozen"}[frozen]),
		})
		return nil
	}

	s.audit.Record(ctx, familyID, actorID, action, familyID, 0, 0, models.OutcomeConflict, "version retries exhausted")
	return conflictError("account for family %s is being modified concurrently", familyID)
}

// GetAccount returns the account, consulting the cache first; members only
func (s *LedgerService) GetAccount(ctx context.Context, familyID, actorID string) (*models.VirtualAccount, error) {
	if _, err := requireMember(ctx, s.families, familyID, actorID); err != nil {
		return nil, err
	}
	return s.loadAccount(ctx, familyID)
}

// ListPermissions returns all spending permissions of a family; admins only
func (s *LedgerService) ListPermissions(ctx context.Context, familyID, actorID string) ([]models.SpendingPermission, error) {
	if _, err := requireAdmin(ctx, s.families, familyID, actorID); err != nil {
		return nil, err
	}
	return s.accounts.ListPermissions(ctx, familyID)
}

// loadAccount reads the account via the cache. Used only on read
// paths; mutation retry loops call freshAccount so a lost race never
// re-reads its own stale cache entry.
func (s *LedgerService) loadAccount(ctx context.Context, familyID string) (*models.VirtualAccount, error) {
	if a, err := s.cache.GetAccount(ctx, familyID); err == nil {
		return a, nil
	}
	account, err := s.freshAccount(ctx, familyID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetAccount(ctx, account); err != nil {
		s.logger.Warn("failed to cache account", zap.String("family_id", familyID), zap.Error(err))
	}
	return account, nil
}

func (s *LedgerService) freshAccount(ctx context.Context, familyID string) (*models.VirtualAccount, error) {
	account, err := s.accounts.GetAccount(ctx, familyID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, notFoundError("account")
	}
	return account, nil
}

func (s *LedgerService) invalidate(ctx context.Context, familyID string) {
	if err := s.cache.InvalidateFamily(ctx, familyID); err != nil {
		s.logger.Warn("failed to invalidate family cache", zap.String("family_id", familyID), zap.Error(err))
	}
}
