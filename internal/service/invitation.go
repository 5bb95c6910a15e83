package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kinpool/internal/models"
	"kinpool/internal/utils"
)

// Invitation response actions
const (
	ActionAccept  = "accept"
	ActionDecline = "decline"
)

// InvitationService manages the membership invitation lifecycle
type InvitationService struct {
	invitations InvitationStore
	families    FamilyStore
	audit       *AuditService
	notifier    Notifier
	limiter     Limiter
	cache       StateCache
	ttl         time.Duration
	logger      *zap.Logger
}

// NewInvitationService creates a new invitation service
func NewInvitationService(invitations InvitationStore, families FamilyStore, audit *AuditService, notifier Notifier, limiter Limiter, cache StateCache, ttl time.Duration, logger *zap.Logger) *InvitationService {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &InvitationService{
		invitations: invitations,
		families:    families,
		audit:       audit,
		notifier:    notifier,
		limiter:     limiter,
		cache:       cache,
		ttl:         ttl,
		logger:      logger,
	}
}

// Invite creates a pending invitation addressed to an identifier and
// dispatches the one-time acceptance token to it. Duplicate pending
// invitations to the same family are suppressed.
func (s *InvitationService) Invite(ctx context.Context, familyID, actorID, identifier, relationType string) (*models.Invitation, error) {
	if err := utils.ValidateEmail(identifier); err != nil {
		return nil, validationError("%s", err.Error())
	}
	if !models.ValidRelationType(relationType) {
		return nil, validationError("unsupported relationship type %q", relationType)
	}

	if _, err := requireAdmin(ctx, s.families, familyID, actorID); err != nil {
		return nil, err
	}

	if ok, retryAfter := s.limiter.Allow(actorID, OpInvite); !ok {
		return nil, rateLimited(OpInvite, retryAfter)
	}

	dup, err := s.invitations.HasPending(ctx, familyID, identifier)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, conflictError("a pending invitation for %s already exists", identifier)
	}

	token, err := utils.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate invitation token: %w", err)
	}

	now := time.Now().UTC()
	inv := &models.Invitation{
		ID:           uuid.New().String(),
		FamilyID:     familyID,
		InviterID:    actorID,
		Invitee:      identifier,
		Relationship: relationType,
		Token:        token,
		Status:       models.InvitationPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
	}
	if err := s.invitations.Create(ctx, inv); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, familyID, actorID, "invitation.create", inv.ID, 0, 0, models.OutcomeOK, identifier)
	s.notifier.Notify(ctx, &models.Notification{
		FamilyID:    familyID,
		RecipientID: identifier,
		Category:    "invitation.created",
		Payload:     fmt.Sprintf("You have been invited to join a family. Token: %s", token),
	})

	s.logger.Info("invitation created",
		zap.String("invitation_id", inv.ID),
		zap.String("family_id", familyID),
	)
	return inv, nil
}

// Respond resolves a pending invitation by ID or one-time token. The
// first caller to transition out of pending wins; a concurrent
// duplicate observes the terminal state and fails with Conflict.
func (s *InvitationService) Respond(ctx context.Context, idOrToken, responderID, action string) (*models.Invitation, error) {
	if action != ActionAccept && action != ActionDecline {
		return nil, validationError("action must be %q or %q", ActionAccept, ActionDecline)
	}

	inv, err := s.lookup(ctx, idOrToken)
	if err != nil {
		return nil, err
	}
	if inv.IsTerminal() {
		return nil, alreadyResolved("invitation")
	}

	now := time.Now().UTC()
	if inv.IsOverdue(now) {
		// Let the sweep own the expired transition; responders just
		// see the invitation as gone.
		return nil, alreadyResolved("invitation")
	}

	if action == ActionDecline {
		return s.decline(ctx, inv, responderID, now)
	}
	return s.accept(ctx, inv, responderID, now)
}

func (s *InvitationService) decline(ctx context.Context, inv *models.Invitation, responderID string, now time.Time) (*models.Invitation, error) {
	won, err := s.invitations.Resolve(ctx, inv.ID, models.InvitationDeclined, responderID, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, alreadyResolved("invitation")
	}

	inv.Status = models.InvitationDeclined
	inv.ResolvedAt = &now
	inv.ResolvedBy = &responderID

	s.audit.Record(ctx, inv.FamilyID, responderID, "invitation.decline", inv.ID, 0, 0, models.OutcomeOK, "")
	s.notifier.Notify(ctx, &models.Notification{
		FamilyID:    inv.FamilyID,
		RecipientID: inv.InviterID,
		Category:    "invitation.declined",
		Payload:     fmt.Sprintf("%s declined the invitation", inv.Invitee),
	})
	return inv, nil
}

func (s *InvitationService) accept(ctx context.Context, inv *models.Invitation, responderID string, now time.Time) (*models.Invitation, error) {
	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		family, err := s.families.GetFamily(ctx, inv.FamilyID)
		if err != nil {
			return nil, err
		}
		if family == nil {
			return nil, notFoundError("family")
		}

		existing, err := s.families.GetMember(ctx, inv.FamilyID, responderID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, conflictError("user %s is already a member of this family", responderID)
		}

		member := &models.Member{
			FamilyID:     inv.FamilyID,
			UserID:       responderID,
			Role:         models.RoleMember,
			Relationship: inv.Relationship,
			JoinedAt:     now,
		}
		rels := []models.Relationship{
			{
				FamilyID:     inv.FamilyID,
				UserID:       inv.InviterID,
				RelativeID:   responderID,
				RelationType: inv.Relationship,
				CreatedAt:    now,
			},
			{
				FamilyID:     inv.FamilyID,
				UserID:       responderID,
				RelativeID:   inv.InviterID,
				RelationType: models.MirrorRelationType(inv.Relationship),
				CreatedAt:    now,
			},
		}
		// Default permission carries no spend authority until an
		// admin grants it.
		perm := &models.SpendingPermission{
			FamilyID:  inv.FamilyID,
			MemberID:  responderID,
			Limit:     0,
			Unlimited: false,
			CanSpend:  false,
			UpdatedAt: now,
		}

		won, err := s.invitations.Accept(ctx, inv, family.Version, member, rels, perm, now)
		if err != nil {
			return nil, err
		}
		if !won {
			// Either the invitation was resolved first or the family
			// version moved. Re-read the invitation to tell them apart.
			current, err := s.invitations.GetByID(ctx, inv.ID)
			if err != nil {
				return nil, err
			}
			if current == nil || current.IsTerminal() {
				return nil, alreadyResolved("invitation")
			}
			continue
		}

		inv.Status = models.InvitationAccepted
		inv.ResolvedAt = &now
		inv.ResolvedBy = &responderID

		if err := s.cache.InvalidateFamily(ctx, inv.FamilyID); err != nil {
			s.logger.Warn("failed to invalidate family cache", zap.String("family_id", inv.FamilyID), zap.Error(err))
		}

		s.audit.Record(ctx, inv.FamilyID, responderID, "invitation.accept", inv.ID, family.Version, family.Version+1, models.OutcomeOK, "")
		s.notifier.Notify(ctx, &models.Notification{
			FamilyID:    inv.FamilyID,
			RecipientID: inv.InviterID,
			Category:    "invitation.accepted",
			Payload:     fmt.Sprintf("%s joined the family", inv.Invitee),
		})

		s.logger.Info("invitation accepted",
			zap.String("invitation_id", inv.ID),
			zap.String("family_id", inv.FamilyID),
			zap.String("member_id", responderID),
		)
		return inv, nil
	}

	s.audit.Record(ctx, inv.FamilyID, responderID, "invitation.accept", inv.ID, 0, 0, models.OutcomeConflict, "version retries exhausted")
	return nil, conflictError("family %s is being modified concurrently", inv.FamilyID)
}

// Cancel withdraws a pending invitation. Only admins of the inviting
// family may cancel; the race against Respond is resolved the same way.
func (s *InvitationService) Cancel(ctx context.Context, invitationID, actorID string) error {
	inv, err := s.invitations.GetByID(ctx, invitationID)
	if err != nil {
		return err
	}
	if inv == nil {
		return notFoundError("invitation")
	}
	if _, err := requireAdmin(ctx, s.families, inv.FamilyID, actorID); err != nil {
		return err
	}
	if inv.IsTerminal() {
		return alreadyResolved("invitation")
	}

	now := time.Now().UTC()
	won, err := s.invitations.Resolve(ctx, inv.ID, models.InvitationCancelled, actorID, now)
	if err != nil {
		return err
	}
	if !won {
		return alreadyResolved("invitation")
	}

	s.audit.Record(ctx, inv.FamilyID, actorID, "invitation.cancel", inv.ID, 0, 0, models.OutcomeOK, "")
	return nil
}

// List returns a family's invitations; restricted to admins
func (s *InvitationService) List(ctx context.Context, familyID, actorID string) ([]models.Invitation, error) {
	if _, err := requireAdmin(ctx, s.families, familyID, actorID); err != nil {
		return nil, err
	}
	return s.invitations.ListByFamily(ctx, familyID)
}

// ExpireOverdue transitions pending invitations past their deadline to
// expired and notifies each inviter. Only invitations flipped by this
// call are notified, so concurrent sweeps do not duplicate messages.
func (s *InvitationService) ExpireOverdue(ctx context.Context) (int, error) {
	expired, err := s.invitations.ExpireOverdue(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	for i := range expired {
		inv := &expired[i]
		s.audit.Record(ctx, inv.FamilyID, "system", "invitation.expire", inv.ID, 0, 0, models.OutcomeOK, "")
		s.notifier.Notify(ctx, &models.Notification{
			FamilyID:    inv.FamilyID,
			RecipientID: inv.InviterID,
			Category:    "invitation.expired",
			Payload:     fmt.Sprintf("The invitation for %s expired without a response", inv.Invitee),
		})
	}
	if len(expired) > 0 {
		s.logger.Info("expired overdue invitations", zap.Int("count", len(expired)))
	}
	return len(expired), nil
}

// lookup resolves an invitation by ID first, then by one-time token
func (s *InvitationService) lookup(ctx context.Context, idOrToken string) (*models.Invitation, error) {
	if idOrToken == "" {
		return nil, validationError("invitation id or token is required")
	}
	inv, err := s.invitations.GetByID(ctx, idOrToken)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		inv, err = s.invitations.GetByToken(ctx, idOrToken)
		if err != nil {
			return nil, err
		}
	}
	if inv == nil {
		return nil, notFoundError("invitation")
	}
	return inv, nil
}
