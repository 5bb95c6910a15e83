package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kinpool/internal/models"
)

// Review decisions
const (
	DecisionApprove = "approve"
	DecisionDeny    = "deny"
)

const maxReasonLength = 500

// TokenRequestService runs the request-and-review workflow for
// spending tokens. Approval funds the request through the ledger
// before the approved status becomes visible.
type TokenRequestService struct {
	requests TokenRequestStore
	families FamilyStore
	ledger   *LedgerService
	audit    *AuditService
	notifier Notifier
	limiter  Limiter
	ttl      time.Duration
	logger   *zap.Logger
}

// NewTokenRequestService creates a new token request service
func NewTokenRequestService(requests TokenRequestStore, families FamilyStore, ledger *LedgerService, audit *AuditService, notifier Notifier, limiter Limiter, ttl time.Duration, logger *zap.Logger) *TokenRequestService {
	if ttl <= 0 {
		ttl = 14 * 24 * time.Hour
	}
	return &TokenRequestService{
		requests: requests,
		families: families,
		ledger:   ledger,
		audit:    audit,
		notifier: notifier,
		limiter:  limiter,
		ttl:      ttl,
		logger:   logger,
	}
}

// Create opens a pending token request for admin review
func (s *TokenRequestService) Create(ctx context.Context, familyID, requesterID string, amount int64, reason string) (*models.TokenRequest, error) {
	if amount <= 0 {
		return nil, validationError("amount must be positive")
	}
	if len(reason) > maxReasonLength {
		return nil, validationError("reason must be at most %d characters", maxReasonLength)
	}
	if _, err := requireMember(ctx, s.families, familyID, requesterID); err != nil {
		return nil, err
	}
	if ok, retryAfter := s.limiter.Allow(requesterID, OpTokenRequest); !ok {
		return nil, rateLimited(OpTokenRequest, retryAfter)
	}

	now := time.Now().UTC()
	req := &models.TokenRequest{
		ID:          uuid.New().String(),
		FamilyID:    familyID,
		RequesterID: requesterID,
		Amount:      amount,
		Reason:      reason,
		Status:      models.TokenRequestPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	if err := s.requests.Create(ctx, req); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, familyID, requesterID, "token_request.create", req.ID, 0, 0, models.OutcomeOK, fmt.Sprintf("amount=%d", amount))
	s.notifyAdmins(ctx, familyID, "token_request.created",
		fmt.Sprintf("%s requested %d tokens: %s", requesterID, amount, reason))

	s.logger.Info("token request created",
		zap.String("request_id", req.ID),
		zap.String("family_id", familyID),
		zap.Int64("amount", amount),
	)
	return req, nil
}

// Review resolves a pending request. Approval debits the family
// account first; if the debit is denied the review fails with the
// debit's error and the request stays pending, so an approved request
// is always a funded one.
func (s *TokenRequestService) Review(ctx context.Context, requestID, reviewerID, decision, comment string) (*models.TokenRequest, error) {
	if decision != DecisionApprove && decision != DecisionDeny {
		return nil, validationError("decision must be %q or %q", DecisionApprove, DecisionDeny)
	}
	if len(comment) > maxReasonLength {
		return nil, validationError("comment must be at most %d characters", maxReasonLength)
	}

	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, notFoundError("token request")
	}
	if _, err := requireAdmin(ctx, s.families, req.FamilyID, reviewerID); err != nil {
		return nil, err
	}
	if !req.IsPending() {
		return nil, alreadyResolved("token request")
	}

	now := time.Now().UTC()
	if req.IsOverdue(now) {
		return nil, alreadyResolved("token request")
	}

	status := models.TokenRequestDenied
	if decision == DecisionApprove {
		status = models.TokenRequestApproved
		if _, err := s.ledger.DebitApproved(ctx, req.FamilyID, req.RequesterID, req.Amount); err != nil {
			s.audit.Record(ctx, req.FamilyID, reviewerID, "token_request.review", req.ID, 0, 0, models.OutcomeFailed, "debit denied: "+err.Error())
			if IsKind(err, KindConflict) {
				return nil, err
			}
			return nil, conflictError("approval could not be funded: %v", err)
		}
	}

	won, err := s.requests.Resolve(ctx, req.ID, status, reviewerID, comment, now)
	if err != nil {
		return nil, err
	}
	if !won {
		// A concurrent reviewer resolved first. If we already debited,
		// return the funds so the account matches the recorded outcome.
		if status == models.TokenRequestApproved {
			if _, cerr := s.ledger.Credit(ctx, req.FamilyID, reviewerID, req.Amount); cerr != nil {
				s.logger.Error("failed to reverse debit after losing review race",
					zap.String("request_id", req.ID),
					zap.Error(cerr),
				)
			}
		}
		return nil, alreadyResolved("token request")
	}

	req.Status = status
	req.ReviewerID = &reviewerID
	req.ReviewComment = comment
	req.DecidedAt = &now

	s.audit.Record(ctx, req.FamilyID, reviewerID, "token_request.review", req.ID, 0, 0, models.OutcomeOK, status)
	s.notifier.Notify(ctx, &models.Notification{
		FamilyID:    req.FamilyID,
		RecipientID: req.RequesterID,
		Category:    "token_request." + status,
		Payload:     fmt.Sprintf("Your request for %d tokens was %s", req.Amount, status),
	})

	s.logger.Info("token request reviewed",
		zap.String("request_id", req.ID),
		zap.String("reviewer_id", reviewerID),
		zap.String("status", status),
	)
	return req, nil
}

// List returns a family's token requests; members only
func (s *TokenRequestService) List(ctx context.Context, familyID, actorID string) ([]models.TokenRequest, error) {
	if _, err := requireMember(ctx, s.families, familyID, actorID); err != nil {
		return nil, err
	}
	return s.requests.ListByFamily(ctx, familyID)
}

// ExpireOverdue transitions pending requests past their horizon to
// expired. Only rows flipped by this call are notified.
func (s *TokenRequestService) ExpireOverdue(ctx context.Context) (int, error) {
	expired, err := s.requests.ExpireOverdue(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	for i := range expired {
		req := &expired[i]
		s.audit.Record(ctx, req.FamilyID, "system", "token_request.expire", req.ID, 0, 0, models.OutcomeOK, "")
		s.notifier.Notify(ctx, &models.Notification{
			FamilyID:    req.FamilyID,
			RecipientID: req.RequesterID,
			Category:    "token_request.expired",
			Payload:     fmt.Sprintf("Your request for %d tokens expired without review", req.Amount),
		})
	}
	if len(expired) > 0 {
		s.logger.Info("expired overdue token requests", zap.Int("count", len(expired)))
	}
	return len(expired), nil
}

// notifyAdmins fans a notification out to every admin of the family
func (s *TokenRequestService) notifyAdmins(ctx context.Context, familyID, category, payload string) {
	members, err := s.families.ListMembers(ctx, familyID)
	if err != nil {
		s.logger.Warn("failed to list members for admin notification", zap.String("family_id", familyID), zap.Error(err))
		return
	}
	for i := range members {
		if members[i].IsAdmin() {
			s.notifier.Notify(ctx, &models.Notification{
				FamilyID:    familyID,
				RecipientID: members[i].UserID,
				Category:    category,
				Payload:     payload,
			})
		}
	}
}
