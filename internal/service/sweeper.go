package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically runs the expiry sweeps: overdue invitations,
// overdue token requests and expired recovery tokens. Each run is
// bounded by a timeout, and every sweep is idempotent, so overlapping
// runs from multiple instances are safe.
type Sweeper struct {
	invitations *InvitationService
	requests    *TokenRequestService
	succession  *SuccessionService
	interval    time.Duration
	timeout     time.Duration
	logger      *zap.Logger
}

// NewSweeper creates a sweeper
func NewSweeper(invitations *InvitationService, requests *TokenRequestService, succession *SuccessionService, interval, timeout time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Sweeper{
		invitations: invitations,
		requests:    requests,
		succession:  succession,
		interval:    interval,
		timeout:     timeout,
		logger:      logger,
	}
}

// Run sweeps on the configured interval until the context is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes every sweep once under the configured timeout.
// A failing sweep is logged and does not abort the others.
func (s *Sweeper) RunOnce(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.invitations.ExpireOverdue(sweepCtx); err != nil {
		s.logger.Error("invitation expiry sweep failed", zap.Error(err))
	}
	if _, err := s.requests.ExpireOverdue(sweepCtx); err != nil {
		s.logger.Error("token request expiry sweep failed", zap.Error(err))
	}
	if _, err := s.succession.PurgeExpiredTokens(sweepCtx); err != nil {
		s.logger.Error("recovery token purge failed", zap.Error(err))
	}
}
