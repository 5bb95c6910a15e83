package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"kinpool/internal/channel"
	"kinpool/internal/config"
	"kinpool/internal/database"
	"kinpool/internal/logger"
	"kinpool/internal/models"
	"kinpool/internal/repository"
	"kinpool/internal/security"
	"kinpool/internal/service"
)

var errNoCache = errors.New("cache disabled")

// nopCache misses every read and drops every write
type nopCache struct{}

func (nopCache) GetFamily(context.Context, string) (*models.Family, error) {
	return nil, errNoCache
}
func (nopCache) SetFamily(context.Context, *models.Family) error { return nil }
func (nopCache) GetAccount(context.Context, string) (*models.VirtualAccount, error) {
	return nil, errNoCache
}
func (nopCache) SetAccount(context.Context, *models.VirtualAccount) error { return nil }
func (nopCache) InvalidateFamily(context.Context, string) error           { return nil }

// One-shot sweep runner for deployments that schedule expiry work
// externally (cron) instead of the in-process sweeper.
func main() {
	timeout := flag.Duration("timeout", time.Minute, "Overall sweep timeout")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()

	zlog, err := logger.New(cfg.LogLevel, cfg.LogFormat, "kinpool-sweep")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := database.Initialize(cfg)
	if err != nil {
		zlog.Fatal("failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, cfg.MigrationsPath); err != nil {
		zlog.Fatal("failed to run migrations", zap.Error(err))
	}

	familyRepo := repository.NewFamilyRepository(db)
	accountRepo := repository.NewAccountRepository(db)
	invitationRepo := repository.NewInvitationRepository(db)
	tokenRequestRepo := repository.NewTokenRequestRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	recoveryRepo := repository.NewRecoveryRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	emailSender, err := channel.NewEmailSender(ctx, cfg.AWSRegion, cfg.SESFromEmail, cfg.SESFromName, zlog)
	if err != nil {
		zlog.Fatal("failed to initialize email sender", zap.Error(err))
	}
	pushSender := channel.NewPushSender(cfg.PushGatewayURL, cfg.PushGatewayKey, zlog)

	limiter := security.NewRateLimiter(map[string]int{}, cfg.RateLimitWindow)
	signer := security.NewRecoveryTokenSigner(cfg.RecoverySigningKey, cfg.RecoveryTokenTTL)
	auditSvc := service.NewAuditService(auditRepo, zlog)
	dispatcher := service.NewDispatcher(notificationRepo,
		[]channel.Sender{emailSender, pushSender},
		service.IdentityDirectory{},
		auditSvc, cfg.DispatchWorkers, cfg.DispatchBuffer, cfg.ChannelTimeout, zlog)
	dispatcher.Start()

	// The sweeps never consult the cache, so a no-op cache keeps this
	// command free of a redis dependency.
	noCache := service.StateCache(nopCache{})

	ledgerSvc := service.NewLedgerService(accountRepo, familyRepo, recoveryRepo, signer, auditSvc, dispatcher, noCache, zlog)
	invitationSvc := service.NewInvitationService(invitationRepo, familyRepo, auditSvc, dispatcher, limiter, noCache, cfg.InvitationTTL, zlog)
	tokenRequestSvc := service.NewTokenRequestService(tokenRequestRepo, familyRepo, ledgerSvc, auditSvc, dispatcher, limiter, cfg.TokenRequestTTL, zlog)
	successionSvc := service.NewSuccessionService(familyRepo, recoveryRepo, signer, auditSvc, dispatcher, limiter, noCache, zlog)

	sweeper := service.NewSweeper(invitationSvc, tokenRequestSvc, successionSvc, cfg.SweepInterval, *timeout, zlog)
	sweeper.RunOnce(ctx)

	// Flush queued notifications before exiting
	dispatcher.Stop()
	zlog.Info("sweep completed")
}
