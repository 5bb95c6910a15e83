package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"kinpool/internal/cache"
	"kinpool/internal/channel"
	"kinpool/internal/config"
	"kinpool/internal/database"
	"kinpool/internal/logger"
	"kinpool/internal/repository"
	"kinpool/internal/security"
	"kinpool/internal/service"
)

func main() {
	// Load .env if present, then configuration
	_ = godotenv.Load()
	cfg := config.Load()

	zlog, err := logger.New(cfg.LogLevel, cfg.LogFormat, "kinpool")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	if cfg.RecoverySigningKey == "" {
		zlog.Fatal("RECOVERY_SIGNING_KEY must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database and migrations
	db, err := database.Initialize(cfg)
	if err != nil {
		zlog.Fatal("failed to initialize database", zap.Error(err))
	}
	defer db.Close()
	zlog.Info("database connection established", zap.String("type", cfg.DatabaseType))

	if err := db.RunMigrations(ctx, cfg.MigrationsPath); err != nil {
		zlog.Fatal("failed to run migrations", zap.Error(err))
	}
	zlog.Info("migrations completed")

	// Redis-backed state cache
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		zlog.Fatal("failed to connect to redis", zap.Error(err))
	}
	stateCache := cache.NewStateCache(cache.NewRedisKVStore(rdb), cfg.CacheTTL)

	// Repositories
	familyRepo := repository.NewFamilyRepository(db)
	accountRepo := repository.NewAccountRepository(db)
	invitationRepo := repository.NewInvitationRepository(db)
	tokenRequestRepo := repository.NewTokenRequestRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	recoveryRepo := repository.NewRecoveryRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Channel senders
	emailSender, err := channel.NewEmailSender(ctx, cfg.AWSRegion, cfg.SESFromEmail, cfg.SESFromName, zlog)
	if err != nil {
		zlog.Fatal("failed to initialize email sender", zap.Error(err))
	}
	pushSender := channel.NewPushSender(cfg.PushGatewayURL, cfg.PushGatewayKey, zlog)

	limiter := security.NewRateLimiter(map[string]int{
		service.OpFamilyCreate: cfg.FamilyCreateLimit,
		service.OpInvite:       cfg.InviteLimit,
		service.OpTokenRequest: cfg.TokenRequestLimit,
		service.OpRecovery:     cfg.RecoveryLimit,
	}, cfg.RateLimitWindow)
	signer := security.NewRecoveryTokenSigner(cfg.RecoverySigningKey, cfg.RecoveryTokenTTL)

	// Services
	auditSvc := service.NewAuditService(auditRepo, zlog)
	dispatcher := service.NewDispatcher(notificationRepo,
		[]channel.Sender{emailSender, pushSender},
		service.IdentityDirectory{},
		auditSvc, cfg.DispatchWorkers, cfg.DispatchBuffer, cfg.ChannelTimeout, zlog)

	ledgerSvc := service.NewLedgerService(accountRepo, familyRepo, recoveryRepo, signer, auditSvc, dispatcher, stateCache, zlog)
	suite := &service.Suite{
		Registry:      service.NewRegistryService(familyRepo, accountRepo, auditSvc, dispatcher, limiter, stateCache, cfg.AccountCodeRetries, zlog),
		Invitations:   service.NewInvitationService(invitationRepo, familyRepo, auditSvc, dispatcher, limiter, stateCache, cfg.InvitationTTL, zlog),
		Ledger:        ledgerSvc,
		TokenRequests: service.NewTokenRequestService(tokenRequestRepo, familyRepo, ledgerSvc, auditSvc, dispatcher, limiter, cfg.TokenRequestTTL, zlog),
		Succession:    service.NewSuccessionService(familyRepo, recoveryRepo, signer, auditSvc, dispatcher, limiter, stateCache, zlog),
		Notifications: dispatcher,
		Audit:         auditSvc,
	}

	dispatcher.Start()
	defer dispatcher.Stop()

	sweeper := service.NewSweeper(suite.Invitations, suite.TokenRequests, suite.Succession, cfg.SweepInterval, cfg.SweepTimeout, zlog)
	go sweeper.Run(ctx)

	zlog.Info("kinpool started",
		zap.String("db_type", cfg.DatabaseType),
		zap.Int("dispatch_workers", cfg.DispatchWorkers),
	)

	<-ctx.Done()
	zlog.Info("shutting down")
}
