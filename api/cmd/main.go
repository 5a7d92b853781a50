package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/claims"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/config"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/detection"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/domain"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/downstream"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/infrastructure/postgres"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/infrastructure/rabbitmq"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/infrastructure/redis"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/monitor"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/outbox"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/pkg/logger"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/scheduler"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/security"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/transport/rest"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "delay-tracker").
		Str("env", cfg.AppEnv).
		Logger()

	// Root ctx with signal cancellation
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Postgres ----
	dbPool, err := pgxpool.New(rootCtx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer dbPool.Close()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		defer cancel()

		if err := dbPool.Ping(pingCtx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")
	}

	repo := postgres.New(dbPool)

	// ---- Redis (rate limiting; best-effort) ----
	var cache *redis.Cache
	if cfg.RLEnabled {
		cache = redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)

		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		if err := cache.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Msg("redis ping failed (continuing)")
		} else {
			log.Info().Msg("redis connected")
		}
		cancel()
	}

	// ---- Downstream clients ----
	delaysClient := downstream.NewDelaysClient(cfg.DelaysAPIURL, cfg.ClientTimeout)
	matcherClient := downstream.NewMatcherClient(cfg.MatcherAPIURL, cfg.ClientTimeout)
	claimsClient := downstream.NewClaimsClient(cfg.ClaimsAPIURL, cfg.ClientTimeout)

	// ---- Core pipeline ----
	detector, err := domain.NewDelayDetector(cfg.DelayThresholdMinutes)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid delay threshold")
	}

	tickInterval, err := scheduler.IntervalFromCron(cfg.CronExpression)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid cron expression")
	}

	events := outbox.NewBuilder(repo)
	mon := monitor.New(repo, events, tickInterval)
	trigger := claims.NewTrigger(claimsClient, cfg.DelayThresholdMinutes)
	orch := detection.NewOrchestrator(mon, repo, events, detector, trigger, matcherClient, delaysClient, cfg.DueBatchLimit)
	if cache != nil {
		orch.WithDelayCache(cache)
	}

	sched := scheduler.New(orch, tickInterval)
	if cfg.CronEnabled {
		sched.Start(rootCtx)
		defer sched.Stop()
	}

	// ---- Outbox relay + retention ----
	if cfg.OutboxEnabled {
		publisher, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitExchange)
		if err != nil {
			if cfg.AppEnv == "dev" {
				log.Warn().Err(err).Msg("rabbitmq unavailable, outbox relay disabled")
			} else {
				log.Fatal().Err(err).Msg("rabbitmq connect failed")
			}
		} else {
			defer publisher.Close()
			relay := outbox.NewRelay(repo, publisher, cfg.OutboxMaxRetries)
			relay.StartWorker(rootCtx)
			repo.StartOutboxCleanup(rootCtx, cfg.OutboxRetentionDays)
			log.Info().Msg("outbox relay started")
		}
	}

	// ---- HTTP surface ----
	verifier := security.NewHS256Verifier(cfg.JWTSecret, cfg.JWTIssuer)
	handler := rest.NewHandler(mon, repo, func(ctx context.Context) error {
		return dbPool.Ping(ctx)
	})

	deps := rest.RouterDeps{
		Handler:         handler,
		Verifier:        verifier,
		JWTIssuer:       cfg.JWTIssuer,
		RateLimit:       cfg.RLLimit,
		RateLimitWindow: cfg.RLWindow,
	}
	if cache != nil {
		deps.Limiter = cache
	}
	httpHandler := rest.NewRouter(deps)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("shutdown complete")
}
