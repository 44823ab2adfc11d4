package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/souktech/kyb-onboarding-bfa/internal/config"
	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
	"github.com/souktech/kyb-onboarding-bfa/internal/handler"
	"github.com/souktech/kyb-onboarding-bfa/internal/infra/cache"
	"github.com/souktech/kyb-onboarding-bfa/internal/infra/memstore"
	"github.com/souktech/kyb-onboarding-bfa/internal/infra/observability"
	"github.com/souktech/kyb-onboarding-bfa/internal/infra/postgres"
	"github.com/souktech/kyb-onboarding-bfa/internal/infra/resilience"
	"github.com/souktech/kyb-onboarding-bfa/internal/infra/supabase"
	"github.com/souktech/kyb-onboarding-bfa/internal/port"
	"github.com/souktech/kyb-onboarding-bfa/internal/service"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, "invalid .env file:", err)
		os.Exit(1)
	}

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel, "kyb-onboarding-bfa")
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("backend", string(cfg.Backend)),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
		zap.Duration("session_ttl", cfg.SessionTTL),
		zap.Duration("admin_cache_ttl", cfg.AdminCacheTTL),
		zap.Duration("verification_poll_interval", cfg.VerificationPollInterval),
		zap.String("consent_signing", cfg.ConsentSigning),
		zap.Bool("redis_idempotency", cfg.RedisAddr != ""),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "kyb-onboarding-bfa")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStart()

	// --- Backend ---
	var (
		store   port.KYBStore
		storage port.ObjectStorage
		probes  = map[string]handler.Pinger{}
	)

	var supabaseClient *supabase.Client
	if cfg.UsesObjectStorage() {
		supabaseClient = supabase.NewClient(httpClient, supabase.Options{
			BaseURL:        cfg.SupabaseURL,
			AnonKey:        cfg.SupabaseAnonKey,
			ServiceRoleKey: cfg.SupabaseServiceRoleKey,
			Bucket:         cfg.StorageBucket,
		}, resilience.NewCircuitBreaker("supabase"), resilienceCfg, logger)
	}

	switch cfg.Backend {
	case config.BackendSupabase:
		logger.Info("using Supabase REST as data backend", zap.String("supabase_url", cfg.SupabaseURL))
		store, storage = supabaseClient, supabaseClient
		probes["supabase"] = supabaseClient

	case config.BackendPostgres:
		pool, err := postgres.Connect(startCtx, cfg.DatabaseURL, int32(cfg.DBMaxConns))
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer pool.Close()
		pg := postgres.NewStore(pool)
		logger.Info("using Postgres as data backend", zap.Int("max_conns", cfg.DBMaxConns))
		store = pg
		probes["postgres"] = pg
		if supabaseClient != nil {
			storage = supabaseClient
			probes["supabase-storage"] = supabaseClient
		} else {
			logger.Warn("document uploads disabled: Supabase storage not configured")
			storage = disabledStorage{}
		}

	case config.BackendMemory:
		logger.Warn("using in-memory backend, data is lost on restart")
		mem := memstore.New()
		store, storage = mem, mem
		probes["memstore"] = mem
	}

	if cfg.SupabaseJWTSecret == "" {
		logger.Warn("SUPABASE_JWT_SECRET not set, every authenticated route will answer 401")
	}

	// --- Caches ---
	sessions := cache.New[*service.Session](cfg.SessionTTL)
	defer sessions.Close()
	admins := cache.New[bool](cfg.AdminCacheTTL)
	defer admins.Close()

	var idem port.IdempotencyStore
	if cfg.RedisAddr != "" {
		redisIdem, err := cache.NewRedisIdempotency(startCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.IdempotencyTTL, logger)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer redisIdem.Close()
		idem = redisIdem
		probes["redis"] = redisIdem
	} else {
		memIdem := cache.NewIdempotencyCache(cfg.IdempotencyTTL)
		defer memIdem.Close()
		idem = memIdem
	}

	// --- Services ---
	signer, err := service.NewSigner(cfg.ConsentSigning, cfg.ConsentSigningKey)
	if err != nil {
		logger.Fatal("invalid consent signing configuration", zap.Error(err))
	}

	verificationSvc := service.NewVerificationService(store, metrics, logger)
	consentSvc := service.NewConsentService(store, idem, signer, cfg.IdempotencyTTL, metrics, logger)
	adminSvc := service.NewAdminService(store, verificationSvc, admins, metrics, logger)
	onboardingSvc := service.NewOnboardingService(store, sessions, consentSvc, verificationSvc, metrics, logger)
	documentSvc := service.NewDocumentService(store, storage, cfg.MaxUploadBytes, logger)
	guardSvc := service.NewGuardService(store, adminSvc, logger)

	watcher := service.NewVerificationWatcher(verificationSvc, cfg.VerificationPollInterval, metrics, logger)
	defer watcher.Stop()

	// --- Router ---
	router := handler.NewRouter(handler.Dependencies{
		Onboarding:     onboardingSvc,
		Documents:      documentSvc,
		Guard:          guardSvc,
		Admin:          adminSvc,
		Watcher:        watcher,
		Auth:           handler.NewAuthenticator(cfg.SupabaseJWTSecret),
		Metrics:        metrics,
		Probes:         probes,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Watch sockets are hijacked connections that Shutdown does not wait for.
	watcher.Stop()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

// disabledStorage refuses uploads when no bucket is configured.
type disabledStorage struct{}

func (disabledStorage) Upload(context.Context, string, string, int64, io.Reader) error {
	return &domain.ErrBusinessRule{Rule: "storage_unavailable", Message: "document storage is not configured"}
}
