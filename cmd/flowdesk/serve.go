package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/flowdesk/internal/action"
	"github.com/pitabwire/flowdesk/internal/approval"
	"github.com/pitabwire/flowdesk/internal/capability"
	"github.com/pitabwire/flowdesk/internal/config"
	"github.com/pitabwire/flowdesk/internal/definition"
	"github.com/pitabwire/flowdesk/internal/observability"
	"github.com/pitabwire/flowdesk/internal/openapi"
	"github.com/pitabwire/flowdesk/internal/postgres"
	"github.com/pitabwire/flowdesk/internal/transport"
	"github.com/pitabwire/flowdesk/internal/workflow"
	"github.com/pitabwire/flowdesk/model"
)

func newServeCommand() *cobra.Command {
	var (
		configPath string
		seedTenant string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow engine HTTP server and approval scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return serve(ctx, cfg, seedTenant)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
	cmd.Flags().StringVar(&seedTenant, "seed-tenant", "default", "tenant for definition files that do not name one")
	return cmd
}

// stores bundles the persistence layer chosen by configuration.
type stores struct {
	definitions definition.Store
	runs        workflow.RunStore
	approvals   approval.Store
	health      observability.HealthChecker
	close       func()
}

func serve(ctx context.Context, cfg *config.Config, seedTenant string) error {
	// Step 1: Telemetry.
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "flowdesk", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
	}

	// Step 2: Persistence and shared Redis connection.
	st, err := buildStores(ctx, cfg.Workflow.Store, logger)
	if err != nil {
		return err
	}
	defer st.close()

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb, err = connectRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	// Step 3: Definitions.
	registry := definition.NewRegistry(nil)
	defs := definition.NewService(st.definitions, registry, logger)
	var definitionsLoaded atomic.Bool
	if err := loadDefinitions(ctx, defs, registry, cfg.Workflow.Definitions, seedTenant, metrics, logger); err != nil {
		return err
	}
	definitionsLoaded.Store(true)

	// Step 4: Approvals, actions and the run lock.
	coord := approval.NewCoordinator(st.approvals, logger)

	sink, sinkHealth := buildSink(cfg.Notifier, rdb, logger)
	webhook := action.NewWebhookCaller(nil, action.WebhookConfig{
		Timeout:        cfg.Webhook.Timeout,
		AllowedSchemes: cfg.Webhook.AllowedSchemes,
		Breaker: action.BreakerConfig{
			FailureThreshold: cfg.Webhook.CircuitBreaker.FailureThreshold,
			SuccessThreshold: cfg.Webhook.CircuitBreaker.SuccessThreshold,
			Cooldown:         cfg.Webhook.CircuitBreaker.Cooldown,
		},
	})
	dispatcher := action.NewDispatcher(sink, webhook, logger)
	dispatcher.SetBackoff(cfg.Webhook.Retry.BackoffInitial, cfg.Webhook.Retry.BackoffMax)

	var locker workflow.Locker
	var lockHealth observability.HealthChecker
	switch cfg.Workflow.Lock.Driver {
	case "redis":
		locker = workflow.NewRedisLocker(rdb, cfg.Workflow.Lock.Prefix, cfg.Workflow.Lock.TTL, cfg.Workflow.Lock.Wait)
		lockHealth = observability.CheckFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	default:
		locker = workflow.NewLocalLocker(cfg.Workflow.Lock.Wait)
	}

	// Step 5: Engine and scheduler.
	engine := workflow.NewEngine(defs, st.runs, coord, dispatcher, locker, logger)
	engine.SetConcurrency(cfg.Workflow.Concurrency)
	if metrics != nil {
		engine.SetObserver(metrics)
	}
	scheduler := workflow.NewScheduler(engine, coord, cfg.Workflow.Scheduler.SweepInterval,
		cfg.Workflow.Scheduler.Concurrency, logger)
	engine.OnApprovalOpened(scheduler.Schedule)

	if n, err := engine.Reconcile(ctx); err != nil {
		logger.Error("startup reconciliation failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("runs reconciled", zap.Int("advanced", n))
	}

	// Step 6: Trigger idempotency.
	idempotency, idempotencyHealth := buildIdempotencyStore(cfg.Idempotency, rdb, logger)

	// Step 7: HTTP surface.
	capResolver, err := buildCapabilityResolver(cfg.Capability)
	if err != nil {
		return err
	}
	validator, err := openapi.Load(ctx)
	if err != nil {
		return fmt.Errorf("openapi: %w", err)
	}
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	var metricsHandler http.Handler
	if metrics != nil {
		metricsHandler = observability.Handler()
	} else {
		metricsHandler = http.NotFoundHandler()
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks),
		CapabilityResolver: capResolver,
		Engine:             engine,
		Definitions:        defs,
		Idempotency:        idempotency,
		OpenAPI:            validator,
		Metrics:            metrics,
		MetricsHandler:     metricsHandler,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: definitionsLoaded.Load,
			Store:             st.health,
			Lock:              lockHealth,
			Notifier:          sinkHealth,
			IdempotencyStore:  idempotencyHealth,
		},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 8: Background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Run(bgCtx)
	}()

	// Step 9: Serve.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Workflow.Store.Driver),
		zap.String("lock", cfg.Workflow.Lock.Driver),
		zap.String("notifier", cfg.Notifier.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case serveErr = <-errCh:
		logger.Error("server error", zap.Error(serveErr))
	}

	// Graceful shutdown: drain requests, stop timers, flush telemetry.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	bgCancel()
	<-schedulerDone

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return serveErr
}

// buildStores opens the configured persistence layer.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (stores, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg)
		if err != nil {
			return stores{}, err
		}
		if cfg.Migrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				pool.Close()
				return stores{}, err
			}
		}
		logger.Info("using postgres stores")
		return pgStores(pool), nil
	default:
		logger.Warn("using in-memory stores; runs do not survive a restart")
		return stores{
			definitions: definition.NewMemoryStore(),
			runs:        workflow.NewMemoryRunStore(),
			approvals:   approval.NewMemoryStore(),
			close:       func() {},
		}, nil
	}
}

func pgStores(pool *pgxpool.Pool) stores {
	return stores{
		definitions: definition.NewPgStore(pool),
		runs:        workflow.NewPgRunStore(pool),
		approvals:   approval.NewPgStore(pool),
		health:      postgres.NewChecker(pool),
		close:       pool.Close,
	}
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	addr := os.Getenv(cfg.AddrEnv)
	if addr == "" {
		return nil, fmt.Errorf("redis: %s environment variable not set", cfg.AddrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return client, nil
}

// loadDefinitions rebuilds the registry from the store and seeds any keys
// found in the configured directories that the store does not know yet.
func loadDefinitions(ctx context.Context, defs *definition.Service, registry *definition.Registry, dirs []string, seedTenant string, metrics *observability.Metrics, logger *zap.Logger) error {
	record := func(status string, loaded int) {
		if metrics != nil {
			metrics.RecordDefinitionReload(status, loaded)
		}
	}

	if err := defs.Refresh(ctx); err != nil {
		record("failure", 0)
		return fmt.Errorf("definitions: refresh: %w", err)
	}
	if len(dirs) == 0 {
		record("success", registry.Len())
		return nil
	}

	files, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		record("failure", 0)
		return fmt.Errorf("definitions: %w", err)
	}

	byTenant := make(map[string][]model.WorkflowDefinition)
	for _, def := range files {
		tenant := def.TenantID
		if tenant == "" {
			tenant = seedTenant
		}
		byTenant[tenant] = append(byTenant[tenant], def)
	}
	for tenant, group := range byTenant {
		rctx := &model.RequestContext{SubjectID: model.System().ID, TenantID: tenant}
		n, err := defs.Seed(ctx, rctx, group)
		if err != nil {
			record("failure", 0)
			return fmt.Errorf("definitions: %w", err)
		}
		if n > 0 {
			logger.Info("definitions seeded", zap.String("tenant_id", tenant), zap.Int("published", n))
		}
	}

	record("success", registry.Len())
	logger.Info("definitions loaded",
		zap.Int("files", len(files)),
		zap.Int("active", registry.Len()),
		zap.String("checksum", registry.Checksum()),
	)
	return nil
}

// buildSink selects where notify and ticket intents are published.
func buildSink(cfg config.NotifierConfig, rdb *redis.Client, logger *zap.Logger) (action.Sink, observability.HealthChecker) {
	if cfg.Driver == "redis" {
		var opts []action.StreamOption
		if cfg.MaxLen > 0 {
			opts = append(opts, action.WithMaxLen(cfg.MaxLen))
		}
		sink := action.NewStreamSink(rdb, cfg.Stream, opts...)
		return sink, observability.CheckFunc(sink.Ping)
	}
	return action.NewLogSink(logger), nil
}

// buildIdempotencyStore returns nil when trigger idempotency is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, rdb *redis.Client, logger *zap.Logger) (workflow.IdempotencyStore, observability.HealthChecker) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Driver == "redis" {
		store := workflow.NewRedisIdempotencyStore(rdb)
		return store, store
	}
	logger.Info("using in-memory idempotency store")
	return workflow.NewMemoryIdempotencyStore(), nil
}

// buildCapabilityResolver creates the appropriate resolver based on config.
func buildCapabilityResolver(cfg config.CapabilityConfig) (*capability.Resolver, error) {
	switch cfg.Evaluator {
	case "static", "":
		evaluator, err := capability.NewStaticPolicyEvaluator(cfg.StaticPolicyFile)
		if err != nil {
			return nil, fmt.Errorf("static policy: %w", err)
		}
		return capability.NewResolver(evaluator, cfg.Cache.TTL, cfg.Cache.MaxEntries), nil
	default:
		return nil, fmt.Errorf("unsupported capability evaluator: %q", cfg.Evaluator)
	}
}
