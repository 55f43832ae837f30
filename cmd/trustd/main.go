// Command trustd runs the trust scoring and validation orchestration service.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/ocx/trustscore/internal/alerts"
	"github.com/ocx/trustscore/internal/circuitbreaker"
	"github.com/ocx/trustscore/internal/config"
	"github.com/ocx/trustscore/internal/database"
	"github.com/ocx/trustscore/internal/drift"
	"github.com/ocx/trustscore/internal/escalation"
	"github.com/ocx/trustscore/internal/handlers"
	"github.com/ocx/trustscore/internal/infra"
	"github.com/ocx/trustscore/internal/metrics"
	"github.com/ocx/trustscore/internal/middleware"
	"github.com/ocx/trustscore/internal/store"
	"github.com/ocx/trustscore/internal/validator"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using process environment")
	}
	configPath := pflag.String("config", envOr("CONFIG_PATH", "config/master.yaml"), "master configuration file")
	tenantsPath := pflag.String("tenants", envOr("TENANTS_PATH", "config/tenants.yaml"), "tenant overrides file")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := run(*configPath, *tenantsPath); err != nil {
		slog.Error("trustd exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath, tenantsPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := config.NewManager(configPath, tenantsPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := manager.Global()
	logger := slog.Default().With("service", "trustd", "env", cfg.Server.Env)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	// Redis backs baselines, the score cache and the alert channel. Without
	// it everything stays in process memory.
	var rdb *infra.GoRedisAdapter
	if cfg.Redis.Addr != "" {
		rdb, err = infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("redis unavailable, falling back to in-memory state", "addr", cfg.Redis.Addr, "error", err)
			rdb = nil
		} else {
			closers = append(closers, rdb)
		}
	}

	st, err := store.New(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	closers = append(closers, st)
	logger.Info("store ready", "backend", cfg.Store.Backend)

	deps := shared{
		store:   st,
		metrics: m,
		logger:  logger,
	}
	if rdb != nil {
		deps.baselines = func(tenantID string) drift.BaselineStore {
			return drift.NewRedisBaselineStore(rdb, "trust:baseline:"+tenantID+":", cfg.Redis.BaselineTTL)
		}
		deps.cache = func(tenantID string) store.ScoreCache {
			return store.NewRedisScoreCache(rdb, "trust:score:"+tenantID+":", cfg.Redis.ScoreTTL)
		}
	}
	if cfg.Archive.Bucket != "" {
		archiver, err := store.NewS3Archiver(ctx, cfg.Archive.Bucket, cfg.Archive.Prefix)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		deps.archiver = archiver
	}

	dispatcher := alerts.NewDispatcher(cfg.Alerts.Dispatcher, m, logger)
	defer dispatcher.Shutdown()
	deps.alerts = dispatcher

	var hub *alerts.StreamHub
	if cfg.Alerts.Stream {
		hub = alerts.NewStreamHub(allowOrigin(cfg.Server.AllowOrigin), logger)
		go hub.Run(ctx)
		dispatcher.Register(hub)
	}
	channelClosers, err := registerChannels(ctx, cfg, manager, dispatcher, rdb, logger)
	if err != nil {
		return err
	}
	closers = append(closers, channelClosers...)

	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig("default"))
	reviewer, err := newReviewer(cfg.Escalation.Reviewer)
	if err != nil {
		return err
	}
	deps.submitter = escalation.NewSubmitter(reviewer, cfg.Escalation.Retry, breakers.Get("hitl"), m, logger)

	deps.registry = validator.NewRegistry()
	for _, v := range cfg.Validators {
		err := deps.registry.Register(validator.Registration{
			ID:        v.ID,
			Kind:      v.Kind,
			Weight:    v.Weight,
			Validator: validator.NewHTTPValidator(v.URL, v.Token, breakers.Get("validator:"+v.ID)),
		})
		if err != nil {
			return fmt.Errorf("validator %s: %w", v.ID, err)
		}
	}
	logger.Info("validators registered", "ids", deps.registry.IDs())

	pool := newTenantPool(manager, deps)
	if err := pool.StartMonitoring(); err != nil {
		logger.Warn("some monitoring registrations failed", "error", err)
	}

	opts := handlers.Options{
		Limiter: middleware.NewRateLimiter(middleware.RateLimitConfig{}, logger),
		Stream:  hub,
		Metrics: m,
		Logger:  logger,
	}
	if cfg.Auth.HITLSecret != "" {
		opts.Auth, err = handlers.NewReviewerAuth(cfg.Auth.HITLSecret, cfg.Auth.Issuer)
		if err != nil {
			return err
		}
	} else if cfg.IsProduction() {
		return fmt.Errorf("auth.hitl_secret is required in production")
	}
	if cfg.IsProduction() {
		opts.KnownTenant = pool.Known
	}
	go opts.Limiter.Run(ctx)

	router := handlers.NewServer(pool, opts).Router()
	router.Use(corsMiddleware(cfg.Server.AllowOrigin))
	router.Use(loggingMiddleware(logger))

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("trustd starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("received shutdown signal, shutting down gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

// registerChannels wires the configured alert channels into d and returns the
// ones holding connections.
func registerChannels(ctx context.Context, cfg *config.Config, manager *config.Manager, d *alerts.Dispatcher, rdb *infra.GoRedisAdapter, logger *slog.Logger) ([]io.Closer, error) {
	var closers []io.Closer
	a := cfg.Alerts

	if a.Log {
		d.Register(alerts.NewLogChannel(logger))
	}
	for _, w := range a.Webhooks {
		d.Register(alerts.NewWebhookChannel(w.Name, w.URL, w.Secret), w.Types...)
	}
	for _, tenantID := range manager.Tenants() {
		o, _ := manager.Override(tenantID)
		for _, w := range o.Webhooks {
			d.RegisterForTenant(tenantID, alerts.NewWebhookChannel(tenantID+":"+w.Name, w.URL, w.Secret), w.Types...)
		}
	}
	if a.RedisTopic != "" {
		if rdb == nil {
			logger.Warn("redis alert channel configured without redis, skipping", "channel", a.RedisTopic)
		} else {
			d.Register(alerts.NewRedisChannel(rdb, a.RedisTopic))
		}
	}
	if a.PubSub.ProjectID != "" && a.PubSub.TopicID != "" {
		ch, err := alerts.NewPubSubChannel(ctx, a.PubSub.ProjectID, a.PubSub.TopicID)
		if err != nil {
			return closers, fmt.Errorf("pubsub alerts: %w", err)
		}
		d.Register(ch)
		closers = append(closers, ch)
	}
	if len(a.Kafka.Brokers) > 0 {
		ch, err := alerts.NewKafkaChannel(a.Kafka)
		if err != nil {
			return closers, fmt.Errorf("kafka alerts: %w", err)
		}
		d.Register(ch)
		closers = append(closers, ch)
	}
	if ct := a.CloudTasks; ct.ProjectID != "" && ct.Queue != "" {
		ch, err := alerts.NewCloudTasksChannel(ctx, ct.ProjectID, ct.Location, ct.Queue, ct.TargetURL, ct.Secret)
		if err != nil {
			return closers, fmt.Errorf("cloud tasks alerts: %w", err)
		}
		d.Register(ch, alerts.TypeEscalationCreated, alerts.TypeDeliveryFailed)
		closers = append(closers, ch)
	}
	return closers, nil
}

func newReviewer(kind string) (escalation.Reviewer, error) {
	switch kind {
	case "supabase":
		client, err := database.NewSupabaseClient()
		if err != nil {
			return nil, fmt.Errorf("supabase reviewer: %w", err)
		}
		return escalation.NewSupabaseReviewQueue(client), nil
	default:
		return escalation.NewMemoryQueue(), nil
	}
}

func allowOrigin(origin string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		return origin == "*" || r.Header.Get("Origin") == origin
	}
}

func corsMiddleware(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-ID")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
