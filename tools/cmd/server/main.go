package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "time/tzdata" // schedule rules name IANA zones

	"github.com/patrickwarner/proofserve/internal/analytics"
	"github.com/patrickwarner/proofserve/internal/api"
	"github.com/patrickwarner/proofserve/internal/config"
	"github.com/patrickwarner/proofserve/internal/db"
	"github.com/patrickwarner/proofserve/internal/engine"
	"github.com/patrickwarner/proofserve/internal/geoip"
	"github.com/patrickwarner/proofserve/internal/logic/ratelimit"
	"github.com/patrickwarner/proofserve/internal/middleware"
	"github.com/patrickwarner/proofserve/internal/models"
	"github.com/patrickwarner/proofserve/internal/observability"
	"github.com/patrickwarner/proofserve/internal/reporter"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	logger, err := observability.InitLoggerWithService(cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	defer func() {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
		}
	}()

	if err := run(logger, cfg); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracing(ctx, logger, cfg.ServiceName, cfg.TempoEndpoint, cfg.Env, cfg.TracingSampleRate)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown()
	}

	if cfg.TokenSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return err
		}
		cfg.TokenSecret = secret
		logger.Warn("TOKEN_SECRET not set; using a random secret, display tokens will not survive a restart or work across instances")
	}

	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	defer pg.Close()
	pg.DefaultMaxPerSession = cfg.DefaultMaxPerSession
	pg.Logger = logger

	store, err := db.InitRedis(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	defer store.Close()

	metricsRegistry := observability.NewPrometheusRegistry()

	analyticsSvc, err := analytics.InitClickHouse(cfg.ClickHouseDSN, metricsRegistry,
		cfg.CHMaxOpenConns, cfg.CHMaxIdleConns, cfg.CHConnMaxLifetime, cfg.CHConnMaxIdleTime)
	if err != nil {
		return fmt.Errorf("failed to connect clickhouse: %w", err)
	}
	defer analyticsSvc.Close()

	geoSvc, err := geoip.Open(cfg.GeoIPDB)
	if err != nil {
		return fmt.Errorf("failed to load geoip db: %w", err)
	}
	defer func() { _ = geoSvc.Close() }()

	// Confirmed displays and clicks go to the ingestion endpoint when one is
	// configured, otherwise straight to ClickHouse.
	var events *reporter.Async
	if cfg.IngestEndpoint != "" {
		events = reporter.NewHTTPReporter(cfg.IngestEndpoint, cfg.ReportTimeout, logger, metricsRegistry)
		logger.Info("reporting events over HTTP", zap.String("endpoint", cfg.IngestEndpoint))
	} else {
		events = reporter.NewAsync(analyticsSvc, cfg.ReportTimeout, logger, metricsRegistry)
	}
	// In-flight reports finish before the connections close.
	defer events.Wait()

	rateLimiter := ratelimit.NewWebsiteLimiter(ratelimit.Config{
		Capacity:   cfg.RateLimitCapacity,
		RefillRate: cfg.RateLimitRefillRate,
		Enabled:    cfg.RateLimitEnabled,
	}, metricsRegistry)

	campaigns := models.NewInMemoryCampaignStore()
	srvDeps, err := api.NewServer(logger, store, pg, campaigns, analyticsSvc, engine.Reporter(events), geoSvc, rateLimiter, metricsRegistry, cfg)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}
	res, err := srvDeps.Reload(ctx)
	if err != nil {
		return fmt.Errorf("initial load: %w", err)
	}
	logger.Info("campaigns loaded",
		zap.Int("websites", res.Websites),
		zap.Int("campaigns", res.Campaigns),
		zap.Int("playlists", res.Playlists),
		zap.Int("skipped", res.Skipped))

	r := mux.NewRouter()
	srvDeps.Routes(r)

	var handler http.Handler = r
	handler = middleware.WithTraceLogger(logger)(handler)
	handler = otelhttp.NewHandler(handler, cfg.ServiceName)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	logger.Info("Notification server running", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	reload := func(reason string) {
		res, err := srvDeps.Reload(ctx)
		if err != nil {
			logger.Error("reload failed", zap.String("reason", reason), zap.Error(err))
			return
		}
		logger.Debug("reloaded campaigns", zap.String("reason", reason), zap.Int("campaigns", res.Campaigns))
	}

	if cfg.ReloadInterval > 0 {
		ticker := time.NewTicker(cfg.ReloadInterval)
		go func() {
			for {
				select {
				case <-ticker.C:
					reload("interval")
				case <-ctx.Done():
					ticker.Stop()
					return
				}
			}
		}()
	}

	// Changes made through another instance arrive over Redis pub/sub.
	go func() {
		err := store.SubscribeUpdates(ctx, func(msg db.UpdateMessage) {
			logger.Debug("update received",
				zap.String("entity", msg.Entity),
				zap.String("action", msg.Action),
				zap.String("id", msg.ID))
			reload("update")
		})
		if err != nil {
			logger.Error("update subscription ended", zap.Error(err))
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
