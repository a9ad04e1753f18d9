// cmd/worker-manager/main.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"matchmaking-workers/internal/common/camunda"
	"matchmaking-workers/internal/common/config"
	"matchmaking-workers/internal/common/database"
	"matchmaking-workers/internal/common/embedding"
	"matchmaking-workers/internal/common/geo"
	"matchmaking-workers/internal/common/logger"
	"matchmaking-workers/internal/common/observability"
	"matchmaking-workers/internal/common/validation"
	"matchmaking-workers/internal/matching"
	"matchmaking-workers/internal/matching/scorecache"
	"matchmaking-workers/internal/store"
	"matchmaking-workers/pkg/registry"

	cms "matchmaking-workers/internal/workers/matching/calculate-match-score"
	gpe "matchmaking-workers/internal/workers/matching/generate-profile-embedding"
	ip "matchmaking-workers/internal/workers/matching/invalidate-profile"
	sc "matchmaking-workers/internal/workers/matching/score-candidates"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logger.New("info", "console")
		boot.Fatal("config load failed", zap.Error(err))
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting matchmaking worker manager...",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Activity registry drives input validation ---
	reg, err := registry.LoadRegistry(cfg.Registry.Path)
	if err != nil {
		zapLog.Fatal("activity registry load failed", zap.Error(err))
	}
	validator, err := validation.NewValidator(reg)
	if err != nil {
		zapLog.Fatal("input schemas failed to compile", zap.Error(err))
	}

	// --- Zeebe ---
	var zeebe *camunda.Client
	err = retryWithBackoff(func() error {
		var err error
		zeebe, err = camunda.NewClientWithConfig(camunda.ConfigFrom(cfg.Camunda))
		return err
	}, 10, 2*time.Second, zapLog, "Zeebe client initialization")
	if err != nil {
		zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
	}
	defer zeebe.Close()
	zapLog.Info("Zeebe client connected successfully")

	// --- PostgreSQL ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		if pg == nil {
			if pg, err = database.NewPostgres(cfg.Database.Postgres); err != nil {
				return err
			}
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return pg.Ping(pingCtx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	checks := []dependencyCheck{
		{name: "zeebe", check: zeebe.HealthCheck},
		{name: "postgres", check: pg.Ping},
	}

	// --- Elasticsearch (search mode only) ---
	var searcher sc.CandidateSearcher
	if len(cfg.Database.Elasticsearch.GetAddresses()) > 0 {
		var esClient *database.ElasticsearchClient
		err = retryWithBackoff(func() error {
			var err error
			if esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch); err != nil {
				return err
			}
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return esClient.Ping(pingCtx)
		}, 5, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Warn("elasticsearch unavailable, search mode falls back to all profiles", zap.Error(err))
		} else {
			searcher = store.NewCandidateSearch(esClient.Client, cfg.Matching.SearchIndex, log)
			checks = append(checks, dependencyCheck{name: "elasticsearch", check: esClient.Ping})
			zapLog.Info("Elasticsearch connected successfully")
		}
	}

	// --- Redis (shared score cache tier) ---
	var rdb *redis.Client
	if cfg.Matching.RedisCacheEnabled {
		rc := database.NewRedis(cfg.Database.Redis)
		err = retryWithBackoff(func() error {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return rc.Ping(pingCtx)
		}, 10, 2*time.Second, zapLog, "Redis connection")
		if err != nil {
			zapLog.Fatal("redis failed after retries", zap.Error(err))
		}
		defer rc.Close()
		rdb = rc.Client
		checks = append(checks, dependencyCheck{name: "redis", check: rc.Ping})
		zapLog.Info("Redis connected successfully")
	}

	// --- Matching engine ---
	cache, local := buildScoreCache(cfg.Matching, rdb, log)
	go local.RunJanitor(ctx, config.GetDuration(cfg.Matching.CacheSweepInterval))

	var (
		embedder  matching.EmbeddingProvider
		breakerFn func() string
	)
	if cfg.APIs.GenAI.BaseURL != "" {
		client := embedding.NewClient(embedding.ConfigFrom(cfg.APIs.GenAI), log)
		embedder = client
		breakerFn = client.State
	} else {
		zapLog.Warn("no embedding provider configured, bio similarity is neutral")
	}

	engine := matching.NewEngine(matching.Options{
		Geocoder:    buildGeocoder(cfg.Matching.Geocoder, pg.DB, log),
		Embedder:    embedder,
		Cache:       cache,
		Concurrency: cfg.Matching.Concurrency,
		Logger:      log,
	})
	profiles := store.NewProfileStore(pg.DB, log)

	// --- Workers ---
	var workers []*camunda.Worker
	start := func(taskType string, enabled bool, maxJobs int, timeout time.Duration, h camunda.JobHandler) {
		if !enabled {
			zapLog.Info("worker disabled", zap.String("taskType", taskType))
			return
		}
		w, err := camunda.StartWorker(zeebe.GetClient(), camunda.WorkerOptions{
			TaskType:      taskType,
			MaxJobsActive: maxJobs,
			Timeout:       timeout,
			Handler:       h,
			Logger:        log,
			Observability: obs,
		})
		if err != nil {
			zapLog.Fatal("failed to start worker", zap.String("taskType", taskType), zap.Error(err))
		}
		workers = append(workers, w)
	}

	cmsCfg := cms.LoadConfig(cfg)
	mustValidate(zapLog, cms.TaskType, cmsCfg.Validate())
	start(cms.TaskType, cmsCfg.Enabled, cmsCfg.MaxJobsActive, cmsCfg.Timeout,
		cms.NewHandler(cmsCfg, profiles, engine, validator, log))

	scCfg := sc.LoadConfig(cfg)
	mustValidate(zapLog, sc.TaskType, scCfg.Validate())
	scHandler, err := sc.NewHandler(sc.HandlerOptions{
		Config:        scCfg,
		Profiles:      profiles,
		Search:        searcher,
		Engine:        engine,
		Validator:     validator,
		Observability: obs,
		Logger:        log,
	})
	if err != nil {
		zapLog.Fatal("failed to create score-candidates handler", zap.Error(err))
	}
	start(sc.TaskType, scCfg.Enabled, scCfg.MaxJobsActive, scCfg.Timeout, scHandler)

	gpeCfg := gpe.LoadConfig(cfg)
	mustValidate(zapLog, gpe.TaskType, gpeCfg.Validate())
	embedHandler := gpe.NewHandler(gpeCfg, profiles, engine, validator, log)
	start(gpe.TaskType, gpeCfg.Enabled && embedder != nil, gpeCfg.MaxJobsActive, gpeCfg.Timeout, embedHandler)

	ipCfg := ip.LoadConfig(cfg)
	mustValidate(zapLog, ip.TaskType, ipCfg.Validate())
	var refresher ip.EmbeddingRefresher
	if embedder != nil {
		refresher = embedHandler
	}
	start(ip.TaskType, ipCfg.Enabled, ipCfg.MaxJobsActive, ipCfg.Timeout,
		ip.NewHandler(ipCfg, engine, refresher, validator, log))

	zapLog.Info("Matching workers registered", zap.Int("count", len(workers)))

	// --- Health & Metrics Server ---
	health := &healthServer{
		checks:  checks,
		breaker: breakerFn,
		version: cfg.App.Version,
	}
	health.register(http.DefaultServeMux)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		zapLog.Info("Health/Metrics server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLog.Error("Health/Metrics server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	<-ctx.Done()
	zapLog.Info("Shutdown signal received, stopping workers...")

	for _, w := range workers {
		w.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error stopping health server", zap.Error(err))
	}

	zapLog.Info("Worker manager stopped gracefully")
}

func mustValidate(log *zap.Logger, taskType string, err error) {
	if err != nil {
		log.Fatal("invalid worker configuration", zap.String("taskType", taskType), zap.Error(err))
	}
}

// buildScoreCache returns the engine cache and its in-process tier. With a
// Redis client the two are layered and the in-process tier keeps entries for
// at most LocalCacheTTL, which bounds how long another replica's invalidation
// takes to be seen here. Without Redis the memory cache serves alone.
func buildScoreCache(cfg config.MatchingConfig, rdb *redis.Client, log logger.Logger) (matching.ScoreCache, *scorecache.MemoryCache) {
	ttl := config.GetDuration(cfg.CacheTTL)
	localTTL := ttl
	if rdb != nil && cfg.LocalCacheTTL > 0 && config.GetDuration(cfg.LocalCacheTTL) < ttl {
		localTTL = config.GetDuration(cfg.LocalCacheTTL)
	}
	local := scorecache.NewMemoryCache(scorecache.MemoryOptions{
		TTL:        localTTL,
		MaxEntries: cfg.CacheMaxEntries,
		Logger:     log,
	})
	if rdb == nil {
		return local, local
	}
	return scorecache.NewTieredCache(local, scorecache.NewRedisCache(rdb, ttl)), local
}

func buildGeocoder(cfg config.GeocoderConfig, db *sql.DB, log logger.Logger) geo.Geocoder {
	if cfg.Source == "postgres" {
		return geo.NewCachingGeocoder(geo.NewPostgresGeocoder(db, log), geo.CacheOptions{
			MaxEntries: cfg.CacheMaxEntries,
			MissTTL:    config.GetDuration(cfg.MissTTL),
		})
	}
	points := make(map[string]geo.Point, len(cfg.PostalCodes))
	for code, c := range cfg.PostalCodes {
		points[code] = geo.Point{Lat: c.Lat, Lng: c.Lng}
	}
	return geo.NewStaticGeocoder(points)
}
