// Package api wires together all HTTP routes for the hub backend.
//
// The whole surface is a read API: plugin listings, plugin detail documents,
// the category vocabulary, and activity timelines. Every write in the system
// happens inside the background pipeline (update job, activity job), so no
// route here mutates state and none requires authentication. The router also
// owns construction and lifecycle of those background jobs, returned to the
// caller as BackgroundServices for graceful shutdown.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/napari-hub/hub-backend/internal/activity"
	"github.com/napari-hub/hub-backend/internal/aggregator"
	apiplugins "github.com/napari-hub/hub-backend/internal/api/plugins"
	"github.com/napari-hub/hub-backend/internal/cache"
	"github.com/napari-hub/hub-backend/internal/categories"
	"github.com/napari-hub/hub-backend/internal/config"
	"github.com/napari-hub/hub-backend/internal/db/models"
	"github.com/napari-hub/hub-backend/internal/db/repositories"
	"github.com/napari-hub/hub-backend/internal/discovery"
	"github.com/napari-hub/hub-backend/internal/index"
	"github.com/napari-hub/hub-backend/internal/jobs"
	"github.com/napari-hub/hub-backend/internal/manifest"
	"github.com/napari-hub/hub-backend/internal/middleware"
	"github.com/napari-hub/hub-backend/internal/notify"
	"github.com/napari-hub/hub-backend/internal/scm"
	"github.com/napari-hub/hub-backend/internal/services"
	"github.com/napari-hub/hub-backend/internal/storage"

	// Import storage backends to register them
	_ "github.com/napari-hub/hub-backend/internal/storage/azure"
	_ "github.com/napari-hub/hub-backend/internal/storage/gcs"
	_ "github.com/napari-hub/hub-backend/internal/storage/local"
	_ "github.com/napari-hub/hub-backend/internal/storage/s3"
)

const (
	defaultUpdateInterval   = 30 * time.Minute
	defaultActivityInterval = time.Hour
	defaultTimelineMonths   = 12
)

// BackgroundServices holds references to background jobs and resources that
// must be stopped during graceful shutdown. The caller (cmd/server) is
// responsible for calling Shutdown() when the process receives a termination
// signal.
type BackgroundServices struct {
	updateJob   *jobs.PluginUpdateJob
	activityJob *jobs.ActivityAggregationJob
	trigger     *discovery.Trigger
	warehouse   *activity.Warehouse
	cache       cache.Cache
}

// Shutdown stops all background goroutines and closes shared connections. It
// should be called after the HTTP server has been shut down so that in-flight
// requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.updateJob != nil {
		bg.updateJob.Stop()
	}
	if bg.activityJob != nil {
		bg.activityJob.Stop()
	}
	if bg.trigger != nil {
		bg.trigger.Close()
	}
	if bg.warehouse != nil {
		bg.warehouse.Close()
	}
	if bg.cache != nil {
		bg.cache.Close()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates the Gin router, wires the aggregation pipeline, and
// starts the background jobs.
func NewRouter(cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices, error) {
	router := gin.New()

	storageBackend, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	slog.Info("initialized storage backend", "backend", cfg.Storage.DefaultBackend)

	sqlxDB := sqlx.NewDb(db, "postgres")
	pluginRepo := repositories.NewPluginRepository(sqlxDB)
	fragmentRepo := repositories.NewFragmentRepository(sqlxDB)
	blocklistRepo := repositories.NewBlocklistRepository(sqlxDB)
	categoryRepo := repositories.NewCategoryRepository(sqlxDB)
	activityRepo := repositories.NewActivityRepository(sqlxDB)
	runRepo := repositories.NewRunRepository(sqlxDB)

	// External clients and pipeline services.
	indexClient := index.NewClient(&cfg.Index)
	scmClient := scm.NewClient(&cfg.GitHub)
	resolver := categories.NewResolver(categoryRepo, cfg.Categories.Version)
	enricher := services.NewEnricher(indexClient, scmClient, resolver)
	manifestStore := manifest.NewStore(storageBackend)
	trigger := discovery.NewTrigger(&cfg.Redis)
	notifier := notify.New(&cfg.Notifications)
	responseCache := cache.NewFromConfig(&cfg.Redis)
	agg := aggregator.New(fragmentRepo, pluginRepo, blocklistRepo)

	if cfg.Jobs.SeedCategoriesOnStart && cfg.Categories.SourceFile != "" {
		seeder := categories.NewSeeder(categoryRepo, cfg.Categories.Version, cfg.Categories.SourceFile)
		seeded, err := seeder.Seed(context.Background())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to seed category vocabulary: %w", err)
		}
		slog.Info("seeded category vocabulary", "rows", seeded, "version", cfg.Categories.Version)
	}

	warehouse, err := activity.NewWarehouse(&cfg.Analytics)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open analytics warehouse: %w", err)
	}
	timeline := activity.NewTimelineService(activityRepo)

	// Background jobs: index polling and activity aggregation.
	updateJob := jobs.NewPluginUpdateJob(
		indexClient, fragmentRepo, enricher, manifestStore, trigger,
		scmClient, notifier, agg, runRepo, responseCache, cfg.Jobs.UpdateWorkers,
	)
	updateInterval := cfg.Jobs.UpdateInterval
	if updateInterval <= 0 {
		updateInterval = defaultUpdateInterval
	}
	updateJob.Start(context.Background(), updateInterval)

	activityJob := jobs.NewActivityAggregationJob(warehouse, activityRepo, runRepo, cfg.Jobs.ActivityMonths)
	activityInterval := cfg.Jobs.ActivityInterval
	if activityInterval <= 0 {
		activityInterval = defaultActivityInterval
	}
	activityJob.Start(context.Background(), activityInterval)

	// Middleware chain.
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))
	if cfg.Security.RateLimiting.Enabled && cfg.Redis.Address != "" {
		limiter := middleware.NewRateLimiter(cfg.Security.RateLimiting, redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}))
		router.Use(middleware.RateLimitMiddleware(limiter))
	}

	// System endpoints.
	router.GET("/health", healthCheckHandler(db, runRepo))
	router.GET("/ready", readinessHandler(db, storageBackend))
	router.GET("/version", versionHandler())

	// Public read API.
	router.GET("/plugins", apiplugins.ListHandler(pluginRepo, responseCache))
	router.GET("/plugins/:name", apiplugins.GetLatestHandler(pluginRepo, timeline, responseCache))
	router.GET("/plugins/:name/versions", apiplugins.ListVersionsHandler(pluginRepo))
	router.GET("/plugins/:name/versions/:version", apiplugins.GetVersionHandler(pluginRepo))
	router.GET("/categories", listCategoriesHandler(categoryRepo, cfg.Categories.Version))
	router.GET("/activity/:name/timeline", timelineHandler(timeline))

	bg := &BackgroundServices{
		updateJob:   updateJob,
		activityJob: activityJob,
		trigger:     trigger,
		warehouse:   warehouse,
		cache:       responseCache,
	}
	return router, bg, nil
}

// categoryLister reads the seeded vocabulary.
type categoryLister interface {
	ListAll(ctx context.Context, version string) ([]models.Category, error)
}

// listCategoriesHandler serves GET /categories: every placement of the
// vocabulary version, optionally overridden with ?version=.
func listCategoriesHandler(repo categoryLister, defaultVersion string) gin.HandlerFunc {
	return func(c *gin.Context) {
		version := c.DefaultQuery("version", defaultVersion)

		rows, err := repo.ListAll(c.Request.Context(), version)
		if err != nil {
			slog.Error("failed to list categories", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list categories"})
			return
		}

		out := make([]gin.H, 0, len(rows))
		for _, row := range rows {
			out = append(out, gin.H{
				"name":      row.Name,
				"dimension": row.Dimension,
				"label":     row.Label,
				"hierarchy": row.Hierarchy,
			})
		}
		c.JSON(http.StatusOK, gin.H{"version": version, "categories": out})
	}
}

// timelineReader assembles zero-filled month windows.
type timelineReader interface {
	Timeline(ctx context.Context, name string, months int) ([]models.TimelinePoint, error)
}

// timelineHandler serves GET /activity/:name/timeline?months=N. The response
// always holds exactly N points, ending at (but excluding) the current month.
func timelineHandler(reader timelineReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := strings.ToLower(c.Param("name"))

		months := defaultTimelineMonths
		if raw := c.Query("months"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "months must be a positive integer"})
				return
			}
			months = parsed
		}

		points, err := reader.Timeline(c.Request.Context(), name, months)
		if err != nil {
			slog.Error("failed to build timeline", "plugin", name, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build timeline"})
			return
		}
		c.JSON(http.StatusOK, points)
	}
}

// runReader exposes the most recent execution of a background job.
type runReader interface {
	Latest(ctx context.Context, job string) (*models.AggregationRun, error)
}

// healthCheckHandler returns the health status of the service, including the
// most recent update cycle so operators see pipeline staleness at a glance.
func healthCheckHandler(db *sql.DB, runs runReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		resp := gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		}
		if run, err := runs.Latest(c.Request.Context(), "plugin_update"); err == nil && run != nil {
			lastRun := gin.H{
				"status":     run.Status,
				"started_at": run.StartedAt.UTC().Format(time.RFC3339),
			}
			if run.FinishedAt != nil {
				lastRun["finished_at"] = run.FinishedAt.UTC().Format(time.RFC3339)
			}
			resp["last_update_run"] = lastRun
		}
		c.JSON(http.StatusOK, resp)
	}
}

// readinessHandler returns the readiness status of the service. Unlike the
// liveness probe (/health), this also checks the manifest blob store so a
// readiness gate fails when manifest ingest would error.
func readinessHandler(db *sql.DB, storageBackend storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.Ping(); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		// Probe with a known-absent sentinel path. Exists() exercises
		// authentication and network connectivity without creating state.
		if _, err := storageBackend.Exists(c.Request.Context(), ".readiness-probe"); err != nil {
			checks["storage"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "storage backend not ready",
			})
			return
		}
		checks["storage"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version.
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     "0.1.0",
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware provides structured request logging. The output format
// follows the global slog handler installed by telemetry.SetupLogger.
func LoggerMiddleware(_ *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logRequest(c, time.Since(start), path, query)
	}
}

func logRequest(c *gin.Context, latency time.Duration, path, query string) {
	requestID, _ := c.Get(middleware.RequestIDKey)
	slog.LogAttrs(
		c.Request.Context(),
		slog.LevelInfo,
		"http request",
		slog.String("method", c.Request.Method),
		slog.String("path", path),
		slog.String("query", query),
		slog.Int("status", c.Writer.Status()),
		slog.Int("size", c.Writer.Size()),
		slog.Duration("latency", latency),
		slog.String("ip", c.ClientIP()),
		slog.String("request_id", fmt.Sprintf("%v", requestID)),
		slog.String("user_agent", c.Request.UserAgent()),
	)
}

// CORSMiddleware handles CORS for the configured frontend origins.
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	allowedMethods := strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	if allowedMethods == "" {
		allowedMethods = "GET, OPTIONS"
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Methods", allowedMethods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Requested-With")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
