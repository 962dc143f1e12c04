// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the HTTP front door of the moderation platform. It
// generates chatbot replies, routes every one of them through the
// moderation engine before delivery, and exposes the admin rule API, the
// audit log read API, health, and Prometheus metrics.
package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"modgate/platform/audit"
	"modgate/platform/audit/archive"
	"modgate/platform/chatbot"
	"modgate/platform/detectors"
	"modgate/platform/moderation"
	"modgate/platform/rules"
)

const (
	serviceName    = "modgate-gateway"
	serviceVersion = "1.0.0"
)

// Service-wide collaborators, wired once in Run. Handlers read them
// concurrently after appReady flips; tests set them directly.
var (
	gatewayConfig *Config
	ruleStore     rules.Store
	ruleCache     *rules.SnapshotCache
	engine        *moderation.Engine
	provider      chatbot.Provider
	auditQueue    *audit.Queue
	sessions      *sessionStore
	auditDB       *sql.DB // read side of the postgres audit backend, nil otherwise
)

// Application readiness state for health checks. The health endpoint
// responds immediately while initialization happens.
var appReady atomic.Bool

// Global router and server - allows health checks to pass immediately
// while initialization happens.
var (
	globalRouter *mux.Router
	globalCORS   *cors.Cors
)

// initServerImmediately starts the HTTP server with just the /health
// endpoint so load balancer health checks pass during the potentially slow
// initialization phase (database connections, schema setup, Redis). Other
// routes are added after initialization completes; the server never shuts
// down, so there is no transition gap.
func initServerImmediately(port string, origins []string) {
	globalRouter = mux.NewRouter()

	globalCORS = cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	globalRouter.HandleFunc("/health", readinessAwareHealthHandler).Methods("GET")

	go func() {
		handler := globalCORS.Handler(globalRouter)
		log.Printf("🚀 ModGate gateway starting on port %s (status: starting)", port)
		if err := http.ListenAndServe(":"+port, handler); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Small delay to ensure the listener is accepting connections.
	time.Sleep(50 * time.Millisecond)
	log.Println("✅ Health endpoint ready - initialization can proceed safely")
}

// readinessAwareHealthHandler returns health status based on initialization state.
func readinessAwareHealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := "starting"
	if appReady.Load() {
		status = "healthy"
	}
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"service":   serviceName,
		"timestamp": time.Now().UTC(),
		"version":   serviceVersion,
	}); err != nil {
		log.Printf("Error encoding health response: %v", err)
	}
}

// Run is the exported entry point for the gateway service. It blocks
// forever; fatal initialization failures exit the process.
func Run() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("❌ Configuration error: %v", err)
	}
	gatewayConfig = cfg
	setJWTSecret(cfg.JWTSecret)
	if cfg.JWTSecret == "" {
		log.Println("⚠️  MODGATE_JWT_SECRET not set - admin API requests will be rejected")
	}

	// Start serving /health before anything slow happens.
	initServerImmediately(cfg.Port, cfg.CORSOrigins)

	ctx := context.Background()

	// Rule store.
	db, driver, err := openRuleDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	store, err := rules.NewSQLStore(db, driver)
	if err != nil {
		log.Fatalf("❌ Failed to build rule store: %v", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("❌ Failed to ensure rule schema: %v", err)
	}
	ruleStore = store

	if cfg.SeedDefaults {
		n, err := rules.SeedDefaults(ctx, store)
		if err != nil {
			log.Printf("⚠️  Failed to seed default rules: %v", err)
		} else if n > 0 {
			log.Printf("✅ Seeded %d default moderation rules", n)
		}
	}

	// Snapshot cache. A failed initial load is not fatal: the cache serves
	// the empty set (allow all) and keeps retrying in the background.
	ruleCache = rules.NewSnapshotCache(store, cfg.RuleRefresh)
	if err := ruleCache.Refresh(ctx); err != nil {
		log.Printf("⚠️  Initial rule load failed, serving empty rule set until refresh succeeds: %v", err)
	} else {
		log.Printf("✅ Rule snapshot loaded (%d active rules, refresh every %s)", len(ruleCache.Current().Rules), cfg.RuleRefresh)
	}
	go ruleCache.Start(ctx)

	// Audit pipeline. A missing backend degrades to the local spool file;
	// moderation never waits on audit persistence.
	writer, err := audit.NewWriter(ctx, cfg.AuditDSN)
	if err != nil {
		log.Printf("⚠️  Audit backend unavailable, spooling records locally: %v", err)
		writer = nil
	}
	queue, err := audit.NewQueue(writer, cfg.AuditQueueSize, cfg.AuditWorkers, cfg.AuditSpoolPath)
	if err != nil {
		log.Fatalf("❌ Failed to start audit queue: %v", err)
	}
	auditQueue = queue
	if n, err := queue.RecoverSpool(ctx); err != nil {
		log.Printf("⚠️  Audit spool recovery failed: %v", err)
	} else if n > 0 {
		log.Printf("✅ Recovered %d spooled audit records", n)
	}

	if cfg.ArchiveTarget != "" {
		uploader, prefix, err := archive.NewUploader(ctx, cfg.ArchiveTarget)
		if err != nil {
			log.Printf("⚠️  Audit archive disabled: %v", err)
		} else {
			go archive.NewRotator(queue, uploader, cfg.AuditSpoolPath, prefix, cfg.ArchiveInterval).Start(ctx)
			log.Printf("✅ Audit archive shipping to %s every %s", cfg.ArchiveTarget, cfg.ArchiveInterval)
		}
	}

	auditDB = openAuditReadDB(db, driver, cfg)

	// Toxicity scorer, optionally fronted by the Redis score cache.
	var scorer detectors.ToxicityScorer = detectors.NewRuleScorer()
	if cfg.RedisAddr != "" {
		cached, err := detectors.NewCachedScorer(ctx, scorer, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Printf("⚠️  Toxicity score cache unavailable, scoring directly: %v", err)
		} else {
			scorer = cached
			log.Printf("✅ Toxicity score cache connected (%s)", cfg.RedisAddr)
		}
	}

	engine = moderation.NewEngine(moderation.Config{
		Cache:              ruleCache,
		Scorer:             scorer,
		Sink:               queue,
		Fallbacks:          cfg.Fallbacks,
		ToxicityFailClosed: cfg.ToxicityFailClosed,
	})

	provider = chatbot.FromEnv(ctx)
	log.Printf("✅ Chatbot provider: %s", provider.Name())

	// Session persistence is postgres-only; the gateway works without it.
	if cfg.SessionsEnabled && driver == rules.DriverPostgres {
		s := newSessionStore(db, cfg.HistoryLimit)
		if err := s.ensureSchema(ctx); err != nil {
			log.Printf("⚠️  Session persistence disabled: %v", err)
		} else {
			sessions = s
			log.Printf("✅ Session persistence enabled (history limit %d)", cfg.HistoryLimit)
		}
	}

	registerRoutes(globalRouter)

	// Mark application as ready - /health will now return "healthy".
	appReady.Store(true)
	log.Println("✅ All initialization complete - application ready")
	log.Printf("🚀 ModGate gateway fully operational on port %s", cfg.Port)

	// Block forever - the server is running in its goroutine.
	select {}
}

// openRuleDB connects to the rule database with retry. The driver is
// selected by DSN scheme: mysql:// selects the MySQL driver (the rest of
// the DSN must be in go-sql-driver format), anything else is postgres.
// Retry is needed because container DNS can take a few seconds to resolve
// the database host after startup.
func openRuleDB(dsn string) (*sql.DB, string, error) {
	driver := rules.DriverPostgres
	openDSN := dsn
	if strings.HasPrefix(dsn, "mysql://") {
		driver = rules.DriverMySQL
		openDSN = strings.TrimPrefix(dsn, "mysql://")
	}

	const maxRetries = 5
	var (
		db  *sql.DB
		err error
	)
	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, err = sql.Open(driver, openDSN)
		if err == nil {
			if err = db.Ping(); err == nil {
				log.Printf("✅ Connected to %s database (attempt %d/%d)", driver, attempt, maxRetries)
				db.SetMaxOpenConns(25)
				db.SetMaxIdleConns(5)
				db.SetConnMaxLifetime(5 * time.Minute)
				return db, driver, nil
			}
		}
		if attempt < maxRetries {
			backoff := time.Duration(attempt*2) * time.Second
			log.Printf("⚠️  Database connection failed (attempt %d/%d): %v", attempt, maxRetries, err)
			log.Printf("   Retrying in %v...", backoff)
			time.Sleep(backoff)
		}
	}
	return nil, "", fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
}

// openAuditReadDB returns the SQL handle the admin audit endpoints read
// from. Non-postgres audit backends have no SQL read side; those
// deployments get a 503 from the audit endpoints instead.
func openAuditReadDB(ruleDB *sql.DB, driver string, cfg *Config) *sql.DB {
	if !strings.HasPrefix(cfg.AuditDSN, "postgres://") && !strings.HasPrefix(cfg.AuditDSN, "postgresql://") {
		log.Println("ℹ️  Audit log admin endpoints require the postgres audit backend")
		return nil
	}
	if cfg.AuditDSN == cfg.DatabaseURL && driver == rules.DriverPostgres {
		return ruleDB
	}
	db, err := sql.Open("postgres", cfg.AuditDSN)
	if err != nil {
		log.Printf("⚠️  Audit read connection unavailable: %v", err)
		return nil
	}
	return db
}

// registerRoutes adds all routes except /health, which is registered
// before initialization starts.
func registerRoutes(r *mux.Router) {
	r.Use(requestLogging)

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/", rootHandler).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/chat", chatHandler).Methods("POST")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(requireServiceToken)
	admin.HandleFunc("/rules", listRulesHandler).Methods("GET")
	admin.HandleFunc("/rules", createRuleHandler).Methods("POST")
	admin.HandleFunc("/rules/{id:[0-9]+}", getRuleHandler).Methods("GET")
	admin.HandleFunc("/rules/{id:[0-9]+}", updateRuleHandler).Methods("PUT")
	admin.HandleFunc("/rules/{id:[0-9]+}", deleteRuleHandler).Methods("DELETE")
	admin.HandleFunc("/audit-logs", listAuditLogsHandler).Methods("GET")
	admin.HandleFunc("/audit-logs/{request_id}", getAuditLogHandler).Methods("GET")
	admin.HandleFunc("/stats", statsHandler).Methods("GET")

	log.Println("✅ Gateway endpoints registered: /api/v1/chat, /api/v1/admin/*, /metrics")
}
