/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the inventory ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present), parse flags
  2. Configure logging
  3. Initialize the KV backend (SQLite, or in-memory with -memory)
  4. Create the ledger, API handler and audit scheduler
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS (environment fallback in brackets):
  -addr            HTTP listen address [LEDGER_ADDR] (default: :8080)
  -db              SQLite database path [LEDGER_DB] (default: ledger.db)
                   Use ":memory:" for an in-memory SQLite database
  -memory          Use the pure-Go in-memory backend instead of SQLite
  -audit-interval  Background audit interval, 0 disables [LEDGER_AUDIT_INTERVAL]
                   (default: 1h)
  -page-size       Records loaded per propagation page [LEDGER_PAGE_SIZE]
  -seed            Demo scenario to load on an empty start [LEDGER_SEED]

ENVIRONMENT:
  LOG_LEVEL   trace|debug|info|warn|error (default: info)
  LOG_FORMAT  json|text (default: json)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the audit scheduler
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/ledger.db"

  # Run in memory with the transfer demo loaded
  ./server -memory -seed=receipt-transfer

  # Run on a different address, audit every 10 minutes
  ./server -addr=:3000 -audit-interval=10m

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/warp/inventory-ledger/api"
	"github.com/warp/inventory-ledger/ledger"
	"github.com/warp/inventory-ledger/ledger/store"
	"github.com/warp/inventory-ledger/store/sqlite"
)

// backend is what the server needs from a KV store.
type backend interface {
	ledger.KV
	api.Resetter
}

func main() {
	// A missing .env is fine; flags and the real environment still apply.
	_ = godotenv.Load()

	// Flags
	addr := flag.String("addr", envString("LEDGER_ADDR", ":8080"), "HTTP listen address")
	dbPath := flag.String("db", envString("LEDGER_DB", "ledger.db"), "SQLite database path")
	inMemory := flag.Bool("memory", false, "use the in-memory backend instead of SQLite")
	auditInterval := flag.Duration("audit-interval", envDuration("LEDGER_AUDIT_INTERVAL", time.Hour), "background audit interval (0 disables)")
	pageSize := flag.Int("page-size", envInt("LEDGER_PAGE_SIZE", ledger.DefaultPageSize), "records loaded per propagation page")
	seed := flag.String("seed", envString("LEDGER_SEED", ""), "demo scenario to load at startup")
	flag.Parse()

	log := buildLoggerFromEnv()

	// Initialize store
	var kv backend
	if *inMemory {
		kv = store.NewMemory()
		log.Info("storage backend: memory")
	} else {
		s, err := sqlite.New(*dbPath)
		if err != nil {
			log.WithError(err).Fatal("failed to initialize database")
		}
		kv = s
		log.WithField("path", *dbPath).Info("storage backend: sqlite")
	}
	defer kv.Close()

	db := ledger.New(kv, ledger.WithLogger(log), ledger.WithPageSize(*pageSize))

	if *seed != "" {
		if err := api.LoadScenarioInto(context.Background(), db, *seed); err != nil {
			log.WithError(err).WithField("scenario", *seed).Warn("failed to load seed scenario")
		} else {
			log.WithField("scenario", *seed).Info("seed scenario loaded")
		}
	}

	// Background audit
	auditor := api.NewAuditScheduler(db, log)
	auditor.CheckInterval = *auditInterval
	auditor.Enabled = *auditInterval > 0
	auditor.Start()

	// Initialize handler
	handler := api.NewHandler(db, kv, log)
	handler.Auditor = auditor

	// Create router
	router := api.NewRouter(handler, log)

	// Create server
	server := &http.Server{
		Addr:              *addr,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("ledger server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		log.WithError(err).Error("server failed")
	}

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
	auditor.Stop()

	log.Info("server stopped")
}

// buildLoggerFromEnv reads LOG_LEVEL and LOG_FORMAT.
func buildLoggerFromEnv() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(envString("LOG_LEVEL", "info"))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	switch strings.ToLower(envString("LOG_FORMAT", "json")) {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(envString(key, ""))
	if err != nil {
		return def
	}
	return d
}

func envInt(key string, def int) int {
	n, err := strconv.Atoi(envString(key, ""))
	if err != nil {
		return def
	}
	return n
}
