/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, carried into every log line
  2. Logger:     Request logging through logrus (logging.go)
  3. Recoverer:  Panic recovery, logged with the stack (500 instead of crash)
  4. Metrics:    Prometheus request counter and latency (metrics.go)
  5. CORS:       Cross-origin requests for the document layer UI

ROUTE GROUPS:
  /api/ops              Ledger writes
  /api/stores/*         Reports and point balances
  /api/balances         Snapshot of every chain
  /api/audit/*          Consistency checks
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, log *logrus.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(log))
	r.Use(recoverer(log))
	r.Use(metricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", metricsHandler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/ops", h.RecordOps)

		// Report routes
		r.Route("/stores/{store}", func(r chi.Router) {
			r.Get("/report", h.GetStorageReport)
			r.Get("/goods/{goods}/report", h.GetGoodsReport)
			r.Get("/goods/{goods}/balance", h.GetChainBalance)
		})
		r.Get("/balances", h.GetBalances)

		// Audit routes
		r.Route("/audit", func(r chi.Router) {
			r.Get("/", h.RunAudit)
			r.Get("/last", h.GetLastAudit)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
