// Package httpapi mounts negotiatord's JSON API: run creation/inspection
// under /v1, and key/vault/health administration under /admin/v1.
package httpapi

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.temporal.io/sdk/client"

	"github.com/student/negotiatord/internal/apikey"
	"github.com/student/negotiatord/internal/circuitbreaker"
	"github.com/student/negotiatord/internal/health"
	"github.com/student/negotiatord/internal/idempotency"
	"github.com/student/negotiatord/internal/metrics"
	"github.com/student/negotiatord/internal/ratelimit"
	"github.com/student/negotiatord/internal/runs"
	"github.com/student/negotiatord/internal/stats"
	"github.com/student/negotiatord/internal/store"
	"github.com/student/negotiatord/internal/vault"
)

// Dependencies bundles everything MountRoutes's handlers read from. Fields
// are nilable: internal/app wires only the subsystems its config enables
// (vault, rate limiter, idempotency cache, and the Temporal recovery layer
// are all optional), and those optional fields are checked for nil before
// use. Runs and Store are used without a nil check, and MountRoutes calls
// Metrics.Handler() unconditionally.
type Dependencies struct {
	Runs    *runs.RunManager
	Store   store.Store
	Health  *health.Tracker
	Metrics *metrics.Registry
	Stats   *stats.Collector
	Vault   *vault.Vault

	// API key management (nil if not configured).
	APIKeyMgr *apikey.Manager

	// Admin endpoint bearer token (empty = admin surface unauthenticated,
	// only sane behind a trusted network boundary).
	AdminToken string

	// Idempotency cache for POST /v1/runs (nil = idempotency disabled).
	IdempotencyCache *idempotency.Cache

	// Rate limiter applied to the /v1 group (nil = no rate limiting).
	RateLimiter *ratelimit.Limiter

	// Temporal recovery layer (nil client = Temporal disabled; runs start
	// directly via Runs.StartRun instead of through a workflow).
	TemporalClient    client.Client
	TemporalTaskQueue string
	CircuitBreaker    *circuitbreaker.Breaker

	// Defaults applied to a CreateRunRequest's unset fields.
	DefaultMaxRounds            int
	DefaultMinNegotiationRounds int
	DefaultConcurrencyLimit     int
}

// maxRequestBodySize bounds POST/PUT/PATCH bodies at 1 MB; a negotiation
// run request (buyer constraints plus a handful of seller inventories) is
// small, so this is generous headroom rather than a tight fit.
const maxRequestBodySize = 1 << 20

// bodySizeLimit wraps the request body with http.MaxBytesReader so an
// oversized payload fails fast instead of exhausting memory in json.Decode.
func bodySizeLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MountRoutes wires every negotiatord endpoint onto r. Middleware on the
// /v1 group runs body-size-limit, then rate-limit, then idempotency, then
// auth, in that order: idempotency must see the raw replay before auth
// decides whether this particular caller may make the call, and auth must
// run last so a cached idempotent replay never re-validates a key that
// has since been revoked.
func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(bodySizeLimit(maxRequestBodySize))
		if d.RateLimiter != nil {
			r.Use(d.RateLimiter.Middleware)
		}
		if d.IdempotencyCache != nil {
			r.Use(idempotency.Middleware(d.IdempotencyCache))
		}
		if d.APIKeyMgr != nil {
			r.Use(apikey.AuthMiddleware(d.APIKeyMgr))
		}
		r.Post("/runs", CreateRunHandler(d))
		r.Get("/runs/{id}", GetRunHandler(d))
		r.Post("/runs/{id}/cancel", CancelRunHandler(d))
		r.Get("/runs/{id}/events", RunEventsHandler(d))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(bodySizeLimit(maxRequestBodySize))
		if d.AdminToken != "" {
			r.Use(adminAuthMiddleware(d.AdminToken))
		}

		r.Get("/runs", ListRunsHandler(d))

		r.Post("/apikeys", APIKeysCreateHandler(d))
		r.Get("/apikeys", APIKeysListHandler(d))
		r.Post("/apikeys/{id}/rotate", APIKeysRotateHandler(d))
		r.Delete("/apikeys/{id}", APIKeysDeleteHandler(d))

		r.Post("/vault/unlock", VaultUnlockHandler(d))
		r.Post("/vault/lock", VaultLockHandler(d))
		r.Post("/vault/rotate", VaultRotateHandler(d))

		r.Get("/health", HealthStatsHandler(d))
		r.Get("/stats", StatsHandler(d))
		r.Get("/audit", AuditLogsHandler(d))
	})

	r.Handle("/metrics", d.Metrics.Handler())
}

// adminAuthMiddleware checks for a valid bearer token on admin endpoints,
// comparing in constant time so response latency can't leak how many
// prefix bytes matched.
func adminAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				slog.Warn("admin auth: missing token", slog.String("path", r.URL.Path))
				http.Error(w, "missing admin token", http.StatusUnauthorized)
				return
			}
			provided := strings.TrimPrefix(auth, "Bearer ")
			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				slog.Warn("admin auth: invalid token", slog.String("path", r.URL.Path))
				http.Error(w, "invalid admin token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
