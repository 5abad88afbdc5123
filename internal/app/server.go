package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/student/negotiatord/internal/agents/promptkit"
	"github.com/student/negotiatord/internal/apikey"
	"github.com/student/negotiatord/internal/circuitbreaker"
	"github.com/student/negotiatord/internal/health"
	"github.com/student/negotiatord/internal/httpapi"
	"github.com/student/negotiatord/internal/idempotency"
	"github.com/student/negotiatord/internal/logging"
	"github.com/student/negotiatord/internal/metrics"
	"github.com/student/negotiatord/internal/providers"
	"github.com/student/negotiatord/internal/providers/lmstudio"
	"github.com/student/negotiatord/internal/providers/openrouter"
	"github.com/student/negotiatord/internal/ratelimit"
	"github.com/student/negotiatord/internal/recovery"
	"github.com/student/negotiatord/internal/runs"
	"github.com/student/negotiatord/internal/stats"
	"github.com/student/negotiatord/internal/store"
	"github.com/student/negotiatord/internal/tracing"
	"github.com/student/negotiatord/internal/vault"
)

// Server owns every process-wide dependency negotiatord needs: the HTTP
// router, the run manager, and the background loops that keep the SQLite
// store and API keys tidy. The Temporal recovery worker (internal/recovery)
// is optional — nil whenever cfg.TemporalEnabled is false — and Close()
// stops it alongside everything else.
type Server struct {
	cfg Config

	r *chi.Mux

	vault            *vault.Vault
	runs             *runs.RunManager
	store            store.Store
	logger           *slog.Logger
	prober           *health.Prober // nil when no registered provider is Probeable
	rateLimiter      *ratelimit.Limiter
	idempotencyCache *idempotency.Cache
	otelShutdown     func(context.Context) error // nil when OTel disabled
	recovery         *recovery.Manager            // nil when Temporal is disabled

	stopLogPrune chan struct{}
	stopRotation chan struct{}
	apiKeyMgr    *apikey.Manager

	httpServer *http.Server // set via SetHTTPServer; used by Close() to drain in-flight requests
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	otelShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("otel setup: %w", err)
	}
	if cfg.OTelEnabled {
		logger.Info("opentelemetry tracing enabled",
			slog.String("endpoint", cfg.OTelEndpoint),
			slog.String("service", cfg.OTelServiceName),
		)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	if cfg.OTelEnabled {
		r.Use(tracing.Middleware())
	}
	corsOrigins := cfg.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	m := metrics.New()

	rl := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimitedTotal))

	v, err := vault.New(cfg.VaultEnabled)
	if err != nil {
		return nil, err
	}

	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	if salt, data, err := db.LoadVaultBlob(context.Background()); err == nil && salt != nil {
		v.SetSalt(salt)
		logger.Info("restored vault salt from database")
		if data != nil {
			_ = v.Import(data)
			logger.Info("restored vault credentials", slog.Int("keys", len(data)))
		}
	}

	// Auto-unlock vault from environment if NEGOTIATOR_VAULT_PASSWORD is set.
	// This allows headless/automated deployments to skip interactive unlock.
	if cfg.VaultPassword != "" && cfg.VaultEnabled {
		logger.Warn("NEGOTIATOR_VAULT_PASSWORD is set: vault password is visible in the process environment — prefer a secrets manager or encrypted secret store in production")
		if err := v.Unlock([]byte(cfg.VaultPassword)); err != nil {
			logger.Error("failed to auto-unlock vault from NEGOTIATOR_VAULT_PASSWORD", slog.String("error", err.Error()))
		} else {
			logger.Info("vault auto-unlocked from NEGOTIATOR_VAULT_PASSWORD")
			if salt := v.Salt(); salt != nil {
				if err := db.SaveVaultBlob(context.Background(), salt, v.Export()); err != nil {
					logger.Warn("failed to persist vault blob after auto-unlock", slog.String("error", err.Error()))
				}
			}
		}
	}

	ht := health.NewTracker(health.DefaultConfig(), health.WithOnStateChange(func(providerID string, old, new health.State, reason string) {
		logger.Info("provider health state changed",
			slog.String("provider", providerID),
			slog.String("from", string(old)),
			slog.String("to", string(new)),
			slog.String("reason", reason),
		)
	}))

	sc := stats.NewCollector()
	timeout := time.Duration(cfg.ProviderTimeoutMs) * time.Millisecond
	retry := providers.RetryPolicy{MaxRetries: cfg.ProviderMaxRetries, BaseDelay: time.Duration(cfg.ProviderBaseDelayMs) * time.Millisecond}
	cb := circuitbreaker.New(
		circuitbreaker.WithThreshold(3),
		circuitbreaker.WithCooldown(30*time.Second),
		circuitbreaker.WithOnStateChange(func(from, to circuitbreaker.State) {
			logger.Warn("provider circuit breaker state change",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		}),
	)

	rm := runs.NewRunManager(db, m, promptkit.New(), logger)

	// Load LLM provider credentials from the declarative credentials file
	// (~/.negotiatord/credentials by default). This is the bootstrapping
	// path for configuring lmstudio/openrouter backends without a running
	// admin API; the vault, when unlocked, holds each backend's API key.
	probeTargets := loadCredentialsFile(cfg.CredentialsFile, rm, v, db, timeout, retry, cfg, ht, cb, sc, logger)

	var prober *health.Prober
	if len(probeTargets) > 0 {
		prober = health.NewProber(health.DefaultProberConfig(), ht, probeTargets, logger)
		prober.Start()
		logger.Info("health prober started", slog.Int("targets", len(probeTargets)))
	} else {
		logger.Warn("NO PROVIDERS REGISTERED — configure NEGOTIATOR_CREDENTIALS_FILE, or see the README, to register an lmstudio/openrouter backend")
	}

	keyMgr := apikey.NewManager(db)

	idemCache := idempotency.New(5*time.Minute, 10000)
	logger.Info("idempotency cache initialized", slog.Duration("ttl", 5*time.Minute), slog.Int("max_entries", 10000))

	if cfg.AdminToken == "" {
		tokenBytes := make([]byte, 32)
		if _, err := rand.Read(tokenBytes); err != nil {
			return nil, fmt.Errorf("generate admin token: %w", err)
		}
		cfg.AdminToken = hex.EncodeToString(tokenBytes)
		logger.Warn("NEGOTIATOR_ADMIN_TOKEN not set — auto-generated token written to data dir")
	}
	writeStateEnv(cfg.DBDSN, cfg.AdminToken, logger)
	if len(cfg.CORSOrigins) == 0 {
		logger.Warn("NEGOTIATOR_CORS_ORIGINS not set — CORS allows all origins")
	}

	// temporalBreaker gates dispatch of durable (Temporal-backed) runs,
	// separate from cb above which gates each LLM provider's own calls:
	// Temporal itself failing (the cluster down, worker can't register)
	// is a different failure domain than one seller's backend timing out.
	temporalBreaker := circuitbreaker.New(
		circuitbreaker.WithThreshold(3),
		circuitbreaker.WithCooldown(30*time.Second),
		circuitbreaker.WithOnStateChange(func(from, to circuitbreaker.State) {
			logger.Warn("temporal circuit breaker state change",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			m.TemporalCircuitState.Set(float64(to))
		}),
	)

	// Durable runs are optional: when disabled (the default), POST /v1/runs
	// always uses RunManager.StartRun directly and nothing here touches
	// Temporal at all.
	var recoveryMgr *recovery.Manager
	if cfg.TemporalEnabled {
		acts := &recovery.Activities{Runs: rm}
		recoveryMgr, err = recovery.New(recovery.Config{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			TaskQueue: cfg.TemporalTaskQueue,
		}, acts)
		if err != nil {
			logger.Warn("temporal disabled: failed to connect", slog.String("error", err.Error()))
			recoveryMgr = nil
		} else if err := recoveryMgr.Start(); err != nil {
			logger.Warn("temporal disabled: worker failed to start", slog.String("error", err.Error()))
			recoveryMgr = nil
		} else {
			logger.Info("temporal recovery worker started", slog.String("task_queue", cfg.TemporalTaskQueue))
		}
	}
	if recoveryMgr != nil {
		m.TemporalUp.Set(1)
	} else {
		m.TemporalUp.Set(0)
	}

	s := &Server{
		cfg:              cfg,
		r:                r,
		vault:            v,
		runs:             rm,
		store:            db,
		logger:           logger,
		prober:           prober,
		rateLimiter:      rl,
		idempotencyCache: idemCache,
		otelShutdown:     otelShutdown,
		stopLogPrune:     make(chan struct{}),
		stopRotation:     make(chan struct{}),
		apiKeyMgr:        keyMgr,
		recovery:         recoveryMgr,
	}

	go s.logPruneLoop()
	go s.rotationEnforceLoop()

	deps := httpapi.Dependencies{
		Runs:    rm,
		Store:   db,
		Health:  ht,
		Metrics: m,
		Stats:   sc,
		Vault:   v,

		APIKeyMgr:        keyMgr,
		AdminToken:       cfg.AdminToken,
		IdempotencyCache: idemCache,
		RateLimiter:      rl,

		CircuitBreaker: temporalBreaker,

		DefaultMaxRounds:            cfg.DefaultMaxRounds,
		DefaultMinNegotiationRounds: cfg.DefaultMinNegotiationRounds,
		DefaultConcurrencyLimit:     cfg.DefaultParallelSellerLimit,
	}
	if recoveryMgr != nil {
		deps.TemporalClient = recoveryMgr.Client()
		deps.TemporalTaskQueue = recoveryMgr.TaskQueue()
	}

	httpapi.MountRoutes(r, deps)

	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

// SetHTTPServer registers the HTTP server so that Close() can drain in-flight
// requests via http.Server.Shutdown before releasing other resources.
func (s *Server) SetHTTPServer(srv *http.Server) {
	s.httpServer = srv
}

// Reload applies hot-reloadable configuration parameters at runtime without
// restarting the server: rate limiter settings and the log level.
func (s *Server) Reload(cfg Config) {
	s.rateLimiter.UpdateLimits(cfg.RateLimitRPS, cfg.RateLimitBurst)
	logging.SetLevel(cfg.LogLevel)
	s.cfg = cfg
	s.logger.Info("configuration reloaded",
		slog.Int("rate_limit_rps", cfg.RateLimitRPS),
		slog.Int("rate_limit_burst", cfg.RateLimitBurst),
		slog.String("log_level", cfg.LogLevel),
	)
}

func (s *Server) Close() error {
	if s.httpServer != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer drainCancel()
		if err := s.httpServer.Shutdown(drainCtx); err != nil {
			s.logger.Warn("HTTP drain error", slog.String("error", err.Error()))
		}
	}

	close(s.stopLogPrune)
	close(s.stopRotation)
	if s.prober != nil {
		s.prober.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.idempotencyCache != nil {
		s.idempotencyCache.Stop()
	}
	if s.recovery != nil {
		s.recovery.Stop()
	}
	if s.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.otelShutdown(ctx); err != nil {
			s.logger.Warn("otel shutdown error", slog.String("error", err.Error()))
		}
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// logPruneLoop periodically deletes old rows from the run transcript and
// audit log tables. Runs every 6 hours with a 90-day retention window.
func (s *Server) logPruneLoop() {
	const retention = 90 * 24 * time.Hour
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			deleted, err := s.store.PruneOldLogs(ctx, retention)
			cancel()
			if err != nil {
				s.logger.Warn("log prune failed", slog.String("error", err.Error()))
			} else if deleted > 0 {
				s.logger.Info("old logs pruned", slog.Int64("deleted", deleted))
			}
		case <-s.stopLogPrune:
			return
		}
	}
}

// rotationEnforceLoop periodically checks for API keys that have exceeded
// their rotation period and disables them.
func (s *Server) rotationEnforceLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			count, err := s.apiKeyMgr.EnforceRotation(ctx, s.logger)
			cancel()
			if err != nil {
				s.logger.Warn("key rotation enforcement failed", slog.String("error", err.Error()))
			} else if count > 0 {
				s.logger.Info("keys disabled for rotation overdue", slog.Int("count", count))
			}
		case <-s.stopRotation:
			return
		}
	}
}

// newBackendProvider wraps a raw lmstudio/openrouter backend with the
// cross-cutting HTTPProvider concerns every adapter gets: retry, reasoning
// suppression, circuit breaking, health tracking, and stats recording.
func newBackendProvider(backend providers.Backend, cfg Config, retry providers.RetryPolicy, timeout time.Duration, cb *circuitbreaker.Breaker, ht *health.Tracker, sc *stats.Collector) *providers.HTTPProvider {
	return providers.NewHTTPProvider(backend,
		providers.WithTimeout(timeout),
		providers.WithRetryPolicy(retry),
		providers.WithReasoningSuppression(cfg.ReasoningSuppression),
		providers.WithCircuitBreaker(cb),
		providers.WithHealthTracker(ht),
		providers.WithStatsCollector(sc),
	)
}

func newRawBackend(provType, id, apiKey, baseURL, model string) (providers.Backend, error) {
	switch provType {
	case "lmstudio", "":
		return lmstudio.New(id, baseURL, model), nil
	case "openrouter":
		return openrouter.New(id, apiKey, baseURL, model), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", provType)
	}
}

// loadCredentialsFile reads a JSON credentials file (default
// ~/.negotiatord/credentials), registers one negotiation provider per entry
// with rm, and returns the Probeable adapters so the caller can wire a
// health prober. API keys are stored in the vault (when unlocked) under
// "provider:"+id+":api_key", matching the convention the rest of the
// package uses to persist and later restore them across restarts.
//
// The file must be owner-readable only (mode 0600 or 0400). It is
// idempotent: re-reading it on every restart simply re-registers the same
// providers.
func loadCredentialsFile(path string, rm *runs.RunManager, v *vault.Vault, db store.Store, timeout time.Duration, retry providers.RetryPolicy, cfg Config, ht *health.Tracker, cb *circuitbreaker.Breaker, sc *stats.Collector, logger *slog.Logger) []health.Probeable {
	if path == "" {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		logger.Warn("credentials file stat error", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		logger.Warn("credentials file has insecure permissions, skipping",
			slog.String("path", path),
			slog.String("mode", fmt.Sprintf("%04o", mode)),
			slog.String("required", "0600 or stricter"),
		)
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("failed to read credentials file", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}

	type credProvider struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		BaseURL string `json:"base_url"`
		Model   string `json:"model"`
		APIKey  string `json:"api_key"`
		Enabled *bool  `json:"enabled"` // nil = true
	}
	type credFile struct {
		Providers []credProvider `json:"providers"`
	}

	var creds credFile
	if err := json.Unmarshal(data, &creds); err != nil {
		logger.Warn("failed to parse credentials file", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}

	ctx := context.Background()
	var targets []health.Probeable
	registered := 0
	for _, p := range creds.Providers {
		if p.ID == "" || p.BaseURL == "" {
			logger.Warn("skipping credentials provider: id and base_url required", slog.String("id", p.ID))
			continue
		}
		if p.Enabled != nil && !*p.Enabled {
			continue
		}

		if p.APIKey != "" && v != nil && !v.IsLocked() {
			if err := v.Set("provider:"+p.ID+":api_key", p.APIKey); err != nil {
				logger.Warn("failed to store API key in vault", slog.String("provider", p.ID), slog.String("error", err.Error()))
			}
		}

		backend, err := newRawBackend(p.Type, p.ID, p.APIKey, p.BaseURL, p.Model)
		if err != nil {
			logger.Warn("skipping credentials provider: unknown type", slog.String("provider", p.ID), slog.String("type", p.Type))
			continue
		}
		hp := newBackendProvider(backend, cfg, retry, timeout, cb, ht, sc)
		rm.RegisterProvider(p.ID, hp)
		targets = append(targets, hp)
		registered++
		logger.Info("registered provider from credentials file", slog.String("provider", p.ID), slog.String("type", p.Type), slog.String("base_url", p.BaseURL))
	}

	if v != nil && !v.IsLocked() && db != nil {
		if salt := v.Salt(); salt != nil {
			if err := db.SaveVaultBlob(ctx, salt, v.Export()); err != nil {
				logger.Warn("failed to persist vault after credentials load", slog.String("error", err.Error()))
			}
		}
	}

	if registered > 0 {
		logger.Info("loaded credentials file", slog.String("path", path), slog.Int("providers", registered))
	}
	return targets
}

// writeStateEnv writes startup state as key=value pairs next to the
// database, so an operator (or a CLI helper) can retrieve the admin token
// without parsing logs.
func writeStateEnv(dbDSN, token string, logger *slog.Logger) {
	dsn := strings.TrimPrefix(dbDSN, "file:")
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	if dsn == "" || dsn == ":memory:" {
		return
	}
	dir := filepath.Dir(dsn)
	envContent := []byte("NEGOTIATOR_ADMIN_TOKEN=" + token + "\n")
	if err := os.WriteFile(filepath.Join(dir, "env"), envContent, 0600); err != nil {
		logger.Warn("failed to write state env file", slog.String("error", err.Error()))
	}
}
