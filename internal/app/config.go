package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config is the process-wide configuration for negotiatord, assembled from
// environment variables at startup. Field names mirror the NEGOTIATOR_*
// keys documented alongside it.
type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN string

	VaultEnabled  bool
	VaultPassword string // auto-unlock vault at startup if set

	// Negotiation defaults, overridable per RunSpec at creation time.
	DefaultMaxRounds           int
	DefaultMinNegotiationRounds int
	DefaultParallelSellerLimit int
	DefaultSeed                int64
	DefaultTemperature         float64
	DefaultMaxTokens           int
	ReasoningSuppression       bool

	ProviderTimeoutMs    int
	ProviderMaxRetries   int
	ProviderBaseDelayMs  int

	// Security & hardening.
	AdminToken     string   // required for /admin/v1 access in production
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per IP
	RateLimitBurst int      // burst capacity per IP

	// OpenTelemetry tracing (opt-in).
	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string

	// Temporal workflow engine, backing the durable run workflow.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string

	// External credentials file, holding provider API keys the vault
	// unlocks at startup.
	CredentialsFile string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("NEGOTIATOR_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("NEGOTIATOR_LOG_LEVEL", "info"),
		DBDSN:      getEnv("NEGOTIATOR_DB_DSN", "file:/data/negotiatord.sqlite"),

		VaultEnabled:  getEnvBool("NEGOTIATOR_VAULT_ENABLED", true),
		VaultPassword: getEnv("NEGOTIATOR_VAULT_PASSWORD", ""),

		DefaultMaxRounds:            getEnvInt("NEGOTIATOR_MAX_NEGOTIATION_ROUNDS", 10),
		DefaultMinNegotiationRounds: getEnvInt("NEGOTIATOR_MIN_NEGOTIATION_ROUNDS", 2),
		DefaultParallelSellerLimit:  getEnvInt("NEGOTIATOR_PARALLEL_SELLER_LIMIT", 1),
		DefaultSeed:                 int64(getEnvInt("NEGOTIATOR_SEED", 0)),
		DefaultTemperature:          getEnvFloat("NEGOTIATOR_TEMPERATURE", 0.7),
		DefaultMaxTokens:            getEnvInt("NEGOTIATOR_MAX_TOKENS", 256),
		ReasoningSuppression:        getEnvBool("NEGOTIATOR_REASONING_SUPPRESSION", true),

		ProviderTimeoutMs:   getEnvInt("NEGOTIATOR_PROVIDER_TIMEOUT_MS", 30000),
		ProviderMaxRetries:  getEnvInt("NEGOTIATOR_PROVIDER_MAX_RETRIES", 3),
		ProviderBaseDelayMs: getEnvInt("NEGOTIATOR_PROVIDER_BASE_DELAY_MS", 500),

		AdminToken:     getEnv("NEGOTIATOR_ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("NEGOTIATOR_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("NEGOTIATOR_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("NEGOTIATOR_RATE_LIMIT_BURST", 120),

		OTelEnabled:     getEnvBool("NEGOTIATOR_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("NEGOTIATOR_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("NEGOTIATOR_OTEL_SERVICE_NAME", "negotiatord"),

		TemporalEnabled:   getEnvBool("NEGOTIATOR_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("NEGOTIATOR_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("NEGOTIATOR_TEMPORAL_NAMESPACE", "negotiatord"),
		TemporalTaskQueue: getEnv("NEGOTIATOR_TEMPORAL_TASK_QUEUE", "negotiatord-runs"),

		CredentialsFile: getEnv("NEGOTIATOR_CREDENTIALS_FILE", defaultCredentialsPath()),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("NEGOTIATOR_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("NEGOTIATOR_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ProviderTimeoutMs <= 0 {
		return fmt.Errorf("NEGOTIATOR_PROVIDER_TIMEOUT_MS must be > 0, got %d", c.ProviderTimeoutMs)
	}
	if c.ProviderMaxRetries < 0 {
		return fmt.Errorf("NEGOTIATOR_PROVIDER_MAX_RETRIES must be >= 0, got %d", c.ProviderMaxRetries)
	}
	if c.DefaultMaxRounds <= 0 {
		return fmt.Errorf("NEGOTIATOR_MAX_NEGOTIATION_ROUNDS must be > 0, got %d", c.DefaultMaxRounds)
	}
	if c.DefaultMinNegotiationRounds < 0 || c.DefaultMinNegotiationRounds > c.DefaultMaxRounds {
		return fmt.Errorf("NEGOTIATOR_MIN_NEGOTIATION_ROUNDS must be in [0, %d], got %d", c.DefaultMaxRounds, c.DefaultMinNegotiationRounds)
	}
	if c.DefaultParallelSellerLimit <= 0 {
		return fmt.Errorf("NEGOTIATOR_PARALLEL_SELLER_LIMIT must be > 0, got %d", c.DefaultParallelSellerLimit)
	}
	if c.DefaultMaxTokens <= 0 {
		return fmt.Errorf("NEGOTIATOR_MAX_TOKENS must be > 0, got %d", c.DefaultMaxTokens)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}

func defaultCredentialsPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".negotiatord", "credentials")
	}
	return ""
}
