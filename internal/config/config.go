package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend selects the persistence implementation.
type Backend string

const (
	BackendSupabase Backend = "supabase"
	BackendPostgres Backend = "postgres"
	BackendMemory   Backend = "memory"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Persistence
	Backend                Backend
	SupabaseURL            string
	SupabaseAnonKey        string
	SupabaseServiceRoleKey string
	StorageBucket          string
	DatabaseURL            string
	DBMaxConns             int

	// Auth
	SupabaseJWTSecret string

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Caches
	AdminCacheTTL time.Duration
	SessionTTL    time.Duration

	// Idempotency (empty RedisAddr keeps claims in process)
	RedisAddr      string
	RedisPassword  string
	IdempotencyTTL time.Duration

	// Onboarding
	VerificationPollInterval time.Duration
	MaxUploadBytes           int64
	ConsentSigning           string
	ConsentSigningKey        string

	// Observability
	OTLPEndpoint string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		Backend:                Backend(strings.ToLower(getEnv("BACKEND", string(BackendSupabase)))),
		SupabaseURL:            getEnv("SUPABASE_URL", ""),
		SupabaseAnonKey:        getEnv("SUPABASE_ANON_KEY", ""),
		SupabaseServiceRoleKey: getEnv("SUPABASE_SERVICE_ROLE_KEY", ""),
		StorageBucket:          getEnv("STORAGE_BUCKET", "onboarding-documents"),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		DBMaxConns:             getEnvInt("DB_MAX_CONNS", 10),

		SupabaseJWTSecret: getEnv("SUPABASE_JWT_SECRET", ""),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 50),

		AdminCacheTTL: getEnvDuration("ADMIN_CACHE_TTL", time.Minute),
		SessionTTL:    getEnvDuration("SESSION_TTL", 30*time.Minute),

		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		IdempotencyTTL: getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),

		VerificationPollInterval: getEnvDuration("VERIFICATION_POLL_INTERVAL", 10*time.Second),
		MaxUploadBytes:           int64(getEnvInt("MAX_UPLOAD_BYTES", 10<<20)),
		ConsentSigning:           getEnv("CONSENT_SIGNING", "legacy"),
		ConsentSigningKey:        getEnv("CONSENT_SIGNING_KEY", ""),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}
}

// Validate reports the first setting the selected backend cannot run without.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSupabase:
		if c.SupabaseURL == "" || c.SupabaseServiceRoleKey == "" {
			return fmt.Errorf("BACKEND=supabase requires SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("BACKEND=postgres requires DATABASE_URL")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown BACKEND %q", c.Backend)
	}
	if c.Backend != BackendMemory && c.SupabaseJWTSecret == "" {
		return fmt.Errorf("SUPABASE_JWT_SECRET is required")
	}
	if c.VerificationPollInterval < time.Second {
		return fmt.Errorf("VERIFICATION_POLL_INTERVAL must be at least 1s")
	}
	return nil
}

// UsesObjectStorage reports whether document uploads can reach a bucket.
func (c *Config) UsesObjectStorage() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceRoleKey != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
