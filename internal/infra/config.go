package infra

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Job store backends selectable through JOB_STORE.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	JobStore    string
	DatabaseURL string
	SQLitePath  string
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	ProviderBaseURL         string
	ProviderEmail           string
	ProviderPassword        string
	ProviderTokenTTL        time.Duration
	ProviderTokenSkew       time.Duration
	ProviderLoginTimeout    time.Duration
	ProviderSubmitTimeout   time.Duration
	ProviderPollTimeout     time.Duration
	ProviderIdempotencyKeys bool
	SubmitMaxRetries        int
	SubmitBackoffInitial    time.Duration
	SourceHostAllowlist     []string

	CORSAllowedOrigins []string
	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
	RateLimitPerMin    int

	RefreshInterval    time.Duration
	RefreshBatchSize   int
	RefreshConcurrency int
	RefreshStaleAfter  time.Duration
	RefreshPerSecond   float64
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		JobStore:    strings.ToLower(getEnv("JOB_STORE", StorePostgres)),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getEnv("SQLITE_PATH", "./data/genjobs.db"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTIssuer:   strings.TrimSpace(os.Getenv("JWT_ISSUER")),
		JWTAudience: strings.TrimSpace(os.Getenv("JWT_AUDIENCE")),

		ProviderBaseURL:         strings.TrimRight(strings.TrimSpace(os.Getenv("PROVIDER_BASE_URL")), "/"),
		ProviderEmail:           strings.TrimSpace(os.Getenv("PROVIDER_EMAIL")),
		ProviderPassword:        os.Getenv("PROVIDER_PASSWORD"),
		ProviderTokenTTL:        time.Second * time.Duration(getEnvInt("PROVIDER_TOKEN_TTL_SECONDS", 3600)),
		ProviderTokenSkew:       time.Second * time.Duration(getEnvInt("PROVIDER_TOKEN_SKEW_SECONDS", 30)),
		ProviderLoginTimeout:    time.Second * time.Duration(getEnvInt("PROVIDER_LOGIN_TIMEOUT_SECONDS", 10)),
		ProviderSubmitTimeout:   time.Second * time.Duration(getEnvInt("PROVIDER_SUBMIT_TIMEOUT_SECONDS", 60)),
		ProviderPollTimeout:     time.Second * time.Duration(getEnvInt("PROVIDER_POLL_TIMEOUT_SECONDS", 15)),
		ProviderIdempotencyKeys: getEnvBool("PROVIDER_IDEMPOTENCY_KEYS", false),
		SubmitMaxRetries:        getEnvInt("SUBMIT_MAX_RETRIES", 2),
		SubmitBackoffInitial:    time.Millisecond * time.Duration(getEnvInt("SUBMIT_BACKOFF_INITIAL_MS", 500)),
		SourceHostAllowlist:     splitList(os.Getenv("SOURCE_HOST_ALLOWLIST")),

		CORSAllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 90)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 30),

		RefreshInterval:    time.Second * time.Duration(getEnvInt("REFRESH_INTERVAL_SECONDS", 15)),
		RefreshBatchSize:   getEnvInt("REFRESH_BATCH_SIZE", 50),
		RefreshConcurrency: getEnvInt("REFRESH_CONCURRENCY", 4),
		RefreshStaleAfter:  time.Second * time.Duration(getEnvInt("REFRESH_STALE_AFTER_SECONDS", 30)),
		RefreshPerSecond:   float64(getEnvInt("REFRESH_PER_SECOND", 5)),
	}

	switch cfg.JobStore {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
	case StoreSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return nil, fmt.Errorf("SQLITE_PATH is required")
		}
	case StoreMemory:
	default:
		return nil, fmt.Errorf("unsupported JOB_STORE %q", cfg.JobStore)
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if cfg.ProviderBaseURL == "" {
		return nil, fmt.Errorf("PROVIDER_BASE_URL is required")
	}
	if u, err := url.Parse(cfg.ProviderBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("PROVIDER_BASE_URL must be an absolute URL")
	}

	if cfg.SubmitMaxRetries < 0 {
		cfg.SubmitMaxRetries = 0
	}
	// Without provider-side idempotency a retried submission may create a
	// duplicate job, so only a single retry is allowed.
	if !cfg.ProviderIdempotencyKeys && cfg.SubmitMaxRetries > 1 {
		cfg.SubmitMaxRetries = 1
	}
	if cfg.ProviderTokenSkew >= cfg.ProviderTokenTTL {
		cfg.ProviderTokenSkew = cfg.ProviderTokenTTL / 10
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(raw string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, part := range strings.Split(raw, ",") {
		item := strings.ToLower(strings.TrimSpace(part))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}
