package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultHTTPAddr     = ":8080"
	defaultMetricsAddr  = ":9090"
	defaultSyncInterval = 15 * time.Minute

	defaultRequestsPerMinute = 1800
	defaultGrantWorkers      = 8

	defaultUserBatchMax     = 75
	defaultUserBatchMin     = 15
	defaultAppBatchMax      = 50
	defaultAppBatchMin      = 10
	defaultEdgeBatchMax     = 50
	defaultEdgeBatchMin     = 15
	defaultInterBatchDelay  = 150 * time.Millisecond
	defaultJobStaleAfter    = 30 * time.Minute
	defaultMaxTokensInRun   = 50000
	defaultMaxAppsInRun     = 5000
	defaultMaxEdgesInRun    = 100000
	defaultCleanupEdgeBatch = 200
	defaultCleanupUserBatch = 50
	defaultCleanupInterval  = 24 * time.Hour
)

// Config carries all runtime settings, loaded from the environment.
type Config struct {
	DatabaseURL string
	HTTPAddr    string
	MetricsAddr string

	// InternalBaseURL is the self-address used for pipeline stage hand-off
	// calls. Empty means stages run in-process.
	InternalBaseURL string

	SyncInterval  time.Duration
	JobStaleAfter time.Duration

	RequestsPerMinute int
	GrantWorkers      int

	UserBatchMax    int
	UserBatchMin    int
	AppBatchMax     int
	AppBatchMin     int
	EdgeBatchMax    int
	EdgeBatchMin    int
	InterBatchDelay time.Duration

	MaxTokensInRun int
	MaxAppsInRun   int
	MaxEdgesInRun  int

	CleanupInterval      time.Duration
	CleanupEdgeBatch     int
	CleanupUserBatch     int
	CleanupSafetyRatio   float64
	SuspiciousMinUsers   int
	SuspiciousOrgRatio   float64
	SuspiciousSampleSize int
	SuspiciousLegitRatio float64

	GoogleClientID     string
	GoogleClientSecret string
	MSTenantID         string
	MSClientID         string
	MSClientSecret     string
}

// LoadOptions controls which settings are mandatory.
type LoadOptions struct {
	RequireDatabaseURL bool
}

func Load() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: true})
}

func LoadOptionalDB() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: false})
}

func LoadWithOptions(opts LoadOptions) (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, err
		}
	}

	cfg := Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		HTTPAddr:        getenvDefault("HTTP_ADDR", defaultHTTPAddr),
		MetricsAddr:     getenvDefault("METRICS_ADDR", defaultMetricsAddr),
		InternalBaseURL: strings.TrimRight(strings.TrimSpace(os.Getenv("INTERNAL_BASE_URL")), "/"),

		SyncInterval:  getenvDurationDefault("SYNC_INTERVAL", defaultSyncInterval),
		JobStaleAfter: getenvDurationDefault("SYNC_JOB_STALE_AFTER", defaultJobStaleAfter),

		RequestsPerMinute: getenvIntDefault("API_REQUESTS_PER_MINUTE", defaultRequestsPerMinute),
		GrantWorkers:      getenvIntDefault("SYNC_GRANT_WORKERS", defaultGrantWorkers),

		UserBatchMax:    getenvIntDefault("SYNC_USER_BATCH_MAX", defaultUserBatchMax),
		UserBatchMin:    getenvIntDefault("SYNC_USER_BATCH_MIN", defaultUserBatchMin),
		AppBatchMax:     getenvIntDefault("SYNC_APP_BATCH_MAX", defaultAppBatchMax),
		AppBatchMin:     getenvIntDefault("SYNC_APP_BATCH_MIN", defaultAppBatchMin),
		EdgeBatchMax:    getenvIntDefault("SYNC_EDGE_BATCH_MAX", defaultEdgeBatchMax),
		EdgeBatchMin:    getenvIntDefault("SYNC_EDGE_BATCH_MIN", defaultEdgeBatchMin),
		InterBatchDelay: getenvDurationDefault("SYNC_INTER_BATCH_DELAY", defaultInterBatchDelay),

		MaxTokensInRun: getenvIntDefault("SYNC_MAX_TOKENS", defaultMaxTokensInRun),
		MaxAppsInRun:   getenvIntDefault("SYNC_MAX_APPS", defaultMaxAppsInRun),
		MaxEdgesInRun:  getenvIntDefault("SYNC_MAX_EDGES", defaultMaxEdgesInRun),

		CleanupInterval:      getenvDurationDefault("CLEANUP_INTERVAL", defaultCleanupInterval),
		CleanupEdgeBatch:     getenvIntDefault("CLEANUP_EDGE_BATCH", defaultCleanupEdgeBatch),
		CleanupUserBatch:     getenvIntDefault("CLEANUP_USER_BATCH", defaultCleanupUserBatch),
		CleanupSafetyRatio:   getenvFloatDefault("CLEANUP_SAFETY_RATIO", 0.9),
		SuspiciousMinUsers:   getenvIntDefault("SUSPICIOUS_MIN_USERS", 20),
		SuspiciousOrgRatio:   getenvFloatDefault("SUSPICIOUS_ORG_RATIO", 0.5),
		SuspiciousSampleSize: getenvIntDefault("SUSPICIOUS_SAMPLE_SIZE", 5),
		SuspiciousLegitRatio: getenvFloatDefault("SUSPICIOUS_LEGIT_RATIO", 0.3),

		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		MSTenantID:         os.Getenv("MS_TENANT_ID"),
		MSClientID:         os.Getenv("MS_CLIENT_ID"),
		MSClientSecret:     os.Getenv("MS_CLIENT_SECRET"),
	}

	if opts.RequireDatabaseURL && cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func getenvFloatDefault(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 || f > 1 {
		return def
	}
	return f
}

func getenvDurationDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
