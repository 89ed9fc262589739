package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBReadyTimeout    time.Duration

	// Instagram
	InstagramAppID       string
	InstagramAppSecret   string
	InstagramRedirectURL string
	InstagramAPIBaseURL  string
	InstagramAPIVersion  string
	InstagramLocale      string

	// API Client
	TokenSafetyMargin     time.Duration
	APIMaxAttempts        int
	APIMaxRetryWait       time.Duration
	APICallTimeout        time.Duration
	GraphCallsPerHour     int
	PublishPerHour        int
	APIPaceRate           float64
	APIPaceBurst          int
	ImagePreflight        bool
	ImagePreflightTimeout time.Duration

	// Scheduler
	SchedulerEnabled     bool
	RefreshCadence       string
	RefreshWindow        time.Duration
	RefreshConcurrency   int
	RateLimitCadence     string
	MetricsSyncCadence   string
	MetricsLookback      time.Duration
	MetricsConcurrency   int
	CleanupCadence       string
	MetricsRetentionDays int

	// Rate Limit（管理API）
	RateLimitGeneral int
	RateLimitPublish int

	// Admin
	AdminUserIDs []string

	// Logging
	LogLevel string

	// Server
	ServerPort      string
	BaseURL         string
	ShutdownTimeout time.Duration

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む。既に設定済みの環境変数は上書きしない。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.InstagramAppID = os.Getenv("INSTAGRAM_APP_ID")
	if cfg.InstagramAppID == "" {
		missing = append(missing, "INSTAGRAM_APP_ID")
	}

	cfg.InstagramAppSecret = os.Getenv("INSTAGRAM_APP_SECRET")
	if cfg.InstagramAppSecret == "" {
		missing = append(missing, "INSTAGRAM_APP_SECRET")
	}

	cfg.InstagramRedirectURL = os.Getenv("INSTAGRAM_REDIRECT_URL")
	if cfg.InstagramRedirectURL == "" {
		missing = append(missing, "INSTAGRAM_REDIRECT_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.DBReadyTimeout = getEnvDuration("DB_READY_TIMEOUT", 30*time.Second)

	cfg.InstagramAPIBaseURL = getEnvString("INSTAGRAM_API_BASE_URL", "")
	cfg.InstagramAPIVersion = getEnvString("INSTAGRAM_API_VERSION", "v21.0")
	cfg.InstagramLocale = getEnvString("INSTAGRAM_LOCALE", "ja")

	cfg.TokenSafetyMargin = getEnvDuration("TOKEN_SAFETY_MARGIN", 10*time.Minute)
	cfg.APIMaxAttempts = getEnvInt("API_MAX_ATTEMPTS", 3)
	cfg.APIMaxRetryWait = getEnvDuration("API_MAX_RETRY_WAIT", 2*time.Minute)
	cfg.APICallTimeout = getEnvDuration("API_CALL_TIMEOUT", 30*time.Second)
	cfg.GraphCallsPerHour = getEnvInt("GRAPH_CALLS_PER_HOUR", 200)
	cfg.PublishPerHour = getEnvInt("PUBLISH_PER_HOUR", 25)
	cfg.APIPaceRate = getEnvFloat("API_PACE_RATE", 2)
	cfg.APIPaceBurst = getEnvInt("API_PACE_BURST", 5)
	cfg.ImagePreflight = getEnvBool("IMAGE_PREFLIGHT", true)
	cfg.ImagePreflightTimeout = getEnvDuration("IMAGE_PREFLIGHT_TIMEOUT", 10*time.Second)

	cfg.SchedulerEnabled = getEnvBool("SCHEDULER_ENABLED", false)
	cfg.RefreshCadence = getEnvString("REFRESH_CADENCE", "@daily")
	cfg.RefreshWindow = getEnvDuration("REFRESH_WINDOW", 7*24*time.Hour)
	cfg.RefreshConcurrency = getEnvInt("REFRESH_CONCURRENCY", 4)
	cfg.RateLimitCadence = getEnvString("RATE_LIMIT_RESET_CADENCE", "@hourly")
	cfg.MetricsSyncCadence = getEnvString("METRICS_SYNC_CADENCE", "@every 6h")
	cfg.MetricsLookback = getEnvDuration("METRICS_LOOKBACK", 30*24*time.Hour)
	cfg.MetricsConcurrency = getEnvInt("METRICS_CONCURRENCY", 4)
	cfg.CleanupCadence = getEnvString("CLEANUP_CADENCE", "@daily")
	cfg.MetricsRetentionDays = getEnvInt("METRICS_RETENTION_DAYS", 90)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitPublish = getEnvInt("RATE_LIMIT_PUBLISH", 10)
	cfg.AdminUserIDs = getEnvList("ADMIN_USER_IDS")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:8080")
	cfg.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second)
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
