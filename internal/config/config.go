package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backend selectors.
const (
	StoreFile  = "file"
	StoreRedis = "redis"
)

// Config contains runtime configuration values.
type Config struct {
	Environment       string
	ServiceName       string
	BackendBaseURL    string
	HTTPTimeout       time.Duration
	StoreBackend      string
	SessionFile       string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	PollInterval      time.Duration
	GoogleClientID    string
	GoogleSecret      string
	GoogleAuthURL     string
	GoogleTokenURL    string
	GoogleRevokeURL   string
	LoopbackPort      int
	TelemetryEndpoint string
	TelemetryInsecure bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	backendURL := strings.TrimSpace(os.Getenv("BACKEND_BASE_URL"))
	if backendURL == "" {
		return Config{}, fmt.Errorf("BACKEND_BASE_URL is required")
	}

	cfg := Config{
		Environment:       getEnv("APP_ENV", "development"),
		ServiceName:       getEnv("SERVICE_NAME", "smallbiznis-session"),
		BackendBaseURL:    strings.TrimRight(backendURL, "/"),
		HTTPTimeout:       getDuration("HTTP_TIMEOUT", 10*time.Second),
		StoreBackend:      getEnv("STORE_BACKEND", StoreFile),
		SessionFile:       getEnv("SESSION_FILE", defaultSessionFile()),
		RedisAddr:         getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getInt("REDIS_DB", 0),
		PollInterval:      getDuration("POLL_INTERVAL", 10*time.Second),
		GoogleClientID:    os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleSecret:      os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleAuthURL:     getEnv("GOOGLE_AUTH_URL", "https://accounts.google.com/o/oauth2/v2/auth"),
		GoogleTokenURL:    getEnv("GOOGLE_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		GoogleRevokeURL:   getEnv("GOOGLE_REVOKE_URL", "https://oauth2.googleapis.com/revoke"),
		LoopbackPort:      getInt("LOOPBACK_PORT", 48710),
		TelemetryEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure: getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
	}

	switch cfg.StoreBackend {
	case StoreFile, StoreRedis:
	default:
		return Config{}, fmt.Errorf("STORE_BACKEND must be %q or %q", StoreFile, StoreRedis)
	}

	if cfg.PollInterval < time.Second {
		cfg.PollInterval = time.Second
	}

	return cfg, nil
}

func defaultSessionFile() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "smallbiznis", "session.json")
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}
