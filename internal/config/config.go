// Package config loads annotator settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends selectable with ANNOTATOR_STORE.
const (
	StoreMemory  = "memory"
	StoreFile    = "file"
	StoreRedis   = "redis"
	StoreSurreal = "surreal"
)

// Config holds all configuration values.
type Config struct {
	// HTTP server
	ListenAddr string
	ServerURL  string

	// Persistence
	Store    string
	StoreDir string

	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Redis connection
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Providers
	OpenAIAPIKey    string
	AnthropicAPIKey string
	OllamaHost      string
	OllamaModel     string
	AWSRegion       string
	DefaultProvider string
	PricingFile     string

	// Item sources
	SourceDir  string
	SourceFile string

	// Cache
	CacheTTL           time.Duration
	CacheNamespaceTTLs map[string]time.Duration
	CacheSweepInterval time.Duration

	// Orchestrator
	MaxConcurrentBatches int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	RetentionDays        int
	RetentionInterval    time.Duration
	EventBuffer          int

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
// Malformed numbers and durations fall back to their defaults.
func Load() Config {
	return Config{
		ListenAddr: getEnv("ANNOTATOR_LISTEN_ADDR", ":8484"),
		ServerURL:  getEnv("ANNOTATOR_SERVER_URL", "http://localhost:8484"),

		Store:    strings.ToLower(getEnv("ANNOTATOR_STORE", StoreMemory)),
		StoreDir: getEnv("ANNOTATOR_STORE_DIR", "./data"),

		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "annotator"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "batches"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OllamaHost:      getEnv("OLLAMA_HOST", ""),
		OllamaModel:     getEnv("ANNOTATOR_OLLAMA_MODEL", "llama3.2"),
		AWSRegion:       getEnv("AWS_REGION", ""),
		DefaultProvider: getEnv("ANNOTATOR_DEFAULT_PROVIDER", ""),
		PricingFile:     getEnv("ANNOTATOR_PRICING_FILE", ""),

		SourceDir:  getEnv("ANNOTATOR_SOURCE_DIR", ""),
		SourceFile: getEnv("ANNOTATOR_SOURCE_FILE", ""),

		CacheTTL:           getEnvDuration("ANNOTATOR_CACHE_TTL", 5*time.Minute),
		CacheNamespaceTTLs: parseNamespaceTTLs(getEnv("ANNOTATOR_CACHE_NAMESPACE_TTLS", "")),
		CacheSweepInterval: getEnvDuration("ANNOTATOR_CACHE_SWEEP_INTERVAL", time.Minute),

		MaxConcurrentBatches: getEnvInt("ANNOTATOR_MAX_CONCURRENT_BATCHES", 2),
		BackoffBase:          getEnvDuration("ANNOTATOR_BACKOFF_BASE", 200*time.Millisecond),
		BackoffMax:           getEnvDuration("ANNOTATOR_BACKOFF_MAX", 5*time.Second),
		RetentionDays:        getEnvInt("ANNOTATOR_RETENTION_DAYS", 30),
		RetentionInterval:    getEnvDuration("ANNOTATOR_RETENTION_INTERVAL", time.Hour),
		EventBuffer:          getEnvInt("ANNOTATOR_EVENT_BUFFER", 256),

		LogFile:  getEnv("ANNOTATOR_LOG_FILE", "/tmp/annotator.log"),
		LogLevel: parseLogLevel(getEnv("ANNOTATOR_LOG_LEVEL", "INFO")),
	}
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreFile, StoreRedis, StoreSurreal:
	default:
		return fmt.Errorf("unknown store %q (want memory, file, redis or surreal)", c.Store)
	}
	if c.Store == StoreFile && c.StoreDir == "" {
		return fmt.Errorf("ANNOTATOR_STORE_DIR is required for the file store")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("ANNOTATOR_RETENTION_DAYS must not be negative")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return d
}

// parseNamespaceTTLs reads "annotate=10m,export=1h". Malformed pairs are skipped.
func parseNamespaceTTLs(s string) map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, pair := range strings.Split(s, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil || d <= 0 {
			continue
		}
		out[strings.TrimSpace(name)] = d
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
