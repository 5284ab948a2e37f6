// Package config loads docingest configuration from the environment,
// following the same getenv-with-defaults style the rest of the codebase
// uses for every other external dependency.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds optional Axiom log-forwarding configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// ConversionConfig points at the external document-conversion service.
type ConversionConfig struct {
	BaseURL string
	Timeout time.Duration
}

// VisionConfig points at the vision-LLM chat-completions endpoint.
type VisionConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	PageTimeout time.Duration

	// MaxPages bounds how many pages a scanned PDF may have before it is
	// rejected outright, rather than run page-by-page through the vision
	// LLM at unbounded cost. 0 means unbounded.
	MaxPages int
}

// KBConfig points at the external RAG knowledge-base service.
type KBConfig struct {
	BaseURL      string
	APIKey       string
	OpTimeout    time.Duration
	PollInterval time.Duration
}

// ReportConfig points at the report-generation workflow endpoint.
type ReportConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// StorageConfig controls the raw/processed/output filesystem layout.
type StorageConfig struct {
	Root      string
	Backend   string // "local" or "s3"
	S3Bucket  string
	Encrypted bool
}

// QueueConfig defines queue connectivity and stream names.
type QueueConfig struct {
	RedisURL     string
	Stream       string
	Group        string
	PollInterval time.Duration
}

// WorkerConfig controls the ingestion worker pool.
type WorkerConfig struct {
	Concurrency    int
	JobMaxAttempts int
	RetryBaseDelay time.Duration
	RetryFactor    float64
}

// LimiterConfig controls the per-collaborator circuit breaker and
// in-process concurrency cap shared by every external HTTP client.
type LimiterConfig struct {
	RedisURL    string
	MaxInflight int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Config is the top-level docingest configuration.
type Config struct {
	Logging    LoggingConfig
	Axiom      AxiomConfig
	Conversion ConversionConfig
	Vision     VisionConfig
	KB         KBConfig
	Report     ReportConfig
	Storage    StorageConfig
	Queue      QueueConfig
	Worker     WorkerConfig
	Limiter    LimiterConfig
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/docingest.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_docingest",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.Conversion = ConversionConfig{
		BaseURL: getEnv("CONVERSION_SERVICE_URL", "http://localhost:9100"),
		Timeout: parseDuration(getEnv("CONVERSION_TIMEOUT", "5m"), 5*time.Minute),
	}

	cfg.Vision = VisionConfig{
		BaseURL:     getEnv("VISION_LLM_BASE_URL", "https://api.openai.com/v1"),
		APIKey:      getEnv("VISION_LLM_API_KEY", ""),
		Model:       getEnv("VISION_LLM_MODEL", "gpt-4o"),
		Temperature: parseFloat(getEnv("VISION_LLM_TEMPERATURE", "0.1"), 0.1),
		PageTimeout: parseDuration(getEnv("VISION_LLM_PAGE_TIMEOUT", "60s"), 60*time.Second),
		MaxPages:    parseInt(getEnv("VISION_LLM_MAX_PAGES", "200"), 200),
	}

	cfg.KB = KBConfig{
		BaseURL:      getEnv("KB_BASE_URL", "http://localhost:9200"),
		APIKey:       getEnv("KB_API_KEY", ""),
		OpTimeout:    parseDuration(getEnv("KB_OP_TIMEOUT", "30s"), 30*time.Second),
		PollInterval: parseDuration(getEnv("KB_POLL_INTERVAL", "5s"), 5*time.Second),
	}

	cfg.Report = ReportConfig{
		BaseURL: getEnv("WORKFLOW_BASE_URL", "http://localhost:9300"),
		APIKey:  getEnv("WORKFLOW_API_KEY", ""),
		Timeout: parseDuration(getEnv("WORKFLOW_TIMEOUT", "20m"), 20*time.Minute),
	}

	cfg.Storage = StorageConfig{
		Root:      getEnv("STORAGE_ROOT", "./data"),
		Backend:   getEnv("STORAGE_BACKEND", "local"),
		S3Bucket:  getEnv("AWS_S3_BUCKET", ""),
		Encrypted: parseBool(getEnv("STORAGE_ENCRYPT", "false")),
	}

	cfg.Queue = QueueConfig{
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),
		Stream:       getEnv("QUEUE_STREAM", "jobs:ingest:documents"),
		Group:        getEnv("QUEUE_GROUP", "workers:ingest"),
		PollInterval: parseDuration(getEnv("QUEUE_POLL_INTERVAL", "100ms"), 100*time.Millisecond),
	}

	cfg.Worker = WorkerConfig{
		Concurrency:    parseInt(getEnv("WORKER_CONCURRENCY", "4"), 4),
		JobMaxAttempts: parseInt(getEnv("JOB_MAX_ATTEMPTS", "3"), 3),
		RetryBaseDelay: parseDuration(getEnv("RETRY_BASE_DELAY", "2s"), 2*time.Second),
		RetryFactor:    parseFloat(getEnv("RETRY_BACKOFF_FACTOR", "2.0"), 2.0),
	}

	cfg.Limiter = LimiterConfig{
		RedisURL:    getEnv("LIMITER_REDIS_URL", cfg.Queue.RedisURL),
		MaxInflight: parseInt(getEnv("LIMITER_MAX_INFLIGHT", "4"), 4),
		BaseBackoff: parseDuration(getEnv("LIMITER_BASE_BACKOFF", "30s"), 30*time.Second),
		MaxBackoff:  parseDuration(getEnv("LIMITER_MAX_BACKOFF", "5m"), 5*time.Minute),
	}

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
