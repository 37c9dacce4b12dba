package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brightloop/kiq/internal/logger"
	"github.com/google/uuid"
)

// QueueConfig pairs a queue name with the concurrency cap its pipeline
// runs with.
type QueueConfig struct {
	Name        string
	Concurrency int
}

// Config holds all configuration for the kiq application.
type Config struct {
	// RedisURL is the connection URL for Redis.
	RedisURL string
	// RedisPoolSize is the connection pool size.
	RedisPoolSize int
	// APIPort is read from KIQ_API_PORT and must be non-empty; no
	// component of this module listens on it.
	APIPort string
	// Queues lists the queues this node runs pipelines for, with their
	// per-queue concurrency cap.
	Queues []QueueConfig
	// JobTimeout is the maximum time a job can run.
	JobTimeout time.Duration
	// DefaultRetryCap is the default maximum retry count when a job
	// specifies retry:true without an explicit cap.
	DefaultRetryCap int
	// SchedulerSets are the sorted-set names the due-set schedulers
	// migrate (default ["schedule","retry"]).
	SchedulerSets []string
	// NodeID identifies this process across restarts; defaults to
	// host:pid:<uuid-suffix>.
	NodeID string
	// Server, when false, skips the pipelines/schedulers/supervisor and
	// only exposes the Embedding API (pkg/kiq.Enqueue et al).
	Server bool
	// CronSchedulerEnabled enables the periodic cron scheduler.
	CronSchedulerEnabled bool
	// CronSchedulerInterval is the interval at which the cron scheduler
	// checks for due schedules.
	CronSchedulerInterval time.Duration
	// ResultBackendEnabled enables storing job results.
	ResultBackendEnabled bool
	// ResultBackendTTLSuccess is the TTL for successful job results.
	ResultBackendTTLSuccess time.Duration
	// ResultBackendTTLFailure is the TTL for failed job results.
	ResultBackendTTLFailure time.Duration
	// Logging configuration.
	Logging *logger.Config
}

// LoadConfig loads configuration from environment variables with
// sensible defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:                getEnv("KIQ_REDIS_URL", "redis://localhost:6379"),
		RedisPoolSize:           getEnvAsInt("KIQ_REDIS_POOL_SIZE", 10),
		APIPort:                 getEnv("KIQ_API_PORT", "8080"),
		Queues:                  loadQueueConfig(),
		JobTimeout:              getEnvAsDuration("KIQ_JOB_TIMEOUT", 5*time.Minute),
		DefaultRetryCap:         getEnvAsInt("KIQ_DEFAULT_RETRY_CAP", 25),
		SchedulerSets:           getEnvAsStringSlice("KIQ_SCHEDULER_SETS", []string{"schedule", "retry"}),
		NodeID:                  getEnv("KIQ_NODE_ID", defaultNodeID()),
		Server:                  getEnvAsBool("KIQ_SERVER", true),
		CronSchedulerEnabled:    getEnvAsBool("KIQ_CRON_SCHEDULER_ENABLED", true),
		CronSchedulerInterval:   getEnvAsDuration("KIQ_CRON_SCHEDULER_INTERVAL", 1*time.Second),
		ResultBackendEnabled:    getEnvAsBool("KIQ_RESULT_BACKEND_ENABLED", true),
		ResultBackendTTLSuccess: getEnvAsDuration("KIQ_RESULT_BACKEND_TTL_SUCCESS", 1*time.Hour),
		ResultBackendTTLFailure: getEnvAsDuration("KIQ_RESULT_BACKEND_TTL_FAILURE", 24*time.Hour),
		Logging:                 loadLoggingConfig(),
	}

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("KIQ_REDIS_URL cannot be empty")
	}
	if cfg.APIPort == "" {
		return nil, fmt.Errorf("KIQ_API_PORT cannot be empty")
	}
	if cfg.RedisPoolSize < 1 {
		return nil, fmt.Errorf("KIQ_REDIS_POOL_SIZE must be at least 1")
	}
	if cfg.DefaultRetryCap < 0 {
		return nil, fmt.Errorf("KIQ_DEFAULT_RETRY_CAP cannot be negative")
	}
	if cfg.Server && len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("at least one queue must be configured when KIQ_SERVER is enabled")
	}
	for _, q := range cfg.Queues {
		if q.Name == "" {
			return nil, fmt.Errorf("queue name cannot be empty")
		}
		if q.Concurrency < 1 {
			return nil, fmt.Errorf("queue %q concurrency must be at least 1", q.Name)
		}
	}
	if len(cfg.SchedulerSets) == 0 {
		return nil, fmt.Errorf("KIQ_SCHEDULER_SETS must contain at least one set name")
	}

	if err := cfg.Logging.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	return cfg, nil
}

// defaultNodeID derives a per-process identifier stable for the life of
// the process but unique across restarts on the same host.
func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	suffix := uuid.New().String()[:8]
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), suffix)
}

// loadQueueConfig parses KIQ_QUEUES as "name:concurrency,name:concurrency",
// e.g. "critical:10,default:5,low:2". Defaults to a single "default" queue
// with concurrency 5.
func loadQueueConfig() []QueueConfig {
	raw := getEnv("KIQ_QUEUES", "default:5")
	parts := strings.Split(raw, ",")
	queues := make([]QueueConfig, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, concStr, found := strings.Cut(part, ":")
		concurrency := 1
		if found {
			if n, err := strconv.Atoi(strings.TrimSpace(concStr)); err == nil && n > 0 {
				concurrency = n
			}
		}
		queues = append(queues, QueueConfig{Name: strings.TrimSpace(name), Concurrency: concurrency})
	}
	return queues
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value.
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration retrieves an environment variable as a duration or returns a default value.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value.
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsStringSlice retrieves an environment variable as a comma-separated list.
func getEnvAsStringSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// loadLoggingConfig loads logging configuration from environment variables.
func loadLoggingConfig() *logger.Config {
	cfg := logger.DefaultConfig()

	if level := getEnv("KIQ_LOG_LEVEL", ""); level != "" {
		cfg.Level = logger.LogLevel(level)
	}
	if format := getEnv("KIQ_LOG_FORMAT", ""); format != "" {
		cfg.Format = logger.LogFormat(format)
	}

	cfg.Console.Enabled = getEnvAsBool("KIQ_LOG_CONSOLE_ENABLED", true)
	cfg.Console.Color = getEnvAsBool("KIQ_LOG_COLOR", true)
	cfg.Console.BufferSize = getEnvAsInt("KIQ_LOG_CONSOLE_BUFFER_SIZE", 65536)
	cfg.Console.FlushInterval = getEnvAsDuration("KIQ_LOG_CONSOLE_FLUSH_INTERVAL", 100*time.Millisecond)

	cfg.File.Enabled = getEnvAsBool("KIQ_LOG_FILE_ENABLED", false)
	cfg.File.Path = getEnv("KIQ_LOG_FILE_PATH", "/var/log/kiq/kiq.log")
	cfg.File.MaxSizeMB = getEnvAsInt("KIQ_LOG_FILE_MAX_SIZE_MB", 100)
	cfg.File.MaxBackups = getEnvAsInt("KIQ_LOG_FILE_MAX_BACKUPS", 5)
	cfg.File.MaxAgeDays = getEnvAsInt("KIQ_LOG_FILE_MAX_AGE_DAYS", 30)
	cfg.File.Compress = getEnvAsBool("KIQ_LOG_FILE_COMPRESS", true)
	cfg.File.BufferSize = getEnvAsInt("KIQ_LOG_FILE_BUFFER_SIZE", 10000)
	cfg.File.BatchSize = getEnvAsInt("KIQ_LOG_FILE_BATCH_SIZE", 100)
	cfg.File.BatchInterval = getEnvAsDuration("KIQ_LOG_FILE_BATCH_INTERVAL", 100*time.Millisecond)

	cfg.Elasticsearch.Enabled = getEnvAsBool("KIQ_LOG_ES_ENABLED", false)
	cfg.Elasticsearch.Mode = getEnv("KIQ_LOG_ES_MODE", "self-managed")

	cfg.Elasticsearch.Addresses = getEnvAsStringSlice("KIQ_LOG_ES_ADDRESSES", []string{"http://localhost:9200"})
	cfg.Elasticsearch.Username = getEnv("KIQ_LOG_ES_USERNAME", "")
	cfg.Elasticsearch.Password = getEnv("KIQ_LOG_ES_PASSWORD", "")

	cfg.Elasticsearch.CloudID = getEnv("KIQ_LOG_ES_CLOUD_ID", "")
	cfg.Elasticsearch.APIKey = getEnv("KIQ_LOG_ES_API_KEY", "")

	cfg.Elasticsearch.IndexPrefix = getEnv("KIQ_LOG_ES_INDEX_PREFIX", "kiq-logs")
	cfg.Elasticsearch.BulkSize = getEnvAsInt("KIQ_LOG_ES_BULK_SIZE", 100)
	cfg.Elasticsearch.FlushInterval = getEnvAsDuration("KIQ_LOG_ES_FLUSH_INTERVAL", 5*time.Second)
	cfg.Elasticsearch.Workers = getEnvAsInt("KIQ_LOG_ES_WORKERS", 2)
	cfg.Elasticsearch.MaxRetries = getEnvAsInt("KIQ_LOG_ES_MAX_RETRIES", 3)
	cfg.Elasticsearch.RetryBackoff = getEnvAsDuration("KIQ_LOG_ES_RETRY_BACKOFF", 1*time.Second)
	cfg.Elasticsearch.CircuitBreaker = getEnvAsBool("KIQ_LOG_ES_CIRCUIT_BREAKER", true)
	cfg.Elasticsearch.FailureThreshold = getEnvAsInt("KIQ_LOG_ES_FAILURE_THRESHOLD", 5)
	cfg.Elasticsearch.ResetTimeout = getEnvAsDuration("KIQ_LOG_ES_RESET_TIMEOUT", 30*time.Second)

	return cfg
}
