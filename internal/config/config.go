package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the dagrun engine
type Config struct {
	// Server configuration
	HTTPPort int    `env:"DAGRUN_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"DAGRUN_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Storage backend: memory or redis
	StorageBackend string `env:"DAGRUN_STORAGE" envDefault:"memory"`

	// Redis configuration, used by the redis storage backend and event bus
	Redis RedisConfig

	// Event bus configuration
	Events EventsConfig

	// LLM operator configuration
	LLM LLMConfig

	// Worker configuration
	Workers WorkerConfig

	// Scheduler configuration
	Scheduler SchedulerConfig

	// Engine resource capacity
	Resources ResourceConfig

	// Dry-run warning thresholds
	Validation ValidationConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`

	// Expiry of stored runs and logs; zero keeps them forever
	RunTTL time.Duration `env:"REDIS_RUN_TTL" envDefault:"168h"`
}

// EventsConfig selects and tunes the event bus
type EventsConfig struct {
	Backend       string `env:"DAGRUN_EVENTS" envDefault:"memory"`
	BufferSize    int    `env:"DAGRUN_EVENTS_BUFFER" envDefault:"256"`
	ConsumerGroup string `env:"DAGRUN_EVENTS_GROUP"`
	ConsumerName  string `env:"DAGRUN_EVENTS_CONSUMER" envDefault:"dagrun"`
	StreamMaxLen  int64  `env:"DAGRUN_EVENTS_MAXLEN" envDefault:"10000"`
}

// LLMConfig holds the Anthropic operator configuration. The operator is
// registered only when APIKey is set.
type LLMConfig struct {
	APIKey     string `env:"LLM_API_KEY"`
	BaseURL    string `env:"LLM_BASE_URL"`
	MaxRetries int    `env:"LLM_MAX_RETRIES" envDefault:"2"`

	// Default model settings
	DefaultModel     string `env:"LLM_DEFAULT_MODEL" envDefault:"claude-sonnet-4-5"`
	DefaultMaxTokens int    `env:"LLM_DEFAULT_MAX_TOKENS" envDefault:"1024"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"8"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	CancelGrace         time.Duration `env:"WORKER_CANCEL_GRACE" envDefault:"10s"`
}

// SchedulerConfig holds scheduler loop configuration
type SchedulerConfig struct {
	PollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" envDefault:"1s"`
}

// ResourceConfig is the engine-wide capacity tasks reserve from
type ResourceConfig struct {
	CPU    float64 `env:"RESOURCES_CPU" envDefault:"8"`
	Memory float64 `env:"RESOURCES_MEMORY" envDefault:"16"`
	GPU    int     `env:"RESOURCES_GPU" envDefault:"0"`
}

// ValidationConfig holds dry-run warning thresholds
type ValidationConfig struct {
	CPUWarnThreshold     float64 `env:"VALIDATION_CPU_WARN" envDefault:"16"`
	LongRunningThreshold int     `env:"VALIDATION_LONG_RUNNING" envDefault:"3600"` // seconds
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	switch c.StorageBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported storage backend: %s (must be memory or redis)", c.StorageBackend)
	}
	switch c.Events.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported event bus: %s (must be memory or redis)", c.Events.Backend)
	}
	if c.UsesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler poll interval must be positive")
	}

	if c.Resources.CPU <= 0 || c.Resources.Memory <= 0 || c.Resources.GPU < 0 {
		return fmt.Errorf("invalid resource capacity: cpu=%v memory=%v gpu=%d",
			c.Resources.CPU, c.Resources.Memory, c.Resources.GPU)
	}

	if c.LLM.DefaultMaxTokens < 1 {
		return fmt.Errorf("LLM default max tokens must be at least 1")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// UsesRedis reports whether any backend needs a Redis connection
func (c *Config) UsesRedis() bool {
	return c.StorageBackend == "redis" || c.Events.Backend == "redis"
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
