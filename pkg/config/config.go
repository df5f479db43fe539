// Package config provides environment-based configuration for the broker and node agent.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the broker.
type Config struct {
	// Store configuration. StoreDriver is "postgres" or "memory".
	StoreDriver string `yaml:"store_driver"`
	DatabaseDSN string `yaml:"database_url"`

	// Optional Redis cache. Empty disables caching.
	RedisURL string        `yaml:"redis_url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// Authentication
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`

	// Server configuration
	APIPort  int    `yaml:"api_port"`
	GRPCPort int    `yaml:"grpc_port"`
	APIHost  string `yaml:"api_host"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Registry  RegistryConfig  `yaml:"registry"`
	Session   SessionConfig   `yaml:"session"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Ledger    LedgerConfig    `yaml:"ledger"`
}

// RegistryConfig holds node registry configuration.
type RegistryConfig struct {
	// LivenessCutoff is the maximum heartbeat age of a matchable node.
	LivenessCutoff time.Duration `yaml:"liveness_cutoff"`
	// ReapInterval controls how often stale nodes are persisted as inactive.
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// SessionConfig holds transport session configuration.
type SessionConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	// ReadTimeout closes a session that sends nothing for this long.
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	SendBuffer   int           `yaml:"send_buffer"`
	// MaxFailedRegistrations limits bad register attempts per remote address per minute.
	// Zero disables the limit. Requires Redis.
	MaxFailedRegistrations int `yaml:"max_failed_registrations"`
}

// SchedulerConfig holds matchmaker configuration.
type SchedulerConfig struct {
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	MaxSweepInterval time.Duration `yaml:"max_sweep_interval"`
	SweepBatchSize   int           `yaml:"sweep_batch_size"`
	// MaxJobsPerNode is the number of RUNNING jobs a node may hold at once.
	MaxJobsPerNode int `yaml:"max_jobs_per_node"`
	// RequeueOrphaned enables the watchdog that returns RUNNING jobs of dead nodes to PENDING.
	RequeueOrphaned  bool          `yaml:"requeue_orphaned"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
}

// LedgerConfig holds settlement configuration.
type LedgerConfig struct {
	// JobCost is the fixed per-job tariff debited at submission.
	JobCost decimal.Decimal `yaml:"job_cost"`
	// ProviderShare is the fraction of JobCost credited to the node owner.
	ProviderShare decimal.Decimal `yaml:"provider_share"`
	// RefundOnFailure credits the submitter back when a job fails.
	RefundOnFailure bool `yaml:"refund_on_failure"`
}

// ProviderCredit returns the amount credited to a provider per completed job.
func (l LedgerConfig) ProviderCredit() decimal.Decimal {
	return l.JobCost.Mul(l.ProviderShare).Round(2)
}

// Load reads configuration from an optional YAML file named by BROKER_CONFIG_FILE,
// then applies environment variable overrides.
func Load() (*Config, error) {
	base := defaults()
	if path := os.Getenv("BROKER_CONFIG_FILE"); path != "" {
		if err := base.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg := fromEnv(base)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate required fields, useful for testing.
func LoadWithDefaults() *Config {
	base := defaults()
	base.JWTSecret = "development-secret-key-min-32-chars"
	return fromEnv(base)
}

// Validate checks that required configuration values are set and consistent.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.StoreDriver != "postgres" && c.StoreDriver != "memory" {
		return fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.StoreDriver)
	}
	if c.Registry.LivenessCutoff <= 0 {
		return fmt.Errorf("REGISTRY_LIVENESS_CUTOFF must be positive")
	}
	if c.Scheduler.MaxJobsPerNode < 1 {
		return fmt.Errorf("SCHEDULER_MAX_JOBS_PER_NODE must be at least 1")
	}
	if c.Scheduler.SweepInterval <= 0 || c.Scheduler.MaxSweepInterval < c.Scheduler.SweepInterval {
		return fmt.Errorf("SCHEDULER_MAX_SWEEP_INTERVAL must be >= SCHEDULER_SWEEP_INTERVAL > 0")
	}
	if !c.Ledger.JobCost.IsPositive() {
		return fmt.Errorf("LEDGER_JOB_COST must be positive")
	}
	if !c.Ledger.ProviderShare.IsPositive() || c.Ledger.ProviderShare.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("LEDGER_PROVIDER_SHARE must be between 0 and 1 exclusive")
	}
	return nil
}

func defaults() *Config {
	return &Config{
		StoreDriver:     "postgres",
		DatabaseDSN:     "postgres://localhost:5432/gpuconnect?sslmode=disable",
		CacheTTL:        time.Hour,
		JWTExpiry:       24 * time.Hour,
		APIPort:         8080,
		GRPCPort:        9090,
		APIHost:         "0.0.0.0",
		LogLevel:        "info",
		LogJSON:         true,
		ShutdownTimeout: 30 * time.Second,
		Registry: RegistryConfig{
			LivenessCutoff: 30 * time.Second,
			ReapInterval:   time.Minute,
		},
		Session: SessionConfig{
			PingInterval: 15 * time.Second,
			ReadTimeout:  45 * time.Second,
			WriteTimeout: 10 * time.Second,
			SendBuffer:   32,
		},
		Scheduler: SchedulerConfig{
			SweepInterval:    2 * time.Second,
			MaxSweepInterval: time.Minute,
			SweepBatchSize:   100,
			MaxJobsPerNode:   1,
			RequeueOrphaned:  true,
			WatchdogInterval: 15 * time.Second,
		},
		Ledger: LedgerConfig{
			JobCost:       decimal.RequireFromString("1.00"),
			ProviderShare: decimal.RequireFromString("0.80"),
		},
	}
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// fromEnv overlays environment variables on base. Values in base act as defaults.
func fromEnv(base *Config) *Config {
	return &Config{
		StoreDriver:     getEnv("STORE_DRIVER", base.StoreDriver),
		DatabaseDSN:     getEnv("DATABASE_URL", base.DatabaseDSN),
		RedisURL:        getEnv("REDIS_URL", base.RedisURL),
		CacheTTL:        getDurationEnv("CACHE_TTL", base.CacheTTL),
		JWTSecret:       getEnv("JWT_SECRET", base.JWTSecret),
		JWTExpiry:       getDurationEnv("JWT_EXPIRY", base.JWTExpiry),
		APIPort:         getIntEnv("API_PORT", base.APIPort),
		GRPCPort:        getIntEnv("GRPC_PORT", base.GRPCPort),
		APIHost:         getEnv("API_HOST", base.APIHost),
		LogLevel:        getEnv("LOG_LEVEL", base.LogLevel),
		LogJSON:         getBoolEnv("LOG_JSON", base.LogJSON),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", base.ShutdownTimeout),
		Registry: RegistryConfig{
			LivenessCutoff: getDurationEnv("REGISTRY_LIVENESS_CUTOFF", base.Registry.LivenessCutoff),
			ReapInterval:   getDurationEnv("REGISTRY_REAP_INTERVAL", base.Registry.ReapInterval),
		},
		Session: SessionConfig{
			PingInterval:           getDurationEnv("SESSION_PING_INTERVAL", base.Session.PingInterval),
			ReadTimeout:            getDurationEnv("SESSION_READ_TIMEOUT", base.Session.ReadTimeout),
			WriteTimeout:           getDurationEnv("SESSION_WRITE_TIMEOUT", base.Session.WriteTimeout),
			SendBuffer:             getIntEnv("SESSION_SEND_BUFFER", base.Session.SendBuffer),
			MaxFailedRegistrations: getIntEnv("SESSION_MAX_FAILED_REGISTRATIONS", base.Session.MaxFailedRegistrations),
		},
		Scheduler: SchedulerConfig{
			SweepInterval:    getDurationEnv("SCHEDULER_SWEEP_INTERVAL", base.Scheduler.SweepInterval),
			MaxSweepInterval: getDurationEnv("SCHEDULER_MAX_SWEEP_INTERVAL", base.Scheduler.MaxSweepInterval),
			SweepBatchSize:   getIntEnv("SCHEDULER_SWEEP_BATCH_SIZE", base.Scheduler.SweepBatchSize),
			MaxJobsPerNode:   getIntEnv("SCHEDULER_MAX_JOBS_PER_NODE", base.Scheduler.MaxJobsPerNode),
			RequeueOrphaned:  getBoolEnv("SCHEDULER_REQUEUE_ORPHANED", base.Scheduler.RequeueOrphaned),
			WatchdogInterval: getDurationEnv("SCHEDULER_WATCHDOG_INTERVAL", base.Scheduler.WatchdogInterval),
		},
		Ledger: LedgerConfig{
			JobCost:         getDecimalEnv("LEDGER_JOB_COST", base.Ledger.JobCost),
			ProviderShare:   getDecimalEnv("LEDGER_PROVIDER_SHARE", base.Ledger.ProviderShare),
			RefundOnFailure: getBoolEnv("LEDGER_REFUND_ON_FAILURE", base.Ledger.RefundOnFailure),
		},
	}
}

// AgentConfig holds configuration for the node agent.
type AgentConfig struct {
	// BrokerURL is the broker's node endpoint, e.g. ws://localhost:8080/ws/computing.
	BrokerURL string
	NodeID    string
	// AuthToken is a gpc_ agent token minted by the node owner.
	AuthToken    string
	Capabilities []string

	// ExecutorURL is the base URL of the local inference engine.
	ExecutorURL     string
	ExecutorTimeout time.Duration

	ReconnectMin time.Duration
	ReconnectMax time.Duration

	LogLevel string
	LogJSON  bool
}

// LoadAgent reads node agent configuration from the environment.
func LoadAgent() (*AgentConfig, error) {
	hostname, _ := os.Hostname()
	cfg := &AgentConfig{
		BrokerURL:       getEnv("AGENT_BROKER_URL", "ws://localhost:8080/ws/computing"),
		NodeID:          getEnv("AGENT_NODE_ID", hostname),
		AuthToken:       getEnv("AGENT_AUTH_TOKEN", ""),
		Capabilities:    getListEnv("AGENT_CAPABILITIES"),
		ExecutorURL:     getEnv("AGENT_EXECUTOR_URL", "http://localhost:11434"),
		ExecutorTimeout: getDurationEnv("AGENT_EXECUTOR_TIMEOUT", 5*time.Minute),
		ReconnectMin:    getDurationEnv("AGENT_RECONNECT_MIN", time.Second),
		ReconnectMax:    getDurationEnv("AGENT_RECONNECT_MAX", time.Minute),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogJSON:         getBoolEnv("LOG_JSON", false),
	}

	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("AGENT_AUTH_TOKEN is required")
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("AGENT_NODE_ID is required")
	}
	if len(cfg.Capabilities) == 0 {
		return nil, fmt.Errorf("AGENT_CAPABILITIES is required")
	}
	if cfg.ReconnectMin <= 0 || cfg.ReconnectMax < cfg.ReconnectMin {
		return nil, fmt.Errorf("AGENT_RECONNECT_MAX must be >= AGENT_RECONNECT_MIN > 0")
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getListEnv splits a comma-separated variable, dropping empty items.
func getListEnv(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getDecimalEnv(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
