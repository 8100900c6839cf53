package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const envPrefix = "SURGEGUARD_"

// Engine holds the execution engine and cache tuning knobs.
type Engine struct {
	GlobalConcurrency     int `json:"globalConcurrency"`     // max simultaneous driver calls
	PerHostQueueDepth     int `json:"perHostQueueDepth"`     // max queued runs per host
	InventoryTTLS         int `json:"inventoryTtlS"`         // target inventory freshness
	CapabilityTTLS        int `json:"capabilityTtlS"`        // capability descriptor freshness
	InventoryRefreshSLAS  int `json:"inventoryRefreshSlaS"`  // hard timeout on a refresh
	HistoryPerPolicy      int `json:"historyPerPolicy"`      // execution ledger retention
	WorkerIdleTimeoutS    int `json:"workerIdleTimeoutS"`    // host worker teardown
	ExecutionResolveSLAS  int `json:"executionResolveSlaS"`  // freshness for dynamic resolution at dispatch
	DefaultSuppressionS   int `json:"defaultSuppressionS"`   // policy suppression window default
	DefaultIdempotencyS   int `json:"defaultIdempotencyS"`   // policy idempotency window default
}

// Server holds the HTTP listener settings.
type Server struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Logging holds log output settings.
type Logging struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	File   string `json:"file"`
}

// Config is the full orchestrator configuration.
type Config struct {
	DataDir string  `json:"dataDir"`
	Server  Server  `json:"server"`
	Logging Logging `json:"logging"`
	Engine  Engine  `json:"engine"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/surgeguard",
		Server: Server{
			Host: "0.0.0.0",
			Port: 7690,
		},
		Logging: Logging{
			Level:  "info",
			Format: "auto",
		},
		Engine: Engine{
			GlobalConcurrency:    10,
			PerHostQueueDepth:    128,
			InventoryTTLS:        30,
			CapabilityTTLS:       300,
			InventoryRefreshSLAS: 5,
			HistoryPerPolicy:     30,
			WorkerIdleTimeoutS:   120,
			ExecutionResolveSLAS: 5,
			DefaultSuppressionS:  300,
			DefaultIdempotencyS:  600,
		},
	}
}

// Load builds the effective configuration: defaults, then the .env
// file (if present), then process environment variables.
func Load() (*Config, error) {
	cfg := Default()

	envPath := strings.TrimSpace(os.Getenv(envPrefix + "ENV_FILE"))
	if envPath == "" {
		envPath = "/etc/surgeguard/.env"
	}
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			log.Warn().Err(err).Str("path", envPath).Msg("Failed to load env file")
		} else {
			log.Debug().Str("path", envPath).Msg("Loaded env file")
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays SURGEGUARD_* environment variables.
func (c *Config) applyEnv() {
	if val := os.Getenv(envPrefix + "DATA_DIR"); val != "" {
		c.DataDir = val
	}
	if val := os.Getenv(envPrefix + "HOST"); val != "" {
		c.Server.Host = val
	}
	envInt(envPrefix+"PORT", &c.Server.Port)

	if val := os.Getenv(envPrefix + "LOG_LEVEL"); val != "" {
		c.Logging.Level = strings.ToLower(val)
	}
	if val := os.Getenv(envPrefix + "LOG_FORMAT"); val != "" {
		c.Logging.Format = strings.ToLower(val)
	}
	if val := os.Getenv(envPrefix + "LOG_FILE"); val != "" {
		c.Logging.File = val
	}

	envInt(envPrefix+"GLOBAL_CONCURRENCY", &c.Engine.GlobalConcurrency)
	envInt(envPrefix+"PER_HOST_QUEUE_DEPTH", &c.Engine.PerHostQueueDepth)
	envInt(envPrefix+"INVENTORY_TTL_S", &c.Engine.InventoryTTLS)
	envInt(envPrefix+"CAPABILITY_TTL_S", &c.Engine.CapabilityTTLS)
	envInt(envPrefix+"INVENTORY_REFRESH_SLA_S", &c.Engine.InventoryRefreshSLAS)
	envInt(envPrefix+"HISTORY_PER_POLICY", &c.Engine.HistoryPerPolicy)
	envInt(envPrefix+"WORKER_IDLE_TIMEOUT_S", &c.Engine.WorkerIdleTimeoutS)
	envInt(envPrefix+"EXECUTION_RESOLVE_SLA_S", &c.Engine.ExecutionResolveSLAS)
	envInt(envPrefix+"DEFAULT_SUPPRESSION_S", &c.Engine.DefaultSuppressionS)
	envInt(envPrefix+"DEFAULT_IDEMPOTENCY_S", &c.Engine.DefaultIdempotencyS)
}

func envInt(key string, dst *int) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		log.Warn().Str("key", key).Str("value", val).Msg("Ignoring non-integer environment value")
		return
	}
	*dst = parsed
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Engine.GlobalConcurrency < 1 {
		return fmt.Errorf("global_concurrency must be >= 1, got %d", c.Engine.GlobalConcurrency)
	}
	if c.Engine.PerHostQueueDepth < 1 {
		return fmt.Errorf("per_host_queue_depth must be >= 1, got %d", c.Engine.PerHostQueueDepth)
	}
	if c.Engine.InventoryRefreshSLAS < 1 {
		return fmt.Errorf("inventory_refresh_sla_s must be >= 1, got %d", c.Engine.InventoryRefreshSLAS)
	}
	if c.Engine.HistoryPerPolicy < 1 {
		return fmt.Errorf("history_per_policy must be >= 1, got %d", c.Engine.HistoryPerPolicy)
	}
	if c.Engine.WorkerIdleTimeoutS < 1 {
		return fmt.Errorf("worker_idle_timeout_s must be >= 1, got %d", c.Engine.WorkerIdleTimeoutS)
	}
	return nil
}
