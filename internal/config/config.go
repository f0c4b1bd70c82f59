// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage (all optional, in-memory when unset)
	DatabaseURL string
	RedisURL    string
	NATSURL     string

	// Blockchain settings
	RPCURL           string
	ChainID          int64
	PrivateKey       string // Backs the injected wallet; empty means no wallet installed
	AutoAuthorize    bool   // Pre-authorize the injected wallet so silent reconnect succeeds
	CapabilitiesFile string // YAML contract capability descriptors
	RPCRateLimit     float64
	AgentExecutor    string // "simulated" or "chain"

	// Timing
	ReadTimeout     time.Duration // Deadline for every guarded chain read
	SimulatedDelay  time.Duration // Delay of simulated persistence and agent actions
	HistoryCacheTTL time.Duration

	// Pricing
	ETHPriceFallback float64

	// Observability
	OTLPEndpoint string

	// Security
	RateLimitRPS int
	CORSOrigins  []string // empty allows any origin
}

// Agent executor modes
const (
	ExecutorSimulated = "simulated"
	ExecutorChain     = "chain"
)

// Defaults
const (
	DefaultRPCURL           = "https://ethereum-sepolia-rpc.publicnode.com"
	DefaultChainID          = 11155111 // Sepolia
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultRateLimit        = 100
	DefaultRPCRateLimit     = 20
	DefaultReadTimeout      = 5 * time.Second
	DefaultSimulatedDelay   = 1500 * time.Millisecond
	DefaultHistoryCacheTTL  = 30 * time.Minute
	DefaultETHPriceFallback = 3000.0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		NATSURL:          os.Getenv("NATS_URL"),
		RPCURL:           getEnv("RPC_URL", DefaultRPCURL),
		ChainID:          getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:       os.Getenv("PRIVATE_KEY"),
		AutoAuthorize:    getEnvBool("AUTO_AUTHORIZE", false),
		CapabilitiesFile: os.Getenv("CAPABILITIES_FILE"),
		RPCRateLimit:     getEnvFloat("RPC_RATE_LIMIT", DefaultRPCRateLimit),
		AgentExecutor:    strings.ToLower(getEnv("AGENT_EXECUTOR", ExecutorSimulated)),
		ReadTimeout:      getEnvDuration("READ_TIMEOUT", DefaultReadTimeout),
		SimulatedDelay:   getEnvDuration("SIMULATED_DELAY", DefaultSimulatedDelay),
		HistoryCacheTTL:  getEnvDuration("HISTORY_CACHE_TTL", DefaultHistoryCacheTTL),
		ETHPriceFallback: getEnvFloat("ETH_PRICE_FALLBACK", DefaultETHPriceFallback),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:     int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		CORSOrigins:      getEnvList("CORS_ORIGINS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}

	// The private key is optional, but must be well formed when present
	if c.PrivateKey != "" {
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("READ_TIMEOUT must be positive")
	}
	if c.SimulatedDelay < 0 {
		return fmt.Errorf("SIMULATED_DELAY must not be negative")
	}

	switch c.AgentExecutor {
	case ExecutorSimulated:
	case ExecutorChain:
		if !c.HasWallet() {
			return fmt.Errorf("AGENT_EXECUTOR=chain requires PRIVATE_KEY")
		}
	default:
		return fmt.Errorf("AGENT_EXECUTOR must be %q or %q", ExecutorSimulated, ExecutorChain)
	}

	return nil
}

// HasWallet reports whether an injected wallet is configured
func (c *Config) HasWallet() bool {
	return c.PrivateKey != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
