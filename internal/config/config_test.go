package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PRIVATE_KEY", "")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultReadTimeout, cfg.ReadTimeout)
	assert.False(t, cfg.HasWallet())
	assert.Equal(t, ExecutorSimulated, cfg.AgentExecutor)
	assert.Empty(t, cfg.CORSOrigins)
}

func TestLoad_CORSOrigins(t *testing.T) {
	t.Setenv("PRIVATE_KEY", "")
	t.Setenv("CORS_ORIGINS", " https://app.example , ,http://localhost:3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example", "http://localhost:3000"}, cfg.CORSOrigins)
}

func TestLoad_ParsesTypedValues(t *testing.T) {
	t.Setenv("PRIVATE_KEY", "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	t.Setenv("AUTO_AUTHORIZE", "true")
	t.Setenv("READ_TIMEOUT", "750ms")
	t.Setenv("RPC_RATE_LIMIT", "7.5")
	t.Setenv("CHAIN_ID", "1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.HasWallet())
	assert.True(t, cfg.AutoAuthorize)
	assert.Equal(t, 750*time.Millisecond, cfg.ReadTimeout)
	assert.Equal(t, 7.5, cfg.RPCRateLimit)
	assert.Equal(t, int64(1), cfg.ChainID)
}

func TestLoad_IgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("PRIVATE_KEY", "")
	t.Setenv("READ_TIMEOUT", "soon")
	t.Setenv("RATE_LIMIT_RPS", "lots")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultReadTimeout, cfg.ReadTimeout)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPS)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{RPCURL: "http://localhost:8545", ChainID: 1, ReadTimeout: time.Second, AgentExecutor: ExecutorSimulated}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid without wallet", mutate: func(c *Config) {}},
		{name: "missing rpc", mutate: func(c *Config) { c.RPCURL = "" }, wantErr: "RPC_URL"},
		{name: "zero chain", mutate: func(c *Config) { c.ChainID = 0 }, wantErr: "CHAIN_ID"},
		{name: "short key", mutate: func(c *Config) { c.PrivateKey = "abc" }, wantErr: "64 hex"},
		{name: "zero timeout", mutate: func(c *Config) { c.ReadTimeout = 0 }, wantErr: "READ_TIMEOUT"},
		{name: "negative delay", mutate: func(c *Config) { c.SimulatedDelay = -time.Second }, wantErr: "SIMULATED_DELAY"},
		{name: "unknown executor", mutate: func(c *Config) { c.AgentExecutor = "magic" }, wantErr: "AGENT_EXECUTOR"},
		{name: "chain executor needs key", mutate: func(c *Config) { c.AgentExecutor = ExecutorChain }, wantErr: "PRIVATE_KEY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Environment(t *testing.T) {
	assert.True(t, (&Config{Env: "development"}).IsDevelopment())
	assert.True(t, (&Config{Env: "production"}).IsProduction())
	assert.False(t, (&Config{Env: "staging"}).IsProduction())
}
