package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaults(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	return &cfg
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := defaults(t)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "citizen", cfg.Pipeline.DefaultPersona)
	assert.Equal(t, 3, cfg.Pipeline.MinEvidence)
	require.Len(t, cfg.RateLimit.Session, 2)
	assert.Equal(t, 20, cfg.RateLimit.Session[0].Capacity)
	assert.Equal(t, 60, cfg.RateLimit.Session[0].WindowSec)
	assert.Len(t, cfg.RateLimit.Targets["websearch"], 2)
	assert.Equal(t, []string{"cache", "network"}, cfg.Health.Critical)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := map[string]func(*Config){
		"unknown persona":  func(c *Config) { c.Pipeline.DefaultPersona = "robot" },
		"penalty above 1":  func(c *Config) { c.Pipeline.ValidationPenalty = 1.5 },
		"zero cache size":  func(c *Config) { c.Cache.MaxSize = 0 },
		"empty window":     func(c *Config) { c.RateLimit.Session[0].Capacity = 0 },
		"zero concurrency": func(c *Config) { c.Executor.MaxConcurrency = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := defaults(t)
			mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("CIVIC_AGENT_PIPELINE_DEFAULTTOPK", "12")
	t.Setenv("CIVIC_AGENT_PIPELINE_DEFAULTPERSONA", "journalist")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Pipeline.DefaultTopK)
	assert.Equal(t, "journalist", cfg.Pipeline.DefaultPersona)
}
