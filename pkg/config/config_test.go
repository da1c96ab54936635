package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, "cortex", cfg.Name)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "recipes", cfg.Paths.RecipesDir)

	require.NotNil(t, cfg.LLMs[RoleGuide])
	require.NotNil(t, cfg.LLMs[RoleCoordinator])
	assert.Equal(t, "http://localhost:8000/v1", cfg.LLMs[RoleGuide].BaseURL)

	assert.Equal(t, 0.8, cfg.Reflection.AcceptThreshold)
	assert.Equal(t, 0.4, cfg.Reflection.RejectThreshold)
	assert.Equal(t, ReflectionSharedBudget, cfg.Reflection.BudgetMode)

	assert.Equal(t, 0.7, cfg.Caches.Alpha)
	assert.Equal(t, 6*3600, cfg.Caches.Response.TTLSeconds)
	assert.Equal(t, 5000, cfg.Caches.Claims.MaxEntries)

	require.NotNil(t, cfg.Memory.RecallEnable)
	assert.True(t, *cfg.Memory.RecallEnable)
	assert.Equal(t, 90*time.Second, cfg.ModelDeadline())
}

func TestCoordinatorFallsBackToGuide(t *testing.T) {
	cfg := &Config{
		LLMs: map[string]*LLMEndpointConfig{
			RoleGuide: {BaseURL: "http://guide:9000/v1", Model: "big-model"},
		},
	}
	cfg.SetDefaults()

	coordinator := cfg.LLMs[RoleCoordinator]
	require.NotNil(t, coordinator)
	assert.Equal(t, "http://guide:9000/v1", coordinator.BaseURL)
	assert.Equal(t, "big-model", coordinator.Model)
}

func TestValidateErrors(t *testing.T) {
	fresh := func() *Config {
		cfg := &Config{}
		cfg.SetDefaults()
		return cfg
	}

	cfg := fresh()
	cfg.Server.Port = 70000
	assert.ErrorContains(t, cfg.Validate(), "port out of range")

	cfg = fresh()
	delete(cfg.LLMs, RoleGuide)
	assert.ErrorContains(t, cfg.Validate(), "guide LLM endpoint is required")

	cfg = fresh()
	cfg.Reflection.RejectThreshold = 0.9
	cfg.Reflection.AcceptThreshold = 0.5
	assert.ErrorContains(t, cfg.Validate(), "reject_threshold")

	cfg = fresh()
	cfg.Reflection.BudgetMode = "unlimited"
	assert.ErrorContains(t, cfg.Validate(), "budget_mode")

	cfg = fresh()
	cfg.Caches.Alpha = 1.5
	assert.ErrorContains(t, cfg.Validate(), "alpha")

	cfg = fresh()
	cfg.Pipeline.MaxCycles = -1
	assert.ErrorContains(t, cfg.Validate(), "max_cycles")
}

func TestParseExpandsEnvVars(t *testing.T) {
	t.Setenv("CORTEX_TEST_API_KEY", "sk-secret")

	cfg, err := Parse([]byte(`
name: test-gateway
server:
  port: ${CORTEX_TEST_PORT:-9090}
llms:
  guide:
    base_url: http://localhost:8000/v1
    model: test-model
    api_key: ${CORTEX_TEST_API_KEY}
`))
	require.NoError(t, err)

	assert.Equal(t, "test-gateway", cfg.Name)
	// Unset var falls back to the inline default and re-types to int.
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sk-secret", cfg.LLMs[RoleGuide].APIKey)
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	_, err := Parse([]byte("server: [not, a, map]"))
	require.Error(t, err)

	_, err = Parse([]byte(`
reflection:
  accept_threshold: 0.3
  reject_threshold: 0.6
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
}

func TestLLMEndpointDefaultsAndValidate(t *testing.T) {
	ep := &LLMEndpointConfig{BaseURL: "http://host:8000/v1/"}
	ep.SetDefaults()

	assert.Equal(t, "http://host:8000/v1", ep.BaseURL)
	assert.Equal(t, "gpt-4o-mini", ep.Model)
	require.NotNil(t, ep.Temperature)
	assert.Equal(t, 0.2, *ep.Temperature)
	require.NoError(t, ep.Validate())

	bad := &LLMEndpointConfig{Model: "m"}
	assert.ErrorContains(t, bad.Validate(), "base_url is required")

	hot := 3.0
	warm := &LLMEndpointConfig{BaseURL: "http://x", Model: "m", MaxTokens: 10, Temperature: &hot}
	assert.ErrorContains(t, warm.Validate(), "temperature")
}
