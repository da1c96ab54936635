package config

import (
	"fmt"
	"strings"
)

// Canonical LLM endpoint roles. The guide endpoint plans and synthesizes;
// the coordinator endpoint composes tool calls. They may point at the same
// server.
const (
	RoleGuide       = "guide"
	RoleCoordinator = "coordinator"
)

// LLMEndpointConfig configures one OpenAI-compatible chat endpoint.
type LLMEndpointConfig struct {
	// BaseURL of the endpoint (e.g. "http://localhost:8000/v1").
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty" jsonschema:"title=Base URL"`

	// Model identifier sent in the request body.
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model"`

	// APIKey sent as a bearer token. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key"`

	// Temperature for generation. Default: 0.2 (the pipeline wants
	// repeatable decisions, not creative writing).
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty" jsonschema:"minimum=0,maximum=2,default=0.2"`

	// MaxTokens caps response length. Default: 2048.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" jsonschema:"minimum=1,default=2048"`

	// TopP nucleus sampling parameter, optional.
	TopP *float64 `yaml:"top_p,omitempty" json:"top_p,omitempty"`

	// Timeout in seconds for one call. Default: 90.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"default=90"`

	// MaxRetries for transient HTTP failures. Default: 2.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`

	// RetryDelay base delay between retries, in seconds. Default: 1.
	RetryDelay int `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
}

// setDefaultsFromEnv fills unset fields from <PREFIX>_URL, <PREFIX>_MODEL_ID,
// and <PREFIX>_API_KEY.
func (c *LLMEndpointConfig) setDefaultsFromEnv(prefix string) {
	if c.BaseURL == "" {
		c.BaseURL = envString(prefix + "_URL")
	}
	if c.Model == "" {
		c.Model = envString(prefix + "_MODEL_ID")
	}
	if c.APIKey == "" {
		c.APIKey = envString(prefix + "_API_KEY")
	}
}

// SetDefaults applies default values.
func (c *LLMEndpointConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8000/v1"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.Temperature == nil {
		t := 0.2
		c.Temperature = &t
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 2048
	}
	if c.Timeout == 0 {
		c.Timeout = envInt("MODEL_TIMEOUT", 90)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 1
	}
}

// Validate checks the endpoint configuration.
func (c *LLMEndpointConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be in [0,2], got %.2f", *c.Temperature)
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be at least 1")
	}
	return nil
}
