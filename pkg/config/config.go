// Package config defines the gateway configuration surface.
//
// Configuration is loaded from YAML through a provider/loader pipeline
// (parse, env expansion, decode, defaults, validation). Canonical
// environment variables (GUIDE_URL, MEMORY_ROOT, MAX_CYCLES, ...) fill any
// field the file leaves unset, so a bare `cortex serve` works against a
// local OpenAI-compatible endpoint with zero config.
package config

import (
	"fmt"
	"time"
)

// Config is the root gateway configuration.
type Config struct {
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	Server     ServerConfig                  `yaml:"server,omitempty" json:"server,omitempty"`
	Paths      PathsConfig                   `yaml:"paths,omitempty" json:"paths,omitempty"`
	LLMs       map[string]*LLMEndpointConfig `yaml:"llms,omitempty" json:"llms,omitempty"`
	Embedder   EmbedderConfig                `yaml:"embedder,omitempty" json:"embedder,omitempty"`
	Pipeline   PipelineConfig                `yaml:"pipeline,omitempty" json:"pipeline,omitempty"`
	Reflection ReflectionConfig              `yaml:"reflection,omitempty" json:"reflection,omitempty"`
	Caches     CachesConfig                  `yaml:"caches,omitempty" json:"caches,omitempty"`
	Breakers   BreakersConfig                `yaml:"breakers,omitempty" json:"breakers,omitempty"`
	Tools      ToolsConfig                   `yaml:"tools,omitempty" json:"tools,omitempty"`
	Memory     MemoryConfig                  `yaml:"memory,omitempty" json:"memory,omitempty"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,default=0.0.0.0"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"title=Port,default=8080"`
}

// PathsConfig locates the on-disk roots the gateway owns.
type PathsConfig struct {
	// MemoryRoot holds the long-term memory documents.
	MemoryRoot string `yaml:"memory_root,omitempty" json:"memory_root,omitempty"`

	// TranscriptsDir holds per-turn directories.
	TranscriptsDir string `yaml:"transcripts_dir,omitempty" json:"transcripts_dir,omitempty"`

	// SharedStateDir holds the artifact store, ledger, and registries.
	SharedStateDir string `yaml:"shared_state_dir,omitempty" json:"shared_state_dir,omitempty"`

	// RecipesDir holds recipe YAML files and prompt fragments.
	RecipesDir string `yaml:"recipes_dir,omitempty" json:"recipes_dir,omitempty"`
}

// EmbedderConfig configures the embedding service.
type EmbedderConfig struct {
	// Host of an OpenAI-compatible embeddings endpoint.
	Host string `yaml:"host,omitempty" json:"host,omitempty"`

	// Model identifier. Default: all-MiniLM-L6-v2 (384-dim).
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// APIKey for the embeddings endpoint, if required.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// Dimension of produced vectors. Default: 384.
	Dimension int `yaml:"dimension,omitempty" json:"dimension,omitempty" jsonschema:"default=384"`

	// Timeout in seconds. Default: 30.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// BatchSize for batch embedding calls. Default: 64.
	BatchSize int `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
}

// PipelineConfig tunes the turn orchestrator.
type PipelineConfig struct {
	// TokenBudget is the default total token budget when a recipe omits one.
	TokenBudget int `yaml:"token_budget,omitempty" json:"token_budget,omitempty" jsonschema:"default=4000"`

	// ModelTimeout is the hard deadline for one LLM call, in seconds.
	ModelTimeout int `yaml:"model_timeout,omitempty" json:"model_timeout,omitempty" jsonschema:"default=90"`

	// MaxCycles caps agent-loop steps per turn.
	MaxCycles int `yaml:"max_cycles,omitempty" json:"max_cycles,omitempty" jsonschema:"default=6"`

	// ToolsPerStep caps concurrent tool calls in one agent step.
	ToolsPerStep int `yaml:"tools_per_step,omitempty" json:"tools_per_step,omitempty" jsonschema:"default=3"`

	// LLMConcurrency caps concurrent outbound LLM calls per endpoint.
	LLMConcurrency int `yaml:"llm_concurrency,omitempty" json:"llm_concurrency,omitempty" jsonschema:"default=4"`

	// ContextWindowSize is the token cap for the composed context document.
	ContextWindowSize int `yaml:"context_window_size,omitempty" json:"context_window_size,omitempty" jsonschema:"default=1500"`

	// ContextKeepRecent is how many recent actions the session context keeps.
	ContextKeepRecent int `yaml:"context_keep_recent,omitempty" json:"context_keep_recent,omitempty" jsonschema:"default=10"`

	// ContextCompressionEnable turns on LLM-assisted context selection.
	ContextCompressionEnable bool `yaml:"context_compression_enable,omitempty" json:"context_compression_enable,omitempty"`
}

// ReflectionBudgetMode selects how nested reflection gates share tokens.
type ReflectionBudgetMode string

const (
	ReflectionSharedBudget  ReflectionBudgetMode = "shared_budget"
	ReflectionPerRoleBudget ReflectionBudgetMode = "per_role_budget"
)

// ReflectionConfig tunes the meta-reflection gate.
type ReflectionConfig struct {
	// AcceptThreshold: confidence at or above proceeds. Default: 0.8.
	AcceptThreshold float64 `yaml:"accept_threshold,omitempty" json:"accept_threshold,omitempty" jsonschema:"default=0.8"`

	// RejectThreshold: confidence below asks for clarification. Default: 0.4.
	RejectThreshold float64 `yaml:"reject_threshold,omitempty" json:"reject_threshold,omitempty" jsonschema:"default=0.4"`

	// MaxInfoRounds bounds the NEED_INFO fetch/re-ask loop. Default: 2.
	MaxInfoRounds int `yaml:"max_info_rounds,omitempty" json:"max_info_rounds,omitempty" jsonschema:"default=2"`

	// MaxTokens for one reflection ask. Default: 120.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" jsonschema:"default=120"`

	// BudgetMode: shared_budget (all gates draw one pool) or
	// per_role_budget (each role gets its own MaxTokens).
	BudgetMode ReflectionBudgetMode `yaml:"budget_mode,omitempty" json:"budget_mode,omitempty" jsonschema:"enum=shared_budget,enum=per_role_budget,default=shared_budget"`
}

// CacheLayerConfig tunes one cache layer.
type CacheLayerConfig struct {
	// TTL in seconds for new entries (claims layer scales this by confidence).
	TTLSeconds int `yaml:"ttl_seconds,omitempty" json:"ttl_seconds,omitempty"`

	// MaxEntries is the layer size cap before LRU eviction.
	MaxEntries int `yaml:"max_entries,omitempty" json:"max_entries,omitempty"`

	// MinQuality below which the sweeper prunes entries.
	MinQuality float64 `yaml:"min_quality,omitempty" json:"min_quality,omitempty"`
}

// CachesConfig tunes the three cache layers and the shared sweeper.
type CachesConfig struct {
	// SweepIntervalSeconds between sweeper runs. Default: 300.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds,omitempty" json:"sweep_interval_seconds,omitempty" jsonschema:"default=300"`

	// Alpha is the hybrid fusion weight for the semantic score. Default: 0.7.
	Alpha float64 `yaml:"alpha,omitempty" json:"alpha,omitempty" jsonschema:"default=0.7"`

	// SemanticThreshold rejects candidates below this cosine similarity.
	SemanticThreshold float64 `yaml:"semantic_threshold,omitempty" json:"semantic_threshold,omitempty" jsonschema:"default=0.5"`

	// KeywordThreshold rejects candidates below this keyword score.
	KeywordThreshold float64 `yaml:"keyword_threshold,omitempty" json:"keyword_threshold,omitempty" jsonschema:"default=0.1"`

	Response CacheLayerConfig `yaml:"response,omitempty" json:"response,omitempty"`
	Claims   CacheLayerConfig `yaml:"claims,omitempty" json:"claims,omitempty"`
	Tools    CacheLayerConfig `yaml:"tools,omitempty" json:"tools,omitempty"`
}

// BreakerConfig tunes one circuit breaker group.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold,omitempty" json:"failure_threshold,omitempty" jsonschema:"default=3"`
	SuccessThreshold int `yaml:"success_threshold,omitempty" json:"success_threshold,omitempty" jsonschema:"default=2"`
	WindowSeconds    int `yaml:"window_seconds,omitempty" json:"window_seconds,omitempty" jsonschema:"default=300"`
	RecoveryTimeout  int `yaml:"recovery_timeout,omitempty" json:"recovery_timeout,omitempty" jsonschema:"default=60"`
}

// BreakersConfig holds the two breaker instances the system runs.
type BreakersConfig struct {
	LLM   BreakerConfig `yaml:"llm,omitempty" json:"llm,omitempty"`
	Tools BreakerConfig `yaml:"tools,omitempty" json:"tools,omitempty"`
}

// ToolsConfig configures the outbound tool RPC surface.
type ToolsConfig struct {
	// ServerURL is the base URL of the tool server.
	ServerURL string `yaml:"server_url,omitempty" json:"server_url,omitempty"`

	// TimeoutSeconds per tool call. Default: 60.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`

	// ApprovalRequired lists tool names (or prefixes like "file.*") that
	// need out-of-band user approval before execution.
	ApprovalRequired []string `yaml:"approval_required,omitempty" json:"approval_required,omitempty"`

	// InterventionTimeoutSeconds for human-in-the-loop blockers. Default: 90.
	InterventionTimeoutSeconds int `yaml:"intervention_timeout_seconds,omitempty" json:"intervention_timeout_seconds,omitempty"`

	// CacheTTLSeconds overrides the tool-output cache TTL per tool name.
	CacheTTLSeconds map[string]int `yaml:"cache_ttl_seconds,omitempty" json:"cache_ttl_seconds,omitempty"`
}

// MemoryConfig tunes long-term memory recall.
type MemoryConfig struct {
	// RecallEnable turns on claim recall during context build.
	RecallEnable *bool `yaml:"recall_enable,omitempty" json:"recall_enable,omitempty"`

	// RecallK is how many claims recall returns. Default: 8.
	RecallK int `yaml:"recall_k,omitempty" json:"recall_k,omitempty"`

	// ProfileMax caps profile memory entries per document. Default: 200.
	ProfileMax int `yaml:"profile_max,omitempty" json:"profile_max,omitempty"`
}

// SetDefaults applies defaults, consulting canonical environment variables
// for any field the file left unset.
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "cortex"
	}

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Paths.MemoryRoot == "" {
		c.Paths.MemoryRoot = envOr("MEMORY_ROOT", ".cortex/memory")
	}
	if c.Paths.TranscriptsDir == "" {
		c.Paths.TranscriptsDir = envOr("TRANSCRIPTS_DIR", ".cortex/transcripts")
	}
	if c.Paths.SharedStateDir == "" {
		c.Paths.SharedStateDir = envOr("SHARED_STATE_DIR", ".cortex/shared_state")
	}
	if c.Paths.RecipesDir == "" {
		c.Paths.RecipesDir = envOr("PROMPTS_DIR", "recipes")
	}

	if c.LLMs == nil {
		c.LLMs = make(map[string]*LLMEndpointConfig)
	}
	if c.LLMs[RoleGuide] == nil {
		c.LLMs[RoleGuide] = &LLMEndpointConfig{}
	}
	c.LLMs[RoleGuide].setDefaultsFromEnv("GUIDE")
	if c.LLMs[RoleCoordinator] == nil {
		// Coordinator falls back to the guide endpoint when not configured.
		cp := *c.LLMs[RoleGuide]
		c.LLMs[RoleCoordinator] = &cp
	}
	c.LLMs[RoleCoordinator].setDefaultsFromEnv("COORDINATOR")
	for _, llm := range c.LLMs {
		llm.SetDefaults()
	}

	if c.Embedder.Model == "" {
		c.Embedder.Model = "all-MiniLM-L6-v2"
	}
	if c.Embedder.Dimension == 0 {
		c.Embedder.Dimension = 384
	}
	if c.Embedder.Timeout == 0 {
		c.Embedder.Timeout = 30
	}
	if c.Embedder.BatchSize == 0 {
		c.Embedder.BatchSize = 64
	}

	if c.Pipeline.TokenBudget == 0 {
		c.Pipeline.TokenBudget = envInt("TOKEN_BUDGET", 4000)
	}
	if c.Pipeline.ModelTimeout == 0 {
		c.Pipeline.ModelTimeout = envInt("MODEL_TIMEOUT", 90)
	}
	if c.Pipeline.MaxCycles == 0 {
		c.Pipeline.MaxCycles = envInt("MAX_CYCLES", 6)
	}
	if c.Pipeline.ToolsPerStep == 0 {
		c.Pipeline.ToolsPerStep = 3
	}
	if c.Pipeline.LLMConcurrency == 0 {
		c.Pipeline.LLMConcurrency = 4
	}
	if c.Pipeline.ContextWindowSize == 0 {
		c.Pipeline.ContextWindowSize = envInt("CONTEXT_WINDOW_SIZE", 1500)
	}
	if c.Pipeline.ContextKeepRecent == 0 {
		c.Pipeline.ContextKeepRecent = envInt("CONTEXT_KEEP_RECENT", 10)
	}
	if !c.Pipeline.ContextCompressionEnable {
		c.Pipeline.ContextCompressionEnable = envBool("CONTEXT_COMPRESSION_ENABLE", false)
	}

	if c.Reflection.AcceptThreshold == 0 {
		c.Reflection.AcceptThreshold = 0.8
	}
	if c.Reflection.RejectThreshold == 0 {
		c.Reflection.RejectThreshold = 0.4
	}
	if c.Reflection.MaxInfoRounds == 0 {
		c.Reflection.MaxInfoRounds = 2
	}
	if c.Reflection.MaxTokens == 0 {
		c.Reflection.MaxTokens = 120
	}
	if c.Reflection.BudgetMode == "" {
		c.Reflection.BudgetMode = ReflectionSharedBudget
	}

	if c.Caches.SweepIntervalSeconds == 0 {
		c.Caches.SweepIntervalSeconds = 300
	}
	if c.Caches.Alpha == 0 {
		c.Caches.Alpha = 0.7
	}
	if c.Caches.SemanticThreshold == 0 {
		c.Caches.SemanticThreshold = 0.5
	}
	if c.Caches.KeywordThreshold == 0 {
		c.Caches.KeywordThreshold = 0.1
	}
	if c.Caches.Response.TTLSeconds == 0 {
		c.Caches.Response.TTLSeconds = 6 * 3600
	}
	if c.Caches.Response.MaxEntries == 0 {
		c.Caches.Response.MaxEntries = 500
	}
	if c.Caches.Response.MinQuality == 0 {
		c.Caches.Response.MinQuality = 0.30
	}
	if c.Caches.Claims.MaxEntries == 0 {
		c.Caches.Claims.MaxEntries = 5000
	}
	if c.Caches.Claims.MinQuality == 0 {
		c.Caches.Claims.MinQuality = 0.30
	}
	if c.Caches.Tools.TTLSeconds == 0 {
		c.Caches.Tools.TTLSeconds = 12 * 3600
	}
	if c.Caches.Tools.MaxEntries == 0 {
		c.Caches.Tools.MaxEntries = 2000
	}

	c.Breakers.LLM.setDefaultsFromEnv()
	c.Breakers.Tools.setDefaultsFromEnv()

	if c.Tools.TimeoutSeconds == 0 {
		c.Tools.TimeoutSeconds = 60
	}
	if c.Tools.InterventionTimeoutSeconds == 0 {
		c.Tools.InterventionTimeoutSeconds = 90
	}

	if c.Memory.RecallEnable == nil {
		enabled := envBool("MEMORY_RECALL_ENABLE", true)
		c.Memory.RecallEnable = &enabled
	}
	if c.Memory.RecallK == 0 {
		c.Memory.RecallK = envInt("MEMORY_RECALL_K", 8)
	}
	if c.Memory.ProfileMax == 0 {
		c.Memory.ProfileMax = envInt("PROFILE_MEMORY_MAX", 200)
	}
}

func (b *BreakerConfig) setDefaultsFromEnv() {
	if b.FailureThreshold == 0 {
		b.FailureThreshold = envInt("failure_threshold", 3)
	}
	if b.SuccessThreshold == 0 {
		b.SuccessThreshold = envInt("success_threshold", 2)
	}
	if b.WindowSeconds == 0 {
		b.WindowSeconds = envInt("window_seconds", 300)
	}
	if b.RecoveryTimeout == 0 {
		b.RecoveryTimeout = envInt("recovery_timeout", 60)
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	guide, ok := c.LLMs[RoleGuide]
	if !ok || guide == nil {
		return fmt.Errorf("guide LLM endpoint is required")
	}
	for role, llm := range c.LLMs {
		if err := llm.Validate(); err != nil {
			return fmt.Errorf("llm '%s': %w", role, err)
		}
	}
	if c.Embedder.Dimension <= 0 {
		return fmt.Errorf("embedder dimension must be positive, got %d", c.Embedder.Dimension)
	}
	if c.Reflection.RejectThreshold >= c.Reflection.AcceptThreshold {
		return fmt.Errorf("reflection reject_threshold (%.2f) must be below accept_threshold (%.2f)",
			c.Reflection.RejectThreshold, c.Reflection.AcceptThreshold)
	}
	switch c.Reflection.BudgetMode {
	case ReflectionSharedBudget, ReflectionPerRoleBudget:
	default:
		return fmt.Errorf("unknown reflection budget_mode: %s", c.Reflection.BudgetMode)
	}
	if c.Caches.Alpha < 0 || c.Caches.Alpha > 1 {
		return fmt.Errorf("cache alpha must be in [0,1], got %.2f", c.Caches.Alpha)
	}
	if c.Pipeline.MaxCycles < 1 {
		return fmt.Errorf("pipeline max_cycles must be at least 1")
	}
	return nil
}

// ModelDeadline returns the per-call LLM deadline as a duration.
func (c *Config) ModelDeadline() time.Duration {
	return time.Duration(c.Pipeline.ModelTimeout) * time.Second
}

func envOr(name, fallback string) string {
	if v := envString(name); v != "" {
		return v
	}
	return fallback
}
