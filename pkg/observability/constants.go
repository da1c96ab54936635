package observability

const (
	AttrTurnID          = "turn.id"
	AttrSessionID       = "session.id"
	AttrPhase           = "pipeline.phase"
	AttrRole            = "llm.role"
	AttrToolName        = "tool.name"
	AttrLLMModel        = "llm.model"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrCacheLayer      = "cache.layer"
	AttrErrorType       = "error.type"

	SpanTurn          = "pipeline.turn"
	SpanPhase         = "pipeline.phase"
	SpanLLMRequest    = "pipeline.llm_request"
	SpanToolExecution = "pipeline.tool_execution"
	SpanCacheLookup   = "pipeline.cache_lookup"
	SpanEmbedding     = "pipeline.embedding"

	DefaultServiceName = "cortex"
)
