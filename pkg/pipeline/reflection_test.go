package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/cortex/pkg/config"
	"github.com/kadirpekel/cortex/pkg/contract"
	"github.com/kadirpekel/cortex/pkg/llms"
)

// scriptedChat returns canned responses in order and counts calls.
type scriptedChat struct {
	replies []string
	err     error
	calls   int
}

func (s *scriptedChat) chat(ctx context.Context, role string, messages []llms.Message, opts *llms.Options) (*llms.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	idx := s.calls - 1
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	return &llms.Response{Content: s.replies[idx], OutputTokens: 20}, nil
}

func reflectionConfig() config.ReflectionConfig {
	cfg := config.ReflectionConfig{}
	full := &config.Config{Reflection: cfg}
	full.SetDefaults()
	return full.Reflection
}

func TestReflectionProceed(t *testing.T) {
	chat := &scriptedChat{replies: []string{`{"confidence": 0.95, "decision": "PROCEED"}`}}
	gate := NewReflectionGate(reflectionConfig(), chat.chat, contract.NewEnforcer())

	action := gate.Ask(context.Background(), "planner", "find hamster cages")
	proceed, ok := action.(Proceed)
	require.True(t, ok)
	assert.InDelta(t, 0.95, proceed.Conf, 0.001)
}

func TestReflectionClarifyBelowRejectThreshold(t *testing.T) {
	chat := &scriptedChat{replies: []string{
		`{"confidence": 0.2, "decision": "PROCEED", "question": "Which model do you mean?"}`,
	}}
	gate := NewReflectionGate(reflectionConfig(), chat.chat, contract.NewEnforcer())

	action := gate.Ask(context.Background(), "planner", "it")
	clarify, ok := action.(RequestClarification)
	require.True(t, ok)
	assert.Equal(t, "Which model do you mean?", clarify.Question)
}

func TestReflectionNeedsAnalysisBetweenThresholds(t *testing.T) {
	chat := &scriptedChat{replies: []string{`{"confidence": 0.6, "decision": "PROCEED"}`}}
	gate := NewReflectionGate(reflectionConfig(), chat.chat, contract.NewEnforcer())

	action := gate.Ask(context.Background(), "verifier", "partial evidence")
	_, ok := action.(NeedsAnalysis)
	assert.True(t, ok)
}

func TestReflectionNeedInfo(t *testing.T) {
	chat := &scriptedChat{replies: []string{
		`{"confidence": 0.6, "decision": "NEED_INFO", "info_requests": [{"type": "memory", "query": "user_preferences"}]}`,
	}}
	gate := NewReflectionGate(reflectionConfig(), chat.chat, contract.NewEnforcer())

	action := gate.Ask(context.Background(), "planner", "buy the usual")
	need, ok := action.(NeedInfo)
	require.True(t, ok)
	require.Len(t, need.Requests, 1)
	assert.Equal(t, "memory", need.Requests[0].Type)
}

func TestReflectionModelFailureProceedsDegraded(t *testing.T) {
	chat := &scriptedChat{err: fmt.Errorf("endpoint down")}
	gate := NewReflectionGate(reflectionConfig(), chat.chat, contract.NewEnforcer())

	action := gate.Ask(context.Background(), "planner", "anything")
	proceed, ok := action.(Proceed)
	require.True(t, ok)
	assert.InDelta(t, 0.5, proceed.Conf, 0.001)
}

func TestReflectionSharedBudgetExhaustion(t *testing.T) {
	cfg := reflectionConfig()
	cfg.BudgetMode = config.ReflectionSharedBudget
	cfg.MaxTokens = 10

	chat := &scriptedChat{replies: []string{`{"confidence": 0.9, "decision": "PROCEED"}`}}
	gate := NewReflectionGate(cfg, chat.chat, contract.NewEnforcer())
	gate.remaining = 0

	action := gate.Ask(context.Background(), "planner", "anything")
	_, ok := action.(Proceed)
	assert.True(t, ok)
	assert.Zero(t, chat.calls, "an exhausted budget must not spend a model call")
}

func TestReflectionUnparseableReplyProceedsDegraded(t *testing.T) {
	chat := &scriptedChat{replies: []string{"sure, go ahead!"}}
	gate := NewReflectionGate(reflectionConfig(), chat.chat, contract.NewEnforcer())

	action := gate.Ask(context.Background(), "planner", "anything")
	proceed, ok := action.(Proceed)
	require.True(t, ok)
	assert.InDelta(t, 0.5, proceed.Conf, 0.001)
}
