// Package llms provides the outbound chat client for OpenAI-compatible
// endpoints.
//
// Each configured role (guide, coordinator) gets one client with its own
// concurrency semaphore and hard per-call deadline. Retries for transient
// HTTP failures live in the shared http client; circuit breaking sits a
// layer above, in the pipeline.
package llms

import (
	"context"
	"fmt"
	"time"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Response is one completed chat call.
type Response struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// Options tunes one call beyond the endpoint defaults.
type Options struct {
	// MaxTokens overrides the endpoint's response cap when > 0.
	MaxTokens int

	// Temperature overrides the endpoint default when non-nil.
	Temperature *float64

	// JSONMode asks the endpoint for a JSON object response.
	JSONMode bool
}

// Client is a chat endpoint.
type Client interface {
	// Chat runs one chat completion. The implementation applies the
	// endpoint's deadline if ctx carries none sooner.
	Chat(ctx context.Context, messages []Message, opts *Options) (*Response, error)

	// Model returns the configured model identifier.
	Model() string

	Close() error
}

// System builds a system message.
func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// User builds a user message.
func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Assistant builds an assistant message.
func Assistant(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ErrEmptyResponse is returned when the endpoint answers with no choices.
var ErrEmptyResponse = fmt.Errorf("llm returned an empty response")
