package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kadirpekel/cortex/pkg/config"
	"github.com/kadirpekel/cortex/pkg/httpclient"
	"github.com/kadirpekel/cortex/pkg/observability"
)

// OpenAIClient talks to one OpenAI-compatible chat endpoint.
type OpenAIClient struct {
	role    string
	cfg     *config.LLMEndpointConfig
	http    *httpclient.Client
	sem     *semaphore.Weighted
	metrics observability.Metrics
}

// NewOpenAIClient creates a client for one role's endpoint. concurrency
// caps simultaneous in-flight calls to the endpoint.
func NewOpenAIClient(role string, cfg *config.LLMEndpointConfig, concurrency int, metrics observability.Metrics) (*OpenAIClient, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm endpoint for role '%s' has no base URL", role)
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	hc := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
		httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
	)

	return &OpenAIClient{
		role:    role,
		cfg:     cfg,
		http:    hc,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		metrics: metrics,
	}, nil
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Chat runs one chat completion under the endpoint's semaphore and
// deadline.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, opts *Options) (*Response, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages to send")
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for llm slot: %w", err)
	}
	defer c.sem.Release(1)

	deadline := time.Duration(c.cfg.Timeout) * time.Second
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	reqBody := chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		TopP:        c.cfg.TopP,
	}
	if opts != nil {
		if opts.MaxTokens > 0 {
			reqBody.MaxTokens = opts.MaxTokens
		}
		if opts.Temperature != nil {
			reqBody.Temperature = opts.Temperature
		}
		if opts.JSONMode {
			reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
		}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordLLMCall(c.role, c.cfg.Model, time.Since(start), 0, 0, err)
		return nil, fmt.Errorf("chat request to %s failed: %w", c.role, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.RecordLLMCall(c.role, c.cfg.Model, time.Since(start), 0, 0, err)
		return nil, fmt.Errorf("read chat response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		err = fmt.Errorf("parse chat response: %w", err)
		c.metrics.RecordLLMCall(c.role, c.cfg.Model, time.Since(start), 0, 0, err)
		return nil, err
	}
	if parsed.Error != nil {
		err = fmt.Errorf("llm endpoint error (%s): %s", parsed.Error.Type, parsed.Error.Message)
		c.metrics.RecordLLMCall(c.role, c.cfg.Model, time.Since(start), 0, 0, err)
		return nil, err
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		c.metrics.RecordLLMCall(c.role, c.cfg.Model, time.Since(start), 0, 0, ErrEmptyResponse)
		return nil, ErrEmptyResponse
	}

	elapsed := time.Since(start)
	c.metrics.RecordLLMCall(c.role, c.cfg.Model, elapsed,
		parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, nil)

	return &Response{
		Content:      parsed.Choices[0].Message.Content,
		Model:        c.cfg.Model,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		Duration:     elapsed,
	}, nil
}

// Model returns the configured model identifier.
func (c *OpenAIClient) Model() string { return c.cfg.Model }

// Close releases client resources.
func (c *OpenAIClient) Close() error { return nil }

var _ Client = (*OpenAIClient)(nil)
