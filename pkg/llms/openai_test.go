package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/cortex/pkg/config"
)

func endpointConfig(baseURL string) *config.LLMEndpointConfig {
	cfg := &config.LLMEndpointConfig{
		BaseURL: baseURL,
		Model:   "test-model",
		APIKey:  "sk-test",
	}
	cfg.SetDefaults()
	cfg.BaseURL = baseURL
	return cfg
}

func TestChatParsesResponse(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "the answer"}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 5},
		})
	}))
	defer srv.Close()

	client, err := NewOpenAIClient("guide", endpointConfig(srv.URL), 2, nil)
	require.NoError(t, err)

	resp, err := client.Chat(context.Background(), []Message{
		System("You are helpful."),
		User("What is the answer?"),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "the answer", resp.Content)
	assert.Equal(t, 12, resp.InputTokens)
	assert.Equal(t, 5, resp.OutputTokens)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "test-model", gotBody.Model)
	assert.Len(t, gotBody.Messages, 2)
}

func TestChatOptionsOverrideDefaults(t *testing.T) {
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "{}"}},
			},
		})
	}))
	defer srv.Close()

	client, err := NewOpenAIClient("guide", endpointConfig(srv.URL), 2, nil)
	require.NoError(t, err)

	temp := 0.0
	_, err = client.Chat(context.Background(), []Message{User("x")}, &Options{
		MaxTokens:   250,
		Temperature: &temp,
		JSONMode:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, 250, gotBody.MaxTokens)
	require.NotNil(t, gotBody.Temperature)
	assert.Equal(t, 0.0, *gotBody.Temperature)
	require.NotNil(t, gotBody.ResponseFormat)
	assert.Equal(t, "json_object", gotBody.ResponseFormat.Type)
}

func TestChatEndpointError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"message": "model overloaded", "type": "server_error"},
		})
	}))
	defer srv.Close()

	client, err := NewOpenAIClient("guide", endpointConfig(srv.URL), 2, nil)
	require.NoError(t, err)

	_, err = client.Chat(context.Background(), []Message{User("x")}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestChatEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"choices": []interface{}{}})
	}))
	defer srv.Close()

	client, err := NewOpenAIClient("guide", endpointConfig(srv.URL), 2, nil)
	require.NoError(t, err)

	_, err = client.Chat(context.Background(), []Message{User("x")}, nil)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestChatRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "recovered"}},
			},
		})
	}))
	defer srv.Close()

	client, err := NewOpenAIClient("guide", endpointConfig(srv.URL), 2, nil)
	require.NoError(t, err)

	resp, err := client.Chat(context.Background(), []Message{User("x")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRegistry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	r, err := NewRegistry(map[string]*config.LLMEndpointConfig{
		config.RoleGuide:       endpointConfig(srv.URL),
		config.RoleCoordinator: endpointConfig(srv.URL),
	}, 4, nil)
	require.NoError(t, err)
	defer r.Close()

	guide, err := r.Guide()
	require.NoError(t, err)
	assert.Equal(t, "test-model", guide.Model())

	_, err = r.Get("nonexistent")
	require.Error(t, err)

	assert.Equal(t, []string{"coordinator", "guide"}, r.Roles())
}
