package enrichment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAICompleter_Complete(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "{\"storyPoints\": 3}"}}]
		}`))
	}))
	defer srv.Close()

	c := NewOpenAICompleter("sk-test", "", srv.URL+"/v1/", 256)
	assert.Equal(t, "openai", c.Name())

	reply, err := c.Complete(context.Background(), "system prompt", "user prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"storyPoints": 3}`, reply)

	assert.Equal(t, "gpt-4o-mini", body["model"])
	assert.EqualValues(t, 256, body["max_tokens"])
	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 2)
}

func TestOpenAICompleter_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "chatcmpl-1", "object": "chat.completion", "choices": []}`))
	}))
	defer srv.Close()

	c := NewOpenAICompleter("sk-test", "gpt-4o", srv.URL+"/v1/", 0)
	_, err := c.Complete(context.Background(), "s", "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no response choices")
}

func TestOpenAICompleter_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "bad request", "type": "invalid_request_error"}}`))
	}))
	defer srv.Close()

	c := NewOpenAICompleter("sk-test", "gpt-4o", srv.URL+"/v1/", 0)
	_, err := c.Complete(context.Background(), "s", "p")
	assert.Error(t, err)
}

func TestAnthropicCompleter_Complete(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-5-haiku-latest",
			"content": [{"type": "text", "text": "{\"storyPoints\": "}, {"type": "text", "text": "5}"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`))
	}))
	defer srv.Close()

	c := NewAnthropicCompleter("sk-ant-test", "", srv.URL+"/", 0)
	assert.Equal(t, "anthropic", c.Name())

	reply, err := c.Complete(context.Background(), "system prompt", "user prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"storyPoints": 5}`, reply)

	assert.Equal(t, "claude-3-5-haiku-latest", body["model"])
	assert.EqualValues(t, 1024, body["max_tokens"])
}

func TestLLMModel_WithOpenAICompleter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		reply := `{"ai_description": "Build the checkout flow with card payments.", "story_points": 5, "confidence": 0.8}`
		resp := map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"choices": []any{map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "Here you go:\n" + reply},
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	model := newTestLLM(t, NewOpenAICompleter("sk-test", "", srv.URL+"/v1/", 0))

	result, err := model.Enrich(context.Background(), Request{ProjectID: "p1", TaskID: "t1", Title: "Checkout"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Build the checkout flow with card payments.", result.AIDescription)
	assert.Equal(t, 5, result.StoryPoints)
}
