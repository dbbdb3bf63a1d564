package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIProvider_Dimension(t *testing.T) {
	assert.Equal(t, 1536, NewOpenAIProvider("sk-test", "", "").Dimension())
	assert.Equal(t, 3072, NewOpenAIProvider("sk-test", "text-embedding-3-large", "").Dimension())
}

func TestOpenAIProvider_EmbedBatch(t *testing.T) {
	var body struct {
		Input []string `json:"input"`
		Model string   `json:"model"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		// out of order on purpose
		_, _ = w.Write([]byte(`{
			"object": "list",
			"model": "text-embedding-3-small",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0.5, 0.25]},
				{"object": "embedding", "index": 0, "embedding": [1, 0]}
			],
			"usage": {"prompt_tokens": 4, "total_tokens": 4}
		}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", "", srv.URL+"/v1/")
	vecs, err := p.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, body.Input)
	assert.Equal(t, "text-embedding-3-small", body.Model)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 0}, vecs[0])
	assert.Equal(t, []float32{0.5, 0.25}, vecs[1])

	empty, err := p.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestOpenAIProvider_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object": "list", "data": [{"object": "embedding", "index": 0, "embedding": [1]}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", "", srv.URL+"/v1/")
	_, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 1 embeddings for 2 inputs")
}

func TestOpenAIProvider_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "invalid api key"}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-bad", "", srv.URL+"/v1/")
	_, err := p.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to call OpenAI embeddings API")
}
