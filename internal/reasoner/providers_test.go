package reasoner

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sabaki-ai/sabaki/internal/model"
)

func TestOllamaProviderComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "json", req.Format)
		require.Len(t, req.Messages, 1)

		var resp ollamaChatResponse
		resp.Message.Content = validReply
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL, "qwen2.5:7b", 10*time.Second)
	out, err := p.Complete(context.Background(), "classify these tickets")
	require.NoError(t, err)
	assert.Equal(t, validReply, out)
}

func TestOllamaProviderServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model is loading", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL, "qwen2.5:7b", 10*time.Second)
	_, err := p.Complete(context.Background(), "prompt")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.True(t, apiErr.Transient())
}

func TestAgentDecideEndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var resp ollamaChatResponse
		resp.Message.Content = validReply
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	agent := NewAgent(
		NewOllamaProvider(server.URL, "qwen2.5:7b", 10*time.Second),
		slog.New(slog.DiscardHandler),
		10*time.Second,
	)

	res, err := agent.Decide(context.Background(), triageInput())
	require.NoError(t, err)
	require.Len(t, res.Decisions, 2)
	assert.Equal(t, model.RelationDuplicate, res.Decisions[0].Kind)
	assert.Equal(t, model.PriorityHigh, res.Artifact.Priority)
}
