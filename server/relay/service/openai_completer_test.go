package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_relay/server/relay/domain"
)

func TestOpenAICompleterNormalizesResponse(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"cheap-2024","choices":[{"index":0,"message":{"role":"assistant","content":"  Hello there  "},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	completer := NewOpenAICompleter(OpenAIConfig{APIKey: "k", BaseURL: server.URL + "/", CheapModel: "cheap", PremiumModel: "premium"})
	out, err := completer.Complete(context.Background(), CompletionRequest{
		Tier:    domain.TierCheap,
		System:  "sys",
		History: []ChatTurn{{Role: TurnRoleUser, Content: "q1"}, {Role: TurnRoleAssistant, Content: "a1"}},
		User:    "q2",
	})
	require.NoError(t, err)
	assert.Equal(t, Completion{Text: "Hello there", Model: "cheap-2024"}, out)

	assert.Equal(t, "cheap", got.Model)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "assistant", got.Messages[2].Role)
	assert.Equal(t, "q2", got.Messages[3].Content)
}

func TestOpenAICompleterFailsOnEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","choices":[]}`))
	}))
	defer server.Close()

	completer := NewOpenAICompleter(OpenAIConfig{BaseURL: server.URL})
	_, err := completer.Complete(context.Background(), CompletionRequest{Tier: domain.TierPremium, User: "q"})
	assert.ErrorIs(t, err, ErrCompletionFailed)
}
