package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryWindowTrims(t *testing.T) {
	h := NewHistory(3)

	h.Append("!room", RoleUser, "one")
	h.Append("!room", RoleAssistant, "two")
	h.Append("!room", RoleUser, "three")
	h.Append("!room", RoleAssistant, "four")

	msgs := h.Messages("!room")
	require.Len(t, msgs, 3)
	assert.Equal(t, "two", msgs[0].Content, "the oldest turn falls off")
	assert.Equal(t, "four", msgs[2].Content)
}

func TestHistoryRoomsAreIndependent(t *testing.T) {
	h := NewHistory(0)

	h.Append("!a", RoleUser, "in a")
	h.Append("!b", RoleUser, "in b")

	assert.Len(t, h.Messages("!a"), 1)
	assert.Len(t, h.Messages("!b"), 1)
	assert.Empty(t, h.Messages("!c"))
}

func TestHistoryReset(t *testing.T) {
	h := NewHistory(0)
	h.Append("!a", RoleUser, "hello")
	h.Reset("!a")
	assert.Empty(t, h.Messages("!a"))
}

func TestHistoryMessagesReturnsCopy(t *testing.T) {
	h := NewHistory(0)
	h.Append("!a", RoleUser, "hello")

	msgs := h.Messages("!a")
	msgs[0].Content = "mutated"

	assert.Equal(t, "hello", h.Messages("!a")[0].Content)
}

func TestHTTPClientChat(t *testing.T) {
	var gotAuth string
	var gotBody chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "hello back"}},
			},
			"usage": map[string]int{
				"prompt_tokens":     12,
				"completion_tokens": 3,
				"total_tokens":      15,
			},
		})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "secret-key")
	result, err := client.Chat(context.Background(), Request{
		Model: "test-model",
		Messages: []Message{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "hi"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "hello back", result.Text)
	assert.Equal(t, 15, result.Usage.TotalTokens)
	assert.Equal(t, "Bearer secret-key", gotAuth)
	assert.Equal(t, "test-model", gotBody.Model)
	require.Len(t, gotBody.Messages, 2)
	assert.Equal(t, RoleUser, gotBody.Messages[1].Role)
}

func TestHTTPClientChatBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "rate limited", "type": "rate_limit"},
		})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "")
	_, err := client.Chat(context.Background(), Request{Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestHTTPClientChatEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "")
	_, err := client.Chat(context.Background(), Request{Model: "m"})
	assert.Error(t, err)
}
