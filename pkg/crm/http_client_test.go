package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_SendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body["content"])
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "m1", "content": "hello", "message_type": "outgoing"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "test-key")
	msg, err := c.SendMessage(context.Background(), "acc1", "conv1", "hello", false)
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, MessageOutgoing, msg.Type)
}

func TestHTTPClient_GetConversation_AssignedAndUnassigned(t *testing.T) {
	assigned := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"meta":              map[string]any{"assignee": map[string]any{"id": 42}},
			"custom_attributes": map[string]any{},
			"last_activity_at":  1700000000,
		})
	}))
	defer assigned.Close()

	c := NewHTTPClient(assigned.URL, "k")
	conv, err := c.GetConversation(context.Background(), "acc1", "conv1")
	require.NoError(t, err)
	assert.Equal(t, "42", conv.AssigneeID)
	assert.True(t, AssistedByHuman(conv))

	unassigned := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"meta": map[string]any{}})
	}))
	defer unassigned.Close()

	c2 := NewHTTPClient(unassigned.URL, "k")
	conv2, err := c2.GetConversation(context.Background(), "acc1", "conv1")
	require.NoError(t, err)
	assert.False(t, AssistedByHuman(conv2))
}

func TestHTTPClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "k")
	_, err := c.FetchMessages(context.Background(), "acc1", "conv1", 10)
	assert.Error(t, err)
}
