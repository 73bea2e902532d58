package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_NilReceiver(t *testing.T) {
	var s *Service
	err := s.SendAlert(context.Background(), "high", "title", "body", "fp-1")
	assert.NoError(t, err)
}

func TestNewService(t *testing.T) {
	t.Run("returns nil when token empty", func(t *testing.T) {
		svc := NewService(ServiceConfig{Token: "", Channel: "C123"})
		assert.Nil(t, svc)
	})

	t.Run("returns nil when channel empty", func(t *testing.T) {
		svc := NewService(ServiceConfig{Token: "xoxb-test", Channel: ""})
		assert.Nil(t, svc)
	})

	t.Run("returns service when configured", func(t *testing.T) {
		svc := NewService(ServiceConfig{
			Token:   "xoxb-test",
			Channel: "C123",
		})
		assert.NotNil(t, svc)
	})
}

func mockSlackServer(postMessageCalled *bool) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		*postMessageCalled = true
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "ts": "1700000000.000100"})
	})
	mux.HandleFunc("/conversations.history", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "messages": []any{}, "has_more": false})
	})
	return httptest.NewServer(mux)
}

func TestService_SendAlert_NoFingerprint(t *testing.T) {
	var called bool
	srv := mockSlackServer(&called)
	defer srv.Close()

	client := NewClientWithAPIURL("xoxb-test", "C1", srv.URL+"/")
	svc := NewServiceWithClient(client)

	err := svc.SendAlert(context.Background(), "critical", "Refund spike", "body text", "")
	require.NoError(t, err)
	assert.True(t, called)
}

func TestService_SendAlert_WithFingerprintStillPosts(t *testing.T) {
	var called bool
	srv := mockSlackServer(&called)
	defer srv.Close()

	client := NewClientWithAPIURL("xoxb-test", "C1", srv.URL+"/")
	svc := NewServiceWithClient(client)

	err := svc.SendAlert(context.Background(), "medium", "Recurring alert", "body", "fp-abc")
	require.NoError(t, err)
	assert.True(t, called, "lookup miss should fall back to a new top-level post")
}

func TestService_SendAlert_PostFailurePropagates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "channel_not_found"})
	})
	mux.HandleFunc("/conversations.history", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "messages": []any{}, "has_more": false})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClientWithAPIURL("xoxb-test", "C1", srv.URL+"/")
	svc := NewServiceWithClient(client)

	err := svc.SendAlert(context.Background(), "low", "title", "body", "")
	assert.Error(t, err)
}
