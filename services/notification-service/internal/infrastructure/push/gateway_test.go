package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/dealer-pipeline/internal/breaker"
	"github.com/baechuer/dealer-pipeline/services/notification-service/internal/application/notify"
)

func TestGateway_PostsMessage(t *testing.T) {
	var got gatewayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g, err := NewGateway(GatewayConfig{URL: srv.URL, APIKey: "k"})
	require.NoError(t, err)

	err = g.Push(context.Background(), "tok", notify.PushMessage{Title: "T", Body: "B", Data: map[string]string{"id": "1"}})
	require.NoError(t, err)
	assert.Equal(t, "tok", got.Message.Token)
	assert.Equal(t, "T", got.Message.Notification.Title)
	assert.Equal(t, "B", got.Message.Notification.Body)
	assert.Equal(t, "1", got.Message.Data["id"])
}

func TestGateway_OpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	g, err := NewGateway(GatewayConfig{URL: srv.URL})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		err := g.Push(context.Background(), "tok", notify.PushMessage{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 502")
	}
	err = g.Push(context.Background(), "tok", notify.PushMessage{})
	require.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, int32(5), calls.Load())
}

func TestNewGateway_RequiresURL(t *testing.T) {
	_, err := NewGateway(GatewayConfig{})
	require.Error(t, err)
}
