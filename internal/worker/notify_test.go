package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
	"github.com/cloudillo/cloudillo-sub008/internal/store/authstore"
	"github.com/cloudillo/cloudillo-sub008/internal/store/backend"
	"github.com/cloudillo/cloudillo-sub008/internal/store/metastore"
)

func TestNotificationFanoutDeliversQueuedNotification(t *testing.T) {
	var captured map[string]any
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		received <- struct{}{}
	}))
	defer srv.Close()

	auth := authstore.New(backend.NewMemory(), []byte("test-secret"))
	meta := metastore.New(backend.NewMemory())
	ctx := context.Background()

	tnId, err := auth.CreateTenant(ctx, "alice.example.com")
	require.NoError(t, err)
	require.NoError(t, meta.CreateSubscription(ctx, store.Subscription{Id: "sub1", TnId: tnId, Endpoint: srv.URL}))

	n := NewNotifier(auth, meta, nil)
	n.OfflineHandler()("alice.example.com", "ACTION", map[string]any{"actionId": "a1"})

	task := NewNotificationFanoutTask(n, time.Hour)
	_, done, err := task.Run(ctx)
	require.NoError(t, err)
	require.False(t, done)

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("notification was not delivered")
	}
	require.Equal(t, "ACTION", captured["type"])
	data, ok := captured["data"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "a1", data["actionId"])
}
