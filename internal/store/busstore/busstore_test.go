package busstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishOnlinePreferred(t *testing.T) {
	s := New()
	var got string
	unregister := s.RegisterOnline("alice.example.com", func(msgType string, payload any) {
		got = msgType
	})
	defer unregister()

	s.SetOfflineHandler(func(idTag, msgType string, payload any) {
		t.Fatalf("offline handler called despite an online sink")
	})

	s.Publish("alice.example.com", "ACTION", nil)
	require.Equal(t, "ACTION", got)
}

func TestPublishOfflineFallback(t *testing.T) {
	s := New()
	var gotIdTag, gotType string
	s.SetOfflineHandler(func(idTag, msgType string, payload any) {
		gotIdTag = idTag
		gotType = msgType
	})

	s.Publish("bob.example.com", "ACTION", nil)
	require.Equal(t, "bob.example.com", gotIdTag)
	require.Equal(t, "ACTION", gotType)
}

func TestPublishOfflineInvokedExactlyOnce(t *testing.T) {
	s := New()
	calls := 0
	s.SetOfflineHandler(func(idTag, msgType string, payload any) {
		calls++
	})
	s.Publish("bob.example.com", "ACTION", nil)
	require.Equal(t, 1, calls)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	s := New()
	delivered := false
	unregister := s.RegisterOnline("alice.example.com", func(msgType string, payload any) {
		delivered = true
	})
	unregister()

	offline := false
	s.SetOfflineHandler(func(idTag, msgType string, payload any) { offline = true })

	s.Publish("alice.example.com", "ACTION", nil)
	require.False(t, delivered)
	require.True(t, offline)
}

func TestMultipleOnlineSinksAllReceive(t *testing.T) {
	s := New()
	var a, b bool
	unregA := s.RegisterOnline("alice.example.com", func(msgType string, payload any) { a = true })
	unregB := s.RegisterOnline("alice.example.com", func(msgType string, payload any) { b = true })
	defer unregA()
	defer unregB()

	s.Publish("alice.example.com", "ACTION", nil)
	require.True(t, a)
	require.True(t, b)
}
