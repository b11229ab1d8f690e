package action

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

// connectPair drives a full two-sided CONN handshake between two tenants
// created on the harness, leaving both profiles connected.
func connectPair(t *testing.T, h *testHarness, aTn, bTn store.TnId, aTag, bTag string) {
	t.Helper()
	ctx := context.Background()
	aKey, err := h.keys.SigningKey(ctx, aTn)
	require.NoError(t, err)
	bKey, err := h.keys.SigningKey(ctx, bTn)
	require.NoError(t, err)

	_, err = h.eng.CreateAction(ctx, aTn, aTag, aKey, store.Action{Type: "CONN", Audience: bTag})
	require.NoError(t, err)
	_, err = h.eng.CreateAction(ctx, bTn, bTag, bKey, store.Action{Type: "CONN", Audience: aTag})
	require.NoError(t, err)

	aProf, err := h.meta.GetProfile(ctx, aTn, bTag)
	require.NoError(t, err)
	require.True(t, aProf.Connected)
	bProf, err := h.meta.GetProfile(ctx, bTn, aTag)
	require.NoError(t, err)
	require.True(t, bProf.Connected)
}

func TestConnRescindClearsBothSides(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	aliceTn := h.createTenant(t, "alice.example.com")
	bobTn := h.createTenant(t, "bob.example.com")
	connectPair(t, h, aliceTn, bobTn, "alice.example.com", "bob.example.com")

	aliceKey, err := h.keys.SigningKey(ctx, aliceTn)
	require.NoError(t, err)
	_, err = h.eng.CreateAction(ctx, aliceTn, "alice.example.com", aliceKey, store.Action{
		Type: "CONN", SubType: "DEL", Audience: "bob.example.com",
	})
	require.NoError(t, err)

	aliceProf, err := h.meta.GetProfile(ctx, aliceTn, "bob.example.com")
	require.NoError(t, err)
	require.False(t, aliceProf.Connected)

	bobProf, err := h.meta.GetProfile(ctx, bobTn, "alice.example.com")
	require.NoError(t, err)
	require.False(t, bobProf.Connected)
}

func TestConnReconnectAfterRescind(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	aliceTn := h.createTenant(t, "alice.example.com")
	bobTn := h.createTenant(t, "bob.example.com")
	connectPair(t, h, aliceTn, bobTn, "alice.example.com", "bob.example.com")

	aliceKey, err := h.keys.SigningKey(ctx, aliceTn)
	require.NoError(t, err)
	_, err = h.eng.CreateAction(ctx, aliceTn, "alice.example.com", aliceKey, store.Action{
		Type: "CONN", SubType: "DEL", Audience: "bob.example.com",
	})
	require.NoError(t, err)

	// The rescind marked the old CONN rows deleted, freeing their key
	// slots: a fresh handshake must go through from scratch. The clock
	// advance gives the new tokens a distinct iat, as real time would.
	h.clock.Advance(time.Minute)
	connectPair(t, h, aliceTn, bobTn, "alice.example.com", "bob.example.com")
}

func TestConnStoredAsCandidateUntilReciprocal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	aliceTn := h.createTenant(t, "alice.example.com")
	bobTn := h.createTenant(t, "bob.example.com")
	aliceKey, err := h.keys.SigningKey(ctx, aliceTn)
	require.NoError(t, err)

	_, err = h.eng.CreateAction(ctx, aliceTn, "alice.example.com", aliceKey, store.Action{
		Type: "CONN", Audience: "bob.example.com",
	})
	require.NoError(t, err)

	inbox, err := h.meta.ListActions(ctx, bobTn, store.ActionFilter{Type: "CONN", Issuer: "alice.example.com"})
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	require.Equal(t, store.ActionCandidate, inbox[0].Status)
}

func TestCommunityAutoAcceptsConn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	aliceTn := h.createTenant(t, "alice.example.com")
	hubTn := h.createTenant(t, "hub.example.com")
	require.NoError(t, h.meta.PutSetting(ctx, hubTn, "profileType", "community"))

	aliceKey, err := h.keys.SigningKey(ctx, aliceTn)
	require.NoError(t, err)
	_, err = h.eng.CreateAction(ctx, aliceTn, "alice.example.com", aliceKey, store.Action{
		Type: "CONN", Audience: "hub.example.com",
	})
	require.NoError(t, err)

	// The community tenant replied with a reciprocal CONN of its own, so
	// both sides end up connected without any user decision.
	aliceProf, err := h.meta.GetProfile(ctx, aliceTn, "hub.example.com")
	require.NoError(t, err)
	require.True(t, aliceProf.Connected)
	hubProf, err := h.meta.GetProfile(ctx, hubTn, "alice.example.com")
	require.NoError(t, err)
	require.True(t, hubProf.Connected)
}
