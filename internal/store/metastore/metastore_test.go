package metastore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
	"github.com/cloudillo/cloudillo-sub008/internal/store/backend"
)

func TestCreateActionIsIdempotentByKey(t *testing.T) {
	s := New(backend.NewMemory())
	ctx := context.Background()

	first, created, err := s.CreateAction(ctx, 1, store.Action{
		ActionId: "a1", Key: "CONN:alice:bob", Type: "CONN", Status: store.ActionNew,
	})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := s.CreateAction(ctx, 1, store.Action{
		ActionId: "a2", Key: "CONN:alice:bob", Type: "CONN", Status: store.ActionNew,
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ActionId, second.ActionId)
}

func TestCreateActionConcurrentSameKey(t *testing.T) {
	s := New(backend.NewMemory())
	ctx := context.Background()

	const writers = 16
	var wins, failures int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, created, err := s.CreateAction(ctx, 1, store.Action{
				ActionId: fmt.Sprintf("a%d", i), Key: "shared-slot", Type: "POST", Status: store.ActionNew,
			})
			if err != nil {
				atomic.AddInt32(&failures, 1)
				return
			}
			if created {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	require.Zero(t, failures)

	require.EqualValues(t, 1, wins)
	winner, err := s.GetActionByKey(ctx, 1, "shared-slot")
	require.NoError(t, err)

	all, err := s.ListActions(ctx, 1, store.ActionFilter{Type: "POST"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, winner.ActionId, all[0].ActionId)
}

func TestCreateActionReusesDeletedSlot(t *testing.T) {
	s := New(backend.NewMemory())
	ctx := context.Background()

	_, created, err := s.CreateAction(ctx, 1, store.Action{
		ActionId: "a1", Key: "FLLW:alice:bob", Type: "FLLW", Status: store.ActionNew,
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, s.UpdateActionStatus(ctx, 1, "a1", store.ActionDeleted))

	replacement, created, err := s.CreateAction(ctx, 1, store.Action{
		ActionId: "a2", Key: "FLLW:alice:bob", Type: "FLLW", Status: store.ActionNew,
	})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "a2", replacement.ActionId)

	byKey, err := s.GetActionByKey(ctx, 1, "FLLW:alice:bob")
	require.NoError(t, err)
	require.Equal(t, "a2", byKey.ActionId)
}

func TestActionsAreTenantScoped(t *testing.T) {
	s := New(backend.NewMemory())
	ctx := context.Background()

	_, _, err := s.CreateAction(ctx, 1, store.Action{ActionId: "a1", Key: "k", Type: "POST"})
	require.NoError(t, err)

	// The same key in another tenant is a fresh slot, not a duplicate.
	_, created, err := s.CreateAction(ctx, 2, store.Action{ActionId: "b1", Key: "k", Type: "POST"})
	require.NoError(t, err)
	require.True(t, created)

	_, err = s.GetActionById(ctx, 2, "a1")
	require.True(t, trace.IsNotFound(err))
}

func TestListActionsFilters(t *testing.T) {
	s := New(backend.NewMemory())
	ctx := context.Background()

	seed := []store.Action{
		{ActionId: "a1", Key: "k1", Type: "POST", Issuer: "alice.example.com", Status: store.ActionNew},
		{ActionId: "a2", Key: "k2", Type: "MSG", Issuer: "alice.example.com", Audience: "bob.example.com", Status: store.ActionNew},
		{ActionId: "a3", Key: "k3", Type: "MSG", Issuer: "carol.example.com", Audience: "bob.example.com", Status: store.ActionAccepted},
	}
	for _, a := range seed {
		_, _, err := s.CreateAction(ctx, 1, a)
		require.NoError(t, err)
	}

	msgs, err := s.ListActions(ctx, 1, store.ActionFilter{Type: "MSG"})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	fromAlice, err := s.ListActions(ctx, 1, store.ActionFilter{Issuer: "alice.example.com"})
	require.NoError(t, err)
	require.Len(t, fromAlice, 2)

	accepted, err := s.ListActions(ctx, 1, store.ActionFilter{Status: store.ActionAccepted})
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	require.Equal(t, "a3", accepted[0].ActionId)

	limited, err := s.ListActions(ctx, 1, store.ActionFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestUpdateActionDataTogglesSynced(t *testing.T) {
	s := New(backend.NewMemory())
	ctx := context.Background()

	_, _, err := s.CreateAction(ctx, 1, store.Action{ActionId: "a1", Key: "k1", Type: "POST"})
	require.NoError(t, err)
	require.NoError(t, s.UpdateActionData(ctx, 1, "a1", true))

	unsynced, err := s.ListUnsyncedActions(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, unsynced)
}

func TestProfileStatusAndConnected(t *testing.T) {
	s := New(backend.NewMemory())
	ctx := context.Background()

	require.NoError(t, s.UpsertProfile(ctx, store.Profile{TnId: 1, IdTag: "bob.example.com", Status: store.ProfileActive}))
	require.NoError(t, s.SetProfileStatus(ctx, 1, "bob.example.com", store.ProfileConnected))
	require.NoError(t, s.SetProfileConnected(ctx, 1, "bob.example.com", true))

	p, err := s.GetProfile(ctx, 1, "bob.example.com")
	require.NoError(t, err)
	require.Equal(t, store.ProfileConnected, p.Status)
	require.True(t, p.Connected)
}

func TestSettingsPrefixListing(t *testing.T) {
	s := New(backend.NewMemory())
	ctx := context.Background()

	require.NoError(t, s.PutSetting(ctx, 1, "ui.theme", "dark"))
	require.NoError(t, s.PutSetting(ctx, 1, "notify.email", "on"))
	require.NoError(t, s.PutSetting(ctx, 1, "ui.lang", "en"))

	ui, err := s.ListSettings(ctx, 1, "ui.")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"ui.theme": "dark", "ui.lang": "en"}, ui)

	theme, err := s.GetSetting(ctx, 1, "ui.theme")
	require.NoError(t, err)
	require.Equal(t, "dark", theme)
}

func TestRefLifecycle(t *testing.T) {
	s := New(backend.NewMemory())
	ctx := context.Background()

	ref := store.Ref{RefId: "r1", TnId: 1, ResourceId: "file-1", AccessLvl: 'R'}
	require.NoError(t, s.CreateRef(ctx, ref))

	got, err := s.GetRef(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "file-1", got.ResourceId)

	require.NoError(t, s.DeleteRef(ctx, "r1"))
	_, err = s.GetRef(ctx, "r1")
	require.True(t, trace.IsNotFound(err))
}

func TestFileTags(t *testing.T) {
	s := New(backend.NewMemory())
	ctx := context.Background()

	require.NoError(t, s.CreateFile(ctx, 1, store.File{TnId: 1, FileId: "f1"}))
	require.NoError(t, s.TagFile(ctx, 1, "f1", "vacation"))
	require.NoError(t, s.TagFile(ctx, 1, "f1", "family"))

	tags, err := s.ListTags(ctx, 1)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"vacation", "family"}, tags)

	require.NoError(t, s.UntagFile(ctx, 1, "f1", "family"))
	tags, err = s.ListTags(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"vacation"}, tags)
}
