package worker

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
	"github.com/cloudillo/cloudillo-sub008/internal/store/backend"
	"github.com/cloudillo/cloudillo-sub008/internal/store/metastore"
)

type fakeSyncer struct {
	calls []string
}

func (f *fakeSyncer) SyncProfile(ctx context.Context, tnId store.TnId, idTag, eTag string) error {
	f.calls = append(f.calls, idTag)
	return nil
}

func TestProfileResyncSkipsTrustedAndFreshProfiles(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	meta := metastore.New(backend.NewMemory())
	ctx := context.Background()

	require.NoError(t, meta.UpsertProfile(ctx, store.Profile{TnId: 1, IdTag: "bob.example.com", Status: store.ProfileActive}))
	require.NoError(t, meta.UpsertProfile(ctx, store.Profile{TnId: 1, IdTag: "me.example.com", Status: store.ProfileTrusted}))
	require.NoError(t, meta.UpsertProfile(ctx, store.Profile{
		TnId: 1, IdTag: "fresh.example.com", Status: store.ProfileActive, SyncedAt: clock.Now(),
	}))

	syncer := &fakeSyncer{}
	task := NewProfileResyncTask(meta, syncer, clock, time.Hour, time.Hour)
	_, done, err := task.Run(ctx)
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, []string{"bob.example.com"}, syncer.calls)
}
