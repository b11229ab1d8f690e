package worker

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

// profileSyncer is the narrow surface NewProfileResyncTask needs from
// internal/federation.
type profileSyncer interface {
	SyncProfile(ctx context.Context, tnId store.TnId, idTag, eTag string) error
}

const defaultStaleAfter = 24 * time.Hour

// NewProfileResyncTask re-fetches every remote profile last synced more
// than staleAfter ago (or never synced). staleAfter <= 0 picks
// defaultStaleAfter.
func NewProfileResyncTask(meta store.MetaStore, fed profileSyncer, clock clockwork.Clock, staleAfter time.Duration, interval time.Duration) *Task {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &Task{
		Name:     "profile-resync",
		Interval: interval,
		Run: func(ctx context.Context) (time.Duration, bool, error) {
			cutoff := clock.Now().Add(-staleAfter)
			stale, err := meta.ListStaleProfiles(ctx, cutoff)
			if err != nil {
				return 0, false, err
			}
			for _, p := range stale {
				if err := fed.SyncProfile(ctx, p.TnId, p.IdTag, p.ETag); err != nil {
					log.WithField("task", "profile-resync").Warnf("resync failed for %v: %v", p.IdTag, err)
				}
			}
			return 0, false, nil
		},
	}
}
