package worker

import (
	"context"
	"time"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

// deliveryRetrier is the narrow surface NewDeliveryRetryTask needs from
// internal/action.Engine.
type deliveryRetrier interface {
	RetryDelivery(ctx context.Context, tnId store.TnId, a *store.Action)
}

// NewDeliveryRetryTask re-attempts delivery of every unsynced outbound
// action across every tenant. A fan-out that exhausted its follower budget
// or hit a transient federation error on creation leaves the action
// unsynced; this is the only place such actions get a second attempt.
func NewDeliveryRetryTask(auth store.AuthStore, meta store.MetaStore, eng deliveryRetrier, interval time.Duration) *Task {
	return &Task{
		Name:     "delivery-retry",
		Interval: interval,
		Run: func(ctx context.Context) (time.Duration, bool, error) {
			tenants, err := auth.ListTenants(ctx)
			if err != nil {
				return 0, false, err
			}
			for _, tn := range tenants {
				actions, err := meta.ListUnsyncedActions(ctx, tn.TnId)
				if err != nil {
					log.WithField("task", "delivery-retry").Warnf("listing unsynced actions for %v failed: %v", tn.IdTag, err)
					continue
				}
				for i := range actions {
					eng.RetryDelivery(ctx, tn.TnId, &actions[i])
				}
			}
			return 0, false, nil
		},
	}
}
