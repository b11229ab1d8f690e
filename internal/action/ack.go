package action

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

func init() {
	Register(&Type{
		Name:        "ACK",
		InboundHook: ackInboundHook,
	})
}

// ackInboundHook marks the subject action accepted once its ACK arrives
// back at the original issuer.
func ackInboundHook(ctx context.Context, eng *Engine, a *store.Action) error {
	if a.Subject == "" {
		return trace.BadParameter("ACK missing subject")
	}
	if err := eng.Meta.UpdateActionStatus(ctx, a.TnId, a.Subject, store.ActionAccepted); err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	return nil
}
