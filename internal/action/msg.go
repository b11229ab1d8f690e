package action

import (
	"context"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

func init() {
	Register(&Type{
		Name:        "MSG",
		InboundHook: msgInboundHook,
	})
}

// msgInboundHook replies to a direct message with an ACK so the sender can
// observe delivery.
func msgInboundHook(ctx context.Context, eng *Engine, a *store.Action) error {
	localIdTag, err := eng.Auth.GetIdentityTag(ctx, a.TnId)
	if err != nil {
		return err
	}
	signKey, err := eng.Keys.SigningKey(ctx, a.TnId)
	if err != nil {
		log.Warnf("MSG ack for %v: no signing key for tenant %v: %v", a.ActionId, a.TnId, err)
		return nil
	}
	_, err = eng.CreateAction(ctx, a.TnId, localIdTag, signKey, store.Action{
		Type:     "ACK",
		Audience: a.Issuer,
		Subject:  a.ActionId,
	})
	return err
}
