package action

import (
	"context"
	"fmt"

	"github.com/gravitational/trace"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

// connRescindMarker is the SubType value a CONN action carries when it
// rescinds a prior connection request.
const connRescindMarker = "DEL"

// connKey slots a connection request by its endpoint pair. A rescind gets a
// random slot instead: it must never dedup against the still-live CONN it
// is rescinding, and repeating one is harmless.
func connKey(a store.Action) string {
	if a.SubType == connRescindMarker {
		return ""
	}
	return fmt.Sprintf("CONN:%s:%s", a.Issuer, a.Audience)
}

func init() {
	Register(&Type{
		Name:         "CONN",
		KeyFn:        connKey,
		AllowUnknown: true,
		CreateHook:   connCreateHook,
		InboundHook:  connInboundHook,
	})
}

// connCreateHook mirrors connInboundHook's upgrade for the side that
// initiates the reciprocal CONN: if a's own inbox already holds a
// non-deleted CONN received from a.Audience, creating this outbound CONN
// completes the pair, so mark both accepted and connected immediately
// rather than waiting for the reciprocal to round-trip back over the wire:
// both profiles should show connected=true as soon as the second CONN is
// created, not after a further network hop.
func connCreateHook(ctx context.Context, eng *Engine, a *store.Action) error {
	localIdTag, err := eng.Auth.GetIdentityTag(ctx, a.TnId)
	if err != nil {
		return trace.Wrap(err)
	}
	if a.SubType == connRescindMarker {
		return clearConn(ctx, eng, a.TnId, localIdTag, a.Audience)
	}
	inbound, err := findConn(ctx, eng, a.TnId, a.Audience, localIdTag)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	if err := eng.Meta.UpdateActionStatus(ctx, a.TnId, inbound.ActionId, store.ActionAccepted); err != nil {
		return trace.Wrap(err)
	}
	if err := eng.Meta.SetProfileConnected(ctx, a.TnId, a.Audience, true); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(eng.Meta.UpdateActionStatus(ctx, a.TnId, a.ActionId, store.ActionAccepted))
}

// connInboundHook implements connection semantics: a rescind clears the
// connected flag; otherwise a reciprocal CONN upgrades both sides to
// accepted and connected, and a first-contact CONN is stored as a pending
// candidate (auto-accepted for community-type tenants).
func connInboundHook(ctx context.Context, eng *Engine, a *store.Action) error {
	localIdTag, err := eng.Auth.GetIdentityTag(ctx, a.TnId)
	if err != nil {
		return trace.Wrap(err)
	}

	if a.SubType == connRescindMarker {
		if err := clearConn(ctx, eng, a.TnId, localIdTag, a.Issuer); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(eng.Meta.UpdateActionStatus(ctx, a.TnId, a.ActionId, store.ActionAccepted))
	}

	reciprocal, err := findConn(ctx, eng, a.TnId, localIdTag, a.Issuer)
	if err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	if reciprocal != nil && reciprocal.Status != store.ActionDeleted {
		if err := eng.Meta.UpdateActionStatus(ctx, a.TnId, reciprocal.ActionId, store.ActionAccepted); err != nil {
			return trace.Wrap(err)
		}
		if err := eng.Meta.SetProfileConnected(ctx, a.TnId, a.Issuer, true); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(eng.Meta.UpdateActionStatus(ctx, a.TnId, a.ActionId, store.ActionAccepted))
	}

	if err := eng.Meta.UpdateActionStatus(ctx, a.TnId, a.ActionId, store.ActionCandidate); err != nil {
		return trace.Wrap(err)
	}

	community, err := eng.Meta.GetSetting(ctx, a.TnId, "profileType")
	if err == nil && community == "community" {
		signKey, err := eng.Keys.SigningKey(ctx, a.TnId)
		if err != nil {
			log.Warnf("community auto-accept CONN reply: no signing key for tenant %v: %v", a.TnId, err)
			return nil
		}
		if _, err := eng.CreateAction(ctx, a.TnId, localIdTag, signKey, store.Action{
			Type:     "CONN",
			Audience: a.Issuer,
		}); err != nil {
			log.Warnf("community auto-accept CONN reply failed: %v", err)
		}
	}
	return nil
}

// clearConn tears a connection down locally: both directions' CONN rows are
// marked deleted (freeing their key slots so the pair can reconnect later)
// and the peer profile's connected flag is cleared.
func clearConn(ctx context.Context, eng *Engine, tnId store.TnId, localIdTag, peerIdTag string) error {
	for _, pair := range [][2]string{{localIdTag, peerIdTag}, {peerIdTag, localIdTag}} {
		c, err := findConn(ctx, eng, tnId, pair[0], pair[1])
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return trace.Wrap(err)
		}
		if err := eng.Meta.UpdateActionStatus(ctx, tnId, c.ActionId, store.ActionDeleted); err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(eng.Meta.SetProfileConnected(ctx, tnId, peerIdTag, false))
}

// findConn looks for a non-rescinded CONN action from issuer to audience in
// this tenant's own action store (inbound or outbound, depending on which
// direction the caller asks for).
func findConn(ctx context.Context, eng *Engine, tnId store.TnId, issuer, audience string) (*store.Action, error) {
	actions, err := eng.Meta.ListActions(ctx, tnId, store.ActionFilter{Type: "CONN", Issuer: issuer, Audience: audience})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for i := range actions {
		if actions[i].SubType != connRescindMarker && actions[i].Status != store.ActionDeleted {
			return &actions[i], nil
		}
	}
	return nil, trace.NotFound("no matching CONN")
}
