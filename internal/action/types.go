// Package action implements ActionEngine: the signed, idempotent,
// causally-linked action subsystem, grounded on the
// teacher's lib/services/local/presence.go typed-service-over-store shape
// and lib/events registration-by-name pattern (lib/events/api.go).
package action

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

var log = logrus.WithFields(logrus.Fields{"component": "ActionEngine"})

// Hook runs a type-specific side effect against an already-persisted
// action. Engine is passed in narrow form (the Engine itself) so hooks can
// create replies (e.g. ACK) or update profile/action status.
type Hook func(ctx context.Context, eng *Engine, a *store.Action) error

// Type is one declaratively registered action type.
type Type struct {
	Name string

	// KeyFn computes the idempotency key for an outbound action of this
	// type. A nil KeyFn means "auto": the engine generates a random slot.
	KeyFn func(a store.Action) string

	// AllowUnknown permits this type to be accepted from an issuer whose
	// profile is not yet known/trusted (CONN, FLLW).
	AllowUnknown bool

	// Broadcast marks direct-audience-less types that fan out to the
	// issuer's followers rather than addressing one Audience.
	Broadcast bool

	CreateHook  Hook
	InboundHook Hook
	AcceptHook  Hook
}

// registry is the closed set of action types the core understands. New
// types are a code change: registered from each type's own file's init(),
// never from configuration (REDESIGN FLAGS: compile-time-closed registry).
var registry = map[string]*Type{}

// Register adds t to the registry. Panics on duplicate registration, which
// can only happen from a programming error at package init time.
func Register(t *Type) {
	if _, exists := registry[t.Name]; exists {
		panic("action: duplicate registration for type " + t.Name)
	}
	registry[t.Name] = t
}

// Lookup returns the registered Type for name, if any.
func Lookup(name string) (*Type, bool) {
	t, ok := registry[name]
	return t, ok
}
