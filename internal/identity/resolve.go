// Package identity implements IdentityService: tenant resolution, the four
// capability-token kinds, certificate lifecycle and WebAuthn ceremonies.
package identity

import (
	"context"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/cloudillo/cloudillo-sub008/internal/config"
	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

var log = logrus.WithFields(logrus.Fields{"component": "Identity"})

// cloudillo proxy prefix stripped from the effective host to recover idTag.
const proxyPrefix = "cl-o."

// Service is the reference IdentityService.
type Service struct {
	Mode  config.Mode
	Auth  store.AuthStore
	Clock clockwork.Clock

	keys *KeyRing
}

// New constructs an IdentityService over an AuthStore.
func New(mode config.Mode, auth store.AuthStore, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{Mode: mode, Auth: auth, Clock: clock, keys: NewKeyRing()}
}

// KeyRing returns the service's issuer-key cache. The federation client
// populates it on fetch; verification paths read through it so a peer's
// key set is not refetched per inbound action.
func (s *Service) KeyRing() *KeyRing { return s.keys }

// EffectiveHost extracts the host a request should be resolved against,
// depending on deployment mode.
func (s *Service) EffectiveHost(r *http.Request) string {
	if s.Mode == config.ModeProxy || s.Mode == config.ModeStreamProxy {
		if fwd := r.Header.Get("x-forwarded-host"); fwd != "" {
			// first value only: later hops are other proxies, not the edge.
			return strings.TrimSpace(strings.Split(fwd, ",")[0])
		}
	}
	return r.Host
}

// IdTagFromHost strips the "cl-o." federation prefix to recover a tenant's
// idTag.
func IdTagFromHost(host string) string {
	host = strings.ToLower(host)
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return strings.TrimPrefix(host, proxyPrefix)
}

// ResolveTenant resolves an inbound request to a tenant id.
func (s *Service) ResolveTenant(ctx context.Context, r *http.Request) (store.TnId, string, error) {
	idTag := IdTagFromHost(s.EffectiveHost(r))
	if idTag == "" {
		return 0, "", trace.NotFound("unknown tenant: empty host")
	}
	tnId, err := s.Auth.GetTnId(ctx, idTag)
	if err != nil {
		return 0, "", trace.Wrap(err)
	}
	return tnId, idTag, nil
}
