// Package gateway implements the HTTP API Gateway: the route table binding
// the public REST surface to IdentityService, ActionEngine, RelayPlane and
// the storage façades, following the teacher's handler-returns-value
// pattern (lib/web/conn_upgrade.go's
// func(w, r, p httprouter.Params) (interface{}, error)) rather than writing
// responses by hand in every handler.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/duo-labs/webauthn/webauthn"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/cloudillo/cloudillo-sub008/internal/action"
	"github.com/cloudillo/cloudillo-sub008/internal/federation"
	"github.com/cloudillo/cloudillo-sub008/internal/identity"
	"github.com/cloudillo/cloudillo-sub008/internal/relay"
	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

var log = logrus.WithFields(logrus.Fields{"component": "Gateway"})

// Perm is the permission level a route requires, checked against the
// resource named by a path parameter.
type Perm byte

const (
	PermNone  Perm = 0
	PermRead  Perm = 'R'
	PermWrite Perm = 'W'
	PermAdmin Perm = 'A'
)

// reqContext is the per-request context every handler receives, populated
// by the middleware chain before the route's handler function runs.
type reqContext struct {
	TnId  store.TnId
	IdTag string
	// Auth is the verified access-token claim set; nil for routes resolved
	// without a token (public routes, and the federation inbox which
	// verifies its own action-token signature instead).
	Auth map[string]any
}

func (rc *reqContext) userIdTag() string {
	if rc.Auth == nil {
		return ""
	}
	u, _ := rc.Auth["u"].(string)
	return u
}

func (rc *reqContext) accessLvl(resource string) byte {
	if rc.Auth == nil {
		return 0
	}
	res, _ := rc.Auth["res"].(string)
	if res != "" && res != resource {
		return 0
	}
	switch v := rc.Auth["acc"].(type) {
	case string:
		if len(v) > 0 {
			return v[0]
		}
	case float64:
		return byte(v)
	}
	return 0
}

// authFailure marks a failed authentication — a missing, malformed,
// expired or mismatched credential — so writeError answers 401 for it,
// distinct from the 403 a failed permission check gets. The WebSocket
// upgrade path draws the same line with its raw status writes.
type authFailure struct {
	err error
}

func (e *authFailure) Error() string { return e.err.Error() }
func (e *authFailure) Unwrap() error { return e.err }

// unauthenticated wraps err as an authentication failure.
func unauthenticated(err error) error { return &authFailure{err: err} }

// handlerFunc is the shape every route handler implements: build a result
// or an error, let ServeHTTP's wrapper translate either into an HTTP
// response. Mirrors lib/web/conn_upgrade.go's connectionUpgrade signature,
// generalized with the resolved tenant context as an explicit parameter
// rather than a *Handler method receiver carrying ambient session state.
type handlerFunc func(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// Handler wires the REST surface to the server core's components. It is
// the HTTP API Gateway of the design (§4.7): every handler runs under a
// resolved {tnId, idTag, auth} context built by withAuth/withPublic.
type Handler struct {
	Identity *identity.Service
	Engine   *action.Engine
	Fed      *federation.Client
	Relay    *relay.Dispatcher
	Auth     store.AuthStore
	Meta     store.MetaStore
	Blob     store.BlobStore
	DB       store.DatabaseStore

	// RP is the WebAuthn relying party for this deployment. Nil disables
	// the /wa/* routes (they report E-CORE-BADINPUT via trace.NotImplemented).
	RP *webauthn.WebAuthn
	// VAPIDPublicKey is returned verbatim by GET /vapid for browsers to use
	// when subscribing to push notifications; the matching private key lives
	// with internal/worker's Notifier.
	VAPIDPublicKey string

	router *httprouter.Router

	waMu       sync.Mutex
	waSessions map[store.TnId][]byte
}

// New builds the gateway's route table.
func New(ident *identity.Service, eng *action.Engine, fed *federation.Client, rel *relay.Dispatcher, auth store.AuthStore, meta store.MetaStore, blob store.BlobStore, db store.DatabaseStore) *Handler {
	h := &Handler{
		Identity: ident, Engine: eng, Fed: fed, Relay: rel,
		Auth: auth, Meta: meta, Blob: blob, DB: db,
		router:     httprouter.New(),
		waSessions: make(map[store.TnId][]byte),
	}
	h.registerRoutes()
	return h
}

// putWASession stashes the opaque session blob from a BeginRegistration or
// BeginLogin call until the matching Finish call arrives. One in-flight
// ceremony per tenant; a second Begin overwrites the first.
func (h *Handler) putWASession(tnId store.TnId, blob []byte) {
	h.waMu.Lock()
	defer h.waMu.Unlock()
	h.waSessions[tnId] = blob
}

func (h *Handler) getWASession(tnId store.TnId) ([]byte, bool) {
	h.waMu.Lock()
	defer h.waMu.Unlock()
	blob, ok := h.waSessions[tnId]
	delete(h.waSessions, tnId)
	return blob, ok
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(r.URL.Path) >= 4 && r.URL.Path[:4] == "/ws/" {
		h.Relay.ServeHTTP(w, r)
		return
	}
	h.router.ServeHTTP(w, r)
}

// resolve runs tenant resolution alone, for routes that need {tnId, idTag}
// but no auth check (public routes, login, register).
func (h *Handler) resolve(r *http.Request) (*reqContext, error) {
	tnId, idTag, err := h.Identity.ResolveTenant(r.Context(), r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &reqContext{TnId: tnId, IdTag: idTag}, nil
}

// bearerToken extracts the access token from the Authorization header, a
// cookie, or a query parameter, in that preference order.
func bearerToken(r *http.Request) string {
	if ah := r.Header.Get("Authorization"); len(ah) > 7 && ah[:7] == "Bearer " {
		return ah[7:]
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return r.URL.Query().Get("token")
}

// withAuth wraps a handler requiring a verified access token scoped for at
// least perm against the resource named by param (empty param means the
// check is against the tenant itself, i.e. any valid token suffices).
func (h *Handler) withAuth(perm Perm, param string, fn handlerFunc) httprouter.Handle {
	return h.wrap(func(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		token := bearerToken(r)
		if token == "" {
			return nil, unauthenticated(trace.AccessDenied("missing access token"))
		}
		claims, err := h.Auth.VerifyAccessToken(r.Context(), token)
		if err != nil {
			return nil, unauthenticated(trace.AccessDenied("invalid access token: %v", err))
		}
		if iss, _ := claims["iss"].(string); iss != "" && iss != rc.IdTag {
			return nil, unauthenticated(trace.AccessDenied("token does not match tenant"))
		}
		rc.Auth = claims
		if perm != PermNone {
			resource := rc.IdTag
			if param != "" {
				resource = p.ByName(param)
			}
			if !permits(claims, perm, resource) {
				return nil, trace.AccessDenied("insufficient permission")
			}
		}
		return fn(rc, w, r, p)
	})
}

// permits checks a verified claim set's granted access level against the
// permission a route requires. An access token's "r" claim (roles) carries
// "A" for tenant admins, who satisfy any permission on any resource of
// their own tenant; otherwise the token must be scoped (via "res"/"acc")
// to the specific resource.
func permits(claims map[string]any, perm Perm, resource string) bool {
	if roles, _ := claims["r"].(string); containsByte(roles, 'A') {
		return true
	}
	res, _ := claims["res"].(string)
	var acc byte
	switch v := claims["acc"].(type) {
	case string:
		if len(v) > 0 {
			acc = v[0]
		}
	case float64:
		acc = byte(v)
	}
	if res != "" && res != resource {
		return false
	}
	switch perm {
	case PermRead:
		return acc == 'R' || acc == 'W' || acc == 'A'
	case PermWrite:
		return acc == 'W' || acc == 'A'
	case PermAdmin:
		return acc == 'A'
	}
	return false
}

func containsByte(s string, b byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return true
		}
	}
	return false
}

// withPublic wraps a handler needing tenant resolution only.
func (h *Handler) withPublic(fn handlerFunc) httprouter.Handle {
	return h.wrap(fn)
}

// wrap resolves the tenant, runs fn, and translates its result into an
// HTTP response, mapping the error taxonomy (spec.md §7) onto status codes.
func (h *Handler) wrap(fn handlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		rc, err := h.resolve(r)
		if err != nil {
			writeError(w, err)
			return
		}
		result, err := fn(rc, w, r, p)
		if err != nil {
			writeError(w, err)
			return
		}
		if result == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readJSON decodes a JSON request body into v, reporting a BadParameter on
// malformed input (maps to E-CORE-BADINPUT).
func readJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return trace.BadParameter("invalid request body: %v", err)
	}
	return nil
}

// writeError maps the error taxonomy onto HTTP status codes: failed
// authentication is 401, a failed permission check is 403.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var af *authFailure
	switch {
	case errors.As(err, &af):
		status = http.StatusUnauthorized
	case trace.IsNotFound(err):
		status = http.StatusNotFound
	case trace.IsAlreadyExists(err), trace.IsCompareFailed(err):
		status = http.StatusConflict
	case trace.IsAccessDenied(err):
		status = http.StatusForbidden
	case trace.IsBadParameter(err):
		status = http.StatusUnprocessableEntity
	case trace.IsNotImplemented(err):
		status = http.StatusNotImplemented
	}
	if status == http.StatusInternalServerError {
		log.Errorf("request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": trace.UserMessage(err)})
}
