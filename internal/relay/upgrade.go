// Package relay implements RelayPlane: a single WebSocket upgrade handler
// dispatching to two sub-planes, MessageBus (per-tenant event fan-out) and
// CRDTRelay (per-document collaborative rooms).
package relay

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/cloudillo/cloudillo-sub008/internal/identity"
)

var log = logrus.WithFields(logrus.Fields{"component": "RelayPlane"})

// Close codes in [4400, 4500) signal a permanent auth/resource error;
// clients must not reconnect on receiving one.
const (
	closeUnauthorized = 4401
	closeForbidden    = 4403
	closeNotFound     = 4404
)

const writeWait = 10 * time.Second

// Dispatcher is the single upgrade handler routing to MessageBus or
// CRDTRelay by URL path.
type Dispatcher struct {
	Identity *identity.Service
	Bus      *MessageBus
	CRDT     *CRDTRelay

	upgrader websocket.Upgrader
}

// NewDispatcher wires the upgrade handler to its two sub-planes.
func NewDispatcher(ident *identity.Service, bus *MessageBus, crdt *CRDTRelay) *Dispatcher {
	return &Dispatcher{
		Identity: ident,
		Bus:      bus,
		CRDT:     crdt,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Tenant identity is carried in the Host header and revalidated
			// via the access token; cross-origin browser pages cannot act
			// as a tenant without a valid token either way.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP resolves the tenant, verifies the access token, parses the
// requested sub-plane from the URL path, and either routes the upgraded
// connection or fails the request before upgrading.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	_, idTag, err := d.Identity.ResolveTenant(ctx, r)
	if err != nil {
		http.Error(w, "unknown tenant", http.StatusNotFound)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		if c, cerr := r.Cookie("token"); cerr == nil {
			token = c.Value
		}
	}
	if token == "" {
		http.Error(w, "missing access token", http.StatusUnauthorized)
		return
	}
	claims, err := d.Identity.Auth.VerifyAccessToken(ctx, token)
	if err != nil {
		http.Error(w, "invalid access token", http.StatusUnauthorized)
		return
	}
	if iss, _ := claims["iss"].(string); iss != idTag {
		http.Error(w, "token does not match tenant", http.StatusUnauthorized)
		return
	}

	segs := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(segs) < 2 || segs[0] != "ws" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	switch segs[1] {
	case "bus":
		conn, err := d.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("bus upgrade for %v failed: %v", idTag, err)
			return
		}
		d.Bus.HandleConn(ctx, idTag, conn)

	case "crdt":
		if len(segs) < 3 || segs[2] == "" {
			http.Error(w, "missing document id", http.StatusNotFound)
			return
		}
		docId := segs[2]
		resourceId, _ := claims["res"].(string)
		grantedLvl := accessLvlFromClaim(claims["acc"])
		if resourceId != docId || grantedLvl == 0 {
			http.Error(w, "token not scoped for this document", http.StatusForbidden)
			return
		}
		requested := byte('R')
		if r.URL.Query().Get("access") == "W" {
			requested = 'W'
		}
		if requested == 'W' && grantedLvl != 'W' {
			http.Error(w, "read-only token", http.StatusForbidden)
			return
		}
		conn, err := d.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("crdt upgrade for %v/%v failed: %v", idTag, docId, err)
			return
		}
		d.CRDT.HandleConn(ctx, docId, idTag, requested, conn)

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func accessLvlFromClaim(v any) byte {
	switch t := v.(type) {
	case string:
		if len(t) > 0 {
			return t[0]
		}
	case float64:
		return byte(t)
	case byte:
		return t
	}
	return 0
}

// closeWithCode sends a close frame carrying code, then closes conn. Used
// for permission failures discovered only after the socket is already
// upgraded (CRDTRelay's per-write permission revalidation).
func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}
