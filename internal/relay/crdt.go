package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/gravitational/ttlmap"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

// Frame kinds for the CRDT wire protocol. Updates and snapshots are opaque
// blobs as far as the relay is concerned: the document format (Yjs,
// Automerge, or otherwise) is a client-side concern. The relay's job is
// ordering, persistence and fan-out, not merging.
const (
	frameSyncStep1 byte = iota // client -> server: its state vector (opaque, stored for future diffing only)
	frameSyncStep2             // server -> client: full known state, sent in response to sync step 1
	frameUpdate                // bidirectional: one incremental update
	framePresence              // bidirectional: awareness/presence, never persisted
)

const (
	roomInboxSize     = 64
	roomTableCapacity = 4096
	roomTableTTL      = 24 * time.Hour // backstop; real eviction is grace-timer driven
	defaultRoomGrace  = 30 * time.Second
	clientSendBuffer  = 64
)

// CRDTRelay is the RelayPlane sub-plane serving /ws/crdt/{docId}: per-document
// rooms, each mutated only by its own goroutine.
type CRDTRelay struct {
	crdtStore store.CRDTStore
	grace     time.Duration

	mu    sync.Mutex
	rooms *ttlmap.TTLMap
}

// NewCRDTRelay wraps a CRDTStore. grace <= 0 picks the default 30s
// last-client-leaves eviction grace period.
func NewCRDTRelay(crdtStore store.CRDTStore, grace time.Duration) (*CRDTRelay, error) {
	if grace <= 0 {
		grace = defaultRoomGrace
	}
	rooms, err := ttlmap.New(roomTableCapacity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &CRDTRelay{crdtStore: crdtStore, grace: grace, rooms: rooms}, nil
}

func (cr *CRDTRelay) room(docId string) *room {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if v, ok := cr.rooms.Get(docId); ok {
		return v.(*room)
	}
	r := newRoom(docId, cr.crdtStore)
	if err := cr.rooms.Set(docId, r, roomTableTTL); err != nil {
		log.Warnf("crdt room table: failed to register %v: %v", docId, err)
	}
	return r
}

// scheduleEviction starts docId's grace timer; if the room is still empty
// once it fires, the room is stopped and removed from the table.
func (cr *CRDTRelay) scheduleEviction(docId string, r *room) {
	time.AfterFunc(cr.grace, func() {
		cr.mu.Lock()
		defer cr.mu.Unlock()
		if atomic.LoadInt32(&r.numClients) != 0 {
			return
		}
		// Re-check against the table in case a concurrent join already
		// replaced this entry with a fresh room under the same docId.
		if v, ok := cr.rooms.Get(docId); !ok || v.(*room) != r {
			return
		}
		cr.rooms.Remove(docId)
		r.stop()
	})
}

// HandleConn joins idTag to docId's room with the given access level and
// blocks until the connection closes. access is 'R' or 'W'; any frameUpdate
// sent by an 'R' client is rejected with close code 4403.
func (cr *CRDTRelay) HandleConn(ctx context.Context, docId, idTag string, access byte, conn *websocket.Conn) {
	r := cr.room(docId)
	client := &crdtClient{conn: conn, send: make(chan []byte, clientSendBuffer), idTag: idTag, access: access}

	if err := r.join(ctx, client); err != nil {
		log.Warnf("crdt room %v: join failed: %v", docId, err)
		closeWithCode(conn, closeNotFound, "room unavailable")
		return
	}

	done := make(chan struct{})
	go client.writePump(done)
	client.readPump(r)
	close(done)

	r.leave(client)
	cr.scheduleEviction(docId, r)
}

// crdtClient is one connected participant in a room.
type crdtClient struct {
	conn   *websocket.Conn
	send   chan []byte
	idTag  string
	access byte
}

func (c *crdtClient) writePump(done <-chan struct{}) {
	defer c.conn.Close()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (c *crdtClient) readPump(r *room) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		kind, payload := data[0], data[1:]
		switch kind {
		case frameSyncStep1:
			r.post(roomEvent{kind: evSync1, client: c, payload: payload})
		case frameUpdate:
			if c.access != 'W' {
				closeWithCode(c.conn, closeForbidden, "read-only access")
				return
			}
			r.post(roomEvent{kind: evUpdate, client: c, payload: payload})
		case framePresence:
			r.post(roomEvent{kind: evPresence, client: c, payload: payload})
		}
	}
}

func encodeFrame(kind byte, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = kind
	copy(out[1:], payload)
	return out
}

type roomEventKind int

const (
	evJoin roomEventKind = iota
	evLeave
	evSync1
	evUpdate
	evPresence
)

type roomEvent struct {
	kind    roomEventKind
	client  *crdtClient
	payload []byte
}

// room owns the authoritative state for one document. All mutation happens
// on its own goroutine; every external entry point enqueues onto inbox.
type room struct {
	docId string
	crdt  store.CRDTStore

	inbox chan roomEvent

	numClients int32 // atomic, read by CRDTRelay's eviction timer

	clients map[*crdtClient]bool
}

func newRoom(docId string, crdtStore store.CRDTStore) *room {
	r := &room{
		docId:   docId,
		crdt:    crdtStore,
		inbox:   make(chan roomEvent, roomInboxSize),
		clients: make(map[*crdtClient]bool),
	}
	go r.run()
	return r
}

func (r *room) post(ev roomEvent) {
	r.inbox <- ev
}

// join blocks until the room has processed the join and replied with the
// initial sync step 2 (the full known state), or returns an error if the
// room failed to load its state from CRDTStore.
func (r *room) join(ctx context.Context, c *crdtClient) error {
	// Loaded here, before enqueuing the join, so a storage failure is
	// visible to the caller immediately rather than silently dropped on
	// the room's own goroutine, which has no request/response slot.
	snapshot, hasSnap, err := r.crdt.LoadSnapshot(ctx, r.docId)
	if err != nil {
		return trace.Wrap(err)
	}
	updates, err := r.crdt.LoadUpdates(ctx, r.docId)
	if err != nil {
		return trace.Wrap(err)
	}
	r.inbox <- roomEvent{kind: evJoin, client: c}

	state := flattenState(snapshot, hasSnap, updates)
	select {
	case c.send <- encodeFrame(frameSyncStep2, state):
	default:
		log.Warnf("crdt room %v: initial sync dropped, client send buffer full", r.docId)
	}
	return nil
}

func flattenState(snapshot []byte, hasSnap bool, updates [][]byte) []byte {
	var out []byte
	if hasSnap {
		out = append(out, snapshot...)
	}
	for _, u := range updates {
		out = append(out, u...)
	}
	return out
}

func (r *room) leave(c *crdtClient) {
	r.inbox <- roomEvent{kind: evLeave, client: c}
}

func (r *room) stop() {
	close(r.inbox)
}

func (r *room) run() {
	ctx := context.Background()
	for ev := range r.inbox {
		switch ev.kind {
		case evJoin:
			r.clients[ev.client] = true
			atomic.StoreInt32(&r.numClients, int32(len(r.clients)))

		case evLeave:
			if _, ok := r.clients[ev.client]; ok {
				delete(r.clients, ev.client)
				close(ev.client.send)
				atomic.StoreInt32(&r.numClients, int32(len(r.clients)))
			}

		case evSync1:
			// The relay doesn't diff against the client's state vector: it
			// has no document-format-specific merge logic. It already sent
			// the full known state on join; sync step 1 here is a no-op
			// beyond acknowledging receipt, matching "opaque update blobs".

		case evUpdate:
			if err := r.crdt.AppendUpdate(ctx, r.docId, ev.payload); err != nil {
				log.Warnf("crdt room %v: append update failed: %v", r.docId, err)
				continue
			}
			r.broadcast(ev.client, frameUpdate, ev.payload)

		case evPresence:
			r.broadcast(ev.client, framePresence, ev.payload)
		}
	}
}

// broadcast fans an update out to every room member except its origin, in
// the order it was received.
func (r *room) broadcast(origin *crdtClient, kind byte, payload []byte) {
	frame := encodeFrame(kind, payload)
	for c := range r.clients {
		if c == origin {
			continue
		}
		select {
		case c.send <- frame:
		default:
			log.Warnf("crdt room %v: dropping broadcast to %v, send buffer full", r.docId, c.idTag)
		}
	}
}
