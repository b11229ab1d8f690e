package action

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/cloudillo/cloudillo-sub008/internal/identity"
	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

func byteReader(b []byte) io.Reader { return bytes.NewReader(b) }

// Delivery is the narrow outbound surface the engine needs from
// internal/federation: deliver a signed action token to a peer, or fetch an
// attachment's bytes from one. Declared here, rather than importing
// internal/federation directly, so the engine stays the reusable core and
// federation stays swappable.
type Delivery interface {
	DeliverAction(ctx context.Context, tnId store.TnId, peerIdTag, token string) error
	FetchAttachment(ctx context.Context, tnId store.TnId, peerIdTag, fileId string) ([]byte, error)
	IssuerKey(ctx context.Context, issuerIdTag string) (*rsa.PublicKey, error)
}

// KeyStore is the narrow surface the engine needs to sign outbound
// actions: one RSA signing key per local tenant. Kept separate from
// store.AuthStore because signing keys never leave the process (unlike
// certificates, which are served to ACME validators) and most deployments
// will want a dedicated, more carefully guarded backing store for them.
type KeyStore interface {
	SigningKey(ctx context.Context, tnId store.TnId) (*rsa.PrivateKey, error)
}

// Engine is the reference ActionEngine.
type Engine struct {
	Meta     store.MetaStore
	Auth     store.AuthStore
	Blob     store.BlobStore
	Bus      store.MessageBusStore
	Identity *identity.Service
	Delivery Delivery
	Keys     KeyStore
	Clock    clockwork.Clock

	// maxFanout bounds how many followers a single broadcast-type action
	// (POST, REPOST) fans out to in one createAction call, preventing
	// amplification from an unbounded follower list (REDESIGN FLAGS: the
	// source has no such bound on REPOST).
	maxFanout int

	mu          sync.Mutex
	tenantLocks map[store.TnId]*sync.Mutex
}

const defaultMaxFanout = 500

// New constructs an Engine. maxFanout <= 0 selects defaultMaxFanout.
func New(meta store.MetaStore, auth store.AuthStore, blob store.BlobStore, bus store.MessageBusStore, ident *identity.Service, delivery Delivery, keys KeyStore, clock clockwork.Clock, maxFanout int) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if maxFanout <= 0 {
		maxFanout = defaultMaxFanout
	}
	return &Engine{
		Meta: meta, Auth: auth, Blob: blob, Bus: bus,
		Identity: ident, Delivery: delivery, Keys: keys, Clock: clock,
		maxFanout:   maxFanout,
		tenantLocks: make(map[store.TnId]*sync.Mutex),
	}
}

// lockTenant serializes critical sections per tenant: create and inbound
// handling for one tenant never run concurrently with each other.
func (e *Engine) lockTenant(tnId store.TnId) func() {
	e.mu.Lock()
	l, ok := e.tenantLocks[tnId]
	if !ok {
		l = &sync.Mutex{}
		e.tenantLocks[tnId] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// resolveRoot walks the parent chain once to find an action's rootId: the
// parent's own rootId if it has one, else the parent itself.
func (e *Engine) resolveRoot(ctx context.Context, tnId store.TnId, parentId string) (string, error) {
	if parentId == "" {
		return "", nil
	}
	parent, err := e.Meta.GetActionById(ctx, tnId, parentId)
	if err != nil {
		if trace.IsNotFound(err) {
			return parentId, nil
		}
		return "", trace.Wrap(err)
	}
	if parent.RootId != "" {
		return parent.RootId, nil
	}
	return parent.ActionId, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomKey(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return prefix + ":" + hex.EncodeToString(buf)
}

// CreateAction runs the outbound flow: resolve
// audience, compute timestamp and key, sign, persist idempotently, run the
// create hook, enqueue delivery.
func (e *Engine) CreateAction(ctx context.Context, tnId store.TnId, issuerIdTag string, signKey *rsa.PrivateKey, draft store.Action) (*store.Action, error) {
	t, ok := Lookup(draft.Type)
	if !ok {
		return nil, trace.BadParameter("unknown action type %q", draft.Type)
	}

	if draft.Audience != "" {
		if _, err := e.Meta.GetProfile(ctx, tnId, draft.Audience); err != nil {
			if trace.IsNotFound(err) && !t.AllowUnknown {
				return nil, trace.AccessDenied("unknown audience profile %q for type %q", draft.Audience, draft.Type)
			} else if !trace.IsNotFound(err) {
				return nil, trace.Wrap(err)
			}
		}
	}

	created, didCreate, err := e.signAndPersist(ctx, tnId, issuerIdTag, signKey, t, draft)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !didCreate {
		// duplicate key returns the existing row unchanged.
		return created, nil
	}

	if t.CreateHook != nil {
		if err := t.CreateHook(ctx, e, created); err != nil {
			log.Warnf("createHook for %v failed: %v", created.Type, err)
		}
	}

	e.enqueueDelivery(ctx, tnId, t, created)
	return created, nil
}

// signAndPersist is CreateAction's per-tenant critical section: timestamp,
// root resolution, key computation, signing and the idempotent insert run
// under the tenant lock; hooks and delivery run after it is released, since
// both may create further actions (for this tenant or a peer served by the
// same process) and would self-deadlock otherwise.
func (e *Engine) signAndPersist(ctx context.Context, tnId store.TnId, issuerIdTag string, signKey *rsa.PrivateKey, t *Type, draft store.Action) (*store.Action, bool, error) {
	unlock := e.lockTenant(tnId)
	defer unlock()

	draft.TnId = tnId
	draft.Issuer = issuerIdTag
	draft.IssuedAt = nowCentisec(e.Clock)
	draft.Status = store.ActionNew

	rootId, err := e.resolveRoot(ctx, tnId, draft.ParentId)
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	draft.RootId = rootId

	if t.KeyFn != nil {
		draft.Key = t.KeyFn(draft)
	}
	if draft.Key == "" {
		draft.Key = randomKey(draft.Type)
	}

	token, err := e.Identity.SignActionToken(draft, signKey)
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	draft.Token = token
	draft.ActionId = hashToken(token)

	created, didCreate, err := e.Meta.CreateAction(ctx, tnId, draft)
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	return created, didCreate, nil
}

// enqueueDelivery posts the action token to its direct audience, or fans
// out to followers for broadcast types, bounded by maxFanout. The action is
// marked Synced once every attempted delivery in this call succeeds;
// internal/worker's DeliveryRetry task retries actions left unsynced.
func (e *Engine) enqueueDelivery(ctx context.Context, tnId store.TnId, t *Type, a *store.Action) {
	if e.Delivery == nil {
		return
	}
	if !t.Broadcast {
		if a.Audience == "" {
			return
		}
		if err := e.Delivery.DeliverAction(ctx, tnId, a.Audience, a.Token); err != nil {
			log.Warnf("delivery to %v failed: %v", a.Audience, err)
			return
		}
		e.markSynced(ctx, tnId, a.ActionId)
		return
	}

	followers, err := e.Meta.ListActions(ctx, tnId, store.ActionFilter{Type: "FLLW", Audience: a.Issuer})
	if err != nil {
		log.Warnf("follower lookup failed: %v", err)
		return
	}
	n := 0
	allDelivered := true
	for _, f := range followers {
		if n >= e.maxFanout {
			log.Warnf("fan-out budget (%v) exhausted for action %v, dropping remaining followers", e.maxFanout, a.ActionId)
			allDelivered = false
			break
		}
		if err := e.Delivery.DeliverAction(ctx, tnId, f.Issuer, a.Token); err != nil {
			log.Warnf("delivery to follower %v failed: %v", f.Issuer, err)
			allDelivered = false
		}
		n++
	}
	if allDelivered {
		e.markSynced(ctx, tnId, a.ActionId)
	}
}

// RetryDelivery re-attempts whatever left an already-persisted action
// unsynced, for internal/worker's DeliveryRetry task: outbound actions get
// their delivery retried, inbound ones (issuer is a remote peer) get their
// failed attachment fetch retried instead.
func (e *Engine) RetryDelivery(ctx context.Context, tnId store.TnId, a *store.Action) {
	t, ok := Lookup(a.Type)
	if !ok {
		log.Warnf("retry skipped for action %v: unknown type %q", a.ActionId, a.Type)
		return
	}
	localIdTag, err := e.Auth.GetIdentityTag(ctx, tnId)
	if err != nil {
		log.Warnf("retry skipped for action %v: %v", a.ActionId, err)
		return
	}
	if a.Issuer != localIdTag {
		if a.Attachment != "" && e.syncAttachments(ctx, tnId, a.Issuer, a.ActionId, a.Attachment) {
			e.markSynced(ctx, tnId, a.ActionId)
		}
		return
	}
	e.enqueueDelivery(ctx, tnId, t, a)
}

func (e *Engine) markSynced(ctx context.Context, tnId store.TnId, actionId string) {
	if err := e.Meta.UpdateActionData(ctx, tnId, actionId, true); err != nil {
		log.Warnf("marking action %v synced failed: %v", actionId, err)
	}
}

// HandleInboundActionToken verifies and persists an inbound action token,
// running its registered type's inbound hook.
func (e *Engine) HandleInboundActionToken(ctx context.Context, tnId store.TnId, localIdTag, token string) (*store.Action, error) {
	actionId := hashToken(token)

	if existing, err := e.Meta.GetActionById(ctx, tnId, actionId); err == nil {
		return existing, nil
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	// A first pass unmarshal without signature verification to discover
	// the issuer, so we know whose key set to fetch/cache.
	unverified, err := e.Identity.ParseActionTokenUnverified(token)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	issuerKey, err := e.Delivery.IssuerKey(ctx, unverified.Issuer)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	a, err := e.Identity.VerifyActionToken(token, issuerKey)
	if err != nil {
		// The issuer may have rotated its key since it was cached: drop
		// the cached entry, refetch, and re-verify once before rejecting.
		e.Identity.KeyRing().Invalidate(unverified.Issuer)
		issuerKey, kerr := e.Delivery.IssuerKey(ctx, unverified.Issuer)
		if kerr != nil {
			return nil, trace.Wrap(kerr)
		}
		a, err = e.Identity.VerifyActionToken(token, issuerKey)
		if err != nil {
			return nil, trace.AccessDenied("action token signature invalid: %v", err)
		}
	}

	t, ok := Lookup(a.Type)
	if !ok {
		return nil, trace.BadParameter("unknown action type %q", a.Type)
	}
	if a.Issuer == "" || a.IssuedAt == 0 || (a.Audience == "" && !t.Broadcast && !t.AllowUnknown) {
		return nil, trace.BadParameter("action %q missing required fields", a.Type)
	}

	if !t.AllowUnknown {
		profile, err := e.Meta.GetProfile(ctx, tnId, a.Issuer)
		if err != nil || !issuerPermitted(profile.Status) {
			return nil, trace.AccessDenied("unknown issuer %q", a.Issuer)
		}
	}

	persisted, err := e.persistInbound(ctx, tnId, localIdTag, actionId, token, a)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if t.InboundHook != nil {
		if err := t.InboundHook(ctx, e, persisted); err != nil {
			log.Warnf("inboundHook for %v failed: %v", persisted.Type, err)
		}
	}

	e.Bus.Publish(localIdTag, "ACTION", persisted)
	return persisted, nil
}

// persistInbound is HandleInboundActionToken's per-tenant critical section.
// The inbound hook runs after the lock is released: hooks like MSG's
// ACK-reply and CONN's community auto-accept create further actions and
// would self-deadlock on the tenant lock otherwise.
func (e *Engine) persistInbound(ctx context.Context, tnId store.TnId, localIdTag, actionId, token string, a store.Action) (*store.Action, error) {
	unlock := e.lockTenant(tnId)
	defer unlock()

	if _, err := e.Meta.GetProfile(ctx, tnId, a.Issuer); err != nil {
		if !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
		// First contact with this issuer: record a bare profile so
		// status/connected bookkeeping (e.g. CONN's hooks) has a row to
		// update. allowUnknown types are exactly the ones that legitimately
		// arrive before any profile sync has happened.
		if err := e.Meta.UpsertProfile(ctx, store.Profile{TnId: tnId, IdTag: a.Issuer, Status: store.ProfileActive}); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	attachSynced := true
	if a.Audience == localIdTag && a.Attachment != "" {
		attachSynced = e.syncAttachments(ctx, tnId, a.Issuer, actionId, a.Attachment)
	}

	rootId, err := e.resolveRoot(ctx, tnId, a.ParentId)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	a.TnId = tnId
	a.RootId = rootId
	a.ActionId = actionId
	if a.Key == "" {
		// Defensive fallback for a token that carried no "k" claim; every
		// type registered in this package always sets one at CreateAction
		// time, so this only guards against a malformed peer.
		a.Key = randomKey(a.Type)
	}
	a.Token = token
	a.Status = store.ActionNew
	// An inbound action is synced once its attachments (if any) are all
	// fetched; a failed fetch leaves it unsynced for the worker to retry.
	a.Synced = attachSynced

	persisted, _, err := e.Meta.CreateAction(ctx, tnId, a)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return persisted, nil
}

func issuerPermitted(status store.ProfileStatus) bool {
	switch status {
	case store.ProfileConnected, store.ProfileFollower, store.ProfileTrusted, store.ProfileActive, store.ProfileMuted:
		return true
	default:
		return false
	}
}

// parseAttachment splits the "flags:fileId[,fileId...]" wire format. flags
// is empty when the string carries no flag prefix.
func parseAttachment(s string) (flags string, fileIds []string) {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		flags, s = s[:i], s[i+1:]
	}
	for _, id := range strings.Split(s, ",") {
		if id != "" {
			fileIds = append(fileIds, id)
		}
	}
	return flags, fileIds
}

// syncAttachments fetches every file the attachment string names, returning
// whether all of them landed. Individual failures are logged, never fatal:
// the action persists without the attachment and the worker retries.
func (e *Engine) syncAttachments(ctx context.Context, tnId store.TnId, issuerIdTag, actionId, attachment string) bool {
	_, fileIds := parseAttachment(attachment)
	ok := true
	for _, fileId := range fileIds {
		if err := e.syncAttachment(ctx, tnId, issuerIdTag, fileId); err != nil {
			log.Warnf("attachment %v sync for action %v failed, persisting without it: %v", fileId, actionId, err)
			ok = false
		}
	}
	return ok
}

// syncAttachment fetches one attachment's bytes from the issuer, verifies
// the content hash, and persists it.
func (e *Engine) syncAttachment(ctx context.Context, tnId store.TnId, issuerIdTag, fileId string) error {
	bytes, err := e.Delivery.FetchAttachment(ctx, tnId, issuerIdTag, fileId)
	if err != nil {
		return trace.Wrap(err)
	}
	sum := sha256.Sum256(bytes)
	if hex.EncodeToString(sum[:]) != fileId {
		return trace.BadParameter("attachment hash mismatch for %q", fileId)
	}
	if err := e.Blob.WriteBlob(ctx, tnId, fileId, "", byteReader(bytes), store.WriteOpts{}); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(e.Meta.CreateFile(ctx, tnId, store.File{TnId: tnId, FileId: fileId, OwnerTag: issuerIdTag, CreatedAt: e.Clock.Now()}))
}

// AcceptAction runs a type's acceptHook when a local user accepts a
// candidate action and moves it to Accepted.
func (e *Engine) AcceptAction(ctx context.Context, tnId store.TnId, actionId string) error {
	a, err := e.Meta.GetActionById(ctx, tnId, actionId)
	if err != nil {
		return trace.Wrap(err)
	}
	t, ok := Lookup(a.Type)
	if !ok {
		return trace.BadParameter("unknown action type %q", a.Type)
	}
	if t.AcceptHook != nil {
		if err := t.AcceptHook(ctx, e, a); err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(e.Meta.UpdateActionStatus(ctx, tnId, actionId, store.ActionAccepted))
}

// RejectAction moves a candidate action to Rejected without running any
// accept hook.
func (e *Engine) RejectAction(ctx context.Context, tnId store.TnId, actionId string) error {
	if _, err := e.Meta.GetActionById(ctx, tnId, actionId); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(e.Meta.UpdateActionStatus(ctx, tnId, actionId, store.ActionRejected))
}
