// Package store declares the abstract storage contracts the server core
// consumes: AuthStore, MetaStore, BlobStore, CRDTStore,
// MessageBusStore and DatabaseStore. Each is a narrow interface; one
// reference implementation of each lives in a sibling package
// (authstore, metastore, blobstore, crdtstore, busstore, dbstore) built
// over the shared backend.Backend key/value contract.
package store

import (
	"context"
	"io"
	"time"
)

// TnId is a tenant's dense local numeric identifier.
type TnId uint64

// ProfileStatus is a remote or local profile's cached trust state.
type ProfileStatus byte

const (
	ProfileUnknown   ProfileStatus = 0
	ProfileTrusted   ProfileStatus = 'T' // local, owned tenant
	ProfileActive    ProfileStatus = 'A' // active remote
	ProfileFollower  ProfileStatus = 'F'
	ProfileConnected ProfileStatus = 'C'
	ProfileMuted     ProfileStatus = 'M'
	ProfileBlocked   ProfileStatus = 'B'
)

// ActionStatus is an Action's lifecycle state.
type ActionStatus byte

const (
	ActionNew       ActionStatus = 'N'
	ActionCandidate ActionStatus = 'C'
	ActionAccepted  ActionStatus = 'A'
	ActionRejected  ActionStatus = 'R'
	ActionDeleted   ActionStatus = 'D'
)

// Tenant is a unit of ownership within one instance.
type Tenant struct {
	TnId  TnId
	IdTag string
}

// Profile is a cached view of a local or remote identity.
type Profile struct {
	TnId      TnId
	IdTag     string
	Status    ProfileStatus
	ETag      string
	Name      string
	PictureId string
	KeySet    []byte // cached issuer key set (JWKS-shaped), see internal/identity
	Connected bool
	SyncedAt  time.Time // last successful SyncProfile; zero for never-synced
}

// Action is the persisted row for one signed action.
type Action struct {
	TnId       TnId
	ActionId   string
	Key        string
	Issuer     string
	Audience   string
	ParentId   string
	RootId     string
	Subject    string
	Type       string
	SubType    string
	Status     ActionStatus
	Token      string
	Content    []byte
	Attachment string
	IssuedAt   int64 // centisecond epoch, see internal/action/timestamp.go
	Synced     bool
}

// ActionFilter narrows an action listing.
type ActionFilter struct {
	Type     string
	Status   ActionStatus
	Audience string
	Issuer   string
	Cursor   string
	Limit    int
}

// File is content-addressed tenant-owned storage metadata.
type File struct {
	TnId        TnId
	FileId      string
	ParentId    string
	FileName    string
	ContentType string
	FileType    string
	Size        int64
	OwnerTag    string
	CreatedAt   time.Time
}

// FileVariant records one rendered variant of a File (tn, sd, hd, ic, pf, ...).
type FileVariant struct {
	FileId  string
	Label   string
	Size    int64
	FileId2 string // content hash of the variant bytes
}

// FileFilter narrows a file listing.
type FileFilter struct {
	ParentId string
	FileType string
	Tag      string
	Cursor   string
	Limit    int
}

// Ref is a short opaque capability pointer.
type Ref struct {
	RefId      string
	TnId       TnId
	ResourceId string
	AccessLvl  byte // 'R' or 'W'
	Quota      int64
	Expiry     time.Time
}

// Subscription is a push-notification endpoint registration.
type Subscription struct {
	Id       string
	TnId     TnId
	Endpoint string
	Keys     map[string]string
}

// AuthStore owns identity, credential, and certificate state.
type AuthStore interface {
	CreateTenant(ctx context.Context, idTag string) (TnId, error)
	ListTenants(ctx context.Context) ([]Tenant, error)
	GetIdentityTag(ctx context.Context, tnId TnId) (string, error)
	GetTnId(ctx context.Context, idTag string) (TnId, error)

	SetPassword(ctx context.Context, tnId TnId, password string) error
	VerifyPassword(ctx context.Context, tnId TnId, password string) error

	WebauthnRegisterBegin(ctx context.Context, tnId TnId) ([]byte, string, error)
	WebauthnRegisterFinish(ctx context.Context, tnId TnId, sessionId string, resp []byte) error
	WebauthnList(ctx context.Context, tnId TnId) ([]string, error)
	WebauthnDelete(ctx context.Context, tnId TnId, keyId string) error

	// TOTP is the second local second-factor alongside WebAuthn, stored
	// under the idp. settings namespace's sibling credential tree: one
	// secret per tenant, set once an enrollment code has verified.
	SetTOTPSecret(ctx context.Context, tnId TnId, secret string) error
	GetTOTPSecret(ctx context.Context, tnId TnId) (string, error)
	DeleteTOTPSecret(ctx context.Context, tnId TnId) error

	IssueAccessToken(ctx context.Context, tnId TnId, claims map[string]any, ttl time.Duration) (string, error)
	VerifyAccessToken(ctx context.Context, token string) (map[string]any, error)
	IssueProxyToken(ctx context.Context, tnId TnId, peerIdTag string, ttl time.Duration) (string, error)

	PutCertificate(ctx context.Context, idTag string, cert, chain, key []byte, expiresAt time.Time) error
	GetCertificate(ctx context.Context, idTag string) (cert, chain, key []byte, expiresAt time.Time, err error)
	ListExpiringCertificates(ctx context.Context, within time.Duration) ([]string, error)

	PutACMEChallenge(ctx context.Context, token, keyAuth string) error
	GetACMEChallenge(ctx context.Context, token string) (string, error)
}

// MetaStore owns tenants, profiles, actions, files, refs, settings,
// subscriptions and tags.
type MetaStore interface {
	UpsertProfile(ctx context.Context, p Profile) error
	GetProfile(ctx context.Context, tnId TnId, idTag string) (*Profile, error)
	SetProfileStatus(ctx context.Context, tnId TnId, idTag string, status ProfileStatus) error
	SetProfileConnected(ctx context.Context, tnId TnId, idTag string, connected bool) error
	// ListStaleProfiles returns every remote (non-ProfileTrusted) profile
	// across all tenants last synced before the cutoff, or never synced.
	ListStaleProfiles(ctx context.Context, cutoff time.Time) ([]Profile, error)

	// CreateAction performs an idempotent, key-unique insert: two concurrent
	// calls with the same (tnId, key) resolve to exactly one stored row.
	CreateAction(ctx context.Context, tnId TnId, a Action) (*Action, bool /*created*/, error)
	GetActionByKey(ctx context.Context, tnId TnId, key string) (*Action, error)
	GetActionById(ctx context.Context, tnId TnId, actionId string) (*Action, error)
	GetActionToken(ctx context.Context, tnId TnId, actionId string) (string, error)
	UpdateActionStatus(ctx context.Context, tnId TnId, actionId string, status ActionStatus) error
	UpdateActionData(ctx context.Context, tnId TnId, actionId string, synced bool) error
	ListActions(ctx context.Context, tnId TnId, f ActionFilter) ([]Action, error)
	// ListUnsyncedActions returns outbound actions (status New or Candidate)
	// still marked unsynced, the set internal/worker's DeliveryRetry task
	// re-attempts delivery for.
	ListUnsyncedActions(ctx context.Context, tnId TnId) ([]Action, error)

	CreateFile(ctx context.Context, tnId TnId, f File) error
	CreateFileVariant(ctx context.Context, tnId TnId, v FileVariant) error
	ReadFile(ctx context.Context, tnId TnId, fileId string) (*File, error)
	ListFiles(ctx context.Context, tnId TnId, f FileFilter) ([]File, error)
	DeleteFile(ctx context.Context, tnId TnId, fileId string) error
	TagFile(ctx context.Context, tnId TnId, fileId, tag string) error
	UntagFile(ctx context.Context, tnId TnId, fileId, tag string) error
	ListTags(ctx context.Context, tnId TnId) ([]string, error)

	CreateRef(ctx context.Context, r Ref) error
	GetRef(ctx context.Context, refId string) (*Ref, error)
	DeleteRef(ctx context.Context, refId string) error

	GetSetting(ctx context.Context, tnId TnId, name string) (string, error)
	PutSetting(ctx context.Context, tnId TnId, name, value string) error
	ListSettings(ctx context.Context, tnId TnId, prefix string) (map[string]string, error)

	CreateSubscription(ctx context.Context, s Subscription) error
	ListSubscriptions(ctx context.Context, tnId TnId) ([]Subscription, error)
	DeleteSubscription(ctx context.Context, tnId TnId, id string) error
}

// BlobStore is content-addressed byte storage with public links.
type BlobStore interface {
	// WriteBlob is idempotent: writing the same fileId+bytes twice is a
	// no-op; a hash mismatch between fileId and bytes is rejected.
	WriteBlob(ctx context.Context, tnId TnId, fileId, label string, r io.Reader, opts WriteOpts) error
	ReadBlob(ctx context.Context, tnId TnId, fileId, label string) ([]byte, error)
	OpenBlob(ctx context.Context, tnId TnId, fileId, label string) (io.ReadCloser, error)
	CheckBlob(ctx context.Context, tnId TnId, fileId, label string) (bool, error)
}

// WriteOpts controls WriteBlob behavior.
type WriteOpts struct {
	Force  bool
	Public bool
}

// CRDTStore persists per-document CRDT state as an append-only update log
// plus periodic snapshots.
type CRDTStore interface {
	AppendUpdate(ctx context.Context, docId string, update []byte) error
	LoadUpdates(ctx context.Context, docId string) ([][]byte, error)
	Snapshot(ctx context.Context, docId string, state []byte) error
	LoadSnapshot(ctx context.Context, docId string) ([]byte, bool, error)
}

// MessageBusStore implements the per-tenant pub/sub plane: online-preferred,
// offline-fallback delivery.
type MessageBusStore interface {
	// RegisterOnline associates a sink with idTag; returned func unregisters.
	RegisterOnline(idTag string, sink func(msgType string, payload any)) (unregister func())
	// SetOfflineHandler installs the fallback invoked when Publish finds no
	// online sink for idTag. At most one handler; at most one invocation per
	// publish.
	SetOfflineHandler(handler func(idTag, msgType string, payload any))
	// Publish delivers to every online sink for idTag, or invokes the
	// offline handler exactly once if none are online.
	Publish(idTag, msgType string, payload any)
}

// DatabaseStore is a per-document hierarchical structured-data store.
type DatabaseStore interface {
	Push(ctx context.Context, docId, path string, value any) error
	List(ctx context.Context, docId, path string) ([]any, error)
	Read(ctx context.Context, docId, path string) (any, error)
}
