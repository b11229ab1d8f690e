// Package metastore is the reference MetaStore implementation: tenants,
// profiles, actions, files, refs, settings, subscriptions and tags, layered
// over a backend.Backend the same way lib/services/local/presence.go layers
// PresenceService over backend.Backend.
package metastore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
	"github.com/cloudillo/cloudillo-sub008/internal/store/backend"
)

var log = logrus.WithFields(logrus.Fields{"component": "MetaStore"})

const (
	profilePrefix  = "profile"
	actionPrefix   = "action"
	actionKeyIdx   = "action_key"
	filePrefix     = "file"
	fileVarPrefix  = "file_variant"
	fileTagPrefix  = "file_tag"
	refPrefix      = "ref"
	settingPrefix  = "setting"
	subscPrefix    = "subscription"
)

// Store is the reference MetaStore.
type Store struct {
	backend.Backend
}

// New returns a MetaStore reference implementation over b.
func New(b backend.Backend) *Store {
	return &Store{Backend: b}
}

var _ store.MetaStore = (*Store)(nil)

func tn(tnId store.TnId) string { return fmt.Sprintf("%020d", tnId) }

// --- profiles ---------------------------------------------------------

func profileKey(tnId store.TnId, idTag string) []byte {
	return backend.Key(profilePrefix, tn(tnId), idTag)
}

func (s *Store) UpsertProfile(ctx context.Context, p store.Profile) error {
	buf, err := json.Marshal(p)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.Put(ctx, backend.Item{Key: profileKey(p.TnId, p.IdTag), Value: buf})
	return trace.Wrap(err)
}

func (s *Store) GetProfile(ctx context.Context, tnId store.TnId, idTag string) (*store.Profile, error) {
	item, err := s.Get(ctx, profileKey(tnId, idTag))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("profile %q not found", idTag)
		}
		return nil, trace.Wrap(err)
	}
	var p store.Profile
	if err := json.Unmarshal(item.Value, &p); err != nil {
		return nil, trace.Wrap(err)
	}
	return &p, nil
}

func (s *Store) SetProfileStatus(ctx context.Context, tnId store.TnId, idTag string, status store.ProfileStatus) error {
	p, err := s.GetProfile(ctx, tnId, idTag)
	if err != nil {
		return trace.Wrap(err)
	}
	p.Status = status
	return s.UpsertProfile(ctx, *p)
}

func (s *Store) SetProfileConnected(ctx context.Context, tnId store.TnId, idTag string, connected bool) error {
	p, err := s.GetProfile(ctx, tnId, idTag)
	if err != nil {
		return trace.Wrap(err)
	}
	p.Connected = connected
	return s.UpsertProfile(ctx, *p)
}

func (s *Store) ListStaleProfiles(ctx context.Context, cutoff time.Time) ([]store.Profile, error) {
	prefix := backend.Key(profilePrefix)
	res, err := s.GetRange(ctx, prefix, backend.RangeEnd(prefix), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []store.Profile
	for _, item := range res.Items {
		var p store.Profile
		if err := json.Unmarshal(item.Value, &p); err != nil {
			continue
		}
		if p.Status == store.ProfileTrusted {
			continue
		}
		if p.SyncedAt.IsZero() || p.SyncedAt.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out, nil
}

// --- actions ------------------------------------------------------------

func actionKeyIndexKey(tnId store.TnId, key string) []byte {
	return backend.Key(actionKeyIdx, tn(tnId), key)
}

func actionIdKey(tnId store.TnId, actionId string) []byte {
	return backend.Key(actionPrefix, tn(tnId), actionId)
}

// CreateAction enforces the idempotent-key insert. The action row is
// written under its actionId first, and only then is the key index entry
// reserved via backend.Create, which fails atomically if the key exists:
// of two concurrent callers racing on the same key exactly one reservation
// succeeds, and the loser — whose observation of the index entry means the
// winner's row is already visible — removes its own row and returns the
// winner's unchanged.
func (s *Store) CreateAction(ctx context.Context, tnId store.TnId, a store.Action) (*store.Action, bool, error) {
	if a.Key == "" {
		return nil, false, trace.BadParameter("missing action key")
	}
	if a.ActionId == "" {
		return nil, false, trace.BadParameter("missing actionId")
	}

	buf, err := json.Marshal(a)
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	if _, err := s.Create(ctx, backend.Item{Key: actionIdKey(tnId, a.ActionId), Value: buf}); err != nil {
		if trace.IsAlreadyExists(err) {
			// Identical token delivered twice: the same content-addressed
			// row is already stored.
			existing, gerr := s.GetActionById(ctx, tnId, a.ActionId)
			if gerr != nil {
				return nil, false, trace.Wrap(gerr)
			}
			return existing, false, nil
		}
		return nil, false, trace.Wrap(err)
	}

	if _, err := s.Create(ctx, backend.Item{Key: actionKeyIndexKey(tnId, a.Key), Value: []byte(a.ActionId)}); err != nil {
		if !trace.IsAlreadyExists(err) {
			return nil, false, trace.Wrap(err)
		}
		existing, gerr := s.GetActionByKey(ctx, tnId, a.Key)
		if gerr != nil {
			return nil, false, trace.Wrap(gerr)
		}
		if existing.Status == store.ActionDeleted {
			// A previously deleted slot may be reused: point the index at
			// the fresh row.
			if _, err := s.Put(ctx, backend.Item{Key: actionKeyIndexKey(tnId, a.Key), Value: []byte(a.ActionId)}); err != nil {
				return nil, false, trace.Wrap(err)
			}
			return &a, true, nil
		}
		log.Debugf("duplicate action key %q for tenant %v, returning existing %v", a.Key, tnId, existing.ActionId)
		if existing.ActionId != a.ActionId {
			_ = s.Delete(ctx, actionIdKey(tnId, a.ActionId))
		}
		return existing, false, nil
	}
	return &a, true, nil
}

func (s *Store) GetActionByKey(ctx context.Context, tnId store.TnId, key string) (*store.Action, error) {
	item, err := s.Get(ctx, actionKeyIndexKey(tnId, key))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("action key %q not found", key)
		}
		return nil, trace.Wrap(err)
	}
	return s.GetActionById(ctx, tnId, string(item.Value))
}

func (s *Store) GetActionById(ctx context.Context, tnId store.TnId, actionId string) (*store.Action, error) {
	item, err := s.Get(ctx, actionIdKey(tnId, actionId))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("action %q not found", actionId)
		}
		return nil, trace.Wrap(err)
	}
	var a store.Action
	if err := json.Unmarshal(item.Value, &a); err != nil {
		return nil, trace.Wrap(err)
	}
	return &a, nil
}

func (s *Store) GetActionToken(ctx context.Context, tnId store.TnId, actionId string) (string, error) {
	a, err := s.GetActionById(ctx, tnId, actionId)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return a.Token, nil
}

func (s *Store) UpdateActionStatus(ctx context.Context, tnId store.TnId, actionId string, status store.ActionStatus) error {
	a, err := s.GetActionById(ctx, tnId, actionId)
	if err != nil {
		return trace.Wrap(err)
	}
	a.Status = status
	buf, err := json.Marshal(a)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.Put(ctx, backend.Item{Key: actionIdKey(tnId, actionId), Value: buf})
	return trace.Wrap(err)
}

func (s *Store) UpdateActionData(ctx context.Context, tnId store.TnId, actionId string, synced bool) error {
	a, err := s.GetActionById(ctx, tnId, actionId)
	if err != nil {
		return trace.Wrap(err)
	}
	a.Synced = synced
	buf, err := json.Marshal(a)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.Put(ctx, backend.Item{Key: actionIdKey(tnId, actionId), Value: buf})
	return trace.Wrap(err)
}

func (s *Store) ListActions(ctx context.Context, tnId store.TnId, f store.ActionFilter) ([]store.Action, error) {
	prefix := backend.Key(actionPrefix, tn(tnId))
	res, err := s.GetRange(ctx, prefix, backend.RangeEnd(prefix), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []store.Action
	for _, item := range res.Items {
		if string(item.Key) <= f.Cursor {
			continue
		}
		var a store.Action
		if err := json.Unmarshal(item.Value, &a); err != nil {
			continue
		}
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if f.Status != 0 && a.Status != f.Status {
			continue
		}
		if f.Audience != "" && a.Audience != f.Audience {
			continue
		}
		if f.Issuer != "" && a.Issuer != f.Issuer {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListUnsyncedActions(ctx context.Context, tnId store.TnId) ([]store.Action, error) {
	prefix := backend.Key(actionPrefix, tn(tnId))
	res, err := s.GetRange(ctx, prefix, backend.RangeEnd(prefix), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []store.Action
	for _, item := range res.Items {
		var a store.Action
		if err := json.Unmarshal(item.Value, &a); err != nil {
			continue
		}
		if a.Synced {
			continue
		}
		if a.Status != store.ActionNew && a.Status != store.ActionCandidate {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// --- files ----------------------------------------------------------------

func fileKey(tnId store.TnId, fileId string) []byte {
	return backend.Key(filePrefix, tn(tnId), fileId)
}

func (s *Store) CreateFile(ctx context.Context, tnId store.TnId, f store.File) error {
	buf, err := json.Marshal(f)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.Put(ctx, backend.Item{Key: fileKey(tnId, f.FileId), Value: buf})
	return trace.Wrap(err)
}

func (s *Store) CreateFileVariant(ctx context.Context, tnId store.TnId, v store.FileVariant) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.Put(ctx, backend.Item{Key: backend.Key(fileVarPrefix, tn(tnId), v.FileId, v.Label), Value: buf})
	return trace.Wrap(err)
}

func (s *Store) ReadFile(ctx context.Context, tnId store.TnId, fileId string) (*store.File, error) {
	item, err := s.Get(ctx, fileKey(tnId, fileId))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("file %q not found", fileId)
		}
		return nil, trace.Wrap(err)
	}
	var f store.File
	if err := json.Unmarshal(item.Value, &f); err != nil {
		return nil, trace.Wrap(err)
	}
	return &f, nil
}

func (s *Store) ListFiles(ctx context.Context, tnId store.TnId, f store.FileFilter) ([]store.File, error) {
	prefix := backend.Key(filePrefix, tn(tnId))
	res, err := s.GetRange(ctx, prefix, backend.RangeEnd(prefix), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []store.File
	for _, item := range res.Items {
		if string(item.Key) <= f.Cursor {
			continue
		}
		var file store.File
		if err := json.Unmarshal(item.Value, &file); err != nil {
			continue
		}
		if f.ParentId != "" && file.ParentId != f.ParentId {
			continue
		}
		if f.FileType != "" && file.FileType != f.FileType {
			continue
		}
		out = append(out, file)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) DeleteFile(ctx context.Context, tnId store.TnId, fileId string) error {
	return trace.Wrap(s.Delete(ctx, fileKey(tnId, fileId)))
}

func (s *Store) TagFile(ctx context.Context, tnId store.TnId, fileId, tag string) error {
	_, err := s.Put(ctx, backend.Item{Key: backend.Key(fileTagPrefix, tn(tnId), tag, fileId), Value: []byte(fileId)})
	return trace.Wrap(err)
}

func (s *Store) UntagFile(ctx context.Context, tnId store.TnId, fileId, tag string) error {
	return trace.Wrap(s.Delete(ctx, backend.Key(fileTagPrefix, tn(tnId), tag, fileId)))
}

func (s *Store) ListTags(ctx context.Context, tnId store.TnId) ([]string, error) {
	prefix := backend.Key(fileTagPrefix, tn(tnId))
	res, err := s.GetRange(ctx, prefix, backend.RangeEnd(prefix), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	seen := map[string]bool{}
	var out []string
	for _, item := range res.Items {
		rest := strings.TrimPrefix(string(item.Key), string(prefix)+"/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) > 0 && !seen[parts[0]] {
			seen[parts[0]] = true
			out = append(out, parts[0])
		}
	}
	return out, nil
}

// --- refs -------------------------------------------------------------

func (s *Store) CreateRef(ctx context.Context, r store.Ref) error {
	buf, err := json.Marshal(r)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.Create(ctx, backend.Item{Key: backend.Key(refPrefix, r.RefId), Value: buf, Expires: r.Expiry})
	return trace.Wrap(err)
}

func (s *Store) GetRef(ctx context.Context, refId string) (*store.Ref, error) {
	item, err := s.Get(ctx, backend.Key(refPrefix, refId))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("ref %q not found", refId)
		}
		return nil, trace.Wrap(err)
	}
	var r store.Ref
	if err := json.Unmarshal(item.Value, &r); err != nil {
		return nil, trace.Wrap(err)
	}
	return &r, nil
}

func (s *Store) DeleteRef(ctx context.Context, refId string) error {
	return trace.Wrap(s.Delete(ctx, backend.Key(refPrefix, refId)))
}

// --- settings -----------------------------------------------------------

func (s *Store) GetSetting(ctx context.Context, tnId store.TnId, name string) (string, error) {
	item, err := s.Get(ctx, backend.Key(settingPrefix, tn(tnId), name))
	if err != nil {
		if trace.IsNotFound(err) {
			return "", trace.NotFound("setting %q not found", name)
		}
		return "", trace.Wrap(err)
	}
	return string(item.Value), nil
}

func (s *Store) PutSetting(ctx context.Context, tnId store.TnId, name, value string) error {
	_, err := s.Put(ctx, backend.Item{Key: backend.Key(settingPrefix, tn(tnId), name), Value: []byte(value)})
	return trace.Wrap(err)
}

func (s *Store) ListSettings(ctx context.Context, tnId store.TnId, prefix string) (map[string]string, error) {
	base := backend.Key(settingPrefix, tn(tnId))
	res, err := s.GetRange(ctx, base, backend.RangeEnd(base), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := map[string]string{}
	baseStr := string(base) + "/"
	for _, item := range res.Items {
		name := strings.TrimPrefix(string(item.Key), baseStr)
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		out[name] = string(item.Value)
	}
	return out, nil
}

// --- subscriptions --------------------------------------------------------

func (s *Store) CreateSubscription(ctx context.Context, sub store.Subscription) error {
	buf, err := json.Marshal(sub)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.Put(ctx, backend.Item{Key: backend.Key(subscPrefix, tn(sub.TnId), sub.Id), Value: buf})
	return trace.Wrap(err)
}

func (s *Store) ListSubscriptions(ctx context.Context, tnId store.TnId) ([]store.Subscription, error) {
	prefix := backend.Key(subscPrefix, tn(tnId))
	res, err := s.GetRange(ctx, prefix, backend.RangeEnd(prefix), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []store.Subscription
	for _, item := range res.Items {
		var sub store.Subscription
		if err := json.Unmarshal(item.Value, &sub); err != nil {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

func (s *Store) DeleteSubscription(ctx context.Context, tnId store.TnId, id string) error {
	return trace.Wrap(s.Delete(ctx, backend.Key(subscPrefix, tn(tnId), id)))
}
