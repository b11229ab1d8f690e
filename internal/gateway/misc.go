package gateway

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

// dbPath strips the leading slash httprouter's "*path" catch-all leaves on
// a wildcard match.
func dbPath(p httprouter.Params) string {
	return strings.TrimPrefix(p.ByName("path"), "/")
}

// Profiles: the local tenant's own profile, or a cached view of a remote
// one (spec.md §4.2 "Profile caching": never merged into owned rows).

func (h *Handler) getProfileHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	idTag := p.ByName("idTag")
	if idTag == "" {
		idTag = rc.IdTag
	}
	prof, err := h.Meta.GetProfile(r.Context(), rc.TnId, idTag)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return prof, nil
}

type upsertProfileRequest struct {
	Name      string `json:"name,omitempty"`
	PictureId string `json:"pictureId,omitempty"`
}

func (h *Handler) putProfileHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req upsertProfileRequest
	if err := readJSON(r, &req); err != nil {
		return nil, err
	}
	return nil, trace.Wrap(h.Meta.UpsertProfile(r.Context(), store.Profile{
		TnId: rc.TnId, IdTag: rc.IdTag, Status: store.ProfileTrusted,
		Name: req.Name, PictureId: req.PictureId,
	}))
}

// Settings: namespace-prefixed (ui., notify., file., idp., privacy.) per
// spec.md §3. GET lists a prefix, PUT upserts one name.

func (h *Handler) listSettingsHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	settings, err := h.Meta.ListSettings(r.Context(), rc.TnId, r.URL.Query().Get("prefix"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return settings, nil
}

type putSettingRequest struct {
	Value string `json:"value"`
}

func (h *Handler) putSettingHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req putSettingRequest
	if err := readJSON(r, &req); err != nil {
		return nil, err
	}
	return nil, trace.Wrap(h.Meta.PutSetting(r.Context(), rc.TnId, p.ByName("name"), req.Value))
}

// Notifications: push-subscription registration, and the VAPID public key
// handler (auth.go). The actual fan-out is internal/worker's Notifier.

type createSubscriptionRequest struct {
	Endpoint string            `json:"endpoint"`
	Keys     map[string]string `json:"keys,omitempty"`
}

func (h *Handler) createSubscriptionHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req createSubscriptionRequest
	if err := readJSON(r, &req); err != nil {
		return nil, err
	}
	if req.Endpoint == "" {
		return nil, trace.BadParameter("missing endpoint")
	}
	sub := store.Subscription{Id: uuid.NewString(), TnId: rc.TnId, Endpoint: req.Endpoint, Keys: req.Keys}
	if err := h.Meta.CreateSubscription(r.Context(), sub); err != nil {
		return nil, trace.Wrap(err)
	}
	return sub, nil
}

func (h *Handler) listSubscriptionsHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	subs, err := h.Meta.ListSubscriptions(r.Context(), rc.TnId)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"subscriptions": subs}, nil
}

func (h *Handler) deleteSubscriptionHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return nil, trace.Wrap(h.Meta.DeleteSubscription(r.Context(), rc.TnId, p.ByName("id")))
}

// Database routes: the per-document hierarchical structured-data store
// application-layer documents (spreadsheets, etc.) use to persist
// non-CRDT state, addressed by docId + hierarchical path.

func (h *Handler) dbPushHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var value any
	if err := readJSON(r, &value); err != nil {
		return nil, err
	}
	return nil, trace.Wrap(h.DB.Push(r.Context(), p.ByName("docId"), dbPath(p), value))
}

func (h *Handler) dbListHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	values, err := h.DB.List(r.Context(), p.ByName("docId"), dbPath(p))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"values": values}, nil
}

func (h *Handler) dbReadHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	value, err := h.DB.Read(r.Context(), p.ByName("docId"), dbPath(p))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return value, nil
}
