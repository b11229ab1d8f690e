package gateway

import (
	"net/http"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

// createActionRequest is the body POST /action accepts: a draft Action,
// signed and persisted by ActionEngine.CreateAction. Fields the engine
// computes itself (Issuer, IssuedAt, Status, Key, ActionId, Token, RootId)
// are rejected if the caller supplies them.
type createActionRequest struct {
	Type       string `json:"type"`
	SubType    string `json:"subType,omitempty"`
	Audience   string `json:"audience,omitempty"`
	ParentId   string `json:"parentId,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Content    []byte `json:"content,omitempty"`
	Attachment string `json:"attachment,omitempty"`
}

func (h *Handler) createActionHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req createActionRequest
	if err := readJSON(r, &req); err != nil {
		return nil, err
	}
	if req.Type == "" {
		return nil, trace.BadParameter("missing action type")
	}
	signKey, err := h.Engine.Keys.SigningKey(r.Context(), rc.TnId)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	created, err := h.Engine.CreateAction(r.Context(), rc.TnId, rc.IdTag, signKey, store.Action{
		Type:       req.Type,
		SubType:    req.SubType,
		Audience:   req.Audience,
		ParentId:   req.ParentId,
		Subject:    req.Subject,
		Content:    req.Content,
		Attachment: req.Attachment,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return created, nil
}

func (h *Handler) listActionsHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	q := r.URL.Query()
	f := store.ActionFilter{
		Type:     q.Get("type"),
		Audience: q.Get("audience"),
		Issuer:   q.Get("issuer"),
		Cursor:   q.Get("cursor"),
	}
	if s := q.Get("status"); s != "" {
		f.Status = store.ActionStatus(s[0])
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			f.Limit = n
		}
	}
	actions, err := h.Meta.ListActions(r.Context(), rc.TnId, f)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"actions": actions}, nil
}

func (h *Handler) actionTokensHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	ids := r.URL.Query()["id"]
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		token, err := h.Meta.GetActionToken(r.Context(), rc.TnId, id)
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return nil, trace.Wrap(err)
		}
		out[id] = token
	}
	return out, nil
}

func (h *Handler) acceptActionHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return nil, trace.Wrap(h.Engine.AcceptAction(r.Context(), rc.TnId, p.ByName("id")))
}

func (h *Handler) rejectActionHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return nil, trace.Wrap(h.Engine.RejectAction(r.Context(), rc.TnId, p.ByName("id")))
}

func (h *Handler) actionStatHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	a, err := h.Meta.GetActionById(r.Context(), rc.TnId, p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return a, nil
}

// actionGetHandler serves both GET /action/tokens and GET /action/{id}: one
// httprouter tree cannot hold a static child ("tokens") and a named wildcard
// (":id") as siblings, so the two are folded into a single ":id" route and
// dispatched on the captured value here instead.
func (h *Handler) actionGetHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if p.ByName("id") == "tokens" {
		return h.actionTokensHandler(rc, w, r, p)
	}
	return h.actionStatHandler(rc, w, r, p)
}

// inboxHandler is the federation endpoint: POST /inbox receives a signed
// action token from a peer instance's FederationClient and hands it to
// ActionEngine.HandleInboundActionToken for verification and persistence.
// Unlike every other route it resolves tenant identity only (no access
// token: the action token itself is the credential, verified against the
// issuer's own published key).
func (h *Handler) inboxHandler(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	rc, err := h.resolve(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := readJSON(r, &req); err != nil || req.Token == "" {
		writeError(w, trace.BadParameter("missing action token"))
		return
	}
	a, err := h.Engine.HandleInboundActionToken(r.Context(), rc.TnId, rc.IdTag, req.Token)
	if err != nil {
		// Signature failure, token-schema failure and unknown issuer are
		// all rejections of the peer's credential, answered 401.
		if trace.IsAccessDenied(err) || trace.IsBadParameter(err) {
			err = unauthenticated(err)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a)
}
