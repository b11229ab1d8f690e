package gateway

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/trace"
)

// registerRoutes binds the REST surface of spec.md §6 to this package's
// handlers, each wrapped by withAuth (resolve tenant, verify access token,
// check permission) or withPublic (resolve tenant only). A handful of
// routes (registration before a tenant exists, the federation inbox, the
// ACME challenge responder) bypass both and manage their own response
// writing directly, mirroring how lib/web/conn_upgrade.go's
// connectionUpgrade hijacks the connection instead of returning a value.
func (h *Handler) registerRoutes() {
	r := h.router

	// Authentication.
	r.POST("/auth/login", h.withPublic(h.loginHandler))
	r.POST("/logout", h.withAuth(PermNone, "", h.logoutHandler))
	r.POST("/register", h.registerHandler)
	r.POST("/register-verify", h.registerVerifyHandler)
	r.POST("/login-token", h.loginTokenHandler)
	r.POST("/access-token", h.withAuth(PermNone, "", h.accessTokenHandler))
	r.POST("/proxy-token", h.withAuth(PermNone, "", h.proxyTokenHandler))
	r.GET("/.well-known/acme-challenge/:token", h.acmeChallengeHandler)
	r.POST("/password", h.withAuth(PermAdmin, "", h.passwordHandler))
	r.POST("/password-req", h.passwordReqHandler)
	r.POST("/wa/register-req", h.withAuth(PermAdmin, "", h.waRegisterReqHandler))
	r.POST("/wa/register", h.withAuth(PermAdmin, "", h.waRegisterHandler))
	r.DELETE("/wa/reg/:keyId", h.withAuth(PermAdmin, "", h.waDeleteHandler))
	r.POST("/wa/login-req", h.withPublic(h.waLoginReqHandler))
	r.POST("/wa/login", h.withPublic(h.waLoginHandler))
	r.POST("/totp/register-req", h.withAuth(PermAdmin, "", h.totpRegisterReqHandler))
	r.POST("/totp/register", h.withAuth(PermAdmin, "", h.totpRegisterHandler))
	r.DELETE("/totp", h.withAuth(PermAdmin, "", h.totpDeleteHandler))
	r.GET("/vapid", h.vapidHandler)
	r.GET("/healthz", h.healthzHandler)

	// Actions. GET /action/tokens and GET /action/{id}/stat are folded into
	// one ":id" route (see actionGetHandler): httprouter rejects a static
	// child and a named wildcard as siblings of the same node.
	r.GET("/action", h.withAuth(PermRead, "", h.listActionsHandler))
	r.POST("/action", h.withAuth(PermWrite, "", h.createActionHandler))
	r.GET("/action/:id", h.withAuth(PermRead, "", h.actionGetHandler))
	r.POST("/action/:id/accept", h.withAuth(PermWrite, "", h.acceptActionHandler))
	r.POST("/action/:id/reject", h.withAuth(PermWrite, "", h.rejectActionHandler))
	r.POST("/inbox", h.inboxHandler)

	// Files. GET /store/{fileId}/meta is likewise folded into the
	// ":label" route (storeLabelHandler) rather than registered as a
	// sibling static route.
	r.GET("/store", h.withAuth(PermRead, "", h.listFilesHandler))
	r.POST("/store", h.withAuth(PermWrite, "", h.createFileHandler))
	r.POST("/store/:preset/:fileName", h.withAuth(PermWrite, "", h.uploadHandler))
	r.GET("/store/:fileId", h.readFileHandler)
	r.GET("/store/:fileId/:label", h.storeLabelHandler)
	r.PATCH("/store/:fileId", h.withAuth(PermWrite, "fileId", h.patchFileHandler))
	r.DELETE("/store/:fileId", h.withAuth(PermWrite, "fileId", h.deleteFileHandler))
	r.PUT("/store/:fileId/tag/:tag", h.withAuth(PermWrite, "fileId", h.tagFileHandler))
	r.DELETE("/store/:fileId/tag/:tag", h.withAuth(PermWrite, "fileId", h.untagFileHandler))
	r.GET("/tag", h.withAuth(PermRead, "", h.listTagsHandler))

	// Refs.
	r.GET("/ref", h.withAuth(PermRead, "", h.listRefsHandler))
	r.POST("/ref", h.withAuth(PermWrite, "", h.createRefHandler))
	r.GET("/ref/:refId", h.withAuth(PermRead, "", h.getRefHandler))
	r.DELETE("/ref/:refId", h.withAuth(PermWrite, "", h.deleteRefHandler))

	// Profiles.
	r.GET("/profile", h.withAuth(PermRead, "", h.getProfileHandler))
	r.GET("/profile/:idTag", h.withAuth(PermRead, "", h.getProfileHandler))
	r.PUT("/profile", h.withAuth(PermAdmin, "", h.putProfileHandler))

	// Settings.
	r.GET("/settings", h.withAuth(PermRead, "", h.listSettingsHandler))
	r.PUT("/settings/:name", h.withAuth(PermAdmin, "", h.putSettingHandler))

	// Notifications.
	r.POST("/notification/subscription", h.withAuth(PermWrite, "", h.createSubscriptionHandler))
	r.GET("/notification/subscription", h.withAuth(PermRead, "", h.listSubscriptionsHandler))
	r.DELETE("/notification/subscription/:id", h.withAuth(PermWrite, "", h.deleteSubscriptionHandler))

	// Database (application-layer structured documents).
	r.POST("/db/:docId/push/*path", h.withAuth(PermWrite, "", h.dbPushHandler))
	r.GET("/db/:docId/list/*path", h.withAuth(PermRead, "", h.dbListHandler))
	r.GET("/db/:docId/read/*path", h.withAuth(PermRead, "", h.dbReadHandler))
}

// logoutHandler is a no-op beyond validating the token: access tokens are
// stateless HS256 JWTs (store.AuthStore.VerifyAccessToken), so there is no
// server-side session to tear down; a client drops the token itself. A
// deployment wanting server-enforced revocation would add a deny-list to
// AuthStore, which spec.md does not call for.
func (h *Handler) logoutHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return nil, nil
}

// registerVerifyHandler completes a pending registration. The reference
// AuthStore creates tenants synchronously in registerHandler with no
// intermediate unverified state, so this simply confirms the tenant now
// exists; a deployment adding email/SMS verification would gate
// CreateTenant on this step instead.
func (h *Handler) registerVerifyHandler(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	var req struct {
		IdTag string `json:"idTag"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.Auth.GetTnId(r.Context(), req.IdTag); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

// loginTokenHandler exchanges a short-lived ref-shaped login token (minted
// out-of-band, e.g. by an identity-provider callback) for a full access
// token, mirroring /wa/login's password-free exchange at the end of a
// ceremony.
func (h *Handler) loginTokenHandler(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	rc, err := h.resolve(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	claims, err := h.Auth.VerifyAccessToken(r.Context(), req.Token)
	if err != nil {
		writeError(w, unauthenticated(trace.AccessDenied("invalid login token")))
		return
	}
	if iss, _ := claims["iss"].(string); iss != rc.IdTag {
		writeError(w, unauthenticated(trace.AccessDenied("login token does not match tenant")))
		return
	}
	token, err := h.Auth.IssueAccessToken(r.Context(), rc.TnId, map[string]any{"iss": rc.IdTag, "u": rc.IdTag, "r": "A"}, accessTokenTTL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}

// passwordReqHandler issues a short-lived, single-purpose reset token. The
// reference deployment has no email/SMS transport configured anywhere in
// the retrieved dependency pack, so the token is returned directly to the
// caller rather than delivered out-of-band; a production deployment would
// wire this into the same outbound-webhook path internal/worker's Notifier
// uses and never return the token in the response body.
func (h *Handler) passwordReqHandler(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	rc, err := h.resolve(r)
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := h.Auth.IssueAccessToken(r.Context(), rc.TnId, map[string]any{"iss": rc.IdTag, "reset": true}, 15*time.Minute)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}
