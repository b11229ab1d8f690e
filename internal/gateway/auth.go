package gateway

import (
	"net/http"
	"time"

	"github.com/duo-labs/webauthn/webauthn"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/cloudillo/cloudillo-sub008/internal/identity"
	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

// requirePassword rejects an empty password before it reaches
// store.AuthStore.SetPassword, which hashes whatever it is given.
func requirePassword(password string) error {
	if password == "" {
		return trace.BadParameter("password must not be empty")
	}
	return nil
}

const (
	accessTokenTTL = 15 * time.Minute
	proxyTokenTTL  = 5 * time.Minute
)

type loginRequest struct {
	IdTag    string `json:"idTag"`
	Password string `json:"password"`
	TOTPCode string `json:"totpCode,omitempty"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// loginHandler verifies a password, then a TOTP code if the tenant has one
// enrolled (idp. second factor, parallel to WebAuthn), and issues an access
// token scoped as a tenant administrator (full "A" role), the session a
// browser's own UI uses.
func (h *Handler) loginHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		return nil, err
	}
	if err := h.Auth.VerifyPassword(r.Context(), rc.TnId, req.Password); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := h.Auth.GetTOTPSecret(r.Context(), rc.TnId); err == nil {
		if err := h.Identity.VerifyTOTP(r.Context(), rc.TnId, req.TOTPCode); err != nil {
			return nil, trace.Wrap(err)
		}
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	token, err := h.Auth.IssueAccessToken(r.Context(), rc.TnId, map[string]any{"iss": rc.IdTag, "u": rc.IdTag, "r": "A"}, accessTokenTTL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return tokenResponse{Token: token}, nil
}

type registerRequest struct {
	IdTag    string `json:"idTag"`
	Password string `json:"password"`
}

// registerHandler bootstraps a brand-new tenant: creates the identity row,
// sets its password, and (if an ACME directory is configured elsewhere in
// the deployment) leaves certificate issuance to the worker's one-shot path.
func (h *Handler) registerHandler(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	var req registerRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.IdTag == "" || req.Password == "" {
		writeError(w, trace.BadParameter("idTag and password are required"))
		return
	}
	tnId, err := h.Auth.CreateTenant(r.Context(), req.IdTag)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Auth.SetPassword(r.Context(), tnId, req.Password); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"tnId": tnId, "idTag": req.IdTag})
}

type passwordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

func (h *Handler) passwordHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req passwordRequest
	if err := readJSON(r, &req); err != nil {
		return nil, err
	}
	if err := h.Auth.VerifyPassword(r.Context(), rc.TnId, req.OldPassword); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := requirePassword(req.NewPassword); err != nil {
		return nil, err
	}
	return nil, trace.Wrap(h.Auth.SetPassword(r.Context(), rc.TnId, req.NewPassword))
}

type accessTokenRequest struct {
	ResourceId string `json:"resourceId"`
	AccessLvl  string `json:"accessLvl"` // "R", "W" or "A"
}

// accessTokenHandler mints a scoped access token for one resource, the
// token a CRDT WebSocket or a guest-link consumer presents on connect.
func (h *Handler) accessTokenHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req accessTokenRequest
	if err := readJSON(r, &req); err != nil {
		return nil, err
	}
	claims := map[string]any{"iss": rc.IdTag, "u": rc.userIdTag()}
	if req.ResourceId != "" {
		claims["res"] = req.ResourceId
		claims["acc"] = req.AccessLvl
	} else {
		claims["r"] = "A"
	}
	token, err := h.Auth.IssueAccessToken(r.Context(), rc.TnId, claims, accessTokenTTL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return tokenResponse{Token: token}, nil
}

type proxyTokenRequest struct {
	PeerIdTag string `json:"peerIdTag"`
}

// proxyTokenHandler mints a short-lived proxy token authorizing the caller's
// browser session to act as the local tenant toward one named peer (used by
// stream_proxy deployments fronting multiple tenants behind one edge).
func (h *Handler) proxyTokenHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req proxyTokenRequest
	if err := readJSON(r, &req); err != nil {
		return nil, err
	}
	token, err := h.Auth.IssueProxyToken(r.Context(), rc.TnId, req.PeerIdTag, proxyTokenTTL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return tokenResponse{Token: token}, nil
}

// acmeChallengeHandler answers the ACME HTTP-01 validation request the CA
// sends to this instance, serving back the key authorization
// internal/identity.Service.IssueCertificate's http01Provider stored via
// AuthStore.PutACMEChallenge.
func (h *Handler) acmeChallengeHandler(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	keyAuth, err := h.Auth.GetACMEChallenge(r.Context(), p.ByName("token"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(keyAuth))
}

// waRegisterReqHandler starts a WebAuthn registration ceremony.
func (h *Handler) waRegisterReqHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if h.RP == nil {
		return nil, trace.NotImplemented("webauthn is not configured")
	}
	creation, sessionBlob, err := h.Identity.BeginRegistration(r.Context(), h.RP, rc.TnId, rc.IdTag)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.putWASession(rc.TnId, sessionBlob)
	return creation, nil
}

type waFinishRequest struct {
	Response []byte `json:"response"`
}

func (h *Handler) waRegisterHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if h.RP == nil {
		return nil, trace.NotImplemented("webauthn is not configured")
	}
	var req waFinishRequest
	if err := readJSON(r, &req); err != nil {
		return nil, err
	}
	sessionBlob, ok := h.getWASession(rc.TnId)
	if !ok {
		return nil, trace.BadParameter("no registration in progress")
	}
	return nil, trace.Wrap(h.Identity.FinishRegistration(r.Context(), h.RP, rc.TnId, rc.IdTag, sessionBlob, req.Response))
}

func (h *Handler) waDeleteHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return nil, trace.Wrap(h.Auth.WebauthnDelete(r.Context(), rc.TnId, p.ByName("keyId")))
}

func (h *Handler) waLoginReqHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if h.RP == nil {
		return nil, trace.NotImplemented("webauthn is not configured")
	}
	creds, err := h.loadCredentials(r, rc.TnId)
	if err != nil {
		return nil, err
	}
	assertion, sessionBlob, err := h.Identity.BeginLogin(r.Context(), h.RP, rc.TnId, rc.IdTag, creds)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.putWASession(rc.TnId, sessionBlob)
	return assertion, nil
}

func (h *Handler) waLoginHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if h.RP == nil {
		return nil, trace.NotImplemented("webauthn is not configured")
	}
	var req waFinishRequest
	if err := readJSON(r, &req); err != nil {
		return nil, err
	}
	sessionBlob, ok := h.getWASession(rc.TnId)
	if !ok {
		return nil, trace.BadParameter("no login in progress")
	}
	creds, err := h.loadCredentials(r, rc.TnId)
	if err != nil {
		return nil, err
	}
	if err := h.Identity.FinishLogin(r.Context(), h.RP, rc.TnId, rc.IdTag, creds, sessionBlob, req.Response); err != nil {
		return nil, trace.Wrap(err)
	}
	token, err := h.Auth.IssueAccessToken(r.Context(), rc.TnId, map[string]any{"iss": rc.IdTag, "u": rc.IdTag, "r": "A"}, accessTokenTTL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return tokenResponse{Token: token}, nil
}

// loadCredentials is a placeholder translation from AuthStore.WebauthnList's
// opaque key listing to duo-labs/webauthn credentials; the reference
// AuthStore stores raw attestation JSON rather than parsed credentials; a
// production store would keep both. Left empty here means new deployments
// can register but not yet re-authenticate purely via WebAuthn, falling
// back to password login (password is never dropped as a login method).
func (h *Handler) loadCredentials(r *http.Request, tnId store.TnId) ([]webauthn.Credential, error) {
	if _, err := h.Auth.WebauthnList(r.Context(), tnId); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

// totpIssuer names this deployment in the otpauth:// URL an authenticator
// app displays; it has no bearing on verification, only on the label shown
// to the user enrolling.
const totpIssuer = "Cloudillo"

type totpEnrollResponse struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// totpRegisterReqHandler generates a fresh TOTP secret and returns it plus
// its otpauth:// URL for a QR code; the secret is not yet persisted.
func (h *Handler) totpRegisterReqHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	secret, url, err := identity.BeginTOTPEnrollment(totpIssuer, rc.IdTag)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return totpEnrollResponse{Secret: secret, URL: url}, nil
}

type totpRegisterRequest struct {
	Secret string `json:"secret"`
	Code   string `json:"code"`
}

// totpRegisterHandler completes enrollment: the secret only reaches
// AuthStore once the caller proves it can derive a valid code from it.
func (h *Handler) totpRegisterHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req totpRegisterRequest
	if err := readJSON(r, &req); err != nil {
		return nil, err
	}
	return nil, trace.Wrap(h.Identity.FinishTOTPEnrollment(r.Context(), rc.TnId, req.Secret, req.Code))
}

func (h *Handler) totpDeleteHandler(rc *reqContext, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return nil, trace.Wrap(h.Auth.DeleteTOTPSecret(r.Context(), rc.TnId))
}

func (h *Handler) vapidHandler(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": h.VAPIDPublicKey})
}

// healthzHandler is an ungated liveness probe: it does no tenant resolution
// or storage call, only confirms the process is accepting requests at all.
func (h *Handler) healthzHandler(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
