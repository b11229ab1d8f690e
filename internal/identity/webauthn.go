package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/duo-labs/webauthn/protocol"
	"github.com/duo-labs/webauthn/webauthn"
	"github.com/gravitational/trace"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

func jsonReader(b []byte) io.Reader { return bytes.NewReader(b) }

// webauthnIdentity adapts a tenant to webauthn.User, the narrow interface
// duo-labs/webauthn needs to run a ceremony (grounded on
// lib/auth/webauthn/login_mfa.go's identity adapter).
type webauthnIdentity struct {
	tnId        store.TnId
	idTag       string
	credentials []webauthn.Credential
}

func (u *webauthnIdentity) WebAuthnID() []byte                         { return []byte(u.idTag) }
func (u *webauthnIdentity) WebAuthnName() string                       { return u.idTag }
func (u *webauthnIdentity) WebAuthnDisplayName() string                { return u.idTag }
func (u *webauthnIdentity) WebAuthnIcon() string                       { return "" }
func (u *webauthnIdentity) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

// NewRelyingParty builds the webauthn.WebAuthn instance for this deployment.
// rpId is the base app domain; rpOrigin is the https origin browsers see.
func NewRelyingParty(rpDisplayName, rpId, rpOrigin string) (*webauthn.WebAuthn, error) {
	w, err := webauthn.New(&webauthn.Config{
		RPDisplayName: rpDisplayName,
		RPID:          rpId,
		RPOrigin:      rpOrigin,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return w, nil
}

// BeginRegistration starts a WebAuthn registration ceremony for tnId and
// returns the challenge to send to the browser plus an opaque session blob
// the caller must round-trip to FinishRegistration.
func (s *Service) BeginRegistration(ctx context.Context, rp *webauthn.WebAuthn, tnId store.TnId, idTag string) (*protocol.CredentialCreation, []byte, error) {
	user := &webauthnIdentity{tnId: tnId, idTag: idTag}
	creation, sessionData, err := rp.BeginRegistration(user)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	blob, err := json.Marshal(sessionData)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return creation, blob, nil
}

// FinishRegistration validates the browser's attestation response against
// the session started by BeginRegistration and persists the resulting
// credential through the AuthStore.
func (s *Service) FinishRegistration(ctx context.Context, rp *webauthn.WebAuthn, tnId store.TnId, idTag string, sessionBlob []byte, response []byte) error {
	var sessionData webauthn.SessionData
	if err := json.Unmarshal(sessionBlob, &sessionData); err != nil {
		return trace.Wrap(err)
	}
	parsed, err := protocol.ParseCredentialCreationResponseBody(jsonReader(response))
	if err != nil {
		return trace.BadParameter("invalid attestation response: %v", err)
	}
	user := &webauthnIdentity{tnId: tnId, idTag: idTag}
	cred, err := rp.CreateCredential(user, sessionData, parsed)
	if err != nil {
		return trace.Wrap(err)
	}
	credJSON, err := json.Marshal(cred)
	if err != nil {
		return trace.Wrap(err)
	}
	_, sessionId, err := s.Auth.WebauthnRegisterBegin(ctx, tnId)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.Auth.WebauthnRegisterFinish(ctx, tnId, sessionId, credJSON))
}

// BeginLogin starts a WebAuthn assertion ceremony against tnId's previously
// registered credentials.
func (s *Service) BeginLogin(ctx context.Context, rp *webauthn.WebAuthn, tnId store.TnId, idTag string, creds []webauthn.Credential) (*protocol.CredentialAssertion, []byte, error) {
	user := &webauthnIdentity{tnId: tnId, idTag: idTag, credentials: creds}
	assertion, sessionData, err := rp.BeginLogin(user)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	blob, err := json.Marshal(sessionData)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return assertion, blob, nil
}

// FinishLogin validates the browser's assertion response against the
// session started by BeginLogin.
func (s *Service) FinishLogin(ctx context.Context, rp *webauthn.WebAuthn, tnId store.TnId, idTag string, creds []webauthn.Credential, sessionBlob []byte, response []byte) error {
	var sessionData webauthn.SessionData
	if err := json.Unmarshal(sessionBlob, &sessionData); err != nil {
		return trace.Wrap(err)
	}
	parsed, err := protocol.ParseCredentialRequestResponseBody(jsonReader(response))
	if err != nil {
		return trace.BadParameter("invalid assertion response: %v", err)
	}
	user := &webauthnIdentity{tnId: tnId, idTag: idTag, credentials: creds}
	if _, err := rp.ValidateLogin(user, sessionData, parsed); err != nil {
		return trace.AccessDenied("webauthn assertion failed: %v", err)
	}
	return nil
}
