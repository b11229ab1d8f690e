package identity

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/pquerna/otp/totp"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

// BeginTOTPEnrollment generates a fresh TOTP secret for idTag, scoped to
// issuer (the deployment's base app domain), without persisting it: the
// secret only reaches AuthStore once FinishTOTPEnrollment confirms the
// caller can produce a valid code from it, mirroring WebAuthn's
// begin/finish ceremony shape.
func BeginTOTPEnrollment(issuer, idTag string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: issuer, AccountName: idTag})
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	return key.Secret(), key.URL(), nil
}

// FinishTOTPEnrollment checks code against secret and, only if it
// validates, commits secret to the AuthStore as tnId's second factor.
func (s *Service) FinishTOTPEnrollment(ctx context.Context, tnId store.TnId, secret, code string) error {
	if !totp.Validate(code, secret) {
		return trace.AccessDenied("invalid TOTP code")
	}
	return trace.Wrap(s.Auth.SetTOTPSecret(ctx, tnId, secret))
}

// VerifyTOTP checks code against tnId's enrolled secret, used as a second
// factor after password/WebAuthn verification during login.
func (s *Service) VerifyTOTP(ctx context.Context, tnId store.TnId, code string) error {
	secret, err := s.Auth.GetTOTPSecret(ctx, tnId)
	if err != nil {
		return trace.Wrap(err)
	}
	if !totp.Validate(code, secret) {
		return trace.AccessDenied("invalid TOTP code")
	}
	return nil
}
