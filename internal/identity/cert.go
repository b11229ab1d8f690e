package identity

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/gravitational/trace"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

// acmeUser adapts a tenant's ACME account key to lego's registration.User,
// the minimum surface lego needs to run the HTTP-01 flow for a
// self-hosted instance's own certificate.
type acmeUser struct {
	email        string
	key          crypto.PrivateKey
	registration *registration.Resource
}

func (u *acmeUser) GetEmail() string                        { return u.email }
func (u *acmeUser) GetRegistration() *registration.Resource  { return u.registration }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey         { return u.key }

// http01Provider answers ACME HTTP-01 challenges out of the AuthStore so
// any instance in a multi-process deployment can serve the challenge the
// ACME server happens to hit.
type http01Provider struct {
	auth store.AuthStore
}

func (p *http01Provider) Present(domain, token, keyAuth string) error {
	return trace.Wrap(p.auth.PutACMEChallenge(context.Background(), token, keyAuth))
}

func (p *http01Provider) CleanUp(domain, token, keyAuth string) error {
	return nil
}

var _ challenge.Provider = (*http01Provider)(nil)

// IssueCertificate runs the ACME HTTP-01 flow for idTag and persists the
// resulting certificate, chain and key through the AuthStore. Called both
// on first provisioning and by the worker-driven CertRenewal task.
func (s *Service) IssueCertificate(ctx context.Context, idTag, acmeDirectoryURL, acmeEmail string) error {
	accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return trace.Wrap(err)
	}
	user := &acmeUser{email: acmeEmail, key: accountKey}

	cfg := lego.NewConfig(user)
	cfg.CADirURL = acmeDirectoryURL
	cfg.Certificate.KeyType = certcrypto.RSA2048

	client, err := lego.NewClient(cfg)
	if err != nil {
		return trace.Wrap(err)
	}

	provider := &http01Provider{auth: s.Auth}
	if err := client.Challenge.SetHTTP01Provider(provider); err != nil {
		return trace.Wrap(err)
	}

	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return trace.Wrap(err)
	}
	user.registration = reg

	req := certificate.ObtainRequest{
		Domains: []string{idTag},
		Bundle:  true,
	}
	cert, err := client.Certificate.Obtain(req)
	if err != nil {
		return trace.Wrap(err)
	}

	expiresAt, err := certExpiry(cert.Certificate)
	if err != nil {
		return trace.Wrap(err)
	}

	return trace.Wrap(s.Auth.PutCertificate(ctx, idTag, cert.Certificate, cert.IssuerCertificate, cert.PrivateKey, expiresAt))
}

func certExpiry(certPEM []byte) (time.Time, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return time.Time{}, trace.BadParameter("invalid certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, trace.Wrap(err)
	}
	return cert.NotAfter, nil
}

// CertificatesDueForRenewal lists idTags whose certificate expires within
// window.
func (s *Service) CertificatesDueForRenewal(ctx context.Context, window time.Duration) ([]string, error) {
	idTags, err := s.Auth.ListExpiringCertificates(ctx, window)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return idTags, nil
}
