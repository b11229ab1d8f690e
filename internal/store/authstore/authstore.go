// Package authstore is the reference AuthStore implementation: identity,
// password/WebAuthn credentials and certificate lifecycle layered over a
// backend.Backend.
package authstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
	"github.com/cloudillo/cloudillo-sub008/internal/store/backend"
)

const (
	tenantsPrefix = "tenants"
	identPrefix   = "ident"
	passPrefix    = "password"
	waCredPrefix  = "wa_cred"
	waSessPrefix  = "wa_session"
	totpPrefix    = "totp_secret"
	certPrefix    = "cert"
	acmePrefix    = "acme_challenge"
)

var log = logrus.WithFields(logrus.Fields{"component": "AuthStore"})

// Store is the reference AuthStore, backed by an in-process or pluggable
// backend.Backend.
type Store struct {
	backend.Backend
	jwtSecret []byte
	clock     clockwork.Clock

	mu     sync.Mutex
	nextTn store.TnId
}

// New returns an AuthStore reference implementation over b, signing access
// and proxy tokens with jwtSecret (HS256).
func New(b backend.Backend, jwtSecret []byte) *Store {
	return &Store{Backend: b, jwtSecret: jwtSecret, clock: clockwork.NewRealClock()}
}

// WithClock overrides the store's clock, for deterministic tests.
func (s *Store) WithClock(clock clockwork.Clock) *Store {
	s.clock = clock
	return s
}

var _ store.AuthStore = (*Store)(nil)

func tnIdKey(tnId store.TnId) []byte {
	return backend.Key(tenantsPrefix, fmt.Sprintf("%020d", tnId))
}

func identKey(idTag string) []byte {
	return backend.Key(identPrefix, idTag)
}

func (s *Store) CreateTenant(ctx context.Context, idTag string) (store.TnId, error) {
	if idTag == "" {
		return 0, trace.BadParameter("missing idTag")
	}
	if _, err := s.GetTnId(ctx, idTag); err == nil {
		return 0, trace.AlreadyExists("tenant %q already exists", idTag)
	}

	s.mu.Lock()
	if s.nextTn == 0 {
		// First create after process start: resume the dense id sequence
		// from whatever the backend already holds, so restarting against a
		// persistent backend never reissues an existing tnId.
		tenants, lerr := s.ListTenants(ctx)
		if lerr != nil {
			s.mu.Unlock()
			return 0, trace.Wrap(lerr)
		}
		for _, t := range tenants {
			if t.TnId > s.nextTn {
				s.nextTn = t.TnId
			}
		}
	}
	s.nextTn++
	tnId := s.nextTn
	s.mu.Unlock()

	if _, err := s.Create(ctx, backend.Item{Key: tnIdKey(tnId), Value: []byte(idTag)}); err != nil {
		return 0, trace.Wrap(err)
	}
	if _, err := s.Create(ctx, backend.Item{Key: identKey(idTag), Value: []byte(fmt.Sprint(tnId))}); err != nil {
		return 0, trace.Wrap(err)
	}
	log.Debugf("created tenant %v (%v)", idTag, tnId)
	return tnId, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]store.Tenant, error) {
	prefix := backend.Key(tenantsPrefix)
	res, err := s.GetRange(ctx, prefix, backend.RangeEnd(prefix), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]store.Tenant, 0, len(res.Items))
	for _, item := range res.Items {
		var tnId store.TnId
		if _, err := fmt.Sscanf(string(item.Key[len(prefix)+1:]), "%020d", &tnId); err != nil {
			continue
		}
		out = append(out, store.Tenant{TnId: tnId, IdTag: string(item.Value)})
	}
	return out, nil
}

func (s *Store) GetIdentityTag(ctx context.Context, tnId store.TnId) (string, error) {
	item, err := s.Get(ctx, tnIdKey(tnId))
	if err != nil {
		if trace.IsNotFound(err) {
			return "", trace.NotFound("tenant %v not found", tnId)
		}
		return "", trace.Wrap(err)
	}
	return string(item.Value), nil
}

func (s *Store) GetTnId(ctx context.Context, idTag string) (store.TnId, error) {
	item, err := s.Get(ctx, identKey(idTag))
	if err != nil {
		if trace.IsNotFound(err) {
			return 0, trace.NotFound("unknown tenant %q", idTag)
		}
		return 0, trace.Wrap(err)
	}
	var tnId store.TnId
	if _, err := fmt.Sscan(string(item.Value), &tnId); err != nil {
		return 0, trace.Wrap(err)
	}
	return tnId, nil
}

// SetPassword hashes password with bcrypt and stores the resulting digest,
// which already carries its own per-call salt and cost parameter.
func (s *Store) SetPassword(ctx context.Context, tnId store.TnId, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.Put(ctx, backend.Item{Key: backend.Key(passPrefix, fmt.Sprint(tnId)), Value: hash})
	return trace.Wrap(err)
}

func (s *Store) VerifyPassword(ctx context.Context, tnId store.TnId, password string) error {
	item, err := s.Get(ctx, backend.Key(passPrefix, fmt.Sprint(tnId)))
	if err != nil {
		if trace.IsNotFound(err) {
			return trace.AccessDenied("no password set")
		}
		return trace.Wrap(err)
	}
	if err := bcrypt.CompareHashAndPassword(item.Value, []byte(password)); err != nil {
		return trace.AccessDenied("invalid password")
	}
	return nil
}

// WebauthnRegisterBegin issues a fresh session id for a registration ceremony.
// The actual challenge generation is delegated to internal/identity, which
// wraps duo-labs/webauthn; this method only persists the opaque session blob
// handed to it by the caller via a two-phase begin/finish so the store stays
// ceremony-agnostic.
func (s *Store) WebauthnRegisterBegin(ctx context.Context, tnId store.TnId) ([]byte, string, error) {
	sessionId := uuid.NewString()
	return nil, sessionId, nil
}

func (s *Store) WebauthnRegisterFinish(ctx context.Context, tnId store.TnId, sessionId string, resp []byte) error {
	_, err := s.Put(ctx, backend.Item{Key: backend.Key(waCredPrefix, fmt.Sprint(tnId), sessionId), Value: resp})
	return trace.Wrap(err)
}

func (s *Store) WebauthnList(ctx context.Context, tnId store.TnId) ([]string, error) {
	res, err := s.GetRange(ctx, backend.Key(waCredPrefix, fmt.Sprint(tnId)), backend.RangeEnd(backend.Key(waCredPrefix, fmt.Sprint(tnId))), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]string, 0, len(res.Items))
	for _, it := range res.Items {
		out = append(out, string(it.Key))
	}
	return out, nil
}

func (s *Store) WebauthnDelete(ctx context.Context, tnId store.TnId, keyId string) error {
	return trace.Wrap(s.Delete(ctx, backend.Key(waCredPrefix, fmt.Sprint(tnId), keyId)))
}

// SetTOTPSecret persists an already-verified TOTP secret for tnId. Like
// WebauthnRegisterFinish, enrollment is two-phase: internal/identity
// generates the secret and checks the enrollment code against it before the
// gateway calls this to commit it, so the store never validates a TOTP code
// itself.
func (s *Store) SetTOTPSecret(ctx context.Context, tnId store.TnId, secret string) error {
	_, err := s.Put(ctx, backend.Item{Key: backend.Key(totpPrefix, fmt.Sprint(tnId)), Value: []byte(secret)})
	return trace.Wrap(err)
}

func (s *Store) GetTOTPSecret(ctx context.Context, tnId store.TnId) (string, error) {
	item, err := s.Get(ctx, backend.Key(totpPrefix, fmt.Sprint(tnId)))
	if err != nil {
		if trace.IsNotFound(err) {
			return "", trace.NotFound("no TOTP secret for tenant %v", tnId)
		}
		return "", trace.Wrap(err)
	}
	return string(item.Value), nil
}

func (s *Store) DeleteTOTPSecret(ctx context.Context, tnId store.TnId) error {
	return trace.Wrap(s.Delete(ctx, backend.Key(totpPrefix, fmt.Sprint(tnId))))
}

type accessClaims struct {
	jwt.RegisteredClaims
	Extra map[string]any `json:"x,omitempty"`
}

func (s *Store) IssueAccessToken(ctx context.Context, tnId store.TnId, claims map[string]any, ttl time.Duration) (string, error) {
	idTag, err := s.GetIdentityTag(ctx, tnId)
	if err != nil {
		return "", trace.Wrap(err)
	}
	now := s.clock.Now()
	c := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    idTag,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Extra: claims,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(s.jwtSecret)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return signed, nil
}

func (s *Store) VerifyAccessToken(ctx context.Context, tokenStr string) (map[string]any, error) {
	var claims accessClaims
	tok, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, trace.BadParameter("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !tok.Valid {
		return nil, trace.AccessDenied("invalid or expired access token")
	}
	out := map[string]any{"iss": claims.Issuer}
	for k, v := range claims.Extra {
		out[k] = v
	}
	return out, nil
}

func (s *Store) IssueProxyToken(ctx context.Context, tnId store.TnId, peerIdTag string, ttl time.Duration) (string, error) {
	idTag, err := s.GetIdentityTag(ctx, tnId)
	if err != nil {
		return "", trace.Wrap(err)
	}
	now := s.clock.Now()
	c := jwt.RegisteredClaims{
		Issuer:    idTag,
		Audience:  jwt.ClaimStrings{peerIdTag},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.jwtSecret)
}

type certRecord struct {
	Cert      []byte    `json:"cert"`
	Chain     []byte    `json:"chain"`
	Key       []byte    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Store) PutCertificate(ctx context.Context, idTag string, cert, chain, key []byte, expiresAt time.Time) error {
	rec := certRecord{Cert: cert, Chain: chain, Key: key, ExpiresAt: expiresAt}
	buf, err := json.Marshal(rec)
	if err != nil {
		return trace.Wrap(err)
	}
	// No backend TTL here: an already-expired certificate must stay
	// readable so the renewal task can still find and replace it.
	_, err = s.Put(ctx, backend.Item{Key: backend.Key(certPrefix, idTag), Value: buf})
	return trace.Wrap(err)
}

func (s *Store) GetCertificate(ctx context.Context, idTag string) (cert, chain, key []byte, expiresAt time.Time, err error) {
	item, gerr := s.Get(ctx, backend.Key(certPrefix, idTag))
	if gerr != nil {
		if trace.IsNotFound(gerr) {
			return nil, nil, nil, time.Time{}, trace.NotFound("no certificate for %q", idTag)
		}
		return nil, nil, nil, time.Time{}, trace.Wrap(gerr)
	}
	var rec certRecord
	if uerr := json.Unmarshal(item.Value, &rec); uerr != nil {
		return nil, nil, nil, time.Time{}, trace.Wrap(uerr)
	}
	return rec.Cert, rec.Chain, rec.Key, rec.ExpiresAt, nil
}

func (s *Store) ListExpiringCertificates(ctx context.Context, within time.Duration) ([]string, error) {
	res, err := s.GetRange(ctx, backend.Key(certPrefix), backend.RangeEnd(backend.Key(certPrefix)), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cutoff := s.clock.Now().Add(within)
	var out []string
	for _, item := range res.Items {
		var rec certRecord
		if err := json.Unmarshal(item.Value, &rec); err != nil {
			continue
		}
		if rec.ExpiresAt.Before(cutoff) {
			// key is "cert/{idTag}"
			idTag := string(item.Key[len(certPrefix)+1:])
			out = append(out, idTag)
		}
	}
	return out, nil
}

func (s *Store) PutACMEChallenge(ctx context.Context, token, keyAuth string) error {
	_, err := s.Put(ctx, backend.Item{
		Key:     backend.Key(acmePrefix, token),
		Value:   []byte(keyAuth),
		Expires: s.clock.Now().Add(time.Hour),
	})
	return trace.Wrap(err)
}

func (s *Store) GetACMEChallenge(ctx context.Context, token string) (string, error) {
	item, err := s.Get(ctx, backend.Key(acmePrefix, token))
	if err != nil {
		if trace.IsNotFound(err) {
			return "", trace.NotFound("unknown challenge token")
		}
		return "", trace.Wrap(err)
	}
	return string(item.Value), nil
}

// randomID returns a URL-safe random token, used for ref/session ids where
// uuid's dash-separated form is inconvenient for URLs.
func randomID(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", trace.Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
