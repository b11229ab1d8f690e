package identity

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gravitational/trace"
	jose "gopkg.in/square/go-jose.v2"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

// TokenKind closes the set of capability tokens the server core issues and
// verifies. It is never extended at runtime: new kinds are a
// code change, not a config change (REDESIGN FLAGS).
type TokenKind int

const (
	// TokenAccess authenticates a tenant's own session against its own API.
	// Issuing and verifying access tokens is owned by store.AuthStore.
	TokenAccess TokenKind = iota
	// TokenProxy lets a peer server act on behalf of a remote identity
	// against a proxied tenant (stream_proxy / proxy deployment modes).
	// Also owned by store.AuthStore.
	TokenProxy
	// TokenAction is the self-contained, asymmetrically signed envelope an
	// Action's content travels in between servers.
	TokenAction
	// TokenRef grants time- and quota-bounded access to a single resource
	// without authenticating an identity at all.
	TokenRef
)

func (k TokenKind) String() string {
	switch k {
	case TokenAccess:
		return "access"
	case TokenProxy:
		return "proxy"
	case TokenAction:
		return "action"
	case TokenRef:
		return "ref"
	default:
		return "unknown"
	}
}

// actionTokenClaims is the payload carried in an action token's JWS. It is
// the on-wire contract spec.md §9 and SPEC_FULL.md §10 require federation
// between heterogeneous implementations to share byte-compatibly, so the
// field names are the single-letter schema, not Go-idiomatic English names:
// {iss, k, t, st, c, p, a, aud, sub, iat}. actionId and rootId are
// deliberately absent — actionId is the hash of the signed token itself
// (computed by both sides, never carried in the payload) and rootId is
// derived independently by each side via its own parentId chain walk
// (resolveRoot), never trusted from the wire.
type actionTokenClaims struct {
	Issuer     string `json:"iss"`
	Key        string `json:"k,omitempty"`
	Type       string `json:"t"`
	SubType    string `json:"st,omitempty"`
	Content    []byte `json:"c,omitempty"`
	ParentId   string `json:"p,omitempty"`
	Attachment string `json:"a,omitempty"`
	Audience   string `json:"aud,omitempty"`
	Subject    string `json:"sub,omitempty"`
	IssuedAt   int64  `json:"iat"`
}

// SignActionToken produces the asymmetrically signed JWS envelope for an
// outbound Action, using the tenant's own RSA signing key. Action tokens
// must verify against the issuer's published key set rather than a shared
// secret, since they cross server boundaries.
func (s *Service) SignActionToken(a store.Action, signKey *rsa.PrivateKey) (string, error) {
	payload, err := json.Marshal(actionTokenClaims{
		Issuer:     a.Issuer,
		Key:        a.Key,
		Type:       a.Type,
		SubType:    a.SubType,
		Content:    a.Content,
		ParentId:   a.ParentId,
		Attachment: a.Attachment,
		Audience:   a.Audience,
		Subject:    a.Subject,
		IssuedAt:   a.IssuedAt,
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: signKey}, nil)
	if err != nil {
		return "", trace.Wrap(err)
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		return "", trace.Wrap(err)
	}
	compact, err := obj.CompactSerialize()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return compact, nil
}

// ParseActionTokenUnverified decodes an action token's claims without
// checking its signature, so the caller can learn the issuer before it
// knows which key to verify against: an unknown kid means the issuer's
// profile needs a sync before the caller can fetch the right key. Never
// trust the result for anything but key lookup.
func (s *Service) ParseActionTokenUnverified(raw string) (store.Action, error) {
	obj, err := jose.ParseSigned(raw)
	if err != nil {
		return store.Action{}, trace.BadParameter("malformed action token: %v", err)
	}
	if len(obj.Signatures) == 0 {
		return store.Action{}, trace.BadParameter("action token has no signature")
	}
	payload := obj.UnsafePayloadWithoutVerification()
	var c actionTokenClaims
	if err := json.Unmarshal(payload, &c); err != nil {
		return store.Action{}, trace.Wrap(err)
	}
	return store.Action{
		Key:        c.Key,
		Issuer:     c.Issuer,
		Audience:   c.Audience,
		ParentId:   c.ParentId,
		Subject:    c.Subject,
		Type:       c.Type,
		SubType:    c.SubType,
		Content:    c.Content,
		Attachment: c.Attachment,
		IssuedAt:   c.IssuedAt,
	}, nil
}

// VerifyActionToken checks the JWS against the issuer's public key and
// returns the decoded claims as an Action shell (Status/Synced/Key are left
// zero; the caller fills those in from local state on ingest).
func (s *Service) VerifyActionToken(raw string, issuerKey *rsa.PublicKey) (store.Action, error) {
	obj, err := jose.ParseSigned(raw)
	if err != nil {
		return store.Action{}, trace.BadParameter("malformed action token: %v", err)
	}
	payload, err := obj.Verify(issuerKey)
	if err != nil {
		return store.Action{}, trace.AccessDenied("action token signature invalid: %v", err)
	}
	var c actionTokenClaims
	if err := json.Unmarshal(payload, &c); err != nil {
		return store.Action{}, trace.Wrap(err)
	}
	return store.Action{
		Key:        c.Key,
		Issuer:     c.Issuer,
		Audience:   c.Audience,
		ParentId:   c.ParentId,
		Subject:    c.Subject,
		Type:       c.Type,
		SubType:    c.SubType,
		Content:    c.Content,
		Attachment: c.Attachment,
		IssuedAt:   c.IssuedAt,
	}, nil
}

// refClaims is the payload of a ref token: a bare capability grant with no
// identity attached. Unlike access/proxy tokens this
// never carries a tenant's identity claims, so it is signed and verified
// here rather than through store.AuthStore.
type refClaims struct {
	jwt.RegisteredClaims
	ResourceId string `json:"resourceId"`
	AccessLvl  byte   `json:"accessLvl"`
}

// IssueRefToken signs a capability grant for a single resource.
func (s *Service) IssueRefToken(ctx context.Context, tnId store.TnId, resourceId string, accessLvl byte, expiry time.Time) (string, error) {
	// Piggyback on the access-token signing secret rather than minting a
	// second shared secret per tenant.
	claims := map[string]any{"resourceId": resourceId, "accessLvl": accessLvl}
	return s.Auth.IssueAccessToken(ctx, tnId, claims, time.Until(expiry))
}

// VerifyRefToken checks signature and expiry and returns the grant.
func (s *Service) VerifyRefToken(ctx context.Context, raw string) (resourceId string, accessLvl byte, err error) {
	claims, err := s.Auth.VerifyAccessToken(ctx, raw)
	if err != nil {
		return "", 0, trace.Wrap(err)
	}
	rid, _ := claims["resourceId"].(string)
	if rid == "" {
		return "", 0, trace.BadParameter("not a ref token")
	}
	switch v := claims["accessLvl"].(type) {
	case float64:
		accessLvl = byte(v)
	case byte:
		accessLvl = v
	}
	return rid, accessLvl, nil
}
