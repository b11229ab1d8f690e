package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo-sub008/internal/config"
	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

func testSigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestActionTokenRoundTrip(t *testing.T) {
	svc, _ := newTestService(t, config.ModeStandalone)
	key := testSigningKey(t)

	in := store.Action{
		Issuer:     "alice.example.com",
		Audience:   "bob.example.com",
		Key:        "CONN:alice.example.com:bob.example.com",
		Type:       "CONN",
		SubType:    "DEL",
		ParentId:   "parent-1",
		Subject:    "subject-1",
		Content:    []byte(`{"text":"hi"}`),
		Attachment: "p:deadbeef",
		IssuedAt:   174870000000, // centiseconds; must survive encode/decode exactly
	}

	token, err := svc.SignActionToken(in, key)
	require.NoError(t, err)

	out, err := svc.VerifyActionToken(token, &key.PublicKey)
	require.NoError(t, err)
	require.Equal(t, in.Issuer, out.Issuer)
	require.Equal(t, in.Audience, out.Audience)
	require.Equal(t, in.Key, out.Key)
	require.Equal(t, in.Type, out.Type)
	require.Equal(t, in.SubType, out.SubType)
	require.Equal(t, in.ParentId, out.ParentId)
	require.Equal(t, in.Subject, out.Subject)
	require.Equal(t, in.Content, out.Content)
	require.Equal(t, in.Attachment, out.Attachment)
	require.Equal(t, in.IssuedAt, out.IssuedAt)
}

func TestActionTokenRejectsTamperedPayload(t *testing.T) {
	svc, _ := newTestService(t, config.ModeStandalone)
	key := testSigningKey(t)

	token, err := svc.SignActionToken(store.Action{
		Issuer: "alice.example.com", Type: "MSG", IssuedAt: 174870000000,
	}, key)
	require.NoError(t, err)

	// Flip one character inside the payload segment of the compact JWS.
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	payload := []byte(parts[1])
	mid := len(payload) / 2
	if payload[mid] == 'A' {
		payload[mid] = 'B'
	} else {
		payload[mid] = 'A'
	}
	tampered := parts[0] + "." + string(payload) + "." + parts[2]

	_, err = svc.VerifyActionToken(tampered, &key.PublicKey)
	require.Error(t, err)
}

func TestActionTokenRejectsWrongKey(t *testing.T) {
	svc, _ := newTestService(t, config.ModeStandalone)
	signer := testSigningKey(t)
	imposter := testSigningKey(t)

	token, err := svc.SignActionToken(store.Action{
		Issuer: "alice.example.com", Type: "MSG", IssuedAt: 174870000000,
	}, signer)
	require.NoError(t, err)

	_, err = svc.VerifyActionToken(token, &imposter.PublicKey)
	require.Error(t, err)
}

func TestParseActionTokenUnverifiedExposesIssuer(t *testing.T) {
	svc, _ := newTestService(t, config.ModeStandalone)
	key := testSigningKey(t)

	token, err := svc.SignActionToken(store.Action{
		Issuer: "alice.example.com", Type: "POST", IssuedAt: 174870000000,
	}, key)
	require.NoError(t, err)

	// No key is needed to learn the issuer: that is exactly what the
	// inbound path uses this for before it knows whose key set to fetch.
	a, err := svc.ParseActionTokenUnverified(token)
	require.NoError(t, err)
	require.Equal(t, "alice.example.com", a.Issuer)
	require.Equal(t, "POST", a.Type)
}

func TestParseActionTokenUnverifiedRejectsGarbage(t *testing.T) {
	svc, _ := newTestService(t, config.ModeStandalone)
	_, err := svc.ParseActionTokenUnverified("not-a-jws")
	require.Error(t, err)
}

func TestKeyRingInvalidate(t *testing.T) {
	ring := NewKeyRing()
	key := testSigningKey(t)

	ring.Put("alice.example.com", &key.PublicKey)
	got, ok := ring.Get("alice.example.com")
	require.True(t, ok)
	require.Equal(t, &key.PublicKey, got)

	ring.Invalidate("alice.example.com")
	_, ok = ring.Get("alice.example.com")
	require.False(t, ok)
}
