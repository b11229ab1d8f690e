// Package federation implements FederationClient: signed, retried outbound
// HTTPS calls to peer instances, proxy-token minting, profile sync and
// attachment fetch, built around a roundtrip.Client wrapper per peer.
package federation

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	jose "gopkg.in/square/go-jose.v2"
	"github.com/sirupsen/logrus"

	"github.com/cloudillo/cloudillo-sub008/internal/action"
	"github.com/cloudillo/cloudillo-sub008/internal/identity"
	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

var log = logrus.WithFields(logrus.Fields{"component": "FederationClient"})

// peerClientCacheSize bounds how many peer HTTP clients are kept warm.
const peerClientCacheSize = 1024

// Client is the reference FederationClient.
type Client struct {
	Identity   *identity.Service
	Meta       store.MetaStore
	Timeout    time.Duration
	MaxRetries int

	peers *lru.Cache
}

// clock returns the identity service's clock, so profile sync timestamps
// and access-token expiry share one time source in tests.
func (c *Client) clock() clockwork.Clock {
	if c.Identity != nil && c.Identity.Clock != nil {
		return c.Identity.Clock
	}
	return clockwork.NewRealClock()
}

var _ action.Delivery = (*Client)(nil)

// New constructs a FederationClient. timeout <= 0 and maxRetries <= 0 pick
// the default outbound HTTP request timeout and retry count.
func New(ident *identity.Service, meta store.MetaStore, timeout time.Duration, maxRetries int) (*Client, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	peers, err := lru.New(peerClientCacheSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{Identity: ident, Meta: meta, Timeout: timeout, MaxRetries: maxRetries, peers: peers}, nil
}

func (c *Client) peerClient(peerIdTag string) (*roundtrip.Client, error) {
	if v, ok := c.peers.Get(peerIdTag); ok {
		return v.(*roundtrip.Client), nil
	}
	rt, err := roundtrip.NewClient("https://cl-o."+peerIdTag, "",
		roundtrip.HTTPClient(&http.Client{Timeout: c.Timeout}),
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.peers.Add(peerIdTag, rt)
	return rt, nil
}

// isTransient reports whether err/status should be retried: network
// errors, 5xx, and 429 are worth another attempt; other 4xx are not.
func isTransient(statusCode int, err error) bool {
	if err != nil {
		return true
	}
	return statusCode >= 500 || statusCode == http.StatusTooManyRequests
}

// withRetry runs fn up to c.MaxRetries+1 times with exponential backoff,
// stopping immediately on a non-transient (4xx) failure.
func (c *Client) withRetry(ctx context.Context, fn func() (*roundtrip.Response, error)) (*roundtrip.Response, error) {
	var lastErr error
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		resp, err := fn()
		status := 0
		if resp != nil {
			status = resp.Code()
		}
		if err == nil && !isTransient(status, nil) {
			if status >= 400 {
				return nil, trace.BadParameter("peer returned %v", status)
			}
			return resp, nil
		}
		lastErr = err
		if attempt == c.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if lastErr != nil {
		return nil, trace.ConnectionProblem(lastErr, "request to peer failed after %v attempts", c.MaxRetries+1)
	}
	return nil, trace.ConnectionProblem(nil, "request to peer failed after %v attempts", c.MaxRetries+1)
}

// DeliverAction POSTs a signed action token to peerIdTag's inbox.
func (c *Client) DeliverAction(ctx context.Context, tnId store.TnId, peerIdTag, token string) error {
	localIdTag, err := c.Identity.Auth.GetIdentityTag(ctx, tnId)
	if err != nil {
		return trace.Wrap(err)
	}
	proxyToken, err := c.Identity.Auth.IssueProxyToken(ctx, tnId, peerIdTag, c.Timeout)
	if err != nil {
		return trace.Wrap(err)
	}
	rt, err := c.peerClient(peerIdTag)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = c.withRetry(ctx, func() (*roundtrip.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://cl-o."+peerIdTag+"/api/inbox",
			bytes.NewReader(mustJSON(map[string]string{"token": token, "from": localIdTag})))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+proxyToken)
		req.Header.Set("Content-Type", "application/json")
		return rt.RoundTrip(func() (*http.Response, error) {
			return rt.HTTPClient().Do(req)
		})
	})
	return trace.Wrap(err)
}

// FetchAttachment downloads fileId from peerIdTag using a freshly minted
// proxy token.
func (c *Client) FetchAttachment(ctx context.Context, tnId store.TnId, peerIdTag, fileId string) ([]byte, error) {
	proxyToken, err := c.Identity.Auth.IssueProxyToken(ctx, tnId, peerIdTag, c.Timeout)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	rt, err := c.peerClient(peerIdTag)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := c.withRetry(ctx, func() (*roundtrip.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://cl-o."+peerIdTag+"/api/store/"+fileId, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+proxyToken)
		return rt.RoundTrip(func() (*http.Response, error) {
			return rt.HTTPClient().Do(req)
		})
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	body := resp.Bytes()
	sum := sha256.Sum256(body)
	if hex.EncodeToString(sum[:]) != fileId {
		return nil, trace.BadParameter("attachment %q failed hash verification", fileId)
	}
	return body, nil
}

// IssuerKey returns issuerIdTag's published signing key, reading through
// Identity's KeyRing: a cache hit answers without any network traffic, a
// miss fetches the JWK from the issuer's instance and caches it. A peer
// rotating its key is handled by KeyRing.Invalidate forcing the next call
// back onto the fetch path.
func (c *Client) IssuerKey(ctx context.Context, issuerIdTag string) (*rsa.PublicKey, error) {
	ring := c.Identity.KeyRing()
	if key, ok := ring.Get(issuerIdTag); ok {
		return key, nil
	}
	rt, err := c.peerClient(issuerIdTag)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := c.withRetry(ctx, func() (*roundtrip.Response, error) {
		return rt.Get(ctx, rt.Endpoint("api", "keys"), url.Values{})
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var jwk jose.JSONWebKey
	if err := json.Unmarshal(resp.Bytes(), &jwk); err != nil {
		return nil, trace.Wrap(err)
	}
	pub, ok := jwk.Key.(*rsa.PublicKey)
	if !ok {
		return nil, trace.BadParameter("issuer %q published a non-RSA key", issuerIdTag)
	}
	ring.Put(issuerIdTag, pub)
	return pub, nil
}

// SyncProfile performs the ETag-conditional GET /api/me against idTag's
// instance, persisting the returned keys and picture on 200 and marking the
// profile synced (no change) on 304.
func (c *Client) SyncProfile(ctx context.Context, tnId store.TnId, idTag, eTag string) error {
	rt, err := c.peerClient(idTag)
	if err != nil {
		return trace.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://cl-o."+idTag+"/api/me", nil)
	if err != nil {
		return trace.Wrap(err)
	}
	if eTag != "" {
		req.Header.Set("If-None-Match", eTag)
	}
	httpResp, err := rt.HTTPClient().Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "profile sync to %v failed", idTag)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNotModified {
		p, err := c.Meta.GetProfile(ctx, tnId, idTag)
		if err != nil {
			return trace.Wrap(err)
		}
		p.Status = store.ProfileActive
		p.SyncedAt = c.clock().Now()
		return trace.Wrap(c.Meta.UpsertProfile(ctx, *p))
	}
	if httpResp.StatusCode != http.StatusOK {
		return trace.BadParameter("profile sync to %v returned %v", idTag, httpResp.StatusCode)
	}

	var body struct {
		Name      string `json:"name"`
		PictureId string `json:"pictureId"`
		KeySet    []byte `json:"keySet"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&body); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(c.Meta.UpsertProfile(ctx, store.Profile{
		TnId:      tnId,
		IdTag:     idTag,
		Status:    store.ProfileActive,
		ETag:      httpResp.Header.Get("ETag"),
		Name:      body.Name,
		PictureId: body.PictureId,
		KeySet:    body.KeySet,
		SyncedAt:  c.clock().Now(),
	}))
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("federation: marshal of static payload failed: %v", err))
	}
	return b
}
