package relay

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo-sub008/internal/config"
	"github.com/cloudillo/cloudillo-sub008/internal/identity"
	"github.com/cloudillo/cloudillo-sub008/internal/store/authstore"
	"github.com/cloudillo/cloudillo-sub008/internal/store/backend"
	"github.com/cloudillo/cloudillo-sub008/internal/store/busstore"
)

func newBusHarness(t *testing.T) (ident *identity.Service, bus *busstore.Store, token string, srv *httptest.Server) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	jwt.TimeFunc = clock.Now
	t.Cleanup(func() { jwt.TimeFunc = time.Now })
	auth := authstore.New(backend.NewMemory(), []byte("test-secret")).WithClock(clock)
	ident = identity.New(config.ModeStandalone, auth, clock)
	bus = busstore.New()

	ctx := context.Background()
	tnId, err := auth.CreateTenant(ctx, "alice.example.com")
	require.NoError(t, err)
	token, err = auth.IssueAccessToken(ctx, tnId, nil, time.Hour)
	require.NoError(t, err)

	disp := NewDispatcher(ident, NewMessageBus(bus), nil)
	srv = httptest.NewServer(http.HandlerFunc(disp.ServeHTTP))
	t.Cleanup(srv.Close)
	return
}

func TestMessageBusDeliversPublishedAction(t *testing.T) {
	_, bus, token, srv := newBusHarness(t)
	serverAddr := srv.Listener.Addr().String()

	conn := dialAs(t, serverAddr, "alice.example.com", "/ws/bus", "token="+token)
	defer conn.Close()

	var frame busFrame
	require.Eventually(t, func() bool {
		bus.Publish("alice.example.com", "ACTION", map[string]any{"hello": "world"})
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		return conn.ReadJSON(&frame) == nil
	}, 2*time.Second, 50*time.Millisecond)

	require.Equal(t, "ACTION", frame.Cmd)
}

func TestMessageBusRejectsMissingToken(t *testing.T) {
	_, _, _, srv := newBusHarness(t)
	serverAddr := srv.Listener.Addr().String()

	req, err := http.NewRequest(http.MethodGet, "http://alice.example.com/ws/bus", nil)
	require.NoError(t, err)
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return net.Dial("tcp", serverAddr)
			},
		},
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
