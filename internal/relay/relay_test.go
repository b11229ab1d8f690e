package relay

import (
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// dialAs opens a client WebSocket connection to serverAddr while presenting
// host as the Host header, so the dispatcher's tenant resolution sees the
// tenant under test rather than the test server's loopback address.
func dialAs(t *testing.T, serverAddr, host, path, rawQuery string) *websocket.Conn {
	t.Helper()
	u := url.URL{Scheme: "ws", Host: host, Path: path, RawQuery: rawQuery}
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		NetDial: func(network, addr string) (net.Conn, error) {
			return net.Dial("tcp", serverAddr)
		},
	}
	conn, _, err := dialer.Dial(u.String(), nil)
	require.NoError(t, err)
	return conn
}
