package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWebSocketTestServer(t *testing.T) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketUserDisconnectSuppressesLossCallback(t *testing.T) {
	srv, _ := newWebSocketTestServer(t)
	tr := NewWebSocketTransport(DefaultWebSocketConfig(wsURL(srv)))

	var losses atomic.Int32
	tr.OnConnectionChange(func(connected bool) {
		if !connected {
			losses.Add(1)
		}
	})

	require.NoError(t, tr.Connect(context.Background()))
	tr.Disconnect()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, losses.Load(), "explicit teardown reports no loss")
}

func TestWebSocketServerCloseReportsLoss(t *testing.T) {
	srv, conns := newWebSocketTestServer(t)
	tr := NewWebSocketTransport(DefaultWebSocketConfig(wsURL(srv)))

	lost := make(chan struct{}, 1)
	tr.OnConnectionChange(func(connected bool) {
		if !connected {
			lost <- struct{}{}
		}
	})

	require.NoError(t, tr.Connect(context.Background()))
	serverConn := <-conns
	serverConn.Close()

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("no connectivity-lost callback after server close")
	}
}
