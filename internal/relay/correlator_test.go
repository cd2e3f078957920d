package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zaraProject/internal/protocol"
	"zaraProject/internal/tunnel"
)

// newDiscardConn 建立一条只读不回的WebSocket连接，模拟不响应的客户端
func newDiscardConn(t *testing.T) *tunnel.Connection {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sock, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := sock.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	sock, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })

	return &tunnel.Connection{ID: "test-conn", Sock: sock}
}

func newRequestMessage(requestID string) *protocol.Message {
	return &protocol.Message{
		Type:      protocol.MessageTypeRequest,
		RequestID: requestID,
		Request:   &protocol.RequestPayload{Method: "GET", Path: "/", Headers: http.Header{}},
	}
}

func TestForwardResolve(t *testing.T) {
	corr := NewCorrelator(2 * time.Second)
	conn := newDiscardConn(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		corr.Resolve("req-1", &protocol.ResponsePayload{Status: 200, Headers: http.Header{}}, []byte("pong"))
	}()

	payload, body, err := corr.Forward(conn, newRequestMessage("req-1"), nil)
	require.NoError(t, err)
	assert.Equal(t, 200, payload.Status)
	assert.Equal(t, []byte("pong"), body)
}

func TestForwardTimeout(t *testing.T) {
	corr := NewCorrelator(100 * time.Millisecond)
	conn := newDiscardConn(t)

	_, _, err := corr.Forward(conn, newRequestMessage("req-1"), nil)
	require.ErrorIs(t, err, ErrRequestTimeout)

	// 超时后的迟到响应静默丢弃，不阻塞不崩溃
	corr.Resolve("req-1", &protocol.ResponsePayload{Status: 200, Headers: http.Header{}}, nil)
}

func TestResolveExactlyOnce(t *testing.T) {
	corr := NewCorrelator(2 * time.Second)
	conn := newDiscardConn(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		corr.Resolve("req-1", &protocol.ResponsePayload{Status: 200, Headers: http.Header{}}, []byte("first"))
		// 第二次投递没有等待者，直接丢弃
		corr.Resolve("req-1", &protocol.ResponsePayload{Status: 500, Headers: http.Header{}}, []byte("second"))
	}()

	payload, body, err := corr.Forward(conn, newRequestMessage("req-1"), nil)
	require.NoError(t, err)
	assert.Equal(t, 200, payload.Status)
	assert.Equal(t, []byte("first"), body)
}

func TestResolveUnknownRequest(t *testing.T) {
	corr := NewCorrelator(time.Second)
	corr.Resolve("ghost", &protocol.ResponsePayload{Status: 200, Headers: http.Header{}}, nil)
}

func TestForwardSendFailure(t *testing.T) {
	corr := NewCorrelator(time.Second)

	// 连接已关闭时立即报错，不等到超时
	conn := &tunnel.Connection{ID: "dead"}
	start := time.Now()
	_, _, err := corr.Forward(conn, newRequestMessage("req-1"), nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRequestTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
