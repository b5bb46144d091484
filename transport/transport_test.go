package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoHandler struct{}

func (echoHandler) Handle(ctx context.Context, c *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Notif {
		return
	}
	var params map[string]any
	_ = DecodeParams(req, &params)
	_ = c.Reply(ctx, req.ID, params)
}

func TestPipeCallRoundTrips(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe(ctx, echoHandler{}, echoHandler{})
	defer a.Close()
	defer b.Close()

	var result map[string]any
	err := a.Call(ctx, "echo", map[string]any{"hello": "world"}, &result)
	require.NoError(t, err)
	assert.Equal(t, "world", result["hello"])
}

type notifyRecorder struct {
	received chan string
}

func (n notifyRecorder) Handle(ctx context.Context, c *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Notif {
		n.received <- req.Method
	}
}

func TestPipeNotifyDeliversToPeer(t *testing.T) {
	ctx := context.Background()
	received := make(chan string, 1)
	a, b := Pipe(ctx, notifyRecorder{received: received}, notifyRecorder{received: received})
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Notify(ctx, "textDocument/didOpen", map[string]any{}))

	select {
	case method := <-received:
		assert.Equal(t, "textDocument/didOpen", method)
	case <-time.After(time.Second):
		t.Fatal("notification was not delivered")
	}
}

func TestPipeDisconnectNotifyFiresOnClose(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe(ctx, echoHandler{}, echoHandler{})
	defer b.Close()

	done := a.DisconnectNotify()
	require.NoError(t, a.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("DisconnectNotify did not fire after Close")
	}
}

func TestListenTCPAcceptsConnections(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan struct{}, 1)
	go func() {
		_ = ln.Serve(func(c net.Conn) {
			select {
			case accepted <- struct{}{}:
			default:
			}
		})
	}()

	assert.NotEmpty(t, ln.Addr().String())

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("connection was not accepted")
	}
}
