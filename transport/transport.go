// Package transport wraps github.com/sourcegraph/jsonrpc2 connections
// behind the narrow Connection interface the rest of the broker depends
// on, and provides the constructors for the three transports the broker
// and its example binaries use: stdio (talking to a child language-server
// process), TCP (accepting client connections), and an in-memory pipe for
// tests.
//
// The TCP accept-loop shape — net.Listen, a signal-triggered shutdown
// goroutine, and a per-connection handler goroutine — is grounded on the
// teacher's cmd/lsp-session-manager/main.go daemon loop; the actual wire
// codec is delegated to jsonrpc2 (declared in the teacher's go.mod, even
// though its own session manager hand-rolled JSON-RPC framing instead of
// using it) since the broker, unlike a single-session daemon, has to
// multiplex many independent jsonrpc2.Conn peers at once and benefits
// from the library's Call/Notify/Handler abstraction rather than another
// hand-rolled pending-map.
package transport

import (
	"context"
	"encoding/json"
	"io"
	"net"

	"github.com/sourcegraph/jsonrpc2"
)

// Handler processes inbound requests and notifications on a Connection.
// It is the same shape as jsonrpc2.Handler so implementations can embed
// one directly.
type Handler interface {
	Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request)

func (f HandlerFunc) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	f(ctx, conn, req)
}

// Connection is the narrow surface the rest of the broker needs from a
// JSON-RPC peer, whether that peer is the upstream language server or an
// attached client.
type Connection interface {
	// Call issues a request and decodes its result into result.
	Call(ctx context.Context, method string, params, result any) error
	// Notify sends a notification; there is no response to wait for.
	Notify(ctx context.Context, method string, params any) error
	// Close tears down the underlying connection.
	Close() error
	// DisconnectNotify returns a channel closed when the peer disconnects.
	DisconnectNotify() <-chan struct{}
}

type conn struct {
	c *jsonrpc2.Conn
}

func (w *conn) Call(ctx context.Context, method string, params, result any) error {
	return w.c.Call(ctx, method, params, result)
}

func (w *conn) Notify(ctx context.Context, method string, params any) error {
	return w.c.Notify(ctx, method, params)
}

func (w *conn) Close() error {
	return w.c.Close()
}

func (w *conn) DisconnectNotify() <-chan struct{} {
	return w.c.DisconnectNotify()
}

// NewConnection wraps an established jsonrpc2.Conn.
func NewConnection(c *jsonrpc2.Conn) Connection {
	return &conn{c: c}
}

// rwc adapts an io.Reader/io.Writer pair (e.g. a child process's stdout
// and stdin) to the io.ReadWriteCloser jsonrpc2.NewBufferedStream wants.
type rwc struct {
	io.Reader
	io.Writer
	closer func() error
}

func (r rwc) Close() error {
	if r.closer != nil {
		return r.closer()
	}
	return nil
}

// Stdio opens a Connection over the given reader/writer pair (typically a
// child language-server process's stdout/stdin), dispatching inbound
// messages to handler.
func Stdio(ctx context.Context, r io.Reader, w io.Writer, closer func() error, handler Handler) Connection {
	stream := jsonrpc2.NewBufferedStream(rwc{Reader: r, Writer: w, closer: closer}, jsonrpc2.VSCodeObjectCodec{})
	c := jsonrpc2.NewConn(ctx, stream, jsonrpc2.HandlerWithError(adaptHandler(handler)))
	return NewConnection(c)
}

// NewOverReadWriteCloser opens a Connection over an arbitrary
// io.ReadWriteCloser (typically an accepted net.Conn), dispatching
// inbound messages to handler. Used by cmd/mutualized-server's TCP
// accept loop, one call per accepted client.
func NewOverReadWriteCloser(ctx context.Context, rwc io.ReadWriteCloser, handler Handler) Connection {
	stream := jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{})
	c := jsonrpc2.NewConn(ctx, stream, jsonrpc2.HandlerWithError(adaptHandler(handler)))
	return NewConnection(c)
}

// Pipe opens an in-memory Connection pair, for tests that need two ends
// of a JSON-RPC channel without going through the network or a child
// process.
func Pipe(ctx context.Context, handlerA, handlerB Handler) (Connection, Connection) {
	ca, cb := net.Pipe()
	connA := jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(ca, jsonrpc2.VSCodeObjectCodec{}), jsonrpc2.HandlerWithError(adaptHandler(handlerA)))
	connB := jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(cb, jsonrpc2.VSCodeObjectCodec{}), jsonrpc2.HandlerWithError(adaptHandler(handlerB)))
	return NewConnection(connA), NewConnection(connB)
}

// Listener accepts TCP connections and, in Serve, hands each raw net.Conn
// to the onAccept callback, until Close is called.
type Listener struct {
	ln net.Listener
}

// ListenTCP starts listening on addr (e.g. ":9999").
func ListenTCP(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Serve accepts connections in a loop, calling onAccept for each until the
// listener is closed. onAccept is expected to build a Connection (via
// NewConnection over jsonrpc2.NewConn against the raw net.Conn) and own
// its lifecycle from there; Serve itself only owns accept-loop plumbing,
// mirroring the teacher's daemon's "go sm.HandleClient(conn)" dispatch.
func (l *Listener) Serve(onAccept func(net.Conn)) error {
	for {
		c, err := l.ln.Accept()
		if err != nil {
			return err
		}
		go onAccept(c)
	}
}

// adaptHandler bridges the broker's error-returning-free Handler
// interface to jsonrpc2's legacy-and-current Handler/Handler2 split: this
// broker never needs to return an error from Handle (message-level
// failures are logged and swallowed per spec.md §6), so
// jsonrpc2.HandlerWithError just wraps it without ever producing one.
func adaptHandler(h Handler) func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) (any, error) {
	return func(ctx context.Context, c *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		h.Handle(ctx, c, req)
		return nil, nil
	}
}

// DecodeParams is a small helper for handlers decoding
// *jsonrpc2.Request.Params (a json.RawMessage) into a typed params struct.
func DecodeParams(req *jsonrpc2.Request, out any) error {
	if req.Params == nil {
		return nil
	}
	return json.Unmarshal(*req.Params, out)
}
