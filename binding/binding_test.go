package binding

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/myleshyson/lsprotocol-go/protocol"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodinGame/languageserver-mutualized/languageclient"
	"github.com/CodinGame/languageserver-mutualized/lifecycle"
	"github.com/CodinGame/languageserver-mutualized/transport"
)

// fakeUpstreamServer is a minimal upstream LSP server used to exercise C5
// (and, through it, a Binding) against real jsonrpc2 traffic.
type fakeUpstreamServer struct {
	mu          sync.Mutex
	caps        protocol.ServerCapabilities
	hoverResult *protocol.Hover
	hoverCalls  int
}

func (s *fakeUpstreamServer) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	switch req.Method {
	case "initialize":
		_ = conn.Reply(ctx, req.ID, protocol.InitializeResult{Capabilities: s.caps})
	case "initialized", "textDocument/didOpen", "textDocument/didChange", "textDocument/didClose":
	case "textDocument/hover":
		s.mu.Lock()
		s.hoverCalls++
		result := s.hoverResult
		s.mu.Unlock()
		_ = conn.Reply(ctx, req.ID, result)
	case "shutdown":
		_ = conn.Reply(ctx, req.ID, nil)
	case "exit":
	}
}

// editorSpy stands in for an attached editor: it records every
// notification/request the Binding sends downstream and replies to
// requests with a canned result.
type editorSpy struct {
	mu            sync.Mutex
	notifications []string
	diagnostics   []protocol.PublishDiagnosticsParams
	refreshCalls  []string
	replyTo       map[string]any
}

func newEditorSpy() *editorSpy {
	return &editorSpy{replyTo: make(map[string]any)}
}

func (e *editorSpy) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	e.mu.Lock()
	e.notifications = append(e.notifications, req.Method)
	if req.Method == "textDocument/publishDiagnostics" {
		var p protocol.PublishDiagnosticsParams
		_ = json.Unmarshal(*req.Params, &p)
		e.diagnostics = append(e.diagnostics, p)
	}
	if req.Method == "workspace/codeLens/refresh" || req.Method == "workspace/semanticTokens/refresh" ||
		req.Method == "workspace/diagnostic/refresh" || req.Method == "workspace/inlayHint/refresh" ||
		req.Method == "workspace/inlineValue/refresh" {
		e.refreshCalls = append(e.refreshCalls, req.Method)
	}
	e.mu.Unlock()

	if req.Notif {
		return
	}
	_ = conn.Reply(ctx, req.ID, nil)
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// fixture wires one languageclient.Client to fakeUpstreamServer, and one
// Binding over that Client. conn is the editor-side transport.Connection
// a test drives directly; bindingConn is what Binding.Attach is given (the
// connection whose inbound Handler is b.Handler() and whose outbound
// Call/Notify reach the editor spy).
type fixture struct {
	binding     *Binding
	client      *languageclient.Client
	upstream    *fakeUpstreamServer
	editor      *editorSpy
	conn        transport.Connection
	bindingConn transport.Connection
}

func newFixture(t *testing.T, caps protocol.ServerCapabilities, cfg Config) *fixture {
	t.Helper()
	upstream := &fakeUpstreamServer{caps: caps}
	client := languageclient.New(languageclient.Config{Logger: testLogger(), DebounceDelay: 10 * time.Millisecond})

	ctx := context.Background()
	clientConn, _ := transport.Pipe(ctx, client.Handler(), upstream)
	client.Attach(clientConn)

	cfg.Logger = testLogger()
	b := New(client, cfg)

	editor := newEditorSpy()
	editorConn, bindingConn := transport.Pipe(ctx, editor, b.Handler())

	return &fixture{binding: b, client: client, upstream: upstream, editor: editor, conn: editorConn, bindingConn: bindingConn}
}

func (f *fixture) attach(t *testing.T) (chan EndCause, chan error) {
	t.Helper()
	endCh := make(chan EndCause, 1)
	errCh := make(chan error, 1)
	go func() {
		cause, err := f.binding.Attach(context.Background(), f.bindingConn)
		errCh <- err
		endCh <- cause
	}()
	return endCh, errCh
}

func (f *fixture) handshake(t *testing.T) {
	t.Helper()
	var result protocol.InitializeResult
	require.NoError(t, f.conn.Call(context.Background(), "initialize", protocol.InitializeParams{
		Capabilities: protocol.ClientCapabilities{},
	}, &result))
	require.NoError(t, f.conn.Notify(context.Background(), "initialized", protocol.InitializedParams{}))
}

func TestAttachCompletesHandshakeAndEndsOnExit(t *testing.T) {
	f := newFixture(t, protocol.ServerCapabilities{TextDocumentSync: protocol.TextDocumentSyncKindFull}, Config{})
	endCh, errCh := f.attach(t)

	f.handshake(t)

	require.NoError(t, f.conn.Notify(context.Background(), "exit", nil))

	select {
	case cause := <-endCh:
		assert.Equal(t, EndCauseClient, cause)
		require.NoError(t, <-errCh)
	case <-time.After(time.Second):
		t.Fatal("Attach did not return after exit")
	}
}

func TestAttachReturnsErrConnectionClosedOnEarlyDisconnect(t *testing.T) {
	f := newFixture(t, protocol.ServerCapabilities{}, Config{})
	_, errCh := f.attach(t)

	require.NoError(t, f.conn.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("Attach did not report the early disconnect")
	}
}

func TestAttachTimesOutWhenInitializeNeverArrives(t *testing.T) {
	f := newFixture(t, protocol.ServerCapabilities{}, Config{ClientInitTimeout: 20 * time.Millisecond})
	_, errCh := f.attach(t)
	defer f.conn.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, lifecycle.ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("Attach did not time out")
	}
}

func TestDidOpenForwardsToDocumentTrackerAndClient(t *testing.T) {
	f := newFixture(t, protocol.ServerCapabilities{TextDocumentSync: protocol.TextDocumentSyncKindFull}, Config{})
	_, errCh := f.attach(t)
	defer func() {
		_ = f.conn.Notify(context.Background(), "exit", nil)
		<-errCh
	}()

	f.handshake(t)

	require.NoError(t, f.conn.Notify(context.Background(), "textDocument/didOpen", protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{URI: "file:///a.go", LanguageId: "go", Version: 1, Text: "package a"},
	}))

	require.Eventually(t, func() bool {
		_, ok := f.binding.tracker.Get("file:///a.go")
		_, inClient := f.client.ServerDocumentVersion("file:///a.go")
		return ok && inClient
	}, time.Second, 10*time.Millisecond)
}

func TestForwardedRequestRoutesToUpstreamServer(t *testing.T) {
	hover := &protocol.Hover{}
	f := newFixture(t, protocol.ServerCapabilities{TextDocumentSync: protocol.TextDocumentSyncKindFull}, Config{})
	f.upstream.hoverResult = hover
	_, errCh := f.attach(t)
	defer func() {
		_ = f.conn.Notify(context.Background(), "exit", nil)
		<-errCh
	}()

	f.handshake(t)

	var result json.RawMessage
	require.NoError(t, f.conn.Call(context.Background(), "textDocument/hover", map[string]any{
		"textDocument": map[string]any{"uri": "file:///a.go"},
		"position":     map[string]any{"line": 0, "character": 0},
	}, &result))

	f.upstream.mu.Lock()
	calls := f.upstream.hoverCalls
	f.upstream.mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	f := newFixture(t, protocol.ServerCapabilities{}, Config{})
	_, errCh := f.attach(t)
	defer func() {
		_ = f.conn.Notify(context.Background(), "exit", nil)
		<-errCh
	}()

	f.handshake(t)

	var result json.RawMessage
	err := f.conn.Call(context.Background(), "totally/unknown", nil, &result)
	require.Error(t, err)
	rpcErr, ok := err.(*jsonrpc2.Error)
	require.True(t, ok)
	assert.Equal(t, jsonrpc2.CodeMethodNotFound, rpcErr.Code)
}

func TestUnknownClientRequestHandlerIsConsultedFirst(t *testing.T) {
	f := newFixture(t, protocol.ServerCapabilities{}, Config{
		UnknownClientRequestHandler: func(ctx context.Context, method string, params json.RawMessage) (any, bool) {
			if method == "custom/ping" {
				return "pong", true
			}
			return nil, false
		},
	})
	_, errCh := f.attach(t)
	defer func() {
		_ = f.conn.Notify(context.Background(), "exit", nil)
		<-errCh
	}()

	f.handshake(t)

	var result string
	require.NoError(t, f.conn.Call(context.Background(), "custom/ping", nil, &result))
	assert.Equal(t, "pong", result)
}

func TestApplyEditFiltersChangesToOpenDocuments(t *testing.T) {
	f := newFixture(t, protocol.ServerCapabilities{TextDocumentSync: protocol.TextDocumentSyncKindFull}, Config{})
	_, errCh := f.attach(t)
	defer func() {
		_ = f.conn.Notify(context.Background(), "exit", nil)
		<-errCh
	}()

	f.handshake(t)

	require.NoError(t, f.conn.Notify(context.Background(), "textDocument/didOpen", protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{URI: "file:///open.go", LanguageId: "go", Version: 1, Text: "package a"},
	}))
	require.Eventually(t, func() bool {
		_, ok := f.binding.tracker.Get("file:///open.go")
		return ok
	}, time.Second, 10*time.Millisecond)

	params := protocol.ApplyWorkspaceEditParams{
		Edit: protocol.WorkspaceEdit{
			Changes: map[protocol.DocumentUri][]protocol.TextEdit{
				"file:///open.go":   {{NewText: "x"}},
				"file:///closed.go": {{NewText: "y"}},
			},
		},
	}
	out := f.binding.filterWorkspaceEdit(params)
	_, hasOpen := out.Edit.Changes["file:///open.go"]
	_, hasClosed := out.Edit.Changes["file:///closed.go"]
	assert.True(t, hasOpen)
	assert.False(t, hasClosed)
}

func TestRefreshNotSentWithoutClientCapability(t *testing.T) {
	f := newFixture(t, protocol.ServerCapabilities{}, Config{})
	_, errCh := f.attach(t)
	defer func() {
		_ = f.conn.Notify(context.Background(), "exit", nil)
		<-errCh
	}()

	f.handshake(t)

	_, err := f.client.CodeLensRefresh().Dispatch(context.Background(), struct{}{})
	require.NoError(t, err)

	f.editor.mu.Lock()
	defer f.editor.mu.Unlock()
	assert.Empty(t, f.editor.refreshCalls)
}

func TestEndCauseServerWhenClientDisposes(t *testing.T) {
	f := newFixture(t, protocol.ServerCapabilities{TextDocumentSync: protocol.TextDocumentSyncKindFull}, Config{})
	endCh, _ := f.attach(t)

	f.handshake(t)
	// "initialized" is a notification: give Attach's goroutine a moment to
	// process it and subscribe to C5's dispose event before disposing.
	time.Sleep(50 * time.Millisecond)

	f.client.Dispose(context.Background())

	select {
	case cause := <-endCh:
		assert.Equal(t, EndCauseServer, cause)
	case <-time.After(time.Second):
		t.Fatal("Attach did not end after C5 disposed")
	}
}
