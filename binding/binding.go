// Package binding implements C6, one Binding per attached client
// connection: it runs the client-facing half of the LSP handshake, folds
// the client's own document-tracker into C5's merged view, and forwards
// the subset of traffic spec.md §4.6.1 names in either direction.
//
// Grounded on spec.md §4.6/§4.6.1 and on the server-role endpoint shape
// dshills-keystorm/internal/lsp/manager.go uses per upstream server,
// turned inside out here: one LanguageClient (C5), many Bindings, each
// running its own attach protocol against a distinct client transport.
package binding

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/myleshyson/lsprotocol-go/protocol"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/CodinGame/languageserver-mutualized/doctracker"
	"github.com/CodinGame/languageserver-mutualized/languageclient"
	"github.com/CodinGame/languageserver-mutualized/lifecycle"
	"github.com/CodinGame/languageserver-mutualized/transport"
)

// EndCause is why a Binding's lifetime ended, per spec.md §6.
type EndCause int

const (
	EndCauseClient EndCause = iota
	EndCauseServer
)

func (c EndCause) String() string {
	if c == EndCauseServer {
		return "server"
	}
	return "client"
}

// ErrConnectionClosed is returned by Attach when the client transport
// closes before the handshake (initialize/initialized) completes.
var ErrConnectionClosed = errors.New("binding: client transport closed before handshake completed")

// forwardedSet is the glossary's "forwarded request set": every
// client→server request that flushes C5's debounced sync pipeline and
// passes straight through to the upstream server, replies routed back to
// the requesting client only.
var forwardedSet = map[string]bool{
	"textDocument/hover":                     true,
	"textDocument/references":                true,
	"textDocument/signatureHelp":              true,
	"textDocument/semanticTokens/full":        true,
	"textDocument/semanticTokens/full/delta":  true,
	"textDocument/semanticTokens/range":       true,
	"textDocument/definition":                 true,
	"textDocument/documentHighlight":          true,
	"workspace/symbol":                        true,
	"workspaceSymbol/resolve":                 true,
	"textDocument/formatting":                 true,
	"textDocument/rangeFormatting":            true,
	"textDocument/onTypeFormatting":           true,
	"textDocument/rename":                     true,
	"textDocument/prepareRename":              true,
	"workspace/executeCommand":                true,
	"textDocument/completion":                 true,
	"completionItem/resolve":                  true,
	"textDocument/codeAction":                 true,
	"codeAction/resolve":                      true,
	"textDocument/codeLens":                   true,
	"codeLens/resolve":                        true,
	"textDocument/documentLink":               true,
	"documentLink/resolve":                    true,
	"textDocument/foldingRange":               true,
	"textDocument/documentColor":              true,
	"textDocument/diagnostic":                 true,
	"workspace/diagnostic":                    true,
}

// replaySkip lists the server-role registrations a Binding must not
// replay to a newly-attached client, per spec.md §4.6 step 7: the broker
// itself owns document sync, so replaying these would make the client
// believe it must forward them manually.
var replaySkip = map[string]bool{
	"textDocument/didOpen":       true,
	"textDocument/didClose":      true,
	"textDocument/didChange":     true,
	"workspace/workspaceFolders": true,
}

// Config bundles a Binding's externally-supplied knobs, per spec.md §6.
type Config struct {
	Logger                       *logrus.Entry
	ServerName                   string
	ClientInitTimeout            time.Duration
	UnknownClientRequestHandler  func(ctx context.Context, method string, params json.RawMessage) (any, bool)
	UnhandledNotificationHandler func(method string, params json.RawMessage)
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if c.ClientInitTimeout <= 0 {
		c.ClientInitTimeout = 10 * time.Second
	}
}

// Binding is one attached client's runtime object (C6).
type Binding struct {
	id  string
	cfg Config
	log *logrus.Entry

	client *languageclient.Client

	mu                 sync.Mutex
	tracker            *doctracker.Tracker
	clientCapabilities *protocol.ClientCapabilities

	conn        transport.Connection
	disposables *lifecycle.Disposables
	disposeOnce sync.Once

	initializeCh  chan error
	initializedCh chan error
	end           chan EndCause
}

// New constructs a Binding against the shared LanguageClient. Call Attach
// with a connection built over Handler() to run the handshake.
func New(client *languageclient.Client, cfg Config) *Binding {
	cfg.setDefaults()
	id := uuid.NewString()
	return &Binding{
		id:            id,
		cfg:           cfg,
		log:           cfg.Logger.WithField("binding", id),
		client:        client,
		tracker:       doctracker.New(),
		disposables:   &lifecycle.Disposables{},
		initializeCh:  make(chan error, 1),
		initializedCh: make(chan error, 1),
		end:           make(chan EndCause, 1),
	}
}

// ID returns the Binding's unique identifier, for logging and inspection.
func (b *Binding) ID() string { return b.id }

// Handler returns the transport.Handler to install on the client-facing
// connection before calling Attach (mirrors languageclient.Client's
// Handler/Attach split, since the handler must exist before the
// connection that references it).
func (b *Binding) Handler() transport.Handler {
	return transport.HandlerFunc(b.handle)
}

// Attach runs the client attach protocol (spec.md §4.6, steps 2–8) over
// conn and blocks until the Binding's lifetime ends, returning why.
func (b *Binding) Attach(ctx context.Context, conn transport.Connection) (EndCause, error) {
	b.conn = conn
	disconnected := conn.DisconnectNotify()

	if cause, err := b.awaitStage(ctx, disconnected, b.initializeCh); err != nil {
		return cause, err
	}
	if cause, err := b.awaitStage(ctx, disconnected, b.initializedCh); err != nil {
		return cause, err
	}

	sub := b.client.OnDispose(func(languageclient.DisposeCause) {
		b.signalEnd(EndCauseServer)
	})
	b.disposables.AddFunc(sub.Unsubscribe)

	var cause EndCause
	select {
	case cause = <-b.end:
	case <-disconnected:
		cause = EndCauseClient
	}
	b.dispose()
	return cause, nil
}

func (b *Binding) awaitStage(ctx context.Context, disconnected <-chan struct{}, stage chan error) (EndCause, error) {
	timer := time.NewTimer(b.cfg.ClientInitTimeout)
	defer timer.Stop()
	select {
	case err := <-stage:
		if err != nil {
			return EndCauseClient, err
		}
		return EndCauseClient, nil
	case <-disconnected:
		return EndCauseClient, ErrConnectionClosed
	case <-timer.C:
		return EndCauseClient, lifecycle.ErrTimeout
	case <-ctx.Done():
		return EndCauseClient, ctx.Err()
	}
}

func (b *Binding) signalEnd(cause EndCause) {
	select {
	case b.end <- cause:
	default:
	}
}

func (b *Binding) dispose() {
	b.disposeOnce.Do(func() {
		b.disposables.Dispose()
		if b.conn != nil {
			_ = b.conn.Close()
		}
	})
}

// handle dispatches inbound requests and notifications from the attached
// client, per spec.md §4.6.1.
func (b *Binding) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	switch req.Method {
	case "initialize":
		b.handleInitialize(ctx, conn, req)
	case "initialized":
		b.handleInitialized()
	case "shutdown":
		_ = conn.Reply(ctx, req.ID, nil)
	case "exit":
		b.signalEnd(EndCauseClient)
	case "textDocument/didOpen":
		b.handleDidOpen(req)
	case "textDocument/didChange":
		b.handleDidChange(req)
	case "textDocument/didClose":
		b.handleDidClose(req)
	case "textDocument/willSave":
		b.handleWillSave(req)
	case "textDocument/willSaveWaitUntil":
		b.handleWillSaveWaitUntil(ctx, conn, req)
	case "textDocument/didSave":
		b.handleDidSave(ctx, req)
	case "workspace/didChangeConfiguration":
		b.log.Debug("binding: swallowing client configuration notification, cannot reconcile across clients")
	default:
		b.handleGeneric(ctx, conn, req)
	}
}

func (b *Binding) handleGeneric(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if forwardedSet[req.Method] {
		b.forwardRequest(ctx, conn, req)
		return
	}
	if req.Notif {
		if b.cfg.UnhandledNotificationHandler != nil {
			b.cfg.UnhandledNotificationHandler(req.Method, derefParams(req.Params))
		}
		return
	}
	if b.cfg.UnknownClientRequestHandler != nil {
		b.client.Flush()
		result, ok := b.cfg.UnknownClientRequestHandler(ctx, req.Method, derefParams(req.Params))
		if ok {
			_ = conn.Reply(ctx, req.ID, result)
			return
		}
	}
	_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
		Code:    jsonrpc2.CodeMethodNotFound,
		Message: "method not found: " + req.Method,
	})
}

func (b *Binding) forwardRequest(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	b.client.Flush()
	result, err := languageclient.Request[json.RawMessage](b.client, ctx, req.Method, derefParams(req.Params))
	if err != nil {
		b.log.WithError(err).WithField("method", req.Method).Debug("binding: forwarded request failed")
		_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()})
		return
	}
	_ = conn.Reply(ctx, req.ID, result)
}

func derefParams(p *json.RawMessage) json.RawMessage {
	if p == nil {
		return nil
	}
	return *p
}
