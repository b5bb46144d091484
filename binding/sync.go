package binding

import (
	"context"
	"encoding/json"

	"github.com/myleshyson/lsprotocol-go/protocol"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/CodinGame/languageserver-mutualized/diffengine"
	"github.com/CodinGame/languageserver-mutualized/doctracker"
)

// handleDidOpen consumes the client's didOpen into the per-client tracker
// and C5's merged view (§4.6.1: text sync is never forwarded directly).
// If C5 already has diagnostics cached for this URI, they are published
// to this client immediately, per §4.6.1's last bullet.
func (b *Binding) handleDidOpen(req *jsonrpc2.Request) {
	var params protocol.DidOpenTextDocumentParams
	_ = json.Unmarshal(*req.Params, &params)

	b.mu.Lock()
	b.tracker.Open(doctracker.Document{
		URI:        params.TextDocument.URI,
		LanguageID: params.TextDocument.LanguageId,
		Version:    params.TextDocument.Version,
		Text:       params.TextDocument.Text,
	})
	b.mu.Unlock()

	b.client.OpenDocument(params.TextDocument.URI, params.TextDocument.LanguageId, params.TextDocument.Text)

	if diags := b.client.Diagnostics(string(params.TextDocument.URI)); diags != nil {
		_ = b.conn.Notify(context.Background(), "textDocument/publishDiagnostics", protocol.PublishDiagnosticsParams{
			URI:         params.TextDocument.URI,
			Diagnostics: diags,
		})
	}
}

func (b *Binding) handleDidChange(req *jsonrpc2.Request) {
	var params protocol.DidChangeTextDocumentParams
	_ = json.Unmarshal(*req.Params, &params)

	b.mu.Lock()
	doc, ok := b.tracker.Get(params.TextDocument.URI)
	if !ok {
		b.mu.Unlock()
		return
	}
	newText := diffengine.ApplyContentChanges(doc.Text, params.ContentChanges)
	b.tracker.ApplyChange(params.TextDocument.URI, params.TextDocument.Version, newText)
	b.mu.Unlock()

	b.client.NotifyContentChanged()
}

func (b *Binding) handleDidClose(req *jsonrpc2.Request) {
	var params protocol.DidCloseTextDocumentParams
	_ = json.Unmarshal(*req.Params, &params)

	b.mu.Lock()
	b.tracker.Close(params.TextDocument.URI)
	b.mu.Unlock()

	b.client.CloseDocument(params.TextDocument.URI)
}

// handleWillSave folds into the didSave-time forwarding below: a bare
// willSave notification carries no text and arrives with no response
// expected, so there is nothing further to relay here on its own.
func (b *Binding) handleWillSave(req *jsonrpc2.Request) {
	var params protocol.WillSaveTextDocumentParams
	_ = json.Unmarshal(*req.Params, &params)
	b.log.WithField("uri", params.TextDocument.URI).Debug("binding: willSave noted, forwarded with didSave")
}

// handleWillSaveWaitUntil forwards the request upstream and returns
// whatever text edits the server wants applied before the save completes.
func (b *Binding) handleWillSaveWaitUntil(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params protocol.WillSaveTextDocumentParams
	_ = json.Unmarshal(*req.Params, &params)

	b.mu.Lock()
	doc, ok := b.tracker.Get(params.TextDocument.URI)
	b.mu.Unlock()
	if !ok {
		_ = conn.Reply(ctx, req.ID, []protocol.TextEdit{})
		return
	}

	edits, err := b.client.NotifySave(ctx, params.TextDocument.URI, doc.LanguageID, params.Reason, doc.Text, true)
	if err != nil {
		_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()})
		return
	}
	_ = conn.Reply(ctx, req.ID, edits)
}

func (b *Binding) handleDidSave(ctx context.Context, req *jsonrpc2.Request) {
	var params protocol.DidSaveTextDocumentParams
	_ = json.Unmarshal(*req.Params, &params)

	b.mu.Lock()
	doc, ok := b.tracker.Get(params.TextDocument.URI)
	b.mu.Unlock()
	if !ok {
		return
	}
	text := doc.Text
	if params.Text != nil {
		text = *params.Text
	}

	if _, err := b.client.NotifySave(ctx, params.TextDocument.URI, doc.LanguageID, protocol.TextDocumentSaveReasonManual, text, false); err != nil {
		b.log.WithError(err).Debug("binding: didSave forwarding failed")
	}
}
