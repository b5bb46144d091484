package binding

import (
	"context"

	"github.com/myleshyson/lsprotocol-go/protocol"

	"github.com/CodinGame/languageserver-mutualized/dispatch"
	"github.com/CodinGame/languageserver-mutualized/languageclient"
)

// bindHandlers wires this Binding's handlers onto C5's shared fan-out
// surface (spec.md §4.6 step 4). Called once, after C5.start succeeds
// and before the client's initialize is answered.
func (b *Binding) bindHandlers() {
	unsub := b.client.Synchronize(func(uri protocol.DocumentUri) (string, bool) {
		b.mu.Lock()
		defer b.mu.Unlock()
		doc, ok := b.tracker.Get(uri)
		if !ok {
			return "", false
		}
		return doc.Text, true
	})
	b.disposables.AddFunc(unsub)

	b.disposables.AddFunc(b.client.OnDiagnostics(b.handleServerDiagnostics).Unsubscribe)

	b.disposables.AddFunc(b.client.CodeLensRefresh().On(b.refreshHandler(
		"workspace/codeLens/refresh",
		func(w *protocol.WorkspaceClientCapabilities) *bool {
			if w.CodeLens == nil {
				return nil
			}
			return w.CodeLens.RefreshSupport
		},
	)).Unsubscribe)

	b.disposables.AddFunc(b.client.SemanticTokensRefresh().On(b.refreshHandler(
		"workspace/semanticTokens/refresh",
		func(w *protocol.WorkspaceClientCapabilities) *bool {
			if w.SemanticTokens == nil {
				return nil
			}
			return w.SemanticTokens.RefreshSupport
		},
	)).Unsubscribe)

	b.disposables.AddFunc(b.client.DiagnosticsRefresh().On(b.refreshHandler(
		"workspace/diagnostic/refresh",
		func(w *protocol.WorkspaceClientCapabilities) *bool {
			if w.Diagnostics == nil {
				return nil
			}
			return w.Diagnostics.RefreshSupport
		},
	)).Unsubscribe)

	b.disposables.AddFunc(b.client.InlayHintRefresh().On(b.refreshHandler(
		"workspace/inlayHint/refresh",
		func(w *protocol.WorkspaceClientCapabilities) *bool {
			if w.InlayHint == nil {
				return nil
			}
			return w.InlayHint.RefreshSupport
		},
	)).Unsubscribe)

	b.disposables.AddFunc(b.client.InlineValueRefresh().On(b.refreshHandler(
		"workspace/inlineValue/refresh",
		func(w *protocol.WorkspaceClientCapabilities) *bool {
			if w.InlineValue == nil {
				return nil
			}
			return w.InlineValue.RefreshSupport
		},
	)).Unsubscribe)

	b.disposables.AddFunc(b.client.ApplyWorkspaceEdit().On(b.handleServerApplyEdit).Unsubscribe)
	b.disposables.AddFunc(b.client.ShowDocument().On(b.handleServerShowDocument).Unsubscribe)
}

// handleServerDiagnostics forwards a publishDiagnostics event only if the
// URI is open in this client's tracker, per spec.md §4.6.1.
func (b *Binding) handleServerDiagnostics(ev languageclient.DiagnosticsEvent) {
	b.mu.Lock()
	_, open := b.tracker.Get(ev.URI)
	b.mu.Unlock()
	if !open {
		return
	}
	_ = b.conn.Notify(context.Background(), "textDocument/publishDiagnostics", protocol.PublishDiagnosticsParams{
		URI:         ev.URI,
		Diagnostics: ev.Diagnostics,
	})
}

// refreshHandler builds a C4 handler that forwards method to this client
// only if get reports the matching refreshSupport capability as true.
func (b *Binding) refreshHandler(method string, get func(*protocol.WorkspaceClientCapabilities) *bool) dispatch.Handler[struct{}, struct{}] {
	return func(ctx context.Context, _ struct{}) (struct{}, error) {
		if !b.capRefreshSupport(get) {
			return struct{}{}, nil
		}
		err := b.conn.Call(ctx, method, nil, nil)
		return struct{}{}, err
	}
}

func (b *Binding) capRefreshSupport(get func(*protocol.WorkspaceClientCapabilities) *bool) bool {
	b.mu.Lock()
	caps := b.clientCapabilities
	b.mu.Unlock()
	if caps == nil || caps.Workspace == nil {
		return false
	}
	p := get(caps.Workspace)
	return p != nil && *p
}

// handleServerApplyEdit filters the edit to documents open in this
// client, then forwards; if nothing survives the filter it still forwards
// with the narrowed (possibly empty) change set, per spec.md §4.6.1 — the
// one-handler merger at C4 ensures exactly one Binding claims ownership
// of the reply regardless.
func (b *Binding) handleServerApplyEdit(ctx context.Context, params protocol.ApplyWorkspaceEditParams) (*protocol.ApplyWorkspaceEditResult, error) {
	filtered := b.filterWorkspaceEdit(params)
	var result protocol.ApplyWorkspaceEditResult
	if err := b.conn.Call(ctx, "workspace/applyEdit", filtered, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// filterWorkspaceEdit narrows edit.Edit.Changes to URIs open in this
// Binding's tracker, logging whenever this client's tracked version for
// a surviving URI has drifted from what C5 last sent upstream (spec.md
// §9's version-offset concern). DocumentChanges (the versioned
// TextDocumentEdit / CreateFile / RenameFile / DeleteFile union) is
// forwarded unfiltered: see DESIGN.md for why rewriting it is deferred.
func (b *Binding) filterWorkspaceEdit(params protocol.ApplyWorkspaceEditParams) protocol.ApplyWorkspaceEditParams {
	if params.Edit.Changes == nil {
		return params
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	filtered := make(map[protocol.DocumentUri][]protocol.TextEdit, len(params.Edit.Changes))
	for uri, edits := range params.Edit.Changes {
		doc, open := b.tracker.Get(uri)
		if !open {
			continue
		}
		filtered[uri] = edits
		if serverVersion, ok := b.client.ServerDocumentVersion(uri); ok && serverVersion != doc.Version {
			b.log.WithField("uri", uri).
				WithField("clientVersion", doc.Version).
				WithField("serverVersion", serverVersion).
				Debug("binding: applyEdit against a URI with drifted client/server version offset")
		}
	}
	out := params
	out.Edit.Changes = filtered
	return out
}

// handleServerShowDocument passes window/showDocument straight through.
func (b *Binding) handleServerShowDocument(ctx context.Context, params protocol.ShowDocumentParams) (*protocol.ShowDocumentResult, error) {
	var result protocol.ShowDocumentResult
	if err := b.conn.Call(ctx, "window/showDocument", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
