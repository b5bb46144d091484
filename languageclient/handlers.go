package languageclient

import (
	"context"
	"encoding/json"

	"github.com/myleshyson/lsprotocol-go/protocol"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/CodinGame/languageserver-mutualized/capabilities"
	"github.com/CodinGame/languageserver-mutualized/dispatch"
)

// handle dispatches inbound requests and notifications from the upstream
// server, per the table in spec.md §4.5.1.
func (c *Client) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	switch req.Method {
	case "client/registerCapability":
		c.handleRegister(ctx, conn, req)
	case "client/unregisterCapability":
		c.handleUnregister(ctx, conn, req)
	case "workspace/configuration":
		c.handleConfiguration(ctx, conn, req)
	case "workspace/codeLens/refresh":
		c.handleVoidRefresh(ctx, conn, req, c.codeLensRefresh)
	case "workspace/semanticTokens/refresh":
		c.handleVoidRefresh(ctx, conn, req, c.semanticTokensRefresh)
	case "workspace/diagnostic/refresh":
		c.handleVoidRefresh(ctx, conn, req, c.diagnosticsRefresh)
	case "workspace/inlayHint/refresh":
		c.handleVoidRefresh(ctx, conn, req, c.inlayHintRefresh)
	case "workspace/inlineValue/refresh":
		c.handleVoidRefresh(ctx, conn, req, c.inlineValueRefresh)
	case "workspace/executeCommand":
		c.log.WithField("method", req.Method).Info("languageclient: ignoring server-initiated executeCommand")
		c.replyNil(ctx, conn, req)
	case "workspace/applyEdit":
		c.handleApplyEdit(ctx, conn, req)
	case "workspace/workspaceFolders":
		c.handleWorkspaceFolders(ctx, conn, req)
	case "textDocument/publishDiagnostics":
		c.handlePublishDiagnostics(req)
	case "window/logMessage":
		c.handleLogMessage(req)
	case "window/showMessage":
		c.handleShowMessage(req)
	case "window/showMessageRequest":
		c.log.Warn("languageclient: server sent showMessageRequest, auto-responding null")
		c.replyNil(ctx, conn, req)
	case "window/workDoneProgress/create":
		c.replyNil(ctx, conn, req)
	case "window/showDocument":
		c.handleShowDocument(ctx, conn, req)
	case "$/progress":
		if c.cfg.UnhandledProgressHandler != nil {
			c.cfg.UnhandledProgressHandler(derefParams(req.Params))
		}
	default:
		if req.Notif {
			if c.cfg.UnhandledNotificationHandler != nil {
				c.cfg.UnhandledNotificationHandler(req.Method, derefParams(req.Params))
			}
			return
		}
		c.log.WithField("method", req.Method).Debug("languageclient: unknown request from server")
		_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeMethodNotFound,
			Message: "method not found: " + req.Method,
		})
	}
}

func derefParams(p *json.RawMessage) json.RawMessage {
	if p == nil {
		return nil
	}
	return *p
}

func (c *Client) replyNil(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Notif {
		return
	}
	_ = conn.Reply(ctx, req.ID, nil)
}

func (c *Client) handleRegister(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params protocol.RegistrationParams
	_ = json.Unmarshal(*req.Params, &params)

	var added []protocol.Registration
	c.do(func() {
		added = c.registry.HandleRegistration(params)
	})

	c.replayLateRegistrations(added)
	c.replyNil(ctx, conn, req)
}

func (c *Client) handleUnregister(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params protocol.UnregistrationParams
	_ = json.Unmarshal(*req.Params, &params)

	c.do(func() {
		removed := c.registry.HandleUnregistration(params)
		for _, un := range removed {
			if un.Method == "workspace/didChangeWatchedFiles" {
				c.onDidWatchedFileChange.Emit(nil)
			}
		}
	})
	c.replyNil(ctx, conn, req)
}

// replayLateRegistrations implements spec.md §4.5.3: when the server
// dynamically registers textDocument/didOpen after documents are already
// open, replay didOpen for every matching one.
func (c *Client) replayLateRegistrations(added []protocol.Registration) {
	for _, reg := range added {
		if reg.Method == "workspace/didChangeWatchedFiles" {
			c.onDidWatchedFileChange.Emit(nil)
			continue
		}
		if reg.Method != "textDocument/didOpen" {
			continue
		}
		c.do(func() {
			for uri, doc := range c.documents {
				opts := c.registry.GetTextDocumentNotificationOptions(capabilities.MethodDidOpen, capabilities.Document{URI: uri, LanguageID: doc.languageID})
				if !opts.Applies {
					continue
				}
				err := c.conn.Notify(context.Background(), "textDocument/didOpen", protocol.DidOpenTextDocumentParams{
					TextDocument: protocol.TextDocumentItem{
						URI:        uri,
						LanguageId: doc.languageID,
						Version:    doc.version,
						Text:       doc.text,
					},
				})
				if err != nil {
					c.log.WithError(err).WithField("uri", uri).Warn("languageclient: late-registration didOpen replay failed")
				}
			}
		})
	}
}

func (c *Client) handleConfiguration(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params protocol.ConfigurationParams
	_ = json.Unmarshal(*req.Params, &params)

	results := make([]any, len(params.Items))
	if c.cfg.GetConfiguration != nil {
		for i, item := range params.Items {
			v, err := c.cfg.GetConfiguration(item.Section)
			if err != nil {
				c.log.WithError(err).WithField("section", item.Section).Debug("languageclient: getConfiguration failed")
				continue
			}
			results[i] = v
		}
	}
	_ = conn.Reply(ctx, req.ID, results)
}

func (c *Client) handleVoidRefresh(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, gate *dispatch.RequestGate[struct{}, struct{}]) {
	_, err := gate.Dispatch(ctx, struct{}{})
	if err != nil {
		c.log.WithError(err).WithField("method", req.Method).Debug("languageclient: refresh fan-out reported an error")
	}
	c.replyNil(ctx, conn, req)
}

func (c *Client) handleApplyEdit(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params protocol.ApplyWorkspaceEditParams
	_ = json.Unmarshal(*req.Params, &params)

	result, err := c.applyWorkspaceEdit.Dispatch(ctx, params)
	if err != nil {
		c.log.WithError(err).Warn("languageclient: applyEdit fan-out failed")
		_ = conn.Reply(ctx, req.ID, &protocol.ApplyWorkspaceEditResult{Applied: false})
		return
	}
	_ = conn.Reply(ctx, req.ID, result)
}

func (c *Client) handleWorkspaceFolders(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var folders []protocol.WorkspaceFolder
	c.do(func() {
		if c.initializeParams != nil {
			folders = c.initializeParams.WorkspaceFolders
		}
	})
	_ = conn.Reply(ctx, req.ID, folders)
}

func (c *Client) handlePublishDiagnostics(req *jsonrpc2.Request) {
	var params protocol.PublishDiagnosticsParams
	_ = json.Unmarshal(*req.Params, &params)

	c.do(func() {
		if _, open := c.documents[params.URI]; open {
			c.diagnostics[params.URI] = params.Diagnostics
		}
	})
	c.onDiagnostics.Emit(DiagnosticsEvent{URI: params.URI, Diagnostics: params.Diagnostics})
}

func (c *Client) handleLogMessage(req *jsonrpc2.Request) {
	var params protocol.LogMessageParams
	_ = json.Unmarshal(*req.Params, &params)
	c.log.WithField("type", params.Type).Debug(params.Message)
}

func (c *Client) handleShowMessage(req *jsonrpc2.Request) {
	var params protocol.ShowMessageParams
	_ = json.Unmarshal(*req.Params, &params)
	c.log.WithField("type", params.Type).Info(params.Message)
}

func (c *Client) handleShowDocument(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params protocol.ShowDocumentParams
	_ = json.Unmarshal(*req.Params, &params)

	result, err := c.showDocument.Dispatch(ctx, params)
	if err != nil {
		c.log.WithError(err).Debug("languageclient: showDocument fan-out failed")
		_ = conn.Reply(ctx, req.ID, &protocol.ShowDocumentResult{Success: false})
		return
	}
	_ = conn.Reply(ctx, req.ID, result)
}

// Diagnostics returns the cached diagnostics for uri, if any (used by a
// Binding to immediately publish cached diagnostics on document open,
// spec.md §4.6.1's last bullet).
func (c *Client) Diagnostics(uri string) []protocol.Diagnostic {
	var diags []protocol.Diagnostic
	c.do(func() {
		diags = c.diagnostics[protocol.DocumentUri(uri)]
	})
	return diags
}

// ServerDocumentVersion returns the version number C5 last sent upstream
// for uri, for a Binding to compare against its own client's tracked
// version when forwarding a versioned workspace edit (spec.md §9).
func (c *Client) ServerDocumentVersion(uri protocol.DocumentUri) (int32, bool) {
	var version int32
	var ok bool
	c.do(func() {
		stored, found := c.documents[uri]
		if found {
			version, ok = stored.version, true
		}
	})
	return version, ok
}
