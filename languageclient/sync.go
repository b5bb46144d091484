package languageclient

import (
	"context"

	"github.com/myleshyson/lsprotocol-go/protocol"

	"github.com/CodinGame/languageserver-mutualized/capabilities"
	"github.com/CodinGame/languageserver-mutualized/diffengine"
)

// Synchronize hooks a Binding's document-tracker into C5's merged
// document view, per spec.md §4.5.2's "subscribe to open/close/content-
// change events from a document-tracker" contract. getCurrentText is
// called during flush to read a URI's latest client-side text; it must
// return ok=false for URIs this tracker doesn't have open.
//
// Returns an unsubscribe function the Binding must call on disposal.
func (c *Client) Synchronize(getCurrentText func(uri protocol.DocumentUri) (string, bool)) func() {
	var id uint64
	c.do(func() {
		id = c.nextSourceID
		c.nextSourceID++
		c.sources[id] = &trackedSource{subscriptionID: id, getCurrentText: getCurrentText}
	})
	return func() {
		c.do(func() { delete(c.sources, id) })
	}
}

// NotifyContentChanged signals that some document's text may have
// changed; it arms (or re-arms) the trailing debounce rather than
// flushing immediately.
func (c *Client) NotifyContentChanged() {
	c.flushDebounce.Trigger(struct{}{})
}

// Flush forces an immediate synchronous flush, per spec.md §4.5.2's
// "flushEvent observer must force an immediate flush" rule (used before
// forwarding a language-intelligence request so stale state doesn't
// answer fresh questions). Flush itself runs inline via the debounce's
// own Flush (see lifecycle.Debounce), which is why callers may rely on
// the cache already reflecting the flush's effects by the time Flush
// returns.
func (c *Client) Flush() {
	c.flushDebounce.Flush()
}

// flushSync performs the actual diff-and-send work. It is invoked either
// from the debounce timer's goroutine or inline on the goroutine calling
// Flush (see lifecycle.Debounce.Flush's inline-execution contract), not on
// the actor goroutine, so it re-enters the actor via do() to run
// flushLocked there.
func (c *Client) flushSync() {
	c.do(c.flushLocked)
}

func (c *Client) flushLocked() {
	if c.state != StateReady {
		return
	}
	ctx := context.Background()

	for uri, stored := range c.documents {
		current, ok := c.currentTextLocked(uri)
		if !ok || current == stored.text {
			continue
		}

		opts := c.registry.GetTextDocumentNotificationOptions(capabilities.MethodDidChange, capabilities.Document{
			URI:        uri,
			LanguageID: stored.languageID,
		})
		stored.version++
		if opts.Applies && opts.SyncKind != protocol.TextDocumentSyncKindNone {
			var changes []protocol.TextDocumentContentChangeEvent
			if opts.SyncKind == protocol.TextDocumentSyncKindIncremental {
				computed, err := diffengine.Compute(ctx, stored.text, current, c.cfg.DiffTimeout)
				if err != nil {
					c.log.WithError(err).WithField("uri", uri).Debug("languageclient: diff timed out, falling back to full replace")
					changes = []protocol.TextDocumentContentChangeEvent{{Text: current}}
				} else {
					changes = computed
				}
			} else {
				changes = []protocol.TextDocumentContentChangeEvent{{Text: current}}
			}

			if changes != nil {
				err := c.conn.Notify(ctx, "textDocument/didChange", protocol.DidChangeTextDocumentParams{
					TextDocument: protocol.VersionedTextDocumentIdentifier{
						TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: uri},
						Version:                stored.version,
					},
					ContentChanges: changes,
				})
				if err != nil {
					c.log.WithError(err).WithField("uri", uri).Warn("languageclient: didChange notify failed")
				}
			}
		}
		stored.text = current

		c.cacheStore.Reset()
		c.onDocumentChanged.Emit(uri)
	}
}

// currentTextLocked returns the text of a tracked source reporting uri as
// currently open; the last-registered source wins if more than one does
// (mirrors "last writer wins" for a URI shared across bindings).
func (c *Client) currentTextLocked(uri protocol.DocumentUri) (string, bool) {
	var text string
	var found bool
	var bestID uint64
	for id, src := range c.sources {
		if t, ok := src.getCurrentText(uri); ok && (!found || id > bestID) {
			text = t
			found = true
			bestID = id
		}
	}
	return text, found
}

// OpenDocument is called by a Binding when its client opens a document.
// Per spec.md §4.5.2: no-op if already open (refcounted); otherwise store
// a fresh copy at version 1 and forward didOpen if the server wants it.
func (c *Client) OpenDocument(uri protocol.DocumentUri, languageID, text string) {
	c.do(func() {
		c.openRefs[uri]++
		if c.openRefs[uri] > 1 {
			return
		}
		c.documents[uri] = &storedDocument{uri: uri, languageID: languageID, version: 1, text: text}

		opts := c.registry.GetTextDocumentNotificationOptions(capabilities.MethodDidOpen, capabilities.Document{URI: uri, LanguageID: languageID})
		if opts.Applies {
			err := c.conn.Notify(context.Background(), "textDocument/didOpen", protocol.DidOpenTextDocumentParams{
				TextDocument: protocol.TextDocumentItem{
					URI:        uri,
					LanguageId: languageID,
					Version:    1,
					Text:       text,
				},
			})
			if err != nil {
				c.log.WithError(err).WithField("uri", uri).Warn("languageclient: didOpen notify failed")
			}
		}
		c.cacheStore.Reset()
		c.onDocumentOpen.Emit(uri)
	})
}

// CloseDocument decrements the refcount for uri; only once it drops to
// zero is didClose forwarded and the document's state dropped.
func (c *Client) CloseDocument(uri protocol.DocumentUri) {
	c.do(func() {
		if c.openRefs[uri] == 0 {
			return
		}
		c.openRefs[uri]--
		if c.openRefs[uri] > 0 {
			return
		}
		delete(c.openRefs, uri)

		stored, ok := c.documents[uri]
		if !ok {
			return
		}
		opts := c.registry.GetTextDocumentNotificationOptions(capabilities.MethodDidClose, capabilities.Document{URI: uri, LanguageID: stored.languageID})
		if opts.Applies {
			err := c.conn.Notify(context.Background(), "textDocument/didClose", protocol.DidCloseTextDocumentParams{
				TextDocument: protocol.TextDocumentIdentifier{URI: uri},
			})
			if err != nil {
				c.log.WithError(err).WithField("uri", uri).Warn("languageclient: didClose notify failed")
			}
		}
		delete(c.documents, uri)
		delete(c.diagnostics, uri)
		c.cacheStore.Reset()
		c.onDocumentClosed.Emit(uri)
	})
}

// NotifySave forwards willSave/willSaveWaitUntil/didSave, per spec.md
// §4.5.2, unless save notifications are configured off or the capability
// registry reports that the method does not apply to the document.
// willSave and willSaveWaitUntil apply only through a matching dynamic
// registration; the willSave/willSaveWaitUntil flags of the server's
// static textDocumentSync capability are not consulted. When
// willSaveWaitUntil is true, the returned edits are the text edits the
// server wants applied before the save completes (it is a request, not a
// notification).
func (c *Client) NotifySave(ctx context.Context, uri protocol.DocumentUri, languageID string, reason protocol.TextDocumentSaveReason, text string, willSaveWaitUntil bool) ([]protocol.TextEdit, error) {
	if c.cfg.DisableSaveNotifications {
		return nil, nil
	}

	var edits []protocol.TextEdit
	c.do(func() {
		doc := capabilities.Document{URI: uri, LanguageID: languageID}

		if opts := c.registry.GetTextDocumentNotificationOptions(capabilities.MethodWillSave, doc); opts.Applies {
			_ = c.conn.Notify(ctx, "textDocument/willSave", protocol.WillSaveTextDocumentParams{
				TextDocument: protocol.TextDocumentIdentifier{URI: uri},
				Reason:       reason,
			})
		}

		if willSaveWaitUntil {
			if opts := c.registry.GetTextDocumentNotificationOptions(capabilities.MethodWillSaveWaitUntil, doc); opts.Applies {
				var result []protocol.TextEdit
				if err := c.conn.Call(ctx, "textDocument/willSaveWaitUntil", protocol.WillSaveTextDocumentParams{
					TextDocument: protocol.TextDocumentIdentifier{URI: uri},
					Reason:       reason,
				}, &result); err != nil {
					c.log.WithError(err).Debug("languageclient: willSaveWaitUntil failed")
				} else {
					edits = result
				}
			}
		}

		if opts := c.registry.GetTextDocumentNotificationOptions(capabilities.MethodDidSave, doc); opts.Applies {
			params := protocol.DidSaveTextDocumentParams{TextDocument: protocol.TextDocumentIdentifier{URI: uri}}
			if opts.SaveOpts.IncludeText {
				params.Text = &text
			}
			if err := c.conn.Notify(ctx, "textDocument/didSave", params); err != nil {
				c.log.WithError(err).WithField("uri", uri).Warn("languageclient: didSave notify failed")
			}
		}
	})
	return edits, nil
}

// NotifyWatchedFileChanges forwards workspace/didChangeWatchedFiles for
// filesystem events the caller has already filtered through
// Registry().IsPathWatched (typically fed by a watchedfiles.Watcher for
// paths no Binding has open as a document). A no-op once disposed.
func (c *Client) NotifyWatchedFileChanges(changes []WatchedFileChange) {
	if len(changes) == 0 {
		return
	}
	c.do(func() {
		if c.state != StateReady {
			return
		}
		wire := make([]protocol.FileEvent, len(changes))
		for i, ch := range changes {
			wire[i] = protocol.FileEvent{URI: ch.URI, Type: ch.Type}
		}
		if err := c.conn.Notify(context.Background(), "workspace/didChangeWatchedFiles", protocol.DidChangeWatchedFilesParams{
			Changes: wire,
		}); err != nil {
			c.log.WithError(err).Warn("languageclient: didChangeWatchedFiles notify failed")
		}
	})
}
