// Package doctracker holds the open-document set each Binding keeps to
// know what it has told the broker it's editing. The LanguageClient keeps
// its own per-document copies and does not use a Tracker.
//
// Grounded on spec.md §4.1/§4.5's "documents" data model entry. Kept
// in-memory with no synchronization inside it: a Tracker is not safe for
// concurrent use, and its owner serializes calls into it (binding.Binding
// guards its tracker with its own mutex).
package doctracker

import (
	"github.com/myleshyson/lsprotocol-go/protocol"
)

// Document is a single open text document snapshot.
type Document struct {
	URI        protocol.DocumentUri
	LanguageID string
	Version    int32
	Text       string
}

// Tracker holds the set of documents currently open, keyed by URI.
type Tracker struct {
	docs map[protocol.DocumentUri]*Document
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{docs: make(map[protocol.DocumentUri]*Document)}
}

// All returns every currently-open document, in no particular order.
func (t *Tracker) All() []*Document {
	out := make([]*Document, 0, len(t.docs))
	for _, d := range t.docs {
		out = append(out, d)
	}
	return out
}

// Get returns the document at uri, if open.
func (t *Tracker) Get(uri protocol.DocumentUri) (*Document, bool) {
	d, ok := t.docs[uri]
	return d, ok
}

// Open registers a newly-opened document, replacing any prior entry for
// the same URI (a server receiving a second didOpen for an already-open
// URI is treated as a spec-level client bug; it is accepted, not
// rejected, consistent with the broker's general stance of forwarding
// what clients send rather than policing their protocol compliance).
func (t *Tracker) Open(doc Document) *Document {
	d := doc
	t.docs[doc.URI] = &d
	return t.docs[doc.URI]
}

// ApplyChange sets the stored text and version to the given values. The caller
// is responsible for having already computed the new full text (the
// broker always tracks documents as whole-buffer snapshots internally,
// regardless of what sync kind it forwards upstream).
func (t *Tracker) ApplyChange(uri protocol.DocumentUri, version int32, newText string) (*Document, bool) {
	d, ok := t.docs[uri]
	if !ok {
		return nil, false
	}
	d.Version = version
	d.Text = newText
	return d, true
}

// Close drops the document from the tracker.
func (t *Tracker) Close(uri protocol.DocumentUri) {
	delete(t.docs, uri)
}

// Len reports how many documents are currently tracked.
func (t *Tracker) Len() int {
	return len(t.docs)
}
