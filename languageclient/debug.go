package languageclient

import "github.com/myleshyson/lsprotocol-go/protocol"

// DocumentSnapshot is one open document's debug-visible state, the merged
// view across every Binding sharing it.
type DocumentSnapshot struct {
	URI             protocol.DocumentUri `json:"uri"`
	LanguageID      string               `json:"languageId"`
	Version         int32                `json:"version"`
	DiagnosticCount int                  `json:"diagnosticCount"`
}

// Snapshot is a point-in-time view of C5's shared state, for
// cmd/mutualized-inspect. Never consulted by the forwarding path itself.
type Snapshot struct {
	State         string                   `json:"state"`
	Documents     []DocumentSnapshot       `json:"documents"`
	Registrations []protocol.Registration  `json:"registrations"`
}

// DebugSnapshot reads the actor's state without mutating it, for
// introspection tooling.
func (c *Client) DebugSnapshot() Snapshot {
	var snap Snapshot
	c.do(func() {
		snap.State = c.state.String()
		snap.Documents = make([]DocumentSnapshot, 0, len(c.documents))
		for uri, doc := range c.documents {
			snap.Documents = append(snap.Documents, DocumentSnapshot{
				URI:             uri,
				LanguageID:      doc.languageID,
				Version:         doc.version,
				DiagnosticCount: len(c.diagnostics[uri]),
			})
		}
		if c.registry != nil {
			snap.Registrations = c.registry.Registrations()
		}
	})
	return snap
}
