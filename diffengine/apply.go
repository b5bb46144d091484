package diffengine

import (
	"strings"

	"github.com/myleshyson/lsprotocol-go/protocol"
)

// ApplyContentChanges applies change events to text in order, the way a
// conformant LSP server mutates its own buffer on textDocument/didChange.
// A change with a nil Range replaces the document wholesale
// (TextDocumentSyncKindFull); otherwise the range is replaced in place.
// Binding uses this to keep its own per-client snapshot in sync with
// whatever an attached editor sends, independent of what sync kind the
// broker itself negotiates with the upstream server.
//
// Positions are treated as byte offsets rather than UTF-16 code units,
// the same simplification Compute's own position math makes.
func ApplyContentChanges(text string, changes []protocol.TextDocumentContentChangeEvent) string {
	for _, c := range changes {
		if c.Range == nil {
			text = c.Text
			continue
		}
		start := offsetAt(text, c.Range.Start)
		end := offsetAt(text, c.Range.End)
		if start < 0 || end < 0 || start > len(text) || end > len(text) || start > end {
			continue
		}
		text = text[:start] + c.Text + text[end:]
	}
	return text
}

func offsetAt(text string, pos protocol.Position) int {
	offset := 0
	for line := 0; line < int(pos.Line); line++ {
		idx := strings.IndexByte(text[offset:], '\n')
		if idx < 0 {
			return -1
		}
		offset += idx + 1
	}
	end := offset + int(pos.Character)
	if end > len(text) {
		return len(text)
	}
	return end
}
