package diffengine

import (
	"testing"

	"github.com/myleshyson/lsprotocol-go/protocol"
	"github.com/stretchr/testify/assert"
)

func rangeAt(startLine, startChar, endLine, endChar uint32) *protocol.Range {
	return &protocol.Range{
		Start: protocol.Position{Line: startLine, Character: startChar},
		End:   protocol.Position{Line: endLine, Character: endChar},
	}
}

func TestApplyContentChangesFullReplace(t *testing.T) {
	got := ApplyContentChanges("old text", []protocol.TextDocumentContentChangeEvent{
		{Text: "new text"},
	})
	assert.Equal(t, "new text", got)
}

func TestApplyContentChangesSingleIncrementalEdit(t *testing.T) {
	text := "line one\nline two\nline three\n"
	changes := []protocol.TextDocumentContentChangeEvent{
		{Range: rangeAt(1, 5, 1, 8), Text: "TWO"},
	}
	got := ApplyContentChanges(text, changes)
	assert.Equal(t, "line one\nline TWO\nline three\n", got)
}

func TestApplyContentChangesMultipleSequentialEdits(t *testing.T) {
	text := "abcdef"
	changes := []protocol.TextDocumentContentChangeEvent{
		{Range: rangeAt(0, 0, 0, 3), Text: "XYZ"},
		{Range: rangeAt(0, 3, 0, 6), Text: "123"},
	}
	got := ApplyContentChanges(text, changes)
	assert.Equal(t, "XYZ123", got)
}

func TestApplyContentChangesOutOfBoundsRangeIsIgnored(t *testing.T) {
	text := "short"
	changes := []protocol.TextDocumentContentChangeEvent{
		{Range: rangeAt(5, 0, 5, 3), Text: "nope"},
	}
	got := ApplyContentChanges(text, changes)
	assert.Equal(t, "short", got)
}

func TestApplyContentChangesInvertedRangeIsIgnored(t *testing.T) {
	text := "hello world"
	changes := []protocol.TextDocumentContentChangeEvent{
		{Range: rangeAt(0, 8, 0, 2), Text: "x"},
	}
	got := ApplyContentChanges(text, changes)
	assert.Equal(t, "hello world", got)
}

func TestApplyContentChangesEmptyChangesIsNoop(t *testing.T) {
	got := ApplyContentChanges("unchanged", nil)
	assert.Equal(t, "unchanged", got)
}
