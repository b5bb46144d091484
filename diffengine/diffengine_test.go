package diffengine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/myleshyson/lsprotocol-go/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// applyChanges applies LSP content changes to old in the order given,
// mirroring how a conformant server mutates its buffer.
func applyChanges(old string, changes []protocol.TextDocumentContentChangeEvent) string {
	text := old
	for _, c := range changes {
		if c.Range == nil {
			text = c.Text
			continue
		}
		start := offsetOf(text, *c.Range, c.Range.Start)
		end := offsetOf(text, *c.Range, c.Range.End)
		text = text[:start] + c.Text + text[end:]
	}
	return text
}

func offsetOf(text string, _ protocol.Range, pos protocol.Position) int {
	lines := strings.SplitAfter(text, "\n")
	offset := 0
	for i := 0; i < int(pos.Line); i++ {
		if i >= len(lines) {
			break
		}
		offset += len(lines[i])
	}
	return offset + int(pos.Character)
}

func TestComputeIdenticalInputsProduceNoChanges(t *testing.T) {
	changes, err := Compute(context.Background(), "same", "same", 0)
	require.NoError(t, err)
	assert.Nil(t, changes)
}

func TestComputeRoundTripsSimpleEdit(t *testing.T) {
	old := "line one\nline two\nline three\n"
	newText := "line one\nline TWO\nline three\n"

	changes, err := Compute(context.Background(), old, newText, time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, changes)

	got := applyChanges(old, changes)
	assert.Equal(t, newText, got)
}

func TestComputeRoundTripsMultipleDisjointEdits(t *testing.T) {
	old := "alpha\nbeta\ngamma\ndelta\n"
	newText := "ALPHA\nbeta\nGAMMA\ndelta\n"

	changes, err := Compute(context.Background(), old, newText, time.Second)
	require.NoError(t, err)

	got := applyChanges(old, changes)
	assert.Equal(t, newText, got)
}

func TestComputeRoundTripsInsertOnly(t *testing.T) {
	old := "hello world"
	newText := "hello brave new world"

	changes, err := Compute(context.Background(), old, newText, time.Second)
	require.NoError(t, err)

	got := applyChanges(old, changes)
	assert.Equal(t, newText, got)
}

func TestComputeRoundTripsDeleteOnly(t *testing.T) {
	old := "hello brave new world"
	newText := "hello world"

	changes, err := Compute(context.Background(), old, newText, time.Second)
	require.NoError(t, err)

	got := applyChanges(old, changes)
	assert.Equal(t, newText, got)
}

func TestComputeChangesAreDescendingByStartOffset(t *testing.T) {
	old := "one two three four five"
	newText := "ONE two THREE four FIVE"

	changes, err := Compute(context.Background(), old, newText, time.Second)
	require.NoError(t, err)
	require.True(t, len(changes) > 1, "expected multiple disjoint edits")

	for i := 1; i < len(changes); i++ {
		prevStart := changes[i-1].Range.Start
		curStart := changes[i].Range.Start
		assert.True(t, curStart.Character <= prevStart.Character || curStart.Line < prevStart.Line,
			"edits must be ordered so an applied edit never shifts a not-yet-applied one's offsets")
	}
}

// TestComputeTimesOutOnHugeUnrelatedText exercises S5: a whole-file
// replace-style edit with a budget far too small to diff it should abort
// rather than silently spend seconds computing a minimal diff.
func TestComputeTimesOutOnHugeUnrelatedText(t *testing.T) {
	old := strings.Repeat("the quick brown fox jumps over the lazy dog\n", 50000)
	newText := strings.Repeat("completely different unrelated content here\n", 50000)

	_, err := Compute(context.Background(), old, newText, time.Nanosecond)
	require.ErrorIs(t, err, ErrTimedOut)
}

func TestFallbackFullReplaceRoundTrips(t *testing.T) {
	// The caller's fallback path: a single full-text replace is always a
	// valid didChange regardless of what Compute would have produced.
	old := "anything at all"
	newText := "something else entirely"

	fallback := []protocol.TextDocumentContentChangeEvent{{Text: newText}}
	got := applyChanges(old, fallback)
	assert.Equal(t, newText, got)
}
