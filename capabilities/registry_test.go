package capabilities

import (
	"encoding/json"
	"testing"

	"github.com/myleshyson/lsprotocol-go/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandTextDocumentSyncBareKind(t *testing.T) {
	r := New(&protocol.ServerCapabilities{
		TextDocumentSync: protocol.TextDocumentSyncKindFull,
	}, false)

	opts := r.GetTextDocumentNotificationOptions(MethodDidOpen, Document{LanguageID: "go"})
	assert.True(t, opts.Applies)

	opts = r.GetTextDocumentNotificationOptions(MethodDidChange, Document{LanguageID: "go"})
	assert.True(t, opts.Applies)
	assert.Equal(t, protocol.TextDocumentSyncKindFull, opts.SyncKind)

	opts = r.GetTextDocumentNotificationOptions(MethodDidSave, Document{LanguageID: "go"})
	assert.True(t, opts.Applies, "bare sync kind implies save with includeText:false")
	assert.False(t, opts.SaveOpts.IncludeText)
}

func TestExpandTextDocumentSyncNoneDisablesEverything(t *testing.T) {
	r := New(&protocol.ServerCapabilities{
		TextDocumentSync: protocol.TextDocumentSyncKindNone,
	}, false)

	assert.False(t, r.GetTextDocumentNotificationOptions(MethodDidOpen, Document{}).Applies)
	assert.False(t, r.GetTextDocumentNotificationOptions(MethodDidChange, Document{}).Applies)
	assert.False(t, r.GetTextDocumentNotificationOptions(MethodDidSave, Document{}).Applies)
}

func TestHandleRegistrationDedupesDuplicateIDs(t *testing.T) {
	r := New(&protocol.ServerCapabilities{TextDocumentSync: protocol.TextDocumentSyncKindNone}, false)

	reg := protocol.Registration{
		Id:     "reg-1",
		Method: "textDocument/didOpen",
	}

	added := r.HandleRegistration(protocol.RegistrationParams{Registrations: []protocol.Registration{reg}})
	require.Len(t, added, 1)

	addedAgain := r.HandleRegistration(protocol.RegistrationParams{Registrations: []protocol.Registration{reg}})
	assert.Empty(t, addedAgain, "re-registering an existing id must be silently dropped")

	assert.Len(t, r.Registrations(), 1)
}

func TestHandleUnregistrationRemovesOnlyKnownIDs(t *testing.T) {
	r := New(&protocol.ServerCapabilities{TextDocumentSync: protocol.TextDocumentSyncKindNone}, false)

	r.HandleRegistration(protocol.RegistrationParams{Registrations: []protocol.Registration{
		{Id: "reg-1", Method: "textDocument/didOpen"},
	}})

	removed := r.HandleUnregistration(protocol.UnregistrationParams{Unregisterations: []protocol.Unregistration{
		{Id: "reg-1", Method: "textDocument/didOpen"},
		{Id: "unknown", Method: "textDocument/didOpen"},
	}})

	require.Len(t, removed, 1)
	assert.Equal(t, "reg-1", removed[0].Id)
	assert.Empty(t, r.Registrations())
}

func TestDynamicRegistrationOverridesStaticForMatchingSelector(t *testing.T) {
	r := New(&protocol.ServerCapabilities{TextDocumentSync: protocol.TextDocumentSyncKindNone}, false)

	selector, err := json.Marshal([]map[string]string{{"language": "rust"}})
	require.NoError(t, err)

	r.HandleRegistration(protocol.RegistrationParams{Registrations: []protocol.Registration{
		{
			Id:     "reg-rust",
			Method: "textDocument/didOpen",
			RegisterOptions: map[string]any{
				"documentSelector": json.RawMessage(selector),
			},
		},
	}})

	opts := r.GetTextDocumentNotificationOptions(MethodDidOpen, Document{LanguageID: "rust"})
	assert.True(t, opts.Applies)

	opts = r.GetTextDocumentNotificationOptions(MethodDidOpen, Document{LanguageID: "go"})
	assert.False(t, opts.Applies, "dynamic registration with a selector must not apply to non-matching documents")
}

func TestTransformForClientForcesIncrementalSync(t *testing.T) {
	r := New(&protocol.ServerCapabilities{TextDocumentSync: protocol.TextDocumentSyncKindFull}, false)

	out := r.TransformForClient()
	require.NotNil(t, out)

	opts, ok := out.TextDocumentSync.(*protocol.TextDocumentSyncOptions)
	require.True(t, ok)
	require.NotNil(t, opts.Change)
	assert.Equal(t, protocol.TextDocumentSyncKindIncremental, *opts.Change)
	require.NotNil(t, opts.OpenClose)
	assert.True(t, *opts.OpenClose)
	require.NotNil(t, opts.WillSave)
	assert.False(t, *opts.WillSave)
	require.NotNil(t, opts.Save, "server's own save capability must be advertised when save notifications are not suppressed")
	require.NotNil(t, opts.Save.IncludeText)
	assert.False(t, *opts.Save.IncludeText)
}

func TestTransformForClientStripsSaveWhenSuppressed(t *testing.T) {
	r := New(&protocol.ServerCapabilities{TextDocumentSync: protocol.TextDocumentSyncKindFull}, true)

	out := r.TransformForClient()
	require.NotNil(t, out)

	opts, ok := out.TextDocumentSync.(*protocol.TextDocumentSyncOptions)
	require.True(t, ok)
	assert.Nil(t, opts.Save, "disableSaveNotifications must strip the save capability entirely")
}

func TestParseSelectorLanguageString(t *testing.T) {
	sel, err := ParseSelector(json.RawMessage(`"go"`))
	require.NoError(t, err)
	assert.True(t, MatchesSelector(sel, Document{LanguageID: "go"}))
	assert.False(t, MatchesSelector(sel, Document{LanguageID: "rust"}))
}

func TestParseSelectorFilterWithPattern(t *testing.T) {
	sel, err := ParseSelector(json.RawMessage(`{"scheme":"file","pattern":"**/*.go"}`))
	require.NoError(t, err)

	assert.True(t, MatchesSelector(sel, Document{URI: "file:///home/project/main.go"}))
	assert.False(t, MatchesSelector(sel, Document{URI: "file:///home/project/main.rs"}))
}

func TestParseSelectorRelativePattern(t *testing.T) {
	sel, err := ParseSelector(json.RawMessage(`{"pattern":{"baseUri":"file:///home/project/src","pattern":"**/*.go"}}`))
	require.NoError(t, err)

	assert.True(t, MatchesSelector(sel, Document{URI: "file:///home/project/src/pkg/main.go"}))
	assert.False(t, MatchesSelector(sel, Document{URI: "file:///home/project/other/main.go"}))
}

func TestParseSelectorAnyOfArray(t *testing.T) {
	sel, err := ParseSelector(json.RawMessage(`["go", {"language":"rust"}]`))
	require.NoError(t, err)

	assert.True(t, MatchesSelector(sel, Document{LanguageID: "go"}))
	assert.True(t, MatchesSelector(sel, Document{LanguageID: "rust"}))
	assert.False(t, MatchesSelector(sel, Document{LanguageID: "python"}))
}

func TestIsPathWatchedMatchesRegisteredGlob(t *testing.T) {
	r := New(&protocol.ServerCapabilities{TextDocumentSync: protocol.TextDocumentSyncKindNone}, false)

	r.HandleRegistration(protocol.RegistrationParams{Registrations: []protocol.Registration{
		{
			Id:     "watch-1",
			Method: "workspace/didChangeWatchedFiles",
			RegisterOptions: map[string]any{
				"watchers": []map[string]any{
					{"globPattern": "**/*.go"},
				},
			},
		},
	}})

	assert.True(t, r.IsPathWatched("/home/project/main.go", protocol.FileChangeTypeChanged))
	assert.False(t, r.IsPathWatched("/home/project/main.rs", protocol.FileChangeTypeChanged))
}

func TestIsPathWatchedHonorsKindMask(t *testing.T) {
	r := New(&protocol.ServerCapabilities{TextDocumentSync: protocol.TextDocumentSyncKindNone}, false)

	r.HandleRegistration(protocol.RegistrationParams{Registrations: []protocol.Registration{
		{
			Id:     "watch-1",
			Method: "workspace/didChangeWatchedFiles",
			RegisterOptions: map[string]any{
				"watchers": []map[string]any{
					{"globPattern": "**/*.go", "kind": 0b001}, // create only
				},
			},
		},
	}})

	assert.True(t, r.IsPathWatched("/home/project/main.go", protocol.FileChangeTypeCreated))
	assert.False(t, r.IsPathWatched("/home/project/main.go", protocol.FileChangeTypeDeleted))
}

func TestUnregisteringWatchedFilesRegistrationClearsIsPathWatched(t *testing.T) {
	r := New(&protocol.ServerCapabilities{TextDocumentSync: protocol.TextDocumentSyncKindNone}, false)

	r.HandleRegistration(protocol.RegistrationParams{Registrations: []protocol.Registration{
		{Id: "watch-1", Method: "workspace/didChangeWatchedFiles", RegisterOptions: map[string]any{
			"watchers": []map[string]any{{"globPattern": "**/*.go"}},
		}},
	}})
	require.True(t, r.IsPathWatched("/x/main.go", protocol.FileChangeTypeChanged))

	r.HandleUnregistration(protocol.UnregistrationParams{Unregisterations: []protocol.Unregistration{
		{Id: "watch-1", Method: "workspace/didChangeWatchedFiles"},
	}})

	assert.False(t, r.IsPathWatched("/x/main.go", protocol.FileChangeTypeChanged))
}
