// Package capabilities tracks the upstream server's static and
// dynamically-registered capabilities and answers the questions the rest
// of the broker needs asked of them: does a given text-document
// notification apply to this document, and is this path under a watched
// glob.
//
// Grounded on spec.md §4.2 and on the registration/feature-flag shape of
// the bridge-lineage fragment aq1018-mcp-lsp-bridge__registry.go (a
// CapabilityRegistry that accumulates capability structs behind a mutex as
// features come online) — here accumulating the *server's* dynamic
// registrations instead of the bridge's own static feature flags.
package capabilities

import (
	"encoding/json"
	"sync"

	"github.com/myleshyson/lsprotocol-go/protocol"

	"github.com/CodinGame/languageserver-mutualized/utils"
)

// Document is the minimal view of a document the registry needs to answer
// selector-matching questions.
type Document struct {
	URI        protocol.DocumentUri
	LanguageID string
}

// TextDocumentSyncOptions is the fully-expanded form of whatever the
// server advertised for textDocument/didOpen,didChange,didClose,didSave —
// either directly, or synthesized from a bare TextDocumentSyncKind enum
// per spec.md §4.2.
type TextDocumentSyncOptions struct {
	OpenClose bool
	Change    protocol.TextDocumentSyncKind
	Save      *SaveOptions
}

// SaveOptions mirrors LSP's SaveOptions (whether didSave includes the full
// text).
type SaveOptions struct {
	IncludeText bool
}

// Registry holds the static ServerCapabilities returned from initialize
// plus every dynamic registration/unregistration the server has sent
// since. It is safe for concurrent use: C5's event loop is the only
// mutator, but Bindings read it from their own goroutines between C5
// suspension points (spec.md §5).
type Registry struct {
	mu sync.RWMutex

	static         *protocol.ServerCapabilities
	staticSync     TextDocumentSyncOptions
	disableSave    bool
	registrations  map[string]protocol.Registration
	watchedFilesID string // id of the most recent didChangeWatchedFiles registration, if any
}

// New builds a registry from the ServerCapabilities returned by
// initialize. disableSaveNotifications mirrors the broker-wide
// configuration knob from spec.md §6.
func New(static *protocol.ServerCapabilities, disableSaveNotifications bool) *Registry {
	r := &Registry{
		static:        static,
		registrations: make(map[string]protocol.Registration),
		disableSave:   disableSaveNotifications,
	}
	r.staticSync = expandTextDocumentSync(static)
	return r
}

// GetCapabilities returns the static capability set from initialize.
func (r *Registry) GetCapabilities() *protocol.ServerCapabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.static
}

// expandTextDocumentSync implements spec.md §4.2's TextDocumentSync
// resolution: a bare sync-kind enum expands to
// {openClose: k != None, change: k, save: {includeText:false}}; None
// expands to {openClose:false, change:None, save:undefined}.
func expandTextDocumentSync(caps *protocol.ServerCapabilities) TextDocumentSyncOptions {
	if caps == nil {
		return TextDocumentSyncOptions{Change: protocol.TextDocumentSyncKindNone}
	}

	switch sync := caps.TextDocumentSync.(type) {
	case nil:
		return TextDocumentSyncOptions{Change: protocol.TextDocumentSyncKindNone}
	case protocol.TextDocumentSyncKind:
		if sync == protocol.TextDocumentSyncKindNone {
			return TextDocumentSyncOptions{Change: protocol.TextDocumentSyncKindNone}
		}
		return TextDocumentSyncOptions{
			OpenClose: true,
			Change:    sync,
			Save:      &SaveOptions{IncludeText: false},
		}
	case *protocol.TextDocumentSyncOptions:
		opts := TextDocumentSyncOptions{
			OpenClose: sync.OpenClose != nil && *sync.OpenClose,
			Change:    orDefaultSyncKind(sync.Change),
		}
		if sync.Save != nil {
			opts.Save = convertSaveOptions(sync.Save)
		}
		return opts
	case protocol.TextDocumentSyncOptions:
		return expandTextDocumentSync(&protocol.ServerCapabilities{TextDocumentSync: &sync})
	default:
		return TextDocumentSyncOptions{Change: protocol.TextDocumentSyncKindNone}
	}
}

func orDefaultSyncKind(k *protocol.TextDocumentSyncKind) protocol.TextDocumentSyncKind {
	if k == nil {
		return protocol.TextDocumentSyncKindNone
	}
	return *k
}

func convertSaveOptions(save any) *SaveOptions {
	switch s := save.(type) {
	case bool:
		return &SaveOptions{IncludeText: false}
	case *protocol.SaveOptions:
		if s == nil {
			return &SaveOptions{IncludeText: false}
		}
		return &SaveOptions{IncludeText: s.IncludeText != nil && *s.IncludeText}
	case protocol.SaveOptions:
		return &SaveOptions{IncludeText: s.IncludeText != nil && *s.IncludeText}
	default:
		return &SaveOptions{IncludeText: false}
	}
}

// HandleRegistration applies params, silently dropping any registration
// whose id is already present (some servers, a .NET-LSP quirk noted in
// spec.md §9, re-send ids they've already registered). Returns the subset
// that was actually newly added, for the caller to fan out via
// onRegistrationRequest.
func (r *Registry) HandleRegistration(params protocol.RegistrationParams) []protocol.Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	var added []protocol.Registration
	for _, reg := range params.Registrations {
		if _, exists := r.registrations[reg.Id]; exists {
			continue
		}
		r.registrations[reg.Id] = reg
		added = append(added, reg)
		if reg.Method == "workspace/didChangeWatchedFiles" {
			r.watchedFilesID = reg.Id
		}
	}
	return added
}

// HandleUnregistration drops matching ids and returns the subset actually
// removed (servers may ask to unregister an id we never saw, or twice).
func (r *Registry) HandleUnregistration(params protocol.UnregistrationParams) []protocol.Unregistration {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []protocol.Unregistration
	for _, un := range params.Unregisterations {
		if _, exists := r.registrations[un.Id]; !exists {
			continue
		}
		delete(r.registrations, un.Id)
		removed = append(removed, un)
		if r.watchedFilesID == un.Id {
			r.watchedFilesID = ""
		}
	}
	return removed
}

// Registrations returns a snapshot of every currently-held dynamic
// registration, for replay to a newly-attached Binding.
func (r *Registry) Registrations() []protocol.Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.Registration, 0, len(r.registrations))
	for _, reg := range r.registrations {
		out = append(out, reg)
	}
	return out
}

// SyncMethod identifies which text-document synchronization notification
// or request is being resolved.
type SyncMethod string

const (
	MethodDidOpen           SyncMethod = "textDocument/didOpen"
	MethodDidClose          SyncMethod = "textDocument/didClose"
	MethodDidChange         SyncMethod = "textDocument/didChange"
	MethodDidSave           SyncMethod = "textDocument/didSave"
	MethodWillSave          SyncMethod = "textDocument/willSave"
	MethodWillSaveWaitUntil SyncMethod = "textDocument/willSaveWaitUntil"
)

// NotificationOptions is what GetTextDocumentNotificationOptions resolves
// to: whether the notification applies to the document at all, and (for
// didChange) which sync kind, and (for didSave) whether to include text.
type NotificationOptions struct {
	Applies   bool
	SyncKind  protocol.TextDocumentSyncKind
	SaveOpts  SaveOptions
}

// GetTextDocumentNotificationOptions resolves whether method applies to
// doc, per spec.md §4.2's resolution order: (a) the synthesized static
// registration derived from textDocumentSync, when it applies, then (b)
// the first dynamic registration whose documentSelector matches doc.
// Dynamic registrations are held in a map, so when several of them match
// the same document, which one is used is not defined.
func (r *Registry) GetTextDocumentNotificationOptions(method SyncMethod, doc Document) NotificationOptions {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if opts := r.staticMatch(method); opts.Applies {
		return opts
	}
	if opts, ok := r.dynamicMatch(method, doc); ok {
		return opts
	}
	return r.staticMatch(method)
}

func (r *Registry) staticMatch(method SyncMethod) NotificationOptions {
	switch method {
	case MethodDidOpen, MethodDidClose:
		return NotificationOptions{Applies: r.staticSync.OpenClose}
	case MethodDidChange:
		return NotificationOptions{
			Applies:  r.staticSync.Change != protocol.TextDocumentSyncKindNone,
			SyncKind: r.staticSync.Change,
		}
	case MethodDidSave:
		if r.disableSave || r.staticSync.Save == nil {
			return NotificationOptions{Applies: false}
		}
		return NotificationOptions{Applies: true, SaveOpts: *r.staticSync.Save}
	case MethodWillSave, MethodWillSaveWaitUntil:
		return NotificationOptions{Applies: false}
	default:
		return NotificationOptions{Applies: false}
	}
}

func (r *Registry) dynamicMatch(method SyncMethod, doc Document) (NotificationOptions, bool) {
	if r.disableSave && (method == MethodDidSave || method == MethodWillSave || method == MethodWillSaveWaitUntil) {
		return NotificationOptions{Applies: false}, true
	}

	for _, reg := range r.registrations {
		if reg.Method != string(method) {
			continue
		}
		selector, ok := decodeSelector(reg.RegisterOptions)
		if !ok {
			continue
		}
		if !MatchesSelector(selector, doc) {
			continue
		}
		switch method {
		case MethodDidChange:
			kind := decodeSyncKind(reg.RegisterOptions)
			return NotificationOptions{Applies: true, SyncKind: kind}, true
		case MethodDidSave:
			return NotificationOptions{Applies: true, SaveOpts: decodeSaveOptions(reg.RegisterOptions)}, true
		default:
			return NotificationOptions{Applies: true}, true
		}
	}
	return NotificationOptions{}, false
}

// registrationOptionsEnvelope is the subset of registerOptions shapes this
// broker cares about, decoded via a JSON round-trip since
// Registration.RegisterOptions arrives as an untyped any (its shape is
// method-dependent, per the LSP spec).
type registrationOptionsEnvelope struct {
	DocumentSelector *json.RawMessage `json:"documentSelector"`
	SyncKind         *int             `json:"syncKind"`
	Save             *saveOptionsJSON `json:"save"`
}

type saveOptionsJSON struct {
	IncludeText bool `json:"includeText"`
}

func decodeEnvelope(registerOptions any) (registrationOptionsEnvelope, bool) {
	var env registrationOptionsEnvelope
	raw, err := json.Marshal(registerOptions)
	if err != nil {
		return env, false
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, false
	}
	return env, true
}

func decodeSelector(registerOptions any) (Selector, bool) {
	env, ok := decodeEnvelope(registerOptions)
	if !ok {
		return nil, false
	}
	if env.DocumentSelector == nil {
		// A null/absent selector matches every document.
		return nil, true
	}
	sel, err := ParseSelector(*env.DocumentSelector)
	if err != nil {
		return nil, false
	}
	return sel, true
}

func decodeSyncKind(registerOptions any) protocol.TextDocumentSyncKind {
	env, ok := decodeEnvelope(registerOptions)
	if !ok || env.SyncKind == nil {
		return protocol.TextDocumentSyncKindFull
	}
	return protocol.TextDocumentSyncKind(*env.SyncKind)
}

func decodeSaveOptions(registerOptions any) SaveOptions {
	env, ok := decodeEnvelope(registerOptions)
	if !ok || env.Save == nil {
		return SaveOptions{}
	}
	return SaveOptions{IncludeText: env.Save.IncludeText}
}

// TransformForClient returns the ServerCapabilities view handed to a
// freshly-attached client, per spec.md §4.2: the broker always performs
// incremental sync against the server itself regardless of what the
// client sends, so the forwarded capabilities are forced rather than
// passed through. Save is advertised only when disableSaveNotifications
// (passed to New) is false, mirroring the real Save capability the
// server returned from initialize.
func (r *Registry) TransformForClient() *protocol.ServerCapabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.static == nil {
		return nil
	}
	out := *r.static

	incremental := protocol.TextDocumentSyncKindIncremental
	openClose := true
	willSave := false
	syncOpts := &protocol.TextDocumentSyncOptions{
		OpenClose: &openClose,
		Change:    &incremental,
		WillSave:  &willSave,
	}
	if !r.disableSave && r.staticSync.Save != nil {
		includeText := r.staticSync.Save.IncludeText
		syncOpts.Save = &protocol.SaveOptions{IncludeText: &includeText}
	}
	out.TextDocumentSync = syncOpts

	if out.Workspace != nil && out.Workspace.WorkspaceFolders != nil {
		folders := *out.Workspace.WorkspaceFolders
		supported := false
		folders.Supported = &supported
		out.Workspace.WorkspaceFolders = &folders
	}

	return &out
}

// IsPathWatched reports whether path matches a dynamically registered
// workspace/didChangeWatchedFiles watcher for the given change kind.
func (r *Registry) IsPathWatched(path string, changeKind protocol.FileChangeType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, reg := range r.registrations {
		if reg.Method != "workspace/didChangeWatchedFiles" {
			continue
		}
		watchers, ok := decodeWatchers(reg.RegisterOptions)
		if !ok {
			continue
		}
		for _, w := range watchers {
			if !matchesGlobPattern(w.GlobPattern, path) {
				continue
			}
			kindMask := w.Kind
			if kindMask == 0 {
				kindMask = 0b111 // default: create|change|delete
			}
			if kindMask&watchKindBit(changeKind) != 0 {
				return true
			}
		}
	}
	return false
}

func watchKindBit(kind protocol.FileChangeType) uint32 {
	switch kind {
	case protocol.FileChangeTypeCreated:
		return 0b001
	case protocol.FileChangeTypeChanged:
		return 0b010
	case protocol.FileChangeTypeDeleted:
		return 0b100
	default:
		return 0
	}
}

type watcherJSON struct {
	GlobPattern json.RawMessage `json:"globPattern"`
	Kind        uint32          `json:"kind"`
}

type watchersEnvelope struct {
	Watchers []watcherJSON `json:"watchers"`
}

func decodeWatchers(registerOptions any) ([]watcherJSON, bool) {
	raw, err := json.Marshal(registerOptions)
	if err != nil {
		return nil, false
	}
	var env watchersEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false
	}
	return env.Watchers, true
}

// matchesGlobPattern matches a watcher's globPattern, which per LSP is
// either a bare glob string or a {baseUri, pattern} relative pattern.
func matchesGlobPattern(raw json.RawMessage, path string) bool {
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return utils.MatchGlob(plain, utils.CleanGlobPath(path))
	}

	var rel struct {
		BaseURI string `json:"baseUri"`
		Pattern string `json:"pattern"`
	}
	if err := json.Unmarshal(raw, &rel); err == nil && rel.Pattern != "" {
		relPath, ok := utils.RelGlobPath(rel.BaseURI, path)
		if !ok {
			return false
		}
		return utils.MatchGlob(rel.Pattern, relPath)
	}
	return false
}
