// Package watchedfiles notifies the broker of filesystem changes under a
// workspace root so it can forward workspace/didChangeWatchedFiles to the
// upstream server for files the client itself never opened as a document
// (spec.md §4.2's IsPathWatched consumer).
//
// Grounded on the teacher's cmd/lsp-session-manager/polling_watcher.go
// PollingWatcher: same start/stop/mu/running/stopChan shape and the same
// notify-callback contract, but event-driven against fsnotify rather than
// scanning the tree on a ticker — the polling loop in the teacher is explicitly a Docker-on-Windows
// fallback that spec.md's broker has no analogous need for.
package watchedfiles

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/myleshyson/lsprotocol-go/protocol"
	"github.com/sirupsen/logrus"
)

// Change mirrors one entry of a workspace/didChangeWatchedFiles
// notification's changes array.
type Change struct {
	URI  protocol.DocumentUri
	Type protocol.FileChangeType
}

// skipDirs are directory names Watcher never descends into, mirroring the
// teacher's polling scan's node_modules/vendor/dotdir skip list.
var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	".git":         true,
}

// Watcher recursively watches a workspace root with fsnotify and reports
// each change via notifyFunc as a one-element slice. Safe for a single Start/Stop lifecycle;
// not restartable after Stop.
type Watcher struct {
	root        string
	notifyFunc  func([]Change)
	log         *logrus.Entry
	shouldWatch func(path string) bool

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	fsw      *fsnotify.Watcher
}

// New returns a Watcher rooted at root. shouldWatch filters which paths
// are reported (typically capabilities.Registry.IsPathWatched); a nil
// shouldWatch reports everything.
func New(root string, log *logrus.Entry, shouldWatch func(path string) bool, notifyFunc func([]Change)) *Watcher {
	if shouldWatch == nil {
		shouldWatch = func(string) bool { return true }
	}
	return &Watcher{
		root:        root,
		notifyFunc:  notifyFunc,
		log:         log,
		shouldWatch: shouldWatch,
		stopChan:    make(chan struct{}),
	}
}

// Start begins watching. Returns an error only if the fsnotify watcher
// cannot be created; a failed initial recursive watch registration and
// per-event errors are logged and swallowed, per
// spec.md §6's message-level-failures-are-logged-not-fatal policy.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.fsw = fsw
	w.running = true
	w.mu.Unlock()

	if err := w.addRecursive(w.root); err != nil {
		w.log.WithError(err).Warn("watchedfiles: initial recursive watch registration failed")
	}

	go w.loop()
	return nil
}

// Stop halts watching and releases the underlying fsnotify handle.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	fsw := w.fsw
	w.mu.Unlock()

	close(w.stopChan)
	if fsw != nil {
		_ = fsw.Close()
	}
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries, keep walking
		}
		if d.IsDir() {
			if path != dir && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			if addErr := w.fsw.Add(path); addErr != nil {
				w.log.WithError(addErr).WithField("dir", path).Debug("watchedfiles: failed to watch directory")
			}
		}
		return nil
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("watchedfiles: fsnotify error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !w.shouldWatch(event.Name) {
		return
	}

	var changeType protocol.FileChangeType
	switch {
	case event.Op&fsnotify.Create != 0:
		changeType = protocol.FileChangeTypeCreated
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				w.log.WithError(err).Debug("watchedfiles: failed to watch newly created directory")
			}
		}
	case event.Op&fsnotify.Remove != 0:
		changeType = protocol.FileChangeTypeDeleted
	case event.Op&fsnotify.Rename != 0:
		changeType = protocol.FileChangeTypeDeleted
	case event.Op&(fsnotify.Write|fsnotify.Chmod) != 0:
		changeType = protocol.FileChangeTypeChanged
	default:
		return
	}

	if w.notifyFunc != nil {
		w.notifyFunc([]Change{{URI: pathToURI(event.Name), Type: changeType}})
	}
}

func pathToURI(path string) protocol.DocumentUri {
	p := filepath.ToSlash(path)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return protocol.DocumentUri("file://" + p)
}
