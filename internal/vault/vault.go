package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/notectx/notectx-mcp/pkg/types"
)

// ErrNotFound is returned when a requested document doesn't exist.
var ErrNotFound = errors.New("document not found")

// DebounceInterval is how long a path must be quiet before its pending
// change event is forwarded.
const DebounceInterval = 250 * time.Millisecond

// Vault is the document-store collaborator. The engine reads and watches;
// it never mutates.
type Vault interface {
	// ListDocuments returns the stable paths of all documents.
	ListDocuments(ctx context.Context) ([]string, error)

	// ReadContent returns the raw content of a document.
	ReadContent(ctx context.Context, path string) (string, error)

	// Stat returns modification time and size for a document.
	Stat(ctx context.Context, path string) (modTime time.Time, size int64, err error)

	// Events returns the change notification stream. The channel is closed
	// when the vault is closed.
	Events() <-chan types.ChangeEvent

	// Close stops watching and releases resources.
	Close() error
}

// FSVault implements Vault over a directory tree of markdown files.
type FSVault struct {
	root     string
	watcher  *fsnotify.Watcher
	events   chan types.ChangeEvent
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*pendingChange
	closed  bool
	done    chan struct{}
}

type pendingChange struct {
	kind  types.ChangeKind
	timer *time.Timer
}

// NewFSVault creates a vault over root and starts watching it recursively.
func NewFSVault(root string) (*FSVault, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("vault root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault root %s is not a directory", root)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	v := &FSVault{
		root:     root,
		watcher:  watcher,
		events:   make(chan types.ChangeEvent, 64),
		debounce: DebounceInterval,
		pending:  make(map[string]*pendingChange),
		done:     make(chan struct{}),
	}

	if err := v.watchRecursive(root); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go v.loop()
	return v, nil
}

// ListDocuments walks the vault and returns all markdown paths relative to
// the root, in walk order. Hidden directories are skipped.
func (v *FSVault) ListDocuments(ctx context.Context) ([]string, error) {
	var paths []string

	err := filepath.WalkDir(v.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != v.root {
				return filepath.SkipDir
			}
			return nil
		}

		if !isNoteFile(path) {
			return nil
		}

		rel, err := filepath.Rel(v.root, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})

	return paths, err
}

// ReadContent reads a document by its vault-relative path.
func (v *FSVault) ReadContent(ctx context.Context, path string) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	data, err := os.ReadFile(filepath.Join(v.root, filepath.FromSlash(path)))
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Stat returns modification time and size for a document.
func (v *FSVault) Stat(ctx context.Context, path string) (time.Time, int64, error) {
	if ctx.Err() != nil {
		return time.Time{}, 0, ctx.Err()
	}

	info, err := os.Stat(filepath.Join(v.root, filepath.FromSlash(path)))
	if os.IsNotExist(err) {
		return time.Time{}, 0, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return time.Time{}, 0, err
	}
	return info.ModTime(), info.Size(), nil
}

// Events returns the debounced change stream.
func (v *FSVault) Events() <-chan types.ChangeEvent {
	return v.events
}

// Close stops the watcher and closes the event stream.
func (v *FSVault) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	for _, p := range v.pending {
		p.timer.Stop()
	}
	v.mu.Unlock()

	err := v.watcher.Close()
	<-v.done
	close(v.events)
	return err
}

// watchRecursive registers the watcher on root and every non-hidden
// subdirectory.
func (v *FSVault) watchRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		return v.watcher.Add(path)
	})
}

// loop translates raw fsnotify events into debounced ChangeEvents.
func (v *FSVault) loop() {
	defer close(v.done)

	for {
		select {
		case ev, ok := <-v.watcher.Events:
			if !ok {
				return
			}
			v.handleRaw(ev)
		case _, ok := <-v.watcher.Errors:
			if !ok {
				return
			}
			// Watcher errors are transient (overflow, races with deletes);
			// the index self-heals on the next full rebuild.
		}
	}
}

// handleRaw maps one fsnotify event onto the pending-change table.
func (v *FSVault) handleRaw(ev fsnotify.Event) {
	// New directories must be added to the watch set.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = v.watchRecursive(ev.Name)
			return
		}
	}

	if !isNoteFile(ev.Name) {
		return
	}

	rel, err := filepath.Rel(v.root, ev.Name)
	if err != nil {
		return
	}
	path := filepath.ToSlash(rel)

	var kind types.ChangeKind
	switch {
	case ev.Op.Has(fsnotify.Create):
		kind = types.ChangeCreated
	case ev.Op.Has(fsnotify.Write):
		kind = types.ChangeModified
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		// fsnotify reports a rename as Rename on the old path plus Create on
		// the new one. The old path is gone either way; the maintenance loop
		// re-correlates renamed content by fingerprint.
		kind = types.ChangeDeleted
	default:
		return
	}

	v.schedule(path, kind)
}

// schedule records a pending change for path, collapsing bursts. Deletion
// wins over modification; creation followed by write stays a creation.
func (v *FSVault) schedule(path string, kind types.ChangeKind) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return
	}

	if p, ok := v.pending[path]; ok {
		p.timer.Stop()
		if p.kind == types.ChangeCreated && kind == types.ChangeModified {
			kind = types.ChangeCreated
		}
	}

	p := &pendingChange{kind: kind}
	p.timer = time.AfterFunc(v.debounce, func() { v.flush(path) })
	v.pending[path] = p
}

// flush emits the pending change for path once its debounce window expires.
func (v *FSVault) flush(path string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, ok := v.pending[path]
	if !ok || v.closed {
		return
	}
	delete(v.pending, path)

	// Non-blocking send under the lock: Close cannot close the channel while
	// the lock is held, and the default arm keeps a full buffer from
	// deadlocking the timer goroutine.
	select {
	case v.events <- types.ChangeEvent{Kind: p.kind, Path: path}:
	default:
		// Event buffer full; drop. A full rebuild recovers anything missed.
	}
}

// isNoteFile reports whether a path looks like a vault note.
func isNoteFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return true
	}
	return false
}
