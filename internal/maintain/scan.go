package maintain

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	cerr "github.com/entrolution/causantic/internal/errors"
)

// DiscoverTranscripts walks the transcript root for session files
// (*.jsonl), sorted by modification time ascending so older sessions
// ingest first and cross-session links point the right way.
func DiscoverTranscripts(root string) ([]string, error) {
	if root == "" {
		return nil, nil
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cerr.Wrap(cerr.KindInternal, err)
	}

	type entry struct {
		path  string
		mtime time.Time
	}
	var entries []entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtrees are skipped
		}
		if d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		entries = append(entries, entry{path: path, mtime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, cerr.Wrap(cerr.KindInternal, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].mtime.Equal(entries[j].mtime) {
			return entries[i].mtime.Before(entries[j].mtime)
		}
		return entries[i].path < entries[j].path
	})
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.path
	}
	return out, nil
}

// debounceWindow batches rapid-fire filesystem events per path.
const debounceWindow = 2 * time.Second

// Watcher watches the transcript root and invokes onChange for settled
// session files. Changes are debounced per path.
type Watcher struct {
	watcher  *fsnotify.Watcher
	onChange func(path string)

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

// NewWatcher watches root (and its first-level subdirectories, where chat
// tools keep per-project transcript folders).
func NewWatcher(root string, onChange func(path string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, cerr.Wrap(cerr.KindInternal, err)
	}

	w := &Watcher{
		watcher:  fsw,
		onChange: onChange,
		pending:  make(map[string]*time.Timer),
	}

	if err := fsw.Add(root); err != nil {
		_ = fsw.Close()
		return nil, cerr.Wrap(cerr.KindInternal, err)
	}
	dirs, _ := os.ReadDir(root)
	for _, d := range dirs {
		if d.IsDir() {
			_ = fsw.Add(filepath.Join(root, d.Name()))
		}
	}
	return w, nil
}

// Run consumes filesystem events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("watcher_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// New project directories get watched as they appear.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.watcher.Add(event.Name)
			return
		}
	}
	if !strings.HasSuffix(event.Name, ".jsonl") {
		return
	}
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
		return
	}
	w.debounce(event.Name)
}

// debounce fires onChange once the path has been quiet for the window.
func (w *Watcher) debounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.pending, path)
		closed := w.closed
		w.mu.Unlock()
		if !closed {
			w.onChange(path)
		}
	})
}

// Close stops the watcher and cancels pending debounces.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	for _, timer := range w.pending {
		timer.Stop()
	}
	w.pending = map[string]*time.Timer{}
	w.mu.Unlock()
	return w.watcher.Close()
}
