package skills

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Editor saves fire several fs events per write, so version bumps wait
// for a quiet window.
const watchDebounce = 500 * time.Millisecond

// Watcher bumps the loader version when a SKILL.md appears, changes, or
// disappears under any pack directory, so capabilities pick up edits
// without a restart.
type Watcher struct {
	loader *Loader
	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	timer *time.Timer
	dirty bool
}

func NewWatcher(loader *Loader) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{loader: loader, fsw: fsw}, nil
}

// Start watches every pack root plus its existing skill subdirectories.
// Roots that don't exist yet are skipped silently; they get watched the
// next time the daemon starts.
func (w *Watcher) Start(ctx context.Context) error {
	watched := 0
	for _, root := range w.loader.Dirs() {
		if err := w.fsw.Add(root); err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("cannot watch skill dir", "path", root, "error", err)
			}
			continue
		}
		watched++

		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() && w.fsw.Add(filepath.Join(root, e.Name())) == nil {
				watched++
			}
		}
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)

	slog.Info("skills watcher started", "watched", watched)
	return nil
}

func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.fsw.Close()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.onEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("skills watcher error", "error", err)
		}
	}
}

func (w *Watcher) onEvent(ev fsnotify.Event) {
	// A new directory under a pack root is a new skill being created;
	// watch it so its SKILL.md write is seen.
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(ev.Name)
		}
	}

	if !w.relevant(ev) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.dirty = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, w.bump)
}

// relevant filters the event stream down to SKILL.md edits, new
// entries, and deleted or renamed skill folders.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if strings.EqualFold(filepath.Base(ev.Name), "SKILL.md") {
		return true
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}

func (w *Watcher) bump() {
	w.mu.Lock()
	if !w.dirty {
		w.mu.Unlock()
		return
	}
	w.dirty = false
	w.mu.Unlock()

	w.loader.BumpVersion()
	slog.Info("skills changed", "version", w.loader.Version())
}
