package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nous-labs/agentbridge/pkg/bridge"
)

// BoardTarget receives the changes the watcher sees.
type BoardTarget interface {
	Sync(ctx context.Context) (int, error)
	RemoveAgent(ctx context.Context, agentID string) error
}

// Watcher turns edits under the boards directory into registry syncs and
// deleted board files into agent removals. Bursts of events are debounced.
type Watcher struct {
	dir      string
	target   BoardTarget
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu        sync.Mutex
	changed   bool
	removed   map[string]struct{}
	lastEvent time.Time
}

// NewWatcher creates a watcher for dir. debounce <= 0 means 500ms.
func NewWatcher(dir string, target BoardTarget, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	return &Watcher{
		dir:      dir,
		target:   target,
		debounce: debounce,
		watcher:  fw,
		removed:  make(map[string]struct{}),
	}, nil
}

// Run watches until ctx is cancelled, then closes the underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("create boards dir: %w", err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	slog.Info("board watcher started", "dir", w.dir, "debounce", w.debounce)

	tick := w.debounce / 5
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("board watcher stopping")
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("board watcher error", "error", err)
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !strings.HasSuffix(ev.Name, ".json") {
		return
	}
	agentID := strings.TrimSuffix(filepath.Base(ev.Name), ".json")

	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case ev.Op&fsnotify.Remove != 0:
		w.removed[agentID] = struct{}{}
	case ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0:
		// A file rewritten by delete-then-create is an update.
		delete(w.removed, agentID)
		w.changed = true
	default:
		return
	}
	w.lastEvent = time.Now()
	slog.Debug("board file event", "op", ev.Op.String(), "board", agentID)
}

// flush applies pending changes once the directory has been quiet for the
// debounce period.
func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	if (!w.changed && len(w.removed) == 0) || time.Since(w.lastEvent) < w.debounce {
		w.mu.Unlock()
		return
	}
	changed := w.changed
	removed := make([]string, 0, len(w.removed))
	for id := range w.removed {
		removed = append(removed, id)
	}
	w.changed = false
	w.removed = make(map[string]struct{})
	w.mu.Unlock()

	for _, agentID := range removed {
		err := w.target.RemoveAgent(ctx, agentID)
		switch {
		case errors.Is(err, bridge.ErrUnknownAgent):
			slog.Debug("removed board was not an agent", "board", agentID)
		case err != nil:
			slog.Warn("remove agent failed", "board", agentID, "error", err)
		}
	}
	if changed {
		if _, err := w.target.Sync(ctx); err != nil {
			slog.Warn("board change sync failed", "error", err)
		}
	}
}
