package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of fsnotify events an editor save or
// directory sync produces into one reload.
const watchDebounce = 250 * time.Millisecond

// Watch hot-reloads workflows when manifest files change under the
// registry root. It blocks until ctx is cancelled. Running sessions are
// unaffected: they hold the config snapshot they started with.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(r.root); err != nil {
		return err
	}
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			// Ignore errors on subdirectory watches; a directory can vanish
			// between ReadDir and Add.
			_ = watcher.Add(filepath.Join(r.root, entry.Name()))
		}
	}

	var mu sync.Mutex
	timers := make(map[string]*time.Timer)
	scheduleReload := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := timers[name]; ok {
			t.Stop()
		}
		timers[name] = time.AfterFunc(watchDebounce, func() {
			if _, err := os.Stat(filepath.Join(r.root, name)); os.IsNotExist(err) {
				r.Remove(name)
				r.logger.Info("workflow removed", "workflow", name)
				return
			}
			if err := r.Reload(name); err != nil {
				r.logger.Error("workflow reload failed", "workflow", name, "error", err)
				return
			}
			r.logger.Info("workflow reloaded", "workflow", name)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			if name := r.workflowForPath(event.Name); name != "" {
				scheduleReload(name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("workflow watch error", "error", err)
		}
	}
}

// workflowForPath maps a changed path to the workflow directory it
// belongs to, or "" for paths outside the root.
func (r *Registry) workflowForPath(path string) string {
	rel, err := filepath.Rel(r.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) == 0 || parts[0] == "" {
		return ""
	}
	return parts[0]
}
