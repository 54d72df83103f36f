package workflow

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Registry discovers workflows under a root directory and caches loaded
// configs by name. Reads are lock-cheap; Reload swaps whole entries so
// running sessions keep the snapshot they started with.
type Registry struct {
	root   string
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*WorkflowConfig
	// broken tracks workflows that failed their last (re)load so the
	// error can be surfaced on Get instead of a bare not-found.
	broken map[string]error
}

// NewRegistry creates a registry rooted at the given directory.
func NewRegistry(root string) *Registry {
	return &Registry{
		root:   root,
		logger: slog.With("component", "workflow_registry"),
		cache:  make(map[string]*WorkflowConfig),
		broken: make(map[string]error),
	}
}

// Root returns the workflow root directory.
func (r *Registry) Root() string { return r.root }

// Discover scans the root for workflow directories and loads each one.
// A workflow that fails to load is recorded and skipped, so one broken
// manifest cannot take the server down; the failure is logged and
// surfaced by Get.
func (r *Registry) Discover() error {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return fmt.Errorf("reading workflow root %s: %w", r.root, err)
	}

	loaded := make(map[string]*WorkflowConfig)
	broken := make(map[string]error)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		cfg, err := Load(filepath.Join(r.root, name))
		if err != nil {
			broken[name] = err
			r.logger.Error("workflow failed to load", "workflow", name, "error", err)
			continue
		}
		for _, w := range cfg.Warnings {
			r.logger.Warn("workflow validation warning", "workflow", name, "warning", w)
		}
		loaded[name] = cfg
	}

	r.mu.Lock()
	r.cache = loaded
	r.broken = broken
	r.mu.Unlock()

	r.logger.Info("workflow discovery complete", "loaded", len(loaded), "broken", len(broken))
	return nil
}

// Get returns the loaded config for name. A workflow that exists but
// failed validation returns its load error; an unknown name returns
// ErrWorkflowNotFound.
func (r *Registry) Get(name string) (*WorkflowConfig, error) {
	r.mu.RLock()
	cfg, ok := r.cache[name]
	loadErr := r.broken[name]
	r.mu.RUnlock()

	if ok {
		return cfg, nil
	}
	if loadErr != nil {
		return nil, loadErr
	}
	return nil, fmt.Errorf("workflow %q: %w", name, ErrWorkflowNotFound)
}

// List returns the loaded workflow names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.cache))
	for name := range r.cache {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reload re-loads one workflow from disk and swaps the cache entry.
// Used by the watcher; also safe to call directly.
func (r *Registry) Reload(name string) error {
	cfg, err := Load(filepath.Join(r.root, name))

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		delete(r.cache, name)
		r.broken[name] = err
		return err
	}
	r.cache[name] = cfg
	delete(r.broken, name)
	for _, w := range cfg.Warnings {
		r.logger.Warn("workflow validation warning", "workflow", name, "warning", w)
	}
	return nil
}

// Remove drops a workflow from the registry (directory deleted).
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, name)
	delete(r.broken, name)
}
