package recipe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// FragmentsDir is the subdirectory holding prompt fragments.
const FragmentsDir = "fragments"

// Loader loads recipes from a directory and serves role-based selection.
// Reload swaps the whole set atomically, so a broken edit never takes
// down the recipes that were already serving.
type Loader struct {
	dir    string
	logger *slog.Logger

	mu      sync.RWMutex
	recipes map[string]*Recipe

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewLoader creates a loader and performs the initial load.
func NewLoader(dir string) (*Loader, error) {
	l := &Loader{
		dir:     dir,
		logger:  slog.Default().With("component", "recipes"),
		recipes: make(map[string]*Recipe),
		stopCh:  make(chan struct{}),
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-reads every recipe file. On any error the previous set stays
// in place.
func (l *Loader) Reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read recipes dir %s: %w", l.dir, err)
	}

	loaded := make(map[string]*Recipe)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		recipes, err := l.loadFile(path)
		if err != nil {
			return err
		}
		for _, r := range recipes {
			if _, dup := loaded[r.Name]; dup {
				return fmt.Errorf("duplicate recipe '%s' in %s", r.Name, path)
			}
			loaded[r.Name] = r
		}
	}

	l.mu.Lock()
	l.recipes = loaded
	l.mu.Unlock()

	l.logger.Info("Recipes loaded", "dir", l.dir, "count", len(loaded))
	return nil
}

// loadFile parses one recipe file, which may hold a single recipe or a
// list under a top-level "recipes" key.
func (l *Loader) loadFile(path string) ([]*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipe %s: %w", path, err)
	}

	var multi struct {
		Recipes []*Recipe `yaml:"recipes"`
	}
	if err := yaml.Unmarshal(data, &multi); err == nil && len(multi.Recipes) > 0 {
		return l.finish(path, multi.Recipes)
	}

	var single Recipe
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("parse recipe %s: %w", path, err)
	}
	return l.finish(path, []*Recipe{&single})
}

func (l *Loader) finish(path string, recipes []*Recipe) ([]*Recipe, error) {
	for _, r := range recipes {
		r.SpreadBudgets()
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if !r.SystemIsInline() {
			if _, err := os.Stat(filepath.Join(l.dir, FragmentsDir, r.System)); err != nil {
				return nil, fmt.Errorf("%s: recipe '%s' references missing fragment '%s'", path, r.Name, r.System)
			}
		}
	}
	return recipes, nil
}

// Get returns a recipe by name.
func (l *Loader) Get(name string) (*Recipe, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.recipes[name]
	return r, ok
}

// Names returns loaded recipe names, sorted.
func (l *Loader) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.recipes))
	for name := range l.recipes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select picks the best recipe for (role, mode, contentType), falling
// back from most to least specific: exact match, then role+mode, then
// role alone. Legacy role aliases resolve before matching.
func (l *Loader) Select(role, mode, contentType string) (*Recipe, error) {
	role = CanonicalRole(role)

	l.mu.RLock()
	defer l.mu.RUnlock()

	type attempt struct{ mode, contentType string }
	attempts := []attempt{
		{mode, contentType},
		{mode, ""},
		{"", ""},
	}
	for _, a := range attempts {
		if r := l.match(role, a.mode, a.contentType); r != nil {
			return r, nil
		}
	}
	return nil, fmt.Errorf("no recipe for role '%s' (mode '%s', content_type '%s')", role, mode, contentType)
}

// match is called with l.mu held. Names are iterated sorted so ties
// resolve deterministically.
func (l *Loader) match(role, mode, contentType string) *Recipe {
	names := make([]string, 0, len(l.recipes))
	for name := range l.recipes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		r := l.recipes[name]
		if r.Role != role {
			continue
		}
		if mode != "" && r.Mode != mode {
			continue
		}
		if mode == "" && r.Mode != "" {
			continue
		}
		if contentType != "" && r.ContentType != contentType {
			continue
		}
		if contentType == "" && r.ContentType != "" {
			continue
		}
		return r
	}
	return nil
}

// Fragment reads a prompt fragment by name, or returns inline text as-is
// when the recipe carried the prompt directly.
func (l *Loader) Fragment(r *Recipe) (string, error) {
	if r.SystemIsInline() {
		return r.System, nil
	}
	data, err := os.ReadFile(filepath.Join(l.dir, FragmentsDir, r.System))
	if err != nil {
		return "", fmt.Errorf("read fragment '%s': %w", r.System, err)
	}
	return string(data), nil
}

// Watch reloads recipes when files under the directory change. Broken
// edits are logged and skipped.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create recipe watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch recipes dir %s: %w", l.dir, err)
	}
	// Fragments change independently of recipe files.
	fragments := filepath.Join(l.dir, FragmentsDir)
	if _, err := os.Stat(fragments); err == nil {
		if err := watcher.Add(fragments); err != nil {
			l.logger.Warn("Failed to watch fragments dir", "error", err)
		}
	}
	l.watcher = watcher

	go l.watchLoop(ctx, watcher)
	l.logger.Info("Watching recipes", "dir", l.dir)
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var debounce *time.Timer
	const debounceDelay = 200 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case <-l.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if strings.HasPrefix(name, ".") {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if err := l.Reload(); err != nil {
					l.logger.Warn("Recipe reload failed, keeping previous set", "error", err)
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("Recipe watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (l *Loader) Close() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	return nil
}
