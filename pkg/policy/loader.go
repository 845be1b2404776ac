package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openherd/openherd/pkg/engine"
)

// Loader loads policy checkers from the filesystem and can watch the
// source paths for changes, pushing reloaded sets into a Registry.
type Loader struct {
	logger   zerolog.Logger
	registry *Registry
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
}

// NewLoader creates a loader that feeds the given registry.
func NewLoader(registry *Registry, logger zerolog.Logger) *Loader {
	return &Loader{
		logger:   logger.With().Str("component", "policy-loader").Logger(),
		registry: registry,
	}
}

// LoadFromPaths compiles all policies under the given file or directory
// paths and installs them into the registry.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) error {
	var checkers []engine.PolicyChecker

	for _, path := range paths {
		loaded, err := l.loadFromPath(ctx, path)
		if err != nil {
			return fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		checkers = append(checkers, loaded...)
	}

	l.registry.Replace(checkers)

	l.logger.Info().
		Int("total", len(checkers)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]engine.PolicyChecker, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}

	checker, err := l.loadFromFile(ctx, path)
	if err != nil {
		return nil, err
	}

	return []engine.PolicyChecker{checker}, nil
}

// loadFromDirectory loads all .rego and .star files from a directory
// recursively.
func (l *Loader) loadFromDirectory(ctx context.Context, dirPath string) ([]engine.PolicyChecker, error) {
	var checkers []engine.PolicyChecker

	err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		if !strings.HasSuffix(path, ".rego") && !strings.HasSuffix(path, ".star") {
			return nil
		}

		checker, err := l.loadFromFile(ctx, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to load policy file")
			return nil // Continue processing other files
		}

		checkers = append(checkers, checker)
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return checkers, nil
}

// loadFromFile compiles a single policy file into a checker.
func (l *Loader) loadFromFile(ctx context.Context, filePath string) (engine.PolicyChecker, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	base := filepath.Base(filePath)

	switch {
	case strings.HasSuffix(filePath, ".rego"):
		name := strings.TrimSuffix(base, ".rego")
		checker, err := NewRegoPolicy(ctx, name, string(data))
		if err != nil {
			return nil, err
		}
		l.logger.Debug().Str("path", filePath).Str("policy", name).Msg("Rego policy loaded")
		return checker, nil
	case strings.HasSuffix(filePath, ".star"):
		name := strings.TrimSuffix(base, ".star")
		checker, err := NewStarlarkPolicy(name, string(data))
		if err != nil {
			return nil, err
		}
		l.logger.Debug().Str("path", filePath).Str("policy", name).Msg("Starlark policy loaded")
		return checker, nil
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filePath)
	}
}

// Watch starts watching paths for policy changes and reloads the
// registry on change.
func (l *Loader) Watch(ctx context.Context, paths []string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}

		if info.IsDir() {
			if err := l.watchDirectory(path); err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch directory")
			}
		} else {
			if err := watcher.Add(path); err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch file")
			}
		}
	}

	go l.processEvents(ctx, paths)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Started watching policy paths")

	return nil
}

// watchDirectory adds a directory tree to the watcher.
func (l *Loader) watchDirectory(dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return l.watcher.Add(path)
		}

		return nil
	})
}

// processEvents processes file system events and triggers reloads.
func (l *Loader) processEvents(ctx context.Context, paths []string) {
	// Debounce reload events
	var reloadTimer *time.Timer
	reloadDelay := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			l.StopWatching()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".rego") && !strings.HasSuffix(event.Name, ".star") {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := l.LoadFromPaths(ctx, paths); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies")
				}
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher != nil {
		_ = l.watcher.Close()
		l.watcher = nil
	}
}
