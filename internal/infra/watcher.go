package infra

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ModuleEvent reports a change inside one module directory.
type ModuleEvent struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Op   string `json:"op"`
}

// ModulesWatcher watches the modules directory and every module directory
// directly below it. Marker files live one level down, so both levels are watched.
type ModulesWatcher struct {
	dir     string
	watcher *fsnotify.Watcher
	logger  *zap.Logger
}

// NewModulesWatcher starts watching dir. The directory must exist.
func NewModulesWatcher(dir string, logger *zap.Logger) (*ModulesWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	mw := &ModulesWatcher{dir: filepath.Clean(dir), watcher: w, logger: logger}

	if err := w.Add(mw.dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	entries, err := os.ReadDir(mw.dir)
	if err != nil {
		w.Close()
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			mw.addModule(filepath.Join(mw.dir, e.Name()))
		}
	}
	return mw, nil
}

func (mw *ModulesWatcher) addModule(path string) {
	if err := mw.watcher.Add(path); err != nil {
		mw.logger.Warn("failed to watch module dir", zap.String("dir", path), zap.Error(err))
	}
}

// Close stops a watcher that will not be Run.
func (mw *ModulesWatcher) Close() error {
	return mw.watcher.Close()
}

// Run delivers events to emit until ctx is canceled. The watcher is closed on return.
func (mw *ModulesWatcher) Run(ctx context.Context, emit func(ModuleEvent)) error {
	defer mw.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-mw.watcher.Events:
			if !ok {
				return nil
			}
			id := mw.moduleID(event.Name)
			if id == "" {
				continue
			}
			// New module directories need their own watch.
			if event.Has(fsnotify.Create) && filepath.Dir(event.Name) == mw.dir {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					mw.addModule(event.Name)
				}
			}
			emit(ModuleEvent{ID: id, Path: event.Name, Op: strings.ToLower(event.Op.String())})

		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return nil
			}
			mw.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

// moduleID maps a path below the modules directory to its module id.
func (mw *ModulesWatcher) moduleID(path string) string {
	rel, err := filepath.Rel(mw.dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	id, _, _ := strings.Cut(rel, string(filepath.Separator))
	return id
}
