package connectivity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// A missing marker file reads as offline.
type FileWatcher struct {
	path   string
	target *Switch
	logger Logger
}

func NewFileWatcher(path string, target *Switch, logger Logger) (*FileWatcher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("marker file path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &FileWatcher{path: abs, target: target, logger: logger}, nil
}

func (w *FileWatcher) Refresh() error {
	online, err := readMarker(w.path)
	if err != nil {
		return err
	}
	w.target.Set(online)
	return nil
}

// Run watches the marker's directory so atomic replacements are seen too.
func (w *FileWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return err
	}
	if err := w.Refresh(); err != nil {
		w.logf("connectivity marker %s unreadable: %v", w.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := w.Refresh(); err != nil {
				w.logf("connectivity marker %s unreadable: %v", w.path, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logf("connectivity watcher error: %v", err)
		}
	}
}

func (w *FileWatcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}

func readMarker(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "online", "up", "1":
		return true, nil
	case "offline", "down", "0", "":
		return false, nil
	default:
		return false, fmt.Errorf("unrecognized connectivity marker %q", strings.TrimSpace(string(data)))
	}
}
