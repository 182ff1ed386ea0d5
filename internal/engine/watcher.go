package engine

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// startWatcher creates the fsnotify watcher and the goroutine that forwards
// directory-changed events to the worker. Watched paths are the folder roots
// plus every subdirectory encountered during enumeration.
func (e *Engine) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	e.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				// Events arrive for entries inside a watched directory;
				// the changed directory is the entry itself only when it
				// still exists as one.
				dir := event.Name
				if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
					dir = filepath.Dir(dir)
				}
				e.post(func() { e.directoryChanged(context.Background(), dir) })
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-e.quit:
				return
			}
		}
	}()

	return nil
}

func (e *Engine) closeWatcher() {
	if e.watcher != nil {
		_ = e.watcher.Close()
	}
}

// addFolderToWatch registers a directory with the watcher. Watching is best
// effort; a directory that cannot be watched is still scanned.
func (e *Engine) addFolderToWatch(path string) {
	if e.watcher == nil || e.watched[path] {
		return
	}
	if err := e.watcher.Add(path); err != nil {
		e.log.Warn("cannot watch folder", "path", path, "error", err)
		return
	}
	e.watched[path] = true
}

// removeFolderFromWatch unregisters a directory from the watcher.
func (e *Engine) removeFolderFromWatch(path string) {
	if e.watcher == nil {
		return
	}
	delete(e.watched, path)
	_ = e.watcher.Remove(path)
}
