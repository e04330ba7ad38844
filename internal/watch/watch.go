// Package watch implements the file-watch trigger loop: recycle the entire
// session (a fresh Supervisor, a fresh Zygote) on every debounced burst of
// .py source changes. Replacing only the next Worker would not be enough:
// a Worker forks from a Zygote that has already imported the old source,
// so a file change is invisible to the fleet until the whole Zygote is
// replaced.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// debounce is how long the loop waits for a burst of filesystem events to
// go quiet before triggering a recycle.
const debounce = 100 * time.Millisecond

// ignoredSubstrings marks directories whose churn should never trigger a
// recycle.
var ignoredSubstrings = []string{
	"__pycache__", ".pytest_cache", ".mypy_cache", ".git",
	".venv", "/venv/", "/env/", "/node_modules/",
}

// Loop watches root recursively and calls runSession once immediately, then
// again after every debounced burst of relevant changes, until ctx is
// canceled. It returns the error from the last runSession call, if any, and
// nil if ctx was canceled cleanly.
func Loop(ctx context.Context, root string, runSession func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := addRecursive(watcher, root); err != nil {
		return fmt.Errorf("watch: watching %s: %w", root, err)
	}

	log.WithField("root", root).Info("watch: watching for changes, press Ctrl+C to stop")

	lastErr := runSession()
	if lastErr != nil {
		log.WithError(lastErr).Warn("watch: initial run failed")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return lastErr
			}
			if !relevant(event.Name) {
				continue
			}
			drain(ctx, watcher.Events)

			log.Info("watch: change detected, recycling session")
			lastErr = runSession()
			if lastErr != nil {
				log.WithError(lastErr).Warn("watch: run failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return lastErr
			}
			log.WithError(err).Warn("watch: watcher error")
		}
	}
}

// drain absorbs any further events arriving within debounce of the last
// one, so a burst of saves collapses into a single recycle.
func drain(ctx context.Context, events <-chan fsnotify.Event) {
	timer := time.NewTimer(debounce)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(debounce)
		case <-timer.C:
			return
		}
	}
}

// relevant reports whether a changed path should trigger a recycle: a .py
// file outside any ignored directory.
func relevant(path string) bool {
	if filepath.Ext(path) != ".py" {
		return false
	}
	return !ignored(path)
}

func ignored(path string) bool {
	for _, substr := range ignoredSubstrings {
		if strings.Contains(path, substr) {
			return true
		}
	}
	return false
}

// addRecursive registers every directory under root with the watcher:
// fsnotify has no built-in recursive mode on Linux (inotify is
// directory-scoped), so each directory is added individually.
func addRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if ignored(path + string(filepath.Separator)) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
