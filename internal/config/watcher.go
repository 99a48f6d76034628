package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when specific config files change.
// Used for hot-reload of detection patterns without restarting the engine.
// The running engine sets these callbacks at startup.
type WatchTargets struct {
	// OnPatternsChange fires when patterns.yaml is written or created.
	// Typically triggers detect.Detector.Reload() so edits to the
	// pattern set take effect on the next ingested entry.
	OnPatternsChange func()
}

// Watcher monitors the AgentTrail data directory for file changes using
// fsnotify. It watches for modifications to patterns.yaml, firing the
// appropriate callback when a change is detected.
//
// The watcher runs a background goroutine that processes fsnotify events.
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a file watcher on the given directory.
//
// The watcher immediately starts processing events in a background
// goroutine. Events are debounced naturally by fsnotify — rapid
// successive writes typically produce a single event.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	// Watch the whole directory rather than the single file: editors
	// often replace files via rename, which breaks a per-file watch.
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}

	go w.processEvents(targets)

	slog.Info("file watcher started", "dir", dir)
	return w, nil
}

// processEvents reads fsnotify events and dispatches to the appropriate
// callback. Runs in a background goroutine until Close() is called.
func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Only write and create events matter — not remove or
			// rename, which would indicate the file was deleted.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if filepath.Base(event.Name) == "patterns.yaml" {
				slog.Info("patterns.yaml changed, triggering reload")
				if targets.OnPatternsChange != nil {
					targets.OnPatternsChange()
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the file watcher goroutine and releases the underlying
// fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
