package core

import (
	"encoding/json"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// ResourcesWatcher watches the application resources tree and reports
// changed files. It backs the webview_watch developer workflow.
type ResourcesWatcher struct {
	root    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewResourcesWatcher prepares a watcher rooted at root.
func NewResourcesWatcher(root string) (*ResourcesWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ResourcesWatcher{
		root:    root,
		watcher: watcher,
		done:    make(chan struct{}),
	}, nil
}

// Start registers every directory under the root except those whose names
// start with "." (and everything below them), and begins delivering
// changed file paths to callback from a background goroutine.
func (w *ResourcesWatcher) Start(callback func(path string)) error {
	err := filepath.WalkDir(w.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			if name := entry.Name(); name != "." && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return w.watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-w.done:
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if event.Op.Has(fsnotify.Create) {
					if info, serr := os.Stat(event.Name); serr == nil && info.IsDir() {
						_ = w.watcher.Add(event.Name)
						continue
					}
				}
				if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename) {
					callback(event.Name)
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				log.Printf("watcher: %v", err)
			}
		}
	}()
	return nil
}

// Stop halts delivery and releases the watcher.
func (w *ResourcesWatcher) Stop() {
	close(w.done)
	_ = w.watcher.Close()
}

// initDeveloperResourcesWatcher starts the resources watcher when
// webview_watch is enabled.
func (b *Bridge) initDeveloperResourcesWatcher() {
	if !b.userConfig.Bool(ConfigWebviewWatch) {
		return
	}
	watcher, err := NewResourcesWatcher(b.ResourcesPath)
	if err != nil {
		log.Printf("watcher: init: %v", err)
		return
	}
	if err := watcher.Start(b.handleResourceChange); err != nil {
		log.Printf("watcher: start: %v", err)
		watcher.Stop()
		return
	}
	b.watcher = watcher
}

// stopDeveloperResourcesWatcher stops the watcher if running.
func (b *Bridge) stopDeveloperResourcesWatcher() {
	if b.watcher != nil {
		b.watcher.Stop()
		b.watcher = nil
	}
}

// handleResourceChange reacts to one changed file: when the file backs a
// registered service worker the worker is re-registered and the
// filedidchange event waits for it to activate; otherwise the event fires
// immediately.
func (b *Bridge) handleResourceChange(changed string) {
	relative, err := filepath.Rel(b.ResourcesPath, changed)
	if err != nil {
		relative = changed
	}
	relative = filepath.ToSlash(relative)

	doc, _ := json.Marshal(map[string]string{"path": relative})
	payload := string(doc)

	reloadEnabled := b.userConfig.Get(ConfigWebviewWatchReload) != "false"
	hybridWorkers := b.userConfig.Get(ConfigWebviewServiceWorkerMode) == "hybrid"

	if reloadEnabled && !hybridWorkers {
		scriptURL := "socket://" + b.userConfig.Get(ConfigMetaBundleIdentifier)
		if !strings.HasPrefix(relative, "/") {
			scriptURL += "/"
		}
		scriptURL += relative

		if scope, registration := b.core.ServiceWorker.FindByScriptURL(scriptURL); registration != nil {
			// unregister, re-register, wait for activation, then notify
			b.core.ServiceWorker.UnregisterServiceWorker(scope)
			options := registration.Options
			b.core.SetTimeout(8, func() {
				reregistered := b.core.ServiceWorker.RegisterServiceWorker(options)
				b.core.SetInterval(8, func(cancel func()) {
					if reregistered.State() != ServiceWorkerActivated {
						return
					}
					cancel()
					timeout := b.userConfig.Uint64(ConfigWebviewWatchServiceWorkerTimeout, 500)
					b.core.SetTimeout(timeout, func() {
						b.Emit("filedidchange", payload)
					})
				})
			})
			return
		}
	}

	b.Emit("filedidchange", payload)
}
