package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestResourcesWatcher_ReportsChanges(t *testing.T) {
	root := t.TempDir()

	watcher, err := NewResourcesWatcher(root)
	if err != nil {
		t.Fatalf("NewResourcesWatcher: %v", err)
	}
	defer watcher.Stop()

	changed := make(chan string, 8)
	if err := watcher.Start(func(path string) { changed <- path }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	target := filepath.Join(root, "index.html")
	if err := os.WriteFile(target, []byte("<html></html>"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case path := <-changed:
		if filepath.Base(path) != "index.html" {
			t.Errorf("changed path = %q", path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("change never reported")
	}
}

func TestBridge_ResourceChangeEmitsFileDidChange(t *testing.T) {
	config := Config{
		ConfigMetaBundleIdentifier: "com.example.app",
		ConfigWebviewWatch:         "true",
	}
	c := NewCore(config, Options{DedicatedLoopThread: true})
	defer c.Shutdown()

	b := NewBridge(c, config)
	b.ResourcesPath = t.TempDir()

	scripts := make(chan string, 8)
	b.EvaluateJavaScriptFunction = func(source string) { scripts <- source }

	b.handleResourceChange(filepath.Join(b.ResourcesPath, "pages", "about.html"))

	select {
	case script := <-scripts:
		if !strings.Contains(script, "filedidchange") {
			t.Errorf("script does not emit filedidchange:\n%s", script)
		}
		if !strings.Contains(script, encodeURIComponent("pages/about.html")) {
			t.Errorf("script does not carry the relative path:\n%s", script)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("filedidchange never emitted")
	}
}

func TestBridge_ServiceWorkerChangeWaitsForActivation(t *testing.T) {
	config := Config{
		ConfigMetaBundleIdentifier:             "com.example.app",
		ConfigWebviewWatch:                     "true",
		ConfigWebviewWatchServiceWorkerTimeout: "10",
	}
	c := NewCore(config, Options{DedicatedLoopThread: true})
	defer c.Shutdown()

	b := NewBridge(c, config)
	b.ResourcesPath = t.TempDir()

	scripts := make(chan string, 8)
	b.EvaluateJavaScriptFunction = func(source string) { scripts <- source }

	c.ServiceWorker.RegisterServiceWorker(ServiceWorkerRegistrationOptions{
		Scope:     "/",
		ScriptURL: "socket://com.example.app/sw.js",
	})

	b.handleResourceChange(filepath.Join(b.ResourcesPath, "sw.js"))

	// the worker was unregistered and re-registered; nothing fires until the
	// replacement activates
	select {
	case script := <-scripts:
		t.Fatalf("filedidchange fired before activation:\n%s", script)
	case <-time.After(100 * time.Millisecond):
	}

	if !waitFor(t, 2*time.Second, func() bool {
		_, registration := c.ServiceWorker.FindByScriptURL("socket://com.example.app/sw.js")
		if registration == nil {
			return false
		}
		registration.SetState(ServiceWorkerActivated)
		return true
	}) {
		t.Fatal("service worker never re-registered")
	}

	select {
	case script := <-scripts:
		if !strings.Contains(script, "filedidchange") {
			t.Errorf("script does not emit filedidchange:\n%s", script)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("filedidchange never fired after activation")
	}
}
