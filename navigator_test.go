package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeTree creates files (with parent directories) under root.
func writeTree(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, name := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("<html><head></head><body>"+name+"</body></html>"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestResolveLocationPathname_Precedence(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "a.html", "b/index.html", "c/x.html")

	cases := []struct {
		pathname     string
		wantPathname string
		wantRedirect bool
		wantUnknown  bool
	}{
		{"/a", "/a.html", false, false},
		{"/a.html", "/a.html", false, false},
		{"/b", "/b/", true, false},
		{"/b/", "/b/index.html", false, false},
		{"/c/x", "/c/x.html", false, false},
		{"/missing", "", false, true},
	}

	for _, tc := range cases {
		got := resolveLocationPathname(tc.pathname, root)
		if tc.wantUnknown {
			if !got.IsUnknown() {
				t.Errorf("resolve(%q) = %+v, want unknown", tc.pathname, got)
			}
			continue
		}
		if got.IsUnknown() {
			t.Errorf("resolve(%q) = unknown, want %q", tc.pathname, tc.wantPathname)
			continue
		}
		if got.Pathname != tc.wantPathname {
			t.Errorf("resolve(%q).Pathname = %q, want %q", tc.pathname, got.Pathname, tc.wantPathname)
		}
		if got.Redirect != tc.wantRedirect {
			t.Errorf("resolve(%q).Redirect = %v, want %v", tc.pathname, got.Redirect, tc.wantRedirect)
		}
	}
}

func TestResolveLocationPathname_DirectFileWins(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "conflict/index.html", "conflict.html")

	// /conflict.html resolves as the direct file
	got := resolveLocationPathname("/conflict.html", root)
	if got.Pathname != "/conflict.html" || got.Redirect {
		t.Errorf("resolve(/conflict.html) = %+v", got)
	}

	// /conflict prefers the index directory (redirect) over conflict.html
	got = resolveLocationPathname("/conflict", root)
	if !got.Redirect || got.Pathname != "/conflict/" {
		t.Errorf("resolve(/conflict) = %+v, want redirect to /conflict/", got)
	}
}

func TestLocation_MountResolution(t *testing.T) {
	mountRoot := t.TempDir()
	resources := t.TempDir()
	writeTree(t, mountRoot, "docs/readme.html")

	c := NewCore(Config{}, Options{DedicatedLoopThread: true})
	defer c.Shutdown()
	b := NewBridge(c, Config{
		ConfigWebviewNavigatorMountsPrefix + mountRoot: "/shared",
	})
	b.ResourcesPath = resources
	b.Navigator.Init()

	got := b.Navigator.Location.Resolve("/shared/docs/readme", resources)
	if !got.IsMount() {
		t.Fatalf("Resolve = %+v, want mount", got)
	}
	want := filepath.Join(mountRoot, "docs", "readme.html")
	if got.MountFilename != want {
		t.Errorf("MountFilename = %q, want %q", got.MountFilename, want)
	}

	// paths outside the mount prefix fall back to application resources
	writeTree(t, resources, "local.html")
	got = b.Navigator.Location.Resolve("/local", resources)
	if !got.IsResource() || got.Pathname != "/local.html" {
		t.Errorf("Resolve(/local) = %+v", got)
	}
}

func newNavigatorBridge(t *testing.T, config Config) (*Bridge, *[]string) {
	t.Helper()
	c := NewCore(config, Options{DedicatedLoopThread: true})
	t.Cleanup(c.Shutdown)

	b := NewBridge(c, config)
	var evaluated []string
	b.EvaluateJavaScriptFunction = func(source string) {
		evaluated = append(evaluated, source)
	}
	b.Navigator.Init()
	return b, &evaluated
}

func TestNavigator_AllowList(t *testing.T) {
	config := Config{
		ConfigWebviewNavigatorPoliciesAllowed: "https://api.example.com/*",
		ConfigMetaApplicationProtocol:         "myapp",
		ConfigMetaBundleIdentifier:            "com.example.app",
	}
	b, evaluated := newNavigatorBridge(t, config)
	current := "socket://com.example.app/index.html"

	if !b.Navigator.HandleNavigationRequest(current, "https://api.example.com/v1/ping") {
		t.Error("allow-listed URL was refused")
	}
	if !b.Navigator.HandleNavigationRequest(current, "socket:foo") {
		t.Error("socket: URL was refused")
	}
	if b.Navigator.HandleNavigationRequest(current, "http://evil/") {
		t.Error("http://evil/ was allowed")
	}
	if len(*evaluated) != 0 {
		t.Fatalf("unexpected applicationurl emissions: %v", *evaluated)
	}

	// the application protocol is refused and surfaced as applicationurl
	if b.Navigator.HandleNavigationRequest(current, "myapp://open?x=1") {
		t.Error("application protocol URL was navigated")
	}
	if len(*evaluated) != 1 {
		t.Fatalf("applicationurl emissions = %d, want 1", len(*evaluated))
	}
	script := (*evaluated)[0]
	if !strings.Contains(script, "applicationurl") {
		t.Errorf("emitted script does not name applicationurl:\n%s", script)
	}
	if !strings.Contains(script, encodeURIComponent(`myapp://open?x=1`)) {
		t.Errorf("emitted script does not carry the URL:\n%s", script)
	}
}

func TestNavigator_ProtocolHandlerSchemesAllowed(t *testing.T) {
	config := Config{
		ConfigWebviewProtocolHandlers:                "ext: other:",
		ConfigWebviewProtocolHandlersPrefix + "more": "./more/worker.js",
	}
	b, _ := newNavigatorBridge(t, config)

	for _, url := range []string{"ext:open", "other:thing", "more:stuff"} {
		if !b.Navigator.IsNavigationRequestAllowed("", url) {
			t.Errorf("IsNavigationRequestAllowed(%q) = false", url)
		}
	}
	if b.Navigator.IsNavigationRequestAllowed("", "unknown:thing") {
		t.Error("unregistered scheme was allowed")
	}
}

func TestNavigator_DevHostAllowed(t *testing.T) {
	b, _ := newNavigatorBridge(t, Config{})
	b.Navigator.DevHost = "http://localhost:3000"

	if !b.Navigator.IsNavigationRequestAllowed("", "http://localhost:3000/live") {
		t.Error("dev host origin was refused")
	}
	if b.Navigator.IsNavigationRequestAllowed("", "http://localhost:9999/") {
		t.Error("non-dev-host origin was allowed")
	}
}

func TestNavigator_ApplicationLinks(t *testing.T) {
	config := Config{
		ConfigMetaApplicationLinks: "links.example.com?user-paths=/open",
	}
	b, evaluated := newNavigatorBridge(t, config)

	// current page is on the app-link host: surface instead of navigating
	if b.Navigator.HandleNavigationRequest("https://links.example.com/a", "https://elsewhere.com/") {
		t.Error("navigation from app-link host was allowed")
	}
	if len(*evaluated) != 1 {
		t.Fatalf("applicationurl emissions = %d, want 1", len(*evaluated))
	}
}

func TestGlobToRegexp(t *testing.T) {
	got := globToRegexp("https://api.example.com/*")
	want := `https:\/\/api\.example\.com\/(.*)`
	if got != want {
		t.Errorf("globToRegexp = %q, want %q", got, want)
	}
}
