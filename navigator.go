package core

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ResolutionType classifies what a location resolution found.
type ResolutionType int

const (
	ResolutionUnknown ResolutionType = iota
	ResolutionResource
	ResolutionMount
)

// Resolution is the outcome of resolving a request pathname against a
// directory: the pathname to serve, whether the client should be redirected
// to a trailing-slash URL first, and for mount hits the host filename.
type Resolution struct {
	Pathname      string
	Redirect      bool
	Type          ResolutionType
	MountFilename string
}

// IsUnknown reports whether nothing resolved.
func (r Resolution) IsUnknown() bool { return r.Type == ResolutionUnknown }

// IsResource reports whether the resolution is under the application
// resources directory.
func (r Resolution) IsResource() bool { return r.Type == ResolutionResource }

// IsMount reports whether the resolution landed in a configured mount root.
func (r Resolution) IsMount() bool { return r.Type == ResolutionMount }

func isRegularFile(name string) bool {
	info, err := os.Stat(name)
	return err == nil && info.Mode().IsRegular()
}

// resolveLocationPathname applies the location rules in order:
//
//  1. dirname/pathname is a regular file — serve it.
//  2. dirname/pathname/index.html exists — serve it directly when the input
//     ended in a slash, otherwise redirect to the slashed URL.
//  3. dirname/pathname + ".html" is a regular file — serve it.
//  4. otherwise unknown.
//
// Direct file navigation always wins; /foo/index.html has precedence over
// foo.html; /foo redirects to /foo/ when /foo/index.html exists.
func resolveLocationPathname(pathname, dirname string) Resolution {
	trimmed := strings.TrimPrefix(pathname, "/")
	filename := filepath.Join(dirname, filepath.FromSlash(trimmed))

	relative := func(target string) string {
		rel, err := filepath.Rel(dirname, target)
		if err != nil {
			rel = trimmed
		}
		return "/" + filepath.ToSlash(rel)
	}

	if isRegularFile(filename) {
		return Resolution{Pathname: relative(filename), Type: ResolutionResource}
	}

	index := filepath.Join(filename, "index.html")
	if isRegularFile(index) {
		if strings.HasSuffix(pathname, "/") {
			return Resolution{Pathname: relative(index), Type: ResolutionResource}
		}
		return Resolution{Pathname: relative(filename) + "/", Redirect: true, Type: ResolutionResource}
	}

	html := filename + ".html"
	if isRegularFile(html) {
		return Resolution{Pathname: relative(html), Type: ResolutionResource}
	}

	return Resolution{}
}

// Location resolves request pathnames against the application resources
// directory and the user-configured mount roots.
type Location struct {
	bridge *Bridge

	// mounts maps a host directory to the virtual URL prefix it serves.
	mounts map[string]string
}

// Init builds the mount table from webview_navigator_mounts_* config keys,
// expanding ~, $HOST_HOME, $HOST_CONTAINER and
// $HOST_PROCESS_WORKING_DIRECTORY, and filtering platform-qualified keys.
func (l *Location) Init() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = Getcwd()
	}

	mappings := [][2]string{
		{"$HOST_HOME", home},
		{"~", home},
		{"$HOST_CONTAINER", Getcwd()},
		{"$HOST_PROCESS_WORKING_DIRECTORY", Getcwd()},
	}

	l.mounts = make(map[string]string)
	for key, value := range l.bridge.userConfig {
		if !strings.HasPrefix(key, ConfigWebviewNavigatorMountsPrefix) {
			continue
		}
		mount := strings.TrimPrefix(key, ConfigWebviewNavigatorMountsPrefix)
		mount, applies := stripPlatformPrefix(mount)
		if !applies {
			continue
		}
		for _, mapping := range mappings {
			mount = strings.ReplaceAll(mount, mapping[0], mapping[1])
		}
		l.mounts[mount] = value
	}
}

// Resolve tries each mount whose virtual prefix matches pathname, then
// falls back to the application resources directory.
func (l *Location) Resolve(pathname, dirname string) Resolution {
	for host, prefix := range l.mounts {
		if !strings.HasPrefix(pathname, prefix) {
			continue
		}
		relative := strings.TrimPrefix(pathname, prefix)
		resolution := resolveLocationPathname(relative, host)
		if resolution.Pathname != "" {
			resolution.Type = ResolutionMount
			resolution.MountFilename = filepath.Join(host, strings.TrimPrefix(resolution.Pathname, "/"))
			return resolution
		}
	}
	return resolveLocationPathname(pathname, dirname)
}

// Navigator decides whether the web view may navigate to a requested URL
// and surfaces application-protocol URLs to the application instead.
type Navigator struct {
	bridge   *Bridge
	Location Location

	// DevHost is the development server origin, allowed unconditionally
	// while iterating locally.
	DevHost string
}

func newNavigator(bridge *Bridge) *Navigator {
	return &Navigator{
		bridge:   bridge,
		Location: Location{bridge: bridge},
	}
}

// Init prepares the location mount table.
func (n *Navigator) Init() {
	n.Location.Init()
}

// HandleNavigationRequest decides a navigation. Application links and
// application-protocol URLs are surfaced as an "applicationurl" event and
// refused; everything else consults the allow-list.
func (n *Navigator) HandleNavigationRequest(currentURL, requestedURL string) bool {
	config := n.bridge.userConfig

	applicationURL := func() bool {
		doc, _ := json.Marshal(map[string]string{"url": requestedURL})
		n.bridge.Emit("applicationurl", string(doc))
		return false
	}

	if links := splitFields(config.Get(ConfigMetaApplicationLinks), " "); len(links) > 0 {
		if host := urlAuthority(currentURL); host != "" {
			for _, link := range links {
				linkHost, _, _ := strings.Cut(link, "?")
				if host == linkHost {
					return applicationURL()
				}
			}
		}
	}

	protocol := config.Get(ConfigMetaApplicationProtocol)
	if protocol != "" &&
		strings.HasPrefix(requestedURL, protocol) &&
		!strings.HasPrefix(requestedURL, "socket://"+config.Get(ConfigMetaBundleIdentifier)) {
		return applicationURL()
	}

	return n.IsNavigationRequestAllowed(currentURL, requestedURL)
}

// IsNavigationRequestAllowed reports whether requestedURL passes the
// allow-list: any configured protocol-handler scheme, any glob in
// webview_navigator_policies_allowed, or the socket:/npm:/dev-host origins.
func (n *Navigator) IsNavigationRequestAllowed(currentURL, requestedURL string) bool {
	config := n.bridge.userConfig

	for _, entry := range splitFields(config.Get(ConfigWebviewProtocolHandlers), " ") {
		scheme := strings.ReplaceAll(entry, ":", "")
		if strings.HasPrefix(requestedURL, scheme+":") {
			return true
		}
	}
	for key := range config {
		if !strings.HasPrefix(key, ConfigWebviewProtocolHandlersPrefix) {
			continue
		}
		scheme := strings.ReplaceAll(strings.TrimPrefix(key, ConfigWebviewProtocolHandlersPrefix), ":", "")
		if strings.HasPrefix(requestedURL, scheme+":") {
			return true
		}
	}

	allowed := splitFields(strings.TrimSpace(config.Get(ConfigWebviewNavigatorPoliciesAllowed)), " ")
	for _, entry := range allowed {
		pattern := globToRegexp(entry)
		matched, err := regexp.MatchString("^"+pattern+"$", requestedURL)
		if err == nil && matched {
			return true
		}
	}

	if strings.HasPrefix(requestedURL, "socket:") ||
		strings.HasPrefix(requestedURL, "npm:") ||
		(n.DevHost != "" && strings.HasPrefix(requestedURL, n.DevHost)) {
		return true
	}

	return false
}

// globToRegexp translates an allow-list glob into a regular expression:
// "." and "/" are escaped, "*" becomes "(.*)".
func globToRegexp(pattern string) string {
	pattern = strings.ReplaceAll(pattern, ".", `\.`)
	pattern = strings.ReplaceAll(pattern, "/", `\/`)
	pattern = strings.ReplaceAll(pattern, "*", "(.*)")
	return pattern
}

// urlAuthority extracts the host[:port] component of rawURL, or "".
func urlAuthority(rawURL string) string {
	rest, ok := strings.CutPrefix(rawURL, "https://")
	if !ok {
		rest, ok = strings.CutPrefix(rawURL, "http://")
	}
	if !ok {
		if i := strings.Index(rawURL, "://"); i >= 0 {
			rest = rawURL[i+3:]
		} else {
			return ""
		}
	}
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case '/', '?', '#':
			return rest[:i]
		}
	}
	return rest
}
