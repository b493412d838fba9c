package core

import (
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config is the flat string map of user configuration the runtime is built
// with. Keys follow the section_name convention of the application manifest
// ("webview_watch", "meta_bundle_identifier", ...). The only falsey value is
// the literal string "false"; every other non-empty value is truthy.
type Config map[string]string

// Recognised configuration keys. Unknown keys are carried but never
// consulted by the Core.
const (
	ConfigWebviewWatch                     = "webview_watch"
	ConfigWebviewWatchReload               = "webview_watch_reload"
	ConfigWebviewServiceWorkerMode         = "webview_service_worker_mode"
	ConfigWebviewWatchServiceWorkerTimeout = "webview_watch_service_worker_reload_timeout"
	ConfigWebviewDefaultIndex              = "webview_default_index"
	ConfigWebviewNavigatorPoliciesAllowed  = "webview_navigator_policies_allowed"
	ConfigWebviewNavigatorMountsPrefix     = "webview_navigator_mounts_"
	ConfigWebviewProtocolHandlers          = "webview_protocol-handlers"
	ConfigWebviewProtocolHandlersPrefix    = "webview_protocol-handlers_"
	ConfigPermissionsAllowPrefix           = "permissions_allow_"
	ConfigMetaBundleIdentifier             = "meta_bundle_identifier"
	ConfigMetaApplicationProtocol          = "meta_application_protocol"
	ConfigMetaApplicationLinks             = "meta_application_links"
	ConfigMetaTitle                        = "meta_title"
	ConfigMetaVersion                      = "meta_version"
	ConfigMetaCopyright                    = "meta_copyright"
	ConfigTrayTooltip                      = "tray_tooltip"
)

// Get returns the value for key, or "" when absent.
func (c Config) Get(key string) string {
	return c[key]
}

// Has reports whether key has a non-empty value.
func (c Config) Has(key string) bool {
	return c[key] != ""
}

// Bool reports whether key is truthy. "false" is the only falsey value; an
// absent or empty key is also false.
func (c Config) Bool(key string) bool {
	value := c[key]
	return value != "" && value != "false"
}

// Uint64 parses key as an unsigned integer, returning fallback on absence or
// parse failure.
func (c Config) Uint64(key string, fallback uint64) uint64 {
	value := c[key]
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// Duration parses key as a millisecond count, returning fallback on absence
// or parse failure.
func (c Config) Duration(key string, fallback time.Duration) time.Duration {
	value := c[key]
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}

// PermissionAllowed reports whether the named permission
// ("geolocation", "notifications", ...) is granted. Permissions default to
// allowed; only an explicit "false" denies.
func (c Config) PermissionAllowed(name string) bool {
	return c[ConfigPermissionsAllowPrefix+name] != "false"
}

// stripPlatformPrefix filters a platform-qualified mount key. It returns the
// key with any platform prefix removed and whether the key applies to the
// running platform.
func stripPlatformPrefix(key string) (string, bool) {
	prefixes := map[string]string{
		"android_": "android",
		"ios_":     "ios",
		"linux_":   "linux",
		"mac_":     "darwin",
		"win_":     "windows",
	}
	for prefix, goos := range prefixes {
		if strings.HasPrefix(key, prefix) {
			return strings.TrimPrefix(key, prefix), runtime.GOOS == goos
		}
	}
	return key, true
}
