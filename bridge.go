package core

import (
	"mime"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// moduleTemplate is the proxy stub served for socket:<module> and
// node:<module> imports so the module of concern is imported exactly once
// at its canonical URL.
const moduleTemplate = "import module from '{{url}}'\n" +
	"export * from '{{url}}'\n" +
	"export default module"

// allowedNodeCoreModules is the fixed set of node: specifiers the node
// scheme proxies.
var allowedNodeCoreModules = []string{
	"async_hooks",
	"assert",
	"buffer",
	"console",
	"constants",
	"child_process",
	"crypto",
	"dgram",
	"dns",
	"dns/promises",
	"events",
	"fs",
	"fs/constants",
	"fs/promises",
	"http",
	"https",
	"ip",
	"module",
	"net",
	"os",
	"os/constants",
	"path",
	"path/posix",
	"path/win32",
	"perf_hooks",
	"process",
	"querystring",
	"stream",
	"stream/web",
	"string_decoder",
	"sys",
	"test",
	"timers",
	"timers/promises",
	"tty",
	"url",
	"util",
	"vm",
	"worker_threads",
}

// Bridge wires one web view to the Core: it routes IPC, resolves scheme
// requests, polices navigation, and evaluates scripts in the render
// process.
type Bridge struct {
	core       *Core
	ID         uint64
	userConfig Config

	Router         *Router
	Navigator      *Navigator
	SchemeHandlers *SchemeHandlers

	// Preload overrides the generated bootstrap snippet injected into HTML
	// documents. Empty means generate per request.
	Preload string

	// ResourcesPath is the static application resources directory.
	ResourcesPath string

	// EvaluateJavaScriptFunction evaluates a script in the render process.
	// The platform web-view glue installs it.
	EvaluateJavaScriptFunction func(source string)

	// NavigateFunction points the web view at a URL.
	NavigateFunction func(url string)

	// DispatchFunction runs work on the web view's thread. When nil the
	// Core's event loop is used.
	DispatchFunction func(fn func())

	watcher *ResourcesWatcher
}

// NewBridge constructs a bridge for one web view.
func NewBridge(c *Core, userConfig Config) *Bridge {
	b := &Bridge{
		core:          c,
		ID:            rand64(),
		userConfig:    userConfig,
		ResourcesPath: Getcwd(),
	}
	b.Router = newRouter(b)
	b.Navigator = newNavigator(b)
	b.SchemeHandlers = newSchemeHandlers(b)
	return b
}

// Core returns the owning Core.
func (b *Bridge) Core() *Core {
	return b.core
}

// UserConfig returns the bridge's configuration map.
func (b *Bridge) UserConfig() Config {
	return b.userConfig
}

// Init prepares the navigator, registers the built-in scheme handlers,
// wires the conduit into the router, and starts the developer-resources
// watcher when configured.
func (b *Bridge) Init() {
	b.Navigator.Init()
	b.configureSchemeHandlers()
	b.core.Conduit.SetMessageHandler(b.handleConduitMessage)
	b.initDeveloperResourcesWatcher()
}

// Teardown releases bridge resources that outlive individual requests.
func (b *Bridge) Teardown() {
	b.stopDeveloperResourcesWatcher()
}

// handleConduitMessage routes a conduit message carrying a "route" option
// through the IPC router and emits the result back to the same client.
func (b *Bridge) handleConduitMessage(client *ConduitClient, message EncodedMessage) {
	route := message.Pluck("route")
	if route == "" {
		return
	}

	msg := Message{URI: "ipc://" + route, Name: route, Args: message.Options}
	invoked := b.Router.Invoke(msg, message.Payload, func(result Result) {
		options := map[string]string{
			"route": route,
			"seq":   result.Seq,
		}
		var payload []byte
		if result.Post.Body != nil {
			length := result.Post.Length
			if length <= 0 || length > len(result.Post.Body) {
				length = len(result.Post.Body)
			}
			payload = result.Post.Body[:length]
		} else {
			payload = []byte(result.JSON())
		}
		client.Emit(options, payload, opcodeBinary, nil)
	})

	if !invoked {
		result := Result{Seq: msg.Seq(), Source: route, Err: errorValueJSON(ErrNotFound)}
		client.Emit(map[string]string{"route": route, "seq": result.Seq}, []byte(result.JSON()), opcodeBinary, nil)
	}
}

// EvaluateJavaScript runs source in the render process. It returns false
// after shutdown or before the web-view glue installed the evaluator.
func (b *Bridge) EvaluateJavaScript(source string) bool {
	if b.core.IsShuttingDown() {
		return false
	}
	if b.EvaluateJavaScriptFunction == nil {
		return false
	}
	b.EvaluateJavaScriptFunction(source)
	return true
}

// Dispatch runs fn on the web view's thread, falling back to the event
// loop.
func (b *Bridge) Dispatch(fn func()) bool {
	if b.core.IsShuttingDown() {
		return false
	}
	if b.DispatchFunction != nil {
		b.DispatchFunction(fn)
		return true
	}
	return b.core.DispatchEventLoop(fn)
}

// Navigate points the web view at url.
func (b *Bridge) Navigate(url string) bool {
	if b.core.IsShuttingDown() {
		return false
	}
	if b.NavigateFunction == nil {
		return false
	}
	b.NavigateFunction(url)
	return true
}

// Route parses uri and invokes its IPC handler.
func (b *Bridge) Route(uri string, body []byte, callback RouterResultCallback) bool {
	return b.Router.InvokeURI(uri, body, callback)
}

// Send resolves an IPC sequence in the render process. Results carrying a
// body (or with no sequence to resolve) go through the queued-response
// cache; plain data resolves directly.
func (b *Bridge) Send(seq, data string, post QueuedResponse) bool {
	if b.core.IsShuttingDown() {
		return false
	}

	if post.Body != nil || seq == "-1" {
		script := b.core.CreateQueuedResponse(seq, data, post)
		return b.EvaluateJavaScript(script)
	}

	if seq == "" {
		seq = "-1"
	}
	value := encodeURIComponent(data)
	return b.EvaluateJavaScript(getResolveToRenderProcessJavaScript(seq, "0", value))
}

// Emit dispatches a named event with data into the render process.
func (b *Bridge) Emit(name, data string) bool {
	if b.core.IsShuttingDown() {
		return false
	}
	value := encodeURIComponent(data)
	return b.EvaluateJavaScript(getEmitToRenderProcessJavaScript(name, value))
}

// AllowedNodeCoreModules returns the node: proxy allow-list.
func (b *Bridge) AllowedNodeCoreModules() []string {
	return allowedNodeCoreModules
}

// preloadFor returns the bootstrap script to inject for a request.
func (b *Bridge) preloadFor(request *SchemeRequest) string {
	if b.Preload != "" {
		return b.Preload
	}
	return getPreloadJavaScript(b.userConfig, b.core.Conduit.Port(), request.Client)
}

// configureSchemeHandlers registers the ipc, socket and node handlers plus
// every protocol handler the configuration declares.
func (b *Bridge) configureSchemeHandlers() {
	b.SchemeHandlers.RegisterSchemeHandler("ipc", b.handleIPCScheme)
	b.SchemeHandlers.RegisterSchemeHandler("socket", b.handleSocketScheme)
	b.SchemeHandlers.RegisterSchemeHandler("node", b.handleNodeScheme)
	b.configureProtocolHandlers()
}

// handleIPCScheme services ipc://<command>?… requests, including the
// special ipc://post?id=<id> queued-response fetch.
func (b *Bridge) handleIPCScheme(
	request *SchemeRequest,
	_ *Bridge,
	callbacks *SchemeRequestCallbacks,
	callback SchemeResponseCallback,
) {
	message, err := ParseMessage(request.URL())
	if err != nil {
		response := NewSchemeResponse(request, 400)
		response.SetHeader("content-type", "application/json")
		response.WriteString(errorJSON(err))
		callback(response)
		return
	}

	if message.Name == "post" {
		b.handleQueuedResponseFetch(request, &message, callback)
		return
	}

	message.IsHTTP = true
	message.Cancel = &MessageCancellation{}
	callbacks.Cancel = func() {
		if message.Cancel.Handler != nil {
			message.Cancel.Handler(message.Cancel.Data)
		}
	}

	invoked := b.Router.Invoke(message, request.Body, func(result Result) {
		if !request.IsActive() {
			return
		}

		response := NewSchemeResponse(request, 200)
		response.SetHeaders(result.Headers)
		response.setCORSHeaders("GET, POST, PUT, DELETE")

		// event-source streams
		if result.Post.EventStream != nil {
			response.SetHeader("content-type", "text/event-stream")
			response.SetHeader("cache-control", "no-store")
			*result.Post.EventStream = func(name, data string, finished bool) bool {
				if request.IsCancelled() {
					if message.Cancel.Handler != nil {
						message.Cancel.Handler(message.Cancel.Data)
					}
					return false
				}
				response.WriteHead(200)
				if name != "" {
					response.WriteString("event: " + name + "\n")
				}
				if data != "" {
					response.WriteString("data: " + data + "\n")
				}
				if name != "" || data != "" {
					response.WriteString("\n")
				}
				if finished {
					callback(response)
				}
				return true
			}
			return
		}

		// chunk streams
		if result.Post.ChunkStream != nil {
			response.SetHeader("transfer-encoding", "chunked")
			*result.Post.ChunkStream = func(chunk []byte, finished bool) bool {
				if request.IsCancelled() {
					if message.Cancel.Handler != nil {
						message.Cancel.Handler(message.Cancel.Data)
					}
					return false
				}
				response.WriteHead(200)
				response.Write(chunk)
				if finished {
					callback(response)
				}
				return true
			}
			return
		}

		if result.Post.Body != nil {
			response.Write(result.Post.Body[:result.Post.Length])
		} else {
			response.SetHeader("content-type", "application/json")
			response.WriteString(result.JSON())
		}
		callback(response)
	})

	if !invoked {
		response := NewSchemeResponse(request, 404)
		response.SetHeader("content-type", "application/json")
		response.WriteString(`{"err":{"message":"Not found","type":"NotFoundError","url":` +
			quoteJSONString(request.URL()) + `}}`)
		callback(response)
		return
	}

	if message.Get("resolve") == "false" {
		callback(NewSchemeResponse(request, 200))
	}
}

// handleQueuedResponseFetch serves ipc://post?id=<id>: the cached body is
// written with its headers and evicted after delivery.
func (b *Bridge) handleQueuedResponseFetch(
	request *SchemeRequest,
	message *Message,
	callback SchemeResponseCallback,
) {
	id, err := strconv.ParseUint(message.Get("id"), 10, 64)
	if err != nil {
		response := NewSchemeResponse(request, 400)
		response.SetHeader("content-type", "application/json")
		response.WriteString(`{"err":{"message":"Invalid 'id' given in parameters"}}`)
		callback(response)
		return
	}

	qr, ok := b.core.GetQueuedResponse(id)
	if !ok {
		response := NewSchemeResponse(request, 404)
		response.SetHeader("content-type", "application/json")
		response.WriteString(`{"err":{"message":"A 'QueuedResponse' was not found for the given 'id' in parameters","type":"NotFoundError"}}`)
		callback(response)
		return
	}

	response := NewSchemeResponse(request, 200)
	response.SetHeaders(qr.Headers)
	if qr.Body != nil {
		length := qr.Length
		if length <= 0 || length > len(qr.Body) {
			length = len(qr.Body)
		}
		response.Write(qr.Body[:length])
	}
	callback(response)
	b.core.RemoveQueuedResponse(id)
}

// handleSocketScheme serves application resources for
// socket://<bundle-id>/… and module proxy stubs for socket:<module>.
func (b *Bridge) handleSocketScheme(
	request *SchemeRequest,
	_ *Bridge,
	_ *SchemeRequestCallbacks,
	callback SchemeResponseCallback,
) {
	bundleIdentifier := b.userConfig.Get(ConfigMetaBundleIdentifier)
	applicationResources := b.ResourcesPath

	if request.Hostname == bundleIdentifier && bundleIdentifier != "" {
		b.serveApplicationResource(request, applicationResources, callback)
		return
	}

	// module or stdlib import `socket:<module>` proxied to the canonical
	// resource URL
	if request.Hostname == "" {
		pathname := request.Pathname
		if !strings.HasSuffix(pathname, ".js") {
			pathname += ".js"
		}
		if !strings.HasPrefix(pathname, "/") {
			pathname = "/" + pathname
		}

		contentLocation := "/socket" + pathname
		resourcePath := filepath.Join(applicationResources, filepath.FromSlash(contentLocation))

		response := NewSchemeResponse(request, 404)
		if isRegularFile(resourcePath) {
			url := "socket://" + bundleIdentifier + "/socket" + pathname
			module := strings.TrimSpace(strings.ReplaceAll(moduleTemplate, "{{url}}", url))
			if contentType := mimeTypeFor(resourcePath); contentType != "" {
				response.SetHeader("content-type", contentType)
			}
			response.SetHeader("content-length", strconv.Itoa(len(module)))
			response.SetHeader("content-location", contentLocation)
			response.WriteHead(200)
			response.WriteString(module)
		}
		callback(response)
		return
	}

	callback(NewSchemeResponse(request, 404))
}

// serveApplicationResource resolves and serves a request under the
// application resources directory, falling through to the service worker
// when nothing resolves.
func (b *Bridge) serveApplicationResource(
	request *SchemeRequest,
	applicationResources string,
	callback SchemeResponseCallback,
) {
	response := NewSchemeResponse(request, 404)
	resolved := b.Navigator.Location.Resolve(request.Pathname, applicationResources)

	var resourcePath string

	switch {
	case resolved.Redirect:
		if request.Method == "GET" {
			location := resolved.Pathname
			if request.Query != "" {
				location += "?" + request.Query
			}
			if request.Fragment != "" {
				location += "#" + request.Fragment
			}
			response.Redirect(location)
			callback(response)
			return
		}
	case resolved.IsResource():
		resourcePath = filepath.Join(applicationResources, filepath.FromSlash(strings.TrimPrefix(resolved.Pathname, "/")))
	case resolved.IsMount():
		resourcePath = resolved.MountFilename
	case request.Pathname == "" || request.Pathname == "/":
		if index := b.userConfig.Get(ConfigWebviewDefaultIndex); index != "" {
			switch {
			case strings.HasPrefix(index, "./"):
				resourcePath = filepath.Join(applicationResources, index[2:])
			case strings.HasPrefix(index, "/"):
				resourcePath = filepath.Join(applicationResources, index[1:])
			default:
				resourcePath = filepath.Join(applicationResources, index)
			}
		}
	}

	if resourcePath == "" && resolved.Pathname != "" {
		resourcePath = filepath.Join(applicationResources, filepath.FromSlash(strings.TrimPrefix(resolved.Pathname, "/")))
	}

	if resourcePath != "" {
		b.serveFileResource(request, response, resourcePath, applicationResources, callback)
		return
	}

	if b.fetchFromServiceWorker(request, request.Hostname, request.Pathname, callback) {
		return
	}

	response.WriteHead(404)
	callback(response)
}

// serveFileResource answers OPTIONS, HEAD and GET for one file. HTML
// documents get the preload snippet injected; text resources are
// content-encoded per the request's accept-encoding.
func (b *Bridge) serveFileResource(
	request *SchemeRequest,
	response *SchemeResponse,
	resourcePath string,
	applicationResources string,
	callback SchemeResponseCallback,
) {
	contentLocation := strings.TrimPrefix(resourcePath, applicationResources)

	if !isRegularFile(resourcePath) {
		response.WriteHead(404)
		callback(response)
		return
	}

	if contentLocation != "" {
		response.SetHeader("content-location", filepath.ToSlash(contentLocation))
	}

	contentType := mimeTypeFor(resourcePath)

	switch request.Method {
	case "OPTIONS":
		response.setCORSHeaders("GET, HEAD")
		response.WriteHead(200)

	case "HEAD":
		if contentType != "" {
			response.SetHeader("content-type", contentType)
		}
		if info, err := os.Stat(resourcePath); err == nil && info.Size() > 0 {
			response.SetHeader("content-length", strconv.FormatInt(info.Size(), 10))
		}
		response.WriteHead(200)

	case "GET":
		data, err := os.ReadFile(resourcePath)
		if err != nil {
			response.WriteHead(404)
			callback(response)
			return
		}

		if strings.HasPrefix(contentType, "text/html") {
			html := injectHTMLPreload(data, b.preloadFor(request))
			response.SetHeader("content-type", "text/html")
			response.WriteHead(200)
			response.Write(html)
			response.SetHeader("content-length", strconv.Itoa(len(response.Body())))
		} else {
			if contentType != "" {
				response.SetHeader("content-type", contentType)
			}
			response.WriteHead(200)
			response.Write(data)
			maybeEncodeResponse(response, request.Headers.Value("accept-encoding"), contentType)
			response.SetHeader("content-length", strconv.Itoa(len(response.Body())))
		}
	}

	callback(response)
}

// handleNodeScheme proxies node:<module> imports for the fixed allow-list
// of node core module names.
func (b *Bridge) handleNodeScheme(
	request *SchemeRequest,
	_ *Bridge,
	_ *SchemeRequestCallbacks,
	callback SchemeResponseCallback,
) {
	if request.Hostname != "" {
		callback(NewSchemeResponse(request, 404))
		return
	}

	bundleIdentifier := b.userConfig.Get(ConfigMetaBundleIdentifier)
	applicationResources := b.ResourcesPath
	response := NewSchemeResponse(request, 404)

	specifier := strings.TrimPrefix(request.Pathname, "/")
	allowed := false
	for _, name := range allowedNodeCoreModules {
		if name == specifier {
			allowed = true
			break
		}
	}
	if !allowed {
		callback(response)
		return
	}

	pathname := "/" + specifier
	if !strings.HasSuffix(pathname, ".js") {
		pathname += ".js"
	}

	contentLocation := "/socket" + pathname
	resourcePath := filepath.Join(applicationResources, filepath.FromSlash(contentLocation))

	if !isRegularFile(resourcePath) {
		// fall back to <module>/index.js
		pathname = "/" + strings.TrimSuffix(specifier, "/")
		contentLocation = "/socket" + pathname + "/index.js"
		resourcePath = filepath.Join(applicationResources, filepath.FromSlash(contentLocation))
	}

	if isRegularFile(resourcePath) {
		url := "socket://" + bundleIdentifier + "/socket" + pathname
		module := strings.TrimSpace(strings.ReplaceAll(moduleTemplate, "{{url}}", url))
		if contentType := mimeTypeFor(resourcePath); contentType != "" {
			response.SetHeader("content-type", contentType)
		}
		response.SetHeader("content-length", strconv.Itoa(len(module)))
		response.SetHeader("content-location", contentLocation)
		response.WriteHead(200)
		response.WriteString(module)
	}
	callback(response)
}

// configureProtocolHandlers registers configured custom schemes. Only schemes
// whose script URL starts with "." or "/" are wired to a service worker and
// a scheme handler; the others are registered without either. npm is built
// in.
func (b *Bridge) configureProtocolHandlers() {
	handlers := map[string]string{
		"npm": "/socket/npm/service-worker.js",
	}

	for _, entry := range splitFields(b.userConfig.Get(ConfigWebviewProtocolHandlers), " ") {
		scheme := strings.ReplaceAll(entry, ":", "")
		if b.core.ProtocolHandlers.RegisterHandler(scheme, "") {
			handlers[scheme] = ""
		}
	}
	for key, data := range b.userConfig {
		if !strings.HasPrefix(key, ConfigWebviewProtocolHandlersPrefix) {
			continue
		}
		scheme := strings.ReplaceAll(strings.TrimPrefix(key, ConfigWebviewProtocolHandlersPrefix), ":", "")
		if b.core.ProtocolHandlers.RegisterHandler(scheme, data) {
			handlers[scheme] = data
		}
	}

	for scheme, scriptURL := range handlers {
		scriptURL = strings.TrimSpace(scriptURL)
		if scriptURL == "" {
			continue
		}
		if !strings.HasPrefix(scriptURL, ".") && !strings.HasPrefix(scriptURL, "/") {
			continue
		}
		scriptURL = strings.TrimPrefix(scriptURL, ".")

		scope := path.Dir(scriptURL)
		if scope == "" {
			scope = "/"
		}

		fullScriptURL := "socket://" + b.userConfig.Get(ConfigMetaBundleIdentifier) + scriptURL

		b.core.ServiceWorker.RegisterServiceWorker(ServiceWorkerRegistrationOptions{
			Type:      "module",
			Scope:     scope,
			ScriptURL: fullScriptURL,
			Scheme:    scheme,
			ID:        rand64(),
		})
		b.core.ProtocolHandlers.SetServiceWorkerScope(scheme, scope)

		b.SchemeHandlers.RegisterSchemeHandler(scheme, b.handleProtocolScheme)
	}
}

// handleProtocolScheme forwards a custom-scheme request to its service
// worker.
func (b *Bridge) handleProtocolScheme(
	request *SchemeRequest,
	_ *Bridge,
	_ *SchemeRequestCallbacks,
	callback SchemeResponseCallback,
) {
	hostname := request.Hostname
	pathname := request.Pathname

	if request.Scheme == "npm" {
		hostname = b.userConfig.Get(ConfigMetaBundleIdentifier)
	}
	if scope := b.core.ProtocolHandlers.GetServiceWorkerScope(request.Scheme); scope != "" && scope != "/" {
		pathname = scope + pathname
	}

	if b.fetchFromServiceWorker(request, hostname, pathname, callback) {
		return
	}

	callback(NewSchemeResponse(request, 404))
}

// fetchFromServiceWorker forwards the request and arms the 32-second
// timeout that answers 408 when the worker never responds.
func (b *Bridge) fetchFromServiceWorker(
	request *SchemeRequest,
	hostname, pathname string,
	callback SchemeResponseCallback,
) bool {
	fetch := ServiceWorkerFetch{
		Method:   request.Method,
		Scheme:   request.Scheme,
		Hostname: hostname,
		Pathname: pathname,
		Query:    request.Query,
		Headers:  request.Headers,
		Body:     request.Body,
		ClientID: request.Client,
		Preload:  b.preloadFor(request),
	}

	fetched := b.core.ServiceWorker.Fetch(fetch, func(res ServiceWorkerResponse) {
		if !request.IsActive() {
			return
		}
		response := NewSchemeResponse(request, 200)
		if res.StatusCode == 0 {
			response.Fail("ServiceWorker request failed")
		} else {
			response.WriteHead(res.StatusCode)
			response.SetHeaders(res.Headers)
			response.Write(res.Body)
		}
		callback(response)
	})

	if fetched {
		b.core.SetTimeout(serviceWorkerFetchTimeoutMs, func() {
			if request.IsActive() {
				response := NewSchemeResponse(request, 408)
				response.SetHeader("content-type", "application/json")
				response.WriteString(errorJSON(ErrTimeout))
				callback(response)
			}
		})
	}
	return fetched
}

// mimeTypeFor guesses a content type from the file extension.
func mimeTypeFor(filePath string) string {
	ext := strings.ToLower(filepath.Ext(filePath))
	if ext == "" {
		return "application/octet-stream"
	}
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		return "application/octet-stream"
	}
	return contentType
}
