package core

import (
	"sync"
	"sync/atomic"
)

// serviceWorkerFetchTimeoutMs is how long a service-worker fetch may run
// before the scheme layer answers 408 on its behalf.
const serviceWorkerFetchTimeoutMs = 32_000

// Service-worker registration states.
const (
	ServiceWorkerRegistered int32 = iota
	ServiceWorkerInstalling
	ServiceWorkerActivated
)

// ServiceWorkerRegistrationOptions describes one registration.
type ServiceWorkerRegistrationOptions struct {
	Type      string // "classic" or "module"
	Scope     string
	ScriptURL string
	Scheme    string
	ID        uint64
}

// ServiceWorkerRegistration is one registered worker script.
type ServiceWorkerRegistration struct {
	ID      uint64
	Options ServiceWorkerRegistrationOptions

	state atomic.Int32
}

// State returns the registration's lifecycle state.
func (r *ServiceWorkerRegistration) State() int32 {
	return r.state.Load()
}

// SetState advances the registration's lifecycle state. The render process
// reports transitions through the IPC router.
func (r *ServiceWorkerRegistration) SetState(state int32) {
	r.state.Store(state)
}

// ScriptURL returns the registered script URL.
func (r *ServiceWorkerRegistration) ScriptURL() string {
	return r.Options.ScriptURL
}

// ServiceWorkerFetch is a request forwarded to a service worker.
type ServiceWorkerFetch struct {
	Method   string
	Scheme   string
	Hostname string
	Pathname string
	Query    string
	Headers  Headers
	Body     []byte

	// Client carries the originating web-view client id and its preload so
	// the worker can be bootstrapped on demand.
	ClientID uint64
	Preload  string
}

// ServiceWorkerResponse is a service worker's answer. A zero StatusCode
// means the fetch failed.
type ServiceWorkerResponse struct {
	StatusCode int
	Headers    Headers
	Body       []byte
}

// ServiceWorkerFetchHandler forwards a fetch into the render process's
// worker and eventually delivers the response. It reports whether the fetch
// was dispatched.
type ServiceWorkerFetchHandler func(fetch ServiceWorkerFetch, respond func(ServiceWorkerResponse)) bool

// ServiceWorkerContainer tracks registrations and forwards fetches to the
// render-process workers. The actual worker execution lives on the other
// side of the conduit; the container only owns registration state and the
// dispatch contract.
type ServiceWorkerContainer struct {
	core *Core

	mu            sync.Mutex
	registrations map[string]*ServiceWorkerRegistration // by scope

	fetchHandler atomic.Pointer[ServiceWorkerFetchHandler]
}

func newServiceWorkerContainer(c *Core) *ServiceWorkerContainer {
	return &ServiceWorkerContainer{
		core:          c,
		registrations: make(map[string]*ServiceWorkerRegistration),
	}
}

// SetFetchHandler installs the dispatch path into the render process.
func (s *ServiceWorkerContainer) SetFetchHandler(handler ServiceWorkerFetchHandler) {
	s.fetchHandler.Store(&handler)
}

// RegisterServiceWorker adds (or replaces) the registration for its scope.
func (s *ServiceWorkerContainer) RegisterServiceWorker(options ServiceWorkerRegistrationOptions) *ServiceWorkerRegistration {
	if options.ID == 0 {
		options.ID = rand64()
	}
	registration := &ServiceWorkerRegistration{ID: options.ID, Options: options}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.registrations[options.Scope] = registration
	return registration
}

// UnregisterServiceWorker removes the registration for scope.
func (s *ServiceWorkerContainer) UnregisterServiceWorker(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.registrations, scope)
}

// RegistrationCount returns the number of live registrations.
func (s *ServiceWorkerContainer) RegistrationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.registrations)
}

// Registrations returns a snapshot of the registrations by scope.
func (s *ServiceWorkerContainer) Registrations() map[string]*ServiceWorkerRegistration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*ServiceWorkerRegistration, len(s.registrations))
	for scope, registration := range s.registrations {
		out[scope] = registration
	}
	return out
}

// FindByScriptURL returns the scope and registration serving scriptURL, or
// "" and nil.
func (s *ServiceWorkerContainer) FindByScriptURL(scriptURL string) (string, *ServiceWorkerRegistration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for scope, registration := range s.registrations {
		if registration.Options.ScriptURL == scriptURL {
			return scope, registration
		}
	}
	return "", nil
}

// Fetch forwards the request to the render-process worker. It reports
// whether the fetch was dispatched; respond fires later with the worker's
// answer.
func (s *ServiceWorkerContainer) Fetch(fetch ServiceWorkerFetch, respond func(ServiceWorkerResponse)) bool {
	if s.RegistrationCount() == 0 {
		return false
	}
	handler := s.fetchHandler.Load()
	if handler == nil || *handler == nil {
		return false
	}
	return (*handler)(fetch, respond)
}
