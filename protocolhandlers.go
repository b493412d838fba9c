package core

import (
	"strings"
	"sync"
)

// ProtocolHandlerData is the configuration value a custom protocol handler
// was registered with, plus the service-worker scope serving it.
type ProtocolHandlerData struct {
	Scheme string
	Data   string
	Scope  string
}

// ProtocolHandlers is the registry of custom URL schemes the application
// declared. Each scheme maps to a service worker that answers its requests.
type ProtocolHandlers struct {
	mu       sync.Mutex
	handlers map[string]ProtocolHandlerData
}

func newProtocolHandlers() *ProtocolHandlers {
	return &ProtocolHandlers{handlers: make(map[string]ProtocolHandlerData)}
}

// RegisterHandler registers scheme with optional configuration data. It
// returns false when the scheme was already registered.
func (p *ProtocolHandlers) RegisterHandler(scheme, data string) bool {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handlers[scheme]; ok {
		return false
	}
	p.handlers[scheme] = ProtocolHandlerData{Scheme: scheme, Data: data}
	return true
}

// HasHandler reports whether scheme is registered.
func (p *ProtocolHandlers) HasHandler(scheme string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.handlers[strings.ToLower(scheme)]
	return ok
}

// SetServiceWorkerScope records the scope of the worker serving scheme.
func (p *ProtocolHandlers) SetServiceWorkerScope(scheme, scope string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.handlers[strings.ToLower(scheme)]; ok {
		entry.Scope = scope
		p.handlers[strings.ToLower(scheme)] = entry
	}
}

// GetServiceWorkerScope returns the scope serving scheme, or "".
func (p *ProtocolHandlers) GetServiceWorkerScope(scheme string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers[strings.ToLower(scheme)].Scope
}

// Schemes returns the registered scheme names.
func (p *ProtocolHandlers) Schemes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.handlers))
	for scheme := range p.handlers {
		out = append(out, scheme)
	}
	return out
}
