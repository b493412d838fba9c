package core

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
)

// SchemeRequest is one web-view request handed to a scheme handler.
type SchemeRequest struct {
	Method   string
	Scheme   string
	Hostname string
	Pathname string
	Query    string
	Fragment string
	Headers  Headers
	Body     []byte

	// Client identifies the originating web-view client, when known.
	Client uint64

	cancelled atomic.Bool
	finished  atomic.Bool
}

// ParseSchemeRequest builds a request from a raw URL. Opaque forms
// ("socket:module") parse with an empty hostname.
func ParseSchemeRequest(method, rawURL string, headers Headers, body []byte) (*SchemeRequest, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w: %w", rawURL, ErrBadRequest, err)
	}

	req := &SchemeRequest{
		Method:   method,
		Scheme:   parsed.Scheme,
		Headers:  headers,
		Body:     body,
		Query:    parsed.RawQuery,
		Fragment: parsed.Fragment,
	}
	if parsed.Opaque != "" {
		req.Pathname = parsed.Opaque
	} else {
		req.Hostname = parsed.Host
		req.Pathname = parsed.Path
	}
	if req.Method == "" {
		req.Method = "GET"
	}
	return req, nil
}

// URL reconstructs the request URL.
func (r *SchemeRequest) URL() string {
	var b strings.Builder
	b.WriteString(r.Scheme)
	b.WriteString(":")
	if r.Hostname != "" {
		b.WriteString("//")
		b.WriteString(r.Hostname)
	}
	b.WriteString(r.Pathname)
	if r.Query != "" {
		b.WriteString("?")
		b.WriteString(r.Query)
	}
	if r.Fragment != "" {
		b.WriteString("#")
		b.WriteString(r.Fragment)
	}
	return b.String()
}

// IsActive reports whether the request still wants a response.
func (r *SchemeRequest) IsActive() bool {
	return !r.finished.Load() && !r.cancelled.Load()
}

// IsCancelled reports whether the peer aborted the request.
func (r *SchemeRequest) IsCancelled() bool {
	return r.cancelled.Load()
}

// Cancel marks the request aborted by its peer.
func (r *SchemeRequest) Cancel() {
	r.cancelled.Store(true)
}

// finish marks the request answered.
func (r *SchemeRequest) finish() {
	r.finished.Store(true)
}

// SchemeResponse is the synthetic HTTP response a handler produces.
type SchemeResponse struct {
	Request    *SchemeRequest
	StatusCode int
	Headers    Headers

	body []byte
}

// NewSchemeResponse starts a response with the given status.
func NewSchemeResponse(request *SchemeRequest, status int) *SchemeResponse {
	return &SchemeResponse{Request: request, StatusCode: status}
}

// WriteHead sets the status code.
func (r *SchemeResponse) WriteHead(status int) {
	r.StatusCode = status
}

// SetHeader sets one header.
func (r *SchemeResponse) SetHeader(name, value string) {
	r.Headers.Set(name, value)
}

// SetHeaders merges headers in order.
func (r *SchemeResponse) SetHeaders(headers Headers) {
	for _, entry := range headers.Entries() {
		r.Headers.Set(entry.Name, entry.Value)
	}
}

// Write appends bytes to the body.
func (r *SchemeResponse) Write(data []byte) {
	r.body = append(r.body, data...)
}

// WriteString appends a string to the body.
func (r *SchemeResponse) WriteString(data string) {
	r.body = append(r.body, data...)
}

// Body returns the accumulated body.
func (r *SchemeResponse) Body() []byte {
	return r.body
}

// Redirect turns the response into a 302 to location.
func (r *SchemeResponse) Redirect(location string) {
	r.StatusCode = 302
	r.Headers.Set("location", location)
}

// Fail replaces the body with the error document. The status becomes 500
// when it was unset, 200 or 404; any other status is kept.
func (r *SchemeResponse) Fail(message string) {
	if r.StatusCode == 0 || r.StatusCode == 200 || r.StatusCode == 404 {
		r.StatusCode = 500
	}
	r.Headers.Set("content-type", "application/json")
	r.body = []byte(errorJSON(fmt.Errorf("%s: %w", message, ErrInternal)))
}

// setCORSHeaders applies the permissive header block IPC and OPTIONS
// responses carry.
func (r *SchemeResponse) setCORSHeaders(methods string) {
	r.Headers.Set("access-control-allow-origin", "*")
	r.Headers.Set("access-control-allow-methods", methods)
	r.Headers.Set("access-control-allow-headers", "*")
	r.Headers.Set("access-control-allow-credentials", "true")
}

// SchemeRequestCallbacks lets a handler register teardown hooks for the
// request's lifetime.
type SchemeRequestCallbacks struct {
	// Cancel runs when the web view abandons the request.
	Cancel func()
}

// SchemeResponseCallback delivers the finished response to the web view.
type SchemeResponseCallback func(*SchemeResponse)

// SchemeHandlerFunc services requests for one URL scheme.
type SchemeHandlerFunc func(
	request *SchemeRequest,
	bridge *Bridge,
	callbacks *SchemeRequestCallbacks,
	callback SchemeResponseCallback,
)

// SchemeHandlers dispatches web-view requests to per-scheme handlers.
type SchemeHandlers struct {
	bridge *Bridge

	mu       sync.Mutex
	handlers map[string]SchemeHandlerFunc
}

func newSchemeHandlers(bridge *Bridge) *SchemeHandlers {
	return &SchemeHandlers{
		bridge:   bridge,
		handlers: make(map[string]SchemeHandlerFunc),
	}
}

// RegisterSchemeHandler installs handler for scheme, replacing any previous
// registration.
func (s *SchemeHandlers) RegisterSchemeHandler(scheme string, handler SchemeHandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[strings.ToLower(scheme)] = handler
}

// HasHandler reports whether scheme is registered.
func (s *SchemeHandlers) HasHandler(scheme string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handlers[strings.ToLower(scheme)]
	return ok
}

// HandleRequest routes request to its scheme handler. It reports whether a
// handler exists; done receives the response exactly once, possibly after
// HandleRequest returns.
func (s *SchemeHandlers) HandleRequest(request *SchemeRequest, done SchemeResponseCallback) bool {
	s.mu.Lock()
	handler, ok := s.handlers[strings.ToLower(request.Scheme)]
	s.mu.Unlock()
	if !ok {
		return false
	}

	var once sync.Once
	callbacks := &SchemeRequestCallbacks{}
	handler(request, s.bridge, callbacks, func(response *SchemeResponse) {
		once.Do(func() {
			request.finish()
			if done != nil {
				done(response)
			}
		})
	})
	return true
}
