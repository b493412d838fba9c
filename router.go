package core

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// MessageCancellation is the cancel handle an IPC request registers so the
// scheme layer can abort in-flight work when the peer goes away.
type MessageCancellation struct {
	Handler func(data any)
	Data    any
}

// Message is a parsed ipc://<command>?arg=value request.
type Message struct {
	URI    string
	Name   string
	Args   map[string]string
	IsHTTP bool
	Cancel *MessageCancellation
}

// ParseMessage parses an ipc: URI into a Message.
func ParseMessage(uri string) (Message, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return Message{}, fmt.Errorf("parse %q: %w: %w", uri, ErrBadRequest, err)
	}
	if parsed.Scheme != "ipc" {
		return Message{}, fmt.Errorf("scheme %q is not ipc: %w", parsed.Scheme, ErrBadRequest)
	}

	name := parsed.Host
	if name == "" {
		// ipc:command (no authority form)
		name = strings.TrimPrefix(parsed.Opaque, "//")
		if i := strings.IndexByte(name, '?'); i >= 0 {
			name = name[:i]
		}
	}
	if name == "" {
		return Message{}, fmt.Errorf("empty command in %q: %w", uri, ErrBadRequest)
	}

	args := make(map[string]string)
	for key, values := range parsed.Query() {
		if len(values) > 0 {
			args[key] = values[len(values)-1]
		}
	}

	return Message{URI: uri, Name: name, Args: args}, nil
}

// Get returns the named argument, or "" when absent.
func (m *Message) Get(key string) string {
	return m.Args[key]
}

// GetDefault returns the named argument, or fallback when absent.
func (m *Message) GetDefault(key, fallback string) string {
	if value, ok := m.Args[key]; ok {
		return value
	}
	return fallback
}

// Seq returns the request's sequence id ("-1" when the render process did
// not supply one).
func (m *Message) Seq() string {
	return m.GetDefault("seq", "-1")
}

// Result is what a command handler produces: a JSON value or a queued
// response, plus headers for the HTTP-shaped reply.
type Result struct {
	Seq     string
	Source  string
	Data    string // JSON document; mutually exclusive with Err
	Err     string // JSON document describing the failure
	Headers Headers
	Post    QueuedResponse
}

// JSON serializes the result in the {"source":…,"data":…} /
// {"source":…,"err":…} envelope the render process expects.
func (r *Result) JSON() string {
	var b strings.Builder
	b.WriteString(`{"source":`)
	b.WriteString(quoteJSONString(r.Source))
	if r.Err != "" {
		b.WriteString(`,"err":`)
		b.WriteString(r.Err)
	} else {
		b.WriteString(`,"data":`)
		if r.Data == "" {
			b.WriteString("null")
		} else {
			b.WriteString(r.Data)
		}
	}
	b.WriteString("}")
	return b.String()
}

func quoteJSONString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

// RouterResultCallback receives a handler's (possibly asynchronous) result.
type RouterResultCallback func(Result)

// RouterHandler services one IPC command.
type RouterHandler func(message Message, body []byte, reply RouterResultCallback)

// Router maps IPC command names to handlers. Individual commands live in
// the capability modules; the Core only owns the table.
type Router struct {
	bridge *Bridge

	mu    sync.Mutex
	table map[string]RouterHandler
}

func newRouter(bridge *Bridge) *Router {
	return &Router{
		bridge: bridge,
		table:  make(map[string]RouterHandler),
	}
}

// Map registers handler for the command name.
func (r *Router) Map(name string, handler RouterHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[name] = handler
}

// Unmap removes the handler for name.
func (r *Router) Unmap(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.table, name)
}

// Invoke routes message to its handler. It reports whether a handler was
// found; the result arrives through callback, possibly after Invoke
// returns.
func (r *Router) Invoke(message Message, body []byte, callback RouterResultCallback) bool {
	r.mu.Lock()
	handler, ok := r.table[message.Name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	handler(message, body, func(result Result) {
		if result.Seq == "" {
			result.Seq = message.Seq()
		}
		if result.Source == "" {
			result.Source = message.Name
		}
		if callback != nil {
			callback(result)
		}
	})
	return true
}

// InvokeURI parses uri and routes it.
func (r *Router) InvokeURI(uri string, body []byte, callback RouterResultCallback) bool {
	message, err := ParseMessage(uri)
	if err != nil {
		return false
	}
	return r.Invoke(message, body, callback)
}
