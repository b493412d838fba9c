package core

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// webSocketGUID is the fixed RFC 6455 handshake GUID.
const webSocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// maxHandshakeBytes bounds the upgrade request a client may send before the
// conduit gives up on it.
const maxHandshakeBytes = 8192

// defaultConduitHighWater is the per-client cap on bytes queued for write
// before Emit starts returning false.
const defaultConduitHighWater = 16 << 20 // 16 MiB

// ConduitMessageHandler receives each decoded binary message from a client.
// It runs on the client's read goroutine.
type ConduitMessageHandler func(client *ConduitClient, message EncodedMessage)

// Conduit is the loopback WebSocket endpoint the render process uses for
// binary message exchange with the Core.
type Conduit struct {
	core      *Core
	highWater int64

	mu       sync.Mutex
	clients  map[uint64]*ConduitClient
	listener net.Listener

	port       atomic.Int32
	isStarting atomic.Bool

	onMessage atomic.Pointer[ConduitMessageHandler]
}

func newConduit(c *Core, highWater int64) *Conduit {
	if highWater <= 0 {
		highWater = defaultConduitHighWater
	}
	return &Conduit{
		core:      c,
		highWater: highWater,
		clients:   make(map[uint64]*ConduitClient),
	}
}

// SetMessageHandler installs the handler invoked for each decoded binary
// message.
func (c *Conduit) SetMessageHandler(handler ConduitMessageHandler) {
	c.onMessage.Store(&handler)
}

// Port returns the bound TCP port, or 0 before Start completes.
func (c *Conduit) Port() int {
	return int(c.port.Load())
}

// IsActive reports whether the conduit is listening.
func (c *Conduit) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener != nil
}

// Has reports whether a client with id is connected.
func (c *Conduit) Has(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.clients[id]
	return ok
}

// Get returns the client with id, or nil.
func (c *Conduit) Get(id uint64) *ConduitClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clients[id]
}

// Clients returns a snapshot of connected clients.
func (c *Conduit) Clients() []*ConduitClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ConduitClient, 0, len(c.clients))
	for _, client := range c.clients {
		out = append(out, client)
	}
	return out
}

// Start binds a TCP socket on an ephemeral 127.0.0.1 port (on the event
// loop) and invokes callback once the port is known. Starting an active
// conduit just reports the existing port.
func (c *Conduit) Start(callback func()) {
	if c.IsActive() || !c.isStarting.CompareAndSwap(false, true) {
		if callback != nil {
			callback()
		}
		return
	}

	dispatched := c.core.DispatchEventLoop(func() {
		defer c.isStarting.Store(false)

		listener, err := net.Listen("tcp4", "127.0.0.1:0")
		if err != nil {
			log.Printf("conduit: listen: %v", err)
			if callback != nil {
				callback()
			}
			return
		}

		c.mu.Lock()
		c.listener = listener
		c.mu.Unlock()
		c.port.Store(int32(listener.Addr().(*net.TCPAddr).Port))

		go c.accept(listener)

		if callback != nil {
			callback()
		}
	})
	if !dispatched {
		c.isStarting.Store(false)
		if callback != nil {
			callback()
		}
	}
}

// Stop closes the listening socket and every client. Safe to call during
// shutdown; everything happens inline.
func (c *Conduit) Stop() {
	c.mu.Lock()
	listener := c.listener
	c.listener = nil
	clients := make([]*ConduitClient, 0, len(c.clients))
	for _, client := range c.clients {
		clients = append(clients, client)
	}
	c.clients = make(map[uint64]*ConduitClient)
	c.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	c.port.Store(0)

	for _, client := range clients {
		client.teardown(closeStatusNormal)
	}
}

func (c *Conduit) accept(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		client := &ConduitClient{
			ID:      rand64(),
			conduit: c,
			conn:    conn,
		}
		c.mu.Lock()
		c.clients[client.ID] = client
		c.mu.Unlock()
		go client.readLoop()
	}
}

func (c *Conduit) remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, id)
}

// ConduitClient is one accepted render-process connection.
type ConduitClient struct {
	ID       uint64
	ClientID uint64 // negotiated at handshake via the ?id= query parameter

	conduit *Conduit
	conn    net.Conn

	handshakeDone atomic.Bool
	closing       atomic.Bool
	closed        atomic.Bool

	queued atomic.Int64 // bytes in flight toward the socket

	// read state, touched only by the read goroutine
	readBuffer  []byte
	frameBuffer []byte // partial-frame assembly
	fragOpcode  byte
	fragBuffer  []byte
}

// IsHandshakeDone reports whether the RFC 6455 upgrade completed.
func (cl *ConduitClient) IsHandshakeDone() bool { return cl.handshakeDone.Load() }

// IsClosing reports whether Close has started.
func (cl *ConduitClient) IsClosing() bool { return cl.closing.Load() }

// IsClosed reports whether the socket is gone.
func (cl *ConduitClient) IsClosed() bool { return cl.closed.Load() }

func (cl *ConduitClient) readLoop() {
	buf := make([]byte, 16*1024)
	for {
		n, err := cl.conn.Read(buf)
		if n > 0 {
			if ferr := cl.feed(buf[:n]); ferr != nil {
				cl.protocolError(ferr)
				return
			}
		}
		if err != nil {
			cl.teardown(closeStatusNormal)
			return
		}
	}
}

// feed consumes freshly read bytes: the HTTP upgrade first, frames after.
func (cl *ConduitClient) feed(data []byte) error {
	if !cl.handshakeDone.Load() {
		cl.readBuffer = append(cl.readBuffer, data...)
		end := bytes.Index(cl.readBuffer, []byte("\r\n\r\n"))
		if end < 0 {
			if len(cl.readBuffer) > maxHandshakeBytes {
				return fmt.Errorf("handshake larger than %d bytes: %w", maxHandshakeBytes, ErrProtocolViolation)
			}
			return nil
		}
		head := cl.readBuffer[:end+4]
		rest := cl.readBuffer[end+4:]
		if err := cl.handshake(head); err != nil {
			return err
		}
		cl.readBuffer = nil
		if len(rest) == 0 {
			return nil
		}
		data = rest
	}

	cl.frameBuffer = append(cl.frameBuffer, data...)
	return cl.processFrames()
}

// handshake parses the upgrade request, computes the accept key, and writes
// the 101 response.
func (cl *ConduitClient) handshake(head []byte) error {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		return fmt.Errorf("handshake parse: %w: %w", ErrProtocolViolation, err)
	}
	if !headerHasToken(req.Header, "Connection", "upgrade") || !headerHasToken(req.Header, "Upgrade", "websocket") {
		return fmt.Errorf("missing upgrade headers: %w", ErrProtocolViolation)
	}
	key := strings.TrimSpace(req.Header.Get("Sec-WebSocket-Key"))
	if key == "" {
		return fmt.Errorf("missing Sec-WebSocket-Key: %w", ErrProtocolViolation)
	}

	if raw := req.URL.Query().Get("id"); raw != "" {
		if id, perr := strconv.ParseUint(raw, 10, 64); perr == nil {
			cl.ClientID = id
		}
	}

	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + computeAcceptKey(key) + "\r\n" +
		"\r\n"
	if _, err := cl.conn.Write([]byte(response)); err != nil {
		return fmt.Errorf("handshake write: %w", err)
	}

	cl.handshakeDone.Store(true)
	return nil
}

// computeAcceptKey derives the Sec-WebSocket-Accept value for a client key.
func computeAcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + webSocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, value := range h.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// processFrames drains complete frames out of the assembly buffer.
func (cl *ConduitClient) processFrames() error {
	for {
		frame, n, err := decodeFrame(cl.frameBuffer)
		if err != nil {
			return err
		}
		if frame == nil {
			return nil
		}
		cl.frameBuffer = cl.frameBuffer[n:]
		if len(cl.frameBuffer) == 0 {
			cl.frameBuffer = nil
		}

		if !frame.masked {
			return fmt.Errorf("unmasked client frame: %w", ErrProtocolViolation)
		}

		switch frame.opcode {
		case opcodeContinuation:
			if cl.fragBuffer == nil {
				return fmt.Errorf("continuation without initial frame: %w", ErrProtocolViolation)
			}
			cl.fragBuffer = append(cl.fragBuffer, frame.payload...)
			if frame.fin {
				opcode := cl.fragOpcode
				payload := cl.fragBuffer
				cl.fragBuffer = nil
				cl.fragOpcode = 0
				cl.deliver(opcode, payload)
			}
		case opcodeText, opcodeBinary:
			if cl.fragBuffer != nil {
				return fmt.Errorf("new data frame during fragmented message: %w", ErrProtocolViolation)
			}
			if frame.fin {
				cl.deliver(frame.opcode, frame.payload)
			} else {
				cl.fragOpcode = frame.opcode
				cl.fragBuffer = frame.payload
			}
		case opcodeClose:
			status := closeStatusNormal
			if len(frame.payload) >= 2 {
				status = uint16(frame.payload[0])<<8 | uint16(frame.payload[1])
			}
			cl.teardown(status)
			return nil
		case opcodePing:
			_, _ = cl.conn.Write(encodeFrame(opcodePong, frame.payload, true))
		case opcodePong:
			// unsolicited pongs are permitted and ignored
		}
	}
}

// deliver decodes an application message and hands it to the conduit's
// handler. Only binary frames carry messages.
func (cl *ConduitClient) deliver(opcode byte, payload []byte) {
	if opcode != opcodeBinary {
		return
	}
	message, err := decodeMessage(payload)
	if err != nil {
		log.Printf("conduit: client %d: dropping message: %v", cl.ID, err)
		return
	}
	if handler := cl.conduit.onMessage.Load(); handler != nil && *handler != nil {
		(*handler)(cl, message)
	}
}

// Emit encodes one application message and writes it as a frame via the
// event loop. It returns false when the client is closing or closed, the
// Core is shutting down, or the client's write queue is over the high-water
// mark. When onWrite is supplied it fires after the write completes; the
// caller must keep payload alive until then (the shared-buffer retainer is
// the canonical way).
func (cl *ConduitClient) Emit(options map[string]string, payload []byte, opcode byte, onWrite func()) bool {
	if cl.closing.Load() || cl.closed.Load() {
		return false
	}
	if opcode == 0 {
		opcode = opcodeBinary
	}

	message, err := encodeMessage(options, payload)
	if err != nil {
		log.Printf("conduit: client %d: emit: %v", cl.ID, err)
		return false
	}
	frame := encodeFrame(opcode, message, true)

	size := int64(len(frame))
	if cl.queued.Add(size) > cl.conduit.highWater {
		cl.queued.Add(-size)
		return false
	}

	dispatched := cl.conduit.core.DispatchEventLoop(func() {
		defer cl.queued.Add(-size)
		if cl.closing.Load() || cl.closed.Load() {
			return
		}
		if _, werr := cl.conn.Write(frame); werr != nil {
			cl.teardown(closeStatusNormal)
			return
		}
		if onWrite != nil {
			onWrite()
		}
	})
	if !dispatched {
		cl.queued.Add(-size)
		return false
	}
	return true
}

// Close sets the closing flag, writes a close frame when the handshake
// completed, and schedules the socket shutdown on the loop. The callback
// fires after closed is set.
func (cl *ConduitClient) Close(callback func()) {
	if cl.closed.Load() {
		if callback != nil {
			callback()
		}
		return
	}
	cl.closing.Store(true)

	finish := func() {
		if cl.closed.CompareAndSwap(false, true) {
			if cl.handshakeDone.Load() {
				_, _ = cl.conn.Write(encodeCloseFrame(closeStatusNormal, ""))
			}
			_ = cl.conn.Close()
			cl.conduit.remove(cl.ID)
		}
		if callback != nil {
			callback()
		}
	}

	if !cl.conduit.core.DispatchEventLoop(finish) {
		finish()
	}
}

// teardown closes the socket immediately from the owning goroutine, writing
// a best-effort close frame first.
func (cl *ConduitClient) teardown(status uint16) {
	cl.closing.Store(true)
	if cl.closed.CompareAndSwap(false, true) {
		if cl.handshakeDone.Load() {
			_, _ = cl.conn.Write(encodeCloseFrame(status, ""))
		}
		_ = cl.conn.Close()
		cl.conduit.remove(cl.ID)
	}
}

// protocolError reports a framing violation and drops the connection with
// status 1002.
func (cl *ConduitClient) protocolError(err error) {
	log.Printf("conduit: client %d: %v", cl.ID, err)
	cl.teardown(closeStatusProtocolError)
}

// DialConduit attaches to a running conduit the way the render process
// does, announcing clientID during the upgrade. The returned connection
// speaks binary messages in the conduit's options+payload form.
func DialConduit(ctx context.Context, port int, clientID uint64) (*websocket.Conn, error) {
	url := fmt.Sprintf("ws://127.0.0.1:%d/?id=%d", port, clientID)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial conduit: %w", err)
	}
	return conn, nil
}
