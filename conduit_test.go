package core

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func startTestConduit(t *testing.T) *Core {
	t.Helper()
	c := newTestCore(t)

	started := make(chan struct{})
	c.Conduit.Start(func() { close(started) })
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("conduit did not start")
	}
	if c.Conduit.Port() == 0 {
		t.Fatal("conduit started without a port")
	}
	return c
}

func TestConduit_AcceptKeyVector(t *testing.T) {
	// the RFC 6455 example vector
	got := computeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Errorf("computeAcceptKey = %q, want %q", got, want)
	}
}

func TestConduit_StartStop(t *testing.T) {
	c := startTestConduit(t)

	if !c.Conduit.IsActive() {
		t.Error("IsActive() = false after Start")
	}
	port := c.Conduit.Port()
	if port <= 0 || port > 0xFFFF {
		t.Errorf("Port() = %d", port)
	}

	// starting again is a no-op that still fires the callback
	again := make(chan struct{})
	c.Conduit.Start(func() { close(again) })
	select {
	case <-again:
	case <-time.After(2 * time.Second):
		t.Fatal("second Start never called back")
	}

	c.Conduit.Stop()
	if c.Conduit.IsActive() {
		t.Error("IsActive() = true after Stop")
	}
	if c.Conduit.Port() != 0 {
		t.Errorf("Port() = %d after Stop, want 0", c.Conduit.Port())
	}
}

func TestConduit_EchoRoundTrip(t *testing.T) {
	c := startTestConduit(t)

	c.Conduit.SetMessageHandler(func(client *ConduitClient, message EncodedMessage) {
		options := map[string]string{"echo": "true", "seq": message.Get("seq")}
		if !client.Emit(options, message.Payload, opcodeBinary, nil) {
			t.Error("Emit returned false for a live client")
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := DialConduit(ctx, c.Conduit.Port(), 77)
	if err != nil {
		t.Fatalf("DialConduit: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	outbound, err := encodeMessage(map[string]string{"route": "echo", "seq": "9"}, payload)
	if err != nil {
		t.Fatalf("encodeMessage: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, outbound); err != nil {
		t.Fatalf("write: %v", err)
	}

	kind, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.MessageBinary {
		t.Fatalf("reply kind = %v, want binary", kind)
	}

	reply, err := decodeMessage(data)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if reply.Get("echo") != "true" || reply.Get("seq") != "9" {
		t.Errorf("reply options = %v", reply.Options)
	}
	if !bytes.Equal(reply.Payload, payload) {
		t.Errorf("reply payload = %v, want %v", reply.Payload, payload)
	}
}

func TestConduit_ClientIDNegotiatedAtHandshake(t *testing.T) {
	c := startTestConduit(t)

	received := make(chan *ConduitClient, 1)
	c.Conduit.SetMessageHandler(func(client *ConduitClient, message EncodedMessage) {
		received <- client
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := DialConduit(ctx, c.Conduit.Port(), 4242)
	if err != nil {
		t.Fatalf("DialConduit: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	outbound, _ := encodeMessage(map[string]string{"route": "x"}, nil)
	if err := conn.Write(ctx, websocket.MessageBinary, outbound); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case client := <-received:
		if client.ClientID != 4242 {
			t.Errorf("ClientID = %d, want 4242", client.ClientID)
		}
		if client.ID == 0 {
			t.Error("client ID is 0, want a fresh random id")
		}
		if !client.IsHandshakeDone() {
			t.Error("handshakeDone = false after message exchange")
		}
		if !c.Conduit.Has(client.ID) {
			t.Error("Conduit.Has(client.ID) = false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestConduit_FragmentedMessageReassembled(t *testing.T) {
	c := startTestConduit(t)

	received := make(chan EncodedMessage, 1)
	c.Conduit.SetMessageHandler(func(client *ConduitClient, message EncodedMessage) {
		received <- message
	})

	conn := rawConduitHandshake(t, c.Conduit.Port())
	defer conn.Close()

	full, _ := encodeMessage(map[string]string{"route": "frag"}, []byte("0123456789"))
	half := len(full) / 2

	first := maskFrame(t, encodeFrame(opcodeBinary, full[:half], false))
	second := maskFrame(t, encodeFrame(opcodeContinuation, full[half:], true))
	if _, err := conn.Write(first); err != nil {
		t.Fatalf("write first fragment: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := conn.Write(second); err != nil {
		t.Fatalf("write second fragment: %v", err)
	}

	select {
	case message := <-received:
		if message.Get("route") != "frag" {
			t.Errorf("options = %v", message.Options)
		}
		if string(message.Payload) != "0123456789" {
			t.Errorf("payload = %q", message.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fragmented message never reassembled")
	}
}

func TestConduit_UnmaskedFrameCloses1002(t *testing.T) {
	c := startTestConduit(t)

	conn := rawConduitHandshake(t, c.Conduit.Port())
	defer conn.Close()

	// an unmasked client data frame is a protocol violation
	if _, err := conn.Write(encodeFrame(opcodeBinary, []byte("nope"), true)); err != nil {
		t.Fatalf("write: %v", err)
	}

	status := readCloseStatus(t, conn)
	if status != closeStatusProtocolError {
		t.Errorf("close status = %d, want 1002", status)
	}
}

func TestConduit_PingGetsPong(t *testing.T) {
	c := startTestConduit(t)

	conn := rawConduitHandshake(t, c.Conduit.Port())
	defer conn.Close()

	if _, err := conn.Write(maskFrame(t, encodeFrame(opcodePing, []byte("hb"), true))); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	frame := readFrame(t, conn)
	if frame.opcode != opcodePong {
		t.Fatalf("opcode = %d, want pong", frame.opcode)
	}
	if string(frame.payload) != "hb" {
		t.Errorf("pong payload = %q, want %q", frame.payload, "hb")
	}
}

func TestConduit_EmitRefusedWhileClosing(t *testing.T) {
	c := startTestConduit(t)

	connected := make(chan *ConduitClient, 1)
	c.Conduit.SetMessageHandler(func(client *ConduitClient, message EncodedMessage) {
		connected <- client
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := DialConduit(ctx, c.Conduit.Port(), 1)
	if err != nil {
		t.Fatalf("DialConduit: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	outbound, _ := encodeMessage(map[string]string{"route": "x"}, nil)
	_ = conn.Write(ctx, websocket.MessageBinary, outbound)

	var client *ConduitClient
	select {
	case client = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}

	closed := make(chan struct{})
	client.Close(func() { close(closed) })
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close callback never fired")
	}

	if !client.IsClosed() {
		t.Error("IsClosed() = false after Close callback")
	}
	if client.Emit(map[string]string{"a": "b"}, nil, opcodeBinary, nil) {
		t.Error("Emit succeeded on a closed client")
	}
}

func TestConduit_EmitOnWriteFires(t *testing.T) {
	c := startTestConduit(t)

	connected := make(chan *ConduitClient, 1)
	c.Conduit.SetMessageHandler(func(client *ConduitClient, message EncodedMessage) {
		connected <- client
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := DialConduit(ctx, c.Conduit.Port(), 1)
	if err != nil {
		t.Fatalf("DialConduit: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	outbound, _ := encodeMessage(map[string]string{"route": "x"}, nil)
	_ = conn.Write(ctx, websocket.MessageBinary, outbound)
	client := <-connected

	payload := []byte("retained until written")
	c.RetainSharedBuffer(payload, 64)

	wrote := make(chan struct{})
	if !client.Emit(map[string]string{"seq": "1"}, payload, opcodeBinary, func() {
		c.ReleaseSharedBuffer(payload)
		close(wrote)
	}) {
		t.Fatal("Emit returned false")
	}

	select {
	case <-wrote:
	case <-time.After(2 * time.Second):
		t.Fatal("onWrite never fired")
	}

	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("client read: %v", err)
	}
}

// rawConduitHandshake opens a TCP connection and completes the WebSocket
// upgrade by hand.
func rawConduitHandshake(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp4", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	request := "GET /?id=5 HTTP/1.1\r\n" +
		"Host: 127.0.0.1\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"\r\n"
	if _, err := conn.Write([]byte(request)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	var response []byte
	for !bytes.Contains(response, []byte("\r\n\r\n")) {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read handshake: %v", err)
		}
		response = append(response, buf[:n]...)
	}
	if !bytes.Contains(response, []byte("101 Switching Protocols")) {
		t.Fatalf("handshake response:\n%s", response)
	}
	if !bytes.Contains(response, []byte("Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")) {
		t.Fatalf("handshake accept key missing:\n%s", response)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return conn
}

// readFrame reads one complete server frame off conn.
func readFrame(t *testing.T, conn net.Conn) *wsFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var acc []byte
	buf := make([]byte, 4096)
	for {
		frame, _, err := decodeFrame(acc)
		if err != nil {
			t.Fatalf("decodeFrame: %v", err)
		}
		if frame != nil {
			return frame
		}
		n, err := conn.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			continue
		}
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
	}
}

// readCloseStatus reads frames until a close frame arrives and returns its
// status code.
func readCloseStatus(t *testing.T, conn net.Conn) uint16 {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var acc []byte
	buf := make([]byte, 4096)
	for {
		frame, n, err := decodeFrame(acc)
		if err != nil {
			t.Fatalf("decodeFrame: %v", err)
		}
		if frame != nil {
			if frame.opcode == opcodeClose && len(frame.payload) >= 2 {
				return binary.BigEndian.Uint16(frame.payload[:2])
			}
			acc = acc[n:]
			continue
		}
		rn, rerr := conn.Read(buf)
		if rn > 0 {
			acc = append(acc, buf[:rn]...)
			continue
		}
		if rerr != nil {
			if rerr == io.EOF {
				t.Fatal("connection closed without a close frame")
			}
			t.Fatalf("read: %v", rerr)
		}
	}
}
