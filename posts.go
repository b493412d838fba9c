package core

import (
	"strconv"
	"strings"
	"time"
)

// queuedResponseTTL is how long a queued response survives in the cache
// before the expiry sweep may reclaim it.
const queuedResponseTTL = 32 * 1024 * time.Millisecond

// EventStreamWriter emits one server-sent event into a streaming response.
// It returns false once the request has gone away and the producer should
// stop.
type EventStreamWriter func(name, data string, finished bool) bool

// ChunkStreamWriter emits one chunk into a chunked streaming response. It
// returns false once the request has gone away.
type ChunkStreamWriter func(chunk []byte, finished bool) bool

// QueuedResponse is a response payload the Core retains until the render
// process fetches it via ipc://post?id=<id>. The cache assigns TTL; callers
// never do.
type QueuedResponse struct {
	ID       uint64
	TTL      int64 // absolute deadline, ms since epoch; owned by the cache
	WorkerID string
	Headers  Headers
	Body     []byte
	Length   int

	// EventStream and ChunkStream, when non-nil, receive the producer
	// installed by the IPC scheme handler for streaming responses.
	EventStream *EventStreamWriter
	ChunkStream *ChunkStreamWriter
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// GetQueuedResponse returns the cached response for id, or false when
// absent.
func (c *Core) GetQueuedResponse(id uint64) (QueuedResponse, bool) {
	c.postsMu.Lock()
	defer c.postsMu.Unlock()
	qr, ok := c.posts[id]
	if !ok {
		return QueuedResponse{}, false
	}
	return *qr, true
}

// HasQueuedResponse reports whether id is cached.
func (c *Core) HasQueuedResponse(id uint64) bool {
	c.postsMu.Lock()
	defer c.postsMu.Unlock()
	_, ok := c.posts[id]
	return ok
}

// HasQueuedResponseBody reports whether body is the byte buffer of any
// cached response. Identity is by buffer, not content.
func (c *Core) HasQueuedResponseBody(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	c.postsMu.Lock()
	defer c.postsMu.Unlock()
	for _, qr := range c.posts {
		if len(qr.Body) > 0 && &qr.Body[0] == &body[0] {
			return true
		}
	}
	return false
}

// PutQueuedResponse assigns the TTL and inserts (or replaces) the response
// under id.
func (c *Core) PutQueuedResponse(id uint64, qr QueuedResponse) {
	c.postsMu.Lock()
	defer c.postsMu.Unlock()
	qr.ID = id
	qr.TTL = nowMillis() + int64(queuedResponseTTL/time.Millisecond)
	c.posts[id] = &qr
}

// RemoveQueuedResponse evicts id if present.
func (c *Core) RemoveQueuedResponse(id uint64) {
	c.postsMu.Lock()
	defer c.postsMu.Unlock()
	delete(c.posts, id)
}

// RemoveAllQueuedResponses evicts everything.
func (c *Core) RemoveAllQueuedResponses() {
	c.postsMu.Lock()
	defer c.postsMu.Unlock()
	for id := range c.posts {
		delete(c.posts, id)
	}
}

// ExpireQueuedResponses removes every entry whose deadline has passed.
func (c *Core) ExpireQueuedResponses() {
	c.postsMu.Lock()
	defer c.postsMu.Unlock()
	now := nowMillis()
	for id, qr := range c.posts {
		if qr.TTL < now {
			delete(c.posts, id)
		}
	}
}

// CreateQueuedResponse inserts qr (assigning a random id when qr.ID is 0)
// and returns the script the render process evaluates to pull the response
// out of the cache. Expired entries are swept on each insertion.
func (c *Core) CreateQueuedResponse(seq, params string, qr QueuedResponse) string {
	c.ExpireQueuedResponses()

	if qr.ID == 0 {
		qr.ID = rand64()
	}

	script := createScript("queued-response.js",
		"const globals = await import('socket:internal/globals');\n"+
			"const id = `"+strconv.FormatUint(qr.ID, 10)+"`;\n"+
			"const seq = `"+seq+"`;\n"+
			"const workerId = `"+qr.WorkerID+"`.trim() || null;\n"+
			"const headers = `"+strings.TrimSpace(qr.Headers.Str())+"`\n"+
			"  .trim()\n"+
			"  .split(/[\\r\\n]+/)\n"+
			"  .filter(Boolean)\n"+
			"  .map((header) => header.trim());\n"+
			"\n"+
			"let params = `"+params+"`;\n"+
			"\n"+
			"try {\n"+
			"  params = JSON.parse(params);\n"+
			"} catch (err) {\n"+
			"  console.error(err.stack || err, params);\n"+
			"}\n"+
			"\n"+
			"globals.get('RuntimeQueuedResponses').dispatch(\n"+
			"  id,\n"+
			"  seq,\n"+
			"  params,\n"+
			"  headers,\n"+
			"  { workerId }\n"+
			");\n",
	)

	c.PutQueuedResponse(qr.ID, qr)
	return script
}
