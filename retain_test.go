package core

import (
	"testing"
	"time"
)

func TestSharedBuffers_RetainAndExpire(t *testing.T) {
	c := newTestCore(t)

	buffer := []byte("io payload")
	c.RetainSharedBuffer(buffer, 40)

	if got := c.RetainedSharedBufferCount(); got != 1 {
		t.Fatalf("RetainedSharedBufferCount() = %d immediately after retain, want 1", got)
	}

	// the 8 ms sweep decrements the TTL; the entry must be gone once it
	// has fully elapsed
	if !waitFor(t, 2*time.Second, func() bool { return c.RetainedSharedBufferCount() == 0 }) {
		t.Fatal("retained buffer never expired")
	}
}

func TestSharedBuffers_HeldForMostOfTTL(t *testing.T) {
	c := newTestCore(t)

	buffer := make([]byte, 32)
	c.RetainSharedBuffer(buffer, 500)

	time.Sleep(100 * time.Millisecond)
	if got := c.RetainedSharedBufferCount(); got != 1 {
		t.Errorf("buffer released after 100ms of a 500ms TTL (count=%d)", got)
	}

	if !waitFor(t, 2*time.Second, func() bool { return c.RetainedSharedBufferCount() == 0 }) {
		t.Fatal("buffer never expired")
	}
}

func TestSharedBuffers_Release(t *testing.T) {
	c := newTestCore(t)

	first := []byte("first")
	second := []byte("second")
	c.RetainSharedBuffer(first, 10_000)
	c.RetainSharedBuffer(second, 10_000)

	c.ReleaseSharedBuffer(first)
	if got := c.RetainedSharedBufferCount(); got != 1 {
		t.Errorf("count after release = %d, want 1", got)
	}

	// releasing an unknown buffer is harmless
	c.ReleaseSharedBuffer([]byte("elsewhere"))
	if got := c.RetainedSharedBufferCount(); got != 1 {
		t.Errorf("count after bogus release = %d, want 1", got)
	}

	c.ReleaseSharedBuffer(second)
	if got := c.RetainedSharedBufferCount(); got != 0 {
		t.Errorf("count after both releases = %d, want 0", got)
	}
}

func TestSharedBuffers_SweepStopsWhenEmpty(t *testing.T) {
	c := newTestCore(t)

	c.RetainSharedBuffer([]byte("short"), 16)
	if !waitFor(t, 2*time.Second, func() bool { return c.RetainedSharedBufferCount() == 0 }) {
		t.Fatal("buffer never expired")
	}

	// once the list drains the sweep timer must disarm
	if !waitFor(t, 2*time.Second, func() bool {
		c.timersMu.Lock()
		timer := c.sharedBufferTimer
		c.timersMu.Unlock()
		if timer == nil {
			return false
		}
		el := c.getEventLoop()
		el.timersMu.Lock()
		defer el.timersMu.Unlock()
		return timer.handle.index < 0
	}) {
		t.Fatal("sweep timer still armed with an empty retainer")
	}

	// a new retain re-arms it
	c.RetainSharedBuffer([]byte("again"), 10_000)
	if !waitFor(t, 2*time.Second, func() bool {
		c.timersMu.Lock()
		timer := c.sharedBufferTimer
		c.timersMu.Unlock()
		el := c.getEventLoop()
		el.timersMu.Lock()
		defer el.timersMu.Unlock()
		return timer != nil && timer.handle.index >= 0
	}) {
		t.Fatal("retain did not re-arm the sweep timer")
	}
}

func TestSharedBuffers_TailCompaction(t *testing.T) {
	c := newTestCore(t)

	head := []byte("head")
	tail := []byte("tail")
	c.RetainSharedBuffer(head, 60_000)
	c.RetainSharedBuffer(tail, 60_000)

	// tombstone the tail entry; the next sweep pops it
	c.ReleaseSharedBuffer(tail)
	if !waitFor(t, 2*time.Second, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.sharedBuffers) == 1
	}) {
		t.Fatal("tail tombstone was never compacted")
	}

	// the head is now the tail; tombstoning it lets the next sweep drain the list
	c.ReleaseSharedBuffer(head)
	if !waitFor(t, 2*time.Second, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.sharedBuffers) == 0
	}) {
		t.Fatal("list never fully drained")
	}
}
