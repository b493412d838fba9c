package core

import "time"

// sharedBufferSweepResolution is the retainer's sweep period; each tick
// decrements every entry's remaining TTL by this amount.
const sharedBufferSweepResolution = 8 * time.Millisecond

// sharedBufferEntry holds a strong reference to an outbound byte buffer so
// an asynchronous write completing later cannot observe a freed buffer.
type sharedBufferEntry struct {
	ptr []byte
	ttl uint32 // remaining ms
}

// RetainSharedBuffer keeps buffer strongly referenced for at least ttlMs
// milliseconds minus one 8 ms sweep period, and re-arms the sweep timer.
func (c *Core) RetainSharedBuffer(buffer []byte, ttlMs uint32) {
	if buffer == nil {
		return
	}
	c.mu.Lock()
	c.sharedBuffers = append(c.sharedBuffers, sharedBufferEntry{ptr: buffer, ttl: ttlMs})
	c.mu.Unlock()

	c.DispatchEventLoop(func() {
		c.timersMu.Lock()
		timer := c.sharedBufferTimer
		c.timersMu.Unlock()
		if timer != nil {
			c.getEventLoop().againTimer(timer.handle)
		}
	})
}

// ReleaseSharedBuffer drops the first entry holding buffer. The entry is
// tombstoned; the sweep compacts it from the tail.
func (c *Core) ReleaseSharedBuffer(buffer []byte) {
	if len(buffer) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.sharedBuffers {
		entry := &c.sharedBuffers[i]
		if len(entry.ptr) > 0 && &entry.ptr[0] == &buffer[0] {
			entry.ptr = nil
			entry.ttl = 0
			return
		}
	}
}

// RetainedSharedBufferCount returns the number of live (non-tombstoned)
// entries.
func (c *Core) RetainedSharedBufferCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for i := range c.sharedBuffers {
		if c.sharedBuffers[i].ptr != nil {
			count++
		}
	}
	return count
}

// releaseExpiredSharedBuffers is the 8 ms sweep: decrement every entry,
// clear the expired, pop cleared entries off the tail, and stop the timer
// once the list is empty. Interior holes wait until they reach the tail.
func (c *Core) releaseExpiredSharedBuffers() {
	resolution := uint32(sharedBufferSweepResolution / time.Millisecond)

	c.mu.Lock()
	for i := range c.sharedBuffers {
		entry := &c.sharedBuffers[i]
		if entry.ttl <= resolution {
			entry.ptr = nil
			entry.ttl = 0
		} else {
			entry.ttl -= resolution
		}
	}
	for len(c.sharedBuffers) > 0 {
		last := len(c.sharedBuffers) - 1
		if c.sharedBuffers[last].ptr != nil {
			break
		}
		c.sharedBuffers[last] = sharedBufferEntry{}
		c.sharedBuffers = c.sharedBuffers[:last]
	}
	empty := len(c.sharedBuffers) == 0
	c.mu.Unlock()

	if empty {
		c.timersMu.Lock()
		timer := c.sharedBufferTimer
		c.timersMu.Unlock()
		if timer != nil {
			c.getEventLoop().stopTimer(timer.handle)
		}
	}
}
