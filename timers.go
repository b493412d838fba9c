package core

import (
	"sync"
	"time"
)

// coreTimer is a named built-in timer driving one of the Core's reclamation
// sweeps. The set is fixed at construction; timers are attached to the
// reactor lazily on the loop's first turn.
type coreTimer struct {
	name     string
	timeout  time.Duration // initial delay, and the period when interval is 0
	interval time.Duration
	repeated bool
	started  bool
	handle   *loopTimer
}

func (t *coreTimer) period() time.Duration {
	if !t.repeated {
		return 0
	}
	if t.interval > 0 {
		return t.interval
	}
	return t.timeout
}

// initTimers attaches the built-in timers to the reactor. Idempotent; runs
// on the loop goroutine during the loop's first turn.
func (c *Core) initTimers() {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if c.didTimersInit {
		return
	}

	c.staleDescriptorTimer = &coreTimer{
		name:     "releaseStaleDescriptors",
		timeout:  1024 * time.Millisecond,
		repeated: true,
		handle:   &loopTimer{index: -1, invoke: c.releaseStaleDescriptors},
	}
	c.sharedBufferTimer = &coreTimer{
		name:     "releaseExpiredSharedBuffers",
		timeout:  sharedBufferSweepResolution,
		repeated: true,
		handle:   &loopTimer{index: -1, invoke: c.releaseExpiredSharedBuffers},
	}
	c.builtinTimers = []*coreTimer{
		c.staleDescriptorTimer,
		c.sharedBufferTimer,
	}

	c.didTimersInit = true
}

// startTimers starts not-yet-started built-in timers and re-arms the rest.
func (c *Core) startTimers() {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()

	el := c.getEventLoop()
	for _, timer := range c.builtinTimers {
		if timer.started {
			el.againTimer(timer.handle)
		} else {
			el.startTimer(timer.handle, timer.timeout, timer.period())
			timer.started = true
		}
	}

	c.didTimersStart = true
}

// stopTimers stops only timers that were started. Idempotent per the
// didTimersStart flag.
func (c *Core) stopTimers() {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if !c.didTimersStart {
		return
	}

	el := c.getEventLoop()
	for _, timer := range c.builtinTimers {
		if timer.started {
			el.stopTimer(timer.handle)
		}
	}

	c.didTimersStart = false
}

const (
	timerKindTimeout = iota
	timerKindInterval
	timerKindImmediate
)

// userTimer is one live setTimeout/setInterval/setImmediate registration.
type userTimer struct {
	id      uint64
	kind    int
	handle  *loopTimer
	cleared bool
}

// userTimerRegistry implements the user-facing timer API. Ids are unique for
// the lifetime of the Core.
type userTimerRegistry struct {
	core    *Core
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]*userTimer
}

func (r *userTimerRegistry) register(kind int, delay time.Duration, invoke func(*userTimer)) uint64 {
	r.mu.Lock()
	if r.entries == nil {
		r.entries = make(map[uint64]*userTimer)
	}
	r.nextID++
	id := r.nextID
	t := &userTimer{id: id, kind: kind}
	t.handle = &loopTimer{index: -1, invoke: func() { invoke(t) }}
	r.entries[id] = t
	r.mu.Unlock()

	var period time.Duration
	if kind == timerKindInterval {
		period = delay
	}
	if !r.core.DispatchEventLoop(func() {
		r.core.getEventLoop().startTimer(t.handle, delay, period)
	}) {
		// shutting down: the registration can never fire
		r.clear(id, kind)
	}
	return id
}

// fired consumes a one-shot registration, reporting whether the callback
// should still run.
func (r *userTimerRegistry) fired(t *userTimer, oneShot bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.cleared {
		return false
	}
	if oneShot {
		delete(r.entries, t.id)
	}
	return true
}

func (r *userTimerRegistry) clear(id uint64, kind int) bool {
	r.mu.Lock()
	t, ok := r.entries[id]
	if !ok || t.kind != kind {
		r.mu.Unlock()
		return false
	}
	t.cleared = true
	delete(r.entries, id)
	r.mu.Unlock()

	r.core.DispatchEventLoop(func() {
		r.core.getEventLoop().stopTimer(t.handle)
	})
	return true
}

// SetTimeout schedules callback to run once on the loop goroutine after
// timeout milliseconds and returns the timer id.
func (c *Core) SetTimeout(timeoutMs uint64, callback func()) uint64 {
	return c.userTimers.register(timerKindTimeout, time.Duration(timeoutMs)*time.Millisecond, func(t *userTimer) {
		if c.userTimers.fired(t, true) {
			callback()
		}
	})
}

// SetInterval schedules callback to run on the loop goroutine every interval
// milliseconds. The callback receives a cancel function that clears its own
// interval.
func (c *Core) SetInterval(intervalMs uint64, callback func(cancel func())) uint64 {
	var id uint64
	id = c.userTimers.register(timerKindInterval, time.Duration(intervalMs)*time.Millisecond, func(t *userTimer) {
		if c.userTimers.fired(t, false) {
			callback(func() { c.ClearInterval(id) })
		}
	})
	return id
}

// SetImmediate schedules callback to run on the loop goroutine as soon as
// possible, ahead of any pending timer.
func (c *Core) SetImmediate(callback func()) uint64 {
	r := &c.userTimers
	r.mu.Lock()
	if r.entries == nil {
		r.entries = make(map[uint64]*userTimer)
	}
	r.nextID++
	id := r.nextID
	t := &userTimer{id: id, kind: timerKindImmediate, handle: &loopTimer{index: -1}}
	r.entries[id] = t
	r.mu.Unlock()

	if !c.DispatchEventLoop(func() {
		if r.fired(t, true) {
			callback()
		}
	}) {
		r.clear(id, timerKindImmediate)
	}
	return id
}

// ClearTimeout cancels a pending setTimeout registration.
func (c *Core) ClearTimeout(id uint64) bool {
	return c.userTimers.clear(id, timerKindTimeout)
}

// ClearInterval cancels a setInterval registration.
func (c *Core) ClearInterval(id uint64) bool {
	return c.userTimers.clear(id, timerKindInterval)
}

// ClearImmediate cancels a pending setImmediate registration.
func (c *Core) ClearImmediate(id uint64) bool {
	return c.userTimers.clear(id, timerKindImmediate)
}
