package core

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// eventLoopPollTimeout bounds the dedicated loop goroutine's idle sleep, the
// same way the polling thread caps its wait between reactor turns.
const eventLoopPollTimeout = 256 * time.Millisecond

// defaultDispatchHighWater caps the dispatch queue. Dispatch returns false
// (would-block) above it rather than growing without bound.
const defaultDispatchHighWater = 4096

// loopTimer is a timer handle attached to the event loop. The handle's
// deadline and heap position are guarded by the loop's timer mutex; invoke
// always runs on the loop goroutine.
type loopTimer struct {
	deadline time.Time
	period   time.Duration // 0 for one-shot timers
	invoke   func()
	index    int // heap position, -1 when unarmed
}

// timerHeap is a min-heap of armed timers ordered by deadline.
type timerHeap []*loopTimer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*loopTimer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// eventLoop is the asynchronous reactor at the centre of the Core: a FIFO of
// cross-thread dispatched closures plus a deadline-ordered timer heap. It
// runs either on a dedicated goroutine or embedded as an I/O source in a
// host GUI loop (the backend fd becomes readable whenever the loop is
// signalled).
type eventLoop struct {
	core     *Core
	dispatch *queue.Queue // guarded by core.loopMu

	timersMu sync.Mutex
	armed    timerHeap

	wake    chan struct{} // capacity 1; async wake signal
	backend *wakeupFD

	running  atomic.Bool
	threadMu sync.Mutex
	thread   chan struct{} // closed when the loop goroutine exits
}

func newEventLoop(c *Core) *eventLoop {
	el := &eventLoop{
		core:     c,
		dispatch: queue.New(),
		wake:     make(chan struct{}, 1),
	}
	fd, err := newWakeupFD()
	if err == nil {
		el.backend = fd
	}
	return el
}

// signal wakes the loop: the wake channel for the dedicated goroutine, the
// backend fd for a host GUI loop polling it.
func (el *eventLoop) signal() {
	select {
	case el.wake <- struct{}{}:
	default:
	}
	if el.backend != nil {
		el.backend.signal()
	}
}

// pendingDispatch reports whether closures are queued.
func (el *eventLoop) pendingDispatch() bool {
	el.core.loopMu.Lock()
	defer el.core.loopMu.Unlock()
	return el.dispatch.Length() > 0
}

// timeout returns the reactor's next-wakeup hint in milliseconds: 0 when
// work is immediately pending, -1 when nothing is armed, otherwise the time
// until the earliest deadline.
func (el *eventLoop) timeout() int64 {
	if el.pendingDispatch() {
		return 0
	}
	el.timersMu.Lock()
	defer el.timersMu.Unlock()
	if len(el.armed) == 0 {
		return -1
	}
	remaining := time.Until(el.armed[0].deadline)
	if remaining <= 0 {
		return 0
	}
	return int64(remaining / time.Millisecond)
}

// alive reports whether the loop still has work that could run: queued
// closures or armed timers.
func (el *eventLoop) alive() bool {
	if el.pendingDispatch() {
		return true
	}
	el.timersMu.Lock()
	defer el.timersMu.Unlock()
	return len(el.armed) > 0
}

// startTimer arms t after delay, repeating every period when period > 0.
func (el *eventLoop) startTimer(t *loopTimer, delay, period time.Duration) {
	el.timersMu.Lock()
	defer el.timersMu.Unlock()
	t.period = period
	t.deadline = time.Now().Add(delay)
	if t.index >= 0 {
		heap.Fix(&el.armed, t.index)
	} else {
		heap.Push(&el.armed, t)
	}
}

// againTimer re-arms a repeating timer from now, the equivalent of
// restarting it with its period. One-shot timers are left alone.
func (el *eventLoop) againTimer(t *loopTimer) {
	el.timersMu.Lock()
	defer el.timersMu.Unlock()
	if t.period <= 0 {
		return
	}
	t.deadline = time.Now().Add(t.period)
	if t.index >= 0 {
		heap.Fix(&el.armed, t.index)
	} else {
		heap.Push(&el.armed, t)
	}
}

// stopTimer disarms t if armed.
func (el *eventLoop) stopTimer(t *loopTimer) {
	el.timersMu.Lock()
	defer el.timersMu.Unlock()
	if t.index >= 0 {
		heap.Remove(&el.armed, t.index)
	}
}

// runOnce performs one non-blocking reactor turn: drain the dispatch queue,
// then fire every due timer. The loop mutex is released while each closure
// runs so dispatched closures may re-enter DispatchEventLoop.
func (el *eventLoop) runOnce() {
	for {
		el.core.loopMu.Lock()
		if el.dispatch.Length() == 0 {
			el.core.loopMu.Unlock()
			break
		}
		fn, _ := el.dispatch.Remove().(func())
		el.core.loopMu.Unlock()
		if fn != nil {
			fn()
		}
	}
	el.fireDueTimers()
}

func (el *eventLoop) fireDueTimers() {
	for {
		el.timersMu.Lock()
		if len(el.armed) == 0 {
			el.timersMu.Unlock()
			return
		}
		t := el.armed[0]
		if t.deadline.After(time.Now()) {
			el.timersMu.Unlock()
			return
		}
		heap.Pop(&el.armed)
		if t.period > 0 {
			t.deadline = time.Now().Add(t.period)
			heap.Push(&el.armed, t)
		}
		invoke := t.invoke
		el.timersMu.Unlock()
		if invoke != nil {
			invoke()
		}
	}
}

// wait blocks until d elapses or the loop is signalled. A non-positive d
// returns immediately.
func (el *eventLoop) wait(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-el.wake:
	case <-timer.C:
	}
}

// runDefault is one blocking reactor turn: wait for the earliest deadline or
// a wake signal, then drain.
func (el *eventLoop) runDefault() {
	if ms := el.timeout(); ms > 0 {
		el.wait(time.Duration(ms) * time.Millisecond)
	}
	el.runOnce()
}

// pollEventLoop is the dedicated loop goroutine: sleep until work could
// exist, then run reactor turns while the loop stays alive.
func pollEventLoop(c *Core) {
	el := c.getEventLoop()
	for el.running.Load() {
		c.SleepEventLoop(int64(eventLoopPollTimeout / time.Millisecond))
		for el.running.Load() && el.alive() {
			el.runDefault()
		}
	}
	// closures already queued when the stop was signalled still run before
	// the goroutine exits and StopEventLoop's join returns
	el.runOnce()
}

// InitEventLoop creates the reactor if it does not exist yet. It is
// idempotent and safe from any goroutine.
func (c *Core) InitEventLoop() {
	if c.didLoopInit.Load() {
		return
	}
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.didLoopInit.Load() {
		return
	}
	c.loop = newEventLoop(c)
	c.didLoopInit.Store(true)
}

func (c *Core) getEventLoop() *eventLoop {
	c.InitEventLoop()
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	return c.loop
}

// GetEventLoopTimeout returns the reactor's next-wakeup hint in
// milliseconds (0 = run now, -1 = nothing pending).
func (c *Core) GetEventLoopTimeout() int64 {
	return c.getEventLoop().timeout()
}

// IsLoopAlive reports whether the reactor has pending closures or armed
// timers.
func (c *Core) IsLoopAlive() bool {
	return c.getEventLoop().alive()
}

// IsLoopRunning reports whether RunEventLoop has started the reactor and
// StopEventLoop has not yet halted it.
func (c *Core) IsLoopRunning() bool {
	return c.getEventLoop().running.Load()
}

// EventLoopBackendFD returns the file descriptor a host GUI loop can poll to
// learn that the reactor wants a turn, or -1 when the platform provides
// none.
func (c *Core) EventLoopBackendFD() int {
	el := c.getEventLoop()
	if el.backend == nil {
		return -1
	}
	return el.backend.fd()
}

// SignalDispatchEventLoop starts the loop if necessary and wakes it.
func (c *Core) SignalDispatchEventLoop() {
	c.InitEventLoop()
	c.RunEventLoop()
	c.getEventLoop().signal()
}

// DispatchEventLoop enqueues fn to run on the loop goroutine as soon as
// possible. It returns false when the Core is shutting down or the dispatch
// queue is over its high-water mark; fn will not run in either case.
// Closures enqueued from one goroutine run in submission order.
func (c *Core) DispatchEventLoop(fn func()) bool {
	if c.State() != StateRunning {
		return false
	}
	el := c.getEventLoop()
	c.loopMu.Lock()
	if el.dispatch.Length() >= c.dispatchHighWater {
		c.loopMu.Unlock()
		return false
	}
	el.dispatch.Add(fn)
	c.loopMu.Unlock()
	c.SignalDispatchEventLoop()
	return true
}

// RunEventLoop starts the reactor. It is idempotent. The built-in timers are
// installed on the loop's first turn. In dedicated-thread mode a loop
// goroutine is started; in embedded-source mode the host GUI loop drives the
// reactor through SourcePrepare/SourceCheck/SourceDispatch.
func (c *Core) RunEventLoop() {
	if c.State() != StateRunning {
		return
	}
	el := c.getEventLoop()
	if !el.running.CompareAndSwap(false, true) {
		return
	}

	c.loopMu.Lock()
	el.dispatch.Add(func() {
		c.initTimers()
		c.startTimers()
	})
	c.loopMu.Unlock()
	el.signal()

	if c.useLoopThread {
		el.threadMu.Lock()
		defer el.threadMu.Unlock()
		// clean up an earlier goroutine if one is still winding down
		if el.thread != nil {
			<-el.thread
			el.thread = nil
		}
		done := make(chan struct{})
		el.thread = done
		go func() {
			defer close(done)
			pollEventLoop(c)
		}()
	}
}

// StopEventLoop halts the reactor and joins the loop goroutine when one was
// started. Closures already dequeued run to completion. In dedicated-thread
// mode the loop goroutine also runs the closures still queued before it
// exits, so they finish before StopEventLoop returns; in embedded-source mode
// queued closures are left unrun.
func (c *Core) StopEventLoop() {
	c.loopMu.Lock()
	el := c.loop
	c.loopMu.Unlock()
	if el == nil {
		return
	}
	el.running.Store(false)
	el.signal()
	el.threadMu.Lock()
	if el.thread != nil {
		<-el.thread
		el.thread = nil
	}
	el.threadMu.Unlock()
}

// SleepEventLoop blocks for at least ms milliseconds, extended to the
// reactor's own timeout hint when that is longer, returning early when the
// loop is signalled. It is the only sanctioned blocking wait and is intended
// for the polling goroutine.
func (c *Core) SleepEventLoop(ms int64) {
	if ms <= 0 {
		return
	}
	el := c.getEventLoop()
	if timeout := el.timeout(); timeout > ms {
		ms = timeout
	}
	el.wait(time.Duration(ms) * time.Millisecond)
}

// SourcePrepare is the embedded-source hook a host GUI loop calls before
// polling: it reports the reactor's timeout hint and whether the reactor
// wants an immediate turn.
func (c *Core) SourcePrepare() (timeout int64, ready bool) {
	el := c.getEventLoop()
	if !el.running.Load() {
		return -1, false
	}
	if !el.alive() {
		return -1, true
	}
	timeout = el.timeout()
	return timeout, timeout == 0
}

// SourceCheck reports whether the reactor should be dispatched: its timeout
// has expired or its backend fd was signalled.
func (c *Core) SourceCheck() bool {
	el := c.getEventLoop()
	if !el.running.Load() {
		return false
	}
	signalled := false
	if el.backend != nil {
		signalled = el.backend.drain()
	}
	select {
	case <-el.wake:
		signalled = true
	default:
	}
	return signalled || el.timeout() == 0
}

// SourceDispatch runs the reactor for one non-blocking tick on the caller's
// goroutine. In embedded-source mode the host GUI loop is the loop thread.
func (c *Core) SourceDispatch() {
	el := c.getEventLoop()
	if !el.running.Load() {
		return
	}
	el.runOnce()
}
