// Package core is the runtime core of an application shell that hosts a web
// view and bridges it to native capabilities: an asynchronous event loop,
// timed reclamation of queued responses, shared buffers and file
// descriptors, a loopback WebSocket conduit for binary message exchange
// with the render process, and the scheme/navigation bridge that answers
// the web view's requests.
package core

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Core lifecycle states. The state machine is monotonic: once shutdown
// starts the Core never accepts new work again.
const (
	StateRunning int32 = iota
	StateShuttingDown
	StateStopped
)

// Options configures a Core at construction. The zero value is usable.
type Options struct {
	// DedicatedLoopThread runs the reactor on its own goroutine. Android and
	// Windows builds force this on; Apple platforms run the loop goroutine as
	// the analogue of the platform dispatch queue; Linux defaults to
	// embedded-source mode (the host GUI loop drives the reactor through the
	// Source* hooks) and opts into the goroutine with this flag.
	DedicatedLoopThread bool

	// DispatchHighWater caps the dispatch queue length; DispatchEventLoop
	// returns false above it. 0 means the default.
	DispatchHighWater int

	// ConduitHighWater caps bytes queued for write per conduit client; Emit
	// returns false above it. 0 means the default (16 MiB).
	ConduitHighWater int64
}

// Core is the single long-lived object at the centre of the runtime: it owns
// the event loop, the timer registry, the queued-response cache, the
// shared-buffer retainer, the descriptor reaper, the conduit server, and the
// service-worker container. Construction does no I/O; the event loop is
// created lazily on first use and torn down exactly once.
type Core struct {
	UserConfig Config

	state atomic.Int32

	// event loop host
	loopMu            sync.Mutex
	loop              *eventLoop
	didLoopInit       atomic.Bool
	useLoopThread     bool
	dispatchHighWater int

	// timer registry
	timersMu             sync.Mutex
	didTimersInit        bool
	didTimersStart       bool
	builtinTimers        []*coreTimer
	staleDescriptorTimer *coreTimer
	sharedBufferTimer    *coreTimer
	userTimers           userTimerRegistry

	// queued-response cache
	postsMu sync.Mutex
	posts   map[uint64]*QueuedResponse

	// shared-buffer retainer (the core mutex)
	mu            sync.Mutex
	sharedBuffers []sharedBufferEntry

	FS               *FS
	Conduit          *Conduit
	ServiceWorker    *ServiceWorkerContainer
	ProtocolHandlers *ProtocolHandlers

	// ChildProcessShutdown, when set, is invoked first during Shutdown to
	// tear down spawned child processes on desktop platforms.
	ChildProcessShutdown func()
}

// NewCore constructs a Core with the given user configuration. No I/O
// happens until the event loop is first used.
func NewCore(config Config, opts Options) *Core {
	c := &Core{
		UserConfig:        config,
		useLoopThread:     useDedicatedLoopThread(opts.DedicatedLoopThread),
		dispatchHighWater: opts.DispatchHighWater,
		posts:             make(map[uint64]*QueuedResponse),
	}
	if c.dispatchHighWater <= 0 {
		c.dispatchHighWater = defaultDispatchHighWater
	}
	c.FS = newFS(c)
	c.Conduit = newConduit(c, opts.ConduitHighWater)
	c.ServiceWorker = newServiceWorkerContainer(c)
	c.ProtocolHandlers = newProtocolHandlers()
	c.userTimers.core = c
	return c
}

// useDedicatedLoopThread applies the per-platform rule to the construction
// option: unconditional on Android and Windows, the dispatch-queue analogue
// on Apple platforms, opt-in on Linux.
func useDedicatedLoopThread(requested bool) bool {
	switch runtime.GOOS {
	case "android", "windows", "darwin", "ios":
		return true
	default:
		return requested
	}
}

// State returns the current lifecycle state.
func (c *Core) State() int32 {
	return c.state.Load()
}

// IsShuttingDown reports whether Shutdown has started.
func (c *Core) IsShuttingDown() bool {
	return c.state.Load() != StateRunning
}

// Shutdown tears the Core down in order: child-process teardown, conduit,
// timers, then the event loop (joining its goroutine). Queued responses are
// evicted. It is idempotent; only the first call does work. Any subsequent
// send, emit, or dispatch observes the state change and returns false.
func (c *Core) Shutdown() {
	if !c.state.CompareAndSwap(StateRunning, StateShuttingDown) {
		return
	}
	if c.ChildProcessShutdown != nil {
		c.ChildProcessShutdown()
	}
	c.Conduit.Stop()
	c.stopTimers()
	c.StopEventLoop()
	c.RemoveAllQueuedResponses()
	c.state.Store(StateStopped)
}
