// Package xioctx models the execution-context / event-loop boundary
// (spec.md §1, §5): a Context corresponds to exactly one execution
// thread, and all CM events, completion-queue polling, and API calls for
// Connections bound to it are meant to be serialized on that thread's
// event loop. The real event loop and its scheduler integration are out
// of scope for the core; this package only carries the contract other
// packages depend on: a per-Context cpuid (for CQ vector selection), a
// deferred-work channel (so Connection teardown never runs from inside a
// CM handler), and an Observable fan-out for lifecycle events.
package xioctx

import (
	"log/slog"
	"sync"
)

// EventKind enumerates observer events emitted to higher layers
// (spec.md §6).
type EventKind int

const (
	EventNewConnection EventKind = iota
	EventEstablished
	EventRefused
	EventDisconnected
	EventClosed
	EventError
	// EventClose is the Context's own close event; CQ and other
	// Context-scoped holders observe it to release their refcount.
	EventClose
)

// Event is delivered to Observers registered on a Context.
type Event struct {
	Kind   EventKind
	Source any // the Connection, CQ, etc. that raised it
	Data   any
}

// Observer receives lifecycle events. Connection, CompletionQueue, and
// embedders all implement this to learn about each other's lifecycle
// without a direct reference cycle (spec.md §9 "back-references via weak
// handles").
type Observer interface {
	OnEvent(Event)
}

// deferredFunc is work that must run outside of any CM handler's call
// stack (spec.md §4.1, §9: CM-id destruction is forbidden while the
// dispatcher is on the stack).
type deferredFunc func()

// Context is one cooperative execution context: CPU affinity for CQ
// vector selection, a deferred-work channel, and an observer registry.
type Context struct {
	CPUID  int
	Logger *slog.Logger

	mu        sync.Mutex
	observers []Observer
	deferred  chan deferredFunc
	closed    bool
}

// New returns a Context bound to the given CPU id. logger defaults to
// slog.Default() if nil.
func New(cpuID int, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		CPUID:    cpuID,
		Logger:   logger,
		deferred: make(chan deferredFunc, 256),
	}
}

// RegisterObserver adds an observer for Context-scoped events.
func (c *Context) RegisterObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Notify fans Event out to every registered observer, in registration
// order. Source is not notified unless it is itself registered.
func (c *Context) Notify(ev Event) {
	c.mu.Lock()
	observers := append([]Observer(nil), c.observers...)
	c.mu.Unlock()
	for _, o := range observers {
		o.OnEvent(ev)
	}
}

// PostClose schedules fn to run on the Context's event channel rather
// than synchronously; once the Context has shut down, fn runs inline
// instead. Connection.Dispatch uses this to defer CM-id destruction past
// the returning handler (spec.md §4.1).
func (c *Context) PostClose(fn func()) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		// Context already shut down; run inline rather than leak fn.
		fn()
		return
	}
	c.deferred <- fn
}

// RunDeferred drains and executes every pending deferred function. The
// real event loop (out of scope) would call this once per tick; tests
// call it directly after driving a CM transition that posts a close.
func (c *Context) RunDeferred() {
	for {
		select {
		case fn := <-c.deferred:
			fn()
		default:
			return
		}
	}
}

// Shutdown marks the Context closed, notifies EventClose to every
// observer (CQ.Release among them, per spec.md §4.2), and drains any
// remaining deferred work.
func (c *Context) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.Notify(Event{Kind: EventClose, Source: c})
	c.RunDeferred()
}
