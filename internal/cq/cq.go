// Package cq implements the shared CompletionQueue from spec.md §4.2: one
// RDMA CQ per (Device, Context), refcounted across every Connection that
// shares it.
package cq

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/yuuki/xio-rdma-core/internal/device"
	"github.com/yuuki/xio-rdma-core/internal/verbs"
	"github.com/yuuki/xio-rdma-core/internal/xerr"
	"github.com/yuuki/xio-rdma-core/internal/xioctx"
)

// CQEAllocSize is the default chunk size a CQ grows by (spec.md §4.2
// "Chunk size defaults").
const CQEAllocSize = 1024

// Transport is the narrow interface a Connection must satisfy to live on
// a CQ's trans_list, mirroring device.CQ's role one layer up.
type Transport interface {
	Key() string
	// Flush is invoked on every still-attached Connection when the CQ is
	// force-destroyed on refcount zero while Connections are still
	// attached (a protocol violation that must never leak, spec.md §4.2).
	Flush()
}

// CompletionQueue wraps one RDMA CQ bound to (Device, Context).
type CompletionQueue struct {
	dev *device.Device
	ctx *xioctx.Context
	vb  verbs.Verbs

	handle     verbs.CQHandle
	compVector int

	maxCQE    int
	allocSz   int
	depth     int
	cqeAvail  int
	refcount  int32
	keyString string

	mu        sync.Mutex
	transList []Transport

	logger *slog.Logger
}

// Key implements device.CQ.
func (c *CompletionQueue) Key() string { return c.keyString }

// Handle exposes the underlying verbs CQ handle so a Connection can pass
// it to Verbs.CreateQP.
func (c *CompletionQueue) Handle() verbs.CQHandle { return c.handle }

// Acquire creates a new CQ for (dev, ctx) with refcount 2, bound to a
// vector chosen by ctx.cpuid % cqs_used, where
// cqs_used = min(roundup_pow_2(onlineCPUs), dev.Attr.NumCompVectors)
// (spec.md §4.2). It never returns an existing CQ.
//
// Returning the already-shared CQ for a (Device, Context) pair is done by
// the caller (conn.CQRegistry), since that keying is a connection-setup
// concern, not something CompletionQueue tracks about itself.
func Acquire(dev *device.Device, ctx *xioctx.Context, onlineCPUs int, logger *slog.Logger) (*CompletionQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cqsUsed := minInt(roundupPow2(onlineCPUs), dev.Attr.NumCompVectors)
	if cqsUsed <= 0 {
		cqsUsed = 1
	}
	vector := ctx.CPUID % cqsUsed

	allocSz := minInt(dev.Attr.MaxCQE, CQEAllocSize)
	handle, err := dev.Verbs().CreateCQ(dev.Key.Name, allocSz, vector)
	if err != nil {
		return nil, xerr.New(xerr.KindOutOfMemory, "Acquire", err)
	}

	c := &CompletionQueue{
		dev:        dev,
		ctx:        ctx,
		vb:         dev.Verbs(),
		handle:     handle,
		compVector: vector,
		maxCQE:     dev.Attr.MaxCQE,
		allocSz:    allocSz,
		depth:      allocSz,
		cqeAvail:   allocSz,
		refcount:   2, // one for Context, one for the first Connection
		keyString:  fmt.Sprintf("%s#%d", dev.Key.String(), vector),
		logger:     logger,
	}
	dev.AddRef()
	dev.AttachCQ(c)
	ctx.RegisterObserver(c)
	return c, nil
}

// AllocSlots reserves n CQE slots (spec.md §4.2): if cqeAvail >= n,
// decrement; else if depth+chunk <= maxCQE, resize and re-check; else
// KindCqOverflow.
func (c *CompletionQueue) AllocSlots(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cqeAvail >= n {
		c.cqeAvail -= n
		return nil
	}
	for c.depth+c.allocSz <= c.maxCQE {
		if err := c.vb.ResizeCQ(c.handle, c.depth+c.allocSz); err != nil {
			return xerr.New(xerr.KindCqOverflow, "AllocSlots", err)
		}
		c.cqeAvail += c.allocSz
		c.depth += c.allocSz
		if c.cqeAvail >= n {
			c.cqeAvail -= n
			return nil
		}
	}
	return xerr.New(xerr.KindCqOverflow, "AllocSlots", nil)
}

// FreeSlots returns n slots to cqeAvail; panics on a bookkeeping bug
// (cqe_avail must never exceed depth, spec.md §3 invariants) rather than
// silently corrupting accounting.
func (c *CompletionQueue) FreeSlots(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cqeAvail += n
	if c.cqeAvail > c.depth {
		panic(fmt.Sprintf("cq: free_slots overflow: avail=%d depth=%d", c.cqeAvail, c.depth))
	}
}

// CqeAvail reports the current available-slot count, for tests/metrics.
func (c *CompletionQueue) CqeAvail() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cqeAvail
}

// Depth reports the current CQ depth, for tests/metrics.
func (c *CompletionQueue) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depth
}

// Attach registers t on the CQ's transport list.
func (c *CompletionQueue) Attach(t Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transList = append(c.transList, t)
}

// Detach removes t from the CQ's transport list. Removing a Connection
// from this list is the Connection's own responsibility on teardown
// (spec.md §9).
func (c *CompletionQueue) Detach(t Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.transList {
		if existing.Key() == t.Key() {
			c.transList = append(c.transList[:i], c.transList[i+1:]...)
			return
		}
	}
}

// Refcount reports the current reference count, for tests/metrics.
func (c *CompletionQueue) Refcount() int32 { return atomic.LoadInt32(&c.refcount) }

// AddRef increments the CQ's refcount for a new Connection attaching.
func (c *CompletionQueue) AddRef() { atomic.AddInt32(&c.refcount, 1) }

// Release decrements the refcount; on zero it destroys the underlying
// CQ, force-flushes any Connections still attached (a protocol
// violation that must never leak, spec.md §4.2), detaches itself from
// the device, and drops the device reference it held.
func (c *CompletionQueue) Release() {
	if atomic.AddInt32(&c.refcount, -1) > 0 {
		return
	}

	c.mu.Lock()
	stragglers := append([]Transport(nil), c.transList...)
	c.transList = nil
	c.mu.Unlock()

	if err := c.vb.DestroyCQ(c.handle); err != nil {
		c.logger.Warn("cq destroy failed", "cq", c.keyString, "err", err)
	}
	for _, t := range stragglers {
		c.logger.Warn("flushing connection still attached at cq teardown", "cq", c.keyString, "conn", t.Key())
		t.Flush()
	}
	c.dev.DetachCQ(c)
	c.dev.Release()
}

// OnAsyncEvent logs an unexpected async CQ event rather than dropping it
// silently (SPEC_FULL.md §4, parity with Accelio's xio_cq_event_callback).
func (c *CompletionQueue) OnAsyncEvent(cause string) {
	c.logger.Warn("unexpected async cq event", "cq", c.keyString, "cause", cause)
}

// OnEvent implements xioctx.Observer: on the Context's own close event,
// the CQ releases its own reference (spec.md §4.2 "registers itself as
// an observer of the Context's CLOSE event").
func (c *CompletionQueue) OnEvent(ev xioctx.Event) {
	if ev.Kind == xioctx.EventClose {
		c.Release()
	}
}

func roundupPow2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
