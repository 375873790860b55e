package conn

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/yuuki/xio-rdma-core/internal/cq"
	"github.com/yuuki/xio-rdma-core/internal/device"
	"github.com/yuuki/xio-rdma-core/internal/xioctx"
)

// CQRegistry tracks the single shared CompletionQueue per (Device,
// Context) pair (spec.md §4.2: "one RDMA CQ per (Device, Context),
// refcounted across every Connection that shares it"). cq.Acquire builds
// a fresh CQ on first use; this registry is what makes the second and
// subsequent Connections on the same (device, context) share it instead
// of creating their own.
type CQRegistry struct {
	mu    sync.Mutex
	byKey map[string]*cq.CompletionQueue
}

// NewCQRegistry returns an empty registry.
func NewCQRegistry() *CQRegistry {
	return &CQRegistry{byKey: make(map[string]*cq.CompletionQueue)}
}

// Acquire returns the shared CQ for (dev, ctx), creating it on first use.
func (r *CQRegistry) Acquire(dev *device.Device, ctx *xioctx.Context, onlineCPUs int, logger *slog.Logger) (*cq.CompletionQueue, error) {
	key := fmt.Sprintf("%s@%p", dev.Key.String(), ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byKey[key]; ok {
		c.AddRef()
		return c, nil
	}
	c, err := cq.Acquire(dev, ctx, onlineCPUs, logger)
	if err != nil {
		return nil, err
	}
	r.byKey[key] = c
	return c, nil
}

// Release drops a Connection's reference to the (dev, ctx) CQ and
// forgets it from the registry once it has been fully torn down.
func (r *CQRegistry) Release(dev *device.Device, ctx *xioctx.Context, c *cq.CompletionQueue) {
	c.Release()
	if c.Refcount() > 0 {
		return
	}
	key := fmt.Sprintf("%s@%p", dev.Key.String(), ctx)
	r.mu.Lock()
	delete(r.byKey, key)
	r.mu.Unlock()
}
