// Package device implements the DeviceRegistry and Device entities from
// spec.md §2 item 1–2: the leaves of the dependency graph. A Device is
// created on hardware arrival and torn down (after refcount hits zero)
// on hardware removal or module unload.
package device

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/yuuki/xio-rdma-core/internal/verbs"
	"github.com/yuuki/xio-rdma-core/internal/xerr"
)

// CQ is the narrow interface a completion queue must satisfy to live on
// a Device's cq_list. Kept here (rather than importing internal/cq) so
// device has no dependency on cq, matching the leaves-first layering in
// spec.md §2: CQ depends on Device, not the reverse.
type CQ interface {
	// Key identifies the CQ within the device's list, e.g. for removal.
	Key() string
}

// Key identifies a Device by (device-handle, port), matching the
// DeviceRegistry's keying in spec.md §2 item 1.
type Key struct {
	Name string
	Port int
}

func (k Key) String() string { return fmt.Sprintf("%s/%d", k.Name, k.Port) }

// Device holds the protection domain, DMA memory region, FastReg
// capability and CQ list for one (HCA, port) pair.
type Device struct {
	Key  Key
	Attr verbs.DeviceAttr
	PD   verbs.PD

	verbs  verbs.Verbs
	logger *slog.Logger

	refcount int32 // atomic

	cqMu   sync.RWMutex // cq_lock in spec.md §5
	cqList []CQ
}

// Registry tracks all RDMA devices currently present, keyed by
// (device-handle, port) (spec.md §2 item 1). It is written only from the
// device-add / device-remove callbacks, which the CM framework itself
// serializes (spec.md §5); Registry still takes its own lock since
// nothing in this package can assume that discipline is honored.
type Registry struct {
	mu      sync.Mutex
	devices map[Key]*Device
	vb      verbs.Verbs
	logger  *slog.Logger
}

// NewRegistry returns an empty Registry backed by vb.
func NewRegistry(vb verbs.Verbs, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		devices: make(map[Key]*Device),
		vb:      vb,
		logger:  logger,
	}
}

// AddDevice is the device-add callback: it queries device attributes,
// allocates a protection domain, and registers the Device under key. It
// is idempotent — re-adding an already-present key is a no-op that
// returns the existing Device.
func (r *Registry) AddDevice(key Key) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.devices[key]; ok {
		return d, nil
	}

	attr, err := r.vb.QueryDevice(key.Name)
	if err != nil {
		return nil, xerr.New(xerr.KindNoDevice, "AddDevice", err)
	}
	pd, err := r.vb.AllocPD(key.Name)
	if err != nil {
		return nil, xerr.New(xerr.KindOutOfMemory, "AddDevice", err)
	}

	d := &Device{
		Key:      key,
		Attr:     attr,
		PD:       pd,
		verbs:    r.vb,
		logger:   r.logger,
		refcount: 1, // the registry's own reference
	}
	r.devices[key] = d
	r.logger.Info("device registered", "device", key.String(), "max_cqe", attr.MaxCQE, "num_comp_vectors", attr.NumCompVectors)
	return d, nil
}

// Lookup returns the Device for key with its refcount incremented, or
// KindNoDevice if it is not present (spec.md §4.1 CONNECTING/ROUTE_RESOLVED).
func (r *Registry) Lookup(key Key) (*Device, error) {
	r.mu.Lock()
	d, ok := r.devices[key]
	r.mu.Unlock()
	if !ok {
		return nil, xerr.New(xerr.KindNoDevice, "Lookup", nil)
	}
	d.addRef()
	return d, nil
}

// RemoveDevice is the device-remove callback: it drops the registry's own
// reference. The Device object survives in memory (still reachable by
// Connections/CQs holding refs) until the last holder also drops.
func (r *Registry) RemoveDevice(key Key) {
	r.mu.Lock()
	d, ok := r.devices[key]
	if ok {
		delete(r.devices, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.logger.Info("device removed from registry", "device", key.String())
	d.Release()
}

func (d *Device) addRef() { atomic.AddInt32(&d.refcount, 1) }

// AddRef increments the Device's refcount. Callers (Connection, CQ,
// in-flight rkey translation entries) must each hold one reference for
// as long as they refer to the Device (spec.md §3 invariants).
func (d *Device) AddRef() { d.addRef() }

// Release drops one reference; on the last drop it logs the Device's
// destruction. It makes no verbs call: the PD is not deallocated and no
// memory region is deregistered through the backend.
func (d *Device) Release() {
	if atomic.AddInt32(&d.refcount, -1) > 0 {
		return
	}
	d.logger.Info("device destroyed", "device", d.Key.String())
}

// Refcount reports the current reference count, for tests and metrics.
func (d *Device) Refcount() int32 { return atomic.LoadInt32(&d.refcount) }

// AttachCQ registers cq on the device's cq_list under the write side of
// cq_lock.
func (d *Device) AttachCQ(cq CQ) {
	d.cqMu.Lock()
	defer d.cqMu.Unlock()
	d.cqList = append(d.cqList, cq)
}

// DetachCQ removes cq from the device's cq_list, matching by Key().
func (d *Device) DetachCQ(cq CQ) {
	d.cqMu.Lock()
	defer d.cqMu.Unlock()
	for i, existing := range d.cqList {
		if existing.Key() == cq.Key() {
			d.cqList = append(d.cqList[:i], d.cqList[i+1:]...)
			return
		}
	}
}

// CQs returns a snapshot of the device's attached CQs, read-locked
// (the fast path described in spec.md §5).
func (d *Device) CQs() []CQ {
	d.cqMu.RLock()
	defer d.cqMu.RUnlock()
	out := make([]CQ, len(d.cqList))
	copy(out, d.cqList)
	return out
}

// Verbs exposes the backend so dependent packages (cq, task, conn) can
// issue verbs calls scoped to this device without the Registry.
func (d *Device) Verbs() verbs.Verbs { return d.verbs }

// Snapshot returns every currently registered Device, for metrics.
func (r *Registry) Snapshot() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}
