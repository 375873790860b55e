// Package task implements the Task and TaskPool suite from spec.md §4.3,
// §4.6, and the device-migration / remote-key translation machinery from
// §4.5.
package task

import "github.com/yuuki/xio-rdma-core/internal/verbs"

// Role classifies what a Task is carrying (spec.md §3 data model).
type Role int

const (
	RoleRecv Role = iota
	RoleSend
	RoleRDMARead
	RoleRDMAWrite
	RolePhantom
)

func (r Role) String() string {
	switch r {
	case RoleRecv:
		return "recv"
	case RoleSend:
		return "send"
	case RoleRDMARead:
		return "rdma_read"
	case RoleRDMAWrite:
		return "rdma_write"
	case RolePhantom:
		return "phantom"
	default:
		return "unknown"
	}
}

// SGEntry is one scatter-gather entry: (address, length, local-key).
type SGEntry struct {
	Addr   uint64
	Length uint32
	Lkey   uint32
}

// Descriptor is one of a task's three work-request descriptors
// (rxd / txd / rdmad). Mapped is true iff the corresponding DMA mapping
// is currently held; unmapping may happen exactly once, in the direction
// it was mapped (spec.md §3 invariants).
type Descriptor struct {
	SGL    []SGEntry
	Mapped bool
	Dir    verbs.Direction
}

// IOSide is the read-side or write-side of a task: its own scatter-list,
// a parallel mempool-slot array, and the peer-provided remote SGEs for
// translation on receipt (spec.md §4.3, §4.5).
type IOSide struct {
	SGL       []SGEntry
	PoolSlots []int
	RemoteSGE []SGEntry // peer-granted (addr, length, rkey) tuples, Lkey field reused to hold rkey
}

// Task is the unit of work the pool hands out. A checked-out Task may be
// held by more than one of the Connection's seven task lists at once
// (refcount counts the holders); it returns to its pool's free-list only
// when the last holder releases it.
type Task struct {
	Role Role
	Buf  []byte // nil for phantom tasks

	RXD, TXD, RDMAD Descriptor

	ReadSide, WriteSide IOSide

	// OldRkey/NewRkey are populated during dup2 re-homing for tasks that
	// used fast-registration for reads or writes (spec.md §4.5).
	OldRkey, NewRkey uint32

	// refcount resolves the double-flush workaround SPEC_FULL.md §5
	// decides against replicating: a task is only returned to its
	// pool's free-list once every list that held it has released it.
	refcount int32

	pool poolHandle
}

// poolHandle is the narrow callback surface Task uses to return itself,
// keeping Task free of an import cycle with Pool.
type poolHandle interface {
	put(t *Task)
}

// AddRef increments the task's list-membership refcount.
func (t *Task) AddRef() { t.refcount++ }

// Release decrements the refcount; once it reaches zero the task is
// returned to its owning pool's free-list via TaskPrePut.
func (t *Task) Release() {
	t.refcount--
	if t.refcount <= 0 && t.pool != nil {
		t.pool.put(t)
	}
}

// Refcount reports the task's current list-membership count, for tests.
func (t *Task) Refcount() int32 { return t.refcount }
