// Package verbs defines the contract boundary between the connection
// core and the underlying RDMA verbs / connection-management (CM)
// framework. Wire-format framing, the send/poll/post_recv data path,
// fast-registration strategies and the NUMA-aware buffer mempool are out
// of scope for the core (spec.md §1) — this package only carries the
// interfaces a real cgo/ibverbs adapter would implement, plus a
// Simulated backend used by tests and by callers without real hardware.
package verbs

import "context"

// Direction is the DMA mapping direction of a descriptor.
type Direction int

const (
	// ToDevice maps a buffer for the device to read (tx / rdma-write).
	ToDevice Direction = iota
	// FromDevice maps a buffer for the device to write (rx / rdma-read).
	FromDevice
)

// DeviceAttr captures the subset of ibv_device_attr the core depends on.
type DeviceAttr struct {
	MaxCQE           int
	MaxSGE           int
	MaxQPRdAtom      int
	MaxQPInitRdAtom  int
	NumCompVectors   int
	MemMgmtExtension bool
}

// QPInitAttr mirrors the fields the core sets on ibv_qp_init_attr
// (spec.md §4.4).
type QPInitAttr struct {
	MaxSendWR      int
	MaxRecvWR      int
	MaxSendSGE     int
	MaxRecvSGE     int
	MaxInlineData  int
	SignalOnDemand bool
}

// QPAttr is what a successful QP query reports back (possibly smaller
// than what was requested).
type QPAttr struct {
	MaxInlineData int
	MaxSGE        int
}

// CMEventType enumerates the CM events that drive the Connection state
// machine (spec.md §4.1).
type CMEventType int

const (
	EvAddrResolved CMEventType = iota
	EvAddrError
	EvRouteResolved
	EvRouteError
	EvConnectError
	EvUnreachable
	EvEstablished
	EvRejected
	EvConnectRequest
	EvDisconnected
	EvAddrChange
	EvTimewaitExit
	EvDeviceRemoval
)

// CMEvent is delivered by the CM backend to a Connection's dispatcher.
type CMEvent struct {
	Type       CMEventType
	Reason     string // CM rejection reason code, only set for EvRejected
	PeerAddr   string
	LocalAddr  string
	ChildCMID  CMID // only set for EvConnectRequest
	DeviceName string
	Port       int
}

// CMID is an opaque handle to a CM identifier. Destruction must always go
// through CM.DestroyID, never a bare close, so it can be deferred past
// handler return (spec.md §4.1, §9).
type CMID interface {
	String() string
}

// CM is the connection-management contract: address/route resolution,
// connect/accept/reject/disconnect, and CM-id lifecycle. A real
// implementation wraps librdmacm; Simulated below drives it by hand for
// tests.
type CM interface {
	CreateID(ctx context.Context) (CMID, error)
	BindAddr(id CMID, local string) error
	ResolveAddr(ctx context.Context, id CMID, local, peer string) error
	ResolveRoute(ctx context.Context, id CMID) error
	Connect(id CMID, responderResources, initiatorDepth int) error
	Listen(id CMID, backlog int) error
	Accept(id CMID, responderResources, initiatorDepth int) error
	Reject(id CMID, reason string) error
	Disconnect(id CMID) error
	DestroyID(id CMID) error
	// Events returns the channel on which CM events for id are delivered.
	Events(id CMID) <-chan CMEvent
}

// Verbs is the RDMA-verbs contract: device queries, PD/MR/CQ/QP
// lifecycle, and DMA mapping. FastReg (memory-region fast registration)
// is exposed narrowly since its strategy is out of scope; the core only
// needs to request/release a key pair.
type Verbs interface {
	QueryDevice(deviceName string) (DeviceAttr, error)
	AllocPD(deviceName string) (PD, error)

	CreateCQ(deviceName string, cqeCapacity int, compVector int) (CQHandle, error)
	ResizeCQ(cq CQHandle, newCapacity int) error
	DestroyCQ(cq CQHandle) error

	CreateQP(pd PD, cq CQHandle, attr QPInitAttr) (QPHandle, error)
	QueryQP(qp QPHandle) (QPAttr, error)
	DestroyQP(id CMID, qp QPHandle) error

	MapBuffer(deviceName string, buf []byte, dir Direction) (lkey uint32, err error)
	UnmapBuffer(deviceName string, buf []byte, dir Direction) error

	// PostRecv posts one receive work request on qp, identified by wrID.
	// The actual receive data-path (matching completions back to a task,
	// decoding the payload) is out of scope for the core (spec.md §1);
	// this method only carries the post_recv call itself across the verbs
	// boundary so Connection setup can arm the handshake recv spec.md
	// §4.3 requires.
	PostRecv(qp QPHandle, wrID uint64) error

	// FastReg registers buf for RDMA read/write and returns a freshly
	// minted remote key. Re-registering against a new device (dup2)
	// calls this again and the caller discards the old key.
	FastReg(deviceName string, buf []byte) (rkey uint32, lkey uint32, err error)
	FastRegInvalidate(deviceName string, rkey uint32) error
}

// PD is an opaque protection-domain handle.
type PD interface{ String() string }

// CQHandle is an opaque completion-queue handle.
type CQHandle interface{ String() string }

// QPHandle is an opaque queue-pair handle.
type QPHandle interface{ String() string }
