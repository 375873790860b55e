package conn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yuuki/xio-rdma-core/internal/cq"
	"github.com/yuuki/xio-rdma-core/internal/device"
	"github.com/yuuki/xio-rdma-core/internal/task"
	"github.com/yuuki/xio-rdma-core/internal/verbs"
	"github.com/yuuki/xio-rdma-core/internal/xerr"
	"github.com/yuuki/xio-rdma-core/internal/xioctx"
)

// Timeouts for resolve_addr / resolve_route (spec.md §5).
const (
	AddrResolveTimeout  = 2 * time.Second
	RouteResolveTimeout = 2 * time.Second
)

// QP sizing constants (spec.md §4.4).
const (
	MaxCQEPerQP   = 256
	MaxSendWR     = 256
	MaxRecvWR     = 256
	ExtraRQE      = 16
	MaxInlineData = 256
)

// Deps bundles the collaborators a Connection needs that live outside
// this package: the CM/verbs backends, the device registry, and the
// execution context. Bundled so construction sites don't thread five
// separate parameters through every constructor.
type Deps struct {
	CM      verbs.CM
	Devices *device.Registry
	CQs     *CQRegistry
	Ctx     *xioctx.Context
	Logger  *slog.Logger
	// OnlineCPUs is forwarded to cq.Acquire's vector-selection formula.
	OnlineCPUs int

	// MembufSz is the Primary pool's per-task buffer size. MaxInIovsz
	// and MaxOutIovsz mirror the fields of the same name in a parsed
	// config.Config (spec.md §6); callers populate them before
	// constructing Connections.
	MembufSz    int
	MaxInIovsz  int
	MaxOutIovsz int
}

// withDefaults fills in zero-valued tunables with spec.md §6's defaults
// so a Deps built without an explicit config still produces workable
// pool geometry.
func (d Deps) withDefaults() Deps {
	if d.MembufSz <= 0 {
		d.MembufSz = 4096
	}
	if d.MaxInIovsz <= 0 {
		d.MaxInIovsz = 4
	}
	if d.MaxOutIovsz <= 0 {
		d.MaxOutIovsz = 4
	}
	return d
}

// Connection is one RDMA endpoint: owns a CM-id, a QP, references a
// Device and a CQ, and holds the seven task lists (spec.md §3, §4.1).
type Connection struct {
	deps Deps

	mu    sync.Mutex
	state State

	cmID verbs.CMID
	qp   verbs.QPHandle
	dev  *device.Device
	cq   *cq.CompletionQueue

	peerAddr, localAddr string
	server              bool // true for a Connection created by Listen

	sqDepth, rqDepth, actualRQDepth     int
	responderResources, initiatorDepth int
	maxSGE, maxInlineData              int
	sqeAvail                           int
	peerCredits, simPeerCredits        int

	initialPool *task.Pool
	primaryPool *task.Pool
	phantomPool *task.Pool

	rxList             []*task.Task
	txReadyList        []*task.Task
	txCompList         []*task.Task
	inFlightList       []*task.Task
	rdmaRdList         []*task.Task
	rdmaRdInFlightList []*task.Task
	ioList             []*task.Task

	rkeyTbl     *task.RKeyTable
	peerRkeyTbl *task.RKeyTable

	handlerNesting   int
	disconnectIssued bool
	destroyed        bool
	childSeq         int64

	onNewConnection func(*Connection)

	key string
}

// New constructs a Connection in state INIT, bound to deps. key
// identifies it on the CQ's transport list and must be unique per
// Connection within a process.
func New(deps Deps, key string) *Connection {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	c := &Connection{
		deps:        deps.withDefaults(),
		state:       StateInit,
		rkeyTbl:     task.NewRKeyTable(4),
		peerRkeyTbl: task.NewRKeyTable(4),
		key:         key,
	}
	// Registering here, ahead of any CQ this Connection will later
	// acquire, is what makes xioctx.Context.Shutdown's fan-out order
	// drain Connections before the shared CQ releases (SPEC_FULL.md §4).
	if c.deps.Ctx != nil {
		c.deps.Ctx.RegisterObserver(c)
	}
	return c
}

// OnEvent implements xioctx.Observer: the only event a Connection reacts
// to from its own Context is EventClose, on which any Connection not
// already CLOSED or DESTROYED moves to CLOSED and tears down its QP,
// pools and CM-id, whatever state it was in (spec.md §9, SPEC_FULL.md §4).
func (c *Connection) OnEvent(ev xioctx.Event) {
	if ev.Kind != xioctx.EventClose {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.state == StateDestroyed {
		return
	}
	c.state = StateClosed
	c.requestDestroy()
}

// Key implements cq.Transport and device.CQ-adjacent list membership.
func (c *Connection) Key() string { return c.key }

// State reports the current state under lock, for tests/metrics.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Device returns the Device this Connection is currently bound to, or
// nil if it hasn't reached ROUTE_RESOLVED yet (or has been torn down).
func (c *Connection) Device() *device.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dev
}

// CQ returns the shared CompletionQueue this Connection is attached to,
// or nil before QP setup / after teardown.
func (c *Connection) CQ() *cq.CompletionQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cq
}

// Pools returns the Initial, Primary, and Phantom task pools backing
// this Connection, for metrics. Any may be nil before QP setup.
func (c *Connection) Pools() (initial, primary, phantom *task.Pool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialPool, c.primaryPool, c.phantomPool
}

// SQEAvail reports the send-queue-entry credit count, for metrics.
func (c *Connection) SQEAvail() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sqeAvail
}

// SetOnNewConnection registers the callback invoked when a LISTEN
// Connection accepts a CONNECT_REQUEST (spec.md §4.1).
func (c *Connection) SetOnNewConnection(fn func(*Connection)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNewConnection = fn
}

// Connect drives the client side of spec.md §4.1's INIT(client) row:
// creates a CM-id, optionally binds a local address, and kicks off
// address resolution.
func (c *Connection) Connect(ctx context.Context, local, peer string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInit {
		return xerr.New(xerr.KindConnectError, "Connect", fmt.Errorf("connect called in state %s", c.state))
	}

	id, err := c.deps.CM.CreateID(ctx)
	if err != nil {
		return xerr.New(xerr.KindConnectError, "Connect", err)
	}
	c.cmID = id
	c.localAddr = local
	c.peerAddr = peer

	if local != "" {
		if err := c.deps.CM.BindAddr(id, local); err != nil {
			return xerr.New(xerr.KindAddrError, "Connect", err)
		}
	}

	resolveCtx, cancel := context.WithTimeout(ctx, AddrResolveTimeout)
	defer cancel()
	if err := c.deps.CM.ResolveAddr(resolveCtx, id, local, peer); err != nil {
		return xerr.New(xerr.KindAddrError, "Connect", err)
	}
	c.state = StateConnecting
	return nil
}

// Listen drives the server side of spec.md §4.1's INIT(server) row.
func (c *Connection) Listen(ctx context.Context, local string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInit {
		return xerr.New(xerr.KindConnectError, "Listen", fmt.Errorf("listen called in state %s", c.state))
	}

	id, err := c.deps.CM.CreateID(ctx)
	if err != nil {
		return xerr.New(xerr.KindConnectError, "Listen", err)
	}
	c.cmID = id
	c.localAddr = local
	c.server = true

	if err := c.deps.CM.BindAddr(id, local); err != nil {
		return xerr.New(xerr.KindAddrError, "Listen", err)
	}
	if err := c.deps.CM.Listen(id, 0); err != nil {
		return xerr.New(xerr.KindConnectError, "Listen", err)
	}
	c.state = StateListen
	return nil
}

// Run pumps CM events for this Connection until the channel closes or
// ctx is done. It stands in for the out-of-scope event-loop integration:
// the real Context (spec.md §5) would call Dispatch from its own poll
// loop instead.
func (c *Connection) Run(ctx context.Context) {
	c.mu.Lock()
	id := c.cmID
	c.mu.Unlock()
	if id == nil {
		return
	}
	events := c.deps.CM.Events(id)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.Dispatch(ev)
		}
	}
}

// Dispatch is the single entry point for all CM events (spec.md §2 item
// 6), serialized per-Connection and guarded by handlerNesting so
// destruction is never attempted while a handler is on the stack
// (spec.md §4.1, §9). It returns true iff the CM framework may now
// destroy the id (only true for TIMEWAIT_EXIT, spec.md §4.1 "Return
// code").
func (c *Connection) Dispatch(ev verbs.CMEvent) bool {
	c.mu.Lock()
	c.handlerNesting++
	defer func() {
		c.handlerNesting--
		c.mu.Unlock()
	}()

	switch ev.Type {
	case verbs.EvAddrResolved:
		return c.onAddrResolved()
	case verbs.EvRouteResolved:
		return c.onRouteResolved(ev)
	case verbs.EvEstablished:
		return c.onEstablished(ev)
	case verbs.EvRejected:
		return c.onRejected(ev)
	case verbs.EvAddrError, verbs.EvRouteError, verbs.EvConnectError, verbs.EvUnreachable:
		return c.onCMError(ev)
	case verbs.EvConnectRequest:
		return c.onConnectRequest(ev)
	case verbs.EvDisconnected, verbs.EvAddrChange:
		return c.onDisconnected()
	case verbs.EvTimewaitExit:
		return c.onTimewaitExit()
	case verbs.EvDeviceRemoval:
		return c.onDeviceRemoval(ev)
	default:
		return false
	}
}

func (c *Connection) onAddrResolved() bool {
	resolveCtx, cancel := context.WithTimeout(context.Background(), RouteResolveTimeout)
	defer cancel()
	if err := c.deps.CM.ResolveRoute(resolveCtx, c.cmID); err != nil {
		c.notifyError(xerr.KindRouteError, err)
		c.state = StateDisconnected
	}
	return false
}

func (c *Connection) onRouteResolved(ev verbs.CMEvent) bool {
	key := device.Key{Name: ev.DeviceName, Port: ev.Port}
	dev, err := c.deps.Devices.Lookup(key)
	if err != nil {
		c.notifyError(xerr.KindNoDevice, err)
		c.state = StateDisconnected
		return false
	}
	c.dev = dev

	if err := c.setupQP(); err != nil {
		c.notifyError(xerr.KindFatal, err)
		c.state = StateDisconnected
		return false
	}

	c.responderResources = dev.Attr.MaxQPRdAtom
	c.initiatorDepth = dev.Attr.MaxQPInitRdAtom
	if err := c.deps.CM.Connect(c.cmID, c.responderResources, c.initiatorDepth); err != nil {
		c.notifyError(xerr.KindConnectError, err)
		c.state = StateDisconnected
		return false
	}
	return false
}

func (c *Connection) onEstablished(ev verbs.CMEvent) bool {
	if ev.PeerAddr != "" {
		c.peerAddr = ev.PeerAddr
	}
	if ev.LocalAddr != "" {
		c.localAddr = ev.LocalAddr
	}
	c.state = StateConnected
	c.deps.Ctx.Notify(xioctx.Event{Kind: xioctx.EventEstablished, Source: c})
	return false
}

func (c *Connection) onRejected(ev verbs.CMEvent) bool {
	c.state = StateDisconnected
	c.deps.Ctx.Notify(xioctx.Event{Kind: xioctx.EventRefused, Source: c, Data: ev.Reason})
	return false
}

func (c *Connection) onCMError(ev verbs.CMEvent) bool {
	kind := xerr.KindConnectError
	switch ev.Type {
	case verbs.EvAddrError:
		kind = xerr.KindAddrError
	case verbs.EvRouteError:
		kind = xerr.KindRouteError
	case verbs.EvUnreachable:
		kind = xerr.KindUnreachable
	}
	c.notifyError(kind, nil)
	c.state = StateDisconnected
	return false
}

func (c *Connection) onConnectRequest(ev verbs.CMEvent) bool {
	c.childSeq++
	child := New(c.deps, fmt.Sprintf("%s/%s/%d", ev.DeviceName, ev.PeerAddr, c.childSeq))
	child.cmID = ev.ChildCMID
	child.peerAddr = ev.PeerAddr
	child.localAddr = ev.LocalAddr
	child.state = StateConnecting

	key := device.Key{Name: ev.DeviceName, Port: ev.Port}
	dev, err := c.deps.Devices.Lookup(key)
	if err != nil {
		child.notifyError(xerr.KindNoDevice, err)
		child.state = StateDisconnected
		return false
	}
	child.dev = dev
	if err := child.setupQP(); err != nil {
		child.notifyError(xerr.KindFatal, err)
		child.state = StateDisconnected
		return false
	}

	c.deps.Ctx.Notify(xioctx.Event{Kind: xioctx.EventNewConnection, Source: c, Data: child})
	if c.onNewConnection != nil {
		c.onNewConnection(child)
	}
	return false
}

// Accept implements the accept() policy from spec.md §4.1: clamp the
// peer's proposed responder_resources/initiator_depth to this device's
// capabilities before calling rdma_accept.
func (c *Connection) Accept(peerResponderResources, peerInitiatorDepth int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return xerr.New(xerr.KindNoDevice, "Accept", nil)
	}
	c.responderResources = minInt(peerResponderResources, c.dev.Attr.MaxQPRdAtom)
	c.initiatorDepth = minInt(peerInitiatorDepth, c.dev.Attr.MaxQPInitRdAtom)
	if err := c.deps.CM.Accept(c.cmID, c.responderResources, c.initiatorDepth); err != nil {
		return xerr.New(xerr.KindConnectError, "Accept", err)
	}
	return nil
}

func (c *Connection) onDisconnected() bool {
	if c.state == StateClosed || c.state == StateDestroyed {
		return false
	}
	if !c.disconnectIssued {
		if err := c.deps.CM.Disconnect(c.cmID); err != nil {
			c.deps.Logger.Warn("rdma_disconnect failed", "conn", c.key, "err", err)
		}
		c.disconnectIssued = true
	}
	c.state = StateDisconnecting
	return false
}

func (c *Connection) onTimewaitExit() bool {
	prev := c.state
	c.flushAllTasksLocked()
	switch prev {
	case StateDisconnected, StateDisconnecting:
		c.deps.Ctx.Notify(xioctx.Event{Kind: xioctx.EventDisconnected, Source: c})
	case StateClosed:
		c.deps.Ctx.Notify(xioctx.Event{Kind: xioctx.EventClosed, Source: c})
		c.state = StateDestroyed
		c.requestDestroy()
		return true
	}
	return true
}

// onDeviceRemoval implements spec.md §4.1's DEVICE_REMOVAL row: detach the
// Device from the registry, then release this Connection's own reference.
// RemoveDevice is idempotent (a no-op once another Connection on the same
// Device has already detached it), so every Connection bound to the
// removed Device can run this independently.
func (c *Connection) onDeviceRemoval(ev verbs.CMEvent) bool {
	if c.dev != nil {
		c.deps.Devices.RemoveDevice(device.Key{Name: c.dev.Key.Name, Port: c.dev.Key.Port})
		c.dev.Release()
		c.dev = nil
	}
	return false
}

// Close issues a local close per spec.md §4.1's "local close()" rows:
// on CONNECTED, rdma_disconnect and wait for DISCONNECTED+TIMEWAIT_EXIT;
// on LISTEN, direct teardown with no peer to notify.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateListen:
		c.state = StateClosed
		c.requestDestroy()
		return nil
	case StateConnected:
		if err := c.deps.CM.Disconnect(c.cmID); err != nil {
			return xerr.New(xerr.KindFatal, "Close", err)
		}
		c.disconnectIssued = true
		c.state = StateClosed
		return nil
	case StateDisconnected:
		c.state = StateClosed
		return nil
	default:
		return nil // already-zero-refcount close is a no-op (spec.md §5)
	}
}

// requestDestroy implements spec.md §4.1/§9's handler-nesting rule: a
// Connection never destroys its CM-id from inside a CM event handler.
// Destruction is only permitted when handlerNesting is zero; otherwise
// it is posted to the Context's event channel to run after the handler
// has returned. Callers must already hold c.mu.
func (c *Connection) requestDestroy() {
	if c.destroyed {
		return
	}
	if c.handlerNesting > 0 {
		c.deps.Ctx.PostClose(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.finishDestroyLocked()
		})
		return
	}
	c.finishDestroyLocked()
}

// finishDestroyLocked tears down the QP/CQ/pools and destroys the CM-id.
// Assumes c.mu is held.
func (c *Connection) finishDestroyLocked() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.teardownQPLocked()
	if c.cmID != nil {
		if err := c.deps.CM.DestroyID(c.cmID); err != nil {
			c.deps.Logger.Warn("cm-id destroy failed", "conn", c.key, "err", err)
		}
	}
}

func (c *Connection) notifyError(kind xerr.Kind, err error) {
	c.deps.Ctx.Notify(xioctx.Event{Kind: xioctx.EventError, Source: c, Data: xerr.New(kind, "conn", err)})
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
