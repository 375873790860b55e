package conn

import (
	"context"
	"testing"

	"github.com/yuuki/xio-rdma-core/internal/device"
	"github.com/yuuki/xio-rdma-core/internal/verbs"
	"github.com/yuuki/xio-rdma-core/internal/xioctx"
)

func testDeps(t *testing.T) (Deps, *verbs.Simulated) {
	t.Helper()
	sim := verbs.NewSimulated()
	sim.AddDevice("mlx5_0", verbs.DeviceAttr{
		MaxCQE:           4096,
		MaxSGE:           16,
		MaxQPRdAtom:      16,
		MaxQPInitRdAtom:  16,
		NumCompVectors:   4,
		MemMgmtExtension: true,
	})
	registry := device.NewRegistry(sim, nil)
	if _, err := registry.AddDevice(device.Key{Name: "mlx5_0", Port: 1}); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	return Deps{
		CM:         sim,
		Devices:    registry,
		CQs:        NewCQRegistry(),
		Ctx:        xioctx.New(0, nil),
		OnlineCPUs: 4,
	}, sim
}

func TestConnectEstablishTransitions(t *testing.T) {
	t.Parallel()
	deps, sim := testDeps(t)
	c := New(deps, "client-0")

	if err := c.Connect(context.Background(), "", "10.0.0.2:18515"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := c.State(); got != StateConnecting {
		t.Fatalf("state after Connect = %s, want CONNECTING", got)
	}

	events := sim.Events(c.cmID)
	for _, want := range []verbs.CMEventType{verbs.EvAddrResolved, verbs.EvRouteResolved} {
		ev := <-events
		if ev.Type != want {
			t.Fatalf("got event %v, want %v", ev.Type, want)
		}
		c.Dispatch(ev)
	}
	if got := c.State(); got != StateConnecting {
		t.Fatalf("state after route resolved = %s, want CONNECTING", got)
	}
	if c.qp == nil {
		t.Fatal("expected QP to be set up after ROUTE_RESOLVED")
	}

	sim.InjectEvent(c.cmID, verbs.CMEvent{Type: verbs.EvEstablished, PeerAddr: "10.0.0.2:18515"})
	c.Dispatch(<-events)
	if got := c.State(); got != StateConnected {
		t.Fatalf("state after ESTABLISHED = %s, want CONNECTED", got)
	}
}

func TestRejectedGoesToDisconnected(t *testing.T) {
	t.Parallel()
	deps, sim := testDeps(t)
	c := New(deps, "client-1")
	_ = c.Connect(context.Background(), "", "10.0.0.2:18515")
	events := sim.Events(c.cmID)
	c.Dispatch(<-events) // addr resolved
	c.Dispatch(<-events) // route resolved

	sim.InjectEvent(c.cmID, verbs.CMEvent{Type: verbs.EvRejected, Reason: "ConnRefused"})
	c.Dispatch(<-events)
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("state after REJECTED = %s, want DISCONNECTED", got)
	}
}

func TestTimewaitExitAfterCloseDestroys(t *testing.T) {
	t.Parallel()
	deps, sim := testDeps(t)
	c := New(deps, "client-2")
	_ = c.Connect(context.Background(), "", "10.0.0.2:18515")
	events := sim.Events(c.cmID)
	c.Dispatch(<-events)
	c.Dispatch(<-events)
	sim.InjectEvent(c.cmID, verbs.CMEvent{Type: verbs.EvEstablished})
	c.Dispatch(<-events)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := c.State(); got != StateClosed {
		t.Fatalf("state after Close = %s, want CLOSED", got)
	}

	// Close's rdma_disconnect left an EvDisconnected event on the channel,
	// exactly as a real CM framework would deliver one; a real Run() loop
	// dispatches it before TIMEWAIT_EXIT, and onDisconnected must not
	// clobber the CLOSED state it raced with.
	c.Dispatch(<-events)
	if got := c.State(); got != StateClosed {
		t.Fatalf("state after EvDisconnected post-Close = %s, want CLOSED", got)
	}

	mayDestroy := c.Dispatch(verbs.CMEvent{Type: verbs.EvTimewaitExit})
	if !mayDestroy {
		t.Fatal("Dispatch(TIMEWAIT_EXIT) should report the id may now be destroyed")
	}
	deps.Ctx.RunDeferred()
	if got := c.State(); got != StateDestroyed {
		t.Fatalf("state after TIMEWAIT_EXIT = %s, want DESTROYED", got)
	}
}

func TestListenAcceptsConnectRequest(t *testing.T) {
	t.Parallel()
	deps, sim := testDeps(t)
	server := New(deps, "server-0")
	if err := server.Listen(context.Background(), "0.0.0.0:18515"); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	var accepted *Connection
	server.SetOnNewConnection(func(child *Connection) {
		accepted = child
	})

	sim.InjectEvent(server.cmID, verbs.CMEvent{
		Type:       verbs.EvConnectRequest,
		DeviceName: "mlx5_0",
		Port:       1,
		PeerAddr:   "10.0.0.3:9000",
		LocalAddr:  "0.0.0.0:18515",
		ChildCMID:  mustCreateID(t, sim),
	})
	server.Dispatch(<-sim.Events(server.cmID))

	if accepted == nil {
		t.Fatal("expected onNewConnection callback to fire")
	}
	if accepted.State() != StateConnecting {
		t.Fatalf("child state = %s, want CONNECTING", accepted.State())
	}
	if err := accepted.Accept(32, 32); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if accepted.responderResources != 16 {
		t.Fatalf("responderResources = %d, want clamped to device max 16", accepted.responderResources)
	}
}

func mustCreateID(t *testing.T, sim *verbs.Simulated) verbs.CMID {
	t.Helper()
	id, err := sim.CreateID(context.Background())
	if err != nil {
		t.Fatalf("CreateID: %v", err)
	}
	return id
}
