package verbs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// simID is the Simulated backend's CMID implementation.
type simID struct {
	n int64
}

func (s *simID) String() string { return fmt.Sprintf("cmid-%d", s.n) }

type simHandle struct{ name string }

func (h *simHandle) String() string { return h.name }

// Simulated is an in-process CM + Verbs backend used by tests and by
// callers that want to exercise the core without real hardware. It
// drives events synchronously: ResolveAddr immediately enqueues
// EvAddrResolved, etc. Tests that need to exercise timeouts or failures
// call InjectEvent instead of the happy-path methods.
type Simulated struct {
	mu       sync.Mutex
	nextID   int64
	events   map[string]chan CMEvent
	devices  map[string]DeviceAttr
	failNext map[string]bool

	rkeyCounter uint32
}

// NewSimulated returns a ready-to-use Simulated backend. Call AddDevice
// to register devices before driving connections against it.
func NewSimulated() *Simulated {
	return &Simulated{
		events:   make(map[string]chan CMEvent),
		devices:  make(map[string]DeviceAttr),
		failNext: make(map[string]bool),
	}
}

// AddDevice registers a device's attributes for QueryDevice to return.
func (s *Simulated) AddDevice(name string, attr DeviceAttr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[name] = attr
}

func (s *Simulated) CreateID(ctx context.Context) (CMID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := &simID{n: s.nextID}
	s.events[id.String()] = make(chan CMEvent, 16)
	return id, nil
}

func (s *Simulated) BindAddr(CMID, string) error { return nil }

func (s *Simulated) ResolveAddr(ctx context.Context, id CMID, local, peer string) error {
	s.emit(id, CMEvent{Type: EvAddrResolved, LocalAddr: local, PeerAddr: peer})
	return nil
}

// ResolveRoute enqueues EvRouteResolved naming the device and port the
// route was bound to. The simulated backend has no routing table, so it
// reports port 1 of the lexically first registered device.
func (s *Simulated) ResolveRoute(ctx context.Context, id CMID) error {
	s.mu.Lock()
	name := ""
	for n := range s.devices {
		if name == "" || n < name {
			name = n
		}
	}
	s.mu.Unlock()
	s.emit(id, CMEvent{Type: EvRouteResolved, DeviceName: name, Port: 1})
	return nil
}

func (s *Simulated) Connect(id CMID, responderResources, initiatorDepth int) error {
	return nil
}

func (s *Simulated) Listen(CMID, int) error { return nil }

func (s *Simulated) Accept(id CMID, responderResources, initiatorDepth int) error {
	s.emit(id, CMEvent{Type: EvEstablished})
	return nil
}

func (s *Simulated) Reject(id CMID, reason string) error {
	s.emit(id, CMEvent{Type: EvRejected, Reason: reason})
	return nil
}

func (s *Simulated) Disconnect(id CMID) error {
	s.emit(id, CMEvent{Type: EvDisconnected})
	return nil
}

func (s *Simulated) DestroyID(id CMID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.events[id.String()]; ok {
		close(ch)
		delete(s.events, id.String())
	}
	return nil
}

func (s *Simulated) Events(id CMID) <-chan CMEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[id.String()]
}

// InjectEvent lets a test push an arbitrary event onto id's channel,
// e.g. to simulate EvConnectRequest, EvTimewaitExit, or a resolve error.
func (s *Simulated) InjectEvent(id CMID, ev CMEvent) {
	s.emit(id, ev)
}

func (s *Simulated) emit(id CMID, ev CMEvent) {
	s.mu.Lock()
	ch, ok := s.events[id.String()]
	s.mu.Unlock()
	if ok {
		ch <- ev
	}
}

func (s *Simulated) QueryDevice(deviceName string) (DeviceAttr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attr, ok := s.devices[deviceName]
	if !ok {
		return DeviceAttr{}, fmt.Errorf("simulated: unknown device %q", deviceName)
	}
	return attr, nil
}

func (s *Simulated) AllocPD(deviceName string) (PD, error) {
	return &simHandle{name: "pd-" + deviceName}, nil
}

func (s *Simulated) CreateCQ(deviceName string, cqeCapacity int, compVector int) (CQHandle, error) {
	return &simHandle{name: fmt.Sprintf("cq-%s-%d", deviceName, compVector)}, nil
}

func (s *Simulated) ResizeCQ(CQHandle, int) error { return nil }
func (s *Simulated) DestroyCQ(CQHandle) error     { return nil }

func (s *Simulated) CreateQP(pd PD, cq CQHandle, attr QPInitAttr) (QPHandle, error) {
	return &simHandle{name: "qp-" + pd.String()}, nil
}

func (s *Simulated) QueryQP(qp QPHandle) (QPAttr, error) {
	return QPAttr{MaxInlineData: 256, MaxSGE: 16}, nil
}

func (s *Simulated) DestroyQP(CMID, QPHandle) error { return nil }

func (s *Simulated) MapBuffer(deviceName string, buf []byte, dir Direction) (uint32, error) {
	return 1, nil
}

func (s *Simulated) UnmapBuffer(string, []byte, Direction) error { return nil }

func (s *Simulated) PostRecv(QPHandle, uint64) error { return nil }

func (s *Simulated) FastReg(deviceName string, buf []byte) (uint32, uint32, error) {
	rkey := atomic.AddUint32(&s.rkeyCounter, 1)
	return rkey, rkey, nil
}

func (s *Simulated) FastRegInvalidate(string, uint32) error { return nil }
