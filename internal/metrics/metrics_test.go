package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/yuuki/xio-rdma-core/internal/conn"
	"github.com/yuuki/xio-rdma-core/internal/device"
	"github.com/yuuki/xio-rdma-core/internal/verbs"
	"github.com/yuuki/xio-rdma-core/internal/xioctx"
)

func setup(t *testing.T) (*device.Registry, *conn.Registry, *conn.Connection) {
	t.Helper()
	sim := verbs.NewSimulated()
	sim.AddDevice("mlx5_0", verbs.DeviceAttr{MaxCQE: 4096, MaxSGE: 16, MaxQPRdAtom: 16, MaxQPInitRdAtom: 16, NumCompVectors: 2})
	devices := device.NewRegistry(sim, nil)
	if _, err := devices.AddDevice(device.Key{Name: "mlx5_0", Port: 1}); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	deps := conn.Deps{
		CM:         sim,
		Devices:    devices,
		CQs:        conn.NewCQRegistry(),
		Ctx:        xioctx.New(0, nil),
		OnlineCPUs: 2,
	}
	c := conn.New(deps, "metrics-test-conn")
	if err := c.Connect(context.Background(), "", "10.0.0.2:18515"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// Collectors must tolerate a Connection that hasn't reached
	// ROUTE_RESOLVED yet (no CQ/pools attached), so the test doesn't
	// need to drive the simulated CM event stream at all.

	conns := conn.NewRegistry()
	conns.Track(c)
	return devices, conns, c
}

func TestDeviceCollectorReportsRefcount(t *testing.T) {
	t.Parallel()
	devices, _, _ := setup(t)
	collector := NewDeviceCollector(devices)

	metricCh := make(chan prometheus.Metric, 16)
	collector.Collect(metricCh)
	close(metricCh)

	found := false
	for m := range metricCh {
		var d dto.Metric
		if err := m.Write(&d); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if d.GetGauge() != nil {
			found = true
		}
	}
	if !found {
		t.Fatal("expected at least one gauge metric from DeviceCollector")
	}
}

func TestConnectionCollectorReportsState(t *testing.T) {
	t.Parallel()
	_, conns, c := setup(t)
	collector := NewConnectionCollector(conns)

	metricCh := make(chan prometheus.Metric, 32)
	collector.Collect(metricCh)
	close(metricCh)

	sawState := false
	for m := range metricCh {
		var d dto.Metric
		if err := m.Write(&d); err != nil {
			t.Fatalf("Write: %v", err)
		}
		for _, lbl := range d.GetLabel() {
			if lbl.GetName() == "state" && lbl.GetValue() == c.State().String() {
				sawState = true
			}
		}
	}
	if !sawState {
		t.Fatal("expected a conn state metric labeled with the connection's current state")
	}
}
