package discovery

import (
	"context"
	"testing"

	"github.com/yuuki/xio-rdma-core/internal/device"
	"github.com/yuuki/xio-rdma-core/internal/verbs"
)

type fakeSource struct {
	devices map[string][]int
}

func (f *fakeSource) DeviceNames() []string {
	names := make([]string, 0, len(f.devices))
	for name := range f.devices {
		names = append(names, name)
	}
	return names
}

func (f *fakeSource) PortNumbers(name string) ([]int, error) {
	return f.devices[name], nil
}

func newTestRegistry(t *testing.T) *device.Registry {
	t.Helper()
	sim := verbs.NewSimulated()
	sim.AddDevice("mlx5_0", verbs.DeviceAttr{MaxCQE: 4096, MaxSGE: 16, NumCompVectors: 2})
	return device.NewRegistry(sim, nil)
}

func TestRescanRegistersEveryDevicePort(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry(t)
	src := &fakeSource{devices: map[string][]int{"mlx5_0": {1, 2}}}
	e := newEnumerator(src, registry, nil)

	if err := e.Rescan(context.Background()); err != nil {
		t.Fatalf("Rescan: %v", err)
	}

	for _, port := range []int{1, 2} {
		d, err := registry.Lookup(device.Key{Name: "mlx5_0", Port: port})
		if err != nil {
			t.Fatalf("Lookup port %d: %v", port, err)
		}
		d.Release()
	}
}

func TestRescanIsIdempotent(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry(t)
	src := &fakeSource{devices: map[string][]int{"mlx5_0": {1}}}
	e := newEnumerator(src, registry, nil)

	if err := e.Rescan(context.Background()); err != nil {
		t.Fatalf("first Rescan: %v", err)
	}
	d, err := registry.Lookup(device.Key{Name: "mlx5_0", Port: 1})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	d.Release()
	before := d.Refcount()

	if err := e.Rescan(context.Background()); err != nil {
		t.Fatalf("second Rescan: %v", err)
	}
	if got := d.Refcount(); got != before {
		t.Fatalf("refcount changed across idempotent rescans: before=%d after=%d", before, got)
	}
}

func TestRescanWithNoDevicesLogsAndReturnsNil(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry(t)
	e := newEnumerator(&fakeSource{devices: map[string][]int{}}, registry, nil)

	if err := e.Rescan(context.Background()); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
}
