package task

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/yuuki/xio-rdma-core/internal/device"
	"github.com/yuuki/xio-rdma-core/internal/verbs"
)

func testDevice(t *testing.T) *device.Device {
	t.Helper()
	sim := verbs.NewSimulated()
	sim.AddDevice("mlx5_0", verbs.DeviceAttr{MaxCQE: 4096, NumCompVectors: 4})
	reg := device.NewRegistry(sim, nil)
	d, err := reg.AddDevice(device.Key{Name: "mlx5_0", Port: 1})
	if err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	return d
}

func TestInitialPoolFixedSize(t *testing.T) {
	t.Parallel()
	p, err := NewInitialPool(testDevice(t), nil)
	if err != nil {
		t.Fatalf("NewInitialPool: %v", err)
	}
	if p.Total() != NumConnSetupTasks {
		t.Fatalf("Total = %d, want %d", p.Total(), NumConnSetupTasks)
	}
}

func TestPrimaryPoolSizeFormula(t *testing.T) {
	t.Parallel()
	params := Params{SQDepth: 128, RQDepth: 128, ActualRQDepth: 144, MembufSz: 4096, MaxSGE: 4, MaxInIovsz: 4, MaxOutIovsz: 4}
	p, err := NewPrimaryPool(testDevice(t), params, nil)
	if err != nil {
		t.Fatalf("NewPrimaryPool: %v", err)
	}
	want := 6 * (128 + 144)
	if p.Total() != want {
		t.Fatalf("Total = %d, want %d", p.Total(), want)
	}
}

func TestGetInitializesAndMapsTask(t *testing.T) {
	t.Parallel()
	p, err := NewInitialPool(testDevice(t), nil)
	if err != nil {
		t.Fatalf("NewInitialPool: %v", err)
	}
	tk, err := p.Get(RoleRecv)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !tk.RXD.Mapped {
		t.Fatal("expected RXD to be mapped for a recv-role task")
	}
	if p.InUse() != 1 {
		t.Fatalf("InUse = %d, want 1", p.InUse())
	}
	tk.Release()
	if p.InUse() != 0 {
		t.Fatalf("InUse after Release = %d, want 0", p.InUse())
	}
}

func TestGetOnExhaustedNonPhantomPoolFails(t *testing.T) {
	t.Parallel()
	p, err := NewInitialPool(testDevice(t), nil)
	if err != nil {
		t.Fatalf("NewInitialPool: %v", err)
	}
	for i := 0; i < NumConnSetupTasks; i++ {
		if _, err := p.Get(RoleRecv); err != nil {
			t.Fatalf("Get #%d: %v", i, err)
		}
	}
	if _, err := p.Get(RoleRecv); err == nil {
		t.Fatal("expected KindOutOfMemory once the initial pool is exhausted")
	}
}

func TestPhantomPoolGrowsLazily(t *testing.T) {
	t.Parallel()
	params := Params{SQDepth: 4, RQDepth: 4, ActualRQDepth: 4, MaxSGE: 1}
	p, err := NewPhantomPool(testDevice(t), params, nil)
	if err != nil {
		t.Fatalf("NewPhantomPool: %v", err)
	}
	if p.Total() != 0 {
		t.Fatalf("Total = %d, want 0 before first Get", p.Total())
	}
	tk, err := p.Get(RolePhantom)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Total() != 1 {
		t.Fatalf("Total after first Get = %d, want 1", p.Total())
	}
	tk.Release()
	if p.InUse() != 0 {
		t.Fatalf("InUse after Release = %d, want 0", p.InUse())
	}
}

func TestTaskRefcountDefersPoolReturn(t *testing.T) {
	t.Parallel()
	p, err := NewInitialPool(testDevice(t), nil)
	if err != nil {
		t.Fatalf("NewInitialPool: %v", err)
	}
	tk, err := p.Get(RoleSend)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	tk.AddRef() // a second list now also holds this task
	tk.Release()
	if p.InUse() != 1 {
		t.Fatalf("InUse = %d, want 1 (task should still be checked out)", p.InUse())
	}
	tk.Release()
	if p.InUse() != 0 {
		t.Fatalf("InUse = %d, want 0 after the final release", p.InUse())
	}
}

func TestSlabDestroyLogsLeakAndUnmapsAll(t *testing.T) {
	t.Parallel()
	var logBuf bytes.Buffer
	p, err := NewInitialPool(testDevice(t), slog.New(slog.NewTextHandler(&logBuf, nil)))
	if err != nil {
		t.Fatalf("NewInitialPool: %v", err)
	}
	tk, err := p.Get(RoleRecv)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := p.SlabDestroy(); err != nil {
		t.Fatalf("SlabDestroy: %v", err)
	}
	if p.Total() != 0 {
		t.Fatalf("Total after SlabDestroy = %d, want 0", p.Total())
	}
	if tk.RXD.Mapped {
		t.Fatal("expected SlabDestroy to unmap the checked-out task's RXD")
	}
	if !strings.Contains(logBuf.String(), "leaked=1") {
		t.Fatalf("expected a leak log with leaked=1, got %q", logBuf.String())
	}
}

func TestSlabRemapTaskOnlySupportedByPrimary(t *testing.T) {
	t.Parallel()
	dev := testDevice(t)
	p, err := NewInitialPool(dev, nil)
	if err != nil {
		t.Fatalf("NewInitialPool: %v", err)
	}
	tk, err := p.Get(RoleRecv)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := p.SlabRemapTask(tk, dev, dev); err == nil {
		t.Fatal("expected KindNotSupported for a non-Primary pool")
	}
}
