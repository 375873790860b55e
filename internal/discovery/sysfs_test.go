package discovery

import (
	"path/filepath"
	"testing"
)

func TestSysfsSourceListsDevicesAndPorts(t *testing.T) {
	t.Parallel()
	src := NewSysfsSource(filepath.Join("testdata", "sysfs", "basic"), nil)

	names := src.DeviceNames()
	if len(names) != 1 || names[0] != "mlx5_0" {
		t.Fatalf("expected [mlx5_0], got %v", names)
	}

	ports, err := src.PortNumbers("mlx5_0")
	if err != nil {
		t.Fatalf("PortNumbers: %v", err)
	}
	if len(ports) != 2 {
		t.Fatalf("expected 2 ports, got %v", ports)
	}
}

func TestSysfsSourceReadsPortAttributes(t *testing.T) {
	t.Parallel()
	src := NewSysfsSource(filepath.Join("testdata", "sysfs", "basic"), nil)

	attr := src.PortAttributes("mlx5_0", 1)
	if attr.LinkLayer != "InfiniBand" {
		t.Errorf("expected link layer InfiniBand, got %q", attr.LinkLayer)
	}
	if attr.State != "ACTIVE" {
		t.Errorf("expected state ACTIVE, got %q", attr.State)
	}
	if attr.PhysState != "LINK_UP" {
		t.Errorf("expected phys_state LINK_UP, got %q", attr.PhysState)
	}
	if attr.NetDev != "ens1f0np0" {
		t.Errorf("expected netdev ens1f0np0, got %q", attr.NetDev)
	}

	attr2 := src.PortAttributes("mlx5_0", 2)
	if attr2.State != "DOWN" {
		t.Errorf("expected state DOWN, got %q", attr2.State)
	}
	if attr2.NetDev != "" {
		t.Errorf("expected empty netdev, got %q", attr2.NetDev)
	}
}

func TestSysfsSourceExcludeDevices(t *testing.T) {
	t.Parallel()
	src := NewSysfsSource(filepath.Join("testdata", "sysfs", "basic"), nil)
	src.SetExcludeDevices([]string{"mlx5_0"})

	if names := src.DeviceNames(); len(names) != 0 {
		t.Fatalf("expected no devices after exclusion, got %v", names)
	}
}

func TestSysfsSourceMissingRootReturnsEmpty(t *testing.T) {
	t.Parallel()
	src := NewSysfsSource(filepath.Join("testdata", "sysfs", "does-not-exist"), nil)

	if names := src.DeviceNames(); names != nil {
		t.Fatalf("expected nil device list for missing root, got %v", names)
	}
}
