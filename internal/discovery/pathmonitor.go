package discovery

import (
	"context"
	"log/slog"

	"github.com/vishvananda/netlink"

	"github.com/yuuki/xio-rdma-core/internal/device"
)

// PathChange describes a link-state transition a PathWatcher observed
// for a device whose net device carries RDMA traffic.
type PathChange struct {
	DeviceName string
	Port       int
	Up         bool
}

// PathWatcher subscribes to netlink link updates and reports path
// flaps for RDMA-carrying net devices, so a caller can drive dup2
// re-homing (spec.md §4.5) when the underlying NIC goes away and a
// bond failover or hot-swap brings a different HCA online in its
// place. This mirrors the teacher's reliance on vishvananda/netlink
// for interface state rather than polling sysfs.
type PathWatcher struct {
	logger  *slog.Logger
	linkDev map[int]device.Key // netlink link index -> device/port it backs
}

// NewPathWatcher returns a PathWatcher with no tracked links yet; call
// Track to associate a net device index with an RDMA device/port.
func NewPathWatcher(logger *slog.Logger) *PathWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PathWatcher{logger: logger, linkDev: make(map[int]device.Key)}
}

// Track associates a net device's link index with the RDMA device/port
// it carries, so future link updates for that index can be attributed.
func (w *PathWatcher) Track(linkIndex int, key device.Key) {
	w.linkDev[linkIndex] = key
}

// Untrack removes a previously tracked link index.
func (w *PathWatcher) Untrack(linkIndex int) {
	delete(w.linkDev, linkIndex)
}

// Watch subscribes to netlink link updates and sends a PathChange on
// changes for every tracked link index until ctx is canceled. It
// closes changes before returning.
func (w *PathWatcher) Watch(ctx context.Context, changes chan<- PathChange) error {
	updates := make(chan netlink.LinkUpdate)
	done := make(chan struct{})
	defer close(done)

	if err := netlink.LinkSubscribe(updates, done); err != nil {
		close(changes)
		return err
	}

	defer close(changes)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			key, tracked := w.linkDev[int(u.Link.Attrs().Index)]
			if !tracked {
				continue
			}
			up := u.Link.Attrs().OperState == netlink.OperUp
			w.logger.Info("path watcher observed link change", "device", key.Name, "port", key.Port, "up", up)
			select {
			case changes <- PathChange{DeviceName: key.Name, Port: key.Port, Up: up}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
