package discovery

import (
	"testing"

	"github.com/yuuki/xio-rdma-core/internal/device"
)

func TestPathWatcherTrackUntrack(t *testing.T) {
	t.Parallel()
	w := NewPathWatcher(nil)
	key := device.Key{Name: "mlx5_0", Port: 1}

	w.Track(3, key)
	if got, ok := w.linkDev[3]; !ok || got != key {
		t.Fatalf("Track did not register link index: got=%v ok=%v", got, ok)
	}

	w.Untrack(3)
	if _, ok := w.linkDev[3]; ok {
		t.Fatal("Untrack left link index registered")
	}
}
