// Package metrics exposes prometheus.Collector implementations over the
// live DeviceRegistry, CompletionQueue, task.Pool, and Connection state
// tracked by this module (SPEC_FULL.md §2). No HTTP server is wired up
// here: serving scraped metrics is the "debugfs counters" concern
// spec.md §1 places out of scope. An embedder registers these
// collectors on their own prometheus.Registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yuuki/xio-rdma-core/internal/conn"
	"github.com/yuuki/xio-rdma-core/internal/device"
	"github.com/yuuki/xio-rdma-core/internal/task"
)

const namespace = "xio_rdma"

// DeviceCollector reports per-device refcounts and attached-CQ counts.
type DeviceCollector struct {
	registry *device.Registry

	refcount    *prometheus.Desc
	attachedCQs *prometheus.Desc
}

// NewDeviceCollector returns a collector over registry's current devices.
func NewDeviceCollector(registry *device.Registry) *DeviceCollector {
	return &DeviceCollector{
		registry: registry,
		refcount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "device", "refcount"),
			"Current reference count held on an RDMA device.",
			[]string{"device", "port"}, nil,
		),
		attachedCQs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "device", "attached_cqs"),
			"Number of completion queues currently attached to a device.",
			[]string{"device", "port"}, nil,
		),
	}
}

func (c *DeviceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.refcount
	ch <- c.attachedCQs
}

func (c *DeviceCollector) Collect(ch chan<- prometheus.Metric) {
	for _, d := range c.registry.Snapshot() {
		port := d.Key.String()
		ch <- prometheus.MustNewConstMetric(c.refcount, prometheus.GaugeValue, float64(d.Refcount()), d.Key.Name, port)
		ch <- prometheus.MustNewConstMetric(c.attachedCQs, prometheus.GaugeValue, float64(len(d.CQs())), d.Key.Name, port)
	}
}

// ConnectionCollector reports per-connection state-machine gauges: CQ
// credit accounting, task-pool occupancy, and the current lifecycle
// state (as a label, mirroring how the teacher labels port stats by
// name rather than by numeric enum).
type ConnectionCollector struct {
	registry *conn.Registry

	state       *prometheus.Desc
	sqeAvail    *prometheus.Desc
	cqeAvail    *prometheus.Desc
	poolInUse   *prometheus.Desc
	poolTotal   *prometheus.Desc
	rkeyTblSize *prometheus.Desc
}

// NewConnectionCollector returns a collector over registry's currently
// tracked connections.
func NewConnectionCollector(registry *conn.Registry) *ConnectionCollector {
	return &ConnectionCollector{
		registry: registry,
		state: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "conn", "state"),
			"Current Connection lifecycle state, carried in the state label; only the current state is reported, always with value 1.",
			[]string{"conn", "state"}, nil,
		),
		sqeAvail: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "conn", "sqe_avail"),
			"Available send-queue-entry credits.",
			[]string{"conn"}, nil,
		),
		cqeAvail: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "conn", "cqe_avail"),
			"Available completion-queue-entry slots on the connection's shared CQ.",
			[]string{"conn"}, nil,
		),
		poolInUse: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "conn", "pool_tasks_in_use"),
			"Tasks currently checked out of a connection's task pool.",
			[]string{"conn", "pool"}, nil,
		),
		poolTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "conn", "pool_tasks_total"),
			"Total tasks a connection's task pool has ever allocated.",
			[]string{"conn", "pool"}, nil,
		),
		rkeyTblSize: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "conn", "rkey_table_size"),
			"Number of recorded remote-key translation pairs after dup2 migrations.",
			[]string{"conn"}, nil,
		),
	}
}

func (c *ConnectionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	ch <- c.sqeAvail
	ch <- c.cqeAvail
	ch <- c.poolInUse
	ch <- c.poolTotal
	ch <- c.rkeyTblSize
}

func (c *ConnectionCollector) Collect(ch chan<- prometheus.Metric) {
	for _, cn := range c.registry.Snapshot() {
		key := cn.Key()
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, 1, key, cn.State().String())
		ch <- prometheus.MustNewConstMetric(c.sqeAvail, prometheus.GaugeValue, float64(cn.SQEAvail()), key)

		if q := cn.CQ(); q != nil {
			ch <- prometheus.MustNewConstMetric(c.cqeAvail, prometheus.GaugeValue, float64(q.CqeAvail()), key)
		}

		initial, primary, phantom := cn.Pools()
		c.collectPool(ch, key, "initial", initial)
		c.collectPool(ch, key, "primary", primary)
		c.collectPool(ch, key, "phantom", phantom)

		ch <- prometheus.MustNewConstMetric(c.rkeyTblSize, prometheus.GaugeValue, float64(cn.RkeyTableLen()), key)
	}
}

func (c *ConnectionCollector) collectPool(ch chan<- prometheus.Metric, connKey, poolName string, p *task.Pool) {
	if p == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.poolInUse, prometheus.GaugeValue, float64(p.InUse()), connKey, poolName)
	ch <- prometheus.MustNewConstMetric(c.poolTotal, prometheus.GaugeValue, float64(p.Total()), connKey, poolName)
}
