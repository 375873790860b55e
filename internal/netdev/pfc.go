package netdev

import "context"

// pfcCounterPrefixes are the ethtool stat keys this module treats as
// RoCEv2 priority-flow-control pause-frame diagnostics. Vendor drivers
// vary in naming (rx_prio0_pause, rx_pause_prio0, ...), so PFCCounters
// matches on prefix rather than an exact key set.
var pfcCounterPrefixes = []string{
	"rx_prio", "tx_prio",
	"rx_pause", "tx_pause",
}

// PFCCounters returns the subset of netDev's ethtool stats that look
// like per-priority pause-frame counters, for internal/metrics to
// surface as RDMA credit-adjacent diagnostics (spec.md §5 notes
// credits are "merely propagated" in this core, so these stay
// read-only telemetry rather than a flow-control input).
func (p *EthtoolStatsProvider) PFCCounters(ctx context.Context, netDev string) (map[string]uint64, error) {
	all, err := p.Stats(ctx, netDev)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64)
	for k, v := range all {
		if hasPFCPrefix(k) {
			out[k] = v
		}
	}
	return out, nil
}

func hasPFCPrefix(key string) bool {
	for _, prefix := range pfcCounterPrefixes {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
