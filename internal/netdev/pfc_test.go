package netdev

import (
	"context"
	"testing"
)

func TestPFCCountersFiltersToPausePrefixes(t *testing.T) {
	t.Parallel()

	client := &stubStatsClient{
		stats: map[string]uint64{
			"rx_prio0_pause":     12,
			"tx_prio3_pause":     4,
			"rx_pause_duration":  9,
			"rx_bytes":           1024,
			"tx_packets":         2,
		},
	}
	provider := newEthtoolStatsProvider(client)

	got, err := provider.PFCCounters(context.Background(), "ens1f0np0")
	if err != nil {
		t.Fatalf("PFCCounters returned error: %v", err)
	}
	for _, key := range []string{"rx_prio0_pause", "tx_prio3_pause", "rx_pause_duration"} {
		if _, ok := got[key]; !ok {
			t.Errorf("expected %s to be included", key)
		}
	}
	for _, key := range []string{"rx_bytes", "tx_packets"} {
		if _, ok := got[key]; ok {
			t.Errorf("expected %s to be excluded", key)
		}
	}
}
