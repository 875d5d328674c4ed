package lib

import (
	"testing"
	"time"
)

func TestMetricsSnapshotStatistics(t *testing.T) {
	m := newMetrics()

	m.addSent()
	m.addSent()
	m.addDelivered(100)
	time.Sleep(10 * time.Millisecond)
	m.addDelivered(100)
	m.addRetransmission()
	m.addOutOfOrder()

	for i := 1; i <= 100; i++ {
		m.addRTTSample(time.Duration(i) * time.Millisecond)
	}

	snap := m.Snapshot()
	if snap.MessagesSent != 2 || snap.MessagesDelivered != 2 {
		t.Errorf("sent/delivered = %d/%d, want 2/2", snap.MessagesSent, snap.MessagesDelivered)
	}
	if snap.BytesDelivered != 200 {
		t.Errorf("BytesDelivered = %d, want 200", snap.BytesDelivered)
	}
	if snap.Retransmissions != 1 || snap.OutOfOrderPackets != 1 {
		t.Errorf("retransmissions/ooo = %d/%d, want 1/1", snap.Retransmissions, snap.OutOfOrderPackets)
	}

	// samples 1..100ms: average 50.5ms, 95th percentile the 96th value
	if snap.AvgRTT != 50500*time.Microsecond {
		t.Errorf("AvgRTT = %v, want 50.5ms", snap.AvgRTT)
	}
	if snap.P95RTT != 96*time.Millisecond {
		t.Errorf("P95RTT = %v, want 96ms", snap.P95RTT)
	}
	if snap.GoodputBps <= 0 {
		t.Error("GoodputBps not computed despite two deliveries over elapsed time")
	}
}

func TestMetricsEmptySnapshot(t *testing.T) {
	snap := newMetrics().Snapshot()
	if snap.AvgRTT != 0 || snap.P95RTT != 0 || snap.GoodputBps != 0 {
		t.Errorf("empty metrics produced derived values: %+v", snap)
	}
}
