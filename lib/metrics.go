package lib

import (
	"sort"
	"sync"
	"time"
)

// Metrics collects per-connection transfer statistics. RTT samples exclude
// retransmitted packets, so a sample always pairs a first transmission with
// its acknowledgment.
type Metrics struct {
	mutex sync.Mutex

	messagesSent      uint64
	messagesDelivered uint64
	bytesDelivered    uint64
	retransmissions   uint64
	outOfOrderPackets uint64
	rttSamples        []time.Duration
	firstDelivery     time.Time
	lastDelivery      time.Time
}

// MetricsSnapshot is a point-in-time copy of a connection's metrics.
type MetricsSnapshot struct {
	MessagesSent      uint64
	MessagesDelivered uint64
	BytesDelivered    uint64
	Retransmissions   uint64
	OutOfOrderPackets uint64
	AvgRTT            time.Duration // zero when no samples were taken
	P95RTT            time.Duration
	GoodputBps        float64 // delivered payload bits per second, zero when not measurable
}

func newMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) addSent() {
	m.mutex.Lock()
	m.messagesSent++
	m.mutex.Unlock()
}

func (m *Metrics) addDelivered(payloadLen int) {
	m.mutex.Lock()
	now := time.Now()
	if m.firstDelivery.IsZero() {
		m.firstDelivery = now
	}
	m.lastDelivery = now
	m.messagesDelivered++
	m.bytesDelivered += uint64(payloadLen)
	m.mutex.Unlock()
}

func (m *Metrics) addRetransmission() {
	m.mutex.Lock()
	m.retransmissions++
	m.mutex.Unlock()
}

func (m *Metrics) addOutOfOrder() {
	m.mutex.Lock()
	m.outOfOrderPackets++
	m.mutex.Unlock()
}

func (m *Metrics) addRTTSample(rtt time.Duration) {
	m.mutex.Lock()
	m.rttSamples = append(m.rttSamples, rtt)
	m.mutex.Unlock()
}

// Snapshot computes derived values and returns a copy.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	snap := MetricsSnapshot{
		MessagesSent:      m.messagesSent,
		MessagesDelivered: m.messagesDelivered,
		BytesDelivered:    m.bytesDelivered,
		Retransmissions:   m.retransmissions,
		OutOfOrderPackets: m.outOfOrderPackets,
	}

	if len(m.rttSamples) > 0 {
		sorted := make([]time.Duration, len(m.rttSamples))
		copy(sorted, m.rttSamples)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var total time.Duration
		for _, s := range sorted {
			total += s
		}
		snap.AvgRTT = total / time.Duration(len(sorted))

		idx := (len(sorted) * 95) / 100
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		snap.P95RTT = sorted[idx]
	}

	if m.bytesDelivered > 0 && m.lastDelivery.After(m.firstDelivery) {
		elapsed := m.lastDelivery.Sub(m.firstDelivery).Seconds()
		snap.GoodputBps = float64(m.bytesDelivered*8) / elapsed
	}

	return snap
}
