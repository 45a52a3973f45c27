package gossip

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *netMetrics
)

type netMetrics struct {
	messages      *prometheus.CounterVec
	bytes         *prometheus.CounterVec
	dials         *prometheus.CounterVec
	peers         prometheus.Gauge
	bans          prometheus.Counter
	droppedEvents prometheus.Counter
}

func newNetMetrics() *netMetrics {
	metricsInitOnce.Do(func() {
		nm := &netMetrics{
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "aurora_gossip_messages_total",
				Help: "Count of gossip messages by direction.",
			}, []string{"direction"}),
			bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "aurora_gossip_bytes_total",
				Help: "Count of gossip payload bytes by direction.",
			}, []string{"direction"}),
			dials: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "aurora_gossip_dials_total",
				Help: "Total outbound dial outcomes.",
			}, []string{"result"}),
			peers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "aurora_gossip_connected_peers",
				Help: "Number of currently connected peers.",
			}),
			bans: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "aurora_gossip_bans_total",
				Help: "Total peer bans issued.",
			}),
			droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "aurora_gossip_dropped_events_total",
				Help: "Events dropped because no consumer was listening.",
			}),
		}
		prometheus.MustRegister(nm.messages, nm.bytes, nm.dials, nm.peers, nm.bans, nm.droppedEvents)
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *netMetrics) observeMessage(direction string, size int) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(direction).Inc()
	m.bytes.WithLabelValues(direction).Add(float64(size))
}

func (m *netMetrics) observeDial(result string) {
	if m == nil {
		return
	}
	m.dials.WithLabelValues(result).Inc()
}

func (m *netMetrics) setPeers(delta float64) {
	if m == nil {
		return
	}
	m.peers.Add(delta)
}

func (m *netMetrics) observeBan() {
	if m == nil {
		return
	}
	m.bans.Inc()
}

func (m *netMetrics) observeDroppedEvent() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}
