// Package metrics exports reclamation and transport counters to Prometheus.
//
// # Counters
//
//	allocbench_reclaimed_blocks_total{allocator, origin="explicit|collected"}
//	allocbench_reclaimed_bytes_total{allocator, origin="explicit|collected"}
//	allocbench_reclaim_failures_total{allocator}
//
// # Gauges (current messaging context)
//
//	allocbench_transport_messages_sent
//	allocbench_transport_messages_received
//	allocbench_transport_bytes_sent
//	allocbench_transport_bytes_received
//	allocbench_transport_compressed_frames
//	allocbench_transport_active_connections
//	allocbench_transport_handshake_failures
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/feellmoose/allocbench/internal/alloc"
	"github.com/feellmoose/allocbench/internal/transport"
)

const Namespace = "allocbench"

// Prometheus is an alloc.Metrics sink. It is safe for concurrent use.
type Prometheus struct {
	blocks   *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	failures *prometheus.CounterVec
}

var _ alloc.Metrics = (*Prometheus)(nil)

// NewPrometheus creates the reclamation counters and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reclaimed_blocks_total",
			Help:      "Blocks returned to their arena",
		}, []string{"allocator", "origin"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reclaimed_bytes_total",
			Help:      "Bytes returned to their arena",
		}, []string{"allocator", "origin"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reclaim_failures_total",
			Help:      "Blocks the arena refused to take back",
		}, []string{"allocator"}),
	}
	for _, c := range []prometheus.Collector{p.blocks, p.bytes, p.failures} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) Reclaimed(allocator string, bytes int, origin alloc.Origin) {
	o := origin.String()
	p.blocks.WithLabelValues(allocator, o).Inc()
	p.bytes.WithLabelValues(allocator, o).Add(float64(bytes))
}

func (p *Prometheus) ReclaimFailed(allocator string, _ error) {
	p.failures.WithLabelValues(allocator).Inc()
}

// TransportCollector reports the metrics of the most recently observed
// messaging context. Each benchmark run has its own context, so the
// values are gauges.
type TransportCollector struct {
	current atomic.Pointer[transport.Metrics]

	messagesSent     *prometheus.Desc
	messagesReceived *prometheus.Desc
	bytesSent        *prometheus.Desc
	bytesReceived    *prometheus.Desc
	compressed       *prometheus.Desc
	active           *prometheus.Desc
	handshakeFailed  *prometheus.Desc
}

var _ prometheus.Collector = (*TransportCollector)(nil)

func NewTransportCollector() *TransportCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(Namespace, "transport", name), help, nil, nil)
	}
	return &TransportCollector{
		messagesSent:     desc("messages_sent", "Messages sent in the current context"),
		messagesReceived: desc("messages_received", "Messages received in the current context"),
		bytesSent:        desc("bytes_sent", "Payload bytes sent in the current context"),
		bytesReceived:    desc("bytes_received", "Payload bytes received in the current context"),
		compressed:       desc("compressed_frames", "Frames sent zstd compressed"),
		active:           desc("active_connections", "Connected peers"),
		handshakeFailed:  desc("handshake_failures", "Rejected or failed greetings"),
	}
}

// Observe switches the collector to m.
func (c *TransportCollector) Observe(m *transport.Metrics) {
	c.current.Store(m)
}

func (c *TransportCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.messagesSent
	ch <- c.messagesReceived
	ch <- c.bytesSent
	ch <- c.bytesReceived
	ch <- c.compressed
	ch <- c.active
	ch <- c.handshakeFailed
}

func (c *TransportCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.current.Load()
	if m == nil {
		return
	}
	s := m.Snapshot()
	gauge := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	gauge(c.messagesSent, s.MessagesSent)
	gauge(c.messagesReceived, s.MessagesReceived)
	gauge(c.bytesSent, s.BytesSent)
	gauge(c.bytesReceived, s.BytesReceived)
	gauge(c.compressed, s.CompressedFrames)
	gauge(c.active, s.ActiveConnections)
	gauge(c.handshakeFailed, s.HandshakeFailures)
}
