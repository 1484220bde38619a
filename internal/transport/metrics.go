package transport

import (
	"sync/atomic"
	"time"
)

// Metrics counts traffic for every socket of a Context.
// All counters are updated atomically on the hot path.
type Metrics struct {
	MessagesSent     atomic.Int64
	MessagesReceived atomic.Int64
	BytesSent        atomic.Int64
	BytesReceived    atomic.Int64
	CompressedFrames atomic.Int64

	ActiveConnections atomic.Int64
	TotalConnections  atomic.Int64
	FailedConnections atomic.Int64
	HandshakeFailures atomic.Int64

	WriteErrors atomic.Int64
	ReadErrors  atomic.Int64

	TotalLatencySum atomic.Int64 // nanoseconds
	LatencySamples  atomic.Int64

	StartTime time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		StartTime: time.Now(),
	}
}

// RecordWrite records one sent message of bytes payload bytes.
func (m *Metrics) RecordWrite(bytes int64, latency time.Duration) {
	m.MessagesSent.Add(1)
	m.BytesSent.Add(bytes)
	m.TotalLatencySum.Add(latency.Nanoseconds())
	m.LatencySamples.Add(1)
}

// RecordRead records one received message of bytes payload bytes.
func (m *Metrics) RecordRead(bytes int64) {
	m.MessagesReceived.Add(1)
	m.BytesReceived.Add(bytes)
}

func (m *Metrics) RecordWriteError() {
	m.WriteErrors.Add(1)
}

func (m *Metrics) RecordReadError() {
	m.ReadErrors.Add(1)
}

// RecordConnection adjusts the active connection count.
func (m *Metrics) RecordConnection(delta int64) {
	m.ActiveConnections.Add(delta)
	if delta > 0 {
		m.TotalConnections.Add(delta)
	}
}

func (m *Metrics) RecordConnectionFailed() {
	m.FailedConnections.Add(1)
}

func (m *Metrics) RecordHandshakeFailure() {
	m.HandshakeFailures.Add(1)
}

// MetricsSnapshot is a consistent-enough copy of Metrics for reporting.
type MetricsSnapshot struct {
	ActiveConnections int64
	TotalConnections  int64
	FailedConnections int64
	HandshakeFailures int64
	MessagesSent      int64
	MessagesReceived  int64
	BytesSent         int64
	BytesReceived     int64
	CompressedFrames  int64
	WriteErrors       int64
	ReadErrors        int64
	AvgWriteLatencyUs int64
	Uptime            time.Duration
	MessagesPerSec    float64
	MBPerSec          float64
}

// Snapshot returns current metrics snapshot
func (m *Metrics) Snapshot() MetricsSnapshot {
	sent := m.MessagesSent.Load()
	bytesSent := m.BytesSent.Load()
	latencySum := m.TotalLatencySum.Load()
	samples := m.LatencySamples.Load()

	uptime := time.Since(m.StartTime)
	seconds := uptime.Seconds()

	var avgLatencyUs int64
	if samples > 0 {
		avgLatencyUs = (latencySum / samples) / 1000
	}

	return MetricsSnapshot{
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		FailedConnections: m.FailedConnections.Load(),
		HandshakeFailures: m.HandshakeFailures.Load(),
		MessagesSent:      sent,
		MessagesReceived:  m.MessagesReceived.Load(),
		BytesSent:         bytesSent,
		BytesReceived:     m.BytesReceived.Load(),
		CompressedFrames:  m.CompressedFrames.Load(),
		WriteErrors:       m.WriteErrors.Load(),
		ReadErrors:        m.ReadErrors.Load(),
		AvgWriteLatencyUs: avgLatencyUs,
		Uptime:            uptime,
		MessagesPerSec:    float64(sent) / seconds,
		MBPerSec:          float64(bytesSent) / seconds / 1024 / 1024,
	}
}
