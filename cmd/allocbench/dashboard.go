package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/feellmoose/allocbench/internal/alloc"
	"github.com/feellmoose/allocbench/internal/session"
	"github.com/feellmoose/allocbench/internal/transport"
)

const rule = "────────────────────────────────────────────────────────────────────"

// dashboard renders the live state of a serving session.
type dashboard struct {
	out      io.Writer
	url      string
	sess     *session.Session
	arena    alloc.Allocator
	counters *alloc.Counters
	clear    bool

	last     transport.MetricsSnapshot
	lastTime time.Time
}

func (d *dashboard) print() {
	m := d.sess.Context().Metrics().Snapshot()
	now := time.Now()
	var b strings.Builder

	if d.clear {
		b.WriteString("\033[H\033[2J")
	}
	fmt.Fprintln(&b, "╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Fprintf(&b, "║ %-65s ║\n", "allocbench server "+d.url)
	fmt.Fprintln(&b, "╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Fprintf(&b, "  Uptime: %v   State: %s   Time: %s\n\n",
		m.Uptime.Round(time.Second), d.sess.ServerState(), now.Format("2006-01-02 15:04:05"))

	fmt.Fprintln(&b, "CONNECTIONS")
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "  Active:               %10d\n", m.ActiveConnections)
	fmt.Fprintf(&b, "  Total:                %10d\n", m.TotalConnections)
	fmt.Fprintf(&b, "  Failed:               %10d\n", m.FailedConnections)
	fmt.Fprintf(&b, "  Handshake failures:   %10d\n\n", m.HandshakeFailures)

	fmt.Fprintln(&b, "MESSAGES")
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "  Received:             %10d (%.2f MB)\n", m.MessagesReceived, mb(m.BytesReceived))
	fmt.Fprintf(&b, "  Sent:                 %10d (%.2f MB)\n", m.MessagesSent, mb(m.BytesSent))
	fmt.Fprintf(&b, "  Compressed frames:    %10d\n", m.CompressedFrames)
	if secs := now.Sub(d.lastTime).Seconds(); !d.lastTime.IsZero() && secs > 0 {
		fmt.Fprintf(&b, "  Receive rate:         %10.0f msg/s\n", float64(m.MessagesReceived-d.last.MessagesReceived)/secs)
		fmt.Fprintf(&b, "  Receive bandwidth:    %10.2f MB/s\n", mb(m.BytesReceived-d.last.BytesReceived)/secs)
	}
	fmt.Fprintf(&b, "  Avg write latency:    %10d µs\n\n", m.AvgWriteLatencyUs)

	st := d.arena.Stats()
	fmt.Fprintf(&b, "RECLAMATION (%s)\n", d.arena.Name())
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "  Reclaimed blocks:     %10d (%.2f MB)\n", d.counters.Count(), mb(d.counters.Bytes()))
	fmt.Fprintf(&b, "  Explicit / collected: %10d / %d\n", d.counters.Explicit(), d.counters.Collected())
	fmt.Fprintf(&b, "  Failures:             %10d\n", d.counters.Failures())
	fmt.Fprintf(&b, "  Arena gets / misses:  %10d / %d\n", st.Gets, st.Misses)
	fmt.Fprintf(&b, "  Outstanding:          %10d (%.2f MB)\n\n", st.Outstanding, mb(st.OutstandingBytes))

	fmt.Fprintln(&b, "ERRORS")
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "  Write / read:         %10d / %d\n", m.WriteErrors, m.ReadErrors)
	if ops := m.MessagesSent + m.MessagesReceived; ops > 0 {
		fmt.Fprintf(&b, "  Error rate:           %10.4f%%\n", float64(m.WriteErrors+m.ReadErrors)/float64(ops)*100)
	}

	_, _ = io.WriteString(d.out, b.String())
	d.last = m
	d.lastTime = now
}

func mb(n int64) float64 {
	return float64(n) / 1024 / 1024
}
