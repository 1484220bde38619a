package alloc

import "sync/atomic"

// Origin tells how a block came back to its arena.
type Origin uint8

const (
	OriginExplicit Origin = iota
	OriginCollected
)

func (o Origin) String() string {
	switch o {
	case OriginExplicit:
		return "explicit"
	case OriginCollected:
		return "collected"
	default:
		return "unknown"
	}
}

// Metrics receives reclamation events. Implementations must be safe for
// concurrent use; they are called from reclamation workers.
type Metrics interface {
	Reclaimed(allocator string, bytes int, origin Origin)
	ReclaimFailed(allocator string, err error)
}

type discard struct{}

func (discard) Reclaimed(string, int, Origin) {}
func (discard) ReclaimFailed(string, error)   {}

// Discard drops every event.
var Discard Metrics = discard{}

// Counters is an in-memory Metrics sink.
type Counters struct {
	count     atomic.Int64
	bytes     atomic.Int64
	explicit  atomic.Int64
	collected atomic.Int64
	failures  atomic.Int64
}

func (c *Counters) Reclaimed(_ string, bytes int, origin Origin) {
	c.count.Add(1)
	c.bytes.Add(int64(bytes))
	if origin == OriginCollected {
		c.collected.Add(1)
	} else {
		c.explicit.Add(1)
	}
}

func (c *Counters) ReclaimFailed(string, error) {
	c.failures.Add(1)
}

// Count is the number of blocks reclaimed.
func (c *Counters) Count() int64 { return c.count.Load() }

// Bytes is the total capacity of reclaimed blocks.
func (c *Counters) Bytes() int64     { return c.bytes.Load() }
func (c *Counters) Explicit() int64  { return c.explicit.Load() }
func (c *Counters) Collected() int64 { return c.collected.Load() }
func (c *Counters) Failures() int64  { return c.failures.Load() }

type tee []Metrics

func (t tee) Reclaimed(allocator string, bytes int, origin Origin) {
	for _, m := range t {
		m.Reclaimed(allocator, bytes, origin)
	}
}

func (t tee) ReclaimFailed(allocator string, err error) {
	for _, m := range t {
		m.ReclaimFailed(allocator, err)
	}
}

// Tee fans events out to every non-nil sink.
func Tee(sinks ...Metrics) Metrics {
	out := make(tee, 0, len(sinks))
	for _, m := range sinks {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}
