package alloc

import (
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"weak"

	"github.com/feellmoose/allocbench/internal/utils/logging"
	"github.com/feellmoose/allocbench/internal/utils/pool"
)

const (
	recordLive uint32 = iota
	recordReclaimed
)

// record ties a block to the handle that owns it. It never holds the handle
// strongly, so it can be passed to runtime.AddCleanup.
type record struct {
	id    uint64
	block pool.Block
	size  int
	state atomic.Uint32
	ref   weak.Pointer[Msg]
	stack []uintptr
	owner *base
}

// reclaim releases the block the first time it is called and reports
// ErrReleased afterwards.
func (r *record) reclaim(origin Origin) error {
	if !r.state.CompareAndSwap(recordLive, recordReclaimed) {
		return ErrReleased
	}
	return r.owner.release(r, origin)
}

func (r *record) collect() {
	_ = r.reclaim(OriginCollected)
}

// base holds what both pooled strategies share.
type base struct {
	name       string
	arena      pool.Arena
	metrics    Metrics
	leakReport bool
	seq        atomic.Uint64
	// onRelease runs after a successful or failed block release.
	onRelease func(r *record)
}

func newBase(name string, o Options) *base {
	return &base{
		name:       name,
		arena:      o.Arena,
		metrics:    o.Metrics,
		leakReport: o.LeakReport,
	}
}

func (b *base) Name() string { return b.name }

func (b *base) Stats() pool.Stats { return b.arena.Stats() }

// newRecord takes a block from the arena. The block must be a single range.
func (b *base) newRecord(size int) *record {
	block := b.arena.Get(size)
	if n := block.Segments(); n != 1 {
		_ = block.Release()
		panic(fmt.Sprintf("alloc: %s returned a block with %d segments, want 1", b.arena.Name(), n))
	}
	r := &record{
		id:    b.seq.Add(1),
		block: block,
		size:  block.Cap(),
		owner: b,
	}
	if b.leakReport {
		pcs := make([]uintptr, 16)
		r.stack = pcs[:runtime.Callers(3, pcs)]
	}
	return r
}

func (b *base) release(r *record, origin Origin) error {
	err := r.block.Release()
	if err != nil {
		b.metrics.ReclaimFailed(b.name, err)
		logging.Error(err, "block release failed", "allocator", b.name, "bytes", r.size, "origin", origin.String())
	} else {
		b.metrics.Reclaimed(b.name, r.size, origin)
		if origin == OriginCollected && b.leakReport {
			logging.Warn("message reclaimed without Release", "allocator", b.name, "bytes", r.size, "allocated_at", formatStack(r.stack))
		}
	}
	if b.onRelease != nil {
		b.onRelease(r)
	}
	return err
}

func formatStack(pcs []uintptr) string {
	if len(pcs) == 0 {
		return ""
	}
	var sb strings.Builder
	frames := runtime.CallersFrames(pcs)
	for {
		f, more := frames.Next()
		if sb.Len() > 0 {
			sb.WriteString(" <- ")
		}
		fmt.Fprintf(&sb, "%s:%d", f.Function, f.Line)
		if !more {
			break
		}
	}
	return sb.String()
}
