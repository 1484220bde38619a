// Package pool provides the backing arenas that hand out fixed-size blocks
// to the message allocators.
package pool

import (
	"errors"
	"math/bits"
	"sync"
	"sync/atomic"
)

// ErrDoubleRelease is returned when a block is released more than once.
var ErrDoubleRelease = errors.New("pool: block released twice")

// Block is one allocation obtained from an Arena.
// Bytes has both length and capacity equal to the requested size.
type Block interface {
	Bytes() []byte
	Cap() int
	// Segments reports how many discontiguous ranges back the block.
	Segments() int
	// Release returns the block to its arena. Only the first call has effect.
	Release() error
}

// Arena hands out blocks and accounts for them.
type Arena interface {
	Get(size int) Block
	Name() string
	Stats() Stats
}

// Stats is a point-in-time view of an arena's counters.
type Stats struct {
	Gets             int64
	Releases         int64
	Misses           int64 // Gets that could not be served from pooled memory
	Outstanding      int64
	OutstandingBytes int64
}

type counters struct {
	gets             atomic.Int64
	releases         atomic.Int64
	misses           atomic.Int64
	outstanding      atomic.Int64
	outstandingBytes atomic.Int64
}

func (c *counters) acquired(size int, miss bool) {
	c.gets.Add(1)
	if miss {
		c.misses.Add(1)
	}
	c.outstanding.Add(1)
	c.outstandingBytes.Add(int64(size))
}

func (c *counters) released(size int) {
	c.releases.Add(1)
	c.outstanding.Add(-1)
	c.outstandingBytes.Add(-int64(size))
}

func (c *counters) snapshot() Stats {
	return Stats{
		Gets:             c.gets.Load(),
		Releases:         c.releases.Load(),
		Misses:           c.misses.Load(),
		Outstanding:      c.outstanding.Load(),
		OutstandingBytes: c.outstandingBytes.Load(),
	}
}

const (
	minClassShift = 6  // 64B
	maxClassShift = 24 // 16MB
	numClasses    = maxClassShift - minClassShift + 1
)

// ClassedArena pools buffers in power-of-two size classes.
// Requests above the largest class are served from the heap and counted as misses.
type ClassedArena struct {
	classes [numClasses]sync.Pool
	counters
}

// NewClassedArena creates an empty arena.
func NewClassedArena() *ClassedArena {
	return &ClassedArena{}
}

func classIndex(size int) int {
	if size <= 1<<minClassShift {
		return 0
	}
	idx := bits.Len(uint(size-1)) - minClassShift
	if idx >= numClasses {
		return -1
	}
	return idx
}

func (a *ClassedArena) Name() string { return "pooled" }

func (a *ClassedArena) Stats() Stats { return a.snapshot() }

// Get returns a block of exactly size bytes. It panics on negative sizes.
func (a *ClassedArena) Get(size int) Block {
	if size < 0 {
		panic("pool: negative block size")
	}
	idx := classIndex(size)
	if idx < 0 {
		a.acquired(size, true)
		buf := make([]byte, size)
		return &classedBlock{arena: a, class: -1, data: buf}
	}

	var bp *[]byte
	miss := false
	if v := a.classes[idx].Get(); v != nil {
		bp = v.(*[]byte)
	} else {
		buf := make([]byte, 1<<(idx+minClassShift))
		bp = &buf
		miss = true
	}
	a.acquired(size, miss)
	return &classedBlock{arena: a, class: idx, buf: bp, data: (*bp)[:size:size]}
}

type classedBlock struct {
	arena    *ClassedArena
	class    int
	buf      *[]byte
	data     []byte
	released atomic.Bool
}

func (b *classedBlock) Bytes() []byte { return b.data }
func (b *classedBlock) Cap() int      { return len(b.data) }
func (b *classedBlock) Segments() int { return 1 }

func (b *classedBlock) Release() error {
	if !b.released.CompareAndSwap(false, true) {
		return ErrDoubleRelease
	}
	size := len(b.data)
	b.data = nil
	if b.class >= 0 {
		*b.buf = (*b.buf)[:cap(*b.buf)]
		b.arena.classes[b.class].Put(b.buf)
		b.buf = nil
	}
	b.arena.released(size)
	return nil
}

// HeapArena allocates every block from the heap and drops it on release.
type HeapArena struct {
	counters
}

func NewHeapArena() *HeapArena { return &HeapArena{} }

func (a *HeapArena) Name() string { return "heap" }

func (a *HeapArena) Stats() Stats { return a.snapshot() }

func (a *HeapArena) Get(size int) Block {
	if size < 0 {
		panic("pool: negative block size")
	}
	a.acquired(size, true)
	return &heapBlock{arena: a, data: make([]byte, size)}
}

type heapBlock struct {
	arena    *HeapArena
	data     []byte
	released atomic.Bool
}

func (b *heapBlock) Bytes() []byte { return b.data }
func (b *heapBlock) Cap() int      { return len(b.data) }
func (b *heapBlock) Segments() int { return 1 }

func (b *heapBlock) Release() error {
	if !b.released.CompareAndSwap(false, true) {
		return ErrDoubleRelease
	}
	size := len(b.data)
	b.data = nil
	b.arena.released(size)
	return nil
}
