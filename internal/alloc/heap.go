package alloc

import (
	"sync/atomic"

	"github.com/feellmoose/allocbench/internal/utils/pool"
)

// HeapAllocator allocates every message from the Go heap and leaves
// reclamation to the garbage collector. It is the baseline the pooled
// strategies are measured against.
type HeapAllocator struct {
	gets  atomic.Int64
	bytes atomic.Int64
}

func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{}
}

func (a *HeapAllocator) Name() string { return "heap" }

func (a *HeapAllocator) Allocate(size int) *Msg {
	if size < 0 {
		panic("alloc: negative message size")
	}
	if size == 0 {
		return &Msg{}
	}
	a.gets.Add(1)
	a.bytes.Add(int64(size))
	return &Msg{data: make([]byte, size)}
}

// Stats reports every allocation as a miss. Blocks are never returned, so
// Releases stays zero and Outstanding counts all allocations.
func (a *HeapAllocator) Stats() pool.Stats {
	n := a.gets.Load()
	return pool.Stats{Gets: n, Misses: n, Outstanding: n, OutstandingBytes: a.bytes.Load()}
}

func (a *HeapAllocator) Close() error { return nil }
