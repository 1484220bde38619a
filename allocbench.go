// Package allocbench benchmarks pooled allocators whose blocks are given
// back to their arena either explicitly or, when a message is dropped
// without a release, by the garbage collector.
//
// Allocators are named "<arena>-<strategy>":
//   - arena: pooled (size-classed sync.Pool), bytebuffer (valyala/bytebufferpool)
//   - strategy: cleaner (runtime cleanups), reference (weak pointers drained by a worker pool)
//   - "heap" allocates fresh memory and never reclaims
//
// A benchmark run starts a session whose server binds a messaging endpoint
// (tcp, gnet, kcp or inproc) and consumes or answers messages, while client
// workers send messages built by the allocator under test for a fixed
// duration.
//
// Example (query/answer over TCP):
//
//	res, err := allocbench.Run(ctx, allocbench.Config{
//	    Allocator: "pooled-reference",
//	    Size:      1024,
//	    Clients:   4,
//	    Duration:  5 * time.Second,
//	    URL:       "tcp://127.0.0.1:13800",
//	    Answer:    true,
//	})
//	fmt.Println(res)
//
// Messages must be released once they are no longer used:
//
//	a, _ := allocbench.NewAllocator("pooled-cleaner")
//	defer a.Close()
//	msg := a.Allocate(4096)
//	defer msg.Release()
package allocbench

import (
	"context"

	"github.com/feellmoose/allocbench/internal/alloc"
	"github.com/feellmoose/allocbench/internal/bench"
	"github.com/feellmoose/allocbench/internal/session"
	"github.com/feellmoose/allocbench/internal/utils/pool"
)

type (
	// Allocator hands out messages backed by an arena.
	Allocator = alloc.Allocator
	// Msg is an allocated message. Release returns its block to the arena.
	Msg = alloc.Msg
	// Metrics receives reclamation events.
	Metrics = alloc.Metrics
	// Counters is a Metrics that keeps totals.
	Counters = alloc.Counters
	// AllocatorOption configures NewAllocator.
	AllocatorOption = alloc.Option

	Config = bench.Config
	Result = bench.Result
	Point  = bench.Point
	Runner = bench.Runner

	Session = session.Session
	Factory = session.Factory
)

var (
	WithMetrics    = alloc.WithMetrics
	WithWorkers    = alloc.WithWorkers
	WithLeakReport = alloc.WithLeakReport

	// ErrReleased is returned by a second Release of the same message.
	ErrReleased = alloc.ErrReleased
	// ErrServerDead is returned by iterations once the session server stopped.
	ErrServerDead = session.ErrServerDead
)

// NewAllocator creates the allocator named spec, e.g. "bytebuffer-reference".
func NewAllocator(spec string, opts ...AllocatorOption) (Allocator, error) {
	return alloc.New(spec, opts...)
}

// Allocators lists the allocator names benchmarked by default.
func Allocators() []string {
	return append([]string(nil), bench.DefaultAllocators...)
}

// Arenas lists the registered arena names.
func Arenas() []string {
	return pool.AvailableArenas()
}

// Run performs one benchmark run.
func Run(ctx context.Context, cfg Config) (Result, error) {
	return bench.NewRunner().Run(ctx, cfg)
}

// RunGrid runs cfg for every allocator and size combination and returns the
// results in order. Nil or empty inputs take the defaults.
func RunGrid(ctx context.Context, cfg Config, allocators []string, sizes []int) ([]Result, error) {
	var results []Result
	err := bench.NewRunner().RunGrid(ctx, cfg, bench.Grid(allocators, sizes), func(r Result) {
		results = append(results, r)
	})
	return results, err
}
