// Package alloc hands out message buffers backed by pooled arenas and
// returns each block to its arena exactly once: on an explicit Release, or
// after the owning Msg becomes unreachable.
//
// Two reclamation strategies are provided. CleanerAllocator routes runtime
// cleanups through a shared Cleaner worker. ReferenceAllocator tracks every
// live block in a records set, and a poller resolves unreachable handles
// from a notification queue, optionally fanning releases out to a worker pool.
package alloc

import (
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"

	"github.com/feellmoose/allocbench/internal/utils/pool"
)

// ErrReleased is returned by Msg.Release once the block is already back in its arena.
var ErrReleased = errors.New("alloc: message already released")

// Msg owns one pooled block for as long as it is reachable.
// The slice returned by Bytes must not be used after the Msg is released
// or dropped; callers doing I/O on it keep the Msg alive for the duration.
type Msg struct {
	data    []byte
	rec     *record
	cleanup runtime.Cleanup
}

// Bytes returns the message payload. len and cap both equal Size.
func (m *Msg) Bytes() []byte {
	return m.data
}

// Size returns the payload length in bytes.
func (m *Msg) Size() int {
	return len(m.data)
}

// Release returns the block to its arena immediately and cancels deferred
// reclamation. Zero-size and unpooled messages release trivially.
func (m *Msg) Release() error {
	if m == nil || m.rec == nil {
		return nil
	}
	m.cleanup.Stop()
	err := m.rec.reclaim(OriginExplicit)
	m.data = nil
	return err
}

// Allocator creates messages.
type Allocator interface {
	// Allocate returns a message of exactly size bytes. Size zero never touches
	// the arena. Negative sizes panic.
	Allocate(size int) *Msg
	Name() string
	Stats() pool.Stats
	Close() error
}

// Options configure an allocator.
type Options struct {
	Arena      pool.Arena
	Metrics    Metrics
	Workers    int
	LeakReport bool
	Cleaner    *Cleaner
}

type Option func(*Options)

// WithArena overrides the arena named by the allocator spec.
func WithArena(a pool.Arena) Option {
	return func(o *Options) { o.Arena = a }
}

// WithMetrics sets the sink notified of every reclamation.
func WithMetrics(m Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithWorkers fans releases out to a pool of n workers. Only ReferenceAllocator uses it.
func WithWorkers(n int) Option {
	return func(o *Options) { o.Workers = n }
}

// WithLeakReport logs the allocation site of every message that was
// reclaimed by the collector instead of being released.
func WithLeakReport(enabled bool) Option {
	return func(o *Options) { o.LeakReport = enabled }
}

// WithCleaner makes CleanerAllocator use c instead of the shared cleaner.
func WithCleaner(c *Cleaner) Option {
	return func(o *Options) { o.Cleaner = c }
}

func newOptions(opts []Option) Options {
	o := Options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Metrics == nil {
		o.Metrics = Discard
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	return o
}

const (
	StrategyCleaner   = "cleaner"
	StrategyReference = "reference"
)

// New builds an allocator from a spec of the form "<arena>-<strategy>",
// for example "pooled-reference" or "bytebuffer-cleaner", or "heap" for the
// unpooled baseline.
//
// Parameters:
//   - spec: Allocator name as accepted on the command line
//   - opts: Metrics sink, worker count, cleaner and leak report overrides
//
// Returns:
//   - Allocator: Ready to use; Close it to stop the reclamation goroutine
//   - error: Non-nil when the arena or strategy is not recognised
func New(spec string, opts ...Option) (Allocator, error) {
	if spec == "heap" {
		return NewHeapAllocator(), nil
	}
	arenaName, strategy, err := ParseSpec(spec)
	if err != nil {
		return nil, err
	}
	o := newOptions(opts)
	if o.Arena == nil {
		a, err := pool.NewArena(arenaName)
		if err != nil {
			return nil, err
		}
		o.Arena = a
	}
	if strategy == StrategyCleaner {
		return newCleanerAllocator(spec, o)
	}
	return newReferenceAllocator(spec, o)
}

// ParseSpec splits an "<arena>-<strategy>" allocator spec and checks that
// both parts are known. The "heap" baseline has no strategy.
func ParseSpec(spec string) (arena, strategy string, err error) {
	if spec == "heap" {
		return "heap", "", nil
	}
	arena, strategy, ok := strings.Cut(spec, "-")
	if !ok {
		return "", "", fmt.Errorf("alloc: invalid allocator %q, want <arena>-<strategy>", spec)
	}
	if !slices.Contains(pool.AvailableArenas(), arena) {
		return "", "", fmt.Errorf("alloc: unknown arena %q in %q", arena, spec)
	}
	if strategy != StrategyCleaner && strategy != StrategyReference {
		return "", "", fmt.Errorf("alloc: unknown strategy %q in %q", strategy, spec)
	}
	return arena, strategy, nil
}
