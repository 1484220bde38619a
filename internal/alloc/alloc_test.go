package alloc

import (
	"bytes"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feellmoose/allocbench/internal/utils/logging"
	"github.com/feellmoose/allocbench/internal/utils/pool"
)

type strategyCase struct {
	name string
	make func(t *testing.T, arena pool.Arena, opts ...Option) Allocator
}

func strategies() []strategyCase {
	return []strategyCase{
		{"cleaner", func(t *testing.T, arena pool.Arena, opts ...Option) Allocator {
			c, err := NewCleaner()
			require.NoError(t, err)
			t.Cleanup(func() { _ = c.Close() })
			a, err := NewCleanerAllocator(arena, append(opts, WithCleaner(c))...)
			require.NoError(t, err)
			return a
		}},
		{"reference", func(t *testing.T, arena pool.Arena, opts ...Option) Allocator {
			a, err := NewReferenceAllocator(arena, opts...)
			require.NoError(t, err)
			t.Cleanup(func() { _ = a.Close() })
			return a
		}},
		{"reference-fanout", func(t *testing.T, arena pool.Arena, opts ...Option) Allocator {
			a, err := NewReferenceAllocator(arena, append(opts, WithWorkers(4))...)
			require.NoError(t, err)
			t.Cleanup(func() { _ = a.Close() })
			return a
		}},
	}
}

// churn allocates and drops messages from several goroutines.
func churn(a Allocator, workers, per, size int) {
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				m := a.Allocate(size)
				if size > 0 {
					m.Bytes()[0] = byte(i)
				}
			}
		}()
	}
	wg.Wait()
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		runtime.GC()
		return cond()
	}, 10*time.Second, 10*time.Millisecond)
}

func TestCollectedReclamation(t *testing.T) {
	for _, sc := range strategies() {
		t.Run(sc.name, func(t *testing.T) {
			arena := pool.NewClassedArena()
			counters := &Counters{}
			a := sc.make(t, arena, WithMetrics(counters))

			churn(a, 4, 1000, 100)

			eventually(t, func() bool { return counters.Count() == 4000 })
			assert.EqualValues(t, 400000, counters.Bytes())
			assert.EqualValues(t, 4000, counters.Collected())
			assert.Zero(t, counters.Failures())

			st := arena.Stats()
			assert.EqualValues(t, 4000, st.Gets)
			assert.EqualValues(t, 4000, st.Releases)
			assert.Zero(t, st.Outstanding)
		})
	}
}

func TestZeroSizeSkipsArena(t *testing.T) {
	for _, sc := range strategies() {
		t.Run(sc.name, func(t *testing.T) {
			arena := pool.NewClassedArena()
			counters := &Counters{}
			a := sc.make(t, arena, WithMetrics(counters))

			m := a.Allocate(0)
			require.NotNil(t, m)
			assert.Zero(t, m.Size())
			assert.Empty(t, m.Bytes())
			assert.NoError(t, m.Release())

			churn(a, 2, 100, 0)
			runtime.GC()
			runtime.GC()

			assert.Zero(t, arena.Stats().Gets)
			assert.Zero(t, counters.Count())
		})
	}
}

func TestExplicitReleaseExactlyOnce(t *testing.T) {
	for _, sc := range strategies() {
		t.Run(sc.name, func(t *testing.T) {
			arena := pool.NewClassedArena()
			counters := &Counters{}
			a := sc.make(t, arena, WithMetrics(counters))

			m := a.Allocate(512)
			require.Len(t, m.Bytes(), 512)
			require.NoError(t, m.Release())
			assert.ErrorIs(t, m.Release(), ErrReleased)
			m = nil

			for i := 0; i < 3; i++ {
				runtime.GC()
				time.Sleep(10 * time.Millisecond)
			}

			assert.EqualValues(t, 1, counters.Count())
			assert.EqualValues(t, 1, counters.Explicit())
			assert.Zero(t, counters.Collected())
			assert.EqualValues(t, 1, arena.Stats().Releases)
		})
	}
}

func TestMixedExplicitAndCollected(t *testing.T) {
	for _, sc := range strategies() {
		t.Run(sc.name, func(t *testing.T) {
			counters := &Counters{}
			a := sc.make(t, pool.NewByteBufferArena(), WithMetrics(counters))

			var wg sync.WaitGroup
			for w := 0; w < 4; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < 500; i++ {
						m := a.Allocate(64)
						if i%2 == 0 {
							_ = m.Release()
						}
					}
				}()
			}
			wg.Wait()

			eventually(t, func() bool { return counters.Count() == 2000 })
			assert.EqualValues(t, 1000, counters.Explicit())
			assert.EqualValues(t, 1000, counters.Collected())
			assert.EqualValues(t, 2000*64, counters.Bytes())
		})
	}
}

type fakeArena struct {
	segments    int
	failRelease atomic.Bool
	released    atomic.Int64
}

func (f *fakeArena) Get(size int) pool.Block { return &fakeBlock{arena: f, data: make([]byte, size)} }
func (f *fakeArena) Name() string            { return "fake" }
func (f *fakeArena) Stats() pool.Stats       { return pool.Stats{Releases: f.released.Load()} }

type fakeBlock struct {
	arena *fakeArena
	data  []byte
}

func (b *fakeBlock) Bytes() []byte { return b.data }
func (b *fakeBlock) Cap() int      { return len(b.data) }
func (b *fakeBlock) Segments() int { return b.arena.segments }

func (b *fakeBlock) Release() error {
	b.arena.released.Add(1)
	if b.arena.failRelease.Load() {
		return errors.New("arena corrupted")
	}
	return nil
}

func TestMultiSegmentBlockPanics(t *testing.T) {
	for _, sc := range strategies() {
		t.Run(sc.name, func(t *testing.T) {
			arena := &fakeArena{segments: 2}
			a := sc.make(t, arena)

			assert.Panics(t, func() { a.Allocate(100) })
			assert.EqualValues(t, 1, arena.released.Load(), "rejected block goes back to the arena")
		})
	}
}

func TestReleaseFailureKeepsWorkerRunning(t *testing.T) {
	for _, sc := range strategies() {
		t.Run(sc.name, func(t *testing.T) {
			arena := &fakeArena{segments: 1}
			arena.failRelease.Store(true)
			counters := &Counters{}
			a := sc.make(t, arena, WithMetrics(counters))

			churn(a, 1, 10, 32)
			eventually(t, func() bool { return counters.Failures() == 10 })
			assert.Zero(t, counters.Count())

			arena.failRelease.Store(false)
			churn(a, 1, 10, 32)
			eventually(t, func() bool { return counters.Count() == 10 })
		})
	}
}

func TestRecordsSetEmpties(t *testing.T) {
	a, err := NewReferenceAllocator(pool.NewClassedArena())
	require.NoError(t, err)
	defer a.Close()

	keep := a.Allocate(10)
	churn(a, 4, 250, 10)

	eventually(t, func() bool { return a.Live() == 1 })
	require.NoError(t, keep.Release())
	assert.Zero(t, a.Live())
}

func TestQueuedLiveRecordIsReclaimed(t *testing.T) {
	counters := &Counters{}
	a, err := NewReferenceAllocator(pool.NewClassedArena(), WithMetrics(counters))
	require.NoError(t, err)
	defer a.Close()

	m := a.Allocate(32)
	a.enqueue(m.rec)

	eventually(t, func() bool { return counters.Collected() == 1 })
	assert.Zero(t, a.Live())
	assert.ErrorIs(t, m.Release(), ErrReleased)
	assert.EqualValues(t, 1, counters.Count())
}

func TestReclaimAfterClose(t *testing.T) {
	counters := &Counters{}
	a, err := NewReferenceAllocator(pool.NewClassedArena(), WithMetrics(counters), WithWorkers(2))
	require.NoError(t, err)

	m := a.Allocate(10)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	m.Bytes()[0] = 1
	m = nil
	eventually(t, func() bool { return counters.Count() == 1 })
	assert.Zero(t, a.Live())
}

func TestCleanerDrainsOnClose(t *testing.T) {
	c, err := NewCleaner()
	require.NoError(t, err)

	counters := &Counters{}
	a, err := NewCleanerAllocator(pool.NewHeapArena(), WithCleaner(c), WithMetrics(counters))
	require.NoError(t, err)

	churn(a, 2, 50, 8)
	require.NoError(t, c.Close())

	eventually(t, func() bool { return counters.Count() == 100 })
	assert.Zero(t, c.Pending())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func leakyAllocation(a Allocator) {
	a.Allocate(48).Bytes()[0] = 1
}

func TestLeakReport(t *testing.T) {
	out := &syncBuffer{}
	logging.SetOptions(&logging.LogOptions{Level: "warn", Format: "json", Output: out})
	t.Cleanup(func() { logging.SetOptions(&logging.LogOptions{Level: "info", Format: "text"}) })

	a, err := NewReferenceAllocator(pool.NewClassedArena(), WithLeakReport(true))
	require.NoError(t, err)
	defer a.Close()

	leakyAllocation(a)
	eventually(t, func() bool { return bytes.Contains([]byte(out.String()), []byte("message reclaimed without Release")) })
	assert.Contains(t, out.String(), "leakyAllocation")
}

func TestNew(t *testing.T) {
	for _, spec := range []string{"pooled-reference", "pooled-cleaner", "bytebuffer-reference", "bytebuffer-cleaner", "heap-cleaner"} {
		a, err := New(spec)
		require.NoError(t, err, spec)
		assert.Equal(t, spec, a.Name())
		m := a.Allocate(16)
		assert.Len(t, m.Bytes(), 16)
		require.NoError(t, m.Release())
		require.NoError(t, a.Close())
	}

	h, err := New("heap")
	require.NoError(t, err)
	assert.IsType(t, &HeapAllocator{}, h)

	for _, bad := range []string{"pooled", "pooled-phantom", "direct-cleaner"} {
		_, err := New(bad)
		assert.Error(t, err, bad)
	}
}

func TestHeapAllocator(t *testing.T) {
	a := NewHeapAllocator()
	m := a.Allocate(100)
	assert.Len(t, m.Bytes(), 100)
	assert.NoError(t, m.Release())
	assert.Zero(t, a.Allocate(0).Size())
	assert.EqualValues(t, 1, a.Stats().Gets)
	assert.Panics(t, func() { a.Allocate(-1) })
}

func TestTee(t *testing.T) {
	c1, c2 := &Counters{}, &Counters{}
	m := Tee(c1, nil, c2)
	m.Reclaimed("x", 10, OriginExplicit)
	m.ReclaimFailed("x", errors.New("e"))

	for _, c := range []*Counters{c1, c2} {
		assert.EqualValues(t, 1, c.Count())
		assert.EqualValues(t, 10, c.Bytes())
		assert.EqualValues(t, 1, c.Failures())
	}
	assert.Equal(t, "collected", OriginCollected.String())
}

func BenchmarkAllocate(b *testing.B) {
	for _, spec := range []string{"heap", "pooled-cleaner", "pooled-reference", "bytebuffer-reference"} {
		b.Run(spec, func(b *testing.B) {
			counters := &Counters{}
			a, err := New(spec, WithMetrics(counters))
			if err != nil {
				b.Fatal(err)
			}
			defer a.Close()
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					a.Allocate(1024).Bytes()[0] = 1
				}
			})
			b.ReportMetric(float64(counters.Count()), "reclaimed")
		})
	}
}
