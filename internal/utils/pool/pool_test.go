package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func arenas(t *testing.T) []Arena {
	t.Helper()
	var out []Arena
	for _, name := range AvailableArenas() {
		a, err := NewArena(name)
		require.NoError(t, err)
		out = append(out, a)
	}
	return out
}

func TestExactSize(t *testing.T) {
	for _, a := range arenas(t) {
		t.Run(a.Name(), func(t *testing.T) {
			for _, size := range []int{0, 1, 63, 64, 65, 100, 10000, 100000} {
				b := a.Get(size)
				assert.Len(t, b.Bytes(), size)
				assert.Equal(t, size, cap(b.Bytes()))
				assert.Equal(t, size, b.Cap())
				assert.Equal(t, 1, b.Segments())
				require.NoError(t, b.Release())
			}
			st := a.Stats()
			assert.EqualValues(t, 8, st.Gets)
			assert.EqualValues(t, 8, st.Releases)
			assert.Zero(t, st.Outstanding)
			assert.Zero(t, st.OutstandingBytes)
		})
	}
}

func TestDoubleRelease(t *testing.T) {
	for _, a := range arenas(t) {
		t.Run(a.Name(), func(t *testing.T) {
			b := a.Get(100)
			require.NoError(t, b.Release())
			assert.ErrorIs(t, b.Release(), ErrDoubleRelease)
			assert.EqualValues(t, 1, a.Stats().Releases)
		})
	}
}

func TestOutstandingAccounting(t *testing.T) {
	a := NewClassedArena()
	b1 := a.Get(100)
	b2 := a.Get(200)

	st := a.Stats()
	assert.EqualValues(t, 2, st.Outstanding)
	assert.EqualValues(t, 300, st.OutstandingBytes)

	require.NoError(t, b1.Release())
	require.NoError(t, b2.Release())
	assert.Zero(t, a.Stats().Outstanding)
}

func TestClassIndex(t *testing.T) {
	assert.Equal(t, 0, classIndex(1))
	assert.Equal(t, 0, classIndex(64))
	assert.Equal(t, 1, classIndex(65))
	assert.Equal(t, 1, classIndex(128))
	assert.Equal(t, numClasses-1, classIndex(1<<maxClassShift))
	assert.Equal(t, -1, classIndex(1<<maxClassShift+1))
}

func TestOversizedIsMiss(t *testing.T) {
	a := NewClassedArena()
	b := a.Get(1<<maxClassShift + 1)
	assert.EqualValues(t, 1, a.Stats().Misses)
	require.NoError(t, b.Release())
}

func TestUnknownArena(t *testing.T) {
	_, err := NewArena("direct")
	assert.Error(t, err)
}

func TestConcurrentGetRelease(t *testing.T) {
	for _, a := range arenas(t) {
		t.Run(a.Name(), func(t *testing.T) {
			const workers, per = 8, 1000
			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < per; i++ {
						b := a.Get(1 + (w*per+i)%4096)
						b.Bytes()[0] = byte(i)
						if err := b.Release(); err != nil {
							t.Error(err)
							return
						}
					}
				}(w)
			}
			wg.Wait()

			st := a.Stats()
			assert.EqualValues(t, workers*per, st.Gets)
			assert.EqualValues(t, workers*per, st.Releases)
			assert.Zero(t, st.Outstanding)
		})
	}
}

func BenchmarkArenaGetRelease(b *testing.B) {
	for _, name := range AvailableArenas() {
		a, _ := NewArena(name)
		b.Run(name, func(b *testing.B) {
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					_ = a.Get(1024).Release()
				}
			})
			b.ReportMetric(float64(a.Stats().Misses), "misses")
		})
	}
}
