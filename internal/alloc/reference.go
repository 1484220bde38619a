package alloc

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/panjf2000/ants/v2"

	"github.com/feellmoose/allocbench/internal/lifecycle"
	"github.com/feellmoose/allocbench/internal/utils/logging"
	"github.com/feellmoose/allocbench/internal/utils/pool"
)

var referenceSeq atomic.Int64

const releaseTimeout = 5 * time.Second

// ReferenceAllocator tracks each live block in a records set and holds only
// a weak pointer to the owning message. When the message becomes
// unreachable its record is queued and a poller worker returns the block,
// inline or on an ants pool when more than one worker is configured.
type ReferenceAllocator struct {
	*base
	records *recordSet
	queue   *notifyQueue[*record]
	poller  *lifecycle.Worker
	workers *ants.Pool
	closed  sync.Once
}

func newReferenceAllocator(name string, o Options) (*ReferenceAllocator, error) {
	a := &ReferenceAllocator{
		base:    newBase(name, o),
		records: newRecordSet(),
		queue:   newNotifyQueue[*record](),
	}
	a.onRelease = a.records.remove

	if o.Workers > 1 {
		p, err := ants.NewPool(o.Workers,
			ants.WithPreAlloc(true),
			ants.WithNonblocking(false),
			ants.WithPanicHandler(func(r interface{}) {
				logging.Error(fmt.Errorf("%v", r), "reclaim task panicked", "allocator", name)
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("alloc: reclaim pool: %w", err)
		}
		a.workers = p
	}

	w, err := lifecycle.NewBuilder().
		Name(fmt.Sprintf("allocbench-reference-%d", referenceSeq.Add(1))).
		Daemon(true).
		Priority(lifecycle.MaxPriority - 2).
		Interrupter(func(_ *lifecycle.Worker, interrupt func()) {
			a.queue.close()
			interrupt()
		}).
		Task(a.poll).
		Start()
	if err != nil {
		if a.workers != nil {
			a.workers.Release()
		}
		return nil, err
	}
	a.poller = w
	return a, nil
}

// NewReferenceAllocator creates an allocator over arena.
func NewReferenceAllocator(arena pool.Arena, opts ...Option) (*ReferenceAllocator, error) {
	o := newOptions(append(opts, WithArena(arena)))
	return newReferenceAllocator(arena.Name()+"-"+StrategyReference, o)
}

func (a *ReferenceAllocator) Allocate(size int) *Msg {
	if size == 0 {
		return &Msg{}
	}
	r := a.newRecord(size)
	m := &Msg{data: r.block.Bytes(), rec: r}
	r.ref = weak.Make(m)
	a.records.add(r)
	m.cleanup = runtime.AddCleanup(m, a.enqueue, r)
	return m
}

// enqueue runs on the runtime cleanup goroutine.
func (a *ReferenceAllocator) enqueue(r *record) {
	if !a.queue.put(r) {
		a.destroy(r)
	}
}

func (a *ReferenceAllocator) poll(context.Context) error {
	for {
		r, ok := a.queue.take()
		if !ok {
			return nil
		}
		if r.ref.Value() != nil {
			// weak pointers are cleared before cleanups run; reclaim rather than leak
			logging.Warn("queued record still has a live message, reclaiming", "allocator", a.name, "bytes", r.size)
		}
		if a.workers == nil {
			a.destroy(r)
			continue
		}
		if err := a.workers.Submit(func() { a.destroy(r) }); err != nil {
			a.destroy(r)
		}
	}
}

func (a *ReferenceAllocator) destroy(r *record) {
	_ = r.reclaim(OriginCollected)
}

// Live returns the number of blocks not yet reclaimed.
func (a *ReferenceAllocator) Live() int {
	return a.records.len()
}

// Close drains queued records and stops the poller and the worker pool.
// Messages still alive afterwards are reclaimed on the runtime cleanup goroutine.
func (a *ReferenceAllocator) Close() error {
	a.closed.Do(func() {
		a.poller.Interrupt()
		<-a.poller.Done()
		if a.workers != nil {
			if err := a.workers.ReleaseTimeout(releaseTimeout); err != nil {
				logging.Warn("reclaim pool did not drain", "allocator", a.name, "err", err)
			}
		}
		if a.leakReport {
			a.records.each(func(r *record) {
				if r.ref.Value() != nil {
					logging.Warn("message still live at close", "allocator", a.name, "bytes", r.size, "allocated_at", formatStack(r.stack))
				}
			})
		}
	})
	return nil
}
