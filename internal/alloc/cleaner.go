package alloc

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/feellmoose/allocbench/internal/lifecycle"
	"github.com/feellmoose/allocbench/internal/utils/logging"
	"github.com/feellmoose/allocbench/internal/utils/pool"
)

// Cleaner runs cleanup actions on a dedicated high-priority worker instead
// of the runtime's single cleanup goroutine.
type Cleaner struct {
	queue   *notifyQueue[func()]
	worker  *lifecycle.Worker
	pending atomic.Int64
	closed  sync.Once
}

var cleanerSeq atomic.Int64

// NewCleaner starts a cleaner worker.
func NewCleaner() (*Cleaner, error) {
	c := &Cleaner{queue: newNotifyQueue[func()]()}
	w, err := lifecycle.NewBuilder().
		Name(fmt.Sprintf("allocbench-cleaner-%d", cleanerSeq.Add(1))).
		Daemon(true).
		Priority(lifecycle.MaxPriority - 2).
		Interrupter(func(_ *lifecycle.Worker, interrupt func()) {
			c.queue.close()
			interrupt()
		}).
		Task(c.run).
		Start()
	if err != nil {
		return nil, err
	}
	c.worker = w
	return c, nil
}

var shared struct {
	once    sync.Once
	cleaner *Cleaner
	err     error
}

// SharedCleaner returns the process-wide cleaner, starting it on first use.
func SharedCleaner() (*Cleaner, error) {
	shared.once.Do(func() {
		shared.cleaner, shared.err = NewCleaner()
	})
	return shared.cleaner, shared.err
}

// Register arranges for action to run on the cleaner once obj is unreachable.
// action must not reference obj.
func Register[T any](c *Cleaner, obj *T, action func()) runtime.Cleanup {
	return runtime.AddCleanup(obj, c.dispatch, action)
}

// dispatch runs on the runtime cleanup goroutine. Once the cleaner is closed
// actions run inline there.
func (c *Cleaner) dispatch(action func()) {
	c.pending.Add(1)
	if !c.queue.put(action) {
		c.invoke(action)
	}
}

func (c *Cleaner) run(context.Context) error {
	for {
		action, ok := c.queue.take()
		if !ok {
			return nil
		}
		c.invoke(action)
	}
}

func (c *Cleaner) invoke(action func()) {
	defer c.pending.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			logging.Error(fmt.Errorf("%v", r), "cleanup action panicked", "worker", c.worker.Name())
		}
	}()
	action()
}

// Pending returns the number of actions queued or running.
func (c *Cleaner) Pending() int64 {
	return c.pending.Load()
}

// Close runs what is already queued and stops the worker.
func (c *Cleaner) Close() error {
	c.closed.Do(func() {
		c.worker.Interrupt()
		<-c.worker.Done()
	})
	return nil
}

// CleanerAllocator reclaims blocks through a Cleaner.
type CleanerAllocator struct {
	*base
	cleaner *Cleaner
}

func newCleanerAllocator(name string, o Options) (*CleanerAllocator, error) {
	c := o.Cleaner
	if c == nil {
		var err error
		if c, err = SharedCleaner(); err != nil {
			return nil, err
		}
	}
	return &CleanerAllocator{base: newBase(name, o), cleaner: c}, nil
}

// NewCleanerAllocator creates an allocator over arena.
func NewCleanerAllocator(arena pool.Arena, opts ...Option) (*CleanerAllocator, error) {
	o := newOptions(append(opts, WithArena(arena)))
	return newCleanerAllocator(arena.Name()+"-"+StrategyCleaner, o)
}

func (a *CleanerAllocator) Allocate(size int) *Msg {
	if size == 0 {
		return &Msg{}
	}
	r := a.newRecord(size)
	m := &Msg{data: r.block.Bytes(), rec: r}
	m.cleanup = Register(a.cleaner, m, r.collect)
	return m
}

// Close leaves the cleaner running; blocks still owned by live messages are
// reclaimed as usual.
func (a *CleanerAllocator) Close() error {
	return nil
}
