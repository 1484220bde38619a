// Package lifecycle builds named background workers with interrupt hooks,
// priorities, panic handling and process shutdown integration.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/feellmoose/allocbench/internal/utils/logging"
)

const (
	MinPriority  = 1
	NormPriority = 5
	MaxPriority  = 10
)

var (
	// ErrHookStarted is returned when a shutdown hook is also asked to start immediately.
	ErrHookStarted = errors.New("lifecycle: shutdown hook cannot be started directly")
	// ErrNoTask is returned when a worker is built without a task.
	ErrNoTask = errors.New("lifecycle: no task")
	// ErrAlreadyStarted is returned by Start on a worker that was already started.
	ErrAlreadyStarted = errors.New("lifecycle: worker already started")
	// ErrPanic wraps a value recovered from a panicking task.
	ErrPanic = errors.New("lifecycle: task panicked")
)

// Task is the body of a worker. It should return once ctx is cancelled.
type Task func(ctx context.Context) error

// Interrupter customises Interrupt. It must call interrupt to cancel the task.
type Interrupter func(w *Worker, interrupt func())

// ErrorHandler receives errors returned by, or panics recovered from, a task.
type ErrorHandler func(w *Worker, err error)

// DefaultErrorHandler logs the failure and lets the process continue.
func DefaultErrorHandler(w *Worker, err error) {
	logging.Error(err, "worker terminated with error", "worker", w.Name())
}

// Builder accumulates worker settings. It is reusable: every Build and
// Factory call takes a snapshot of the current settings.
type Builder struct {
	task        Task
	interrupter Interrupter
	onError     ErrorHandler
	name        string
	daemon      bool
	hook        bool
	priority    int
}

// NewBuilder returns a builder for non-daemon workers at normal priority.
func NewBuilder() *Builder {
	return &Builder{onError: DefaultErrorHandler}
}

func (b *Builder) Task(task Task) *Builder {
	b.task = task
	return b
}

func (b *Builder) Interrupter(fn Interrupter) *Builder {
	b.interrupter = fn
	return b
}

func (b *Builder) Name(name string) *Builder {
	b.name = name
	return b
}

// Daemon workers are not awaited by Shutdown.
func (b *Builder) Daemon(daemon bool) *Builder {
	b.daemon = daemon
	return b
}

// ShutdownHook registers built workers to run during Shutdown instead of now.
func (b *Builder) ShutdownHook(hook bool) *Builder {
	b.hook = hook
	return b
}

// ErrorHandler replaces DefaultErrorHandler. A nil handler restores it.
func (b *Builder) ErrorHandler(fn ErrorHandler) *Builder {
	if fn == nil {
		fn = DefaultErrorHandler
	}
	b.onError = fn
	return b
}

// Priority is clamped to [MinPriority, MaxPriority]. Zero leaves the
// scheduling priority untouched.
func (b *Builder) Priority(p int) *Builder {
	if p != 0 {
		p = max(MinPriority, min(MaxPriority, p))
	}
	b.priority = p
	return b
}

// Build creates a worker and optionally starts it.
func (b *Builder) Build(start bool) (*Worker, error) {
	if b.task == nil {
		return nil, ErrNoTask
	}
	if b.hook && start {
		return nil, ErrHookStarted
	}
	w := b.newWorker(b.name)
	if b.hook {
		registerHook(w)
		return w, nil
	}
	if start {
		if err := w.Start(); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Start is shorthand for Build(true).
func (b *Builder) Start() (*Worker, error) {
	return b.Build(true)
}

func (b *Builder) newWorker(name string) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		name:        name,
		daemon:      b.daemon,
		priority:    b.priority,
		task:        b.task,
		interrupter: b.interrupter,
		onError:     b.onError,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// Factory creates workers sharing one settings snapshot, named
// <prefix>-01, <prefix>-02, ...
type Factory struct {
	proto  Builder
	prefix string
	seq    atomic.Int64
}

// Factory snapshots the builder. Later changes to b do not affect it.
func (b *Builder) Factory(prefix string) *Factory {
	return &Factory{proto: *b, prefix: prefix}
}

// New builds an unstarted worker running task.
func (f *Factory) New(task Task) (*Worker, error) {
	b := f.proto
	b.task = task
	b.name = fmt.Sprintf("%s-%02d", f.prefix, f.seq.Add(1))
	return b.Build(false)
}

// Go builds and starts a worker running task.
func (f *Factory) Go(task Task) (*Worker, error) {
	w, err := f.New(task)
	if err != nil {
		return nil, err
	}
	if f.proto.hook {
		return w, nil
	}
	return w, w.Start()
}
