package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/feellmoose/allocbench/internal/utils/logging"
)

// Worker runs one Task on its own goroutine.
type Worker struct {
	name        string
	daemon      bool
	priority    int
	task        Task
	interrupter Interrupter
	onError     ErrorHandler

	ctx    context.Context
	cancel context.CancelFunc

	started     atomic.Bool
	interrupted atomic.Bool
	done        chan struct{}

	mu  sync.Mutex
	err error
}

func (w *Worker) Name() string { return w.name }

func (w *Worker) Daemon() bool { return w.daemon }

// Start launches the task. Workers that are not daemons are tracked until
// they exit so Shutdown can wait for them.
func (w *Worker) Start() error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if !w.daemon {
		track(w)
	}
	go w.run()
	return nil
}

func (w *Worker) run() {
	defer close(w.done)
	defer untrack(w)
	defer w.cancel()

	if w.priority != 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := setThreadPriority(w.priority); err != nil {
			logging.Debug("worker priority not applied", "worker", w.name, "priority", w.priority, "err", err)
		}
	}

	err := w.call()
	if errors.Is(err, context.Canceled) && w.ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		w.onError(w, err)
	}
}

func (w *Worker) call() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return w.task(w.ctx)
}

// Interrupt asks the task to stop by cancelling its context, going through
// the custom interrupter when one is configured.
func (w *Worker) Interrupt() {
	w.interrupted.Store(true)
	if w.interrupter != nil {
		w.interrupter(w, w.cancel)
		return
	}
	w.cancel()
}

// Interrupted reports whether Interrupt has been called.
func (w *Worker) Interrupted() bool {
	return w.interrupted.Load()
}

// Alive reports whether the worker was started and has not finished.
func (w *Worker) Alive() bool {
	if !w.started.Load() {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Done is closed when the task has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Join waits for the task to return or ctx to expire.
func (w *Worker) Join(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the error the task ended with, if any.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
