package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/feellmoose/allocbench/internal/utils/logging"
)

var registry = struct {
	mu    sync.Mutex
	hooks []*Worker
	live  map[*Worker]struct{}
}{live: make(map[*Worker]struct{})}

func registerHook(w *Worker) {
	registry.mu.Lock()
	registry.hooks = append(registry.hooks, w)
	registry.mu.Unlock()
}

func track(w *Worker) {
	registry.mu.Lock()
	registry.live[w] = struct{}{}
	registry.mu.Unlock()
}

func untrack(w *Worker) {
	registry.mu.Lock()
	delete(registry.live, w)
	registry.mu.Unlock()
}

// Shutdown runs the registered shutdown hooks concurrently, waits for them,
// then waits for every live non-daemon worker. Hooks run at most once.
func Shutdown(ctx context.Context) error {
	registry.mu.Lock()
	hooks := registry.hooks
	registry.hooks = nil
	registry.mu.Unlock()

	var errs []error
	for _, h := range hooks {
		if err := h.Start(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, h := range hooks {
		if err := h.Join(ctx); err != nil {
			logging.Warn("shutdown hook did not finish", "worker", h.Name())
			return errors.Join(append(errs, err)...)
		}
	}

	registry.mu.Lock()
	live := make([]*Worker, 0, len(registry.live))
	for w := range registry.live {
		live = append(live, w)
	}
	registry.mu.Unlock()

	for _, w := range live {
		if err := w.Join(ctx); err != nil {
			logging.Warn("worker still running at shutdown", "worker", w.Name())
			return errors.Join(append(errs, err)...)
		}
	}
	return errors.Join(errs...)
}

// Live returns the number of running non-daemon workers.
func Live() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return len(registry.live)
}
