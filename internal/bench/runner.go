package bench

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/feellmoose/allocbench/internal/alloc"
	"github.com/feellmoose/allocbench/internal/lifecycle"
	"github.com/feellmoose/allocbench/internal/session"
	"github.com/feellmoose/allocbench/internal/transport"
	"github.com/feellmoose/allocbench/internal/utils/logging"
	"github.com/feellmoose/allocbench/internal/utils/pool"
)

// Config describes one benchmark run.
type Config struct {
	Allocator string
	Size      int
	Clients   int
	Duration  time.Duration
	URL       string
	// Answer runs REQ/REP query/answer instead of PUSH/PULL fire-and-forget.
	Answer bool
	// Remote connects to a server started elsewhere instead of running one.
	Remote bool
	// Workers sizes the release pool of reference allocators.
	Workers      int
	LeakReport   bool
	DeferRelease bool
	StartTimeout time.Duration
	Transport    transport.ContextOptions
}

func (c Config) withDefaults() Config {
	if c.Clients <= 0 {
		c.Clients = 1
	}
	if c.Duration <= 0 {
		c.Duration = time.Second
	}
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = session.DefaultStartTimeout
	}
	return c
}

// Result holds the totals of one run.
type Result struct {
	Allocator      string
	Size           int
	Clients        int
	Ops            int64
	Errors         int64
	Elapsed        time.Duration
	Reclaimed      int64
	ReclaimedBytes int64
	Collected      int64
	Arena          pool.Stats
	Transport      transport.MetricsSnapshot
}

func (r Result) OpsPerSec() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Ops) / r.Elapsed.Seconds()
}

func (r Result) String() string {
	return fmt.Sprintf("%-22s size=%-9d clients=%-3d ops=%-9d ops/s=%-10.0f errors=%d reclaimed=%d bytes=%d collected=%d outstanding=%d",
		r.Allocator, r.Size, r.Clients, r.Ops, r.OpsPerSec(), r.Errors,
		r.Reclaimed, r.ReclaimedBytes, r.Collected, r.Arena.Outstanding)
}

// Runner executes benchmark runs. Each run gets its own allocator, session
// and client workers.
type Runner struct {
	metrics alloc.Metrics
	observe func(*transport.Metrics)
	drain   time.Duration
}

type RunnerOption func(*Runner)

// WithReclaimMetrics forwards reclamation events of every run to m.
func WithReclaimMetrics(m alloc.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithTransportObserver is called with the transport metrics of each run's
// messaging context once its session is up.
func WithTransportObserver(fn func(*transport.Metrics)) RunnerOption {
	return func(r *Runner) { r.observe = fn }
}

// WithDrainTimeout bounds how long a run waits for deferred reclamation
// before closing its allocator.
func WithDrainTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.drain = d }
}

// NewRunner returns a runner with discarded metrics and a 2s drain timeout.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{metrics: alloc.Discard, drain: 2 * time.Second}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts a session for cfg, runs cfg.Clients client workers for
// cfg.Duration and returns the totals. Cancelling ctx interrupts the clients.
func (r *Runner) Run(ctx context.Context, cfg Config) (Result, error) {
	cfg = cfg.withDefaults()
	counters := &alloc.Counters{}
	a, err := alloc.New(cfg.Allocator,
		alloc.WithMetrics(alloc.Tee(counters, r.metrics)),
		alloc.WithWorkers(cfg.Workers),
		alloc.WithLeakReport(cfg.LeakReport),
	)
	if err != nil {
		return Result{}, err
	}

	factory := NewAllocatorFactory(a,
		WithURL(cfg.URL),
		WithAnswer(cfg.Answer),
		WithLocalServer(!cfg.Remote),
		WithContextOptions(cfg.Transport),
	)
	sess, err := session.New(factory,
		session.WithStartTimeout(cfg.StartTimeout),
		session.WithDeferRelease(cfg.DeferRelease),
	)
	if err != nil {
		_ = a.Close()
		return Result{}, err
	}
	if r.observe != nil {
		r.observe(sess.Context().Metrics())
	}
	logging.Debug("run started", "allocator", cfg.Allocator, "size", cfg.Size, "clients", cfg.Clients, "url", cfg.URL)

	var ops, failures atomic.Int64
	start := time.Now()
	deadline := start.Add(cfg.Duration)
	clients := lifecycle.NewBuilder().
		Daemon(false).
		ErrorHandler(func(w *lifecycle.Worker, err error) {
			logging.Warn("client stopped", "worker", w.Name(), "err", err)
		}).
		Factory("allocbench-client")

	workers := make([]*lifecycle.Worker, 0, cfg.Clients)
	var errs []error
	for i := 0; i < cfg.Clients; i++ {
		w, err := clients.Go(func(wctx context.Context) error {
			runCtx, cancel := context.WithDeadline(wctx, deadline)
			defer cancel()
			return client(runCtx, sess, cfg.Size, &ops, &failures)
		})
		if err != nil {
			errs = append(errs, err)
			break
		}
		workers = append(workers, w)
	}

	stop := context.AfterFunc(ctx, func() {
		for _, w := range workers {
			w.Interrupt()
		}
	})
	for _, w := range workers {
		<-w.Done()
		if err := w.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w.Name(), err))
		}
	}
	stop()
	elapsed := time.Since(start)

	sess.Stop()
	<-sess.Terminated()
	snapshot := sess.Context().Metrics().Snapshot()

	if cfg.DeferRelease {
		r.awaitReclaim(a)
	}
	stats := a.Stats()
	if err := a.Close(); err != nil {
		errs = append(errs, err)
	}

	res := Result{
		Allocator:      cfg.Allocator,
		Size:           cfg.Size,
		Clients:        cfg.Clients,
		Ops:            ops.Load(),
		Errors:         failures.Load(),
		Elapsed:        elapsed,
		Reclaimed:      counters.Count(),
		ReclaimedBytes: counters.Bytes(),
		Collected:      counters.Collected(),
		Arena:          stats,
		Transport:      snapshot,
	}
	return res, errors.Join(errs...)
}

func client(ctx context.Context, sess *session.Session, size int, ops, failures *atomic.Int64) error {
	st, err := sess.SocketState(ctx)
	if err != nil {
		failures.Add(1)
		return err
	}
	defer st.Close()

	for ctx.Err() == nil {
		if err := sess.Iteration(st, size); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures.Add(1)
			return err
		}
		ops.Add(1)
	}
	return nil
}

// awaitReclaim collects garbage until the arena has no outstanding blocks
// or the drain timeout passes.
func (r *Runner) awaitReclaim(a alloc.Allocator) {
	deadline := time.Now().Add(r.drain)
	for a.Stats().Outstanding > 0 && time.Now().Before(deadline) {
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
	if n := a.Stats().Outstanding; n > 0 {
		logging.Warn("blocks still outstanding after drain", "allocator", a.Name(), "outstanding", n)
	}
}
