package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/feellmoose/allocbench/internal/alloc"
	"github.com/feellmoose/allocbench/internal/bench"
	"github.com/feellmoose/allocbench/internal/config"
	"github.com/feellmoose/allocbench/internal/session"
	"github.com/feellmoose/allocbench/internal/utils/logging"
)

type serveFlags struct {
	allocator   string
	url         string
	answer      bool
	interval    time.Duration
	plain       bool
	metricsAddr string
}

func newServeCmd(root *rootOptions) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a benchmark server for remote clients and show its dashboard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load(func(c *config.Config) {
				fs := cmd.Flags()
				if fs.Changed("url") {
					c.Bench.URL = f.url
				}
				if fs.Changed("answer") {
					c.Bench.WaitAnswer = f.answer
				}
				if fs.Changed("allocator") {
					c.Bench.Allocators = []string{f.allocator}
				}
				if fs.Changed("metrics-addr") {
					c.Metrics.Addr = f.metricsAddr
				}
			})
			if err != nil {
				return err
			}
			return serve(cmd, cfg, f)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.allocator, "allocator", "", "allocator for received messages (default: first configured)")
	fs.StringVar(&f.url, "url", "", "endpoint to bind")
	fs.BoolVar(&f.answer, "answer", false, "answer every query (REQ/REP)")
	fs.DurationVar(&f.interval, "interval", 2*time.Second, "dashboard refresh interval")
	fs.BoolVar(&f.plain, "plain", false, "append dashboards instead of redrawing the screen")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func serve(cmd *cobra.Command, cfg *config.Config, f *serveFlags) error {
	ctx, stop := signalContext()
	defer stop()
	defer shutdown()

	sink, collector, err := startMetrics(ctx, cfg.Metrics.Addr)
	if err != nil {
		return err
	}

	name := cfg.Bench.Allocators[0]
	counters := &alloc.Counters{}
	a, err := alloc.New(name,
		alloc.WithMetrics(alloc.Tee(counters, sink)),
		alloc.WithWorkers(cfg.Bench.Workers),
		alloc.WithLeakReport(cfg.Bench.LeakReport),
	)
	if err != nil {
		return err
	}
	defer a.Close()

	factory := bench.NewAllocatorFactory(a,
		bench.WithURL(cfg.Bench.URL),
		bench.WithAnswer(cfg.Bench.WaitAnswer),
		bench.WithContextOptions(cfg.ContextOptions()),
	)
	sess, err := session.New(factory, session.WithStartTimeout(cfg.Bench.StartTimeout))
	if err != nil {
		return err
	}
	defer func() {
		sess.Stop()
		<-sess.Terminated()
	}()
	collector.Observe(sess.Context().Metrics())
	logging.Info("server listening", "url", cfg.Bench.URL, "allocator", name, "answer", cfg.Bench.WaitAnswer)

	d := &dashboard{
		out:      cmd.OutOrStdout(),
		url:      cfg.Bench.URL,
		sess:     sess,
		arena:    a,
		counters: counters,
		clear:    !f.plain,
	}
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Info("shutting down server")
			return nil
		case <-ticker.C:
			d.print()
			if !sess.ServerRunning() {
				return sess.Failure()
			}
		}
	}
}
