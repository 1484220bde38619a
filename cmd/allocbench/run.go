package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/feellmoose/allocbench/internal/bench"
	"github.com/feellmoose/allocbench/internal/config"
	"github.com/feellmoose/allocbench/internal/lifecycle"
	"github.com/feellmoose/allocbench/internal/utils/logging"
)

type runFlags struct {
	allocators   []string
	sizes        []int
	clients      int
	duration     time.Duration
	url          string
	answer       bool
	remote       bool
	deferRelease bool
	leakReport   bool
	metricsAddr  string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the allocator benchmark over a grid of allocators and message sizes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load(func(c *config.Config) { f.apply(cmd, c) })
			if err != nil {
				return err
			}
			return runGrid(cmd, cfg)
		},
	}
	fs := cmd.Flags()
	fs.StringSliceVar(&f.allocators, "allocator", nil, "allocators to benchmark, e.g. pooled-reference,heap")
	fs.IntSliceVar(&f.sizes, "size", nil, "message sizes in bytes")
	fs.IntVar(&f.clients, "clients", 0, "concurrent clients per run")
	fs.DurationVar(&f.duration, "duration", 0, "length of each run")
	fs.StringVar(&f.url, "url", "", "endpoint, e.g. tcp://127.0.0.1:13800")
	fs.BoolVar(&f.answer, "answer", false, "wait for an answer to every query")
	fs.BoolVar(&f.remote, "remote", false, "connect to a server started with 'allocbench serve'")
	fs.BoolVar(&f.deferRelease, "defer-release", false, "leave released messages to the garbage collector")
	fs.BoolVar(&f.leakReport, "leak-report", false, "log messages reclaimed without an explicit release")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func (f *runFlags) apply(cmd *cobra.Command, c *config.Config) {
	fs := cmd.Flags()
	if fs.Changed("allocator") {
		c.Bench.Allocators = f.allocators
	}
	if fs.Changed("size") {
		c.Bench.Sizes = f.sizes
	}
	if fs.Changed("clients") {
		c.Bench.Clients = f.clients
	}
	if fs.Changed("duration") {
		c.Bench.Duration = f.duration
	}
	if fs.Changed("url") {
		c.Bench.URL = f.url
	}
	if fs.Changed("answer") {
		c.Bench.WaitAnswer = f.answer
	}
	if fs.Changed("remote") {
		c.Bench.Remote = f.remote
	}
	if fs.Changed("defer-release") {
		c.Bench.DeferRelease = f.deferRelease
	}
	if fs.Changed("leak-report") {
		c.Bench.LeakReport = f.leakReport
	}
	if fs.Changed("metrics-addr") {
		c.Metrics.Addr = f.metricsAddr
	}
}

func runGrid(cmd *cobra.Command, cfg *config.Config) error {
	ctx, stop := signalContext()
	defer stop()
	defer shutdown()

	sink, collector, err := startMetrics(ctx, cfg.Metrics.Addr)
	if err != nil {
		return err
	}

	points := cfg.Points()
	var completed atomic.Int64
	start := time.Now()
	_, err = lifecycle.NewBuilder().
		Name("allocbench-summary").
		ShutdownHook(true).
		Task(func(context.Context) error {
			logging.Info("benchmark finished",
				"runs", completed.Load(), "planned", len(points), "elapsed", time.Since(start).Round(time.Millisecond))
			return nil
		}).
		Build(false)
	if err != nil {
		return err
	}

	logging.Info("benchmark starting",
		"url", cfg.Bench.URL, "points", len(points), "clients", cfg.Bench.Clients,
		"duration", cfg.Bench.Duration, "answer", cfg.Bench.WaitAnswer, "remote", cfg.Bench.Remote)

	runner := bench.NewRunner(
		bench.WithReclaimMetrics(sink),
		bench.WithTransportObserver(collector.Observe),
	)
	out := cmd.OutOrStdout()
	err = runner.RunGrid(ctx, cfg.RunConfig(), points, func(r bench.Result) {
		completed.Add(1)
		fmt.Fprintln(out, r.String())
	})
	if errors.Is(err, context.Canceled) {
		logging.Info("benchmark interrupted")
		return nil
	}
	return err
}
