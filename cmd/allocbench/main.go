// Command allocbench benchmarks pooled allocators by exchanging messages
// built from them over a messaging transport.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/feellmoose/allocbench/internal/config"
	"github.com/feellmoose/allocbench/internal/lifecycle"
	"github.com/feellmoose/allocbench/internal/metrics"
	"github.com/feellmoose/allocbench/internal/utils/logging"
)

const shutdownTimeout = 10 * time.Second

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "allocbench",
		Short:        "Benchmark pooled allocators over a messaging transport",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "allocbench.yaml", "config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format override (text or json)")
	root.AddCommand(newRunCmd(opts), newServeCmd(opts))
	return root
}

// load reads the config file and environment, then applies command line
// overrides and validates the result.
func (o *rootOptions) load(apply func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	if apply != nil {
		apply(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logging.SetOptions(cfg.LogOptions())
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// startMetrics registers the reclamation sink and transport collector. The
// registry is served on addr until ctx is done when addr is set.
func startMetrics(ctx context.Context, addr string) (*metrics.Prometheus, *metrics.TransportCollector, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink, err := metrics.NewPrometheus(reg)
	if err != nil {
		return nil, nil, err
	}
	collector := metrics.NewTransportCollector()
	if err := reg.Register(collector); err != nil {
		return nil, nil, err
	}
	if addr != "" {
		if _, err := metrics.Serve(ctx, addr, reg); err != nil {
			return nil, nil, err
		}
	}
	return sink, collector, nil
}

func shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(ctx); err != nil {
		logging.Warn("shutdown incomplete", "err", err)
	}
}
