// Package config loads allocbench settings from a YAML file, an optional
// .env file and ALLOCBENCH_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/feellmoose/allocbench/internal/alloc"
	"github.com/feellmoose/allocbench/internal/bench"
	"github.com/feellmoose/allocbench/internal/transport"
	"github.com/feellmoose/allocbench/internal/utils/logging"
)

const EnvPrefix = "ALLOCBENCH"

var (
	ErrInvalidURL       = errors.New("config: invalid bench url")
	ErrInvalidAllocator = errors.New("config: invalid allocator")
	ErrInvalidSize      = errors.New("config: invalid message size")
	ErrInvalidClients   = errors.New("config: clients must be positive")
	ErrInvalidDuration  = errors.New("config: duration must be positive")
	ErrInvalidLog       = errors.New("config: invalid log settings")
	ErrInvalidTransport = errors.New("config: invalid transport settings")
)

type Config struct {
	Log       LogConfig       `yaml:"log" envconfig:"LOG"`
	Bench     BenchConfig     `yaml:"bench" envconfig:"BENCH"`
	Transport TransportConfig `yaml:"transport" envconfig:"TRANSPORT"`
	Metrics   MetricsConfig   `yaml:"metrics" envconfig:"METRICS"`
}

type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"`
}

type BenchConfig struct {
	URL          string        `yaml:"url" envconfig:"URL"`
	Allocators   []string      `yaml:"allocators" envconfig:"ALLOCATORS"`
	Sizes        []int         `yaml:"sizes" envconfig:"SIZES"`
	Clients      int           `yaml:"clients" envconfig:"CLIENTS"`
	Duration     time.Duration `yaml:"duration" envconfig:"DURATION"`
	WaitAnswer   bool          `yaml:"wait_answer" envconfig:"WAIT_ANSWER"`
	Remote       bool          `yaml:"remote" envconfig:"REMOTE"`
	Workers      int           `yaml:"workers" envconfig:"WORKERS"`
	StartTimeout time.Duration `yaml:"start_timeout" envconfig:"START_TIMEOUT"`
	LeakReport   bool          `yaml:"leak_report" envconfig:"LEAK_REPORT"`
	DeferRelease bool          `yaml:"defer_release" envconfig:"DEFER_RELEASE"`
}

type TransportConfig struct {
	CompressThreshold int           `yaml:"compress_threshold" envconfig:"COMPRESS_THRESHOLD"`
	MaxMsgSize        int           `yaml:"max_msg_size" envconfig:"MAX_MSG_SIZE"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" envconfig:"HANDSHAKE_TIMEOUT"`
	RcvHWM            int           `yaml:"rcv_hwm" envconfig:"RCV_HWM"`
	KCPKey            string        `yaml:"kcp_key" envconfig:"KCP_KEY"`
	GnetMulticore     bool          `yaml:"gnet_multicore" envconfig:"GNET_MULTICORE"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9100".
	Addr string `yaml:"addr" envconfig:"ADDR"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// Load reads path (a missing file means defaults), applies .env and
// environment overrides, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logging.Debug("config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Bench.URL == "" {
		c.Bench.URL = bench.DefaultURL
	}
	if len(c.Bench.Allocators) == 0 {
		c.Bench.Allocators = append([]string(nil), bench.DefaultAllocators...)
	}
	if len(c.Bench.Sizes) == 0 {
		c.Bench.Sizes = append([]int(nil), bench.DefaultSizes...)
	}
	if c.Bench.Clients == 0 {
		c.Bench.Clients = 4
	}
	if c.Bench.Duration == 0 {
		c.Bench.Duration = 5 * time.Second
	}
	if c.Bench.Workers == 0 {
		c.Bench.Workers = 4
	}
	if c.Bench.StartTimeout == 0 {
		c.Bench.StartTimeout = 10 * time.Second
	}
	if c.Transport.MaxMsgSize == 0 {
		c.Transport.MaxMsgSize = transport.DefaultMaxMsgSize
	}
	if c.Transport.HandshakeTimeout == 0 {
		c.Transport.HandshakeTimeout = transport.DefaultHandshakeTimeout
	}
	if c.Transport.RcvHWM == 0 {
		c.Transport.RcvHWM = transport.DefaultRcvHWM
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("%w: format %q", ErrInvalidLog, c.Log.Format))
	}
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
	default:
		errs = append(errs, fmt.Errorf("%w: level %q", ErrInvalidLog, c.Log.Level))
	}

	if scheme, _, err := transport.ParseEndpoint(c.Bench.URL); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidURL, err))
	} else if c.Bench.Remote && scheme == "inproc" {
		errs = append(errs, fmt.Errorf("%w: inproc endpoints cannot reach a remote server", ErrInvalidURL))
	}
	for _, a := range c.Bench.Allocators {
		if _, _, err := alloc.ParseSpec(a); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidAllocator, err))
		}
	}
	for _, s := range c.Bench.Sizes {
		if s < 0 || s > c.Transport.MaxMsgSize {
			errs = append(errs, fmt.Errorf("%w: %d (max %d)", ErrInvalidSize, s, c.Transport.MaxMsgSize))
		}
	}
	if c.Bench.Clients < 1 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrInvalidClients, c.Bench.Clients))
	}
	if c.Bench.Duration <= 0 {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidDuration, c.Bench.Duration))
	}
	if c.Bench.StartTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: start timeout %s", ErrInvalidDuration, c.Bench.StartTimeout))
	}

	if c.Transport.CompressThreshold < 0 {
		errs = append(errs, fmt.Errorf("%w: compress threshold %d", ErrInvalidTransport, c.Transport.CompressThreshold))
	}
	if c.Transport.MaxMsgSize < 0 || c.Transport.RcvHWM < 0 || c.Transport.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("%w: negative limit", ErrInvalidTransport))
	}
	return errors.Join(errs...)
}

// LogOptions returns the logging settings.
func (c *Config) LogOptions() *logging.LogOptions {
	return &logging.LogOptions{Level: c.Log.Level, Format: c.Log.Format}
}

// ContextOptions returns the messaging context settings.
func (c *Config) ContextOptions() transport.ContextOptions {
	return transport.ContextOptions{
		Socket: transport.SocketOptions{
			RcvHWM:            c.Transport.RcvHWM,
			HandshakeTimeout:  c.Transport.HandshakeTimeout,
			CompressThreshold: c.Transport.CompressThreshold,
			MaxMsgSize:        c.Transport.MaxMsgSize,
		},
		KCPKey:        c.Transport.KCPKey,
		GnetMulticore: c.Transport.GnetMulticore,
	}
}

// RunConfig returns the per-run settings shared by every grid point.
func (c *Config) RunConfig() bench.Config {
	return bench.Config{
		Clients:      c.Bench.Clients,
		Duration:     c.Bench.Duration,
		URL:          c.Bench.URL,
		Answer:       c.Bench.WaitAnswer,
		Remote:       c.Bench.Remote,
		Workers:      c.Bench.Workers,
		LeakReport:   c.Bench.LeakReport,
		DeferRelease: c.Bench.DeferRelease,
		StartTimeout: c.Bench.StartTimeout,
		Transport:    c.ContextOptions(),
	}
}

// Points returns the benchmark grid.
func (c *Config) Points() []bench.Point {
	return bench.Grid(c.Bench.Allocators, c.Bench.Sizes)
}
