package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/feellmoose/allocbench/internal/alloc"
	"github.com/feellmoose/allocbench/internal/utils/logging"
	"github.com/feellmoose/allocbench/internal/utils/opid"
)

const (
	DefaultRcvHWM           = 1000
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultMaxMsgSize       = 64 * 1024 * 1024
	defaultKCPKey           = "allocbench"
)

// SocketOptions tune one socket. Zero values take the Context defaults.
type SocketOptions struct {
	// Allocator provides the messages received frames are read into.
	Allocator alloc.Allocator
	// RcvHWM bounds the number of received messages queued for Recv.
	RcvHWM           int
	HandshakeTimeout time.Duration
	// CompressThreshold enables zstd for messages of at least this many bytes. Zero disables it.
	CompressThreshold int
	MaxMsgSize        int
	Identity          string
}

type SocketOption func(*SocketOptions)

func WithAllocator(a alloc.Allocator) SocketOption {
	return func(o *SocketOptions) { o.Allocator = a }
}

func WithRcvHWM(n int) SocketOption {
	return func(o *SocketOptions) { o.RcvHWM = n }
}

func WithHandshakeTimeout(d time.Duration) SocketOption {
	return func(o *SocketOptions) { o.HandshakeTimeout = d }
}

func WithCompressThreshold(n int) SocketOption {
	return func(o *SocketOptions) { o.CompressThreshold = n }
}

func WithMaxMsgSize(n int) SocketOption {
	return func(o *SocketOptions) { o.MaxMsgSize = n }
}

func WithIdentity(id string) SocketOption {
	return func(o *SocketOptions) { o.Identity = id }
}

// ContextOptions configure a Context and the defaults of its sockets.
type ContextOptions struct {
	Socket SocketOptions
	// KCPKey derives the AES key of kcp:// sessions.
	KCPKey string
	// GnetMulticore runs gnet listeners with one event loop per CPU.
	GnetMulticore bool
}

func (o *ContextOptions) setDefaults() {
	if o.Socket.Allocator == nil {
		o.Socket.Allocator = alloc.NewHeapAllocator()
	}
	if o.Socket.RcvHWM <= 0 {
		o.Socket.RcvHWM = DefaultRcvHWM
	}
	if o.Socket.HandshakeTimeout <= 0 {
		o.Socket.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.Socket.MaxMsgSize <= 0 {
		o.Socket.MaxMsgSize = DefaultMaxMsgSize
	}
	if o.KCPKey == "" {
		o.KCPKey = defaultKCPKey
	}
}

// Context owns sockets and the transports they share. Terminate closes
// every socket and waits for all background goroutines.
type Context struct {
	opts    ContextOptions
	ids     *opid.Generator
	metrics *Metrics

	mu         sync.Mutex
	sockets    map[*Socket]struct{}
	transports map[string]Transport
	onError    func(error)
	terminated bool
	wg         sync.WaitGroup
	done       chan struct{}

	inproc inprocRegistry
}

// NewContext creates a context.
//
// Parameters:
//   - opts: Socket defaults, KCP key and gnet mode; nil or zero fields
//     select heap blocks and the package defaults
//
// Returns:
//   - *Context: Owns every socket created from it until Terminate
func NewContext(opts *ContextOptions) *Context {
	o := ContextOptions{}
	if opts != nil {
		o = *opts
	}
	o.setDefaults()
	return &Context{
		opts:       o,
		ids:        opid.NewGenerator("sock"),
		metrics:    NewMetrics(),
		sockets:    make(map[*Socket]struct{}),
		transports: make(map[string]Transport),
		onError: func(err error) {
			logging.Error(err, "transport background failure")
		},
		done:   make(chan struct{}),
		inproc: inprocRegistry{listeners: make(map[string]*inprocListener)},
	}
}

// SetErrorHandler installs fn for failures on background goroutines, such
// as a listener that stops accepting for a reason other than Close.
func (c *Context) SetErrorHandler(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

func (c *Context) reportError(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (c *Context) Metrics() *Metrics {
	return c.metrics
}

// Socket creates a socket of type t.
func (c *Context) Socket(t SocketType, opts ...SocketOption) (*Socket, error) {
	if _, ok := socketTypeNames[t]; !ok {
		return nil, ErrNotSupported
	}
	o := c.opts.Socket
	for _, opt := range opts {
		opt(&o)
	}
	if o.Identity == "" {
		o.Identity = c.ids.Generate()
	}
	if o.RcvHWM <= 0 {
		o.RcvHWM = DefaultRcvHWM
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return nil, ErrTerminated
	}
	s := newSocket(c, t, o)
	c.sockets[s] = struct{}{}
	return s, nil
}

func (c *Context) removeSocket(s *Socket) {
	c.mu.Lock()
	delete(c.sockets, s)
	c.mu.Unlock()
}

func (c *Context) isTerminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// transport returns the cached transport for scheme.
func (c *Context) transport(scheme string) (Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return nil, ErrTerminated
	}
	if t, ok := c.transports[scheme]; ok {
		return t, nil
	}
	factory, err := lookupTransport(scheme)
	if err != nil {
		return nil, err
	}
	t, err := factory(c)
	if err != nil {
		return nil, err
	}
	c.transports[scheme] = t
	return t, nil
}

// spawn runs fn on a goroutine Terminate waits for. It reports false once
// the context is terminated.
func (c *Context) spawn(fn func()) bool {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// Terminate closes every socket, unblocking their pending operations with
// ErrTerminated, and waits for background goroutines. It is idempotent.
func (c *Context) Terminate() error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.terminated = true
	sockets := make([]*Socket, 0, len(c.sockets))
	for s := range c.sockets {
		sockets = append(sockets, s)
	}
	c.mu.Unlock()

	var errs []error
	for _, s := range sockets {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.wg.Wait()
	close(c.done)
	logging.Debug("transport context terminated", "sockets", len(sockets))
	return errors.Join(errs...)
}

// Terminated is closed once Terminate has finished.
func (c *Context) Terminated() <-chan struct{} {
	return c.done
}
