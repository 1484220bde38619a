// Package session runs a benchmark session: one background server loop and
// any number of client handles sharing a messaging context, with startup
// synchronisation, failure propagation and ordered teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/feellmoose/allocbench/internal/alloc"
	"github.com/feellmoose/allocbench/internal/lifecycle"
	"github.com/feellmoose/allocbench/internal/transport"
	"github.com/feellmoose/allocbench/internal/utils/logging"
)

const (
	DefaultStartTimeout = 10 * time.Second
	peerLostGrace       = time.Second
)

var (
	// ErrStartup is returned by New when the server cannot bind or does not
	// come up within the start timeout.
	ErrStartup = errors.New("session: server failed to start")
	// ErrServerDead is returned by iterations once the server has exited.
	ErrServerDead = errors.New("session: server is dead")
	// ErrNoAnswer is returned by Process when the factory builds no answer.
	ErrNoAnswer = errors.New("session: factory produced no answer")

	errHandleClosed = errors.New("session: socket handle closed")
)

// ServerState is the lifecycle state of the server loop.
type ServerState int32

const (
	StateNone ServerState = iota
	StateBinding
	StateRunning
	StateStopped
	StateFailed
)

func (s ServerState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateBinding:
		return "binding"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Options tune a Session.
type Options struct {
	// StartTimeout bounds how long New waits for the server to bind.
	StartTimeout time.Duration
	// OnContextError receives failures of the messaging context's background
	// goroutines. The default logs and exits the process.
	OnContextError func(error)
	// DeferRelease leaves messages to the allocator's deferred reclamation
	// instead of releasing them once sent or received.
	DeferRelease bool
}

type Option func(*Options)

// WithStartTimeout bounds how long New waits for the server to bind.
// Zero or negative keeps DefaultStartTimeout.
func WithStartTimeout(d time.Duration) Option {
	return func(o *Options) { o.StartTimeout = d }
}

func WithContextErrorHandler(fn func(error)) Option {
	return func(o *Options) { o.OnContextError = fn }
}

func WithDeferRelease(deferRelease bool) Option {
	return func(o *Options) { o.DeferRelease = deferRelease }
}

func fatalContextError(err error) {
	logging.Fatal(err, "messaging context failed")
}

// Session owns a messaging context, an optional server worker and the set
// of active client handles.
type Session struct {
	factory Factory
	opts    Options
	tctx    *transport.Context

	server  *lifecycle.Worker
	state   atomic.Int32
	started chan struct{}
	failure *failureSlot

	mu     sync.Mutex
	active map[*SocketState]struct{}

	stopOnce   sync.Once
	terminated chan struct{}
}

// New creates the session and, when the factory asks for one, starts the
// server and waits until it is bound. A server that fails to bind, or that
// is not bound within StartTimeout, makes New fail with ErrStartup.
func New(factory Factory, opts ...Option) (*Session, error) {
	o := Options{StartTimeout: DefaultStartTimeout, OnContextError: fatalContextError}
	for _, opt := range opts {
		opt(&o)
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.OnContextError == nil {
		o.OnContextError = fatalContextError
	}

	s := &Session{
		factory:    factory,
		opts:       o,
		tctx:       factory.Context(),
		started:    make(chan struct{}),
		failure:    newFailureSlot(),
		active:     make(map[*SocketState]struct{}),
		terminated: make(chan struct{}),
	}
	s.tctx.SetErrorHandler(o.OnContextError)

	if !factory.WithServer() {
		return s, nil
	}
	if err := s.startServer(); err != nil {
		s.abort()
		return nil, err
	}
	return s, nil
}

func (s *Session) startServer() error {
	s.state.Store(int32(StateBinding))
	w, err := lifecycle.NewBuilder().
		Name("allocbench-server").
		Daemon(false).
		Task(s.runServer).
		ErrorHandler(s.serverFailed).
		Interrupter(func(w *lifecycle.Worker, interrupt func()) {
			logging.Debug("interrupting server", "worker", w.Name(), "state", s.ServerState().String())
			interrupt()
		}).
		Start()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}
	s.server = w

	timer := time.NewTimer(s.opts.StartTimeout)
	defer timer.Stop()
	select {
	case <-s.started:
		return nil
	case <-w.Done():
		// started may have been closed just before a fast exit
		select {
		case <-s.started:
			return nil
		default:
		}
		if err := w.Err(); err != nil {
			if errors.Is(err, ErrStartup) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrStartup, err)
		}
		return fmt.Errorf("%w: server exited before binding", ErrStartup)
	case <-timer.C:
		return fmt.Errorf("%w: not bound after %s", ErrStartup, s.opts.StartTimeout)
	}
}

// abort tears down a session whose construction failed.
func (s *Session) abort() {
	if s.server != nil {
		s.server.Interrupt()
		<-s.server.Done()
	}
	s.stopOnce.Do(func() {
		if err := s.tctx.Terminate(); err != nil {
			logging.Warn("context terminate failed", "err", err)
		}
		close(s.terminated)
	})
}

func (s *Session) runServer(ctx context.Context) error {
	sock, err := s.factory.ServerSocket(s.tctx)
	if err != nil {
		return fmt.Errorf("%w: server socket: %w", ErrStartup, err)
	}
	defer sock.Close()

	url := s.factory.URL()
	if err := sock.Bind(url); err != nil {
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}
	s.state.Store(int32(StateRunning))
	close(s.started)
	logging.Info("server running", "url", url, "type", sock.Type().String())

	step := s.factory.ServerProcessing(s)
	for ctx.Err() == nil {
		if err := step(ctx, sock); err != nil {
			if ctx.Err() != nil {
				break
			}
			// clients must see the failure before the socket goes away
			s.recordFailure(err)
			return err
		}
	}
	s.state.Store(int32(StateStopped))
	s.interruptClients(ErrServerDead)
	logging.Debug("server stopped", "url", url)
	return nil
}

// serverFailed is the server worker's error handler.
func (s *Session) serverFailed(_ *lifecycle.Worker, err error) {
	s.recordFailure(err)
}

// recordFailure fills the failure slot once and interrupts every active
// client handle with the recorded cause.
func (s *Session) recordFailure(err error) {
	s.state.Store(int32(StateFailed))
	if s.failure.fail(fmt.Errorf("%w: %w", ErrServerDead, err)) {
		logging.Error(err, "server failed", "url", s.factory.URL())
	}
	s.interruptClients(s.failure.get())
}

func (s *Session) interruptClients(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for st := range s.active {
		st.cancel(cause)
	}
}

// Context returns the session's messaging context.
func (s *Session) Context() *transport.Context {
	return s.tctx
}

func (s *Session) ServerState() ServerState {
	return ServerState(s.state.Load())
}

// ServerRunning reports whether the server worker is still alive.
func (s *Session) ServerRunning() bool {
	return s.server != nil && s.server.Alive()
}

// StopServer interrupts the server if it is running. It does not wait.
func (s *Session) StopServer() {
	if s.ServerRunning() {
		s.server.Interrupt()
	}
}

// Failure returns the first recorded server failure, or nil.
func (s *Session) Failure() error {
	return s.failure.get()
}

// checkServer fails once the server has failed or stopped.
func (s *Session) checkServer() error {
	if err := s.failure.get(); err != nil {
		return err
	}
	if s.server != nil && s.ServerState() == StateStopped {
		return ErrServerDead
	}
	return nil
}

// Stop interrupts the server, waits for it to exit, then terminates the
// messaging context on a separate worker. It is safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		if s.server != nil {
			s.StopServer()
			<-s.server.Done()
		}
		_, err := lifecycle.NewBuilder().
			Name("allocbench-terminate").
			Task(func(context.Context) error {
				defer close(s.terminated)
				return s.tctx.Terminate()
			}).
			Start()
		if err != nil {
			logging.Error(err, "cannot start context termination, terminating inline")
			_ = s.tctx.Terminate()
			close(s.terminated)
		}
	})
}

// Terminated is closed once the messaging context has been terminated.
func (s *Session) Terminated() <-chan struct{} {
	return s.terminated
}

// SocketState is a client socket owned by one goroutine. Its context is
// cancelled when the session fails or the server stops.
type SocketState struct {
	sess   *Session
	sock   *transport.Socket
	ctx    context.Context
	cancel context.CancelCauseFunc
	once   sync.Once
}

// SocketState creates a client socket and connects it to the session URL.
// The handle lives until Close or until ctx is done.
func (s *Session) SocketState(ctx context.Context) (*SocketState, error) {
	hctx, cancel := context.WithCancelCause(ctx)
	st := &SocketState{sess: s, ctx: hctx, cancel: cancel}
	s.register(st)

	sock, err := s.factory.ClientSocket(s.tctx)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("session: client socket: %w", err)
	}
	st.sock = sock
	if err := sock.Connect(s.factory.URL()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("session: %w", err)
	}
	return st, nil
}

func (s *Session) register(st *SocketState) {
	s.mu.Lock()
	s.active[st] = struct{}{}
	s.mu.Unlock()
	// a failure recorded before the insert did not see this handle
	if err := s.checkServer(); err != nil {
		st.cancel(err)
	}
}

func (s *Session) deregister(st *SocketState) {
	s.mu.Lock()
	delete(s.active, st)
	s.mu.Unlock()
}

// Active returns the number of open client handles.
func (s *Session) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (st *SocketState) Socket() *transport.Socket {
	return st.sock
}

// Close closes the socket and deregisters the handle. It is safe after a
// failed connect and on repeated calls.
func (st *SocketState) Close() error {
	var err error
	st.once.Do(func() {
		st.cancel(errHandleClosed)
		if st.sock != nil {
			err = st.sock.Close()
		}
		st.sess.deregister(st)
	})
	return err
}

// Iteration runs one client exchange: FireAndForget, or Query when the
// factory waits for answers.
func (s *Session) Iteration(st *SocketState, size int) error {
	if s.factory.WaitAnswer() {
		return s.Query(st, size)
	}
	return s.FireAndForget(st, size)
}

// FireAndForget sends one query message.
func (s *Session) FireAndForget(st *SocketState, size int) error {
	if err := s.checkServer(); err != nil {
		return err
	}
	msg := s.factory.QueryMsg(size)
	err := st.sock.Send(st.ctx, msg)
	s.dispose(msg)
	if err != nil {
		return s.iterationErr("send", err)
	}
	return s.checkServer()
}

// Query sends one query message and waits for the answer.
func (s *Session) Query(st *SocketState, size int) error {
	if err := s.FireAndForget(st, size); err != nil {
		return err
	}
	reply, err := st.sock.Recv(st.ctx)
	if err != nil {
		return s.iterationErr("recv", err)
	}
	s.dispose(reply)
	return nil
}

// iterationErr prefers the session failure over the local I/O error, which
// is usually just the interruption it caused.
func (s *Session) iterationErr(op string, err error) error {
	if s.server != nil && errors.Is(err, transport.ErrPeerLost) {
		// the server is likely exiting; give it a moment to record why
		timer := time.NewTimer(peerLostGrace)
		select {
		case <-s.failure.done():
		case <-s.server.Done():
		case <-timer.C:
		}
		timer.Stop()
	}
	if f := s.checkServer(); f != nil {
		return f
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Consume is the fire-and-forget server step: receive one message and drop it.
func (s *Session) Consume(ctx context.Context, sock *transport.Socket) error {
	msg, err := sock.Recv(ctx)
	if err != nil {
		return fmt.Errorf("server recv: %w", err)
	}
	s.dispose(msg)
	return nil
}

// Process is the query/answer server step: receive a query and send the
// factory's answer.
func (s *Session) Process(ctx context.Context, sock *transport.Socket) error {
	query, err := sock.Recv(ctx)
	if err != nil {
		return fmt.Errorf("server recv: %w", err)
	}
	answer := s.factory.AnswerMsg(query)
	if answer == nil {
		s.dispose(query)
		return ErrNoAnswer
	}
	err = sock.Send(ctx, answer)
	if answer != query {
		s.dispose(query)
	}
	s.dispose(answer)
	if err != nil {
		return fmt.Errorf("server send: %w", err)
	}
	return nil
}

func (s *Session) dispose(msg *alloc.Msg) {
	if msg == nil || s.opts.DeferRelease {
		return
	}
	if err := msg.Release(); err != nil && !errors.Is(err, alloc.ErrReleased) {
		logging.Warn("message release failed", "bytes", msg.Size(), "err", err)
	}
}
