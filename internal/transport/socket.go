package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/feellmoose/allocbench/internal/alloc"
	"github.com/feellmoose/allocbench/internal/utils/logging"
)

type inbound struct {
	msg  *alloc.Msg
	from *peer
}

// Socket is a message endpoint of one SocketType. A socket may be bound to
// and connected to several endpoints. Send and Recv are meant to be used
// from one goroutine at a time; Close may be called from any goroutine.
type Socket struct {
	ctx  *Context
	typ  SocketType
	opts SocketOptions

	mu        sync.Mutex
	peers     []*peer
	next      int
	peerAdded chan struct{}
	listeners []Listener

	inbound chan inbound

	closeOnce sync.Once
	closed    chan struct{}

	lostOnce sync.Once
	lost     chan struct{}
	lostErr  error

	// request/reply alternation
	awaitingReply bool
	replyTo       *peer
	// the requester owed a reply went away; the next REP send is discarded
	replyDropped bool
}

func newSocket(c *Context, t SocketType, o SocketOptions) *Socket {
	return &Socket{
		ctx:       c,
		typ:       t,
		opts:      o,
		peerAdded: make(chan struct{}),
		inbound:   make(chan inbound, o.RcvHWM),
		closed:    make(chan struct{}),
		lost:      make(chan struct{}),
	}
}

func (s *Socket) Type() SocketType { return s.typ }

func (s *Socket) Identity() string { return s.opts.Identity }

// Allocator returns the allocator received messages are read into.
func (s *Socket) Allocator() alloc.Allocator { return s.opts.Allocator }

// Bind starts accepting peers on endpoint.
func (s *Socket) Bind(endpoint string) error {
	scheme, address, err := ParseEndpoint(endpoint)
	if err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	t, err := s.ctx.transport(scheme)
	if err != nil {
		return err
	}
	l, err := t.Listen(address, s)
	if err != nil {
		return fmt.Errorf("bind %s: %w", endpoint, err)
	}

	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		_ = l.Close()
		return ErrClosed
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
	logging.Debug("socket bound", "type", s.typ.String(), "endpoint", endpoint, "addr", l.Addr().String())
	return nil
}

// Addr returns the address of the first bound listener, or nil.
func (s *Socket) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

// Connect dials endpoint and completes the greeting handshake before returning.
func (s *Socket) Connect(endpoint string) error {
	scheme, address, err := ParseEndpoint(endpoint)
	if err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	t, err := s.ctx.transport(scheme)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.HandshakeTimeout)
	defer cancel()
	conn, err := t.Dial(ctx, address)
	if err != nil {
		s.ctx.metrics.RecordConnectionFailed()
		return fmt.Errorf("connect %s: %w", endpoint, err)
	}
	remote, err := s.handshake(conn, true)
	if err != nil {
		_ = conn.Close()
		s.ctx.metrics.RecordHandshakeFailure()
		return fmt.Errorf("connect %s: %w", endpoint, err)
	}

	p := newPeer(s, newStreamLink(conn, s.ctx.metrics), remote, true)
	if !s.attach(p) {
		p.close()
		return ErrClosed
	}
	if !s.ctx.spawn(func() { s.readLoop(p, conn) }) {
		s.detach(p, ErrTerminated)
		return ErrTerminated
	}
	return nil
}

// handshake exchanges greetings over conn. The dialing side speaks first so
// that unbuffered pipes do not deadlock.
func (s *Socket) handshake(conn net.Conn, dialer bool) (greeting, error) {
	_ = conn.SetDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	own, err := encodeGreeting(greeting{socketType: s.typ, identity: s.opts.Identity, version: protocolMajor})
	if err != nil {
		return greeting{}, err
	}
	if dialer {
		if _, err := conn.Write(own); err != nil {
			return greeting{}, err
		}
	}
	remote, err := readGreeting(conn)
	if err != nil {
		return greeting{}, err
	}
	if !dialer {
		if _, err := conn.Write(own); err != nil {
			return greeting{}, err
		}
	}
	return remote, s.accepts(remote)
}

// accepts validates the peer greeting.
func (s *Socket) accepts(g greeting) error {
	if g.version != protocolMajor {
		return fmt.Errorf("%w: peer speaks version %d", ErrProtocol, g.version)
	}
	if !s.typ.Compatible(g.socketType) {
		return fmt.Errorf("%w: %s cannot talk to %s", ErrIncompatiblePeer, s.typ, g.socketType)
	}
	return nil
}

// serveConn handshakes an accepted stream and reads from it until it closes.
// Stream listeners run it on a context goroutine.
func (s *Socket) serveConn(conn net.Conn) {
	remote, err := s.handshake(conn, false)
	if err != nil {
		_ = conn.Close()
		s.ctx.metrics.RecordHandshakeFailure()
		logging.Warn("rejected peer", "type", s.typ.String(), "remote_addr", conn.RemoteAddr().String(), "err", err)
		return
	}
	p := newPeer(s, newStreamLink(conn, s.ctx.metrics), remote, false)
	if !s.attach(p) {
		p.close()
		return
	}
	s.readLoop(p, conn)
}

func (s *Socket) attach(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return false
	}
	s.peers = append(s.peers, p)
	close(s.peerAdded)
	s.peerAdded = make(chan struct{})
	s.ctx.metrics.RecordConnection(1)
	logging.Debug("peer attached", "type", s.typ.String(), "peer", p.identity, "remote_addr", p.link.remoteAddr())
	return true
}

// detach removes p. Losing a peer this socket dialed makes pending and
// future operations fail with ErrPeerLost.
func (s *Socket) detach(p *peer, cause error) {
	s.mu.Lock()
	removed := false
	for i, q := range s.peers {
		if q == p {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
			removed = true
			break
		}
	}
	if s.replyTo == p {
		s.replyTo = nil
		s.replyDropped = true
	}
	s.mu.Unlock()

	p.close()
	if !removed {
		return
	}
	s.ctx.metrics.RecordConnection(-1)
	if p.dialed && !s.isClosed() {
		s.lostOnce.Do(func() {
			s.lostErr = cause
			close(s.lost)
		})
	}
}

// deliver queues msg for Recv, blocking while the queue is at its high-water mark.
func (s *Socket) deliver(p *peer, msg *alloc.Msg) bool {
	s.ctx.metrics.RecordRead(int64(msg.Size()))
	select {
	case s.inbound <- inbound{msg: msg, from: p}:
		return true
	case <-s.closed:
	case <-p.done:
	}
	_ = msg.Release()
	return false
}

// Send writes msg to a peer. PUSH picks peers round-robin and waits for one
// to be available; REQ and REP enforce strict request/reply alternation.
// The caller keeps ownership of msg.
func (s *Socket) Send(ctx context.Context, msg *alloc.Msg) error {
	if !s.typ.canSend() {
		return ErrNotSupported
	}
	if err := s.check(ctx); err != nil {
		return err
	}

	var p *peer
	var err error
	switch s.typ {
	case Rep:
		var dropped bool
		s.mu.Lock()
		p, dropped = s.replyTo, s.replyDropped
		s.replyTo, s.replyDropped = nil, false
		s.mu.Unlock()
		if p == nil {
			if dropped {
				return nil
			}
			return fmt.Errorf("%w: REP must receive before sending", ErrState)
		}
	case Req:
		s.mu.Lock()
		awaiting := s.awaitingReply
		s.mu.Unlock()
		if awaiting {
			return fmt.Errorf("%w: REQ must receive the reply before sending", ErrState)
		}
		fallthrough
	default:
		if p, err = s.pickPeer(ctx); err != nil {
			return err
		}
	}

	if err := p.send(ctx, msg); err != nil {
		if s.typ == Rep && ctx.Err() == nil && !s.isClosed() {
			// a broken requester loses its reply, the socket keeps serving others
			logging.Debug("reply dropped", "peer", p.identity, "err", err)
			s.detach(p, err)
			return nil
		}
		return s.wrapErr(ctx, err)
	}
	if s.typ == Req {
		s.mu.Lock()
		s.awaitingReply = true
		s.mu.Unlock()
	}
	return nil
}

func (s *Socket) pickPeer(ctx context.Context) (*peer, error) {
	for {
		s.mu.Lock()
		if n := len(s.peers); n > 0 {
			p := s.peers[s.next%n]
			s.next++
			s.mu.Unlock()
			return p, nil
		}
		added := s.peerAdded
		s.mu.Unlock()

		select {
		case <-added:
		case <-ctx.Done():
			return nil, s.wrapErr(ctx, ctx.Err())
		case <-s.closed:
			return nil, s.closedErr()
		case <-s.lost:
			return nil, s.lostError()
		}
	}
}

// Recv blocks until a message arrives, ctx is done or the socket closes.
// The caller owns the returned message.
func (s *Socket) Recv(ctx context.Context) (*alloc.Msg, error) {
	if !s.typ.canRecv() {
		return nil, ErrNotSupported
	}
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	switch {
	case s.typ == Req && !s.awaitingReply:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: REQ must send before receiving", ErrState)
	case s.typ == Rep && s.replyTo != nil:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: REP must reply before receiving", ErrState)
	}
	s.mu.Unlock()

	select {
	case in := <-s.inbound:
		s.mu.Lock()
		switch s.typ {
		case Req:
			s.awaitingReply = false
		case Rep:
			s.replyTo = in.from
			s.replyDropped = false
		}
		s.mu.Unlock()
		return in.msg, nil
	case <-ctx.Done():
		return nil, s.wrapErr(ctx, ctx.Err())
	case <-s.closed:
		return nil, s.closedErr()
	case <-s.lost:
		return nil, s.lostError()
	}
}

func (s *Socket) check(ctx context.Context) error {
	if s.isClosed() {
		return s.closedErr()
	}
	select {
	case <-s.lost:
		return s.lostError()
	default:
	}
	if ctx.Err() != nil {
		return s.wrapErr(ctx, ctx.Err())
	}
	return nil
}

func (s *Socket) wrapErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
	}
	if s.isClosed() {
		return s.closedErr()
	}
	select {
	case <-s.lost:
		return s.lostError()
	default:
	}
	return err
}

func (s *Socket) lostError() error {
	if s.lostErr != nil {
		return fmt.Errorf("%w: %v", ErrPeerLost, s.lostErr)
	}
	return ErrPeerLost
}

func (s *Socket) closedErr() error {
	if s.ctx.isTerminated() {
		return ErrTerminated
	}
	return ErrClosed
}

func (s *Socket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Close unbinds every listener, disconnects every peer and releases
// queued messages. It is idempotent and safe to call concurrently with
// Send and Recv, which then fail with ErrClosed or ErrTerminated.
func (s *Socket) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.closed)
		listeners := s.listeners
		peers := s.peers
		s.listeners = nil
		s.peers = nil
		s.mu.Unlock()

		for _, l := range listeners {
			if err := l.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		for _, p := range peers {
			p.close()
			s.ctx.metrics.RecordConnection(-1)
		}
		for {
			select {
			case in := <-s.inbound:
				_ = in.msg.Release()
				continue
			default:
			}
			break
		}
		s.ctx.removeSocket(s)
		logging.Debug("socket closed", "type", s.typ.String(), "identity", s.opts.Identity)
	})
	return errors.Join(errs...)
}
