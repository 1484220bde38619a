package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/gnet/v2"

	"github.com/feellmoose/allocbench/internal/alloc"
	"github.com/feellmoose/allocbench/internal/utils/logging"
)

func init() {
	RegisterTransport("gnet", func(c *Context) (Transport, error) {
		return &GnetTransport{multicore: c.opts.GnetMulticore, dialer: NewTCPTransport()}, nil
	})
}

// GnetTransport binds with a gnet event-loop engine. Frames are parsed on
// the event loop and copied into messages from the socket allocator.
// Dialing uses plain TCP; the wire format is the same.
type GnetTransport struct {
	multicore bool
	dialer    *TCPTransport
}

func (t *GnetTransport) Dial(ctx context.Context, address string) (net.Conn, error) {
	return t.dialer.Dial(ctx, address)
}

func (t *GnetTransport) Listen(address string, s *Socket) (Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s failed: %w", address, err)
	}
	l := &gnetListener{
		address: addr,
		sock:    s,
		booted:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	events := &gnetEvents{listener: l}
	started := s.ctx.spawn(func() {
		defer close(l.stopped)
		l.runErr = gnet.Run(events, "tcp://"+addr.String(),
			gnet.WithMulticore(t.multicore),
			gnet.WithReusePort(false),
			gnet.WithReuseAddr(true),
			gnet.WithTCPKeepAlive(30*time.Second),
			gnet.WithTCPNoDelay(gnet.TCPNoDelay),
			gnet.WithLoadBalancing(gnet.RoundRobin),
		)
		if l.runErr != nil && l.isBooted() && !s.isClosed() {
			s.ctx.reportError(fmt.Errorf("listener[gnet] %s: %w", addr, l.runErr))
		}
	})
	if !started {
		return nil, ErrTerminated
	}

	select {
	case <-l.booted:
		return l, nil
	case <-l.stopped:
		if l.runErr == nil {
			l.runErr = errors.New("gnet engine exited before boot")
		}
		return nil, l.runErr
	}
}

type gnetListener struct {
	address *net.TCPAddr
	sock    *Socket
	engine  gnet.Engine
	booted  chan struct{}
	stopped chan struct{}
	runErr  error
	once    sync.Once
}

func (l *gnetListener) isBooted() bool {
	select {
	case <-l.booted:
		return true
	default:
		return false
	}
}

func (l *gnetListener) Addr() net.Addr { return l.address }

func (l *gnetListener) Close() error {
	var err error
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		err = l.engine.Stop(ctx)
		select {
		case <-l.stopped:
		case <-ctx.Done():
		}
		logging.Debug("listener[gnet] stopped", "listen_addr", l.address.String())
	})
	return err
}

// --- Event Engine ---

type gnetConnState struct {
	peer *peer
}

type gnetEvents struct {
	gnet.BuiltinEventEngine
	listener *gnetListener
}

func (es *gnetEvents) OnBoot(engine gnet.Engine) (action gnet.Action) {
	es.listener.engine = engine
	close(es.listener.booted)
	logging.Debug("listener[gnet] booted", "listen_addr", es.listener.address.String())
	return gnet.None
}

func (es *gnetEvents) OnOpen(conn gnet.Conn) (out []byte, action gnet.Action) {
	conn.SetContext(&gnetConnState{})
	return nil, gnet.None
}

func (es *gnetEvents) OnClose(conn gnet.Conn, err error) (action gnet.Action) {
	st, _ := conn.Context().(*gnetConnState)
	if st == nil || st.peer == nil {
		return gnet.None
	}
	if err == nil {
		err = io.EOF
	}
	es.listener.sock.detach(st.peer, err)
	return gnet.None
}

func (es *gnetEvents) OnTraffic(conn gnet.Conn) (action gnet.Action) {
	s := es.listener.sock
	st, _ := conn.Context().(*gnetConnState)
	if st == nil {
		return gnet.Close
	}

	for {
		if conn.InboundBuffered() < headerSize {
			return gnet.None
		}
		hdr, _ := conn.Peek(headerSize)
		n, flags := parseHeader(hdr)
		if n > s.opts.MaxMsgSize {
			s.ctx.metrics.RecordReadError()
			logging.Error(fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n), "listener[gnet], rejecting frame", "remote_addr", conn.RemoteAddr().String())
			return gnet.Close
		}
		if conn.InboundBuffered() < headerSize+n {
			return gnet.None
		}
		_, _ = conn.Discard(headerSize)

		var body []byte
		if n > 0 {
			body, _ = conn.Peek(n)
		}

		if st.peer == nil {
			p, err := es.greet(conn, flags, body)
			_, _ = conn.Discard(n)
			if err != nil {
				s.ctx.metrics.RecordHandshakeFailure()
				logging.Warn("rejected peer", "type", s.typ.String(), "remote_addr", conn.RemoteAddr().String(), "err", err)
				return gnet.Close
			}
			st.peer = p
			continue
		}

		if flags&flagGreeting != 0 {
			return gnet.Close
		}
		msg, err := copyFrame(s.opts.Allocator, body, flags, s.opts.MaxMsgSize)
		_, _ = conn.Discard(n)
		if err != nil {
			s.ctx.metrics.RecordReadError()
			logging.Warn("listener[gnet] bad frame", "remote_addr", conn.RemoteAddr().String(), "err", err)
			return gnet.Close
		}
		if !s.deliver(st.peer, msg) {
			return gnet.Close
		}
	}
}

// greet answers the peer greeting and attaches the peer.
func (es *gnetEvents) greet(conn gnet.Conn, flags byte, body []byte) (*peer, error) {
	s := es.listener.sock
	if flags&flagGreeting == 0 {
		return nil, fmt.Errorf("%w: expected greeting", ErrProtocol)
	}
	remote, err := decodeGreeting(body)
	if err != nil {
		return nil, err
	}
	own, err := encodeGreeting(greeting{socketType: s.typ, identity: s.opts.Identity, version: protocolMajor})
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(own); err != nil {
		return nil, err
	}
	if err := s.accepts(remote); err != nil {
		return nil, err
	}
	gl := newGnetLink(conn, es.listener.stopped)
	p := newPeer(s, gl, remote, false)
	gl.peer = p
	if !s.attach(p) {
		return nil, ErrClosed
	}
	return p, nil
}

// copyFrame copies a frame body out of the event-loop buffer.
func copyFrame(a alloc.Allocator, body []byte, flags byte, maxSize int) (*alloc.Msg, error) {
	if flags&flagCompressed != 0 {
		return decompressInto(a, body, maxSize)
	}
	msg := a.Allocate(len(body))
	copy(msg.Bytes(), body)
	return msg, nil
}

// gnetLink writes frames through the connection's event loop. The loop
// reads body after writeFrame has queued it, so writeFrame does not return
// before the write callback has run or the engine has stopped.
type gnetLink struct {
	conn    gnet.Conn
	peer    *peer
	stopped <-chan struct{}
	once    sync.Once
	closed  chan struct{}
}

func newGnetLink(conn gnet.Conn, stopped <-chan struct{}) *gnetLink {
	return &gnetLink{conn: conn, stopped: stopped, closed: make(chan struct{})}
}

func (l *gnetLink) writeFrame(ctx context.Context, flags byte, body []byte, owner any) error {
	hdr := make([]byte, headerSize)
	putHeader(hdr, len(body), flags)

	done := make(chan error, 1)
	err := l.conn.AsyncWritev([][]byte{hdr, body}, func(_ gnet.Conn, err error) error {
		runtime.KeepAlive(owner)
		done <- err
		return nil
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-l.closed:
		err = net.ErrClosed
	case <-ctx.Done():
		err = fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
		l.abort()
	}
	select {
	case <-done:
	case <-l.stopped:
	}
	return err
}

// abort drops the connection. Closing the peer also releases an event loop
// blocked delivering to it, so the queued write gets to run its callback.
func (l *gnetLink) abort() {
	if l.peer != nil {
		l.peer.close()
		return
	}
	_ = l.close()
}

func (l *gnetLink) close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		err = l.conn.Close()
	})
	return err
}

func (l *gnetLink) remoteAddr() string {
	if a := l.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
