package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/feellmoose/allocbench/internal/utils/logging"
)

func init() {
	RegisterTransport("tcp", func(*Context) (Transport, error) {
		return NewTCPTransport(), nil
	})
}

// TCPTransport dials and listens on plain TCP.
type TCPTransport struct {
	dialer net.Dialer
}

func NewTCPTransport() *TCPTransport {
	return &TCPTransport{dialer: net.Dialer{KeepAlive: 30 * time.Second}}
}

func (t *TCPTransport) Dial(ctx context.Context, address string) (net.Conn, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	tuneTCP(conn.(*net.TCPConn))
	return conn, nil
}

func (t *TCPTransport) Listen(address string, s *Socket) (Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	sl := &streamListener{listener: l, sock: s, tag: "tcp", tune: func(c net.Conn) {
		tuneTCP(c.(*net.TCPConn))
	}}
	if !s.ctx.spawn(sl.acceptLoop) {
		_ = l.Close()
		return nil, ErrTerminated
	}
	return sl, nil
}

func tuneTCP(conn *net.TCPConn) {
	if err := conn.SetNoDelay(true); err != nil {
		logging.Warn("Failed to set TCP_NODELAY", "err", err)
	}
	if err := conn.SetKeepAlive(true); err != nil {
		logging.Warn("Failed to set TCP keepalive", "err", err)
	}
	_ = conn.SetKeepAlivePeriod(30 * time.Second)
	_ = conn.SetReadBuffer(256 * 1024)
	_ = conn.SetWriteBuffer(256 * 1024)
}

// streamListener accepts byte streams and hands each to the socket.
type streamListener struct {
	listener net.Listener
	sock     *Socket
	tag      string
	tune     func(net.Conn)
}

func (l *streamListener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *streamListener) Close() error {
	err := l.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (l *streamListener) acceptLoop() {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("recovered from panic: %v", r)
			logging.Error(err, "listener["+l.tag+"], accepting connections")
			l.sock.ctx.reportError(err)
		}
	}()
	logging.Debug("listener["+l.tag+"] started", "listen_addr", l.listener.Addr().String())

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if isTemporary(err) {
				continue
			}
			if isClosed(err) || l.sock.isClosed() {
				logging.Debug("listener["+l.tag+"] stopped gracefully", "listen_addr", l.listener.Addr().String())
				return
			}
			l.sock.ctx.reportError(fmt.Errorf("listener[%s] %s: %w", l.tag, l.listener.Addr(), err))
			return
		}
		if l.tune != nil {
			l.tune(conn)
		}
		if !l.sock.ctx.spawn(func() { l.sock.serveConn(conn) }) {
			_ = conn.Close()
			return
		}
	}
}

func isTemporary(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
