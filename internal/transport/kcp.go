package transport

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"
	"golang.org/x/crypto/pbkdf2"

	"github.com/feellmoose/allocbench/internal/utils/logging"
)

func init() {
	RegisterTransport("kcp", func(c *Context) (Transport, error) {
		return NewKCPTransport(c.opts.KCPKey)
	})
}

const (
	kcpDataShards   = 10
	kcpParityShards = 3
)

// KCPTransport runs one smux stream over an encrypted KCP session per peer.
type KCPTransport struct {
	block kcp.BlockCrypt
}

// NewKCPTransport derives the session cipher from key.
func NewKCPTransport(key string) (*KCPTransport, error) {
	dk := pbkdf2.Key([]byte(key), []byte("allocbench_kcp"), 4096, 32, sha256.New)
	block, err := kcp.NewAESBlockCrypt(dk)
	if err != nil {
		return nil, fmt.Errorf("kcp cipher: %w", err)
	}
	return &KCPTransport{block: block}, nil
}

func tuneKCP(conn *kcp.UDPSession) {
	// smux needs a byte stream
	conn.SetStreamMode(true)
	conn.SetNoDelay(1, 10, 2, 1)
	conn.SetWindowSize(1024, 1024)
	conn.SetMtu(1400)
	conn.SetWriteDelay(false)
	conn.SetACKNoDelay(true)
}

func smuxConfig() *smux.Config {
	conf := smux.DefaultConfig()
	conf.Version = 2
	conf.KeepAliveInterval = 2 * time.Second
	conf.KeepAliveTimeout = 8 * time.Second
	conf.MaxFrameSize = 65535
	conf.MaxReceiveBuffer = 4 * 1024 * 1024
	conf.MaxStreamBuffer = 2 * 1024 * 1024
	return conf
}

func (t *KCPTransport) Dial(ctx context.Context, address string) (net.Conn, error) {
	sess, err := kcp.DialWithOptions(address, t.block, kcpDataShards, kcpParityShards)
	if err != nil {
		return nil, err
	}
	tuneKCP(sess)
	mux, err := smux.Client(sess, smuxConfig())
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = sess.SetDeadline(deadline)
		defer sess.SetDeadline(time.Time{})
	}
	stream, err := mux.OpenStream()
	if err != nil {
		_ = mux.Close()
		_ = sess.Close()
		return nil, err
	}
	return &kcpConn{stream: stream, mux: mux, sess: sess}, nil
}

func (t *KCPTransport) Listen(address string, s *Socket) (Listener, error) {
	l, err := kcp.ListenWithOptions(address, t.block, kcpDataShards, kcpParityShards)
	if err != nil {
		return nil, err
	}
	kl := &kcpListener{listener: l, sock: s}
	if !s.ctx.spawn(kl.acceptLoop) {
		_ = l.Close()
		return nil, ErrTerminated
	}
	return kl, nil
}

type kcpListener struct {
	listener *kcp.Listener
	sock     *Socket
}

func (l *kcpListener) Addr() net.Addr { return l.listener.Addr() }

func (l *kcpListener) Close() error {
	err := l.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (l *kcpListener) acceptLoop() {
	logging.Debug("listener[kcp] started", "listen_addr", l.listener.Addr().String())
	for {
		sess, err := l.listener.AcceptKCP()
		if err != nil {
			if l.sock.isClosed() || isClosed(err) {
				logging.Debug("listener[kcp] stopped gracefully")
				return
			}
			l.sock.ctx.reportError(fmt.Errorf("listener[kcp] %s: %w", l.listener.Addr(), err))
			return
		}
		tuneKCP(sess)
		if !l.sock.ctx.spawn(func() { l.serveSession(sess) }) {
			_ = sess.Close()
			return
		}
	}
}

// serveSession accepts the single stream a dialer opens on sess.
func (l *kcpListener) serveSession(sess *kcp.UDPSession) {
	mux, err := smux.Server(sess, smuxConfig())
	if err != nil {
		_ = sess.Close()
		logging.Warn("listener[kcp] smux setup failed", "remote_addr", sess.RemoteAddr().String(), "err", err)
		return
	}
	_ = mux.SetDeadline(time.Now().Add(l.sock.opts.HandshakeTimeout))
	stream, err := mux.AcceptStream()
	_ = mux.SetDeadline(time.Time{})
	if err != nil {
		_ = mux.Close()
		_ = sess.Close()
		logging.Debug("listener[kcp] no stream opened", "remote_addr", sess.RemoteAddr().String(), "err", err)
		return
	}
	l.sock.serveConn(&kcpConn{stream: stream, mux: mux, sess: sess})
}

// kcpConn presents a smux stream as a net.Conn and owns the session below it.
type kcpConn struct {
	stream *smux.Stream
	mux    *smux.Session
	sess   *kcp.UDPSession
}

func (c *kcpConn) Read(b []byte) (int, error)  { return c.stream.Read(b) }
func (c *kcpConn) Write(b []byte) (int, error) { return c.stream.Write(b) }

// Close tears down the stream and the session; closing the smux session
// also closes the KCP session beneath it.
func (c *kcpConn) Close() error {
	_ = c.stream.Close()
	return c.mux.Close()
}

func (c *kcpConn) LocalAddr() net.Addr  { return c.sess.LocalAddr() }
func (c *kcpConn) RemoteAddr() net.Addr { return c.sess.RemoteAddr() }

func (c *kcpConn) SetDeadline(t time.Time) error {
	return errors.Join(c.stream.SetReadDeadline(t), c.stream.SetWriteDeadline(t))
}

func (c *kcpConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *kcpConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }
