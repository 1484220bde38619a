package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/feellmoose/allocbench/internal/alloc"
	"github.com/feellmoose/allocbench/internal/utils/logging"
)

// link writes frames to one connection.
type link interface {
	// writeFrame sends header+body. owner is kept reachable until body has
	// been handed to the kernel.
	writeFrame(ctx context.Context, flags byte, body []byte, owner any) error
	close() error
	remoteAddr() string
}

type peer struct {
	sock     *Socket
	link     link
	identity string
	typ      SocketType
	dialed   bool

	closeOnce sync.Once
	done      chan struct{}
}

func newPeer(s *Socket, l link, g greeting, dialed bool) *peer {
	return &peer{
		sock:     s,
		link:     l,
		identity: g.identity,
		typ:      g.socketType,
		dialed:   dialed,
		done:     make(chan struct{}),
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.link.close()
	})
}

// send encodes msg and writes it, compressing when above the threshold.
func (p *peer) send(ctx context.Context, msg *alloc.Msg) error {
	start := time.Now()
	metrics := p.sock.ctx.metrics
	data := msg.Bytes()
	size := len(data)

	var err error
	if th := p.sock.opts.CompressThreshold; th > 0 && size >= th {
		if bp := compress(data); bp != nil {
			err = p.link.writeFrame(ctx, flagCompressed, *bp, msg)
			putScratch(bp)
			metrics.CompressedFrames.Add(1)
		} else {
			err = p.link.writeFrame(ctx, 0, data, msg)
		}
	} else {
		err = p.link.writeFrame(ctx, 0, data, msg)
	}
	if err != nil {
		metrics.RecordWriteError()
		return err
	}
	metrics.RecordWrite(int64(size), time.Since(start))
	return nil
}

// aLongTimeAgo is a deadline that has already passed, used to abort blocked I/O.
var aLongTimeAgo = time.Unix(1, 0)

// streamLink frames messages over a net.Conn.
type streamLink struct {
	conn    net.Conn
	metrics *Metrics
	wmu     sync.Mutex
	hdr     [headerSize]byte
}

func newStreamLink(conn net.Conn, m *Metrics) *streamLink {
	return &streamLink{conn: conn, metrics: m}
}

func (l *streamLink) writeFrame(ctx context.Context, flags byte, body []byte, owner any) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	putHeader(l.hdr[:], len(body), flags)
	stop := context.AfterFunc(ctx, func() {
		_ = l.conn.SetWriteDeadline(aLongTimeAgo)
	})

	// writev header and body without copying the body
	buffers := net.Buffers{l.hdr[:], body}
	_, err := buffers.WriteTo(l.conn)
	runtime.KeepAlive(owner)

	if !stop() {
		// the frame may be partially written, the stream cannot be reused
		if err != nil {
			_ = l.conn.Close()
			return fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
		}
		_ = l.conn.SetWriteDeadline(time.Time{})
	}
	return err
}

func (l *streamLink) close() error {
	return l.conn.Close()
}

func (l *streamLink) remoteAddr() string {
	if a := l.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// readLoop reads frames from conn into messages from the socket allocator
// until the connection fails or the socket closes.
func (s *Socket) readLoop(p *peer, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("recovered from panic: %v", r)
			logging.Error(err, "socket read loop", "type", s.typ.String(), "peer", p.identity)
			s.detach(p, err)
		}
	}()

	reader := bufio.NewReaderSize(conn, 16384)
	var h [headerSize]byte
	for {
		if _, err := io.ReadFull(reader, h[:]); err != nil {
			s.endRead(p, err)
			return
		}
		n, flags := parseHeader(h[:])
		if n > s.opts.MaxMsgSize {
			s.ctx.metrics.RecordReadError()
			s.endRead(p, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, n, s.opts.MaxMsgSize))
			return
		}
		if flags&flagGreeting != 0 {
			s.endRead(p, fmt.Errorf("%w: unexpected greeting", ErrProtocol))
			return
		}
		msg, err := readBody(reader, s.opts.Allocator, n, flags, s.opts.MaxMsgSize)
		if err != nil {
			s.ctx.metrics.RecordReadError()
			s.endRead(p, err)
			return
		}
		if !s.deliver(p, msg) {
			s.detach(p, ErrClosed)
			return
		}
	}
}

func (s *Socket) endRead(p *peer, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || s.isClosed() {
		logging.Debug("peer disconnected", "type", s.typ.String(), "peer", p.identity, "err", err)
	} else {
		logging.Warn("peer read failed", "type", s.typ.String(), "peer", p.identity, "err", err)
	}
	s.detach(p, err)
}
