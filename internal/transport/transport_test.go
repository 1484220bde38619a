package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feellmoose/allocbench/internal/alloc"
)

var inprocSeq atomic.Int64

func freeTCP(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func freeUDP(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	require.NoError(t, pc.Close())
	return addr
}

func endpoint(t *testing.T, scheme string) string {
	t.Helper()
	switch scheme {
	case "kcp":
		return "kcp://" + freeUDP(t)
	case "inproc":
		return fmt.Sprintf("inproc://test-%d", inprocSeq.Add(1))
	default:
		return scheme + "://" + freeTCP(t)
	}
}

func newTestContext(t *testing.T) *Context {
	t.Helper()
	c := NewContext(&ContextOptions{Socket: SocketOptions{HandshakeTimeout: 3 * time.Second}})
	t.Cleanup(func() { _ = c.Terminate() })
	return c
}

func payload(n int, seed byte) *alloc.Msg {
	m := alloc.NewHeapAllocator().Allocate(n)
	for i := range m.Bytes() {
		m.Bytes()[i] = seed + byte(i%31)
	}
	return m
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPushPull(t *testing.T) {
	for _, scheme := range []string{"tcp", "gnet", "kcp", "inproc"} {
		t.Run(scheme, func(t *testing.T) {
			c := newTestContext(t)
			ep := endpoint(t, scheme)

			pull, err := c.Socket(Pull)
			require.NoError(t, err)
			require.NoError(t, pull.Bind(ep))

			push, err := c.Socket(Push)
			require.NoError(t, err)
			require.NoError(t, push.Connect(ep))

			ctx := testCtx(t)
			for i := 0; i < 20; i++ {
				require.NoError(t, push.Send(ctx, payload(100+i, byte(i))))
			}
			for i := 0; i < 20; i++ {
				m, err := pull.Recv(ctx)
				require.NoError(t, err)
				assert.Equal(t, payload(100+i, byte(i)).Bytes(), m.Bytes())
				require.NoError(t, m.Release())
			}

			snap := c.Metrics().Snapshot()
			assert.EqualValues(t, 20, snap.MessagesSent)
			assert.EqualValues(t, 20, snap.MessagesReceived)
		})
	}
}

func TestReqRep(t *testing.T) {
	for _, scheme := range []string{"tcp", "gnet", "inproc"} {
		t.Run(scheme, func(t *testing.T) {
			c := newTestContext(t)
			ep := endpoint(t, scheme)

			rep, err := c.Socket(Rep)
			require.NoError(t, err)
			require.NoError(t, rep.Bind(ep))

			req, err := c.Socket(Req)
			require.NoError(t, err)
			require.NoError(t, req.Connect(ep))

			ctx := testCtx(t)
			for i := 0; i < 5; i++ {
				require.NoError(t, req.Send(ctx, payload(10, 'q')))

				q, err := rep.Recv(ctx)
				require.NoError(t, err)
				assert.Equal(t, payload(10, 'q').Bytes(), q.Bytes())
				require.NoError(t, rep.Send(ctx, payload(20, 'a')))

				a, err := req.Recv(ctx)
				require.NoError(t, err)
				assert.Equal(t, payload(20, 'a').Bytes(), a.Bytes())
			}
		})
	}
}

func TestRepDropsReplyToDepartedRequester(t *testing.T) {
	c := newTestContext(t)
	ep := endpoint(t, "tcp")
	ctx := testCtx(t)

	rep, err := c.Socket(Rep)
	require.NoError(t, err)
	require.NoError(t, rep.Bind(ep))

	gone, err := c.Socket(Req)
	require.NoError(t, err)
	require.NoError(t, gone.Connect(ep))
	require.NoError(t, gone.Send(ctx, payload(8, 'q')))
	_, err = rep.Recv(ctx)
	require.NoError(t, err)

	require.NoError(t, gone.Close())
	require.Eventually(t, func() bool {
		return c.Metrics().ActiveConnections.Load() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, rep.Send(ctx, payload(8, 'a')), "reply to a departed requester is discarded")

	req, err := c.Socket(Req)
	require.NoError(t, err)
	require.NoError(t, req.Connect(ep))
	require.NoError(t, req.Send(ctx, payload(8, 'q')))
	_, err = rep.Recv(ctx)
	require.NoError(t, err)
	require.NoError(t, rep.Send(ctx, payload(8, 'a')))
	a, err := req.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload(8, 'a').Bytes(), a.Bytes())
}

func TestGnetInterruptedSendHoldsBlock(t *testing.T) {
	a, err := alloc.New("pooled-cleaner")
	require.NoError(t, err)
	defer a.Close()

	c := newTestContext(t)
	ep := endpoint(t, "gnet")
	push, err := c.Socket(Push, WithAllocator(a))
	require.NoError(t, err)
	require.NoError(t, push.Bind(ep))
	pull, err := c.Socket(Pull)
	require.NoError(t, err)
	require.NoError(t, pull.Connect(ep))
	require.Eventually(t, func() bool {
		return c.Metrics().ActiveConnections.Load() == 2
	}, 5*time.Second, 10*time.Millisecond)

	const size = 4 << 20
	for i := 0; i < 20; i++ {
		msg := a.Allocate(size)
		want := bytes.Repeat([]byte{byte(i + 1)}, size)
		copy(msg.Bytes(), want)

		ctx, cancel := context.WithCancel(context.Background())
		go cancel()
		sendErr := push.Send(ctx, msg)
		cancel()

		// hand the block back and overwrite whatever reuses its size class
		require.NoError(t, msg.Release())
		reused := a.Allocate(size)
		for j := range reused.Bytes() {
			reused.Bytes()[j] = 0xff
		}
		require.NoError(t, reused.Release())

		if sendErr != nil {
			assert.ErrorIs(t, sendErr, ErrInterrupted)
			return
		}
		got, err := pull.Recv(testCtx(t))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(want, got.Bytes()), "frame %d changed after release", i)
		require.NoError(t, got.Release())
	}
}

func TestZeroSizeMessage(t *testing.T) {
	c := newTestContext(t)
	ep := endpoint(t, "tcp")

	pull, _ := c.Socket(Pull)
	require.NoError(t, pull.Bind(ep))
	push, _ := c.Socket(Push)
	require.NoError(t, push.Connect(ep))

	ctx := testCtx(t)
	require.NoError(t, push.Send(ctx, alloc.NewHeapAllocator().Allocate(0)))
	m, err := pull.Recv(ctx)
	require.NoError(t, err)
	assert.Zero(t, m.Size())
}

func TestSocketStateErrors(t *testing.T) {
	c := newTestContext(t)
	ctx := testCtx(t)

	req, _ := c.Socket(Req)
	_, err := req.Recv(ctx)
	assert.ErrorIs(t, err, ErrState)

	rep, _ := c.Socket(Rep)
	assert.ErrorIs(t, rep.Send(ctx, payload(1, 0)), ErrState)

	push, _ := c.Socket(Push)
	_, err = push.Recv(ctx)
	assert.ErrorIs(t, err, ErrNotSupported)

	pull, _ := c.Socket(Pull)
	assert.ErrorIs(t, pull.Send(ctx, payload(1, 0)), ErrNotSupported)

	_, err = c.Socket(SocketType(99))
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestReqMustAlternate(t *testing.T) {
	c := newTestContext(t)
	ep := endpoint(t, "inproc")

	rep, _ := c.Socket(Rep)
	require.NoError(t, rep.Bind(ep))
	req, _ := c.Socket(Req)
	require.NoError(t, req.Connect(ep))

	ctx := testCtx(t)
	require.NoError(t, req.Send(ctx, payload(4, 0)))
	assert.ErrorIs(t, req.Send(ctx, payload(4, 0)), ErrState)

	_, err := rep.Recv(ctx)
	require.NoError(t, err)
	_, err = rep.Recv(ctx)
	assert.ErrorIs(t, err, ErrState)
}

func TestIncompatiblePeer(t *testing.T) {
	for _, scheme := range []string{"tcp", "inproc"} {
		t.Run(scheme, func(t *testing.T) {
			c := newTestContext(t)
			ep := endpoint(t, scheme)

			pull, _ := c.Socket(Pull)
			require.NoError(t, pull.Bind(ep))

			other, _ := c.Socket(Pull)
			err := other.Connect(ep)
			assert.ErrorIs(t, err, ErrIncompatiblePeer)

			req, _ := c.Socket(Req)
			assert.ErrorIs(t, req.Connect(ep), ErrIncompatiblePeer)

			require.Eventually(t, func() bool {
				return c.Metrics().Snapshot().HandshakeFailures >= 3
			}, 5*time.Second, 10*time.Millisecond)
		})
	}
}

func TestBindConflict(t *testing.T) {
	for _, scheme := range []string{"tcp", "gnet", "inproc"} {
		t.Run(scheme, func(t *testing.T) {
			c := newTestContext(t)
			ep := endpoint(t, scheme)

			first, _ := c.Socket(Pull)
			require.NoError(t, first.Bind(ep))
			second, _ := c.Socket(Pull)
			assert.Error(t, second.Bind(ep))
		})
	}
}

func TestConnectRefused(t *testing.T) {
	c := newTestContext(t)
	push, _ := c.Socket(Push)
	assert.Error(t, push.Connect(endpoint(t, "tcp")))
	assert.Error(t, push.Connect("inproc://nobody"))
	assert.EqualValues(t, 2, c.Metrics().Snapshot().FailedConnections)
}

func TestRecvInterrupted(t *testing.T) {
	c := newTestContext(t)
	pull, _ := c.Socket(Pull)
	require.NoError(t, pull.Bind(endpoint(t, "inproc")))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := pull.Recv(ctx)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSendWaitsForPeerAndHonoursCancel(t *testing.T) {
	c := newTestContext(t)
	push, _ := c.Socket(Push)
	require.NoError(t, push.Bind(endpoint(t, "tcp")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, push.Send(ctx, payload(8, 0)), ErrInterrupted)
}

func TestTerminateUnblocksRecv(t *testing.T) {
	c := NewContext(nil)
	pull, _ := c.Socket(Pull)
	require.NoError(t, pull.Bind(endpoint(t, "tcp")))

	errc := make(chan error, 1)
	go func() {
		_, err := pull.Recv(context.Background())
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Terminate())
	require.NoError(t, c.Terminate())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrTerminated)
	case <-time.After(5 * time.Second):
		t.Fatal("Recv still blocked after Terminate")
	}

	_, err := c.Socket(Push)
	assert.ErrorIs(t, err, ErrTerminated)
	<-c.Terminated()
}

func TestCloseIdempotent(t *testing.T) {
	c := newTestContext(t)
	s, _ := c.Socket(Pull)
	require.NoError(t, s.Bind(endpoint(t, "tcp")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err := s.Recv(testCtx(t))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Bind(endpoint(t, "tcp")), ErrClosed)
}

func TestPeerLost(t *testing.T) {
	c := newTestContext(t)
	ep := endpoint(t, "tcp")

	rep, _ := c.Socket(Rep)
	require.NoError(t, rep.Bind(ep))
	req, _ := c.Socket(Req)
	require.NoError(t, req.Connect(ep))

	ctx := testCtx(t)
	require.NoError(t, req.Send(ctx, payload(4, 0)))
	_, err := rep.Recv(ctx)
	require.NoError(t, err)
	require.NoError(t, rep.Close())

	_, err = req.Recv(ctx)
	assert.ErrorIs(t, err, ErrPeerLost)
}

func TestCompression(t *testing.T) {
	for _, scheme := range []string{"tcp", "gnet"} {
		t.Run(scheme, func(t *testing.T) {
			c := newTestContext(t)
			ep := endpoint(t, scheme)

			pull, _ := c.Socket(Pull)
			require.NoError(t, pull.Bind(ep))
			push, _ := c.Socket(Push, WithCompressThreshold(1024))
			require.NoError(t, push.Connect(ep))

			big := alloc.NewHeapAllocator().Allocate(64 * 1024)
			copy(big.Bytes(), bytes.Repeat([]byte("allocbench "), 64*1024/11))

			ctx := testCtx(t)
			require.NoError(t, push.Send(ctx, big))
			require.NoError(t, push.Send(ctx, payload(100, 1)))

			m, err := pull.Recv(ctx)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(big.Bytes(), m.Bytes()))
			m, err = pull.Recv(ctx)
			require.NoError(t, err)
			assert.Equal(t, payload(100, 1).Bytes(), m.Bytes())

			assert.EqualValues(t, 1, c.Metrics().Snapshot().CompressedFrames)
		})
	}
}

func TestRecvUsesSocketAllocator(t *testing.T) {
	counters := &alloc.Counters{}
	a, err := alloc.New("pooled-reference", alloc.WithMetrics(counters))
	require.NoError(t, err)
	defer a.Close()

	c := newTestContext(t)
	ep := endpoint(t, "tcp")
	pull, _ := c.Socket(Pull, WithAllocator(a))
	require.NoError(t, pull.Bind(ep))
	push, _ := c.Socket(Push)
	require.NoError(t, push.Connect(ep))

	ctx := testCtx(t)
	require.NoError(t, push.Send(ctx, payload(100, 3)))
	m, err := pull.Recv(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, a.Stats().Gets)
	require.NoError(t, m.Release())
	assert.EqualValues(t, 1, counters.Explicit())
	assert.EqualValues(t, 100, counters.Bytes())
}

func TestOversizedFrameDropsPeer(t *testing.T) {
	c := newTestContext(t)
	ep := endpoint(t, "tcp")

	pull, _ := c.Socket(Pull, WithMaxMsgSize(64))
	require.NoError(t, pull.Bind(ep))
	push, _ := c.Socket(Push)
	require.NoError(t, push.Connect(ep))

	ctx := testCtx(t)
	require.NoError(t, push.Send(ctx, payload(1000, 0)))

	require.Eventually(t, func() bool {
		err := push.Send(ctx, payload(1, 0))
		return errors.Is(err, ErrPeerLost)
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, c.Metrics().Snapshot().ReadErrors, int64(1))
}

func TestParseEndpoint(t *testing.T) {
	scheme, addr, err := ParseEndpoint("tcp://127.0.0.1:13800")
	require.NoError(t, err)
	assert.Equal(t, "tcp", scheme)
	assert.Equal(t, "127.0.0.1:13800", addr)

	for _, bad := range []string{"", "tcp", "://x", "tcp://"} {
		_, _, err := ParseEndpoint(bad)
		assert.ErrorIs(t, err, ErrInvalidURL, bad)
	}

	c := newTestContext(t)
	s, _ := c.Socket(Pull)
	assert.ErrorIs(t, s.Bind("ipc://x"), ErrInvalidURL)
	assert.Equal(t, []string{"gnet", "inproc", "kcp", "tcp"}, AvailableTransports())
}

func TestGreetingRoundTrip(t *testing.T) {
	frame, err := encodeGreeting(greeting{socketType: Rep, identity: "rep-1", version: protocolMajor})
	require.NoError(t, err)
	g, err := readGreeting(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, Rep, g.socketType)
	assert.Equal(t, "rep-1", g.identity)
	assert.Equal(t, protocolMajor, g.version)
}

func TestSocketTypeCompatibility(t *testing.T) {
	assert.True(t, Push.Compatible(Pull))
	assert.True(t, Req.Compatible(Rep))
	assert.False(t, Push.Compatible(Push))
	assert.False(t, Req.Compatible(Pull))
	tp, ok := ParseSocketType("REQ")
	assert.True(t, ok)
	assert.Equal(t, Req, tp)
}
