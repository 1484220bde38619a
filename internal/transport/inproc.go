package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

func init() {
	RegisterTransport("inproc", func(c *Context) (Transport, error) {
		return &inprocTransport{reg: &c.inproc}, nil
	})
}

type inprocAddr string

func (a inprocAddr) Network() string { return "inproc" }
func (a inprocAddr) String() string  { return string(a) }

// inprocRegistry maps inproc names to listeners within one Context.
type inprocRegistry struct {
	mu        sync.Mutex
	listeners map[string]*inprocListener
}

type inprocListener struct {
	reg  *inprocRegistry
	name string
	sock *Socket
	once sync.Once
}

func (l *inprocListener) Addr() net.Addr { return inprocAddr(l.name) }

func (l *inprocListener) Close() error {
	l.once.Do(func() {
		l.reg.mu.Lock()
		if l.reg.listeners[l.name] == l {
			delete(l.reg.listeners, l.name)
		}
		l.reg.mu.Unlock()
	})
	return nil
}

// inprocTransport connects sockets of the same Context through net.Pipe.
type inprocTransport struct {
	reg *inprocRegistry
}

func (t *inprocTransport) Listen(name string, s *Socket) (Listener, error) {
	t.reg.mu.Lock()
	defer t.reg.mu.Unlock()
	if _, ok := t.reg.listeners[name]; ok {
		return nil, fmt.Errorf("inproc://%s: address already in use", name)
	}
	l := &inprocListener{reg: t.reg, name: name, sock: s}
	t.reg.listeners[name] = l
	return l, nil
}

func (t *inprocTransport) Dial(ctx context.Context, name string) (net.Conn, error) {
	t.reg.mu.Lock()
	l, ok := t.reg.listeners[name]
	t.reg.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("inproc://%s: connection refused", name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, server := net.Pipe()
	if !l.sock.ctx.spawn(func() { l.sock.serveConn(server) }) {
		_ = client.Close()
		_ = server.Close()
		return nil, ErrTerminated
	}
	return client, nil
}
