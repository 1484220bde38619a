// Package bench drives allocator benchmarks through a session: it supplies
// the session factory and runs timed client loops over a grid of
// allocators and message sizes.
package bench

import (
	"github.com/feellmoose/allocbench/internal/alloc"
	"github.com/feellmoose/allocbench/internal/session"
	"github.com/feellmoose/allocbench/internal/transport"
)

const DefaultURL = "tcp://127.0.0.1:13800"

// AllocatorFactory exchanges messages built by one allocator. Both the
// server and client sockets read received frames into that allocator.
type AllocatorFactory struct {
	allocator alloc.Allocator
	url       string
	answer    bool
	server    bool
	ctxOpts   transport.ContextOptions
}

type FactoryOption func(*AllocatorFactory)

// WithURL sets the endpoint the server binds and clients connect to.
//
// Parameters:
//   - url: Endpoint such as "tcp://127.0.0.1:5555", "gnet://..." or "inproc://name"
func WithURL(url string) FactoryOption {
	return func(f *AllocatorFactory) { f.url = url }
}

// WithAnswer switches from PUSH/PULL to REQ/REP.
func WithAnswer(answer bool) FactoryOption {
	return func(f *AllocatorFactory) { f.answer = answer }
}

// WithLocalServer controls whether the session runs its own server. Without
// one, clients connect to a server in another process.
func WithLocalServer(local bool) FactoryOption {
	return func(f *AllocatorFactory) { f.server = local }
}

func WithContextOptions(o transport.ContextOptions) FactoryOption {
	return func(f *AllocatorFactory) { f.ctxOpts = o }
}

// NewAllocatorFactory returns a factory whose sockets draw message blocks
// from a.
//
// Parameters:
//   - a: Allocator shared by every context the factory creates
//   - opts: Endpoint, pattern and transport overrides
//
// Returns:
//   - *AllocatorFactory: Fire-and-forget over DefaultURL with a local server
//     unless opts say otherwise
func NewAllocatorFactory(a alloc.Allocator, opts ...FactoryOption) *AllocatorFactory {
	f := &AllocatorFactory{allocator: a, url: DefaultURL, server: true}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

var _ session.Factory = (*AllocatorFactory)(nil)

func (f *AllocatorFactory) WithServer() bool { return f.server }

func (f *AllocatorFactory) WaitAnswer() bool { return f.answer }

func (f *AllocatorFactory) URL() string { return f.url }

func (f *AllocatorFactory) Context() *transport.Context {
	o := f.ctxOpts
	o.Socket.Allocator = f.allocator
	return transport.NewContext(&o)
}

func (f *AllocatorFactory) ServerSocket(c *transport.Context) (*transport.Socket, error) {
	t := transport.Pull
	if f.answer {
		t = transport.Rep
	}
	return c.Socket(t, transport.WithAllocator(f.allocator))
}

func (f *AllocatorFactory) ClientSocket(c *transport.Context) (*transport.Socket, error) {
	t := transport.Push
	if f.answer {
		t = transport.Req
	}
	return c.Socket(t, transport.WithAllocator(f.allocator))
}

func (f *AllocatorFactory) QueryMsg(size int) *alloc.Msg {
	return f.allocator.Allocate(size)
}

// AnswerMsg echoes the query back.
func (f *AllocatorFactory) AnswerMsg(query *alloc.Msg) *alloc.Msg {
	if !f.answer {
		return nil
	}
	return query
}

func (f *AllocatorFactory) ServerProcessing(s *session.Session) session.Processing {
	if f.answer {
		return s.Process
	}
	return s.Consume
}
