package session

import (
	"context"

	"github.com/feellmoose/allocbench/internal/alloc"
	"github.com/feellmoose/allocbench/internal/transport"
)

// Processing is one step of the server loop. It is called repeatedly until
// ctx is cancelled; returning an error stops the server and fails the session.
type Processing func(ctx context.Context, sock *transport.Socket) error

// Factory supplies everything a Session needs to exchange messages. It is
// implemented by the caller.
type Factory interface {
	// WithServer reports whether the session runs a server loop.
	WithServer() bool
	// WaitAnswer reports whether client iterations expect a reply.
	WaitAnswer() bool
	// Context creates and configures the messaging context.
	Context() *transport.Context
	// URL is the endpoint the server binds and clients connect to.
	URL() string
	ServerSocket(c *transport.Context) (*transport.Socket, error)
	ClientSocket(c *transport.Context) (*transport.Socket, error)
	// QueryMsg builds a client message of size bytes.
	QueryMsg(size int) *alloc.Msg
	// AnswerMsg builds the reply to query. The answer may be query itself.
	AnswerMsg(query *alloc.Msg) *alloc.Msg
	ServerProcessing(s *Session) Processing
}
