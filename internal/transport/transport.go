// Package transport provides message sockets with bind/connect/send/recv
// semantics over pluggable stream transports.
//
// Endpoints are URLs of the form scheme://address. Built in schemes:
//
//	tcp://host:port     plain TCP
//	gnet://host:port    gnet event-loop listener, plain TCP dialer
//	kcp://host:port     KCP session carrying one smux stream
//	inproc://name       in-memory pipe scoped to one Context
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
)

var (
	ErrClosed           = errors.New("transport: socket closed")
	ErrTerminated       = errors.New("transport: context terminated")
	ErrInterrupted      = errors.New("transport: operation interrupted")
	ErrNotSupported     = errors.New("transport: operation not supported by socket type")
	ErrState            = errors.New("transport: operation not valid in current socket state")
	ErrIncompatiblePeer = errors.New("transport: incompatible peer socket type")
	ErrInvalidURL       = errors.New("transport: invalid endpoint")
	ErrFrameTooLarge    = errors.New("transport: frame exceeds maximum message size")
	ErrPeerLost         = errors.New("transport: connected peer went away")
	ErrProtocol         = errors.New("transport: protocol violation")
)

// Transport carries framed traffic for one URL scheme.
type Transport interface {
	// Dial opens a byte stream to address.
	Dial(ctx context.Context, address string) (net.Conn, error)
	// Listen binds address and feeds every accepted peer to s.
	Listen(address string, s *Socket) (Listener, error)
}

// Listener is a bound endpoint.
type Listener interface {
	Addr() net.Addr
	Close() error
}

// TransportFactory creates the Transport a Context uses for one scheme.
type TransportFactory func(c *Context) (Transport, error)

var transportRegistry = sync.Map{} // map[string]TransportFactory

// RegisterTransport registers a factory for scheme. Implementations call it from init.
func RegisterTransport(scheme string, factory TransportFactory) {
	transportRegistry.Store(scheme, factory)
}

func lookupTransport(scheme string) (TransportFactory, error) {
	factory, ok := transportRegistry.Load(scheme)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, scheme)
	}
	return factory.(TransportFactory), nil
}

// AvailableTransports lists the registered schemes.
func AvailableTransports() []string {
	var schemes []string
	transportRegistry.Range(func(key, _ interface{}) bool {
		schemes = append(schemes, key.(string))
		return true
	})
	sort.Strings(schemes)
	return schemes
}

// ParseEndpoint splits scheme://address.
func ParseEndpoint(endpoint string) (scheme, address string, err error) {
	scheme, address, ok := strings.Cut(endpoint, "://")
	if !ok || scheme == "" || address == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURL, endpoint)
	}
	return scheme, address, nil
}
