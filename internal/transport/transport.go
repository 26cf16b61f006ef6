// Package transport provides the stream carriers fileferry runs over.
// Every carrier yields a plain net.Conn: TCP (optionally TLS), one QUIC
// stream per connection, or a binary WebSocket.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/net/netutil"
)

// Type identifies a carrier.
type Type string

const (
	TypeTCP       Type = "tcp"
	TypeQUIC      Type = "quic"
	TypeWebSocket Type = "ws"
)

// ParseType accepts the configuration spelling of a carrier.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tcp":
		return TypeTCP, nil
	case "quic":
		return TypeQUIC, nil
	case "ws", "websocket":
		return TypeWebSocket, nil
	default:
		return "", fmt.Errorf("unknown transport %q", s)
	}
}

// Dialer opens connections to a remote address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, addr string) (net.Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, addr string) (net.Conn, error) {
	return f(ctx, addr)
}

// DialOptions configures outgoing connections.
type DialOptions struct {
	// TLSConfig enables TLS for TCP and WebSocket. QUIC always uses TLS.
	TLSConfig *tls.Config

	// StrictVerify validates server certificates. Without it certificate
	// checks are skipped; connection payloads carry their own encryption.
	StrictVerify bool

	// Timeout bounds connection establishment.
	Timeout time.Duration

	// ALPNProtocol overrides DefaultALPNProtocol.
	ALPNProtocol string

	// Path is the WebSocket endpoint path.
	Path string

	// ProxyURL routes WebSocket dials through an HTTP proxy.
	ProxyURL string
}

// ListenOptions configures listeners.
type ListenOptions struct {
	// TLSConfig enables TLS for TCP and WebSocket. Required for QUIC.
	TLSConfig *tls.Config

	// MaxConnections caps concurrently accepted connections. Zero is unlimited.
	MaxConnections int

	// ALPNProtocol overrides DefaultALPNProtocol.
	ALPNProtocol string

	// Path is the WebSocket endpoint path.
	Path string
}

// DefaultDialOptions returns DialOptions with sensible defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Timeout: 10 * time.Second,
		Path:    DefaultWSPath,
	}
}

// NewDialer returns a dialer for the carrier.
func NewDialer(t Type, opts DialOptions) (Dialer, error) {
	switch t {
	case TypeTCP, "":
		return &TCPDialer{opts: opts}, nil
	case TypeQUIC:
		return &QUICDialer{opts: opts}, nil
	case TypeWebSocket:
		return &WSDialer{opts: opts}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", t)
	}
}

// Listen opens a listener for the carrier, capped at MaxConnections.
func Listen(t Type, addr string, opts ListenOptions) (net.Listener, error) {
	var (
		ln  net.Listener
		err error
	)
	switch t {
	case TypeTCP, "":
		ln, err = ListenTCP(addr, opts)
	case TypeQUIC:
		ln, err = ListenQUIC(addr, opts)
	case TypeWebSocket:
		ln, err = ListenWS(addr, opts)
	default:
		return nil, fmt.Errorf("unknown transport %q", t)
	}
	if err != nil {
		return nil, err
	}
	if opts.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, opts.MaxConnections)
	}
	return ln, nil
}

func alpn(p string) string {
	if p == "" {
		return DefaultALPNProtocol
	}
	return p
}
