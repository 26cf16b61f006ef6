package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	DefaultMaxIdleTimeout  = 60 * time.Second
	DefaultKeepAlivePeriod = 20 * time.Second
	quicAcceptBacklog      = 64
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        DefaultMaxIdleTimeout,
		KeepAlivePeriod:       DefaultKeepAlivePeriod,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}
}

// QUICDialer opens one bidirectional stream per connection.
type QUICDialer struct {
	opts DialOptions
}

func (d *QUICDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	tlsConf, err := prepareTLSConfigForDial(d.opts.TLSConfig, d.opts.StrictVerify, alpn(d.opts.ALPNProtocol))
	if err != nil {
		return nil, err
	}
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}
	return &quicConn{Stream: stream, conn: conn}, nil
}

// quicConn presents a QUIC stream as a net.Conn. Closing it closes the
// whole QUIC connection.
type quicConn struct {
	quic.Stream
	conn      quic.Connection
	closeOnce sync.Once
}

func (c *quicConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.Stream.CancelRead(0)
		err = c.Stream.Close()
		c.conn.CloseWithError(0, "closed")
	})
	return err
}

// QUICListener accepts QUIC connections and yields their first stream.
type QUICListener struct {
	ln     *quic.Listener
	conns  chan net.Conn
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// ListenQUIC listens for QUIC on the UDP address.
func ListenQUIC(addr string, opts ListenOptions) (*QUICListener, error) {
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required for QUIC listener")
	}
	tlsConf := opts.TLSConfig.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{alpn(opts.ALPNProtocol)}
	}

	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &QUICListener{
		ln:     ln,
		conns:  make(chan net.Conn, quicAcceptBacklog),
		ctx:    ctx,
		cancel: cancel,
	}
	go l.acceptLoop()
	return l, nil
}

func (l *QUICListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			return
		}
		go l.acceptStream(conn)
	}
}

func (l *QUICListener) acceptStream(conn quic.Connection) {
	stream, err := conn.AcceptStream(l.ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return
	}
	select {
	case l.conns <- &quicConn{Stream: stream, conn: conn}:
	case <-l.ctx.Done():
		conn.CloseWithError(0, "listener closed")
	}
}

// Accept returns the next connection.
func (l *QUICListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	}
}

// Addr returns the listener's UDP address.
func (l *QUICListener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting. Established connections stay open.
func (l *QUICListener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.ln.Close()
	})
	return err
}
