package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

const tcpKeepAlive = 30 * time.Second

// TCPDialer dials TCP, wrapping the stream in TLS when configured.
type TCPDialer struct {
	opts DialOptions
}

func (d *TCPDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.opts.Timeout, KeepAlive: tcpKeepAlive}
	if d.opts.TLSConfig == nil {
		conn, err := nd.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
		}
		return conn, nil
	}

	cfg, err := prepareTLSConfigForDial(d.opts.TLSConfig, d.opts.StrictVerify, alpn(d.opts.ALPNProtocol))
	if err != nil {
		return nil, err
	}
	td := &tls.Dialer{NetDialer: nd, Config: cfg}
	conn, err := td.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tls dial %s: %w", addr, err)
	}
	return conn, nil
}

// ListenTCP listens on addr, optionally with TLS.
func ListenTCP(addr string, opts ListenOptions) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen %s: %w", addr, err)
	}
	if opts.TLSConfig != nil {
		cfg := opts.TLSConfig.Clone()
		if len(cfg.NextProtos) == 0 {
			cfg.NextProtos = []string{alpn(opts.ALPNProtocol)}
		}
		ln = tls.NewListener(ln, cfg)
	}
	return ln, nil
}
