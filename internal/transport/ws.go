package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	// DefaultWSPath is the HTTP path of the WebSocket endpoint.
	DefaultWSPath = "/fileferry"

	wsReadLimit     = 16 << 20
	wsAcceptBacklog = 64
)

// WSDialer connects over a binary WebSocket.
type WSDialer struct {
	opts DialOptions
}

func (d *WSDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	wsURL := d.url(addr)

	httpClient, err := d.httpClient()
	if err != nil {
		return nil, err
	}
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	c, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient:   httpClient,
		Subprotocols: []string{alpn(d.opts.ALPNProtocol)},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", wsURL, err)
	}
	c.SetReadLimit(wsReadLimit)
	return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
}

func (d *WSDialer) url(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	scheme := "ws"
	if d.opts.TLSConfig != nil {
		scheme = "wss"
	}
	path := d.opts.Path
	if path == "" {
		path = DefaultWSPath
	}
	return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

func (d *WSDialer) httpClient() (*http.Client, error) {
	tr := &http.Transport{}
	if d.opts.TLSConfig != nil {
		cfg, err := prepareTLSConfigForDial(d.opts.TLSConfig, d.opts.StrictVerify, "http/1.1")
		if err != nil {
			return nil, err
		}
		tr.TLSClientConfig = cfg
	}
	if d.opts.ProxyURL != "" {
		proxyURL, err := url.Parse(d.opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		tr.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{Transport: tr}, nil
}

// WSListener serves WebSocket upgrades and yields each as a net.Conn.
type WSListener struct {
	server  *http.Server
	netLn   net.Listener
	conns   chan net.Conn
	closeCh chan struct{}
	once    sync.Once
	proto   string
}

// ListenWS serves WebSocket upgrades on addr at opts.Path.
func ListenWS(addr string, opts ListenOptions) (*WSListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("websocket listen %s: %w", addr, err)
	}
	if opts.TLSConfig != nil {
		cfg := opts.TLSConfig.Clone()
		cfg.NextProtos = []string{"http/1.1"}
		ln = tls.NewListener(ln, cfg)
	}

	path := opts.Path
	if path == "" {
		path = DefaultWSPath
	}
	l := &WSListener{
		netLn:   ln,
		conns:   make(chan net.Conn, wsAcceptBacklog),
		closeCh: make(chan struct{}),
		proto:   alpn(opts.ALPNProtocol),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go l.server.Serve(ln)
	return l, nil
}

func (l *WSListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.closeCh:
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	default:
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{l.proto},
	})
	if err != nil {
		return
	}
	c.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(context.Background())
	conn := &wsServerConn{Conn: websocket.NetConn(ctx, c, websocket.MessageBinary), cancel: cancel}
	select {
	case l.conns <- conn:
	case <-l.closeCh:
		conn.Close()
		return
	}
	// The upgrade handler owns the connection until it is closed.
	<-ctx.Done()
}

// wsServerConn releases its upgrade handler on Close.
type wsServerConn struct {
	net.Conn
	cancel context.CancelFunc
}

func (c *wsServerConn) Close() error {
	err := c.Conn.Close()
	c.cancel()
	return err
}

// Accept returns the next upgraded connection.
func (l *WSListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

// Addr returns the TCP address of the HTTP server.
func (l *WSListener) Addr() net.Addr { return l.netLn.Addr() }

// Close stops the HTTP server from accepting new upgrades.
func (l *WSListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closeCh)
		err = l.netLn.Close()
	})
	return err
}
