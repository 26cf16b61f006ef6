// Package client multiplexes fileferry requests over one connection. Each
// request carries a fresh id; responses are matched by id, so they may
// arrive in any order.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/fileferry/internal/crypto"
	"github.com/postalsys/fileferry/internal/endpoint"
	"github.com/postalsys/fileferry/internal/framing"
	"github.com/postalsys/fileferry/internal/logging"
	"github.com/postalsys/fileferry/internal/metrics"
	"github.com/postalsys/fileferry/internal/protocol"
	"github.com/postalsys/fileferry/internal/recovery"
	"github.com/postalsys/fileferry/internal/transport"
)

var (
	// ErrTimeout is returned when a response does not arrive in time.
	ErrTimeout = errors.New("request timed out")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client closed")
)

// TransportError reports a connection failure. Every request pending on
// the failed connection receives one.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultReconnectDelay = time.Second
	DefaultQueueSize      = 64
)

// Options configures a Client.
type Options struct {
	Route  protocol.ConnectionRoute
	Dialer transport.Dialer

	Endpoint endpoint.Options

	Username string
	Password string

	// Encrypt runs a key exchange before the session request.
	Encrypt bool
	Cipher  crypto.Suite

	RequestTimeout time.Duration
	ReconnectDelay time.Duration
	QueueSize      int

	// HeartbeatInterval enables a heartbeat on every live connection.
	HeartbeatInterval time.Duration

	// Transport labels connection metrics.
	Transport string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Client is safe for concurrent use.
type Client struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	// connMu serialises connection attempts.
	connMu  sync.Mutex
	backoff *endpoint.Backoff
	failed  bool

	mu      sync.Mutex
	link    *link
	gen     uint64
	pending map[uuid.UUID]*call
	closed  bool

	tokens *tokenBox
}

// tokenBox holds the session token of one or more clients. The server
// replaces the verification bytes on every resume, so logins through a
// box take loginMu and always present the latest token.
type tokenBox struct {
	loginMu sync.Mutex

	mu    sync.Mutex
	token *protocol.SessionToken
}

func (b *tokenBox) get() *protocol.SessionToken {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token
}

func (b *tokenBox) set(tok protocol.SessionToken) {
	b.mu.Lock()
	b.token = &tok
	b.mu.Unlock()
}

type outcome struct {
	resp protocol.Message
	err  error
}

type call struct {
	id   uuid.UUID
	req  protocol.Message
	want protocol.MessageType
	link *link
	done chan outcome
}

// New creates a client. It connects on the first request.
func New(opts Options) (*Client, error) {
	if err := opts.Route.Validate(); err != nil {
		return nil, err
	}
	if opts.Dialer == nil {
		return nil, errors.New("client needs a dialer")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Cipher == "" {
		opts.Cipher = crypto.SuiteAESGCM
	}
	if opts.Transport == "" {
		opts.Transport = "tcp"
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	bc := endpoint.DefaultBackoffConfig()
	bc.InitialDelay = opts.ReconnectDelay
	return &Client{
		opts:    opts,
		logger:  opts.Logger.With(logging.KeyComponent, "client", logging.KeyRoute, opts.Route.String()),
		metrics: opts.Metrics,
		backoff: endpoint.NewBackoff(bc),
		pending: make(map[uuid.UUID]*call),
		tokens:  &tokenBox{},
	}, nil
}

// SetToken makes the next connection resume an existing session instead
// of logging in.
func (c *Client) SetToken(tok protocol.SessionToken) {
	c.tokens.set(tok)
}

// Token returns the token of the current session.
func (c *Client) Token() (protocol.SessionToken, bool) {
	tok := c.tokens.get()
	if tok == nil {
		return protocol.SessionToken{}, false
	}
	return *tok, true
}

// Connected reports whether a connection is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Connect establishes the connection now instead of on the first request.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.ensureConnected(ctx)
	return err
}

// Pending returns the number of requests awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Request sends req and waits for its response. Non-OK results come back
// as errors that unwrap to the protocol sentinels, together with the
// response.
func (c *Client) Request(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	want, ok := protocol.ResponseType(req.Type())
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a request", protocol.ErrInvalidRequest, req.Type())
	}
	l, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	cl := &call{id: uuid.New(), req: req, want: want, link: l, done: make(chan outcome, 1)}
	if err := c.register(cl); err != nil {
		return nil, err
	}

	start := time.Now()
	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case l.sendq <- cl:
	case <-l.done:
		// The link may have failed before cl was registered.
		if c.take(cl.id) != nil {
			return nil, l.err
		}
	case <-ctx.Done():
		c.take(cl.id)
		return nil, ctx.Err()
	case <-timer.C:
		c.take(cl.id)
		return nil, fmt.Errorf("%w: %s queued for %s", ErrTimeout, req.Type(), c.opts.RequestTimeout)
	}

	select {
	case out := <-cl.done:
		c.record(req.Type(), out.err, start)
		return out.resp, out.err
	case <-ctx.Done():
		c.take(cl.id)
		return nil, ctx.Err()
	case <-timer.C:
		c.take(cl.id)
		c.record(req.Type(), ErrTimeout, start)
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, req.Type(), c.opts.RequestTimeout)
	}
}

func (c *Client) record(t protocol.MessageType, err error, start time.Time) {
	code := ""
	if err != nil {
		var re *protocol.ResultError
		switch {
		case errors.As(err, &re):
			code = re.Code.String()
		case errors.Is(err, ErrTimeout):
			code = "TIMEOUT"
		default:
			code = "TRANSPORT"
		}
	}
	c.metrics.RecordRequest(t.String(), code, time.Since(start))
}

// register adds cl to the pending table unless its link already dropped.
// dropLink closes done before it collects pending calls, so a call
// registered here is either refused or failed by dropLink.
func (c *Client) register(cl *call) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-cl.link.done:
		return cl.link.err
	default:
	}
	c.pending[cl.id] = cl
	return nil
}

// take removes and returns a pending call. A call is taken once.
func (c *Client) take(id uuid.UUID) *call {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return cl
}

// Close disconnects and fails all pending requests.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	l := c.link
	c.mu.Unlock()

	if l != nil {
		l.ep.Close()
		c.dropLink(l, ErrClosed)
	}
	return nil
}

// ============================================================================
// Connection management
// ============================================================================

// link is one live connection and its worker loops.
type link struct {
	gen   uint64
	ep    *endpoint.Endpoint
	sendq chan *call
	done  chan struct{}
	once  sync.Once
	err   error
}

func (l *link) close(err error) bool {
	first := false
	l.once.Do(func() {
		first = true
		l.err = err
		close(l.done)
		l.ep.Abort()
	})
	return first
}

func (c *Client) ensureConnected(ctx context.Context) (*link, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if l := c.link; l != nil {
		c.mu.Unlock()
		return l, nil
	}
	c.mu.Unlock()

	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.mu.Lock()
	if l := c.link; l != nil {
		c.mu.Unlock()
		return l, nil
	}
	c.mu.Unlock()

	if c.failed {
		if err := c.backoff.Wait(ctx); err != nil {
			return nil, err
		}
	}
	ep, err := c.dial(ctx)
	if err != nil {
		c.failed = true
		c.logger.Info("connect failed", logging.Err(err), "attempt", c.backoff.Attempts())
		return nil, &TransportError{Op: "connect", Err: err}
	}
	c.failed = false
	c.backoff.Reset()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ep.Close()
		return nil, ErrClosed
	}
	c.gen++
	l := &link{
		gen:   c.gen,
		ep:    ep,
		sendq: make(chan *call, c.opts.QueueSize),
		done:  make(chan struct{}),
	}
	c.link = l
	c.mu.Unlock()

	ep.SetDuplex(true)
	c.metrics.RecordConnOpen(metrics.RoleClient, c.opts.Transport)
	recovery.Go(c.logger, "client.send", func() { c.sendLoop(l) })
	recovery.Go(c.logger, "client.receive", func() { c.receiveLoop(l) })
	if c.opts.HeartbeatInterval > 0 {
		recovery.Go(c.logger, "client.heartbeat", func() { c.heartbeatLoop(l) })
	}
	c.logger.Debug("connected", "generation", l.gen)
	return l, nil
}

// dropLink tears down l and fails every request pending on it.
func (c *Client) dropLink(l *link, err error) {
	if !l.close(err) {
		return
	}
	var failed []*call
	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	for id, cl := range c.pending {
		if cl.link == l {
			delete(c.pending, id)
			failed = append(failed, cl)
		}
	}
	c.mu.Unlock()

	for _, cl := range failed {
		cl.done <- outcome{err: err}
	}
	st := l.ep.Stats()
	c.metrics.RecordTraffic(metrics.RoleClient, st.BytesSent, st.BytesReceived, st.PacketsSent, st.PacketsReceived)
	reason := "error"
	if errors.Is(err, ErrClosed) {
		reason = "closed"
	}
	c.metrics.RecordConnClose(metrics.RoleClient, reason)
	if reason == "error" {
		c.logger.Info("connection lost", logging.Err(err), logging.KeyCount, len(failed))
	}
}

func (c *Client) sendLoop(l *link) {
	for {
		select {
		case cl := <-l.sendq:
			if err := l.ep.SendEnvelope(cl.id, cl.req); err != nil {
				c.dropLink(l, &TransportError{Op: "send", Err: err})
				return
			}
		case <-l.done:
			return
		}
	}
}

func (c *Client) receiveLoop(l *link) {
	for {
		h, payload, err := l.ep.ReceiveBytes()
		if err != nil {
			c.dropLink(l, &TransportError{Op: "receive", Err: err})
			return
		}
		if h.Type == protocol.MsgDisconnectRequest {
			c.dropLink(l, &TransportError{Op: "receive", Err: framing.ErrRemoteClosed})
			return
		}
		c.deliver(h, payload)
	}
}

// deliver resolves the call a response belongs to. Responses for calls
// that already timed out are dropped.
func (c *Client) deliver(h protocol.Header, payload []byte) {
	id, tag, err := protocol.PeekEnvelope(payload)
	if err != nil {
		c.logger.Warn("uncorrelated message dropped", logging.KeyMessage, h.Type.String(), logging.Err(err))
		return
	}
	cl := c.take(id)
	if cl == nil {
		c.logger.Debug("late response dropped", logging.KeyRequestID, id.String(), logging.KeyMessage, h.Type.String())
		return
	}

	received := h.Type
	if received == cl.want {
		received = tag
	}
	if received != cl.want {
		cl.done <- outcome{err: &endpoint.FlagMismatchError{Expected: cl.want, Received: received, Payload: payload}}
		return
	}
	_, m, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		cl.done <- outcome{err: err}
		return
	}
	if res, ok := protocol.ResultOf(m); ok {
		if err := res.Err(); err != nil {
			cl.done <- outcome{resp: m, err: err}
			return
		}
	}
	cl.done <- outcome{resp: m}
}

func (c *Client) heartbeatLoop(l *link) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case <-l.done:
				return
			default:
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
			rtt, err := c.Heartbeat(ctx)
			cancel()
			if err != nil {
				c.logger.Debug("heartbeat failed", logging.Err(err))
				continue
			}
			c.metrics.RecordHeartbeat(rtt)
		case <-l.done:
			return
		}
	}
}
