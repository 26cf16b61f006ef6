// Package relay forwards fileferry circuits between hops. A relay reads
// the first message of each inbound connection: a proxy connect extends
// the circuit to the next hop, while reverse registrations and attaches
// come from hidden hosts that cannot accept inbound connections.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/postalsys/fileferry/internal/endpoint"
	"github.com/postalsys/fileferry/internal/framing"
	"github.com/postalsys/fileferry/internal/logging"
	"github.com/postalsys/fileferry/internal/metrics"
	"github.com/postalsys/fileferry/internal/protocol"
	"github.com/postalsys/fileferry/internal/recovery"
	"github.com/postalsys/fileferry/internal/transport"
)

const (
	DefaultAttachTimeout = 30 * time.Second
	DefaultPollTimeout   = 20 * time.Second
	DefaultRetryDelay    = 200 * time.Millisecond
	DefaultMaxFailures   = 5

	// queueSize bounds messages read from the next hop that the previous
	// hop has not pulled yet.
	queueSize = 256
)

// Options configures a Relay.
type Options struct {
	// Dialer reaches the next hop.
	Dialer transport.Dialer

	// Endpoint configures both legs of each circuit.
	Endpoint endpoint.Options

	// Names are the reverse names this relay answers to itself when it is
	// a hidden hop behind another relay.
	Names []string

	AttachTimeout time.Duration
	PollTimeout   time.Duration
	RetryDelay    time.Duration
	MaxFailures   int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Relay serves inbound relay connections.
type Relay struct {
	opts     Options
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	circuits int
}

// New creates a relay.
func New(opts Options) *Relay {
	if opts.AttachTimeout <= 0 {
		opts.AttachTimeout = DefaultAttachTimeout
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	return &Relay{
		opts:     opts,
		registry: NewRegistry(),
		logger:   opts.Logger.With(logging.KeyComponent, "relay"),
		metrics:  opts.Metrics,
	}
}

// Registry returns the reverse registry.
func (r *Relay) Registry() *Registry { return r.registry }

// Circuits returns the number of circuits being pumped.
func (r *Relay) Circuits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.circuits
}

// Handle serves one inbound connection until it ends. Connections handed
// to a waiting circuit by a reverse attach stay open after Handle returns.
func (r *Relay) Handle(ctx context.Context, conn net.Conn) {
	defer recovery.RecoverWithLog(r.logger, "relay.Handle")

	pulls := newPullCounter()
	opts := r.opts.Endpoint
	opts.Proxied = false
	opts.OnControl = func(sub byte) { pulls.add() }
	in := endpoint.New(conn, opts)
	logger := logging.ForConn(r.logger, "relay", in.RemoteAddr())

	m, err := r.receiveFirst(in)
	if err != nil {
		logger.Debug("relay handshake failed", logging.Err(err))
		in.Abort()
		return
	}

	switch req := m.(type) {
	case *protocol.ProxyConnectRequest:
		r.connect(ctx, in, pulls, req, logger)
	case *protocol.ReverseRegisterRequest:
		r.serveRegistration(ctx, in, req.Name, logger)
	case *protocol.ReverseAttachRequest:
		if r.registry.Attach(req.Name, in) {
			r.metrics.RecordReverseAttach()
			logger.Debug("reverse connection attached", logging.KeyName, req.Name)
			return
		}
		logger.Debug("reverse connection has no waiter", logging.KeyName, req.Name)
		in.Abort()
	default:
		logger.Warn("unexpected first message", logging.KeyMessage, m.Type().String())
		in.Abort()
	}
}

func (r *Relay) receiveFirst(in *endpoint.Endpoint) (protocol.Message, error) {
	if d := r.opts.Endpoint.ReceiveTimeout; d > 0 {
		_ = in.Conn().SetReadDeadline(time.Now().Add(d))
		defer in.Conn().SetReadDeadline(time.Time{})
	}
	msg, err := in.ReceiveRaw()
	if err != nil {
		return nil, err
	}
	if msg.Sealed {
		return nil, fmt.Errorf("%w: sealed message before a circuit exists", protocol.ErrInvalidRequest)
	}
	return protocol.Unmarshal(msg.Payload)
}

// ============================================================================
// Proxy connect
// ============================================================================

func (r *Relay) connect(ctx context.Context, in *endpoint.Endpoint, pulls *pullCounter, req *protocol.ProxyConnectRequest, logger *slog.Logger) {
	logger = logger.With(logging.KeyRoute, req.Route.String(), logging.KeyHop, req.HopIndex)

	out, err := r.extend(ctx, req)
	if err == nil {
		err = r.relayFirstResponse(in, out, req)
		if err != nil {
			out.Abort()
		}
	}
	if err != nil {
		logger.Info("circuit rejected", logging.Err(err))
		r.reject(in, err)
		return
	}

	logger.Debug("circuit established")
	r.pump(ctx, in, out, pulls, logger)
}

// extend opens the leg to the next hop and sends it the request meant for
// it. The first response is still unread.
func (r *Relay) extend(ctx context.Context, req *protocol.ProxyConnectRequest) (*endpoint.Endpoint, error) {
	if err := req.Route.Validate(); err != nil {
		return nil, err
	}
	hops := req.Route.Hops()
	i := int(req.HopIndex)
	if i < 0 || i >= len(hops) {
		return nil, fmt.Errorf("%w: hop %d of %d", protocol.ErrInvalidRequest, i, len(hops))
	}
	last := len(hops) - 1
	hop := hops[i]

	if hop.Name != "" && !slices.Contains(r.opts.Names, hop.Name) {
		if !r.registry.Registered(hop.Name) {
			return nil, fmt.Errorf("%w: %q is not connected", protocol.ErrUnavailable, hop.Name)
		}
		out, err := r.registry.Wait(ctx, hop.Name, r.opts.AttachTimeout)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", protocol.ErrUnavailable, err)
		}
		if i == last {
			out.SetProxied(false)
			return out, r.sendKey(out, req.KeyBytes)
		}
		out.SetProxied(true)
		return out, out.SendMessage(&protocol.ProxyConnectRequest{Route: req.Route, HopIndex: req.HopIndex, KeyBytes: req.KeyBytes}, 0)
	}

	if i == last {
		return nil, fmt.Errorf("%w: route ends at this relay", protocol.ErrInvalidRequest)
	}
	j := i + 1
	next := hops[j]
	opts := r.opts.Endpoint
	opts.OnControl = nil
	if j == last && next.Name == "" {
		opts.Proxied = false
		out, err := endpoint.Dial(ctx, r.opts.Dialer, next.Address, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", protocol.ErrUnavailable, err)
		}
		return out, r.sendKey(out, req.KeyBytes)
	}
	opts.Proxied = true
	out, err := endpoint.Dial(ctx, r.opts.Dialer, next.Address, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrUnavailable, err)
	}
	return out, out.SendMessage(&protocol.ProxyConnectRequest{Route: req.Route, HopIndex: int32(j), KeyBytes: req.KeyBytes}, 0)
}

// sendKey passes the client's key exchange request to the server. An
// unencrypted circuit has nothing to send.
func (r *Relay) sendKey(out *endpoint.Endpoint, key []byte) error {
	if len(key) == 0 {
		return nil
	}
	_, tag, err := protocol.PeekEnvelope(key)
	if err != nil {
		return fmt.Errorf("%w: key bytes: %w", protocol.ErrInvalidRequest, err)
	}
	return out.SendBytes(protocol.Header{Type: tag}, key)
}

func (r *Relay) relayFirstResponse(in, out *endpoint.Endpoint, req *protocol.ProxyConnectRequest) error {
	// A plain leg always ends at the server.
	if !out.Proxied() && len(req.KeyBytes) == 0 {
		return in.SendMessage(&protocol.ProxyConnectResponse{Result: protocol.OK()}, 0)
	}

	if d := r.opts.Endpoint.ReceiveTimeout; d > 0 {
		_ = out.Conn().SetReadDeadline(time.Now().Add(d))
		defer out.Conn().SetReadDeadline(time.Time{})
	}
	msg, err := out.ReceiveRaw()
	if err != nil {
		return fmt.Errorf("%w: next hop: %w", protocol.ErrUnavailable, err)
	}
	return in.Forward(msg)
}

func (r *Relay) reject(in *endpoint.Endpoint, cause error) {
	res := protocol.Failure(resultCode(cause), "%v", cause)
	_ = in.SendMessage(&protocol.ProxyConnectResponse{Result: res}, 0)
	in.Close()
}

func resultCode(err error) protocol.ResultCode {
	switch {
	case errors.Is(err, protocol.ErrInvalidRoute), errors.Is(err, protocol.ErrInvalidRequest):
		return protocol.ResultInvalidRequest
	case errors.Is(err, protocol.ErrResourceConflict):
		return protocol.ResultResourceConflict
	default:
		return protocol.ResultUnavailable
	}
}

// ============================================================================
// Reverse registration
// ============================================================================

func (r *Relay) serveRegistration(ctx context.Context, in *endpoint.Endpoint, name string, logger *slog.Logger) {
	defer in.Close()
	logger = logger.With(logging.KeyName, name)

	if name == "" {
		_ = in.SendMessage(&protocol.ReverseRegisterResponse{Result: protocol.Failure(protocol.ResultInvalidRequest, "empty name")}, 0)
		return
	}
	if err := r.registry.Register(name); err != nil {
		_ = in.SendMessage(&protocol.ReverseRegisterResponse{Result: protocol.Failure(protocol.ResultResourceConflict, "%v", err)}, 0)
		return
	}
	defer r.registry.Unregister(name)
	if err := in.SendMessage(&protocol.ReverseRegisterResponse{Result: protocol.OK()}, 0); err != nil {
		return
	}
	logger.Info("reverse host registered")
	defer logger.Info("reverse host unregistered")

	for {
		msg, err := in.ReceiveRaw()
		if err != nil {
			if !framing.IsRemoteClosed(err) {
				logger.Debug("registration read failed", logging.Err(err))
			}
			return
		}
		if msg.Header.Type == protocol.MsgDisconnectRequest {
			return
		}
		m, err := protocol.Unmarshal(msg.Payload)
		if err != nil {
			logger.Debug("bad registration message", logging.Err(err))
			return
		}
		poll, ok := m.(*protocol.ReversePollRequest)
		if !ok || poll.Name != name {
			logger.Debug("unexpected registration message", logging.KeyMessage, m.Type().String())
			return
		}
		n, err := r.registry.Poll(ctx, name, r.opts.PollTimeout)
		if err != nil {
			return
		}
		if err := in.SendMessage(&protocol.ReversePollResponse{Result: protocol.OK(), Pending: int32(n)}, 0); err != nil {
			return
		}
	}
}

// ============================================================================
// Pump
// ============================================================================

// panicked counts a recovered panic in one of the pump goroutines. The
// goroutine's deferred cancel then tears the circuit down.
func (r *Relay) panicked(name string) func(recovered interface{}) {
	return func(interface{}) { r.metrics.RecordPanic(name) }
}

// pump moves messages both ways until either leg fails or disconnects.
// Messages from the next hop are released to the previous hop one per
// pull.
func (r *Relay) pump(ctx context.Context, in, out *endpoint.Endpoint, pulls *pullCounter, logger *slog.Logger) {
	r.mu.Lock()
	r.circuits++
	r.mu.Unlock()
	r.metrics.RecordRelayOpen()
	start := time.Now()

	in.SetDuplex(true)
	out.SetDuplex(true)

	ctx, cancel := context.WithCancel(ctx)
	queue := make(chan *framing.Message, queueSize)
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		defer cancel()
		defer recovery.RecoverWithCallback(logger, "relay.upstream", r.panicked("relay.upstream"))
		r.forwardLoop(ctx, in, logger.With("leg", "upstream"), func(m *framing.Message) error {
			if err := out.Forward(m); err != nil {
				return err
			}
			if m.Header.Type == protocol.MsgDisconnectRequest {
				return errDisconnect
			}
			return nil
		})
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		defer recovery.RecoverWithCallback(logger, "relay.downstream", r.panicked("relay.downstream"))
		r.forwardLoop(ctx, out, logger.With("leg", "downstream"), func(m *framing.Message) error {
			select {
			case queue <- m:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		defer recovery.RecoverWithCallback(logger, "relay.release", r.panicked("relay.release"))
		for {
			var m *framing.Message
			select {
			case m = <-queue:
			case <-ctx.Done():
				return
			}
			if err := pulls.take(ctx); err != nil {
				return
			}
			if err := in.Forward(m); err != nil {
				logger.Debug("forward to previous hop failed", logging.Err(err))
				return
			}
			if m.Header.Type == protocol.MsgDisconnectRequest {
				return
			}
		}
	}()

	<-ctx.Done()
	in.Close()
	out.Close()
	wg.Wait()

	a, b := in.Stats(), out.Stats()
	r.metrics.RecordTraffic(metrics.RoleRelay, a.BytesSent+b.BytesSent, a.BytesReceived+b.BytesReceived,
		a.PacketsSent+b.PacketsSent, a.PacketsReceived+b.PacketsReceived)
	r.metrics.RecordRelayClose()
	r.mu.Lock()
	r.circuits--
	r.mu.Unlock()
	logger.Debug("circuit closed", logging.KeyDuration, time.Since(start))
}

var errDisconnect = errors.New("disconnect forwarded")

// forwardLoop reads from src and hands each message to deliver. Fatal
// errors end the loop at once; timeouts are retried after RetryDelay;
// other errors are retried until MaxFailures occur in a row.
func (r *Relay) forwardLoop(ctx context.Context, src *endpoint.Endpoint, logger *slog.Logger, deliver func(*framing.Message) error) {
	failures := 0
	for ctx.Err() == nil {
		m, err := src.ReceiveRaw()
		if err == nil {
			err = deliver(m)
			if errors.Is(err, errDisconnect) {
				return
			}
		}
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil || framing.IsFatal(err) {
			if !framing.IsRemoteClosed(err) && ctx.Err() == nil {
				logger.Debug("relay leg failed", logging.Err(err))
			}
			return
		}
		if !framing.IsTimeout(err) {
			failures++
			if failures >= r.opts.MaxFailures {
				logger.Warn("relay leg giving up", logging.KeyCount, failures, logging.Err(err))
				return
			}
		}
		select {
		case <-time.After(r.opts.RetryDelay):
		case <-ctx.Done():
			return
		}
	}
}

// pullCounter counts pulls from the previous hop. It starts at -1: the
// first pull asks for the handshake response, which is sent before
// pumping starts.
type pullCounter struct {
	mu     sync.Mutex
	n      int
	signal chan struct{}
}

func newPullCounter() *pullCounter {
	return &pullCounter{n: -1, signal: make(chan struct{}, 1)}
}

func (p *pullCounter) add() {
	p.mu.Lock()
	p.n++
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *pullCounter) take(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.n > 0 {
			p.n--
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()
		select {
		case <-p.signal:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
