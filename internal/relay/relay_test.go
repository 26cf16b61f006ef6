package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/fileferry/internal/endpoint"
	"github.com/postalsys/fileferry/internal/logging"
	"github.com/postalsys/fileferry/internal/metrics"
	"github.com/postalsys/fileferry/internal/protocol"
	"github.com/postalsys/fileferry/internal/recovery"
	"github.com/postalsys/fileferry/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// loopNet maps logical addresses to loopback listeners so relays can be
// chained in one process.
type loopNet struct {
	t     *testing.T
	mu    sync.Mutex
	addrs map[string]string
}

func newLoopNet(t *testing.T) *loopNet {
	return &loopNet{t: t, addrs: make(map[string]string)}
}

func (n *loopNet) handle(addr string, fn func(net.Conn)) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		n.t.Fatal(err)
	}
	n.t.Cleanup(func() { ln.Close() })
	n.mu.Lock()
	n.addrs[addr] = ln.Addr().String()
	n.mu.Unlock()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go fn(c)
		}
	}()
}

func (n *loopNet) dialer() transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context, addr string) (net.Conn, error) {
		n.mu.Lock()
		real, ok := n.addrs[addr]
		n.mu.Unlock()
		if !ok {
			return nil, errors.New("connection refused: " + addr)
		}
		var d net.Dialer
		return d.DialContext(ctx, "tcp", real)
	})
}

func testOptions() endpoint.Options {
	opts := endpoint.DefaultOptions()
	opts.ReceiveTimeout = 5 * time.Second
	return opts
}

func newTestRelay(t *testing.T, n *loopNet) *Relay {
	t.Helper()
	r := New(Options{
		Dialer:        n.dialer(),
		Endpoint:      testOptions(),
		AttachTimeout: 2 * time.Second,
		PollTimeout:   200 * time.Millisecond,
		RetryDelay:    10 * time.Millisecond,
		Metrics:       metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	})
	return r
}

// heartbeatServer answers heartbeat envelopes until the peer goes away.
func heartbeatServer(conn net.Conn) {
	ep := endpoint.New(conn, testOptions())
	defer ep.Abort()
	for {
		h, payload, err := ep.ReceiveBytes()
		if err != nil || h.Type == protocol.MsgDisconnectRequest {
			return
		}
		id, m, err := protocol.DecodeEnvelope(payload)
		if err != nil {
			return
		}
		req, ok := m.(*protocol.HeartBeatRequest)
		if !ok {
			return
		}
		resp := &protocol.HeartBeatResponse{Result: protocol.OK(), SentAt: req.SentAt, ServerTime: time.Now()}
		if err := ep.SendEnvelope(id, resp); err != nil {
			return
		}
	}
}

func dialCircuit(t *testing.T, n *loopNet, route protocol.ConnectionRoute) *endpoint.Endpoint {
	t.Helper()
	opts := testOptions()
	opts.Proxied = true
	ep, err := endpoint.Dial(context.Background(), n.dialer(), route.FirstHop().Address, opts)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { ep.Abort() })

	resp, err := ep.Exchange(&protocol.ProxyConnectRequest{Route: route}, 0)
	if err != nil {
		t.Fatalf("ProxyConnect error = %v", err)
	}
	if err := resultErr(resp); err != nil {
		t.Fatalf("ProxyConnect result = %v", err)
	}
	return ep
}

func callHeartbeats(t *testing.T, ep *endpoint.Endpoint, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		sent := time.Unix(1700000000+int64(i), 0).UTC()
		resp, err := ep.Call(&protocol.HeartBeatRequest{SentAt: sent})
		if err != nil {
			t.Fatalf("Call(%d) error = %v", i, err)
		}
		hb, ok := resp.(*protocol.HeartBeatResponse)
		if !ok {
			t.Fatalf("Call(%d) = %T, want *HeartBeatResponse", i, resp)
		}
		if !hb.SentAt.Equal(sent) {
			t.Errorf("SentAt = %v, want %v", hb.SentAt, sent)
		}
	}
}

func TestRelayedCall(t *testing.T) {
	n := newLoopNet(t)
	r := newTestRelay(t, n)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.handle("relay:1", func(c net.Conn) { r.Handle(ctx, c) })
	n.handle("server:1", heartbeatServer)

	route, err := protocol.ParseRoute("relay:1 -> server:1")
	if err != nil {
		t.Fatal(err)
	}
	ep := dialCircuit(t, n, route)
	callHeartbeats(t, ep, 3)

	if got := r.Circuits(); got != 1 {
		t.Errorf("Circuits() = %d, want 1", got)
	}
}

func TestChainedRelays(t *testing.T) {
	n := newLoopNet(t)
	first := newTestRelay(t, n)
	second := newTestRelay(t, n)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.handle("relay:1", func(c net.Conn) { first.Handle(ctx, c) })
	n.handle("relay:2", func(c net.Conn) { second.Handle(ctx, c) })
	n.handle("server:1", heartbeatServer)

	route, err := protocol.ParseRoute("relay:1 -> relay:2 -> server:1")
	if err != nil {
		t.Fatal(err)
	}
	ep := dialCircuit(t, n, route)
	callHeartbeats(t, ep, 3)
}

func TestProxyConnectFailures(t *testing.T) {
	tests := []struct {
		name  string
		route string
		want  error
	}{
		{"unreachable server", "relay:1 -> nowhere:1", protocol.ErrUnavailable},
		{"unknown reverse name", "relay:1 -> ghost@relay:1", protocol.ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newLoopNet(t)
			r := newTestRelay(t, n)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			n.handle("relay:1", func(c net.Conn) { r.Handle(ctx, c) })

			route, err := protocol.ParseRoute(tt.route)
			if err != nil {
				t.Fatal(err)
			}
			opts := testOptions()
			opts.Proxied = true
			ep, err := endpoint.Dial(ctx, n.dialer(), "relay:1", opts)
			if err != nil {
				t.Fatal(err)
			}
			defer ep.Abort()

			resp, err := ep.Exchange(&protocol.ProxyConnectRequest{Route: route}, 0)
			if err != nil {
				t.Fatalf("Exchange() error = %v", err)
			}
			if err := resultErr(resp); !errors.Is(err, tt.want) {
				t.Errorf("result = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReverseCircuit(t *testing.T) {
	n := newLoopNet(t)
	r := newTestRelay(t, n)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.handle("relay:1", func(c net.Conn) { r.Handle(ctx, c) })

	m, err := NewMaintainer(MaintainerOptions{
		Dialer:       n.dialer(),
		RelayAddress: "relay:1",
		Name:         "hidden",
		Serve:        func(_ context.Context, c net.Conn) { heartbeatServer(c) },
		Endpoint:     testOptions(),
		PollTimeout:  200 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	go m.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for !r.Registry().Registered("hidden") {
		if time.Now().After(deadline) {
			t.Fatal("maintainer never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	route, err := protocol.ParseRoute("relay:1 -> hidden@relay:1")
	if err != nil {
		t.Fatal(err)
	}
	ep := dialCircuit(t, n, route)
	callHeartbeats(t, ep, 2)
}

func TestRegistryWaitAttach(t *testing.T) {
	g := NewRegistry()
	if err := g.Register("alpha"); err != nil {
		t.Fatal(err)
	}

	got := make(chan *endpoint.Endpoint, 1)
	go func() {
		ep, err := g.Wait(context.Background(), "alpha", time.Second)
		if err != nil {
			t.Errorf("Wait() error = %v", err)
		}
		got <- ep
	}()

	pending, err := g.Poll(context.Background(), "alpha", time.Second)
	if err != nil || pending != 1 {
		t.Fatalf("Poll() = (%d, %v), want (1, nil)", pending, err)
	}

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ep := endpoint.New(a, testOptions())
	if !g.Attach("alpha", ep) {
		t.Fatal("Attach() = false, want true")
	}
	if w := <-got; w != ep {
		t.Errorf("Wait() returned a different endpoint")
	}
	if g.Attach("alpha", ep) {
		t.Error("Attach() with no waiter = true, want false")
	}
}

func TestRegistryWaitTimeout(t *testing.T) {
	g := NewRegistry()
	g.Register("alpha")

	_, err := g.Wait(context.Background(), "alpha", 20*time.Millisecond)
	if !errors.Is(err, ErrAttachTimeout) {
		t.Errorf("Wait() error = %v, want ErrAttachTimeout", err)
	}

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	if g.Attach("alpha", endpoint.New(a, testOptions())) {
		t.Error("Attach() after timeout = true, want false")
	}
}

func TestRegistryNames(t *testing.T) {
	g := NewRegistry()
	if err := g.Register("beta"); err != nil {
		t.Fatal(err)
	}
	if err := g.Register("alpha"); err != nil {
		t.Fatal(err)
	}
	if err := g.Register("alpha"); !errors.Is(err, ErrNameTaken) {
		t.Errorf("Register(dup) error = %v, want ErrNameTaken", err)
	}
	names := g.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("Names() = %v, want [alpha beta]", names)
	}
}

func TestRegistryUnregisterWakesWaiters(t *testing.T) {
	g := NewRegistry()
	g.Register("alpha")

	errc := make(chan error, 1)
	go func() {
		_, err := g.Wait(context.Background(), "alpha", 5*time.Second)
		errc <- err
	}()
	if n, _ := g.Poll(context.Background(), "alpha", time.Second); n != 1 {
		t.Fatalf("Poll() = %d, want 1", n)
	}
	g.Unregister("alpha")

	select {
	case err := <-errc:
		if !errors.Is(err, ErrNotRegistered) {
			t.Errorf("Wait() error = %v, want ErrNotRegistered", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait() did not return after Unregister")
	}
}

func TestRegistryPollTimeout(t *testing.T) {
	g := NewRegistry()
	g.Register("alpha")

	n, err := g.Poll(context.Background(), "alpha", 20*time.Millisecond)
	if err != nil || n != 0 {
		t.Errorf("Poll() = (%d, %v), want (0, nil)", n, err)
	}
	if _, err := g.Poll(context.Background(), "missing", time.Millisecond); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Poll(missing) error = %v, want ErrNotRegistered", err)
	}
}

func TestPullCounterDropsFirst(t *testing.T) {
	p := newPullCounter()
	p.add()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.take(ctx); err == nil {
		t.Fatal("take() after the handshake pull succeeded, want timeout")
	}

	p.add()
	if err := p.take(context.Background()); err != nil {
		t.Errorf("take() error = %v", err)
	}
}

func TestPumpPanicIsCounted(t *testing.T) {
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	r := New(Options{Logger: logging.NopLogger(), Metrics: m})

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer recovery.RecoverWithCallback(logging.NopLogger(), "relay.upstream", r.panicked("relay.upstream"))
		panic("leg failed")
	}()
	<-done

	if got := testutil.ToFloat64(m.Panics.WithLabelValues("relay.upstream")); got != 1 {
		t.Errorf("Panics{relay.upstream} = %v, want 1", got)
	}
}
