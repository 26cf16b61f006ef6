package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/fileferry/internal/endpoint"
	"github.com/postalsys/fileferry/internal/metrics"
	"github.com/postalsys/fileferry/internal/protocol"
	"github.com/postalsys/fileferry/internal/transport"
)

// request is one decoded request seen by a fake server.
type request struct {
	id  uuid.UUID
	msg protocol.Message
}

// pipeDialer hands every dial to serve over an in-memory pipe. serve runs
// after the session login has been answered.
func pipeDialer(serve func(ep *endpoint.Endpoint)) transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context, addr string) (net.Conn, error) {
		a, b := net.Pipe()
		go func() {
			ep := endpoint.New(b, endpoint.DefaultOptions())
			defer ep.Abort()
			if err := acceptLogin(ep); err != nil {
				return
			}
			serve(ep)
		}()
		return a, nil
	})
}

func acceptLogin(ep *endpoint.Endpoint) error {
	r, err := readRequest(ep)
	if err != nil {
		return err
	}
	if _, ok := r.msg.(*protocol.SessionRequest); !ok {
		return fmt.Errorf("expected session request, got %s", r.msg.Type())
	}
	return ep.SendEnvelope(r.id, &protocol.SessionResponse{
		Result: protocol.OK(),
		Token:  protocol.SessionToken{Index: 1, Identity: 15, Verification: []byte{42}},
	})
}

func readRequest(ep *endpoint.Endpoint) (request, error) {
	for {
		h, payload, err := ep.ReceiveBytes()
		if err != nil {
			return request{}, err
		}
		if h.Type == protocol.MsgDisconnectRequest {
			return request{}, errors.New("disconnected")
		}
		id, m, err := protocol.DecodeEnvelope(payload)
		if err != nil {
			return request{}, err
		}
		return request{id: id, msg: m}, nil
	}
}

func newTestClient(t *testing.T, d transport.Dialer, timeout time.Duration) *Client {
	t.Helper()
	c, err := New(Options{
		Route:          protocol.ConnectionRoute{Server: protocol.RouteNode{Address: "server:1"}},
		Dialer:         d,
		Endpoint:       endpoint.DefaultOptions(),
		Username:       "alice",
		Password:       "secret",
		RequestTimeout: timeout,
		ReconnectDelay: 10 * time.Millisecond,
		Metrics:        metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func dirResponse(path string) *protocol.DirectoryResponse {
	return &protocol.DirectoryResponse{
		Result:  protocol.OK(),
		Entries: []protocol.DirEntry{{Name: path}},
	}
}

func TestResponsesCorrelateOutOfOrder(t *testing.T) {
	const n = 5
	d := pipeDialer(func(ep *endpoint.Endpoint) {
		var reqs []request
		for len(reqs) < n {
			r, err := readRequest(ep)
			if err != nil {
				return
			}
			reqs = append(reqs, r)
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			dr := reqs[i].msg.(*protocol.DirectoryRequest)
			if err := ep.SendEnvelope(reqs[i].id, dirResponse(dr.Path)); err != nil {
				return
			}
		}
		readRequest(ep)
	})
	c := newTestClient(t, d, 5*time.Second)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		path := fmt.Sprintf("C:/dir%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			entries, err := c.List(context.Background(), path)
			if err != nil {
				errs <- err
				return
			}
			if len(entries) != 1 || entries[0].Name != path {
				errs <- fmt.Errorf("List(%q) = %+v, want its own response", path, entries)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if got := c.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
}

func TestMismatchedResponseFailsOnlyItsRequest(t *testing.T) {
	d := pipeDialer(func(ep *endpoint.Endpoint) {
		for {
			r, err := readRequest(ep)
			if err != nil {
				return
			}
			var resp protocol.Message
			switch m := r.msg.(type) {
			case *protocol.DownloadRequest:
				resp = &protocol.SessionResponse{Result: protocol.OK()}
			case *protocol.HeartBeatRequest:
				resp = &protocol.HeartBeatResponse{Result: protocol.OK(), SentAt: m.SentAt, ServerTime: time.Now()}
			default:
				resp = dirResponse("x")
			}
			if err := ep.SendEnvelope(r.id, resp); err != nil {
				return
			}
		}
	})
	c := newTestClient(t, d, 5*time.Second)
	ctx := context.Background()

	_, _, err := c.Download(ctx, "C:/a", 0, 10)
	var fm *endpoint.FlagMismatchError
	if !errors.As(err, &fm) {
		t.Fatalf("Download() error = %v, want FlagMismatchError", err)
	}
	if fm.Expected != protocol.MsgDownloadResponse || fm.Received != protocol.MsgSessionResponse {
		t.Errorf("mismatch = %s/%s, want DownloadResponse/SessionResponse", fm.Expected, fm.Received)
	}
	if _, err := c.Heartbeat(ctx); err != nil {
		t.Errorf("Heartbeat() after mismatch error = %v", err)
	}
	if !c.Connected() {
		t.Error("Connected() = false after a mismatch, want true")
	}
}

func TestDisconnectFailsAllPending(t *testing.T) {
	const n = 3
	d := pipeDialer(func(ep *endpoint.Endpoint) {
		for i := 0; i < n; i++ {
			if _, err := readRequest(ep); err != nil {
				return
			}
		}
		ep.Abort()
	})
	c := newTestClient(t, d, 10*time.Second)

	var wg sync.WaitGroup
	errs := make([]error, n)
	start := time.Now()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.List(context.Background(), "C:/")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		var te *TransportError
		if !errors.As(err, &te) {
			t.Errorf("request %d error = %v, want TransportError", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("requests failed after %s, want prompt failure", elapsed)
	}
	if got := c.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
	if c.Connected() {
		t.Error("Connected() = true after the server dropped, want false")
	}
}

func TestRegisterOnDroppedLinkFailsFast(t *testing.T) {
	d := pipeDialer(func(ep *endpoint.Endpoint) {
		for {
			if _, err := readRequest(ep); err != nil {
				return
			}
		}
	})
	c := newTestClient(t, d, time.Minute)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()

	c.dropLink(l, &TransportError{Op: "receive", Err: errors.New("reset")})

	cl := &call{id: uuid.New(), req: &protocol.DirectoryRequest{Path: "C:/"}, link: l, done: make(chan outcome, 1)}
	err := c.register(cl)
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "receive" {
		t.Errorf("register() error = %v, want the link's TransportError", err)
	}
	if got := c.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
}

func TestRequestTimeoutDropsLateResponse(t *testing.T) {
	late := make(chan struct{})
	d := pipeDialer(func(ep *endpoint.Endpoint) {
		r, err := readRequest(ep)
		if err != nil {
			return
		}
		<-late
		if err := ep.SendEnvelope(r.id, dirResponse("late")); err != nil {
			return
		}
		for {
			r, err := readRequest(ep)
			if err != nil {
				return
			}
			if err := ep.SendEnvelope(r.id, dirResponse("fresh")); err != nil {
				return
			}
		}
	})
	c := newTestClient(t, d, 100*time.Millisecond)
	ctx := context.Background()

	if _, err := c.List(ctx, "C:/"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("List() error = %v, want ErrTimeout", err)
	}
	if got := c.Pending(); got != 0 {
		t.Errorf("Pending() after timeout = %d, want 0", got)
	}
	close(late)

	entries, err := c.List(ctx, "C:/")
	if err != nil {
		t.Fatalf("List() after late response error = %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "fresh" {
		t.Errorf("List() = %+v, want the fresh response", entries)
	}
}

func TestNonOKResultBecomesError(t *testing.T) {
	d := pipeDialer(func(ep *endpoint.Endpoint) {
		for {
			r, err := readRequest(ep)
			if err != nil {
				return
			}
			resp := &protocol.DirectoryResponse{Result: protocol.Failure(protocol.ResultNotFound, "no such directory")}
			if err := ep.SendEnvelope(r.id, resp); err != nil {
				return
			}
		}
	})
	c := newTestClient(t, d, 5*time.Second)

	_, err := c.List(context.Background(), "C:/missing")
	if !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("List() error = %v, want ErrNotFound", err)
	}
}

func TestRequestRejectsResponses(t *testing.T) {
	c := newTestClient(t, pipeDialer(func(*endpoint.Endpoint) {}), time.Second)
	_, err := c.Request(context.Background(), &protocol.DirectoryResponse{})
	if !errors.Is(err, protocol.ErrInvalidRequest) {
		t.Errorf("Request(response) error = %v, want ErrInvalidRequest", err)
	}
}

func TestClosedClient(t *testing.T) {
	c := newTestClient(t, pipeDialer(func(*endpoint.Endpoint) {}), time.Second)
	c.Close()
	if _, err := c.List(context.Background(), ""); !errors.Is(err, ErrClosed) {
		t.Errorf("List() after Close error = %v, want ErrClosed", err)
	}
}

func TestConnectFailureIsTransportError(t *testing.T) {
	d := transport.DialerFunc(func(ctx context.Context, addr string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	})
	c := newTestClient(t, d, time.Second)
	err := c.Connect(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "connect" {
		t.Errorf("Connect() error = %v, want connect TransportError", err)
	}
}
