package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/fileferry/internal/endpoint"
	"github.com/postalsys/fileferry/internal/protocol"
)

// rawConn serves one in-memory connection and returns the client side.
func rawConn(t *testing.T, s *Server) *endpoint.Endpoint {
	t.Helper()
	a, b := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.ServeConn(ctx, b)
	}()
	opts := endpoint.DefaultOptions()
	opts.ReceiveTimeout = 5 * time.Second
	ep := endpoint.New(a, opts)
	t.Cleanup(func() {
		ep.Abort()
		cancel()
		<-done
	})
	return ep
}

func TestRequestWithoutSessionIsDenied(t *testing.T) {
	s, _ := newTestServer(t)
	ep := rawConn(t, s)

	m, err := ep.Call(&protocol.DirectoryRequest{Path: "C:"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	resp := m.(*protocol.DirectoryResponse)
	if resp.Code != protocol.ResultAuthDenied {
		t.Errorf("Code = %s, want AUTH_DENIED", resp.Code)
	}

	// Heartbeats need no session.
	m, err = ep.Call(&protocol.HeartBeatRequest{SentAt: time.Now()})
	if err != nil {
		t.Fatalf("heartbeat Call() error = %v", err)
	}
	if hb := m.(*protocol.HeartBeatResponse); hb.Code != protocol.ResultOK {
		t.Errorf("heartbeat Code = %s, want OK", hb.Code)
	}
}

func TestSessionLoginAndResume(t *testing.T) {
	s, _ := newTestServer(t)
	ep := rawConn(t, s)

	m, err := ep.Call(&protocol.SessionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	login := m.(*protocol.SessionResponse)
	if login.Code != protocol.ResultOK {
		t.Fatalf("anonymous login Code = %s, want OK", login.Code)
	}

	second := rawConn(t, s)
	m, err = second.Call(&protocol.SessionRequest{Resume: &login.Token})
	if err != nil {
		t.Fatal(err)
	}
	resumed := m.(*protocol.SessionResponse)
	if resumed.Code != protocol.ResultOK || resumed.Token.Index != login.Token.Index {
		t.Errorf("resume = %s/%d, want OK/%d", resumed.Code, resumed.Token.Index, login.Token.Index)
	}
	if bytes.Equal(resumed.Token.Verification, login.Token.Verification) {
		t.Error("resume returned the same verification bytes, want a rotated token")
	}
	if n := s.Sessions().Len(); n != 1 {
		t.Errorf("sessions = %d, want 1", n)
	}

	spent := rawConn(t, s)
	m, err = spent.Call(&protocol.SessionRequest{Resume: &login.Token})
	if err != nil {
		t.Fatal(err)
	}
	if resp := m.(*protocol.SessionResponse); resp.Code != protocol.ResultAuthDenied {
		t.Errorf("resume with spent token Code = %s, want AUTH_DENIED", resp.Code)
	}

	forged := login.Token
	forged.Verification = []byte("forged")
	third := rawConn(t, s)
	m, err = third.Call(&protocol.SessionRequest{Resume: &forged})
	if err != nil {
		t.Fatal(err)
	}
	if resp := m.(*protocol.SessionResponse); resp.Code != protocol.ResultAuthDenied {
		t.Errorf("forged resume Code = %s, want AUTH_DENIED", resp.Code)
	}
}

func TestUnknownTagClosesConnection(t *testing.T) {
	s, _ := newTestServer(t)
	ep := rawConn(t, s)

	id := uuid.New()
	payload := make([]byte, protocol.RequestIDSize+4)
	copy(payload, id[:])
	binary.LittleEndian.PutUint32(payload[protocol.RequestIDSize:], 9999)
	if err := ep.SendBytes(protocol.Header{Type: protocol.MsgDirectoryRequest}, payload); err != nil {
		t.Fatal(err)
	}

	h, _, err := ep.ReceiveBytes()
	if err == nil && h.Type != protocol.MsgDisconnectRequest {
		t.Fatalf("got %s, want the connection to close", h.Type)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.Connections() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := s.Connections(); n != 0 {
		t.Errorf("Connections() = %d after a bad tag, want 0", n)
	}
}

func TestKeyExchangeOnlyFirst(t *testing.T) {
	s, _ := newTestServer(t)
	ep := rawConn(t, s)

	if _, err := ep.Call(&protocol.SessionRequest{}); err != nil {
		t.Fatal(err)
	}
	m, err := ep.Call(&protocol.KeyExchangeRequest{PublicKey: make([]byte, 32)})
	if err != nil {
		t.Fatal(err)
	}
	resp := m.(*protocol.KeyExchangeResponse)
	if !errors.Is(resp.Err(), protocol.ErrInvalidRequest) {
		t.Errorf("key exchange after login error = %v, want ErrInvalidRequest", resp.Err())
	}
}
