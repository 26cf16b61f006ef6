package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func echoServer(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
}

func roundTrip(t *testing.T, d Dialer, addr string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	msg := bytes.Repeat([]byte("ferry"), 2000)
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Error("echo mismatch")
	}
}

func TestTCPRoundTrip(t *testing.T) {
	ln, err := Listen(TypeTCP, "127.0.0.1:0", ListenOptions{MaxConnections: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	echoServer(t, ln)

	d, err := NewDialer(TypeTCP, DefaultDialOptions())
	if err != nil {
		t.Fatal(err)
	}
	roundTrip(t, d, ln.Addr().String())
}

func TestTLSRoundTrip(t *testing.T) {
	serverTLS, err := ServerTLSConfig("", "", "localhost")
	if err != nil {
		t.Fatal(err)
	}
	ln, err := Listen(TypeTCP, "127.0.0.1:0", ListenOptions{TLSConfig: serverTLS})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	echoServer(t, ln)

	clientTLS, err := ClientTLSConfig("", false)
	if err != nil {
		t.Fatal(err)
	}
	opts := DefaultDialOptions()
	opts.TLSConfig = clientTLS
	d, _ := NewDialer(TypeTCP, opts)
	roundTrip(t, d, ln.Addr().String())
}

func TestWebSocketRoundTrip(t *testing.T) {
	ln, err := Listen(TypeWebSocket, "127.0.0.1:0", ListenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	echoServer(t, ln)

	d, _ := NewDialer(TypeWebSocket, DefaultDialOptions())
	roundTrip(t, d, ln.Addr().String())
}

func TestQUICRoundTrip(t *testing.T) {
	serverTLS, err := ServerTLSConfig("", "", "localhost")
	if err != nil {
		t.Fatal(err)
	}
	ln, err := Listen(TypeQUIC, "127.0.0.1:0", ListenOptions{TLSConfig: serverTLS})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	echoServer(t, ln)

	d, _ := NewDialer(TypeQUIC, DefaultDialOptions())
	roundTrip(t, d, ln.Addr().String())
}

func TestQUICRequiresTLS(t *testing.T) {
	if _, err := Listen(TypeQUIC, "127.0.0.1:0", ListenOptions{}); err == nil {
		t.Error("expected error without TLS config")
	}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"", TypeTCP, false},
		{"TCP", TypeTCP, false},
		{"quic", TypeQUIC, false},
		{"websocket", TypeWebSocket, false},
		{"h3", "", true},
	}
	for _, tt := range tests {
		got, err := ParseType(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseType(%q) = (%q, %v), want (%q, err=%v)", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestGenerateSelfSignedCert(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedCert("files.local", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := TLSConfigFromBytes(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("TLSConfigFromBytes() error = %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("certificates = %d, want 1", len(cfg.Certificates))
	}
}

func TestWSDialerURL(t *testing.T) {
	d := &WSDialer{opts: DialOptions{}}
	if got := d.url("host:80"); got != "ws://host:80"+DefaultWSPath {
		t.Errorf("url() = %q", got)
	}
	if got := d.url("wss://x/y"); got != "wss://x/y" {
		t.Errorf("url() = %q", got)
	}
}
