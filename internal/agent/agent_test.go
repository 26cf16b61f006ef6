package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/fileferry/internal/client"
	"github.com/postalsys/fileferry/internal/config"
	"github.com/postalsys/fileferry/internal/logging"
	"github.com/postalsys/fileferry/internal/metrics"
	"github.com/postalsys/fileferry/internal/session"
	"github.com/postalsys/fileferry/internal/transport"
)

func serverConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Server.Enabled = true
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.Roots = []config.RootConfig{{Name: "C:", Path: dir}}
	cfg.Auth.AnonymousIdentity = "all"
	cfg.Monitor.HeartbeatInterval = 0
	return cfg, dir
}

func startAgent(t *testing.T, cfg *config.Config) *Agent {
	t.Helper()
	a, err := NewWithLogger(cfg, logging.NopLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { a.Stop() })
	return a
}

func newClient(t *testing.T, cfg *config.Config, route string) *client.Client {
	t.Helper()
	opts, err := ClientOptions(cfg, route, logging.NopLogger(), metrics.NewMetricsWithRegistry(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("ClientOptions() error = %v", err)
	}
	c, err := client.New(opts)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNew(t *testing.T) {
	if _, err := New(config.Default()); err == nil {
		t.Error("New() with nothing enabled should fail")
	}

	cfg, _ := serverConfig(t)
	a, err := NewWithLogger(cfg, logging.NopLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.IsRunning() {
		t.Error("New agent should not be running")
	}
	if a.ServerAddress() != nil {
		t.Error("ServerAddress() should be nil before Start()")
	}
}

func TestNew_InvalidIdentity(t *testing.T) {
	cfg, _ := serverConfig(t)
	cfg.Auth.Users = []config.UserConfig{{Name: "bob", PasswordHash: "$2a$04$x", Identity: "fly"}}
	if _, err := NewWithLogger(cfg, logging.NopLogger()); err == nil {
		t.Error("New() with an unknown capability should fail")
	}
}

func TestAgent_StartStop(t *testing.T) {
	cfg, _ := serverConfig(t)
	a, err := NewWithLogger(cfg, logging.NopLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !a.IsRunning() {
		t.Error("Agent should be running after Start()")
	}
	if err := a.Start(); err == nil {
		t.Error("Double Start() should fail")
	}
	if !a.Stats().ServerRunning {
		t.Error("Stats().ServerRunning = false, want true")
	}

	if err := a.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if a.IsRunning() {
		t.Error("Agent should not be running after Stop()")
	}
	if err := a.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestAgent_StopWithContext(t *testing.T) {
	cfg, _ := serverConfig(t)
	a := startAgent(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.StopWithContext(ctx); err != nil {
		t.Errorf("StopWithContext() error = %v", err)
	}
}

func TestAgent_ServesFiles(t *testing.T) {
	cfg, dir := serverConfig(t)
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	a := startAgent(t, cfg)

	c := newClient(t, cfg, a.ServerAddress().String())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entries, err := c.List(ctx, "C:")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "hello.txt" || entries[0].Length != 5 {
		t.Errorf("List() = %+v, want hello.txt of 5 bytes", entries)
	}

	_, data, err := c.Download(ctx, "C:/hello.txt", 0, 5)
	if err != nil || string(data) != "hello" {
		t.Errorf("Download() = %q, %v, want hello", data, err)
	}

	if n := a.Stats().Sessions; n != 1 {
		t.Errorf("Stats().Sessions = %d, want 1", n)
	}
}

func TestAgent_ReverseService(t *testing.T) {
	relayCfg := config.Default()
	relayCfg.Proxy.Enabled = true
	relayCfg.Proxy.Listen = "127.0.0.1:0"
	relayAgent := startAgent(t, relayCfg)
	proxyAddr := relayAgent.ProxyAddress().String()

	hiddenCfg, dir := serverConfig(t)
	if err := os.WriteFile(filepath.Join(dir, "secret.txt"), []byte("hidden"), 0o644); err != nil {
		t.Fatal(err)
	}
	hiddenCfg.Reverse.Enabled = true
	hiddenCfg.Reverse.Proxy = proxyAddr
	hiddenCfg.Reverse.Name = "files"
	hiddenCfg.Timeouts.ReconnectDelay = 50 * time.Millisecond
	startAgent(t, hiddenCfg)

	deadline := time.Now().Add(5 * time.Second)
	for !slices.Contains(relayAgent.Stats().ReverseServices, "files") {
		if time.Now().After(deadline) {
			t.Fatal("reverse service never registered")
		}
		time.Sleep(20 * time.Millisecond)
	}

	c := newClient(t, hiddenCfg, fmt.Sprintf("%s -> files@%s", proxyAddr, proxyAddr))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, data, err := c.Download(ctx, "C:/secret.txt", 0, 64)
	if err != nil || string(data) != "hidden" {
		t.Errorf("Download() through relay = %q, %v, want hidden", data, err)
	}
}

func TestAgent_HealthEndpoints(t *testing.T) {
	cfg, _ := serverConfig(t)
	cfg.Health.Enabled = true
	cfg.Health.Address = "127.0.0.1:0"
	a := startAgent(t, cfg)

	base := "http://" + a.HealthServerAddress().String()
	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("/metrics is missing the Go collector")
	}
}

func TestEndpointOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Protocol.DataSize = 8192
	cfg.Protocol.PadPackets = true
	cfg.Timeouts.Receive = 7 * time.Second

	opts := EndpointOptions(cfg)
	if opts.Framing.DataSize != 8192 || !opts.Framing.PadPackets {
		t.Errorf("Framing = %+v, want DataSize 8192 padded", opts.Framing)
	}
	if opts.Framing.MaxMessageSize != 64<<20 {
		t.Errorf("MaxMessageSize = %d, want %d", opts.Framing.MaxMessageSize, 64<<20)
	}
	if opts.ReceiveTimeout != 7*time.Second {
		t.Errorf("ReceiveTimeout = %v, want 7s", opts.ReceiveTimeout)
	}
}

func TestAuthenticator(t *testing.T) {
	hash, err := session.HashPassword("pw")
	if err != nil {
		t.Fatal(err)
	}
	auth, err := Authenticator(config.AuthConfig{
		AnonymousIdentity: "query",
		Users:             []config.UserConfig{{Name: "alice", PasswordHash: hash, Identity: "query,read"}},
	})
	if err != nil {
		t.Fatalf("Authenticator() error = %v", err)
	}

	tests := []struct {
		name, user, password string
		want                 session.Identity
		wantErr              bool
	}{
		{"anonymous", "", "", session.IdentityQuery, false},
		{"user", "alice", "pw", session.IdentityQuery | session.IdentityReadFile, false},
		{"wrong password", "alice", "nope", session.IdentityNone, true},
		{"unknown user", "bob", "pw", session.IdentityNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := auth.Authenticate(tt.user, tt.password)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Authenticate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Authenticate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClientOptions(t *testing.T) {
	cfg := config.Default()
	if _, err := ClientOptions(cfg, "", nil, nil); err == nil {
		t.Error("ClientOptions() without a route should fail")
	}

	cfg.Client.Route = "relay:7001 -> files@relay:7001"
	cfg.Client.Username = "alice"
	cfg.Auth.Encryption.Enabled = true
	cfg.Auth.Encryption.Cipher = "chacha20"
	opts, err := ClientOptions(cfg, "", nil, nil)
	if err != nil {
		t.Fatalf("ClientOptions() error = %v", err)
	}
	if opts.Route.Server.Name != "files" || len(opts.Route.Proxies) != 1 {
		t.Errorf("Route = %+v, want one proxy and server files", opts.Route)
	}
	if !opts.Encrypt || opts.Cipher != "chacha20" || opts.Username != "alice" {
		t.Errorf("opts = %+v, want encrypted chacha20 as alice", opts)
	}

	opts, err = ClientOptions(cfg, "host:7000", nil, nil)
	if err != nil {
		t.Fatalf("ClientOptions() error = %v", err)
	}
	if !opts.Route.Direct() || opts.Route.Server.Address != "host:7000" {
		t.Errorf("explicit route = %+v, want direct host:7000", opts.Route)
	}
}

func TestListenOptions(t *testing.T) {
	tests := []struct {
		carrier string
		tls     bool
		want    transport.Type
		wantTLS bool
	}{
		{"tcp", false, transport.TypeTCP, false},
		{"tcp", true, transport.TypeTCP, true},
		{"quic", false, transport.TypeQUIC, true},
		{"ws", false, transport.TypeWebSocket, false},
	}
	for _, tt := range tests {
		typ, opts, err := ListenOptions(tt.carrier, "/ff", 10, config.TLSConfig{Enabled: tt.tls})
		if err != nil {
			t.Fatalf("ListenOptions(%s) error = %v", tt.carrier, err)
		}
		if typ != tt.want || (opts.TLSConfig != nil) != tt.wantTLS || opts.MaxConnections != 10 {
			t.Errorf("ListenOptions(%s, tls=%v) = %s, tls=%v, want %s, tls=%v",
				tt.carrier, tt.tls, typ, opts.TLSConfig != nil, tt.want, tt.wantTLS)
		}
	}
	if _, _, err := ListenOptions("smoke", "", 0, config.TLSConfig{}); err == nil {
		t.Error("ListenOptions() with an unknown carrier should fail")
	}
}

func TestTransferOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Transfer.RateLimit = 1 << 20
	opts := TransferOptions(cfg, nil, nil, nil)
	if opts.SmallFileThreshold != 64<<10 || opts.Workers != 4 || opts.BlockRetries != 3 {
		t.Errorf("opts = %+v, want 64KiB threshold, 4 workers, 3 retries", opts)
	}
	if opts.RateLimit != 1<<20 {
		t.Errorf("RateLimit = %d, want %d", opts.RateLimit, 1<<20)
	}
}
