// Package agent runs a fileferry node: the file server, the relay, the
// reverse registration and the health endpoint, all built from one
// configuration.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/postalsys/fileferry/internal/config"
	"github.com/postalsys/fileferry/internal/crypto"
	"github.com/postalsys/fileferry/internal/endpoint"
	"github.com/postalsys/fileferry/internal/health"
	"github.com/postalsys/fileferry/internal/logging"
	"github.com/postalsys/fileferry/internal/metrics"
	"github.com/postalsys/fileferry/internal/recovery"
	"github.com/postalsys/fileferry/internal/relay"
	"github.com/postalsys/fileferry/internal/resource"
	"github.com/postalsys/fileferry/internal/server"
	"github.com/postalsys/fileferry/internal/transport"
)

// Agent is a running fileferry node.
type Agent struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	server       *server.Server
	relay        *relay.Relay
	maintainer   *relay.Maintainer
	healthServer *health.Server

	serverLn net.Listener
	proxyLn  net.Listener

	running  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates an agent with the given configuration.
func New(cfg *config.Config) (*Agent, error) {
	return NewWithLogger(cfg, logging.NewLogger(cfg.Log.Level, cfg.Log.Format))
}

// NewWithLogger creates an agent that logs to logger.
func NewWithLogger(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if !cfg.Server.Enabled && !cfg.Proxy.Enabled {
		return nil, errors.New("nothing to run: enable server or proxy")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &Agent{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  metrics.NewMetricsWithRegistry(reg),
	}
	if err := a.initComponents(); err != nil {
		return nil, err
	}
	return a, nil
}

// initComponents builds the relay first so the server can hand relay
// traffic on its own port to it.
func (a *Agent) initComponents() error {
	cfg := a.cfg
	epOpts := EndpointOptions(cfg)

	if cfg.Proxy.Enabled {
		dialer, err := NewDialer(cfg.Proxy.Transport, cfg.Proxy.Path, cfg.Proxy.TLS, cfg)
		if err != nil {
			return fmt.Errorf("proxy dialer: %w", err)
		}
		a.relay = relay.New(relay.Options{
			Dialer:        dialer,
			Endpoint:      epOpts,
			Names:         cfg.Proxy.Names,
			AttachTimeout: cfg.Proxy.AttachTimeout,
			PollTimeout:   cfg.Proxy.ReversePoll,
			RetryDelay:    cfg.Timeouts.ReconnectDelay,
			Logger:        a.logger,
			Metrics:       a.metrics,
		})
	}

	if cfg.Server.Enabled {
		auth, err := Authenticator(cfg.Auth)
		if err != nil {
			return err
		}
		suite, err := crypto.ParseSuite(cfg.Auth.Encryption.Cipher)
		if err != nil {
			return err
		}
		roots := make([]server.Root, 0, len(cfg.Server.Roots))
		for _, r := range cfg.Server.Roots {
			roots = append(roots, server.Root{Name: r.Name, Path: r.Path})
		}
		opts := server.Options{
			Roots:         roots,
			Authenticator: auth,
			Resources: resource.NewManager(resource.Options{
				IdleTimeout:  cfg.Resources.IdleTimeout,
				TickInterval: cfg.Resources.TickInterval,
				Logger:       a.logger,
				Metrics:      a.metrics,
			}),
			Endpoint:           epOpts,
			BlockSize:          int32(cfg.Transfer.BlockSize),
			HandlerConcurrency: cfg.Server.HandlerConcurrency,
			RequireEncryption:  cfg.Auth.Encryption.Required,
			Cipher:             suite,
			Transport:          cfg.Server.Transport,
			Logger:             a.logger,
			Metrics:            a.metrics,
		}
		if a.relay != nil {
			opts.Relay = a.relay
		}
		a.server, err = server.New(opts)
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	if cfg.Reverse.Enabled {
		if a.server == nil {
			return errors.New("reverse needs the server enabled")
		}
		dialer, err := NewDialer(cfg.Reverse.Transport, cfg.Reverse.Path, cfg.Reverse.TLS, cfg)
		if err != nil {
			return fmt.Errorf("reverse dialer: %w", err)
		}
		backoff := endpoint.DefaultBackoffConfig()
		if cfg.Timeouts.ReconnectDelay > 0 {
			backoff.InitialDelay = cfg.Timeouts.ReconnectDelay
		}
		a.maintainer, err = relay.NewMaintainer(relay.MaintainerOptions{
			Dialer:       dialer,
			RelayAddress: cfg.Reverse.Proxy,
			Name:         cfg.Reverse.Name,
			Serve:        a.server.ServeConn,
			Endpoint:     epOpts,
			PollTimeout:  cfg.Proxy.ReversePoll,
			Backoff:      backoff,
			Logger:       a.logger,
		})
		if err != nil {
			return fmt.Errorf("reverse: %w", err)
		}
	}

	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			EnablePprof:  cfg.Health.EnablePprof,
			Gatherer:     a.registry,
		}, a)
	}
	return nil
}

// Start opens the listeners and starts every enabled component.
func (a *Agent) Start() error {
	if a.running.Load() {
		return fmt.Errorf("agent already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.running.Store(true)

	a.logger.Info("starting agent", logging.KeyComponent, "agent")

	if a.server != nil {
		ln, err := a.listen(a.cfg.Server.Transport, a.cfg.Server.Listen, a.cfg.Server.Path, a.cfg.Server.MaxConnections, a.cfg.Server.TLS)
		if err != nil {
			a.abortStart()
			return fmt.Errorf("start server listener %s: %w", a.cfg.Server.Listen, err)
		}
		a.serverLn = ln
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer recovery.RecoverWithLog(a.logger, "agent.server")
			if err := a.server.Serve(ctx, ln); err != nil {
				a.logger.Error("server stopped", logging.Err(err))
			}
		}()
	}

	if a.relay != nil {
		ln, err := a.listen(a.cfg.Proxy.Transport, a.cfg.Proxy.Listen, a.cfg.Proxy.Path, a.cfg.Proxy.MaxConnections, a.cfg.Proxy.TLS)
		if err != nil {
			a.abortStart()
			return fmt.Errorf("start proxy listener %s: %w", a.cfg.Proxy.Listen, err)
		}
		a.proxyLn = ln
		a.wg.Add(1)
		go a.acceptLoop(ctx, ln)
		a.logger.Info("relay listening",
			logging.KeyAddress, ln.Addr().String(),
			logging.KeyTransport, a.cfg.Proxy.Transport)
	}

	if a.maintainer != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer recovery.RecoverWithLog(a.logger, "agent.reverse")
			a.maintainer.Run(ctx)
		}()
	}

	if a.healthServer != nil {
		if err := a.healthServer.Start(); err != nil {
			a.logger.Error("failed to start HTTP server",
				logging.KeyAddress, a.cfg.Health.Address,
				logging.KeyError, err)
			a.abortStart()
			return fmt.Errorf("start HTTP server: %w", err)
		}
		a.logger.Info("HTTP server started",
			logging.KeyAddress, a.healthServer.Address())
	}

	a.logger.Info("agent started",
		"server", a.server != nil,
		"proxy", a.relay != nil,
		"reverse", a.maintainer != nil)
	return nil
}

func (a *Agent) listen(carrier, addr, path string, maxConns int, tlsCfg config.TLSConfig) (net.Listener, error) {
	t, opts, err := ListenOptions(carrier, path, maxConns, tlsCfg)
	if err != nil {
		return nil, err
	}
	return transport.Listen(t, addr, opts)
}

// abortStart unwinds a partial Start.
func (a *Agent) abortStart() {
	a.running.Store(false)
	a.cancel()
	if a.serverLn != nil {
		a.serverLn.Close()
	}
	if a.proxyLn != nil {
		a.proxyLn.Close()
	}
	a.wg.Wait()
}

// acceptLoop hands every proxy connection to the relay.
func (a *Agent) acceptLoop(ctx context.Context, ln net.Listener) {
	defer a.wg.Done()
	defer recovery.RecoverWithLog(a.logger, "agent.acceptLoop")

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var conns sync.WaitGroup
	defer conns.Wait()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			a.logger.Error("proxy accept failed", logging.Err(err))
			return
		}
		conns.Add(1)
		go func() {
			defer conns.Done()
			a.relay.Handle(ctx, c)
		}()
	}
}

// Stop shuts every component down and waits for them.
func (a *Agent) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		a.logger.Info("stopping agent")

		a.running.Store(false)
		if a.cancel != nil {
			a.cancel()
		}

		if a.healthServer != nil {
			a.healthServer.Stop()
		}
		if a.server != nil {
			err = a.server.Close()
		}
		a.wg.Wait()

		a.logger.Info("agent stopped")
	})
	return err
}

// StopWithContext stops with a timeout.
func (a *Agent) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the agent is running.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// ServerAddress returns the file server listen address, or nil.
func (a *Agent) ServerAddress() net.Addr {
	if a.serverLn == nil {
		return nil
	}
	return a.serverLn.Addr()
}

// ProxyAddress returns the relay listen address, or nil.
func (a *Agent) ProxyAddress() net.Addr {
	if a.proxyLn == nil {
		return nil
	}
	return a.proxyLn.Addr()
}

// HealthServerAddress returns the health server address, or nil.
func (a *Agent) HealthServerAddress() net.Addr {
	if a.healthServer == nil {
		return nil
	}
	return a.healthServer.Address()
}

// Gatherer exposes the agent's metrics registry.
func (a *Agent) Gatherer() prometheus.Gatherer { return a.registry }

// Stats implements health.StatsProvider.
func (a *Agent) Stats() health.Stats {
	running := a.IsRunning()
	st := health.Stats{
		ServerRunning: running && a.serverLn != nil,
		ProxyRunning:  running && a.proxyLn != nil,
	}
	if a.server != nil {
		st.Connections = a.server.Connections()
		st.Sessions = a.server.Sessions().Len()
		st.OpenResources = a.server.Resources().Len()
	}
	if a.relay != nil {
		st.Circuits = int64(a.relay.Circuits())
		st.ReverseServices = a.relay.Registry().Names()
	}
	return st
}
