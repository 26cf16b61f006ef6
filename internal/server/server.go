// Package server accepts fileferry connections and answers their requests
// from the configured roots.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/fileferry/internal/crypto"
	"github.com/postalsys/fileferry/internal/endpoint"
	"github.com/postalsys/fileferry/internal/logging"
	"github.com/postalsys/fileferry/internal/metrics"
	"github.com/postalsys/fileferry/internal/protocol"
	"github.com/postalsys/fileferry/internal/recovery"
	"github.com/postalsys/fileferry/internal/resource"
	"github.com/postalsys/fileferry/internal/session"
)

const (
	DefaultBlockSize          = protocol.DefaultDataSize
	DefaultMaxRangeLength     = 1 << 20
	DefaultHandlerConcurrency = 16
	DefaultMaxFailures        = 5
	DefaultRetryDelay         = 200 * time.Millisecond
)

// Relay handles connections that open with a relay control unit.
type Relay interface {
	Handle(ctx context.Context, conn net.Conn)
}

// CustomHandler serves a named customised packet.
type CustomHandler func(ctx context.Context, s *session.Session, payload []byte) ([]byte, error)

// Options configures a Server.
type Options struct {
	Roots         []Root
	Authenticator *session.Authenticator

	// Sessions and Resources are created when nil.
	Sessions  *session.Registry
	Resources *resource.Manager

	Endpoint endpoint.Options

	// BlockSize is the block size handed out with stream ids.
	BlockSize int32

	// MaxRangeLength caps a single range download.
	MaxRangeLength int32

	// HandlerConcurrency bounds concurrent requests per connection.
	HandlerConcurrency int

	// RequireEncryption refuses sessions on connections without a key.
	RequireEncryption bool

	// Cipher is used when the client does not name one.
	Cipher crypto.Suite

	Custom map[string]CustomHandler

	// Relay, when set, serves connections that start with a relay prefix.
	Relay Relay

	// Transport labels connection metrics.
	Transport string

	MaxFailures int
	RetryDelay  time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server owns the state shared by all connections.
type Server struct {
	opts      Options
	fs        *Filesystem
	sessions  *session.Registry
	resources *resource.Manager
	streams   *streamTable
	custom    map[string]CustomHandler
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	conns  map[*conn]struct{}
	wg     sync.WaitGroup
	closed bool
}

// New creates a server.
func New(opts Options) (*Server, error) {
	fs, err := NewFilesystem(opts.Roots)
	if err != nil {
		return nil, err
	}
	if opts.Authenticator == nil {
		return nil, errors.New("server needs an authenticator")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.MaxRangeLength <= 0 {
		opts.MaxRangeLength = DefaultMaxRangeLength
	}
	if opts.HandlerConcurrency <= 0 {
		opts.HandlerConcurrency = DefaultHandlerConcurrency
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Cipher == "" {
		opts.Cipher = crypto.SuiteAESGCM
	}
	if opts.Transport == "" {
		opts.Transport = "tcp"
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewRegistry(opts.Logger)
	}
	if opts.Resources == nil {
		opts.Resources = resource.NewManager(resource.Options{Logger: opts.Logger, Metrics: opts.Metrics})
	}

	s := &Server{
		opts:      opts,
		fs:        fs,
		sessions:  opts.Sessions,
		resources: opts.Resources,
		streams:   newStreamTable(opts.Resources.Sweeper(), opts.Resources.IdleTimeout()),
		custom:    map[string]CustomHandler{"echo": echoHandler},
		logger:    opts.Logger.With(logging.KeyComponent, "server"),
		metrics:   opts.Metrics,
		conns:     make(map[*conn]struct{}),
	}
	for name, h := range opts.Custom {
		s.custom[name] = h
	}
	s.sessions.OnDestroy(s.sessionDestroyed)
	return s, nil
}

func echoHandler(_ context.Context, _ *session.Session, payload []byte) ([]byte, error) {
	return payload, nil
}

// sessionDestroyed releases what the session still holds.
func (s *Server) sessionDestroyed(sess *session.Session) {
	streams := s.streams.dropSession(sess.Index)
	files := s.resources.ReleaseSession(sess.Index)
	s.metrics.RecordSessionDestroyed()
	s.logger.Debug("session resources released",
		logging.KeySession, sess.Index,
		"streams", streams,
		"files", files)
}

// Filesystem returns the served roots.
func (s *Server) Filesystem() *Filesystem { return s.fs }

// Sessions returns the session registry.
func (s *Server) Sessions() *session.Registry { return s.sessions }

// Resources returns the file resource table.
func (s *Server) Resources() *resource.Manager { return s.resources }

// Serve accepts connections from ln until ctx is cancelled or the
// listener fails. It also runs the idle sweeper.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recovery.Go(s.logger, "server.sweeper", func() { s.resources.Run(ctx) })
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logger.Info("server listening", logging.KeyAddress, ln.Addr().String(), logging.KeyTransport, s.opts.Transport)
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, c)
		}()
	}
}

// ServeConn serves one connection until it closes. Connections that open
// with a relay control unit go to the relay.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) {
	defer recovery.RecoverWithLog(s.logger, "server.conn")

	br := bufio.NewReaderSize(nc, protocol.HeaderSize)
	if d := s.opts.Endpoint.ReceiveTimeout; d > 0 {
		_ = nc.SetReadDeadline(time.Now().Add(d))
	}
	first, err := br.Peek(1)
	_ = nc.SetReadDeadline(time.Time{})
	if err != nil {
		nc.Close()
		return
	}
	pc := &peekedConn{Conn: nc, r: br}

	if first[0] == protocol.ProxyMarker {
		if s.opts.Relay == nil {
			s.logger.Debug("relay traffic on a server without relay", logging.KeyRemoteAddr, nc.RemoteAddr().String())
			nc.Close()
			return
		}
		s.opts.Relay.Handle(ctx, pc)
		return
	}

	c := s.newConn(pc)
	if !s.track(c) {
		c.ep.Abort()
		return
	}
	defer s.untrack(c)
	c.serve(ctx)
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Connections returns the number of connections being served.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close disconnects every client, waits for their loops and closes all
// open files.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.ep.Close()
	}
	s.wg.Wait()
	return s.resources.Close()
}

// peekedConn reads through the buffer that held the peeked byte.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
