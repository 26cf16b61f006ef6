package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/postalsys/fileferry/internal/crypto"
	"github.com/postalsys/fileferry/internal/endpoint"
	"github.com/postalsys/fileferry/internal/framing"
	"github.com/postalsys/fileferry/internal/logging"
	"github.com/postalsys/fileferry/internal/metrics"
	"github.com/postalsys/fileferry/internal/protocol"
	"github.com/postalsys/fileferry/internal/recovery"
	"github.com/postalsys/fileferry/internal/resource"
	"github.com/postalsys/fileferry/internal/session"
)

// conn is one client connection: a receive loop that answers setup
// messages inline and runs file requests concurrently.
type conn struct {
	srv    *Server
	ep     *endpoint.Endpoint
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu       sync.RWMutex
	sess     *session.Session
	keyed    bool
	inflight sync.WaitGroup
}

func (s *Server) newConn(nc net.Conn) *conn {
	opts := s.opts.Endpoint
	opts.Proxied = false
	opts.OnControl = nil
	ep := endpoint.New(nc, opts)
	return &conn{
		srv:    s,
		ep:     ep,
		logger: logging.ForConn(s.logger, "conn", ep.RemoteAddr()),
		sem:    semaphore.NewWeighted(int64(s.opts.HandlerConcurrency)),
	}
}

func (c *conn) session() *session.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

// serve runs the receive loop. Up to MaxFailures consecutive non-fatal
// errors are tolerated; remote close, framing errors and unknown message
// types end the connection at once.
func (c *conn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m := c.srv.metrics
	m.RecordConnOpen(metrics.RoleServer, c.srv.opts.Transport)
	c.logger.Debug("connection opened")
	reason := "closed"

	defer func() {
		cancel()
		c.ep.Close()
		c.inflight.Wait()
		if s := c.session(); s != nil {
			c.srv.sessions.Release(s)
		}
		st := c.ep.Stats()
		m.RecordTraffic(metrics.RoleServer, st.BytesSent, st.BytesReceived, st.PacketsSent, st.PacketsReceived)
		m.RecordConnClose(metrics.RoleServer, reason)
		c.logger.Debug("connection closed", "reason", reason)
	}()

	c.ep.SetDuplex(true)
	failures := 0
	for {
		h, payload, err := c.ep.ReceiveBytes()
		if err != nil {
			if ctx.Err() != nil || framing.IsFatal(err) {
				if !framing.IsRemoteClosed(err) && ctx.Err() == nil {
					reason = "error"
					c.logger.Info("connection failed", logging.Err(err))
				}
				return
			}
			failures++
			if failures >= c.srv.opts.MaxFailures {
				reason = "error"
				c.logger.Warn("too many receive errors", logging.KeyCount, failures, logging.Err(err))
				return
			}
			time.Sleep(c.srv.opts.RetryDelay)
			continue
		}
		failures = 0

		if h.Type == protocol.MsgDisconnectRequest {
			reason = "disconnect"
			return
		}

		id, req, err := protocol.DecodeEnvelope(payload)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownMessageType) || id == uuid.Nil {
				reason = "protocol"
				c.logger.Warn("unreadable request", logging.KeyMessage, h.Type.String(), logging.Err(err))
				return
			}
			c.reply(id, h.Type, nil, fmt.Errorf("%w: %w", protocol.ErrInvalidRequest, err), time.Now())
			continue
		}
		if !req.Type().IsRequest() || req.Type() != h.Type {
			reason = "protocol"
			c.logger.Warn("unexpected message", logging.KeyMessage, req.Type().String())
			return
		}

		switch r := req.(type) {
		case *protocol.KeyExchangeRequest:
			start := time.Now()
			resp, cipher, err := c.keyExchange(r)
			if c.reply(id, req.Type(), resp, err, start) && cipher != nil {
				c.ep.SetSymmetricKey(cipher)
			}
		case *protocol.SessionRequest:
			start := time.Now()
			resp, err := c.openSession(r)
			c.reply(id, req.Type(), resp, err, start)
		default:
			c.dispatch(ctx, id, req)
		}
	}
}

// dispatch runs a request handler in its own goroutine.
func (c *conn) dispatch(ctx context.Context, id uuid.UUID, req protocol.Message) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		start := time.Now()
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer c.sem.Release(1)

		resp, err := c.handle(ctx, req)
		c.reply(id, req.Type(), resp, err, start)
	}()
}

// handle checks the session and calls the handler for req. Panics fail
// the request only.
func (c *conn) handle(ctx context.Context, req protocol.Message) (resp protocol.Message, err error) {
	defer recovery.RecoverToError(&err, "server."+req.Type().String())

	if hb, ok := req.(*protocol.HeartBeatRequest); ok {
		return c.srv.heartbeat(hb), nil
	}
	s := c.session()
	if s == nil {
		return nil, &session.AuthError{Reason: "no session"}
	}
	return c.srv.handle(ctx, s, req)
}

// reply sends resp, or an error response built from err. It reports
// whether the response was sent.
func (c *conn) reply(id uuid.UUID, reqType protocol.MessageType, resp protocol.Message, err error, start time.Time) bool {
	code := ""
	if err != nil {
		res := resultFor(err)
		code = res.Code.String()
		resp, _ = protocol.NewResponse(reqType, res)
		if res.Code == protocol.ResultAuthDenied {
			c.srv.metrics.RecordAuthFailure()
		}
		c.logger.Debug("request failed",
			logging.KeyRequestID, id.String(),
			logging.KeyMessage, reqType.String(),
			logging.Err(err))
	}
	c.srv.metrics.RecordRequest(reqType.String(), code, time.Since(start))
	if resp == nil {
		return false
	}
	if err := c.ep.SendEnvelope(id, resp); err != nil {
		c.logger.Debug("send response failed", logging.KeyRequestID, id.String(), logging.Err(err))
		return false
	}
	return true
}

func (c *conn) keyExchange(r *protocol.KeyExchangeRequest) (protocol.Message, crypto.Cipher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keyed || c.sess != nil {
		return nil, nil, fmt.Errorf("%w: key exchange must come first and only once", protocol.ErrInvalidRequest)
	}

	suite := c.srv.opts.Cipher
	if r.Cipher != "" {
		s, err := crypto.ParseSuite(r.Cipher)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", protocol.ErrInvalidRequest, err)
		}
		suite = s
	}
	ex, err := crypto.NewExchange()
	if err != nil {
		return nil, nil, err
	}
	key, err := ex.Complete(r.PublicKey, false)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", protocol.ErrInvalidRequest, err)
	}
	cipher, err := crypto.NewCipher(suite, key)
	if err != nil {
		return nil, nil, err
	}
	c.keyed = true
	c.logger.Debug("key exchanged", "cipher", string(suite))
	return &protocol.KeyExchangeResponse{Result: protocol.OK(), PublicKey: ex.PublicKey(), Cipher: string(suite)}, cipher, nil
}

func (c *conn) openSession(r *protocol.SessionRequest) (protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return nil, fmt.Errorf("%w: session already established", protocol.ErrInvalidRequest)
	}
	if c.srv.opts.RequireEncryption && !c.keyed {
		return nil, &session.AuthError{User: r.Username, Reason: "encryption required"}
	}

	var (
		s   *session.Session
		tok protocol.SessionToken
		err error
	)
	if r.Resume != nil {
		s, tok, err = c.srv.sessions.Resume(*r.Resume)
	} else {
		var id session.Identity
		id, err = c.srv.opts.Authenticator.Authenticate(r.Username, r.Password)
		if err == nil {
			s, err = c.srv.sessions.Create(r.Username, id)
			if err == nil {
				c.srv.metrics.RecordSessionCreated()
				tok = s.Token()
			}
		}
	}
	if err != nil {
		c.logger.Info("session refused", logging.KeyUser, r.Username, logging.Err(err))
		return nil, err
	}
	c.sess = s
	c.logger = c.logger.With(logging.KeySession, s.Index)
	return &protocol.SessionResponse{Result: protocol.OK(), Token: tok}, nil
}

// resultFor maps handler errors onto response results.
func resultFor(err error) protocol.Result {
	var pe *recovery.PanicError
	switch {
	case errors.Is(err, session.ErrAccessDenied), errors.Is(err, protocol.ErrAuthDenied):
		return protocol.Failure(protocol.ResultAuthDenied, "%v", err)
	case errors.Is(err, resource.ErrConflict):
		return protocol.Failure(protocol.ResultResourceConflict, "%v", err)
	case errors.Is(err, os.ErrNotExist), errors.Is(err, resource.ErrNotOpen),
		errors.Is(err, resource.ErrClosed), errors.Is(err, errUnknownStream), errors.Is(err, protocol.ErrNotFound):
		return protocol.Failure(protocol.ResultNotFound, "%v", err)
	case errors.Is(err, ErrInvalidPath), errors.Is(err, errBadBlock), errors.Is(err, protocol.ErrInvalidRequest):
		return protocol.Failure(protocol.ResultInvalidRequest, "%v", err)
	case errors.As(err, &pe):
		return protocol.Failure(protocol.ResultIOError, "internal error in %s", pe.Name)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return protocol.Failure(protocol.ResultIOError, "short read: %v", err)
	default:
		return protocol.Failure(protocol.ResultIOError, "%v", err)
	}
}
