// Package endpoint is one side of a fileferry connection: framed messages
// over a transport, with optional sealing once a key is agreed and relay
// control units when the peer is a relay.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/postalsys/fileferry/internal/crypto"
	"github.com/postalsys/fileferry/internal/framing"
	"github.com/postalsys/fileferry/internal/protocol"
	"github.com/postalsys/fileferry/internal/transport"
)

var (
	// ErrConnectTimeout is returned when a dial does not complete in time.
	ErrConnectTimeout = errors.New("connect timed out")

	// ErrNoKey is returned for a sealed message before a key is installed.
	ErrNoKey = errors.New("sealed message received without a session key")

	// ErrRequestMismatch is returned when a lockstep response carries
	// another request's id.
	ErrRequestMismatch = errors.New("response does not match request")
)

// FlagMismatchError reports a message of an unexpected type. The payload
// is kept so callers can surface a server-side message.
type FlagMismatchError struct {
	Expected protocol.MessageType
	Received protocol.MessageType
	Payload  []byte
}

func (e *FlagMismatchError) Error() string {
	msg := fmt.Sprintf("flag mismatch: expected %s, received %s", e.Expected, e.Received)
	if text := e.Text(); text != "" {
		msg += ": " + text
	}
	return msg
}

// Text extracts a human-readable message from the payload: the result
// message of an encoded response, or the payload itself when it is text.
func (e *FlagMismatchError) Text() string {
	if len(e.Payload) == 0 {
		return ""
	}
	if _, m, err := protocol.DecodeEnvelope(e.Payload); err == nil {
		if res, ok := protocol.ResultOf(m); ok {
			return res.Message
		}
	}
	if m, err := protocol.Unmarshal(e.Payload); err == nil {
		if res, ok := protocol.ResultOf(m); ok {
			return res.Message
		}
	}
	if utf8.Valid(e.Payload) && len(e.Payload) <= 512 {
		return string(e.Payload)
	}
	return ""
}

// Options configures an Endpoint.
type Options struct {
	Framing framing.Options

	// Proxied marks the peer as a relay: messages are prefixed and every
	// receive is preceded by a pull.
	Proxied bool

	// ReceiveTimeout bounds lockstep receives. Zero waits indefinitely.
	ReceiveTimeout time.Duration

	// ConnectTimeout bounds Dial.
	ConnectTimeout time.Duration

	// OnControl receives pulls sent by the peer.
	OnControl func(sub byte)
}

// DefaultOptions returns the standard endpoint configuration.
func DefaultOptions() Options {
	f := framing.DefaultOptions()
	f.WriteTimeout = 30 * time.Second
	return Options{
		Framing:        f,
		ReceiveTimeout: 30 * time.Second,
		ConnectTimeout: 5 * time.Second,
	}
}

// closeGrace bounds the disconnect notice sent by Close.
const closeGrace = 500 * time.Millisecond

// Endpoint is safe for concurrent senders and one receiver.
type Endpoint struct {
	conn net.Conn
	fc   *framing.Conn
	opts Options

	cipher    atomic.Pointer[cipherHolder]
	proxied   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

type cipherHolder struct {
	c crypto.Cipher
}

// New wraps an established connection.
func New(conn net.Conn, opts Options) *Endpoint {
	fopts := opts.Framing
	fopts.OnControl = opts.OnControl
	e := &Endpoint{
		conn: conn,
		fc:   framing.NewConn(conn, fopts),
		opts: opts,
	}
	e.SetProxied(opts.Proxied)
	return e
}

// Dial connects to addr and wraps the connection. A dial that outlives
// ConnectTimeout fails with ErrConnectTimeout.
func Dial(ctx context.Context, d transport.Dialer, addr string, opts Options) (*Endpoint, error) {
	dctx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	conn, err := d.Dial(dctx, addr)
	if err != nil {
		if ctx.Err() == nil && (errors.Is(dctx.Err(), context.DeadlineExceeded) || framing.IsTimeout(err)) {
			return nil, fmt.Errorf("%w: %s after %s", ErrConnectTimeout, addr, opts.ConnectTimeout)
		}
		return nil, err
	}
	return New(conn, opts), nil
}

// Conn returns the underlying connection.
func (e *Endpoint) Conn() net.Conn { return e.conn }

// RemoteAddr returns the peer address as a string.
func (e *Endpoint) RemoteAddr() string {
	if a := e.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// SetProxied switches relay prefixes and pulls on or off.
func (e *Endpoint) SetProxied(on bool) {
	e.proxied.Store(on)
	e.fc.SetPrefix(on)
}

// Proxied reports whether the peer is treated as a relay.
func (e *Endpoint) Proxied() bool { return e.proxied.Load() }

// SetDuplex selects duplex mode; see framing.Conn.SetDuplex.
func (e *Endpoint) SetDuplex(on bool) { e.fc.SetDuplex(on) }

// SetSymmetricKey installs the connection cipher. Later SendBytes calls
// are sealed; header-only sends stay plain.
func (e *Endpoint) SetSymmetricKey(c crypto.Cipher) {
	if c == nil {
		e.cipher.Store(nil)
		return
	}
	e.cipher.Store(&cipherHolder{c: c})
}

// Encrypted reports whether a key is installed.
func (e *Endpoint) Encrypted() bool { return e.cipher.Load() != nil }

// Stats returns framing counters.
func (e *Endpoint) Stats() framing.Stats { return e.fc.Stats() }

// SendHeader sends a header-only message. It is never sealed so relays can
// observe disconnects.
func (e *Endpoint) SendHeader(h protocol.Header) error {
	return e.fc.SendHeader(h)
}

// SendBytes sends a message with payload, sealed when a key is installed.
func (e *Endpoint) SendBytes(h protocol.Header, payload []byte) error {
	holder := e.cipher.Load()
	if holder == nil {
		return e.fc.SendPayload(h, payload)
	}

	h.PacketCount = 1
	h.TotalLength = int32(len(payload))
	h.RemainingLength = 0
	h.ValidLength = int32(len(payload))
	plain := make([]byte, protocol.HeaderSize+len(payload))
	h.PutTo(plain)
	copy(plain[protocol.HeaderSize:], payload)

	env, err := holder.c.Seal(plain)
	if err != nil {
		return err
	}
	return e.fc.SendSealed(env)
}

// SendMessage encodes m without an envelope and sends it.
func (e *Endpoint) SendMessage(m protocol.Message, arg1 int32) error {
	return e.SendBytes(protocol.Header{Type: m.Type(), Arg1: arg1}, protocol.Marshal(m))
}

// SendEnvelope sends m wrapped in a request envelope.
func (e *Endpoint) SendEnvelope(id uuid.UUID, m protocol.Message) error {
	return e.SendBytes(protocol.Header{Type: m.Type()}, protocol.EncodeEnvelope(id, m))
}

// Pull asks the relay in front of this endpoint for one message.
func (e *Endpoint) Pull() error {
	return e.fc.SendControl(protocol.ControlReceiveBytes)
}

// ReceiveRaw returns the next message without opening sealed envelopes.
// Relays use it to forward traffic they cannot read.
func (e *Endpoint) ReceiveRaw() (*framing.Message, error) {
	if e.proxied.Load() {
		if err := e.Pull(); err != nil {
			return nil, err
		}
	}
	return e.fc.Receive()
}

// Forward re-sends a raw message on this endpoint.
func (e *Endpoint) Forward(m *framing.Message) error {
	return e.fc.Forward(m)
}

// ReceiveBytes returns the next message, opening it when sealed.
// Header-only messages return a nil payload.
func (e *Endpoint) ReceiveBytes() (protocol.Header, []byte, error) {
	m, err := e.ReceiveRaw()
	if err != nil {
		return protocol.Header{}, nil, err
	}
	return e.open(m)
}

func (e *Endpoint) open(m *framing.Message) (protocol.Header, []byte, error) {
	if !m.Sealed {
		return m.Header, m.Payload, nil
	}
	holder := e.cipher.Load()
	if holder == nil {
		return protocol.Header{}, nil, ErrNoKey
	}
	plain, err := holder.c.Open(m.Payload)
	if err != nil {
		return protocol.Header{}, nil, fmt.Errorf("%w: %w", framing.ErrInvalidHeader, err)
	}
	h, err := protocol.DecodeHeader(plain)
	if err != nil {
		return protocol.Header{}, nil, fmt.Errorf("%w: sealed header: %w", framing.ErrInvalidHeader, err)
	}
	return h, plain[protocol.HeaderSize:], nil
}

// ReceiveBytesExpecting performs a lockstep receive bounded by
// ReceiveTimeout and checks the message type.
func (e *Endpoint) ReceiveBytesExpecting(want protocol.MessageType) ([]byte, error) {
	h, payload, err := e.receiveWithin(e.opts.ReceiveTimeout)
	if err != nil {
		return nil, err
	}
	if h.Type != want {
		return nil, &FlagMismatchError{Expected: want, Received: h.Type, Payload: payload}
	}
	return payload, nil
}

func (e *Endpoint) receiveWithin(d time.Duration) (protocol.Header, []byte, error) {
	if d > 0 {
		_ = e.conn.SetReadDeadline(time.Now().Add(d))
		defer e.conn.SetReadDeadline(time.Time{})
	}
	return e.ReceiveBytes()
}

// Call sends req in an envelope and waits for its response in lockstep.
// Only valid before the endpoint is handed to a receive loop.
func (e *Endpoint) Call(req protocol.Message) (protocol.Message, error) {
	respType, ok := protocol.ResponseType(req.Type())
	if !ok {
		return nil, fmt.Errorf("%s is not a request", req.Type())
	}
	id := uuid.New()
	if err := e.SendEnvelope(id, req); err != nil {
		return nil, err
	}
	payload, err := e.ReceiveBytesExpecting(respType)
	if err != nil {
		return nil, err
	}
	gotID, resp, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		return nil, err
	}
	if gotID != id {
		return nil, fmt.Errorf("%w: sent %s, got %s", ErrRequestMismatch, id, gotID)
	}
	return resp, nil
}

// Exchange sends a relay message and waits for its typed response in
// lockstep. Relay messages carry no envelope.
func (e *Endpoint) Exchange(req protocol.Message, arg1 int32) (protocol.Message, error) {
	respType, ok := protocol.ResponseType(req.Type())
	if !ok {
		return nil, fmt.Errorf("%s is not a request", req.Type())
	}
	if err := e.SendMessage(req, arg1); err != nil {
		return nil, err
	}
	payload, err := e.ReceiveBytesExpecting(respType)
	if err != nil {
		return nil, err
	}
	return protocol.Unmarshal(payload)
}

// Close sends a best-effort disconnect and closes the connection.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		done := make(chan struct{})
		go func() {
			_ = e.fc.SendHeader(protocol.Header{Type: protocol.MsgDisconnectRequest})
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(closeGrace):
		}
		e.fc.Close()
		err = e.conn.Close()
	})
	return err
}

// Abort closes the connection without a disconnect message.
func (e *Endpoint) Abort() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.fc.Close()
		err = e.conn.Close()
	})
	return err
}

// Closed reports whether Close or Abort was called.
func (e *Endpoint) Closed() bool { return e.closed.Load() }
