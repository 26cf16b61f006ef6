// Package framing moves messages over a byte stream as fixed-size packets.
//
// A message larger than the data size is split into packets. After every
// non-final packet the receiver answers with a continue signal, and the
// sender waits for that credit before writing the next packet. Three unit
// kinds can appear at any packet boundary and are told apart by their lead
// byte: relay control units (0xA3), legacy headers framing sealed envelopes
// (0xE5) and canonical headers.
package framing

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/fileferry/internal/protocol"
)

var (
	// ErrInvalidHeader is returned when a unit on the wire is malformed or
	// arrives where it cannot be accepted.
	ErrInvalidHeader = errors.New("invalid packet header")

	// ErrRemoteClosed is returned when the peer has closed the stream.
	ErrRemoteClosed = errors.New("remote closed connection")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connection closed")

	// ErrMessageTooLarge is returned for messages above MaxMessageSize.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")

	// ErrCreditTimeout is returned when no continue signal arrives in time.
	ErrCreditTimeout = errors.New("timed out waiting for continue signal")
)

// maxZeroReads is the number of consecutive empty reads treated as a
// closed stream.
const maxZeroReads = 3

// creditBacklog bounds continue signals buffered ahead of the sender.
const creditBacklog = 64

// Options configures a Conn.
type Options struct {
	// DataSize is the maximum payload per packet.
	DataSize int

	// PadPackets pads canonical data packets to DataSize. Sealed packets
	// are always padded.
	PadPackets bool

	// MaxMessageSize caps the total payload of one message.
	MaxMessageSize int

	// CreditTimeout bounds the wait for a continue signal in duplex mode.
	// Zero waits until Close.
	CreditTimeout time.Duration

	// WriteTimeout bounds each physical write when the stream supports
	// deadlines. Zero disables it.
	WriteTimeout time.Duration

	// OnControl receives relay control units that do not prefix a message.
	OnControl func(sub byte)
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// DefaultOptions returns the standard packet geometry.
func DefaultOptions() Options {
	return Options{
		DataSize:       protocol.DefaultDataSize,
		MaxMessageSize: 64 << 20,
		CreditTimeout:  30 * time.Second,
	}
}

// Message is one reassembled message.
type Message struct {
	// Header is the canonical header of the first packet. Unset for sealed
	// messages, whose header travels inside the ciphertext.
	Header protocol.Header

	Payload []byte

	// Sealed marks a legacy-framed encrypted envelope.
	Sealed bool

	// Control is the relay control code that prefixed the message, or 0.
	Control byte
}

// Stats counts traffic on a Conn.
type Stats struct {
	PacketsSent     int64
	PacketsReceived int64
	BytesSent       int64
	BytesReceived   int64
	CreditsSent     int64
	CreditsReceived int64
}

// Conn frames messages over a stream. Any number of goroutines may send;
// one goroutine receives at a time.
type Conn struct {
	r    io.Reader
	w    io.Writer
	opts Options

	prefix atomic.Bool
	duplex atomic.Bool

	// sendMu serialises whole messages, writeMu serialises physical units.
	// Continue signals take only writeMu so a receiver never waits behind a
	// sender that is itself waiting for credit.
	sendMu  sync.Mutex
	writeMu sync.Mutex
	readMu  sync.Mutex

	credits   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	scratch   []byte

	// Continue signals go through creditq to a writer goroutine so Receive
	// never blocks on a peer whose reader is itself stuck writing.
	creditq    chan bool
	creditOnce sync.Once
	creditDone chan struct{}
	creditErr  error

	packetsSent     atomic.Int64
	packetsReceived atomic.Int64
	bytesSent       atomic.Int64
	bytesReceived   atomic.Int64
	creditsSent     atomic.Int64
	creditsReceived atomic.Int64
}

// NewConn wraps rw. Zero option fields take their defaults.
func NewConn(rw io.ReadWriter, opts Options) *Conn {
	def := DefaultOptions()
	if opts.DataSize <= 0 {
		opts.DataSize = def.DataSize
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = def.MaxMessageSize
	}
	return &Conn{
		r:       rw,
		w:       rw,
		opts:    opts,
		credits:    make(chan struct{}, creditBacklog),
		closed:     make(chan struct{}),
		scratch:    make([]byte, opts.DataSize),
		creditq:    make(chan bool, creditBacklog),
		creditDone: make(chan struct{}),
	}
}

// Options returns the effective options.
func (c *Conn) Options() Options { return c.opts }

// SetPrefix makes every outgoing message start with a relay control unit.
// Used on legs whose far end is a relay.
func (c *Conn) SetPrefix(on bool) { c.prefix.Store(on) }

// Prefixed reports whether outgoing messages carry a control prefix.
func (c *Conn) Prefixed() bool { return c.prefix.Load() }

// SetDuplex selects how continue signals reach a sender. In duplex mode a
// dedicated goroutine is always in Receive and routes credits to senders.
// Otherwise a sender reads its own credits from the stream.
func (c *Conn) SetDuplex(on bool) { c.duplex.Store(on) }

// Duplex reports the current mode.
func (c *Conn) Duplex() bool { return c.duplex.Load() }

// Close releases goroutines waiting for credits and stops the credit
// writer. The stream is left open.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Stats returns a snapshot of the traffic counters.
func (c *Conn) Stats() Stats {
	return Stats{
		PacketsSent:     c.packetsSent.Load(),
		PacketsReceived: c.packetsReceived.Load(),
		BytesSent:       c.bytesSent.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		CreditsSent:     c.creditsSent.Load(),
		CreditsReceived: c.creditsReceived.Load(),
	}
}

// ============================================================================
// Sending
// ============================================================================

// SendHeader sends a header-only message.
func (c *Conn) SendHeader(h protocol.Header) error {
	h.PacketCount = 0
	h.TotalLength = 0
	h.RemainingLength = 0
	h.ValidLength = 0

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var unit []byte
	if c.prefix.Load() {
		unit = append(unit, protocol.ProxyMarker, protocol.ControlSendHeader)
	}
	unit = append(unit, h.Encode()...)
	return c.writeUnit(unit, 0)
}

// SendPayload sends a canonical message, segmenting as needed.
func (c *Conn) SendPayload(h protocol.Header, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sendSegments(h, payload, false)
}

// SendSealed sends an encrypted envelope in legacy framing. An empty
// envelope goes out as a header-only unit.
func (c *Conn) SendSealed(envelope []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sendSegments(protocol.Header{}, envelope, true)
}

// Forward sends a message received from another Conn.
func (c *Conn) Forward(m *Message) error {
	switch {
	case m.Sealed:
		return c.SendSealed(m.Payload)
	case m.Header.IsHeaderOnly():
		return c.SendHeader(m.Header)
	default:
		return c.SendPayload(m.Header, m.Payload)
	}
}

// SendControl writes a bare relay control unit.
func (c *Conn) SendControl(sub byte) error {
	return c.writeUnit([]byte{protocol.ProxyMarker, sub}, 0)
}

func (c *Conn) sendSegments(h protocol.Header, payload []byte, sealed bool) error {
	total := len(payload)
	if total > c.opts.MaxMessageSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, total, c.opts.MaxMessageSize)
	}

	if sealed && total == 0 {
		var unit []byte
		if c.prefix.Load() {
			unit = append(unit, protocol.ProxyMarker, protocol.ControlSendHeader)
		}
		unit = append(unit, protocol.LegacyHeader{Tag: protocol.LegacyHeaderOnly}.Encode()...)
		if err := c.writeUnit(unit, 0); err != nil {
			return err
		}
		c.packetsSent.Add(1)
		return nil
	}

	ds := c.opts.DataSize
	count := protocol.PacketCount(total, ds)
	for i := 0; i < count; i++ {
		start := i * ds
		end := min(start+ds, total)
		chunk := payload[start:end]

		var unit []byte
		if i == 0 && c.prefix.Load() {
			unit = append(unit, protocol.ProxyMarker, protocol.ControlSendBytes)
		}
		pad := 0
		if sealed {
			lh := protocol.LegacyHeader{
				Tag:             protocol.LegacyEnvelope,
				ValidLength:     int32(len(chunk)),
				RemainingLength: int32(total - end),
				TotalLength:     int32(total),
			}
			unit = append(unit, lh.Encode()...)
			pad = ds - len(chunk)
		} else {
			h.PacketCount = int32(count)
			h.TotalLength = int32(total)
			h.RemainingLength = int32(total - end)
			h.ValidLength = int32(len(chunk))
			unit = append(unit, h.Encode()...)
			if c.opts.PadPackets {
				pad = ds - len(chunk)
			}
		}
		unit = append(unit, chunk...)
		if pad > 0 {
			unit = append(unit, make([]byte, pad)...)
		}

		if err := c.writeUnit(unit, len(chunk)); err != nil {
			return err
		}
		c.packetsSent.Add(1)

		if i < count-1 {
			if err := c.awaitCredit(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Conn) writeUnit(unit []byte, dataBytes int) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.opts.WriteTimeout > 0 {
		if d, ok := c.w.(writeDeadliner); ok {
			_ = d.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			defer d.SetWriteDeadline(time.Time{})
		}
	}
	if _, err := c.w.Write(unit); err != nil {
		return err
	}
	c.bytesSent.Add(int64(dataBytes))
	return nil
}

// sendCredit queues a continue signal for the credit writer.
func (c *Conn) sendCredit(sealed bool) error {
	c.creditOnce.Do(func() { go c.creditLoop() })

	select {
	case <-c.creditDone:
		return c.creditErr
	default:
	}
	select {
	case c.creditq <- sealed:
		c.creditsSent.Add(1)
		return nil
	case <-c.creditDone:
		return c.creditErr
	case <-c.closed:
		return ErrClosed
	}
}

// creditLoop writes queued continue signals until Close or a write error.
func (c *Conn) creditLoop() {
	defer close(c.creditDone)
	for {
		select {
		case sealed := <-c.creditq:
			var unit []byte
			if sealed {
				unit = protocol.LegacyHeader{Tag: protocol.LegacyContinue}.Encode()
			} else {
				unit = protocol.Header{Type: protocol.MsgContinue}.Encode()
			}
			if err := c.writeUnit(unit, 0); err != nil {
				c.creditErr = err
				return
			}
		case <-c.closed:
			c.creditErr = ErrClosed
			return
		}
	}
}

// awaitCredit blocks until the receiver acknowledges the last packet.
func (c *Conn) awaitCredit() error {
	select {
	case <-c.credits:
		return nil
	default:
	}

	if c.duplex.Load() {
		var timeout <-chan time.Time
		if c.opts.CreditTimeout > 0 {
			timer := time.NewTimer(c.opts.CreditTimeout)
			defer timer.Stop()
			timeout = timer.C
		}
		select {
		case <-c.credits:
			return nil
		case <-c.closed:
			return ErrClosed
		case <-timeout:
			return fmt.Errorf("%w after %s", ErrCreditTimeout, c.opts.CreditTimeout)
		}
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		u, err := c.readUnit()
		if err != nil {
			return err
		}
		switch u.kind {
		case unitCredit:
			c.creditsReceived.Add(1)
			return nil
		case unitControl:
			if err := c.handleControl(u.sub); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: expected continue signal, got %s", ErrInvalidHeader, u)
		}
	}
}

// ============================================================================
// Receiving
// ============================================================================

// Receive reads the next message, answering each non-final packet with a
// continue signal. Credits and bare control units met on the way are
// dispatched and skipped.
func (c *Conn) Receive() (*Message, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	var control byte
	first, err := c.nextData(&control)
	if err != nil {
		return nil, err
	}

	if first.sealed && first.legacy.Tag == protocol.LegacyHeaderOnly {
		return &Message{Sealed: true, Control: control}, nil
	}
	if !first.sealed && first.header.IsHeaderOnly() {
		if first.header.TotalLength != 0 {
			return nil, fmt.Errorf("%w: header-only message declares %d bytes", ErrInvalidHeader, first.header.TotalLength)
		}
		return &Message{Header: first.header, Control: control}, nil
	}

	total := first.total()
	if total > c.opts.MaxMessageSize {
		return nil, fmt.Errorf("%w: %w: %d > %d bytes", ErrInvalidHeader, ErrMessageTooLarge, total, c.opts.MaxMessageSize)
	}

	payload := make([]byte, total)
	off := 0
	u := first
	for {
		valid := u.valid()
		if valid > c.opts.DataSize || off+valid+u.remaining() != total {
			return nil, fmt.Errorf("%w: packet lengths inconsistent (offset=%d valid=%d remaining=%d total=%d)",
				ErrInvalidHeader, off, valid, u.remaining(), total)
		}
		if err := c.readBody(u, payload[off:off+valid]); err != nil {
			return nil, err
		}
		off += valid
		c.packetsReceived.Add(1)
		c.bytesReceived.Add(int64(valid))

		if u.remaining() == 0 {
			break
		}
		if err := c.sendCredit(u.sealed); err != nil {
			return nil, err
		}
		next, err := c.nextData(nil)
		if err != nil {
			return nil, err
		}
		if next.sealed != first.sealed || next.total() != total {
			return nil, fmt.Errorf("%w: continuation %s does not match message", ErrInvalidHeader, next)
		}
		u = next
	}

	m := &Message{Payload: payload, Sealed: first.sealed, Control: control}
	if !first.sealed {
		m.Header = first.header
	}
	return m, nil
}

// nextData reads units until a data unit arrives. A message prefix is
// accepted only when control is non-nil.
func (c *Conn) nextData(control *byte) (unit, error) {
	for {
		u, err := c.readUnit()
		if err != nil {
			return unit{}, err
		}
		switch u.kind {
		case unitData:
			return u, nil
		case unitCredit:
			c.creditsReceived.Add(1)
			select {
			case c.credits <- struct{}{}:
			default:
				return unit{}, fmt.Errorf("%w: unexpected continue signal", ErrInvalidHeader)
			}
		case unitControl:
			if u.sub == protocol.ControlSendHeader || u.sub == protocol.ControlSendBytes {
				if control == nil || *control != 0 {
					return unit{}, fmt.Errorf("%w: message prefix inside a message", ErrInvalidHeader)
				}
				*control = u.sub
				continue
			}
			if err := c.handleControl(u.sub); err != nil {
				return unit{}, err
			}
		}
	}
}

func (c *Conn) handleControl(sub byte) error {
	switch sub {
	case protocol.ControlReceiveHead, protocol.ControlReceiveBytes:
		if c.opts.OnControl != nil {
			c.opts.OnControl(sub)
		}
		return nil
	default:
		return fmt.Errorf("%w: unexpected control unit %s", ErrInvalidHeader, protocol.ControlName(sub))
	}
}

type unitKind int

const (
	unitData unitKind = iota
	unitCredit
	unitControl
)

type unit struct {
	kind   unitKind
	sub    byte
	sealed bool
	header protocol.Header
	legacy protocol.LegacyHeader
}

func (u unit) total() int {
	if u.sealed {
		return int(u.legacy.TotalLength)
	}
	return int(u.header.TotalLength)
}

func (u unit) remaining() int {
	if u.sealed {
		return int(u.legacy.RemainingLength)
	}
	return int(u.header.RemainingLength)
}

func (u unit) valid() int {
	if u.sealed {
		return int(u.legacy.ValidLength)
	}
	return int(u.header.ValidLength)
}

func (u unit) String() string {
	switch u.kind {
	case unitCredit:
		return "continue signal"
	case unitControl:
		return "control " + protocol.ControlName(u.sub)
	}
	if u.sealed {
		return fmt.Sprintf("sealed packet (valid=%d remaining=%d total=%d)",
			u.legacy.ValidLength, u.legacy.RemainingLength, u.legacy.TotalLength)
	}
	return fmt.Sprintf("%s packet (valid=%d remaining=%d total=%d)",
		u.header.Type, u.header.ValidLength, u.header.RemainingLength, u.header.TotalLength)
}

func (c *Conn) readUnit() (unit, error) {
	var buf [protocol.HeaderSize]byte
	if err := c.readFull(buf[:1]); err != nil {
		return unit{}, err
	}

	switch buf[0] {
	case protocol.ProxyMarker:
		if err := c.readFull(buf[1:protocol.ControlSize]); err != nil {
			return unit{}, err
		}
		return unit{kind: unitControl, sub: buf[1]}, nil

	case protocol.LegacyMarker:
		if err := c.readFull(buf[1:protocol.LegacyHeaderSize]); err != nil {
			return unit{}, err
		}
		lh, err := protocol.DecodeLegacyHeader(buf[:protocol.LegacyHeaderSize])
		if err != nil {
			return unit{}, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
		}
		if lh.Tag == protocol.LegacyContinue {
			return unit{kind: unitCredit}, nil
		}
		return unit{kind: unitData, sealed: true, legacy: lh}, nil

	default:
		if err := c.readFull(buf[1:]); err != nil {
			return unit{}, err
		}
		h, err := protocol.DecodeHeader(buf[:])
		if err != nil {
			return unit{}, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
		}
		if h.Type == protocol.MsgContinue {
			return unit{kind: unitCredit}, nil
		}
		if !h.Type.Known() {
			return unit{}, fmt.Errorf("%w: unknown message type %s", ErrInvalidHeader, h.Type)
		}
		return unit{kind: unitData, header: h}, nil
	}
}

// readBody reads the packet's payload into dst and discards its padding.
func (c *Conn) readBody(u unit, dst []byte) error {
	if err := c.readFull(dst); err != nil {
		return err
	}
	pad := 0
	if u.sealed || c.opts.PadPackets {
		pad = c.opts.DataSize - len(dst)
	}
	if pad > 0 {
		return c.readFull(c.scratch[:pad])
	}
	return nil
}

// readFull fills buf, treating EOF or repeated empty reads as a closed peer.
func (c *Conn) readFull(buf []byte) error {
	zeroReads := 0
	for off := 0; off < len(buf); {
		n, err := c.r.Read(buf[off:])
		off += n
		if err != nil {
			if off == len(buf) && errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: %v", ErrRemoteClosed, err)
			}
			return err
		}
		if n == 0 {
			zeroReads++
			if zeroReads >= maxZeroReads {
				return fmt.Errorf("%w: %d empty reads", ErrRemoteClosed, zeroReads)
			}
			continue
		}
		zeroReads = 0
	}
	return nil
}
