package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidFrame is returned when encoded bytes are malformed or truncated.
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrUnknownMessageType is returned for tags that have no registered message.
	ErrUnknownMessageType = errors.New("unknown message type")
)

// ticksAtUnixEpoch is the number of 100ns ticks between 0001-01-01 and 1970-01-01.
const ticksAtUnixEpoch int64 = 621355968000000000

// maxTicks is 9999-12-31T23:59:59.9999999.
const maxTicks int64 = 3155378975999999999

// TimeToTicks converts t to 100ns ticks since 0001-01-01 UTC.
// The zero time encodes as 0.
func TimeToTicks(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()*10_000_000 + int64(t.Nanosecond()/100) + ticksAtUnixEpoch
}

// TicksToTime is the inverse of TimeToTicks.
func TicksToTime(ticks int64) time.Time {
	if ticks == 0 {
		return time.Time{}
	}
	d := ticks - ticksAtUnixEpoch
	sec, rem := d/10_000_000, d%10_000_000
	if rem < 0 {
		sec--
		rem += 10_000_000
	}
	return time.Unix(sec, rem*100).UTC()
}

// Record is implemented by values that serialize themselves into a Buffer.
type Record interface {
	MarshalTo(b *Buffer)
}

// Buffer accumulates little-endian encoded values.
// The zero value is ready to use.
type Buffer struct {
	buf []byte
}

// NewBuffer returns a Buffer with the given initial capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded bytes.
func (b *Buffer) Bytes() []byte { return b.buf }

// Len returns the number of encoded bytes.
func (b *Buffer) Len() int { return len(b.buf) }

// grow makes room for n more bytes, doubling capacity when needed.
func (b *Buffer) grow(n int) {
	if cap(b.buf)-len(b.buf) >= n {
		return
	}
	newCap := cap(b.buf) * 2
	if newCap < len(b.buf)+n {
		newCap = len(b.buf) + n
	}
	if newCap < 64 {
		newCap = 64
	}
	nb := make([]byte, len(b.buf), newCap)
	copy(nb, b.buf)
	b.buf = nb
}

func (b *Buffer) WriteBool(v bool) {
	if v {
		b.PutByte(1)
	} else {
		b.PutByte(0)
	}
}

// PutByte appends one byte.
func (b *Buffer) PutByte(v byte) {
	b.grow(1)
	b.buf = append(b.buf, v)
}

func (b *Buffer) WriteUint16(v uint16) {
	b.grow(2)
	b.buf = binary.LittleEndian.AppendUint16(b.buf, v)
}

func (b *Buffer) WriteInt32(v int32) {
	b.grow(4)
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(v))
}

func (b *Buffer) WriteInt64(v int64) {
	b.grow(8)
	b.buf = binary.LittleEndian.AppendUint64(b.buf, uint64(v))
}

// WriteRaw appends p without a length prefix.
func (b *Buffer) WriteRaw(p []byte) {
	b.grow(len(p))
	b.buf = append(b.buf, p...)
}

// WriteBytes appends a 4-byte length followed by p.
func (b *Buffer) WriteBytes(p []byte) {
	b.WriteInt32(int32(len(p)))
	b.WriteRaw(p)
}

// WriteString appends a 4-byte byte count followed by the UTF-8 bytes of s.
func (b *Buffer) WriteString(s string) {
	b.WriteInt32(int32(len(s)))
	b.grow(len(s))
	b.buf = append(b.buf, s...)
}

// WriteTime appends t as 8-byte ticks.
func (b *Buffer) WriteTime(t time.Time) {
	b.WriteInt64(TimeToTicks(t))
}

// WriteBools appends a 4-byte count followed by one byte per flag.
func (b *Buffer) WriteBools(v []bool) {
	b.WriteInt32(int32(len(v)))
	b.grow(len(v))
	for _, f := range v {
		if f {
			b.buf = append(b.buf, 1)
		} else {
			b.buf = append(b.buf, 0)
		}
	}
}

// WriteRecord appends r as a 4-byte length followed by its bytes.
func (b *Buffer) WriteRecord(r Record) {
	start := len(b.buf)
	b.WriteInt32(0)
	r.MarshalTo(b)
	binary.LittleEndian.PutUint32(b.buf[start:], uint32(len(b.buf)-start-4))
}

// Reader decodes values written by Buffer.
// The first failure is sticky: later reads return zero values and Err reports it.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a Reader over p.
func NewReader(p []byte) *Reader {
	return &Reader{buf: p}
}

// Err returns the first decoding error.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: "+format, append([]any{ErrInvalidFrame}, args...)...)
	}
}

func (r *Reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > r.Remaining() {
		r.fail("%s truncated at offset %d (need %d, have %d)", what, r.off, n, r.Remaining())
		return nil
	}
	p := r.buf[r.off : r.off+n]
	r.off += n
	return p
}

func (r *Reader) length(what string) int {
	n := r.Int32()
	if r.err != nil {
		return 0
	}
	if n < 0 {
		r.fail("negative %s length %d", what, n)
		return 0
	}
	return int(n)
}

func (r *Reader) Byte() byte {
	p := r.take(1, "byte")
	if p == nil {
		return 0
	}
	return p[0]
}

func (r *Reader) Bool() bool {
	return r.Byte() != 0
}

func (r *Reader) Uint16() uint16 {
	p := r.take(2, "uint16")
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(p)
}

func (r *Reader) Int32() int32 {
	p := r.take(4, "int32")
	if p == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(p))
}

func (r *Reader) Int64() int64 {
	p := r.take(8, "int64")
	if p == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(p))
}

// Raw reads n bytes without a length prefix. The result aliases the input.
func (r *Reader) Raw(n int) []byte {
	return r.take(n, "raw")
}

// Bytes reads a length-prefixed blob into a fresh slice.
func (r *Reader) Bytes() []byte {
	n := r.length("bytes")
	p := r.take(n, "bytes")
	if p == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, p)
	return out
}

func (r *Reader) String() string {
	n := r.length("string")
	p := r.take(n, "string")
	if p == nil {
		return ""
	}
	return string(p)
}

func (r *Reader) Time() time.Time {
	ticks := r.Int64()
	if r.err != nil {
		return time.Time{}
	}
	if ticks < 0 || ticks > maxTicks {
		r.fail("time ticks %d out of range", ticks)
		return time.Time{}
	}
	return TicksToTime(ticks)
}

func (r *Reader) Bools() []bool {
	n := r.length("bool list")
	p := r.take(n, "bool list")
	if p == nil {
		return nil
	}
	out := make([]bool, n)
	for i, v := range p {
		out[i] = v != 0
	}
	return out
}

// Count reads a 4-byte element count. Each element needs at least minSize
// bytes, which bounds allocations driven by a corrupt count.
func (r *Reader) Count(minSize int) int {
	n := r.length("list")
	if r.err != nil {
		return 0
	}
	if minSize > 0 && n > r.Remaining()/minSize {
		r.fail("list count %d exceeds remaining %d bytes", n, r.Remaining())
		return 0
	}
	return n
}

// Record reads a length-prefixed record and returns a Reader limited to it.
func (r *Reader) Record() *Reader {
	n := r.length("record")
	p := r.take(n, "record")
	if p == nil {
		return &Reader{err: r.err}
	}
	return NewReader(p)
}
