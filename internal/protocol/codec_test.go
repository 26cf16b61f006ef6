package protocol

import (
	"errors"
	"math"
	"testing"
	"time"
)

type pair struct {
	A int32
	B string
}

func (p pair) MarshalTo(b *Buffer) {
	b.WriteInt32(p.A)
	b.WriteString(p.B)
}

func TestPutByte(t *testing.T) {
	var b Buffer
	b.PutByte(0xA3)
	b.PutByte(0)
	if got := b.Bytes(); len(got) != 2 || got[0] != 0xA3 || got[1] != 0 {
		t.Fatalf("Bytes() = % x, want a3 00", got)
	}
	r := NewReader(b.Bytes())
	if got := r.Byte(); got != 0xA3 {
		t.Errorf("Byte() = %#x, want 0xa3", got)
	}
	if got := r.Byte(); got != 0 || r.Err() != nil {
		t.Errorf("Byte() = %#x, err %v, want 0", got, r.Err())
	}
}

func TestBufferRoundTrip(t *testing.T) {
	when := time.Date(2024, 3, 15, 10, 30, 45, 123456700, time.UTC)

	var b Buffer
	b.WriteBool(true)
	b.WriteBool(false)
	b.WriteInt32(math.MinInt32)
	b.WriteInt64(math.MaxInt64)
	b.WriteString("")
	b.WriteString("héllo")
	b.WriteBytes(nil)
	b.WriteBytes([]byte{1, 2, 3})
	b.WriteTime(when)
	b.WriteTime(time.Time{})
	b.WriteBools([]bool{true, false, true})
	b.WriteRecord(pair{A: 7, B: "seven"})

	r := NewReader(b.Bytes())
	if got := r.Bool(); !got {
		t.Errorf("Bool() = %v, want true", got)
	}
	if got := r.Bool(); got {
		t.Errorf("Bool() = %v, want false", got)
	}
	if got := r.Int32(); got != math.MinInt32 {
		t.Errorf("Int32() = %d, want %d", got, math.MinInt32)
	}
	if got := r.Int64(); got != math.MaxInt64 {
		t.Errorf("Int64() = %d, want %d", got, int64(math.MaxInt64))
	}
	if got := r.String(); got != "" {
		t.Errorf("String() = %q, want empty", got)
	}
	if got := r.String(); got != "héllo" {
		t.Errorf("String() = %q, want %q", got, "héllo")
	}
	if got := r.Bytes(); len(got) != 0 {
		t.Errorf("Bytes() = %v, want empty", got)
	}
	if got := r.Bytes(); string(got) != "\x01\x02\x03" {
		t.Errorf("Bytes() = %v, want [1 2 3]", got)
	}
	if got := r.Time(); !got.Equal(when) {
		t.Errorf("Time() = %v, want %v", got, when)
	}
	if got := r.Time(); !got.IsZero() {
		t.Errorf("Time() = %v, want zero", got)
	}
	bools := r.Bools()
	if len(bools) != 3 || !bools[0] || bools[1] || !bools[2] {
		t.Errorf("Bools() = %v, want [true false true]", bools)
	}
	rec := r.Record()
	if a, s := rec.Int32(), rec.String(); a != 7 || s != "seven" {
		t.Errorf("Record() = (%d, %q), want (7, \"seven\")", a, s)
	}
	if err := r.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
	if r.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", r.Remaining())
	}
}

func TestStringLengthIsByteCount(t *testing.T) {
	var b Buffer
	b.WriteString("日本")
	if got := b.Len(); got != 4+6 {
		t.Errorf("encoded length = %d, want 10", got)
	}
}

func TestReaderTruncated(t *testing.T) {
	var b Buffer
	b.WriteString("truncate me")
	data := b.Bytes()[:6]

	r := NewReader(data)
	_ = r.String()
	if !errors.Is(r.Err(), ErrInvalidFrame) {
		t.Fatalf("Err() = %v, want ErrInvalidFrame", r.Err())
	}
	// Sticky: later reads keep returning zero values.
	if got := r.Int32(); got != 0 {
		t.Errorf("Int32() after failure = %d, want 0", got)
	}
}

func TestReaderNegativeLength(t *testing.T) {
	var b Buffer
	b.WriteInt32(-1)
	r := NewReader(b.Bytes())
	if got := r.Bytes(); got != nil {
		t.Errorf("Bytes() = %v, want nil", got)
	}
	if !errors.Is(r.Err(), ErrInvalidFrame) {
		t.Errorf("Err() = %v, want ErrInvalidFrame", r.Err())
	}
}

func TestReaderCountBoundsAllocation(t *testing.T) {
	var b Buffer
	b.WriteInt32(1 << 30)
	r := NewReader(b.Bytes())
	if n := r.Count(8); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
	if r.Err() == nil {
		t.Error("expected error for oversized count")
	}
}

func TestTicks(t *testing.T) {
	tests := []struct {
		name  string
		t     time.Time
		ticks int64
	}{
		{"unix epoch", time.Unix(0, 0).UTC(), ticksAtUnixEpoch},
		{"one tick after epoch", time.Unix(0, 100).UTC(), ticksAtUnixEpoch + 1},
		{"zero", time.Time{}, 0},
		{"max", time.Date(9999, 12, 31, 23, 59, 59, 999999900, time.UTC), maxTicks},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TimeToTicks(tt.t); got != tt.ticks {
				t.Errorf("TimeToTicks() = %d, want %d", got, tt.ticks)
			}
			if got := TicksToTime(tt.ticks); !got.Equal(tt.t) {
				t.Errorf("TicksToTime() = %v, want %v", got, tt.t)
			}
		})
	}
}

func TestTicksBeforeEpoch(t *testing.T) {
	when := time.Date(1601, 1, 1, 0, 0, 0, 300, time.UTC)
	if got := TicksToTime(TimeToTicks(when)); !got.Equal(when) {
		t.Errorf("round trip = %v, want %v", got, when)
	}
}

func TestBufferGrow(t *testing.T) {
	b := NewBuffer(0)
	for i := 0; i < 1000; i++ {
		b.WriteInt64(int64(i))
	}
	r := NewReader(b.Bytes())
	for i := 0; i < 1000; i++ {
		if got := r.Int64(); got != int64(i) {
			t.Fatalf("value %d = %d", i, got)
		}
	}
}
