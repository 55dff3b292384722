package store

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrBadCursor is returned when a cursor string cannot be decoded.
var ErrBadCursor = errors.New("malformed cursor")

// Cursor epoch: October 9, 2024 00:00:00 UTC
var DefaultCursorEpoch = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)

// DefaultCursorInterval is the default time-bucket width.
const DefaultCursorInterval = 20 * time.Second

// cursorWireLen is 4 bytes of time bucket plus 8 bytes of byte offset.
const cursorWireLen = 12

// Cursor is a decoded resume position: a byte offset paired with a
// coarse time bucket. Clients treat the encoded form as opaque.
type Cursor struct {
	TimeBucket uint32
	ByteOffset uint64
}

// IsZero returns true for the zero/starting cursor.
func (c Cursor) IsZero() bool {
	return c.TimeBucket == 0 && c.ByteOffset == 0
}

// CursorCodec encodes and decodes opaque resume tokens. Embedding the
// coarse time bucket keeps client logs diagnosable without exposing
// wall clocks.
type CursorCodec struct {
	Epoch    time.Time
	Interval time.Duration
}

// NewCursorCodec builds a codec with the given reference epoch and
// bucket interval, falling back to the protocol defaults for zero
// values.
func NewCursorCodec(epoch time.Time, interval time.Duration) *CursorCodec {
	if epoch.IsZero() {
		epoch = DefaultCursorEpoch
	}
	if interval <= 0 {
		interval = DefaultCursorInterval
	}
	return &CursorCodec{Epoch: epoch, Interval: interval}
}

// Bucket returns the time bucket for an instant. Instants before the
// epoch collapse to bucket zero.
func (cc *CursorCodec) Bucket(now time.Time) uint32 {
	d := now.Sub(cc.Epoch)
	if d < 0 {
		return 0
	}
	return uint32(d / cc.Interval)
}

// Encode returns the opaque cursor for a byte offset at the given
// instant. Deterministic for a fixed (offset, bucket) pair.
func (cc *CursorCodec) Encode(byteOffset uint64, now time.Time) string {
	var buf [cursorWireLen]byte
	binary.BigEndian.PutUint32(buf[0:4], cc.Bucket(now))
	binary.BigEndian.PutUint64(buf[4:12], byteOffset)
	return base64.RawURLEncoding.EncodeToString(buf[:])
}

// Decode parses an opaque cursor. The empty string decodes to the zero
// cursor so absent cursor params read from the start of the stream.
func (cc *CursorCodec) Decode(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	if len(raw) != cursorWireLen {
		return Cursor{}, fmt.Errorf("%w: wrong length %d", ErrBadCursor, len(raw))
	}
	return Cursor{
		TimeBucket: binary.BigEndian.Uint32(raw[0:4]),
		ByteOffset: binary.BigEndian.Uint64(raw[4:12]),
	}, nil
}
