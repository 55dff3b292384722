package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Common errors
var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrStreamExpired       = errors.New("stream has expired")
	ErrStreamConflict      = errors.New("stream exists with different content type")
	ErrContentTypeMismatch = errors.New("content type mismatch")
	ErrInvalidOffset       = errors.New("offset past end of stream")
	ErrInvalidJSON         = errors.New("body is not a single JSON value")
	ErrEmptyBody           = errors.New("empty body not allowed")
	ErrStoreUnavailable    = errors.New("store unavailable")
)

// Producer validation errors
var (
	ErrStaleEpoch       = errors.New("producer epoch is stale")
	ErrSequenceConflict = errors.New("producer sequence already accepted")
	ErrSequenceGap      = errors.New("producer sequence gap detected")
)

// Stream is one append-only log, identified externally by its path.
type Stream struct {
	ID          string
	Path        string
	ContentType string
	WriteSeq    uint64 // highest sequence ever appended, starts at 0
	TotalBytes  uint64 // sum of chunk sizes
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// Chunk is one accepted append. Chunks are indivisible on read.
type Chunk struct {
	StreamID       string
	Sequence       uint64
	ByteOffset     uint64
	Size           uint64
	Data           []byte
	IsJSONBoundary bool
	CreatedAt      time.Time
}

// End returns the byte offset just past this chunk.
func (c Chunk) End() uint64 {
	return c.ByteOffset + c.Size
}

// ProducerState tracks the epoch and last accepted sequence for one
// logical producer within a stream.
type ProducerState struct {
	Epoch     int64
	LastSeq   int64
	ExpiresAt time.Time
}

// CreateOptions contains options for creating a stream.
type CreateOptions struct {
	ContentType string
	TTLSeconds  *int64
}

// AppendOptions carries the optional producer headers for an append.
type AppendOptions struct {
	ContentType string

	// Idempotent producer fields; ProducerID empty means no checks.
	ProducerID    string
	ProducerEpoch int64
	ProducerSeq   int64

	// ProducerTTL is how long the producer row stays live after this
	// append. Zero means the backend default (7 days).
	ProducerTTL time.Duration
}

// AppendResult reports the position assigned to an accepted chunk.
type AppendResult struct {
	StreamID   string
	Sequence   uint64
	ByteOffset uint64
	Size       uint64
	TotalBytes uint64 // stream total after this append
	WriteSeq   uint64 // stream write sequence after this append
}

// Store is the persistence interface for durable streams.
//
// Append must be atomic: the chunk insert and the stream counter
// advance commit together or not at all. Concurrent appends to the
// same stream serialize.
type Store interface {
	// Create makes a new stream, or returns the existing one when the
	// content type matches (idempotent). The bool is true when the
	// stream was newly created. A mismatched content type returns
	// ErrStreamConflict.
	Create(ctx context.Context, path string, opts CreateOptions) (*Stream, bool, error)

	// Get returns a live stream. Absent and tombstoned streams return
	// ErrStreamNotFound; streams past their expiry but not yet swept
	// return ErrStreamExpired.
	Get(ctx context.Context, path string) (*Stream, error)

	// Append validates producer state and writes one chunk at
	// sequence = writeSeq+1, byteOffset = totalBytes, all in one
	// transaction. Producer-state updates commit with the chunk.
	Append(ctx context.Context, path string, data []byte, opts AppendOptions) (AppendResult, error)

	// ReadRange returns chunks with byteOffset >= fromOffset, stopping
	// before the chunk that would push the cumulative size past
	// maxBytes. The first chunk is always returned whole even if it
	// alone exceeds maxBytes. fromOffset beyond the stream tail
	// returns ErrInvalidOffset.
	ReadRange(ctx context.Context, streamID string, fromOffset, maxBytes uint64) ([]Chunk, error)

	// Truncate deletes chunks whose end offset is <= throughOffset.
	// Remaining chunk offsets are not rewritten. Returns the number of
	// chunks removed.
	Truncate(ctx context.Context, streamID string, throughOffset uint64) (int, error)

	// Delete tombstones a stream; its chunks cascade.
	Delete(ctx context.Context, path string) error

	// SweepExpired tombstones and purges streams past their expiry.
	// Idempotent; returns the number of streams swept.
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	// SweepProducers evicts producer rows whose expiry has passed.
	SweepProducers(ctx context.Context, now time.Time) (int, error)

	// Close releases any resources held by the store.
	Close() error
}

// DefaultProducerTTL bounds how long an idle producer row is retained.
const DefaultProducerTTL = 7 * 24 * time.Hour

// IsExpired reports whether the stream is past its expiry at the given
// instant.
func (s *Stream) IsExpired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// expiryFor computes the absolute expiry for a TTL, nil when the TTL is
// absent.
func expiryFor(ttlSeconds *int64, createdAt time.Time) *time.Time {
	if ttlSeconds == nil {
		return nil
	}
	t := createdAt.Add(time.Duration(*ttlSeconds) * time.Second)
	return &t
}

// ContentTypeMatches compares two content types, ignoring case and
// parameters such as charset.
func ContentTypeMatches(a, b string) bool {
	if a == "" {
		a = "application/octet-stream"
	}
	if b == "" {
		b = "application/octet-stream"
	}
	return strings.EqualFold(MediaType(a), MediaType(b))
}

// MediaType extracts the media type from a content-type header,
// dropping parameters like charset.
func MediaType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

// IsJSONContentType returns true for application/json streams.
func IsJSONContentType(ct string) bool {
	return strings.EqualFold(MediaType(ct), "application/json")
}

// IsTextContentType returns true for text/* streams.
func IsTextContentType(ct string) bool {
	mt := strings.ToLower(MediaType(ct))
	return strings.HasPrefix(mt, "text/")
}
