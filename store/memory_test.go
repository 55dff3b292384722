package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryCreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	stream, created, err := s.Create(ctx, "/test/stream", CreateOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !created {
		t.Error("expected created=true for a new stream")
	}
	if stream.ID == "" {
		t.Error("expected a generated stream ID")
	}
	if stream.WriteSeq != 0 || stream.TotalBytes != 0 {
		t.Errorf("new stream counters should be zero, got seq=%d bytes=%d", stream.WriteSeq, stream.TotalBytes)
	}

	got, err := s.Get(ctx, "/test/stream")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ID != stream.ID {
		t.Errorf("ID mismatch: got %q, want %q", got.ID, stream.ID)
	}
	if got.ContentType != "application/json" {
		t.Errorf("content type mismatch: got %q", got.ContentType)
	}
}

func TestMemoryCreateIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, _, err := s.Create(ctx, "/test/stream", CreateOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Same content type: returns the existing stream.
	second, created, err := s.Create(ctx, "/test/stream", CreateOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("repeat create failed: %v", err)
	}
	if created {
		t.Error("expected created=false for existing stream")
	}
	if second.ID != first.ID {
		t.Errorf("repeat create changed the stream ID: %q vs %q", second.ID, first.ID)
	}

	// Charset parameter does not make it a different type.
	_, _, err = s.Create(ctx, "/test/stream", CreateOptions{ContentType: "application/json; charset=utf-8"})
	if err != nil {
		t.Errorf("charset parameter should not conflict: %v", err)
	}

	// Different media type conflicts.
	_, _, err = s.Create(ctx, "/test/stream", CreateOptions{ContentType: "text/plain"})
	if !errors.Is(err, ErrStreamConflict) {
		t.Errorf("expected ErrStreamConflict, got %v", err)
	}
}

func TestMemoryCreateDefaultContentType(t *testing.T) {
	s := NewMemoryStore()
	stream, _, err := s.Create(context.Background(), "/test/stream", CreateOptions{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if stream.ContentType != "application/octet-stream" {
		t.Errorf("expected default content type, got %q", stream.ContentType)
	}
}

func TestMemoryAppendAssignsPositions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, _, err := s.Create(ctx, "/test/stream", CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	payloads := []string{"hello", " ", "world"}
	var wantOffset uint64
	for i, p := range payloads {
		res, err := s.Append(ctx, "/test/stream", []byte(p), AppendOptions{ContentType: "text/plain"})
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
		if res.Sequence != uint64(i+1) {
			t.Errorf("append %d: sequence got %d, want %d", i, res.Sequence, i+1)
		}
		if res.ByteOffset != wantOffset {
			t.Errorf("append %d: offset got %d, want %d", i, res.ByteOffset, wantOffset)
		}
		wantOffset += uint64(len(p))
		if res.TotalBytes != wantOffset {
			t.Errorf("append %d: total got %d, want %d", i, res.TotalBytes, wantOffset)
		}
	}

	stream, err := s.Get(ctx, "/test/stream")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stream.WriteSeq != 3 {
		t.Errorf("write seq got %d, want 3", stream.WriteSeq)
	}
	if stream.TotalBytes != uint64(len("hello world")) {
		t.Errorf("total bytes got %d, want %d", stream.TotalBytes, len("hello world"))
	}
}

func TestMemoryAppendValidation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, _, err := s.Create(ctx, "/json", CreateOptions{ContentType: "application/json"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	tests := []struct {
		name    string
		path    string
		data    []byte
		opts    AppendOptions
		wantErr error
	}{
		{
			name:    "missing stream",
			path:    "/nope",
			data:    []byte("x"),
			wantErr: ErrStreamNotFound,
		},
		{
			name:    "empty body",
			path:    "/json",
			data:    nil,
			wantErr: ErrEmptyBody,
		},
		{
			name:    "content type mismatch",
			path:    "/json",
			data:    []byte("{}"),
			opts:    AppendOptions{ContentType: "text/plain"},
			wantErr: ErrContentTypeMismatch,
		},
		{
			name:    "invalid json body",
			path:    "/json",
			data:    []byte("{not json"),
			wantErr: ErrInvalidJSON,
		},
		{
			name:    "multiple json values",
			path:    "/json",
			data:    []byte(`{"a":1}{"b":2}`),
			wantErr: ErrInvalidJSON,
		},
		{
			name: "valid json value",
			path: "/json",
			data: []byte(`{"a":1}`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Append(ctx, tt.path, tt.data, tt.opts)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMemoryAppendProducerState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, _, err := s.Create(ctx, "/test/stream", CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	opts := func(epoch, seq int64) AppendOptions {
		return AppendOptions{ProducerID: "p1", ProducerEpoch: epoch, ProducerSeq: seq}
	}

	if _, err := s.Append(ctx, "/test/stream", []byte("a"), opts(0, 1)); err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	if _, err := s.Append(ctx, "/test/stream", []byte("b"), opts(0, 2)); err != nil {
		t.Fatalf("second append failed: %v", err)
	}

	// Retry of seq 2 is a conflict and writes nothing.
	if _, err := s.Append(ctx, "/test/stream", []byte("b"), opts(0, 2)); !errors.Is(err, ErrSequenceConflict) {
		t.Fatalf("expected ErrSequenceConflict, got %v", err)
	}
	stream, _ := s.Get(ctx, "/test/stream")
	if stream.WriteSeq != 2 {
		t.Errorf("rejected append advanced write seq to %d", stream.WriteSeq)
	}

	// Gap is rejected.
	if _, err := s.Append(ctx, "/test/stream", []byte("d"), opts(0, 4)); !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("expected ErrSequenceGap, got %v", err)
	}

	// A second producer keeps its own counter.
	if _, err := s.Append(ctx, "/test/stream", []byte("x"), AppendOptions{
		ProducerID: "p2", ProducerEpoch: 0, ProducerSeq: 1,
	}); err != nil {
		t.Fatalf("second producer append failed: %v", err)
	}
}

func TestMemoryReadRange(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	stream, _, err := s.Create(ctx, "/test/stream", CreateOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	for _, p := range []string{"aaaa", "bbbb", "cccc"} {
		if _, err := s.Append(ctx, "/test/stream", []byte(p), AppendOptions{}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	// Full read.
	chunks, err := s.ReadRange(ctx, stream.ID, 0, 1<<20)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if string(chunks[0].Data) != "aaaa" || chunks[0].ByteOffset != 0 {
		t.Errorf("first chunk wrong: %q at %d", chunks[0].Data, chunks[0].ByteOffset)
	}
	if chunks[2].End() != 12 {
		t.Errorf("last chunk end got %d, want 12", chunks[2].End())
	}

	// Resume from a chunk boundary.
	chunks, err = s.ReadRange(ctx, stream.ID, 4, 1<<20)
	if err != nil {
		t.Fatalf("resumed read failed: %v", err)
	}
	if len(chunks) != 2 || string(chunks[0].Data) != "bbbb" {
		t.Fatalf("resume from offset 4: got %d chunks", len(chunks))
	}

	// Budget stops before the chunk that would overflow it.
	chunks, err = s.ReadRange(ctx, stream.ID, 0, 5)
	if err != nil {
		t.Fatalf("budgeted read failed: %v", err)
	}
	if len(chunks) != 1 {
		t.Errorf("budget 5 should return 1 chunk, got %d", len(chunks))
	}

	// First chunk is returned whole even when it alone exceeds the
	// budget.
	chunks, err = s.ReadRange(ctx, stream.ID, 0, 1)
	if err != nil {
		t.Fatalf("tiny budget read failed: %v", err)
	}
	if len(chunks) != 1 || string(chunks[0].Data) != "aaaa" {
		t.Errorf("tiny budget should still return the first chunk whole")
	}

	// Caught up: empty result, no error.
	chunks, err = s.ReadRange(ctx, stream.ID, 12, 1<<20)
	if err != nil {
		t.Fatalf("tail read failed: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("expected empty result at tail, got %d chunks", len(chunks))
	}

	// Past the tail: invalid offset.
	if _, err := s.ReadRange(ctx, stream.ID, 13, 1<<20); !errors.Is(err, ErrInvalidOffset) {
		t.Errorf("expected ErrInvalidOffset, got %v", err)
	}
}

func TestMemoryTruncate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	stream, _, err := s.Create(ctx, "/test/stream", CreateOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	for _, p := range []string{"aaaa", "bbbb", "cccc"} {
		if _, err := s.Append(ctx, "/test/stream", []byte(p), AppendOptions{}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	// Mid-chunk offset removes only fully covered chunks.
	removed, err := s.Truncate(ctx, stream.ID, 6)
	if err != nil {
		t.Fatalf("truncate failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 chunk removed, got %d", removed)
	}

	// Surviving chunks keep their original offsets.
	chunks, err := s.ReadRange(ctx, stream.ID, 4, 1<<20)
	if err != nil {
		t.Fatalf("read after truncate failed: %v", err)
	}
	if len(chunks) != 2 || chunks[0].ByteOffset != 4 {
		t.Errorf("surviving chunks rewritten: got %d chunks, first at %d", len(chunks), chunks[0].ByteOffset)
	}

	// Counters do not move backwards.
	got, _ := s.Get(ctx, "/test/stream")
	if got.TotalBytes != 12 || got.WriteSeq != 3 {
		t.Errorf("truncate changed counters: bytes=%d seq=%d", got.TotalBytes, got.WriteSeq)
	}
}

func TestMemoryDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, _, err := s.Create(ctx, "/test/stream", CreateOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.Delete(ctx, "/test/stream"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := s.Get(ctx, "/test/stream"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("expected ErrStreamNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "/test/stream"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("double delete should be ErrStreamNotFound, got %v", err)
	}
	if _, err := s.ReadRange(ctx, first.ID, 0, 1<<20); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("expected ErrStreamNotFound reading deleted stream, got %v", err)
	}

	// The path can be reborn with a fresh identity.
	second, created, err := s.Create(ctx, "/test/stream", CreateOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("recreate failed: %v", err)
	}
	if !created {
		t.Error("recreate over tombstone should report created=true")
	}
	if second.ID == first.ID {
		t.Error("recreated stream must get a new ID")
	}
	if second.TotalBytes != 0 || second.WriteSeq != 0 {
		t.Error("recreated stream should start empty")
	}
}

func TestMemoryExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	s.nowFunc = func() time.Time { return base }

	ttl := int64(60)
	stream, _, err := s.Create(ctx, "/test/stream", CreateOptions{
		ContentType: "text/plain",
		TTLSeconds:  &ttl,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := s.Append(ctx, "/test/stream", []byte("x"), AppendOptions{}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// Still live just before expiry.
	s.nowFunc = func() time.Time { return base.Add(59 * time.Second) }
	if _, err := s.Get(ctx, "/test/stream"); err != nil {
		t.Fatalf("stream expired early: %v", err)
	}

	// Expired but unswept: ErrStreamExpired everywhere.
	s.nowFunc = func() time.Time { return base.Add(61 * time.Second) }
	if _, err := s.Get(ctx, "/test/stream"); !errors.Is(err, ErrStreamExpired) {
		t.Errorf("expected ErrStreamExpired from Get, got %v", err)
	}
	if _, err := s.Append(ctx, "/test/stream", []byte("y"), AppendOptions{}); !errors.Is(err, ErrStreamExpired) {
		t.Errorf("expected ErrStreamExpired from Append, got %v", err)
	}
	if _, err := s.ReadRange(ctx, stream.ID, 0, 1<<20); !errors.Is(err, ErrStreamExpired) {
		t.Errorf("expected ErrStreamExpired from ReadRange, got %v", err)
	}

	// Sweep purges it; afterwards the path is simply absent.
	swept, err := s.SweepExpired(ctx, base.Add(61*time.Second))
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if swept != 1 {
		t.Errorf("expected 1 stream swept, got %d", swept)
	}
	if _, err := s.Get(ctx, "/test/stream"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("expected ErrStreamNotFound after sweep, got %v", err)
	}

	// Sweeping again finds nothing.
	swept, err = s.SweepExpired(ctx, base.Add(62*time.Second))
	if err != nil {
		t.Fatalf("repeat sweep failed: %v", err)
	}
	if swept != 0 {
		t.Errorf("repeat sweep should find nothing, got %d", swept)
	}
}

func TestMemorySweepProducers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	s.nowFunc = func() time.Time { return base }

	if _, _, err := s.Create(ctx, "/test/stream", CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := s.Append(ctx, "/test/stream", []byte("a"), AppendOptions{
		ProducerID: "p1", ProducerEpoch: 0, ProducerSeq: 1,
		ProducerTTL: time.Hour,
	}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	evicted, err := s.SweepProducers(ctx, base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if evicted != 0 {
		t.Errorf("live producer evicted")
	}

	evicted, err = s.SweepProducers(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if evicted != 1 {
		t.Errorf("expected 1 producer evicted, got %d", evicted)
	}

	// Evicted producer is a blank slate: seq 1 at any epoch works again.
	if _, err := s.Append(ctx, "/test/stream", []byte("b"), AppendOptions{
		ProducerID: "p1", ProducerEpoch: 0, ProducerSeq: 1,
	}); err != nil {
		t.Errorf("append after producer eviction failed: %v", err)
	}
}
