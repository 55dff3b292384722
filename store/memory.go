package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory implementation of Store for development
// and testing.
type MemoryStore struct {
	mu      sync.RWMutex
	byPath  map[string]*memoryStream
	byID    map[string]*memoryStream
	nowFunc func() time.Time
}

type memoryStream struct {
	meta      Stream
	chunks    []Chunk
	producers map[string]*ProducerState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byPath:  make(map[string]*memoryStream),
		byID:    make(map[string]*memoryStream),
		nowFunc: time.Now,
	}
}

func (s *MemoryStore) now() time.Time {
	return s.nowFunc()
}

func (s *MemoryStore) Create(ctx context.Context, path string, opts CreateOptions) (*Stream, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.byPath[path]; ok {
		switch {
		case existing.meta.DeletedAt != nil || existing.meta.IsExpired(now):
			s.purgeLocked(existing)
		case ContentTypeMatches(existing.meta.ContentType, opts.ContentType):
			meta := existing.meta
			return &meta, false, nil
		default:
			return nil, false, ErrStreamConflict
		}
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	ms := &memoryStream{
		meta: Stream{
			ID:          uuid.NewString(),
			Path:        path,
			ContentType: contentType,
			TTLSeconds:  opts.TTLSeconds,
			ExpiresAt:   expiryFor(opts.TTLSeconds, now),
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		producers: make(map[string]*ProducerState),
	}
	s.byPath[path] = ms
	s.byID[ms.meta.ID] = ms

	meta := ms.meta
	return &meta, true, nil
}

func (s *MemoryStore) Get(ctx context.Context, path string) (*Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms, ok := s.byPath[path]
	if !ok || ms.meta.DeletedAt != nil {
		return nil, ErrStreamNotFound
	}
	if ms.meta.IsExpired(s.now()) {
		return nil, ErrStreamExpired
	}
	meta := ms.meta
	return &meta, nil
}

func (s *MemoryStore) Append(ctx context.Context, path string, data []byte, opts AppendOptions) (AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ms, ok := s.byPath[path]
	if !ok || ms.meta.DeletedAt != nil {
		return AppendResult{}, ErrStreamNotFound
	}
	if ms.meta.IsExpired(now) {
		return AppendResult{}, ErrStreamExpired
	}
	if len(data) == 0 {
		return AppendResult{}, ErrEmptyBody
	}
	if opts.ContentType != "" && !ContentTypeMatches(ms.meta.ContentType, opts.ContentType) {
		return AppendResult{}, ErrContentTypeMismatch
	}

	isJSON := IsJSONContentType(ms.meta.ContentType)
	if isJSON && !json.Valid(data) {
		return AppendResult{}, ErrInvalidJSON
	}

	decision, next, err := validateProducer(ms.producers[opts.ProducerID], opts, now)
	if err != nil {
		return AppendResult{}, err
	}

	chunk := Chunk{
		StreamID:       ms.meta.ID,
		Sequence:       ms.meta.WriteSeq + 1,
		ByteOffset:     ms.meta.TotalBytes,
		Size:           uint64(len(data)),
		Data:           append([]byte(nil), data...),
		IsJSONBoundary: isJSON,
		CreatedAt:      now,
	}
	ms.chunks = append(ms.chunks, chunk)
	ms.meta.WriteSeq = chunk.Sequence
	ms.meta.TotalBytes = chunk.End()
	ms.meta.UpdatedAt = now

	if decision == producerAccept {
		state := next
		ms.producers[opts.ProducerID] = &state
	}

	return AppendResult{
		StreamID:   ms.meta.ID,
		Sequence:   chunk.Sequence,
		ByteOffset: chunk.ByteOffset,
		Size:       chunk.Size,
		TotalBytes: ms.meta.TotalBytes,
		WriteSeq:   ms.meta.WriteSeq,
	}, nil
}

func (s *MemoryStore) ReadRange(ctx context.Context, streamID string, fromOffset, maxBytes uint64) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms, ok := s.byID[streamID]
	if !ok || ms.meta.DeletedAt != nil {
		return nil, ErrStreamNotFound
	}
	if ms.meta.IsExpired(s.now()) {
		return nil, ErrStreamExpired
	}
	if fromOffset > ms.meta.TotalBytes {
		return nil, ErrInvalidOffset
	}

	var out []Chunk
	var budget uint64
	for _, c := range ms.chunks {
		if c.ByteOffset < fromOffset {
			continue
		}
		if len(out) > 0 && budget+c.Size > maxBytes {
			break
		}
		out = append(out, c)
		budget += c.Size
	}
	return out, nil
}

func (s *MemoryStore) Truncate(ctx context.Context, streamID string, throughOffset uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.byID[streamID]
	if !ok || ms.meta.DeletedAt != nil {
		return 0, ErrStreamNotFound
	}

	kept := ms.chunks[:0]
	removed := 0
	for _, c := range ms.chunks {
		if c.End() <= throughOffset {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	ms.chunks = kept
	if removed > 0 {
		ms.meta.UpdatedAt = s.now()
	}
	return removed, nil
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.byPath[path]
	if !ok || ms.meta.DeletedAt != nil {
		return ErrStreamNotFound
	}
	now := s.now()
	ms.meta.DeletedAt = &now
	ms.chunks = nil
	ms.producers = make(map[string]*ProducerState)
	return nil
}

func (s *MemoryStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, ms := range s.byPath {
		if ms.meta.DeletedAt != nil {
			s.purgeLocked(ms)
			continue
		}
		if ms.meta.IsExpired(now) {
			count++
			s.purgeLocked(ms)
		}
	}
	return count, nil
}

func (s *MemoryStore) SweepProducers(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, ms := range s.byPath {
		for id, state := range ms.producers {
			if now.After(state.ExpiresAt) {
				delete(ms.producers, id)
				count++
			}
		}
	}
	return count, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// purgeLocked removes a stream and its chunks entirely. Caller holds
// the write lock.
func (s *MemoryStore) purgeLocked(ms *memoryStream) {
	delete(s.byPath, ms.meta.Path)
	delete(s.byID, ms.meta.ID)
}
