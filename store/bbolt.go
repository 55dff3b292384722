package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// BboltStore is an embedded single-file implementation of Store.
// Stream metadata and producer state are JSON values in the streams
// bucket; each stream's chunks live in their own bucket keyed by
// big-endian sequence, so a range scan walks them in append order.
// bbolt's single-writer Update transaction gives the atomic append.
type BboltStore struct {
	db      *bbolt.DB
	logger  *zap.Logger
	nowFunc func() time.Time
}

var (
	streamsBucket = []byte("streams") // path -> boltStream JSON
	chunksBucket  = []byte("chunks")  // sub-bucket per stream id
	pathsBucket   = []byte("paths")   // stream id -> path
)

// boltStream is the serialized form of a stream plus its producer
// rows.
type boltStream struct {
	ID          string                   `json:"id"`
	Path        string                   `json:"path"`
	ContentType string                   `json:"content_type"`
	WriteSeq    uint64                   `json:"write_seq"`
	TotalBytes  uint64                   `json:"total_bytes"`
	TTLSeconds  *int64                   `json:"ttl_seconds,omitempty"`
	ExpiresAt   *int64                   `json:"expires_at,omitempty"`
	CreatedAt   int64                    `json:"created_at"`
	UpdatedAt   int64                    `json:"updated_at"`
	DeletedAt   *int64                   `json:"deleted_at,omitempty"`
	Producers   map[string]*boltProducer `json:"producers,omitempty"`
}

type boltProducer struct {
	Epoch     int64 `json:"epoch"`
	LastSeq   int64 `json:"last_seq"`
	ExpiresAt int64 `json:"expires_at"`
}

// boltChunk is the serialized form of one chunk. Data is stored raw
// alongside the JSON header, framed as headerLen|header|data.
type boltChunk struct {
	ByteOffset     uint64 `json:"byte_offset"`
	Size           uint64 `json:"size"`
	IsJSONBoundary bool   `json:"is_json_boundary"`
	CreatedAt      int64  `json:"created_at"`
}

// OpenBboltStore opens (creating if needed) the embedded store under
// dataDir.
func OpenBboltStore(dataDir string, logger *zap.Logger) (*BboltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "streams.db")
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{streamsBucket, chunksBucket, pathsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("bbolt store open", zap.String("path", dbPath))
	return &BboltStore{db: db, logger: logger, nowFunc: time.Now}, nil
}

func (s *BboltStore) now() time.Time {
	return s.nowFunc()
}

func (s *BboltStore) Create(ctx context.Context, path string, opts CreateOptions) (*Stream, bool, error) {
	var stream *Stream
	var created bool

	err := s.db.Update(func(tx *bbolt.Tx) error {
		now := s.now()
		bucket := tx.Bucket(streamsBucket)

		if raw := bucket.Get([]byte(path)); raw != nil {
			bs, err := decodeBoltStream(raw)
			if err != nil {
				return err
			}
			live := bs.DeletedAt == nil && !expiredAt(bs, now)
			if live {
				if !ContentTypeMatches(bs.ContentType, opts.ContentType) {
					return ErrStreamConflict
				}
				stream = bs.toStream()
				return nil
			}
			if err := purgeBolt(tx, bs); err != nil {
				return err
			}
		}

		contentType := opts.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		bs := &boltStream{
			ID:          uuid.NewString(),
			Path:        path,
			ContentType: contentType,
			TTLSeconds:  opts.TTLSeconds,
			CreatedAt:   now.Unix(),
			UpdatedAt:   now.Unix(),
		}
		if exp := expiryFor(opts.TTLSeconds, now); exp != nil {
			v := exp.Unix()
			bs.ExpiresAt = &v
		}

		if err := putBoltStream(tx, bs); err != nil {
			return err
		}
		if err := tx.Bucket(pathsBucket).Put([]byte(bs.ID), []byte(path)); err != nil {
			return err
		}
		if _, err := tx.Bucket(chunksBucket).CreateBucketIfNotExists([]byte(bs.ID)); err != nil {
			return err
		}

		stream = bs.toStream()
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stream, created, nil
}

func (s *BboltStore) Get(ctx context.Context, path string) (*Stream, error) {
	var stream *Stream
	err := s.db.View(func(tx *bbolt.Tx) error {
		bs, err := liveBoltStream(tx, path, s.now())
		if err != nil {
			return err
		}
		stream = bs.toStream()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (s *BboltStore) Append(ctx context.Context, path string, data []byte, opts AppendOptions) (AppendResult, error) {
	if len(data) == 0 {
		return AppendResult{}, ErrEmptyBody
	}

	var result AppendResult
	err := s.db.Update(func(tx *bbolt.Tx) error {
		now := s.now()
		bs, err := liveBoltStream(tx, path, now)
		if err != nil {
			return err
		}
		if opts.ContentType != "" && !ContentTypeMatches(bs.ContentType, opts.ContentType) {
			return ErrContentTypeMismatch
		}

		isJSON := IsJSONContentType(bs.ContentType)
		if isJSON && !json.Valid(data) {
			return ErrInvalidJSON
		}

		var prev *ProducerState
		if opts.ProducerID != "" {
			if bp, ok := bs.Producers[opts.ProducerID]; ok {
				prev = &ProducerState{
					Epoch:     bp.Epoch,
					LastSeq:   bp.LastSeq,
					ExpiresAt: time.Unix(bp.ExpiresAt, 0),
				}
			}
		}
		decision, next, err := validateProducer(prev, opts, now)
		if err != nil {
			return err
		}

		sequence := bs.WriteSeq + 1
		byteOffset := bs.TotalBytes

		chunks := tx.Bucket(chunksBucket).Bucket([]byte(bs.ID))
		if chunks == nil {
			return ErrStreamNotFound
		}
		frame, err := encodeBoltChunk(boltChunk{
			ByteOffset:     byteOffset,
			Size:           uint64(len(data)),
			IsJSONBoundary: isJSON,
			CreatedAt:      now.Unix(),
		}, data)
		if err != nil {
			return err
		}
		if err := chunks.Put(seqKey(sequence), frame); err != nil {
			return err
		}

		bs.WriteSeq = sequence
		bs.TotalBytes = byteOffset + uint64(len(data))
		bs.UpdatedAt = now.Unix()
		if decision == producerAccept {
			if bs.Producers == nil {
				bs.Producers = make(map[string]*boltProducer)
			}
			bs.Producers[opts.ProducerID] = &boltProducer{
				Epoch:     next.Epoch,
				LastSeq:   next.LastSeq,
				ExpiresAt: next.ExpiresAt.Unix(),
			}
		}
		if err := putBoltStream(tx, bs); err != nil {
			return err
		}

		result = AppendResult{
			StreamID:   bs.ID,
			Sequence:   sequence,
			ByteOffset: byteOffset,
			Size:       uint64(len(data)),
			TotalBytes: bs.TotalBytes,
			WriteSeq:   bs.WriteSeq,
		}
		return nil
	})
	if err != nil {
		return AppendResult{}, err
	}
	return result, nil
}

func (s *BboltStore) ReadRange(ctx context.Context, streamID string, fromOffset, maxBytes uint64) ([]Chunk, error) {
	var out []Chunk
	err := s.db.View(func(tx *bbolt.Tx) error {
		bs, err := liveBoltStreamByID(tx, streamID, s.now())
		if err != nil {
			return err
		}
		if fromOffset > bs.TotalBytes {
			return ErrInvalidOffset
		}

		chunks := tx.Bucket(chunksBucket).Bucket([]byte(streamID))
		if chunks == nil {
			return nil
		}

		var budget uint64
		cur := chunks.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			header, data, err := decodeBoltChunk(v)
			if err != nil {
				return err
			}
			if header.ByteOffset < fromOffset {
				continue
			}
			if len(out) > 0 && budget+header.Size > maxBytes {
				break
			}
			out = append(out, Chunk{
				StreamID:       streamID,
				Sequence:       binary.BigEndian.Uint64(k),
				ByteOffset:     header.ByteOffset,
				Size:           header.Size,
				Data:           append([]byte(nil), data...),
				IsJSONBoundary: header.IsJSONBoundary,
				CreatedAt:      time.Unix(header.CreatedAt, 0),
			})
			budget += header.Size
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BboltStore) Truncate(ctx context.Context, streamID string, throughOffset uint64) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := liveBoltStreamByID(tx, streamID, s.now()); err != nil {
			return err
		}
		chunks := tx.Bucket(chunksBucket).Bucket([]byte(streamID))
		if chunks == nil {
			return nil
		}

		cur := chunks.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			header, _, err := decodeBoltChunk(v)
			if err != nil {
				return err
			}
			if header.ByteOffset+header.Size > throughOffset {
				break
			}
			if err := cur.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *BboltStore) Delete(ctx context.Context, path string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bs, err := liveBoltStream(tx, path, s.now())
		if err != nil {
			return err
		}
		now := s.now().Unix()
		bs.DeletedAt = &now
		bs.Producers = nil
		if err := putBoltStream(tx, bs); err != nil {
			return err
		}
		// Chunks go now; the tombstone stays until the next sweep.
		return tx.Bucket(chunksBucket).DeleteBucket([]byte(bs.ID))
	})
}

func (s *BboltStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(streamsBucket)

		var purge []*boltStream
		err := bucket.ForEach(func(k, v []byte) error {
			bs, err := decodeBoltStream(v)
			if err != nil {
				return err
			}
			if bs.DeletedAt != nil {
				purge = append(purge, bs)
			} else if expiredAt(bs, now) {
				count++
				purge = append(purge, bs)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, bs := range purge {
			if err := purgeBolt(tx, bs); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.logger.Debug("purged expired streams", zap.Int("count", count))
	}
	return count, nil
}

func (s *BboltStore) SweepProducers(ctx context.Context, now time.Time) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(streamsBucket)

		type update struct {
			key []byte
			bs  *boltStream
		}
		var updates []update

		err := bucket.ForEach(func(k, v []byte) error {
			bs, err := decodeBoltStream(v)
			if err != nil {
				return err
			}
			changed := false
			for id, p := range bs.Producers {
				if now.After(time.Unix(p.ExpiresAt, 0)) {
					delete(bs.Producers, id)
					count++
					changed = true
				}
			}
			if changed {
				key := append([]byte(nil), k...)
				updates = append(updates, update{key: key, bs: bs})
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, u := range updates {
			raw, err := json.Marshal(u.bs)
			if err != nil {
				return err
			}
			if err := bucket.Put(u.key, raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}

// helpers

func (bs *boltStream) toStream() *Stream {
	stream := &Stream{
		ID:          bs.ID,
		Path:        bs.Path,
		ContentType: bs.ContentType,
		WriteSeq:    bs.WriteSeq,
		TotalBytes:  bs.TotalBytes,
		TTLSeconds:  bs.TTLSeconds,
		CreatedAt:   time.Unix(bs.CreatedAt, 0),
		UpdatedAt:   time.Unix(bs.UpdatedAt, 0),
	}
	if bs.ExpiresAt != nil {
		t := time.Unix(*bs.ExpiresAt, 0)
		stream.ExpiresAt = &t
	}
	if bs.DeletedAt != nil {
		t := time.Unix(*bs.DeletedAt, 0)
		stream.DeletedAt = &t
	}
	return stream
}

func expiredAt(bs *boltStream, now time.Time) bool {
	return bs.ExpiresAt != nil && now.After(time.Unix(*bs.ExpiresAt, 0))
}

func decodeBoltStream(raw []byte) (*boltStream, error) {
	var bs boltStream
	if err := json.Unmarshal(raw, &bs); err != nil {
		return nil, fmt.Errorf("decode stream record: %w", err)
	}
	return &bs, nil
}

func putBoltStream(tx *bbolt.Tx, bs *boltStream) error {
	raw, err := json.Marshal(bs)
	if err != nil {
		return fmt.Errorf("encode stream record: %w", err)
	}
	return tx.Bucket(streamsBucket).Put([]byte(bs.Path), raw)
}

// liveBoltStream loads a stream by path, filtering tombstones and
// reporting expiry.
func liveBoltStream(tx *bbolt.Tx, path string, now time.Time) (*boltStream, error) {
	raw := tx.Bucket(streamsBucket).Get([]byte(path))
	if raw == nil {
		return nil, ErrStreamNotFound
	}
	bs, err := decodeBoltStream(raw)
	if err != nil {
		return nil, err
	}
	if bs.DeletedAt != nil {
		return nil, ErrStreamNotFound
	}
	if expiredAt(bs, now) {
		return nil, ErrStreamExpired
	}
	return bs, nil
}

func liveBoltStreamByID(tx *bbolt.Tx, streamID string, now time.Time) (*boltStream, error) {
	path := tx.Bucket(pathsBucket).Get([]byte(streamID))
	if path == nil {
		return nil, ErrStreamNotFound
	}
	return liveBoltStream(tx, string(path), now)
}

func purgeBolt(tx *bbolt.Tx, bs *boltStream) error {
	if err := tx.Bucket(streamsBucket).Delete([]byte(bs.Path)); err != nil {
		return err
	}
	if err := tx.Bucket(pathsBucket).Delete([]byte(bs.ID)); err != nil {
		return err
	}
	if tx.Bucket(chunksBucket).Bucket([]byte(bs.ID)) != nil {
		return tx.Bucket(chunksBucket).DeleteBucket([]byte(bs.ID))
	}
	return nil
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

// encodeBoltChunk frames a chunk as a 4-byte header length, the JSON
// header, then the raw data.
func encodeBoltChunk(header boltChunk, data []byte) ([]byte, error) {
	h, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("encode chunk header: %w", err)
	}
	frame := make([]byte, 4+len(h)+len(data))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(h)))
	copy(frame[4:], h)
	copy(frame[4+len(h):], data)
	return frame, nil
}

func decodeBoltChunk(frame []byte) (boltChunk, []byte, error) {
	if len(frame) < 4 {
		return boltChunk{}, nil, fmt.Errorf("chunk frame too short")
	}
	hlen := binary.BigEndian.Uint32(frame[:4])
	if uint32(len(frame)-4) < hlen {
		return boltChunk{}, nil, fmt.Errorf("chunk frame truncated")
	}
	var header boltChunk
	if err := json.Unmarshal(frame[4:4+hlen], &header); err != nil {
		return boltChunk{}, nil, fmt.Errorf("decode chunk header: %w", err)
	}
	return header, frame[4+hlen:], nil
}
