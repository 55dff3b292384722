package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	// database/sql drivers, selected by DATABASE_URL scheme; the
	// duckdb driver lives in sql_duckdb.go because it needs cgo
	_ "modernc.org/sqlite"
)

// SQLStore persists streams and chunks in a relational database.
// Two tables carry all durable state: durable_streams (one row per
// stream) and durable_stream_chunks (append-only). Producer state
// lives in durable_stream_producers and is co-committed with appends.
type SQLStore struct {
	db      *sql.DB
	logger  *zap.Logger
	nowFunc func() time.Time
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS durable_streams (
	id            TEXT PRIMARY KEY,
	path          TEXT NOT NULL UNIQUE,
	content_type  TEXT NOT NULL,
	write_seq     BIGINT NOT NULL DEFAULT 0,
	total_bytes   BIGINT NOT NULL DEFAULT 0,
	ttl_seconds   BIGINT,
	expires_at    BIGINT,
	created_at    BIGINT NOT NULL,
	updated_at    BIGINT NOT NULL,
	deleted_at    BIGINT
);
CREATE TABLE IF NOT EXISTS durable_stream_chunks (
	stream_id        TEXT NOT NULL REFERENCES durable_streams(id) ON DELETE CASCADE,
	sequence         BIGINT NOT NULL,
	byte_offset      BIGINT NOT NULL,
	size             BIGINT NOT NULL,
	data             BLOB NOT NULL,
	is_json_boundary INTEGER NOT NULL DEFAULT 0,
	created_at       BIGINT NOT NULL,
	PRIMARY KEY (stream_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_durable_stream_chunks_offset
	ON durable_stream_chunks (stream_id, byte_offset);
CREATE TABLE IF NOT EXISTS durable_stream_producers (
	stream_id   TEXT NOT NULL REFERENCES durable_streams(id) ON DELETE CASCADE,
	producer_id TEXT NOT NULL,
	epoch       BIGINT NOT NULL,
	last_seq    BIGINT NOT NULL,
	expires_at  BIGINT NOT NULL,
	PRIMARY KEY (stream_id, producer_id)
);
`

// OpenSQLStore opens the relational store named by a DATABASE_URL.
// The scheme selects the driver: "sqlite:" uses the pure-Go SQLite
// driver, "duckdb:" uses DuckDB. The schema is created on open.
func OpenSQLStore(databaseURL string, logger *zap.Logger) (*SQLStore, error) {
	driver, dsn, err := splitDatabaseURL(databaseURL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	// Serialize writers at the pool level. Appends to one stream must
	// queue, not conflict: both embedded drivers get a single
	// connection so the read-counters/insert/commit transaction runs
	// alone. SQLite additionally allows only one writer at a time, and
	// DuckDB would otherwise abort one of two overlapping appends on
	// its optimistic-concurrency check.
	db.SetMaxOpenConns(1)

	if driver == "sqlite" {
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("relational schema ready", zap.String("driver", driver))
	return &SQLStore{db: db, logger: logger, nowFunc: time.Now}, nil
}

// splitDatabaseURL maps a DATABASE_URL onto (driver, dsn).
func splitDatabaseURL(u string) (string, string, error) {
	switch {
	case strings.HasPrefix(u, "sqlite://"):
		return "sqlite", strings.TrimPrefix(u, "sqlite://"), nil
	case strings.HasPrefix(u, "sqlite:"):
		return "sqlite", strings.TrimPrefix(u, "sqlite:"), nil
	case strings.HasPrefix(u, "duckdb://"):
		return "duckdb", strings.TrimPrefix(u, "duckdb://"), nil
	case strings.HasPrefix(u, "duckdb:"):
		return "duckdb", strings.TrimPrefix(u, "duckdb:"), nil
	case u == "":
		return "", "", fmt.Errorf("empty database URL")
	default:
		return "", "", fmt.Errorf("unsupported database URL scheme: %q", u)
	}
}

func (s *SQLStore) now() time.Time {
	return s.nowFunc()
}

func (s *SQLStore) Create(ctx context.Context, path string, opts CreateOptions) (*Stream, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	existing, err := getStreamTx(ctx, tx, path)
	switch {
	case err == nil:
		if existing.IsExpired(now) {
			if err := purgeStreamTx(ctx, tx, existing.ID); err != nil {
				return nil, false, err
			}
		} else if ContentTypeMatches(existing.ContentType, opts.ContentType) {
			return existing, false, nil
		} else {
			return nil, false, ErrStreamConflict
		}
	case errors.Is(err, ErrStreamNotFound):
		// A tombstoned row may still hold the unique path; clear it
		// before reusing the path.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM durable_streams WHERE path = ? AND deleted_at IS NOT NULL`, path); err != nil {
			return nil, false, fmt.Errorf("clear tombstone: %w", err)
		}
	default:
		return nil, false, err
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	stream := &Stream{
		ID:          uuid.NewString(),
		Path:        path,
		ContentType: contentType,
		TTLSeconds:  opts.TTLSeconds,
		ExpiresAt:   expiryFor(opts.TTLSeconds, now),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO durable_streams
			(id, path, content_type, write_seq, total_bytes, ttl_seconds, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, 0, 0, ?, ?, ?, ?)`,
		stream.ID, stream.Path, stream.ContentType,
		stream.TTLSeconds, unixPtr(stream.ExpiresAt),
		stream.CreatedAt.Unix(), stream.UpdatedAt.Unix())
	if err != nil {
		return nil, false, fmt.Errorf("insert stream: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit create: %w", err)
	}
	return stream, true, nil
}

func (s *SQLStore) Get(ctx context.Context, path string) (*Stream, error) {
	stream, err := getStream(ctx, s.db, path)
	if err != nil {
		return nil, err
	}
	if stream.IsExpired(s.now()) {
		return nil, ErrStreamExpired
	}
	return stream, nil
}

func (s *SQLStore) Append(ctx context.Context, path string, data []byte, opts AppendOptions) (AppendResult, error) {
	if len(data) == 0 {
		return AppendResult{}, ErrEmptyBody
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	stream, err := getStreamTx(ctx, tx, path)
	if err != nil {
		return AppendResult{}, err
	}
	if stream.IsExpired(now) {
		return AppendResult{}, ErrStreamExpired
	}
	if opts.ContentType != "" && !ContentTypeMatches(stream.ContentType, opts.ContentType) {
		return AppendResult{}, ErrContentTypeMismatch
	}

	var prev *ProducerState
	if opts.ProducerID != "" {
		prev, err = getProducerTx(ctx, tx, stream.ID, opts.ProducerID)
		if err != nil {
			return AppendResult{}, err
		}
	}
	decision, next, err := validateProducer(prev, opts, now)
	if err != nil {
		return AppendResult{}, err
	}

	isJSON := IsJSONContentType(stream.ContentType)
	if isJSON && !json.Valid(data) {
		return AppendResult{}, ErrInvalidJSON
	}
	chunk := Chunk{
		StreamID:       stream.ID,
		Sequence:       stream.WriteSeq + 1,
		ByteOffset:     stream.TotalBytes,
		Size:           uint64(len(data)),
		Data:           data,
		IsJSONBoundary: isJSON,
		CreatedAt:      now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO durable_stream_chunks
			(stream_id, sequence, byte_offset, size, data, is_json_boundary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		chunk.StreamID, chunk.Sequence, chunk.ByteOffset, chunk.Size,
		chunk.Data, boolToInt(chunk.IsJSONBoundary), now.Unix())
	if err != nil {
		return AppendResult{}, fmt.Errorf("insert chunk: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE durable_streams
		SET write_seq = ?, total_bytes = ?, updated_at = ?
		WHERE id = ?`,
		chunk.Sequence, chunk.End(), now.Unix(), stream.ID)
	if err != nil {
		return AppendResult{}, fmt.Errorf("update stream counters: %w", err)
	}

	if decision == producerAccept {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO durable_stream_producers (stream_id, producer_id, epoch, last_seq, expires_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (stream_id, producer_id)
			DO UPDATE SET epoch = excluded.epoch, last_seq = excluded.last_seq, expires_at = excluded.expires_at`,
			stream.ID, opts.ProducerID, next.Epoch, next.LastSeq, next.ExpiresAt.Unix())
		if err != nil {
			return AppendResult{}, fmt.Errorf("upsert producer state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, fmt.Errorf("commit append: %w", err)
	}

	return AppendResult{
		StreamID:   stream.ID,
		Sequence:   chunk.Sequence,
		ByteOffset: chunk.ByteOffset,
		Size:       chunk.Size,
		TotalBytes: chunk.End(),
		WriteSeq:   chunk.Sequence,
	}, nil
}

func (s *SQLStore) ReadRange(ctx context.Context, streamID string, fromOffset, maxBytes uint64) ([]Chunk, error) {
	var totalBytes uint64
	var deletedAt sql.NullInt64
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT total_bytes, deleted_at, expires_at
		FROM durable_streams WHERE id = ?`, streamID).
		Scan(&totalBytes, &deletedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load stream: %w", err)
	}
	if deletedAt.Valid {
		return nil, ErrStreamNotFound
	}
	if expiresAt.Valid && s.now().After(time.Unix(expiresAt.Int64, 0)) {
		return nil, ErrStreamExpired
	}
	if fromOffset > totalBytes {
		return nil, ErrInvalidOffset
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, byte_offset, size, data, is_json_boundary, created_at
		FROM durable_stream_chunks
		WHERE stream_id = ? AND byte_offset >= ?
		ORDER BY byte_offset`, streamID, fromOffset)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	var budget uint64
	for rows.Next() {
		var c Chunk
		var isJSON int
		var createdAt int64
		if err := rows.Scan(&c.Sequence, &c.ByteOffset, &c.Size, &c.Data, &isJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.StreamID = streamID
		c.IsJSONBoundary = isJSON != 0
		c.CreatedAt = time.Unix(createdAt, 0)
		if len(out) > 0 && budget+c.Size > maxBytes {
			break
		}
		out = append(out, c)
		budget += c.Size
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Truncate(ctx context.Context, streamID string, throughOffset uint64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM durable_stream_chunks
		WHERE stream_id = ? AND byte_offset + size <= ?`,
		streamID, throughOffset)
	if err != nil {
		return 0, fmt.Errorf("truncate chunks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("truncate rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLStore) Delete(ctx context.Context, path string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	stream, err := getStreamTx(ctx, tx, path)
	if err != nil {
		return err
	}

	now := s.now().Unix()
	if _, err := tx.ExecContext(ctx,
		`UPDATE durable_streams SET deleted_at = ?, updated_at = ? WHERE id = ?`,
		now, now, stream.ID); err != nil {
		return fmt.Errorf("tombstone stream: %w", err)
	}
	// Chunks and producer rows go immediately; the tombstoned stream
	// row stays until the next sweep.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM durable_stream_chunks WHERE stream_id = ?`, stream.ID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM durable_stream_producers WHERE stream_id = ?`, stream.ID); err != nil {
		return fmt.Errorf("delete producer state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

func (s *SQLStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sweep: %w", err)
	}
	defer tx.Rollback()

	// Tombstone streams past their expiry.
	res, err := tx.ExecContext(ctx, `
		UPDATE durable_streams SET deleted_at = ?, updated_at = ?
		WHERE deleted_at IS NULL AND expires_at IS NOT NULL AND expires_at < ?`,
		now.Unix(), now.Unix(), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("tombstone expired: %w", err)
	}
	expired, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rows affected: %w", err)
	}

	// Purge everything tombstoned, including earlier deletes.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM durable_stream_chunks WHERE stream_id IN
			(SELECT id FROM durable_streams WHERE deleted_at IS NOT NULL)`); err != nil {
		return 0, fmt.Errorf("purge chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM durable_stream_producers WHERE stream_id IN
			(SELECT id FROM durable_streams WHERE deleted_at IS NOT NULL)`); err != nil {
		return 0, fmt.Errorf("purge producer state: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM durable_streams WHERE deleted_at IS NOT NULL`); err != nil {
		return 0, fmt.Errorf("purge streams: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sweep: %w", err)
	}
	if expired > 0 {
		s.logger.Debug("purged expired streams", zap.Int64("count", expired))
	}
	return int(expired), nil
}

func (s *SQLStore) SweepProducers(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM durable_stream_producers WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("sweep producers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep producers rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// queryer abstracts *sql.DB and *sql.Tx for the shared row readers.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getStream(ctx context.Context, q queryer, path string) (*Stream, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, path, content_type, write_seq, total_bytes,
		       ttl_seconds, expires_at, created_at, updated_at
		FROM durable_streams
		WHERE path = ? AND deleted_at IS NULL`, path)

	var stream Stream
	var ttl sql.NullInt64
	var expiresAt sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&stream.ID, &stream.Path, &stream.ContentType,
		&stream.WriteSeq, &stream.TotalBytes, &ttl, &expiresAt,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load stream: %w", err)
	}

	if ttl.Valid {
		v := ttl.Int64
		stream.TTLSeconds = &v
	}
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		stream.ExpiresAt = &t
	}
	stream.CreatedAt = time.Unix(createdAt, 0)
	stream.UpdatedAt = time.Unix(updatedAt, 0)
	return &stream, nil
}

func getStreamTx(ctx context.Context, tx *sql.Tx, path string) (*Stream, error) {
	return getStream(ctx, tx, path)
}

func getProducerTx(ctx context.Context, tx *sql.Tx, streamID, producerID string) (*ProducerState, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT epoch, last_seq, expires_at FROM durable_stream_producers
		WHERE stream_id = ? AND producer_id = ?`, streamID, producerID)

	var state ProducerState
	var expiresAt int64
	err := row.Scan(&state.Epoch, &state.LastSeq, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load producer state: %w", err)
	}
	state.ExpiresAt = time.Unix(expiresAt, 0)
	return &state, nil
}

func purgeStreamTx(ctx context.Context, tx *sql.Tx, streamID string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM durable_stream_chunks WHERE stream_id = ?`, streamID); err != nil {
		return fmt.Errorf("purge chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM durable_stream_producers WHERE stream_id = ?`, streamID); err != nil {
		return fmt.Errorf("purge producer state: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM durable_streams WHERE id = ?`, streamID); err != nil {
		return fmt.Errorf("purge stream: %w", err)
	}
	return nil
}

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
