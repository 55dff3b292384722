package durablestreams

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/HazelChat/hazel-sub004/auth"
	"github.com/HazelChat/hazel-sub004/store"
)

// handleCreate handles PUT requests to create a stream.
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, path string) error {
	contentType := r.Header.Get("Content-Type")

	var ttlSeconds *int64
	if ttlStr := r.Header.Get(HeaderStreamTTL); ttlStr != "" {
		ttl, err := parseTTL(ttlStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, err.Error())
		}
		ttlSeconds = &ttl
	}

	stream, created, err := h.store.Create(r.Context(), path, store.CreateOptions{
		ContentType: contentType,
		TTLSeconds:  ttlSeconds,
	})
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", stream.ContentType)
	h.setStreamHeaders(w, stream, h.codec.Encode(stream.TotalBytes, time.Now()))

	if created {
		w.Header().Set("Location", requestURL(r))
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	return nil
}

// handleHead handles HEAD requests for stream metadata.
func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request, path string) error {
	stream, err := h.store.Get(r.Context(), path)
	if err != nil {
		return err
	}

	etag := streamETag(stream.TotalBytes)
	w.Header().Set("Content-Type", stream.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("ETag", etag)
	h.setStreamHeaders(w, stream, h.codec.Encode(stream.TotalBytes, time.Now()))
	if stream.TTLSeconds != nil {
		w.Header().Set(HeaderStreamTTL, strconv.FormatInt(*stream.TTLSeconds, 10))
	}

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// handleAppend handles POST requests to append one chunk.
func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request, path string) error {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return newHTTPError(http.StatusBadRequest, "Content-Type header is required")
	}

	opts, err := producerOptions(r)
	if err != nil {
		return err
	}
	opts.ContentType = contentType
	opts.ProducerTTL = time.Duration(h.ProducerStateTTL)

	// Enforce the body limit before touching the store.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.MaxAppendBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errPayloadTooLarge
		}
		return newHTTPError(http.StatusBadRequest, "failed to read body")
	}
	if len(body) == 0 {
		return newHTTPError(http.StatusBadRequest, "empty body not allowed")
	}

	result, err := h.store.Append(r.Context(), path, body, opts)
	if errors.Is(err, store.ErrStreamNotFound) && h.AutoCreate {
		if _, _, cerr := h.store.Create(r.Context(), path, store.CreateOptions{ContentType: contentType}); cerr != nil {
			return cerr
		}
		result, err = h.store.Append(r.Context(), path, body, opts)
	}
	if err != nil {
		return err
	}

	// Commit precedes the wake: readers notified here always see the
	// new chunk on re-query.
	h.registry.Notify(result.StreamID, result.TotalBytes)

	h.logger.Debug("append accepted",
		zap.String("path", path),
		zap.Uint64("sequence", result.Sequence),
		zap.Uint64("byte_offset", result.ByteOffset),
		zap.Uint64("size", result.Size))

	w.Header().Set(HeaderStreamCursor, h.codec.Encode(result.TotalBytes, time.Now()))
	w.Header().Set(HeaderStreamWriteSeq, formatUint(result.WriteSeq))
	w.Header().Set(HeaderStreamTotalBytes, formatUint(result.TotalBytes))
	w.WriteHeader(http.StatusAccepted)
	return nil
}

// handleDelete handles DELETE requests; the stream is tombstoned and
// later purged by the sweeper.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, path string) error {
	if err := h.store.Delete(r.Context(), path); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// handleTruncate handles POST /{path}:truncate. Admin only; trims all
// chunks fully covered by the `through` cursor.
func (h *Handler) handleTruncate(w http.ResponseWriter, r *http.Request, path string, principal auth.Principal) error {
	if !principal.Admin {
		return auth.ErrUnauthorized
	}

	through := r.URL.Query().Get("through")
	if through == "" {
		return newHTTPError(http.StatusBadRequest, "through cursor is required")
	}
	cursor, err := h.codec.Decode(through)
	if err != nil {
		return err
	}

	stream, err := h.store.Get(r.Context(), path)
	if err != nil {
		return err
	}

	removed, err := h.store.Truncate(r.Context(), stream.ID, cursor.ByteOffset)
	if err != nil {
		return err
	}

	h.logger.Info("stream truncated",
		zap.String("path", path),
		zap.Uint64("through_offset", cursor.ByteOffset),
		zap.Int("chunks_removed", removed))

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// producerOptions parses the optional idempotent-producer headers.
// The three headers travel together: an id without epoch and sequence
// (or the reverse) is a bad request.
func producerOptions(r *http.Request) (store.AppendOptions, error) {
	id := r.Header.Get(HeaderProducerID)
	epochStr := r.Header.Get(HeaderProducerEpoch)
	seqStr := r.Header.Get(HeaderProducerSeq)

	if id == "" && epochStr == "" && seqStr == "" {
		return store.AppendOptions{}, nil
	}
	if id == "" || epochStr == "" || seqStr == "" {
		return store.AppendOptions{}, newHTTPError(http.StatusBadRequest,
			"producer headers must be provided together")
	}

	epoch, err := strconv.ParseInt(epochStr, 10, 64)
	if err != nil || epoch < 0 {
		return store.AppendOptions{}, newHTTPError(http.StatusBadRequest, "invalid producer epoch")
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil || seq < 0 {
		return store.AppendOptions{}, newHTTPError(http.StatusBadRequest, "invalid producer sequence")
	}

	return store.AppendOptions{
		ProducerID:    id,
		ProducerEpoch: epoch,
		ProducerSeq:   seq,
	}, nil
}

// requestURL rebuilds the full URL for the Location header, honoring
// reverse-proxy forwarding.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path)
}

// parseTTL parses a Stream-TTL header: a non-negative integer number
// of seconds without leading zeros.
var ttlRegex = regexp.MustCompile(`^[1-9][0-9]*$|^0$`)

func parseTTL(s string) (int64, error) {
	if !ttlRegex.MatchString(s) {
		return 0, fmt.Errorf("invalid TTL format: must be a non-negative integer without leading zeros")
	}
	ttl, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid TTL: %w", err)
	}
	return ttl, nil
}
