package durablestreams

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/HazelChat/hazel-sub004/store"
)

// defaultMaxReadBytes bounds one read response when the client does
// not pass maxBytes.
const defaultMaxReadBytes = 4 << 20 // 4 MiB

// handleRead handles GET requests: a range read, optionally blocking
// until data arrives (wait=true) or streaming live (format=sse).
func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, path string) error {
	stream, err := h.store.Get(r.Context(), path)
	if err != nil {
		return err
	}

	query := r.URL.Query()
	cursor, err := h.codec.Decode(query.Get("cursor"))
	if err != nil {
		return err
	}
	fromOffset := cursor.ByteOffset

	maxBytes := uint64(defaultMaxReadBytes)
	if raw := query.Get("maxBytes"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || n == 0 {
			return newHTTPError(http.StatusBadRequest, "invalid maxBytes")
		}
		maxBytes = n
	}

	format := query.Get("format")
	switch format {
	case "", "raw":
		format = "raw"
	case "json-array", "ndjson":
		if !store.IsJSONContentType(stream.ContentType) {
			return newHTTPError(http.StatusBadRequest, format+" requires an application/json stream")
		}
	case "sse":
		return h.handleSSE(w, r, stream, fromOffset)
	default:
		return newHTTPError(http.StatusBadRequest, "unknown format: "+format)
	}

	if fromOffset > stream.TotalBytes {
		return store.ErrInvalidOffset
	}

	chunks, err := h.store.ReadRange(r.Context(), stream.ID, fromOffset, maxBytes)
	if err != nil {
		return err
	}

	if len(chunks) == 0 && query.Get("wait") == "true" {
		chunks, err = h.waitForChunks(r.Context(), stream.ID, fromOffset, maxBytes)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				// Client went away mid-poll; no body to write.
				return nil
			}
			return err
		}
	}

	// Refresh counters so the headers reflect the tail we observed.
	if current, err := h.store.Get(r.Context(), path); err == nil {
		stream = current
	}

	if len(chunks) == 0 {
		// Long-poll timeout or caught-up read; not an error.
		etag := streamETag(fromOffset)
		w.Header().Set("Content-Type", stream.ContentType)
		w.Header().Set("ETag", etag)
		h.setStreamHeaders(w, stream, h.codec.Encode(fromOffset, time.Now()))
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return nil
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	next := chunks[len(chunks)-1].End()
	etag := streamETag(next)
	body := formatChunks(chunks, format)

	w.Header().Set("Content-Type", responseContentType(stream.ContentType, format))
	w.Header().Set("ETag", etag)
	h.setStreamHeaders(w, stream, h.codec.Encode(next, time.Now()))
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
	return nil
}

// streamETag is the cache validator for a read position. It is the
// bare byte offset, not the opaque cursor: the cursor's time bucket
// moves with the clock and two encodings of the same position must
// compare equal.
func streamETag(offset uint64) string {
	return `"` + formatUint(offset) + `"`
}

// waitForChunks blocks until the stream grows past fromOffset, the
// long-poll timeout passes, or the client cancels. A nil chunk slice
// with nil error means the deadline passed; that is not an error.
func (h *Handler) waitForChunks(ctx context.Context, streamID string, fromOffset, maxBytes uint64) ([]store.Chunk, error) {
	waiter, err := h.registry.Subscribe(streamID)
	if err != nil {
		return nil, err
	}
	defer h.registry.Unsubscribe(waiter)

	// Re-check after subscribing: an append may have committed between
	// the first read and the subscription.
	chunks, err := h.store.ReadRange(ctx, streamID, fromOffset, maxBytes)
	if err != nil || len(chunks) > 0 {
		return chunks, err
	}

	timer := time.NewTimer(time.Duration(h.LongPollTimeout))
	defer timer.Stop()

	for {
		select {
		case <-waiter.C:
			// Wakes may be coalesced or spurious; re-query and keep
			// waiting if nothing is visible yet.
			chunks, err := h.store.ReadRange(ctx, streamID, fromOffset, maxBytes)
			if err != nil || len(chunks) > 0 {
				return chunks, err
			}
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// formatChunks frames chunks per the requested format. Chunks are
// returned whole in all framings.
func formatChunks(chunks []store.Chunk, format string) []byte {
	var buf bytes.Buffer
	switch format {
	case "json-array":
		buf.WriteByte('[')
		for i, c := range chunks {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(c.Data)
		}
		buf.WriteByte(']')
	case "ndjson":
		for _, c := range chunks {
			buf.Write(c.Data)
			buf.WriteByte('\n')
		}
	default: // raw
		for _, c := range chunks {
			buf.Write(c.Data)
		}
	}
	return buf.Bytes()
}

// responseContentType picks the response Content-Type for a framing.
func responseContentType(streamType, format string) string {
	switch format {
	case "json-array":
		return "application/json"
	case "ndjson":
		return "application/x-ndjson"
	default:
		return streamType
	}
}
