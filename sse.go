package durablestreams

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/HazelChat/hazel-sub004/store"
)

// handleSSE upgrades the read to a long-lived text/event-stream
// response: one event per chunk, keepalive comments while idle, and
// Last-Event-ID resume.
//
// The pump is a single loop per connection: emit whatever is visible,
// then block on the waiter registry until the stream grows, the
// heartbeat fires, or the client disconnects.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request, stream *store.Stream, fromOffset uint64) error {
	if !store.IsJSONContentType(stream.ContentType) && !store.IsTextContentType(stream.ContentType) {
		return errSSENotSupported
	}

	// Last-Event-ID wins over the query cursor on reconnect.
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		cursor, err := h.codec.Decode(lastID)
		if err != nil {
			return err
		}
		fromOffset = cursor.ByteOffset
	}
	if fromOffset > stream.TotalBytes {
		return store.ErrInvalidOffset
	}

	heartbeat := time.Duration(h.SSEHeartbeatInterval)
	if raw := r.URL.Query().Get("heartbeat"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return newHTTPError(http.StatusBadRequest, "invalid heartbeat")
		}
		heartbeat = d
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return newHTTPError(http.StatusInternalServerError, "streaming not supported")
	}

	waiter, err := h.registry.Subscribe(stream.ID)
	if err != nil {
		return err
	}
	defer h.registry.Unsubscribe(waiter)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	eventName := "message"
	if store.IsJSONContentType(stream.ContentType) {
		eventName = "json"
	}

	ctx := r.Context()
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	offset := fromOffset
	for {
		// Drain everything visible before blocking again.
		for {
			chunks, err := h.store.ReadRange(ctx, stream.ID, offset, defaultMaxReadBytes)
			if err != nil {
				// Stream deleted or store gone; terminate the pump.
				h.logger.Debug("sse read failed, closing", zap.String("path", stream.Path), zap.Error(err))
				return nil
			}
			if len(chunks) == 0 {
				break
			}
			now := time.Now()
			for _, c := range chunks {
				writeSSEEvent(w, h.codec.Encode(c.End(), now), eventName, c.Data)
				offset = c.End()
			}
			flusher.Flush()
			ticker.Reset(heartbeat)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-waiter.C:
			// Committed append; loop re-queries the store.
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent frames one chunk as an SSE event. Payload newlines
// split into multiple data: lines per the SSE grammar.
func writeSSEEvent(w http.ResponseWriter, id, event string, payload []byte) {
	fmt.Fprintf(w, "id: %s\n", id)
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range bytes.Split(payload, []byte("\n")) {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}
