// Package durablestreams implements an HTTP-fronted, append-only log
// service. Named streams hold ordered, byte-addressable chunks;
// producers append, consumers read by opaque cursor with long-polling
// or server-sent events.
package durablestreams

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/HazelChat/hazel-sub004/auth"
	"github.com/HazelChat/hazel-sub004/store"
)

// Protocol header names
const (
	HeaderStreamCursor     = "X-Stream-Cursor"
	HeaderStreamWriteSeq   = "X-Stream-Write-Seq"
	HeaderStreamTotalBytes = "X-Stream-Total-Bytes"
	HeaderProducerID       = "X-Producer-Id"
	HeaderProducerEpoch    = "X-Producer-Epoch"
	HeaderProducerSeq      = "X-Producer-Seq"
	HeaderStreamTTL        = "Stream-TTL"
)

// truncateSuffix marks the admin truncate operation on a stream path.
const truncateSuffix = ":truncate"

// errSSENotSupported is returned when SSE is requested for a stream
// whose content type cannot be framed as events.
var errSSENotSupported = errors.New("sse requires a json or text stream")

// errPayloadTooLarge is returned when the append body exceeds the
// configured limit.
var errPayloadTooLarge = errors.New("append body too large")

// ServeHTTP implements caddyhttp.MiddlewareHandler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers",
		"Authorization, Content-Type, If-None-Match, Last-Event-ID, Stream-TTL, X-Producer-Id, X-Producer-Epoch, X-Producer-Seq")
	w.Header().Set("Access-Control-Expose-Headers",
		"X-Stream-Cursor, X-Stream-Write-Seq, X-Stream-Total-Bytes, ETag, Location")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	streamPath := r.URL.Path

	h.logger.Debug("handling request",
		zap.String("method", r.Method),
		zap.String("path", streamPath),
		zap.String("query", r.URL.RawQuery))

	principal, err := h.authenticate(r)
	if err != nil {
		h.writeError(w, err)
		return nil
	}

	switch r.Method {
	case http.MethodPut:
		err = h.handleCreate(w, r, streamPath)
	case http.MethodHead:
		err = h.handleHead(w, r, streamPath)
	case http.MethodGet:
		err = h.handleRead(w, r, streamPath)
	case http.MethodPost:
		if strings.HasSuffix(streamPath, truncateSuffix) {
			err = h.handleTruncate(w, r, strings.TrimSuffix(streamPath, truncateSuffix), principal)
		} else {
			err = h.handleAppend(w, r, streamPath)
		}
	case http.MethodDelete:
		err = h.handleDelete(w, r, streamPath)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}

	if err != nil {
		h.writeError(w, err)
	}
	return nil
}

// authenticate validates the bearer token on the request.
func (h *Handler) authenticate(r *http.Request) (auth.Principal, error) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	return h.validator.Validate(r.Context(), token)
}

// HTTP error handling
type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string {
	return e.message
}

func newHTTPError(status int, message string) *httpError {
	return &httpError{status: status, message: message}
}

// writeError renders the typed error taxonomy onto the response.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		http.Error(w, httpErr.message, httpErr.status)
		return
	}

	if status, ok := statusFor(err); ok {
		http.Error(w, err.Error(), status)
		return
	}

	// Everything else is infrastructure: surface as store unavailable.
	h.logger.Error("store error", zap.Error(err))
	http.Error(w, store.ErrStoreUnavailable.Error(), http.StatusServiceUnavailable)
}

// statusFor maps the typed error kinds onto HTTP status codes.
func statusFor(err error) (int, bool) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, true
	case errors.Is(err, store.ErrStreamNotFound):
		return http.StatusNotFound, true
	case errors.Is(err, store.ErrStreamExpired):
		return http.StatusGone, true
	case errors.Is(err, store.ErrStreamConflict),
		errors.Is(err, store.ErrContentTypeMismatch),
		errors.Is(err, store.ErrStaleEpoch),
		errors.Is(err, store.ErrSequenceConflict),
		errors.Is(err, store.ErrSequenceGap):
		return http.StatusConflict, true
	case errors.Is(err, store.ErrBadCursor),
		errors.Is(err, store.ErrInvalidOffset),
		errors.Is(err, store.ErrInvalidJSON),
		errors.Is(err, store.ErrEmptyBody),
		errors.Is(err, errSSENotSupported):
		return http.StatusBadRequest, true
	case errors.Is(err, errPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, true
	case errors.Is(err, store.ErrWaiterSaturation):
		return http.StatusTooManyRequests, true
	case errors.Is(err, context.Canceled):
		// Client went away; nothing sensible to write.
		return http.StatusRequestTimeout, true
	default:
		return 0, false
	}
}

// setStreamHeaders writes the standard read/append response headers.
func (h *Handler) setStreamHeaders(w http.ResponseWriter, s *store.Stream, cursor string) {
	w.Header().Set(HeaderStreamCursor, cursor)
	w.Header().Set(HeaderStreamWriteSeq, formatUint(s.WriteSeq))
	w.Header().Set(HeaderStreamTotalBytes, formatUint(s.TotalBytes))
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
