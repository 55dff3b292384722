package durablestreams

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/HazelChat/hazel-sub004/auth"
	"github.com/HazelChat/hazel-sub004/store"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("durable_streams", parseCaddyfile)
}

// DefaultMaxAppendBytes is the per-request body limit.
const DefaultMaxAppendBytes = 1 << 20 // 1 MiB

// DefaultSSEHeartbeatInterval is how often an idle SSE connection
// emits a keepalive comment.
const DefaultSSEHeartbeatInterval = 15 * time.Second

// DefaultLongPollTimeout bounds how long a wait=true read blocks.
const DefaultLongPollTimeout = 30 * time.Second

// Handler serves the durable stream protocol as a Caddy HTTP handler.
//
// Storage is picked from the configuration: database_url selects the
// relational store, data_dir the embedded bbolt store, and neither
// selects the in-memory store (dev only).
type Handler struct {
	// DatabaseURL selects the relational store (sqlite: or duckdb:
	// scheme). Falls back to the DATABASE_URL environment variable.
	DatabaseURL string `json:"database_url,omitempty"`

	// DataDir selects the embedded bbolt store.
	DataDir string `json:"data_dir,omitempty"`

	// ServiceToken is the shared bearer token. Falls back to
	// STREAM_SERVICE_TOKEN. Empty disables auth (dev only).
	ServiceToken string `json:"service_token,omitempty"`

	// AutoCreate makes POST create missing streams with the request's
	// Content-Type instead of returning 404.
	AutoCreate bool `json:"auto_create,omitempty"`

	// LongPollTimeout is the deadline for wait=true reads.
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// SSEHeartbeatInterval is the idle keepalive period for SSE.
	SSEHeartbeatInterval caddy.Duration `json:"sse_heartbeat_interval,omitempty"`

	// CursorEpoch is the RFC 3339 reference instant for cursor time
	// buckets.
	CursorEpoch string `json:"cursor_epoch,omitempty"`

	// CursorIntervalSeconds is the cursor time-bucket width.
	CursorIntervalSeconds int `json:"cursor_interval_seconds,omitempty"`

	// ProducerStateTTL bounds how long idle producer rows survive.
	ProducerStateTTL caddy.Duration `json:"producer_state_ttl,omitempty"`

	// SweepInterval is the period of the expiry sweeper.
	SweepInterval caddy.Duration `json:"sweep_interval,omitempty"`

	// MaxWaitersPerStream caps concurrent long-polls per stream.
	MaxWaitersPerStream int `json:"max_waiters_per_stream,omitempty"`

	// MaxAppendBytes is the per-request body limit.
	MaxAppendBytes int64 `json:"max_append_bytes,omitempty"`

	store     store.Store
	registry  *store.WaiterRegistry
	codec     *store.CursorCodec
	validator auth.Validator
	sweeper   *store.Sweeper
	logger    *zap.Logger
}

// CaddyModule returns the Caddy module information.
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.durable_streams",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up the handler.
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()
	h.applyEnv()
	h.applyDefaults()

	if err := h.checkAuthConfig(); err != nil {
		return err
	}

	epoch := store.DefaultCursorEpoch
	if h.CursorEpoch != "" {
		t, err := time.Parse(time.RFC3339, h.CursorEpoch)
		if err != nil {
			return fmt.Errorf("invalid cursor_epoch: %w", err)
		}
		epoch = t
	}
	h.codec = store.NewCursorCodec(epoch, time.Duration(h.CursorIntervalSeconds)*time.Second)
	h.registry = store.NewWaiterRegistry(h.MaxWaitersPerStream)

	switch {
	case h.DatabaseURL != "":
		st, err := store.OpenSQLStore(h.DatabaseURL, h.logger)
		if err != nil {
			return fmt.Errorf("open relational store: %w", err)
		}
		h.store = st
		h.logger.Info("using relational store")
	case h.DataDir != "":
		st, err := store.OpenBboltStore(h.DataDir, h.logger)
		if err != nil {
			return fmt.Errorf("open bbolt store: %w", err)
		}
		h.store = st
		h.logger.Info("using bbolt store", zap.String("data_dir", h.DataDir))
	default:
		h.store = store.NewMemoryStore()
		h.logger.Info("using in-memory store (no database_url or data_dir configured)")
	}

	if h.ServiceToken != "" {
		h.validator = auth.NewTokenValidator(h.ServiceToken)
	} else {
		// Reachable only with the in-memory store; checkAuthConfig
		// refuses tokenless persistent backends.
		h.validator = auth.AllowAll{}
		h.logger.Warn("auth disabled: no service token configured")
	}

	h.sweeper = store.NewSweeper(h.store, time.Duration(h.SweepInterval), h.logger)
	if err := h.sweeper.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	return nil
}

// applyEnv fills unset config fields from the environment.
func (h *Handler) applyEnv() {
	if h.DatabaseURL == "" {
		h.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if h.ServiceToken == "" {
		h.ServiceToken = os.Getenv("STREAM_SERVICE_TOKEN")
	}
	if h.CursorEpoch == "" {
		h.CursorEpoch = os.Getenv("CURSOR_EPOCH")
	}
	if !h.AutoCreate {
		h.AutoCreate = os.Getenv("AUTO_CREATE") == "true"
	}
	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = envDuration("LONG_POLL_TIMEOUT")
	}
	if h.SSEHeartbeatInterval == 0 {
		h.SSEHeartbeatInterval = envDuration("SSE_HEARTBEAT_INTERVAL")
	}
	if h.ProducerStateTTL == 0 {
		h.ProducerStateTTL = envDuration("PRODUCER_STATE_TTL")
	}
	if h.SweepInterval == 0 {
		h.SweepInterval = envDuration("SWEEP_INTERVAL")
	}
	if h.CursorIntervalSeconds == 0 {
		h.CursorIntervalSeconds = envInt("CURSOR_INTERVAL_SECONDS")
	}
	if h.MaxWaitersPerStream == 0 {
		h.MaxWaitersPerStream = envInt("MAX_WAITERS_PER_STREAM")
	}
	if h.MaxAppendBytes == 0 {
		h.MaxAppendBytes = int64(envInt("MAX_APPEND_BYTES"))
	}
}

// applyDefaults fills anything still unset.
func (h *Handler) applyDefaults() {
	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = caddy.Duration(DefaultLongPollTimeout)
	}
	if h.SSEHeartbeatInterval == 0 {
		h.SSEHeartbeatInterval = caddy.Duration(DefaultSSEHeartbeatInterval)
	}
	if h.ProducerStateTTL == 0 {
		h.ProducerStateTTL = caddy.Duration(store.DefaultProducerTTL)
	}
	if h.SweepInterval == 0 {
		h.SweepInterval = caddy.Duration(store.DefaultSweepInterval)
	}
	if h.CursorIntervalSeconds == 0 {
		h.CursorIntervalSeconds = int(store.DefaultCursorInterval / time.Second)
	}
	if h.MaxWaitersPerStream == 0 {
		h.MaxWaitersPerStream = store.DefaultMaxWaitersPerStream
	}
	if h.MaxAppendBytes == 0 {
		h.MaxAppendBytes = DefaultMaxAppendBytes
	}
}

// checkAuthConfig rejects tokenless persistent deployments. Open
// access is a dev convenience scoped to the in-memory store; a
// configured database or data directory without a token is a
// misconfiguration, not a mode.
func (h *Handler) checkAuthConfig() error {
	if h.ServiceToken == "" && (h.DatabaseURL != "" || h.DataDir != "") {
		return fmt.Errorf("service_token (or STREAM_SERVICE_TOKEN) is required when database_url or data_dir is configured")
	}
	return nil
}

// Validate ensures the handler configuration is valid.
func (h *Handler) Validate() error {
	if h.DatabaseURL != "" && h.DataDir != "" {
		return fmt.Errorf("database_url and data_dir are mutually exclusive")
	}
	return nil
}

// Cleanup releases resources.
func (h *Handler) Cleanup() error {
	if h.sweeper != nil {
		h.sweeper.Stop()
	}
	if h.store != nil {
		return h.store.Close()
	}
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax:
//
//	durable_streams {
//	    database_url sqlite:/var/lib/streams/streams.db
//	    data_dir /var/lib/streams
//	    service_token {env.STREAM_SERVICE_TOKEN}
//	    auto_create
//	    long_poll_timeout 30s
//	    sse_heartbeat_interval 15s
//	    producer_state_ttl 168h
//	    sweep_interval 60s
//	    cursor_epoch 2024-10-09T00:00:00Z
//	    cursor_interval_seconds 20
//	    max_waiters_per_stream 10000
//	    max_append_bytes 1048576
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "database_url":
				if !d.Args(&h.DatabaseURL) {
					return d.ArgErr()
				}
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "service_token":
				if !d.Args(&h.ServiceToken) {
					return d.ArgErr()
				}
			case "auto_create":
				h.AutoCreate = true
			case "long_poll_timeout":
				dur, err := durationArg(d)
				if err != nil {
					return err
				}
				h.LongPollTimeout = dur
			case "sse_heartbeat_interval":
				dur, err := durationArg(d)
				if err != nil {
					return err
				}
				h.SSEHeartbeatInterval = dur
			case "producer_state_ttl":
				dur, err := durationArg(d)
				if err != nil {
					return err
				}
				h.ProducerStateTTL = dur
			case "sweep_interval":
				dur, err := durationArg(d)
				if err != nil {
					return err
				}
				h.SweepInterval = dur
			case "cursor_epoch":
				if !d.Args(&h.CursorEpoch) {
					return d.ArgErr()
				}
			case "cursor_interval_seconds":
				n, err := intArg(d)
				if err != nil {
					return err
				}
				h.CursorIntervalSeconds = n
			case "max_waiters_per_stream":
				n, err := intArg(d)
				if err != nil {
					return err
				}
				h.MaxWaitersPerStream = n
			case "max_append_bytes":
				n, err := intArg(d)
				if err != nil {
					return err
				}
				h.MaxAppendBytes = int64(n)
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func durationArg(d *caddyfile.Dispenser) (caddy.Duration, error) {
	var val string
	if !d.Args(&val) {
		return 0, d.ArgErr()
	}
	dur, err := caddy.ParseDuration(val)
	if err != nil {
		return 0, d.Errf("invalid duration: %v", err)
	}
	return caddy.Duration(dur), nil
}

func intArg(d *caddyfile.Dispenser) (int, error) {
	var val string
	if !d.Args(&val) {
		return 0, d.ArgErr()
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, d.Errf("invalid integer: %v", err)
	}
	return n, nil
}

func envDuration(key string) caddy.Duration {
	val := os.Getenv(key)
	if val == "" {
		return 0
	}
	dur, err := caddy.ParseDuration(val)
	if err != nil {
		return 0
	}
	return caddy.Duration(dur)
}

func envInt(key string) int {
	val := os.Getenv(key)
	if val == "" {
		return 0
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0
	}
	return n
}

func parseCaddyfile(helper httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(helper.Dispenser)
	return &handler, err
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
