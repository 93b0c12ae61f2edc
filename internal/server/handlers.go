package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/fleet/internal/model"
	"github.com/ashita-ai/fleet/internal/service/dispatch"
	"github.com/ashita-ai/fleet/internal/service/fleet"
	"github.com/ashita-ai/fleet/internal/service/robot"
	"github.com/ashita-ai/fleet/internal/storage"
)

// Pinger reports backing database connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.Store
	robots              *fleet.Registry
	dispatcher          *dispatch.Dispatcher
	broker              *Broker
	pinger              Pinger
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, Pinger, OpenAPISpec.
type HandlersDeps struct {
	Store               storage.Store
	Robots              *fleet.Registry
	Dispatcher          *dispatch.Dispatcher
	Broker              *Broker
	Pinger              Pinger
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		robots:              d.Robots,
		dispatcher:          d.Dispatcher,
		broker:              d.Broker,
		pinger:              d.Pinger,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleSubscribe handles GET /v1/subscribe (SSE). ?robot=<name> streams one
// robot and ?request=<id> one request, each starting with the current
// record. Without a filter every change is streamed.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable,
			"event stream not available")
		return
	}

	var f Filter
	q := r.URL.Query()
	if name := q.Get("robot"); name != "" {
		if _, err := h.robots.Get(name); err != nil {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
			return
		}
		f.Robot = name
	} else if raw := q.Get("request"); raw != "" {
		id, err := parseUUID(raw, "request")
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		f.Request = id
	}

	// Subscribe before reading the current record so no change between the
	// two is lost.
	ch := h.broker.Subscribe(f)
	defer h.broker.Unsubscribe(ch)

	var first []byte
	if f != (Filter{}) {
		ev, err := h.broker.Current(r.Context(), f)
		switch {
		case errors.Is(err, storage.ErrNotFound) && f.Request != uuid.Nil:
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "request not found")
			return
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			h.logger.Error("subscribe: load current record", "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load record")
			return
		}
		first = ev
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if first != nil {
		_, _ = w.Write(first)
	}
	if err := rc.Flush(); err != nil {
		return
	}

	// Disable the server's WriteTimeout for this long-lived connection.
	_ = rc.SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "not_configured"
	status := "healthy"
	httpStatus := http.StatusOK

	if h.pinger != nil {
		pgStatus = "connected"
		if err := h.pinger.Ping(r.Context()); err != nil {
			pgStatus = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Robots:   h.robots.Len(),
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeRobotError maps controller and registry errors onto the envelope.
func (h *Handlers) writeRobotError(w http.ResponseWriter, r *http.Request, err error) {
	var jerr *robot.JobExecutionError
	switch {
	case errors.Is(err, fleet.ErrRobotNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, robot.ErrNoActiveJob),
		errors.Is(err, robot.ErrRobotBusy),
		errors.Is(err, robot.ErrRobotOffline),
		errors.Is(err, robot.ErrRobotInactive):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, robot.ErrStopped):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, err.Error())
	case errors.As(err, &jerr):
		writeError(w, r, http.StatusBadGateway, model.ErrCodeUnavailable, err.Error())
	default:
		h.logger.Error("robot operation failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "robot operation failed")
	}
}

// --- Shared helpers ---

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 500

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

func parseUUID(raw, name string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return id, nil
}
