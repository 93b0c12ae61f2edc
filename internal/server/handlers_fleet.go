package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/ashita-ai/fleet/internal/model"
	"github.com/ashita-ai/fleet/internal/service/dispatch"
	"github.com/ashita-ai/fleet/internal/service/robot"
	"github.com/ashita-ai/fleet/internal/storage"
)

// HandleSubmit handles POST /v1/submit. Partial assignment failures are
// reported in the body with a 200; only a rejected submission is an error.
func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if h.maxRequestBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	}
	var req model.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	res, err := h.dispatcher.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidInput) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		h.logger.Error("submit failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to process submission")
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleListRobots handles GET /v1/robots. Records come from the live
// controllers, not the store.
func (h *Handlers) HandleListRobots(w http.ResponseWriter, r *http.Request) {
	names := h.robots.Names()
	out := make([]model.Robot, 0, len(names))
	for _, name := range names {
		ctl, err := h.robots.Get(name)
		if err != nil {
			h.writeRobotError(w, r, err)
			return
		}
		snap, err := ctl.Snapshot(r.Context())
		if err != nil {
			h.writeRobotError(w, r, err)
			return
		}
		out = append(out, snap)
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleGetRobot handles GET /v1/robots/{name}.
func (h *Handlers) HandleGetRobot(w http.ResponseWriter, r *http.Request) {
	ctl, ok := h.controller(w, r)
	if !ok {
		return
	}
	snap, err := ctl.Snapshot(r.Context())
	if err != nil {
		h.writeRobotError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandleCancelJob handles POST /v1/robots/{name}/cancel.
func (h *Handlers) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	ctl, ok := h.controller(w, r)
	if !ok {
		return
	}
	job, err := ctl.CancelCurrentJob(r.Context())
	if err != nil {
		h.writeRobotError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.CancelResult{
		Robot:     ctl.Name(),
		JobID:     job.ID,
		RequestID: job.RequestID,
	})
}

// HandleClearQueue handles POST /v1/robots/{name}/clear-queue.
func (h *Handlers) HandleClearQueue(w http.ResponseWriter, r *http.Request) {
	ctl, ok := h.controller(w, r)
	if !ok {
		return
	}
	n, err := ctl.ClearQueue(r.Context())
	if err != nil {
		h.writeRobotError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.ClearQueueResult{Robot: ctl.Name(), Cleared: n})
}

// HandleActivate handles POST /v1/robots/{name}/activate.
func (h *Handlers) HandleActivate(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, (*robot.Controller).SetActive)
}

// HandleDeactivate handles POST /v1/robots/{name}/deactivate.
func (h *Handlers) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, (*robot.Controller).SetInactive)
}

func (h *Handlers) toggle(w http.ResponseWriter, r *http.Request, op func(*robot.Controller, context.Context) error) {
	ctl, ok := h.controller(w, r)
	if !ok {
		return
	}
	if err := op(ctl, r.Context()); err != nil {
		h.writeRobotError(w, r, err)
		return
	}
	snap, err := ctl.Snapshot(r.Context())
	if err != nil {
		h.writeRobotError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

func (h *Handlers) controller(w http.ResponseWriter, r *http.Request) (*robot.Controller, bool) {
	ctl, err := h.robots.Get(r.PathValue("name"))
	if err != nil {
		h.writeRobotError(w, r, err)
		return nil, false
	}
	return ctl, true
}

// HandleListRequests handles GET /v1/requests?status=&robot=&limit=&offset=.
func (h *Handlers) HandleListRequests(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	offset := queryOffset(r)
	f := model.RequestFilter{Limit: limit + 1, Offset: offset}

	q := r.URL.Query()
	if s := q.Get("status"); s != "" {
		status := model.RequestStatus(s)
		switch status {
		case model.RequestInProgress, model.RequestCompleted, model.RequestFailed, model.RequestCancelled:
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status: "+s)
			return
		}
		f.Status = &status
	}
	if name := q.Get("robot"); name != "" {
		f.RobotName = &name
	}

	reqs, err := h.store.ListRequests(r.Context(), f)
	if err != nil {
		h.logger.Error("list requests failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list requests")
		return
	}
	hasMore := len(reqs) > limit
	if hasMore {
		reqs = reqs[:limit]
	}
	if reqs == nil {
		reqs = []model.Request{}
	}
	writeList(w, r, reqs, hasMore, limit, offset)
}

// HandleGetRequest handles GET /v1/requests/{id}.
func (h *Handlers) HandleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUID(r.PathValue("id"), "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	req, err := h.store.GetRequest(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "request not found")
			return
		}
		h.logger.Error("get request failed", "error", err, "request_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get request")
		return
	}
	writeJSON(w, r, http.StatusOK, req)
}
