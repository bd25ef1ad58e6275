package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/hopmesh/hopmesh/internal/coordinator/config"
	"github.com/hopmesh/hopmesh/internal/coordinator/dispatch"
	"github.com/hopmesh/hopmesh/internal/protocol"
)

// ExecuteHandler serves /api/execute: the synchronous dispatch entry
// point. POST carries the request in the body; GET replays the stored
// RequestConfig (both exist deliberately — see /api/config/request).
type ExecuteHandler struct {
	dispatcher *dispatch.Dispatcher
	store      *config.Store
	logger     *zap.Logger
}

// NewExecuteHandler builds an ExecuteHandler.
func NewExecuteHandler(d *dispatch.Dispatcher, store *config.Store, logger *zap.Logger) *ExecuteHandler {
	return &ExecuteHandler{dispatcher: d, store: store, logger: logger}
}

type executeRequest struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	TimeoutSec float64           `json:"timeout,omitempty"`
}

type executeResponse struct {
	JobID      string            `json:"job_id"`
	AgentID    string            `json:"agent_id"`
	SourceIP   string            `json:"source_ip"`
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	ElapsedSec float64           `json:"elapsed_sec"`
}

// Post serves POST /api/execute.
func (h *ExecuteHandler) Post(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.execute(w, r, req)
}

// Get serves GET /api/execute: replays the stored RequestConfig.
func (h *ExecuteHandler) Get(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.store.Get()
	if !ok {
		ErrBadRequest(w, "no request config stored — POST /api/config/request first")
		return
	}
	h.execute(w, r, executeRequest{
		URL:        cfg.URL,
		Method:     cfg.Method,
		Headers:    cfg.Headers,
		Body:       cfg.Body,
		TimeoutSec: cfg.TimeoutSec,
	})
}

// execute submits the job and blocks until it resolves. Submit itself
// observes r.Context(), so a caller hanging up marks the job Cancelled.
func (h *ExecuteHandler) execute(w http.ResponseWriter, r *http.Request, req executeRequest) {
	spec := dispatch.Spec{
		Method:     req.Method,
		URL:        req.URL,
		Headers:    req.Headers,
		Body:       []byte(req.Body),
		TimeoutSec: req.TimeoutSec,
	}

	job, err := h.dispatcher.Submit(r.Context(), spec)
	if err != nil {
		var derr *protocol.DispatchError
		if errors.As(err, &derr) {
			ErrKind(w, derr.Kind, derr.Message)
			return
		}
		ErrBadRequest(w, err.Error())
		return
	}

	if job.Err != nil {
		h.logger.Debug("dispatch failed",
			zap.String("job_id", job.JobID),
			zap.String("kind", string(job.Err.Kind)),
		)
		ErrKind(w, job.Err.Kind, job.Err.Message)
		return
	}

	resp := executeResponse{
		JobID:      job.JobID,
		AgentID:    job.AssignedAgent,
		SourceIP:   job.AssignedIP,
		Status:     job.Result.Status,
		Headers:    job.Result.Headers,
		Body:       string(job.Result.Body),
		ElapsedSec: job.Result.ElapsedSec,
	}
	JSON(w, http.StatusOK, resp)
}
