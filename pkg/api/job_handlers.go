package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/plateful/entitlements/pkg/httputil"
	"github.com/plateful/entitlements/pkg/jobs"
)

// JobSubmitter enqueues and requeues background jobs. *jobs.Queue satisfies it.
type JobSubmitter interface {
	Enqueue(ctx context.Context, jobType string, payload []byte) (string, error)
	Requeue(ctx context.Context, deadLetterID string) (string, error)
}

// SubmitJobRequest enqueues a background job
type SubmitJobRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JobHandlers handles background job submission and dead-letter inspection
type JobHandlers struct {
	queue       JobSubmitter
	deadLetters jobs.DeadLetterStore
}

// NewJobHandlers creates a new JobHandlers
func NewJobHandlers(queue JobSubmitter, deadLetters jobs.DeadLetterStore) *JobHandlers {
	return &JobHandlers{
		queue:       queue,
		deadLetters: deadLetters,
	}
}

// RegisterRoutes registers job routes
func (h *JobHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/jobs", h.SubmitJob).Methods("POST")
	router.HandleFunc("/v1/jobs/dead-letters", h.ListDeadLetters).Methods("GET")
	router.HandleFunc("/v1/jobs/dead-letters/{id}/requeue", h.RequeueDeadLetter).Methods("POST")
}

// SubmitJob enqueues a background job. While the circuit for the job's
// dependency is open the request is shed with 503 and a Retry-After hint.
func (h *JobHandlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Type, "type") {
		return
	}

	jobID, err := h.queue.Enqueue(r.Context(), req.Type, req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrUnknownJobType):
			httputil.WriteBadRequest(w, err.Error())
		case errors.Is(err, jobs.ErrCircuitOpen):
			w.Header().Set("Retry-After", "30")
			httputil.WriteServiceUnavailable(w, "temporarily unavailable, try again shortly")
		case errors.Is(err, jobs.ErrQueueFull):
			w.Header().Set("Retry-After", "5")
			httputil.WriteServiceUnavailable(w, "queue is full, try again shortly")
		case errors.Is(err, jobs.ErrQueueClosed):
			httputil.WriteServiceUnavailable(w, "shutting down")
		default:
			httputil.WriteInternalError(w, err)
		}
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// ListDeadLetters returns jobs that exhausted their retry budget
func (h *JobHandlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", 100)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	letters, err := h.deadLetters.List(r.Context(), limit)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"dead_letters": letters,
		"count":        len(letters),
	})
}

// RequeueDeadLetter resubmits a dead-lettered job with a fresh attempt budget
func (h *JobHandlers) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	jobID, err := h.queue.Requeue(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrCircuitOpen):
			w.Header().Set("Retry-After", "30")
			httputil.WriteServiceUnavailable(w, "temporarily unavailable, try again shortly")
		case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrQueueClosed):
			httputil.WriteServiceUnavailable(w, err.Error())
		default:
			httputil.WriteNotFound(w, err.Error())
		}
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}
