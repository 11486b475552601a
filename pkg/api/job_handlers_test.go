package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plateful/entitlements/pkg/jobs"
)

type fakeSubmitter struct {
	jobID      string
	enqueueErr error
	requeueErr error
	jobType    string
	payload    []byte
	requeued   string
}

func (f *fakeSubmitter) Enqueue(_ context.Context, jobType string, payload []byte) (string, error) {
	f.jobType = jobType
	f.payload = payload
	return f.jobID, f.enqueueErr
}

func (f *fakeSubmitter) Requeue(_ context.Context, deadLetterID string) (string, error) {
	f.requeued = deadLetterID
	return f.jobID, f.requeueErr
}

func jobRouter(submitter JobSubmitter, dlq jobs.DeadLetterStore) *mux.Router {
	router := mux.NewRouter()
	NewJobHandlers(submitter, dlq).RegisterRoutes(router)
	return router
}

func TestSubmitJob(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		submitter := &fakeSubmitter{jobID: "job_1"}
		router := jobRouter(submitter, jobs.NewInMemoryDeadLetterStore())

		body := `{"type": "send_receipt", "payload": {"invoice": "inv_1"}}`
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/v1/jobs", bytes.NewBufferString(body)))

		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Contains(t, w.Body.String(), "job_1")
		assert.Equal(t, "send_receipt", submitter.jobType)
		assert.JSONEq(t, `{"invoice": "inv_1"}`, string(submitter.payload))
	})

	t.Run("missing type", func(t *testing.T) {
		router := jobRouter(&fakeSubmitter{}, jobs.NewInMemoryDeadLetterStore())

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/v1/jobs", bytes.NewBufferString(`{}`)))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown type", func(t *testing.T) {
		submitter := &fakeSubmitter{enqueueErr: jobs.ErrUnknownJobType}
		router := jobRouter(submitter, jobs.NewInMemoryDeadLetterStore())

		body := `{"type": "nope"}`
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/v1/jobs", bytes.NewBufferString(body)))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("circuit open sheds with retry hint", func(t *testing.T) {
		submitter := &fakeSubmitter{enqueueErr: jobs.ErrCircuitOpen}
		router := jobRouter(submitter, jobs.NewInMemoryDeadLetterStore())

		body := `{"type": "send_receipt"}`
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/v1/jobs", bytes.NewBufferString(body)))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "30", w.Header().Get("Retry-After"))
		assert.Contains(t, w.Body.String(), "try again shortly")
	})

	t.Run("queue full", func(t *testing.T) {
		submitter := &fakeSubmitter{enqueueErr: jobs.ErrQueueFull}
		router := jobRouter(submitter, jobs.NewInMemoryDeadLetterStore())

		body := `{"type": "send_receipt"}`
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/v1/jobs", bytes.NewBufferString(body)))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "5", w.Header().Get("Retry-After"))
	})
}

func TestListDeadLetters(t *testing.T) {
	dlq := jobs.NewInMemoryDeadLetterStore()
	require.NoError(t, dlq.Add(context.Background(), &jobs.DeadLetter{
		ID: "dl_1",
		Job: jobs.Job{
			ID:   "job_1",
			Type: "send_receipt",
		},
		Error:    "smtp timeout",
		FailedAt: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC),
	}))
	router := jobRouter(&fakeSubmitter{}, dlq)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/jobs/dead-letters", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dl_1")
	assert.Contains(t, w.Body.String(), "smtp timeout")
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestRequeueDeadLetter(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		submitter := &fakeSubmitter{jobID: "job_2"}
		router := jobRouter(submitter, jobs.NewInMemoryDeadLetterStore())

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/v1/jobs/dead-letters/dl_1/requeue", nil))

		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, "dl_1", submitter.requeued)
		assert.Contains(t, w.Body.String(), "job_2")
	})

	t.Run("unknown id", func(t *testing.T) {
		submitter := &fakeSubmitter{requeueErr: assert.AnError}
		router := jobRouter(submitter, jobs.NewInMemoryDeadLetterStore())

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/v1/jobs/dead-letters/dl_9/requeue", nil))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("circuit open", func(t *testing.T) {
		submitter := &fakeSubmitter{requeueErr: jobs.ErrCircuitOpen}
		router := jobRouter(submitter, jobs.NewInMemoryDeadLetterStore())

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/v1/jobs/dead-letters/dl_1/requeue", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}
