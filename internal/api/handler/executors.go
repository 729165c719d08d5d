package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/imagepod/internal/api/middleware"
	"github.com/kiranshivaraju/imagepod/internal/api/response"
	"github.com/kiranshivaraju/imagepod/internal/dispatch"
	"github.com/kiranshivaraju/imagepod/internal/notify"
	"github.com/kiranshivaraju/imagepod/pkg/models"
)

// WorkPoller serves executor polls.
type WorkPoller interface {
	PollForWork(ctx context.Context, executorID uuid.UUID, timeout time.Duration) (*dispatch.Snapshot, error)
	ListEndpoints(ctx context.Context, executorID uuid.UUID) ([]*models.EndpointSummary, error)
}

// ExecutorReporter applies state reported by executors.
type ExecutorReporter interface {
	ReportJobUpdate(ctx context.Context, executorID, jobID uuid.UUID, u dispatch.JobUpdate) (*models.Job, error)
	ReportEndpointStatus(ctx context.Context, executorID, endpointID uuid.UUID, status models.EndpointStatus) (*models.Endpoint, error)
	RegisterExecutor(ctx context.Context, executorID uuid.UUID, spec models.ExecutorSpec) (*models.Executor, error)
}

// ExecutorAdder creates executors on behalf of a user.
type ExecutorAdder interface {
	AddExecutor(ctx context.Context, userID uuid.UUID, name string) (*models.Executor, string, error)
}

// NewPollHandler returns an http.HandlerFunc for GET /executors/updates.
// The timeout query parameter is in (possibly fractional) seconds.
func NewPollHandler(svc WorkPoller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		executorID, ok := mw.ExecutorID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing executor", nil)
			return
		}

		timeout, err := parseTimeout(r.URL.Query().Get("timeout"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		snap, err := svc.PollForWork(r.Context(), executorID, timeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// client went away
				return
			}
			writeServiceError(w, err)
			return
		}
		response.JSON(w, snap)
	}
}

var errBadTimeout = errors.New("timeout must be a number of seconds")

func parseTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, errBadTimeout
	}
	// Clamp before converting so huge values cannot overflow a Duration.
	secs = math.Max(0, math.Min(secs, notify.MaxWait.Seconds()))
	return time.Duration(secs * float64(time.Second)), nil
}

// NewListEndpointsHandler returns an http.HandlerFunc for GET /executors/endpoints.
func NewListEndpointsHandler(svc WorkPoller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		executorID, ok := mw.ExecutorID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing executor", nil)
			return
		}

		eps, err := svc.ListEndpoints(r.Context(), executorID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if eps == nil {
			eps = []*models.EndpointSummary{}
		}
		response.JSON(w, eps)
	}
}

// NewJobUpdateHandler returns an http.HandlerFunc for PATCH /executors/job/{jobID}.
func NewJobUpdateHandler(svc ExecutorReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		executorID, ok := mw.ExecutorID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing executor", nil)
			return
		}
		jobID, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}

		var req struct {
			Status        *models.JobStatus `json:"status"`
			DelayTime     *int64            `json:"delay_time"`
			ExecutionTime *int64            `json:"execution_time"`
			OutputData    json.RawMessage   `json:"output_data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if bytes.Equal(bytes.TrimSpace(req.OutputData), []byte("null")) {
			req.OutputData = nil
		}

		job, err := svc.ReportJobUpdate(r.Context(), executorID, jobID, dispatch.JobUpdate{
			Status:        req.Status,
			DelayTime:     req.DelayTime,
			ExecutionTime: req.ExecutionTime,
			Output:        req.OutputData,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.OK(w, job.ID.String(), "")
	}
}

// NewEndpointStatusHandler returns an http.HandlerFunc for
// PATCH /executors/endpoints/{endpointID}.
func NewEndpointStatusHandler(svc ExecutorReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		executorID, ok := mw.ExecutorID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing executor", nil)
			return
		}
		endpointID, ok := pathUUID(w, r, "endpointID")
		if !ok {
			return
		}

		var req struct {
			Status models.EndpointStatus `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		ep, err := svc.ReportEndpointStatus(r.Context(), executorID, endpointID, req.Status)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.OK(w, ep.ID.String(), string(ep.Status))
	}
}

type registerResponse struct {
	Detail     string    `json:"detail"`
	ExecutorID uuid.UUID `json:"executor_id"`
}

// NewRegisterHandler returns an http.HandlerFunc for POST /executors/register.
func NewRegisterHandler(svc ExecutorReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		executorID, ok := mw.ExecutorID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing executor", nil)
			return
		}

		var spec models.ExecutorSpec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		ex, err := svc.RegisterExecutor(r.Context(), executorID, spec)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, registerResponse{Detail: "ok", ExecutorID: ex.ID})
	}
}

type addExecutorResponse struct {
	APIKey     string    `json:"api_key"`
	ExecutorID uuid.UUID `json:"executor_id"`
}

// NewAddExecutorHandler returns an http.HandlerFunc for POST /executors/add.
// The raw token appears only in this response.
func NewAddExecutorHandler(svc ExecutorAdder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.UserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		ex, token, err := svc.AddExecutor(r.Context(), userID, req.Name)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, addExecutorResponse{APIKey: token, ExecutorID: ex.ID})
	}
}
