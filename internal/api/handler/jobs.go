package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/imagepod/internal/api/middleware"
	"github.com/kiranshivaraju/imagepod/internal/api/response"
	"github.com/kiranshivaraju/imagepod/pkg/models"
)

// JobService is the client-facing job API.
type JobService interface {
	SubmitJob(ctx context.Context, endpointID, userID uuid.UUID, input json.RawMessage) (*models.Job, error)
	GetJob(ctx context.Context, endpointID, jobID, userID uuid.UUID) (*models.Job, error)
}

// JobCanceller cancels a client's job.
type JobCanceller interface {
	CancelJob(ctx context.Context, endpointID, jobID, userID uuid.UUID) (*models.Job, error)
}

// EndpointDeployer asks an endpoint's executor to (re)deploy it.
type EndpointDeployer interface {
	DeployEndpoint(ctx context.Context, endpointID, userID uuid.UUID) (*models.Endpoint, error)
}

type submitResponse struct {
	ID     uuid.UUID        `json:"id"`
	Status models.JobStatus `json:"status"`
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /jobs/{endpointID}/run.
func NewSubmitJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.UserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}
		endpointID, ok := pathUUID(w, r, "endpointID")
		if !ok {
			return
		}

		var req struct {
			Input json.RawMessage `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := svc.SubmitJob(r.Context(), endpointID, userID, req.Input)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		response.JSON(w, submitResponse{ID: job.ID, Status: job.Status})
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /jobs/{endpointID}/status/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.UserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}
		endpointID, ok := pathUUID(w, r, "endpointID")
		if !ok {
			return
		}
		jobID, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}

		job, err := svc.GetJob(r.Context(), endpointID, jobID, userID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for
// GET and POST /jobs/{endpointID}/cancel/{jobID}. The body is the job after
// cancellation, which for an already finished job is its unchanged state.
func NewCancelJobHandler(svc JobCanceller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.UserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}
		endpointID, ok := pathUUID(w, r, "endpointID")
		if !ok {
			return
		}
		jobID, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}

		job, err := svc.CancelJob(r.Context(), endpointID, jobID, userID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewDeployEndpointHandler returns an http.HandlerFunc for
// POST /endpoints/{endpointID}/deploy.
func NewDeployEndpointHandler(svc EndpointDeployer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.UserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}
		endpointID, ok := pathUUID(w, r, "endpointID")
		if !ok {
			return
		}

		ep, err := svc.DeployEndpoint(r.Context(), endpointID, userID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, ep)
	}
}
