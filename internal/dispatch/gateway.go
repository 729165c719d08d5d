// Package dispatch implements job submission, executor long-polling, and the
// job state machine on top of a store.Store and a notify.Channel.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/imagepod/internal/metrics"
	"github.com/kiranshivaraju/imagepod/internal/notify"
	"github.com/kiranshivaraju/imagepod/internal/store"
	"github.com/kiranshivaraju/imagepod/pkg/models"
)

// Gateway is the client-facing entry point: it creates jobs against an
// endpoint and wakes the endpoint's executor.
type Gateway struct {
	store    store.Store
	notifier notify.Channel
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewGateway creates a new Gateway. m may be nil.
func NewGateway(st store.Store, ch notify.Channel, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	return &Gateway{
		store:    st,
		notifier: ch,
		metrics:  m,
		logger:   logger.With("component", "gateway"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SubmitJob creates an IN_QUEUE job on the endpoint's current executor and
// notifies that executor. It returns as soon as the job row exists.
func (g *Gateway) SubmitJob(ctx context.Context, endpointID, userID uuid.UUID, input json.RawMessage) (*models.Job, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}

	ep, err := ownedEndpoint(ctx, g.store, endpointID, userID)
	if err != nil {
		return nil, err
	}

	now := g.now()
	job := &models.Job{
		ID:         uuid.New(),
		EndpointID: ep.ID,
		ExecutorID: ep.ExecutorID,
		UserID:     ep.UserID,
		Status:     models.JobStatusInQueue,
		Input:      input,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := g.store.CreateJob(ctx, job); err != nil {
		return nil, mapStoreError("create job", err)
	}
	g.metrics.JobSubmitted()

	g.notifier.Notify(ctx, job.ExecutorID)

	g.logger.Info("job submitted",
		"job_id", job.ID,
		"endpoint_id", job.EndpointID,
		"executor_id", job.ExecutorID,
	)
	return job, nil
}

// GetJob returns a job for its owning client. The job must belong to
// endpointID and the endpoint to userID.
func (g *Gateway) GetJob(ctx context.Context, endpointID, jobID, userID uuid.UUID) (*models.Job, error) {
	if _, err := ownedEndpoint(ctx, g.store, endpointID, userID); err != nil {
		return nil, err
	}
	return jobOnEndpoint(ctx, g.store, endpointID, jobID)
}

// DeployEndpoint puts the endpoint back into Deploying and wakes its
// executor so the agent (re)starts the container.
func (g *Gateway) DeployEndpoint(ctx context.Context, endpointID, userID uuid.UUID) (*models.Endpoint, error) {
	ep, err := g.store.MarkEndpointDeploying(ctx, endpointID, userID)
	if err != nil {
		return nil, mapStoreError("mark endpoint deploying", err)
	}

	g.notifier.Notify(ctx, ep.ExecutorID)

	g.logger.Info("endpoint deploy requested",
		"endpoint_id", ep.ID,
		"executor_id", ep.ExecutorID,
		"version", ep.Version,
	)
	return ep, nil
}

// ownedEndpoint loads an endpoint and checks it belongs to userID.
func ownedEndpoint(ctx context.Context, st store.Store, endpointID, userID uuid.UUID) (*models.Endpoint, error) {
	ep, err := st.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, mapStoreError("get endpoint", err)
	}
	if ep.UserID != userID {
		return nil, ErrNotFound
	}
	return ep, nil
}

// jobOnEndpoint loads a job and checks it was submitted to endpointID.
func jobOnEndpoint(ctx context.Context, st store.Store, endpointID, jobID uuid.UUID) (*models.Job, error) {
	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		return nil, mapStoreError("get job", err)
	}
	if job.EndpointID != endpointID {
		return nil, ErrNotFound
	}
	return job, nil
}

func validateInput(input json.RawMessage) error {
	if len(input) == 0 {
		return validationError("input is required")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(input, &obj); err != nil || obj == nil {
		return validationError("input must be a JSON object")
	}
	return nil
}
