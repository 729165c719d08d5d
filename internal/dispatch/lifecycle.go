package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/imagepod/internal/credentials"
	"github.com/kiranshivaraju/imagepod/internal/metrics"
	"github.com/kiranshivaraju/imagepod/internal/notify"
	"github.com/kiranshivaraju/imagepod/internal/store"
	"github.com/kiranshivaraju/imagepod/pkg/models"
)

// JobUpdate is an executor's report on a job. Nil fields are left unchanged.
type JobUpdate struct {
	Status        *models.JobStatus
	DelayTime     *int64
	ExecutionTime *int64
	Output        json.RawMessage
}

// executorStatuses are the only statuses an executor may report.
var executorStatuses = map[models.JobStatus]bool{
	models.JobStatusRunning:   true,
	models.JobStatusCompleted: true,
	models.JobStatusFailed:    true,
}

// reportableEndpointStatuses are the endpoint states an executor may set.
var reportableEndpointStatuses = map[models.EndpointStatus]bool{
	models.EndpointStatusReady:     true,
	models.EndpointStatusUnhealthy: true,
}

// Lifecycle applies job and endpoint state changes reported by executors
// and cancellations requested by clients. Terminal job states are final: the
// first terminal write wins and later writes return the job unchanged.
type Lifecycle struct {
	store    store.Store
	notifier notify.Channel
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewLifecycle creates a new Lifecycle. m may be nil.
func NewLifecycle(st store.Store, ch notify.Channel, m *metrics.Metrics, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{
		store:    st,
		notifier: ch,
		metrics:  m,
		logger:   logger.With("component", "lifecycle"),
	}
}

// ReportJobUpdate applies an executor's update to one of its own jobs.
func (l *Lifecycle) ReportJobUpdate(ctx context.Context, executorID, jobID uuid.UUID, u JobUpdate) (*models.Job, error) {
	if err := u.validate(); err != nil {
		return nil, err
	}

	job, prev, err := l.store.UpdateJobAsExecutor(ctx, executorID, jobID, models.JobFields{
		Status:        u.Status,
		DelayTime:     u.DelayTime,
		ExecutionTime: u.ExecutionTime,
		Output:        u.Output,
	})
	if err != nil {
		return nil, mapStoreError("update job", err)
	}

	switch {
	case u.Status == nil:
	case job.Status != prev:
		l.metrics.JobTransition(string(job.Status))
	case prev.IsTerminal():
		l.logger.Info("ignored update on terminal job",
			"job_id", job.ID,
			"executor_id", executorID,
			"status", job.Status,
			"reported", *u.Status,
		)
	}
	return job, nil
}

// CancelJob cancels a queued or running job for its owning client.
// Cancelling a job that already finished returns it unchanged.
func (l *Lifecycle) CancelJob(ctx context.Context, endpointID, jobID, userID uuid.UUID) (*models.Job, error) {
	if _, err := ownedEndpoint(ctx, l.store, endpointID, userID); err != nil {
		return nil, err
	}
	before, err := jobOnEndpoint(ctx, l.store, endpointID, jobID)
	if err != nil {
		return nil, err
	}

	job, err := l.store.CancelJob(ctx, jobID)
	if err != nil {
		return nil, mapStoreError("cancel job", err)
	}

	if !before.Status.IsTerminal() && job.Status == models.JobStatusCancelled {
		l.metrics.JobTransition(string(job.Status))
		// Waiting polls refresh so the job drops out of the executor's queue.
		l.notifier.Notify(ctx, job.ExecutorID)
		l.logger.Info("job cancelled", "job_id", job.ID, "executor_id", job.ExecutorID)
	}
	return job, nil
}

// ReportEndpointStatus records the deployment outcome of one of the
// executor's endpoints.
func (l *Lifecycle) ReportEndpointStatus(ctx context.Context, executorID, endpointID uuid.UUID, status models.EndpointStatus) (*models.Endpoint, error) {
	if !reportableEndpointStatuses[status] {
		return nil, validationError("status must be one of Ready, Unhealthy; got %q", status)
	}

	ep, err := l.store.UpdateEndpointStatusAsExecutor(ctx, executorID, endpointID, status)
	if err != nil {
		return nil, mapStoreError("update endpoint status", err)
	}

	l.logger.Info("endpoint status reported",
		"endpoint_id", ep.ID,
		"executor_id", executorID,
		"status", ep.Status,
		"version", ep.Version,
	)
	return ep, nil
}

// RegisterExecutor stores the hardware descriptor an agent reports at start-up.
func (l *Lifecycle) RegisterExecutor(ctx context.Context, executorID uuid.UUID, spec models.ExecutorSpec) (*models.Executor, error) {
	if (spec.RAM != nil && *spec.RAM < 0) || (spec.VRAM != nil && *spec.VRAM < 0) {
		return nil, validationError("ram and vram must not be negative")
	}
	metadata, err := metadataObject(spec.Metadata)
	if err != nil {
		return nil, err
	}
	spec.Metadata = metadata

	ex, err := l.store.UpdateExecutorSpec(ctx, executorID, spec)
	if err != nil {
		return nil, mapStoreError("update executor spec", err)
	}

	l.logger.Info("executor registered", "executor_id", ex.ID, "gpu", ex.GPU, "compute_type", ex.ComputeType)
	return ex, nil
}

// AddExecutor creates an executor for userID and returns it with its raw
// token. The token is not stored and cannot be recovered later.
func (l *Lifecycle) AddExecutor(ctx context.Context, userID uuid.UUID, name string) (*models.Executor, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", validationError("name is required")
	}

	token, err := credentials.NewExecutorToken()
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	ex := &models.Executor{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		TokenHash: credentials.HashExecutorToken(token),
		IsActive:  true,
		Metadata:  json.RawMessage(`{}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.CreateExecutor(ctx, ex); err != nil {
		return nil, "", mapStoreError("create executor", err)
	}

	l.logger.Info("executor added", "executor_id", ex.ID, "user_id", userID)
	return ex, token, nil
}

// metadataObject returns raw if it is a JSON object, nil if it is absent or
// null, and a validation error otherwise.
func metadataObject(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, validationError("metadata must be a JSON object")
	}
	return trimmed, nil
}

func (u JobUpdate) validate() error {
	if u.Status != nil && !executorStatuses[*u.Status] {
		return validationError("status must be one of RUNNING, COMPLETED, FAILED; got %q", *u.Status)
	}
	if u.DelayTime != nil && *u.DelayTime < 0 {
		return validationError("delay_time must not be negative")
	}
	if u.ExecutionTime != nil && *u.ExecutionTime < 0 {
		return validationError("execution_time must not be negative")
	}
	if len(u.Output) > 0 && !json.Valid(u.Output) {
		return validationError("output must be valid JSON")
	}
	return nil
}
