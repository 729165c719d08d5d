package dispatch_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/imagepod/internal/credentials"
	"github.com/kiranshivaraju/imagepod/internal/dispatch"
	"github.com/kiranshivaraju/imagepod/internal/metrics"
	"github.com/kiranshivaraju/imagepod/pkg/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type services struct {
	*world
	ch        *recordingChannel
	gateway   *dispatch.Gateway
	lifecycle *dispatch.Lifecycle
}

func newServices(t *testing.T) *services {
	w := newWorld(t)
	ch := &recordingChannel{}
	return &services{
		world:     w,
		ch:        ch,
		gateway:   dispatch.NewGateway(w.store, ch, nil, discardLogger()),
		lifecycle: dispatch.NewLifecycle(w.store, ch, nil, discardLogger()),
	}
}

func (s *services) submit(t *testing.T) *models.Job {
	t.Helper()
	job, err := s.gateway.SubmitJob(context.Background(), s.endpoint.ID, s.user.ID, json.RawMessage(`{"prompt":"a"}`))
	require.NoError(t, err)
	return job
}

func TestReportJobUpdate_RunningThenCompleted(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()
	job := s.submit(t)

	running, err := s.lifecycle.ReportJobUpdate(ctx, s.executor.ID, job.ID, dispatch.JobUpdate{
		Status:    statusPtr(models.JobStatusRunning),
		DelayTime: int64Ptr(120),
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, running.Status)
	assert.Equal(t, int64(120), running.DelayTime)
	assert.NotNil(t, running.StartedAt)
	assert.Nil(t, running.CompletedAt)

	done, err := s.lifecycle.ReportJobUpdate(ctx, s.executor.ID, job.ID, dispatch.JobUpdate{
		Status:        statusPtr(models.JobStatusCompleted),
		ExecutionTime: int64Ptr(3400),
		Output:        json.RawMessage(`{"image":"url"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Equal(t, int64(120), done.DelayTime, "unset fields are preserved")
	assert.Equal(t, int64(3400), done.ExecutionTime)
	assert.NotNil(t, done.CompletedAt)

	got, err := s.gateway.GetJob(ctx, s.endpoint.ID, job.ID, s.user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)

	var out struct {
		Image string `json:"image"`
	}
	require.NoError(t, json.Unmarshal(got.Output, &out))
	assert.Equal(t, "url", out.Image)
}

func TestReportJobUpdate_CountsOnlyAppliedTransitions(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()
	m := metrics.New()
	lifecycle := dispatch.NewLifecycle(s.store, s.ch, m, discardLogger())
	job := s.submit(t)

	for _, st := range []models.JobStatus{
		models.JobStatusRunning,
		models.JobStatusRunning,
		models.JobStatusCompleted,
		models.JobStatusCompleted,
		models.JobStatusFailed,
	} {
		_, err := lifecycle.ReportJobUpdate(ctx, s.executor.ID, job.ID, dispatch.JobUpdate{Status: statusPtr(st)})
		require.NoError(t, err)
	}

	expected := `
# HELP imagepod_job_transitions_total Job status changes applied, by resulting status
# TYPE imagepod_job_transitions_total counter
imagepod_job_transitions_total{status="COMPLETED"} 1
imagepod_job_transitions_total{status="RUNNING"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"imagepod_job_transitions_total"))
}

func TestReportJobUpdate_FieldsOnlyKeepsStatus(t *testing.T) {
	s := newServices(t)
	job := s.submit(t)

	got, err := s.lifecycle.ReportJobUpdate(context.Background(), s.executor.ID, job.ID, dispatch.JobUpdate{
		DelayTime: int64Ptr(50),
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInQueue, got.Status)
	assert.Equal(t, int64(50), got.DelayTime)
}

func TestReportJobUpdate_OtherExecutorGetsNotFound(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()
	job := s.submit(t)

	_, err := s.lifecycle.ReportJobUpdate(ctx, s.other.ID, job.ID, dispatch.JobUpdate{
		Status: statusPtr(models.JobStatusCompleted),
		Output: json.RawMessage(`{"image":"stolen"}`),
	})
	assert.ErrorIs(t, err, dispatch.ErrNotFound)

	unchanged, err := s.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInQueue, unchanged.Status)
	assert.Nil(t, unchanged.Output)
}

func TestReportJobUpdate_UnknownJob(t *testing.T) {
	s := newServices(t)

	_, err := s.lifecycle.ReportJobUpdate(context.Background(), s.executor.ID, uuid.New(), dispatch.JobUpdate{
		Status: statusPtr(models.JobStatusRunning),
	})
	assert.ErrorIs(t, err, dispatch.ErrNotFound)
}

func TestReportJobUpdate_Validation(t *testing.T) {
	s := newServices(t)
	job := s.submit(t)

	cases := map[string]dispatch.JobUpdate{
		"in queue":       {Status: statusPtr(models.JobStatusInQueue)},
		"cancelled":      {Status: statusPtr(models.JobStatusCancelled)},
		"timed out":      {Status: statusPtr(models.JobStatusTimedOut)},
		"unknown":        {Status: statusPtr("DONE")},
		"negative delay": {DelayTime: int64Ptr(-1)},
		"negative exec":  {ExecutionTime: int64Ptr(-1)},
		"bad output":     {Output: json.RawMessage(`{"a":`)},
	}
	for name, u := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.lifecycle.ReportJobUpdate(context.Background(), s.executor.ID, job.ID, u)
			assert.ErrorIs(t, err, dispatch.ErrValidation)
		})
	}

	unchanged, err := s.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInQueue, unchanged.Status)
}

func TestReportJobUpdate_TerminalIsFinal(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()
	job := s.submit(t)

	_, err := s.lifecycle.ReportJobUpdate(ctx, s.executor.ID, job.ID, dispatch.JobUpdate{
		Status: statusPtr(models.JobStatusFailed),
		Output: json.RawMessage(`{"error":"oom"}`),
	})
	require.NoError(t, err)

	for _, u := range []dispatch.JobUpdate{
		{Status: statusPtr(models.JobStatusCompleted), Output: json.RawMessage(`{"image":"late"}`)},
		{Status: statusPtr(models.JobStatusRunning)},
		{Output: json.RawMessage(`{"image":"late"}`)},
	} {
		got, err := s.lifecycle.ReportJobUpdate(ctx, s.executor.ID, job.ID, u)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, got.Status)
		assert.JSONEq(t, `{"error":"oom"}`, string(got.Output))
	}
}

func TestCancelJob_InQueueThenExecutorReportIgnored(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()
	job := s.submit(t)

	cancelled, err := s.lifecycle.CancelJob(ctx, s.endpoint.ID, job.ID, s.user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)

	got, err := s.lifecycle.ReportJobUpdate(ctx, s.executor.ID, job.ID, dispatch.JobUpdate{
		Status: statusPtr(models.JobStatusCompleted),
		Output: json.RawMessage(`{"image":"url"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Nil(t, got.Output)
}

func TestCancelJob_RunningJob(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()
	job := s.submit(t)

	_, err := s.lifecycle.ReportJobUpdate(ctx, s.executor.ID, job.ID, dispatch.JobUpdate{
		Status: statusPtr(models.JobStatusRunning),
	})
	require.NoError(t, err)

	got, err := s.lifecycle.CancelJob(ctx, s.endpoint.ID, job.ID, s.user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
}

func TestCancelJob_CompletedIsNoop(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()
	job := s.submit(t)

	completed, err := s.lifecycle.ReportJobUpdate(ctx, s.executor.ID, job.ID, dispatch.JobUpdate{
		Status: statusPtr(models.JobStatusCompleted),
		Output: json.RawMessage(`{"image":"url"}`),
	})
	require.NoError(t, err)
	notifiedBefore := len(s.ch.Notified())

	got, err := s.lifecycle.CancelJob(ctx, s.endpoint.ID, job.ID, s.user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, completed.UpdatedAt, got.UpdatedAt)
	assert.Len(t, s.ch.Notified(), notifiedBefore)
}

func TestCancelJob_NotifiesExecutor(t *testing.T) {
	s := newServices(t)
	job := s.submit(t)

	_, err := s.lifecycle.CancelJob(context.Background(), s.endpoint.ID, job.ID, s.user.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{s.executor.ID, s.executor.ID}, s.ch.Notified())
}

func TestCancelJob_Ownership(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()
	job := s.submit(t)

	_, err := s.lifecycle.CancelJob(ctx, s.endpoint.ID, job.ID, s.otherUser.ID)
	assert.ErrorIs(t, err, dispatch.ErrNotFound)

	_, err = s.lifecycle.CancelJob(ctx, uuid.New(), job.ID, s.user.ID)
	assert.ErrorIs(t, err, dispatch.ErrNotFound)

	unchanged, err := s.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInQueue, unchanged.Status)
}

func TestCancelledJobLeavesQueue(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()
	job := s.submit(t)
	keep := s.submit(t)

	_, err := s.lifecycle.CancelJob(ctx, s.endpoint.ID, job.ID, s.user.ID)
	require.NoError(t, err)

	queued, err := s.store.GetJobsInQueue(ctx, s.executor.ID)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, keep.ID, queued[0].ID)
}

func TestReportEndpointStatus(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()

	ep, err := s.lifecycle.ReportEndpointStatus(ctx, s.executor.ID, s.endpoint.ID, models.EndpointStatusUnhealthy)
	require.NoError(t, err)
	assert.Equal(t, models.EndpointStatusUnhealthy, ep.Status)
	assert.Equal(t, s.endpoint.Version+1, ep.Version)

	_, err = s.lifecycle.ReportEndpointStatus(ctx, s.other.ID, s.endpoint.ID, models.EndpointStatusReady)
	assert.ErrorIs(t, err, dispatch.ErrNotFound)

	_, err = s.lifecycle.ReportEndpointStatus(ctx, s.executor.ID, s.endpoint.ID, models.EndpointStatusDeploying)
	assert.ErrorIs(t, err, dispatch.ErrValidation)
}

func TestRegisterExecutor(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()

	ex, err := s.lifecycle.RegisterExecutor(ctx, s.executor.ID, models.ExecutorSpec{
		GPU:         strPtr("RTX 4090"),
		CPU:         strPtr("Ryzen 9 7950X"),
		RAM:         int64Ptr(65536),
		VRAM:        int64Ptr(24576),
		CUDAVersion: strPtr("12.4"),
		ComputeType: strPtr("GPU"),
		Metadata:    json.RawMessage(`{"region":"eu-west","gpu_count":2}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "RTX 4090", ex.GPU)
	assert.Equal(t, int64(24576), ex.VRAM)
	assert.JSONEq(t, `{"region":"eu-west","gpu_count":2}`, string(ex.Metadata))
	assert.NotNil(t, ex.LastHeartbeat)

	_, err = s.lifecycle.RegisterExecutor(ctx, s.executor.ID, models.ExecutorSpec{RAM: int64Ptr(-1)})
	assert.ErrorIs(t, err, dispatch.ErrValidation)

	_, err = s.lifecycle.RegisterExecutor(ctx, s.executor.ID, models.ExecutorSpec{Metadata: json.RawMessage(`[1,2]`)})
	assert.ErrorIs(t, err, dispatch.ErrValidation)
}

func TestRegisterExecutor_PartialKeepsEarlierFields(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()

	_, err := s.lifecycle.RegisterExecutor(ctx, s.executor.ID, models.ExecutorSpec{
		GPU:      strPtr("RTX 4090"),
		CPU:      strPtr("Ryzen"),
		VRAM:     int64Ptr(24576),
		Metadata: json.RawMessage(`{"region":"eu-west"}`),
	})
	require.NoError(t, err)

	ex, err := s.lifecycle.RegisterExecutor(ctx, s.executor.ID, models.ExecutorSpec{
		CUDAVersion: strPtr("12.4"),
		Metadata:    json.RawMessage(`null`),
	})
	require.NoError(t, err)
	assert.Equal(t, "RTX 4090", ex.GPU)
	assert.Equal(t, "Ryzen", ex.CPU)
	assert.Equal(t, int64(24576), ex.VRAM)
	assert.Equal(t, "12.4", ex.CUDAVersion)
	assert.JSONEq(t, `{"region":"eu-west"}`, string(ex.Metadata))
}

func TestAddExecutor(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()

	ex, token, err := s.lifecycle.AddExecutor(ctx, s.world.user.ID, "  gpu-3 ")
	require.NoError(t, err)
	assert.Equal(t, "gpu-3", ex.Name)
	assert.Len(t, token, 32)
	assert.True(t, ex.IsActive)

	found, err := s.world.store.GetExecutorByTokenHash(ctx, credentials.HashExecutorToken(token))
	require.NoError(t, err)
	assert.Equal(t, ex.ID, found.ID)
	assert.Equal(t, s.world.user.ID, found.UserID)

	_, _, err = s.lifecycle.AddExecutor(ctx, s.world.user.ID, " ")
	assert.ErrorIs(t, err, dispatch.ErrValidation)

	_, _, err = s.lifecycle.AddExecutor(ctx, uuid.New(), "orphan")
	assert.ErrorIs(t, err, dispatch.ErrNotFound)
}
