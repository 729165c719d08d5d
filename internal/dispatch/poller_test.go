package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/imagepod/internal/dispatch"
	"github.com/kiranshivaraju/imagepod/internal/notify"
	"github.com/kiranshivaraju/imagepod/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollForWork_ImmediateReturnsQueuedJob(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	hub := notify.NewHub(nil)
	gw := dispatch.NewGateway(w.store, hub, nil, discardLogger())
	poller := dispatch.NewPoller(w.store, hub, nil, notify.MaxWait, time.Minute, nil, discardLogger())

	job, err := gw.SubmitJob(ctx, w.endpoint.ID, w.user.ID, json.RawMessage(`{"prompt":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInQueue, job.Status)

	snap, err := poller.PollForWork(ctx, w.executor.ID, 0)
	require.NoError(t, err)
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, job.ID, snap.Jobs[0].ID)
}

func TestPollForWork_WakesOnSubmit(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	hub := notify.NewHub(nil)
	gw := dispatch.NewGateway(w.store, hub, nil, discardLogger())
	poller := dispatch.NewPoller(w.store, hub, nil, notify.MaxWait, time.Minute, nil, discardLogger())

	type result struct {
		snap *dispatch.Snapshot
		err  error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		snap, err := poller.PollForWork(ctx, w.executor.ID, 5*time.Second)
		done <- result{snap, err}
	}()

	require.Eventually(t, func() bool { return hub.Waiters(w.executor.ID) == 1 },
		2*time.Second, 5*time.Millisecond)

	job, err := gw.SubmitJob(ctx, w.endpoint.ID, w.user.ID, json.RawMessage(`{"prompt":"b"}`))
	require.NoError(t, err)

	r := <-done
	require.NoError(t, r.err)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, r.snap.Jobs, 1)
	assert.Equal(t, job.ID, r.snap.Jobs[0].ID)
}

func TestPollForWork_JobSubmittedBeforeWaitSeenAfterTimeout(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	hub := notify.NewHub(nil)
	gw := dispatch.NewGateway(w.store, hub, nil, discardLogger())
	poller := dispatch.NewPoller(w.store, hub, nil, notify.MaxWait, time.Minute, nil, discardLogger())

	job, err := gw.SubmitJob(ctx, w.endpoint.ID, w.user.ID, json.RawMessage(`{}`))
	require.NoError(t, err)

	start := time.Now()
	snap, err := poller.PollForWork(ctx, w.executor.ID, 200*time.Millisecond)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, job.ID, snap.Jobs[0].ID)
}

func TestPollForWork_QueuedJobSkipsWait(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	hub := notify.NewHub(nil)
	gw := dispatch.NewGateway(w.store, hub, nil, discardLogger())
	poller := dispatch.NewPoller(w.store, hub, nil, notify.MaxWait, time.Minute, nil, discardLogger())

	job, err := gw.SubmitJob(ctx, w.endpoint.ID, w.user.ID, json.RawMessage(`{}`))
	require.NoError(t, err)

	start := time.Now()
	snap, err := poller.PollForWork(ctx, w.executor.ID, 5*time.Second)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, job.ID, snap.Jobs[0].ID)
}

func TestPollForWork_DeployingEndpointSkipsWait(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	ch := &recordingChannel{}
	poller := dispatch.NewPoller(w.store, ch, nil, notify.MaxWait, time.Minute, nil, discardLogger())

	_, err := w.store.MarkEndpointDeploying(ctx, w.endpoint.ID, w.user.ID)
	require.NoError(t, err)

	snap, err := poller.PollForWork(ctx, w.executor.ID, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, snap.Endpoints, 1)
	assert.Empty(t, ch.Waits())
}

func TestPollForWork_IsIdempotent(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	ch := &recordingChannel{}
	gw := dispatch.NewGateway(w.store, ch, nil, discardLogger())
	poller := dispatch.NewPoller(w.store, ch, nil, notify.MaxWait, time.Minute, nil, discardLogger())

	for i := 0; i < 3; i++ {
		_, err := gw.SubmitJob(ctx, w.endpoint.ID, w.user.ID, json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	_, err := w.store.MarkEndpointDeploying(ctx, w.endpoint.ID, w.user.ID)
	require.NoError(t, err)

	first, err := poller.PollForWork(ctx, w.executor.ID, 0)
	require.NoError(t, err)
	second, err := poller.PollForWork(ctx, w.executor.ID, 0)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, first.Jobs, 3)
	for _, j := range first.Jobs {
		assert.Equal(t, models.JobStatusInQueue, j.Status)
	}
	require.Len(t, first.Endpoints, 1)
	assert.Equal(t, "imagepod/sdxl:latest", first.Endpoints[0].Template.ImageName)
}

func TestPollForWork_FIFOOrder(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	ch := &recordingChannel{}
	gw := dispatch.NewGateway(w.store, ch, nil, discardLogger())
	poller := dispatch.NewPoller(w.store, ch, nil, notify.MaxWait, time.Minute, nil, discardLogger())

	var ids []string
	for i := 0; i < 5; i++ {
		job, err := gw.SubmitJob(ctx, w.endpoint.ID, w.user.ID, json.RawMessage(`{}`))
		require.NoError(t, err)
		ids = append(ids, job.ID.String())
		time.Sleep(time.Millisecond)
	}

	snap, err := poller.PollForWork(ctx, w.executor.ID, 0)
	require.NoError(t, err)
	var got []string
	for _, j := range snap.Jobs {
		got = append(got, j.ID.String())
	}
	assert.Equal(t, ids, got)
}

func TestPollForWork_EmptyIsNotAnError(t *testing.T) {
	w := newWorld(t)
	poller := dispatch.NewPoller(w.store, &recordingChannel{}, nil, notify.MaxWait, time.Minute, nil, discardLogger())

	snap, err := poller.PollForWork(context.Background(), w.other.ID, 0)
	require.NoError(t, err)
	assert.NotNil(t, snap.Jobs)
	assert.Empty(t, snap.Jobs)
	assert.NotNil(t, snap.Endpoints)
	assert.Empty(t, snap.Endpoints)
}

func TestPollForWork_ClampsTimeout(t *testing.T) {
	w := newWorld(t)
	ch := &recordingChannel{}
	poller := dispatch.NewPoller(w.store, ch, nil, notify.MaxWait, time.Minute, nil, discardLogger())

	_, err := poller.PollForWork(context.Background(), w.executor.ID, 120*time.Second)
	require.NoError(t, err)
	_, err = poller.PollForWork(context.Background(), w.executor.ID, -3*time.Second)
	require.NoError(t, err)

	// The negative timeout clamps to zero and skips the wait entirely.
	assert.Equal(t, []time.Duration{60 * time.Second}, ch.Waits())
}

func TestPollForWork_ConfiguredMaxWait(t *testing.T) {
	w := newWorld(t)
	ch := &recordingChannel{}
	poller := dispatch.NewPoller(w.store, ch, nil, 20*time.Second, time.Minute, nil, discardLogger())

	_, err := poller.PollForWork(context.Background(), w.executor.ID, 45*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{20 * time.Second}, ch.Waits())
}

func TestPollForWork_TransportUnavailableReturnsImmediately(t *testing.T) {
	w := newWorld(t)
	poller := dispatch.NewPoller(w.store, notify.NewDisabled(nil), nil, notify.MaxWait, time.Minute, nil, discardLogger())

	start := time.Now()
	_, err := poller.PollForWork(context.Background(), w.executor.ID, 10*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPollForWork_ClientDisconnect(t *testing.T) {
	w := newWorld(t)
	hub := notify.NewHub(nil)
	poller := dispatch.NewPoller(w.store, hub, nil, notify.MaxWait, time.Minute, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := poller.PollForWork(ctx, w.executor.ID, 30*time.Second)
		done <- err
	}()

	require.Eventually(t, func() bool { return hub.Waiters(w.executor.ID) == 1 },
		2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("poll did not return after cancel")
	}
	assert.Equal(t, 0, hub.Waiters(w.executor.ID))
}

func TestPollForWork_HeartbeatThrottled(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	c := newFakeCache()
	poller := dispatch.NewPoller(w.store, &recordingChannel{}, c, notify.MaxWait, time.Minute, nil, discardLogger())

	_, err := poller.PollForWork(ctx, w.executor.ID, 0)
	require.NoError(t, err)

	ex, err := w.store.GetExecutor(ctx, w.executor.ID)
	require.NoError(t, err)
	require.NotNil(t, ex.LastHeartbeat)
	first := *ex.LastHeartbeat

	time.Sleep(5 * time.Millisecond)
	_, err = poller.PollForWork(ctx, w.executor.ID, 0)
	require.NoError(t, err)

	ex, err = w.store.GetExecutor(ctx, w.executor.ID)
	require.NoError(t, err)
	assert.Equal(t, first, *ex.LastHeartbeat)
}

func TestPollForWork_CacheErrorDoesNotFailPoll(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	c := newFakeCache()
	c.err = errors.New("redis down")
	poller := dispatch.NewPoller(w.store, &recordingChannel{}, c, notify.MaxWait, time.Minute, nil, discardLogger())

	_, err := poller.PollForWork(ctx, w.executor.ID, 0)
	require.NoError(t, err)

	ex, err := w.store.GetExecutor(ctx, w.executor.ID)
	require.NoError(t, err)
	assert.NotNil(t, ex.LastHeartbeat)
}

func TestListEndpoints_AllStatuses(t *testing.T) {
	w := newWorld(t)
	poller := dispatch.NewPoller(w.store, &recordingChannel{}, nil, notify.MaxWait, time.Minute, nil, discardLogger())

	endpoints, err := poller.ListEndpoints(context.Background(), w.executor.ID)
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, models.EndpointStatusReady, endpoints[0].Status)
}
