package dispatch_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/imagepod/internal/store"
	"github.com/kiranshivaraju/imagepod/pkg/models"
	"github.com/stretchr/testify/require"
)

// ─── recording notification channel ───

type recordingChannel struct {
	mu       sync.Mutex
	notified []uuid.UUID
	waits    []time.Duration
}

func (c *recordingChannel) Notify(_ context.Context, executorID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notified = append(c.notified, executorID)
}

func (c *recordingChannel) Wait(_ context.Context, _ uuid.UUID, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, timeout)
	return false
}

func (c *recordingChannel) Notified() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uuid.UUID(nil), c.notified...)
}

func (c *recordingChannel) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

// ─── fake cache ───

type fakeCache struct {
	mu    sync.Mutex
	flags map[string]bool
	err   error
}

func newFakeCache() *fakeCache {
	return &fakeCache{flags: make(map[string]bool)}
}

func (c *fakeCache) Ping(context.Context) error { return c.err }

func (c *fakeCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 1, c.err
}

func (c *fakeCache) SetNX(_ context.Context, key string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	if c.flags[key] {
		return false, nil
	}
	c.flags[key] = true
	return true, nil
}

// ─── seeded world ───

type world struct {
	store     *store.MemoryStore
	user      *models.User
	otherUser *models.User
	executor  *models.Executor
	other     *models.Executor
	endpoint  *models.Endpoint
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newWorld seeds two users, two executors, a template, and one Ready
// endpoint owned by user and served by executor.
func newWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Now().UTC()

	w := &world{store: st}
	w.user = &models.User{ID: uuid.New(), Email: "owner@example.com", IsActive: true, CreatedAt: now, UpdatedAt: now}
	w.otherUser = &models.User{ID: uuid.New(), Email: "other@example.com", IsActive: true, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, st.CreateUser(ctx, w.user))
	require.NoError(t, st.CreateUser(ctx, w.otherUser))

	w.executor = &models.Executor{ID: uuid.New(), UserID: w.user.ID, Name: "gpu-1", TokenHash: "hash-1", IsActive: true, CreatedAt: now, UpdatedAt: now}
	w.other = &models.Executor{ID: uuid.New(), UserID: w.user.ID, Name: "gpu-2", TokenHash: "hash-2", IsActive: true, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, st.CreateExecutor(ctx, w.executor))
	require.NoError(t, st.CreateExecutor(ctx, w.other))

	tmpl := &models.Template{ID: uuid.New(), Name: "sdxl", ImageName: "imagepod/sdxl:latest", CreatedAt: now}
	require.NoError(t, st.CreateTemplate(ctx, tmpl))

	w.endpoint = &models.Endpoint{
		ID:         uuid.New(),
		UserID:     w.user.ID,
		Name:       "sdxl-prod",
		TemplateID: tmpl.ID,
		ExecutorID: w.executor.ID,
		Status:     models.EndpointStatusReady,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, st.CreateEndpoint(ctx, w.endpoint))
	return w
}

func statusPtr(s models.JobStatus) *models.JobStatus { return &s }

func int64Ptr(v int64) *int64 { return &v }

func strPtr(v string) *string { return &v }
