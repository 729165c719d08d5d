package notify_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/imagepod/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitForWaiters polls until n waiters are registered for id.
func waitForWaiters(t *testing.T, h *notify.Hub, id uuid.UUID, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Waiters(id) == n },
		2*time.Second, 5*time.Millisecond)
}

func TestClampTimeout(t *testing.T) {
	assert.Equal(t, time.Duration(0), notify.ClampTimeout(-5*time.Second))
	assert.Equal(t, time.Duration(0), notify.ClampTimeout(0))
	assert.Equal(t, 5*time.Second, notify.ClampTimeout(5*time.Second))
	assert.Equal(t, 60*time.Second, notify.ClampTimeout(120*time.Second))
}

func TestHub_NotifyWakesWaiter(t *testing.T) {
	h := notify.NewHub(nil)
	id := uuid.New()

	result := make(chan bool, 1)
	start := time.Now()
	go func() { result <- h.Wait(context.Background(), id, 5*time.Second) }()

	waitForWaiters(t, h, id, 1)
	h.Notify(context.Background(), id)

	select {
	case got := <-result:
		assert.True(t, got)
		assert.Less(t, time.Since(start), 2*time.Second)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter was not woken")
	}
	assert.Equal(t, 0, h.Waiters(id))
}

func TestHub_BroadcastWakesAllWaiters(t *testing.T) {
	h := notify.NewHub(nil)
	id := uuid.New()
	const n = 5

	var wg sync.WaitGroup
	results := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- h.Wait(context.Background(), id, 5*time.Second)
		}()
	}

	waitForWaiters(t, h, id, n)
	h.Notify(context.Background(), id)
	wg.Wait()
	close(results)

	for got := range results {
		assert.True(t, got)
	}
}

func TestHub_NotifyIsPerExecutor(t *testing.T) {
	h := notify.NewHub(nil)
	target, other := uuid.New(), uuid.New()

	result := make(chan bool, 1)
	go func() { result <- h.Wait(context.Background(), target, 300*time.Millisecond) }()

	waitForWaiters(t, h, target, 1)
	h.Notify(context.Background(), other)

	assert.False(t, <-result)
}

func TestHub_WaitTimesOut(t *testing.T) {
	h := notify.NewHub(nil)
	id := uuid.New()

	start := time.Now()
	got := h.Wait(context.Background(), id, 100*time.Millisecond)

	assert.False(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 0, h.Waiters(id))
}

func TestHub_ZeroTimeoutReturnsImmediately(t *testing.T) {
	h := notify.NewHub(nil)

	start := time.Now()
	assert.False(t, h.Wait(context.Background(), uuid.New(), 0))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestHub_ContextCancelReleasesWaiter(t *testing.T) {
	h := notify.NewHub(nil)
	id := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan bool, 1)
	go func() { result <- h.Wait(ctx, id, 30*time.Second) }()

	waitForWaiters(t, h, id, 1)
	cancel()

	select {
	case got := <-result:
		assert.False(t, got)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not return")
	}
	assert.Equal(t, 0, h.Waiters(id))
}

func TestHub_NotifyWithoutWaitersIsDropped(t *testing.T) {
	h := notify.NewHub(nil)
	id := uuid.New()

	h.Notify(context.Background(), id)

	// A later waiter does not see the earlier signal.
	assert.False(t, h.Wait(context.Background(), id, 50*time.Millisecond))
}

func TestHub_RepeatedNotifiesCollapse(t *testing.T) {
	h := notify.NewHub(nil)
	id := uuid.New()

	result := make(chan bool, 1)
	go func() { result <- h.Wait(context.Background(), id, 5*time.Second) }()
	waitForWaiters(t, h, id, 1)

	for i := 0; i < 10; i++ {
		h.Notify(context.Background(), id)
	}
	assert.True(t, <-result)
}

func TestHub_CloseWakesWaitersAndDisablesWait(t *testing.T) {
	h := notify.NewHub(nil)
	id := uuid.New()

	result := make(chan bool, 1)
	go func() { result <- h.Wait(context.Background(), id, 30*time.Second) }()
	waitForWaiters(t, h, id, 1)

	h.Close()

	select {
	case <-result:
	case <-time.After(time.Second):
		t.Fatal("close did not wake waiter")
	}

	start := time.Now()
	assert.False(t, h.Wait(context.Background(), id, 5*time.Second))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestHub_RunClosesOnCancel(t *testing.T) {
	h := notify.NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	cancel()

	require.NoError(t, <-done)
	assert.False(t, h.Wait(context.Background(), uuid.New(), time.Second))
}

func TestDisabled_WaitReturnsImmediately(t *testing.T) {
	d := notify.NewDisabled(nil)
	id := uuid.New()

	start := time.Now()
	d.Notify(context.Background(), id)
	assert.False(t, d.Wait(context.Background(), id, 10*time.Second))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}
