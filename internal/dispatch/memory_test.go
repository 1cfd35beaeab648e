package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	berrors "github.com/Aman-CERP/bivy/internal/errors"
	"github.com/Aman-CERP/bivy/internal/registry"
)

// runQueue runs q in the background until the test ends.
func runQueue(t *testing.T, q Queue, h Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = q.Close()
	})
}

func TestMemoryQueue_DeliversJobs(t *testing.T) {
	// Given: a queue with two workers
	q := NewMemoryQueue(Options{Workers: 2, Retry: testRetry()})
	var mu sync.Mutex
	seen := map[any]Kind{}
	runQueue(t, q, HandlerFunc(func(_ context.Context, j Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen[j.Ref.Key] = j.Kind
		return nil
	}))

	// When: enqueueing a save and a purge
	h, err := q.Enqueue(context.Background(), NewJob(KindSave, registry.RecordRef{Type: "Tent", Key: 1}))
	require.NoError(t, err)
	assert.Equal(t, "memory", h.Queue)
	_, err = q.Enqueue(context.Background(), NewJob(KindPurge, registry.RecordRef{Type: "Tent", Key: 2}))
	require.NoError(t, err)

	// Then: both are handled once
	assert.Eventually(t, func() bool { return q.Status().Snapshot().Succeeded == 2 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[any]Kind{1: KindSave, 2: KindPurge}, seen)
}

func TestMemoryQueue_RedeliversRetryableFailures(t *testing.T) {
	// Given: a handler that fails twice with a backend error
	q := NewMemoryQueue(Options{Workers: 1, Retry: testRetry()})
	var calls atomic.Int32
	var attempts []int
	var mu sync.Mutex
	runQueue(t, q, HandlerFunc(func(_ context.Context, j Job) error {
		mu.Lock()
		attempts = append(attempts, j.Attempt)
		mu.Unlock()
		if calls.Add(1) <= 2 {
			return berrors.BackendUnavailable("tents_idx", "upsert", nil)
		}
		return nil
	}))

	_, err := q.Enqueue(context.Background(), NewJob(KindSave, registry.RecordRef{Type: "Tent", Key: 1}))
	require.NoError(t, err)

	// Then: the third delivery succeeds
	assert.Eventually(t, func() bool { return q.Status().Snapshot().Succeeded == 1 }, 2*time.Second, 5*time.Millisecond)
	snap := q.Status().Snapshot()
	assert.Equal(t, 2, snap.Retried)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestMemoryQueue_DeadLettersAfterMaxAttempts(t *testing.T) {
	dead := make(chan Job, 1)
	q := NewMemoryQueue(Options{Workers: 1, Retry: testRetry(), OnDead: func(j Job, _ error) { dead <- j }})
	runQueue(t, q, HandlerFunc(func(context.Context, Job) error {
		return berrors.BackendUnavailable("tents_idx", "upsert", nil)
	}))

	_, err := q.Enqueue(context.Background(), NewJob(KindSave, registry.RecordRef{Type: "Tent", Key: 1}))
	require.NoError(t, err)

	select {
	case j := <-dead:
		assert.Equal(t, 3, j.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not dead-lettered")
	}
	assert.Equal(t, 1, q.Status().Snapshot().Dead)
}

func TestMemoryQueue_TerminalFailureIsNotRetried(t *testing.T) {
	q := NewMemoryQueue(Options{Workers: 1, Retry: testRetry()})
	var calls atomic.Int32
	runQueue(t, q, HandlerFunc(func(context.Context, Job) error {
		calls.Add(1)
		return berrors.RecordNotFound("Tent", 1)
	}))

	_, err := q.Enqueue(context.Background(), NewJob(KindSave, registry.RecordRef{Type: "Tent", Key: 1}))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return q.Status().Snapshot().Failed == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMemoryQueue_EnqueueAfterClose(t *testing.T) {
	q := NewMemoryQueue(Options{})
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err := q.Enqueue(context.Background(), NewJob(KindSave, registry.RecordRef{Type: "Tent", Key: 1}))

	assert.Equal(t, berrors.ErrCodeDispatchFailed, berrors.GetCode(err))
}

func TestMemoryQueue_EnqueueRespectsContextWhenFull(t *testing.T) {
	q := NewMemoryQueue(Options{Buffer: 1})
	defer q.Close()
	ref := registry.RecordRef{Type: "Tent", Key: 1}
	_, err := q.Enqueue(context.Background(), NewJob(KindSave, ref))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Enqueue(ctx, NewJob(KindSave, ref))

	assert.Error(t, err)
	d, _ := q.Depth(context.Background())
	assert.Equal(t, 1, d.Ready)
}
