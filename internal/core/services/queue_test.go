package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipchef/clipchef/internal/core/domain"
)

func TestTaskQueue_FIFO(t *testing.T) {
	q := NewTaskQueue(testLogger(), QueueConfig{Capacity: 8, Workers: 1})

	require.NoError(t, q.Enqueue("job-1"))
	require.NoError(t, q.Enqueue("job-2"))
	require.NoError(t, q.Enqueue("job-3"))

	ctx := context.Background()
	for _, want := range []domain.JobID{"job-1", "job-2", "job-3"} {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		q.Ack(got)
	}
}

func TestTaskQueue_EnqueueFull(t *testing.T) {
	q := NewTaskQueue(testLogger(), QueueConfig{Capacity: 1, Workers: 1})

	require.NoError(t, q.Enqueue("job-1"))
	assert.ErrorIs(t, q.Enqueue("job-2"), ErrQueueFull)
}

func TestTaskQueue_DequeueBlocksUntilWork(t *testing.T) {
	q := NewTaskQueue(testLogger(), QueueConfig{Capacity: 8, Workers: 1})

	got := make(chan domain.JobID, 1)
	go func() {
		id, err := q.Dequeue(context.Background())
		if err == nil {
			got <- id
		}
	}()

	// Dequeue must suspend, not spin or fail, while the queue is empty.
	select {
	case id := <-got:
		t.Fatalf("dequeue returned %s from empty queue", id)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, q.Enqueue("job-1"))

	select {
	case id := <-got:
		assert.Equal(t, domain.JobID("job-1"), id)
	case <-time.After(1 * time.Second):
		t.Fatal("dequeue did not wake up on enqueue")
	}
}

func TestTaskQueue_DequeueCancelled(t *testing.T) {
	q := NewTaskQueue(testLogger(), QueueConfig{Capacity: 8, Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTaskQueue_RedeliveryAfterVisibilityTimeout(t *testing.T) {
	q := NewTaskQueue(testLogger(), QueueConfig{
		Capacity:          8,
		Workers:           1,
		VisibilityTimeout: 40 * time.Millisecond,
	})

	require.NoError(t, q.Enqueue("job-crash"))

	id, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.JobID("job-crash"), id)

	// Simulated worker crash: the job is never acknowledged.
	time.Sleep(60 * time.Millisecond)
	q.redeliverExpired()

	redelivered, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.JobID("job-crash"), redelivered)
}

func TestTaskQueue_RedeliveryRetriesWhenBufferFull(t *testing.T) {
	q := NewTaskQueue(testLogger(), QueueConfig{
		Capacity:          1,
		Workers:           1,
		VisibilityTimeout: 40 * time.Millisecond,
	})

	require.NoError(t, q.Enqueue("job-crashed"))

	id, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.JobID("job-crashed"), id)

	// The only buffer slot is occupied when the claim expires.
	require.NoError(t, q.Enqueue("job-other"))

	time.Sleep(60 * time.Millisecond)
	q.redeliverExpired()

	// Redelivery could not be placed; the claim must survive so the job
	// is retried on a later tick instead of being dropped.
	other, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.JobID("job-other"), other)
	q.Ack(other)

	time.Sleep(60 * time.Millisecond)
	q.redeliverExpired()

	redelivered, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.JobID("job-crashed"), redelivered)
}

func TestTaskQueue_AckPreventsRedelivery(t *testing.T) {
	q := NewTaskQueue(testLogger(), QueueConfig{
		Capacity:          8,
		Workers:           1,
		VisibilityTimeout: 40 * time.Millisecond,
	})

	require.NoError(t, q.Enqueue("job-done"))

	id, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	q.Ack(id)

	time.Sleep(60 * time.Millisecond)
	q.redeliverExpired()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTaskQueue_StartBoundsConcurrency(t *testing.T) {
	const workers = 2
	q := NewTaskQueue(testLogger(), QueueConfig{Capacity: 32, Workers: workers})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		running atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)

	wg.Add(8)
	q.Start(ctx, func(_ context.Context, _ domain.JobID) {
		defer wg.Done()
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
	})

	for i := 0; i < 8; i++ {
		require.NoError(t, q.Enqueue(domain.JobID(string(rune('a'+i)))))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handlers did not finish")
	}

	assert.LessOrEqual(t, peak.Load(), int32(workers))
}
