package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPriorityOrdering(t *testing.T) {
	q := New(100, zap.NewNop())

	require.NoError(t, q.Enqueue("task-a", 3, nil))
	require.NoError(t, q.Enqueue("task-b", 5, nil))
	require.NoError(t, q.Enqueue("task-c", 1, nil))

	ctx := context.Background()

	for _, want := range []string{"task-b", "task-a", "task-c"} {
		entry, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, entry.TaskID)
	}
}

func TestFIFOTieBreak(t *testing.T) {
	q := New(100, zap.NewNop())

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(fmt.Sprintf("task-%d", i), 3, nil))
	}

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		entry, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("task-%d", i), entry.TaskID)
	}
}

func TestQueueFull(t *testing.T) {
	q := New(2, zap.NewNop())

	require.NoError(t, q.Enqueue("task-1", 3, nil))
	require.NoError(t, q.Enqueue("task-2", 3, nil))

	err := q.Enqueue("task-3", 3, nil)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Size())
}

func TestRemove(t *testing.T) {
	q := New(100, zap.NewNop())

	require.NoError(t, q.Enqueue("task-1", 3, nil))
	require.NoError(t, q.Enqueue("task-2", 3, nil))

	assert.True(t, q.Remove("task-1"))
	assert.False(t, q.Remove("task-1"))
	assert.Equal(t, 1, q.Size())

	entry, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "task-2", entry.TaskID)
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(100, zap.NewNop())

	got := make(chan *Entry, 1)
	go func() {
		entry, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		got <- entry
	}()

	// The consumer must not return before anything is enqueued.
	select {
	case <-got:
		t.Fatal("Dequeue returned on empty queue")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, q.Enqueue("task-1", 2, nil))

	select {
	case entry := <-got:
		assert.Equal(t, "task-1", entry.TaskID)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not wake after enqueue")
	}
}

func TestDequeueContextCancel(t *testing.T) {
	q := New(100, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()

	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not observe context cancellation")
	}
}

func TestCloseWakesConsumers(t *testing.T) {
	q := New(100, zap.NewNop())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not observe Close")
	}
}

func TestMultipleConsumersDrainBurst(t *testing.T) {
	q := New(100, zap.NewNop())

	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(fmt.Sprintf("task-%d", i), 1+i%5, nil))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan string, 20)
	for w := 0; w < 4; w++ {
		go func() {
			for {
				entry, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				got <- entry.TaskID
			}
		}()
	}

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		select {
		case id := <-got:
			seen[id] = true
		case <-ctx.Done():
			t.Fatalf("only drained %d of 20 entries", len(seen))
		}
	}
	assert.Len(t, seen, 20)
	assert.Equal(t, 0, q.Size())
}
