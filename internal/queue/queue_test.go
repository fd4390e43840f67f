package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePod struct {
	ns, name string
}

func keyOf(p fakePod) PodKey { return PodKey{Namespace: p.ns, Name: p.name} }

func recordingExecutor(received *[]WatchEvent[fakePod], mu *sync.Mutex) Executor[fakePod] {
	return func(ctx context.Context, key PodKey, events <-chan WatchEvent[fakePod]) error {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				mu.Lock()
				*received = append(*received, ev)
				mu.Unlock()
				if ev.Kind == Deleted {
					return nil
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func TestEnqueueSpawnsExecutorOnFirstApplied(t *testing.T) {
	var received []WatchEvent[fakePod]
	var mu sync.Mutex
	q := New(keyOf, recordingExecutor(&received, &mu))

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, WatchEvent[fakePod]{Kind: Applied, Pod: fakePod{"default", "a"}}))

	assert.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEnqueueDeletedOnUnknownPodIsNoop(t *testing.T) {
	var received []WatchEvent[fakePod]
	var mu sync.Mutex
	q := New(keyOf, recordingExecutor(&received, &mu))

	err := q.Enqueue(context.Background(), WatchEvent[fakePod]{Kind: Deleted, Key: PodKey{Namespace: "default", Name: "ghost"}})
	require.NoError(t, err)
	assert.Equal(t, 0, q.Len())
}

func TestEnqueueRejectsRestarted(t *testing.T) {
	q := New(keyOf, func(ctx context.Context, key PodKey, events <-chan WatchEvent[fakePod]) error { return nil })
	err := q.Enqueue(context.Background(), WatchEvent[fakePod]{Kind: Restarted})
	assert.Error(t, err)
}

func TestDeleteEventTerminatesExecutorAndClearsMailbox(t *testing.T) {
	var received []WatchEvent[fakePod]
	var mu sync.Mutex
	q := New(keyOf, recordingExecutor(&received, &mu))

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, WatchEvent[fakePod]{Kind: Applied, Pod: fakePod{"default", "a"}}))
	require.NoError(t, q.Enqueue(ctx, WatchEvent[fakePod]{Kind: Deleted, Key: PodKey{Namespace: "default", Name: "a"}}))

	assert.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, Applied, received[0].Kind)
	assert.Equal(t, Deleted, received[1].Kind)
}

func TestResyncDeletesPodsMissingFromList(t *testing.T) {
	var received []WatchEvent[fakePod]
	var mu sync.Mutex
	// Executor that survives a Deleted event instead of returning, so we can
	// observe both events without racing mailbox cleanup.
	exec := func(ctx context.Context, key PodKey, events <-chan WatchEvent[fakePod]) error {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				mu.Lock()
				received = append(received, ev)
				mu.Unlock()
			case <-ctx.Done():
				return nil
			}
		}
	}
	q := New(keyOf, exec)

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, WatchEvent[fakePod]{Kind: Applied, Pod: fakePod{"default", "a"}}))
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, q.Resync(ctx, []fakePod{})) // "a" missing from the resync list

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && received[0].Kind == Deleted
	}, time.Second, 5*time.Millisecond)
}

func TestResyncAppliesEveryPodInList(t *testing.T) {
	var received []WatchEvent[fakePod]
	var mu sync.Mutex
	q := New(keyOf, recordingExecutor(&received, &mu))

	ctx := context.Background()
	require.NoError(t, q.Resync(ctx, []fakePod{{"default", "a"}, {"default", "b"}}))

	assert.Eventually(t, func() bool { return q.Len() == 2 }, time.Second, 5*time.Millisecond)
}
