package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbotask-dev/turbotask/pkg/taskstate"
)

func TestScheduler_ExecutesEnqueuedTask(t *testing.T) {
	arena := taskstate.New(0)
	var ran int32
	body := func(ctx context.Context, id TaskId) (any, error) {
		atomic.AddInt32(&ran, 1)
		return 42, nil
	}
	sched := New(arena, body, Config{Workers: 2})
	arena.NotifyReady = sched.Enqueue

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	id := arena.GetOrCreate("double(21)")

	v, err := arena.ReadOutput(context.Background(), id, 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestScheduler_CascadesInvalidationToDependents(t *testing.T) {
	arena := taskstate.New(0)

	var producerValue int32 = 1
	body := func(ctx context.Context, id TaskId) (any, error) {
		return int(atomic.LoadInt32(&producerValue)), nil
	}
	sched := New(arena, body, Config{Workers: 2})
	arena.NotifyReady = sched.Enqueue

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	producer := arena.GetOrCreate("producer")
	reader := arena.GetOrCreate("reader")

	v, err := arena.ReadOutput(context.Background(), producer, reader)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	atomic.StoreInt32(&producerValue, 2)
	arena.MarkDirty(producer)

	require.Eventually(t, func() bool {
		return arena.CellState(producer) == taskstate.Computed
	}, time.Second, 5*time.Millisecond)

	v, err = arena.ReadOutput(context.Background(), producer, reader)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestScheduler_CallKeyDeduplicatesConcurrentCalls(t *testing.T) {
	arena := taskstate.New(0)
	body := func(ctx context.Context, id TaskId) (any, error) { return nil, nil }
	sched := New(arena, body, Config{Workers: 1})

	var invocations int32
	fn := func() (any, error) {
		atomic.AddInt32(&invocations, 1)
		time.Sleep(20 * time.Millisecond)
		return "result", nil
	}

	results := make(chan any, 8)
	for i := 0; i < 8; i++ {
		go func() {
			v, err := sched.CallKey(context.Background(), "same-key", fn)
			require.NoError(t, err)
			results <- v
		}()
	}

	for i := 0; i < 8; i++ {
		assert.Equal(t, "result", <-results)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&invocations))
}
