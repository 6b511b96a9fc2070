package taskstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena_GetOrCreateIdempotent(t *testing.T) {
	a := New(0)
	id1 := a.GetOrCreate("add(1,2)")
	id2 := a.GetOrCreate("add(1,2)")
	id3 := a.GetOrCreate("add(1,3)")
	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
}

func TestArena_ReadOutputBlocksUntilComputed(t *testing.T) {
	a := New(0)
	id := a.GetOrCreate("slow-task")

	resultCh := make(chan any, 1)
	go func() {
		ctx := context.Background()
		v, err := a.ReadOutput(ctx, id, 0)
		require.NoError(t, err)
		resultCh <- v
	}()

	// Give the reader time to start blocking on the Empty cell.
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, a.BeginExecution(id))
	deps, changed := a.FinishExecution(id, 3, nil)
	assert.True(t, changed)
	assert.Empty(t, deps)

	select {
	case v := <-resultCh:
		assert.Equal(t, 3, v)
	case <-time.After(time.Second):
		t.Fatal("ReadOutput did not unblock after FinishExecution")
	}
}

func TestArena_FinishExecutionSuppressesUnchangedValue(t *testing.T) {
	a := New(0)
	id := a.GetOrCreate("stable-task")

	require.NoError(t, a.BeginExecution(id))
	_, changed := a.FinishExecution(id, 7, nil)
	assert.True(t, changed, "first computation is always a change from Empty")

	require.NoError(t, a.BeginExecution(id))
	_, changed = a.FinishExecution(id, 7, nil)
	assert.False(t, changed, "re-running with an equal value must not count as a change")
}

func TestArena_FinishExecutionErrorPropagatesToReader(t *testing.T) {
	a := New(0)
	id := a.GetOrCreate("failing-task")

	require.NoError(t, a.BeginExecution(id))
	boom := assertError("boom")
	a.FinishExecution(id, nil, boom)

	_, err := a.ReadOutput(context.Background(), id, 0)
	require.Error(t, err)
	var erroredErr *ReadOfErroredError
	require.ErrorAs(t, err, &erroredErr)
	assert.Equal(t, id, erroredErr.TaskID)
}

func TestArena_BeginExecutionRejectsConcurrentReentry(t *testing.T) {
	a := New(0)
	id := a.GetOrCreate("reentrant-task")
	require.NoError(t, a.BeginExecution(id))
	err := a.BeginExecution(id)
	require.Error(t, err)
	var already *AlreadyExecutingError
	require.ErrorAs(t, err, &already)
}

func TestArena_MarkDirtyReturnsDependentsAndNotifies(t *testing.T) {
	a := New(0)
	var notified []TaskId
	var mu sync.Mutex
	a.NotifyReady = func(id TaskId) {
		mu.Lock()
		notified = append(notified, id)
		mu.Unlock()
	}

	producer := a.GetOrCreate("producer")
	reader := a.GetOrCreate("reader")

	require.NoError(t, a.BeginExecution(producer))
	a.FinishExecution(producer, 1, nil)

	// Simulate reader recording its dependency by reading once.
	_, err := a.ReadOutput(context.Background(), producer, reader)
	require.NoError(t, err)

	deps := a.MarkDirty(producer)
	assert.ElementsMatch(t, []TaskId{reader}, deps)
	assert.Equal(t, Dirty, a.CellState(producer))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, notified, producer)
}

func TestArena_HibernateAndBoot(t *testing.T) {
	a := New(0)
	id := a.GetOrCreate("hibernatable")

	require.NoError(t, a.BeginExecution(id))
	a.FinishExecution(id, "value", nil)

	require.True(t, a.HibernationCandidate(id))
	require.NoError(t, a.Hibernate(id))

	// Hibernation drops the value and marks the cell Dirty, but a read
	// still succeeds once the task is re-executed after booting.
	assert.Equal(t, Dirty, a.CellState(id))

	require.NoError(t, a.EnsureFull(id))
	require.NoError(t, a.BeginExecution(id))
	a.FinishExecution(id, "value", nil)

	v, err := a.ReadOutput(context.Background(), id, 0)
	require.NoError(t, err)
	assert.Equal(t, "value", v)
}

func TestArena_HibernateRejectsTaskWithDependents(t *testing.T) {
	a := New(0)
	producer := a.GetOrCreate("producer")
	reader := a.GetOrCreate("reader")

	require.NoError(t, a.BeginExecution(producer))
	a.FinishExecution(producer, 1, nil)
	_, err := a.ReadOutput(context.Background(), producer, reader)
	require.NoError(t, err)

	assert.False(t, a.HibernationCandidate(producer))
	assert.Error(t, a.Hibernate(producer))
}

func TestArena_ReadOutputRespectsContextCancellation(t *testing.T) {
	a := New(0)
	id := a.GetOrCreate("never-finishes")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := a.ReadOutput(ctx, id, 0)
	require.Error(t, err)
}

type assertError string

func (e assertError) Error() string { return string(e) }
