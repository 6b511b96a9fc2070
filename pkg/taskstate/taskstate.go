// Package taskstate is the per-task arena: identity (fingerprint -> TaskId),
// the output cell lifecycle, children bookkeeping, and hibernation. It does
// not itself decide what to execute or when — that is the scheduler's job —
// but every operation the scheduler needs to observe or mutate task state
// goes through here, each task guarded by its own lock.
package taskstate

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sasha-s/go-deadlock"

	"github.com/turbotask-dev/turbotask/pkg/automap"
	"github.com/turbotask-dev/turbotask/pkg/taskid"
)

// TaskId re-exports the shared task identifier type for callers that only
// need this package.
type TaskId = taskid.TaskId

// CellState is the lifecycle of a task's single output cell.
type CellState int

const (
	// Empty: never executed.
	Empty CellState = iota
	// Computed: holds a valid value from the most recent successful run.
	Computed
	// Dirty: the prior value is stale; a read must wait for re-execution.
	Dirty
	// Errored: the most recent run returned an error.
	Errored
)

func (s CellState) String() string {
	switch s {
	case Empty:
		return "Empty"
	case Computed:
		return "Computed"
	case Dirty:
		return "Dirty"
	case Errored:
		return "Errored"
	default:
		return "Unknown"
	}
}

// Shape is how much of a task's state is currently resident in memory.
type Shape int

const (
	// Full: everything is resident (output, children, dependents).
	Full Shape = iota
	// Partial: hibernated. Children and output were dropped; identity and
	// aggregation-tree membership survive.
	Partial
	// Unloaded: never materialized beyond its TaskId.
	Unloaded
)

func (s Shape) String() string {
	switch s {
	case Full:
		return "Full"
	case Partial:
		return "Partial"
	case Unloaded:
		return "Unloaded"
	default:
		return "Unknown"
	}
}

// ReadOfErroredError wraps the task body's error, returned by ReadOutput
// when the cell is Errored.
type ReadOfErroredError struct {
	TaskID TaskId
	Cause  error
}

func (e *ReadOfErroredError) Error() string {
	return fmt.Sprintf("taskstate: read of errored task %d: %v", e.TaskID, e.Cause)
}

func (e *ReadOfErroredError) Unwrap() error { return e.Cause }

// AlreadyExecutingError is returned by BeginExecution if the per-task
// Executing flag is already set: the same TaskId was dequeued again (e.g.
// after MarkDirty re-enqueued it) while a worker was still running it.
type AlreadyExecutingError struct{ TaskID TaskId }

func (e *AlreadyExecutingError) Error() string {
	return fmt.Sprintf("taskstate: task %d is already executing", e.TaskID)
}

type task struct {
	mu deadlock.Mutex

	id          TaskId
	fingerprint string

	shape     Shape
	cellState CellState
	value     any
	err       error

	executing  bool
	queued     bool
	children   *automap.Set[TaskId]
	dependents *automap.Set[TaskId]

	// waiters are woken whenever cellState leaves Dirty.
	cond *sync.Cond
}

func newTask(id TaskId, fingerprint string) *task {
	t := &task{
		id:          id,
		fingerprint: fingerprint,
		shape:       Full,
		cellState:   Empty,
		children:    automap.NewSet[TaskId](),
		dependents:  automap.NewSet[TaskId](),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Arena owns every task's identity and state. One Arena per engine instance.
type Arena struct {
	mu             deadlock.RWMutex
	byFingerprint  map[string]TaskId
	byID           map[TaskId]*task
	nextID         TaskId
	hibernationLRU *lru.Cache[TaskId, struct{}]

	// NotifyReady, if set, is called (outside any task lock) whenever a
	// task transitions to a state that needs (re-)execution: freshly
	// created, marked Dirty, or booted from hibernation. The scheduler
	// registers this to feed its ready-queue; the Arena itself has no
	// notion of scheduling.
	NotifyReady func(TaskId)

	// OnCellTransition, if set, is called (outside any task lock) on every
	// cell-state change, with the state the cell left and the state it
	// entered. The engine registers this to fold dirty/clean transitions
	// into the dirty-descendant aggregation tree that backs the strong-
	// consistency read barrier.
	OnCellTransition func(id TaskId, from, to CellState)
}

// New constructs an empty Arena. hibernationCapacity bounds the LRU index of
// hibernation candidates (Full tasks with no live readers or dependents);
// zero disables the index (hibernation must then be driven explicitly).
func New(hibernationCapacity int) *Arena {
	a := &Arena{
		byFingerprint: make(map[string]TaskId),
		byID:          make(map[TaskId]*task),
	}
	if hibernationCapacity > 0 {
		cache, err := lru.New[TaskId, struct{}](hibernationCapacity)
		if err == nil {
			a.hibernationLRU = cache
		}
	}
	return a
}

func (a *Arena) notifyReady(id TaskId) {
	if a.NotifyReady != nil {
		a.NotifyReady(id)
	}
}

// maybeNotifyReady calls notifyReady at most once per "needs execution"
// episode: GetOrCreate, ReadOutput and MarkDirty can all observe the same
// Empty/Dirty cell in close succession before a worker ever picks the task
// up, and without this guard each would separately enqueue it, letting two
// workers race BeginExecution/FinishExecution against the same fingerprint.
// BeginExecution clears the flag once the task is actually dequeued.
func (a *Arena) maybeNotifyReady(id TaskId) {
	t := a.getTask(id)
	t.mu.Lock()
	if t.queued {
		t.mu.Unlock()
		return
	}
	t.queued = true
	t.mu.Unlock()
	a.notifyReady(id)
}

func (a *Arena) notifyCellTransition(id TaskId, from, to CellState) {
	if a.OnCellTransition != nil && from != to {
		a.OnCellTransition(id, from, to)
	}
}

// GetOrCreate returns the TaskId bound to fingerprint, creating it (as an
// Empty, Full task) on first use. Idempotent: concurrent calls with the same
// fingerprint always converge on the same id.
func (a *Arena) GetOrCreate(fingerprint string) TaskId {
	a.mu.RLock()
	if id, ok := a.byFingerprint[fingerprint]; ok {
		a.mu.RUnlock()
		return id
	}
	a.mu.RUnlock()

	a.mu.Lock()
	if id, ok := a.byFingerprint[fingerprint]; ok {
		a.mu.Unlock()
		return id
	}
	a.nextID++
	id := a.nextID
	a.byFingerprint[fingerprint] = id
	a.byID[id] = newTask(id, fingerprint)
	a.mu.Unlock()

	a.maybeNotifyReady(id)
	return id
}

func (a *Arena) getTask(id TaskId) *task {
	a.mu.RLock()
	t, ok := a.byID[id]
	a.mu.RUnlock()
	if ok {
		return t
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.byID[id]; ok {
		return t
	}
	t = newTask(id, "")
	a.byID[id] = t
	return t
}

// Children returns id's current recorded children, satisfying
// aggregation.LeafSource/collectible.ChildLister for the engine's wiring.
func (a *Arena) Children(id TaskId) []TaskId {
	t := a.getTask(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.children.Keys()
}

// CellState returns id's current cell state.
func (a *Arena) CellState(id TaskId) CellState {
	t := a.getTask(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cellState
}

// EnsureFull upgrades id from Partial/Unloaded back to Full, calling Boot if
// it was hibernated. A no-op if id is already Full.
func (a *Arena) EnsureFull(id TaskId) error {
	t := a.getTask(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shape == Full {
		return nil
	}
	if err := t.boot(); err != nil {
		return err
	}
	t.shape = Full
	return nil
}

// ReadOutput records readerID as a dependent of id and returns id's current
// Computed value. If id is Dirty, the caller blocks (cooperatively, via
// ctx.Done for cancellation) until re-execution completes — this is the
// strong-consistency barrier described in the invalidation design: the
// caller never observes a value older than every invalidation that had
// already completed when the read began.
func (a *Arena) ReadOutput(ctx context.Context, id TaskId, readerID TaskId) (any, error) {
	t := a.getTask(id)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shape != Full {
		if err := t.boot(); err != nil {
			return nil, err
		}
		t.shape = Full
	}

	if readerID != 0 {
		t.dependents.Add(readerID)
	}

	needsNotify := false
	if (t.cellState == Dirty || t.cellState == Empty) && !t.queued {
		t.queued = true
		needsNotify = true
	}
	if needsNotify {
		// NotifyReady must not try to re-enter the Arena synchronously
		// against this same task (it is expected to just enqueue id on the
		// scheduler's ready-queue) since t's lock is held here.
		a.notifyReady(id)
	}

	for t.cellState == Dirty || t.cellState == Empty {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				t.mu.Lock()
				t.cond.Broadcast()
				t.mu.Unlock()
			case <-done:
			}
		}()
		t.cond.Wait()
		close(done)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if t.cellState == Errored {
		return nil, &ReadOfErroredError{TaskID: id, Cause: t.err}
	}
	return t.value, nil
}

// BeginExecution transitions id to Executing and clears its prior children
// list, since RecordChild calls made during this run will freshly repopulate
// it. Returns AlreadyExecutingError if id is already mid-execution (the
// per-task Executing flag exists precisely to make concurrent re-entry
// impossible); the scheduler skips such a dequeue.
func (a *Arena) BeginExecution(id TaskId) error {
	t := a.getTask(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.executing {
		return &AlreadyExecutingError{TaskID: id}
	}
	t.executing = true
	t.queued = false
	t.children = automap.NewSet[TaskId]()
	return nil
}

// RecordChild records childID as one of id's children. Called from within a
// task body when it invokes another task; calling it more than once for the
// same child within a single execution is harmless since children is a set.
func (a *Arena) RecordChild(id, childID TaskId) {
	t := a.getTask(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.children.Add(childID)
}

// FinishExecution writes the outcome of id's run. On success, newValue is
// compared against the prior Computed value with reflect.DeepEqual; if
// unchanged, dependents are not invalidated (this is what lets a diamond
// dependency settle after one input's irrelevant change). On change or
// error, every dependent is returned so the caller (the scheduler) can mark
// them Dirty and re-enqueue.
func (a *Arena) FinishExecution(id TaskId, newValue any, execErr error) (dependents []TaskId, valueChanged bool) {
	t := a.getTask(id)
	t.mu.Lock()

	t.executing = false
	priorState := t.cellState

	if execErr != nil {
		t.cellState = Errored
		t.err = execErr
		t.cond.Broadcast()
		deps := t.dependents.Keys()
		t.mu.Unlock()
		a.notifyCellTransition(id, priorState, Errored)
		return deps, true
	}

	prior := t.value
	t.value = newValue
	t.err = nil
	t.cellState = Computed
	t.cond.Broadcast()

	unchanged := priorState == Computed && reflect.DeepEqual(prior, newValue)
	deps := t.dependents.Keys()
	t.mu.Unlock()

	a.notifyCellTransition(id, priorState, Computed)
	if unchanged {
		return nil, false
	}
	return deps, true
}

// MarkDirty transitions id's cell to Dirty (invalidation, §4.F). Returns
// id's current dependents so the caller can propagate invalidation further.
func (a *Arena) MarkDirty(id TaskId) []TaskId {
	t := a.getTask(id)
	t.mu.Lock()
	if t.cellState == Dirty {
		t.mu.Unlock()
		return nil
	}
	from := t.cellState
	t.cellState = Dirty
	deps := t.dependents.Keys()
	alreadyQueued := t.queued
	t.queued = true
	t.mu.Unlock()

	a.notifyCellTransition(id, from, Dirty)
	if !alreadyQueued {
		a.notifyReady(id)
	}
	return deps
}

// HibernationCandidate reports whether id is Full, Computed (not mid-flight),
// and currently has no dependents — the condition under which it is safe to
// hibernate without surprising a reader.
func (a *Arena) HibernationCandidate(id TaskId) bool {
	t := a.getTask(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shape == Full && t.cellState == Computed && !t.executing && t.dependents.Len() == 0
}

// Hibernate compresses id's state (Full -> Partial), dropping its output
// cell and children list while preserving its TaskId and aggregation-tree
// membership, following the Hibernatable shape: Hibernate never changes what
// a later read observes, only when its cost is paid.
func (a *Arena) Hibernate(id TaskId) error {
	t := a.getTask(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hibernate()
}

func (t *task) hibernate() error {
	if t.shape != Full {
		return nil
	}
	if t.executing || t.dependents.Len() != 0 {
		return fmt.Errorf("taskstate: task %d is not a hibernation candidate", t.id)
	}
	t.value = nil
	t.children = automap.NewSet[TaskId]()
	t.shape = Partial
	// The output payload is gone, so the cell can no longer honestly claim
	// Computed: the next read must force a fresh run. This is the one place
	// hibernation is allowed to touch cellState, and only because
	// HibernationCandidate already guarantees there are no dependents to
	// surprise.
	if t.cellState == Computed {
		t.cellState = Dirty
	}
	return nil
}

// boot reverses hibernate's shape change. It never touches cellState: a
// Partial task's cell state (Dirty, from hibernate, or Errored) already
// correctly describes whether a reader must wait for re-execution.
func (t *task) boot() error {
	t.shape = Full
	return nil
}

// NoteHibernationCandidate records id in the LRU hibernation-candidate index,
// if one was configured. The index itself does not hibernate anything; a
// caller under memory pressure consults RecentHibernationCandidates and
// calls Hibernate explicitly.
func (a *Arena) NoteHibernationCandidate(id TaskId) {
	if a.hibernationLRU == nil {
		return
	}
	a.hibernationLRU.Add(id, struct{}{})
}

// RecentHibernationCandidates returns up to n task ids from the
// hibernation-candidate index, least-recently-noted first.
func (a *Arena) RecentHibernationCandidates(n int) []TaskId {
	if a.hibernationLRU == nil {
		return nil
	}
	keys := a.hibernationLRU.Keys()
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// Stats summarizes the arena's current population, for diagnostics and
// debug dumps. The task list is taken under the arena lock, then each task
// is read under its own lock in turn, so counts can be off by one against
// a task transitioning concurrently.
type Stats struct {
	TaskCount    int
	ByShape      map[Shape]int
	ByCellState  map[CellState]int
	Hibernatable int
}

func (a *Arena) Stats() Stats {
	a.mu.RLock()
	ids := make([]TaskId, 0, len(a.byID))
	for id := range a.byID {
		ids = append(ids, id)
	}
	a.mu.RUnlock()

	stats := Stats{
		TaskCount:   len(ids),
		ByShape:     make(map[Shape]int),
		ByCellState: make(map[CellState]int),
	}
	for _, id := range ids {
		t := a.getTask(id)
		t.mu.Lock()
		stats.ByShape[t.shape]++
		stats.ByCellState[t.cellState]++
		t.mu.Unlock()
		if a.HibernationCandidate(id) {
			stats.Hibernatable++
		}
	}
	return stats
}

// Snapshot is one task's externally visible state, used by debug dump
// helpers that render the arena as a table or graph.
type Snapshot struct {
	ID        TaskId
	Shape     Shape
	CellState CellState
	Children  []TaskId
}

// Snapshots returns every task's Snapshot, ordered by TaskId.
func (a *Arena) Snapshots() []Snapshot {
	a.mu.RLock()
	ids := make([]TaskId, 0, len(a.byID))
	for id := range a.byID {
		ids = append(ids, id)
	}
	a.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		t := a.getTask(id)
		t.mu.Lock()
		out = append(out, Snapshot{
			ID:        id,
			Shape:     t.shape,
			CellState: t.cellState,
			Children:  t.children.Keys(),
		})
		t.mu.Unlock()
	}
	return out
}
