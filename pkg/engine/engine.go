// Package engine is the host-facing surface: registration, Call/Read,
// streaming, and collectibles, wired on top of the registry, task-state
// arena, scheduler, and the two aggregation-tree specializations
// (collectibles and dirty-descendant tracking) that back it.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	mapset "github.com/deckarep/golang-set/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/turbotask-dev/turbotask/pkg/aggregation"
	"github.com/turbotask-dev/turbotask/pkg/collectible"
	"github.com/turbotask-dev/turbotask/pkg/observability"
	"github.com/turbotask-dev/turbotask/pkg/registry"
	"github.com/turbotask-dev/turbotask/pkg/scheduler"
	"github.com/turbotask-dev/turbotask/pkg/taskid"
	"github.com/turbotask-dev/turbotask/pkg/taskstate"
	"github.com/turbotask-dev/turbotask/pkg/valuestream"
)

// TaskId, FunctionId, ValueTypeId and TraitTypeId re-export the shared
// identifier types so callers only need to import this package.
type (
	TaskId       = taskid.TaskId
	FunctionId   = registry.FunctionId
	ValueTypeId  = registry.ValueTypeId
	TraitTypeId  = registry.TraitTypeId
)

// Value is the dynamic payload carried through cells, collectibles and
// streams.
type Value = any

// TaskInputs is the argument tuple a Call is keyed on. Args are folded into
// the task's fingerprint through fmt's default verb, so they must either be
// comparable or produce a stable, value-determined string representation.
type TaskInputs struct {
	Args []Value
}

// fingerprint reduces (fn, args) to a fixed-size digest via xxhash, the same
// way the teacher keys its content-addressed caches: hash the formatted
// representation rather than carry the variable-length string itself
// through the scheduler's singleflight key space.
func (in TaskInputs) fingerprint(fn FunctionId) string {
	h := xxhash.New()
	fmt.Fprintf(h, "%d:%v", fn, in.Args)
	return strconv.FormatUint(h.Sum64(), 16)
}

// FunctionBody is a registered task function's executable body.
type FunctionBody func(ctx context.Context, inputs TaskInputs) (Value, error)

// CyclicDependencyError is returned when a read from within a task's body
// would observe the output of one of its own ancestors.
type CyclicDependencyError struct{ TaskID TaskId }

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("engine: cyclic dependency through task %d", e.TaskID)
}

// InvariantViolationError marks an internal consistency check that tripped.
// The engine does not attempt to recover from this; callers should treat it
// as fatal.
type InvariantViolationError struct{ Kind string }

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("engine: invariant violation: %s", e.Kind)
}

type callerKeyType struct{}

var callerKey callerKeyType

func callerFromContext(ctx context.Context) TaskId {
	if v, ok := ctx.Value(callerKey).(TaskId); ok {
		return v
	}
	return 0
}

func withCaller(ctx context.Context, id TaskId) context.Context {
	return context.WithValue(ctx, callerKey, id)
}

// Config tunes an Engine's scheduler and aggregation trees.
type Config struct {
	// Registry, if non-nil, is used instead of a fresh one. Lets a test or
	// host keep a single id namespace across several Engines.
	Registry *registry.Registry
	// Scheduler tunes the worker pool. Zero value picks runtime.NumCPU()
	// workers and a 1024-deep ready queue.
	Scheduler scheduler.Config
	// Aggregation tunes the collectible tree's leaf/upper thresholds. The
	// dirty-descendant tree does not use these (every task is its own
	// permanent aggregation root there; see DESIGN.md).
	Aggregation aggregation.Config
	// HibernationCapacity bounds the arena's hibernation-candidate LRU.
	// Zero disables the index.
	HibernationCapacity int
	Logger              *slog.Logger

	// Tracer and Meter back the engine's span-per-call tracing and
	// task-execution metrics. Both default to no-op providers, matching
	// observability.Init's behavior when no OTLP endpoint is configured.
	Tracer trace.Tracer
	Meter  metric.Meter
}

type fingerprintRecord struct {
	function FunctionId
	inputs   TaskInputs
	// parentSpan is the span context of the Call that first created this
	// task, captured so runBody (invoked later, on a worker goroutine
	// decoupled from that Call's context) can still attach its execution
	// span to the same trace.
	parentSpan trace.SpanContext
}

// Engine is the top-level host interface over the computation engine.
type Engine struct {
	registry *registry.Registry
	arena    *taskstate.Arena
	sched    *scheduler.Scheduler
	store    *collectible.Store
	dirty    *aggregation.Tree[dirtyData, dirtyChange]
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *observability.TaskMetrics

	mu        sync.RWMutex
	functions map[FunctionId]FunctionBody
	byID      map[TaskId]fingerprintRecord
	ancestors map[TaskId]map[TaskId]struct{}
}

// New constructs an Engine. Call Start before any task can execute.
func New(cfg Config) *Engine {
	reg := cfg.Registry
	if reg == nil {
		reg = registry.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("turbotask")
	}
	meter := cfg.Meter
	if meter == nil {
		meter = noopmetric.NewMeterProvider().Meter("turbotask")
	}
	taskMetrics, err := observability.NewTaskMetrics(meter)
	if err != nil {
		// Instrument creation only fails on malformed instrument
		// descriptions, which are fixed at compile time; a no-op meter
		// never fails, so this path is unreachable in practice.
		logger.Error("engine: failed to build task metrics", "error", err)
	}

	arena := taskstate.New(cfg.HibernationCapacity)

	e := &Engine{
		registry:  reg,
		arena:     arena,
		logger:    logger,
		tracer:    tracer,
		metrics:   taskMetrics,
		functions: make(map[FunctionId]FunctionBody),
		byID:      make(map[TaskId]fingerprintRecord),
		ancestors: make(map[TaskId]map[TaskId]struct{}),
	}

	e.store = collectible.NewStore(arena, cfg.Aggregation)
	e.dirty = aggregation.New[dirtyData, dirtyChange](dirtyOps{}, &dirtyLeafSource{arena: arena}, cfg.Aggregation)

	arena.OnCellTransition = e.handleCellTransition
	e.sched = scheduler.New(arena, e.runBody, cfg.Scheduler)
	arena.NotifyReady = e.sched.Enqueue

	return e
}

// Start launches the scheduler's worker pool. ctx bounds worker lifetime;
// cancelling it (or calling Stop) drains workers.
func (e *Engine) Start(ctx context.Context) { e.sched.Start(ctx) }

// Stop cancels and waits for every worker to exit.
func (e *Engine) Stop() { e.sched.Stop() }

// RegisterValueType binds a value type's global name to a stable id.
func (e *Engine) RegisterValueType(globalName string) (ValueTypeId, error) {
	return e.registry.RegisterValueType(globalName)
}

// RegisterTraitType binds a trait type's global name to a stable id.
func (e *Engine) RegisterTraitType(globalName string) (TraitTypeId, error) {
	return e.registry.RegisterTraitType(globalName)
}

// RegisterFunction binds a task function's global name to a stable id and
// its executable body, usable with Call thereafter.
func (e *Engine) RegisterFunction(globalName string, body FunctionBody) (FunctionId, error) {
	id, err := e.registry.RegisterFunction(globalName)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	e.functions[id] = body
	e.mu.Unlock()
	return id, nil
}

// Call resolves (functionID, inputs) to its memoized TaskId, creating the
// task and enqueueing its first execution on first use. Concurrent Calls
// with an identical fingerprint are collapsed by singleflight so GetOrCreate
// is never raced against itself for the same fingerprint. Call alone does
// not establish a dependency edge: that happens the first time the
// resulting TaskId is actually Read from within a running task body, which
// mirrors the teacher's lazy-handle pattern (obtaining a reference to a
// computation is free; depending on its value is what gets tracked).
func (e *Engine) Call(ctx context.Context, functionID FunctionId, inputs TaskInputs) (TaskId, error) {
	e.mu.RLock()
	_, known := e.functions[functionID]
	e.mu.RUnlock()
	if !known {
		return 0, fmt.Errorf("engine: function %d is not registered", functionID)
	}

	name, _ := e.registry.FunctionName(functionID)

	ctx, span := e.tracer.Start(ctx, "turbotask.call", trace.WithAttributes(
		attribute.String("function", name),
	))
	defer span.End()

	fp := inputs.fingerprint(functionID)
	var hit bool
	v, err := e.sched.CallKey(ctx, fp, func() (any, error) {
		id := e.arena.GetOrCreate(fp)
		e.mu.Lock()
		if _, ok := e.byID[id]; !ok {
			e.byID[id] = fingerprintRecord{
				function:   functionID,
				inputs:     inputs,
				parentSpan: trace.SpanContextFromContext(ctx),
			}
			e.mu.Unlock()
			e.dirty.MarkRoot(id)
			if callerFromContext(ctx) == 0 {
				e.store.Tree().MarkRoot(id)
			}
		} else {
			hit = true
			e.mu.Unlock()
		}
		return id, nil
	})
	e.metrics.RecordCall(ctx, name, hit)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	id := v.(TaskId)
	span.SetAttributes(attribute.Int64("task_id", int64(id)))
	return id, nil
}

// recordEdge wires caller as target's structural parent: a children-list
// edge in the arena (consulted by both aggregation trees at promotion time)
// and a counted upper edge in the collectible tree and the dirty-descendant
// tree, so both folds stay scoped to the tasks actually read during
// caller's execution.
func (e *Engine) recordEdge(caller, target TaskId) {
	if caller == 0 || caller == target {
		return
	}
	e.arena.RecordChild(caller, target)
	e.store.Tree().AddUpper(target, caller)
	e.dirty.AddUpper(target, caller)

	e.mu.Lock()
	if e.ancestors[target] == nil {
		e.ancestors[target] = make(map[TaskId]struct{})
	}
	e.ancestors[target][caller] = struct{}{}
	for grandAncestor := range e.ancestors[caller] {
		e.ancestors[target][grandAncestor] = struct{}{}
	}
	e.mu.Unlock()
}

// Read resolves taskID's output, recording ctx's calling task (if any) as a
// dependent and structural parent, and applies the strong-consistency
// barrier: the call does not return until taskID itself is settled
// (Computed or Errored) and no transitive dependency reachable from taskID
// is still Dirty.
func (e *Engine) Read(ctx context.Context, taskID TaskId) (Value, error) {
	caller := callerFromContext(ctx)
	if caller != 0 {
		if err := e.checkCycle(caller, taskID); err != nil {
			return nil, err
		}
	}

	v, err := e.arena.ReadOutput(ctx, taskID, caller)
	if err != nil {
		return nil, err
	}
	e.recordEdge(caller, taskID)
	if err := e.awaitQuiescent(ctx, taskID); err != nil {
		return nil, err
	}
	return v, nil
}

// Invalidate marks taskID Dirty and schedules its re-execution. This is the
// host-side entry point for external inputs (e.g. a task whose output
// tracks state the host owns rather than something purely derived from
// other tasks). Cascading further, to taskID's own dependents, happens
// automatically once taskID re-executes and FinishExecution observes
// whether its recomputed value actually changed.
func (e *Engine) Invalidate(taskID TaskId) {
	e.arena.MarkDirty(taskID)
}

// ReadUntracked resolves taskID's output without recording a dependency and
// without the strong-consistency barrier: it waits only for taskID's own
// cell, accepting that a transitive dependency may still be settling.
func (e *Engine) ReadUntracked(ctx context.Context, taskID TaskId) (Value, error) {
	return e.arena.ReadOutput(ctx, taskID, 0)
}

func (e *Engine) checkCycle(caller, target TaskId) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if caller == target {
		return &CyclicDependencyError{TaskID: target}
	}
	if ancestorsOfCaller, ok := e.ancestors[caller]; ok {
		if _, isAncestor := ancestorsOfCaller[target]; isAncestor {
			return &CyclicDependencyError{TaskID: target}
		}
	}
	return nil
}

// awaitQuiescent blocks until taskID's dirty-descendant fold reads zero,
// polling rather than condition-waking: the dirty tree has no built-in
// wake channel (its DataOps callbacks are synchronous book-keeping only), so
// a short poll interval stands in for it. Bounded by ctx.
func (e *Engine) awaitQuiescent(ctx context.Context, taskID TaskId) error {
	for {
		if e.dirtyDescendantCount(taskID) == 0 {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// dirtyDescendantCount reads taskID's own dirty-descendant fold. Every task
// is marked a permanent aggregation root in the dirty tree at creation (see
// DESIGN.md), so taskID's own node always carries an accurate count rather
// than depending on the cap-and-promote heuristic to have promoted it.
func (e *Engine) dirtyDescendantCount(taskID TaskId) int {
	return e.dirty.Data(taskID).count
}

func (e *Engine) handleCellTransition(id TaskId, from, to taskstate.CellState) {
	switch {
	case to == taskstate.Dirty && from != taskstate.Dirty:
		e.dirty.PropagateLeafChange(id, 1)
	case from == taskstate.Dirty && (to == taskstate.Computed || to == taskstate.Errored):
		e.dirty.PropagateLeafChange(id, -1)
	}
}

// runBody adapts a registered FunctionBody to the scheduler's Body shape,
// threading the executing task's own id into ctx so that any Call/Read it
// performs records this task as the structural caller.
func (e *Engine) runBody(ctx context.Context, id TaskId) (any, error) {
	e.mu.RLock()
	rec, ok := e.byID[id]
	e.mu.RUnlock()
	if !ok {
		err := &InvariantViolationError{Kind: fmt.Sprintf("task %d has no recorded function", id)}
		e.logger.Error("engine: invariant violation", "task_id", id, "error", err)
		return nil, err
	}
	e.mu.RLock()
	body, ok := e.functions[rec.function]
	e.mu.RUnlock()
	if !ok {
		err := &InvariantViolationError{Kind: fmt.Sprintf("function %d is not registered", rec.function)}
		e.logger.Error("engine: invariant violation", "task_id", id, "error", err)
		return nil, err
	}

	name, _ := e.registry.FunctionName(rec.function)
	parentCtx := ctx
	if rec.parentSpan.IsValid() {
		parentCtx = trace.ContextWithSpanContext(ctx, rec.parentSpan)
	}
	bodyCtx, span := e.tracer.Start(parentCtx, "turbotask.execute", trace.WithAttributes(
		attribute.String("function", name),
		attribute.Int64("task_id", int64(id)),
	))
	defer span.End()

	bodyCtx = withCaller(bodyCtx, id)
	start := time.Now()
	value, err := body(bodyCtx, rec.inputs)
	e.metrics.RecordExecution(bodyCtx, observability.ExecutionStats{
		Function: name,
		Duration: time.Since(start),
		Errored:  err != nil,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return value, err
}

// EmitCollectible records that the currently-executing task (from ctx)
// produced value of typeID, folding it upward through the collectible
// aggregation tree immediately.
func (e *Engine) EmitCollectible(ctx context.Context, typeID ValueTypeId, value Value) {
	id := callerFromContext(ctx)
	if id == 0 {
		return
	}
	e.store.Emit(id, typeID, value)
	name, _ := e.registry.ValueTypeName(typeID)
	e.metrics.RecordCollectible(ctx, name)
}

// PeekCollectibles returns every value of typeID folded into taskID's
// nearest aggregating position in the call tree: taskID's own emissions plus
// everything emitted by tasks it (transitively) called. A task created by a
// Call made outside any task body is a root of the collectible tree, so
// peeking it covers its whole call tree.
func (e *Engine) PeekCollectibles(ctx context.Context, taskID TaskId, typeID ValueTypeId) (mapset.Set[Value], error) {
	return e.store.Peek(taskID, typeID), nil
}

// StreamNewClosed wraps valuestream.NewClosed for host consumption.
func StreamNewClosed[T any](values []T) *valuestream.Stream[T] {
	return valuestream.NewClosed(values)
}

// StreamNewOpen wraps valuestream.NewOpen for host consumption.
func StreamNewOpen[T any](initial []T) (*valuestream.Sender[T], *valuestream.Stream[T]) {
	return valuestream.NewOpen[T](initial)
}

// StreamRead opens a fresh Reader over handle, starting from position zero.
func StreamRead[T any](handle *valuestream.Stream[T]) *valuestream.Reader[T] {
	return handle.Read()
}
