// Package taskid defines the process-wide task identifier shared by the
// task-state arena, the aggregation tree, and the collectible layer. It is
// split out on its own so those packages can reference the same identifier
// type without importing each other.
package taskid

// TaskId uniquely identifies a memoized task instance (function id + inputs
// digest) for the lifetime of the process. Zero is never a valid id.
type TaskId uint64
