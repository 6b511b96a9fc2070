package config

// Scheduler defaults, mirrored here so a CLI flag parser can print them
// without importing pkg/scheduler.
const (
	DefaultSchedulerQueueSize = defaultQueueSize
)

// Aggregation tree defaults, mirrored from pkg/aggregation's own
// DefaultConfig so a host can report them without importing that package.
const (
	DefaultAggregationLeafNumber = defaultAggregationLeaf
	DefaultAggregationMaxUppers  = defaultAggregationUppers
)
