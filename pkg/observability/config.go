// Package observability provides OpenTelemetry-based tracing, metrics, and
// structured logging for turbotask hosts (CLI driver, long-running build
// daemon, test harness).
package observability

import "log/slog"

// AppMode identifies how the hosting process launched the engine.
type AppMode string

const (
	// ModeCLI is a one-shot CLI invocation.
	ModeCLI AppMode = "cli"
	// ModeDaemon is a long-running build daemon keeping the engine warm
	// across many incremental builds.
	ModeDaemon AppMode = "daemon"
	// ModeTest is a test-harness run, typically with OTLP export disabled.
	ModeTest AppMode = "test"
)

const (
	// defaultServiceName is the default OTel service name.
	defaultServiceName = "turbotask"

	// defaultShutdownTimeoutSec is the default shutdown timeout in seconds.
	defaultShutdownTimeoutSec = 5
)

// Config holds all observability configuration.
type Config struct {
	// ServiceName is the OTel resource service name.
	ServiceName string

	// ServiceVersion is the semantic version of the running binary.
	ServiceVersion string

	// Environment is the deployment environment (e.g. "production", "staging", "dev").
	Environment string

	// Mode identifies how the binary was launched.
	Mode AppMode

	// OTLPEndpoint is the OTLP gRPC collector address (e.g. "localhost:4317").
	// Empty disables export; providers become no-op.
	OTLPEndpoint string

	// OTLPHeaders are additional gRPC metadata headers for the OTLP exporter.
	OTLPHeaders map[string]string

	// OTLPInsecure disables TLS for the OTLP gRPC connection.
	OTLPInsecure bool

	// DebugTrace forces 100% trace sampling when true.
	DebugTrace bool

	// SampleRatio is the trace sampling ratio (0.0 to 1.0) when DebugTrace is false.
	// Zero uses the OTel SDK default (parent-based with always-on root).
	SampleRatio float64

	// LogLevel controls the minimum slog severity.
	LogLevel slog.Level

	// TraceVerbose enables per-task-execution spans. When false, only the
	// call-tree's structural spans (Call, Read) are recorded.
	TraceVerbose bool

	// LogJSON enables JSON-formatted log output.
	LogJSON bool

	// ShutdownTimeoutSec is the maximum seconds to wait for flush on shutdown.
	ShutdownTimeoutSec int
}

// DefaultConfig returns a Config with sensible defaults for zero-config startup.
func DefaultConfig() Config {
	return Config{
		ServiceName:        defaultServiceName,
		Mode:               ModeCLI,
		LogLevel:           slog.LevelInfo,
		ShutdownTimeoutSec: defaultShutdownTimeoutSec,
	}
}
