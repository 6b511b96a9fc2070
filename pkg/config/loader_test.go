package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbotask-dev/turbotask/pkg/config"
)

func TestLoadConfig_NoFile_UsesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	emptyPath := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(emptyPath, []byte(""), 0o600))

	cfg, err := config.LoadConfig(emptyPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, config.DefaultSchedulerQueueSize, cfg.Scheduler.QueueSize)
	assert.Equal(t, uint32(config.DefaultAggregationLeafNumber), cfg.Aggregation.LeafNumber)
	assert.Equal(t, config.DefaultAggregationMaxUppers, cfg.Aggregation.MaxUppers)
	assert.Equal(t, 0, cfg.Hibernation.Capacity)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfig_ValidFile_Unmarshals(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "turbotask.yaml")
	content := `scheduler:
  workers: 8
  queue_size: 2048
aggregation:
  leaf_number: 64
  max_uppers: 8
hibernation:
  capacity: 5000
logging:
  level: debug
  format: text
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	cfg, err := config.LoadConfig(cfgPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	const expectedWorkers = 8

	assert.Equal(t, expectedWorkers, cfg.Scheduler.Workers)
	assert.Equal(t, 2048, cfg.Scheduler.QueueSize)
	assert.Equal(t, uint32(64), cfg.Aggregation.LeafNumber)
	assert.Equal(t, 8, cfg.Aggregation.MaxUppers)
	assert.Equal(t, 5000, cfg.Hibernation.Capacity)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadConfig_ExplicitPath_Overrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "custom-config.yaml")
	content := `scheduler:
  workers: 16
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	cfg, err := config.LoadConfig(cfgPath)
	require.NoError(t, err)

	const expectedWorkers = 16

	assert.Equal(t, expectedWorkers, cfg.Scheduler.Workers)
}

func TestLoadConfig_MalformedYAML_ReturnsError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	content := `scheduler:
  workers: [invalid yaml
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	cfg, err := config.LoadConfig(cfgPath)
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoadConfig_UnknownKeys_NoError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "turbotask.yaml")
	content := `unknown_section:
  unknown_key: "value"
scheduler:
  workers: 4
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	cfg, err := config.LoadConfig(cfgPath)
	require.NoError(t, err)

	const expectedWorkers = 4

	assert.Equal(t, expectedWorkers, cfg.Scheduler.Workers)
}

func TestLoadConfig_PartialConfig_MergesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "turbotask.yaml")
	content := `aggregation:
  leaf_number: 128
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	cfg, err := config.LoadConfig(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, uint32(128), cfg.Aggregation.LeafNumber)
	assert.Equal(t, config.DefaultAggregationMaxUppers, cfg.Aggregation.MaxUppers)
	assert.Equal(t, config.DefaultSchedulerQueueSize, cfg.Scheduler.QueueSize)
}

func TestLoadConfig_EnvOverride_Scheduler(t *testing.T) {
	dir := t.TempDir()
	emptyPath := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(emptyPath, []byte(""), 0o600))

	t.Setenv("TURBOTASK_SCHEDULER_WORKERS", "32")

	cfg, err := config.LoadConfig(emptyPath)
	require.NoError(t, err)

	const expectedWorkers = 32

	assert.Equal(t, expectedWorkers, cfg.Scheduler.Workers)
}

func TestLoadConfig_EnvOverride_NestedKey(t *testing.T) {
	dir := t.TempDir()
	emptyPath := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(emptyPath, []byte(""), 0o600))

	t.Setenv("TURBOTASK_AGGREGATION_LEAF_NUMBER", "200")

	cfg, err := config.LoadConfig(emptyPath)
	require.NoError(t, err)

	assert.Equal(t, uint32(200), cfg.Aggregation.LeafNumber)
}

func TestLoadConfig_ExplicitPath_NotFound_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadConfig("/nonexistent/path/config.yaml")
	require.Error(t, err)
	assert.Nil(t, cfg)
}
