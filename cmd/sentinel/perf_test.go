package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/sentinel/internal/bus"
	"github.com/cuemby/sentinel/internal/log"
	"github.com/cuemby/sentinel/internal/perfcsv"
	"github.com/cuemby/sentinel/internal/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerfConsumer_WritesPublishedRecordsToCSV(t *testing.T) {
	topic := bus.NewTopic("yamc/performance/providers/p1", 0)
	path := filepath.Join(t.TempDir(), "performance.csv")
	out := perfcsv.New(path)
	consumer := newPerfConsumer([]*bus.Topic{topic}, out, log.WithComponent("perf"))

	sig := runtime.NewSignal()
	consumer.Start(sig)

	topic.Update(map[string]any{
		"id":             "p1",
		"started_time":   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		"records":        3,
		"running_time":   0.5,
		"wait_cycles":    0,
		"reason_to_wait": 0,
		"is_error":       false,
		"error":          "-",
	})

	require.Eventually(t, func() bool {
		contents, err := os.ReadFile(path)
		return err == nil && len(contents) > 0
	}, time.Second, 10*time.Millisecond)

	sig.Set()
	consumer.Join()
	consumer.Destroy()

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), `"yamc/performance/providers/p1"`)
	assert.Contains(t, string(contents), `"p1"`)
}

func TestPerfPolicy_DecodesPauseBlockOverDefaults(t *testing.T) {
	tree := mustLoadTree(t, `
providers:
  p1:
    kind: http
    url: http://example.invalid
    pause:
      running_time: 2.5
      duration_cycles: 3
      exponential_backoff: true
      max_waiting_cycles: 7
`)
	policy := perfPolicy(tree.Providers["p1"].Params)
	assert.Equal(t, 2.5, policy.RunningTimeThreshold)
	assert.Equal(t, 3, policy.DurationCycles)
	assert.True(t, policy.ExponentialBackoff)
	assert.Equal(t, 7, policy.MaxWaitingCycles)
}

func TestPerfPolicy_FallsBackToDefaultsWithoutPauseBlock(t *testing.T) {
	tree := mustLoadTree(t, `
providers:
  p1:
    kind: http
    url: http://example.invalid
`)
	policy := perfPolicy(tree.Providers["p1"].Params)
	assert.False(t, policy.ExponentialBackoff)
	assert.Greater(t, policy.MaxWaitingCycles, 0)
}

func TestDefaultPerfDir_FallsBackToHomeYamcDataPerf(t *testing.T) {
	t.Setenv("YAMC_HOME", "/tmp/yamc-home")
	assert.Equal(t, filepath.Join("/tmp/yamc-home", "data", "perf"), defaultPerfDir())
}
