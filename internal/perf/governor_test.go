package perf

import (
	"errors"
	"testing"

	"github.com/cuemby/sentinel/internal/bus"
	"github.com/cuemby/sentinel/internal/provider/operr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGovernor(policy Policy) (*Governor, *bus.Source) {
	src := bus.NewSource()
	g, err := New("p1", policy, src, zerolog.Nop())
	if err != nil {
		panic(err)
	}
	return g, src
}

func TestGovernor_SlowCallsBackOffLinearly(t *testing.T) {
	policy := DefaultPolicy()
	policy.RunningTimeThreshold = -1 // force every successful call to count as "slow"
	policy.DurationCycles = 1
	policy.MaxWaitingCycles = 5
	g, _ := testGovernor(policy)

	key := Key("k1")

	// first slow call: pauses for 1 cycle
	_, waited, err := g.Call(key, "id1", false, func() (int, error) { return 1, nil })
	require.NoError(t, err)
	assert.False(t, waited)
	assert.Equal(t, 1, g.objects[key].cyclesToWait)

	// next call is the paused cycle: consumed without calling fn
	called := false
	_, waited, err = g.Call(key, "id1", false, func() (int, error) { called = true; return 1, nil })
	require.NoError(t, err)
	assert.True(t, waited)
	assert.False(t, called)
	assert.Equal(t, 0, g.objects[key].cyclesToWait)

	// next call runs again and, still slow, backs off linearly (1 -> 2)
	_, waited, err = g.Call(key, "id1", false, func() (int, error) { return 1, nil })
	require.NoError(t, err)
	assert.False(t, waited)
	assert.Equal(t, 2, g.objects[key].cyclesToWaitInt)
}

func TestGovernor_ExponentialBackoffCapsAtMax(t *testing.T) {
	policy := DefaultPolicy()
	policy.RunningTimeThreshold = -1
	policy.ExponentialBackoff = true
	policy.MaxWaitingCycles = 4
	g, _ := testGovernor(policy)
	key := Key("k1")

	// drive several slow cycles, each time consuming the wait then calling again
	for i := 0; i < 6; i++ {
		st := g.objects[key]
		for st != nil && st.cyclesToWait > 0 {
			_, _, _ = g.Call(key, "id1", false, func() (int, error) { return 1, nil })
			st = g.objects[key]
		}
		_, _, err := g.Call(key, "id1", false, func() (int, error) { return 1, nil })
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, g.objects[key].cyclesToWaitInt, 4)
}

func TestGovernor_OperationalErrorBacksOffAndRecovers(t *testing.T) {
	g, _ := testGovernor(DefaultPolicy())
	key := Key("k1")

	failing := true
	_, _, err := g.Call(key, "id1", false, func() (int, error) {
		if failing {
			return 0, operr.New("upstream down")
		}
		return 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonError, g.objects[key].reasonToWait)
	assert.Equal(t, 1, g.objects[key].cyclesToWait)

	// consume the wait cycle
	_, waited, _ := g.Call(key, "id1", false, func() (int, error) { return 0, nil })
	assert.True(t, waited)

	failing = false
	count, waited, err := g.Call(key, "id1", false, func() (int, error) { return 3, nil })
	require.NoError(t, err)
	assert.False(t, waited)
	assert.Equal(t, 3, count)
	assert.Equal(t, ReasonNone, g.objects[key].reasonToWait)
	assert.Equal(t, 0, g.objects[key].cyclesToWait)
}

func TestGovernor_OperationalErrorReraisedInTestMode(t *testing.T) {
	g, _ := testGovernor(DefaultPolicy())
	wantErr := operr.New("boom")
	_, _, err := g.Call(Key("k1"), "id1", true, func() (int, error) { return 0, wantErr })
	assert.ErrorIs(t, err, wantErr)
}

func TestGovernor_NonOperationalErrorPropagates(t *testing.T) {
	g, _ := testGovernor(DefaultPolicy())
	plain := errors.New("not operational")
	_, _, err := g.Call(Key("k1"), "id1", false, func() (int, error) { return 0, plain })
	assert.ErrorIs(t, err, plain)
}

func TestGovernor_NeverExceedsMaxWaitingCycles(t *testing.T) {
	policy := DefaultPolicy()
	policy.RunningTimeThreshold = -1
	policy.MaxWaitingCycles = 3
	g, _ := testGovernor(policy)
	key := Key("k1")

	for i := 0; i < 20; i++ {
		st := g.objects[key]
		for st != nil && st.cyclesToWait > 0 {
			_, _, _ = g.Call(key, "id1", false, func() (int, error) { return 1, nil })
			st = g.objects[key]
		}
		_, _, _ = g.Call(key, "id1", false, func() (int, error) { return 1, nil })
		assert.LessOrEqual(t, g.objects[key].cyclesToWait, 3)
	}
}

func TestNew_FailsWhenATelemetryTopicIsAlreadyTaken(t *testing.T) {
	src := bus.NewSource()
	_, err := src.AddTopic("yamc/performance/providers/p1", 0)
	require.NoError(t, err)

	_, err = New("p1", DefaultPolicy(), src, zerolog.Nop())
	assert.Error(t, err)
}

func TestMakeKey_StableForSameShape(t *testing.T) {
	k1 := MakeKey("comp", []any{1, "a"}, map[string]any{"x": 1}, "id1")
	k2 := MakeKey("comp", []any{1, "a"}, map[string]any{"x": 1}, "id1")
	k3 := MakeKey("comp", []any{1, "a"}, map[string]any{"x": 1}, "id2")
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}
