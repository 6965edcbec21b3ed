// Package perf implements the performance governor: a per-call circuit
// breaker that watches a provider's running time and error rate, backs
// off calls that are slow or failing, and publishes telemetry about
// every decision onto a bus.Topic.
package perf

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cuemby/sentinel/internal/bus"
	"github.com/cuemby/sentinel/internal/metrics"
	"github.com/cuemby/sentinel/internal/provider/operr"
	"github.com/rs/zerolog"
)

// ReasonToWait explains why a call is currently being skipped.
type ReasonToWait int

const (
	ReasonNone ReasonToWait = iota
	ReasonError
	ReasonSlow
)

// Policy configures when the governor starts pausing calls.
type Policy struct {
	// RunningTimeThreshold is the running time (seconds) above which a
	// call is considered slow.
	RunningTimeThreshold float64
	// DurationCycles is the number of cycles to wait on the first
	// pause.
	DurationCycles int
	// ExponentialBackoff doubles the wait on each consecutive pause
	// instead of incrementing it by one.
	ExponentialBackoff bool
	// MaxWaitingCycles caps cycles_to_wait_int.
	MaxWaitingCycles int
}

// DefaultPolicy matches the original implementation's defaults.
func DefaultPolicy() Policy {
	return Policy{
		RunningTimeThreshold: 99999999,
		DurationCycles:       1,
		ExponentialBackoff:   false,
		MaxWaitingCycles:     10,
	}
}

// Key fingerprints one (component, call-site identity) pair.
type Key string

// MakeKey reproduces the original md5(component_id + args + kwargs + id)
// fingerprint so identical call shapes collapse onto the same perf
// object across invocations.
func MakeKey(componentID string, args []any, kwargs map[string]any, idValue string) Key {
	h := md5.New()
	fmt.Fprint(h, componentID, args, kwargs, idValue)
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// state is the mutable per-key performance object.
type state struct {
	id               string
	startedTime      time.Time
	lastRunningTime  float64
	cyclesToWait     int
	cyclesToWaitInt  int
	records          int
	lastError        error
	reasonToWait     ReasonToWait
}

// Governor tracks performance state for every call-site key of one
// component and publishes telemetry to a shared topic.
type Governor struct {
	componentID string
	policy      Policy
	log         zerolog.Logger
	topic       *bus.Topic

	objects map[Key]*state
}

// New creates a governor for componentID, declaring its own telemetry
// topic named "yamc/performance/providers/<componentID>"; it fails if
// a governor for this componentID was already created.
func New(componentID string, policy Policy, source *bus.Source, log zerolog.Logger) (*Governor, error) {
	topic, err := source.AddTopic(fmt.Sprintf("yamc/performance/providers/%s", componentID), 0)
	if err != nil {
		return nil, fmt.Errorf("performance governor for %q: %w", componentID, err)
	}
	return &Governor{
		componentID: componentID,
		policy:      policy,
		log:         log,
		topic:       topic,
		objects:     make(map[Key]*state),
	}, nil
}

// Topic returns the governor's telemetry topic, so a consumer (the
// performance CSV sink) can subscribe to every decision this governor
// publishes.
func (g *Governor) Topic() *bus.Topic { return g.topic }

// Call runs fn under governance for the given key and logical id
// value. fn returns the record count itself, alongside its error.
func (g *Governor) Call(key Key, idValue string, testMode bool, fn func() (count int, err error)) (count int, waited bool, err error) {
	st, ok := g.objects[key]
	if !ok {
		st = &state{id: idValue}
		g.objects[key] = st
	}
	st.lastError = nil
	st.startedTime = time.Now()

	if st.cyclesToWait > 0 {
		g.logWaiting(st)
		st.cyclesToWait--
		st.lastRunningTime = 0
		st.records = 0
		metrics.ProviderCallsTotal.WithLabelValues(g.componentID, "waiting").Inc()
		metrics.ProviderWaitCycles.WithLabelValues(g.componentID).Set(float64(st.cyclesToWait))
		g.publish(st)
		return 0, true, nil
	}

	start := time.Now()
	count, callErr := fn()
	if callErr != nil {
		var opErr *operr.OperationalError
		if asOperational(callErr, &opErr) {
			g.log.Error().Err(callErr).Str("component", g.componentID).Str("id", idValue).Msg("operational error")
			if testMode {
				metrics.ProviderCallsTotal.WithLabelValues(g.componentID, "operational_error").Inc()
				return 0, false, callErr
			}
			st.lastRunningTime = 0
			st.records = 0
			st.lastError = opErr
		} else {
			metrics.ProviderCallsTotal.WithLabelValues(g.componentID, "unexpected_error").Inc()
			return 0, false, callErr
		}
	} else {
		st.lastRunningTime = time.Since(start).Seconds()
		st.records = count
		st.lastError = nil
	}

	if st.lastError != nil || st.lastRunningTime > g.policy.RunningTimeThreshold {
		g.backoff(st)
		metrics.ProviderCallsTotal.WithLabelValues(g.componentID, "error").Inc()
	} else {
		if st.cyclesToWait > 0 {
			g.log.Info().Str("component", g.componentID).Str("id", idValue).Msg("back to normal")
		}
		st.cyclesToWait = 0
		st.cyclesToWaitInt = 0
		st.reasonToWait = ReasonNone
		metrics.ProviderCallsTotal.WithLabelValues(g.componentID, "ok").Inc()
	}

	metrics.ProviderWaitCycles.WithLabelValues(g.componentID).Set(float64(st.cyclesToWait))
	g.publish(st)
	return st.records, false, nil
}

func (g *Governor) backoff(st *state) {
	if st.cyclesToWaitInt > 0 {
		if g.policy.ExponentialBackoff {
			st.cyclesToWaitInt *= 2
		} else {
			st.cyclesToWaitInt++
		}
		if st.cyclesToWaitInt > g.policy.MaxWaitingCycles {
			st.cyclesToWaitInt = g.policy.MaxWaitingCycles
		}
		st.cyclesToWait = st.cyclesToWaitInt
	} else {
		st.cyclesToWait = g.policy.DurationCycles
		st.cyclesToWaitInt = g.policy.DurationCycles
	}
	if st.lastError != nil {
		st.reasonToWait = ReasonError
	} else {
		st.reasonToWait = ReasonSlow
	}
}

func (g *Governor) logWaiting(st *state) {
	switch st.reasonToWait {
	case ReasonError:
		g.log.Warn().Str("component", g.componentID).Str("id", st.id).Int("cycles", st.cyclesToWait).
			Msg("waiting, the last call resulted in an error")
	case ReasonSlow:
		g.log.Warn().Str("component", g.componentID).Str("id", st.id).Int("cycles", st.cyclesToWait).
			Float64("last_running_time", st.lastRunningTime).Msg("waiting, the last call was too slow")
	default:
		g.log.Warn().Str("component", g.componentID).Str("id", st.id).Int("cycles", st.cyclesToWait).Msg("waiting")
	}
}

func (g *Governor) publish(st *state) {
	var isError any
	switch {
	case st.lastError != nil:
		isError = true
	case st.reasonToWait == ReasonNone:
		isError = false
	default:
		isError = nil
	}
	errStr := "-"
	if st.lastError != nil {
		errStr = st.lastError.Error()
	}
	g.topic.Update(map[string]any{
		"id":             st.id,
		"started_time":   st.startedTime,
		"records":        st.records,
		"running_time":   st.lastRunningTime,
		"wait_cycles":    st.cyclesToWait,
		"reason_to_wait": int(st.reasonToWait),
		"is_error":       isError,
		"error":          errStr,
	})
}

func asOperational(err error, target **operr.OperationalError) bool {
	oe, ok := err.(*operr.OperationalError)
	if !ok {
		return false
	}
	*target = oe
	return true
}
