// Package state implements the shared key-value State object: writers
// merge data into it, StateProvider reads from it, and a reserved
// "timer" sub-key schedules one-shot delayed callbacks.
package state

import (
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/sentinel/internal/record"
	"github.com/rs/zerolog"
)

// DataCallback is invoked with every delta applied to a State, after
// any timer sub-key has been stripped out of it.
type DataCallback func(delta record.Record)

// State is a named, mutable data container with timer support.
type State struct {
	Name string

	log      zerolog.Logger
	mu       sync.Mutex
	data     record.Record
	callbacks []DataCallback
	timers   map[string]*time.Timer
}

// New creates an empty named state.
func New(name string, log zerolog.Logger) *State {
	return &State{
		Name:   name,
		log:    log,
		data:   record.Record{},
		timers: make(map[string]*time.Timer),
	}
}

// AddDataCallback registers a callback invoked on every Update.
func (s *State) AddDataCallback(cb DataCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Data returns a snapshot of the stored data.
func (s *State) Data() record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return record.Clone(s.data)
}

// Update applies delta to the state: it first interprets the reserved
// "timer" sub-key (creating, ignoring, or cancelling named timers),
// strips "timer" from delta, invokes every registered callback with
// the remaining delta, and finally deep-merges delta into the stored
// data.
func (s *State) Update(delta record.Record) {
	s.mu.Lock()

	if raw, ok := delta["timer"]; ok {
		if timerDefs, ok := raw.(record.Record); ok {
			s.applyTimerDefs(timerDefs)
		}
		delete(delta, "timer")
	}

	cbs := make([]DataCallback, len(s.callbacks))
	copy(cbs, s.callbacks)
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(delta)
	}

	s.mu.Lock()
	s.data = record.DeepMerge(s.data, delta)
	s.mu.Unlock()
}

// applyTimerDefs must be called with s.mu held.
func (s *State) applyTimerDefs(defs record.Record) {
	for name, raw := range defs {
		def, ok := raw.(record.Record)
		if !ok {
			s.log.Error().Str("timer", name).Msg("invalid timer definition")
			continue
		}
		value, err := toFloat(def["value"])
		if err != nil {
			s.log.Error().Err(err).Str("timer", name).Msg("invalid timer value")
			continue
		}

		existing, hasTimer := s.timers[name]
		switch {
		case !hasTimer && value > 0:
			s.log.Info().Str("timer", name).Float64("timeout", value).Msg("timer created")
			s.timers[name] = time.AfterFunc(time.Duration(value*float64(time.Second)), func() {
				s.onTimerElapsed(name, value)
			})
		case hasTimer && value == 0:
			s.log.Info().Str("timer", name).Msg("timer cancelled")
			existing.Stop()
			delete(s.timers, name)
		case hasTimer:
			s.log.Debug().Str("timer", name).Msg("timer already exists, ignoring update")
		}
	}
}

func (s *State) onTimerElapsed(name string, value float64) {
	s.mu.Lock()
	delete(s.timers, name)
	cbs := make([]DataCallback, len(s.callbacks))
	copy(cbs, s.callbacks)
	s.mu.Unlock()

	s.log.Info().Str("timer", name).Float64("after", value).Msg("timer elapsed")
	delta := record.Record{"timer": record.Record{name: record.Record{"value": value}}}
	for _, cb := range cbs {
		cb(delta)
	}
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(x, 64)
	default:
		return 0, strconv.ErrSyntax
	}
}

// Registry is the process-wide name->State lookup, mirroring the
// original implementation's GlobalState singleton but constructed
// explicitly and passed around rather than accessed as a package
// global.
type Registry struct {
	mu     sync.Mutex
	states map[string]*State
	log    zerolog.Logger
}

// NewRegistry creates an empty state registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{states: make(map[string]*State), log: log}
}

// Get returns the named state, creating it on first access.
func (r *Registry) Get(name string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[name]
	if !ok {
		s = New(name, r.log.With().Str("state", name).Logger())
		r.states[name] = s
	}
	return s
}
