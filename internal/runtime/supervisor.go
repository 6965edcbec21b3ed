package runtime

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Worker is anything the supervisor can start, join, and tear down:
// collectors and writers both implement it.
type Worker interface {
	ID() string
	Start(exit *Signal)
	Join()
	Destroy()
}

// traceback gates whether Guard and the supervisor's own panic
// recovery attach a full stack trace to the log entry. It is process
// global because it is set once at startup (from YAMC_TRACEBACK) and
// read from every worker goroutine across packages that call Guard.
var traceback bool

// SetTraceback enables attaching a full stack trace to the log entry
// emitted when a worker panic is isolated, by the supervisor itself or
// by Guard.
func SetTraceback(enabled bool) {
	traceback = enabled
}

// Guard runs fn, recovering and logging any panic instead of letting it
// crash the process. Every worker's background goroutine — the one
// actually doing per-cycle work (template/expr evaluation, provider
// parsing, backend writes) — must run under Guard, since Start itself
// typically just launches that goroutine and returns, leaving it
// otherwise outside the supervisor's own recover().
func Guard(log zerolog.Logger, workerID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			ev := log.Error().Str("worker", workerID).Interface("panic", r)
			if traceback {
				ev = ev.Str("stack", string(debug.Stack()))
			}
			ev.Msg("worker goroutine panicked, isolated")
		}
	}()
	fn()
}

// Supervisor owns the process-wide termination signal and the ordered
// set of workers it manages. Writers are started before collectors so
// that the first collected record always has somewhere to go; teardown
// runs in the reverse order so collectors stop producing before their
// writers disappear.
type Supervisor struct {
	log      zerolog.Logger
	exit     *Signal
	mu       sync.Mutex
	writers  []Worker
	collectr []Worker
	started  bool
}

// New creates a supervisor logging under the given component logger.
func New(log zerolog.Logger) *Supervisor {
	return &Supervisor{log: log, exit: NewSignal()}
}

// SetTraceback enables attaching a full stack trace to the log entry
// emitted when a worker's Start panics and is isolated. Kept as a
// method for callers that already hold a *Supervisor; it sets the same
// package-wide flag Guard reads.
func (s *Supervisor) SetTraceback(enabled bool) {
	SetTraceback(enabled)
}

// Signal returns the shared termination signal so callers (e.g. a
// signal.Notify handler) can set it directly.
func (s *Supervisor) Signal() *Signal { return s.exit }

// AddWriter registers a writer worker, started before any collector.
func (s *Supervisor) AddWriter(w Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writers = append(s.writers, w)
}

// AddCollector registers a collector worker, started after all writers.
func (s *Supervisor) AddCollector(w Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collectr = append(s.collectr, w)
}

// Start launches every writer, then every collector, recovering any
// panic in an individual worker's goroutine so one misbehaving worker
// never brings the rest of the daemon down.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	for _, w := range s.writers {
		s.startGuarded(w)
	}
	for _, w := range s.collectr {
		s.startGuarded(w)
	}
}

func (s *Supervisor) startGuarded(w Worker) {
	s.log.Info().Str("worker", w.ID()).Msg("starting worker")
	defer func() {
		if r := recover(); r != nil {
			ev := s.log.Error().Str("worker", w.ID()).Interface("panic", r)
			if traceback {
				ev = ev.Str("stack", string(debug.Stack()))
			}
			ev.Msg("worker start panicked, isolated")
		}
	}()
	w.Start(s.exit)
}

// Shutdown sets the termination signal, joins every worker (collectors
// first, writers last — the reverse of start order), and destroys them.
func (s *Supervisor) Shutdown(joinTimeout time.Duration) {
	s.exit.Set()

	s.mu.Lock()
	defer s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, w := range s.collectr {
			w.Join()
		}
		for _, w := range s.writers {
			w.Join()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(joinTimeout):
		s.log.Warn().Msg("timed out waiting for workers to join, destroying anyway")
	}

	for _, w := range s.collectr {
		w.Destroy()
	}
	for _, w := range s.writers {
		w.Destroy()
	}
}
