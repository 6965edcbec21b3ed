// Package writer implements the writer pipeline shared by every output
// backend: a bounded queue fed by collectors, a health-gated worker
// loop that batches writes, and backlog fallback when the backend is
// unhealthy.
package writer

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/sentinel/internal/expr"
	"github.com/cuemby/sentinel/internal/metrics"
	"github.com/cuemby/sentinel/internal/record"
	"github.com/cuemby/sentinel/internal/runtime"
	"github.com/cuemby/sentinel/internal/template"
	"github.com/rs/zerolog"
)

// HealthCheckError signals the backend itself is unavailable; the
// in-flight batch is preserved to the backlog rather than discarded.
type HealthCheckError struct{ Err error }

func (e *HealthCheckError) Error() string { return e.Err.Error() }
func (e *HealthCheckError) Unwrap() error { return e.Err }

// Envelope is one prepared record bound for a backend, tagged with the
// collector that produced it.
type Envelope struct {
	CollectorID string
	Data        record.Record
}

// Backend is what a concrete writer (CSV file, state sink, ...)
// implements; the pipeline in this package supplies everything else.
type Backend interface {
	// Healthcheck returns an error (ideally *HealthCheckError) if the
	// backend cannot currently accept writes.
	Healthcheck() error
	// DoWrite persists a batch. Any non-HealthCheckError is treated as
	// a discard-and-log failure for that batch only.
	DoWrite(batch []Envelope) error
}

// Config configures one writer pipeline instance.
type Config struct {
	WriteInterval       time.Duration
	WriteEmpty          bool
	HealthcheckInterval time.Duration
	DisableBacklog      bool
	BatchSize           int
	DisableWriter       bool
	TestMode            bool
}

// DefaultConfig matches the original implementation's defaults.
func DefaultConfig() Config {
	return Config{
		WriteInterval:       10 * time.Second,
		WriteEmpty:          true,
		HealthcheckInterval: 20 * time.Second,
		DisableBacklog:      false,
		BatchSize:           100,
		DisableWriter:       false,
	}
}

// Writer runs a single backend's pipeline: queue, health gate, batch
// worker, backlog.
type Writer struct {
	id      string
	cfg     Config
	backend Backend
	backlog *Backlog
	log     zerolog.Logger

	queue      chan Envelope
	writeEvent chan struct{}

	mu              sync.Mutex
	isHealthy       bool
	lastHealthcheck time.Time

	done chan struct{}
}

// New creates a writer pipeline for backend, with backlog files stored
// under backlogDir.
func New(id string, cfg Config, backend Backend, backlogDir string, log zerolog.Logger) (*Writer, error) {
	bl, err := NewBacklog(backlogDir, log, cfg.TestMode)
	if err != nil {
		return nil, fmt.Errorf("backlog init for writer %q: %w", id, err)
	}
	return &Writer{
		id:         id,
		cfg:        cfg,
		backend:    backend,
		backlog:    bl,
		log:        log,
		queue:      make(chan Envelope, 4096),
		writeEvent: make(chan struct{}, 1),
	}, nil
}

// ID implements runtime.Worker.
func (w *Writer) ID() string { return w.id }

// IsHealthy reports the backend's health, re-checking only after
// HealthcheckInterval has elapsed since the last failed check.
func (w *Writer) IsHealthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.isHealthy && time.Since(w.lastHealthcheck) > w.cfg.HealthcheckInterval {
		w.lastHealthcheck = time.Now()
		if w.cfg.DisableWriter {
			w.log.Error().Str("writer", w.id).Msg("healthcheck failed: writer disabled")
			w.isHealthy = false
		} else if err := w.backend.Healthcheck(); err != nil {
			w.log.Error().Err(err).Str("writer", w.id).Msg("healthcheck failed")
			w.isHealthy = false
		} else {
			w.log.Info().Str("writer", w.id).Msg("healthcheck succeeded")
			w.isHealthy = true
		}
	}
	metrics.WriterHealthy.WithLabelValues(w.id).Set(boolToFloat(w.isHealthy))
	return w.isHealthy
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Write evaluates writerDef's conditional template against one record
// per input item, then enqueues or backlogs the result depending on
// backend health. It must never block the calling collector.
func (w *Writer) Write(collectorID string, data []record.Record, def []template.Block, scope expr.Scope) error {
	if len(def) == 0 {
		return fmt.Errorf("the writer definition for %q is empty", w.id)
	}
	if len(data) == 0 {
		w.log.Debug().Str("writer", w.id).Msg("no data to write")
		return nil
	}

	var out []Envelope
	for _, item := range data {
		itemScope := expr.Merge(scope, expr.Scope{"data": item})
		evaluated, err := template.Evaluate(def, itemScope)
		if err != nil {
			return fmt.Errorf("evaluating writer definition for %q: %w", w.id, err)
		}
		if len(evaluated) > 0 || w.cfg.WriteEmpty {
			out = append(out, Envelope{CollectorID: collectorID, Data: evaluated})
		}
	}

	if w.IsHealthy() {
		for i, env := range out {
			select {
			case w.queue <- env:
			default:
				w.log.Warn().Str("writer", w.id).Msg("queue full, routing remainder to backlog")
				if !w.cfg.DisableBacklog {
					w.backlog.Put(out[i:])
					metrics.WriterBacklogSize.WithLabelValues(w.id).Set(float64(w.backlog.Size()))
				}
				metrics.WriterQueueDepth.WithLabelValues(w.id).Set(float64(len(w.queue)))
				return nil
			}
		}
		metrics.WriterQueueDepth.WithLabelValues(w.id).Set(float64(len(w.queue)))
	} else if !w.cfg.DisableBacklog {
		w.backlog.Put(out)
		metrics.WriterBacklogSize.WithLabelValues(w.id).Set(float64(w.backlog.Size()))
	}

	if w.cfg.WriteInterval == 0 {
		select {
		case w.writeEvent <- struct{}{}:
		default:
		}
	}
	return nil
}

// Start implements runtime.Worker: it launches the batch worker loop.
func (w *Writer) Start(exit *runtime.Signal) {
	w.done = make(chan struct{})
	go runtime.Guard(w.log, w.id, func() { w.run(exit) })
}

func (w *Writer) run(exit *runtime.Signal) {
	defer close(w.done)
	ticker := time.NewTicker(max(w.cfg.WriteInterval, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-exit.Done():
			w.drainFinal()
			return
		case <-ticker.C:
			w.processQueue()
			w.processBacklog()
		case <-w.writeEvent:
			w.processQueue()
			w.processBacklog()
		}
	}
}

// processBacklog replays the backlog if the backend is currently
// healthy, marking the writer unhealthy if a replay write fails.
func (w *Writer) processBacklog() {
	if !w.IsHealthy() {
		return
	}
	if !w.backlog.Process(w.cfg.BatchSize, w.backend) {
		w.mu.Lock()
		w.isHealthy = false
		w.mu.Unlock()
	}
	metrics.WriterBacklogSize.WithLabelValues(w.id).Set(float64(w.backlog.Size()))
}

func (w *Writer) processQueue() {
	if !w.IsHealthy() {
		return
	}
	batch := w.drainBatch(w.cfg.BatchSize)
	if len(batch) == 0 {
		return
	}
	w.writeBatch(batch)
}

func (w *Writer) drainBatch(max int) []Envelope {
	var batch []Envelope
	for len(batch) < max {
		select {
		case env := <-w.queue:
			batch = append(batch, env)
		default:
			return batch
		}
	}
	return batch
}

func (w *Writer) writeBatch(batch []Envelope) {
	metrics.WriterQueueDepth.WithLabelValues(w.id).Set(float64(len(w.queue)))
	if w.cfg.TestMode {
		w.log.Debug().Msg("test mode, write operation disabled")
		return
	}
	timer := metrics.NewTimer()
	err := w.backend.DoWrite(batch)
	timer.ObserveDurationVec(metrics.WriteBatchDuration, w.id)
	if err == nil {
		return
	}
	var hcErr *HealthCheckError
	if isHealthCheckError(err, &hcErr) {
		w.log.Error().Err(err).Msg("backend unhealthy, batch routed to backlog")
		w.mu.Lock()
		w.isHealthy = false
		w.mu.Unlock()
		w.backlog.Put(batch)
		metrics.WriterBacklogSize.WithLabelValues(w.id).Set(float64(w.backlog.Size()))
		return
	}
	w.log.Error().Err(err).Msg("batch discarded due to write failure")
}

func (w *Writer) drainFinal() {
	w.log.Info().Str("writer", w.id).Msg("ending writer, draining queue")
	w.processQueue()

	var leftover []Envelope
	for {
		select {
		case env := <-w.queue:
			leftover = append(leftover, env)
		default:
			if len(leftover) > 0 {
				w.log.Info().Int("count", len(leftover)).Msg("flushing unprocessed items to backlog")
				w.backlog.Put(leftover)
			}
			return
		}
	}
}

// Join implements runtime.Worker.
func (w *Writer) Join() {
	if w.done != nil {
		<-w.done
	}
}

// Destroy implements runtime.Worker; the pipeline holds no resources
// beyond the backlog directory handle, so this is a no-op placeholder
// kept for interface symmetry with collectors.
func (w *Writer) Destroy() {}

func isHealthCheckError(err error, target **HealthCheckError) bool {
	hc, ok := err.(*HealthCheckError)
	if !ok {
		return false
	}
	*target = hc
	return true
}

func max(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
