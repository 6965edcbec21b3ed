package collector

import (
	"time"

	"github.com/cuemby/sentinel/internal/bus"
	"github.com/cuemby/sentinel/internal/expr"
	"github.com/cuemby/sentinel/internal/metrics"
	"github.com/cuemby/sentinel/internal/runtime"
)

// EventCollector subscribes to one or more topics and drains whatever
// has accumulated on its queue once per poll interval, running the
// prepare->write flow once per received event.
type EventCollector struct {
	Base
	Topics []*bus.Topic

	queue chan bus.Envelope
	done  chan struct{}
}

// NewEventCollector creates an event collector bound to topics; it
// does not subscribe until Start is called.
func NewEventCollector(base Base, topics []*bus.Topic) *EventCollector {
	return &EventCollector{Base: base, Topics: topics}
}

// ID implements runtime.Worker.
func (e *EventCollector) ID() string { return e.ComponentID }

// Start implements runtime.Worker: subscribes to every bound topic and
// launches the poll loop.
func (e *EventCollector) Start(exit *runtime.Signal) {
	e.queue = make(chan bus.Envelope, 4096)
	for _, t := range e.Topics {
		ch := t.Subscribe(256)
		go runtime.Guard(e.Log, e.ComponentID, func() { e.forward(ch) })
	}
	e.done = make(chan struct{})
	go runtime.Guard(e.Log, e.ComponentID, func() { e.run(exit) })
}

func (e *EventCollector) forward(ch chan bus.Envelope) {
	for env := range ch {
		e.queue <- env
	}
}

func (e *EventCollector) run(exit *runtime.Signal) {
	defer close(e.done)
	for {
		var batch []bus.Envelope
	drain:
		for {
			select {
			case env := <-e.queue:
				batch = append(batch, env)
			default:
				break drain
			}
		}

		if len(batch) > 0 {
			for _, env := range batch {
				timer := metrics.NewTimer()
				data, err := e.PrepareData(expr.Scope{"event": env})
				if err != nil {
					e.Log.Error().Err(err).Str("collector", e.ComponentID).Msg("event processing failed")
					metrics.CollectorRunsTotal.WithLabelValues(e.ComponentID, "error").Inc()
					timer.ObserveDurationVec(metrics.CollectorRunDuration, e.ComponentID)
					continue
				}
				e.Write(data, expr.Scope{"event": env})
				metrics.CollectorRunsTotal.WithLabelValues(e.ComponentID, "ok").Inc()
				timer.ObserveDurationVec(metrics.CollectorRunDuration, e.ComponentID)
			}
		}

		if exit.Wait(time.Second) {
			return
		}
	}
}

// Join implements runtime.Worker.
func (e *EventCollector) Join() {
	if e.done != nil {
		<-e.done
	}
}

// Destroy implements runtime.Worker.
func (e *EventCollector) Destroy() {}
