package main

import (
	"sync"
	"time"

	"github.com/cuemby/sentinel/internal/bus"
	"github.com/cuemby/sentinel/internal/perfcsv"
	"github.com/cuemby/sentinel/internal/runtime"
	"github.com/rs/zerolog"
)

// perfConsumer drains every performance governor's telemetry topic and
// appends each record to the on-disk performance CSV described in the
// external performance log format: the governor publishes decisions to
// "yamc/performance/providers/<id>" but nothing reads that topic on
// its own, so this is the worker that turns it into the durable,
// rotated file the performance analyzer consumes.
//
// It is registered with the supervisor as a writer so it starts before
// any collector can publish a performance record and is joined after
// collectors stop producing them.
type perfConsumer struct {
	topics []*bus.Topic
	out    *perfcsv.Writer
	log    zerolog.Logger

	wg sync.WaitGroup
}

func newPerfConsumer(topics []*bus.Topic, out *perfcsv.Writer, log zerolog.Logger) *perfConsumer {
	return &perfConsumer{topics: topics, out: out, log: log}
}

func (p *perfConsumer) ID() string { return "perf-consumer" }

func (p *perfConsumer) Start(exit *runtime.Signal) {
	for _, t := range p.topics {
		ch := t.Subscribe(64)
		p.wg.Add(1)
		go runtime.Guard(p.log, p.ID(), func() { p.drain(ch, exit) })
	}
}

func (p *perfConsumer) drain(ch chan bus.Envelope, exit *runtime.Signal) {
	defer p.wg.Done()
	for {
		select {
		case env := <-ch:
			p.write(env)
		case <-exit.Done():
			for {
				select {
				case env := <-ch:
					p.write(env)
				default:
					return
				}
			}
		}
	}
}

func (p *perfConsumer) write(env bus.Envelope) {
	row := perfcsv.Row{
		StartedTime:  asTime(env.Data["started_time"]),
		TopicID:      env.TopicID,
		ID:           asString(env.Data["id"]),
		RunningTime:  asFloat(env.Data["running_time"]),
		Records:      asInt(env.Data["records"]),
		WaitCycles:   asInt(env.Data["wait_cycles"]),
		IsError:      env.Data["is_error"],
		ReasonToWait: asInt(env.Data["reason_to_wait"]),
		Error:        asString(env.Data["error"]),
	}
	if err := p.out.Write(row); err != nil {
		p.log.Error().Err(err).Msg("writing performance record")
	}
}

func (p *perfConsumer) Join() {
	p.wg.Wait()
}

func (p *perfConsumer) Destroy() {
	if err := p.out.Close(); err != nil {
		p.log.Error().Err(err).Msg("closing performance csv")
	}
}

func asTime(v any) time.Time {
	t, _ := v.(time.Time)
	return t
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
