package collector

import (
	"time"

	"github.com/cuemby/sentinel/internal/metrics"
	"github.com/cuemby/sentinel/internal/runtime"
	"github.com/robfig/cron/v3"
)

// CronCollector runs Base.PrepareData/Write on a cron schedule. Sleeps
// between fires are preemptible by the shared termination signal, and
// a missed fire (the schedule already elapsed by the time we checked)
// is skipped forward to the next valid time rather than firing a
// burst of catch-up runs.
type CronCollector struct {
	Base
	Schedule string

	schedule cron.Schedule
	done     chan struct{}
}

// NewCronCollector parses schedule eagerly so a malformed cron
// expression fails at construction, not at the first fire.
func NewCronCollector(base Base, schedule string) (*CronCollector, error) {
	parsed, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, err
	}
	return &CronCollector{Base: base, Schedule: schedule, schedule: parsed}, nil
}

// ID implements runtime.Worker.
func (c *CronCollector) ID() string { return c.ComponentID }

// Start implements runtime.Worker.
func (c *CronCollector) Start(exit *runtime.Signal) {
	c.done = make(chan struct{})
	go runtime.Guard(c.Log, c.ComponentID, func() { c.run(exit) })
}

func (c *CronCollector) run(exit *runtime.Signal) {
	defer close(c.done)

	next := c.nextSleep()
	for !exit.IsSet() {
		if exit.Wait(next) {
			return
		}
		c.Log.Info().Str("collector", c.ComponentID).Msg("running scheduled job")
		timer := metrics.NewTimer()
		data, err := c.PrepareData(nil)
		if err != nil {
			c.Log.Error().Err(err).Str("collector", c.ComponentID).Msg("job failed")
			metrics.CollectorRunsTotal.WithLabelValues(c.ComponentID, "error").Inc()
		} else {
			c.Write(data, c.BaseScope())
			metrics.CollectorRunsTotal.WithLabelValues(c.ComponentID, "ok").Inc()
		}
		timer.ObserveDurationVec(metrics.CollectorRunDuration, c.ComponentID)
		next = c.nextSleep()
	}
}

// nextSleep returns the duration until the schedule's next fire,
// advancing past any fire time that has already elapsed (a missed
// fire due to clock drift or a long prior run).
func (c *CronCollector) nextSleep() time.Duration {
	for {
		next := c.schedule.Next(time.Now())
		d := time.Until(next)
		if d > 0 {
			return d
		}
		c.Log.Warn().Str("collector", c.ComponentID).Time("missed", next).Msg("scheduled run already passed, advancing")
	}
}

// Join implements runtime.Worker.
func (c *CronCollector) Join() {
	if c.done != nil {
		<-c.done
	}
}

// Destroy implements runtime.Worker.
func (c *CronCollector) Destroy() {}
