package runtime

import (
	"bytes"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	id       string
	started  int32
	joined   int32
	destroyed int32
	panicOnStart bool
}

func (w *fakeWorker) ID() string { return w.id }
func (w *fakeWorker) Start(exit *Signal) {
	if w.panicOnStart {
		panic("boom")
	}
	atomic.StoreInt32(&w.started, 1)
}
func (w *fakeWorker) Join()    { atomic.StoreInt32(&w.joined, 1) }
func (w *fakeWorker) Destroy() { atomic.StoreInt32(&w.destroyed, 1) }

func TestSupervisor_StartsWritersBeforeCollectors(t *testing.T) {
	var order []string
	w := &orderedWorker{id: "w1", order: &order}
	c := &orderedWorker{id: "c1", order: &order}

	sup := New(zerolog.Nop())
	sup.AddWriter(w)
	sup.AddCollector(c)
	sup.Start()

	require.Len(t, order, 2)
	assert.Equal(t, "w1", order[0])
	assert.Equal(t, "c1", order[1])
}

type orderedWorker struct {
	id    string
	order *[]string
}

func (w *orderedWorker) ID() string        { return w.id }
func (w *orderedWorker) Start(exit *Signal) { *w.order = append(*w.order, w.id) }
func (w *orderedWorker) Join()              {}
func (w *orderedWorker) Destroy()           {}

func TestSupervisor_StartIsolatesAPanickingWorker(t *testing.T) {
	bad := &fakeWorker{id: "bad", panicOnStart: true}
	good := &fakeWorker{id: "good"}

	sup := New(zerolog.Nop())
	sup.AddWriter(bad)
	sup.AddWriter(good)

	assert.NotPanics(t, sup.Start)
	assert.EqualValues(t, 1, atomic.LoadInt32(&good.started))
}

func TestSupervisor_TracebackAttachesStackOnPanic(t *testing.T) {
	var buf bytes.Buffer
	bad := &fakeWorker{id: "bad", panicOnStart: true}

	sup := New(zerolog.New(&buf))
	sup.SetTraceback(true)
	defer SetTraceback(false)
	sup.AddWriter(bad)

	assert.NotPanics(t, sup.Start)
	assert.Contains(t, buf.String(), "\"stack\"")
}

func TestGuard_RecoversPanicAndLogsWorkerID(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	assert.NotPanics(t, func() {
		Guard(log, "flaky", func() { panic("boom") })
	})
	assert.Contains(t, buf.String(), "flaky")
	assert.Contains(t, buf.String(), "worker goroutine panicked, isolated")
}

func TestSupervisor_ShutdownJoinsCollectorsBeforeWriters(t *testing.T) {
	var order []string
	w := &orderedJoinWorker{id: "w1", order: &order}
	c := &orderedJoinWorker{id: "c1", order: &order}

	sup := New(zerolog.Nop())
	sup.AddWriter(w)
	sup.AddCollector(c)
	sup.Shutdown(time.Second)

	require.Len(t, order, 2)
	assert.Equal(t, "c1", order[0])
	assert.Equal(t, "w1", order[1])
}

type orderedJoinWorker struct {
	id    string
	order *[]string
}

func (w *orderedJoinWorker) ID() string        { return w.id }
func (w *orderedJoinWorker) Start(exit *Signal) {}
func (w *orderedJoinWorker) Join()              { *w.order = append(*w.order, w.id) }
func (w *orderedJoinWorker) Destroy()           {}

func TestSupervisor_ShutdownSetsTheSharedSignal(t *testing.T) {
	sup := New(zerolog.Nop())
	sup.Shutdown(time.Second)
	assert.True(t, sup.Signal().IsSet())
}

func TestSupervisor_ShutdownDestroysEveryWorker(t *testing.T) {
	w := &fakeWorker{id: "w1"}
	c := &fakeWorker{id: "c1"}

	sup := New(zerolog.Nop())
	sup.AddWriter(w)
	sup.AddCollector(c)
	sup.Shutdown(time.Second)

	assert.EqualValues(t, 1, atomic.LoadInt32(&w.destroyed))
	assert.EqualValues(t, 1, atomic.LoadInt32(&c.destroyed))
}
