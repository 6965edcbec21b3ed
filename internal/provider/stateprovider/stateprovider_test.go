package stateprovider

import (
	"testing"

	"github.com/cuemby/sentinel/internal/bus"
	"github.com/cuemby/sentinel/internal/record"
	"github.com/cuemby/sentinel/internal/state"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nopLogger() zerolog.Logger { return zerolog.Nop() }

func TestGet_WalksSlashDelimitedPath(t *testing.T) {
	st := state.New("s1", nopLogger())
	src := bus.NewSource()
	p := New("sp1", st, src)

	st.Update(record.Record{"a": record.Record{"b": 5}})
	assert.EqualValues(t, 5, p.Get("a/b"))
}

func TestGet_MissingPathReturnsNil(t *testing.T) {
	st := state.New("s1", nopLogger())
	p := New("sp1", st, bus.NewSource())
	assert.Nil(t, p.Get("missing/path"))
}

func TestOnData_PublishesChangedLeafToMatchingTopic(t *testing.T) {
	st := state.New("s1", nopLogger())
	src := bus.NewSource()
	topic := src.CreateTopic("temperature", 0)
	ch := topic.Subscribe(1)

	New("sp1", st, src)
	st.Update(record.Record{"temperature": 42})

	env := <-ch
	assert.EqualValues(t, 42, env.Data["value"])
}

func TestOnData_PublishesNestedRecordLeafAsIs(t *testing.T) {
	st := state.New("s1", nopLogger())
	src := bus.NewSource()
	topic := src.CreateTopic("a", 0)
	ch := topic.Subscribe(1)

	New("sp1", st, src)
	st.Update(record.Record{"a": record.Record{"b": 5, "c": 6}})

	env := <-ch
	assert.EqualValues(t, 5, env.Data["b"])
	assert.EqualValues(t, 6, env.Data["c"])
}

func TestUpdate_IsANoOpPull(t *testing.T) {
	p := New("sp1", state.New("s1", nopLogger()), bus.NewSource())
	fetched, err := p.Update()
	require.NoError(t, err)
	assert.False(t, fetched)
}

func TestSource_ReportsNoSingleOrigin(t *testing.T) {
	p := New("sp1", state.New("s1", nopLogger()), bus.NewSource())
	assert.Equal(t, "n/a", p.Source())
}
