// Package collector implements the two collector variants: cron-driven
// and event-driven. Both share the data-preparation/write flow defined
// here; CronCollector and EventCollector in this package add their own
// scheduling.
package collector

import (
	"fmt"

	"github.com/cuemby/sentinel/internal/expr"
	"github.com/cuemby/sentinel/internal/record"
	"github.com/cuemby/sentinel/internal/template"
	"github.com/cuemby/sentinel/internal/writer"
	"github.com/rs/zerolog"
)

// WriterBinding pairs a writer with the per-collector template
// definition it should use for this collector's output.
type WriterBinding struct {
	Writer *writer.Writer
	Def    []template.Block
}

// DataDef is a collector's "data" property: either a static
// conditional-template-free expression producing a record/list of
// records, or (the common case) nil, meaning "derive records from the
// scope's data key directly".
type DataDef struct {
	Expr      expr.Expression
	HasExpr   bool
	MaxHistory int
}

// Base implements the shared prepare-data/write flow every collector
// variant composes.
type Base struct {
	ComponentID string
	DataDef     DataDef
	Writers     []WriterBinding
	BaseScope   func() expr.Scope
	Log         zerolog.Logger

	history []record.Record
}

// PrepareData evaluates the collector's data definition against the
// base scope merged with custom, returning the resulting list of
// records (nil on an empty/no-op result).
func (b *Base) PrepareData(custom expr.Scope) ([]record.Record, error) {
	scope := expr.Merge(b.BaseScope(), custom)

	var out any
	var err error
	if b.DataDef.HasExpr {
		out, err = b.DataDef.Expr.Eval(scope)
		if err != nil {
			return nil, fmt.Errorf("evaluating data definition for %q: %w", b.ComponentID, err)
		}
	} else {
		out = scope["data"]
	}
	if out == nil {
		return nil, nil
	}

	var records []record.Record
	switch v := out.(type) {
	case []record.Record:
		records = v
	case record.Record:
		records = []record.Record{v}
	case []any:
		for _, item := range v {
			if r, ok := item.(record.Record); ok {
				records = append(records, r)
			}
		}
	default:
		return nil, fmt.Errorf("the data for %q must be a record or list of records", b.ComponentID)
	}

	if b.DataDef.MaxHistory > 0 {
		b.history = append(b.history, records...)
		if over := len(b.history) - b.DataDef.MaxHistory; over > 0 {
			b.history = b.history[over:]
		}
	}
	return records, nil
}

// Write routes prepared data through every bound writer.
func (b *Base) Write(data []record.Record, scope expr.Scope) {
	if len(data) == 0 {
		b.Log.Debug().Str("collector", b.ComponentID).Msg("no data to write")
		return
	}
	for _, wb := range b.Writers {
		if err := wb.Writer.Write(b.ComponentID, data, wb.Def, scope); err != nil {
			b.Log.Error().Err(err).Str("collector", b.ComponentID).Str("writer", wb.Writer.ID()).Msg("write failed")
		}
	}
}

// History returns a snapshot of the bounded collection history.
func (b *Base) History() []record.Record {
	out := make([]record.Record, len(b.history))
	copy(out, b.history)
	return out
}
