// Package statesink implements the in-memory state-store writer
// backend: every record in a batch is deep-merged into a named
// state.State, making it visible to stateprovider-driven collectors.
package statesink

import (
	"github.com/cuemby/sentinel/internal/state"
	"github.com/cuemby/sentinel/internal/writer"
)

// Backend deep-merges written records into a state.State.
type Backend struct {
	st *state.State
}

// New creates a state-sink backend targeting st.
func New(st *state.State) *Backend {
	return &Backend{st: st}
}

// Healthcheck always succeeds: an in-process state object has no
// external dependency to fail.
func (b *Backend) Healthcheck() error { return nil }

// DoWrite merges every envelope's data into the target state.
func (b *Backend) DoWrite(batch []writer.Envelope) error {
	for _, env := range batch {
		b.st.Update(env.Data)
	}
	return nil
}
