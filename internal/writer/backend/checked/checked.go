// Package checked wraps any writer.Backend with an independent
// health.Checker, so a backend's health gate can be driven by an HTTP,
// TCP, or exec probe instead of (or in addition to) the backend's own
// Healthcheck logic.
package checked

import (
	"context"
	"time"

	"github.com/cuemby/sentinel/internal/health"
	"github.com/cuemby/sentinel/internal/writer"
)

// Backend delegates Healthcheck to a health.Checker and DoWrite to an
// inner writer.Backend.
type Backend struct {
	inner   writer.Backend
	checker health.Checker
	timeout time.Duration
}

// New wraps inner, probing checker (with the given timeout) to decide
// health instead of inner's own Healthcheck.
func New(inner writer.Backend, checker health.Checker, timeout time.Duration) *Backend {
	return &Backend{inner: inner, checker: checker, timeout: timeout}
}

// Healthcheck runs the wrapped checker and translates a failed probe
// into a *writer.HealthCheckError.
func (b *Backend) Healthcheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	result := b.checker.Check(ctx)
	if !result.Healthy {
		return &writer.HealthCheckError{Err: errString(result.Message)}
	}
	return nil
}

// DoWrite delegates to the wrapped backend.
func (b *Backend) DoWrite(batch []writer.Envelope) error {
	return b.inner.DoWrite(batch)
}

type errString string

func (e errString) Error() string { return string(e) }
