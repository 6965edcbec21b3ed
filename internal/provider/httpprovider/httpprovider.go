// Package httpprovider implements the TTL-cached HTTP data provider
// variant: an optional warm-up request, a 3-attempt fetch policy, and a
// per-provider mutex so overlapping Update calls serialize.
package httpprovider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/sentinel/internal/provider"
	"github.com/cuemby/sentinel/internal/provider/operr"
	"github.com/rs/zerolog"
)

// Config configures one HTTP provider instance.
type Config struct {
	URL         string
	MaxAge      time.Duration
	InitURL     string
	InitMaxAge  time.Duration
	Client      *http.Client
}

// Provider retrieves and TTL-caches a raw HTTP response body.
type Provider struct {
	provider.Base
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	data     []byte
	initTime time.Time
}

// New creates an HTTP provider for componentID.
func New(componentID string, cfg Config, log zerolog.Logger) *Provider {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Provider{Base: provider.NewBase(componentID), cfg: cfg, log: log}
}

// Source returns the configured URL.
func (p *Provider) Source() string { return p.cfg.URL }

func (p *Provider) initSession(ctx context.Context) {
	if p.cfg.InitURL == "" {
		return
	}
	if !p.initTime.IsZero() && time.Since(p.initTime) <= p.cfg.InitMaxAge {
		return
	}
	p.initTime = time.Now()
	p.log.Info().Str("url", p.cfg.InitURL).Msg("running initialization request")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.InitURL, nil)
	if err != nil {
		p.log.Error().Err(err).Msg("initialization request failed")
		return
	}
	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		p.log.Error().Err(err).Msg("initialization request failed")
		return
	}
	_ = resp.Body.Close()
}

// Update fetches the URL if the cache has expired, making up to three
// attempts in total on transient (>=400, non-404) failures, with a
// one-second pause between attempts.
// A 404 is a fatal OperationalError, not retried.
func (p *Provider) Update() (bool, error) {
	return p.UpdateContext(context.Background())
}

// UpdateContext is Update with an explicit context for the HTTP calls.
func (p *Provider) UpdateContext(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	updated := p.UpdatedTime()
	if !updated.IsZero() && p.data != nil && time.Since(updated) <= p.cfg.MaxAge {
		p.log.Debug().Str("url", p.cfg.URL).Msg("served from cache")
		return false, nil
	}

	p.initSession(ctx)

	var lastErr error
	for retry := 0; retry < 3; retry++ {
		p.MarkUpdated(time.Now())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
		if err != nil {
			return false, operr.Wrap("failed to build request", err)
		}
		resp, err := p.cfg.Client.Do(req)
		if err != nil {
			return false, operr.Wrap(fmt.Sprintf("request to %s failed", p.cfg.URL), err)
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			_ = resp.Body.Close()
			return false, operr.New(fmt.Sprintf("the resource at %s does not exist", p.cfg.URL))
		case resp.StatusCode >= 400:
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("request to %s failed with status %d", p.cfg.URL, resp.StatusCode)
			p.log.Error().Err(lastErr).Int("retry", retry).Msg("retryable http failure")
			if retry == 2 {
				return false, operr.Wrap(fmt.Sprintf("cannot retrieve %s after 3 attempts", p.cfg.URL), lastErr)
			}
			time.Sleep(time.Second)
			continue
		default:
			body, err := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if err != nil {
				return false, operr.Wrap("failed reading response body", err)
			}
			p.data = body
			return true, nil
		}
	}
	return false, operr.Wrap(fmt.Sprintf("cannot retrieve %s", p.cfg.URL), lastErr)
}

// Data returns the last fetched raw payload.
func (p *Provider) Data() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data
}
