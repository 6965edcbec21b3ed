// Package eventprovider implements the event-sourced provider variant:
// it mirrors the last payload of each topic it declares into its own
// data map, keyed by topic id.
package eventprovider

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/sentinel/internal/bus"
	"github.com/cuemby/sentinel/internal/provider"
)

// Provider mirrors a set of topics' last values into its own map.
type Provider struct {
	provider.Base
	topicIDs []string
	source   *bus.Source

	mu   sync.Mutex
	data map[string]any
}

// New creates an event provider that owns and declares the given
// topic ids on source, failing if any of them is already registered
// by another component.
func New(componentID string, topicIDs []string, source *bus.Source) (*Provider, error) {
	for _, id := range topicIDs {
		if _, err := source.AddTopic(id, 0); err != nil {
			return nil, fmt.Errorf("event provider %q: %w", componentID, err)
		}
	}
	return &Provider{
		Base:     provider.NewBase(componentID),
		topicIDs: topicIDs,
		source:   source,
		data:     make(map[string]any),
	}, nil
}

// Source reports this provider has no single upstream origin.
func (p *Provider) Source() string { return "n/a" }

// OnTopicUpdate refreshes this provider's mirrored view of one topic
// from that topic's current snapshot.
func (p *Provider) OnTopicUpdate(topic *bus.Topic) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.MarkUpdated(time.Now())
	p.data[topic.ID] = topic.AsDict()
}

// Update refreshes every mirrored topic's snapshot from source.
func (p *Provider) Update() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.MarkUpdated(time.Now())
	for _, id := range p.topicIDs {
		topic, err := p.source.SelectOne(id)
		if err != nil {
			return false, fmt.Errorf("failed to resolve topic %q: %w", id, err)
		}
		if topic == nil {
			continue
		}
		p.data[id] = topic.AsDict()
	}
	return true, nil
}

// Data returns the current mirrored topic snapshots.
func (p *Provider) Data() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]any, len(p.data))
	for k, v := range p.data {
		out[k] = v
	}
	return out
}
