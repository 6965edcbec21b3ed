// Package stateprovider implements the state-sourced provider variant:
// it subscribes to a named state.State and fans every changed path out
// to the topic whose id matches that path, so collectors can treat
// state changes exactly like any other event source.
package stateprovider

import (
	"fmt"

	"github.com/cuemby/sentinel/internal/bus"
	"github.com/cuemby/sentinel/internal/provider"
	"github.com/cuemby/sentinel/internal/record"
	"github.com/cuemby/sentinel/internal/state"
)

// Provider bridges a state.State's changes onto bus topics, one topic
// per changed path.
type Provider struct {
	provider.Base
	st     *state.State
	source *bus.Source
}

// New creates a state provider bound to st, registering a data
// callback that walks every delta path and publishes it to the
// matching topic on source.
func New(componentID string, st *state.State, source *bus.Source) *Provider {
	p := &Provider{Base: provider.NewBase(componentID), st: st, source: source}
	st.AddDataCallback(p.onData)
	return p
}

// Source reports this provider has no single upstream origin.
func (p *Provider) Source() string { return "n/a" }

// Update is a no-op refresh: state changes arrive via the data
// callback, not a pull.
func (p *Provider) Update() (bool, error) { return false, nil }

// Get reads a "/"-delimited path out of the underlying state's data.
func (p *Provider) Get(path string) any {
	return deepFind(p.st.Data(), path)
}

func (p *Provider) onData(delta record.Record) {
	walk(delta, "", func(path string, value any) {
		topic, err := p.source.SelectOne(path)
		if err != nil || topic == nil {
			return
		}
		if m, ok := value.(record.Record); ok {
			topic.Update(m)
		} else {
			topic.Update(record.Record{"value": value})
		}
	})
}

// walk visits every nested path in d, calling cb(path, value) for
// every non-root node, with "/"-joined path segments and "[n]/" list
// index segments — mirroring the original component's path walker.
func walk(d any, path string, cb func(path string, value any)) {
	if path != "" {
		cb(path[:len(path)-1], d)
	}
	switch v := d.(type) {
	case record.Record:
		for k, child := range v {
			walk(child, fmt.Sprintf("%s%s/", path, k), cb)
		}
	case []any:
		for i, child := range v {
			walk(child, fmt.Sprintf("%s[%d]/", path, i), cb)
		}
	}
}

func deepFind(d record.Record, path string) any {
	var cur any = d
	segs := splitPath(path)
	for _, seg := range segs {
		m, ok := cur.(record.Record)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

func splitPath(path string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if i > start {
				segs = append(segs, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		segs = append(segs, path[start:])
	}
	return segs
}
