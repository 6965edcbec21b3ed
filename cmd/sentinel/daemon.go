package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/sentinel/internal/bus"
	"github.com/cuemby/sentinel/internal/collector"
	"github.com/cuemby/sentinel/internal/config"
	"github.com/cuemby/sentinel/internal/expr"
	"github.com/cuemby/sentinel/internal/health"
	"github.com/cuemby/sentinel/internal/log"
	"github.com/cuemby/sentinel/internal/perf"
	"github.com/cuemby/sentinel/internal/perfcsv"
	"github.com/cuemby/sentinel/internal/provider"
	"github.com/cuemby/sentinel/internal/provider/csvprovider"
	"github.com/cuemby/sentinel/internal/provider/eventprovider"
	"github.com/cuemby/sentinel/internal/provider/httpprovider"
	"github.com/cuemby/sentinel/internal/provider/stateprovider"
	"github.com/cuemby/sentinel/internal/provider/xmlprovider"
	"github.com/cuemby/sentinel/internal/runtime"
	"github.com/cuemby/sentinel/internal/state"
	"github.com/cuemby/sentinel/internal/template"
	"github.com/cuemby/sentinel/internal/writer"
	"github.com/cuemby/sentinel/internal/writer/backend/checked"
	"github.com/cuemby/sentinel/internal/writer/backend/csvfile"
	"github.com/cuemby/sentinel/internal/writer/backend/statesink"
	"gopkg.in/yaml.v3"
)

// daemon holds every live component the supervisor manages, assembled
// from a config.Tree.
type daemon struct {
	supervisor *runtime.Supervisor
	bus        *bus.Source
	states     *state.Registry
	writers    map[string]*writer.Writer
	providers  map[string]provider.Provider
	governors  map[string]*perf.Governor
	testMode   bool
}

// newDaemon builds providers, then writers, then collectors, wiring
// each collector's writer bindings and provider/event sources from
// tree, and registers everything with a fresh supervisor. Writers are
// registered before collectors so the supervisor starts them first,
// matching the lifecycle ordering every worker in this daemon depends
// on; providers have no worker lifecycle of their own (they are pulled
// by the collector that owns them) so they only need to exist before
// buildCollector resolves its "provider" reference.
func newDaemon(tree *config.Tree) (*daemon, error) {
	sup := runtime.New(log.WithComponent("supervisor"))
	sup.SetTraceback(log.Traceback)
	d := &daemon{
		supervisor: sup,
		bus:        bus.NewSource(),
		states:     state.NewRegistry(log.WithComponent("state")),
		writers:    make(map[string]*writer.Writer),
		providers:  make(map[string]provider.Provider),
		governors:  make(map[string]*perf.Governor),
		testMode:   os.Getenv("TEST_MODE") != "",
	}

	dataDir := tree.DataDir
	if dataDir == "" {
		dataDir = "."
	}

	for id, def := range tree.Providers {
		p, err := d.buildProvider(id, def)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", id, err)
		}
		d.providers[id] = p

		g, err := perf.New(id, perfPolicy(def.Params), d.bus, log.WithComponent(id))
		if err != nil {
			return nil, fmt.Errorf("performance governor for provider %q: %w", id, err)
		}
		d.governors[id] = g
	}

	perfDir := tree.PerfDir
	if perfDir == "" {
		perfDir = envOr("YAMC_PERFDIR", defaultPerfDir())
	}
	if err := os.MkdirAll(perfDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating perf dir %q: %w", perfDir, err)
	}
	var perfTopics []*bus.Topic
	for _, g := range d.governors {
		perfTopics = append(perfTopics, g.Topic())
	}
	perfOut := perfcsv.New(filepath.Join(perfDir, "performance.csv"))
	sup.AddWriter(newPerfConsumer(perfTopics, perfOut, log.WithComponent("perf")))

	for id, def := range tree.Writers {
		w, err := d.buildWriter(id, def, dataDir)
		if err != nil {
			return nil, fmt.Errorf("writer %q: %w", id, err)
		}
		d.writers[id] = w
		sup.AddWriter(w)
	}

	for id, def := range tree.Collectors {
		c, err := d.buildCollector(id, def)
		if err != nil {
			return nil, fmt.Errorf("collector %q: %w", id, err)
		}
		sup.AddCollector(c)
	}

	return d, nil
}

// buildProvider constructs one provider variant from its config kind.
// http/xml/csv providers share the same TTL-cached HTTP fetch
// configuration; event/state providers are bound to the daemon's
// shared bus and state registry instead of an upstream URL.
func (d *daemon) buildProvider(id string, def config.ProviderDef) (provider.Provider, error) {
	switch def.Kind {
	case "http":
		cfg, err := httpProviderConfig(def.Params)
		if err != nil {
			return nil, err
		}
		return httpprovider.New(id, cfg, log.WithComponent(id)), nil
	case "xml":
		httpCfg, err := httpProviderConfig(def.Params)
		if err != nil {
			return nil, err
		}
		return xmlprovider.New(id, xmlprovider.Config{
			HTTP:             httpCfg,
			StrDecodeUnicode: boolParam(def.Params, "str_decode_unicode"),
		}, log.WithComponent(id)), nil
	case "csv":
		httpCfg, err := httpProviderConfig(def.Params)
		if err != nil {
			return nil, err
		}
		return csvprovider.New(id, csvprovider.Config{
			HTTP:             httpCfg,
			Delimiter:        def.Params.String("delimiter"),
			StrDecodeUnicode: boolParam(def.Params, "str_decode_unicode"),
		}, log.WithComponent(id)), nil
	case "event":
		var topicIDs []string
		_, _ = def.Params.Decode("topics", &topicIDs)
		return eventprovider.New(id, topicIDs, d.bus)
	case "state":
		return stateprovider.New(id, d.states.Get(def.Params.String("state")), d.bus), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", def.Kind)
	}
}

func httpProviderConfig(p config.Params) (httpprovider.Config, error) {
	var maxAgeSec, initMaxAgeSec int
	_, _ = p.Decode("max_age_sec", &maxAgeSec)
	_, _ = p.Decode("init_max_age_sec", &initMaxAgeSec)
	return httpprovider.Config{
		URL:        p.String("url"),
		MaxAge:     time.Duration(maxAgeSec) * time.Second,
		InitURL:    p.String("init_url"),
		InitMaxAge: time.Duration(initMaxAgeSec) * time.Second,
	}, nil
}

func boolParam(p config.Params, key string) bool {
	var b bool
	_, _ = p.Decode(key, &b)
	return b
}

// pauseConfig is the "pause" subtree of a provider definition, read
// into a perf.Policy by perfPolicy.
type pauseConfig struct {
	RunningTime        float64 `yaml:"running_time"`
	DurationCycles     int     `yaml:"duration_cycles"`
	ExponentialBackoff bool    `yaml:"exponential_backoff"`
	MaxWaitingCycles   int     `yaml:"max_waiting_cycles"`
}

// perfPolicy decodes a provider's "pause" config block into a
// perf.Policy, falling back to perf.DefaultPolicy for any field left
// unset (0 for numeric thresholds means "use the default", since a
// real zero-cycle pause makes no sense for any of them).
func perfPolicy(p config.Params) perf.Policy {
	policy := perf.DefaultPolicy()
	node, ok := p.Node("pause")
	if !ok {
		return policy
	}
	var pc pauseConfig
	if err := node.Decode(&pc); err != nil {
		return policy
	}
	if pc.RunningTime > 0 {
		policy.RunningTimeThreshold = pc.RunningTime
	}
	if pc.DurationCycles > 0 {
		policy.DurationCycles = pc.DurationCycles
	}
	policy.ExponentialBackoff = pc.ExponentialBackoff
	if pc.MaxWaitingCycles > 0 {
		policy.MaxWaitingCycles = pc.MaxWaitingCycles
	}
	return policy
}

// defaultPerfDir mirrors the original's $YAMC_HOME/data/perf default
// when YAMC_PERFDIR is unset.
func defaultPerfDir() string {
	home := os.Getenv("YAMC_HOME")
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(h, ".yamc")
		} else {
			home = ".yamc"
		}
	}
	return filepath.Join(home, "data", "perf")
}

// providerScopeData extracts the value a collector's "data" scope key
// should hold for one fetch cycle: a plain HTTP provider's body is
// JSON-decoded into a record so "data.field" access works directly
// (falling back to the raw string on non-JSON bodies); an event
// provider contributes its map of mirrored topic snapshots; the
// remaining variants expose their own typed accessors (Xpath, Field, Get), so
// the provider itself is exposed and those accessors are called
// straight off "data" in the expression.
func providerScopeData(p provider.Provider) any {
	switch v := p.(type) {
	case *httpprovider.Provider:
		var decoded map[string]any
		if err := json.Unmarshal(v.Data(), &decoded); err == nil {
			return decoded
		}
		return string(v.Data())
	case *eventprovider.Provider:
		return v.Data()
	default:
		return v
	}
}

func (d *daemon) buildWriter(id string, def config.WriterDef, dataDir string) (*writer.Writer, error) {
	cfg := writer.DefaultConfig()
	cfg.TestMode = d.testMode
	backlogDir := filepath.Join(dataDir, "backlog", id)

	var backend writer.Backend
	switch def.Kind {
	case "csv":
		var columns []string
		_, _ = def.Params.Decode("columns", &columns)
		csvBackend, err := csvfile.New(csvfile.Config{
			Filename: def.Params.String("filename"),
			Columns:  columns,
		}, log.WithComponent(id))
		if err != nil {
			return nil, err
		}
		backend = csvBackend
	case "state":
		backend = statesink.New(d.states.Get(def.Params.String("name")))
	default:
		return nil, fmt.Errorf("unknown writer kind %q", def.Kind)
	}

	if checker, timeout, ok := healthChecker(def.Params); ok {
		backend = checked.New(backend, checker, timeout)
	}

	return writer.New(id, cfg, backend, backlogDir, log.WithComponent(id))
}

// healthcheckConfig is a writer's optional "healthcheck" config block,
// selecting one of internal/health's checker variants to gate writes
// instead of (or in addition to) the backend's own Healthcheck.
type healthcheckConfig struct {
	Type       string   `yaml:"type"`
	URL        string   `yaml:"url"`
	Address    string   `yaml:"address"`
	Command    []string `yaml:"command"`
	TimeoutSec int      `yaml:"timeout_sec"`
}

// healthChecker builds the health.Checker a writer's "healthcheck"
// block names, or reports ok=false if the writer has none configured.
func healthChecker(p config.Params) (checker health.Checker, timeout time.Duration, ok bool) {
	node, present := p.Node("healthcheck")
	if !present {
		return nil, 0, false
	}
	var hc healthcheckConfig
	if err := node.Decode(&hc); err != nil {
		return nil, 0, false
	}
	timeout = 10 * time.Second
	if hc.TimeoutSec > 0 {
		timeout = time.Duration(hc.TimeoutSec) * time.Second
	}
	switch hc.Type {
	case "http":
		return health.NewHTTPChecker(hc.URL), timeout, true
	case "tcp":
		return health.NewTCPChecker(hc.Address), timeout, true
	case "exec":
		return health.NewExecChecker(hc.Command), timeout, true
	default:
		return nil, 0, false
	}
}

// writerRef is one entry of a collector's "writers" config list: the
// target writer's id plus the conditional template this collector
// feeds it through.
type writerRef struct {
	ID       string `yaml:"id"`
	Template yaml.Node `yaml:"template"`
}

func (d *daemon) buildCollector(id string, def config.CollectorDef) (runtime.Worker, error) {
	base := collector.Base{
		ComponentID: id,
		BaseScope:   func() expr.Scope { return expr.Scope{} },
		Log:         log.WithComponent(id),
	}

	if providerID := def.Params.String("provider"); providerID != "" {
		p, ok := d.providers[providerID]
		if !ok {
			return nil, fmt.Errorf("collector %q references unknown provider %q", id, providerID)
		}
		g, ok := d.governors[providerID]
		if !ok {
			return nil, fmt.Errorf("collector %q references provider %q with no performance governor", id, providerID)
		}
		componentLog := base.Log
		testMode := d.testMode
		key := perf.MakeKey(providerID, nil, nil, providerID)
		base.BaseScope = func() expr.Scope {
			_, _, err := g.Call(key, providerID, testMode, func() (int, error) {
				changed, err := p.Update()
				count := 0
				if changed {
					count = 1
				}
				return count, err
			})
			if err != nil {
				componentLog.Error().Err(err).Str("provider", providerID).Msg("provider update failed")
			}
			return expr.Scope{"data": providerScopeData(p)}
		}
	}

	if dataNode, ok := def.Params.Node("data"); ok {
		compiled, err := expr.Compile(dataNode.Value)
		if err != nil {
			return nil, fmt.Errorf("data: %w", err)
		}
		base.DataDef.Expr = compiled
		base.DataDef.HasExpr = true
	}
	_, _ = def.Params.Decode("max_history", &base.DataDef.MaxHistory)

	bindings, err := d.resolveWriterBindings(id, def)
	if err != nil {
		return nil, err
	}
	base.Writers = bindings

	switch def.Kind {
	case "cron":
		return collector.NewCronCollector(base, def.Params.String("schedule"))
	case "event":
		var topicIDs []string
		_, _ = def.Params.Decode("topics", &topicIDs)
		var topics []*bus.Topic
		for _, topicID := range topicIDs {
			topics = append(topics, d.bus.CreateTopic(topicID, 0))
		}
		return collector.NewEventCollector(base, topics), nil
	default:
		return nil, fmt.Errorf("unknown collector kind %q", def.Kind)
	}
}

// resolveWriterBindings parses a collector's "writers" list, each a
// {id, template} pair, into WriterBindings pointing at already-built
// writers. Writers are built before collectors precisely so this
// lookup always succeeds for a valid configuration.
func (d *daemon) resolveWriterBindings(collectorID string, def config.CollectorDef) ([]collector.WriterBinding, error) {
	node, ok := def.Params.Node("writers")
	if !ok {
		return nil, nil
	}
	var refs []writerRef
	if err := node.Decode(&refs); err != nil {
		return nil, fmt.Errorf("collector %q writers: %w", collectorID, err)
	}

	bindings := make([]collector.WriterBinding, 0, len(refs))
	for _, ref := range refs {
		w, ok := d.writers[ref.ID]
		if !ok {
			return nil, fmt.Errorf("collector %q references unknown writer %q", collectorID, ref.ID)
		}
		templateNode := ref.Template
		blockDef, err := template.ParseTopLevel(&templateNode)
		if err != nil {
			return nil, fmt.Errorf("collector %q writer %q template: %w", collectorID, ref.ID, err)
		}
		bindings = append(bindings, collector.WriterBinding{Writer: w, Def: blockDef})
	}
	return bindings, nil
}
