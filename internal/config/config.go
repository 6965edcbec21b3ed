// Package config loads the layered YAML configuration tree: a base
// file plus an environment-specific override, with ${VAR}/${VAR:-def}
// substitution and a custom !expr tag compiling scalars into
// expr.Expression values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/sentinel/internal/expr"
	"gopkg.in/yaml.v3"
)

// ValidationError reports a fatal configuration problem discovered at
// startup, before any worker is started.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Params is a component's configuration payload beyond kind, kept as
// raw YAML nodes rather than decoded interface{} values: a node may
// carry the custom !expr tag, or be a $def template the caller parses
// with template.ParseTopLevel once it knows the component's kind (and
// therefore which of its fields need which decode).
type Params map[string]yaml.Node

// Decode unmarshals the named field into out, reporting whether the
// field was present at all.
func (p Params) Decode(key string, out any) (bool, error) {
	node, ok := p[key]
	if !ok {
		return false, nil
	}
	if err := node.Decode(out); err != nil {
		return false, err
	}
	return true, nil
}

// String returns the named field decoded as a string, or "" if absent
// or not a scalar.
func (p Params) String(key string) string {
	var s string
	_, _ = p.Decode(key, &s)
	return s
}

// Node returns the named field's raw node, for callers (the template
// parser, expression compiler) that need tag/structure information a
// plain Decode would discard.
func (p Params) Node(key string) (*yaml.Node, bool) {
	n, ok := p[key]
	if !ok {
		return nil, false
	}
	return &n, true
}

// ProviderDef, CollectorDef, and WriterDef are the raw, decoded
// component definitions read out of the configuration tree.
type ProviderDef struct {
	ID     string `yaml:"-"`
	Kind   string `yaml:"kind"`
	Params Params `yaml:",inline"`
}

type CollectorDef struct {
	ID     string `yaml:"-"`
	Kind   string `yaml:"kind"`
	Params Params `yaml:",inline"`
}

type WriterDef struct {
	ID     string `yaml:"-"`
	Kind   string `yaml:"kind"`
	Params Params `yaml:",inline"`
}

// Tree is the fully-decoded, environment-resolved configuration.
type Tree struct {
	Providers  map[string]ProviderDef  `yaml:"providers"`
	Collectors map[string]CollectorDef `yaml:"collectors"`
	Writers    map[string]WriterDef    `yaml:"writers"`
	DataDir    string                  `yaml:"data_dir"`
	PerfDir    string                  `yaml:"perf_dir"`
}

// Load reads baseFile, then (if present) an env/<env>.yaml override
// sibling of it, substitutes ${VAR} / ${VAR:-default} environment
// references, and decodes the result.
func Load(baseFile, env string) (*Tree, error) {
	raw, err := readExpanded(baseFile)
	if err != nil {
		return nil, err
	}

	var tree Tree
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, &ValidationError{Path: baseFile, Message: err.Error()}
	}

	if env != "" {
		overridePath := filepath.Join(filepath.Dir(baseFile), "env", env+".yaml")
		if _, statErr := os.Stat(overridePath); statErr == nil {
			overrideRaw, err := readExpanded(overridePath)
			if err != nil {
				return nil, err
			}
			var override Tree
			if err := yaml.Unmarshal(overrideRaw, &override); err != nil {
				return nil, &ValidationError{Path: overridePath, Message: err.Error()}
			}
			mergeTree(&tree, &override)
		}
	}

	for id, p := range tree.Providers {
		p.ID = id
		tree.Providers[id] = p
	}
	for id, c := range tree.Collectors {
		c.ID = id
		tree.Collectors[id] = c
	}
	for id, w := range tree.Writers {
		w.ID = id
		tree.Writers[id] = w
	}

	return &tree, nil
}

func readExpanded(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}
	return []byte(os.Expand(string(raw), lookupEnvWithDefault)), nil
}

// lookupEnvWithDefault is os.Expand's callback. os.Expand hands it
// everything between "${" and "}" verbatim, so the "VAR:-default" form
// is split here rather than by os.Expand itself, which only knows
// plain "${VAR}".
func lookupEnvWithDefault(key string) string {
	name, def, hasDefault := strings.Cut(key, ":-")
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	if hasDefault {
		return def
	}
	return ""
}

func mergeTree(base, override *Tree) {
	if override.DataDir != "" {
		base.DataDir = override.DataDir
	}
	if override.PerfDir != "" {
		base.PerfDir = override.PerfDir
	}
	for id, p := range override.Providers {
		if base.Providers == nil {
			base.Providers = map[string]ProviderDef{}
		}
		base.Providers[id] = p
	}
	for id, c := range override.Collectors {
		if base.Collectors == nil {
			base.Collectors = map[string]CollectorDef{}
		}
		base.Collectors[id] = c
	}
	for id, w := range override.Writers {
		if base.Writers == nil {
			base.Writers = map[string]WriterDef{}
		}
		base.Writers[id] = w
	}
}

// ExprNode implements yaml.Unmarshaler for the !expr scalar tag,
// compiling the scalar's text immediately so a bad expression fails at
// load time rather than at first use.
type ExprNode struct {
	expr.Expression
}

func (n *ExprNode) UnmarshalYAML(value *yaml.Node) error {
	compiled, err := expr.Compile(value.Value)
	if err != nil {
		return &ValidationError{Path: value.Tag, Message: err.Error()}
	}
	n.Expression = compiled
	return nil
}
