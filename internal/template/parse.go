package template

import (
	"fmt"
	"strings"

	"github.com/cuemby/sentinel/internal/expr"
	"gopkg.in/yaml.v3"
)

// ParseTopLevel parses a "$def: ..." mapping node into the []Block
// Evaluate expects. This is the entry point config loading uses for a
// writer's per-collector template definition.
func ParseTopLevel(node *yaml.Node) ([]Block, error) {
	node = resolveAlias(node)
	if node == nil || node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("template root must be a mapping with a $def entry")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "$def" {
			return parseBlockOrList(node.Content[i+1])
		}
	}
	return nil, fmt.Errorf("template root is missing a $def entry")
}

func parseBlockOrList(node *yaml.Node) ([]Block, error) {
	node = resolveAlias(node)
	switch node.Kind {
	case yaml.SequenceNode:
		blocks := make([]Block, len(node.Content))
		for i, item := range node.Content {
			b, err := parseBlock(item)
			if err != nil {
				return nil, fmt.Errorf("$def[%d]: %w", i, err)
			}
			blocks[i] = b
		}
		return blocks, nil
	case yaml.MappingNode:
		b, err := parseBlock(node)
		if err != nil {
			return nil, err
		}
		return []Block{b}, nil
	default:
		return nil, fmt.Errorf("$def must be a mapping or a list of mappings")
	}
}

func parseBlock(node *yaml.Node) (Block, error) {
	node = resolveAlias(node)
	if node.Kind != yaml.MappingNode {
		return Block{}, fmt.Errorf("block must be a mapping")
	}

	var b Block
	payload := map[string]any{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		switch key {
		case "$if":
			e, err := expr.Compile(val.Value)
			if err != nil {
				return Block{}, fmt.Errorf("$if: %w", err)
			}
			b.If = &e
		case "$opts":
			for _, o := range strings.Split(val.Value, ",") {
				if o = strings.TrimSpace(o); o != "" {
					b.Opts = append(b.Opts, o)
				}
			}
		case "$def":
			nested, err := parseBlockOrList(val)
			if err != nil {
				return Block{}, fmt.Errorf("$def: %w", err)
			}
			b.NestedDef = nested
		default:
			v, err := decodeValue(val)
			if err != nil {
				return Block{}, fmt.Errorf("%s: %w", key, err)
			}
			payload[key] = v
		}
	}
	b.Payload = payload
	return b, nil
}

// decodeValue turns a payload node into the any/expr.Expression/map/
// slice shapes deepEval already understands: an !expr-tagged scalar
// compiles into an expr.Expression, mappings and sequences recurse,
// everything else decodes via the node's natural YAML type.
func decodeValue(node *yaml.Node) (any, error) {
	node = resolveAlias(node)
	if node.Tag == "!expr" {
		return expr.Compile(node.Value)
	}
	switch node.Kind {
	case yaml.MappingNode:
		out := map[string]any{}
		for i := 0; i+1 < len(node.Content); i += 2 {
			v, err := decodeValue(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			out[node.Content[i].Value] = v
		}
		return out, nil
	case yaml.SequenceNode:
		out := make([]any, len(node.Content))
		for i, item := range node.Content {
			v, err := decodeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		var v any
		if err := node.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

func resolveAlias(node *yaml.Node) *yaml.Node {
	for node != nil && node.Kind == yaml.AliasNode {
		node = node.Alias
	}
	return node
}
