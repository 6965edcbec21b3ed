// Package template implements the conditional block engine writer
// definitions are expressed in: nested $def/$if/$opts blocks evaluated
// against a scope, with deep-merge across sibling blocks and an
// "onoff" mode that only fires on guard transitions.
package template

import (
	"fmt"

	"github.com/cuemby/sentinel/internal/expr"
	"github.com/cuemby/sentinel/internal/record"
)

// Node is one node of a parsed conditional template: either a block
// (has Def) or a leaf payload value (an Expression, a nested Node map/
// list, or a plain scalar).
type Node struct {
	// Def holds the nested block(s) to evaluate when this Node itself
	// represents a $def block's container. Exactly one of Def/Payload
	// is populated for the root-level call into Evaluate.
	Def     []Block
	Payload any
}

// Block is one $def entry: an optional $if guard, optional $opts, a
// nested $def (for recursive blocks), and payload keys.
type Block struct {
	If      *expr.Expression
	Opts    []string
	NestedDef []Block
	Payload map[string]any

	// lastIfEval tracks the block's own last guard evaluation across
	// calls, mirroring the original's __last_if_eval stored back onto
	// the block dict itself rather than externally.
	lastIfEval    bool
	hasLastIfEval bool
}

// HasOpt reports whether name is present in the block's $opts list.
func (b *Block) HasOpt(name string) bool {
	for _, o := range b.Opts {
		if o == name {
			return true
		}
	}
	return false
}

// Evaluate runs every block in def against scope, deep-merging later
// blocks' output over earlier ones, per the conditional template
// engine's rules: a block only contributes output when its $if guard
// passes (default true) and, under "onoff", only on a transition from
// the previous evaluation.
func Evaluate(def []Block, scope expr.Scope) (record.Record, error) {
	data := record.Record{}
	for i := range def {
		out, err := processBlock(&def[i], scope)
		if err != nil {
			return nil, fmt.Errorf("block[%d]: %w", i, err)
		}
		data = record.DeepMerge(data, out)
	}
	return data, nil
}

func processBlock(b *Block, scope expr.Scope) (record.Record, error) {
	evalResult := true
	if b.If != nil {
		v, err := b.If.Eval(scope)
		if err != nil {
			return nil, fmt.Errorf("$if %q: %w", b.If.Source, err)
		}
		evalResult = truthy(v)
	}

	var data record.Record
	fires := evalResult && (!b.HasOpt("onoff") || !b.hasLastIfEval || evalResult != b.lastIfEval)
	if fires {
		if b.NestedDef != nil {
			nested, err := Evaluate(b.NestedDef, scope)
			if err != nil {
				return nil, err
			}
			data = nested
		} else {
			evaluated, err := deepEvalMap(b.Payload, scope)
			if err != nil {
				return nil, err
			}
			data = evaluated
		}
	}

	if b.If != nil {
		b.lastIfEval = evalResult
		b.hasLastIfEval = true
	}
	return data, nil
}

func deepEvalMap(m map[string]any, scope expr.Scope) (record.Record, error) {
	out := record.Record{}
	for k, v := range m {
		ev, err := deepEval(v, scope)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = ev
	}
	return out, nil
}

func deepEval(v any, scope expr.Scope) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		return deepEvalMap(x, scope)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			ev, err := deepEval(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	case expr.Expression:
		return x.Eval(scope)
	default:
		return v, nil
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case nil:
		return false
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}
