// Package expr implements the embedded expression DSL used throughout
// configuration: small JavaScript snippets compiled once and evaluated
// repeatedly against a merged scope, via goja rather than arbitrary
// host-language execution.
package expr

import (
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// Scope is an unordered name->value mapping. Merge combines scopes with
// later entries overriding earlier ones; it never mutates its inputs.
type Scope map[string]any

// Merge returns a new Scope containing the union of scopes, in order,
// with later scopes overriding earlier ones on key collision.
func Merge(scopes ...Scope) Scope {
	out := make(Scope)
	for _, s := range scopes {
		for k, v := range s {
			out[k] = v
		}
	}
	return out
}

// EvalError reports a failure evaluating an Expression, carrying the
// source text so the caller can report the failing block.
type EvalError struct {
	Source string
	Err    error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("error evaluating expression %q: %v", e.Source, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

// Expression is a compiled, reusable unit of the DSL.
type Expression struct {
	Source string
	prog   *goja.Program
}

// Compile parses src once, returning a reusable Expression.
func Compile(src string) (Expression, error) {
	prog, err := goja.Compile("<expr>", src, true)
	if err != nil {
		return Expression{}, &EvalError{Source: src, Err: err}
	}
	return Expression{Source: src, prog: prog}, nil
}

// MustCompile is like Compile but panics on error; useful for built-in
// expressions known to be valid at init time.
func MustCompile(src string) Expression {
	e, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return e
}

// Eval runs the compiled expression in a fresh VM seeded with scope and
// a small built-in function registry. A fresh VM per call guarantees
// evaluation never leaks state across calls or mutates its input scope.
func (e Expression) Eval(scope Scope) (any, error) {
	vm := goja.New()
	registerBuiltins(vm)

	for k, v := range scope {
		if err := vm.Set(k, v); err != nil {
			return nil, &EvalError{Source: e.Source, Err: err}
		}
	}

	val, err := vm.RunProgram(e.prog)
	if err != nil {
		return nil, &EvalError{Source: e.Source, Err: err}
	}
	return val.Export(), nil
}

// IsZero reports whether the Expression was never compiled (its zero
// value), useful when an optional config field omits an expression.
func (e Expression) IsZero() bool { return e.prog == nil }

func registerBuiltins(vm *goja.Runtime) {
	_ = vm.Set("now", func() int64 { return time.Now().Unix() })
	_ = vm.Set("int", func(v goja.Value) int64 {
		switch x := v.Export().(type) {
		case int64:
			return x
		case float64:
			return int64(x)
		case string:
			var n int64
			_, _ = fmt.Sscanf(x, "%d", &n)
			return n
		default:
			return 0
		}
	})
	_ = vm.Set("float", func(v goja.Value) float64 {
		switch x := v.Export().(type) {
		case float64:
			return x
		case int64:
			return float64(x)
		case string:
			var f float64
			_, _ = fmt.Sscanf(x, "%g", &f)
			return f
		default:
			return 0
		}
	})
	_ = vm.Set("str", func(v goja.Value) string {
		return fmt.Sprint(v.Export())
	})
}
