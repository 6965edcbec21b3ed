package template

import (
	"testing"

	"github.com/cuemby/sentinel/internal/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustExpr(t *testing.T, src string) *expr.Expression {
	t.Helper()
	e, err := expr.Compile(src)
	require.NoError(t, err)
	return &e
}

func mustExprVal(t *testing.T, src string) expr.Expression {
	t.Helper()
	e, err := expr.Compile(src)
	require.NoError(t, err)
	return e
}

func TestEvaluate_PlainBlockAlwaysFires(t *testing.T) {
	blocks := []Block{
		{Payload: map[string]any{"a": 1}},
	}
	out, err := Evaluate(blocks, expr.Scope{})
	require.NoError(t, err)
	assert.Equal(t, 1, out["a"])
}

func TestEvaluate_IfGuardSkipsWhenFalse(t *testing.T) {
	blocks := []Block{
		{If: mustExpr(t, "false"), Payload: map[string]any{"a": 1}},
	}
	out, err := Evaluate(blocks, expr.Scope{})
	require.NoError(t, err)
	assert.Nil(t, out["a"])
}

func TestEvaluate_LaterBlockMergesOverEarlier(t *testing.T) {
	blocks := []Block{
		{Payload: map[string]any{"a": 1, "b": 1}},
		{Payload: map[string]any{"b": 2}},
	}
	out, err := Evaluate(blocks, expr.Scope{})
	require.NoError(t, err)
	assert.Equal(t, 1, out["a"])
	assert.Equal(t, 2, out["b"])
}

func TestOnoff_FiresOnlyOnTransitionToTrue(t *testing.T) {
	active := true
	guard := mustExpr(t, "active")
	b := Block{If: guard, Opts: []string{"onoff"}, Payload: map[string]any{"fired": true}}
	blocks := []Block{b}

	scope := func() expr.Scope { return expr.Scope{"active": active} }

	// first evaluation: no prior state recorded, guard true -> fires
	out, err := Evaluate(blocks, scope())
	require.NoError(t, err)
	assert.Equal(t, true, out["fired"])

	// still true on the next call: onoff suppresses repeat firing
	out, err = Evaluate(blocks, scope())
	require.NoError(t, err)
	assert.Nil(t, out["fired"])

	// transition to false: never fires regardless of onoff
	active = false
	out, err = Evaluate(blocks, scope())
	require.NoError(t, err)
	assert.Nil(t, out["fired"])

	// transition back to true: fires again
	active = true
	out, err = Evaluate(blocks, scope())
	require.NoError(t, err)
	assert.Equal(t, true, out["fired"])
}

func TestProcessBlock_NestedDefRecurses(t *testing.T) {
	b := Block{
		NestedDef: []Block{
			{Payload: map[string]any{"inner": 1}},
		},
	}
	out, err := Evaluate([]Block{b}, expr.Scope{})
	require.NoError(t, err)
	assert.Equal(t, 1, out["inner"])
}

func TestDeepEval_EvaluatesExpressionsRecursively(t *testing.T) {
	m := map[string]any{
		"top": mustExprVal(t, "1 + 1"),
		"nested": map[string]any{
			"x": mustExprVal(t, "2 * 3"),
		},
		"list": []any{mustExprVal(t, "3 + 3")},
	}
	out, err := deepEvalMap(m, expr.Scope{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, out["top"])
	nested := out["nested"].(map[string]any)
	assert.EqualValues(t, 6, nested["x"])
	list := out["list"].([]any)
	assert.EqualValues(t, 6, list[0])
}
