package match

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// constHandler answers every atom with a fixed result.
func constHandler(t Tri) Handler {
	return func(context.Context, Atom) (Tri, error) { return t, nil }
}

// keyedHandler answers atoms by key lookup, Undecided when absent.
func keyedHandler(results map[string]Tri) Handler {
	return func(_ context.Context, a Atom) (Tri, error) {
		if t, ok := results[a.Key]; ok {
			return t, nil
		}
		return Undecided, nil
	}
}

func TestExpr_Builders(t *testing.T) {
	e := EQ("name", "alice").And(NewAtom("age", OpGt, 30)).Or(EQ("admin", true).Not())

	require.NoError(t, e.Validate())
	assert.Equal(t, KindOr, e.Kind())
	assert.Len(t, e.Atoms(), 3)
	assert.Equal(t, "((name = alice AND age > 30) OR NOT admin = true)", e.String())
}

func TestExpr_PackageCombinators(t *testing.T) {
	a, b, c := EQ("a", 1), EQ("b", 2), EQ("c", 3)

	e := And(a, b, c)
	require.NoError(t, e.Validate())
	assert.Equal(t, KindAnd, e.Kind())
	assert.Len(t, e.Children(), 2, "folds pairwise")
	assert.Equal(t, "((a = 1 AND b = 2) AND c = 3)", e.String())

	e = Or(a, b)
	require.NoError(t, e.Validate())
	assert.Equal(t, "(a = 1 OR b = 2)", e.String())

	assert.Equal(t, KindNot, Not(a).Kind())
	assert.Same(t, a, And(a), "single argument passes through")
	assert.Nil(t, And())

	got, err := And(a, b).EvaluateRecord(context.Background(), map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, True, got)
}

func TestExpr_Validate(t *testing.T) {
	assert.Error(t, (&Expr{kind: KindAnd, children: []*Expr{EQ("a", 1)}}).Validate())
	assert.Error(t, NewAtom("", OpEq, 1).Validate())
	assert.Error(t, (&Expr{}).Validate())
}

func TestEvaluate_TruthTable(t *testing.T) {
	ctx := context.Background()
	a := EQ("a", 1)
	b := EQ("b", 1)

	cases := []struct {
		name string
		expr *Expr
		h    Handler
		want Tri
	}{
		{"and true", a.And(b), constHandler(True), True},
		{"and false", a.And(b), constHandler(False), False},
		{"and undecided", a.And(b), constHandler(Undecided), Undecided},
		{"and mixed undecided", a.And(b), keyedHandler(map[string]Tri{"a": True}), Undecided},
		{"and false dominates undecided", a.And(b), keyedHandler(map[string]Tri{"a": False}), False},
		{"or true", a.Or(b), constHandler(True), True},
		{"or false", a.Or(b), constHandler(False), False},
		{"or true dominates undecided", a.Or(b), keyedHandler(map[string]Tri{"a": True}), True},
		{"or undecided", a.Or(b), keyedHandler(map[string]Tri{"a": False}), Undecided},
		{"not true", a.Not(), constHandler(True), False},
		{"not false", a.Not(), constHandler(False), True},
		{"not undecided", a.Not(), constHandler(Undecided), Undecided},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.expr.Evaluate(ctx, tc.h)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluate_ShortCircuit(t *testing.T) {
	ctx := context.Background()
	var seen []string
	h := func(_ context.Context, a Atom) (Tri, error) {
		seen = append(seen, a.Key)
		if a.Key == "left" {
			return False, nil
		}
		return True, nil
	}

	got, err := EQ("left", 1).And(EQ("right", 1)).Evaluate(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, False, got)
	assert.Equal(t, []string{"left"}, seen, "right operand must not be evaluated")

	seen = nil
	h2 := func(_ context.Context, a Atom) (Tri, error) {
		seen = append(seen, a.Key)
		return True, nil
	}
	got, err = EQ("left", 1).Or(EQ("right", 1)).Evaluate(ctx, h2)
	require.NoError(t, err)
	assert.Equal(t, True, got)
	assert.Equal(t, []string{"left"}, seen)
}

func TestEvaluate_HandlerError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	h := func(_ context.Context, a Atom) (Tri, error) {
		if a.Key == "bad" {
			return False, boom
		}
		return True, nil
	}

	_, err := EQ("ok", 1).And(EQ("bad", 1)).Evaluate(ctx, h)
	require.Error(t, err)

	var evalErr *EvalError
	require.ErrorAs(t, err, &evalErr)
	assert.ErrorIs(t, evalErr, boom)
	assert.Equal(t, "bad = 1", evalErr.Expr.String())
	// Stack runs from the root down to the failing atom.
	require.NotEmpty(t, evalErr.Stack)
	assert.Contains(t, evalErr.Stack[0], "AND")
	assert.Equal(t, "bad = 1", evalErr.Stack[len(evalErr.Stack)-1])
}

func TestMap_RewritesAtoms(t *testing.T) {
	e := EQ("name", "alice").And(EQ("age", 30))
	prefixed := e.Map(func(a Atom) Atom {
		a.Key = "user." + a.Key
		return a
	})

	assert.Equal(t, "(user.name = alice AND user.age = 30)", prefixed.String())
	// Original tree untouched.
	assert.Equal(t, "(name = alice AND age = 30)", e.String())
}

func TestEvaluateRecord(t *testing.T) {
	ctx := context.Background()
	record := map[string]any{
		"name": "alice",
		"age":  int64(42),
		"dept": map[string]any{"name": "eng"},
	}

	got, err := EQ("name", "alice").And(NewAtom("age", OpGt, 40)).EvaluateRecord(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, True, got)

	got, err = EQ("dept.name", "eng").EvaluateRecord(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, True, got, "dotted path should descend into nested map")

	got, err = EQ("dept.head", "bob").EvaluateRecord(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, Undecided, got, "absent path is undecided, not false")

	got, err = EQ("age", 41).EvaluateRecord(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, False, got)
}

func TestCompareValues(t *testing.T) {
	cases := []struct {
		field any
		op    Op
		want  any
		out   Tri
	}{
		{int64(5), OpEq, 5, True},
		{5.0, OpEq, 5, True},
		{"x", OpNeq, "y", True},
		{int64(3), OpLte, 3, True},
		{"hello world", OpLike, "hello%", True},
		{"hello world", OpLike, "%planet%", False},
		{"b", OpIn, []any{"a", "b"}, True},
		{"c", OpIn, []any{"a", "b"}, False},
	}
	for _, tc := range cases {
		got, err := CompareValues(tc.field, tc.op, tc.want)
		require.NoError(t, err)
		assert.Equal(t, tc.out, got, "%v %s %v", tc.field, tc.op, tc.want)
	}

	_, err := CompareValues("str", OpGt, 1)
	assert.Error(t, err, "ordering on non-numeric operands must error")
}
