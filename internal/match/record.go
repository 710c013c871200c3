package match

import (
	"context"
	"fmt"
	"strings"
)

// EvaluateRecord evaluates the expression against a plain record map.
//
// Dotted keys descend into nested maps: "user.name" looks up record["user"]
// and then ["name"] inside it. A key whose path is absent evaluates to
// Undecided, never to an error: the record simply does not carry enough data
// to decide the atom.
func (e *Expr) EvaluateRecord(ctx context.Context, record map[string]any) (Tri, error) {
	return e.Evaluate(ctx, func(_ context.Context, a Atom) (Tri, error) {
		val, ok := lookupPath(record, a.Key)
		if !ok {
			return Undecided, nil
		}
		return CompareValues(val, a.Op, a.Value)
	})
}

// lookupPath resolves a dotted key against nested maps.
func lookupPath(record map[string]any, key string) (any, bool) {
	parts := strings.Split(key, ".")
	var cur any = record
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// CompareValues applies op to a concrete field value and an atom value.
// Numeric comparisons coerce int/int64/float64 to float64; everything else
// compares as equality on the native representation. Unsupported
// combinations return an error rather than guessing.
func CompareValues(field any, op Op, want any) (Tri, error) {
	switch op {
	case OpEq:
		return triOf(looseEqual(field, want)), nil
	case OpNeq:
		return triOf(!looseEqual(field, want)), nil
	case OpGt, OpGte, OpLt, OpLte:
		fv, fok := asFloat(field)
		wv, wok := asFloat(want)
		if !fok || !wok {
			return False, fmt.Errorf("operator %q requires numeric operands, got %T and %T", op, field, want)
		}
		switch op {
		case OpGt:
			return triOf(fv > wv), nil
		case OpGte:
			return triOf(fv >= wv), nil
		case OpLt:
			return triOf(fv < wv), nil
		default:
			return triOf(fv <= wv), nil
		}
	case OpLike:
		fs, fok := field.(string)
		ws, wok := want.(string)
		if !fok || !wok {
			return False, fmt.Errorf("operator %q requires string operands, got %T and %T", op, field, want)
		}
		return triOf(likeMatch(fs, ws)), nil
	case OpIn:
		items, ok := want.([]any)
		if !ok {
			return False, fmt.Errorf("operator %q requires a slice value, got %T", op, want)
		}
		for _, it := range items {
			if looseEqual(field, it) {
				return True, nil
			}
		}
		return False, nil
	default:
		return False, fmt.Errorf("unsupported operator %q", op)
	}
}

func triOf(b bool) Tri {
	if b {
		return True
	}
	return False
}

// Equal compares two scalar values with numeric coercion, the same equality
// OpEq uses. Exposed for callers that diff records field by field.
func Equal(a, b any) bool {
	return looseEqual(a, b)
}

// looseEqual compares scalars with numeric coercion so that an int64 read
// back from the store equals the int it was written as.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// likeMatch implements SQL LIKE semantics with % wildcards only, which is
// all the engine's own predicates use.
func likeMatch(s, pattern string) bool {
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return s == pattern
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}
