package match

import (
	"context"
	"fmt"
)

// Tri is the tri-state result of evaluating an expression or atom.
type Tri int

const (
	// False means the predicate definitively does not hold.
	False Tri = iota
	// True means the predicate definitively holds.
	True
	// Undecided means the predicate cannot be decided with the data at
	// hand. Distinct from False: computed-data handles read Undecided as
	// "not ready", never as rejection.
	Undecided
)

func (t Tri) String() string {
	switch t {
	case False:
		return "false"
	case True:
		return "true"
	case Undecided:
		return "undecided"
	default:
		return fmt.Sprintf("Tri(%d)", int(t))
	}
}

// Handler decides a single atom. It may consult external state (the store,
// the acting user) and may block, hence the context.
type Handler func(ctx context.Context, a Atom) (Tri, error)

// EvalError reports a handler failure during evaluation. It carries the
// offending sub-expression and the stack of enclosing expressions from the
// root down to the failure point, outermost first.
type EvalError struct {
	Expr  *Expr
	Stack []string
	Err   error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluate %s: %v", e.Expr.String(), e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

// Evaluate walks the tree, short-circuiting And on False and Or on True.
//
// Truth table for the tri-state connectives:
//
//	AND: False dominates, then Undecided, then True.
//	OR:  True dominates, then Undecided, then False.
//	NOT: flips True/False, preserves Undecided.
//
// A handler error aborts evaluation and is returned as an *EvalError.
func (e *Expr) Evaluate(ctx context.Context, h Handler) (Tri, error) {
	return e.eval(ctx, h, nil)
}

func (e *Expr) eval(ctx context.Context, h Handler, stack []string) (Tri, error) {
	if e == nil {
		return False, &EvalError{Expr: e, Stack: stack, Err: fmt.Errorf("nil expression")}
	}
	stack = append(stack, e.String())

	switch e.kind {
	case KindAtom:
		t, err := h(ctx, e.atom)
		if err != nil {
			return False, &EvalError{Expr: e, Stack: cloneStack(stack), Err: err}
		}
		return t, nil

	case KindAnd:
		left, err := e.children[0].eval(ctx, h, stack)
		if err != nil {
			return False, err
		}
		if left == False {
			return False, nil // short-circuit
		}
		right, err := e.children[1].eval(ctx, h, stack)
		if err != nil {
			return False, err
		}
		if right == False {
			return False, nil
		}
		if left == Undecided || right == Undecided {
			return Undecided, nil
		}
		return True, nil

	case KindOr:
		left, err := e.children[0].eval(ctx, h, stack)
		if err != nil {
			return False, err
		}
		if left == True {
			return True, nil // short-circuit
		}
		right, err := e.children[1].eval(ctx, h, stack)
		if err != nil {
			return False, err
		}
		if right == True {
			return True, nil
		}
		if left == Undecided || right == Undecided {
			return Undecided, nil
		}
		return False, nil

	case KindNot:
		inner, err := e.children[0].eval(ctx, h, stack)
		if err != nil {
			return False, err
		}
		switch inner {
		case True:
			return False, nil
		case False:
			return True, nil
		default:
			return Undecided, nil
		}

	default:
		return False, &EvalError{Expr: e, Stack: cloneStack(stack), Err: fmt.Errorf("invalid node kind %d", e.kind)}
	}
}

func cloneStack(stack []string) []string {
	out := make([]string, len(stack))
	copy(out, stack)
	return out
}
