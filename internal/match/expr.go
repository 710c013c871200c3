package match

import (
	"fmt"
	"strings"
)

// Kind identifies the node type of an expression tree.
type Kind int

const (
	// KindAtom is a leaf predicate over a single key.
	KindAtom Kind = iota + 1
	// KindAnd is a conjunction of exactly two sub-expressions.
	KindAnd
	// KindOr is a disjunction of exactly two sub-expressions.
	KindOr
	// KindNot negates exactly one sub-expression.
	KindNot
)

// Op is a comparison operator carried by an atom.
type Op string

const (
	OpEq   Op = "="
	OpNeq  Op = "!="
	OpGt   Op = ">"
	OpGte  Op = ">="
	OpLt   Op = "<"
	OpLte  Op = "<="
	OpLike Op = "like"
	OpIn   Op = "in"
)

// Atom is a leaf predicate: Key compared to Value with Op.
//
// Key may be a dotted path ("supervisor.name") whose first segment names a
// relation-backed attribute on the record's entity. How dotted paths are
// resolved is the evaluator's business: the storage adapter joins through the
// relation table, the in-memory evaluator descends into nested maps.
type Atom struct {
	Key   string
	Op    Op
	Value any
}

func (a Atom) String() string {
	return fmt.Sprintf("%s %s %v", a.Key, a.Op, a.Value)
}

// Expr is an immutable boolean expression tree. The zero value is invalid;
// build expressions with NewAtom and the And/Or/Not combinators.
type Expr struct {
	kind     Kind
	atom     Atom
	children []*Expr
}

// NewAtom creates a leaf expression comparing key against value.
func NewAtom(key string, op Op, value any) *Expr {
	return &Expr{kind: KindAtom, atom: Atom{Key: key, Op: op, Value: value}}
}

// EQ is shorthand for NewAtom(key, OpEq, value), by far the most common atom.
func EQ(key string, value any) *Expr {
	return NewAtom(key, OpEq, value)
}

// And returns a new expression that is true when both e and other are true.
func (e *Expr) And(other *Expr) *Expr {
	return &Expr{kind: KindAnd, children: []*Expr{e, other}}
}

// Or returns a new expression that is true when either e or other is true.
func (e *Expr) Or(other *Expr) *Expr {
	return &Expr{kind: KindOr, children: []*Expr{e, other}}
}

// Not returns the negation of e.
func (e *Expr) Not() *Expr {
	return &Expr{kind: KindNot, children: []*Expr{e}}
}

// And folds the given expressions into a left-nested conjunction, so the
// tree keeps its two-children shape. Returns the expression itself for a
// single argument and nil for none.
func And(exprs ...*Expr) *Expr {
	return fold(exprs, (*Expr).And)
}

// Or folds the given expressions into a left-nested disjunction.
func Or(exprs ...*Expr) *Expr {
	return fold(exprs, (*Expr).Or)
}

// Not is the free-function form of (*Expr).Not.
func Not(e *Expr) *Expr {
	return e.Not()
}

func fold(exprs []*Expr, combine func(*Expr, *Expr) *Expr) *Expr {
	var out *Expr
	for _, e := range exprs {
		if out == nil {
			out = e
		} else {
			out = combine(out, e)
		}
	}
	return out
}

// Kind returns the node type.
func (e *Expr) Kind() Kind { return e.kind }

// Atom returns the leaf predicate. Only meaningful when Kind() == KindAtom.
func (e *Expr) Atom() Atom { return e.atom }

// Children returns the sub-expressions of a combinator node.
func (e *Expr) Children() []*Expr { return e.children }

// Map rewrites every atom in the tree through fn, returning a new tree.
// The receiver is not modified.
func (e *Expr) Map(fn func(Atom) Atom) *Expr {
	if e == nil {
		return nil
	}
	if e.kind == KindAtom {
		return &Expr{kind: KindAtom, atom: fn(e.atom)}
	}
	mapped := make([]*Expr, len(e.children))
	for i, c := range e.children {
		mapped[i] = c.Map(fn)
	}
	return &Expr{kind: e.kind, children: mapped}
}

// Atoms returns every leaf predicate in the tree in depth-first order.
func (e *Expr) Atoms() []Atom {
	var out []Atom
	e.walk(func(a Atom) { out = append(out, a) })
	return out
}

func (e *Expr) walk(fn func(Atom)) {
	if e == nil {
		return
	}
	if e.kind == KindAtom {
		fn(e.atom)
		return
	}
	for _, c := range e.children {
		c.walk(fn)
	}
}

// String renders the tree in a stable prefix-free infix form, used in
// evaluation stacks and diagnostics.
func (e *Expr) String() string {
	if e == nil {
		return "<nil>"
	}
	switch e.kind {
	case KindAtom:
		return e.atom.String()
	case KindAnd:
		return "(" + e.children[0].String() + " AND " + e.children[1].String() + ")"
	case KindOr:
		return "(" + e.children[0].String() + " OR " + e.children[1].String() + ")"
	case KindNot:
		return "NOT " + e.children[0].String()
	default:
		return fmt.Sprintf("<invalid kind %d>", e.kind)
	}
}

// Validate checks structural soundness: combinator arity and non-empty atom
// keys. Returns the first problem found.
func (e *Expr) Validate() error {
	if e == nil {
		return fmt.Errorf("nil expression")
	}
	switch e.kind {
	case KindAtom:
		if strings.TrimSpace(e.atom.Key) == "" {
			return fmt.Errorf("atom with empty key")
		}
		return nil
	case KindAnd, KindOr:
		if len(e.children) != 2 {
			return fmt.Errorf("%v node with %d children, want 2", e.kind, len(e.children))
		}
	case KindNot:
		if len(e.children) != 1 {
			return fmt.Errorf("not node with %d children, want 1", len(e.children))
		}
	default:
		return fmt.Errorf("invalid node kind %d", e.kind)
	}
	for _, c := range e.children {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}
