package attributive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/reverb-engine/reverb/internal/match"
	"github.com/reverb-engine/reverb/internal/schema"
)

// PermissionError reports a denied authorization check.
type PermissionError struct {
	// Interaction is the interaction whose check failed.
	Interaction string

	// Attributive is the name of the predicate that evaluated false. For
	// composed trees it is the last false leaf encountered.
	Attributive string

	// Stack lists every leaf that evaluated false, in evaluation order.
	Stack []string
}

func (e *PermissionError) Error() string {
	if len(e.Stack) > 1 {
		return fmt.Sprintf("interaction %q: attributive %q denied (failed: %s)",
			e.Interaction, e.Attributive, strings.Join(e.Stack, ", "))
	}
	return fmt.Sprintf("interaction %q: attributive %q denied", e.Interaction, e.Attributive)
}

// IsPermissionDenied reports whether err is a PermissionError.
func IsPermissionDenied(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}

// RefResolver decides reference attributives against workflow role
// bindings. The activity interpreter implements it; standalone calls
// evaluate refs without one.
type RefResolver interface {
	ResolveRef(ctx context.Context, ref string, in schema.AttrInput) (match.Tri, error)
}

// Evaluator walks attributive trees. Stateless; safe for concurrent use.
type Evaluator struct {
	reg    *schema.Registry
	logger *slog.Logger
}

// New creates an evaluator over the given registry.
func New(reg *schema.Registry) *Evaluator {
	return &Evaluator{reg: reg, logger: slog.Default()}
}

// Evaluate computes the tri-state value of an attributive tree. A nil expr
// is vacuously true. refs may be nil; reference attributives then evaluate
// Undecided, which passes with a warning like any other undecided leaf.
func (e *Evaluator) Evaluate(ctx context.Context, expr *schema.AttrExpr, in schema.AttrInput, refs RefResolver) (match.Tri, []string, error) {
	if expr == nil {
		return match.True, nil, nil
	}

	var failed []string
	result, err := expr.Evaluate(ctx, func(ctx context.Context, a match.Atom) (match.Tri, error) {
		v, err := e.leaf(ctx, a.Key, in, refs)
		if err != nil {
			return match.False, err
		}
		if v == match.False {
			failed = append(failed, a.Key)
		}
		return v, nil
	})
	if err != nil {
		return match.False, failed, err
	}
	return result, failed, nil
}

func (e *Evaluator) leaf(ctx context.Context, name string, in schema.AttrInput, refs RefResolver) (match.Tri, error) {
	attr := e.reg.Attributive(name)
	if attr == nil {
		return match.False, fmt.Errorf("unknown attributive %q", name)
	}

	var v match.Tri
	var err error
	if attr.IsRef {
		if refs == nil {
			v = match.Undecided
		} else {
			v, err = refs.ResolveRef(ctx, attr.Ref, in)
		}
	} else {
		fn, ferr := e.reg.Handlers().Attributive(attr.HandlerID)
		if ferr != nil {
			return match.False, fmt.Errorf("attributive %q: %w", name, ferr)
		}
		v, err = fn(ctx, in)
	}
	if err != nil {
		return match.False, fmt.Errorf("attributive %q: %w", name, err)
	}

	if v == match.Undecided {
		e.logger.Warn("attributive undecided, treating as passing",
			"attributive", name,
			"is_ref", attr.IsRef,
		)
		return match.True, nil
	}
	return v, nil
}

// Check evaluates expr and converts denial into a PermissionError.
func (e *Evaluator) Check(ctx context.Context, interaction string, expr *schema.AttrExpr, in schema.AttrInput, refs RefResolver) error {
	result, failed, err := e.Evaluate(ctx, expr, in, refs)
	if err != nil {
		return err
	}
	if result == match.True {
		return nil
	}
	pe := &PermissionError{Interaction: interaction, Stack: failed}
	if len(failed) > 0 {
		pe.Attributive = failed[len(failed)-1]
	}
	return pe
}
