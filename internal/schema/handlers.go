package schema

import (
	"context"
	"fmt"

	"github.com/reverb-engine/reverb/internal/match"
)

// AttrInput is the input of an attributive predicate.
type AttrInput struct {
	// User is the acting user's record.
	User Record

	// Target is the payload record the attributive restricts, when the
	// attributive is attached to a payload item. Nil for user-role
	// attributives.
	Target Record

	// Args is the full call input.
	Args *InteractionArgs
}

// AttributiveFunc decides one attributive. Returning match.Undecided means
// "not implemented": the evaluator logs a warning and treats it as passing,
// a documented escape hatch during schema development.
type AttributiveFunc func(ctx context.Context, in AttrInput) (match.Tri, error)

// ConditionFunc decides one interaction-level condition from the call args
// alone. Undecided is treated as failure: a business rule that cannot be
// decided must not allow the call through.
type ConditionFunc func(ctx context.Context, args *InteractionArgs) (match.Tri, error)

// RecordComputeFunc derives records from interaction history. The events
// slice holds every event of the source interaction (or of the source
// activity's instance) in log order. Returning nil means "not ready yet" -
// no write happens. Each returned record becomes one derived row.
type RecordComputeFunc func(ctx context.Context, events []InteractionEvent) ([]Record, error)

// PropertyComputeFunc derives a property value from one triggering event.
type PropertyComputeFunc func(ctx context.Context, ev InteractionEvent) (any, error)

// ComputeSourceFunc locates the records a property derivation targets,
// as a match expression built from the triggering event.
type ComputeSourceFunc func(ctx context.Context, ev InteractionEvent) (*match.Expr, error)

// IDPair is one (source, target) endpoint pair of a relation instance.
type IDPair struct {
	Source string
	Target string
}

// PairFunc computes the relation endpoint pairs implicated by a trigger
// event. A single event may fan out to many pairs (1:n transfers).
type PairFunc func(ctx context.Context, ev InteractionEvent) ([]IDPair, error)

// CountMatchFunc decides whether one relation instance is counted. It sees
// the relation record and the related (non-owner) endpoint record, and must
// be a pure function of them: the count handle evaluates it against pre- and
// post-mutation snapshots to adjust incrementally.
type CountMatchFunc func(relation Record, related Record) (bool, error)

// HandlerRegistry maps opaque handler identifiers to compiled closures.
// Populated once at boot; read-only afterwards. Computed-data definitions
// persist handler identifiers, never function bodies.
type HandlerRegistry struct {
	m map[string]any
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{m: make(map[string]any)}
}

// Register binds id to fn. The fn must be one of the handler function types
// of this package; anything else is rejected so misuse surfaces at boot
// rather than at dispatch.
func (r *HandlerRegistry) Register(id string, fn any) error {
	if id == "" {
		return fmt.Errorf("register handler: empty id")
	}
	if _, dup := r.m[id]; dup {
		return fmt.Errorf("register handler: duplicate id %q", id)
	}
	switch fn.(type) {
	case AttributiveFunc, ConditionFunc, RecordComputeFunc,
		PropertyComputeFunc, ComputeSourceFunc, PairFunc, CountMatchFunc:
		r.m[id] = fn
		return nil
	default:
		return fmt.Errorf("register handler %q: unsupported handler type %T", id, fn)
	}
}

// MustRegister is Register that panics. For boot-time schema construction
// where a bad registration is a programming error.
func (r *HandlerRegistry) MustRegister(id string, fn any) {
	if err := r.Register(id, fn); err != nil {
		panic(err)
	}
}

func (r *HandlerRegistry) lookup(id string) (any, error) {
	fn, ok := r.m[id]
	if !ok {
		return nil, fmt.Errorf("handler %q not registered", id)
	}
	return fn, nil
}

// Attributive resolves id to an AttributiveFunc.
func (r *HandlerRegistry) Attributive(id string) (AttributiveFunc, error) {
	fn, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	typed, ok := fn.(AttributiveFunc)
	if !ok {
		return nil, fmt.Errorf("handler %q is %T, not an AttributiveFunc", id, fn)
	}
	return typed, nil
}

// Condition resolves id to a ConditionFunc.
func (r *HandlerRegistry) Condition(id string) (ConditionFunc, error) {
	fn, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	typed, ok := fn.(ConditionFunc)
	if !ok {
		return nil, fmt.Errorf("handler %q is %T, not a ConditionFunc", id, fn)
	}
	return typed, nil
}

// RecordCompute resolves id to a RecordComputeFunc.
func (r *HandlerRegistry) RecordCompute(id string) (RecordComputeFunc, error) {
	fn, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	typed, ok := fn.(RecordComputeFunc)
	if !ok {
		return nil, fmt.Errorf("handler %q is %T, not a RecordComputeFunc", id, fn)
	}
	return typed, nil
}

// PropertyCompute resolves id to a PropertyComputeFunc.
func (r *HandlerRegistry) PropertyCompute(id string) (PropertyComputeFunc, error) {
	fn, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	typed, ok := fn.(PropertyComputeFunc)
	if !ok {
		return nil, fmt.Errorf("handler %q is %T, not a PropertyComputeFunc", id, fn)
	}
	return typed, nil
}

// ComputeSource resolves id to a ComputeSourceFunc.
func (r *HandlerRegistry) ComputeSource(id string) (ComputeSourceFunc, error) {
	fn, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	typed, ok := fn.(ComputeSourceFunc)
	if !ok {
		return nil, fmt.Errorf("handler %q is %T, not a ComputeSourceFunc", id, fn)
	}
	return typed, nil
}

// Pairs resolves id to a PairFunc.
func (r *HandlerRegistry) Pairs(id string) (PairFunc, error) {
	fn, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	typed, ok := fn.(PairFunc)
	if !ok {
		return nil, fmt.Errorf("handler %q is %T, not a PairFunc", id, fn)
	}
	return typed, nil
}

// CountMatch resolves id to a CountMatchFunc.
func (r *HandlerRegistry) CountMatch(id string) (CountMatchFunc, error) {
	fn, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	typed, ok := fn.(CountMatchFunc)
	if !ok {
		return nil, fmt.Errorf("handler %q is %T, not a CountMatchFunc", id, fn)
	}
	return typed, nil
}
