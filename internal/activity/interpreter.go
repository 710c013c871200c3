package activity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/reverb-engine/reverb/internal/match"
	"github.com/reverb-engine/reverb/internal/schema"
	"github.com/reverb-engine/reverb/internal/storage"
)

// Engine-state concepts owned by the interpreter. Exported so inspection
// tooling can read instance state without constructing an interpreter.
const (
	ConceptInstances = "activity"
	ConceptRoles     = "activity_roles"
)

// OrderError reports a call to a node that is not reachable from the
// instance's current position. Distinct from a permission error so callers
// can tell "not your turn" from "not your role".
type OrderError struct {
	Activity string
	Instance string
	Node     string

	// Current is the instance position at the time of the call, empty when
	// the instance had already completed.
	Current string
}

func (e *OrderError) Error() string {
	if e.Current == "" {
		return fmt.Sprintf("activity %q instance %s: node %q not callable, instance complete",
			e.Activity, e.Instance, e.Node)
	}
	return fmt.Sprintf("activity %q instance %s: node %q not reachable from %q",
		e.Activity, e.Instance, e.Node, e.Current)
}

// IsOrderViolation reports whether err is an OrderError.
func IsOrderViolation(err error) bool {
	var oe *OrderError
	return errors.As(err, &oe)
}

// InstanceState is the persisted position of one workflow instance.
type InstanceState struct {
	Activity string `json:"activity"`

	// Current is the node the instance sits at. Empty means complete.
	Current string `json:"current,omitempty"`
}

// Done reports whether the instance has reached a terminal position.
func (s InstanceState) Done() bool { return s.Current == "" }

// stateReader is the read side shared by *storage.Tx and *storage.Store.
type stateReader interface {
	GetState(ctx context.Context, concept, key string, out any) error
}

// Interpreter compiles every activity of a registry and manages instance
// state in the engine's key/value store. Read-only after construction.
type Interpreter struct {
	reg    *schema.Registry
	graphs map[string]*Graph
	newID  func() string
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithIDFunc replaces the instance id generator, for deterministic tests.
func WithIDFunc(fn func() string) Option {
	return func(in *Interpreter) { in.newID = fn }
}

// New compiles all activities in the registry.
func New(reg *schema.Registry, opts ...Option) (*Interpreter, error) {
	in := &Interpreter{
		reg:    reg,
		graphs: make(map[string]*Graph),
		newID:  func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(in)
	}
	for _, act := range reg.Activities() {
		g, err := Compile(act)
		if err != nil {
			return nil, err
		}
		in.graphs[act.Name] = g
	}
	return in, nil
}

// Graph returns the compiled graph of the named activity, or nil.
func (in *Interpreter) Graph(name string) *Graph { return in.graphs[name] }

// CreateInstance allocates an instance id and persists the initial position
// at the activity's head node.
func (in *Interpreter) CreateInstance(ctx context.Context, tx *storage.Tx, activityName string) (string, InstanceState, error) {
	g, ok := in.graphs[activityName]
	if !ok {
		return "", InstanceState{}, fmt.Errorf("unknown activity %q", activityName)
	}
	id := in.newID()
	st := InstanceState{Activity: activityName, Current: g.Head().UUID}
	if err := tx.PutState(ctx, ConceptInstances, id, st); err != nil {
		return "", InstanceState{}, fmt.Errorf("create activity %q instance: %w", activityName, err)
	}
	return id, st, nil
}

// Instance loads the persisted state of an instance.
func (in *Interpreter) Instance(ctx context.Context, r stateReader, id string) (InstanceState, error) {
	var st InstanceState
	if err := r.GetState(ctx, ConceptInstances, id, &st); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return InstanceState{}, fmt.Errorf("unknown activity instance %q", id)
		}
		return InstanceState{}, err
	}
	return st, nil
}

// CheckOrder verifies that nodeUUID may fire given the instance's position
// and returns the node. A violation is an *OrderError and the instance state
// is left untouched.
func (in *Interpreter) CheckOrder(instanceID string, st InstanceState, nodeUUID string) (*Node, error) {
	g, ok := in.graphs[st.Activity]
	if !ok {
		return nil, fmt.Errorf("unknown activity %q", st.Activity)
	}
	if st.Done() {
		return nil, &OrderError{Activity: st.Activity, Instance: instanceID, Node: nodeUUID}
	}
	reachable, err := g.Reachable(st.Current)
	if err != nil {
		return nil, err
	}
	for _, n := range reachable {
		if n.UUID == nodeUUID {
			return n, nil
		}
	}
	return nil, &OrderError{Activity: st.Activity, Instance: instanceID, Node: nodeUUID, Current: st.Current}
}

// Advance moves the instance past the fired node and persists the new
// position. A terminal fire clears Current.
func (in *Interpreter) Advance(ctx context.Context, tx *storage.Tx, instanceID string, st InstanceState, firedUUID string) (InstanceState, error) {
	g, ok := in.graphs[st.Activity]
	if !ok {
		return st, fmt.Errorf("unknown activity %q", st.Activity)
	}
	next, err := g.Advance(firedUUID)
	if err != nil {
		return st, err
	}
	st.Current = next
	if err := tx.PutState(ctx, ConceptInstances, instanceID, st); err != nil {
		return st, fmt.Errorf("advance activity instance %q: %w", instanceID, err)
	}
	return st, nil
}

// BindRoles records the role bindings an interaction call establishes for
// its instance: the caller under "<interaction>.user", and each user-role
// payload item under the item's name. Later bindings for the same key win.
func (in *Interpreter) BindRoles(ctx context.Context, tx *storage.Tx, instanceID string, i *schema.Interaction, args *schema.InteractionArgs) error {
	bindings := make(map[string]string)
	if err := tx.GetState(ctx, ConceptRoles, instanceID, &bindings); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load role bindings for %q: %w", instanceID, err)
	}

	if id, ok := args.User["id"].(string); ok && id != "" {
		bindings[i.Name+".user"] = id
	}
	for _, item := range i.Payload {
		if item.Base != schema.BaseUserRole {
			continue
		}
		rec, ok := args.Payload[item.Name].(map[string]any)
		if !ok {
			continue
		}
		if id, ok := rec["id"].(string); ok && id != "" {
			bindings[item.Name] = id
		}
	}
	if err := tx.PutState(ctx, ConceptRoles, instanceID, bindings); err != nil {
		return fmt.Errorf("store role bindings for %q: %w", instanceID, err)
	}
	return nil
}

// RoleBindings is the reference-attributive resolver for one instance. It
// satisfies the attributive package's RefResolver.
type RoleBindings struct {
	r        stateReader
	instance string
}

// Roles returns the resolver for an instance's recorded bindings.
func (in *Interpreter) Roles(r stateReader, instanceID string) *RoleBindings {
	return &RoleBindings{r: r, instance: instanceID}
}

// ResolveRef compares the acting user against the binding recorded under
// ref. An unrecorded binding (or a caller without an id) is Undecided, which
// the evaluator treats as passing with a warning.
func (b *RoleBindings) ResolveRef(ctx context.Context, ref string, in schema.AttrInput) (match.Tri, error) {
	bindings := make(map[string]string)
	if err := b.r.GetState(ctx, ConceptRoles, b.instance, &bindings); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return match.Undecided, nil
		}
		return match.False, fmt.Errorf("load role bindings for %q: %w", b.instance, err)
	}
	bound, ok := bindings[ref]
	if !ok {
		return match.Undecided, nil
	}
	uid, _ := in.User["id"].(string)
	if uid == "" {
		return match.Undecided, nil
	}
	if uid == bound {
		return match.True, nil
	}
	return match.False, nil
}
