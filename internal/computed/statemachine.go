package computed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/reverb-engine/reverb/internal/match"
	"github.com/reverb-engine/reverb/internal/schema"
	"github.com/reverb-engine/reverb/internal/storage"
)

// stateMachineHandle implements the relation-state-machine strategy: a
// relation instance's existence plus fixed-property snapshot is a finite
// state, and trigger interactions move (source, target) pairs between
// states. A pair not currently in a transfer's from-state is silently
// skipped, which lets one interaction drive several transfers without
// manual dispatch.
type stateMachineHandle struct {
	reg *schema.Registry
	dc  DataContext
	def *StateMachine
}

func newStateMachineHandle(reg *schema.Registry, dc DataContext, def *StateMachine) (*stateMachineHandle, error) {
	if dc.Kind != KindRelation {
		return nil, fmt.Errorf("relation-state-machine derives a relation, not %s", dc)
	}
	for _, tr := range def.Transfers {
		if def.State(tr.From) == nil || def.State(tr.To) == nil {
			return nil, fmt.Errorf("%s: transfer %q references undeclared state", dc, tr.Name)
		}
		if !def.State(tr.From).HasRelation && !def.State(tr.To).HasRelation {
			return nil, fmt.Errorf("%s: transfer %q connects two no-relation states", dc, tr.Name)
		}
		if _, err := reg.Handlers().Pairs(tr.PairHandlerID); err != nil {
			return nil, fmt.Errorf("%s: transfer %q: %w", dc, tr.Name, err)
		}
	}
	return &stateMachineHandle{reg: reg, dc: dc, def: def}, nil
}

func (h *stateMachineHandle) Context() DataContext { return h.dc }

// SetupSchema validates the machine against the relation definition. States
// must be mutually distinguishable by their fixed properties alone,
// otherwise "which state is this instance in" has no answer.
func (h *stateMachineHandle) SetupSchema() error {
	rel := h.reg.Relation(h.dc.Host)
	if rel == nil {
		return fmt.Errorf("unknown relation %q", h.dc.Host)
	}
	for _, st := range h.def.States {
		if !st.HasRelation {
			continue
		}
		for name := range st.Fixed {
			if rel.Property(name) == nil {
				return fmt.Errorf("state %q fixes undeclared property %q", st.Name, name)
			}
		}
	}
	for i, a := range h.def.States {
		for _, b := range h.def.States[i+1:] {
			if !a.HasRelation || !b.HasRelation {
				continue
			}
			if !distinguishable(a.Fixed, b.Fixed) {
				return fmt.Errorf("states %q and %q are not distinguishable by fixed properties", a.Name, b.Name)
			}
		}
	}
	return nil
}

// distinguishable reports whether some property separates the two
// snapshots: a key both carry with different values, or a key only one
// carries.
func distinguishable(a, b schema.Record) bool {
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !match.Equal(av, bv) {
			return true
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			return true
		}
	}
	return false
}

func (h *stateMachineHandle) InteractionTriggers() []string {
	seen := make(map[string]bool)
	var names []string
	for _, tr := range h.def.Transfers {
		if !seen[tr.Interaction] {
			seen[tr.Interaction] = true
			names = append(names, tr.Interaction)
		}
	}
	return names
}

func (h *stateMachineHandle) OnInteraction(ctx context.Context, tx *storage.Tx, ev schema.InteractionEvent) error {
	for _, tr := range h.def.Transfers {
		if tr.Interaction != ev.InteractionName {
			continue
		}
		if err := h.fire(ctx, tx, tr, ev); err != nil {
			return err
		}
	}
	return nil
}

func (h *stateMachineHandle) fire(ctx context.Context, tx *storage.Tx, tr MachineTransfer, ev schema.InteractionEvent) error {
	pairs, err := h.pairsOf(ctx, tr, ev)
	if err != nil {
		return err
	}
	from, to := h.def.State(tr.From), h.def.State(tr.To)
	for _, pair := range pairs {
		if err := h.transition(ctx, tx, tr, from, to, pair); err != nil {
			return err
		}
	}
	return nil
}

func (h *stateMachineHandle) pairsOf(ctx context.Context, tr MachineTransfer, ev schema.InteractionEvent) ([]schema.IDPair, error) {
	fn, err := h.reg.Handlers().Pairs(tr.PairHandlerID)
	if err != nil {
		return nil, err
	}
	pairs, err := fn(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("transfer %q: %w", tr.Name, err)
	}
	return pairs, nil
}

// transition moves one pair, or skips it when it is not in the from-state.
func (h *stateMachineHandle) transition(ctx context.Context, tx *storage.Tx, tr MachineTransfer, from, to *MachineState, pair schema.IDPair) error {
	pairExpr := match.And(match.EQ("source", pair.Source), match.EQ("target", pair.Target))
	current, err := tx.FindOneRelation(ctx, h.dc.Host, pairExpr)
	exists := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if !from.HasRelation {
		if exists {
			h.skip(tr, pair, "relation already exists")
			return nil
		}
		created, err := tx.CreateRelation(ctx, h.dc.Host, pair.Source, pair.Target, cloneRecord(to.Fixed))
		if err != nil {
			return err
		}
		tx.AddEffect(Effect{
			Context:    h.dc.Key(),
			Action:     "create",
			RecordName: h.dc.Host,
			Records:    []map[string]any{created},
		})
		return nil
	}

	if !exists {
		h.skip(tr, pair, "no relation instance")
		return nil
	}
	if !snapshotMatches(current, from.Fixed) {
		h.skip(tr, pair, "fixed properties do not match from-state")
		return nil
	}

	if !to.HasRelation {
		if _, err := tx.DeleteRelations(ctx, h.dc.Host, match.EQ("id", current["id"])); err != nil {
			return err
		}
		tx.AddEffect(Effect{
			Context:    h.dc.Key(),
			Action:     "delete",
			RecordName: h.dc.Host,
			Records:    []map[string]any{current},
		})
		return nil
	}

	updated, err := tx.UpdateRelations(ctx, h.dc.Host, match.EQ("id", current["id"]), cloneRecord(to.Fixed))
	if err != nil {
		return err
	}
	tx.AddEffect(Effect{
		Context:    h.dc.Key(),
		Action:     "update",
		RecordName: h.dc.Host,
		Records:    toMaps(updated),
	})
	return nil
}

func (h *stateMachineHandle) skip(tr MachineTransfer, pair schema.IDPair, reason string) {
	slog.Debug("state-machine transfer skipped",
		"relation", h.dc.Host,
		"transfer", tr.Name,
		"source", pair.Source,
		"target", pair.Target,
		"reason", reason,
	)
}

func snapshotMatches(record, fixed schema.Record) bool {
	for k, want := range fixed {
		if !match.Equal(record[k], want) {
			return false
		}
	}
	return true
}

func cloneRecord(r schema.Record) schema.Record {
	out := schema.Record{}
	for k, v := range r {
		out[k] = v
	}
	return out
}

// SetupInitialValue replays every trigger event in log order. The
// from-state guard makes replaying already-applied transitions a no-op for
// acyclic machines.
func (h *stateMachineHandle) SetupInitialValue(ctx context.Context, tx *storage.Tx) error {
	triggers := make(map[string]bool)
	for _, n := range h.InteractionTriggers() {
		triggers[n] = true
	}
	all, err := tx.Events(ctx, storage.EventQuery{})
	if err != nil {
		return err
	}
	for _, ev := range all {
		if triggers[ev.InteractionName] {
			if err := h.OnInteraction(ctx, tx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}
