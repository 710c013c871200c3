package computed

import (
	"context"
	"errors"
	"fmt"

	"github.com/reverb-engine/reverb/internal/match"
	"github.com/reverb-engine/reverb/internal/schema"
	"github.com/reverb-engine/reverb/internal/storage"
)

// countHandle implements the relation-count strategy: the host property
// holds the live count of relation instances touching the owning record
// that match a predicate.
//
// The count is adjusted incrementally, never recomputed from scratch on a
// mutation. Every adjustment decides "was this instance counted before"
// against the pre-mutation snapshot carried by the event, so the handle
// stays O(1) per relation mutation and O(degree) per related-record update.
type countHandle struct {
	reg *schema.Registry
	dc  DataContext
	def *Count

	// ownerSide and relatedSide are "source"/"target" columns of the
	// relation; owner is the host entity, related the far endpoint.
	ownerSide   string
	relatedSide string
	relatedName string
}

func newCountHandle(reg *schema.Registry, dc DataContext, def *Count) (*countHandle, error) {
	if dc.Kind != KindProperty {
		return nil, fmt.Errorf("relation-count derives a property, not %s", dc)
	}
	rel := reg.Relation(def.Relation)
	if rel == nil {
		return nil, fmt.Errorf("%s: unknown relation %q", dc, def.Relation)
	}
	if _, err := reg.Handlers().CountMatch(def.MatchHandlerID); err != nil {
		return nil, fmt.Errorf("%s: %w", dc, err)
	}

	h := &countHandle{reg: reg, dc: dc, def: def}
	switch dc.Host {
	case rel.Source:
		h.ownerSide, h.relatedSide, h.relatedName = "source", "target", rel.Target
	case rel.Target:
		h.ownerSide, h.relatedSide, h.relatedName = "target", "source", rel.Source
	default:
		return nil, fmt.Errorf("%s: relation %q does not touch entity %q", dc, def.Relation, dc.Host)
	}
	return h, nil
}

func (h *countHandle) Context() DataContext { return h.dc }

func (h *countHandle) SetupSchema() error {
	e := h.reg.Entity(h.dc.Host)
	if e == nil {
		return fmt.Errorf("unknown entity %q", h.dc.Host)
	}
	p := e.Property(h.dc.Property)
	if p == nil {
		return fmt.Errorf("entity %q has no property %q", h.dc.Host, h.dc.Property)
	}
	if p.Type != schema.PropInt {
		return fmt.Errorf("count property %q must be int, is %q", h.dc.Property, p.Type)
	}
	return nil
}

func (h *countHandle) OnMutations(ctx context.Context, tx *storage.Tx, events []schema.MutationEvent) error {
	for _, ev := range events {
		// Never react to the handle's own count writes.
		if ev.RecordName == h.dc.Host && ev.Type == schema.MutationUpdate && onlyKey(ev.Keys, h.dc.Property) {
			continue
		}
		var err error
		switch {
		case ev.RecordName == h.dc.Host && ev.Type == schema.MutationCreate:
			err = h.initOwner(ctx, tx, ev)
		case ev.RecordName == h.def.Relation:
			err = h.onRelationMutation(ctx, tx, ev, events)
		case ev.RecordName == h.relatedName && ev.Type == schema.MutationUpdate:
			err = h.onRelatedUpdate(ctx, tx, ev)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func onlyKey(keys []string, key string) bool {
	for _, k := range keys {
		if k != key {
			return false
		}
	}
	return len(keys) > 0
}

// initOwner zeroes the count on a fresh owning record.
func (h *countHandle) initOwner(ctx context.Context, tx *storage.Tx, ev schema.MutationEvent) error {
	if v, ok := ev.Record[h.dc.Property]; ok && match.Equal(v, int64(0)) {
		return nil
	}
	_, err := tx.UpdateRecords(ctx, h.dc.Host, match.EQ("id", ev.ID()), schema.Record{h.dc.Property: 0})
	return err
}

func (h *countHandle) onRelationMutation(ctx context.Context, tx *storage.Tx, ev schema.MutationEvent, batch []schema.MutationEvent) error {
	fn, err := h.reg.Handlers().CountMatch(h.def.MatchHandlerID)
	if err != nil {
		return err
	}
	switch ev.Type {
	case schema.MutationCreate:
		related, err := h.relatedRecord(ctx, tx, ev.Record[h.relatedSide], batch)
		if err != nil || related == nil {
			return err
		}
		counted, err := fn(ev.Record, related)
		if err != nil {
			return err
		}
		if counted {
			return h.adjust(ctx, tx, ev.Record[h.ownerSide], +1)
		}
	case schema.MutationDelete:
		related, err := h.relatedRecord(ctx, tx, ev.OldRecord[h.relatedSide], batch)
		if err != nil || related == nil {
			return err
		}
		counted, err := fn(ev.OldRecord, related)
		if err != nil {
			return err
		}
		if counted {
			return h.adjust(ctx, tx, ev.OldRecord[h.ownerSide], -1)
		}
	case schema.MutationUpdate:
		related, err := h.relatedRecord(ctx, tx, ev.Record[h.relatedSide], batch)
		if err != nil || related == nil {
			return err
		}
		before, err := fn(ev.OldRecord, related)
		if err != nil {
			return err
		}
		after, err := fn(ev.Record, related)
		if err != nil {
			return err
		}
		if before != after {
			delta := -1
			if after {
				delta = +1
			}
			return h.adjust(ctx, tx, ev.Record[h.ownerSide], delta)
		}
	}
	return nil
}

// onRelatedUpdate re-evaluates the predicate for every relation instance
// touching the updated related record, adjusting by one only where the
// match boolean flipped.
func (h *countHandle) onRelatedUpdate(ctx context.Context, tx *storage.Tx, ev schema.MutationEvent) error {
	fn, err := h.reg.Handlers().CountMatch(h.def.MatchHandlerID)
	if err != nil {
		return err
	}
	rels, err := tx.FindRelations(ctx, h.def.Relation, match.EQ(h.relatedSide, ev.ID()), nil)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		before, err := fn(rel, ev.OldRecord)
		if err != nil {
			return err
		}
		after, err := fn(rel, ev.Record)
		if err != nil {
			return err
		}
		if before == after {
			continue
		}
		delta := -1
		if after {
			delta = +1
		}
		if err := h.adjust(ctx, tx, rel[h.ownerSide], delta); err != nil {
			return err
		}
	}
	return nil
}

// relatedRecord resolves the far endpoint record. When the record was
// deleted earlier in the same batch its row is gone; the batch's delete
// event still carries the pre-image, which is the snapshot the predicate
// must see.
func (h *countHandle) relatedRecord(ctx context.Context, tx *storage.Tx, id any, batch []schema.MutationEvent) (schema.Record, error) {
	idStr, _ := id.(string)
	if idStr == "" {
		return nil, nil
	}
	rec, err := tx.FindOneRecord(ctx, h.relatedName, match.EQ("id", idStr))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	for _, ev := range batch {
		if ev.RecordName == h.relatedName && ev.Type == schema.MutationDelete && ev.ID() == idStr {
			return ev.OldRecord, nil
		}
	}
	return nil, nil
}

func (h *countHandle) adjust(ctx context.Context, tx *storage.Tx, ownerID any, delta int) error {
	idStr, _ := ownerID.(string)
	if idStr == "" {
		return nil
	}
	owner, err := tx.FindOneRecord(ctx, h.dc.Host, match.EQ("id", idStr))
	if errors.Is(err, storage.ErrNotFound) {
		// Owner deleted in the same transaction.
		return nil
	}
	if err != nil {
		return err
	}
	cur, _ := owner[h.dc.Property].(int64)
	updated, err := tx.UpdateRecords(ctx, h.dc.Host, match.EQ("id", idStr), schema.Record{
		h.dc.Property: cur + int64(delta),
	})
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

// SetupInitialValue is the one place the count is computed from scratch:
// every owning record's count is set to the number of currently matching
// instances.
func (h *countHandle) SetupInitialValue(ctx context.Context, tx *storage.Tx) error {
	fn, err := h.reg.Handlers().CountMatch(h.def.MatchHandlerID)
	if err != nil {
		return err
	}
	owners, err := tx.FindRecords(ctx, h.dc.Host, nil, nil)
	if err != nil {
		return err
	}
	for _, owner := range owners {
		rels, err := tx.FindRelations(ctx, h.def.Relation, match.EQ(h.ownerSide, owner["id"]), nil)
		if err != nil {
			return err
		}
		var n int64
		for _, rel := range rels {
			related, err := h.relatedRecord(ctx, tx, rel[h.relatedSide], nil)
			if err != nil {
				return err
			}
			if related == nil {
				continue
			}
			counted, err := fn(rel, related)
			if err != nil {
				return err
			}
			if counted {
				n++
			}
		}
		if match.Equal(owner[h.dc.Property], n) {
			continue
		}
		if _, err := tx.UpdateRecords(ctx, h.dc.Host, match.EQ("id", owner["id"]), schema.Record{h.dc.Property: n}); err != nil {
			return err
		}
	}
	return nil
}
