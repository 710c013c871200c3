package computed

import (
	"context"
	"fmt"

	"github.com/reverb-engine/reverb/internal/schema"
	"github.com/reverb-engine/reverb/internal/storage"
)

// propertyMapper implements the map-interaction-to-property strategy: on a
// source interaction, locate the target records by a match expression built
// from the event and write the computed value into the host property. One
// event may fan out to many matched records.
type propertyMapper struct {
	reg        *schema.Registry
	dc         DataContext
	def        *MapProperty
	isRelation bool
}

func newPropertyMapper(reg *schema.Registry, dc DataContext, def *MapProperty) (*propertyMapper, error) {
	if dc.Kind != KindProperty {
		return nil, fmt.Errorf("map-interaction-to-property derives a property, not %s", dc)
	}
	if len(def.Sources) == 0 {
		return nil, fmt.Errorf("%s: map-interaction-to-property without sources", dc)
	}
	for _, src := range def.Sources {
		if _, err := reg.Handlers().ComputeSource(src.SourceHandlerID); err != nil {
			return nil, fmt.Errorf("%s: source %q: %w", dc, src.Interaction, err)
		}
		if _, err := reg.Handlers().PropertyCompute(src.ValueHandlerID); err != nil {
			return nil, fmt.Errorf("%s: source %q: %w", dc, src.Interaction, err)
		}
	}
	return &propertyMapper{
		reg:        reg,
		dc:         dc,
		def:        def,
		isRelation: reg.Relation(dc.Host) != nil,
	}, nil
}

func (h *propertyMapper) Context() DataContext { return h.dc }

// SetupSchema is a no-op: the host property is declared in the schema; only
// its value is derived.
func (h *propertyMapper) SetupSchema() error { return nil }

func (h *propertyMapper) InteractionTriggers() []string {
	names := make([]string, 0, len(h.def.Sources))
	for _, src := range h.def.Sources {
		names = append(names, src.Interaction)
	}
	return names
}

func (h *propertyMapper) OnInteraction(ctx context.Context, tx *storage.Tx, ev schema.InteractionEvent) error {
	for _, src := range h.def.Sources {
		if src.Interaction != ev.InteractionName {
			continue
		}
		if err := h.applySource(ctx, tx, src, ev); err != nil {
			return err
		}
	}
	return nil
}

func (h *propertyMapper) applySource(ctx context.Context, tx *storage.Tx, src PropertySource, ev schema.InteractionEvent) error {
	locate, err := h.reg.Handlers().ComputeSource(src.SourceHandlerID)
	if err != nil {
		return err
	}
	expr, err := locate(ctx, ev)
	if err != nil {
		return err
	}
	if expr == nil {
		// Nothing to target for this event.
		return nil
	}

	compute, err := h.reg.Handlers().PropertyCompute(src.ValueHandlerID)
	if err != nil {
		return err
	}
	value, err := compute(ctx, ev)
	if err != nil {
		return err
	}

	data := schema.Record{h.dc.Property: value}
	var updated []schema.Record
	if h.isRelation {
		updated, err = tx.UpdateRelations(ctx, h.dc.Host, expr, data)
	} else {
		updated, err = tx.UpdateRecords(ctx, h.dc.Host, expr, data)
	}
	if err != nil {
		return err
	}
	if len(updated) == 0 {
		return nil
	}
	tx.AddEffect(Effect{
		Context:    h.dc.Key(),
		Action:     "update",
		RecordName: h.dc.Host,
		Records:    toMaps(updated),
	})
	return nil
}

// SetupInitialValue replays every source interaction's events in log order
// and re-applies them. In-place property writes are idempotent, so replaying
// already-applied events is safe.
func (h *propertyMapper) SetupInitialValue(ctx context.Context, tx *storage.Tx) error {
	triggers := make(map[string]bool, len(h.def.Sources))
	for _, src := range h.def.Sources {
		triggers[src.Interaction] = true
	}
	all, err := tx.Events(ctx, storage.EventQuery{})
	if err != nil {
		return err
	}
	for _, ev := range all {
		if !triggers[ev.InteractionName] {
			continue
		}
		if err := h.OnInteraction(ctx, tx, ev); err != nil {
			return err
		}
	}
	return nil
}
