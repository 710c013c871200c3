package computed

import (
	"context"
	"fmt"
	"sort"

	"github.com/reverb-engine/reverb/internal/match"
	"github.com/reverb-engine/reverb/internal/schema"
	"github.com/reverb-engine/reverb/internal/storage"
)

// trackingProperty is the column the record mapper adds to its target: the
// upsert key tying a derived record to the firing that produced it. It holds
// the activity instance id for workflow-scoped firings and the interaction
// call id otherwise.
const trackingProperty = "activity_id"

// recordMapper implements the map-interaction-to-record strategy.
type recordMapper struct {
	reg        *schema.Registry
	dc         DataContext
	def        *MapRecord
	isRelation bool
}

func newRecordMapper(reg *schema.Registry, dc DataContext, def *MapRecord) (*recordMapper, error) {
	if dc.Kind != KindEntity && dc.Kind != KindRelation {
		return nil, fmt.Errorf("map-interaction-to-record derives whole records, not %s", dc)
	}
	if def.Source == "" {
		return nil, fmt.Errorf("%s: map-interaction-to-record without a source", dc)
	}
	if _, err := reg.Handlers().RecordCompute(def.HandlerID); err != nil {
		return nil, fmt.Errorf("%s: %w", dc, err)
	}
	return &recordMapper{
		reg:        reg,
		dc:         dc,
		def:        def,
		isRelation: dc.Kind == KindRelation,
	}, nil
}

func (h *recordMapper) Context() DataContext { return h.dc }

func (h *recordMapper) SetupSchema() error {
	return h.reg.AddProperty(h.dc.Host, schema.Property{
		Name:    trackingProperty,
		Type:    schema.PropString,
		Default: "",
	})
}

func (h *recordMapper) InteractionTriggers() []string {
	if !h.def.SourceIsActivity {
		return []string{h.def.Source}
	}
	act := h.reg.Activity(h.def.Source)
	if act == nil {
		return nil
	}
	seen := make(map[string]bool)
	var walk func(a *schema.Activity)
	walk = func(a *schema.Activity) {
		for _, n := range a.Interactions {
			seen[n.Interaction] = true
		}
		for _, g := range a.Groups {
			for i := range g.Activities {
				walk(&g.Activities[i])
			}
		}
	}
	walk(act)
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (h *recordMapper) OnInteraction(ctx context.Context, tx *storage.Tx, ev schema.InteractionEvent) error {
	events, key, err := h.scope(ctx, tx, ev)
	if err != nil {
		return err
	}
	return h.apply(ctx, tx, key, events)
}

// scope collects the event history the compute handler sees, plus the upsert
// key of the firing.
func (h *recordMapper) scope(ctx context.Context, tx *storage.Tx, ev schema.InteractionEvent) ([]schema.InteractionEvent, string, error) {
	if ev.ActivityID == "" {
		return []schema.InteractionEvent{ev}, ev.InteractionID, nil
	}
	q := storage.EventQuery{ActivityID: ev.ActivityID}
	if !h.def.SourceIsActivity {
		q.InteractionName = h.def.Source
	}
	events, err := tx.Events(ctx, q)
	if err != nil {
		return nil, "", err
	}
	return events, ev.ActivityID, nil
}

// apply computes the derived records for one firing scope and upserts them
// under the scope's tracking key. Re-firing on the same key updates the
// existing derived records instead of duplicating them.
func (h *recordMapper) apply(ctx context.Context, tx *storage.Tx, key string, events []schema.InteractionEvent) error {
	fn, err := h.reg.Handlers().RecordCompute(h.def.HandlerID)
	if err != nil {
		return err
	}
	records, err := fn(ctx, events)
	if err != nil {
		return err
	}
	if records == nil {
		// Not ready yet.
		return nil
	}

	existing, err := h.find(ctx, tx, match.EQ(trackingProperty, key))
	if err != nil {
		return err
	}

	for i, rec := range records {
		data := schema.Record{}
		for k, v := range rec {
			data[k] = v
		}
		data[trackingProperty] = key

		if i < len(existing) {
			if err := h.update(ctx, tx, existing[i], data); err != nil {
				return err
			}
			continue
		}
		if err := h.create(ctx, tx, data); err != nil {
			return err
		}
	}

	// A shrinking derivation retires the surplus: records the previous
	// firing produced but this one no longer does.
	for _, rec := range existing[min(len(records), len(existing)):] {
		if err := h.delete(ctx, tx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (h *recordMapper) find(ctx context.Context, tx *storage.Tx, expr *match.Expr) ([]schema.Record, error) {
	if h.isRelation {
		return tx.FindRelations(ctx, h.dc.Host, expr, nil)
	}
	return tx.FindRecords(ctx, h.dc.Host, expr, nil)
}

func (h *recordMapper) create(ctx context.Context, tx *storage.Tx, data schema.Record) error {
	var created schema.Record
	var err error
	if h.isRelation {
		src, _ := data["source"].(string)
		tgt, _ := data["target"].(string)
		props := schema.Record{}
		for k, v := range data {
			if k != "source" && k != "target" {
				props[k] = v
			}
		}
		created, err = tx.CreateRelation(ctx, h.dc.Host, src, tgt, props)
	} else {
		created, err = tx.CreateRecord(ctx, h.dc.Host, data)
	}
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

func (h *recordMapper) update(ctx context.Context, tx *storage.Tx, existing, data schema.Record) error {
	props := schema.Record{}
	for k, v := range data {
		if k != "source" && k != "target" {
			props[k] = v
		}
	}
	var updated []schema.Record
	var err error
	if h.isRelation {
		updated, err = tx.UpdateRelations(ctx, h.dc.Host, match.EQ("id", existing["id"]), props)
	} else {
		updated, err = tx.UpdateRecords(ctx, h.dc.Host, match.EQ("id", existing["id"]), props)
	}
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

func (h *recordMapper) delete(ctx context.Context, tx *storage.Tx, rec schema.Record) error {
	byID := match.EQ("id", rec["id"])
	var err error
	if h.isRelation {
		_, err = tx.DeleteRelations(ctx, h.dc.Host, byID)
	} else {
		_, err = tx.DeleteRecords(ctx, h.dc.Host, byID)
	}
	if err != nil {
		return err
	}
	tx.AddEffect(Effect{
		Context:    h.dc.Key(),
		Action:     "delete",
		RecordName: h.dc.Host,
		Records:    []map[string]any{rec},
	})
	return nil
}

// SetupInitialValue replays the event log: firings are grouped by tracking
// key and applied through the same upsert path, so backfill is idempotent
// across restarts.
func (h *recordMapper) SetupInitialValue(ctx context.Context, tx *storage.Tx) error {
	triggers := make(map[string]bool)
	for _, n := range h.InteractionTriggers() {
		triggers[n] = true
	}

	all, err := tx.Events(ctx, storage.EventQuery{})
	if err != nil {
		return err
	}

	// Group scope events by tracking key, preserving log order. A key is a
	// firing scope: an activity instance, or a single standalone call.
	var keys []string
	byKey := make(map[string][]schema.InteractionEvent)
	triggered := make(map[string]bool)
	for _, ev := range all {
		key := ev.ActivityID
		if key == "" {
			key = ev.InteractionID
		}
		// Activity sources feed the handler every event of the instance;
		// interaction sources only their own.
		if h.def.SourceIsActivity && ev.ActivityID != "" || triggers[ev.InteractionName] {
			if _, seen := byKey[key]; !seen {
				keys = append(keys, key)
			}
			byKey[key] = append(byKey[key], ev)
		}
		if triggers[ev.InteractionName] {
			triggered[key] = true
		}
	}

	for _, key := range keys {
		if !triggered[key] {
			continue
		}
		if err := h.apply(ctx, tx, key, byKey[key]); err != nil {
			return err
		}
	}
	return nil
}

func toMaps(records []schema.Record) []map[string]any {
	out := make([]map[string]any, len(records))
	for i, r := range records {
		out[i] = r
	}
	return out
}
