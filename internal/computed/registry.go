package computed

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/reverb-engine/reverb/internal/schema"
	"github.com/reverb-engine/reverb/internal/storage"
)

// Registry holds the constructed handles of one engine instance. Populated
// at boot (AddFromSchema or Register), read-only during request handling.
type Registry struct {
	reg     *schema.Registry
	handles map[string]Handle

	// byTrigger indexes interaction handles by triggering interaction name.
	byTrigger map[string][]InteractionHandle
	mutation  []MutationHandle
}

// NewRegistry creates an empty handle registry over the schema registry.
func NewRegistry(reg *schema.Registry) *Registry {
	return &Registry{
		reg:       reg,
		handles:   make(map[string]Handle),
		byTrigger: make(map[string][]InteractionHandle),
	}
}

// Register adds one handle. At most one handle may derive a given
// DataContext.
func (r *Registry) Register(h Handle) error {
	key := h.Context().Key()
	if _, dup := r.handles[key]; dup {
		return fmt.Errorf("computed: %s already has a handle", key)
	}
	r.handles[key] = h
	if ih, ok := h.(InteractionHandle); ok {
		for _, name := range ih.InteractionTriggers() {
			r.byTrigger[name] = append(r.byTrigger[name], ih)
		}
	}
	if mh, ok := h.(MutationHandle); ok {
		r.mutation = append(r.mutation, mh)
	}
	return nil
}

// AddFromSchema scans the schema registry for ComputedData definitions on
// entities, relations and properties, constructs the matching handles and
// registers them. Call before SetupSchema.
func (r *Registry) AddFromSchema() error {
	for _, e := range r.reg.Entities() {
		if e.Computed != nil {
			h, err := r.build(DataContext{Kind: KindEntity, Host: e.Name}, e.Computed)
			if err != nil {
				return err
			}
			if err := r.Register(h); err != nil {
				return err
			}
		}
		for _, p := range e.Properties {
			if p.Computed == nil {
				continue
			}
			dc := DataContext{Kind: KindProperty, Host: e.Name, Property: p.Name}
			h, err := r.build(dc, p.Computed)
			if err != nil {
				return err
			}
			if err := r.Register(h); err != nil {
				return err
			}
		}
	}
	for _, rel := range r.reg.Relations() {
		if rel.Computed != nil {
			h, err := r.build(DataContext{Kind: KindRelation, Host: rel.Name}, rel.Computed)
			if err != nil {
				return err
			}
			if err := r.Register(h); err != nil {
				return err
			}
		}
		for _, p := range rel.Properties {
			if p.Computed == nil {
				continue
			}
			dc := DataContext{Kind: KindProperty, Host: rel.Name, Property: p.Name}
			h, err := r.build(dc, p.Computed)
			if err != nil {
				return err
			}
			if err := r.Register(h); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) build(dc DataContext, def schema.ComputedData) (Handle, error) {
	switch d := def.(type) {
	case *MapRecord:
		return newRecordMapper(r.reg, dc, d)
	case *MapProperty:
		return newPropertyMapper(r.reg, dc, d)
	case *StateMachine:
		return newStateMachineHandle(r.reg, dc, d)
	case *Count:
		return newCountHandle(r.reg, dc, d)
	default:
		return nil, fmt.Errorf("computed: %s: unknown definition kind %q", dc, def.ComputedDataKind())
	}
}

// SetupSchema runs every handle's schema setup. Call before
// schema.Registry.Link and storage.Store.CreateTables.
func (r *Registry) SetupSchema() error {
	for _, key := range sortedHandleKeys(r.handles) {
		if err := r.handles[key].SetupSchema(); err != nil {
			return fmt.Errorf("computed: %s: setup schema: %w", key, err)
		}
	}
	return nil
}

// SetupInitialValue backfills every handle inside one transaction.
func (r *Registry) SetupInitialValue(ctx context.Context, tx *storage.Tx) error {
	for _, key := range sortedHandleKeys(r.handles) {
		if err := r.handles[key].SetupInitialValue(ctx, tx); err != nil {
			return fmt.Errorf("computed: %s: setup initial value: %w", key, err)
		}
	}
	return nil
}

// DispatchInteraction delivers one appended interaction event to every
// handle triggered by it.
func (r *Registry) DispatchInteraction(ctx context.Context, tx *storage.Tx, ev schema.InteractionEvent) error {
	handles := r.byTrigger[ev.InteractionName]
	if len(handles) == 0 {
		return nil
	}
	slog.Debug("dispatching interaction event to computed handles",
		"interaction", ev.InteractionName,
		"activity_id", ev.ActivityID,
		"handles", len(handles),
	)
	for _, h := range handles {
		if err := h.OnInteraction(ctx, tx, ev); err != nil {
			return fmt.Errorf("computed: %s: %w", h.Context(), err)
		}
	}
	return nil
}

// MutationListener adapts the registry to the store's listener interface.
func (r *Registry) MutationListener() storage.Listener {
	return func(ctx context.Context, tx *storage.Tx, events []schema.MutationEvent) error {
		for _, h := range r.mutation {
			if err := h.OnMutations(ctx, tx, events); err != nil {
				return fmt.Errorf("computed: %s: %w", h.Context(), err)
			}
		}
		return nil
	}
}

// Handle returns the handle registered for a context key, or nil.
func (r *Registry) Handle(key string) Handle { return r.handles[key] }

func sortedHandleKeys(m map[string]Handle) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic setup order.
	sort.Strings(keys)
	return keys
}
