package schema

import (
	"fmt"
	"sort"
)

// reservedColumns are engine-owned column names applications may not declare.
var reservedColumns = map[string]bool{
	"id":     true,
	"source": true,
	"target": true,
}

// Registry is the explicit schema registry handed to the controller at
// construction. Definitions are added by name, then Link resolves every
// cross-reference in a second pass. After Link succeeds the registry is
// read-only; the engine never mutates it at request time (computed-data
// schema setup runs before Link and may still add properties).
type Registry struct {
	entities     map[string]*Entity
	relations    map[string]*Relation
	interactions map[string]*Interaction
	activities   map[string]*Activity
	attributives map[string]*Attributive
	handlers     *HandlerRegistry
	linked       bool
}

// NewRegistry creates an empty registry with a fresh handler registry.
func NewRegistry() *Registry {
	return &Registry{
		entities:     make(map[string]*Entity),
		relations:    make(map[string]*Relation),
		interactions: make(map[string]*Interaction),
		activities:   make(map[string]*Activity),
		attributives: make(map[string]*Attributive),
		handlers:     NewHandlerRegistry(),
	}
}

// Handlers returns the registry of compiled handler closures.
func (r *Registry) Handlers() *HandlerRegistry { return r.handlers }

// AddEntity registers an entity definition.
func (r *Registry) AddEntity(e *Entity) error {
	if r.linked {
		return fmt.Errorf("add entity %q: registry already linked", e.Name)
	}
	if !validIdent(e.Name) {
		return fmt.Errorf("add entity: name %q is not a valid identifier", e.Name)
	}
	if _, dup := r.entities[e.Name]; dup {
		return fmt.Errorf("add entity: duplicate name %q", e.Name)
	}
	r.entities[e.Name] = e
	return nil
}

// AddRelation registers a relation definition.
func (r *Registry) AddRelation(rel *Relation) error {
	if r.linked {
		return fmt.Errorf("add relation %q: registry already linked", rel.Name)
	}
	if !validIdent(rel.Name) {
		return fmt.Errorf("add relation: name %q is not a valid identifier", rel.Name)
	}
	if _, dup := r.relations[rel.Name]; dup {
		return fmt.Errorf("add relation: duplicate name %q", rel.Name)
	}
	r.relations[rel.Name] = rel
	return nil
}

// AddInteraction registers an interaction definition.
func (r *Registry) AddInteraction(i *Interaction) error {
	if r.linked {
		return fmt.Errorf("add interaction %q: registry already linked", i.Name)
	}
	if i.Name == "" {
		return fmt.Errorf("add interaction: empty name")
	}
	if _, dup := r.interactions[i.Name]; dup {
		return fmt.Errorf("add interaction: duplicate name %q", i.Name)
	}
	r.interactions[i.Name] = i
	return nil
}

// AddActivity registers an activity definition.
func (r *Registry) AddActivity(a *Activity) error {
	if r.linked {
		return fmt.Errorf("add activity %q: registry already linked", a.Name)
	}
	if a.Name == "" {
		return fmt.Errorf("add activity: empty name")
	}
	if _, dup := r.activities[a.Name]; dup {
		return fmt.Errorf("add activity: duplicate name %q", a.Name)
	}
	r.activities[a.Name] = a
	return nil
}

// AddAttributive registers an attributive definition. Attributive trees on
// interactions reference these by name.
func (r *Registry) AddAttributive(a *Attributive) error {
	if r.linked {
		return fmt.Errorf("add attributive %q: registry already linked", a.Name)
	}
	if a.Name == "" {
		return fmt.Errorf("add attributive: empty name")
	}
	if _, dup := r.attributives[a.Name]; dup {
		return fmt.Errorf("add attributive: duplicate name %q", a.Name)
	}
	r.attributives[a.Name] = a
	return nil
}

// Entity returns the named entity, or nil.
func (r *Registry) Entity(name string) *Entity { return r.entities[name] }

// Relation returns the named relation, or nil.
func (r *Registry) Relation(name string) *Relation { return r.relations[name] }

// Interaction returns the named interaction, or nil.
func (r *Registry) Interaction(name string) *Interaction { return r.interactions[name] }

// Activity returns the named activity, or nil.
func (r *Registry) Activity(name string) *Activity { return r.activities[name] }

// Attributive returns the named attributive, or nil.
func (r *Registry) Attributive(name string) *Attributive { return r.attributives[name] }

// Entities returns all entities sorted by name, for deterministic iteration
// (table creation order, backfill order).
func (r *Registry) Entities() []*Entity {
	names := make([]string, 0, len(r.entities))
	for n := range r.entities {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*Entity, len(names))
	for i, n := range names {
		out[i] = r.entities[n]
	}
	return out
}

// Relations returns all relations sorted by name.
func (r *Registry) Relations() []*Relation {
	names := make([]string, 0, len(r.relations))
	for n := range r.relations {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*Relation, len(names))
	for i, n := range names {
		out[i] = r.relations[n]
	}
	return out
}

// Activities returns all activities sorted by name.
func (r *Registry) Activities() []*Activity {
	names := make([]string, 0, len(r.activities))
	for n := range r.activities {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*Activity, len(names))
	for i, n := range names {
		out[i] = r.activities[n]
	}
	return out
}

// RelationName resolves the relation backing a named attribute of an entity:
// the relation whose source (or target) is the entity and whose
// source-property (or target-property) is the attribute. Returns an error
// when no relation matches; ambiguity is impossible because Link rejects
// duplicate (entity, attribute) pairs.
func (r *Registry) RelationName(entityName, attributeName string) (string, error) {
	for _, rel := range r.Relations() {
		if rel.Source == entityName && rel.SourceProperty == attributeName {
			return rel.Name, nil
		}
		if rel.Target == entityName && rel.TargetProperty == attributeName {
			return rel.Name, nil
		}
	}
	return "", fmt.Errorf("no relation backs attribute %q of entity %q", attributeName, entityName)
}

// AddProperty appends a property to an entity or relation after definition
// time. Used by computed-data schema setup (which runs before Link and
// before table creation) to add tracking columns such as activity_id.
// Adding an already-present property with the same type is a no-op.
func (r *Registry) AddProperty(host string, p Property) error {
	if r.linked {
		return fmt.Errorf("add property %q to %q: registry already linked", p.Name, host)
	}
	if !validIdent(p.Name) {
		return fmt.Errorf("add property: name %q is not a valid identifier", p.Name)
	}
	if e, ok := r.entities[host]; ok {
		if existing := e.Property(p.Name); existing != nil {
			if existing.Type != p.Type {
				return fmt.Errorf("property %q on %q already declared with type %q", p.Name, host, existing.Type)
			}
			return nil
		}
		e.Properties = append(e.Properties, p)
		return nil
	}
	if rel, ok := r.relations[host]; ok {
		if existing := rel.Property(p.Name); existing != nil {
			if existing.Type != p.Type {
				return fmt.Errorf("property %q on %q already declared with type %q", p.Name, host, existing.Type)
			}
			return nil
		}
		rel.Properties = append(rel.Properties, p)
		return nil
	}
	return fmt.Errorf("add property %q: no entity or relation named %q", p.Name, host)
}

// Link resolves every cross-reference and validates the whole schema.
// Must be called exactly once, after all definitions (and computed-data
// schema setup) are in place.
func (r *Registry) Link() error {
	if r.linked {
		return fmt.Errorf("registry already linked")
	}

	for _, e := range r.Entities() {
		if err := validateProperties("entity "+e.Name, e.Properties, reservedColumns); err != nil {
			return err
		}
	}

	// Pass two: materialize string references into direct pointers.
	endpointAttrs := make(map[string]string) // "entity.attr" -> relation name
	for _, rel := range r.Relations() {
		src, ok := r.entities[rel.Source]
		if !ok {
			return fmt.Errorf("relation %q: unknown source entity %q", rel.Name, rel.Source)
		}
		dst, ok := r.entities[rel.Target]
		if !ok {
			return fmt.Errorf("relation %q: unknown target entity %q", rel.Name, rel.Target)
		}
		switch rel.Cardinality {
		case OneToOne, OneToMany, ManyToOne, ManyToMany:
		default:
			return fmt.Errorf("relation %q: invalid cardinality %q", rel.Name, rel.Cardinality)
		}
		if err := validateProperties("relation "+rel.Name, rel.Properties, reservedColumns); err != nil {
			return err
		}
		for _, key := range []string{
			rel.Source + "." + rel.SourceProperty,
			rel.Target + "." + rel.TargetProperty,
		} {
			if prev, dup := endpointAttrs[key]; dup {
				return fmt.Errorf("relation %q: attribute %s already backed by relation %q", rel.Name, key, prev)
			}
			endpointAttrs[key] = rel.Name
		}
		rel.SourceEntity = src
		rel.TargetEntity = dst
	}

	for _, name := range sortedKeys(r.interactions) {
		if err := r.linkInteraction(r.interactions[name]); err != nil {
			return err
		}
	}

	for _, a := range r.Activities() {
		if err := r.linkActivity(a); err != nil {
			return err
		}
	}

	r.linked = true
	return nil
}

// Linked reports whether Link has completed.
func (r *Registry) Linked() bool { return r.linked }

func (r *Registry) linkInteraction(i *Interaction) error {
	for _, c := range i.Conditions {
		if _, err := r.handlers.Condition(c.HandlerID); err != nil {
			return fmt.Errorf("interaction %q condition %q: %w", i.Name, c.Name, err)
		}
	}
	if i.UserAttributives != nil {
		if err := r.linkAttrExpr(i.Name, i.UserAttributives); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, len(i.Payload))
	for _, item := range i.Payload {
		if seen[item.Name] {
			return fmt.Errorf("interaction %q: duplicate payload item %q", i.Name, item.Name)
		}
		seen[item.Name] = true
		if item.Base != BaseUserRole {
			if _, ok := r.entities[item.Base]; !ok {
				return fmt.Errorf("interaction %q payload %q: unknown entity %q", i.Name, item.Name, item.Base)
			}
		}
		if item.Attributives != nil {
			if err := r.linkAttrExpr(i.Name, item.Attributives); err != nil {
				return err
			}
		}
	}
	if i.Action == ActionGet {
		if _, ok := r.entities[i.Data]; !ok {
			return fmt.Errorf("interaction %q: get action reads unknown entity %q", i.Name, i.Data)
		}
	}
	return nil
}

// linkAttrExpr verifies every atom in an attributive tree names a registered
// attributive whose handler (for non-ref attributives) resolves.
func (r *Registry) linkAttrExpr(owner string, expr *AttrExpr) error {
	if err := expr.Validate(); err != nil {
		return fmt.Errorf("interaction %q attributives: %w", owner, err)
	}
	for _, atom := range expr.Atoms() {
		attr, ok := r.attributives[atom.Key]
		if !ok {
			return fmt.Errorf("interaction %q: unknown attributive %q", owner, atom.Key)
		}
		if attr.IsRef {
			if attr.Ref == "" {
				return fmt.Errorf("attributive %q: isRef without a ref key", attr.Name)
			}
			continue
		}
		if _, err := r.handlers.Attributive(attr.HandlerID); err != nil {
			return fmt.Errorf("attributive %q: %w", attr.Name, err)
		}
	}
	return nil
}

func (r *Registry) linkActivity(a *Activity) error {
	uuids := make(map[string]bool)
	var collect func(act *Activity) error
	collect = func(act *Activity) error {
		for _, n := range act.Interactions {
			if n.UUID == "" {
				return fmt.Errorf("activity %q: interaction node for %q has empty uuid", a.Name, n.Interaction)
			}
			if uuids[n.UUID] {
				return fmt.Errorf("activity %q: duplicate node uuid %q", a.Name, n.UUID)
			}
			uuids[n.UUID] = true
			if _, ok := r.interactions[n.Interaction]; !ok {
				return fmt.Errorf("activity %q: node %q references unknown interaction %q", a.Name, n.UUID, n.Interaction)
			}
		}
		for _, g := range act.Gateways {
			if uuids[g.UUID] {
				return fmt.Errorf("activity %q: duplicate node uuid %q", a.Name, g.UUID)
			}
			uuids[g.UUID] = true
		}
		for _, g := range act.Groups {
			if uuids[g.UUID] {
				return fmt.Errorf("activity %q: duplicate node uuid %q", a.Name, g.UUID)
			}
			uuids[g.UUID] = true
			for i := range g.Activities {
				if err := collect(&g.Activities[i]); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := collect(a); err != nil {
		return err
	}

	var checkTransfers func(act *Activity) error
	checkTransfers = func(act *Activity) error {
		for _, tr := range act.Transfers {
			if !uuids[tr.Source] {
				return fmt.Errorf("activity %q: transfer %q has unknown source %q", a.Name, tr.Name, tr.Source)
			}
			if !uuids[tr.Target] {
				return fmt.Errorf("activity %q: transfer %q has unknown target %q", a.Name, tr.Name, tr.Target)
			}
		}
		for _, g := range act.Groups {
			for i := range g.Activities {
				if err := checkTransfers(&g.Activities[i]); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return checkTransfers(a)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
