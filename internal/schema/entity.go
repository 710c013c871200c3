package schema

import (
	"fmt"
	"regexp"
)

// PropType is the declared scalar type of a property. It determines the
// storage column type and scan conversion.
type PropType string

const (
	PropString PropType = "string"
	PropInt    PropType = "int"
	PropFloat  PropType = "float"
	PropBool   PropType = "bool"
)

// Property is a named scalar field on an entity or relation. A property is
// either stored directly or maintained by a property-level computed-data
// handle; the schema does not distinguish the two beyond Computed being set.
type Property struct {
	Name string
	Type PropType

	// Default is the initial value used when a create omits the property.
	Default any

	// Computed marks the property as derived. The value is an opaque
	// computed-data definition owned by the computed package; the schema
	// only carries it through to handle construction.
	Computed ComputedData
}

// ComputedData is the marker interface for computed-data definitions.
// Concrete types live in the computed package; the schema treats them as
// opaque payloads attached to entities, relations and properties.
type ComputedData interface {
	ComputedDataKind() string
}

// Entity is a named record type.
type Entity struct {
	Name       string
	Properties []Property

	// Computed, when set, describes how whole records of this type are
	// derived from interaction history instead of direct user creates.
	Computed ComputedData
}

// Property returns the named property definition, or nil.
func (e *Entity) Property(name string) *Property {
	for i := range e.Properties {
		if e.Properties[i].Name == name {
			return &e.Properties[i]
		}
	}
	return nil
}

// Cardinality of a relation, written source:target.
type Cardinality string

const (
	OneToOne   Cardinality = "1:1"
	OneToMany  Cardinality = "1:n"
	ManyToOne  Cardinality = "n:1"
	ManyToMany Cardinality = "n:n"
)

// Relation is a typed edge between two entities. A relation instance is
// addressed by its (source id, target id) pair and is itself a storable
// record with an id and its own properties.
//
// Source and Target are entity names at definition time; Registry.Link
// resolves them to *Entity.
type Relation struct {
	Name string

	Source         string
	SourceProperty string // attribute name on the source entity reaching the target
	Target         string
	TargetProperty string // attribute name on the target entity reaching the source

	Cardinality Cardinality
	Properties  []Property
	Computed    ComputedData

	// Resolved by Registry.Link.
	SourceEntity *Entity
	TargetEntity *Entity
}

// Property returns the named relation property definition, or nil.
func (r *Relation) Property(name string) *Property {
	for i := range r.Properties {
		if r.Properties[i].Name == name {
			return &r.Properties[i]
		}
	}
	return nil
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validIdent reports whether a name is safe to use as a table or column
// identifier. Checked at link time so the storage layer never has to quote.
func validIdent(name string) bool {
	return identRe.MatchString(name)
}

func validateProperties(owner string, props []Property, reserved map[string]bool) error {
	seen := make(map[string]bool, len(props))
	for _, p := range props {
		if !validIdent(p.Name) {
			return fmt.Errorf("%s: property %q is not a valid identifier", owner, p.Name)
		}
		if reserved[p.Name] {
			return fmt.Errorf("%s: property %q is reserved", owner, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("%s: duplicate property %q", owner, p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case PropString, PropInt, PropFloat, PropBool:
		default:
			return fmt.Errorf("%s: property %q has unknown type %q", owner, p.Name, p.Type)
		}
	}
	return nil
}
