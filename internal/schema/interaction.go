package schema

import (
	"github.com/reverb-engine/reverb/internal/match"
)

// Action is the verb of an interaction. Most actions are opaque names; the
// single distinguished verb is ActionGet, which turns a call into a read.
type Action string

// ActionGet marks a retrieval interaction: instead of mutating, the call
// pipeline runs the query in the call args and attaches the results.
const ActionGet Action = "get"

// Attributive is a named boolean predicate over the acting user (and
// optionally the call payload), used for authorization. The predicate itself
// is a registered handler referenced by HandlerID.
//
// IsRef attributives do not run a handler at all: they refer to a role bound
// earlier in the same activity instance, and the activity interpreter checks
// them against the instance's recorded role bindings.
type Attributive struct {
	Name string

	// HandlerID resolves to an AttributiveFunc in the handler registry.
	// Ignored when IsRef is set.
	HandlerID string

	// IsRef marks the attributive as a reference to a previously bound
	// role. Ref is the binding key, e.g. "sendRequest.user" (the caller
	// of sendRequest) or "to" (the user passed as payload item "to").
	IsRef bool
	Ref   string
}

// AttrExpr is a boolean expression over attributive names: a match tree
// whose atom keys are attributive names (with OpEq and a nil value). The
// attributive evaluator resolves each name against the registry.
type AttrExpr = match.Expr

// Attr builds the leaf expression for one attributive name.
func Attr(name string) *AttrExpr {
	return match.NewAtom(name, match.OpEq, nil)
}

// Condition is a payload-independent business rule checked before
// authorization. HandlerID resolves to a ConditionFunc.
type Condition struct {
	Name      string
	HandlerID string
}

// PayloadItem declares one named slot of an interaction's payload.
type PayloadItem struct {
	Name string

	// Base names the entity the item carries, or the reserved base
	// BaseUserRole for items that carry a user acting in a workflow role.
	Base string

	// IsRef items reference existing records (must arrive with an id);
	// non-ref items carry fresh data.
	IsRef bool

	// IsCollection items carry a []Record instead of a single Record.
	IsCollection bool

	Required bool

	// Attributives, when set, restrict which records the caller may pass
	// for this item. Evaluated per record for collection items.
	Attributives *AttrExpr
}

// BaseUserRole is the payload item base for user-valued items. Passing a
// user under a UserRole item binds that user to the item's name as a role
// for the enclosing activity instance.
const BaseUserRole = "UserRole"

// Interaction is a named, permission-checked, payload-typed action. It is
// stateless: beyond its own event-log entry it persists nothing; all durable
// consequences are computed-data effects.
type Interaction struct {
	Name   string
	Action Action

	// Conditions are evaluated first and independently of the payload.
	Conditions []Condition

	// UserAttributives gates who may call the interaction. Nil means
	// anyone.
	UserAttributives *AttrExpr

	Payload []PayloadItem

	// Data names the entity a get-action interaction reads. Ignored for
	// other actions.
	Data string
}

// PayloadItemByName returns the named payload item, or nil.
func (i *Interaction) PayloadItemByName(name string) *PayloadItem {
	for idx := range i.Payload {
		if i.Payload[idx].Name == name {
			return &i.Payload[idx]
		}
	}
	return nil
}
