package computed

import (
	"github.com/reverb-engine/reverb/internal/schema"
)

// The definition types below are attached to entities, relations and
// properties as schema.ComputedData. They carry data only - which handler,
// which fields - with behavior resolved against the handler registry, so a
// derivation rule is fully describable without executable text.

// MapRecord derives whole records of the host entity or relation from
// interaction history: each firing of the source interaction (or of any
// interaction of the source activity) recomputes the derived records for
// that firing's scope.
type MapRecord struct {
	// Source is an interaction name, or an activity name when
	// SourceIsActivity is set.
	Source           string
	SourceIsActivity bool

	// HandlerID resolves to a RecordComputeFunc.
	HandlerID string
}

func (*MapRecord) ComputedDataKind() string { return "map-interaction-to-record" }

// PropertySource is one (interaction, locate, compute) triple of a
// MapProperty definition.
type PropertySource struct {
	// Interaction is the triggering interaction name.
	Interaction string

	// SourceHandlerID resolves to a ComputeSourceFunc locating the records
	// to update.
	SourceHandlerID string

	// ValueHandlerID resolves to a PropertyComputeFunc producing the new
	// value.
	ValueHandlerID string
}

// MapProperty derives a property of the host from interaction events. One
// interaction may fan out to many matched records.
type MapProperty struct {
	Sources []PropertySource
}

func (*MapProperty) ComputedDataKind() string { return "map-interaction-to-property" }

// MachineState is one state of a relation state machine: existence plus a
// fixed-property snapshot.
type MachineState struct {
	Name        string
	HasRelation bool

	// Fixed is the property snapshot identifying the state. Ignored when
	// HasRelation is false.
	Fixed schema.Record
}

// MachineTransfer is one transition of a relation state machine.
type MachineTransfer struct {
	Name string

	// Interaction triggers the transfer.
	Interaction string

	// From and To name states of the machine.
	From string
	To   string

	// PairHandlerID resolves to a PairFunc computing the (source, target)
	// pairs the trigger event implicates.
	PairHandlerID string
}

// StateMachine derives the host relation's instances as a finite state
// machine per (source, target) pair. A fresh pair starts in the implicit
// no-relation state.
type StateMachine struct {
	States    []MachineState
	Transfers []MachineTransfer
}

func (*StateMachine) ComputedDataKind() string { return "relation-state-machine" }

// State returns the named state, or nil.
func (m *StateMachine) State(name string) *MachineState {
	for i := range m.States {
		if m.States[i].Name == name {
			return &m.States[i]
		}
	}
	return nil
}

// Count maintains the host property as the live count of relation
// instances, touching the owning record, that match a predicate.
type Count struct {
	// Relation is the counted relation. The owning side is whichever
	// endpoint is the property's host entity.
	Relation string

	// MatchHandlerID resolves to a CountMatchFunc deciding whether one
	// instance is counted.
	MatchHandlerID string
}

func (*Count) ComputedDataKind() string { return "relation-count" }
