package schema

import (
	"github.com/reverb-engine/reverb/internal/match"
)

// Record is a plain map representation of one stored row: property name to
// scalar value. Relation records additionally carry "source" and "target"
// (the endpoint record ids). There is exactly one representation - the
// engine has no reactive wrapper types; change notification happens only at
// the mutation-event boundary.
type Record = map[string]any

// InteractionArgs is the concrete input of one interaction call.
type InteractionArgs struct {
	// User is the acting user's record. Must carry "id".
	User Record `json:"user"`

	// Payload maps declared payload item names to their values: a Record,
	// a []Record for collection items, or a scalar.
	Payload map[string]any `json:"payload,omitempty"`

	// Query carries retrieval parameters for get-action interactions.
	Query *Query `json:"query,omitempty"`
}

// Query selects records for a get-action interaction.
type Query struct {
	Match   *match.Expr `json:"-"`
	Limit   int         `json:"limit,omitempty"`
	OrderBy string      `json:"order_by,omitempty"`
}

// InteractionEvent is one append-only event-log entry. Events are the source
// of truth computed-data handles replay; they are never updated or deleted.
type InteractionEvent struct {
	// ID is a unique event id assigned at append time.
	ID string `json:"id"`

	// Seq is the log position assigned by the store. Strictly increasing;
	// all replay reads order by it.
	Seq int64 `json:"seq"`

	InteractionID   string `json:"interaction_id"`
	InteractionName string `json:"interaction_name"`

	// ActivityID is the workflow instance this call belongs to, empty for
	// standalone interaction calls.
	ActivityID string `json:"activity_id,omitempty"`

	Args InteractionArgs `json:"args"`
}

// MutationType classifies a record mutation.
type MutationType string

const (
	MutationCreate MutationType = "create"
	MutationUpdate MutationType = "update"
	MutationDelete MutationType = "delete"
)

// MutationEvent is an ephemeral, in-memory notification of one persisted
// write. The store batches them per transaction; they are never persisted
// themselves.
//
// Ordering contract: within one transaction batch, the deletion events of a
// record's attached relations precede the record's own deletion event. The
// incremental-count handle depends on this; the storage package enforces and
// tests it.
type MutationEvent struct {
	// RecordName is the entity or relation name the write applied to.
	RecordName string

	Type MutationType

	// Record is the post-mutation row (nil for deletes).
	Record Record

	// OldRecord is the pre-mutation snapshot (nil for creates).
	OldRecord Record

	// Keys lists the property names an update changed. Empty for
	// create/delete.
	Keys []string
}

// ID returns the mutated record's id, preferring the post-image.
func (ev MutationEvent) ID() string {
	if ev.Record != nil {
		if id, ok := ev.Record["id"].(string); ok {
			return id
		}
	}
	if ev.OldRecord != nil {
		if id, ok := ev.OldRecord["id"].(string); ok {
			return id
		}
	}
	return ""
}

// Changed reports whether an update touched the named property.
func (ev MutationEvent) Changed(key string) bool {
	for _, k := range ev.Keys {
		if k == key {
			return true
		}
	}
	return false
}
