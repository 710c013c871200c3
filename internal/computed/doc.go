// Package computed maintains derived data: records, properties and
// relations whose values are a function of interaction history or of other
// records' mutations, instead of direct user writes.
//
// A derivation is declared in the schema as a ComputedData definition and
// executed at run time by a handle. Every handle implements the same
// lifecycle: SetupSchema runs before table creation and may add tracking
// properties; SetupInitialValue backfills derived values for pre-existing
// data; then the handle reacts either to interaction events (dispatched by
// the controller) or to mutation-event batches (dispatched by the store,
// inside the writing transaction).
//
// Handles never react to their own writes. Each strategy carries its own
// idempotency rule for this - the record mapper upserts on the tracked
// activity id, the counter ignores updates that touch only its own
// property - rather than relying on a generic cycle detector.
package computed
