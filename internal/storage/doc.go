// Package storage is the record store adapter: SQLite-backed CRUD for entity
// and relation records, named transactions, the append-only interaction
// event log, the engine_state key/value table, and the per-transaction
// mutation-event feed.
//
// The rest of the engine treats this package as a contract. Everything above
// it speaks in schema.Record maps and match expressions; this package owns
// table layout, SQL generation and scan conversion.
//
// TRANSACTION MODEL:
//
// All writes go through a *Tx obtained from Store.Begin. Every persisted
// write appends a schema.MutationEvent to the transaction's batch. Listeners
// registered with Store.Listen are notified with the batch BEFORE commit, in
// rounds: listener writes produce further events, which are delivered in the
// next round, until the batch drains. Derived writes therefore always land
// in the same transaction as the triggering write; a rollback discards both.
//
// Ordering contract: deleting an entity record first deletes its attached
// relation instances, and the relation deletion events are appended to the
// batch before the record's own deletion event. Handles may rely on this.
//
// DETERMINISM:
//
// Reads without an explicit order are sorted by id with binary collation.
// Event-log reads are ordered by log sequence. Event args are serialized as
// canonical JSON (sorted keys, NFC-normalized strings, no HTML escaping) so
// the log is byte-stable across runs.
package storage
