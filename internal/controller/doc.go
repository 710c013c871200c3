// Package controller is the engine's outer surface: it wires the schema
// registry, storage, computed-data handles, the attributive evaluator and
// the activity interpreter together, and runs every interaction call as one
// transactional pipeline.
//
// A call either commits with exactly one appended interaction event plus all
// of its derived effects, or rolls back completely. Errors come back as data
// in the call result so callers branch on a code instead of unwrapping.
package controller
