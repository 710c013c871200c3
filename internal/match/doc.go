// Package match implements the boolean predicate algebra used to select
// records throughout the engine.
//
// An expression is a tree of atoms combined with And/Or/Not. Atoms name a
// record field (possibly a dotted path crossing a relation, e.g.
// "user.department.name"), a comparison operator, and a value. The same tree
// shape is reused for three purposes:
//
//   - compiled to SQL by the storage adapter to select records
//   - evaluated in memory against plain record maps
//   - evaluated against arbitrary predicate handlers (attributive trees)
//
// Evaluation is tri-state. A handler may return Undecided, meaning "not yet
// decidable with the data at hand". Undecided is NOT failure and NOT false;
// computed-data handles use it to defer a derivation until more interaction
// history exists. And/Or short-circuit on False/True respectively and
// otherwise propagate Undecided.
package match
