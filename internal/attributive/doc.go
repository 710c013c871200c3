// Package attributive evaluates authorization predicates.
//
// An attributive is a named predicate over the acting user, optionally
// scoped to a payload record. Interactions compose attributives into
// boolean trees; this package walks those trees, resolves each name
// against the schema registry and dispatches to the registered handler.
//
// Two evaluation quirks are deliberate. A handler returning Undecided is
// treated as passing, with a warning logged: it marks a predicate that is
// declared but not yet implemented, and blocking every call on it would
// make schemas impossible to build up incrementally. Reference
// attributives (IsRef) never run a handler; they consult the enclosing
// workflow instance's role bindings through a RefResolver, and evaluate
// Undecided when no workflow instance is in scope.
package attributive
