// Package activity interprets workflow definitions: it compiles an
// activity's node/transfer declarations into a navigable graph and tracks,
// per instance, which node may fire next.
//
// An instance's position is a single persisted node reference. Gateways and
// groups are structural nodes that never fire themselves; reachability
// expands through them to the interaction nodes they guard. Firing one
// branch of a group moves the position inside that branch, which is what
// makes sibling branches mutually exclusive: once any branch starts, the
// others are no longer reachable for that instance.
//
// The interpreter also records role bindings (who called which interaction,
// which users arrived under user-role payload items) so reference
// attributives on later steps can be checked against them.
package activity
