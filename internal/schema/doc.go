// Package schema holds the definition-time model of an application: entities,
// relations, interactions, activities and the registries binding them
// together.
//
// Definitions are plain Go values constructed once at boot and immutable
// afterwards. Cross-references between definitions (a relation's source
// entity, a transfer's trigger interaction) are declared as string names and
// resolved in an explicit second pass by Registry.Link - there is no lazy
// binding and no global registration side effects. A Registry is handed to
// the controller at construction; nothing in this package is process-global.
//
// Computation rules ("computed data") never carry executable text. Each rule
// references a handler by identifier, resolved against the process-local
// HandlerRegistry of compiled closures. The data - which handler, which
// fields - is what gets persisted and inspected, not code.
package schema
