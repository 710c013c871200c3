package computed

import "fmt"

// ContextKind classifies what a handle derives.
type ContextKind string

const (
	KindEntity   ContextKind = "entity"
	KindRelation ContextKind = "relation"
	KindProperty ContextKind = "property"
)

// DataContext identifies the derivation target of one handle: a whole
// entity, a whole relation, or a single property of either. At most one
// handle may exist per DataContext; the registry enforces this.
type DataContext struct {
	Kind ContextKind

	// Host is the entity or relation name.
	Host string

	// Property is set for property-level contexts.
	Property string
}

// Key returns the registration key. Two contexts collide exactly when their
// keys are equal.
func (c DataContext) Key() string {
	if c.Kind == KindProperty {
		return fmt.Sprintf("property:%s.%s", c.Host, c.Property)
	}
	return fmt.Sprintf("%s:%s", c.Kind, c.Host)
}

func (c DataContext) String() string { return c.Key() }

// Effect describes one derived write, reported into the call response so
// callers can see what a call caused beyond its event-log entry.
type Effect struct {
	// Context is the key of the handle that produced the write.
	Context string `json:"context"`

	// Action is "create", "update" or "delete".
	Action string `json:"action"`

	// RecordName is the entity or relation written.
	RecordName string `json:"record_name"`

	// Records are the post-write rows (pre-delete rows for deletes).
	Records []map[string]any `json:"records,omitempty"`
}
