package computed

import (
	"context"

	"github.com/reverb-engine/reverb/internal/schema"
	"github.com/reverb-engine/reverb/internal/storage"
)

// Handle is the lifecycle every derivation strategy implements.
type Handle interface {
	// Context identifies the derivation target.
	Context() DataContext

	// SetupSchema runs once at boot, before Registry.Link and table
	// creation, and may add properties the handle needs.
	SetupSchema() error

	// SetupInitialValue backfills derived values for data that existed
	// before the handle was registered. Runs once, after table creation,
	// inside the given transaction.
	SetupInitialValue(ctx context.Context, tx *storage.Tx) error
}

// InteractionHandle reacts to interaction events. The controller dispatches
// OnInteraction inside the call's transaction, after the event-log append.
type InteractionHandle interface {
	Handle

	// InteractionTriggers lists the interaction names that fire the handle.
	InteractionTriggers() []string

	OnInteraction(ctx context.Context, tx *storage.Tx, ev schema.InteractionEvent) error
}

// MutationHandle reacts to mutation-event batches. The store dispatches
// OnMutations inside the writing transaction, round by round.
type MutationHandle interface {
	Handle

	OnMutations(ctx context.Context, tx *storage.Tx, events []schema.MutationEvent) error
}
