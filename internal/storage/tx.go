package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/reverb-engine/reverb/internal/schema"
)

// Tx is one named storage transaction. All engine writes for a single
// interaction call flow through one Tx; commit and rollback are atomic over
// the event-log append, the business writes and every derived write.
//
// A Tx additionally carries the transaction's mutation-event batch and an
// effect sink: computed-data listeners describe what they derived by calling
// AddEffect, and the controller drains the sink into the call response.
type Tx struct {
	name  string
	store *Store
	tx    *sql.Tx
	done  bool

	pending []schema.MutationEvent
	effects []any
}

// Name returns the transaction's name.
func (t *Tx) Name() string { return t.name }

// record appends a mutation event to the batch.
func (t *Tx) record(ev schema.MutationEvent) {
	t.pending = append(t.pending, ev)
}

// TakeMutationEvents removes and returns the currently pending batch.
// Listener dispatch uses it round by round: events recorded by listeners
// during one round form the next round's batch.
func (t *Tx) TakeMutationEvents() []schema.MutationEvent {
	evs := t.pending
	t.pending = nil
	return evs
}

// AddEffect records a derived-write descriptor for the call response.
func (t *Tx) AddEffect(e any) {
	t.effects = append(t.effects, e)
}

// DrainEffects removes and returns all recorded effects.
func (t *Tx) DrainEffects() []any {
	effs := t.effects
	t.effects = nil
	return effs
}

// maxDispatchRounds bounds listener cascades. Handles are idempotent and
// never react to their own writes, so a well-formed schema converges in a
// handful of rounds; hitting the bound means a handle feedback loop.
const maxDispatchRounds = 64

// Dispatch delivers pending mutation events to the store's listeners in
// rounds until the batch drains. Runs inside the transaction; listener
// writes are part of it.
func (t *Tx) Dispatch(ctx context.Context) error {
	for round := 0; ; round++ {
		events := t.TakeMutationEvents()
		if len(events) == 0 {
			return nil
		}
		if round >= maxDispatchRounds {
			return fmt.Errorf("transaction %q: mutation dispatch did not converge after %d rounds", t.name, maxDispatchRounds)
		}
		slog.Debug("dispatching mutation events",
			"tx", t.name,
			"round", round,
			"events", len(events),
		)
		for _, l := range t.store.listeners {
			if err := l(ctx, t, events); err != nil {
				return fmt.Errorf("transaction %q: mutation listener: %w", t.name, err)
			}
		}
	}
}

// Commit dispatches any still-pending mutation events, then commits.
// A dispatch error leaves the transaction open; the caller must Rollback.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("transaction %q: already finished", t.name)
	}
	if err := t.Dispatch(ctx); err != nil {
		return err
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction %q: %w", t.name, err)
	}
	t.done = true
	t.store.release(t.name)
	return nil
}

// Rollback aborts the transaction and discards the event batch and effects.
// Safe to call after a failed Commit; a no-op once finished.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.pending = nil
	t.effects = nil
	t.store.release(t.name)
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("rollback transaction %q: %w", t.name, err)
	}
	return nil
}
