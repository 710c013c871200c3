package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/reverb-engine/reverb/internal/schema"
)

// AppendEvent writes one interaction event to the log and returns it with the
// assigned id and sequence number. Args are serialized canonically so the
// stored bytes are stable across runs.
func (t *Tx) AppendEvent(ctx context.Context, interactionName, activityID string, args schema.InteractionArgs) (schema.InteractionEvent, error) {
	ev := schema.InteractionEvent{
		ID:              t.store.newID(),
		InteractionID:   t.store.newID(),
		InteractionName: interactionName,
		ActivityID:      activityID,
		Args:            args,
	}

	raw, err := MarshalCanonical(args)
	if err != nil {
		return schema.InteractionEvent{}, fmt.Errorf("append event %q: marshal args: %w", interactionName, err)
	}

	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO interaction_events (id, interaction_id, interaction_name, activity_id, args)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.InteractionID, ev.InteractionName, ev.ActivityID, string(raw),
	)
	if err != nil {
		return schema.InteractionEvent{}, fmt.Errorf("append event %q: %w", interactionName, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return schema.InteractionEvent{}, fmt.Errorf("append event %q: sequence: %w", interactionName, err)
	}
	ev.Seq = seq
	return ev, nil
}

// EventQuery filters an event-log read. Zero fields match everything.
type EventQuery struct {
	InteractionName string
	ActivityID      string
	AfterSeq        int64
	Limit           int
}

// Events reads interaction events in log order.
func (t *Tx) Events(ctx context.Context, q EventQuery) ([]schema.InteractionEvent, error) {
	return queryEvents(ctx, t.tx, q)
}

// Events is the non-transactional read variant, for replay and inspection.
func (s *Store) Events(ctx context.Context, q EventQuery) ([]schema.InteractionEvent, error) {
	return queryEvents(ctx, s.db, q)
}

func queryEvents(ctx context.Context, qr querier, q EventQuery) ([]schema.InteractionEvent, error) {
	query := `SELECT seq, id, interaction_id, interaction_name, activity_id, args
	          FROM interaction_events WHERE seq > ?`
	params := []any{q.AfterSeq}
	if q.InteractionName != "" {
		query += " AND interaction_name = ?"
		params = append(params, q.InteractionName)
	}
	if q.ActivityID != "" {
		query += " AND activity_id = ?"
		params = append(params, q.ActivityID)
	}
	query += " ORDER BY seq"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := qr.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []schema.InteractionEvent
	for rows.Next() {
		var ev schema.InteractionEvent
		var raw string
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.InteractionID, &ev.InteractionName, &ev.ActivityID, &raw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &ev.Args); err != nil {
			return nil, fmt.Errorf("decode event %s args: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return out, nil
}

// LastSeq returns the highest assigned event sequence, 0 when the log is
// empty.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM interaction_events").Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last event sequence: %w", err)
	}
	return seq.Int64, nil
}
