package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Engine bookkeeping is a JSON key/value space partitioned by concept
// ("activity", "activity_roles", ...). Values round-trip through
// encoding/json, so any JSON-encodable Go value works.

// PutState upserts one state entry within the transaction.
func (t *Tx) PutState(ctx context.Context, concept, key string, value any) error {
	return putState(ctx, t.tx, concept, key, value)
}

// GetState loads one state entry into out. Returns ErrNotFound when absent.
func (t *Tx) GetState(ctx context.Context, concept, key string, out any) error {
	return getState(ctx, t.tx, concept, key, out)
}

// DeleteState removes one state entry. Removing an absent entry is not an
// error.
func (t *Tx) DeleteState(ctx context.Context, concept, key string) error {
	_, err := t.tx.ExecContext(ctx,
		"DELETE FROM engine_state WHERE concept = ? AND k = ?", concept, key)
	if err != nil {
		return fmt.Errorf("delete state %s/%s: %w", concept, key, err)
	}
	return nil
}

// GetState is the non-transactional read variant.
func (s *Store) GetState(ctx context.Context, concept, key string, out any) error {
	return getState(ctx, s.db, concept, key, out)
}

// StateKeys lists the keys stored under a concept, in binary key order.
func (s *Store) StateKeys(ctx context.Context, concept string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT k FROM engine_state WHERE concept = ? ORDER BY k COLLATE BINARY", concept)
	if err != nil {
		return nil, fmt.Errorf("list state keys %s: %w", concept, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("list state keys %s: %w", concept, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list state keys %s: %w", concept, err)
	}
	return keys, nil
}

func putState(ctx context.Context, q querier, concept, key string, value any) error {
	raw, err := MarshalCanonical(value)
	if err != nil {
		return fmt.Errorf("put state %s/%s: marshal: %w", concept, key, err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO engine_state (concept, k, v) VALUES (?, ?, ?)
		 ON CONFLICT (concept, k) DO UPDATE SET v = excluded.v`,
		concept, key, string(raw),
	)
	if err != nil {
		return fmt.Errorf("put state %s/%s: %w", concept, key, err)
	}
	return nil
}

func getState(ctx context.Context, q querier, concept, key string, out any) error {
	var raw string
	err := q.QueryRowContext(ctx,
		"SELECT v FROM engine_state WHERE concept = ? AND k = ?", concept, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("state %s/%s: %w", concept, key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get state %s/%s: %w", concept, key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode state %s/%s: %w", concept, key, err)
	}
	return nil
}
