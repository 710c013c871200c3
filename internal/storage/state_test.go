package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, testRegistry(t))

	type instance struct {
		Current string `json:"current"`
		Done    bool   `json:"done"`
	}

	tx := begin(t, s, "state")
	require.NoError(t, tx.PutState(ctx, "activity", "act-1", instance{Current: "node-1"}))
	require.NoError(t, tx.PutState(ctx, "activity", "act-1", instance{Current: "node-2"}), "upsert overwrites")
	require.NoError(t, tx.PutState(ctx, "activity_roles", "act-1", map[string]string{"approve.user": "u-2"}))
	require.NoError(t, tx.Commit(ctx))

	var got instance
	require.NoError(t, s.GetState(ctx, "activity", "act-1", &got))
	assert.Equal(t, instance{Current: "node-2"}, got)

	// Concepts are disjoint namespaces.
	var roles map[string]string
	require.NoError(t, s.GetState(ctx, "activity_roles", "act-1", &roles))
	assert.Equal(t, "u-2", roles["approve.user"])

	err := s.GetState(ctx, "activity", "act-missing", &got)
	require.ErrorIs(t, err, ErrNotFound)

	tx = begin(t, s, "state-del")
	require.NoError(t, tx.DeleteState(ctx, "activity", "act-1"))
	require.NoError(t, tx.DeleteState(ctx, "activity", "act-1"), "absent delete is fine")
	require.NoError(t, tx.Commit(ctx))
	require.ErrorIs(t, s.GetState(ctx, "activity", "act-1", &got), ErrNotFound)
}

func TestStateKeys_SortedPerConcept(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, testRegistry(t))

	tx := begin(t, s, "state")
	require.NoError(t, tx.PutState(ctx, "activity", "b", 1))
	require.NoError(t, tx.PutState(ctx, "activity", "a", 2))
	require.NoError(t, tx.PutState(ctx, "other", "z", 3))
	require.NoError(t, tx.Commit(ctx))

	keys, err := s.StateKeys(ctx, "activity")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
}
