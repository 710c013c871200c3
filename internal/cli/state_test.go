package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reverb-engine/reverb/internal/schema"
	"github.com/reverb-engine/reverb/internal/storage"
)

func seedState(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "engine.db")

	st, err := storage.Open(dbPath, schema.NewRegistry())
	require.NoError(t, err)
	defer st.Close()

	tx, err := st.Begin(ctx, "seed")
	require.NoError(t, err)
	require.NoError(t, tx.PutState(ctx, "counters", "requests", map[string]any{"open": 2}))
	require.NoError(t, tx.PutState(ctx, "counters", "approvals", map[string]any{"open": 0}))
	require.NoError(t, tx.Commit(ctx))
	return dbPath
}

func TestStateMissingConceptFlag(t *testing.T) {
	cmd := NewStateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--db", "whatever.db"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestStateListKeys(t *testing.T) {
	dbPath := seedState(t)

	buf := &bytes.Buffer{}
	cmd := NewStateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath, "--concept", "counters"})

	require.NoError(t, cmd.Execute())
	out := buf.String()
	assert.Contains(t, out, "approvals")
	assert.Contains(t, out, "requests")
	assert.Contains(t, out, `2 keys under concept "counters"`)
}

func TestStateListEmptyConcept(t *testing.T) {
	dbPath := seedState(t)

	buf := &bytes.Buffer{}
	cmd := NewStateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath, "--concept", "nothing"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), `No state under concept "nothing"`)
}

func TestStateShowEntry(t *testing.T) {
	dbPath := seedState(t)

	buf := &bytes.Buffer{}
	cmd := NewStateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath, "--concept", "counters", "--key", "requests"})

	require.NoError(t, cmd.Execute())
	out := buf.String()
	assert.Contains(t, out, "counters/requests:")
	assert.Contains(t, out, `"open": 2`)
}

func TestStateShowMissingEntry(t *testing.T) {
	dbPath := seedState(t)

	cmd := NewStateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--db", dbPath, "--concept", "counters", "--key", "nope"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no state entry counters/nope")
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestStateShowEntryJSON(t *testing.T) {
	dbPath := seedState(t)

	buf := &bytes.Buffer{}
	cmd := NewStateCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath, "--concept", "counters", "--key", "approvals"})

	require.NoError(t, cmd.Execute())

	var resp Response
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var result StateEntryResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, "counters", result.Concept)
	assert.Equal(t, "approvals", result.Key)
	assert.Equal(t, map[string]any{"open": float64(0)}, result.Value)
}
