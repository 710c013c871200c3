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
	"github.com/reverb-engine/reverb/internal/testutil"
)

// seedEventLog creates a database with three events, one of them tied to an
// activity instance.
func seedEventLog(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "engine.db")

	ids := testutil.NewSequentialIDs("ev")
	st, err := storage.Open(dbPath, schema.NewRegistry(), storage.WithIDFunc(ids.Next))
	require.NoError(t, err)
	defer st.Close()

	tx, err := st.Begin(ctx, "seed")
	require.NoError(t, err)
	_, err = tx.AppendEvent(ctx, "createDoc", "", schema.InteractionArgs{
		User:    schema.Record{"id": "u-alice"},
		Payload: map[string]any{"title": "hello"},
	})
	require.NoError(t, err)
	_, err = tx.AppendEvent(ctx, "shareDoc", "", schema.InteractionArgs{
		User: schema.Record{"id": "u-alice"},
	})
	require.NoError(t, err)
	_, err = tx.AppendEvent(ctx, "approve", "inst-1", schema.InteractionArgs{
		User: schema.Record{"id": "u-bob"},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	return dbPath
}

func TestEventsMissingDatabaseFlag(t *testing.T) {
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewEventsCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestEventsNonExistentDatabase(t *testing.T) {
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewEventsCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", "/nonexistent/path/engine.db"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open database")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestEventsEmptyLog(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "engine.db")
	st, err := storage.Open(dbPath, schema.NewRegistry())
	require.NoError(t, err)
	st.Close()

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewEventsCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "No events found")
}

func TestEventsTextOutput(t *testing.T) {
	dbPath := seedEventLog(t)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewEventsCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath})

	require.NoError(t, cmd.Execute())
	out := buf.String()
	assert.Contains(t, out, "createDoc")
	assert.Contains(t, out, "user=u-alice")
	assert.Contains(t, out, "activity=inst-1")
	assert.Contains(t, out, "3 events, last sequence 3")
}

func TestEventsInteractionFilter(t *testing.T) {
	dbPath := seedEventLog(t)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewEventsCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath, "--interaction", "approve"})

	require.NoError(t, cmd.Execute())
	out := buf.String()
	assert.NotContains(t, out, "createDoc")
	assert.Contains(t, out, "approve")
	assert.Contains(t, out, "1 events")
}

func TestEventsJSONOutput(t *testing.T) {
	dbPath := seedEventLog(t)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewEventsCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath, "--limit", "2"})

	require.NoError(t, cmd.Execute())

	var resp Response
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var result EventsResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, int64(3), result.LastSeq)
	assert.Equal(t, "createDoc", result.Events[0].Interaction)
	assert.Equal(t, map[string]any{"title": "hello"}, result.Events[0].Payload)
}
