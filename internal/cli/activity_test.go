package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reverb-engine/reverb/internal/activity"
	"github.com/reverb-engine/reverb/internal/schema"
	"github.com/reverb-engine/reverb/internal/storage"
)

// seedInstances creates a database with one running and one finished
// activity instance, the running one with role bindings.
func seedInstances(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "engine.db")

	st, err := storage.Open(dbPath, schema.NewRegistry())
	require.NoError(t, err)
	defer st.Close()

	tx, err := st.Begin(ctx, "seed")
	require.NoError(t, err)
	require.NoError(t, tx.PutState(ctx, activity.ConceptInstances, "inst-1",
		activity.InstanceState{Activity: "requestFlow", Current: "gw-route"}))
	require.NoError(t, tx.PutState(ctx, activity.ConceptInstances, "inst-2",
		activity.InstanceState{Activity: "requestFlow"}))
	require.NoError(t, tx.PutState(ctx, activity.ConceptRoles, "inst-1",
		map[string]string{"sendRequest.user": "u-alice", "to": "u-bob"}))
	require.NoError(t, tx.Commit(ctx))
	return dbPath
}

func TestActivityMissingDatabaseFlag(t *testing.T) {
	cmd := NewActivityCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestActivityListEmpty(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "engine.db")
	st, err := storage.Open(dbPath, schema.NewRegistry())
	require.NoError(t, err)
	st.Close()

	buf := &bytes.Buffer{}
	cmd := NewActivityCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "No activity instances found")
}

func TestActivityList(t *testing.T) {
	dbPath := seedInstances(t)

	buf := &bytes.Buffer{}
	cmd := NewActivityCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath})

	require.NoError(t, cmd.Execute())
	out := buf.String()
	assert.Contains(t, out, "inst-1")
	assert.Contains(t, out, "at gw-route")
	assert.Contains(t, out, "inst-2")
	assert.Contains(t, out, "done")
	assert.Contains(t, out, "2 activity instances")
}

func TestActivityShowInstance(t *testing.T) {
	dbPath := seedInstances(t)

	buf := &bytes.Buffer{}
	cmd := NewActivityCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath, "--instance", "inst-1"})

	require.NoError(t, cmd.Execute())
	out := buf.String()
	assert.Contains(t, out, "instance: inst-1")
	assert.Contains(t, out, "activity: requestFlow")
	assert.Contains(t, out, "status:   at gw-route")
	assert.Contains(t, out, "sendRequest.user = u-alice")
	assert.Contains(t, out, "to = u-bob")
}

func TestActivityShowUnknownInstance(t *testing.T) {
	dbPath := seedInstances(t)

	cmd := NewActivityCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--db", dbPath, "--instance", "ghost"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown activity instance "ghost"`)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestActivityShowInstanceJSON(t *testing.T) {
	dbPath := seedInstances(t)

	buf := &bytes.Buffer{}
	cmd := NewActivityCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath, "--instance", "inst-2"})

	require.NoError(t, cmd.Execute())

	var resp Response
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var result ActivityDetailResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, "inst-2", result.Instance)
	assert.Equal(t, "requestFlow", result.Activity)
	assert.True(t, result.Done)
	assert.Empty(t, result.Roles)
}
