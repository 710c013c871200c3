package computed

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reverb-engine/reverb/internal/match"
	"github.com/reverb-engine/reverb/internal/schema"
	"github.com/reverb-engine/reverb/internal/storage"
	"github.com/reverb-engine/reverb/internal/testutil"
)

// countSchema: Team.active_members counts membership relations whose kind
// is "member" and whose target user is active.
func countSchema(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	reg.Handlers().MustRegister("active_member", schema.CountMatchFunc(
		func(relation, related schema.Record) (bool, error) {
			kind, _ := relation["kind"].(string)
			active, _ := related["active"].(bool)
			return kind == "member" && active, nil
		}))

	require.NoError(t, reg.AddEntity(&schema.Entity{
		Name: "Team",
		Properties: []schema.Property{
			{Name: "active_members", Type: schema.PropInt,
				Computed: &Count{Relation: "membership", MatchHandlerID: "active_member"}},
		},
	}))
	require.NoError(t, reg.AddEntity(&schema.Entity{
		Name: "Member",
		Properties: []schema.Property{
			{Name: "active", Type: schema.PropBool, Default: false},
		},
	}))
	require.NoError(t, reg.AddRelation(&schema.Relation{
		Name:           "membership",
		Source:         "Team",
		SourceProperty: "members",
		Target:         "Member",
		TargetProperty: "teams",
		Cardinality:    schema.ManyToMany,
		Properties: []schema.Property{
			{Name: "kind", Type: schema.PropString, Default: "member"},
		},
	}))
	return reg
}

func teamCount(t *testing.T, s *storage.Store, teamID string) int64 {
	t.Helper()
	team, err := s.FindRecords(context.Background(), "Team", match.EQ("id", teamID), nil)
	require.NoError(t, err)
	require.Len(t, team, 1)
	n, _ := team[0]["active_members"].(int64)
	return n
}

func TestCount_IncrementalAdjustments(t *testing.T) {
	ctx := context.Background()
	s, _ := bootEngine(t, countSchema(t))

	tx, err := s.Begin(ctx, "seed")
	require.NoError(t, err)
	team, err := tx.CreateRecord(ctx, "Team", nil)
	require.NoError(t, err)
	alice, err := tx.CreateRecord(ctx, "Member", schema.Record{"active": true})
	require.NoError(t, err)
	bob, err := tx.CreateRecord(ctx, "Member", schema.Record{"active": false})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	teamID := team["id"].(string)
	assert.Equal(t, int64(0), teamCount(t, s, teamID), "fresh owner starts at zero")

	// Matching relation create: +1. Non-matching: no change.
	tx, err = s.Begin(ctx, "join")
	require.NoError(t, err)
	_, err = tx.CreateRelation(ctx, "membership", teamID, alice["id"].(string), nil)
	require.NoError(t, err)
	_, err = tx.CreateRelation(ctx, "membership", teamID, bob["id"].(string), nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, int64(1), teamCount(t, s, teamID))

	// Related record flips to matching: +1.
	tx, err = s.Begin(ctx, "activate-bob")
	require.NoError(t, err)
	_, err = tx.UpdateRecords(ctx, "Member", match.EQ("id", bob["id"]), schema.Record{"active": true})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, int64(2), teamCount(t, s, teamID))

	// Relation property flips out of the predicate: -1.
	tx, err = s.Begin(ctx, "demote-alice")
	require.NoError(t, err)
	_, err = tx.UpdateRelations(ctx, "membership",
		match.And(match.EQ("source", teamID), match.EQ("target", alice["id"])),
		schema.Record{"kind": "guest"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, int64(1), teamCount(t, s, teamID))

	// Counted relation deleted: -1.
	tx, err = s.Begin(ctx, "remove-bob")
	require.NoError(t, err)
	_, err = tx.DeleteRelations(ctx, "membership", match.EQ("target", bob["id"]))
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, int64(0), teamCount(t, s, teamID))
}

func TestCount_RelatedRecordDeleteCascade(t *testing.T) {
	ctx := context.Background()
	s, _ := bootEngine(t, countSchema(t))

	tx, err := s.Begin(ctx, "seed")
	require.NoError(t, err)
	team, err := tx.CreateRecord(ctx, "Team", nil)
	require.NoError(t, err)
	alice, err := tx.CreateRecord(ctx, "Member", schema.Record{"active": true})
	require.NoError(t, err)
	_, err = tx.CreateRelation(ctx, "membership", team["id"].(string), alice["id"].(string), nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, int64(1), teamCount(t, s, team["id"].(string)))

	// Deleting the member cascades the relation away; the count handle
	// sees the relation-delete first and reads the member's pre-image from
	// the batch.
	tx, err = s.Begin(ctx, "delete-member")
	require.NoError(t, err)
	_, err = tx.DeleteRecords(ctx, "Member", match.EQ("id", alice["id"]))
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, int64(0), teamCount(t, s, team["id"].(string)))
}

// TestCount_EquivalentToFullRecount drives a random mutation sequence and
// checks after every transaction that the maintained counts equal a full
// recount from scratch.
func TestCount_EquivalentToFullRecount(t *testing.T) {
	ctx := context.Background()
	s, _ := bootEngine(t, countSchema(t))
	rng := rand.New(rand.NewSource(7))

	var teams, members []string
	type edge struct{ team, member string }
	var edges []edge

	tx, err := s.Begin(ctx, "seed")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		rec, err := tx.CreateRecord(ctx, "Team", nil)
		require.NoError(t, err)
		teams = append(teams, rec["id"].(string))
	}
	for i := 0; i < 6; i++ {
		rec, err := tx.CreateRecord(ctx, "Member", schema.Record{"active": rng.Intn(2) == 0})
		require.NoError(t, err)
		members = append(members, rec["id"].(string))
	}
	require.NoError(t, tx.Commit(ctx))

	recount := func(teamID string) int64 {
		rels, err := s.FindRelations(ctx, "membership", match.EQ("source", teamID), nil)
		require.NoError(t, err)
		var n int64
		for _, rel := range rels {
			kind, _ := rel["kind"].(string)
			if kind != "member" {
				continue
			}
			rec, err := s.FindRecords(ctx, "Member", match.EQ("id", rel["target"]), nil)
			require.NoError(t, err)
			if len(rec) == 1 {
				if active, _ := rec[0]["active"].(bool); active {
					n++
				}
			}
		}
		return n
	}

	for step := 0; step < 60; step++ {
		tx, err := s.Begin(ctx, fmt.Sprintf("step-%d", step))
		require.NoError(t, err)

		switch rng.Intn(4) {
		case 0: // link a random unlinked pair
			tm, mb := teams[rng.Intn(len(teams))], members[rng.Intn(len(members))]
			linked := false
			for _, e := range edges {
				if e.team == tm && e.member == mb {
					linked = true
				}
			}
			if !linked {
				_, err := tx.CreateRelation(ctx, "membership", tm, mb, schema.Record{
					"kind": []string{"member", "guest"}[rng.Intn(2)],
				})
				require.NoError(t, err)
				edges = append(edges, edge{tm, mb})
			}
		case 1: // flip a member's active bit
			mb := members[rng.Intn(len(members))]
			cur, err := tx.FindOneRecord(ctx, "Member", match.EQ("id", mb))
			require.NoError(t, err)
			active, _ := cur["active"].(bool)
			_, err = tx.UpdateRecords(ctx, "Member", match.EQ("id", mb), schema.Record{"active": !active})
			require.NoError(t, err)
		case 2: // flip a random edge's kind
			if len(edges) > 0 {
				e := edges[rng.Intn(len(edges))]
				_, err := tx.UpdateRelations(ctx, "membership",
					match.And(match.EQ("source", e.team), match.EQ("target", e.member)),
					schema.Record{"kind": []string{"member", "guest"}[rng.Intn(2)]})
				require.NoError(t, err)
			}
		case 3: // unlink a random edge
			if len(edges) > 0 {
				i := rng.Intn(len(edges))
				e := edges[i]
				_, err := tx.DeleteRelations(ctx, "membership",
					match.And(match.EQ("source", e.team), match.EQ("target", e.member)))
				require.NoError(t, err)
				edges = append(edges[:i], edges[i+1:]...)
			}
		}
		require.NoError(t, tx.Commit(ctx))

		for _, tm := range teams {
			require.Equal(t, recount(tm), teamCount(t, s, tm), "step %d team %s", step, tm)
		}
	}
}

// openPlainStore opens storage without wiring the mutation listener.
func openPlainStore(t *testing.T, reg *schema.Registry) *storage.Store {
	t.Helper()
	ids := testutil.NewSequentialIDs("p")
	s, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), reg, storage.WithIDFunc(ids.Next))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.CreateTables(context.Background()))
	return s
}

func TestCount_SetupInitialValueRecomputes(t *testing.T) {
	ctx := context.Background()
	reg := countSchema(t)

	// Build storage without the count listener first, so data exists with
	// stale counts.
	creg := NewRegistry(reg)
	require.NoError(t, creg.AddFromSchema())
	require.NoError(t, creg.SetupSchema())
	require.NoError(t, reg.Link())
	s := openPlainStore(t, reg)

	tx, err := s.Begin(ctx, "seed")
	require.NoError(t, err)
	team, err := tx.CreateRecord(ctx, "Team", nil)
	require.NoError(t, err)
	m, err := tx.CreateRecord(ctx, "Member", schema.Record{"active": true})
	require.NoError(t, err)
	_, err = tx.CreateRelation(ctx, "membership", team["id"].(string), m["id"].(string), nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx, err = s.Begin(ctx, "backfill")
	require.NoError(t, err)
	require.NoError(t, creg.SetupInitialValue(ctx, tx))
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, int64(1), teamCount(t, s, team["id"].(string)))
}
