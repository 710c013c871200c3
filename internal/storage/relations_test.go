package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reverb-engine/reverb/internal/match"
	"github.com/reverb-engine/reverb/internal/schema"
)

// cardinalityRegistry declares one relation per cardinality between the same
// two entities, each backing a distinct attribute pair.
func cardinalityRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.AddEntity(&schema.Entity{Name: "A"}))
	require.NoError(t, reg.AddEntity(&schema.Entity{Name: "B"}))
	for _, rel := range []*schema.Relation{
		{Name: "one_one", Source: "A", SourceProperty: "oo", Target: "B", TargetProperty: "oo_of", Cardinality: schema.OneToOne},
		{Name: "one_many", Source: "A", SourceProperty: "om", Target: "B", TargetProperty: "om_of", Cardinality: schema.OneToMany},
		{Name: "many_one", Source: "A", SourceProperty: "mo", Target: "B", TargetProperty: "mo_of", Cardinality: schema.ManyToOne},
		{Name: "many_many", Source: "A", SourceProperty: "mm", Target: "B", TargetProperty: "mm_of", Cardinality: schema.ManyToMany},
	} {
		require.NoError(t, reg.AddRelation(rel))
	}
	return reg
}

func seedEndpoints(t *testing.T, s *Store, n int) (as, bs []string) {
	t.Helper()
	ctx := context.Background()
	tx := begin(t, s, "seed")
	for i := 0; i < n; i++ {
		a, err := tx.CreateRecord(ctx, "A", nil)
		require.NoError(t, err)
		b, err := tx.CreateRecord(ctx, "B", nil)
		require.NoError(t, err)
		as = append(as, a["id"].(string))
		bs = append(bs, b["id"].(string))
	}
	require.NoError(t, tx.Commit(ctx))
	return as, bs
}

func TestCreateRelation_CardinalityEnforcement(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, cardinalityRegistry(t))
	as, bs := seedEndpoints(t, s, 3)

	tx := begin(t, s, "rel")

	// 1:1 rejects a second edge on either endpoint.
	_, err := tx.CreateRelation(ctx, "one_one", as[0], bs[0], nil)
	require.NoError(t, err)
	_, err = tx.CreateRelation(ctx, "one_one", as[0], bs[1], nil)
	assert.Error(t, err, "source reuse violates 1:1")
	_, err = tx.CreateRelation(ctx, "one_one", as[1], bs[0], nil)
	assert.Error(t, err, "target reuse violates 1:1")

	// 1:n: one source fans out to many targets, each target has one source.
	_, err = tx.CreateRelation(ctx, "one_many", as[0], bs[0], nil)
	require.NoError(t, err)
	_, err = tx.CreateRelation(ctx, "one_many", as[0], bs[1], nil)
	require.NoError(t, err)
	_, err = tx.CreateRelation(ctx, "one_many", as[1], bs[0], nil)
	assert.Error(t, err, "target reuse violates 1:n")

	// n:1: many sources share one target, each source has one target.
	_, err = tx.CreateRelation(ctx, "many_one", as[0], bs[0], nil)
	require.NoError(t, err)
	_, err = tx.CreateRelation(ctx, "many_one", as[1], bs[0], nil)
	require.NoError(t, err)
	_, err = tx.CreateRelation(ctx, "many_one", as[0], bs[1], nil)
	assert.Error(t, err, "source reuse violates n:1")

	// n:n allows everything except a duplicate pair.
	_, err = tx.CreateRelation(ctx, "many_many", as[0], bs[0], nil)
	require.NoError(t, err)
	_, err = tx.CreateRelation(ctx, "many_many", as[0], bs[1], nil)
	require.NoError(t, err)
	_, err = tx.CreateRelation(ctx, "many_many", as[1], bs[0], nil)
	require.NoError(t, err)
	_, err = tx.CreateRelation(ctx, "many_many", as[0], bs[0], nil)
	assert.Error(t, err, "duplicate pair")
}

func TestRelationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, testRegistry(t))
	tx := begin(t, s, "seed")

	req, err := tx.CreateRecord(ctx, "Request", schema.Record{"reason": "leave"})
	require.NoError(t, err)
	sup, err := tx.CreateRecord(ctx, "User", schema.Record{"name": "carol"})
	require.NoError(t, err)

	rel, err := tx.CreateRelation(ctx, "supervision", req["id"].(string), sup["id"].(string), nil)
	require.NoError(t, err)
	assert.Equal(t, "pending", rel["result"], "relation property default applies")
	assert.Equal(t, req["id"], rel["source"])
	assert.Equal(t, sup["id"], rel["target"])
	tx.TakeMutationEvents()

	updated, err := tx.UpdateRelations(ctx, "supervision", match.EQ("target", sup["id"]), schema.Record{"result": "approved"})
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Equal(t, "approved", updated[0]["result"])

	events := tx.TakeMutationEvents()
	require.Len(t, events, 1)
	assert.Equal(t, schema.MutationUpdate, events[0].Type)
	assert.Equal(t, []string{"result"}, events[0].Keys)
	assert.Equal(t, "pending", events[0].OldRecord["result"])

	_, err = tx.UpdateRelations(ctx, "supervision", nil, schema.Record{"source": "x"})
	require.Error(t, err, "endpoints are immutable")

	n, err := tx.DeleteRelations(ctx, "supervision", match.EQ("source", req["id"]))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events = tx.TakeMutationEvents()
	require.Len(t, events, 1)
	assert.Equal(t, schema.MutationDelete, events[0].Type)
	assert.Equal(t, "approved", events[0].OldRecord["result"], "delete event carries the pre-image")
	require.NoError(t, tx.Commit(ctx))
}

func TestFindOneRelation_NotFound(t *testing.T) {
	s := newTestStore(t, testRegistry(t))
	tx := begin(t, s, "find")
	_, err := tx.FindOneRelation(context.Background(), "supervision", nil)
	require.ErrorIs(t, err, ErrNotFound)
}
