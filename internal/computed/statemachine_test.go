package computed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reverb-engine/reverb/internal/match"
	"github.com/reverb-engine/reverb/internal/schema"
	"github.com/reverb-engine/reverb/internal/storage"
)

// reviewMachineSchema: a "review" relation between User and Request moves
// through pending -> approved | rejected, driven by interactions whose
// payload names the pair.
func reviewMachineSchema(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()

	payloadPair := schema.PairFunc(
		func(ctx context.Context, ev schema.InteractionEvent) ([]schema.IDPair, error) {
			src, _ := ev.Args.Payload["reviewer"].(string)
			tgt, _ := ev.Args.Payload["request"].(string)
			if src == "" || tgt == "" {
				return nil, nil
			}
			return []schema.IDPair{{Source: src, Target: tgt}}, nil
		})
	reg.Handlers().MustRegister("pair_from_payload", payloadPair)

	require.NoError(t, reg.AddEntity(&schema.Entity{Name: "User"}))
	require.NoError(t, reg.AddEntity(&schema.Entity{
		Name:       "Request",
		Properties: []schema.Property{{Name: "reason", Type: schema.PropString}},
	}))
	require.NoError(t, reg.AddRelation(&schema.Relation{
		Name:           "review",
		Source:         "User",
		SourceProperty: "reviews",
		Target:         "Request",
		TargetProperty: "reviewers",
		Cardinality:    schema.ManyToMany,
		Properties: []schema.Property{
			{Name: "result", Type: schema.PropString},
		},
		Computed: &StateMachine{
			States: []MachineState{
				{Name: "none", HasRelation: false},
				{Name: "pending", HasRelation: true, Fixed: schema.Record{"result": "pending"}},
				{Name: "approved", HasRelation: true, Fixed: schema.Record{"result": "approved"}},
				{Name: "rejected", HasRelation: true, Fixed: schema.Record{"result": "rejected"}},
			},
			Transfers: []MachineTransfer{
				{Name: "assign", Interaction: "assign", From: "none", To: "pending", PairHandlerID: "pair_from_payload"},
				{Name: "approve", Interaction: "approve", From: "pending", To: "approved", PairHandlerID: "pair_from_payload"},
				{Name: "reject", Interaction: "reject", From: "pending", To: "rejected", PairHandlerID: "pair_from_payload"},
				{Name: "withdraw", Interaction: "withdraw", From: "pending", To: "none", PairHandlerID: "pair_from_payload"},
			},
		},
	}))
	return reg
}

func seedPair(t *testing.T, s *storage.Store) (reviewer, request string) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx, "seed")
	require.NoError(t, err)
	u, err := tx.CreateRecord(ctx, "User", nil)
	require.NoError(t, err)
	r, err := tx.CreateRecord(ctx, "Request", schema.Record{"reason": "leave"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	return u["id"].(string), r["id"].(string)
}

func TestStateMachine_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	s, creg := bootEngine(t, reviewMachineSchema(t))
	reviewer, request := seedPair(t, s)
	pair := map[string]any{"reviewer": reviewer, "request": request}

	// none -> pending creates the instance.
	fire(t, s, creg, "assign", "", pair)
	rels, err := s.FindRelations(ctx, "review", nil, nil)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "pending", rels[0]["result"])

	// pending -> approved updates in place.
	fire(t, s, creg, "approve", "", pair)
	rels, err = s.FindRelations(ctx, "review", nil, nil)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "approved", rels[0]["result"])

	// reject's from-state no longer matches: silent no-op, state intact.
	fire(t, s, creg, "reject", "", pair)
	rels, err = s.FindRelations(ctx, "review", nil, nil)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "approved", rels[0]["result"])
}

func TestStateMachine_WithdrawDeletesInstance(t *testing.T) {
	ctx := context.Background()
	s, creg := bootEngine(t, reviewMachineSchema(t))
	reviewer, request := seedPair(t, s)
	pair := map[string]any{"reviewer": reviewer, "request": request}

	fire(t, s, creg, "assign", "", pair)
	fire(t, s, creg, "withdraw", "", pair)

	rels, err := s.FindRelations(ctx, "review", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, rels, "to-state without relation deletes the instance")

	// The pair is back in the implicit initial state and can be assigned
	// again.
	fire(t, s, creg, "assign", "", pair)
	rels, err = s.FindRelations(ctx, "review", nil, nil)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "pending", rels[0]["result"])
}

func TestStateMachine_AssignTwiceIsNoOp(t *testing.T) {
	ctx := context.Background()
	s, creg := bootEngine(t, reviewMachineSchema(t))
	reviewer, request := seedPair(t, s)
	pair := map[string]any{"reviewer": reviewer, "request": request}

	fire(t, s, creg, "assign", "", pair)
	fire(t, s, creg, "assign", "", pair)

	rels, err := s.FindRelations(ctx, "review", nil, nil)
	require.NoError(t, err)
	assert.Len(t, rels, 1, "existing instance skips the none-state transfer")
}

func TestStateMachine_FanOutPairs(t *testing.T) {
	ctx := context.Background()
	reg := reviewMachineSchema(t)
	// A second pair handler fanning one event out to several reviewers.
	reg.Handlers().MustRegister("pairs_fanout", schema.PairFunc(
		func(ctx context.Context, ev schema.InteractionEvent) ([]schema.IDPair, error) {
			reviewers, _ := ev.Args.Payload["reviewers"].([]any)
			tgt, _ := ev.Args.Payload["request"].(string)
			var pairs []schema.IDPair
			for _, r := range reviewers {
				if id, ok := r.(string); ok {
					pairs = append(pairs, schema.IDPair{Source: id, Target: tgt})
				}
			}
			return pairs, nil
		}))
	rel := reg.Relation("review")
	sm := rel.Computed.(*StateMachine)
	sm.Transfers = append(sm.Transfers, MachineTransfer{
		Name: "assign_all", Interaction: "assignAll",
		From: "none", To: "pending", PairHandlerID: "pairs_fanout",
	})

	s, creg := bootEngine(t, reg)
	r1, request := seedPair(t, s)
	tx, err := s.Begin(ctx, "seed2")
	require.NoError(t, err)
	u2, err := tx.CreateRecord(ctx, "User", nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	fire(t, s, creg, "assignAll", "", map[string]any{
		"reviewers": []any{r1, u2["id"].(string)},
		"request":   request,
	})
	rels, err := s.FindRelations(ctx, "review", match.EQ("target", request), nil)
	require.NoError(t, err)
	assert.Len(t, rels, 2, "one event fans out to one instance per pair")
}

func TestStateMachine_SetupRejectsIndistinguishableStates(t *testing.T) {
	reg := schema.NewRegistry()
	reg.Handlers().MustRegister("pair_noop", schema.PairFunc(
		func(ctx context.Context, ev schema.InteractionEvent) ([]schema.IDPair, error) {
			return nil, nil
		}))
	require.NoError(t, reg.AddEntity(&schema.Entity{Name: "A"}))
	require.NoError(t, reg.AddEntity(&schema.Entity{Name: "B"}))
	require.NoError(t, reg.AddRelation(&schema.Relation{
		Name: "edge", Source: "A", SourceProperty: "bs",
		Target: "B", TargetProperty: "as",
		Cardinality: schema.ManyToMany,
		Properties:  []schema.Property{{Name: "result", Type: schema.PropString}},
		Computed: &StateMachine{
			States: []MachineState{
				{Name: "x", HasRelation: true, Fixed: schema.Record{"result": "same"}},
				{Name: "y", HasRelation: true, Fixed: schema.Record{"result": "same"}},
			},
			Transfers: []MachineTransfer{
				{Name: "t", Interaction: "go", From: "x", To: "y", PairHandlerID: "pair_noop"},
			},
		},
	}))

	creg := NewRegistry(reg)
	require.NoError(t, creg.AddFromSchema())
	err := creg.SetupSchema()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not distinguishable")
}

func TestStateMachine_SetupRejectsUndeclaredFixedProperty(t *testing.T) {
	reg := schema.NewRegistry()
	reg.Handlers().MustRegister("pair_noop", schema.PairFunc(
		func(ctx context.Context, ev schema.InteractionEvent) ([]schema.IDPair, error) {
			return nil, nil
		}))
	require.NoError(t, reg.AddEntity(&schema.Entity{Name: "A"}))
	require.NoError(t, reg.AddEntity(&schema.Entity{Name: "B"}))
	require.NoError(t, reg.AddRelation(&schema.Relation{
		Name: "edge", Source: "A", SourceProperty: "bs",
		Target: "B", TargetProperty: "as",
		Cardinality: schema.ManyToMany,
		Computed: &StateMachine{
			States: []MachineState{
				{Name: "none", HasRelation: false},
				{Name: "on", HasRelation: true, Fixed: schema.Record{"nosuch": true}},
			},
			Transfers: []MachineTransfer{
				{Name: "t", Interaction: "go", From: "none", To: "on", PairHandlerID: "pair_noop"},
			},
		},
	}))

	creg := NewRegistry(reg)
	require.NoError(t, creg.AddFromSchema())
	err := creg.SetupSchema()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undeclared property")
}
