package harness

import (
	"context"
	"fmt"
	"sort"

	"github.com/reverb-engine/reverb/internal/controller"
	"github.com/reverb-engine/reverb/internal/match"
	"github.com/reverb-engine/reverb/internal/schema"
	"github.com/reverb-engine/reverb/internal/storage"
)

// evaluateAssertions checks every assertion against the committed state.
// Mismatches accumulate in result; only a broken assertion or a store
// failure returns an error.
func evaluateAssertions(ctx context.Context, c *controller.Controller, assertions []Assertion, state *runState, result *Result) error {
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertRecordMatch:
			err = assertRecordMatch(ctx, c, i, a, state, result)
		case AssertRecordCount:
			err = assertRecordCount(ctx, c, i, a, state, result)
		case AssertEventCount:
			err = assertEventCount(ctx, c, i, a, result)
		case AssertActivityDone:
			err = assertActivityDone(ctx, c, i, a, state, result)
		default:
			err = fmt.Errorf("assertions[%d]: unknown type %q", i, a.Type)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func assertRecordMatch(ctx context.Context, c *controller.Controller, i int, a Assertion, state *runState, result *Result) error {
	records, err := findRecords(ctx, c, a, state)
	if err != nil {
		return fmt.Errorf("assertions[%d]: %w", i, err)
	}
	if len(records) == 0 {
		result.AddError(fmt.Sprintf("assertions[%d]: no %s record matches %v", i, a.Entity, a.Where))
		return nil
	}
	for _, rec := range records {
		for _, key := range sortedKeys(a.Expect) {
			want, err := state.resolveID(a.Expect[key])
			if err != nil {
				return fmt.Errorf("assertions[%d]: expect %q: %w", i, key, err)
			}
			if !match.Equal(rec[key], want) {
				result.AddError(fmt.Sprintf("assertions[%d]: %s record %v: %s = %v, want %v",
					i, a.Entity, rec["id"], key, rec[key], want))
			}
		}
	}
	return nil
}

func assertRecordCount(ctx context.Context, c *controller.Controller, i int, a Assertion, state *runState, result *Result) error {
	records, err := findRecords(ctx, c, a, state)
	if err != nil {
		return fmt.Errorf("assertions[%d]: %w", i, err)
	}
	if len(records) != a.Count {
		result.AddError(fmt.Sprintf("assertions[%d]: %d %s records match %v, want %d",
			i, len(records), a.Entity, a.Where, a.Count))
	}
	return nil
}

func assertEventCount(ctx context.Context, c *controller.Controller, i int, a Assertion, result *Result) error {
	events, err := c.Store().Events(ctx, storage.EventQuery{InteractionName: a.Interaction})
	if err != nil {
		return fmt.Errorf("assertions[%d]: %w", i, err)
	}
	if len(events) != a.Count {
		label := "events"
		if a.Interaction != "" {
			label = a.Interaction + " events"
		}
		result.AddError(fmt.Sprintf("assertions[%d]: %d %s logged, want %d", i, len(events), label, a.Count))
	}
	return nil
}

func assertActivityDone(ctx context.Context, c *controller.Controller, i int, a Assertion, state *runState, result *Result) error {
	id, err := state.instance(a.Instance)
	if err != nil {
		return fmt.Errorf("assertions[%d]: %w", i, err)
	}
	st, err := c.ActivityState(ctx, id)
	if err != nil {
		return fmt.Errorf("assertions[%d]: %w", i, err)
	}
	if !st.Done() {
		result.AddError(fmt.Sprintf("assertions[%d]: instance %s still at %s", i, id, st.Current))
	}
	return nil
}

func findRecords(ctx context.Context, c *controller.Controller, a Assertion, state *runState) ([]schema.Record, error) {
	expr, err := whereExpr(a.Where, state)
	if err != nil {
		return nil, err
	}
	return c.Store().FindRecords(ctx, a.Entity, expr, nil)
}

// whereExpr builds a conjunction over the filter map, in key order so the
// query text is stable. Nil means match everything.
func whereExpr(where map[string]any, state *runState) (*match.Expr, error) {
	var expr *match.Expr
	for _, key := range sortedKeys(where) {
		val, err := state.resolveID(where[key])
		if err != nil {
			return nil, fmt.Errorf("where %q: %w", key, err)
		}
		eq := match.EQ(key, val)
		if expr == nil {
			expr = eq
		} else {
			expr = expr.And(eq)
		}
	}
	return expr, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
