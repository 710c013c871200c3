// Package harness runs declarative engine scenarios: YAML files that seed
// records, call interactions and assert on the resulting records and event
// log. Scenarios run against a caller-supplied registry on a fresh
// in-memory database, so they are isolated and reproducible.
package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/reverb-engine/reverb/internal/controller"
	"github.com/reverb-engine/reverb/internal/schema"
)

// Result collects the outcome of a scenario run. Expectation mismatches
// accumulate as errors; a fatal problem (broken scenario, store failure)
// aborts the run instead.
type Result struct {
	Scenario string
	Steps    int
	Errors   []string
}

// Passed reports whether every expectation and assertion held.
func (r *Result) Passed() bool { return len(r.Errors) == 0 }

// AddError records one expectation mismatch.
func (r *Result) AddError(msg string) { r.Errors = append(r.Errors, msg) }

func (r *Result) String() string {
	if r.Passed() {
		return fmt.Sprintf("scenario %s: %d steps, passed", r.Scenario, r.Steps)
	}
	return fmt.Sprintf("scenario %s: %d steps, %d failures:\n  %s",
		r.Scenario, r.Steps, len(r.Errors), strings.Join(r.Errors, "\n  "))
}

// runState tracks aliases established while a scenario runs.
type runState struct {
	records   map[string]schema.Record // seed alias -> created record
	instances map[string]string        // flow alias -> activity instance id
}

// Run executes a scenario against a fresh engine built from reg. Controller
// options pass through, so tests can pin id generation.
func Run(reg *schema.Registry, scenario *Scenario, opts ...controller.Option) (*Result, error) {
	ctx := context.Background()

	c, err := controller.New(":memory:", reg, opts...)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	defer c.Close()
	if err := c.Setup(ctx); err != nil {
		return nil, fmt.Errorf("set up engine: %w", err)
	}

	state := &runState{
		records:   make(map[string]schema.Record),
		instances: make(map[string]string),
	}
	result := &Result{Scenario: scenario.Name}

	if err := executeSeed(ctx, c, scenario.Seed, state); err != nil {
		return nil, fmt.Errorf("seed records: %w", err)
	}
	if err := executeFlow(ctx, c, scenario.Flow, state, result); err != nil {
		return nil, fmt.Errorf("execute flow: %w", err)
	}
	if err := evaluateAssertions(ctx, c, scenario.Assertions, state, result); err != nil {
		return nil, fmt.Errorf("evaluate assertions: %w", err)
	}
	return result, nil
}

// executeSeed creates the seed records in one transaction. Seeding bypasses
// the interaction pipeline on purpose: it establishes preconditions, it is
// not part of the behavior under test.
func executeSeed(ctx context.Context, c *controller.Controller, seeds []SeedRecord, state *runState) error {
	if len(seeds) == 0 {
		return nil
	}
	tx, err := c.Store().Begin(ctx, "scenario-seed")
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, seed := range seeds {
		data := make(schema.Record, len(seed.Data))
		for k, v := range seed.Data {
			data[k] = v
		}
		rec, err := tx.CreateRecord(ctx, seed.Entity, data)
		if err != nil {
			return fmt.Errorf("seed[%d] %s: %w", i, seed.Entity, err)
		}
		if seed.As != "" {
			state.records[seed.As] = rec
		}
	}
	return tx.Commit(ctx)
}

func executeFlow(ctx context.Context, c *controller.Controller, flow []FlowStep, state *runState, result *Result) error {
	for i, step := range flow {
		result.Steps++
		if step.Start != "" {
			id, _, err := c.CreateActivity(ctx, step.Start)
			if err != nil {
				return fmt.Errorf("flow[%d]: start %s: %w", i, step.Start, err)
			}
			if step.As != "" {
				state.instances[step.As] = id
			}
			continue
		}

		args, err := buildArgs(step, state)
		if err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}

		var res *controller.CallResult
		if step.Instance != "" {
			instID, err := state.instance(step.Instance)
			if err != nil {
				return fmt.Errorf("flow[%d]: %w", i, err)
			}
			res = c.CallActivityInteraction(ctx, step.Activity, step.Node, instID, args)
		} else {
			res = c.CallInteraction(ctx, step.Call, args)
		}
		checkExpectation(i, step, res, result)
	}
	return nil
}

func buildArgs(step FlowStep, state *runState) (*schema.InteractionArgs, error) {
	args := &schema.InteractionArgs{}

	if step.User != "" {
		if rec, ok := state.records[strings.TrimPrefix(step.User, "$")]; ok && strings.HasPrefix(step.User, "$") {
			args.User = rec
		} else if strings.HasPrefix(step.User, "$") {
			return nil, fmt.Errorf("unknown user alias %q", step.User)
		} else {
			args.User = schema.Record{"id": step.User}
		}
	}

	if len(step.Payload) > 0 {
		args.Payload = make(map[string]any, len(step.Payload))
		for k, v := range step.Payload {
			resolved, err := state.resolve(v)
			if err != nil {
				return nil, fmt.Errorf("payload %q: %w", k, err)
			}
			args.Payload[k] = resolved
		}
	}
	return args, nil
}

// resolve substitutes "$alias" strings with the seeded record or the
// started instance's id, recursing into collections.
func (s *runState) resolve(v any) (any, error) {
	switch val := v.(type) {
	case string:
		if !strings.HasPrefix(val, "$") {
			return val, nil
		}
		name := strings.TrimPrefix(val, "$")
		if rec, ok := s.records[name]; ok {
			return map[string]any(rec), nil
		}
		if id, ok := s.instances[name]; ok {
			return id, nil
		}
		return nil, fmt.Errorf("unknown alias %q", val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := s.resolve(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveID is like resolve but substitutes the seeded record's id, for
// assertion filters.
func (s *runState) resolveID(v any) (any, error) {
	resolved, err := s.resolve(v)
	if err != nil {
		return nil, err
	}
	if rec, ok := resolved.(map[string]any); ok {
		return rec["id"], nil
	}
	return resolved, nil
}

func (s *runState) instance(ref string) (string, error) {
	id, ok := s.instances[strings.TrimPrefix(ref, "$")]
	if !ok {
		return "", fmt.Errorf("unknown instance alias %q", ref)
	}
	return id, nil
}

func checkExpectation(i int, step FlowStep, res *controller.CallResult, result *Result) {
	wantErr := ""
	if step.Expect != nil {
		wantErr = step.Expect.Error
	}

	if wantErr == "" {
		if res.Error != nil {
			result.AddError(fmt.Sprintf("flow[%d] %s: unexpected error: %v", i, step.Call, res.Error))
		}
		return
	}
	if res.Error == nil {
		result.AddError(fmt.Sprintf("flow[%d] %s: expected %s, call succeeded", i, step.Call, wantErr))
		return
	}
	if string(res.Error.Code) != wantErr {
		result.AddError(fmt.Sprintf("flow[%d] %s: expected %s, got %s", i, step.Call, wantErr, res.Error.Code))
	}
	if want := step.Expect.Attributive; want != "" && res.Error.Attributive != want {
		result.AddError(fmt.Sprintf("flow[%d] %s: expected attributive %s, got %s",
			i, step.Call, want, res.Error.Attributive))
	}
}
