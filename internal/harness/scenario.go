package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a declarative engine test: records to seed, interaction
// calls to make, and assertions on the resulting records and event log.
//
// Handlers are Go code, so the schema itself stays in Go; a scenario runs
// against a registry supplied by the caller.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario exercises.
	Description string `yaml:"description"`

	// Seed contains records to create before the flow runs. Each record
	// can carry an alias for later reference from flow steps.
	Seed []SeedRecord `yaml:"seed,omitempty"`

	// Flow contains the interaction calls, in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate records, counts and the event log after the
	// flow completes.
	Assertions []Assertion `yaml:"assertions"`
}

// SeedRecord creates one record before the flow runs.
type SeedRecord struct {
	// Entity is the entity to create the record under.
	Entity string `yaml:"entity"`

	// As registers an alias for the created record. Flow steps reference
	// it as "$alias"; the runner substitutes the stored record.
	As string `yaml:"as,omitempty"`

	// Data holds the record's properties.
	Data map[string]any `yaml:"data"`
}

// FlowStep is one step of the main flow: either an activity start or an
// interaction call.
type FlowStep struct {
	// Start names an activity to create an instance of. Mutually
	// exclusive with Call.
	Start string `yaml:"start,omitempty"`

	// As registers an alias for the created activity instance.
	As string `yaml:"as,omitempty"`

	// Call is the interaction to call.
	Call string `yaml:"call,omitempty"`

	// User is the calling user, usually a "$alias" of a seeded record.
	User string `yaml:"user,omitempty"`

	// Payload holds the call payload. String values starting with "$"
	// resolve to seeded records.
	Payload map[string]any `yaml:"payload,omitempty"`

	// Activity, Node and Instance route the call through an activity
	// instance. Instance is usually a "$alias" from a start step.
	Activity string `yaml:"activity,omitempty"`
	Node     string `yaml:"node,omitempty"`
	Instance string `yaml:"instance,omitempty"`

	// Expect specifies the expected outcome. Nil means the call must
	// succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a flow step.
type ExpectClause struct {
	// Error is the expected error code ("PERMISSION_DENIED", ...).
	// Empty means the step must succeed.
	Error string `yaml:"error,omitempty"`

	// Attributive is the expected failing attributive name, for
	// permission denials.
	Attributive string `yaml:"attributive,omitempty"`
}

// Assertion validates state after the flow. Supported types:
//   - "record_match": find records by Where, check Expect as a subset
//   - "record_count": count records matching Where
//   - "event_count": count logged events, optionally per interaction
//   - "activity_done": check an instance has run to completion
type Assertion struct {
	Type string `yaml:"type"`

	// Entity scopes record_match and record_count.
	Entity string `yaml:"entity,omitempty"`

	// Where filters records by exact property values. "$alias" values
	// resolve to the seeded record's id.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected property values, checked as a subset.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of matches (record_count, event_count).
	Count int `yaml:"count,omitempty"`

	// Interaction filters event_count to one interaction name.
	Interaction string `yaml:"interaction,omitempty"`

	// Instance is the activity instance alias (activity_done).
	Instance string `yaml:"instance,omitempty"`
}

// Assertion type constants.
const (
	AssertRecordMatch  = "record_match"
	AssertRecordCount  = "record_count"
	AssertEventCount   = "event_count"
	AssertActivityDone = "activity_done"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly instead of silently skipping a check.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse scenario yaml: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	for i, seed := range s.Seed {
		if seed.Entity == "" {
			return fmt.Errorf("seed[%d]: entity is required", i)
		}
	}
	for i, step := range s.Flow {
		switch {
		case step.Start != "" && step.Call != "":
			return fmt.Errorf("flow[%d]: start and call are mutually exclusive", i)
		case step.Start == "" && step.Call == "":
			return fmt.Errorf("flow[%d]: either start or call is required", i)
		case step.Node != "" && step.Instance == "":
			return fmt.Errorf("flow[%d]: node requires an instance", i)
		}
	}
	for i, a := range s.Assertions {
		switch a.Type {
		case AssertRecordMatch, AssertRecordCount:
			if a.Entity == "" {
				return fmt.Errorf("assertions[%d]: entity is required for %s", i, a.Type)
			}
		case AssertEventCount:
		case AssertActivityDone:
			if a.Instance == "" {
				return fmt.Errorf("assertions[%d]: instance is required for %s", i, a.Type)
			}
		default:
			return fmt.Errorf("assertions[%d]: unknown type %q", i, a.Type)
		}
	}
	return nil
}
