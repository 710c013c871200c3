package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reverb-engine/reverb/internal/harness"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
}

// ValidateResult holds the validation outcome for one scenario file.
type ValidateResult struct {
	Path       string `json:"path"`
	Scenario   string `json:"scenario,omitempty"`
	Steps      int    `json:"steps"`
	Assertions int    `json:"assertions"`
	Valid      bool   `json:"valid"`
	Error      string `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <scenario.yaml>...",
		Short: "Validate scenario files",
		Long: `Parse and validate one or more scenario YAML files.

Checks the file parses, has no unknown fields, and that every step and
assertion is well formed. Exit code 1 means at least one file is invalid.

Examples:
  reverb validate scenarios/request_flow.yaml
  reverb validate scenarios/*.yaml --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, cmd, args)
		},
	}
	return cmd
}

func runValidate(opts *ValidateOptions, cmd *cobra.Command, paths []string) error {
	p := newPrinter(opts.RootOptions, cmd)

	results := make([]ValidateResult, 0, len(paths))
	invalid := 0
	for _, path := range paths {
		result := ValidateResult{Path: path}
		scenario, err := harness.LoadScenario(path)
		if err != nil {
			result.Error = err.Error()
			invalid++
		} else {
			result.Scenario = scenario.Name
			result.Steps = len(scenario.Flow)
			result.Assertions = len(scenario.Assertions)
			result.Valid = true
		}
		results = append(results, result)
	}

	if p.JSON() {
		if err := p.OK(results); err != nil {
			return err
		}
	} else {
		out := cmd.OutOrStdout()
		for _, r := range results {
			if r.Valid {
				fmt.Fprintf(out, "ok    %s (%s: %d steps, %d assertions)\n",
					r.Path, r.Scenario, r.Steps, r.Assertions)
			} else {
				fmt.Fprintf(out, "FAIL  %s: %s\n", r.Path, r.Error)
			}
		}
	}

	if invalid > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenario files invalid", invalid, len(paths)))
	}
	return nil
}
