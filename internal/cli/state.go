package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reverb-engine/reverb/internal/storage"
)

// StateOptions holds flags for the state command.
type StateOptions struct {
	*RootOptions
	Database string
	Concept  string
	Key      string // optional - show one entry instead of listing keys
}

// StateKeysResult lists the keys stored under a concept.
type StateKeysResult struct {
	Concept string   `json:"concept"`
	Keys    []string `json:"keys"`
	Total   int      `json:"total"`
}

// StateEntryResult holds one decoded state entry.
type StateEntryResult struct {
	Concept string `json:"concept"`
	Key     string `json:"key"`
	Value   any    `json:"value"`
}

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect engine bookkeeping state",
		Long: `Inspect the engine's key/value bookkeeping space.

Without --key, lists the keys stored under a concept. With --key, decodes
and prints that entry's value.

Examples:
  reverb state --db ./engine.db --concept activity
  reverb state --db ./engine.db --concept activity_roles --key inst-1
  reverb state --db ./engine.db --concept activity --key inst-1 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runState(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Concept, "concept", "", "state concept to inspect (required)")
	_ = cmd.MarkFlagRequired("concept")
	cmd.Flags().StringVar(&opts.Key, "key", "", "show the entry stored under this key")

	return cmd
}

func runState(opts *StateOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	st, err := openForInspection(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	p := newPrinter(opts.RootOptions, cmd)

	if opts.Key == "" {
		keys, err := st.StateKeys(ctx, opts.Concept)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list state keys", err)
		}
		result := StateKeysResult{Concept: opts.Concept, Keys: keys, Total: len(keys)}
		if p.JSON() {
			return p.OK(result)
		}
		out := cmd.OutOrStdout()
		if result.Total == 0 {
			fmt.Fprintf(out, "No state under concept %q.\n", opts.Concept)
			return nil
		}
		for _, k := range keys {
			fmt.Fprintln(out, k)
		}
		fmt.Fprintf(out, "\n%d keys under concept %q\n", result.Total, opts.Concept)
		return nil
	}

	var value any
	err = st.GetState(ctx, opts.Concept, opts.Key, &value)
	if errors.Is(err, storage.ErrNotFound) {
		return NewExitError(ExitFailure, fmt.Sprintf("no state entry %s/%s", opts.Concept, opts.Key))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read state entry", err)
	}

	result := StateEntryResult{Concept: opts.Concept, Key: opts.Key, Value: value}
	if p.JSON() {
		return p.OK(result)
	}
	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to render state entry", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s:\n%s\n", opts.Concept, opts.Key, raw)
	return nil
}
