package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/reverb-engine/reverb/internal/activity"
	"github.com/reverb-engine/reverb/internal/storage"
)

// ActivityOptions holds flags for the activity command.
type ActivityOptions struct {
	*RootOptions
	Database string
	Instance string // optional - show one instance instead of listing
}

// ActivityInstanceRow is one instance in the listing.
type ActivityInstanceRow struct {
	Instance string `json:"instance"`
	Activity string `json:"activity"`
	Current  string `json:"current,omitempty"`
	Done     bool   `json:"done"`
}

// ActivityListResult holds the complete instance listing.
type ActivityListResult struct {
	Instances []ActivityInstanceRow `json:"instances"`
	Total     int                   `json:"total"`
}

// ActivityDetailResult holds one instance with its role bindings.
type ActivityDetailResult struct {
	ActivityInstanceRow
	Roles map[string]string `json:"roles,omitempty"`
}

// NewActivityCommand creates the activity command.
func NewActivityCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ActivityOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Inspect activity instances",
		Long: `Inspect activity instances and their progress.

Without --instance, lists every instance with its activity name, current
node and completion status. With --instance, also shows the user ids bound
to each role during the run.

Examples:
  reverb activity --db ./engine.db
  reverb activity --db ./engine.db --instance inst-1
  reverb activity --db ./engine.db --instance inst-1 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runActivity(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Instance, "instance", "", "show one activity instance")

	return cmd
}

func runActivity(opts *ActivityOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	st, err := openForInspection(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	p := newPrinter(opts.RootOptions, cmd)

	if opts.Instance != "" {
		return showInstance(ctx, st, opts, p, cmd)
	}
	return listInstances(ctx, st, opts, p, cmd)
}

func listInstances(ctx context.Context, st *storage.Store, opts *ActivityOptions, p *Printer, cmd *cobra.Command) error {
	ids, err := st.StateKeys(ctx, activity.ConceptInstances)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list activity instances", err)
	}

	result := ActivityListResult{Instances: make([]ActivityInstanceRow, 0, len(ids)), Total: len(ids)}
	for _, id := range ids {
		var state activity.InstanceState
		if err := st.GetState(ctx, activity.ConceptInstances, id, &state); err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to read instance %s", id), err)
		}
		result.Instances = append(result.Instances, instanceRow(id, state))
	}

	if p.JSON() {
		return p.OK(result)
	}
	out := cmd.OutOrStdout()
	if result.Total == 0 {
		fmt.Fprintln(out, "No activity instances found.")
		return nil
	}
	for _, row := range result.Instances {
		fmt.Fprintf(out, "%-36s  %-20s  %s\n", row.Instance, row.Activity, progress(row))
	}
	fmt.Fprintf(out, "\n%d activity instances\n", result.Total)
	return nil
}

func showInstance(ctx context.Context, st *storage.Store, opts *ActivityOptions, p *Printer, cmd *cobra.Command) error {
	var state activity.InstanceState
	err := st.GetState(ctx, activity.ConceptInstances, opts.Instance, &state)
	if errors.Is(err, storage.ErrNotFound) {
		return NewExitError(ExitFailure, fmt.Sprintf("unknown activity instance %q", opts.Instance))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read activity instance", err)
	}

	roles := map[string]string{}
	if err := st.GetState(ctx, activity.ConceptRoles, opts.Instance, &roles); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return WrapExitError(ExitCommandError, "failed to read role bindings", err)
	}

	result := ActivityDetailResult{
		ActivityInstanceRow: instanceRow(opts.Instance, state),
		Roles:               roles,
	}
	if p.JSON() {
		return p.OK(result)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "instance: %s\n", result.Instance)
	fmt.Fprintf(out, "activity: %s\n", result.Activity)
	fmt.Fprintf(out, "status:   %s\n", progress(result.ActivityInstanceRow))
	if len(roles) > 0 {
		names := make([]string, 0, len(roles))
		for name := range roles {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(out, "roles:")
		for _, name := range names {
			fmt.Fprintf(out, "  %s = %s\n", name, roles[name])
		}
	}
	return nil
}

func instanceRow(id string, state activity.InstanceState) ActivityInstanceRow {
	return ActivityInstanceRow{
		Instance: id,
		Activity: state.Activity,
		Current:  state.Current,
		Done:     state.Done(),
	}
}

func progress(row ActivityInstanceRow) string {
	if row.Done {
		return "done"
	}
	return "at " + row.Current
}
