package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reverb-engine/reverb/internal/schema"
	"github.com/reverb-engine/reverb/internal/storage"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	Database    string
	Interaction string // optional - filter to one interaction name
	Activity    string // optional - filter to one activity instance
	AfterSeq    int64
	Limit       int
}

// EventRow is one event in the listing.
type EventRow struct {
	Seq         int64          `json:"seq"`
	ID          string         `json:"id"`
	Interaction string         `json:"interaction"`
	ActivityID  string         `json:"activity_id,omitempty"`
	User        string         `json:"user,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// EventsResult holds the complete listing.
type EventsResult struct {
	Events  []EventRow `json:"events"`
	Total   int        `json:"total"`
	LastSeq int64      `json:"last_seq"`
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List the interaction event log",
		Long: `List interaction events in log order.

Each row shows the sequence number, interaction name, the activity instance
the call belonged to (if any) and the calling user.

Examples:
  reverb events --db ./engine.db
  reverb events --db ./engine.db --interaction sendRequest
  reverb events --db ./engine.db --activity inst-1 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Interaction, "interaction", "", "filter to one interaction name")
	cmd.Flags().StringVar(&opts.Activity, "activity", "", "filter to one activity instance id")
	cmd.Flags().Int64Var(&opts.AfterSeq, "after-seq", 0, "start after this sequence number")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum events to list (0 = all)")

	return cmd
}

func runEvents(opts *EventsOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	st, err := openForInspection(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	events, err := st.Events(ctx, storage.EventQuery{
		InteractionName: opts.Interaction,
		ActivityID:      opts.Activity,
		AfterSeq:        opts.AfterSeq,
		Limit:           opts.Limit,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}
	lastSeq, err := st.LastSeq(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read last sequence", err)
	}

	result := EventsResult{
		Events:  make([]EventRow, 0, len(events)),
		Total:   len(events),
		LastSeq: lastSeq,
	}
	for _, ev := range events {
		result.Events = append(result.Events, eventRow(ev))
	}

	p := newPrinter(opts.RootOptions, cmd)
	p.Verbosef("read %d events from %s", result.Total, opts.Database)
	if p.JSON() {
		return p.OK(result)
	}
	return outputEventsText(cmd, result, opts.Verbose)
}

func eventRow(ev schema.InteractionEvent) EventRow {
	row := EventRow{
		Seq:         ev.Seq,
		ID:          ev.ID,
		Interaction: ev.InteractionName,
		ActivityID:  ev.ActivityID,
		Payload:     ev.Args.Payload,
	}
	if id, ok := ev.Args.User["id"].(string); ok {
		row.User = id
	}
	return row
}

func outputEventsText(cmd *cobra.Command, result EventsResult, verbose bool) error {
	out := cmd.OutOrStdout()
	if result.Total == 0 {
		fmt.Fprintln(out, "No events found.")
		return nil
	}
	for _, row := range result.Events {
		fmt.Fprintf(out, "%6d  %-24s", row.Seq, row.Interaction)
		if row.User != "" {
			fmt.Fprintf(out, "  user=%s", row.User)
		}
		if row.ActivityID != "" {
			fmt.Fprintf(out, "  activity=%s", row.ActivityID)
		}
		fmt.Fprintln(out)
		if verbose && len(row.Payload) > 0 {
			fmt.Fprintf(out, "        payload: %v\n", row.Payload)
		}
	}
	fmt.Fprintf(out, "\n%d events, last sequence %d\n", result.Total, result.LastSeq)
	return nil
}

// openForInspection opens the database without an application schema. The
// engine tables are enough for the read paths the CLI uses.
func openForInspection(path string) (*storage.Store, error) {
	return storage.Open(path, schema.NewRegistry())
}
