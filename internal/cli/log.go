package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/quill/internal/changelog"
)

// LogOptions holds flags for the log dump command.
type LogOptions struct {
	*RootOptions
	Store    StoreFlags
	Branch   string
	From     int64
	ClientID string
}

// LogEntry is one change record in dump output.
type LogEntry struct {
	Key       int64  `json:"key"`
	ID        string `json:"id"`
	ClientID  string `json:"client_id"`
	Steps     int    `json:"steps"`
	Timestamp int64  `json:"timestamp"`
}

// LogDump is the result of the log dump command.
type LogDump struct {
	Branch  string     `json:"branch"`
	Records []LogEntry `json:"records"`
}

// NewLogCommand creates the log command group.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect a branch change log",
	}
	cmd.AddCommand(newLogDumpCommand(rootOpts))
	return cmd
}

func newLogDumpCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the change records of a branch",
		Long: `Print the committed change records of a branch in key order.

Examples:
  quill log dump --branch main
  quill log dump --branch main --from 100 --client c-alice
  quill log dump --driver bolt --db ./quill.bolt --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogDump(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Branch, "branch", "main", "branch id")
	cmd.Flags().Int64Var(&opts.From, "from", 1, "first key to print")
	cmd.Flags().StringVar(&opts.ClientID, "client", "", "only records written by this client")
	cmd.Flags().StringVar(&opts.Store.Driver, "driver", "", "store driver (sqlite|bolt), overrides store.driver")
	cmd.Flags().StringVar(&opts.Store.Path, "db", "", "store path, overrides store.path")

	return cmd
}

func runLogDump(ctx context.Context, opts *LogOptions, cmd *cobra.Command) error {
	if opts.From < 1 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--from must be at least 1, got %d", opts.From))
	}
	f := newFormatter(cmd, opts.RootOptions)

	backend, err := openBackend(opts.Store.resolve(opts.Config.Store))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer backend.Close()

	branch, err := backend.Branch(opts.Branch)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("failed to open branch %s", opts.Branch), err)
	}
	records, err := readRecords(ctx, branch, opts.From, opts.ClientID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read change log", err)
	}
	f.VerboseLog("Read %d record(s) from %s", len(records), opts.Branch)

	dump := LogDump{Branch: opts.Branch, Records: logEntries(records)}
	return f.Report(dump, nil, func(w io.Writer) { writeLogText(w, dump) })
}

func logEntries(records []changelog.KeyedRecord) []LogEntry {
	entries := make([]LogEntry, len(records))
	for i, kr := range records {
		entries[i] = LogEntry{
			Key:       kr.Key,
			ID:        kr.Record.ID,
			ClientID:  kr.Record.ClientID,
			Steps:     len(kr.Record.Steps),
			Timestamp: kr.Record.Timestamp,
		}
	}
	return entries
}

func writeLogText(w io.Writer, dump LogDump) {
	if len(dump.Records) == 0 {
		fmt.Fprintf(w, "No records on branch %s.\n", dump.Branch)
		return
	}
	for _, e := range dump.Records {
		ts := time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339Nano)
		fmt.Fprintf(w, "%6d  %-24s %3d step(s)  %s\n", e.Key, e.ClientID, e.Steps, ts)
	}
}
