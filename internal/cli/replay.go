package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/quill/internal/changelog"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Store    StoreFlags
	Branch   string
	PrintDoc bool
}

// ReplayReport is the result of the replay command.
type ReplayReport struct {
	Branch     string            `json:"branch"`
	HighestKey int64             `json:"highest_key"`
	Records    int               `json:"records"`
	Dropped    []int64           `json:"dropped"`
	Checkpoint *CheckpointReport `json:"checkpoint,omitempty"`
	Text       string            `json:"text,omitempty"`
}

// CheckpointReport is the verification outcome of the latest checkpoint.
type CheckpointReport struct {
	Key   int64  `json:"key"`
	Match bool   `json:"match"`
	Error string `json:"error,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild a branch document and verify its checkpoint",
		Long: `Replay the change log of a branch from key 1 and verify the latest
checkpoint against the document at its key.

Records that fail to decode or apply are reported as dropped; they leave
the document unchanged, as they do for a live replica.

Exit codes:
  0 - Replay succeeded and the checkpoint (if any) matches
  1 - Checkpoint mismatch
  2 - Command error (store unavailable, etc.)

Examples:
  quill replay --branch main
  quill replay --branch main --print-doc
  quill replay --driver bolt --db ./quill.bolt --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Branch, "branch", "main", "branch id")
	cmd.Flags().BoolVar(&opts.PrintDoc, "print-doc", false, "include the rebuilt document text")
	cmd.Flags().StringVar(&opts.Store.Driver, "driver", "", "store driver (sqlite|bolt), overrides store.driver")
	cmd.Flags().StringVar(&opts.Store.Path, "db", "", "store path, overrides store.path")

	return cmd
}

func runReplay(ctx context.Context, opts *ReplayOptions, cmd *cobra.Command) error {
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

	f.VerboseLog("Replaying %s", opts.Branch)
	res, err := changelog.Replay(ctx, branch, nil)
	if err != nil {
		return WrapExitError(ExitCommandError, "replay failed", err)
	}

	report := newReplayReport(opts.Branch, res, opts.PrintDoc)
	var failure *CLIError
	if res.Checkpoint != nil && res.Checkpoint.Err != nil {
		failure = &CLIError{
			Code:    CodeCheckpointMismatch,
			Message: fmt.Sprintf("checkpoint %d does not match the replayed document", res.Checkpoint.Key),
			Details: res.Checkpoint.Err.Error(),
		}
	}
	return f.Report(report, failure, func(w io.Writer) { writeReplayText(w, report, opts.Verbose) })
}

func newReplayReport(branch string, res changelog.ReplayResult, withText bool) ReplayReport {
	report := ReplayReport{
		Branch:     branch,
		HighestKey: res.HighestKey,
		Records:    res.Records,
		Dropped:    res.Dropped,
	}
	if report.Dropped == nil {
		report.Dropped = []int64{}
	}
	if res.Checkpoint != nil {
		report.Checkpoint = &CheckpointReport{Key: res.Checkpoint.Key, Match: res.Checkpoint.Err == nil}
		if res.Checkpoint.Err != nil {
			report.Checkpoint.Error = res.Checkpoint.Err.Error()
		}
	}
	if withText {
		report.Text = res.Text
	}
	return report
}

func writeReplayText(w io.Writer, r ReplayReport, verbose bool) {
	fmt.Fprintf(w, "Replay Summary: %s\n", r.Branch)
	fmt.Fprintf(w, "  Records: %d (highest key %d)\n", r.Records, r.HighestKey)
	if len(r.Dropped) > 0 {
		fmt.Fprintf(w, "  Dropped: %d %v\n", len(r.Dropped), r.Dropped)
	}

	switch {
	case r.Checkpoint == nil:
		fmt.Fprintln(w, "  Checkpoint: none")
	case r.Checkpoint.Match:
		fmt.Fprintf(w, "✓ Checkpoint %d matches\n", r.Checkpoint.Key)
	default:
		fmt.Fprintf(w, "✗ Checkpoint %d does not match\n", r.Checkpoint.Key)
		if verbose {
			fmt.Fprintf(w, "  %s\n", r.Checkpoint.Error)
		}
	}

	if r.Text != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, r.Text)
	}
}
