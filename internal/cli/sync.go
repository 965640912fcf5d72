package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/bizsync/internal/hlc"
	"github.com/roach88/bizsync/internal/replica"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Since  string
	Output string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a change set for another device",
		Long: `Write every revision changed after --since, tombstones included, as a
change set another device can import. Without --since the whole database is
exported, which is always safe to import.

Examples:
  bizsync export -o laptop.json
  bizsync export --since 1700000000000-0-node-a -o delta.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Since, "since", "", "HLC timestamp to export after")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (default: stdout)")
	return cmd
}

func runExport(opts *ExportOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()

	var since hlc.Timestamp
	if opts.Since != "" {
		ts, err := hlc.Parse(opts.Since)
		if err != nil {
			return f.Fail(ExitCommandError, CodeInput, "invalid --since", err)
		}
		since = ts
	}

	n, err := opts.openNode(ctx, nil)
	if err != nil {
		return f.Fail(ExitCommandError, CodeStore, "failed to open node", err)
	}
	defer n.Close()

	cs, err := n.Export(ctx, since)
	if err != nil {
		return f.Fail(ExitFailure, CodeStore, "export failed", err)
	}

	// Without -o the change set itself is the output.
	if opts.Output == "" {
		if err := replica.WriteChangeSet(cmd.OutOrStdout(), cs); err != nil {
			return f.Fail(ExitFailure, CodeStore, "write change set", err)
		}
		return nil
	}

	out, err := os.Create(opts.Output)
	if err != nil {
		return f.Fail(ExitFailure, CodeStore, "create output", err)
	}
	if err := replica.WriteChangeSet(out, cs); err != nil {
		out.Close()
		return f.Fail(ExitFailure, CodeStore, "write change set", err)
	}
	if err := out.Close(); err != nil {
		return f.Fail(ExitFailure, CodeStore, "close output", err)
	}

	summary := map[string]any{
		"change_set": cs.ID,
		"node":       cs.Node,
		"until":      cs.Until,
		"revisions":  len(cs.Revisions),
		"file":       opts.Output,
	}
	return f.Success(summary, func(w io.Writer) {
		fmt.Fprintf(w, "Exported %d revision(s) to %s\n", len(cs.Revisions), opts.Output)
		if !cs.Until.IsZero() {
			fmt.Fprintf(w, "Next incremental export: --since %s\n", cs.Until)
		}
	})
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Apply a change set from another device",
		Long: `Merge a change set into the local database in one transaction. Conflicts
are resolved by the configured policy; those needing a person are queued and
listed with "bizsync reviews list". Importing the same file twice is a no-op.

Use "-" to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(rootOpts, cmd, args[0])
		},
	}
}

func runImport(opts *RootOptions, cmd *cobra.Command, path string) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()

	var in io.Reader = cmd.InOrStdin()
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return f.Fail(ExitCommandError, CodeInput, "open change set", err)
		}
		defer file.Close()
		in = file
	}
	cs, err := replica.ReadChangeSet(in)
	if err != nil {
		return f.Fail(ExitFailure, CodeInput, "invalid change set", err)
	}

	n, err := opts.openNode(ctx, nil)
	if err != nil {
		return f.Fail(ExitCommandError, CodeStore, "failed to open node", err)
	}
	defer n.Close()

	report, err := n.Import(ctx, cs)
	if err != nil {
		return writeFailure(f, "import failed", err)
	}

	return f.Success(report, func(w io.Writer) {
		fmt.Fprintf(w, "Imported change set %s from %s\n", report.ChangeSet, report.From)
		for _, o := range []replica.Outcome{replica.Inserted, replica.Replaced,
			replica.Merged, replica.Deferred, replica.Unchanged} {
			if c := report.Count(o); c > 0 {
				fmt.Fprintf(w, "  %-10s %d\n", o, c)
			}
		}
		if report.Count(replica.Deferred) > 0 {
			fmt.Fprintln(w, "Run 'bizsync reviews list' to decide deferred conflicts.")
		}
		if opts.Verbose {
			rows := make([][]string, 0, len(report.Applied))
			for _, a := range report.Applied {
				rows = append(rows, []string{string(a.Table) + "/" + a.ID, string(a.Outcome),
					string(a.Conflict), string(a.Strategy)})
			}
			table(w, []string{"RECORD", "OUTCOME", "CONFLICT", "STRATEGY"}, rows)
		}
	})
}
