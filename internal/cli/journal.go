package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/bizsync/internal/store"
	"github.com/roach88/bizsync/internal/txn"
)

// JournalView is the output form of a committed transaction.
type JournalView struct {
	Seq        int64           `json:"seq"`
	ID         string          `json:"id"`
	NodeID     string          `json:"node_id"`
	StartTime  string          `json:"start_time"`
	CommitTime string          `json:"commit_time"`
	Isolation  string          `json:"isolation"`
	OpCount    int             `json:"op_count"`
	Operations []txn.Operation `json:"operations,omitempty"`
}

// NewJournalCommand creates the journal command.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show committed transactions, newest first",
		Long: `Show the transaction journal. Each entry lists the operations a
transaction applied; --verbose (or --format json) includes them in full.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			ctx := cmd.Context()

			st, err := rootOpts.openStore()
			if err != nil {
				return f.Fail(ExitCommandError, CodeStore, "failed to open store", err)
			}
			defer st.Close()

			entries, err := store.ListJournal(ctx, st, limit)
			if err != nil {
				return f.Fail(ExitFailure, CodeStore, "read journal", err)
			}
			views := make([]JournalView, len(entries))
			rows := make([][]string, len(entries))
			for i, e := range entries {
				views[i] = JournalView{
					Seq:        e.Seq,
					ID:         e.ID,
					NodeID:     e.NodeID,
					StartTime:  e.StartTime.String(),
					CommitTime: e.CommitTime.String(),
					Isolation:  string(e.Isolation),
					OpCount:    e.OpCount,
					Operations: e.Operations,
				}
				rows[i] = []string{strconv.FormatInt(e.Seq, 10), e.ID, e.CommitTime.String(),
					string(e.Isolation), strconv.Itoa(e.OpCount)}
			}
			return f.Success(views, func(w io.Writer) {
				if len(entries) == 0 {
					fmt.Fprintln(w, "Journal is empty.")
					return
				}
				table(w, []string{"SEQ", "ID", "COMMITTED", "ISOLATION", "OPS"}, rows)
				if !rootOpts.Verbose {
					return
				}
				for _, e := range entries {
					fmt.Fprintf(w, "\n%s\n", e.ID)
					for _, op := range e.Operations {
						fmt.Fprintf(w, "  %-7s %s %s\n", op.Kind, op.Table, op.Where)
					}
				}
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries (0 for all)")
	return cmd
}
