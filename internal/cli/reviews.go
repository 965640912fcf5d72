package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/bizsync/internal/conflict"
	"github.com/roach88/bizsync/internal/ir"
	"github.com/roach88/bizsync/internal/store"
)

// ReviewView is the output form of a queued conflict.
type ReviewView struct {
	ID         string    `json:"id"`
	Table      string    `json:"table"`
	EntityID   string    `json:"entity_id"`
	Conflict   string    `json:"conflict"`
	Strategy   string    `json:"strategy"`
	Reason     string    `json:"reason"`
	Status     string    `json:"status"`
	Choice     string    `json:"choice,omitempty"`
	CreatedAt  string    `json:"created_at"`
	ResolvedAt string    `json:"resolved_at,omitempty"`
	Local      ir.Object `json:"local"`
	Remote     ir.Object `json:"remote"`
}

func newReviewView(rec store.ReviewRecord) ReviewView {
	v := ReviewView{
		ID:        rec.ID,
		Table:     string(rec.Table),
		EntityID:  rec.EntityID,
		Conflict:  string(rec.Kind),
		Strategy:  string(rec.Strategy),
		Reason:    rec.Reason,
		Status:    string(rec.Status),
		Choice:    string(rec.Choice),
		CreatedAt: rec.CreatedAt.String(),
		Local:     rec.Local.Snapshot(),
		Remote:    rec.Remote.Snapshot(),
	}
	if !rec.ResolvedAt.IsZero() {
		v.ResolvedAt = rec.ResolvedAt.String()
	}
	return v
}

// NewReviewsCommand creates the reviews command group.
func NewReviewsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reviews",
		Short: "Inspect and decide conflicts queued for a person",
		Long: `Conflicts matched by a manual_review or user_choice rule wait here until
someone decides them.

Examples:
  bizsync reviews list
  bizsync reviews resolve 3f2a... remote`,
	}
	cmd.AddCommand(newReviewsListCommand(rootOpts))
	cmd.AddCommand(newReviewsResolveCommand(rootOpts))
	return cmd
}

func newReviewsListCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending reviews",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			ctx := cmd.Context()

			n, err := rootOpts.openNode(ctx, nil)
			if err != nil {
				return f.Fail(ExitCommandError, CodeStore, "failed to open node", err)
			}
			defer n.Close()

			status := store.ReviewPending
			if all {
				status = ""
			}
			recs, err := n.Reviews(ctx, status)
			if err != nil {
				return f.Fail(ExitFailure, CodeStore, "list reviews", err)
			}
			views := make([]ReviewView, len(recs))
			rows := make([][]string, len(recs))
			for i, rec := range recs {
				views[i] = newReviewView(rec)
				rows[i] = []string{rec.ID, string(rec.Table) + "/" + rec.EntityID,
					string(rec.Kind), string(rec.Status), rec.Reason}
			}
			return f.Success(views, func(w io.Writer) {
				if len(recs) == 0 {
					fmt.Fprintln(w, "No reviews.")
					return
				}
				table(w, []string{"ID", "RECORD", "CONFLICT", "STATUS", "REASON"}, rows)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved reviews")
	return cmd
}

func newReviewsResolveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <review-id> <local|remote|merge>",
		Short: "Decide a pending review",
		Long: `Decide a review. The decision is written as a new revision that replicates
to the other devices on the next exchange.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			ctx := cmd.Context()

			choice, err := conflict.ParseChoice(args[1])
			if err != nil {
				return f.Fail(ExitCommandError, CodeInput, "invalid choice", err)
			}
			n, err := rootOpts.openNode(ctx, nil)
			if err != nil {
				return f.Fail(ExitCommandError, CodeStore, "failed to open node", err)
			}
			defer n.Close()

			e, err := n.ResolveReview(ctx, args[0], choice)
			if errors.Is(err, store.ErrReviewResolved) {
				return f.Fail(ExitFailure, CodeInput, "review already resolved", err)
			}
			if err != nil {
				return writeFailure(f, "resolve failed", err)
			}
			return writeEntity(f, e)
		},
	}
}
