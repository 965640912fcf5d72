package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/bizsync/internal/entity"
	"github.com/roach88/bizsync/internal/ir"
	"github.com/roach88/bizsync/internal/replica"
	"github.com/roach88/bizsync/internal/store"
	"github.com/roach88/bizsync/internal/txn"
)

// PutOptions holds flags for the put command.
type PutOptions struct {
	*RootOptions
	Recreate bool
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "put <kind> <id> [field=value ...]",
		Short: "Create or update a record",
		Long: `Create a record, or apply changes to an existing one, in one transaction.

Kinds: customer, invoice, transaction, tax_rate.

Assignments:
  field=value     set a register field
  counter+=n      add to a counter (counter-=n subtracts)
  set+=elem       add an element to a set field (set-=elem removes)

A deleted record is only brought back with --recreate, which starts a fresh
incarnation that wins over the tombstone on every device.

Examples:
  bizsync put customer c-1 name="Acme Ltd" email=ops@acme.test tags+=wholesale
  bizsync put invoice inv-7 customer_id=c-1 total_cents=125000 status=sent
  bizsync put invoice inv-7 amount_paid_cents+=50000
  bizsync put customer c-1 --recreate name="Acme Ltd"`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPut(opts, cmd, args)
		},
	}

	cmd.Flags().BoolVar(&opts.Recreate, "recreate", false, "bring back a deleted record")
	return cmd
}

func runPut(opts *PutOptions, cmd *cobra.Command, args []string) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()

	kind, err := entity.ParseKind(args[0])
	if err != nil {
		return f.Fail(ExitCommandError, CodeInput, "invalid kind", err)
	}
	m, err := entity.ParseAssignments(kind, args[2:])
	if err != nil {
		return f.Fail(ExitCommandError, CodeInput, "invalid assignment", err)
	}

	n, err := opts.openNode(ctx, nil)
	if err != nil {
		return f.Fail(ExitCommandError, CodeStore, "failed to open node", err)
	}
	defer n.Close()

	id := args[1]
	var e entity.Entity
	switch {
	case opts.Recreate:
		e, err = n.Recreate(ctx, kind, id, m)
	default:
		e, err = n.Update(ctx, kind, id, m)
		if errors.Is(err, store.ErrNotFound) {
			e, err = n.Create(ctx, kind, id, m)
		}
	}
	if err != nil {
		return writeFailure(f, "write rejected", err)
	}
	return writeEntity(f, e)
}

// GetOptions holds flags for the get command.
type GetOptions struct {
	*RootOptions
	All bool
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get <kind> [id]",
		Short: "Show one record, or list records of a kind",
		Example: `  bizsync get customer c-1
  bizsync get invoices --all --format json`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(opts, cmd, args)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "include deleted records when listing")
	return cmd
}

func runGet(opts *GetOptions, cmd *cobra.Command, args []string) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()

	kind, err := entity.ParseKind(args[0])
	if err != nil {
		return f.Fail(ExitCommandError, CodeInput, "invalid kind", err)
	}
	n, err := opts.openNode(ctx, nil)
	if err != nil {
		return f.Fail(ExitCommandError, CodeStore, "failed to open node", err)
	}
	defer n.Close()

	if len(args) == 2 {
		e, err := n.Get(ctx, kind, args[1])
		if err != nil {
			return writeFailure(f, "lookup failed", err)
		}
		return writeEntity(f, e)
	}

	list, err := n.List(ctx, kind, opts.All)
	if err != nil {
		return f.Fail(ExitFailure, CodeStore, "list failed", err)
	}
	snaps := make([]ir.Object, len(list))
	rows := make([][]string, len(list))
	for i, e := range list {
		snaps[i] = e.Snapshot()
		state := "live"
		if e.IsDeleted {
			state = "deleted"
		}
		rows[i] = []string{e.ID, state, e.UpdatedAt.String(), e.Version.String()}
	}
	return f.Success(snaps, func(w io.Writer) {
		if len(list) == 0 {
			fmt.Fprintf(w, "No %s.\n", kind)
			return
		}
		table(w, []string{"ID", "STATE", "UPDATED", "VERSION"}, rows)
	})
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kind> <id>",
		Short: "Delete a record",
		Long: `Mark a record deleted. The tombstone replicates to other devices and wins
over concurrent edits there. Deleting an already deleted record is a no-op.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			ctx := cmd.Context()

			kind, err := entity.ParseKind(args[0])
			if err != nil {
				return f.Fail(ExitCommandError, CodeInput, "invalid kind", err)
			}
			n, err := rootOpts.openNode(ctx, nil)
			if err != nil {
				return f.Fail(ExitCommandError, CodeStore, "failed to open node", err)
			}
			defer n.Close()

			e, err := n.Delete(ctx, kind, args[1])
			if err != nil {
				return writeFailure(f, "delete failed", err)
			}
			return writeEntity(f, e)
		},
	}
}

func writeEntity(f *OutputFormatter, e entity.Entity) error {
	return f.Success(e.Snapshot(), func(w io.Writer) {
		state := "live"
		if e.IsDeleted {
			state = "deleted"
		}
		fmt.Fprintf(w, "%s (%s)\n", e.Key(), state)
		fmt.Fprintf(w, "  node:    %s\n", e.NodeID)
		fmt.Fprintf(w, "  updated: %s\n", e.UpdatedAt)
		fmt.Fprintf(w, "  version: %s\n", e.Version)
		if e.Incarnation > 0 {
			fmt.Fprintf(w, "  incarnation: %d\n", e.Incarnation)
		}
		values := e.Values()
		for _, name := range entity.FieldNames(e.Kind()) {
			fmt.Fprintf(w, "  %-20s %s\n", name, render(values[name]))
		}
	})
}

// writeFailure maps domain errors onto error codes and exit codes.
func writeFailure(f *OutputFormatter, message string, err error) error {
	var integrity *txn.IntegrityError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return f.Fail(ExitFailure, CodeNotFound, message, err)
	case errors.As(err, &integrity):
		return f.Fail(ExitFailure, CodeIntegrity, message, err)
	case errors.Is(err, replica.ErrExists),
		errors.Is(err, entity.ErrDeleted),
		errors.Is(err, entity.ErrInvalidValue),
		errors.Is(err, entity.ErrUnknownField):
		return f.Fail(ExitFailure, CodeInput, message, err)
	}
	return f.Fail(ExitFailure, CodeStore, message, err)
}

func render(v ir.Value) string {
	if v == nil {
		return ""
	}
	data, err := ir.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
