package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/bizsync/internal/entity"
	"github.com/roach88/bizsync/internal/store"
)

// HealthResult is the output of the health command.
type HealthResult struct {
	Healthy        bool                         `json:"healthy"`
	Node           string                       `json:"node,omitempty"`
	Database       store.HealthReport           `json:"database"`
	Entities       map[entity.Kind]store.Counts `json:"entities"`
	PendingReviews int64                        `json:"pending_reviews"`
}

// NewHealthCommand creates the health command.
func NewHealthCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the local database",
		Long: `Probe the database: latency, size, fragmentation and a quick integrity
check, plus record and review counts. Exits 1 when any warning or critical
alert is raised.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)

			res, err := rootOpts.health(cmd.Context())
			if err != nil {
				return f.Fail(ExitFailure, CodeStore, "health check failed", err)
			}
			if err := f.Success(res, func(w io.Writer) { writeHealth(w, res) }); err != nil {
				return err
			}
			if !res.Healthy {
				e := NewExitError(ExitFailure, "database unhealthy")
				e.reported = true
				return e
			}
			return nil
		},
	}
}

func (o *RootOptions) health(ctx context.Context) (HealthResult, error) {
	st, err := o.openStore()
	if err != nil {
		return HealthResult{}, err
	}
	defer st.Close()
	return probe(ctx, st)
}

func probe(ctx context.Context, st *store.Store) (HealthResult, error) {
	report, err := st.Health(ctx, store.DefaultThresholds())
	if err != nil {
		return HealthResult{}, err
	}
	node, err := store.BoundNode(ctx, st)
	if err != nil {
		return HealthResult{}, err
	}
	counts, err := store.CountEntities(ctx, st)
	if err != nil {
		return HealthResult{}, err
	}
	pending, err := store.CountPendingReviews(ctx, st)
	if err != nil {
		return HealthResult{}, err
	}
	return HealthResult{
		Healthy:        report.Healthy(),
		Node:           node,
		Database:       report,
		Entities:       counts,
		PendingReviews: pending,
	}, nil
}

func writeHealth(w io.Writer, res HealthResult) {
	status := "healthy"
	if !res.Healthy {
		status = "UNHEALTHY"
	}
	db := res.Database
	fmt.Fprintf(w, "Database %s: %s\n", db.Path, status)
	if res.Node != "" {
		fmt.Fprintf(w, "  node:          %s\n", res.Node)
	}
	fmt.Fprintf(w, "  size:          %d bytes (wal %d)\n", db.SizeBytes, db.WALBytes)
	fmt.Fprintf(w, "  fragmentation: %.2f%%\n", db.Fragmentation)
	fmt.Fprintf(w, "  integrity:     %s\n", db.Integrity)
	fmt.Fprintf(w, "  latency:       %s\n", db.Latency)
	fmt.Fprintf(w, "  reviews:       %d pending\n", res.PendingReviews)

	rows := make([][]string, 0, len(entity.Kinds()))
	for _, k := range entity.Kinds() {
		c := res.Entities[k]
		rows = append(rows, []string{string(k), fmt.Sprint(c.Live), fmt.Sprint(c.Deleted)})
	}
	table(w, []string{"TABLE", "LIVE", "DELETED"}, rows)

	for _, a := range db.Alerts {
		fmt.Fprintf(w, "[%s] %s\n", a.Level, a.Message)
	}
}
