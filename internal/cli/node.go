package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/bizsync/internal/conflict"
	"github.com/roach88/bizsync/internal/metrics"
	"github.com/roach88/bizsync/internal/policy"
	"github.com/roach88/bizsync/internal/replica"
	"github.com/roach88/bizsync/internal/store"
)

// errNotInitialized is returned when no node id is configured and the
// database has none bound.
var errNotInitialized = errors.New("node not initialized: run `bizsync init` first")

func (o *RootOptions) openStore() (*store.Store, error) {
	cfg := o.Config
	return store.Open(cfg.Storage.Path,
		store.WithDriver(cfg.Storage.Driver),
		store.WithBusyTimeout(cfg.Storage.BusyTimeout),
		store.WithLogger(o.Logger))
}

// openNode opens the configured database as a replica. The node id comes
// from the configuration, or from the database binding when none is set.
// reg, when non-nil, receives the node's metrics.
func (o *RootOptions) openNode(ctx context.Context, reg prometheus.Registerer) (*replica.Node, error) {
	cfg := o.Config
	if _, err := os.Stat(cfg.Storage.Path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("database %s: %w", cfg.Storage.Path, errNotInitialized)
	}

	st, err := o.openStore()
	if err != nil {
		return nil, err
	}

	nodeID := cfg.Node.ID
	if nodeID == "" {
		nodeID, err = store.BoundNode(ctx, st)
		if err != nil {
			st.Close()
			return nil, err
		}
		if nodeID == "" {
			st.Close()
			return nil, errNotInitialized
		}
	}

	opts := []replica.Option{
		replica.WithLogger(o.Logger),
		replica.WithMaxSkew(cfg.Clock.MaxSkew),
		replica.WithIsolation(cfg.Isolation()),
		replica.WithCacheSize(cfg.Cache.Entities),
	}
	var m *metrics.Metrics
	if reg != nil {
		m = metrics.New(reg, nodeID)
		opts = append(opts, replica.WithMetrics(m))
	}
	if cfg.Conflict.PolicyDir != "" {
		p, err := policy.Load(cfg.Conflict.PolicyDir)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("conflict policy: %w", err)
		}
		r, err := p.Resolver(conflict.WithLogger(o.Logger), conflict.WithMetrics(m))
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("conflict policy: %w", err)
		}
		opts = append(opts, replica.WithResolver(r))
	}

	n, err := replica.Open(ctx, st, nodeID, opts...)
	if err != nil {
		st.Close()
		return nil, err
	}
	return n, nil
}
