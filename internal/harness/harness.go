package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/bizsync/internal/conflict"
	"github.com/roach88/bizsync/internal/entity"
	"github.com/roach88/bizsync/internal/events"
	"github.com/roach88/bizsync/internal/hlc"
	"github.com/roach88/bizsync/internal/ir"
	"github.com/roach88/bizsync/internal/policy"
	"github.com/roach88/bizsync/internal/replica"
	"github.com/roach88/bizsync/internal/store"
	"github.com/roach88/bizsync/internal/testutil"
)

// StartMillis is the wall clock reading every node starts at.
const StartMillis int64 = 1_700_000_000_000

type node struct {
	*replica.Node
	wall  *testutil.ManualClock
	audit *events.Memory
}

// Harness holds the nodes of one scenario run.
type Harness struct {
	nodes  map[string]*node
	logger *zap.Logger
}

// Option configures Run.
type Option func(*runConfig)

type runConfig struct {
	logger *zap.Logger
	dir    string
}

// WithLogger logs node activity. The default discards it.
func WithLogger(l *zap.Logger) Option {
	return func(c *runConfig) { c.logger = l }
}

// WithDir places node databases under dir instead of a temporary directory
// removed after the run.
func WithDir(dir string) Option {
	return func(c *runConfig) { c.dir = dir }
}

// Run executes a scenario and returns the result. Step failures that the
// scenario did not declare are recorded as errors; only setup problems
// (opening stores, compiling the policy) are returned as error.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.dir == "" {
		dir, err := os.MkdirTemp("", "bizsync-harness-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create scenario directory: %w", err)
		}
		defer os.RemoveAll(dir)
		cfg.dir = dir
	}

	ctx := context.Background()
	h, err := open(ctx, scenario, cfg)
	if err != nil {
		return nil, err
	}
	defer h.close()

	result := NewResult()
	for i, step := range scenario.Steps {
		err := h.execute(ctx, step, result)
		switch {
		case err != nil && !step.Fails:
			result.AddError(fmt.Sprintf("steps[%d] %s: %v", i, step.Action, err))
		case err == nil && step.Fails:
			result.AddError(fmt.Sprintf("steps[%d] %s: expected failure, got success", i, step.Action))
		}
	}

	if err := h.capture(ctx, scenario, result); err != nil {
		return nil, fmt.Errorf("failed to capture final state: %w", err)
	}
	for _, msg := range EvaluateAssertions(ctx, h, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func open(ctx context.Context, scenario *Scenario, cfg runConfig) (*Harness, error) {
	var resolver *conflict.Resolver
	if scenario.Policy != "" {
		p, err := policy.LoadString(scenario.Name+".cue", scenario.Policy)
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy: %w", err)
		}
		resolver, err = p.Resolver(conflict.WithLogger(cfg.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to build resolver: %w", err)
		}
	}

	h := &Harness{nodes: make(map[string]*node, len(scenario.Nodes)), logger: cfg.logger}
	for _, id := range scenario.Nodes {
		st, err := store.Open(filepath.Join(cfg.dir, id+".db"), store.WithLogger(cfg.logger))
		if err != nil {
			h.close()
			return nil, fmt.Errorf("failed to open store for %s: %w", id, err)
		}

		wall := testutil.NewManualClock(StartMillis)
		audit := &events.Memory{}
		opts := []replica.Option{
			replica.WithLogger(cfg.logger.With(zap.String("node", id))),
			replica.WithWallClock(wall.Now),
			replica.WithSinks(audit),
			replica.WithIDs(testutil.NewSequenceIDs(id).NewID),
		}
		if resolver != nil {
			opts = append(opts, replica.WithResolver(resolver))
		}
		n, err := replica.Open(ctx, st, id, opts...)
		if err != nil {
			st.Close()
			h.close()
			return nil, fmt.Errorf("failed to open node %s: %w", id, err)
		}
		h.nodes[id] = &node{Node: n, wall: wall, audit: audit}
	}
	return h, nil
}

func (h *Harness) close() {
	for _, n := range h.nodes {
		n.Close()
	}
}

func (h *Harness) execute(ctx context.Context, step Step, result *Result) error {
	switch step.Action {
	case StepSync:
		return h.sync(ctx, step.From, step.To, result)
	case StepAdvance:
		d, err := time.ParseDuration(step.By)
		if err != nil {
			return err
		}
		h.nodes[step.Node].wall.Advance(d)
		return nil
	}

	n := h.nodes[step.Node]
	kind, err := entity.ParseKind(step.Kind)
	if err != nil {
		return err
	}
	m, err := entity.ParseAssignments(kind, step.Assign)
	if err != nil {
		return err
	}

	switch step.Action {
	case StepCreate:
		_, err = n.Create(ctx, kind, step.ID, m)
	case StepUpdate:
		_, err = n.Update(ctx, kind, step.ID, m)
	case StepDelete:
		_, err = n.Delete(ctx, kind, step.ID)
	case StepRecreate:
		_, err = n.Recreate(ctx, kind, step.ID, m)
	case StepResolve:
		err = h.resolve(ctx, n, kind, step.ID, conflict.Choice(step.Choice))
	default:
		err = fmt.Errorf("unknown action %q", step.Action)
	}
	if err == nil {
		h.logger.Debug("step done",
			zap.String("node", step.Node),
			zap.String("action", step.Action),
			zap.String("key", string(kind)+"/"+step.ID))
	}
	return err
}

// sync ships from's full state to to. A full export is always safe:
// revisions the receiver already has come back Unchanged.
func (h *Harness) sync(ctx context.Context, from, to string, result *Result) error {
	cs, err := h.nodes[from].Export(ctx, hlc.Timestamp{})
	if err != nil {
		return err
	}
	report, err := h.nodes[to].Import(ctx, cs)
	if err != nil {
		return err
	}

	rec := SyncRecord{From: from, To: to, Applied: make([]AppliedEntry, 0, len(report.Applied))}
	for _, a := range report.Applied {
		entry := AppliedEntry{Key: string(a.Table) + "/" + a.ID, Outcome: string(a.Outcome)}
		if a.Conflict.IsConflict() {
			entry.Conflict = string(a.Conflict)
			entry.Strategy = string(a.Strategy)
		}
		rec.Applied = append(rec.Applied, entry)
	}
	result.Syncs = append(result.Syncs, rec)
	return nil
}

var errNoReview = errors.New("no pending review")

func (h *Harness) resolve(ctx context.Context, n *node, kind entity.Kind, id string, choice conflict.Choice) error {
	pending, err := n.Reviews(ctx, store.ReviewPending)
	if err != nil {
		return err
	}
	decided := 0
	for _, rv := range pending {
		if rv.Table != kind || rv.EntityID != id {
			continue
		}
		if _, err := n.ResolveReview(ctx, rv.ID, choice); err != nil {
			return err
		}
		decided++
	}
	if decided == 0 {
		return fmt.Errorf("%s/%s: %w", kind, id, errNoReview)
	}
	return nil
}

// capture records every entity on every node, including tombstones.
func (h *Harness) capture(ctx context.Context, scenario *Scenario, result *Result) error {
	for _, id := range scenario.Nodes {
		n := h.nodes[id]
		state := make(map[string]ir.Object)
		for _, kind := range entity.Kinds() {
			list, err := n.List(ctx, kind, true)
			if err != nil {
				return err
			}
			for _, e := range list {
				state[e.Key()] = replicatedState(e)
			}
		}
		result.State[id] = state
	}
	return nil
}

// replicatedState drops the timestamp header fields from a snapshot.
func replicatedState(e entity.Entity) ir.Object {
	snap := e.Snapshot()
	return ir.Object{
		"fields":      snap["fields"],
		"incarnation": snap["incarnation"],
		"is_deleted":  snap["is_deleted"],
		"version":     snap["version"],
	}
}
