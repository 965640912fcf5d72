package conflict

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/bizsync/internal/entity"
	"github.com/roach88/bizsync/internal/hlc"
	"github.com/roach88/bizsync/internal/ir"
	"github.com/roach88/bizsync/internal/metrics"
)

// ErrManualReview is returned by Resolution.Err when the conflict was
// deferred to a human. It is an outcome, not a failure.
var ErrManualReview = errors.New("conflict requires manual review")

// Resolution is the outcome of resolving one pair.
type Resolution struct {
	Resolved             entity.Entity
	Kind                 Kind
	Strategy             Strategy
	Rule                 string // matched rule name, empty for non-conflicts
	Reason               string
	RequiresManualReview bool
	Review               *Review
	// Metadata describes both inputs well enough to reconstruct the
	// decision: ids, timestamps, versions and every differing field.
	Metadata ir.Object
}

// Err returns ErrManualReview for deferred resolutions, nil otherwise.
func (r Resolution) Err() error {
	if r.RequiresManualReview {
		return ErrManualReview
	}
	return nil
}

// Pair is one local/remote input to ResolveBatch.
type Pair struct {
	Local  entity.Entity
	Remote entity.Entity
}

// Resolver applies rules and strategies. Safe for concurrent use.
type Resolver struct {
	rules    []Rule
	business *xsync.MapOf[entity.Kind, []BusinessRule]
	logger   *zap.Logger
	metrics  *metrics.Metrics
	workers  int
}

// Option configures a Resolver.
type Option func(*Resolver) error

// WithRules replaces the default rule set.
func WithRules(rules ...Rule) Option {
	return func(r *Resolver) error {
		sorted, err := SortRules(rules)
		if err != nil {
			return err
		}
		r.rules = sorted
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) error {
		if l != nil {
			r.logger = l
		}
		return nil
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) error {
		r.metrics = m
		return nil
	}
}

// WithWorkers bounds ResolveBatch parallelism. Zero means GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(r *Resolver) error {
		if n < 0 {
			return fmt.Errorf("workers must be >= 0, got %d", n)
		}
		r.workers = n
		return nil
	}
}

// NewResolver builds a resolver with DefaultRules and DefaultBusinessRules
// unless overridden.
func NewResolver(opts ...Option) (*Resolver, error) {
	rules, err := SortRules(DefaultRules())
	if err != nil {
		return nil, err
	}
	r := &Resolver{
		rules:    rules,
		business: xsync.NewMapOf[entity.Kind, []BusinessRule](),
		logger:   zap.NewNop(),
	}
	for kind, rs := range DefaultBusinessRules() {
		r.business.Store(kind, rs)
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("conflict resolver: %w", err)
		}
	}
	return r, nil
}

// RegisterBusinessRule appends a business rule for table. Rules for a table
// run in registration order; each sees the previous rule's output.
func (r *Resolver) RegisterBusinessRule(table entity.Kind, rule BusinessRule) {
	r.business.Compute(table, func(old []BusinessRule, _ bool) ([]BusinessRule, bool) {
		next := make([]BusinessRule, 0, len(old)+1)
		next = append(next, old...)
		return append(next, rule), false
	})
}

// Rules returns the rules in evaluation order.
func (r *Resolver) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Match returns the first rule matching table and kind, or a synthetic
// default-merge rule.
func (r *Resolver) Match(table entity.Kind, kind Kind) Rule {
	for _, rule := range r.rules {
		if rule.Matches(table, kind) {
			return rule
		}
	}
	return Rule{Name: "builtin-merge", Strategy: Merge}
}

// Resolve classifies the pair and applies the matching strategy. It fails
// only when the inputs are not revisions of the same entity.
func (r *Resolver) Resolve(local, remote entity.Entity) (Resolution, error) {
	if local.ID != remote.ID {
		return Resolution{}, fmt.Errorf("resolve: %w: %q vs %q", entity.ErrIDMismatch, local.ID, remote.ID)
	}
	if local.Kind() != remote.Kind() {
		return Resolution{}, fmt.Errorf("resolve %s: %w", local.ID, entity.ErrKindMismatch)
	}
	table := local.Kind()
	kind := Detect(local, remote)

	if !kind.IsConflict() {
		winner, side, err := dominant(local, remote)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve %s/%s: %w", table, local.ID, err)
		}
		return Resolution{
			Resolved: winner,
			Kind:     None,
			Reason:   fmt.Sprintf("no conflict: %s revision is current", side),
			Metadata: metadata(local, remote, None, "", "", side),
		}, nil
	}

	r.metrics.Conflict(string(table), string(kind))
	rule := r.Match(table, kind)

	res, err := r.apply(rule.Strategy, table, local, remote)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve %s/%s: %w", table, local.ID, err)
	}
	res.Kind = kind
	res.Strategy = rule.Strategy
	res.Rule = rule.Name
	res.Metadata = metadata(local, remote, kind, rule.Strategy, rule.Name, res.winner)
	if res.RequiresManualReview {
		res.Review = newReview(local, remote, kind, rule.Strategy, res.Reason, res.Metadata)
	}

	r.metrics.Resolution(string(table), string(rule.Strategy), res.RequiresManualReview)
	r.logger.Debug("conflict resolved",
		zap.String("table", string(table)),
		zap.String("entity_id", local.ID),
		zap.String("kind", string(kind)),
		zap.String("strategy", string(rule.Strategy)),
		zap.String("rule", rule.Name),
		zap.Bool("manual_review", res.RequiresManualReview))
	return res.Resolution, nil
}

type applied struct {
	Resolution
	winner string
}

func (r *Resolver) apply(strategy Strategy, table entity.Kind, local, remote entity.Entity) (applied, error) {
	switch strategy {
	case Merge:
		merged, err := local.Merge(remote)
		if err != nil {
			return applied{}, err
		}
		return applied{Resolution: Resolution{Resolved: merged, Reason: "field-level CRDT merge"}, winner: "merged"}, nil

	case LastWriteWins, FirstWriteWins:
		return pickWhole(strategy, local, remote), nil

	case BusinessRules:
		merged, err := local.Merge(remote)
		if err != nil {
			return applied{}, err
		}
		rules, _ := r.business.Load(table)
		reason := ""
		for _, rule := range rules {
			next, why, ok := rule(local, remote, merged)
			if !ok {
				continue
			}
			merged = next
			if reason != "" {
				reason += "; "
			}
			reason += why
		}
		if reason == "" {
			reason = "no business rule applied; field-level CRDT merge"
		} else {
			reason += "; remaining fields merged"
		}
		return applied{Resolution: Resolution{Resolved: merged, Reason: reason}, winner: "merged"}, nil

	case ManualReview, UserChoice:
		return applied{
			Resolution: Resolution{
				Resolved:             local,
				Reason:               "deferred to manual review; local revision kept provisionally",
				RequiresManualReview: true,
			},
			winner: "local",
		}, nil
	}
	return applied{}, fmt.Errorf("unknown strategy %q", strategy)
}

// pickWhole takes one side's content wholesale. The version is merged so the
// result dominates both inputs and the pair does not conflict again.
func pickWhole(strategy Strategy, local, remote entity.Entity) applied {
	// Timestamps are totally ordered, so exactly one side is later.
	localLater := local.UpdatedAt.After(remote.UpdatedAt)
	takeLocal := localLater == (strategy == LastWriteWins)

	winner, side := remote, "remote"
	if takeLocal {
		winner, side = local, "local"
	}
	out := winner
	out.Version = local.Version.Merge(remote.Version)
	out.UpdatedAt = hlc.Max(local.UpdatedAt, remote.UpdatedAt)
	out.NodeID = out.UpdatedAt.Node

	word := "later"
	if strategy == FirstWriteWins {
		word = "earlier"
	}
	return applied{
		Resolution: Resolution{
			Resolved: out,
			Reason:   fmt.Sprintf("%s revision has the %s updated_at (%s)", side, word, winner.UpdatedAt),
		},
		winner: side,
	}
}

// ResolveBatch resolves independent pairs in parallel. Results keep input
// order. The first error cancels the batch.
func (r *Resolver) ResolveBatch(ctx context.Context, pairs []Pair) ([]Resolution, error) {
	start := time.Now()
	out := make([]Resolution, len(pairs))

	g, ctx := errgroup.WithContext(ctx)
	workers := r.workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(workers)

	for i, p := range pairs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := r.Resolve(p.Local, p.Remote)
			if err != nil {
				return fmt.Errorf("pair %d: %w", i, err)
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	r.metrics.BatchResolved(time.Since(start))
	return out, nil
}

func metadata(local, remote entity.Entity, kind Kind, strategy Strategy, rule, winner string) ir.Object {
	md := ir.Object{
		"table":     ir.String(local.Kind()),
		"entity_id": ir.String(local.ID),
		"conflict":  ir.String(kind),
		"winner":    ir.String(winner),
		"local":     header(local),
		"remote":    header(remote),
		"fields":    fieldDiff(local, remote),
	}
	if strategy != "" {
		md["strategy"] = ir.String(strategy)
	}
	if rule != "" {
		md["rule"] = ir.String(rule)
	}
	return md
}

func header(e entity.Entity) ir.Object {
	version := make(ir.Object, len(e.Version))
	for node, n := range e.Version {
		if n > 0 {
			version[node] = ir.Int(int64(n))
		}
	}
	return ir.Object{
		"node_id":     ir.String(e.NodeID),
		"updated_at":  ir.String(stamp(e.UpdatedAt)),
		"version":     version,
		"is_deleted":  ir.Bool(e.IsDeleted),
		"incarnation": ir.Int(int64(e.Incarnation)),
	}
}

// fieldDiff lists differing logical values with each side's write time.
func fieldDiff(local, remote entity.Entity) ir.Object {
	lt, rt := local.FieldTimes(), remote.FieldTimes()
	out := ir.Object{}
	for _, c := range ir.Diff(local.Values(), remote.Values()) {
		entry := ir.Object{
			"local_at":  ir.String(stamp(lt[c.Key])),
			"remote_at": ir.String(stamp(rt[c.Key])),
		}
		if c.Before != nil {
			entry["local"] = c.Before
		}
		if c.After != nil {
			entry["remote"] = c.After
		}
		out[c.Key] = entry
	}
	return out
}

func stamp(ts hlc.Timestamp) string {
	if ts.IsZero() {
		return ""
	}
	return ts.String()
}
