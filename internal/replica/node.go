package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/roach88/bizsync/internal/conflict"
	"github.com/roach88/bizsync/internal/entity"
	"github.com/roach88/bizsync/internal/events"
	"github.com/roach88/bizsync/internal/hlc"
	"github.com/roach88/bizsync/internal/ir"
	"github.com/roach88/bizsync/internal/metrics"
	"github.com/roach88/bizsync/internal/store"
	"github.com/roach88/bizsync/internal/txn"
)

// DefaultCacheSize is the number of entities kept in the read cache.
const DefaultCacheSize = 1024

var (
	// ErrExists is returned when creating an entity whose id is taken.
	ErrExists = errors.New("entity already exists")
	// ErrInvalidRevision is returned for remote revisions that break the
	// entity header invariants.
	ErrInvalidRevision = errors.New("invalid revision")
)

// Node is one replica. Safe for concurrent use; writes are serialized by
// the transaction manager.
type Node struct {
	id       string
	store    *store.Store
	clock    *hlc.Clock
	txm      *txn.Manager
	resolver *conflict.Resolver
	emitter  *events.Emitter
	logger   *zap.Logger
	metrics  *metrics.Metrics
	iso      txn.Isolation
	newID    func() string

	cacheMu sync.Mutex
	cache   *lru.Cache[string, entity.Entity]
}

type options struct {
	logger     *zap.Logger
	metrics    *metrics.Metrics
	resolver   *conflict.Resolver
	sinks      []events.Sink
	cacheSize  int
	maxSkew    time.Duration
	wall       func() time.Time
	isolation  txn.Isolation
	ids        func() string
	validators []txn.Validator
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics sink. Nil records nothing.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithResolver replaces the default-rules resolver.
func WithResolver(r *conflict.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithSinks attaches audit sinks.
func WithSinks(sinks ...events.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// WithCacheSize sets the entity cache size.
func WithCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// WithMaxSkew sets the clock skew threshold reported to metrics.
func WithMaxSkew(d time.Duration) Option {
	return func(o *options) { o.maxSkew = d }
}

// WithWallClock replaces time.Now for the node's HLC.
func WithWallClock(now func() time.Time) Option {
	return func(o *options) { o.wall = now }
}

// WithIsolation sets the isolation level of write transactions.
func WithIsolation(iso txn.Isolation) Option {
	return func(o *options) { o.isolation = iso }
}

// WithIDs replaces the id generator for new entities and transactions.
func WithIDs(fn func() string) Option {
	return func(o *options) { o.ids = fn }
}

// WithValidator adds a pre-commit validator to every write transaction.
func WithValidator(name string, fn txn.ValidatorFunc) Option {
	return func(o *options) { o.validators = append(o.validators, txn.Validator{Name: name, Check: fn}) }
}

// Open starts a node over s. The store is bound to nodeID on first use and
// the clock resumes from the last committed timestamp.
func Open(ctx context.Context, s *store.Store, nodeID string, opts ...Option) (*Node, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("open node: empty node id")
	}
	o := options{
		logger:    zap.NewNop(),
		cacheSize: DefaultCacheSize,
		maxSkew:   hlc.DefaultMaxSkew,
		isolation: txn.Serializable,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if _, err := txn.ParseIsolation(string(o.isolation)); err != nil {
		return nil, fmt.Errorf("open node: %w", err)
	}
	logger := o.logger.With(zap.String("node_id", nodeID))

	if err := store.BindNode(ctx, s, nodeID); err != nil {
		return nil, fmt.Errorf("open node: %w", err)
	}
	seed, err := store.LoadClock(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("open node: %w", err)
	}

	clockOpts := []hlc.Option{
		hlc.WithSeed(seed),
		hlc.WithMaxSkew(o.maxSkew),
		hlc.WithSkewObserver(func(e *hlc.SkewError) {
			o.metrics.ObserveSkew(e.Skew())
			logger.Warn("clock skew exceeded",
				zap.String("remote", e.Remote.String()),
				zap.Duration("skew", e.Skew()))
		}),
	}
	if o.wall != nil {
		clockOpts = append(clockOpts, hlc.WithWallClock(o.wall))
	}
	clock := hlc.NewClock(nodeID, clockOpts...)

	resolver := o.resolver
	if resolver == nil {
		resolver, err = conflict.NewResolver(conflict.WithLogger(logger), conflict.WithMetrics(o.metrics))
		if err != nil {
			return nil, fmt.Errorf("open node: %w", err)
		}
	}

	cache, err := lru.New[string, entity.Entity](max(o.cacheSize, 1))
	if err != nil {
		return nil, fmt.Errorf("open node: %w", err)
	}

	emitter := events.NewEmitter(logger, o.metrics, o.sinks...)
	txOpts := []txn.Option{
		txn.WithLogger(logger),
		txn.WithMetrics(o.metrics),
		txn.WithEmitter(emitter),
		txn.WithJournal(journal),
		txn.WithValidator("ledger_balanced", store.LedgerBalanced),
	}
	for _, v := range o.validators {
		txOpts = append(txOpts, txn.WithValidator(v.Name, v.Check))
	}
	if o.ids != nil {
		txOpts = append(txOpts, txn.WithIDs(o.ids))
	}

	n := &Node{
		id:       nodeID,
		store:    s,
		clock:    clock,
		txm:      txn.NewManager(s.DB(), clock, txOpts...),
		resolver: resolver,
		emitter:  emitter,
		logger:   logger,
		metrics:  o.metrics,
		iso:      o.isolation,
		newID:    o.ids,
		cache:    cache,
	}
	if n.newID == nil {
		n.newID = newEntityID
	}
	logger.Info("node opened",
		zap.String("path", s.Path()),
		zap.String("clock", seed.String()))
	return n, nil
}

// journal records the transaction and the clock in the committing
// transaction, so a restart never reissues a timestamp.
func journal(ctx context.Context, q txn.Execer, rec txn.Record) error {
	if err := store.WriteJournal(ctx, q, rec); err != nil {
		return err
	}
	return store.SaveClock(ctx, q, rec.CommitTime)
}

// ID returns the node id.
func (n *Node) ID() string { return n.id }

// Clock returns the node's HLC.
func (n *Node) Clock() *hlc.Clock { return n.clock }

// Store returns the underlying store.
func (n *Node) Store() *store.Store { return n.store }

// Transactions returns the node's transaction manager. Bookkeeping posts
// ledger lines through it.
func (n *Node) Transactions() *txn.Manager { return n.txm }

// Events returns the audit emitter. Sinks may be attached at any time.
func (n *Node) Events() *events.Emitter { return n.emitter }

// Close closes the store.
func (n *Node) Close() error {
	n.logger.Info("node closed", zap.String("clock", n.clock.Last().String()))
	return n.store.Close()
}

// Get returns the current revision of an entity, tombstones included.
func (n *Node) Get(ctx context.Context, kind entity.Kind, id string) (entity.Entity, error) {
	key := string(kind) + "/" + id

	n.cacheMu.Lock()
	defer n.cacheMu.Unlock()
	if e, ok := n.cache.Get(key); ok {
		n.metrics.CacheHit(true)
		return e, nil
	}
	n.metrics.CacheHit(false)

	e, err := store.LoadEntity(ctx, n.store, kind, id)
	if err != nil {
		return entity.Entity{}, err
	}
	n.cache.Add(key, e)
	return e, nil
}

// List returns all entities of kind ordered by id.
func (n *Node) List(ctx context.Context, kind entity.Kind, includeDeleted bool) ([]entity.Entity, error) {
	return store.ListEntities(ctx, n.store, kind, includeDeleted)
}

// remember caches committed revisions. An older revision never replaces a
// newer one.
func (n *Node) remember(es ...entity.Entity) {
	n.cacheMu.Lock()
	defer n.cacheMu.Unlock()
	for _, e := range es {
		if cur, ok := n.cache.Peek(e.Key()); ok && supersedes(cur, e) {
			continue
		}
		n.cache.Add(e.Key(), e)
	}
}

// supersedes orders revisions by incarnation, then causally by version.
func supersedes(cur, e entity.Entity) bool {
	if cur.Incarnation != e.Incarnation {
		return cur.Incarnation > e.Incarnation
	}
	return cur.Version.Dominates(e.Version)
}

// run executes fn in a write transaction.
func (n *Node) run(ctx context.Context, fn func(ctx context.Context, tx *txn.Tx) error) error {
	return n.txm.Run(ctx, n.iso, fn)
}

// emit queues an audit event on tx, stamped with a fresh tick.
func (n *Node) emit(tx *txn.Tx, op events.Op, old *entity.Entity, next entity.Entity, md ir.Object) error {
	ev, err := events.New(op, old, next, n.id, n.clock.Tick())
	if err != nil {
		return err
	}
	if md != nil {
		ev = ev.WithMetadata(md)
	}
	return tx.Emit(ev)
}
