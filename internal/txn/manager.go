package txn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roach88/bizsync/internal/events"
	"github.com/roach88/bizsync/internal/hlc"
	"github.com/roach88/bizsync/internal/metrics"
)

// Clock is what the manager needs from the node's HLC.
type Clock interface {
	Tick() hlc.Timestamp
	NodeID() string
}

// ValidatorFunc is a pre-commit integrity check. It runs on the
// transaction's connection and sees its uncommitted writes. Any error fails
// the commit with an IntegrityError.
type ValidatorFunc func(ctx context.Context, tx *Tx) error

// Validator is a named ValidatorFunc.
type Validator struct {
	Name  string
	Check ValidatorFunc
}

// Compensator runs after a rollback with the aborted transaction's record,
// for side effects outside the engine. Record.Inverses lists the undo
// statements in order.
type Compensator func(ctx context.Context, rec Record) error

// JournalFunc persists the transaction record inside the transaction, just
// before the engine commit. A failure aborts the commit.
type JournalFunc func(ctx context.Context, q Execer, rec Record) error

// Manager hands out transactions against one database, one at a time.
type Manager struct {
	db    *sql.DB
	clock Clock
	sem   chan struct{}

	mu           sync.RWMutex
	validators   []Validator
	compensators []Compensator

	journal JournalFunc
	emitter *events.Emitter
	logger  *zap.Logger
	metrics *metrics.Metrics
	newID   func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithEmitter sets where events recorded on a Tx go after commit.
func WithEmitter(e *events.Emitter) Option {
	return func(m *Manager) { m.emitter = e }
}

// WithJournal installs the transaction journal writer.
func WithJournal(fn JournalFunc) Option {
	return func(m *Manager) { m.journal = fn }
}

// WithValidator registers a pre-commit validator.
func WithValidator(name string, fn ValidatorFunc) Option {
	return func(m *Manager) { m.validators = append(m.validators, Validator{Name: name, Check: fn}) }
}

// WithCompensator registers a post-rollback compensator.
func WithCompensator(fn Compensator) Option {
	return func(m *Manager) { m.compensators = append(m.compensators, fn) }
}

// WithIDs replaces UUIDv7 generation for transaction and operation ids.
func WithIDs(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// NewManager creates a manager over db.
func NewManager(db *sql.DB, clock Clock, opts ...Option) *Manager {
	m := &Manager{
		db:     db,
		clock:  clock,
		sem:    make(chan struct{}, 1),
		logger: zap.NewNop(),
		newID:  func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddValidator registers a validator after construction. The bookkeeping
// layer uses this to install its balance check.
func (m *Manager) AddValidator(name string, fn ValidatorFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators = append(m.validators, Validator{Name: name, Check: fn})
}

// AddCompensator registers a compensator after construction.
func (m *Manager) AddCompensator(fn Compensator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compensators = append(m.compensators, fn)
}

// Begin opens a transaction. It blocks while another transaction is Active
// and returns ctx.Err() if ctx ends first. Transactions do not nest: use
// savepoints inside one transaction instead.
func (m *Manager) Begin(ctx context.Context, iso Isolation) (*Tx, error) {
	if _, err := ParseIsolation(string(iso)); err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("begin: %w", ctx.Err())
	}

	tx, err := m.open(ctx, iso)
	if err != nil {
		<-m.sem
		return nil, err
	}
	return tx, nil
}

func (m *Manager) open(ctx context.Context, iso Isolation) (*Tx, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: acquire connection: %w", err)
	}
	readUncommitted, begin := iso.engineMode()
	pragma := "PRAGMA read_uncommitted = 0"
	if readUncommitted {
		pragma = "PRAGMA read_uncommitted = 1"
	}
	if _, err := conn.ExecContext(ctx, pragma); err != nil {
		conn.Close()
		return nil, fmt.Errorf("begin: %s: %w", pragma, err)
	}
	if _, err := conn.ExecContext(ctx, begin); err != nil {
		conn.Close()
		return nil, fmt.Errorf("begin: %s: %w", begin, err)
	}

	tx := &Tx{
		m:       m,
		conn:    conn,
		started: time.Now(),
		rec: Record{
			ID:        m.newID(),
			NodeID:    m.clock.NodeID(),
			StartTime: m.clock.Tick(),
			Isolation: iso,
			Status:    Active,
		},
	}
	m.logger.Debug("transaction begun",
		zap.String("tx_id", tx.rec.ID),
		zap.String("isolation", string(iso)))
	return tx, nil
}

// Run begins a transaction, runs fn, and commits if fn returns nil. If fn
// returns an error or panics, the transaction is rolled back and the error
// (or panic) is passed on unchanged.
func (m *Manager) Run(ctx context.Context, iso Isolation, fn func(ctx context.Context, tx *Tx) error) (err error) {
	tx, err := m.Begin(ctx, iso)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback(context.WithoutCancel(ctx))
			panic(r)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		tx.Rollback(context.WithoutCancel(ctx))
		return err
	}
	return tx.Commit(ctx)
}

func (m *Manager) snapshotHooks() ([]Validator, []Compensator) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Validator(nil), m.validators...), append([]Compensator(nil), m.compensators...)
}
