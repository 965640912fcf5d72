package txn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/bizsync/internal/events"
	"github.com/roach88/bizsync/internal/hlc"
)

// Execer is the write half of a connection. JournalFunc receives the raw
// connection so the journal row is not itself logged as an operation.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Tx is one Active-or-finished transaction. A Tx must be driven by one
// goroutine at a time; Status and Record may be read from anywhere.
type Tx struct {
	m       *Manager
	conn    *sql.Conn
	started time.Time

	mu         sync.Mutex
	rec        Record
	savepoints []savepoint
	pending    []events.Event
}

type savepoint struct {
	name   string
	ops    int
	events int
}

// ID returns the transaction id.
func (tx *Tx) ID() string { return tx.rec.ID }

// Isolation returns the requested isolation level.
func (tx *Tx) Isolation() Isolation { return tx.rec.Isolation }

// StartTime returns the HLC taken at Begin.
func (tx *Tx) StartTime() hlc.Timestamp { return tx.rec.StartTime }

// Status returns the current lifecycle state.
func (tx *Tx) Status() Status {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.rec.Status
}

// Record returns a copy of the transaction record.
func (tx *Tx) Record() Record {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.recordLocked()
}

func (tx *Tx) recordLocked() Record {
	rec := tx.rec
	rec.Operations = slices.Clone(tx.rec.Operations)
	return rec
}

// Savepoints lists open savepoint names, oldest first.
func (tx *Tx) Savepoints() []string {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	names := make([]string, len(tx.savepoints))
	for i, sp := range tx.savepoints {
		names[i] = sp.name
	}
	return names
}

func (tx *Tx) checkActive() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.rec.Status != Active {
		return fmt.Errorf("transaction %s is %s: %w", tx.rec.ID, tx.rec.Status, ErrTransactionNotActive)
	}
	return nil
}

// Execute runs op, appending it to the log with its inverse. Failures are
// logged with the operation id and returned as *OpError; nothing is retried
// and the failed operation is not kept in the log.
func (tx *Tx) Execute(ctx context.Context, op Op) (Result, error) {
	if err := tx.checkActive(); err != nil {
		return Result{}, err
	}
	id := tx.m.newID()
	entry, res, err := tx.execute(ctx, op)
	if err != nil {
		tx.m.logger.Error("transaction operation failed",
			zap.String("tx_id", tx.rec.ID),
			zap.String("op_id", id),
			zap.String("table", op.Table),
			zap.String("kind", string(op.Kind)),
			zap.Error(err))
		return Result{}, &OpError{OperationID: id, Table: op.Table, Kind: op.Kind, Err: err}
	}
	entry.ID = id
	res.OperationID = id

	tx.mu.Lock()
	tx.rec.Operations = append(tx.rec.Operations, entry)
	tx.mu.Unlock()

	tx.m.metrics.TransactionOp(op.Table, string(op.Kind))
	return res, nil
}

func (tx *Tx) execute(ctx context.Context, op Op) (Operation, Result, error) {
	if op.Kind != Custom || op.Table != "" {
		if err := checkIdent(op.Table); err != nil {
			return Operation{}, Result{}, err
		}
	}
	entry := Operation{Table: op.Table, Kind: op.Kind}
	where, whereArgs := "", []any(nil)
	if op.Where != nil && op.Where.Clause != "" {
		where, whereArgs = " WHERE "+op.Where.Clause, op.Where.Args
		entry.Where = op.Where.Clause
	}

	switch op.Kind {
	case Insert:
		cols, vals, err := columns(op.Values)
		if err != nil {
			return Operation{}, Result{}, err
		}
		query := fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", op.Table)
		if len(cols) > 0 {
			query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", op.Table,
				strings.Join(cols, ", "), placeholders(len(cols)))
		}
		r, err := tx.conn.ExecContext(ctx, query, vals...)
		if err != nil {
			return Operation{}, Result{}, err
		}
		res := result(r)
		entry.Payload = op.Values
		entry.RowsAffected = res.RowsAffected
		entry.Inverse = []Statement{{SQL: fmt.Sprintf("DELETE FROM %s WHERE rowid = ?", op.Table), Args: []any{res.LastInsertID}}}
		return entry, res, nil

	case Update:
		cols, vals, err := columns(op.Values)
		if err != nil {
			return Operation{}, Result{}, err
		}
		if len(cols) == 0 {
			return Operation{}, Result{}, errors.New("update with no values")
		}
		inverse, err := tx.preImage(ctx, op.Table, cols, where, whereArgs, func(rowid any, before []any) Statement {
			return Statement{
				SQL:  fmt.Sprintf("UPDATE %s SET %s WHERE rowid = ?", op.Table, assignments(cols)),
				Args: append(before, rowid),
			}
		})
		if err != nil {
			return Operation{}, Result{}, err
		}
		query := fmt.Sprintf("UPDATE %s SET %s%s", op.Table, assignments(cols), where)
		r, err := tx.conn.ExecContext(ctx, query, append(vals, whereArgs...)...)
		if err != nil {
			return Operation{}, Result{}, err
		}
		res := result(r)
		entry.Payload = op.Values
		entry.RowsAffected = res.RowsAffected
		entry.Inverse = inverse
		return entry, res, nil

	case Delete:
		inverse, err := tx.preImage(ctx, op.Table, nil, where, whereArgs, nil)
		if err != nil {
			return Operation{}, Result{}, err
		}
		r, err := tx.conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s%s", op.Table, where), whereArgs...)
		if err != nil {
			return Operation{}, Result{}, err
		}
		res := result(r)
		entry.RowsAffected = res.RowsAffected
		entry.Inverse = inverse
		return entry, res, nil

	case Select:
		sel := "*"
		if len(op.Columns) > 0 {
			for _, c := range op.Columns {
				if err := checkIdent(c); err != nil {
					return Operation{}, Result{}, err
				}
			}
			sel = strings.Join(op.Columns, ", ")
		}
		rows, err := tx.conn.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s%s", sel, op.Table, where), whereArgs...)
		if err != nil {
			return Operation{}, Result{}, err
		}
		names, data, err := scanAll(rows)
		if err != nil {
			return Operation{}, Result{}, err
		}
		out := make([]Row, len(data))
		for i, vals := range data {
			row := make(Row, len(names))
			for j, n := range names {
				row[n] = vals[j]
			}
			out[i] = row
		}
		entry.RowsAffected = int64(len(out))
		return entry, Result{RowsAffected: int64(len(out)), Rows: out}, nil

	case Custom:
		if op.Statement.SQL == "" {
			return Operation{}, Result{}, errors.New("custom operation with empty statement")
		}
		if err := checkStatement(op.Statement.SQL); err != nil {
			return Operation{}, Result{}, err
		}
		r, err := tx.conn.ExecContext(ctx, op.Statement.SQL, op.Statement.Args...)
		if err != nil {
			return Operation{}, Result{}, err
		}
		res := result(r)
		entry.Payload = Row{"sql": op.Statement.SQL}
		entry.RowsAffected = res.RowsAffected
		entry.Inverse = slices.Clone(op.Inverse)
		return entry, res, nil
	}
	return Operation{}, Result{}, fmt.Errorf("unknown operation kind %q", op.Kind)
}

const rowidAlias = "__rowid"

// preImage captures the rows a statement is about to change and turns each
// into an inverse statement. With no columns and no build func, it captures
// whole rows and synthesizes re-inserts.
func (tx *Tx) preImage(ctx context.Context, table string, cols []string, where string, args []any,
	build func(rowid any, before []any) Statement) ([]Statement, error) {
	sel := "*"
	if len(cols) > 0 {
		sel = strings.Join(cols, ", ")
	}
	query := fmt.Sprintf("SELECT rowid AS %s, %s FROM %s%s", rowidAlias, sel, table, where)
	rows, err := tx.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("capture pre-image: %w", err)
	}
	names, data, err := scanAll(rows)
	if err != nil {
		return nil, fmt.Errorf("capture pre-image: %w", err)
	}

	out := make([]Statement, 0, len(data))
	for _, vals := range data {
		if build != nil {
			out = append(out, build(vals[0], vals[1:]))
			continue
		}
		insertCols := append([]string{"rowid"}, names[1:]...)
		out = append(out, Statement{
			SQL: fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table,
				strings.Join(insertCols, ", "), placeholders(len(insertCols))),
			Args: vals,
		})
	}
	return out, nil
}

// ExecContext runs a raw statement as a Custom operation with no inverse.
func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := tx.Execute(ctx, Op{Kind: Custom, Statement: Statement{SQL: query, Args: args}})
	if err != nil {
		return nil, err
	}
	return execResult{last: res.LastInsertID, rows: res.RowsAffected}, nil
}

// QueryContext reads through the transaction's connection. Reads are not
// logged.
func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	return tx.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext reads one row through the transaction's connection.
func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.conn.QueryRowContext(ctx, query, args...)
}

// Emit queues audit events. They are tagged with the transaction id and
// delivered only if the transaction commits.
func (tx *Tx) Emit(evs ...events.Event) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.rec.Status != Active {
		return fmt.Errorf("transaction %s is %s: %w", tx.rec.ID, tx.rec.Status, ErrTransactionNotActive)
	}
	for _, ev := range evs {
		tx.pending = append(tx.pending, ev.WithTransaction(tx.rec.ID))
	}
	return nil
}

// Savepoint opens a named engine savepoint and marks the current log
// position.
func (tx *Tx) Savepoint(ctx context.Context, name string) error {
	if err := checkIdent(name); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := tx.checkActive(); err != nil {
		return err
	}
	if _, err := tx.conn.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.savepoints = append(tx.savepoints, savepoint{name: name, ops: len(tx.rec.Operations), events: len(tx.pending)})
	return nil
}

// RollbackTo undoes everything after the named savepoint in the engine and
// in the log. The savepoint stays open and the transaction stays Active.
func (tx *Tx) RollbackTo(ctx context.Context, name string) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	idx, err := tx.findSavepoint(name)
	if err != nil {
		return err
	}
	if _, err := tx.conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return fmt.Errorf("rollback to savepoint %s: %w", name, err)
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	sp := tx.savepoints[idx]
	tx.rec.Operations = tx.rec.Operations[:sp.ops]
	tx.pending = tx.pending[:sp.events]
	tx.savepoints = tx.savepoints[:idx+1]
	return nil
}

// Release closes the named savepoint and every savepoint opened after it,
// keeping their work.
func (tx *Tx) Release(ctx context.Context, name string) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	idx, err := tx.findSavepoint(name)
	if err != nil {
		return err
	}
	if _, err := tx.conn.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.savepoints = tx.savepoints[:idx]
	return nil
}

func (tx *Tx) findSavepoint(name string) (int, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for i := len(tx.savepoints) - 1; i >= 0; i-- {
		if tx.savepoints[i].name == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", ErrSavepointNotFound, name)
}

// Commit validates and commits. On any failure the transaction is rolled
// back before the error is returned, so it never stays Active.
func (tx *Tx) Commit(ctx context.Context) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	if err := tx.validate(ctx); err != nil {
		var ie *IntegrityError
		if errors.As(err, &ie) {
			tx.m.metrics.IntegrityViolation()
			tx.m.logger.Warn("commit rejected by integrity validation",
				zap.String("tx_id", tx.rec.ID), zap.Error(err))
		}
		tx.abort(ctx)
		return err
	}

	tx.mu.Lock()
	tx.rec.CommitTime = tx.m.clock.Tick()
	rec := tx.recordLocked()
	tx.mu.Unlock()
	rec.Status = Committed

	if tx.m.journal != nil {
		if err := tx.m.journal(ctx, tx.conn, rec); err != nil {
			tx.abort(ctx)
			return fmt.Errorf("commit %s: journal: %w", rec.ID, err)
		}
	}
	if _, err := tx.conn.ExecContext(ctx, "COMMIT"); err != nil {
		tx.abort(ctx)
		if isConstraint(err) {
			tx.m.metrics.IntegrityViolation()
			return &IntegrityError{TransactionID: rec.ID, Violations: []Violation{{Check: "engine", Detail: err.Error()}}}
		}
		return fmt.Errorf("commit %s: %w", rec.ID, err)
	}

	final := tx.finish(Committed)
	tx.mu.Lock()
	pending := tx.pending
	tx.pending = nil
	tx.mu.Unlock()
	summary, err := events.Commit(final.ID, final.NodeID, string(final.Isolation),
		len(final.Operations), len(pending), time.Since(tx.started), final.CommitTime)
	if err != nil {
		tx.m.logger.Warn("commit event not built", zap.String("tx_id", final.ID), zap.Error(err))
	} else {
		pending = append(pending, summary)
	}
	tx.m.emitter.Emit(context.WithoutCancel(ctx), pending...)
	return nil
}

func (tx *Tx) validate(ctx context.Context) error {
	violations, err := tx.foreignKeyViolations(ctx)
	if err != nil {
		return fmt.Errorf("commit %s: foreign key check: %w", tx.rec.ID, err)
	}
	validators, _ := tx.m.snapshotHooks()
	for _, v := range validators {
		err := v.Check(ctx, tx)
		if err == nil {
			continue
		}
		var ie *IntegrityError
		if errors.As(err, &ie) {
			violations = append(violations, ie.Violations...)
			continue
		}
		violations = append(violations, Violation{Check: v.Name, Detail: err.Error()})
	}
	if len(violations) > 0 {
		return &IntegrityError{TransactionID: tx.rec.ID, Violations: violations}
	}
	return nil
}

func (tx *Tx) foreignKeyViolations(ctx context.Context) ([]Violation, error) {
	rows, err := tx.conn.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Violation
	for rows.Next() {
		var (
			table, parent string
			rowid         sql.NullInt64
			fkid          int64
		)
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return nil, err
		}
		out = append(out, Violation{
			Check:  "foreign_key",
			Table:  table,
			RowID:  rowid.Int64,
			Detail: fmt.Sprintf("missing parent row in %s", parent),
		})
	}
	return out, rows.Err()
}

// Rollback aborts the transaction. It returns ErrTransactionNotActive on a
// finished transaction and nil otherwise: engine rollback failures are
// logged and counted, never returned.
func (tx *Tx) Rollback(ctx context.Context) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	tx.abort(ctx)
	return nil
}

func (tx *Tx) abort(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	discard := false
	if _, err := tx.conn.ExecContext(ctx, "ROLLBACK"); err != nil {
		discard = true
		tx.m.metrics.RollbackFailed()
		tx.m.logger.Error("engine rollback failed",
			zap.String("tx_id", tx.rec.ID), zap.Error(err))
	}
	if discard {
		// The connection may still hold an open transaction; keep it out of
		// the pool.
		_ = tx.conn.Raw(func(any) error { return driver.ErrBadConn })
	}

	tx.mu.Lock()
	tx.rec.CommitTime = hlc.Timestamp{}
	tx.pending = nil
	tx.savepoints = nil
	tx.mu.Unlock()
	rec := tx.finish(Aborted)

	_, compensators := tx.m.snapshotHooks()
	for _, c := range compensators {
		if err := c(ctx, rec); err != nil {
			tx.m.logger.Error("rollback compensator failed",
				zap.String("tx_id", rec.ID), zap.Error(err))
		}
	}
}

// finish moves to a terminal state and releases the connection and the
// manager's slot.
func (tx *Tx) finish(status Status) Record {
	tx.mu.Lock()
	tx.rec.Status = status
	rec := tx.recordLocked()
	tx.mu.Unlock()

	if err := tx.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		tx.m.logger.Warn("release connection", zap.String("tx_id", rec.ID), zap.Error(err))
	}
	<-tx.m.sem

	tx.m.metrics.TransactionDone(string(rec.Isolation), string(status), time.Since(tx.started))
	tx.m.logger.Debug("transaction finished",
		zap.String("tx_id", rec.ID),
		zap.String("status", string(status)),
		zap.Int("operations", len(rec.Operations)))
	return rec
}

func isConstraint(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "constraint failed")
}

func columns(values Row) ([]string, []any, error) {
	cols := make([]string, 0, len(values))
	for c := range values {
		if err := checkIdent(c); err != nil {
			return nil, nil, err
		}
		cols = append(cols, c)
	}
	slices.Sort(cols)
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = values[c]
	}
	return cols, vals, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func assignments(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c + " = ?"
	}
	return strings.Join(parts, ", ")
}

// scanAll drains rows into generic values. TEXT columns come back as
// strings even from drivers that hand out []byte.
func scanAll(rows *sql.Rows) ([]string, [][]any, error) {
	defer rows.Close()
	names, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, err
	}
	var out [][]any
	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok && !strings.EqualFold(types[i].DatabaseTypeName(), "BLOB") {
				vals[i] = string(b)
			}
		}
		out = append(out, vals)
	}
	return names, out, rows.Err()
}

func result(r sql.Result) Result {
	var res Result
	res.RowsAffected, _ = r.RowsAffected()
	res.LastInsertID, _ = r.LastInsertId()
	return res
}

type execResult struct{ last, rows int64 }

func (r execResult) LastInsertId() (int64, error) { return r.last, nil }
func (r execResult) RowsAffected() (int64, error) { return r.rows, nil }
