package txn

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/bizsync/internal/hlc"
)

var (
	// ErrTransactionNotActive is returned by any mutator called on a
	// committed or aborted transaction.
	ErrTransactionNotActive = errors.New("transaction not active")
	// ErrSavepointNotFound is returned when rolling back to or releasing an
	// unknown savepoint.
	ErrSavepointNotFound = errors.New("savepoint not found")
	// ErrInvalidIdentifier is returned for table, column or savepoint names
	// that are not plain SQL identifiers.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrTransactionControl is returned for custom statements that would
	// begin, end or checkpoint the engine transaction behind the manager's
	// back. Use Commit, Rollback and the savepoint methods instead.
	ErrTransactionControl = errors.New("transaction control statement not allowed")
)

// Isolation is a requested isolation level.
type Isolation string

const (
	ReadUncommitted Isolation = "read_uncommitted"
	ReadCommitted   Isolation = "read_committed"
	RepeatableRead  Isolation = "repeatable_read"
	Serializable    Isolation = "serializable"
)

// ParseIsolation parses an isolation level name. Hyphens and spaces are
// accepted in place of underscores.
func ParseIsolation(s string) (Isolation, error) {
	norm := strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch iso := Isolation(norm); iso {
	case ReadUncommitted, ReadCommitted, RepeatableRead, Serializable:
		return iso, nil
	}
	return "", fmt.Errorf("unknown isolation level %q", s)
}

// engineMode maps the level onto SQLite. SQLite has no per-transaction
// isolation knob: the uncommitted levels differ only in the
// read_uncommitted pragma, and the stronger levels take the write lock at
// BEGIN so no other writer can interleave.
func (iso Isolation) engineMode() (readUncommitted bool, begin string) {
	switch iso {
	case ReadUncommitted:
		return true, "BEGIN DEFERRED"
	case ReadCommitted:
		return false, "BEGIN DEFERRED"
	case RepeatableRead:
		return false, "BEGIN IMMEDIATE"
	default:
		return false, "BEGIN EXCLUSIVE"
	}
}

// Status is the transaction lifecycle state.
type Status string

const (
	Active    Status = "active"
	Committed Status = "committed"
	Aborted   Status = "aborted"
)

// Kind is an operation kind.
type Kind string

const (
	Insert Kind = "insert"
	Update Kind = "update"
	Delete Kind = "delete"
	Select Kind = "select"
	// Custom is a raw statement. Its inverse, if any, is supplied by the
	// caller.
	Custom Kind = "custom"
)

// Statement is a SQL statement with positional arguments.
type Statement struct {
	SQL  string `json:"sql"`
	Args []any  `json:"args,omitempty"`
}

// Where is a trusted SQL predicate fragment with its arguments.
type Where struct {
	Clause string
	Args   []any
}

// Row is a column-to-value mapping.
type Row map[string]any

// Op describes one operation to execute inside a transaction.
type Op struct {
	Table  string
	Kind   Kind
	Values Row    // Insert, Update
	Where  *Where // Update, Delete, Select; nil matches every row
	// Columns limits Select output. Empty selects every column.
	Columns []string
	// Statement and Inverse are used by Custom ops only.
	Statement Statement
	Inverse   []Statement
}

// Result is what Execute returns.
type Result struct {
	OperationID  string
	RowsAffected int64
	LastInsertID int64
	Rows         []Row // Select only
}

// Operation is one entry of the transaction's ordered log.
type Operation struct {
	ID           string      `json:"id"`
	Table        string      `json:"table"`
	Kind         Kind        `json:"kind"`
	Payload      Row         `json:"payload,omitempty"`
	Where        string      `json:"where,omitempty"`
	Inverse      []Statement `json:"inverse,omitempty"`
	RowsAffected int64       `json:"rows_affected"`
}

// Record is the TransactionRecord of a finished or running transaction.
type Record struct {
	ID         string        `json:"id"`
	NodeID     string        `json:"node_id"`
	StartTime  hlc.Timestamp `json:"start_time"`
	CommitTime hlc.Timestamp `json:"commit_time"`
	Isolation  Isolation     `json:"isolation_level"`
	Operations []Operation   `json:"operations"`
	Status     Status        `json:"status"`
}

// Inverses returns the inverse statements of the log in undo order.
func (r Record) Inverses() []Statement {
	var out []Statement
	for i := len(r.Operations) - 1; i >= 0; i-- {
		inv := r.Operations[i].Inverse
		for j := len(inv) - 1; j >= 0; j-- {
			out = append(out, inv[j])
		}
	}
	return out
}

// Violation is one failed integrity check.
type Violation struct {
	Check  string // "foreign_key" or the validator name
	Table  string
	RowID  int64
	Detail string
}

func (v Violation) String() string {
	if v.Table != "" {
		return fmt.Sprintf("%s: %s rowid %d: %s", v.Check, v.Table, v.RowID, v.Detail)
	}
	return fmt.Sprintf("%s: %s", v.Check, v.Detail)
}

// IntegrityError is returned by Commit when validation fails. The
// transaction has already been rolled back when the caller sees it.
type IntegrityError struct {
	TransactionID string
	Violations    []Violation
}

func (e *IntegrityError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("integrity violation in transaction %s: %s", e.TransactionID, strings.Join(parts, "; "))
}

// OpError wraps a failed operation with its log identity.
type OpError struct {
	OperationID string
	Table       string
	Kind        Kind
	Err         error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s (op %s): %v", e.Kind, e.Table, e.OperationID, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkIdent(name string) error {
	if !identRE.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

var txControlRE = regexp.MustCompile(`(?i)^(BEGIN|COMMIT|END|ROLLBACK|SAVEPOINT|RELEASE)\b`)

// checkStatement rejects transaction control in any statement of a custom
// op's SQL. Statements are split on semicolons, so a string literal holding
// "; commit" is rejected too.
func checkStatement(sql string) error {
	for _, stmt := range strings.Split(sql, ";") {
		stmt = strings.TrimLeft(stmt, " \t\r\n(")
		if m := txControlRE.FindString(stmt); m != "" {
			return fmt.Errorf("%w: %s", ErrTransactionControl, strings.ToUpper(m))
		}
	}
	return nil
}
