package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/bizsync/internal/hlc"
	"github.com/roach88/bizsync/internal/txn"
)

const (
	metaNodeID = "node_id"
	metaClock  = "hlc"
)

// ErrNodeMismatch is returned when a database bound to one node id is
// opened as another.
var ErrNodeMismatch = errors.New("database belongs to a different node")

// BindNode records nodeID as the database owner on first use and rejects
// any other id afterwards. Two nodes sharing one database would break
// version vector monotonicity.
func BindNode(ctx context.Context, s *Store, nodeID string) error {
	var bound string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM node_meta WHERE key = ?", metaNodeID).Scan(&bound)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx, "INSERT INTO node_meta (key, value) VALUES (?, ?)", metaNodeID, nodeID)
		if err != nil {
			return fmt.Errorf("bind node: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("bind node: %w", err)
	case bound != nodeID:
		return fmt.Errorf("%w: bound to %q, opened as %q", ErrNodeMismatch, bound, nodeID)
	}
	return nil
}

// BoundNode returns the node id the database is bound to, or "".
func BoundNode(ctx context.Context, q Querier) (string, error) {
	var bound string
	err := q.QueryRowContext(ctx, "SELECT value FROM node_meta WHERE key = ?", metaNodeID).Scan(&bound)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return bound, err
}

// LoadClock returns the last persisted HLC, or zero.
func LoadClock(ctx context.Context, q Querier) (hlc.Timestamp, error) {
	var value string
	err := q.QueryRowContext(ctx, "SELECT value FROM node_meta WHERE key = ?", metaClock).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return hlc.Timestamp{}, nil
	}
	if err != nil {
		return hlc.Timestamp{}, fmt.Errorf("load clock: %w", err)
	}
	return parseStamp(value)
}

// SaveClock persists ts. Called from the journal hook so the clock state
// lands in the same commit as the writes it stamped.
func SaveClock(ctx context.Context, q txn.Execer, ts hlc.Timestamp) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO node_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, metaClock, stamp(ts))
	if err != nil {
		return fmt.Errorf("save clock: %w", err)
	}
	return nil
}
