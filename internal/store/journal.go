package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/bizsync/internal/hlc"
	"github.com/roach88/bizsync/internal/txn"
)

// JournalEntry is one committed transaction as recorded in tx_journal.
type JournalEntry struct {
	Seq        int64
	ID         string
	NodeID     string
	StartTime  hlc.Timestamp
	CommitTime hlc.Timestamp
	Isolation  txn.Isolation
	OpCount    int
	Operations []txn.Operation
}

// WriteJournal is a txn.JournalFunc: it records rec inside the committing
// transaction.
func WriteJournal(ctx context.Context, q txn.Execer, rec txn.Record) error {
	ops, err := json.Marshal(rec.Operations)
	if err != nil {
		return fmt.Errorf("write journal %s: %w", rec.ID, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO tx_journal (id, node_id, start_time, commit_time, isolation, op_count, operations)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.NodeID, stamp(rec.StartTime), stamp(rec.CommitTime), string(rec.Isolation),
		len(rec.Operations), string(ops))
	if err != nil {
		return fmt.Errorf("write journal %s: %w", rec.ID, err)
	}
	return nil
}

// ListJournal returns the most recent entries, newest first. limit <= 0
// returns everything.
func ListJournal(ctx context.Context, q Querier, limit int) ([]JournalEntry, error) {
	query := `
		SELECT seq, id, node_id, start_time, commit_time, isolation, op_count, operations
		FROM tx_journal
		ORDER BY seq DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	out := []JournalEntry{}
	for rows.Next() {
		var (
			e                  JournalEntry
			start, commit, iso string
			ops                string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.NodeID, &start, &commit, &iso, &e.OpCount, &ops); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		e.Isolation = txn.Isolation(iso)
		if e.StartTime, err = parseStamp(start); err != nil {
			return nil, fmt.Errorf("journal %s: start_time: %w", e.ID, err)
		}
		if e.CommitTime, err = parseStamp(commit); err != nil {
			return nil, fmt.Errorf("journal %s: commit_time: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(ops), &e.Operations); err != nil {
			return nil, fmt.Errorf("journal %s: operations: %w", e.ID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return out, nil
}
