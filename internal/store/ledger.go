package store

import (
	"context"
	"fmt"

	"github.com/roach88/bizsync/internal/txn"
)

// LedgerLine is one side of a double-entry posting.
type LedgerLine struct {
	ID            string
	TransactionID string
	Account       string
	DebitCents    int64
	CreditCents   int64
}

// PostLedger inserts lines inside tx. Balance is checked at commit by
// LedgerBalanced, not here, so a posting may be built up line by line.
func PostLedger(ctx context.Context, tx *txn.Tx, lines ...LedgerLine) error {
	for _, l := range lines {
		_, err := tx.Execute(ctx, txn.Op{
			Table: "ledger_lines",
			Kind:  txn.Insert,
			Values: txn.Row{
				"id":             l.ID,
				"transaction_id": l.TransactionID,
				"account":        l.Account,
				"debit_cents":    l.DebitCents,
				"credit_cents":   l.CreditCents,
			},
		})
		if err != nil {
			return fmt.Errorf("post ledger line %s: %w", l.ID, err)
		}
	}
	return nil
}

// LedgerLines returns the lines of one accounting transaction.
func LedgerLines(ctx context.Context, q Querier, transactionID string) ([]LedgerLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, transaction_id, account, debit_cents, credit_cents
		FROM ledger_lines
		WHERE transaction_id = ?
		ORDER BY id COLLATE BINARY ASC
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("query ledger lines: %w", err)
	}
	defer rows.Close()

	out := []LedgerLine{}
	for rows.Next() {
		var l LedgerLine
		if err := rows.Scan(&l.ID, &l.TransactionID, &l.Account, &l.DebitCents, &l.CreditCents); err != nil {
			return nil, fmt.Errorf("scan ledger line: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// LedgerBalanced is a txn.ValidatorFunc: every accounting transaction's
// lines must have equal debits and credits.
func LedgerBalanced(ctx context.Context, tx *txn.Tx) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT transaction_id, SUM(debit_cents), SUM(credit_cents)
		FROM ledger_lines
		GROUP BY transaction_id
		HAVING SUM(debit_cents) <> SUM(credit_cents)
		ORDER BY transaction_id
	`)
	if err != nil {
		return fmt.Errorf("ledger balance check: %w", err)
	}
	defer rows.Close()

	var violations []txn.Violation
	for rows.Next() {
		var (
			id            string
			debit, credit int64
		)
		if err := rows.Scan(&id, &debit, &credit); err != nil {
			return fmt.Errorf("ledger balance check: %w", err)
		}
		violations = append(violations, txn.Violation{
			Check:  "ledger_balanced",
			Detail: fmt.Sprintf("transaction %s: debits %d != credits %d", id, debit, credit),
		})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ledger balance check: %w", err)
	}
	if len(violations) > 0 {
		return &txn.IntegrityError{TransactionID: tx.ID(), Violations: violations}
	}
	return nil
}
