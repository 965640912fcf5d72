package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/bizsync/internal/conflict"
	"github.com/roach88/bizsync/internal/entity"
	"github.com/roach88/bizsync/internal/hlc"
	"github.com/roach88/bizsync/internal/ir"
	"github.com/roach88/bizsync/internal/txn"
)

// ReviewStatus is the state of a queued review.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewResolved ReviewStatus = "resolved"
)

// ErrReviewResolved is returned when deciding a review twice.
var ErrReviewResolved = errors.New("review already resolved")

// ReviewRecord is a persisted review.
type ReviewRecord struct {
	conflict.Review
	Status     ReviewStatus
	Choice     conflict.Choice
	CreatedAt  hlc.Timestamp
	ResolvedAt hlc.Timestamp
}

// SaveReview queues rv. Re-detecting the same conflict produces the same
// review id and is a no-op.
func SaveReview(ctx context.Context, tx *txn.Tx, rv *conflict.Review, at hlc.Timestamp) error {
	local, err := json.Marshal(rv.Local)
	if err != nil {
		return fmt.Errorf("save review %s: local: %w", rv.ID, err)
	}
	remote, err := json.Marshal(rv.Remote)
	if err != nil {
		return fmt.Errorf("save review %s: remote: %w", rv.ID, err)
	}
	md, err := ir.Marshal(rv.Metadata)
	if err != nil {
		return fmt.Errorf("save review %s: metadata: %w", rv.ID, err)
	}

	_, err = tx.Execute(ctx, txn.Op{
		Table: "conflict_reviews",
		Kind:  txn.Custom,
		Statement: txn.Statement{
			SQL: `INSERT INTO conflict_reviews
				(id, table_name, entity_id, kind, strategy, reason, local_state, remote_state, metadata, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO NOTHING`,
			Args: []any{rv.ID, string(rv.Table), rv.EntityID, string(rv.Kind), string(rv.Strategy), rv.Reason,
				string(local), string(remote), string(md), stamp(at)},
		},
	})
	if err != nil {
		return fmt.Errorf("save review %s: %w", rv.ID, err)
	}
	return nil
}

const reviewColumns = `id, table_name, entity_id, kind, strategy, reason, local_state, remote_state,
	metadata, status, choice, created_at, resolved_at`

// LoadReview reads one review.
func LoadReview(ctx context.Context, q Querier, id string) (ReviewRecord, error) {
	row := q.QueryRowContext(ctx, "SELECT "+reviewColumns+" FROM conflict_reviews WHERE id = ?", id)
	rec, err := scanReview(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ReviewRecord{}, fmt.Errorf("review %s: %w", id, ErrNotFound)
		}
		return ReviewRecord{}, fmt.Errorf("review %s: %w", id, err)
	}
	return rec, nil
}

// ListReviews returns reviews with the given status (all when empty),
// oldest first.
func ListReviews(ctx context.Context, q Querier, status ReviewStatus) ([]ReviewRecord, error) {
	query := "SELECT " + reviewColumns + " FROM conflict_reviews"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reviews: %w", err)
	}
	defer rows.Close()

	out := []ReviewRecord{}
	for rows.Next() {
		rec, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	slices.SortFunc(out, func(a, b ReviewRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// MarkReviewResolved records a decision on a pending review.
func MarkReviewResolved(ctx context.Context, tx *txn.Tx, id string, choice conflict.Choice, at hlc.Timestamp) error {
	res, err := tx.Execute(ctx, txn.Op{
		Table:  "conflict_reviews",
		Kind:   txn.Update,
		Values: txn.Row{"status": string(ReviewResolved), "choice": string(choice), "resolved_at": stamp(at)},
		Where:  &txn.Where{Clause: "id = ? AND status = ?", Args: []any{id, string(ReviewPending)}},
	})
	if err != nil {
		return fmt.Errorf("resolve review %s: %w", id, err)
	}
	if res.RowsAffected == 0 {
		if _, err := LoadReview(ctx, tx, id); err != nil {
			return fmt.Errorf("resolve review: %w", err)
		}
		return fmt.Errorf("resolve review %s: %w", id, ErrReviewResolved)
	}
	return nil
}

// CountPendingReviews counts reviews waiting for a decision.
func CountPendingReviews(ctx context.Context, q Querier) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM conflict_reviews WHERE status = ?", string(ReviewPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count reviews: %w", err)
	}
	return n, nil
}

func scanReview(row scanner) (ReviewRecord, error) {
	var (
		rec                                   ReviewRecord
		table, kind, strategy, status, choice string
		local, remote, md, created, resolved  string
	)
	if err := row.Scan(&rec.ID, &table, &rec.EntityID, &kind, &strategy, &rec.Reason,
		&local, &remote, &md, &status, &choice, &created, &resolved); err != nil {
		return ReviewRecord{}, err
	}
	rec.Table = entity.Kind(table)
	rec.Kind = conflict.Kind(kind)
	rec.Strategy = conflict.Strategy(strategy)
	rec.Status = ReviewStatus(status)
	rec.Choice = conflict.Choice(choice)

	if err := json.Unmarshal([]byte(local), &rec.Local); err != nil {
		return ReviewRecord{}, fmt.Errorf("review %s: local state: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(remote), &rec.Remote); err != nil {
		return ReviewRecord{}, fmt.Errorf("review %s: remote state: %w", rec.ID, err)
	}
	v, err := ir.Parse([]byte(md))
	if err != nil {
		return ReviewRecord{}, fmt.Errorf("review %s: metadata: %w", rec.ID, err)
	}
	rec.Metadata, _ = v.(ir.Object)

	if rec.CreatedAt, err = parseStamp(created); err != nil {
		return ReviewRecord{}, fmt.Errorf("review %s: created_at: %w", rec.ID, err)
	}
	if rec.ResolvedAt, err = parseStamp(resolved); err != nil {
		return ReviewRecord{}, fmt.Errorf("review %s: resolved_at: %w", rec.ID, err)
	}
	return rec, nil
}
