package replica

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/bizsync/internal/conflict"
	"github.com/roach88/bizsync/internal/entity"
	"github.com/roach88/bizsync/internal/events"
	"github.com/roach88/bizsync/internal/hlc"
	"github.com/roach88/bizsync/internal/ir"
	"github.com/roach88/bizsync/internal/store"
	"github.com/roach88/bizsync/internal/txn"
)

// Reviews lists queued reviews with the given status, all when empty.
func (n *Node) Reviews(ctx context.Context, status store.ReviewStatus) ([]store.ReviewRecord, error) {
	return store.ListReviews(ctx, n.store, status)
}

// ResolveReview applies a human decision. The decision is written as a new
// local revision that dominates both reviewed revisions and whatever the
// node holds now, so it propagates on the next exchange.
func (n *Node) ResolveReview(ctx context.Context, id string, choice conflict.Choice) (entity.Entity, error) {
	var out entity.Entity
	err := n.run(ctx, func(ctx context.Context, tx *txn.Tx) error {
		rec, err := store.LoadReview(ctx, tx, id)
		if err != nil {
			return err
		}
		if rec.Status == store.ReviewResolved {
			return store.ErrReviewResolved
		}
		decided, err := rec.Decide(choice)
		if err != nil {
			return err
		}
		cur, err := store.LoadEntity(ctx, tx, rec.Table, rec.EntityID)
		if err != nil {
			return err
		}

		out, err = n.rebase(cur, decided, rec.Kind)
		if err != nil {
			return err
		}
		if err := store.SaveEntity(ctx, tx, out); err != nil {
			return err
		}
		if err := store.MarkReviewResolved(ctx, tx, id, choice, n.clock.Tick()); err != nil {
			return err
		}
		md := rec.Metadata.With("review_id", ir.String(id)).With("choice", ir.String(choice))
		return n.emit(tx, events.OpReview, &cur, out, md)
	})
	if err != nil {
		return entity.Entity{}, fmt.Errorf("resolve review %s: %w", id, err)
	}
	n.remember(out)
	n.logger.Info("review resolved",
		zap.String("review_id", id),
		zap.String("choice", string(choice)),
		zap.String("key", out.Key()))
	return out, nil
}

// rebase turns the decided content into a fresh local revision on top of
// cur. Keeping a record alive across a delete conflict needs a new
// incarnation: a plain revision would lose to the sticky tombstone.
func (n *Node) rebase(cur, decided entity.Entity, kind conflict.Kind) (entity.Entity, error) {
	base := decided
	base.Version = decided.Version.Merge(cur.Version)
	base.UpdatedAt = hlc.Max(decided.UpdatedAt, cur.UpdatedAt)
	base.Incarnation = max(decided.Incarnation, cur.Incarnation)

	deleteConflict := kind == conflict.DeleteVsUpdate || kind == conflict.UpdateVsDelete
	switch {
	case base.IsDeleted:
		return base.Delete(n.clock), nil
	case deleteConflict || cur.IsDeleted:
		tomb := base
		tomb.IsDeleted = true
		return tomb.Recreate(n.clock, restore(base))
	default:
		return base.Apply(n.clock, nil)
	}
}

// restore is the mutation that rebuilds e's field values on empty fields.
func restore(e entity.Entity) entity.Mutation {
	values := e.Values()
	var m entity.Mutation
	for _, name := range entity.FieldNames(e.Kind()) {
		fk, _ := entity.FieldKindOf(e.Kind(), name)
		v := values[name]
		switch fk {
		case entity.RegisterField:
			if isZero(v) {
				continue
			}
			m = append(m, entity.Op{Field: name, Action: entity.ActionSet, Value: v})
		case entity.CounterField:
			if isZero(v) {
				continue
			}
			m = append(m, entity.Op{Field: name, Action: entity.ActionAdd, Value: v})
		case entity.SetField:
			if arr, ok := v.(ir.Array); ok && len(arr) > 0 {
				m = append(m, entity.Op{Field: name, Action: entity.ActionInsert, Value: arr})
			}
		}
	}
	return m
}

func isZero(v ir.Value) bool {
	switch x := v.(type) {
	case ir.String:
		return x == ""
	case ir.Int:
		return x == 0
	case ir.Bool:
		return !bool(x)
	case nil:
		return true
	}
	return false
}
