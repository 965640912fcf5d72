package replica

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roach88/bizsync/internal/entity"
	"github.com/roach88/bizsync/internal/events"
	"github.com/roach88/bizsync/internal/store"
	"github.com/roach88/bizsync/internal/txn"
)

func newEntityID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Create writes the first revision of a new entity. An empty id is
// generated.
func (n *Node) Create(ctx context.Context, kind entity.Kind, id string, m entity.Mutation) (entity.Entity, error) {
	if id == "" {
		id = n.newID()
	}
	var out entity.Entity
	err := n.run(ctx, func(ctx context.Context, tx *txn.Tx) error {
		existing, err := store.LoadEntity(ctx, tx, kind, id)
		switch {
		case err == nil && existing.IsDeleted:
			return fmt.Errorf("%w: %s is deleted, recreate it instead", ErrExists, existing.Key())
		case err == nil:
			return fmt.Errorf("%w: %s", ErrExists, existing.Key())
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		out, err = entity.Create(id, kind, n.clock, m)
		if err != nil {
			return err
		}
		return n.save(ctx, tx, events.OpInsert, nil, out)
	})
	if err != nil {
		return entity.Entity{}, fmt.Errorf("create %s/%s: %w", kind, id, err)
	}
	n.remember(out)
	return out, nil
}

// Update applies m to a live entity as one revision.
func (n *Node) Update(ctx context.Context, kind entity.Kind, id string, m entity.Mutation) (entity.Entity, error) {
	out, err := n.revise(ctx, kind, id, events.OpUpdate, func(cur entity.Entity) (entity.Entity, error) {
		return cur.Apply(n.clock, m)
	})
	if err != nil {
		return entity.Entity{}, fmt.Errorf("update %s/%s: %w", kind, id, err)
	}
	return out, nil
}

// Delete tombstones an entity. Deleting a tombstone is a no-op.
func (n *Node) Delete(ctx context.Context, kind entity.Kind, id string) (entity.Entity, error) {
	out, err := n.revise(ctx, kind, id, events.OpDelete, func(cur entity.Entity) (entity.Entity, error) {
		if cur.IsDeleted {
			return cur, nil
		}
		return cur.Delete(n.clock), nil
	})
	if err != nil {
		return entity.Entity{}, fmt.Errorf("delete %s/%s: %w", kind, id, err)
	}
	return out, nil
}

// Recreate brings a tombstoned entity back as a new incarnation with the
// fields set by m.
func (n *Node) Recreate(ctx context.Context, kind entity.Kind, id string, m entity.Mutation) (entity.Entity, error) {
	out, err := n.revise(ctx, kind, id, events.OpRecreate, func(cur entity.Entity) (entity.Entity, error) {
		return cur.Recreate(n.clock, m)
	})
	if err != nil {
		return entity.Entity{}, fmt.Errorf("recreate %s/%s: %w", kind, id, err)
	}
	return out, nil
}

// revise loads the current revision inside a transaction, derives the next
// one with fn and persists it. An unchanged result writes nothing.
func (n *Node) revise(ctx context.Context, kind entity.Kind, id string, op events.Op,
	fn func(cur entity.Entity) (entity.Entity, error)) (entity.Entity, error) {
	var out entity.Entity
	err := n.run(ctx, func(ctx context.Context, tx *txn.Tx) error {
		cur, err := store.LoadEntity(ctx, tx, kind, id)
		if err != nil {
			return err
		}
		out, err = fn(cur)
		if err != nil {
			return err
		}
		if out.Equal(cur) {
			return nil
		}
		return n.save(ctx, tx, op, &cur, out)
	})
	if err != nil {
		return entity.Entity{}, err
	}
	n.remember(out)
	return out, nil
}

// save persists e and queues its audit event.
func (n *Node) save(ctx context.Context, tx *txn.Tx, op events.Op, old *entity.Entity, e entity.Entity) error {
	if err := store.SaveEntity(ctx, tx, e); err != nil {
		return err
	}
	n.logger.Debug("entity saved",
		zap.String("key", e.Key()),
		zap.String("op", string(op)),
		zap.String("updated_at", e.UpdatedAt.String()),
		zap.String("tx_id", tx.ID()))
	return n.emit(tx, op, old, e, nil)
}
