// Package replica is the write path of one node.
//
// A Node owns the node's store, hybrid logical clock, transaction manager,
// conflict resolver and audit emitter. Local edits, remote change sets and
// review decisions all end up as entity revisions persisted through a single
// transaction each:
//
//	node, err := replica.Open(ctx, st, "laptop-1", replica.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	inv, err := node.Update(ctx, entity.KindInvoice, "inv-42", entity.Mutation{
//		{Field: "status", Action: entity.ActionSet, Value: ir.String(entity.InvoicePaid)},
//	})
//
// Change sets are plain JSON. Moving them between nodes is the caller's
// concern: Export on one node, Import on another.
package replica
