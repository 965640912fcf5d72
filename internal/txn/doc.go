// Package txn is the local ACID transaction manager.
//
// A Manager owns one SQLite database and admits one Active transaction at a
// time. Begin blocks until the previous transaction ends. A Tx runs on a
// dedicated connection, keeps an ordered log of its operations together
// with the inverse statements needed to undo them, and mirrors every engine
// savepoint in that log so the two never diverge.
//
// Status transitions are one-way: Active to Committed, or Active to Aborted.
// Every mutator checks the status first and fails with
// ErrTransactionNotActive on a finished transaction.
//
// Commit runs integrity validation (the engine's foreign key check plus any
// registered Validators) before the engine commit. A failed validation or a
// failed engine commit rolls the transaction back and returns the original
// error. Rollback always ends Aborted: engine-level rollback failures are
// logged and counted, never returned over the error that triggered them.
//
// Run is the recommended entry point:
//
//	err := mgr.Run(ctx, txn.Serializable, func(ctx context.Context, tx *txn.Tx) error {
//	    _, err := tx.Execute(ctx, txn.Op{Table: "customers", Kind: txn.Insert, Values: row})
//	    return err
//	})
package txn
