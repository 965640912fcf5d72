// Package store provides SQLite-backed durable storage for a bizsync node.
//
// The store holds:
//   - Entity tables (customers, invoices, accounting_transactions,
//     tax_rates): business columns plus the replication header and the full
//     CRDT field state (crdt_state)
//   - ledger_lines: balanced double-entry lines posted by bookkeeping
//   - conflict_reviews: conflicts deferred to a human
//   - tx_journal: one record per committed transaction
//   - node_meta: node id binding and the last issued HLC
//
// All writes go through a txn.Tx so they are logged with inverses and land
// atomically. Reads accept any Querier: the Store itself outside a
// transaction, or the Tx inside one.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout: Wait for locks (default 5 seconds)
//   - foreign_keys=ON: Enforce referential integrity
//
// Two drivers are supported: mattn/go-sqlite3 ("sqlite3", cgo, default)
// and modernc.org/sqlite ("sqlite", pure Go).
package store
