// Package entity defines business records and their merge contract.
//
// An Entity is a header (identity, timestamps, version vector, tombstone)
// plus Fields, a closed set of record variants: Customer, Invoice,
// AccountingTransaction and TaxRate. Each variant is a struct of CRDT
// containers from package crdt and is described by a field schema that
// drives merge, equality, snapshots and named mutations.
//
// Entities are values. Merge, Edit, Apply and Delete return new entities.
//
// Merge rules:
//   - every field merges through its own container
//   - updated_at is the later of both sides; node_id follows it
//   - versions merge entrywise
//   - is_deleted is sticky: true on either side stays true
//   - a higher incarnation (see Recreate) replaces the whole entity
package entity
