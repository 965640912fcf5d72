// Package events defines the audit event record the core emits for every
// committed transaction, entity change and resolved merge, and the
// best-effort emitter that hands them to external sinks.
//
// Sinks own persistence, redaction and retention. The core only guarantees
// that a sink failure never fails the primary operation.
package events

import (
	"fmt"
	"time"

	"github.com/roach88/bizsync/internal/entity"
	"github.com/roach88/bizsync/internal/hlc"
	"github.com/roach88/bizsync/internal/ir"
)

// Op is the kind of change an event records.
type Op string

const (
	OpInsert   Op = "insert"
	OpUpdate   Op = "update"
	OpDelete   Op = "delete"
	OpRecreate Op = "recreate"
	OpMerge    Op = "merge"  // remote revision folded in
	OpReview   Op = "review" // conflict deferred or decided by a human
	OpCommit   Op = "commit" // transaction summary, emitted after its entity events
)

// Event is one audit record.
type Event struct {
	ID            string        `json:"id"`
	Table         entity.Kind   `json:"entity_table"`
	EntityID      string        `json:"entity_id"`
	Op            Op            `json:"operation_kind"`
	Old           ir.Object     `json:"old_snapshot,omitempty"`
	New           ir.Object     `json:"new_snapshot,omitempty"`
	NodeID        string        `json:"node_id"`
	At            hlc.Timestamp `json:"hlc_timestamp"`
	TransactionID string        `json:"transaction_id,omitempty"`
	// Resolution metadata for OpMerge and OpReview events, the transaction
	// summary for OpCommit.
	Metadata ir.Object `json:"metadata,omitempty"`
}

// New builds an event for a change from old (nil for creations) to next.
// The id is a content hash, so the same change reported twice dedupes.
func New(op Op, old *entity.Entity, next entity.Entity, nodeID string, at hlc.Timestamp) (Event, error) {
	snap := next.Snapshot()
	id, err := ir.EventID(string(next.Kind()), next.ID, string(op), at.String(), snap)
	if err != nil {
		return Event{}, fmt.Errorf("event %s %s: %w", op, next.Key(), err)
	}
	ev := Event{
		ID:       id,
		Table:    next.Kind(),
		EntityID: next.ID,
		Op:       op,
		New:      snap,
		NodeID:   nodeID,
		At:       at,
	}
	if old != nil && old.Fields != nil {
		ev.Old = old.Snapshot()
	}
	return ev, nil
}

// Commit builds the summary event of a committed transaction. It carries no
// entity: isolation, operation count, entity event count and duration go in
// the metadata. The id covers the transaction id and commit time only.
func Commit(txID, nodeID, isolation string, operations, entityEvents int, elapsed time.Duration, at hlc.Timestamp) (Event, error) {
	id, err := ir.EventID("", txID, string(OpCommit), at.String(), ir.Object{})
	if err != nil {
		return Event{}, fmt.Errorf("event commit %s: %w", txID, err)
	}
	return Event{
		ID:            id,
		Op:            OpCommit,
		NodeID:        nodeID,
		At:            at,
		TransactionID: txID,
		Metadata: ir.Object{
			"isolation":   ir.String(isolation),
			"operations":  ir.Int(int64(operations)),
			"events":      ir.Int(int64(entityEvents)),
			"duration_ms": ir.Int(elapsed.Milliseconds()),
		},
	}, nil
}

// WithTransaction returns a copy of ev tagged with a transaction id.
func (ev Event) WithTransaction(id string) Event {
	ev.TransactionID = id
	return ev
}

// WithMetadata returns a copy of ev carrying resolution metadata.
func (ev Event) WithMetadata(md ir.Object) Event {
	ev.Metadata = md
	return ev
}
