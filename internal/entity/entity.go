package entity

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/roach88/bizsync/internal/hlc"
	"github.com/roach88/bizsync/internal/ir"
	"github.com/roach88/bizsync/internal/vclock"
)

var (
	// ErrKindMismatch is returned when two entities or a set of fields do not
	// share a kind.
	ErrKindMismatch = errors.New("entity kind mismatch")
	// ErrIDMismatch is returned when merging revisions of different entities.
	ErrIDMismatch = errors.New("entity id mismatch")
	// ErrUnknownKind is returned for kinds outside the closed variant set.
	ErrUnknownKind = errors.New("unknown entity kind")
	// ErrUnknownField is returned by mutations naming a field the kind lacks.
	ErrUnknownField = errors.New("unknown field")
	// ErrDeleted is returned for local edits of a tombstoned entity. Use
	// Recreate to bring it back.
	ErrDeleted = errors.New("entity is deleted")
)

// Entity is one revision of a business record.
type Entity struct {
	ID        string
	NodeID    string // node that wrote UpdatedAt
	CreatedAt hlc.Timestamp
	UpdatedAt hlc.Timestamp
	Version   vclock.Vector
	IsDeleted bool
	// Incarnation counts explicit recreations after deletion. Revisions of a
	// newer incarnation replace the content of older ones.
	Incarnation uint32
	Fields      Fields
}

// Kind returns the variant kind.
func (e Entity) Kind() Kind {
	if e.Fields == nil {
		return ""
	}
	return e.Fields.Kind()
}

// Key returns "kind/id".
func (e Entity) Key() string {
	return string(e.Kind()) + "/" + e.ID
}

// Merge combines two revisions of the same entity. It is commutative,
// associative and idempotent, and never touches storage.
func (e Entity) Merge(other Entity) (Entity, error) {
	if e.ID != other.ID {
		return Entity{}, fmt.Errorf("%w: %q vs %q", ErrIDMismatch, e.ID, other.ID)
	}
	if e.Kind() != other.Kind() {
		return Entity{}, fmt.Errorf("%w: %s vs %s", ErrKindMismatch, e.Kind(), other.Kind())
	}
	v, err := variantOf(e.Kind())
	if err != nil {
		return Entity{}, err
	}

	updated := hlc.Max(e.UpdatedAt, other.UpdatedAt)
	if e.Incarnation != other.Incarnation {
		// The newer incarnation keeps its content and tombstone. The header
		// still covers both sides so the result dominates either input.
		out := e
		if other.Incarnation > e.Incarnation {
			out = other
		}
		out.Version = e.Version.Merge(other.Version)
		out.UpdatedAt = updated
		out.NodeID = updated.Node
		return out, nil
	}

	fields, err := v.merge(e.Fields, other.Fields)
	if err != nil {
		return Entity{}, err
	}
	return Entity{
		ID:          e.ID,
		NodeID:      updated.Node,
		CreatedAt:   earliest(e.CreatedAt, other.CreatedAt),
		UpdatedAt:   updated,
		Version:     e.Version.Merge(other.Version),
		IsDeleted:   e.IsDeleted || other.IsDeleted,
		Incarnation: e.Incarnation,
		Fields:      fields,
	}, nil
}

// Equal compares header and full CRDT state.
func (e Entity) Equal(other Entity) bool {
	if e.ID != other.ID || e.Kind() != other.Kind() || e.NodeID != other.NodeID ||
		e.CreatedAt != other.CreatedAt || e.UpdatedAt != other.UpdatedAt ||
		e.IsDeleted != other.IsDeleted || e.Incarnation != other.Incarnation ||
		!e.Version.Equal(other.Version) {
		return false
	}
	v, err := variantOf(e.Kind())
	if err != nil {
		return false
	}
	return v.equal(e.Fields, other.Fields)
}

// Values returns the logical field values.
func (e Entity) Values() ir.Object {
	v, err := variantOf(e.Kind())
	if err != nil {
		return ir.Object{}
	}
	return v.snapshot(e.Fields)
}

// FieldTimes returns the timestamp of each field's latest write.
func (e Entity) FieldTimes() map[string]hlc.Timestamp {
	v, err := variantOf(e.Kind())
	if err != nil {
		return nil
	}
	return v.stamps(e.Fields)
}

// LatestFieldTime is the newest timestamp among the field containers.
// UpdatedAt is never below it.
func (e Entity) LatestFieldTime() hlc.Timestamp {
	var latest hlc.Timestamp
	for _, ts := range e.FieldTimes() {
		latest = hlc.Max(latest, ts)
	}
	return latest
}

// Snapshot renders the entity as an ir object: header plus logical values.
// Used for audit events, conflict metadata and golden output.
func (e Entity) Snapshot() ir.Object {
	version := make(ir.Object, len(e.Version))
	for node, n := range e.Version {
		if n > 0 {
			version[node] = ir.Int(int64(n))
		}
	}
	obj := ir.Object{
		"id":          ir.String(e.ID),
		"kind":        ir.String(e.Kind()),
		"node_id":     ir.String(e.NodeID),
		"created_at":  ir.String(e.CreatedAt.String()),
		"updated_at":  ir.String(e.UpdatedAt.String()),
		"version":     version,
		"is_deleted":  ir.Bool(e.IsDeleted),
		"fields":      e.Values(),
		"incarnation": ir.Int(int64(e.Incarnation)),
	}
	if e.CreatedAt.IsZero() {
		obj["created_at"] = ir.String("")
	}
	if e.UpdatedAt.IsZero() {
		obj["updated_at"] = ir.String("")
	}
	return obj
}

// Fingerprint hashes the full serialized state. Replicas that converged
// report the same fingerprint.
func (e Entity) Fingerprint() (uint64, error) {
	data, err := e.MarshalJSON()
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(data), nil
}

func (e Entity) clone() Entity {
	out := e
	out.Version = e.Version.Clone()
	return out
}

func earliest(a, b hlc.Timestamp) hlc.Timestamp {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case a.Before(b):
		return a
	}
	return b
}
