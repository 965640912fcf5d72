package entity

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/bizsync/internal/hlc"
	"github.com/roach88/bizsync/internal/vclock"
)

// entityJSON is the wire and change-set form. Fields carries the full CRDT
// state so a receiver can merge field by field.
type entityJSON struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	NodeID      string          `json:"node_id"`
	CreatedAt   hlc.Timestamp   `json:"created_at"`
	UpdatedAt   hlc.Timestamp   `json:"updated_at"`
	Version     vclock.Vector   `json:"version"`
	IsDeleted   bool            `json:"is_deleted"`
	Incarnation uint32          `json:"incarnation,omitempty"`
	Fields      json.RawMessage `json:"fields"`
}

// MarshalJSON implements json.Marshaler.
func (e Entity) MarshalJSON() ([]byte, error) {
	fields, err := EncodeFields(e.Fields)
	if err != nil {
		return nil, err
	}
	version := e.Version
	if version == nil {
		version = vclock.New()
	}
	return json.Marshal(entityJSON{
		ID:          e.ID,
		Kind:        e.Kind(),
		NodeID:      e.NodeID,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
		Version:     version,
		IsDeleted:   e.IsDeleted,
		Incarnation: e.Incarnation,
		Fields:      fields,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var raw entityJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal entity: %w", err)
	}
	fields, err := DecodeFields(raw.Kind, raw.Fields)
	if err != nil {
		return fmt.Errorf("unmarshal entity %s: %w", raw.ID, err)
	}
	if raw.Version == nil {
		raw.Version = vclock.New()
	}
	*e = Entity{
		ID:          raw.ID,
		NodeID:      raw.NodeID,
		CreatedAt:   raw.CreatedAt,
		UpdatedAt:   raw.UpdatedAt,
		Version:     raw.Version,
		IsDeleted:   raw.IsDeleted,
		Incarnation: raw.Incarnation,
		Fields:      fields,
	}
	return nil
}

// EncodeFields serializes the CRDT field state. This is the opaque blob
// stored alongside the denormalized business columns.
func EncodeFields(f Fields) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("encode fields: %w: nil fields", ErrUnknownKind)
	}
	if _, err := variantOf(f.Kind()); err != nil {
		return nil, err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s fields: %w", f.Kind(), err)
	}
	return data, nil
}

// DecodeFields restores field state for kind. Empty input yields zero fields.
func DecodeFields(k Kind, data []byte) (Fields, error) {
	v, err := variantOf(k)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		data = nil
	}
	return v.decode(data)
}
