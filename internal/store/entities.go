package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/bizsync/internal/entity"
	"github.com/roach88/bizsync/internal/hlc"
	"github.com/roach88/bizsync/internal/ir"
	"github.com/roach88/bizsync/internal/txn"
	"github.com/roach88/bizsync/internal/vclock"
)

// nullWhenEmpty lists reference columns stored as NULL when the register
// is empty, so an unset reference never trips the foreign key.
var nullWhenEmpty = map[string]bool{
	"customer_id": true,
}

const headerColumns = "id, node_id, created_at, updated_at, version, is_deleted, incarnation, crdt_state"

// SaveEntity inserts or updates the row for e inside tx. Business columns
// are rewritten from the CRDT state on every save.
func SaveEntity(ctx context.Context, tx *txn.Tx, e entity.Entity) error {
	table := string(e.Kind())
	if !e.Kind().Valid() {
		return fmt.Errorf("save entity %s: %w", e.ID, entity.ErrUnknownKind)
	}
	row, err := entityRow(e)
	if err != nil {
		return fmt.Errorf("save entity %s: %w", e.Key(), err)
	}

	exists, err := rowExists(ctx, tx, table, e.ID)
	if err != nil {
		return fmt.Errorf("save entity %s: %w", e.Key(), err)
	}
	if !exists {
		_, err = tx.Execute(ctx, txn.Op{Table: table, Kind: txn.Insert, Values: row})
	} else {
		delete(row, "id")
		_, err = tx.Execute(ctx, txn.Op{
			Table:  table,
			Kind:   txn.Update,
			Values: row,
			Where:  &txn.Where{Clause: "id = ?", Args: []any{e.ID}},
		})
	}
	if err != nil {
		return fmt.Errorf("save entity %s: %w", e.Key(), err)
	}
	return nil
}

func rowExists(ctx context.Context, q Querier, table, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", table), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// entityRow renders the full row: header, business columns, crdt_state.
func entityRow(e entity.Entity) (txn.Row, error) {
	state, err := entity.EncodeFields(e.Fields)
	if err != nil {
		return nil, err
	}
	row := txn.Row{
		"id":          e.ID,
		"node_id":     e.NodeID,
		"created_at":  stamp(e.CreatedAt),
		"updated_at":  stamp(e.UpdatedAt),
		"version":     e.Version.String(),
		"is_deleted":  e.IsDeleted,
		"incarnation": int64(e.Incarnation),
		"crdt_state":  string(state),
	}

	values := e.Values()
	for _, name := range entity.FieldNames(e.Kind()) {
		switch v := values[name].(type) {
		case ir.String:
			if v == "" && nullWhenEmpty[name] {
				row[name] = nil
			} else {
				row[name] = string(v)
			}
		case ir.Int:
			row[name] = int64(v)
		case ir.Bool:
			row[name] = bool(v)
		case ir.Array:
			data, err := ir.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", name, err)
			}
			row[name] = string(data)
		default:
			return nil, fmt.Errorf("column %s: unsupported value %T", name, v)
		}
	}
	return row, nil
}

// LoadEntity reads one entity. Tombstones are returned like any other row.
func LoadEntity(ctx context.Context, q Querier, kind entity.Kind, id string) (entity.Entity, error) {
	if !kind.Valid() {
		return entity.Entity{}, fmt.Errorf("load %s/%s: %w", kind, id, entity.ErrUnknownKind)
	}
	row := q.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", headerColumns, kind), id)
	e, err := scanEntity(row, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Entity{}, fmt.Errorf("load %s/%s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return entity.Entity{}, fmt.Errorf("load %s/%s: %w", kind, id, err)
	}
	return e, nil
}

// ListEntities returns every entity of kind ordered by id.
func ListEntities(ctx context.Context, q Querier, kind entity.Kind, includeDeleted bool) ([]entity.Entity, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("list %s: %w", kind, entity.ErrUnknownKind)
	}
	query := fmt.Sprintf("SELECT %s FROM %s", headerColumns, kind)
	if !includeDeleted {
		query += " WHERE is_deleted = 0"
	}
	query += " ORDER BY id COLLATE BINARY ASC"

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}
	defer rows.Close()

	out := []entity.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows, kind)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", kind, err)
	}
	return out, nil
}

// ChangedSince returns every entity, tombstones included, whose updated_at
// is after since, ordered by updated_at. A zero since returns everything.
func ChangedSince(ctx context.Context, q Querier, since hlc.Timestamp) ([]entity.Entity, error) {
	var out []entity.Entity
	for _, kind := range entity.Kinds() {
		all, err := ListEntities(ctx, q, kind, true)
		if err != nil {
			return nil, err
		}
		for _, e := range all {
			if since.IsZero() || e.UpdatedAt.After(since) {
				out = append(out, e)
			}
		}
	}
	slices.SortFunc(out, func(a, b entity.Entity) int {
		if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Key(), b.Key())
	})
	return out, nil
}

// Counts is the number of live and tombstoned rows in an entity table.
type Counts struct {
	Live    int64 `json:"live"`
	Deleted int64 `json:"deleted"`
}

// CountEntities counts rows per entity table.
func CountEntities(ctx context.Context, q Querier) (map[entity.Kind]Counts, error) {
	out := make(map[entity.Kind]Counts, len(entity.Kinds()))
	for _, kind := range entity.Kinds() {
		var c Counts
		err := q.QueryRowContext(ctx, fmt.Sprintf(
			"SELECT COALESCE(SUM(is_deleted = 0), 0), COALESCE(SUM(is_deleted = 1), 0) FROM %s", kind)).
			Scan(&c.Live, &c.Deleted)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", kind, err)
		}
		out[kind] = c
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner, kind entity.Kind) (entity.Entity, error) {
	var (
		id, nodeID, createdAt, updatedAt, version, state string
		deleted                                          bool
		incarnation                                      int64
	)
	if err := row.Scan(&id, &nodeID, &createdAt, &updatedAt, &version, &deleted, &incarnation, &state); err != nil {
		return entity.Entity{}, err
	}
	created, err := parseStamp(createdAt)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("created_at: %w", err)
	}
	updated, err := parseStamp(updatedAt)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("updated_at: %w", err)
	}
	vv, err := vclock.Parse(version)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("version: %w", err)
	}
	fields, err := entity.DecodeFields(kind, []byte(state))
	if err != nil {
		return entity.Entity{}, fmt.Errorf("crdt_state: %w", err)
	}
	return entity.Entity{
		ID:          id,
		NodeID:      nodeID,
		CreatedAt:   created,
		UpdatedAt:   updated,
		Version:     vv,
		IsDeleted:   deleted,
		Incarnation: uint32(incarnation),
		Fields:      fields,
	}, nil
}

func stamp(ts hlc.Timestamp) string {
	if ts.IsZero() {
		return ""
	}
	return ts.String()
}

func parseStamp(s string) (hlc.Timestamp, error) {
	if s == "" {
		return hlc.Timestamp{}, nil
	}
	return hlc.Parse(s)
}
