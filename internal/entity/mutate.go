package entity

import (
	"fmt"
	"strings"

	"github.com/roach88/bizsync/internal/crdt"
	"github.com/roach88/bizsync/internal/hlc"
	"github.com/roach88/bizsync/internal/ir"
	"github.com/roach88/bizsync/internal/vclock"
)

// Clock is what local writes need from the node's HLC. *hlc.Clock
// implements it.
type Clock interface {
	crdt.Ticker
	NodeID() string
}

// Action is a named mutation verb.
type Action string

const (
	ActionSet    Action = "set"    // register: replace value
	ActionAdd    Action = "add"    // counter: add a signed delta
	ActionInsert Action = "insert" // set: add element(s)
	ActionRemove Action = "remove" // set: remove element(s)
)

// Op is one named field mutation.
type Op struct {
	Field  string
	Action Action
	Value  ir.Value
}

// Mutation is an ordered list of ops applied as one revision.
type Mutation []Op

// New creates the first revision of an entity. CreatedAt is fixed here for
// the entity's lifetime.
func New(id string, kind Kind, clock Clock) (Entity, error) {
	fields, err := Zero(kind)
	if err != nil {
		return Entity{}, err
	}
	if id == "" {
		return Entity{}, fmt.Errorf("new %s: empty id", kind)
	}
	ts := clock.Tick()
	return Entity{
		ID:        id,
		NodeID:    clock.NodeID(),
		CreatedAt: ts,
		UpdatedAt: ts,
		Version:   vclock.New().Increment(clock.NodeID()),
		Fields:    fields,
	}, nil
}

// Create is New followed by Apply.
func Create(id string, kind Kind, clock Clock, m Mutation) (Entity, error) {
	e, err := New(id, kind, clock)
	if err != nil {
		return Entity{}, err
	}
	if len(m) == 0 {
		return e, nil
	}
	return e.apply(clock, m, false)
}

// Edit applies a typed local change. fn receives the current fields and a
// ticker; every container write must use that ticker. The result is one new
// revision.
func Edit[F Fields](e Entity, clock Clock, fn func(F, crdt.Ticker) (F, error)) (Entity, error) {
	if e.IsDeleted {
		return Entity{}, fmt.Errorf("edit %s: %w", e.Key(), ErrDeleted)
	}
	typed, ok := e.Fields.(F)
	if !ok {
		var want F
		return Entity{}, fmt.Errorf("edit %s: %w: got %T, want %T", e.Key(), ErrKindMismatch, e.Fields, want)
	}
	rec := &recordingTicker{clock: clock}
	next, err := fn(typed, rec)
	if err != nil {
		return Entity{}, fmt.Errorf("edit %s: %w", e.Key(), err)
	}
	return e.revise(clock, rec, next), nil
}

// Apply runs a named mutation as one revision.
func (e Entity) Apply(clock Clock, m Mutation) (Entity, error) {
	return e.apply(clock, m, false)
}

func (e Entity) apply(clock Clock, m Mutation, allowDeleted bool) (Entity, error) {
	if e.IsDeleted && !allowDeleted {
		return Entity{}, fmt.Errorf("apply %s: %w", e.Key(), ErrDeleted)
	}
	v, err := variantOf(e.Kind())
	if err != nil {
		return Entity{}, err
	}
	rec := &recordingTicker{clock: clock}
	fields := e.Fields
	for _, op := range m {
		fields, err = v.apply(fields, op, rec)
		if err != nil {
			return Entity{}, fmt.Errorf("apply %s: %w", e.Key(), err)
		}
	}
	return e.revise(clock, rec, fields), nil
}

// Delete marks the entity as a tombstone. The row stays so later concurrent
// edits still merge against it.
func (e Entity) Delete(clock Clock) Entity {
	rec := &recordingTicker{clock: clock}
	rec.Tick()
	out := e.revise(clock, rec, e.Fields)
	out.IsDeleted = true
	return out
}

// Recreate is the explicit undelete path. It starts a new incarnation with
// fresh fields. Merge prefers the newer incarnation's content, so the
// recreated record is not swallowed by the sticky tombstone.
func (e Entity) Recreate(clock Clock, m Mutation) (Entity, error) {
	if !e.IsDeleted {
		return Entity{}, fmt.Errorf("recreate %s: entity is not deleted", e.Key())
	}
	fields, err := Zero(e.Kind())
	if err != nil {
		return Entity{}, err
	}
	base := e.clone()
	base.Fields = fields
	base.IsDeleted = false
	base.Incarnation = e.Incarnation + 1
	base.CreatedAt = clock.Tick()
	base.UpdatedAt = base.CreatedAt
	base.NodeID = clock.NodeID()
	base.Version = e.Version.Increment(clock.NodeID())
	if len(m) == 0 {
		return base, nil
	}
	return base.apply(clock, m, false)
}

// revise stamps a new local revision: bump own version entry, move
// updated_at to the newest tick used.
func (e Entity) revise(clock Clock, rec *recordingTicker, fields Fields) Entity {
	out := e.clone()
	out.Fields = fields
	if rec.last.IsZero() {
		rec.Tick()
	}
	out.UpdatedAt = hlc.Max(out.UpdatedAt, rec.last)
	out.NodeID = out.UpdatedAt.Node
	out.Version = e.Version.Increment(clock.NodeID())
	return out
}

type recordingTicker struct {
	clock crdt.Ticker
	last  hlc.Timestamp
}

func (r *recordingTicker) Tick() hlc.Timestamp {
	ts := r.clock.Tick()
	r.last = hlc.Max(r.last, ts)
	return ts
}

// ParseAssignments turns CLI-style assignments into a mutation:
//
//	name=Acme               register set
//	loyalty_points+=50      counter add
//	loyalty_points-=5       counter subtract
//	tags+=vip               set insert
//	tags-=vip               set remove
func ParseAssignments(k Kind, args []string) (Mutation, error) {
	v, err := variantOf(k)
	if err != nil {
		return nil, err
	}
	m := make(Mutation, 0, len(args))
	for _, arg := range args {
		op, err := parseAssignment(k, v, arg)
		if err != nil {
			return nil, err
		}
		m = append(m, op)
	}
	return m, nil
}

func parseAssignment(k Kind, v variant, arg string) (Op, error) {
	i := strings.IndexByte(arg, '=')
	if i <= 0 {
		return Op{}, fmt.Errorf("assignment %q: want field=value, field+=value or field-=value", arg)
	}
	name, verb, literal := arg[:i], "=", arg[i+1:]
	if last := name[len(name)-1]; last == '+' || last == '-' {
		name, verb = name[:len(name)-1], string(last)+"="
	}
	fk, ok := v.fieldKind(name)
	if !ok {
		return Op{}, fmt.Errorf("assignment %q: %w: %s has no field %q", arg, ErrUnknownField, k, name)
	}
	value, err := v.parse(name, literal)
	if err != nil {
		return Op{}, fmt.Errorf("assignment %q: %w", arg, err)
	}

	switch {
	case fk == RegisterField && verb == "=":
		return Op{Field: name, Action: ActionSet, Value: value}, nil
	case fk == CounterField && verb == "+=":
		return Op{Field: name, Action: ActionAdd, Value: value}, nil
	case fk == CounterField && verb == "-=":
		return Op{Field: name, Action: ActionAdd, Value: -value.(ir.Int)}, nil
	case fk == SetField && verb == "+=":
		return Op{Field: name, Action: ActionInsert, Value: value}, nil
	case fk == SetField && verb == "-=":
		return Op{Field: name, Action: ActionRemove, Value: value}, nil
	}
	return Op{}, fmt.Errorf("assignment %q: %s field %q does not support %q", arg, fk, name, verb)
}
