package conflict

import (
	"fmt"

	"github.com/roach88/bizsync/internal/entity"
	"github.com/roach88/bizsync/internal/ir"
)

// Review is a conflict deferred to a human. It carries both full revisions
// so the decision can be made later without re-fetching anything.
type Review struct {
	ID       string
	Table    entity.Kind
	EntityID string
	Kind     Kind
	Strategy Strategy
	Reason   string
	Local    entity.Entity
	Remote   entity.Entity
	Metadata ir.Object
}

func newReview(local, remote entity.Entity, kind Kind, strategy Strategy, reason string, md ir.Object) *Review {
	return &Review{
		ID:       ir.ReviewID(string(local.Kind()), local.ID, stamp(local.UpdatedAt), stamp(remote.UpdatedAt)),
		Table:    local.Kind(),
		EntityID: local.ID,
		Kind:     kind,
		Strategy: strategy,
		Reason:   reason,
		Local:    local,
		Remote:   remote,
		Metadata: md,
	}
}

// Choice is a human decision on a review.
type Choice string

const (
	ChooseLocal  Choice = "local"
	ChooseRemote Choice = "remote"
	ChooseMerge  Choice = "merge"
)

// ParseChoice parses a review decision.
func ParseChoice(s string) (Choice, error) {
	switch c := Choice(s); c {
	case ChooseLocal, ChooseRemote, ChooseMerge:
		return c, nil
	}
	return "", fmt.Errorf("unknown choice %q (want local, remote or merge)", s)
}

// Decide produces the entity a reviewer's choice stands for. The result's
// version covers both sides so neither revision reopens the conflict.
func (rv *Review) Decide(c Choice) (entity.Entity, error) {
	switch c {
	case ChooseMerge:
		return rv.Local.Merge(rv.Remote)
	case ChooseLocal:
		return pickSide(rv.Local, rv.Remote), nil
	case ChooseRemote:
		return pickSide(rv.Remote, rv.Local), nil
	}
	return entity.Entity{}, fmt.Errorf("review %s: unknown choice %q", rv.ID, c)
}

func pickSide(winner, loser entity.Entity) entity.Entity {
	out := winner
	out.Version = winner.Version.Merge(loser.Version)
	if loser.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = loser.UpdatedAt
		out.NodeID = loser.UpdatedAt.Node
	}
	return out
}

// Snapshot renders the review for listing and golden output.
func (rv *Review) Snapshot() ir.Object {
	return ir.Object{
		"id":        ir.String(rv.ID),
		"table":     ir.String(rv.Table),
		"entity_id": ir.String(rv.EntityID),
		"conflict":  ir.String(rv.Kind),
		"strategy":  ir.String(rv.Strategy),
		"reason":    ir.String(rv.Reason),
		"local":     rv.Local.Snapshot(),
		"remote":    rv.Remote.Snapshot(),
	}
}
