package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/roach88/bizsync/internal/conflict"
	"github.com/roach88/bizsync/internal/entity"
	"github.com/roach88/bizsync/internal/events"
	"github.com/roach88/bizsync/internal/hlc"
	"github.com/roach88/bizsync/internal/ir"
	"github.com/roach88/bizsync/internal/store"
	"github.com/roach88/bizsync/internal/txn"
)

// ErrChangeSetCorrupt is returned when a change set's id does not match its
// content.
var ErrChangeSetCorrupt = errors.New("change set id does not match content")

// ChangeSet is the unit of exchange between nodes: every revision a node
// holds that changed after Since.
type ChangeSet struct {
	ID        string          `json:"id"`
	Node      string          `json:"node"`
	Since     hlc.Timestamp   `json:"since"`
	Until     hlc.Timestamp   `json:"until"`
	Revisions []entity.Entity `json:"revisions"`
}

// Outcome is what Import did with one remote revision.
type Outcome string

const (
	Inserted  Outcome = "inserted"  // entity was unknown locally
	Unchanged Outcome = "unchanged" // local already covers the remote revision
	Replaced  Outcome = "replaced"  // remote revision dominates local
	Merged    Outcome = "merged"    // conflict resolved into a new state
	Deferred  Outcome = "deferred"  // conflict queued for manual review
)

// Applied reports one revision of an import.
type Applied struct {
	Table    entity.Kind       `json:"table"`
	ID       string            `json:"id"`
	Outcome  Outcome           `json:"outcome"`
	Conflict conflict.Kind     `json:"conflict,omitempty"`
	Strategy conflict.Strategy `json:"strategy,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	ReviewID string            `json:"review_id,omitempty"`
}

// ImportReport lists what happened to each revision, in change set order.
type ImportReport struct {
	ChangeSet string    `json:"change_set"`
	From      string    `json:"from"`
	Applied   []Applied `json:"applied"`
}

// Count returns how many revisions ended with outcome o.
func (r ImportReport) Count(o Outcome) int {
	n := 0
	for _, a := range r.Applied {
		if a.Outcome == o {
			n++
		}
	}
	return n
}

// Export returns every revision, tombstones included, updated after since.
// A zero since exports everything.
func (n *Node) Export(ctx context.Context, since hlc.Timestamp) (ChangeSet, error) {
	revs, err := store.ChangedSince(ctx, n.store, since)
	if err != nil {
		return ChangeSet{}, fmt.Errorf("export: %w", err)
	}
	if revs == nil {
		revs = []entity.Entity{}
	}
	until := since
	for _, r := range revs {
		until = hlc.Max(until, r.UpdatedAt)
	}
	id, err := changeSetID(n.id, since, revs)
	if err != nil {
		return ChangeSet{}, fmt.Errorf("export: %w", err)
	}
	n.logger.Info("change set exported",
		zap.String("change_set", id),
		zap.Int("revisions", len(revs)),
		zap.String("since", since.String()))
	return ChangeSet{ID: id, Node: n.id, Since: since, Until: until, Revisions: revs}, nil
}

// ApplyRemote folds one remote revision into the local store.
func (n *Node) ApplyRemote(ctx context.Context, remote entity.Entity) (Applied, error) {
	report, err := n.Import(ctx, ChangeSet{Node: remote.NodeID, Revisions: []entity.Entity{remote}})
	if err != nil {
		return Applied{}, err
	}
	return report.Applied[0], nil
}

// Import applies a change set. Conflicts are resolved in parallel and the
// results persisted in one transaction: either every revision lands or
// none does.
func (n *Node) Import(ctx context.Context, cs ChangeSet) (ImportReport, error) {
	revs, err := collapse(cs.Revisions)
	if err != nil {
		return ImportReport{}, fmt.Errorf("import %s: %w", cs.ID, err)
	}
	for _, r := range revs {
		n.clock.Observe(r.UpdatedAt)
	}

	var (
		report  ImportReport
		written []entity.Entity
	)
	err = n.run(ctx, func(ctx context.Context, tx *txn.Tx) error {
		report = ImportReport{ChangeSet: cs.ID, From: cs.Node}
		written = written[:0]

		locals := make([]*entity.Entity, len(revs))
		var (
			pairs []conflict.Pair
			index []int
		)
		for i, r := range revs {
			cur, err := store.LoadEntity(ctx, tx, r.Kind(), r.ID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			locals[i] = &cur
			pairs = append(pairs, conflict.Pair{Local: cur, Remote: r})
			index = append(index, i)
		}

		results, err := n.resolver.ResolveBatch(ctx, pairs)
		if err != nil {
			return err
		}
		resolutions := make([]conflict.Resolution, len(revs))
		for j, i := range index {
			resolutions[i] = results[j]
		}

		for i, r := range revs {
			a, saved, err := n.applyOne(ctx, tx, cs, r, locals[i], resolutions[i])
			if err != nil {
				return fmt.Errorf("%s: %w", r.Key(), err)
			}
			report.Applied = append(report.Applied, a)
			if saved != nil {
				written = append(written, *saved)
			}
		}
		return nil
	})
	if err != nil {
		return ImportReport{}, fmt.Errorf("import %s: %w", cs.ID, err)
	}

	n.remember(written...)
	for _, a := range report.Applied {
		n.metrics.RemoteApplied(string(a.Table), string(a.Outcome))
	}
	n.logger.Info("change set imported",
		zap.String("change_set", cs.ID),
		zap.String("from", cs.Node),
		zap.Int("revisions", len(report.Applied)),
		zap.Int("merged", report.Count(Merged)),
		zap.Int("deferred", report.Count(Deferred)))
	return report, nil
}

// applyOne persists the outcome for one remote revision. It returns the
// written entity, or nil when the local row is untouched.
func (n *Node) applyOne(ctx context.Context, tx *txn.Tx, cs ChangeSet, remote entity.Entity,
	local *entity.Entity, res conflict.Resolution) (Applied, *entity.Entity, error) {
	a := Applied{Table: remote.Kind(), ID: remote.ID}

	if local == nil {
		a.Outcome = Inserted
		md := ir.Object{"origin": ir.String(remote.NodeID), "change_set": ir.String(cs.ID)}
		if err := store.SaveEntity(ctx, tx, remote); err != nil {
			return a, nil, err
		}
		return a, &remote, n.emit(tx, events.OpInsert, nil, remote, md)
	}

	a.Conflict, a.Strategy, a.Reason = res.Kind, res.Strategy, res.Reason
	md := res.Metadata.With("change_set", ir.String(cs.ID))

	switch {
	case res.RequiresManualReview:
		a.Outcome = Deferred
		a.ReviewID = res.Review.ID
		if err := store.SaveReview(ctx, tx, res.Review, n.clock.Tick()); err != nil {
			return a, nil, err
		}
		return a, nil, n.emit(tx, events.OpReview, local, remote, md.With("review_id", ir.String(res.Review.ID)))

	case res.Resolved.Equal(*local):
		a.Outcome = Unchanged
		return a, nil, nil

	case res.Kind == conflict.None:
		a.Outcome = Replaced
	default:
		a.Outcome = Merged
	}

	out := res.Resolved
	if err := store.SaveEntity(ctx, tx, out); err != nil {
		return a, nil, err
	}
	return a, &out, n.emit(tx, events.OpMerge, local, out, md)
}

// collapse validates remote revisions and merges duplicates of one entity
// so each key is resolved once. First-seen order is kept.
func collapse(revs []entity.Entity) ([]entity.Entity, error) {
	out := make([]entity.Entity, 0, len(revs))
	seen := make(map[string]int, len(revs))
	for _, r := range revs {
		if err := validateRevision(r); err != nil {
			return nil, err
		}
		i, dup := seen[r.Key()]
		if !dup {
			seen[r.Key()] = len(out)
			out = append(out, r)
			continue
		}
		merged, err := out[i].Merge(r)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", r.Key(), err)
		}
		out[i] = merged
	}
	return out, nil
}

func validateRevision(r entity.Entity) error {
	switch {
	case r.Fields == nil || !r.Kind().Valid():
		return fmt.Errorf("%w: %q has no known kind", ErrInvalidRevision, r.ID)
	case r.ID == "":
		return fmt.Errorf("%w: empty %s id", ErrInvalidRevision, r.Kind())
	case r.UpdatedAt.IsZero() || r.CreatedAt.IsZero():
		return fmt.Errorf("%w: %s has no timestamps", ErrInvalidRevision, r.Key())
	case r.UpdatedAt.Before(r.LatestFieldTime()):
		return fmt.Errorf("%w: %s updated_at %s precedes a field write at %s",
			ErrInvalidRevision, r.Key(), r.UpdatedAt, r.LatestFieldTime())
	case len(r.Version.Nodes()) == 0:
		return fmt.Errorf("%w: %s has an empty version", ErrInvalidRevision, r.Key())
	}
	return nil
}

func changeSetID(node string, since hlc.Timestamp, revs []entity.Entity) (string, error) {
	arr := make(ir.Array, len(revs))
	for i, r := range revs {
		fp, err := r.Fingerprint()
		if err != nil {
			return "", err
		}
		arr[i] = ir.Object{
			"key":         ir.String(r.Key()),
			"updated_at":  ir.String(r.UpdatedAt.String()),
			"version":     ir.String(r.Version.String()),
			"fingerprint": ir.String(fmt.Sprintf("%016x", fp)),
		}
	}
	sinceText := ""
	if !since.IsZero() {
		sinceText = since.String()
	}
	return ir.ChangeSetID(node, sinceText, arr)
}

// WriteChangeSet encodes cs as indented JSON.
func WriteChangeSet(w io.Writer, cs ChangeSet) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cs); err != nil {
		return fmt.Errorf("write change set: %w", err)
	}
	return nil
}

// ReadChangeSet decodes a change set and checks its id against the content.
func ReadChangeSet(r io.Reader) (ChangeSet, error) {
	var cs ChangeSet
	if err := json.NewDecoder(r).Decode(&cs); err != nil {
		return ChangeSet{}, fmt.Errorf("read change set: %w", err)
	}
	want, err := changeSetID(cs.Node, cs.Since, cs.Revisions)
	if err != nil {
		return ChangeSet{}, fmt.Errorf("read change set: %w", err)
	}
	if cs.ID != want {
		return ChangeSet{}, fmt.Errorf("read change set %s: %w", cs.ID, ErrChangeSetCorrupt)
	}
	return cs, nil
}
