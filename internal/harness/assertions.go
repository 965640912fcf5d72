package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/bizsync/internal/entity"
	"github.com/roach88/bizsync/internal/events"
	"github.com/roach88/bizsync/internal/ir"
	"github.com/roach88/bizsync/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages. Assertions are independent: one failure does not stop the rest.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := h.evaluate(ctx, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func (h *Harness) evaluate(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertConverged:
		return h.assertConverged(ctx, a)
	case AssertField:
		return h.assertField(ctx, a)
	case AssertDeleted:
		return h.assertDeleted(ctx, a)
	case AssertPendingReviews:
		return h.assertPendingReviews(ctx, a)
	case AssertEventCount:
		return h.assertEventCount(a)
	}
	return fmt.Errorf("unknown assertion type: %s", a.Type)
}

func (h *Harness) load(ctx context.Context, node, kind, id string) (entity.Entity, error) {
	n, ok := h.nodes[node]
	if !ok {
		return entity.Entity{}, fmt.Errorf("unknown node %q", node)
	}
	k, err := entity.ParseKind(kind)
	if err != nil {
		return entity.Entity{}, err
	}
	return n.Get(ctx, k, id)
}

// assertConverged checks that the listed nodes hold byte-identical state
// for the entity.
func (h *Harness) assertConverged(ctx context.Context, a Assertion) error {
	nodes := a.Nodes
	if len(nodes) == 0 {
		nodes = slices.Sorted(maps.Keys(h.nodes))
	}

	var (
		first   string
		firstFP uint64
		seen    []string
	)
	for _, node := range nodes {
		e, err := h.load(ctx, node, a.Kind, a.ID)
		if errors.Is(err, store.ErrNotFound) {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("%s/%s present on every node", a.Kind, a.ID),
				Actual:   fmt.Sprintf("missing on %s", node),
			}
		}
		if err != nil {
			return err
		}
		fp, err := e.Fingerprint()
		if err != nil {
			return err
		}
		seen = append(seen, fmt.Sprintf("%s=%016x", node, fp))
		if first == "" {
			first, firstFP = node, fp
			continue
		}
		if fp != firstFP {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("identical fingerprints for %s/%s", a.Kind, a.ID),
				Actual:   strings.Join(seen, ", "),
			}
		}
	}
	return nil
}

// assertField checks a subset of logical field values.
func (h *Harness) assertField(ctx context.Context, a Assertion) error {
	e, err := h.load(ctx, a.Node, a.Kind, a.ID)
	if err != nil {
		return err
	}
	values := e.Values()
	for field, raw := range a.Expect {
		want, err := ir.FromAny(raw)
		if err != nil {
			return fmt.Errorf("expect.%s: %w", field, err)
		}
		got, ok := values[field]
		if !ok {
			return &AssertionError{
				Type:     AssertField,
				Expected: fmt.Sprintf("field %s on %s/%s", field, a.Kind, a.ID),
				Actual:   "no such field",
			}
		}
		if !sameValue(want, got) {
			return &AssertionError{
				Type:     AssertField,
				Expected: fmt.Sprintf("%s/%s on %s: %s = %s", a.Kind, a.ID, a.Node, field, render(want)),
				Actual:   render(got),
			}
		}
	}
	return nil
}

func (h *Harness) assertDeleted(ctx context.Context, a Assertion) error {
	e, err := h.load(ctx, a.Node, a.Kind, a.ID)
	if err != nil {
		return err
	}
	if e.IsDeleted != *a.Deleted {
		return &AssertionError{
			Type:     AssertDeleted,
			Expected: fmt.Sprintf("%s/%s on %s is_deleted=%t", a.Kind, a.ID, a.Node, *a.Deleted),
			Actual:   fmt.Sprintf("is_deleted=%t", e.IsDeleted),
		}
	}
	return nil
}

func (h *Harness) assertPendingReviews(ctx context.Context, a Assertion) error {
	pending, err := h.nodes[a.Node].Reviews(ctx, store.ReviewPending)
	if err != nil {
		return err
	}
	if len(pending) != *a.Count {
		return &AssertionError{
			Type:     AssertPendingReviews,
			Expected: fmt.Sprintf("%d pending reviews on %s", *a.Count, a.Node),
			Actual:   fmt.Sprintf("%d", len(pending)),
		}
	}
	return nil
}

func (h *Harness) assertEventCount(a Assertion) error {
	count := 0
	for _, ev := range h.nodes[a.Node].audit.Events() {
		if ev.Op == events.Op(a.Op) {
			count++
		}
	}
	if count != *a.Count {
		return &AssertionError{
			Type:     AssertEventCount,
			Expected: fmt.Sprintf("%d %s events on %s", *a.Count, a.Op, a.Node),
			Actual:   fmt.Sprintf("%d", count),
		}
	}
	return nil
}

func sameValue(a, b ir.Value) bool {
	ab, errA := ir.MarshalCanonical(a)
	bb, errB := ir.MarshalCanonical(b)
	return errA == nil && errB == nil && bytes.Equal(ab, bb)
}

func render(v ir.Value) string {
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
