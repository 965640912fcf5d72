package harness

import (
	"github.com/roach88/bizsync/internal/ir"
)

// SyncRecord is the outcome of one sync step.
type SyncRecord struct {
	From    string         `json:"from"`
	To      string         `json:"to"`
	Applied []AppliedEntry `json:"applied"`
}

// AppliedEntry is one revision's outcome on the receiving node.
type AppliedEntry struct {
	Key      string `json:"key"`
	Outcome  string `json:"outcome"`
	Conflict string `json:"conflict,omitempty"`
	Strategy string `json:"strategy,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step behaved as declared and every assertion
	// held.
	Pass bool `json:"pass"`

	Errors []string `json:"errors,omitempty"`

	Syncs []SyncRecord `json:"syncs"`

	// State maps node id to entity key to the entity's replicated state,
	// without timestamps.
	State map[string]map[string]ir.Object `json:"state"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
		Syncs:  []SyncRecord{},
		State:  make(map[string]map[string]ir.Object),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Snapshot renders the result as an ir object for golden comparison.
func (r *Result) Snapshot(name string) ir.Object {
	syncs := make(ir.Array, len(r.Syncs))
	for i, s := range r.Syncs {
		applied := make(ir.Array, len(s.Applied))
		for j, a := range s.Applied {
			entry := ir.Object{"key": ir.String(a.Key), "outcome": ir.String(a.Outcome)}
			if a.Conflict != "" {
				entry["conflict"] = ir.String(a.Conflict)
			}
			if a.Strategy != "" {
				entry["strategy"] = ir.String(a.Strategy)
			}
			applied[j] = entry
		}
		syncs[i] = ir.Object{"from": ir.String(s.From), "to": ir.String(s.To), "applied": applied}
	}

	nodes := make(ir.Object, len(r.State))
	for node, entities := range r.State {
		obj := make(ir.Object, len(entities))
		for key, state := range entities {
			obj[key] = state
		}
		nodes[node] = obj
	}

	return ir.Object{
		"scenario": ir.String(name),
		"syncs":    syncs,
		"nodes":    nodes,
	}
}
