package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/bizsync/internal/conflict"
	"github.com/roach88/bizsync/internal/entity"
	"github.com/roach88/bizsync/internal/events"
)

// Scenario is one convergence test.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Nodes lists replica ids. Each gets its own database.
	Nodes []string `yaml:"nodes"`

	// Policy is optional CUE rule source applied on every node. Empty means
	// the built-in rules.
	Policy string `yaml:"policy,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step actions.
const (
	StepCreate   = "create"
	StepUpdate   = "update"
	StepDelete   = "delete"
	StepRecreate = "recreate"
	StepSync     = "sync"
	StepAdvance  = "advance"
	StepResolve  = "resolve"
)

// Step is one action in the flow.
type Step struct {
	Action string `yaml:"action"`

	// Node runs local writes, advance and resolve.
	Node string `yaml:"node,omitempty"`

	Kind   string   `yaml:"kind,omitempty"`
	ID     string   `yaml:"id,omitempty"`
	Assign []string `yaml:"assign,omitempty"`

	// From and To name the sync direction. The whole state of From is
	// shipped.
	From string `yaml:"from,omitempty"`
	To   string `yaml:"to,omitempty"`

	// By is the wall clock advance for StepAdvance.
	By string `yaml:"by,omitempty"`

	// Choice decides every pending review of the entity: local, remote or
	// merge.
	Choice string `yaml:"choice,omitempty"`

	// Fails marks a step that must return an error.
	Fails bool `yaml:"fails,omitempty"`
}

// Assertion checks the final state.
type Assertion struct {
	// Type is one of converged, field, deleted, pending_reviews,
	// event_count.
	Type string `yaml:"type"`

	Node string `yaml:"node,omitempty"`
	Kind string `yaml:"kind,omitempty"`
	ID   string `yaml:"id,omitempty"`

	// Nodes restricts converged to a subset. Empty means all nodes.
	Nodes []string `yaml:"nodes,omitempty"`

	// Expect holds field values for field (subset match).
	Expect map[string]any `yaml:"expect,omitempty"`

	Deleted *bool  `yaml:"deleted,omitempty"`
	Op      string `yaml:"op,omitempty"`
	Count   *int   `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertConverged      = "converged"
	AssertField          = "field"
	AssertDeleted        = "deleted"
	AssertPendingReviews = "pending_reviews"
	AssertEventCount     = "event_count"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Nodes) == 0 {
		return fmt.Errorf("nodes list is required and must be non-empty")
	}
	seen := make(map[string]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if n == "" {
			return fmt.Errorf("nodes: empty node id")
		}
		if seen[n] {
			return fmt.Errorf("nodes: duplicate node %q", n)
		}
		seen[n] = true
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(s, step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(s, a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(s *Scenario, step Step) error {
	node := func(name, field string) error {
		if name == "" {
			return fmt.Errorf("%s is required for %s", field, step.Action)
		}
		if !slices.Contains(s.Nodes, name) {
			return fmt.Errorf("%s: unknown node %q", field, name)
		}
		return nil
	}
	target := func() error {
		if err := node(step.Node, "node"); err != nil {
			return err
		}
		if _, err := entity.ParseKind(step.Kind); err != nil {
			return err
		}
		if step.ID == "" {
			return fmt.Errorf("id is required for %s", step.Action)
		}
		return nil
	}

	switch step.Action {
	case StepCreate, StepUpdate, StepDelete, StepRecreate:
		return target()
	case StepSync:
		if err := node(step.From, "from"); err != nil {
			return err
		}
		if err := node(step.To, "to"); err != nil {
			return err
		}
		if step.From == step.To {
			return fmt.Errorf("sync from and to must differ")
		}
	case StepAdvance:
		if err := node(step.Node, "node"); err != nil {
			return err
		}
		if _, err := time.ParseDuration(step.By); err != nil {
			return fmt.Errorf("by: %w", err)
		}
	case StepResolve:
		if err := target(); err != nil {
			return err
		}
		if _, err := conflict.ParseChoice(step.Choice); err != nil {
			return err
		}
	case "":
		return fmt.Errorf("action is required")
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	return nil
}

func validateAssertion(s *Scenario, a Assertion) error {
	known := func(name string) error {
		if !slices.Contains(s.Nodes, name) {
			return fmt.Errorf("unknown node %q", name)
		}
		return nil
	}
	entityRef := func() error {
		if _, err := entity.ParseKind(a.Kind); err != nil {
			return err
		}
		if a.ID == "" {
			return fmt.Errorf("id is required for %s", a.Type)
		}
		return nil
	}

	switch a.Type {
	case AssertConverged:
		for _, n := range a.Nodes {
			if err := known(n); err != nil {
				return err
			}
		}
		return entityRef()
	case AssertField:
		if err := known(a.Node); err != nil {
			return err
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("expect is required for field")
		}
		return entityRef()
	case AssertDeleted:
		if err := known(a.Node); err != nil {
			return err
		}
		if a.Deleted == nil {
			return fmt.Errorf("deleted is required for deleted")
		}
		return entityRef()
	case AssertPendingReviews:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("count must be set and non-negative for pending_reviews")
		}
		return known(a.Node)
	case AssertEventCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("count must be set and non-negative for event_count")
		}
		switch events.Op(a.Op) {
		case events.OpInsert, events.OpUpdate, events.OpDelete, events.OpRecreate, events.OpMerge, events.OpReview, events.OpCommit:
		default:
			return fmt.Errorf("unknown event op %q", a.Op)
		}
		return known(a.Node)
	case "":
		return fmt.Errorf("type is required")
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}
