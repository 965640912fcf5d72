package conflict

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/roach88/bizsync/internal/entity"
)

// Strategy names how a conflict is resolved.
type Strategy string

const (
	Merge          Strategy = "merge"
	LastWriteWins  Strategy = "last_write_wins"
	FirstWriteWins Strategy = "first_write_wins"
	BusinessRules  Strategy = "business_rules"
	ManualReview   Strategy = "manual_review"
	UserChoice     Strategy = "user_choice"
)

// ParseStrategy parses a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case Merge, LastWriteWins, FirstWriteWins, BusinessRules, ManualReview, UserChoice:
		return st, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Defers reports whether the strategy hands the decision to a human.
func (s Strategy) Defers() bool {
	return s == ManualReview || s == UserChoice
}

// Rule selects a strategy for (table, conflict kind). Empty Table or Kind
// match anything.
type Rule struct {
	Name     string
	Priority int
	Table    entity.Kind
	Kind     Kind
	Strategy Strategy
}

// Matches reports whether the rule applies to a table and conflict kind.
func (r Rule) Matches(table entity.Kind, kind Kind) bool {
	return (r.Table == "" || r.Table == table) && (r.Kind == "" || r.Kind == kind)
}

// Validate checks names and enums.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule: empty name")
	}
	if r.Table != "" && !r.Table.Valid() {
		return fmt.Errorf("rule %s: unknown table %q", r.Name, r.Table)
	}
	if r.Kind != "" {
		if _, err := ParseKind(string(r.Kind)); err != nil {
			return fmt.Errorf("rule %s: %w", r.Name, err)
		}
	}
	if _, err := ParseStrategy(string(r.Strategy)); err != nil {
		return fmt.Errorf("rule %s: %w", r.Name, err)
	}
	return nil
}

func (r Rule) specificity() int {
	n := 0
	if r.Table != "" {
		n += 2
	}
	if r.Kind != "" {
		n++
	}
	return n
}

// SortRules orders rules into the total evaluation order: higher priority
// first, then more specific (table beats kind), then by name. Duplicate
// names are rejected so the order is total.
func SortRules(rules []Rule) ([]Rule, error) {
	seen := make(map[string]bool, len(rules))
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("rule %s: duplicate name", r.Name)
		}
		seen[r.Name] = true
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Rule) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := cmp.Compare(b.specificity(), a.specificity()); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out, nil
}

// DefaultRules is the built-in policy: business precedence for invoices and
// accounting transactions, field merge for everything else.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "invoice-business", Priority: 100, Table: entity.KindInvoice, Kind: Concurrent, Strategy: BusinessRules},
		{Name: "transaction-business", Priority: 100, Table: entity.KindTransaction, Kind: Concurrent, Strategy: BusinessRules},
		{Name: "default-merge", Priority: 0, Strategy: Merge},
	}
}
