package policy

import (
	"fmt"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/bizsync/internal/conflict"
	"github.com/roach88/bizsync/internal/entity"
)

// CompileError is a rule that failed to compile, with its CUE position.
type CompileError struct {
	Rule    string
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	where := e.Field
	if e.Rule != "" {
		where = "rule." + e.Rule
		if e.Field != "" {
			where += "." + e.Field
		}
	}
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			where, e.Message)
	}
	return fmt.Sprintf("%s: %s", where, e.Message)
}

// schemaSource is the CUE definition every rule is unified with.
func schemaSource() string {
	quote := func(ss []string) string {
		q := make([]string, len(ss))
		for i, s := range ss {
			q[i] = strconv.Quote(s)
		}
		return strings.Join(q, " | ")
	}
	var tables []string
	for _, k := range entity.Kinds() {
		tables = append(tables, string(k))
	}
	kinds := []string{
		string(conflict.Concurrent), string(conflict.DeleteVsUpdate), string(conflict.UpdateVsDelete),
	}
	strategies := []string{
		string(conflict.Merge), string(conflict.LastWriteWins), string(conflict.FirstWriteWins),
		string(conflict.BusinessRules), string(conflict.ManualReview), string(conflict.UserChoice),
	}
	return fmt.Sprintf(`#Rule: {
	priority: int | *0
	table?:   %s
	kind?:    %s
	strategy: %s
}`, quote(tables), quote(kinds), quote(strategies))
}

// CompileRule turns one rule value into a conflict.Rule. The rule name is
// the value's last path selector.
func CompileRule(v cue.Value) (conflict.Rule, error) {
	var rule conflict.Rule
	if sel := v.Path().Selectors(); len(sel) > 0 {
		rule.Name = unquote(sel[len(sel)-1].String())
	}
	if err := v.Err(); err != nil {
		return rule, formatCUEError(rule.Name, err)
	}

	schema := v.Context().CompileString(schemaSource()).LookupPath(cue.ParsePath("#Rule"))
	u := schema.Unify(v)
	if err := u.Validate(cue.Concrete(true)); err != nil {
		return rule, formatCUEError(rule.Name, err)
	}

	priority, err := u.LookupPath(cue.ParsePath("priority")).Int64()
	if err != nil {
		return rule, formatCUEError(rule.Name, err)
	}
	rule.Priority = int(priority)

	strategy, err := u.LookupPath(cue.ParsePath("strategy")).String()
	if err != nil {
		return rule, formatCUEError(rule.Name, err)
	}
	rule.Strategy = conflict.Strategy(strategy)

	if t := u.LookupPath(cue.ParsePath("table")); t.Exists() {
		s, err := t.String()
		if err != nil {
			return rule, formatCUEError(rule.Name, err)
		}
		rule.Table = entity.Kind(s)
	}
	if k := u.LookupPath(cue.ParsePath("kind")); k.Exists() {
		s, err := k.String()
		if err != nil {
			return rule, formatCUEError(rule.Name, err)
		}
		rule.Kind = conflict.Kind(s)
	}

	if err := rule.Validate(); err != nil {
		return rule, &CompileError{Rule: rule.Name, Message: err.Error(), Pos: v.Pos()}
	}
	return rule, nil
}

func unquote(s string) string {
	if u, err := strconv.Unquote(s); err == nil {
		return u
	}
	return s
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(rule string, err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &CompileError{Rule: rule, Message: err.Error()}
	}
	first := errs[0]
	ce := &CompileError{Rule: rule, Message: first.Error()}
	if path := first.Path(); len(path) > 0 {
		ce.Field = path[len(path)-1]
	}
	if positions := errors.Positions(first); len(positions) > 0 {
		ce.Pos = positions[0]
	}
	return ce
}
