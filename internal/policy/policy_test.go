package policy

import (
	"os"
	"path/filepath"
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bizsync/internal/conflict"
	"github.com/roach88/bizsync/internal/entity"
)

func writeCUE(t *testing.T, dir, name, src string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644))
}

func TestCompileRule(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
rule: "paid-invoices": {
	priority: 50
	table:    "invoices"
	kind:     "concurrent"
	strategy: "business_rules"
}
`)
	require.NoError(t, v.Err())

	rule, err := CompileRule(v.LookupPath(cue.ParsePath(`rule."paid-invoices"`)))
	require.NoError(t, err)
	assert.Equal(t, conflict.Rule{
		Name:     "paid-invoices",
		Priority: 50,
		Table:    entity.KindInvoice,
		Kind:     conflict.Concurrent,
		Strategy: conflict.BusinessRules,
	}, rule)
}

func TestCompileRule_DefaultPriority(t *testing.T) {
	v := cuecontext.New().CompileString(`rule: fallback: strategy: "last_write_wins"`)
	rule, err := CompileRule(v.LookupPath(cue.ParsePath("rule.fallback")))
	require.NoError(t, err)
	assert.Equal(t, 0, rule.Priority)
	assert.Empty(t, rule.Table)
	assert.Empty(t, rule.Kind)
	assert.Equal(t, conflict.LastWriteWins, rule.Strategy)
}

func TestCompileRule_RejectsUnknownValues(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"strategy", `rule: bad: strategy: "coin_flip"`},
		{"table", `rule: bad: {table: "orders", strategy: "merge"}`},
		{"kind", `rule: bad: {kind: "sideways", strategy: "merge"}`},
		{"missing strategy", `rule: bad: priority: 3`},
		{"priority type", `rule: bad: {priority: "high", strategy: "merge"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := cuecontext.New().CompileString(tt.src, cue.Filename("policy.cue"))
			_, err := CompileRule(v.LookupPath(cue.ParsePath("rule.bad")))
			require.Error(t, err)

			var ce *CompileError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, "bad", ce.Rule)
			assert.Contains(t, err.Error(), "rule.bad")
		})
	}
}

func TestLoad_Directory(t *testing.T) {
	dir := t.TempDir()
	writeCUE(t, dir, "invoices.cue", `package policy

rule: "invoice-review": {
	priority: 10
	table:    "invoices"
	kind:     "concurrent"
	strategy: "manual_review"
}
`)
	writeCUE(t, dir, "default.cue", `package policy

rule: "default-merge": strategy: "merge"
rule: "tombstones": {
	kind:     "update_vs_delete"
	strategy: "last_write_wins"
}
`)

	p, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Files)

	names := make([]string, len(p.Rules))
	for i, r := range p.Rules {
		names[i] = r.Name
	}
	assert.Equal(t, []string{"invoice-review", "tombstones", "default-merge"}, names)

	r, err := p.Resolver()
	require.NoError(t, err)
	assert.Equal(t, "invoice-review", r.Match(entity.KindInvoice, conflict.Concurrent).Name)
	assert.Equal(t, "default-merge", r.Match(entity.KindCustomer, conflict.Concurrent).Name)
}

func TestLoad_CollectsAllRuleErrors(t *testing.T) {
	dir := t.TempDir()
	writeCUE(t, dir, "rules.cue", `package policy

rule: one: strategy: "nope"
rule: two: {table: "orders", strategy: "merge"}
rule: three: strategy: "merge"
`)

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule.one")
	assert.Contains(t, err.Error(), "rule.two")
	assert.NotContains(t, err.Error(), "rule.three")
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing directory", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent"))
		assert.Error(t, err)
	})

	t.Run("no cue files", func(t *testing.T) {
		_, err := Load(t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no CUE files")
	})

	t.Run("no rules", func(t *testing.T) {
		dir := t.TempDir()
		writeCUE(t, dir, "empty.cue", "package policy\n\nother: 1\n")
		_, err := Load(dir)
		assert.ErrorIs(t, err, ErrNoRules)
	})

	t.Run("syntax error", func(t *testing.T) {
		dir := t.TempDir()
		writeCUE(t, dir, "broken.cue", "package policy\n\nrule: {\n")
		_, err := Load(dir)
		assert.Error(t, err)
	})
}

func TestLoadString(t *testing.T) {
	p, err := LoadString("inline.cue", `
rule: "fww": {priority: 5, table: "tax_rates", strategy: "first_write_wins"}
rule: "merge-all": strategy: "merge"
`)
	require.NoError(t, err)
	require.Len(t, p.Rules, 2)
	assert.Equal(t, "fww", p.Rules[0].Name)
	assert.Equal(t, conflict.FirstWriteWins, p.Rules[0].Strategy)

	_, err = LoadString("dup.cue", `rule: x: strategy: "merge"
rule: x: strategy: "last_write_wins"`)
	assert.Error(t, err, "conflicting values for one rule must not compile")
}
