package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestRun_AllTestdataPass(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			s, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := Run(s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_Golden(t *testing.T) {
	for _, name := range []string{"counter_convergence", "tombstone_wins", "manual_review", "recreate_after_delete"} {
		t.Run(name, func(t *testing.T) {
			result, err := RunWithGolden(t, loadTestScenario(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	s := loadTestScenario(t, "manual_review")

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	a, err := RenderGolden(s.Name, first)
	require.NoError(t, err)
	b, err := RenderGolden(s.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_ReportsUnexpectedStepResults(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: surprises
description: "a failing step and a step that should have failed"
nodes: [A]
steps:
  - {node: A, action: update, kind: customers, id: ghost, assign: ["name=x"]}
  - {node: A, action: create, kind: customers, id: c1, fails: true}
assertions:
  - {type: pending_reviews, node: A, count: 0}
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "steps[0] update")
	assert.Contains(t, result.Errors[1], "expected failure")
}

func TestRun_FailingAssertions(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: diverged
description: "two nodes that never sync"
nodes: [A, B]
steps:
  - {node: A, action: create, kind: customers, id: c1, assign: ["name=Acme"]}
  - {node: B, action: create, kind: customers, id: c1, assign: ["name=Acme"]}
  - {node: B, action: delete, kind: customers, id: c1}
assertions:
  - {type: converged, kind: customers, id: c1}
  - {type: field, node: A, kind: customers, id: c1, expect: {name: Other}}
  - {type: field, node: A, kind: customers, id: c1, expect: {colour: red}}
  - {type: deleted, node: B, kind: customers, id: c1, deleted: false}
  - {type: pending_reviews, node: A, count: 1}
  - {type: event_count, node: B, op: delete, count: 2}
  - {type: converged, nodes: [A], kind: customers, id: c1}
  - {type: field, node: A, kind: customers, id: missing, expect: {name: x}}
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 7, "all but the single-node converged check fail: %v", result.Errors)

	assert.Contains(t, result.Errors[0], "Assertion failed: converged")
	assert.Contains(t, result.Errors[1], `"Other"`)
	assert.Contains(t, result.Errors[2], "no such field")
	assert.Contains(t, result.Errors[3], "is_deleted=true")
	assert.Contains(t, result.Errors[4], "pending_reviews")
	assert.Contains(t, result.Errors[5], "1")
	assert.Contains(t, result.Errors[6], "assertions[7]")
}

func TestRun_PolicyErrorIsReturned(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: bad_policy
description: "policy with an unknown strategy"
nodes: [A]
policy: |
  rule: broken: strategy: "coin_flip"
steps:
  - {node: A, action: create, kind: customers, id: c1}
assertions:
  - {type: pending_reviews, node: A, count: 0}
`))
	require.NoError(t, err)

	_, err = Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to compile policy")
}

func TestRun_StateCapturesTombstones(t *testing.T) {
	result, err := Run(loadTestScenario(t, "tombstone_wins"))
	require.NoError(t, err)

	for _, node := range []string{"A", "B"} {
		state, ok := result.State[node]["customers/c2"]
		require.True(t, ok, node)
		assert.True(t, state.Bool("is_deleted"), node)
	}
	require.Len(t, result.Syncs, 3)
	assert.Equal(t, "update_vs_delete", result.Syncs[1].Applied[0].Conflict)
}
