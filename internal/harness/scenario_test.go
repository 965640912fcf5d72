package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_AllTestdata(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		s, err := LoadScenario(path)
		require.NoError(t, err, path)
		assert.Equal(t, s.Name+".yaml", filepath.Base(path), "file name matches scenario name")
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "typo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: typo
description: d
nodes: [A]
steps:
  - {node: A, action: create, kind: customers, id: c1}
assertion:
  - {type: pending_reviews, node: A, count: 0}
`), 0o644))

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Validation(t *testing.T) {
	const head = "name: s\ndescription: d\nnodes: [A, B]\n"
	const okStep = "steps:\n  - {node: A, action: create, kind: customers, id: c1}\n"
	const okAssert = "assertions:\n  - {type: pending_reviews, node: A, count: 0}\n"

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing name", "description: d\nnodes: [A]\n" + okStep + okAssert, "name is required"},
		{"missing nodes", "name: s\ndescription: d\n" + okStep + okAssert, "nodes list is required"},
		{"duplicate node", "name: s\ndescription: d\nnodes: [A, A]\n" + okStep + okAssert, "duplicate node"},
		{"no steps", head + okAssert, "steps list is required"},
		{"no assertions", head + okStep, "assertions list is required"},
		{"unknown action", head + "steps:\n  - {node: A, action: fly}\n" + okAssert, "unknown action"},
		{"unknown node", head + "steps:\n  - {node: Z, action: create, kind: customers, id: c1}\n" + okAssert, "unknown node"},
		{"unknown kind", head + "steps:\n  - {node: A, action: create, kind: orders, id: c1}\n" + okAssert, "unknown entity kind"},
		{"sync to self", head + "steps:\n  - {action: sync, from: A, to: A}\n" + okAssert, "must differ"},
		{"bad duration", head + "steps:\n  - {node: A, action: advance, by: soon}\n" + okAssert, "by:"},
		{"bad choice", head + "steps:\n  - {node: A, action: resolve, kind: customers, id: c1, choice: both}\n" + okAssert, "unknown choice"},
		{"field without expect", head + okStep + "assertions:\n  - {type: field, node: A, kind: customers, id: c1}\n", "expect is required"},
		{"deleted without flag", head + okStep + "assertions:\n  - {type: deleted, node: A, kind: customers, id: c1}\n", "deleted is required"},
		{"unknown op", head + okStep + "assertions:\n  - {type: event_count, node: A, op: explode, count: 1}\n", "unknown event op"},
		{"unknown assertion", head + okStep + "assertions:\n  - {type: vibes}\n", "unknown assertion type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
