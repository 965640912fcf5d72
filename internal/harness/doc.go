// Package harness runs multi-node convergence scenarios.
//
// A scenario opens several replicas, each with its own SQLite database and
// manual wall clock, applies local writes, ships change sets between them,
// and then checks the final state.
//
// # Scenario Format
//
//	name: counter_convergence
//	description: "Offline loyalty point grants on two devices add up"
//	nodes: [A, B]
//	policy: |                 # optional CUE conflict rules
//	  rule: "default-merge": strategy: "merge"
//	steps:
//	  - {node: A, action: create, kind: customers, id: c1, assign: ["name=Acme"]}
//	  - {action: sync, from: A, to: B}
//	  - {node: B, action: update, kind: customers, id: c1, assign: ["loyalty_points+=5"]}
//	  - {node: A, action: advance, by: 2s}
//	  - {node: B, action: resolve, kind: customers, id: c1, choice: remote}
//	assertions:
//	  - {type: converged, kind: customers, id: c1}
//	  - {type: field, node: A, kind: customers, id: c1, expect: {loyalty_points: 5}}
//	  - {type: deleted, node: A, kind: customers, id: c1, deleted: false}
//	  - {type: pending_reviews, node: B, count: 0}
//	  - {type: event_count, node: B, op: merge, count: 1}
//
// Assignments use the same syntax as the CLI: field=value, counter+=n,
// counter-=n, set+=elem and set-=elem.
//
// # Deterministic Output
//
// Every node starts its wall clock at the same fixed instant and draws ids
// from a per-node sequence, so the final state is identical across runs and
// can be compared against a golden file with RunWithGolden.
package harness
