// Package policy compiles conflict resolution rules written in CUE.
//
// A policy directory holds one or more .cue files declaring rules under the
// top-level "rule" struct, keyed by rule name:
//
//	rule: "invoices-paid": {
//		priority: 100
//		table:    "invoices"
//		kind:     "concurrent"
//		strategy: "business_rules"
//	}
//	rule: "default-merge": strategy: "merge"
//
// Every rule is unified with a schema before it is compiled, so unknown
// tables, conflict kinds and strategies are rejected with a file position.
package policy
