// Package conflict classifies the relationship between a local and a remote
// revision of an entity and picks a resolution.
//
// Detect is a pure function over version vectors and tombstones. A Resolver
// matches the pair against prioritized rules, applies the selected strategy
// and returns a Resolution carrying the resolved entity, a human-readable
// reason and metadata describing both inputs. The resolver holds no
// persistent state; the only externally visible product is a Review record
// for conflicts deferred to a human.
package conflict
