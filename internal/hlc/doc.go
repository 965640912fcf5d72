// Package hlc implements the hybrid logical clock used to stamp every local
// mutation of a business record.
//
// A Timestamp combines wall-clock milliseconds with a logical counter and the
// id of the node that produced it. Timestamps are totally ordered: physical
// time first, then the logical counter, then node id (which only breaks exact
// ties between different nodes).
//
// Every timestamp a Clock returns from Tick is strictly greater than anything
// it has produced before and anything it has observed from a peer, even if the
// wall clock stalls or jumps backwards. Observed peer timestamps that run ahead
// of local wall time by more than the configured limit are reported as
// ClockSkewExceeded through the skew observer; they are still absorbed, so the
// clock never fails.
//
// Text form (used in storage columns and change sets):
//
//	<physical_ms>-<logical_counter>-<node_id>
package hlc
