// Package ir is the constrained value model used for entity snapshots,
// conflict metadata, audit events and golden output.
//
// Values are strings, int64, bools, arrays and objects. There is no float
// type: money is stored in integer cents and rates in basis points, so two
// nodes always encode the same record to the same bytes.
//
// MarshalCanonical produces RFC 8785 canonical JSON. Content ids (events,
// reviews, change sets) are SHA-256 over canonical bytes with a domain prefix.
//
// ir imports nothing internal.
package ir
