package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hash domains. The version suffix leaves room for algorithm changes.
const (
	DomainEvent     = "bizsync/event/v1"
	DomainReview    = "bizsync/review/v1"
	DomainChangeSet = "bizsync/changeset/v1"
	DomainSnapshot  = "bizsync/snapshot/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data). The separator
// keeps the domain/data boundary unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashValue hashes the canonical form of v under domain.
func HashValue(domain string, v Value) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return hashWithDomain(domain, canonical), nil
}

// EventID identifies an audit event. The same change observed twice (for
// example a re-imported change set) gets the same id, so sinks can dedupe.
func EventID(table, entityID, op, at string, snapshot Object) (string, error) {
	return HashValue(DomainEvent, Object{
		"table":     String(table),
		"entity_id": String(entityID),
		"op":        String(op),
		"at":        String(at),
		"snapshot":  snapshot,
	})
}

// ReviewID identifies a pending conflict review by the two revisions that
// conflicted. Re-detecting the same conflict yields the same id.
func ReviewID(table, entityID, localAt, remoteAt string) string {
	return hashWithDomain(DomainReview, MustCanonical(Object{
		"table":     String(table),
		"entity_id": String(entityID),
		"local_at":  String(localAt),
		"remote_at": String(remoteAt),
	}))
}

// ChangeSetID identifies an exported change set by origin node, lower bound
// and the revisions it carries.
func ChangeSetID(node, since string, revisions Array) (string, error) {
	return HashValue(DomainChangeSet, Object{
		"node":      String(node),
		"since":     String(since),
		"revisions": revisions,
	})
}

// SnapshotHash is the content hash of an entity snapshot.
func SnapshotHash(snapshot Object) (string, error) {
	return HashValue(DomainSnapshot, snapshot)
}
