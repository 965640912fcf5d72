package conflict

import (
	"fmt"

	"github.com/roach88/bizsync/internal/entity"
	"github.com/roach88/bizsync/internal/vclock"
)

// Kind classifies a local/remote pair.
type Kind string

const (
	// None: equal versions, or one side causally dominates.
	None Kind = "none"
	// Concurrent: neither version dominates.
	Concurrent Kind = "concurrent"
	// DeleteVsUpdate: local is a tombstone, remote is live.
	DeleteVsUpdate Kind = "delete_vs_update"
	// UpdateVsDelete: local is live, remote is a tombstone.
	UpdateVsDelete Kind = "update_vs_delete"
)

// ParseKind parses a conflict kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case None, Concurrent, DeleteVsUpdate, UpdateVsDelete:
		return k, nil
	}
	return "", fmt.Errorf("unknown conflict kind %q", s)
}

// IsConflict reports whether k needs a strategy.
func (k Kind) IsConflict() bool { return k != None && k != "" }

// Detect classifies local against remote.
//
// Revisions from different incarnations never conflict: the newer
// incarnation is an explicit recreation that already observed the tombstone.
func Detect(local, remote entity.Entity) Kind {
	if local.Incarnation != remote.Incarnation {
		return None
	}
	if local.Version.Compare(remote.Version) == vclock.Equal {
		return None
	}
	switch {
	case local.IsDeleted && !remote.IsDeleted:
		return DeleteVsUpdate
	case !local.IsDeleted && remote.IsDeleted:
		return UpdateVsDelete
	}
	if local.Version.ConcurrentWith(remote.Version) {
		return Concurrent
	}
	return None
}

// dominant returns the side that wins a non-conflicting pair and a label.
// Across incarnations the newer one wins, merged so its header also covers
// the older side.
func dominant(local, remote entity.Entity) (entity.Entity, string, error) {
	if local.Incarnation != remote.Incarnation {
		side := "local"
		if remote.Incarnation > local.Incarnation {
			side = "remote"
		}
		merged, err := local.Merge(remote)
		return merged, side, err
	}
	if remote.Version.Dominates(local.Version) {
		return remote, "remote", nil
	}
	return local, "local", nil
}
