package conflict

import (
	"fmt"

	"github.com/roach88/bizsync/internal/crdt"
	"github.com/roach88/bizsync/internal/entity"
)

// BusinessRule adjusts a field-merged entity with table-specific precedence.
// It returns the adjusted entity, a reason, and whether it applied. Rules
// must be pure and must only copy containers from local or remote, so the
// result still satisfies the updated_at invariant.
type BusinessRule func(local, remote, merged entity.Entity) (entity.Entity, string, bool)

// PaidInvoiceDominates keeps a paid status over any concurrent status,
// regardless of timestamps. Other fields stay field-merged.
func PaidInvoiceDominates(local, remote, merged entity.Entity) (entity.Entity, string, bool) {
	li, lok := local.Fields.(entity.Invoice)
	ri, rok := remote.Fields.(entity.Invoice)
	mi, mok := merged.Fields.(entity.Invoice)
	if !lok || !rok || !mok {
		return merged, "", false
	}
	if mi.Status.Value() == entity.InvoicePaid {
		return merged, "", false
	}

	var paid []crdt.Register[string]
	for _, inv := range []entity.Invoice{li, ri} {
		if inv.Status.Value() == entity.InvoicePaid {
			paid = append(paid, inv.Status)
		}
	}
	if len(paid) == 0 {
		return merged, "", false
	}
	status := paid[0]
	for _, p := range paid[1:] {
		status = status.Merge(p)
	}
	mi.Status = status
	merged.Fields = mi
	return merged, fmt.Sprintf("paid invoice status dominates concurrent status %q", li.Status.Merge(ri.Status).Value()), true
}

// PostedTransactionImmutable keeps every field of a posted accounting
// transaction when the other side is not posted. Header fields (version,
// updated_at, tombstone) stay merged.
func PostedTransactionImmutable(local, remote, merged entity.Entity) (entity.Entity, string, bool) {
	lt, lok := local.Fields.(entity.AccountingTransaction)
	rt, rok := remote.Fields.(entity.AccountingTransaction)
	if !lok || !rok {
		return merged, "", false
	}
	lp := lt.State.Value() == entity.TransactionPosted
	rp := rt.State.Value() == entity.TransactionPosted
	switch {
	case lp && !rp:
		merged.Fields = lt
		return merged, "local transaction is posted and immutable", true
	case rp && !lp:
		merged.Fields = rt
		return merged, "remote transaction is posted and immutable", true
	}
	return merged, "", false
}

// DefaultBusinessRules returns the built-in per-table rules.
func DefaultBusinessRules() map[entity.Kind][]BusinessRule {
	return map[entity.Kind][]BusinessRule{
		entity.KindInvoice:     {PaidInvoiceDominates},
		entity.KindTransaction: {PostedTransactionImmutable},
	}
}
