package entity

import (
	"fmt"
	"slices"
)

// Kind names a record variant. It doubles as the storage table name.
type Kind string

const (
	KindCustomer    Kind = "customers"
	KindInvoice     Kind = "invoices"
	KindTransaction Kind = "accounting_transactions"
	KindTaxRate     Kind = "tax_rates"
)

// Kinds returns every known kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindCustomer, KindInvoice, KindTransaction, KindTaxRate}
}

// ParseKind accepts a table name or a short alias.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "customer", "customers":
		return KindCustomer, nil
	case "invoice", "invoices":
		return KindInvoice, nil
	case "transaction", "transactions", "accounting_transaction", "accounting_transactions":
		return KindTransaction, nil
	case "tax_rate", "tax_rates", "taxrate":
		return KindTaxRate, nil
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return slices.Contains(Kinds(), k)
}

func (k Kind) String() string { return string(k) }
