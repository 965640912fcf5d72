package entity

import (
	"fmt"
	"math"

	"github.com/roach88/bizsync/internal/crdt"
)

// Fields is the closed set of record variants. Only the types in this
// package implement it.
type Fields interface {
	Kind() Kind
	isFields()
}

// Customer status values.
const (
	CustomerActive   = "active"
	CustomerInactive = "inactive"
)

// Customer is a client of the business.
type Customer struct {
	Name             crdt.Register[string] `json:"name"`
	Email            crdt.Register[string] `json:"email"`
	Phone            crdt.Register[string] `json:"phone"`
	Address          crdt.Register[string] `json:"address"`
	Status           crdt.Register[string] `json:"status"`
	CreditLimitCents crdt.Register[int64]  `json:"credit_limit_cents"`
	LoyaltyPoints    crdt.Counter          `json:"loyalty_points"`
	Tags             crdt.Set[string]      `json:"tags"`
}

// Invoice status values. Paid dominates every other status under the
// business-rule resolution strategy.
const (
	InvoiceDraft     = "draft"
	InvoiceSent      = "sent"
	InvoicePaid      = "paid"
	InvoiceCancelled = "cancelled"
)

// Invoice bills a customer. Payments accumulate in AmountPaidCents so
// payments recorded offline on different devices add up.
type Invoice struct {
	Number          crdt.Register[string] `json:"number"`
	CustomerID      crdt.Register[string] `json:"customer_id"`
	Status          crdt.Register[string] `json:"status"`
	TotalCents      crdt.Register[int64]  `json:"total_cents"`
	AmountPaidCents crdt.Counter          `json:"amount_paid_cents"`
	Items           crdt.Set[string]      `json:"items"`
	DueDate         crdt.Register[string] `json:"due_date"`
	Notes           crdt.Register[string] `json:"notes"`
}

// Accounting transaction states. A posted transaction is immutable.
const (
	TransactionDraft  = "draft"
	TransactionPosted = "posted"
	TransactionVoid   = "void"
)

// AccountingTransaction is a journal entry header. Its balanced ledger lines
// live in the bookkeeping layer's own table.
type AccountingTransaction struct {
	Reference     crdt.Register[string] `json:"reference"`
	Description   crdt.Register[string] `json:"description"`
	State         crdt.Register[string] `json:"state"`
	AmountCents   crdt.Register[int64]  `json:"amount_cents"`
	DebitAccount  crdt.Register[string] `json:"debit_account"`
	CreditAccount crdt.Register[string] `json:"credit_account"`
	PostedAt      crdt.Register[string] `json:"posted_at"`
	Labels        crdt.Set[string]      `json:"labels"`
}

// TaxRate is a named rate in basis points (1825 = 18.25%).
type TaxRate struct {
	Code    crdt.Register[string] `json:"code"`
	Name    crdt.Register[string] `json:"name"`
	RateBPS crdt.Register[int64]  `json:"rate_bps"`
	Active  crdt.Register[bool]   `json:"active"`
	Regions crdt.Set[string]      `json:"regions"`
}

func (Customer) Kind() Kind              { return KindCustomer }
func (Invoice) Kind() Kind               { return KindInvoice }
func (AccountingTransaction) Kind() Kind { return KindTransaction }
func (TaxRate) Kind() Kind               { return KindTaxRate }

func (Customer) isFields()              {}
func (Invoice) isFields()               {}
func (AccountingTransaction) isFields() {}
func (TaxRate) isFields()               {}

var cents = intCodec(0, math.MaxInt64)

var variants = map[Kind]variant{
	KindCustomer: newSchema(KindCustomer,
		register("name", func(c *Customer) *crdt.Register[string] { return &c.Name }, textCodec),
		register("email", func(c *Customer) *crdt.Register[string] { return &c.Email }, textCodec),
		register("phone", func(c *Customer) *crdt.Register[string] { return &c.Phone }, textCodec),
		register("address", func(c *Customer) *crdt.Register[string] { return &c.Address }, textCodec),
		register("status", func(c *Customer) *crdt.Register[string] { return &c.Status },
			enumCodec("", CustomerActive, CustomerInactive)),
		register("credit_limit_cents", func(c *Customer) *crdt.Register[int64] { return &c.CreditLimitCents }, cents),
		counter("loyalty_points", func(c *Customer) *crdt.Counter { return &c.LoyaltyPoints }),
		set("tags", func(c *Customer) *crdt.Set[string] { return &c.Tags }),
	),
	KindInvoice: newSchema(KindInvoice,
		register("number", func(i *Invoice) *crdt.Register[string] { return &i.Number }, textCodec),
		register("customer_id", func(i *Invoice) *crdt.Register[string] { return &i.CustomerID }, textCodec),
		register("status", func(i *Invoice) *crdt.Register[string] { return &i.Status },
			enumCodec("", InvoiceDraft, InvoiceSent, InvoicePaid, InvoiceCancelled)),
		register("total_cents", func(i *Invoice) *crdt.Register[int64] { return &i.TotalCents }, cents),
		counter("amount_paid_cents", func(i *Invoice) *crdt.Counter { return &i.AmountPaidCents }),
		set("items", func(i *Invoice) *crdt.Set[string] { return &i.Items }),
		register("due_date", func(i *Invoice) *crdt.Register[string] { return &i.DueDate }, dateCodec),
		register("notes", func(i *Invoice) *crdt.Register[string] { return &i.Notes }, textCodec),
	),
	KindTransaction: newSchema(KindTransaction,
		register("reference", func(x *AccountingTransaction) *crdt.Register[string] { return &x.Reference }, textCodec),
		register("description", func(x *AccountingTransaction) *crdt.Register[string] { return &x.Description }, textCodec),
		register("state", func(x *AccountingTransaction) *crdt.Register[string] { return &x.State },
			enumCodec("", TransactionDraft, TransactionPosted, TransactionVoid)),
		register("amount_cents", func(x *AccountingTransaction) *crdt.Register[int64] { return &x.AmountCents }, cents),
		register("debit_account", func(x *AccountingTransaction) *crdt.Register[string] { return &x.DebitAccount }, textCodec),
		register("credit_account", func(x *AccountingTransaction) *crdt.Register[string] { return &x.CreditAccount }, textCodec),
		register("posted_at", func(x *AccountingTransaction) *crdt.Register[string] { return &x.PostedAt }, dateCodec),
		set("labels", func(x *AccountingTransaction) *crdt.Set[string] { return &x.Labels }),
	),
	KindTaxRate: newSchema(KindTaxRate,
		register("code", func(r *TaxRate) *crdt.Register[string] { return &r.Code }, textCodec),
		register("name", func(r *TaxRate) *crdt.Register[string] { return &r.Name }, textCodec),
		register("rate_bps", func(r *TaxRate) *crdt.Register[int64] { return &r.RateBPS }, intCodec(0, 10_000)),
		register("active", func(r *TaxRate) *crdt.Register[bool] { return &r.Active }, boolCodec),
		set("regions", func(r *TaxRate) *crdt.Set[string] { return &r.Regions }),
	),
}

func variantOf(k Kind) (variant, error) {
	v, ok := variants[k]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k)
	}
	return v, nil
}

// FieldNames lists the fields of kind in declaration order.
func FieldNames(k Kind) []string {
	v, ok := variants[k]
	if !ok {
		return nil
	}
	return v.names()
}

// FieldKindOf reports which container backs a field.
func FieldKindOf(k Kind, name string) (FieldKind, bool) {
	v, ok := variants[k]
	if !ok {
		return 0, false
	}
	return v.fieldKind(name)
}

// Zero returns empty fields for kind.
func Zero(k Kind) (Fields, error) {
	v, err := variantOf(k)
	if err != nil {
		return nil, err
	}
	return v.zero(), nil
}
