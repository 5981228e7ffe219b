package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType enumerates upstream billing transaction types.
type TransactionType string

const (
	TxnCharge  TransactionType = "Charge"
	TxnCredit  TransactionType = "Credit"
	TxnRefund  TransactionType = "Refund"
	TxnPayment TransactionType = "Payment"
)

// TransactionTypes lists every known transaction type in query order.
func TransactionTypes() []TransactionType {
	return []TransactionType{TxnCharge, TxnCredit, TxnRefund, TxnPayment}
}

// ReferenceType enumerates the entity categories a transaction bills against.
type ReferenceType string

const (
	RefShipment     ReferenceType = "Shipment"
	RefDefault      ReferenceType = "Default"
	RefWRO          ReferenceType = "WRO"
	RefReturn       ReferenceType = "Return"
	RefFCTransfer   ReferenceType = "FC Transfer"
	RefTicketNumber ReferenceType = "TicketNumber"
	RefStorage      ReferenceType = "Storage"
)

// ReferenceTypes lists every known reference type in query order.
func ReferenceTypes() []ReferenceType {
	return []ReferenceType{RefShipment, RefDefault, RefWRO, RefReturn, RefFCTransfer, RefTicketNumber, RefStorage}
}

// ParseReferenceType normalises an upstream reference type string.
func ParseReferenceType(raw string) (ReferenceType, error) {
	for _, rt := range ReferenceTypes() {
		if string(rt) == raw {
			return rt, nil
		}
	}
	return "", fmt.Errorf("ledger: unknown reference type %q", raw)
}

// ParseTransactionType normalises an upstream transaction type string.
func ParseTransactionType(raw string) (TransactionType, error) {
	for _, tt := range TransactionTypes() {
		if string(tt) == raw {
			return tt, nil
		}
	}
	return "", fmt.Errorf("ledger: unknown transaction type %q", raw)
}

// Transaction is the canonical ledger row for one upstream billing line item.
// The upstream id is immutable and unique; client id, internal invoice id and
// the billed/markup fields are filled in by later pipeline stages.
type Transaction struct {
	ID                string
	TransactionType   TransactionType
	FeeType           string
	ReferenceType     ReferenceType
	ReferenceID       string
	Amount            decimal.Decimal
	ChargeDate        time.Time
	Invoiced          bool
	UpstreamInvoiceID int64
	ClientID          *int64
	InternalInvoiceID *int64
	MarkupRuleID      *int64
	MarkupAmount      *decimal.Decimal
	BilledAmount      *decimal.Decimal
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Attributed reports whether the transaction has a resolved owner.
func (t Transaction) Attributed() bool {
	return t.ClientID != nil
}

// Linked reports whether the transaction belongs to an internal invoice.
func (t Transaction) Linked() bool {
	return t.InternalInvoiceID != nil
}

// UpsertStats summarises one batched upsert.
type UpsertStats struct {
	Inserted int
	Updated  int
}
