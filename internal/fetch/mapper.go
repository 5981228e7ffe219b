package fetch

import (
	"fmt"

	"github.com/jetpackmatt/dashboard-sub004/internal/ledger"
	"github.com/jetpackmatt/dashboard-sub004/internal/upstream"
)

// mapTransaction converts the upstream wire shape into a ledger row.
func mapTransaction(item upstream.Transaction) (ledger.Transaction, error) {
	if item.TransactionID == "" {
		return ledger.Transaction{}, fmt.Errorf("fetch: transaction without id")
	}
	tt, err := ledger.ParseTransactionType(item.TransactionType)
	if err != nil {
		return ledger.Transaction{}, err
	}
	rt, err := ledger.ParseReferenceType(item.ReferenceType)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		ID:                item.TransactionID,
		TransactionType:   tt,
		FeeType:           item.FeeType,
		ReferenceType:     rt,
		ReferenceID:       item.ReferenceID,
		Amount:            item.Amount,
		ChargeDate:        item.ChargeDate,
		Invoiced:          item.Invoiced,
		UpstreamInvoiceID: item.InvoiceID,
	}, nil
}
