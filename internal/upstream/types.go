package upstream

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is one billing line item as returned by the provider. Field
// names follow the upstream payload; amounts arrive as JSON numbers and are
// decoded straight into decimals.
type Transaction struct {
	TransactionID   string          `json:"transaction_id"`
	TransactionType string          `json:"transaction_type"`
	FeeType         string          `json:"transaction_fee_type"`
	ReferenceType   string          `json:"reference_type"`
	ReferenceID     string          `json:"reference_id"`
	Amount          decimal.Decimal `json:"amount"`
	ChargeDate      time.Time       `json:"charge_date"`
	Invoiced        bool            `json:"invoiced"`
	InvoiceID       int64           `json:"invoice_id,omitempty"`
}

// Page is one slice of a paginated listing. Next is opaque and only valid
// for the exact filter combination that produced it.
type Page struct {
	Items []Transaction `json:"items"`
	Next  string        `json:"next"`
}

// InvoiceSummary is one upstream billing statement header.
type InvoiceSummary struct {
	ID     int64           `json:"id"`
	Type   string          `json:"invoice_type"`
	Date   time.Time       `json:"invoice_date"`
	Amount decimal.Decimal `json:"amount"`
}

// QueryFilters narrows a transaction query. Zero values are omitted from the
// request body. The upstream date filters are known to be unreliable, so the
// same range is sent under both field spellings the API has been observed to
// accept.
type QueryFilters struct {
	StartDate        *time.Time
	EndDate          *time.Time
	TransactionTypes []string
	ReferenceTypes   []string
	ReferenceIDs     []string
	InvoiceIDs       []int64
	Invoiced         *bool
	PageSize         int
}

// queryRequest is the wire shape for POST /billing/query.
type queryRequest struct {
	StartDate        *time.Time `json:"start_date,omitempty"`
	EndDate          *time.Time `json:"end_date,omitempty"`
	FromDate         *time.Time `json:"from_date,omitempty"`
	ToDate           *time.Time `json:"to_date,omitempty"`
	TransactionTypes []string   `json:"transaction_types,omitempty"`
	ReferenceTypes   []string   `json:"reference_types,omitempty"`
	ReferenceIDs     []string   `json:"reference_ids,omitempty"`
	InvoiceIDs       []int64    `json:"invoice_ids,omitempty"`
	Invoiced         *bool      `json:"invoiced,omitempty"`
	PageSize         int        `json:"page_size,omitempty"`
	Cursor           string     `json:"cursor,omitempty"`
}

func (f QueryFilters) toRequest(cursor string) queryRequest {
	return queryRequest{
		StartDate:        f.StartDate,
		EndDate:          f.EndDate,
		FromDate:         f.StartDate,
		ToDate:           f.EndDate,
		TransactionTypes: f.TransactionTypes,
		ReferenceTypes:   f.ReferenceTypes,
		ReferenceIDs:     f.ReferenceIDs,
		InvoiceIDs:       f.InvoiceIDs,
		Invoiced:         f.Invoiced,
		PageSize:         f.PageSize,
		Cursor:           cursor,
	}
}
