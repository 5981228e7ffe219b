// Package linker ties ledger transactions to client-facing billing-period
// invoices. Transactions carry only an upstream invoice id; the linker
// resolves that to a date and finds the internal invoice for (date, client).
package linker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jetpackmatt/dashboard-sub004/internal/ledger"
	"github.com/jetpackmatt/dashboard-sub004/internal/upstream"
)

// PeriodKey identifies one internal invoice by billing date and client.
type PeriodKey struct {
	Date     string // YYYY-MM-DD
	ClientID int64
}

// NewPeriodKey builds a key from an invoice date and client id.
func NewPeriodKey(date time.Time, clientID int64) PeriodKey {
	return PeriodKey{Date: date.UTC().Format("2006-01-02"), ClientID: clientID}
}

// Repository is the read/append surface the linker needs. InternalInvoice
// rows are created elsewhere; the linker only appends upstream invoice ids to
// their accumulated sets.
type Repository interface {
	// UpstreamInvoiceDates maps upstream invoice id to statement date.
	UpstreamInvoiceDates(ctx context.Context) (map[int64]time.Time, error)
	// InternalInvoiceIndex maps (date, client) to internal invoice id.
	InternalInvoiceIndex(ctx context.Context) (map[PeriodKey]int64, error)
	// AppendUpstreamInvoice adds an upstream invoice id to an internal
	// invoice's accumulated set if not already present. Append-only.
	AppendUpstreamInvoice(ctx context.Context, internalInvoiceID, upstreamInvoiceID int64) error
	// UpsertUpstreamInvoice records an upstream statement header keyed by
	// its id, refreshing date and amount on re-sync.
	UpsertUpstreamInvoice(ctx context.Context, inv upstream.InvoiceSummary) error
}

// InvoiceSource lists upstream statement headers for a date range.
type InvoiceSource interface {
	ListInvoices(ctx context.Context, from, to time.Time, pageSize int) ([]upstream.InvoiceSummary, error)
}

// Store is the ledger surface the linker writes to.
type Store interface {
	ListUnlinked(ctx context.Context, limit int) ([]ledger.Transaction, error)
	SetInternalInvoice(ctx context.Context, id string, internalInvoiceID int64) error
}

// Unlinkable is one transaction with no matching internal invoice yet. It is
// reported, not dropped; a later run links it once the invoice exists.
type Unlinkable struct {
	TransactionID     string    `json:"transaction_id"`
	UpstreamInvoiceID int64     `json:"upstream_invoice_id"`
	ClientID          int64     `json:"client_id"`
	Reason            string    `json:"reason"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// Report summarises one linking pass.
type Report struct {
	Examined   int          `json:"examined"`
	Linked     int          `json:"linked"`
	Unlinkable []Unlinkable `json:"unlinkable,omitempty"`
}

// Linker maps transactions to internal invoices.
type Linker struct {
	repo      Repository
	store     Store
	source    InvoiceSource
	batchSize int
	logger    *slog.Logger
}

// NewLinker constructs a linker. source may be nil when invoice headers are
// synced elsewhere.
func NewLinker(repo Repository, store Store, source InvoiceSource, batchSize int, logger *slog.Logger) *Linker {
	if batchSize <= 0 {
		batchSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{repo: repo, store: store, source: source, batchSize: batchSize, logger: logger}
}

// SyncInvoices refreshes the upstream statement headers for the window so
// Link can resolve invoice ids to dates. Returns the number of headers
// written.
func (l *Linker) SyncInvoices(ctx context.Context, from, to time.Time) (int, error) {
	if l.source == nil {
		return 0, nil
	}
	invoices, err := l.source.ListInvoices(ctx, from, to, l.batchSize)
	if err != nil {
		return 0, fmt.Errorf("linker: list upstream invoices: %w", err)
	}
	for i, inv := range invoices {
		if err := l.repo.UpsertUpstreamInvoice(ctx, inv); err != nil {
			return i, fmt.Errorf("linker: upsert upstream invoice %d: %w", inv.ID, err)
		}
	}
	return len(invoices), nil
}

// Link processes the unlinked backlog. Linking is monotonic: the ledger only
// fills NULL internal-invoice references, so an already-linked transaction is
// never moved even if a different invoice would match today.
func (l *Linker) Link(ctx context.Context) (*Report, error) {
	dates, err := l.repo.UpstreamInvoiceDates(ctx)
	if err != nil {
		return nil, fmt.Errorf("linker: upstream invoice dates: %w", err)
	}
	index, err := l.repo.InternalInvoiceIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("linker: internal invoice index: %w", err)
	}

	report := &Report{}
	appended := make(map[[2]int64]bool)
	examined := make(map[string]bool)
	for {
		listed, err := l.store.ListUnlinked(ctx, l.batchSize)
		if err != nil {
			return nil, fmt.Errorf("linker: list unlinked: %w", err)
		}
		txns := listed[:0:0]
		for _, t := range listed {
			if !examined[t.ID] {
				examined[t.ID] = true
				txns = append(txns, t)
			}
		}
		if len(txns) == 0 {
			return report, nil
		}

		for _, t := range txns {
			report.Examined++
			if t.ClientID == nil || t.UpstreamInvoiceID == 0 {
				continue // not ready; stays in the backlog for a later run
			}
			date, ok := dates[t.UpstreamInvoiceID]
			if !ok {
				report.Unlinkable = append(report.Unlinkable, Unlinkable{
					TransactionID:     t.ID,
					UpstreamInvoiceID: t.UpstreamInvoiceID,
					ClientID:          *t.ClientID,
					Reason:            "upstream invoice not synced",
					OccurredAt:        time.Now().UTC(),
				})
				continue
			}
			key := NewPeriodKey(date, *t.ClientID)
			internalID, ok := index[key]
			if !ok {
				report.Unlinkable = append(report.Unlinkable, Unlinkable{
					TransactionID:     t.ID,
					UpstreamInvoiceID: t.UpstreamInvoiceID,
					ClientID:          *t.ClientID,
					Reason:            fmt.Sprintf("no internal invoice for %s", key.Date),
					OccurredAt:        time.Now().UTC(),
				})
				continue
			}

			if err := l.store.SetInternalInvoice(ctx, t.ID, internalID); err != nil {
				return nil, fmt.Errorf("linker: link %s: %w", t.ID, err)
			}
			pair := [2]int64{internalID, t.UpstreamInvoiceID}
			if !appended[pair] {
				if err := l.repo.AppendUpstreamInvoice(ctx, internalID, t.UpstreamInvoiceID); err != nil {
					return nil, fmt.Errorf("linker: append upstream invoice %d: %w", t.UpstreamInvoiceID, err)
				}
				appended[pair] = true
			}
			report.Linked++
		}
	}
}
