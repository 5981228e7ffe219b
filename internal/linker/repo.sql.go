package linker

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jetpackmatt/dashboard-sub004/internal/upstream"
)

// PGRepository backs the linker with the upstream_invoices and
// internal_invoices tables.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// UpstreamInvoiceDates loads the id -> statement date lookup.
func (r *PGRepository) UpstreamInvoiceDates(ctx context.Context) (map[int64]time.Time, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, invoice_date FROM upstream_invoices`)
	if err != nil {
		return nil, fmt.Errorf("linker: query upstream invoices: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]time.Time)
	for rows.Next() {
		var id int64
		var date time.Time
		if err := rows.Scan(&id, &date); err != nil {
			return nil, err
		}
		out[id] = date
	}
	return out, rows.Err()
}

// InternalInvoiceIndex loads the (date, client) -> internal invoice lookup.
func (r *PGRepository) InternalInvoiceIndex(ctx context.Context) (map[PeriodKey]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, invoice_date, client_id FROM internal_invoices`)
	if err != nil {
		return nil, fmt.Errorf("linker: query internal invoices: %w", err)
	}
	defer rows.Close()

	out := make(map[PeriodKey]int64)
	for rows.Next() {
		var id, clientID int64
		var date time.Time
		if err := rows.Scan(&id, &date, &clientID); err != nil {
			return nil, err
		}
		out[NewPeriodKey(date, clientID)] = id
	}
	return out, rows.Err()
}

// UpsertUpstreamInvoice records a statement header, refreshing mutable
// fields on re-sync.
func (r *PGRepository) UpsertUpstreamInvoice(ctx context.Context, inv upstream.InvoiceSummary) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO upstream_invoices (id, invoice_type, invoice_date, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			invoice_type = EXCLUDED.invoice_type,
			invoice_date = EXCLUDED.invoice_date,
			amount = EXCLUDED.amount`,
		inv.ID, inv.Type, inv.Date, inv.Amount)
	if err != nil {
		return fmt.Errorf("linker: upsert upstream invoice: %w", err)
	}
	return nil
}

// AppendUpstreamInvoice adds an upstream invoice id to the internal invoice's
// accumulated set. The set only ever grows; duplicates are ignored.
func (r *PGRepository) AppendUpstreamInvoice(ctx context.Context, internalInvoiceID, upstreamInvoiceID int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO internal_invoice_upstream_ids (internal_invoice_id, upstream_invoice_id)
		VALUES ($1, $2)
		ON CONFLICT (internal_invoice_id, upstream_invoice_id) DO NOTHING`,
		internalInvoiceID, upstreamInvoiceID)
	if err != nil {
		return fmt.Errorf("linker: append upstream invoice: %w", err)
	}
	return nil
}
