package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/jetpackmatt/dashboard-sub004/internal/platform/db"
)

// ErrNotFound indicates the requested transaction does not exist.
var ErrNotFound = errors.New("ledger: not found")

// Repository provides PostgreSQL backed persistence for the transaction ledger.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const transactionColumns = `id, transaction_type, fee_type, reference_type, reference_id,
	amount, charge_date, invoiced, upstream_invoice_id, client_id, internal_invoice_id,
	markup_rule_id, markup_amount, billed_amount, created_at, updated_at`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	err := row.Scan(
		&t.ID, &t.TransactionType, &t.FeeType, &t.ReferenceType, &t.ReferenceID,
		&t.Amount, &t.ChargeDate, &t.Invoiced, &t.UpstreamInvoiceID, &t.ClientID,
		&t.InternalInvoiceID, &t.MarkupRuleID, &t.MarkupAmount, &t.BilledAmount,
		&t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}

// Get fetches a single transaction by upstream id.
func (r *Repository) Get(ctx context.Context, id string) (*Transaction, error) {
	query := fmt.Sprintf(`SELECT %s FROM billing_transactions WHERE id = $1`, transactionColumns)
	t, err := scanTransaction(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpsertBatch writes fetched transactions keyed by upstream id. Re-fetching an
// existing row refreshes the upstream-owned fields and never touches the
// locally resolved ones (client, internal invoice, markup), so repeated syncs
// are idempotent and concurrent writers only race on identical values.
func (r *Repository) UpsertBatch(ctx context.Context, txns []Transaction) (UpsertStats, error) {
	var stats UpsertStats
	if len(txns) == 0 {
		return stats, nil
	}

	batch := &pgx.Batch{}
	for _, t := range txns {
		batch.Queue(`
			INSERT INTO billing_transactions (
				id, transaction_type, fee_type, reference_type, reference_id,
				amount, charge_date, invoiced, upstream_invoice_id, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW(),NOW())
			ON CONFLICT (id) DO UPDATE SET
				invoiced = EXCLUDED.invoiced,
				upstream_invoice_id = EXCLUDED.upstream_invoice_id,
				amount = EXCLUDED.amount,
				updated_at = NOW()
			RETURNING (xmax = 0) AS inserted`,
			t.ID, string(t.TransactionType), t.FeeType, string(t.ReferenceType), t.ReferenceID,
			t.Amount, t.ChargeDate, t.Invoiced, nullInt(t.UpstreamInvoiceID),
		)
	}

	// a page lands atomically so list passes never see half a page
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		defer func() {
			_ = results.Close()
		}()
		for range txns {
			var inserted bool
			if err := results.QueryRow().Scan(&inserted); err != nil {
				return fmt.Errorf("ledger: upsert batch: %w", err)
			}
			if inserted {
				stats.Inserted++
			} else {
				stats.Updated++
			}
		}
		return results.Close()
	})
	if err != nil {
		return UpsertStats{}, err
	}
	return stats, nil
}

// ListUnattributed returns transactions without an owning client, oldest first.
func (r *Repository) ListUnattributed(ctx context.Context, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 500
	}
	query := fmt.Sprintf(`SELECT %s FROM billing_transactions
		WHERE client_id IS NULL
		ORDER BY charge_date, id
		LIMIT $1`, transactionColumns)
	return r.list(ctx, query, limit)
}

// ListUnlinked returns attributed transactions carrying an upstream invoice id
// that have not been tied to an internal invoice yet.
func (r *Repository) ListUnlinked(ctx context.Context, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 500
	}
	query := fmt.Sprintf(`SELECT %s FROM billing_transactions
		WHERE internal_invoice_id IS NULL
		  AND client_id IS NOT NULL
		  AND upstream_invoice_id IS NOT NULL
		ORDER BY charge_date, id
		LIMIT $1`, transactionColumns)
	return r.list(ctx, query, limit)
}

// ListUnbilled returns attributed transactions without a computed billed amount.
func (r *Repository) ListUnbilled(ctx context.Context, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 500
	}
	query := fmt.Sprintf(`SELECT %s FROM billing_transactions
		WHERE billed_amount IS NULL AND client_id IS NOT NULL
		ORDER BY client_id, charge_date, id
		LIMIT $1`, transactionColumns)
	return r.list(ctx, query, limit)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Transaction, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetClient records the resolved owner for a transaction. Without force it
// only fills NULL client ids, so settled attributions survive re-runs; force
// is the explicit correction path.
func (r *Repository) SetClient(ctx context.Context, id string, clientID int64, force bool) error {
	query := `UPDATE billing_transactions SET client_id = $2, updated_at = NOW()
		WHERE id = $1 AND (client_id IS NULL OR $3)`
	tag, err := r.pool.Exec(ctx, query, id, clientID, force)
	if err != nil {
		return fmt.Errorf("ledger: set client: %w", err)
	}
	if tag.RowsAffected() == 0 && !force {
		// already attributed; treated as a no-op
		return nil
	}
	return nil
}

// SetInternalInvoice links a transaction to an internal invoice exactly once.
func (r *Repository) SetInternalInvoice(ctx context.Context, id string, internalInvoiceID int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE billing_transactions
		SET internal_invoice_id = $2, updated_at = NOW()
		WHERE id = $1 AND internal_invoice_id IS NULL`, id, internalInvoiceID)
	if err != nil {
		return fmt.Errorf("ledger: set internal invoice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	return nil
}

// SetMarkup stores the computed markup outcome for a transaction.
func (r *Repository) SetMarkup(ctx context.Context, id string, ruleID int64, markup, billed decimal.Decimal) error {
	_, err := r.pool.Exec(ctx, `UPDATE billing_transactions
		SET markup_rule_id = $2, markup_amount = $3, billed_amount = $4, updated_at = NOW()
		WHERE id = $1`, id, ruleID, markup, billed)
	if err != nil {
		return fmt.Errorf("ledger: set markup: %w", err)
	}
	return nil
}

// CountSince reports how many ledger rows carry a charge date inside the window.
func (r *Repository) CountSince(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM billing_transactions
		WHERE charge_date >= $1 AND charge_date < $2`, from, to).Scan(&n)
	return n, err
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
