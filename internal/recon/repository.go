package recon

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jetpackmatt/dashboard-sub004/internal/shared"
)

// Repository persists run records and exceptions in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateRun inserts a new RUNNING run row.
func (r *Repository) CreateRun(ctx context.Context, run *Run) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO recon_runs (id, window_from, window_to, status, total_billed, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.WindowFrom, run.WindowTo, string(run.Status), run.TotalBilled, run.StartedAt)
	if err != nil {
		return fmt.Errorf("recon: insert run: %w", err)
	}
	return nil
}

// FinishRun stores the final counters and status.
func (r *Repository) FinishRun(ctx context.Context, run *Run) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE recon_runs SET
			status = $2, unique_count = $3, duplicate_count = $4, failed_slices = $5,
			attributed = $6, unattributed = $7, invoices_synced = $8, linked = $9,
			unlinked = $10, marked_up = $11, no_rule_matches = $12, total_billed = $13,
			error = NULLIF($14, ''), finished_at = $15
		WHERE id = $1`,
		run.ID, string(run.Status), run.Unique, run.Duplicates, run.FailedSlices,
		run.Attributed, run.Unattributed, run.InvoicesSynced, run.Linked, run.Unlinked,
		run.MarkedUp, run.NoRuleMatches, run.TotalBilled,
		run.Error, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("recon: update run: %w", err)
	}
	return nil
}

const runColumns = `id, window_from, window_to, status, unique_count, duplicate_count,
	failed_slices, attributed, unattributed, invoices_synced, linked, unlinked,
	marked_up, no_rule_matches, total_billed, COALESCE(error, ''), started_at, finished_at`

func scanRun(row pgx.Row) (Run, error) {
	var run Run
	var status string
	err := row.Scan(&run.ID, &run.WindowFrom, &run.WindowTo, &status,
		&run.Unique, &run.Duplicates, &run.FailedSlices,
		&run.Attributed, &run.Unattributed, &run.InvoicesSynced, &run.Linked, &run.Unlinked,
		&run.MarkedUp, &run.NoRuleMatches, &run.TotalBilled,
		&run.Error, &run.StartedAt, &run.FinishedAt)
	run.Status = RunStatus(status)
	return run, err
}

// GetRun fetches one run.
func (r *Repository) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	query := fmt.Sprintf(`SELECT %s FROM recon_runs WHERE id = $1`, runColumns)
	run, err := scanRun(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns recent runs, newest first.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := fmt.Sprintf(`SELECT %s FROM recon_runs ORDER BY started_at DESC LIMIT $1`, runColumns)
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// AddExceptions appends exception rows for a run.
func (r *Repository) AddExceptions(ctx context.Context, exceptions []Exception) error {
	if len(exceptions) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range exceptions {
		batch.Queue(`INSERT INTO recon_exceptions (run_id, bucket, key, detail, occurred_at)
			VALUES ($1, $2, $3, $4, $5)`,
			e.RunID, string(e.Bucket), e.Key, e.Detail, e.OccurredAt)
	}
	results := r.pool.SendBatch(ctx, batch)
	defer func() {
		_ = results.Close()
	}()
	for range exceptions {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("recon: insert exception: %w", err)
		}
	}
	return nil
}

// ListExceptions pages through a run's exceptions, optionally by bucket.
func (r *Repository) ListExceptions(ctx context.Context, runID uuid.UUID, bucket ExceptionBucket, limit, offset int) ([]Exception, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, run_id, bucket, key, detail, occurred_at
		FROM recon_exceptions
		WHERE run_id = $1 AND ($2 = '' OR bucket = $2)
		ORDER BY id
		LIMIT $3 OFFSET $4`,
		runID, string(bucket), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Exception
	for rows.Next() {
		var e Exception
		var b string
		if err := rows.Scan(&e.ID, &e.RunID, &b, &e.Key, &e.Detail, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Bucket = ExceptionBucket(b)
		out = append(out, e)
	}
	return out, rows.Err()
}
