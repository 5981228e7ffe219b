// Package fetch works around the upstream billing API's hidden per-query
// result cap by partitioning a sync scope across filter combinations and
// unioning the results into the ledger.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jetpackmatt/dashboard-sub004/internal/ledger"
	"github.com/jetpackmatt/dashboard-sub004/internal/upstream"
)

// API is the slice of the upstream client the orchestrator needs.
type API interface {
	QueryTransactions(ctx context.Context, filters upstream.QueryFilters, cursor string) (upstream.Page, error)
}

// Store is the ledger surface the orchestrator writes to.
type Store interface {
	UpsertBatch(ctx context.Context, txns []ledger.Transaction) (ledger.UpsertStats, error)
}

// Observer receives fetch progress for metrics. Implementations must be safe
// for concurrent use.
type Observer interface {
	PageFetched(slice string)
	SliceFailed(slice string)
}

// Config tunes one orchestrator.
type Config struct {
	// Workers bounds concurrent slice queries; they all share the upstream
	// rate limit, a 429 only backs off the worker that hit it.
	Workers int
	// MaxPages stops a cursor loop that never terminates server-side.
	MaxPages int
	// PageSize is requested per page; the server may cap it lower.
	PageSize int
	// CapThreshold is the observed per-combination result cap. A base query
	// returning at least this many rows is assumed truncated and the scope
	// is re-fetched partitioned.
	CapThreshold int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 200
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.CapThreshold <= 0 {
		c.CapThreshold = 250
	}
	return c
}

// Orchestrator runs exhaustive fetches.
type Orchestrator struct {
	api      API
	store    Store
	cfg      Config
	logger   *slog.Logger
	observer Observer
}

// NewOrchestrator constructs an orchestrator. observer may be nil.
func NewOrchestrator(api API, store Store, cfg Config, logger *slog.Logger, observer Observer) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{api: api, store: store, cfg: cfg.withDefaults(), logger: logger, observer: observer}
}

// runState is the per-run context shared by slice workers. No ambient
// globals: everything a run accumulates lives here behind one mutex.
type runState struct {
	mu         sync.Mutex
	seen       map[string]struct{}
	duplicates int
	pages      int
	inserted   int
	updated    int
	malformed  []string
	failed     []SliceError
}

func newRunState() *runState {
	return &runState{seen: make(map[string]struct{})}
}

// admit filters a page down to first-seen transactions and counts duplicates.
func (rs *runState) admit(items []upstream.Transaction) []upstream.Transaction {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	fresh := items[:0:0]
	for _, item := range items {
		if _, ok := rs.seen[item.TransactionID]; ok {
			rs.duplicates++
			continue
		}
		rs.seen[item.TransactionID] = struct{}{}
		fresh = append(fresh, item)
	}
	return fresh
}

// retract releases the claims of rows whose upsert failed. A sibling slice
// re-emitting them must see them as fresh, not duplicates, or they would
// never reach the ledger.
func (rs *runState) retract(rows []ledger.Transaction) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, row := range rows {
		delete(rs.seen, row.ID)
	}
}

func (rs *runState) recordPage(stats ledger.UpsertStats) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.pages++
	rs.inserted += stats.Inserted
	rs.updated += stats.Updated
}

func (rs *runState) recordMalformed(id string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.malformed = append(rs.malformed, id)
}

func (rs *runState) recordFailure(slice string, pages int, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.failed = append(rs.failed, SliceError{
		Slice:      slice,
		Pages:      pages,
		Detail:     err.Error(),
		OccurredAt: time.Now().UTC(),
	})
}

// Run fetches the scope exhaustively. It first drains the base query; if the
// result count reaches the observed cap the same scope is re-fetched
// partitioned by transaction type x reference type, one independently
// paginated query per combination. A failed slice reduces coverage but never
// aborts the run.
func (o *Orchestrator) Run(ctx context.Context, scope Scope) (*Report, error) {
	started := time.Now().UTC()
	rs := newRunState()

	baseErr := o.fetchSlice(ctx, rs, scope, Slice{})
	if baseErr != nil {
		rs.recordFailure("base", 0, baseErr)
		if o.observer != nil {
			o.observer.SliceFailed("base")
		}
	}

	partitioned := false
	if len(rs.seen) >= o.cfg.CapThreshold || baseErr != nil {
		partitioned = true
		o.logger.Info("base query likely capped, partitioning scope",
			slog.Int("base_results", len(rs.seen)),
			slog.Int("cap_threshold", o.cfg.CapThreshold))
		if err := o.runPartitioned(ctx, rs, scope); err != nil {
			return nil, err
		}
	}

	report := &Report{
		Scope:        scope,
		Partitioned:  partitioned,
		Unique:       len(rs.seen),
		Duplicates:   rs.duplicates,
		Pages:        rs.pages,
		Inserted:     rs.inserted,
		Updated:      rs.updated,
		Malformed:    rs.malformed,
		FailedSlices: rs.failed,
		StartedAt:    started,
		FinishedAt:   time.Now().UTC(),
	}
	o.logger.Info("fetch run finished",
		slog.Int("unique", report.Unique),
		slog.Int("duplicates", report.Duplicates),
		slog.Int("pages", report.Pages),
		slog.Int("failed_slices", len(report.FailedSlices)),
		slog.Bool("partitioned", report.Partitioned))
	return report, nil
}

func (o *Orchestrator) runPartitioned(ctx context.Context, rs *runState, scope Scope) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for _, slice := range partitionSlices() {
		g.Go(func() error {
			if err := o.fetchSlice(gctx, rs, scope, slice); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				rs.recordFailure(slice.Key(), 0, err)
				if o.observer != nil {
					o.observer.SliceFailed(slice.Key())
				}
				o.logger.Warn("slice coverage incomplete",
					slog.String("slice", slice.Key()),
					slog.Any("error", err))
			}
			return nil
		})
	}
	return g.Wait()
}

// fetchSlice drains one filter combination's cursor loop. Termination: no
// next cursor, the max-page bound, or a page containing nothing this slice
// has not already paged over (the upstream occasionally re-emits pages,
// looping a cursor forever). Loop detection is tracked per slice: ids seen by
// sibling slices are duplicates to collapse, not evidence of a stuck cursor.
func (o *Orchestrator) fetchSlice(ctx context.Context, rs *runState, scope Scope, slice Slice) error {
	filters := slice.filters(scope, o.cfg.PageSize)
	cursor := ""
	sliceSeen := make(map[string]struct{})
	for page := 0; ; page++ {
		// stop issuing new page requests once the run is cancelled;
		// in-flight upserts have already completed by this point
		if err := ctx.Err(); err != nil {
			return err
		}
		if page >= o.cfg.MaxPages {
			return fmt.Errorf("fetch: slice %s exceeded %d pages", slice.Key(), o.cfg.MaxPages)
		}
		result, err := o.api.QueryTransactions(ctx, filters, cursor)
		if err != nil {
			return fmt.Errorf("fetch: slice %s page %d: %w", slice.Key(), page, err)
		}
		if o.observer != nil {
			o.observer.PageFetched(slice.Key())
		}

		newToSlice := 0
		for _, item := range result.Items {
			if _, ok := sliceSeen[item.TransactionID]; !ok {
				sliceSeen[item.TransactionID] = struct{}{}
				newToSlice++
			}
		}

		fresh := rs.admit(result.Items)
		rows := make([]ledger.Transaction, 0, len(fresh))
		for _, item := range fresh {
			row, err := mapTransaction(item)
			if err != nil {
				rs.recordMalformed(item.TransactionID)
				o.logger.Warn("skipping malformed transaction",
					slog.String("transaction_id", item.TransactionID),
					slog.Any("error", err))
				continue
			}
			rows = append(rows, row)
		}
		stats := ledger.UpsertStats{}
		if len(rows) > 0 {
			stats, err = o.store.UpsertBatch(ctx, rows)
			if err != nil {
				rs.retract(rows)
				return fmt.Errorf("fetch: slice %s upsert: %w", slice.Key(), err)
			}
		}
		rs.recordPage(stats)

		if len(result.Items) > 0 && newToSlice == 0 {
			// the cursor re-emitted a page this slice already walked
			return nil
		}
		if result.Next == "" {
			return nil
		}
		cursor = result.Next
	}
}
