// Package recon coordinates the weekly reconciliation pipeline: exhaustive
// fetch, attribution, invoice-period linking and markup computation, with a
// persisted run record and exception buckets for whatever could not finish.
package recon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jetpackmatt/dashboard-sub004/internal/attribution"
	"github.com/jetpackmatt/dashboard-sub004/internal/fetch"
	"github.com/jetpackmatt/dashboard-sub004/internal/ledger"
	"github.com/jetpackmatt/dashboard-sub004/internal/linker"
	"github.com/jetpackmatt/dashboard-sub004/internal/markup"
)

// Fetcher runs the exhaustive fetch stage.
type Fetcher interface {
	Run(ctx context.Context, scope fetch.Scope) (*fetch.Report, error)
}

// Resolver runs the attribution stage.
type Resolver interface {
	Resolve(ctx context.Context) (*attribution.Report, error)
}

// PeriodLinker runs the invoice-period linking stage.
type PeriodLinker interface {
	SyncInvoices(ctx context.Context, from, to time.Time) (int, error)
	Link(ctx context.Context) (*linker.Report, error)
}

// Marker computes markups for the unbilled backlog.
type Marker interface {
	CalculateBatch(ctx context.Context, txns []ledger.Transaction) (map[string]markup.Result, []markup.NoMatch, error)
}

// Ledger is the slice of the ledger store the coordinator drives directly.
type Ledger interface {
	ListUnbilled(ctx context.Context, limit int) ([]ledger.Transaction, error)
	SetMarkup(ctx context.Context, id string, ruleID int64, markupAmount, billed decimal.Decimal) error
	CountSince(ctx context.Context, from, to time.Time) (int, error)
}

// RunRepository persists run records and exceptions.
type RunRepository interface {
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	AddExceptions(ctx context.Context, exceptions []Exception) error
	ListExceptions(ctx context.Context, runID uuid.UUID, bucket ExceptionBucket, limit, offset int) ([]Exception, error)
}

// Locker serialises runs; only one reconciliation run may hold the lock.
type Locker interface {
	Acquire(ctx context.Context, ttl time.Duration) (release func(), err error)
}

// ErrRunInProgress rejects a run while another one holds the lock.
var ErrRunInProgress = fmt.Errorf("recon: a run is already in progress")

// Service orchestrates reconciliation runs.
type Service struct {
	fetcher   Fetcher
	resolver  Resolver
	linker    PeriodLinker
	marker    Marker
	store     Ledger
	runs      RunRepository
	locker    Locker
	batchSize int
	logger    *slog.Logger
}

// NewService constructs the coordinator. locker may be nil for tests and
// one-shot CLI invocations.
func NewService(fetcher Fetcher, resolver Resolver, periodLinker PeriodLinker, marker Marker,
	store Ledger, runs RunRepository, locker Locker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		fetcher:   fetcher,
		resolver:  resolver,
		linker:    periodLinker,
		marker:    marker,
		store:     store,
		runs:      runs,
		locker:    locker,
		batchSize: 500,
		logger:    logger,
	}
}

// Execute runs the full pipeline over the window and persists the outcome.
func (s *Service) Execute(ctx context.Context, from, to time.Time) (*Run, error) {
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, 2*time.Hour)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	run := &Run{
		ID:          uuid.New(),
		WindowFrom:  from,
		WindowTo:    to,
		Status:      RunRunning,
		TotalBilled: decimal.Zero,
		StartedAt:   time.Now().UTC(),
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("recon: create run: %w", err)
	}

	var exceptions []Exception
	report, err := s.runPipeline(ctx, run, &exceptions)
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	if err != nil {
		run.Status = RunFailed
		run.Error = err.Error()
		if finishErr := s.runs.FinishRun(ctx, run); finishErr != nil {
			s.logger.Error("persist failed run", slog.Any("error", finishErr))
		}
		return run, err
	}

	if len(exceptions) > 0 {
		if err := s.runs.AddExceptions(ctx, exceptions); err != nil {
			return run, fmt.Errorf("recon: persist exceptions: %w", err)
		}
	}
	run.Status = status(report, len(exceptions))
	if err := s.runs.FinishRun(ctx, run); err != nil {
		return run, fmt.Errorf("recon: finish run: %w", err)
	}
	s.logger.Info("reconciliation run finished",
		slog.String("run_id", run.ID.String()),
		slog.String("status", string(run.Status)),
		slog.Int("unique", run.Unique),
		slog.Int("exceptions", len(exceptions)))
	return run, nil
}

func (s *Service) runPipeline(ctx context.Context, run *Run, exceptions *[]Exception) (*fetch.Report, error) {
	pending := false
	report, err := s.fetcher.Run(ctx, fetch.Scope{From: run.WindowFrom, To: run.WindowTo, Invoiced: &pending})
	if err != nil {
		return nil, fmt.Errorf("recon: fetch stage: %w", err)
	}
	run.Unique = report.Unique
	run.Duplicates = report.Duplicates
	run.FailedSlices = len(report.FailedSlices)
	// every unique transaction the fetch counted must be a ledger row;
	// prior runs over the same window can only push the count higher
	persisted, err := s.store.CountSince(ctx, run.WindowFrom, run.WindowTo)
	if err != nil {
		return report, fmt.Errorf("recon: verify ledger coverage: %w", err)
	}
	if persisted < report.Unique {
		s.logger.Error("ledger coverage gap after fetch",
			slog.Int("unique", report.Unique),
			slog.Int("persisted", persisted))
		return report, fmt.Errorf("recon: ledger holds %d of %d fetched transactions", persisted, report.Unique)
	}
	for _, f := range report.FailedSlices {
		*exceptions = append(*exceptions, Exception{
			RunID:      run.ID,
			Bucket:     BucketSliceFailed,
			Key:        f.Slice,
			Detail:     f.Detail,
			OccurredAt: f.OccurredAt,
		})
	}

	attrReport, err := s.resolver.Resolve(ctx)
	if err != nil {
		return report, fmt.Errorf("recon: attribution stage: %w", err)
	}
	run.Attributed = attrReport.Attributed
	run.Unattributed = len(attrReport.Unresolved)
	for _, u := range attrReport.Unresolved {
		*exceptions = append(*exceptions, Exception{
			RunID:      run.ID,
			Bucket:     BucketUnattributable,
			Key:        u.TransactionID,
			Detail:     fmt.Sprintf("%s (%s/%s)", u.Reason, u.ReferenceType, u.ReferenceID),
			OccurredAt: u.OccurredAt,
		})
	}

	synced, err := s.linker.SyncInvoices(ctx, run.WindowFrom, run.WindowTo)
	if err != nil {
		return report, fmt.Errorf("recon: invoice sync stage: %w", err)
	}
	run.InvoicesSynced = synced

	linkReport, err := s.linker.Link(ctx)
	if err != nil {
		return report, fmt.Errorf("recon: linking stage: %w", err)
	}
	run.Linked = linkReport.Linked
	run.Unlinked = len(linkReport.Unlinkable)
	for _, u := range linkReport.Unlinkable {
		*exceptions = append(*exceptions, Exception{
			RunID:      run.ID,
			Bucket:     BucketUnlinkable,
			Key:        u.TransactionID,
			Detail:     fmt.Sprintf("%s (upstream invoice %d, client %d)", u.Reason, u.UpstreamInvoiceID, u.ClientID),
			OccurredAt: u.OccurredAt,
		})
	}

	if err := s.markupStage(ctx, run, exceptions); err != nil {
		return report, err
	}
	return report, nil
}

func (s *Service) markupStage(ctx context.Context, run *Run, exceptions *[]Exception) error {
	seen := make(map[string]bool)
	for {
		listed, err := s.store.ListUnbilled(ctx, s.batchSize)
		if err != nil {
			return fmt.Errorf("recon: list unbilled: %w", err)
		}
		txns := listed[:0:0]
		for _, t := range listed {
			if !seen[t.ID] {
				seen[t.ID] = true
				txns = append(txns, t)
			}
		}
		if len(txns) == 0 {
			return nil
		}

		results, unmatched, err := s.marker.CalculateBatch(ctx, txns)
		if err != nil {
			return fmt.Errorf("recon: markup stage: %w", err)
		}
		for _, t := range txns {
			result, ok := results[t.ID]
			if !ok {
				continue
			}
			if err := s.store.SetMarkup(ctx, t.ID, result.RuleID, result.Markup, result.Billed); err != nil {
				return fmt.Errorf("recon: store markup for %s: %w", t.ID, err)
			}
			run.MarkedUp++
			run.TotalBilled = run.TotalBilled.Add(result.Billed)
		}
		for _, u := range unmatched {
			run.NoRuleMatches++
			*exceptions = append(*exceptions, Exception{
				RunID:      run.ID,
				Bucket:     BucketNoMarkupRule,
				Key:        u.TransactionID,
				Detail:     fmt.Sprintf("no rule for client %d category %q fee type %q", u.ClientID, u.Category, u.FeeType),
				OccurredAt: time.Now().UTC(),
			})
		}
	}
}

// GetRun returns one persisted run.
func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	return s.runs.GetRun(ctx, id)
}

// ListRuns returns recent runs, newest first.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.runs.ListRuns(ctx, limit)
}

// ListExceptions returns a run's exception bucket contents.
func (s *Service) ListExceptions(ctx context.Context, runID uuid.UUID, bucket ExceptionBucket, limit, offset int) ([]Exception, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.runs.ListExceptions(ctx, runID, bucket, limit, offset)
}
