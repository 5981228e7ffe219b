package recon

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jetpackmatt/dashboard-sub004/internal/fetch"
)

// RunStatus tracks a reconciliation run's lifecycle.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunComplete  RunStatus = "COMPLETE"
	RunPartial   RunStatus = "PARTIAL"
	RunFailed    RunStatus = "FAILED"
)

// ExceptionBucket names the terminal state of a transaction that could not be
// fully processed. Every fetched transaction ends either fully processed or
// in exactly one bucket.
type ExceptionBucket string

const (
	BucketSliceFailed    ExceptionBucket = "slice_failed"
	BucketUnattributable ExceptionBucket = "unattributable"
	BucketUnlinkable     ExceptionBucket = "unlinkable"
	BucketNoMarkupRule   ExceptionBucket = "no_markup_rule"
)

// Exception is one surfaced item requiring operator review.
type Exception struct {
	ID         int64           `json:"id"`
	RunID      uuid.UUID       `json:"run_id"`
	Bucket     ExceptionBucket `json:"bucket"`
	Key        string          `json:"key"`
	Detail     string          `json:"detail"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Run is one persisted reconciliation run.
type Run struct {
	ID             uuid.UUID       `json:"id"`
	WindowFrom     time.Time       `json:"window_from"`
	WindowTo       time.Time       `json:"window_to"`
	Status         RunStatus       `json:"status"`
	Unique         int             `json:"unique"`
	Duplicates     int             `json:"duplicates"`
	FailedSlices   int             `json:"failed_slices"`
	Attributed     int             `json:"attributed"`
	Unattributed   int             `json:"unattributed"`
	InvoicesSynced int             `json:"invoices_synced"`
	Linked         int             `json:"linked"`
	Unlinked       int             `json:"unlinked"`
	MarkedUp       int             `json:"marked_up"`
	NoRuleMatches  int             `json:"no_rule_matches"`
	TotalBilled    decimal.Decimal `json:"total_billed"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// status derives the terminal run status from the fetch report and exception
// counts: any failed slice or exception means PARTIAL, never COMPLETE.
func status(report *fetch.Report, exceptions int) RunStatus {
	if report != nil && !report.Complete() {
		return RunPartial
	}
	if exceptions > 0 {
		return RunPartial
	}
	return RunComplete
}
