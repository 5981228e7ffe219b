package fetch

import (
	"fmt"
	"time"

	"github.com/jetpackmatt/dashboard-sub004/internal/ledger"
	"github.com/jetpackmatt/dashboard-sub004/internal/upstream"
)

// Scope bounds one sync run. Invoiced narrows to pending or settled
// transactions; nil means both.
type Scope struct {
	From     time.Time
	To       time.Time
	Invoiced *bool
}

// Slice is one filter combination queried independently. The upstream result
// cap applies per combination, so partitioning the scope across slices is how
// a run recovers more rows than any single query can return.
type Slice struct {
	TransactionType ledger.TransactionType
	ReferenceType   ledger.ReferenceType
}

// Key names the slice in reports and metrics. The base (unpartitioned) query
// is the zero Slice.
func (s Slice) Key() string {
	if s.TransactionType == "" && s.ReferenceType == "" {
		return "base"
	}
	return fmt.Sprintf("%s/%s", s.TransactionType, s.ReferenceType)
}

func (s Slice) filters(scope Scope, pageSize int) upstream.QueryFilters {
	f := upstream.QueryFilters{
		StartDate: &scope.From,
		EndDate:   &scope.To,
		Invoiced:  scope.Invoiced,
		PageSize:  pageSize,
	}
	if s.TransactionType != "" {
		f.TransactionTypes = []string{string(s.TransactionType)}
	}
	if s.ReferenceType != "" {
		f.ReferenceTypes = []string{string(s.ReferenceType)}
	}
	return f
}

// partitionSlices enumerates transaction type x reference type.
func partitionSlices() []Slice {
	var out []Slice
	for _, tt := range ledger.TransactionTypes() {
		for _, rt := range ledger.ReferenceTypes() {
			out = append(out, Slice{TransactionType: tt, ReferenceType: rt})
		}
	}
	return out
}

// SliceError records a filter combination whose coverage is incomplete.
type SliceError struct {
	Slice      string    `json:"slice"`
	Pages      int       `json:"pages"`
	Detail     string    `json:"detail"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Report is the outcome of one run. Partial coverage is explicit: a run with
// failed slices is never presented as complete.
type Report struct {
	Scope        Scope        `json:"scope"`
	Partitioned  bool         `json:"partitioned"`
	Unique       int          `json:"unique"`
	Duplicates   int          `json:"duplicates"`
	Pages        int          `json:"pages"`
	Inserted     int          `json:"inserted"`
	Updated      int          `json:"updated"`
	Malformed    []string     `json:"malformed,omitempty"`
	FailedSlices []SliceError `json:"failed_slices,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   time.Time    `json:"finished_at"`
}

// Complete reports whether every slice was fully paginated.
func (r *Report) Complete() bool {
	return r != nil && len(r.FailedSlices) == 0
}
