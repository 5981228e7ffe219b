package shared

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBillingWeekFor(t *testing.T) {
	// 2026-08-05 is a Wednesday
	week := BillingWeekFor(time.Date(2026, 8, 5, 15, 30, 0, 0, time.UTC))
	require.Equal(t, time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC), week.From)
	require.Equal(t, time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC), week.To)

	// a Monday belongs to its own week
	week = BillingWeekFor(time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC))
	require.Equal(t, time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC), week.From)
}

func TestPreviousBillingWeek(t *testing.T) {
	week := PreviousBillingWeek(time.Date(2026, 8, 5, 9, 0, 0, 0, time.UTC))
	require.Equal(t, time.Date(2026, 7, 27, 0, 0, 0, 0, time.UTC), week.From)
	require.Equal(t, time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC), week.To)
}
