package shared

import "time"

// BillingWeek is the Monday-to-Monday window client invoices aggregate over.
type BillingWeek struct {
	From time.Time
	To   time.Time
}

// BillingWeekFor returns the billing week containing t, in UTC.
func BillingWeekFor(t time.Time) BillingWeek {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7 // days since Monday
	from := day.AddDate(0, 0, -offset)
	return BillingWeek{From: from, To: from.AddDate(0, 0, 7)}
}

// PreviousBillingWeek returns the completed week before the one containing t.
// The weekly reconciliation run processes this window.
func PreviousBillingWeek(t time.Time) BillingWeek {
	current := BillingWeekFor(t)
	return BillingWeek{From: current.From.AddDate(0, 0, -7), To: current.From}
}
