// internal/lending/fine.go
package lending

import "time"

const (
	DefaultLoanPeriod     = 7 * 24 * time.Hour
	DefaultFineRatePerDay = 10
)

// ComputeFine charges ratePerDay for every calendar day returnAt falls after
// dueAt. Returning on or before the due date costs nothing.
func ComputeFine(dueAt, returnAt time.Time, ratePerDay int) int {
	late := daysBetween(dueAt, returnAt)
	if late <= 0 || ratePerDay <= 0 {
		return 0
	}
	return late * ratePerDay
}

// daysBetween counts calendar days from a to b, comparing UTC dates.
func daysBetween(a, b time.Time) int {
	return int(utcDate(b).Sub(utcDate(a)) / (24 * time.Hour))
}

func utcDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
