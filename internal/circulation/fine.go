package circulation

import (
	"time"

	"lendingdesk/internal/apperr"
	"lendingdesk/internal/calendar"
)

const (
	// FineRatePerDay is charged for every day past the due date.
	FineRatePerDay = 10
	// MaxLoanDays bounds the distance between issue and due date.
	MaxLoanDays = 15
)

// LateFine returns the day gap between due and actual and the fine owed.
// The gap is measured without sign first and only then gated on lateness,
// so an early return reports a positive gap and no fine.
func LateFine(due, actual time.Time) (days, fine int) {
	days = calendar.DaysBetween(due, actual)
	if calendar.Day(actual).After(calendar.Day(due)) {
		return days, days * FineRatePerDay
	}
	return days, 0
}

// EstimateOverdue is the fine an open transaction would carry if it came
// back on asOf.
func EstimateOverdue(due, asOf time.Time) (days, fine int) {
	return LateFine(due, asOf)
}

// ValidateLoanWindow checks the issue and due dates against today.
func ValidateLoanWindow(today, issue, due time.Time) error {
	const op = "circulation.Issue"
	if issue.IsZero() || due.IsZero() {
		return apperr.Validation(op, "issue and due dates are required")
	}

	today, issue, due = calendar.Day(today), calendar.Day(issue), calendar.Day(due)
	switch {
	case issue.Before(today):
		return apperr.Validation(op, "issue date %s is in the past", calendar.Format(issue))
	case due.Before(issue):
		return apperr.Validation(op, "due date %s is before issue date %s", calendar.Format(due), calendar.Format(issue))
	case calendar.DaysBetween(issue, due) > MaxLoanDays:
		return apperr.Validation(op, "loan period exceeds %d days", MaxLoanDays)
	}
	return nil
}
