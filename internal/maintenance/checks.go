package maintenance

import (
	"context"
)

const (
	availabilityLedgerMismatchSQL = `
		SELECT COUNT(*) FROM items i
		WHERE (i.availability = 'ISSUED') <> EXISTS (
			SELECT 1 FROM transactions t WHERE t.item_id = i.id AND t.status = 'issued'
		)`

	serialCollisionsSQL = `
		SELECT COUNT(*) FROM (
			SELECT LOWER(TRIM(serial_no)) FROM items GROUP BY 1 HAVING COUNT(*) > 1
		) dup`

	invalidFineRowsSQL = `
		SELECT COUNT(*) FROM transactions
		WHERE fine < 0
		   OR (status = 'issued' AND fine > 0)
		   OR (fine_paid AND fine = 0)`

	unpaidFinesSQL = `SELECT COUNT(*) FROM transactions WHERE fine > 0 AND NOT fine_paid`
)

// DefaultChecks are the data invariants the lending engine maintains.
func (r *Runner) DefaultChecks() []Check {
	return []Check{
		{
			Name:        "availability_ledger_mismatch",
			Description: "items whose ISSUED flag disagrees with their open transactions",
			Query:       r.count(availabilityLedgerMismatchSQL),
			Threshold:   Threshold{Operator: "==", Value: 0},
		},
		{
			Name:        "serial_collisions",
			Description: "serial numbers equal after trimming and lower-casing",
			Query:       r.count(serialCollisionsSQL),
			Threshold:   Threshold{Operator: "==", Value: 0},
		},
		{
			Name:        "invalid_fine_rows",
			Description: "transactions with negative fines, fines while issued, or paid without a fine",
			Query:       r.count(invalidFineRowsSQL),
			Threshold:   Threshold{Operator: "==", Value: 0},
		},
		{
			Name:        "unpaid_fines",
			Description: "transactions with a positive fine not yet paid",
			Query:       r.count(unpaidFinesSQL),
			Threshold:   Threshold{Operator: ">=", Value: 0},
		},
	}
}

func (r *Runner) count(query string) func(context.Context) (float64, error) {
	return func(ctx context.Context) (float64, error) {
		var n int
		if err := r.db.GetContext(ctx, &n, query); err != nil {
			return 0, err
		}
		return float64(n), nil
	}
}
