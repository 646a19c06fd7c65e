package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lendingdesk/internal/apperr"
)

type MembershipExpirer interface {
	ExpireLapsed(ctx context.Context, asOf time.Time) ([]uuid.UUID, error)
}

// ItemRemover deletes an item only when no transaction references it.
type ItemRemover interface {
	RemoveItem(ctx context.Context, id uuid.UUID) error
}

// DuplicateGroup is a set of items whose serial numbers collide after
// trimming and lower-casing, oldest first.
type DuplicateGroup struct {
	Key     string      `json:"key"`
	ItemIDs []uuid.UUID `json:"item_ids"`
}

const duplicateSerialsSQL = `
	SELECT LOWER(TRIM(serial_no)) AS key, id
	FROM items
	WHERE LOWER(TRIM(serial_no)) IN (
		SELECT LOWER(TRIM(serial_no)) FROM items GROUP BY 1 HAVING COUNT(*) > 1
	)
	ORDER BY key, created_at, id`

func (r *Runner) FindDuplicateSerials(ctx context.Context) ([]DuplicateGroup, error) {
	var rows []struct {
		Key string    `db:"key"`
		ID  uuid.UUID `db:"id"`
	}
	if err := r.db.SelectContext(ctx, &rows, duplicateSerialsSQL); err != nil {
		return nil, fmt.Errorf("failed to find duplicate serials: %w", err)
	}

	var groups []DuplicateGroup
	for _, row := range rows {
		if n := len(groups); n > 0 && groups[n-1].Key == row.Key {
			groups[n-1].ItemIDs = append(groups[n-1].ItemIDs, row.ID)
			continue
		}
		groups = append(groups, DuplicateGroup{Key: row.Key, ItemIDs: []uuid.UUID{row.ID}})
	}
	return groups, nil
}

// RemoveDuplicates keeps the oldest item of every duplicate group and
// removes the rest through remover. Items with transactions on record are
// skipped, not forced.
func (r *Runner) RemoveDuplicates(ctx context.Context, remover ItemRemover) (removed, skipped []uuid.UUID, err error) {
	ctx, span := r.tracer.Start(ctx, "maintenance.remove_duplicates")
	defer span.End()

	groups, err := r.FindDuplicateSerials(ctx)
	if err != nil {
		return nil, nil, err
	}

	for _, g := range groups {
		for _, id := range g.ItemIDs[1:] {
			err := remover.RemoveItem(ctx, id)
			switch {
			case err == nil:
				removed = append(removed, id)
				r.logger.WithFields(logrus.Fields{"item_id": id, "serial": g.Key}).Info("duplicate item removed")
			case errors.Is(err, apperr.ErrInvalidState):
				skipped = append(skipped, id)
				r.logger.WithFields(logrus.Fields{"item_id": id, "serial": g.Key}).Warn("duplicate item has transactions, kept")
			default:
				return removed, skipped, err
			}
		}
	}
	return removed, skipped, nil
}

func (r *Runner) ExpireLapsedMemberships(ctx context.Context, expirer MembershipExpirer, asOf time.Time) ([]uuid.UUID, error) {
	ctx, span := r.tracer.Start(ctx, "maintenance.expire_lapsed_memberships")
	defer span.End()

	ids, err := expirer.ExpireLapsed(ctx, asOf)
	if err != nil {
		return nil, err
	}
	r.logger.WithField("count", len(ids)).Info("lapsed memberships expired")
	return ids, nil
}
