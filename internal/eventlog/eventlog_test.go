package eventlog_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendingdesk/internal/clock"
	"lendingdesk/internal/database"
	"lendingdesk/internal/eventlog"
	"lendingdesk/internal/testutil"
)

var stamp = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

type issued struct {
	ItemID string `json:"item_id"`
	Fine   int    `json:"fine"`
}

func TestAppendAssignsSequentialVersions(t *testing.T) {
	db := testutil.NewTestDB(t)
	log := eventlog.New(db, clock.NewFixed(stamp))
	ctx := context.Background()
	id := uuid.New()

	for i := 0; i < 3; i++ {
		e, err := log.Append(ctx, eventlog.Record{
			AggregateType: eventlog.AggregateTransaction,
			AggregateID:   id,
			Type:          "ItemIssued",
			Payload:       issued{ItemID: "item-1", Fine: i},
			Metadata:      map[string]string{"actor": "admin"},
		})
		require.NoError(t, err)
		assert.Equal(t, i+1, e.Version)
	}

	version, err := log.CurrentVersion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, version)

	events, err := log.Load(ctx, id, 2, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 2, events[0].Version)
	assert.Equal(t, "admin", events[0].Metadata["actor"])

	var payload issued
	require.NoError(t, events[1].Decode(&payload))
	assert.Equal(t, 2, payload.Fine)
}

func TestAppendRollsBackWithTransaction(t *testing.T) {
	db := testutil.NewTestDB(t)
	log := eventlog.New(db, clock.NewFixed(stamp))
	ctx := context.Background()
	id := uuid.New()

	boom := errors.New("boom")
	err := database.WithTx(ctx, db, func(ctx context.Context) error {
		if _, err := log.Append(ctx, eventlog.Record{AggregateType: eventlog.AggregateItem, AggregateID: id, Type: "ItemAdded", Payload: map[string]string{}}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	history, err := log.History(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestCountByType(t *testing.T) {
	db := testutil.NewTestDB(t)
	log := eventlog.New(db, clock.NewFixed(stamp))
	ctx := context.Background()
	since := stamp.Add(-time.Minute)

	for _, typ := range []string{"ItemAdded", "ItemAdded", "ItemRemoved"} {
		_, err := log.Append(ctx, eventlog.Record{AggregateType: eventlog.AggregateItem, AggregateID: uuid.New(), Type: typ, Payload: struct{}{}})
		require.NoError(t, err)
	}

	counts, err := log.CountByType(ctx, eventlog.AggregateItem, since)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"ItemAdded": 2, "ItemRemoved": 1}, counts)
}

func TestAppendStampsEventsWithInjectedClock(t *testing.T) {
	db := testutil.NewTestDB(t)
	clk := clock.NewManual(stamp)
	log := eventlog.New(db, clk)
	ctx := context.Background()
	id := uuid.New()

	first, err := log.Append(ctx, eventlog.Record{AggregateType: eventlog.AggregateTransaction, AggregateID: id, Type: "ItemIssued", Payload: struct{}{}})
	require.NoError(t, err)
	assert.True(t, stamp.Equal(first.CreatedAt))

	clk.Advance(48 * time.Hour)
	_, err = log.Append(ctx, eventlog.Record{AggregateType: eventlog.AggregateTransaction, AggregateID: id, Type: "ItemReturned", Payload: struct{}{}})
	require.NoError(t, err)

	history, err := log.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, stamp.Equal(history[0].CreatedAt))
	assert.True(t, stamp.Add(48*time.Hour).Equal(history[1].CreatedAt))
}
