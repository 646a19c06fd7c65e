package account

import (
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendingdesk/internal/clock"
)

func newLimitedService(t *testing.T, limits Limits) (*service, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	logger, _ := test.NewNullLogger()
	svc, ok := NewService(nil, nil, clk, limits, logger).(*service)
	require.True(t, ok)
	return svc, clk
}

func TestLimiterThrottlesPerEmail(t *testing.T) {
	svc, _ := newLimitedService(t, Limits{Every: time.Minute, Burst: 2})

	assert.True(t, svc.allow("ada@example.com"))
	assert.True(t, svc.allow("ada@example.com"))
	assert.False(t, svc.allow("ada@example.com"))
	assert.True(t, svc.allow("bob@example.com"))
}

func TestLimiterTableStaysBoundedUnderDistinctEmails(t *testing.T) {
	svc, clk := newLimitedService(t, DefaultLimits)
	svc.maxTracked = 100

	for i := 0; i < 100_000; i++ {
		clk.Advance(time.Millisecond)
		require.True(t, svc.allow(fmt.Sprintf("visitor%d@example.com", i)))
	}
	assert.LessOrEqual(t, len(svc.limiters), 100)
	assert.Contains(t, svc.limiters, "visitor99999@example.com")
}

func TestLimiterSweepsRefilledEmails(t *testing.T) {
	svc, clk := newLimitedService(t, Limits{Every: time.Minute, Burst: 2})

	assert.True(t, svc.allow("ada@example.com"))
	assert.True(t, svc.allow("ada@example.com"))
	assert.False(t, svc.allow("ada@example.com"))

	clk.Advance(3 * time.Minute)
	assert.True(t, svc.allow("bob@example.com"))
	assert.NotContains(t, svc.limiters, "ada@example.com")
	assert.Len(t, svc.limiters, 1)

	assert.True(t, svc.allow("ada@example.com"))
}

func TestLimiterDisabled(t *testing.T) {
	svc, _ := newLimitedService(t, Limits{})

	for i := 0; i < 50; i++ {
		assert.True(t, svc.allow("ada@example.com"))
	}
	assert.Empty(t, svc.limiters)
}
