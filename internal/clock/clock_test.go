package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedClockIsUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	c := NewFixed(time.Date(2024, 1, 1, 1, 0, 0, 0, loc))

	assert.Equal(t, time.Date(2023, 12, 31, 23, 0, 0, 0, time.UTC), c.Now())
}

func TestManualClockAdvances(t *testing.T) {
	c := NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c.Advance(36 * time.Hour)

	assert.Equal(t, time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC), c.Now())

	c.Set(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, 2025, c.Now().Year())
}
