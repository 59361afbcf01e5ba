package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnel-goat/funnel-goat/internal/store"
)

func TestWindow(t *testing.T) {
	utc := func(y int, m time.Month, d, h, min int) time.Time {
		return time.Date(y, m, d, h, min, 0, 0, time.UTC)
	}
	plus2 := time.FixedZone("UTC+2", 2*60*60)

	tests := []struct {
		name   string
		period store.Period
		at     time.Time
		start  time.Time
		end    time.Time
	}{
		{"hour", store.PeriodHour, utc(2025, 3, 12, 14, 35), utc(2025, 3, 12, 14, 0), utc(2025, 3, 12, 15, 0)},
		{"day", store.PeriodDay, utc(2025, 3, 12, 23, 59), utc(2025, 3, 12, 0, 0), utc(2025, 3, 13, 0, 0)},
		{"day from other zone", store.PeriodDay, time.Date(2025, 3, 13, 1, 0, 0, 0, plus2), utc(2025, 3, 12, 0, 0), utc(2025, 3, 13, 0, 0)},
		{"week midweek", store.PeriodWeek, utc(2025, 3, 12, 8, 0), utc(2025, 3, 10, 0, 0), utc(2025, 3, 17, 0, 0)},
		{"week sunday", store.PeriodWeek, utc(2025, 3, 16, 22, 0), utc(2025, 3, 10, 0, 0), utc(2025, 3, 17, 0, 0)},
		{"week monday", store.PeriodWeek, utc(2025, 3, 17, 0, 0), utc(2025, 3, 17, 0, 0), utc(2025, 3, 24, 0, 0)},
		{"month leap february", store.PeriodMonth, utc(2024, 2, 29, 12, 0), utc(2024, 2, 1, 0, 0), utc(2024, 3, 1, 0, 0)},
		{"month december", store.PeriodMonth, utc(2025, 12, 31, 23, 0), utc(2025, 12, 1, 0, 0), utc(2026, 1, 1, 0, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, err := Window(tt.period, tt.at)
			require.NoError(t, err)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)
		})
	}
}

func TestPreviousWindow(t *testing.T) {
	now := time.Date(2025, 3, 12, 0, 30, 0, 0, time.UTC)

	start, end, err := PreviousWindow(store.PeriodDay, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC), end)

	start, _, err = PreviousWindow(store.PeriodMonth, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), start)
}

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod("week")
	require.NoError(t, err)
	assert.Equal(t, store.PeriodWeek, p)

	_, err = ParsePeriod("year")
	assert.Error(t, err)
}
