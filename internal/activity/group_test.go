package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPeriodOf(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2024, time.March, 15, 0, 30, 0, 0, loc)

	tests := []struct {
		name string
		t    time.Time
		want Period
	}{
		{"start of today", time.Date(2024, time.March, 15, 0, 0, 0, 0, loc), PeriodToday},
		{"future", now.Add(time.Hour), PeriodToday},
		{"late yesterday", time.Date(2024, time.March, 14, 23, 59, 0, 0, loc), PeriodYesterday},
		{"start of yesterday", time.Date(2024, time.March, 14, 0, 0, 0, 0, loc), PeriodYesterday},
		{"this month", time.Date(2024, time.March, 1, 0, 0, 0, 0, loc), PeriodThisMonth},
		{"this year", time.Date(2024, time.February, 28, 12, 0, 0, 0, loc), PeriodThisYear},
		{"earlier", time.Date(2023, time.December, 31, 23, 0, 0, 0, loc), PeriodEarlier},
		// 22:30 UTC on the 14th is already the 15th in loc.
		{"other zone", time.Date(2024, time.March, 14, 22, 30, 0, 0, time.UTC), PeriodToday},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, PeriodOf(tt.t, now, loc))
		})
	}
}

func TestYesterdayAcrossMonth(t *testing.T) {
	now := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)
	require.Equal(t, PeriodYesterday, PeriodOf(time.Date(2024, time.February, 29, 9, 0, 0, 0, time.UTC), now, time.UTC))
	require.Equal(t, PeriodThisYear, PeriodOf(time.Date(2024, time.February, 28, 9, 0, 0, 0, time.UTC), now, time.UTC))
}

func TestGroupByPeriod(t *testing.T) {
	now := time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC)
	at := func(id string, tm time.Time) Item {
		return onchain(id, tm.UnixMilli(), Received)
	}
	items := []Item{
		at("t2", now.Add(-time.Hour)),
		at("t1", now.Add(-2*time.Hour)),
		at("y", now.Add(-24*time.Hour)),
		at("old", time.Date(2020, time.May, 1, 0, 0, 0, 0, time.UTC)),
	}

	groups := GroupByPeriod(items, now, time.UTC)
	require.Len(t, groups, 3)
	require.Equal(t, PeriodToday, groups[0].Period)
	require.Equal(t, []string{"t2", "t1"}, ids(groups[0].Items))
	require.Equal(t, PeriodYesterday, groups[1].Period)
	require.Equal(t, PeriodEarlier, groups[2].Period)

	require.Empty(t, GroupByPeriod(nil, now, time.UTC))
}
