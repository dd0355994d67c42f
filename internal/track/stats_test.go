package track

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeStats(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	days := func(n int) time.Time { return now.Add(-time.Duration(n) * 24 * time.Hour) }

	points := []Point{
		{Price: 50, At: days(300)}, // outside the window, still the all-time low
		{Price: 60, At: days(100)},
		{Price: 55, At: days(50)},
		{Price: 70, At: days(10)},
	}

	st := Compute(points, 52, now)
	require.True(t, st.HasHistory)
	require.InDelta(t, 50, st.AllTimeMin, 1e-9)
	require.Equal(t, days(300), st.AllTimeMinAt)
	require.False(t, st.IsAllTimeLow)
	require.Equal(t, 300, st.DaysSinceLow)

	require.Equal(t, 3, st.WindowCount)
	require.InDelta(t, 55, st.WindowMin, 1e-9)
	require.InDelta(t, (60.0+55+70)/3, st.WindowMean, 1e-9)
	require.True(t, st.IsWindowLow)
	require.True(t, st.BelowMean)
	require.InDelta(t, (st.WindowMean-52)/st.WindowMean*100, st.BelowMeanPct, 1e-9)
}

func TestComputeStatsNewAllTimeLow(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	points := []Point{
		{Price: 50, At: now.Add(-300 * 24 * time.Hour)},
		{Price: 60, At: now.Add(-10 * 24 * time.Hour)},
	}

	st := Compute(points, 50, now)
	require.True(t, st.IsAllTimeLow, "matching the standing low counts as a low")
	require.Equal(t, 0, st.DaysSinceLow)

	st = Compute(points, 45, now)
	require.True(t, st.IsAllTimeLow)
	require.Equal(t, 0, st.DaysSinceLow)
}

func TestComputeStatsEqualLowsKeepEarliest(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	early := now.Add(-200 * 24 * time.Hour)
	late := now.Add(-20 * 24 * time.Hour)

	for name, points := range map[string][]Point{
		"early first": {{Price: 50, At: early}, {Price: 50, At: late}},
		"late first":  {{Price: 50, At: late}, {Price: 50, At: early}},
	} {
		st := Compute(points, 60, now)
		require.Equalf(t, early, st.AllTimeMinAt, "order %q", name)
		require.Equal(t, 200, st.DaysSinceLow)
	}
}

func TestComputeStatsNoHistory(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for name, points := range map[string][]Point{
		"empty":            nil,
		"only junk prices": {{Price: 0, At: now}, {Price: -5, At: now}},
	} {
		st := Compute(points, 10, now)
		require.Falsef(t, st.HasHistory, "case %q", name)
		require.True(t, st.IsAllTimeLow)
		require.True(t, st.IsWindowLow)
		require.Equal(t, 0, st.WindowCount)
		require.False(t, st.BelowMean)
	}
}

func TestComputeStatsSmallDipBelowMean(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	points := []Point{
		{Price: 100, At: now.Add(-30 * 24 * time.Hour)},
		{Price: 100, At: now.Add(-15 * 24 * time.Hour)},
	}

	// 2% under the mean: reported in the percent field but not advertised.
	st := Compute(points, 98, now)
	require.InDelta(t, 2, st.BelowMeanPct, 1e-9)
	require.False(t, st.BelowMean)
}
