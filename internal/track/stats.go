package track

import "time"

// StatsWindow is the trailing span the windowed aggregates cover.
const StatsWindow = 180 * 24 * time.Hour

// belowMeanSlack is the minimum percent under the window mean before a drop
// gets advertised as "below average". Small dips under a noisy mean are not
// worth calling out.
const belowMeanSlack = 5.0

// Point is one stored observation, as read back from history.
type Point struct {
	Price float64
	At    time.Time
}

// Stats summarizes an item's price history relative to one current price.
// Computed only when a drop is notifiable; these feed presentation, never
// the detection decision itself.
type Stats struct {
	// HasHistory is false when no prior observations existed.
	HasHistory bool

	// AllTimeMin is the lowest price across all history, with the moment it
	// was first seen.
	AllTimeMin   float64
	AllTimeMinAt time.Time

	// WindowMin, WindowMean and WindowCount cover the trailing StatsWindow.
	WindowMin   float64
	WindowMean  float64
	WindowCount int

	// IsAllTimeLow is true when current is at or under every recorded price.
	IsAllTimeLow bool
	// IsWindowLow is true when current is at or under the windowed minimum.
	IsWindowLow bool
	// BelowMeanPct is how far current sits under the window mean, in
	// percent; zero when at or above it.
	BelowMeanPct float64
	// BelowMean is true when BelowMeanPct clears the advertising slack.
	BelowMean bool
	// DaysSinceLow is the age of the standing all-time low in whole days.
	// Zero when current is itself the new low.
	DaysSinceLow int
}

// Compute aggregates points against current as of now. Points may arrive in
// any order; non-positive prices are ignored.
func Compute(points []Point, current float64, now time.Time) Stats {
	st := Stats{}
	cutoff := now.Add(-StatsWindow)

	var sum float64
	for _, p := range points {
		if p.Price <= 0 {
			continue
		}
		switch {
		case !st.HasHistory, p.Price < st.AllTimeMin:
			st.HasHistory = true
			st.AllTimeMin = p.Price
			st.AllTimeMinAt = p.At
		case p.Price == st.AllTimeMin && p.At.Before(st.AllTimeMinAt):
			// Equal lows keep the earliest sighting.
			st.AllTimeMinAt = p.At
		}

		if !p.At.Before(cutoff) {
			st.WindowCount++
			sum += p.Price
			if st.WindowCount == 1 || p.Price < st.WindowMin {
				st.WindowMin = p.Price
			}
		}
	}

	if !st.HasHistory {
		st.IsAllTimeLow = true
		st.IsWindowLow = true
		return st
	}

	st.IsAllTimeLow = current <= st.AllTimeMin
	st.IsWindowLow = st.WindowCount == 0 || current <= st.WindowMin
	if st.WindowCount > 0 {
		st.WindowMean = sum / float64(st.WindowCount)
	}
	if st.WindowMean > 0 && current < st.WindowMean {
		st.BelowMeanPct = (st.WindowMean - current) / st.WindowMean * 100
		st.BelowMean = st.BelowMeanPct > belowMeanSlack
	}
	if !st.IsAllTimeLow {
		st.DaysSinceLow = int(now.Sub(st.AllTimeMinAt).Hours() / 24)
	}
	return st
}
