package track

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fptr(v float64) *float64 { return &v }

// TestEvaluateSequence replays a full observation sequence the way the
// rotation runner does, carrying state forward between checks.
func TestEvaluateSequence(t *testing.T) {
	t.Parallel()

	prices := []float64{100, 90, 95, 80}
	wantNotify := []bool{false, true, false, true}

	var st State
	for i, price := range prices {
		out := Evaluate(st, price)
		require.Equalf(t, wantNotify[i], out.Notifiable, "step %d price %.0f", i, price)

		if out.Notifiable {
			require.Equal(t, TriggerBaseline, out.Trigger)
			require.InDelta(t, 100, out.Reference, 1e-9)
		}

		next := st.NextBaseline(price)
		st.Baseline = &next
		st.Last = fptr(price)
	}

	require.InDelta(t, 100, *st.Baseline, 1e-9)
	require.InDelta(t, 80, *st.Last, 1e-9)
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		st         State
		current    float64
		notifiable bool
		trigger    Trigger
		reference  float64
		firstCheck bool
	}{
		{
			name:       "first check under target",
			st:         State{Target: fptr(50)},
			current:    45,
			notifiable: true,
			trigger:    TriggerTarget,
			reference:  50,
			firstCheck: true,
		},
		{
			name:       "first check without target",
			st:         State{},
			current:    60,
			notifiable: false,
			firstCheck: true,
		},
		{
			name:       "first check above target",
			st:         State{Target: fptr(50)},
			current:    55,
			notifiable: false,
			firstCheck: true,
		},
		{
			name:       "dip that crosses nothing stays silent",
			st:         State{Baseline: fptr(50), Last: fptr(100)},
			current:    80,
			notifiable: false,
		},
		{
			name:       "equal price is not a drop",
			st:         State{Baseline: fptr(100), Last: fptr(90)},
			current:    90,
			notifiable: false,
		},
		{
			name:       "increase is not a drop even under baseline",
			st:         State{Baseline: fptr(100), Last: fptr(70)},
			current:    80,
			notifiable: false,
		},
		{
			name:       "target wins over baseline",
			st:         State{Baseline: fptr(100), Target: fptr(60), Last: fptr(70)},
			current:    55,
			notifiable: true,
			trigger:    TriggerTarget,
			reference:  60,
		},
		{
			name:       "baseline fires when target is not crossed",
			st:         State{Baseline: fptr(100), Target: fptr(40), Last: fptr(90)},
			current:    80,
			notifiable: true,
			trigger:    TriggerBaseline,
			reference:  100,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out := Evaluate(tt.st, tt.current)
			require.Equal(t, tt.firstCheck, out.FirstCheck)
			require.Equal(t, tt.notifiable, out.Notifiable)
			if tt.notifiable {
				require.Equal(t, tt.trigger, out.Trigger)
				require.InDelta(t, tt.reference, out.Reference, 1e-9)
			}
			require.InDelta(t, tt.current, out.Current, 1e-9)
		})
	}
}

func TestNextBaseline(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 60, State{}.NextBaseline(60), 1e-9)
	require.InDelta(t, 100, State{Baseline: fptr(100)}.NextBaseline(60), 1e-9)
}

func TestPercentBelow(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 20, PercentBelow(100, 80), 1e-9)
	require.InDelta(t, 0, PercentBelow(100, 100), 1e-9)
	require.InDelta(t, 0, PercentBelow(100, 120), 1e-9)
	require.InDelta(t, 0, PercentBelow(0, 10), 1e-9)
}

func TestBroadcastPercent(t *testing.T) {
	t.Parallel()

	pct, ok := Outcome{Current: 80, Baseline: fptr(100), Previous: fptr(90)}.BroadcastPercent()
	require.True(t, ok)
	require.InDelta(t, 20, pct, 1e-9, "baseline is preferred over the previous observation")

	pct, ok = Outcome{Current: 40, Previous: fptr(50)}.BroadcastPercent()
	require.True(t, ok)
	require.InDelta(t, 20, pct, 1e-9)

	_, ok = Outcome{Current: 40}.BroadcastPercent()
	require.False(t, ok)
}
