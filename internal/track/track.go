// Package track holds the drop-detection state machine and the rolling
// price statistics. Everything here is pure: callers load state, pass one
// observed price, and persist whatever the outcome tells them.
package track

// Trigger names the threshold a notifiable drop crossed.
type Trigger string

const (
	// TriggerTarget means the price fell under the watcher-set target.
	TriggerTarget Trigger = "target"
	// TriggerBaseline means the price fell under the first-ever observed price.
	TriggerBaseline Trigger = "baseline"
)

// State is the per-item detector input, loaded from storage before a check.
// Nil pointers mean "not recorded yet".
type State struct {
	// Baseline is the first price ever observed for the item. Set once,
	// never overwritten afterwards.
	Baseline *float64
	// Target is the optional watcher-set threshold.
	Target *float64
	// Last is the most recent successfully observed price.
	Last *float64
}

// Outcome is the result of evaluating one successful fetch.
type Outcome struct {
	// FirstCheck is true when no prior observation existed.
	FirstCheck bool
	// Notifiable is true when the drop should reach watchers.
	Notifiable bool
	// Trigger and Reference identify the crossed threshold when Notifiable.
	Trigger   Trigger
	Reference float64

	Current  float64
	Previous *float64
	// Baseline is the baseline in effect before this check, nil if unset.
	Baseline *float64
}

// Evaluate runs the detector over one observed price.
//
// With no prior observation only an explicit target can fire: the baseline
// is either being set to this very price or unknown, so comparing against
// it would be meaningless. With a prior observation the price must be a
// strict decrease and additionally cross the target or the baseline. A dip
// that crosses neither updates history silently.
func Evaluate(st State, current float64) Outcome {
	out := Outcome{
		Current:  current,
		Previous: st.Last,
		Baseline: st.Baseline,
	}

	if st.Last == nil {
		out.FirstCheck = true
		if st.Target != nil && current < *st.Target {
			out.Notifiable = true
			out.Trigger = TriggerTarget
			out.Reference = *st.Target
		}
		return out
	}

	if current >= *st.Last {
		return out
	}

	switch {
	case st.Target != nil && current < *st.Target:
		out.Notifiable = true
		out.Trigger = TriggerTarget
		out.Reference = *st.Target
	case st.Baseline != nil && current < *st.Baseline:
		out.Notifiable = true
		out.Trigger = TriggerBaseline
		out.Reference = *st.Baseline
	}
	return out
}

// NextBaseline returns the baseline to persist after a successful fetch:
// the existing one when set, otherwise the just-observed price.
func (st State) NextBaseline(current float64) float64 {
	if st.Baseline != nil {
		return *st.Baseline
	}
	return current
}

// PercentBelow measures how far current sits under ref, in percent.
// Non-positive references yield zero.
func PercentBelow(ref, current float64) float64 {
	if ref <= 0 || current >= ref {
		return 0
	}
	return (ref - current) / ref * 100
}

// BroadcastPercent is the discount a public deal post advertises: measured
// against the baseline when one predates this check, else against the
// previous observation. The second return is false when neither exists.
func (o Outcome) BroadcastPercent() (float64, bool) {
	switch {
	case o.Baseline != nil && *o.Baseline > 0:
		return PercentBelow(*o.Baseline, o.Current), true
	case o.Previous != nil && *o.Previous > 0:
		return PercentBelow(*o.Previous, o.Current), true
	}
	return 0, false
}
