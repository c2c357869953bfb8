package metrics

import "time"

// Verdict labels for the three diagnostic questions: did scan start stay
// fast, is the limiter active, and is the observed rate safe.
const (
	TimeoutConfirmed    = "CONFIRMED"
	TimeoutNotConfirmed = "NOT CONFIRMED"

	LimiterActive    = "ACTIVE"
	LimiterPartial   = "PARTIAL"
	LimiterNotActive = "NOT ACTIVE"

	SafetySafe       = "SAFE"
	SafetyBorderline = "BORDERLINE"
	SafetyNotSafe    = "NOT SAFE"
)

// Thresholds configures the classifier. Historical diagnostic scripts
// disagreed between 0.45s and 0.5s for the minimum inter-start floor;
// 0.45s is the canonical value here.
type Thresholds struct {
	// MaxRPS is the ceiling above which the limiter is considered
	// inactive and the scan unsafe.
	MaxRPS float64

	// MinInterStart is the inter-start floor that proves the limiter
	// held throughout.
	MinInterStart time.Duration

	// StartLatency is the scan-start acknowledgment budget.
	StartLatency time.Duration
}

// DefaultThresholds returns the canonical threshold set.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxRPS:        2.0,
		MinInterStart: 450 * time.Millisecond,
		StartLatency:  time.Second,
	}
}

// Verdicts is the classification triple for one scan.
type Verdicts struct {
	Timeout string `json:"timeout_verdict"`
	Limiter string `json:"limiter_verdict"`
	Safety  string `json:"safety_verdict"`
}

// Classify derives the verdict triple from a metrics snapshot and the
// observed scan-start latency. It is a pure function: identical inputs
// always produce identical verdicts.
func Classify(snap Snapshot, startLatency time.Duration, th Thresholds) Verdicts {
	var v Verdicts

	if startLatency < th.StartLatency {
		v.Timeout = TimeoutConfirmed
	} else {
		v.Timeout = TimeoutNotConfirmed
	}

	overLimit := snap.Any429Count > 0 ||
		(snap.PeakRPS != nil && *snap.PeakRPS > th.MaxRPS) ||
		(snap.AvgRPS != nil && *snap.AvgRPS > th.MaxRPS)
	floorHeld := snap.MinInterStartS != nil &&
		*snap.MinInterStartS >= th.MinInterStart.Seconds()

	switch {
	case overLimit:
		v.Limiter = LimiterNotActive
		v.Safety = SafetyNotSafe
	case floorHeld:
		v.Limiter = LimiterActive
		v.Safety = SafetySafe
	default:
		v.Limiter = LimiterPartial
		v.Safety = SafetyBorderline
	}
	return v
}
