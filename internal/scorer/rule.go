// Package scorer implements the four anomaly scorer adapters behind the
// shared domain.Scorer interface: declarative rules, per-device statistics,
// a half-space-tree outlier ensemble, and sequence-prediction error.
//
// Scorers are pure with respect to the supplied frame. The statistical
// scorer keeps per-device EWMA state, private to the adapter.
package scorer

import (
	"sort"

	"github.com/tiresense/tiresense/internal/domain"
)

// ─── Rule Scorer ────────────────────────────────────────────────────────────

// Op selects the comparison direction of a rule predicate.
type Op int

const (
	Below Op = iota
	Above
)

// Rule is one named predicate over the latest frame row.
type Rule struct {
	Name      string
	Channel   string // well-known channel, or "quality" / "rate_per_min"
	Op        Op
	Threshold float64
	Kind      domain.IncidentKind
	Severity  domain.Severity
}

// Fires evaluates the predicate against a value.
func (r Rule) Fires(v float64) bool {
	if r.Op == Below {
		return v < r.Threshold
	}
	return v > r.Threshold
}

// DefaultRules returns the built-in tire telemetry rule table.
// Pressure rules use kPa gauge pressure as reported on the pressure channel
// by tire-mounted sensors; the pipeline's validity bounds keep the rule
// thresholds inside the unclipped range.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "pressure_critical_low", Channel: domain.ChPressure, Op: Below, Threshold: 200,
			Kind: domain.KindPressureAnomaly, Severity: domain.SevCritical},
		{Name: "pressure_high", Channel: domain.ChPressure, Op: Above, Threshold: 350,
			Kind: domain.KindPressureAnomaly, Severity: domain.SevWarning},
		{Name: "temperature_high", Channel: domain.ChTemperature, Op: Above, Threshold: 80,
			Kind: domain.KindTemperatureAnomaly, Severity: domain.SevWarning},
		{Name: "temperature_freezing", Channel: domain.ChTemperature, Op: Below, Threshold: -30,
			Kind: domain.KindTemperatureAnomaly, Severity: domain.SevWarning},
		{Name: "battery_critical", Channel: domain.ChBattery, Op: Below, Threshold: 3.0,
			Kind: domain.KindBatteryDegradation, Severity: domain.SevCritical},
		{Name: "battery_low", Channel: domain.ChBattery, Op: Below, Threshold: 3.2,
			Kind: domain.KindBatteryDegradation, Severity: domain.SevWarning},
		{Name: "signal_weak", Channel: domain.ChSignal, Op: Below, Threshold: -100,
			Kind: domain.KindCommunicationIssue, Severity: domain.SevWarning},
		{Name: "vibration_extreme", Channel: domain.ChAcceleration, Op: Above, Threshold: 4,
			Kind: domain.KindSensorMalfunction, Severity: domain.SevWarning},
		{Name: "quality_low", Channel: "quality", Op: Below, Threshold: 0.5,
			Kind: domain.KindDataQualityDrop, Severity: domain.SevWarning},
		{Name: "reading_flood", Channel: "rate_per_min", Op: Above, Threshold: 120,
			Kind: domain.KindSecurityBreach, Severity: domain.SevWarning},
	}
}

// RuleScorer evaluates a declarative rule table against the latest row.
// Deterministic and side-effect free.
type RuleScorer struct {
	rules []Rule
}

// NewRuleScorer creates a rule scorer; nil rules loads the default table.
func NewRuleScorer(rules []Rule) *RuleScorer {
	if rules == nil {
		rules = DefaultRules()
	}
	return &RuleScorer{rules: rules}
}

// Name implements domain.Scorer.
func (s *RuleScorer) Name() string { return "rule" }

// Score evaluates every rule and reports the most severe hit. Diagnostics
// carry 1 per fired predicate name; Value is the fired-rule count.
func (s *RuleScorer) Score(frame domain.FeatureFrame) (domain.Score, error) {
	if len(frame.Rows) == 0 {
		return domain.Score{}, domain.ErrFrameRefused
	}
	last := frame.Last()

	var fired []Rule
	diags := map[string]float64{}
	for _, r := range s.rules {
		v, ok := ruleInput(frame, last, r.Channel)
		if !ok {
			continue
		}
		if r.Fires(v) {
			fired = append(fired, r)
			diags[r.Name] = v
		}
	}

	score := domain.Score{
		Kind:       domain.ScoreRule,
		Value:      float64(len(fired)),
		Confidence: 0.9, // rules are near-certain by construction
	}
	if len(fired) == 0 {
		return score, nil
	}

	// Most severe rule wins; ties broken by table order for determinism.
	sort.SliceStable(fired, func(i, j int) bool {
		return fired[i].Severity > fired[j].Severity
	})
	top := fired[0]
	score.Anomalous = true
	score.SeverityHint = top.Severity
	score.IncidentKind = top.Kind
	score.Diagnostics = diags
	return score, nil
}

// ruleInput resolves a rule channel name to a value on the frame.
func ruleInput(frame domain.FeatureFrame, last domain.FeatureRow, channel string) (float64, bool) {
	switch channel {
	case domain.ChTemperature:
		return last.Temperature, true
	case domain.ChHumidity:
		return last.Humidity, true
	case domain.ChPressure:
		return last.Pressure, true
	case domain.ChAcceleration:
		return last.Acceleration, true
	case domain.ChBattery:
		return last.Battery, true
	case domain.ChSignal:
		return last.Signal, true
	case "quality":
		return frame.Quality, true
	case "rate_per_min":
		span := frame.End.Sub(frame.Start).Minutes()
		if span <= 0 {
			return 0, false
		}
		return float64(len(frame.Rows)) / span, true
	default:
		return 0, false
	}
}
