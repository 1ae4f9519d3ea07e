package scorer

import (
	"fmt"
	"math"
	"sync"

	"github.com/tiresense/tiresense/internal/domain"
)

// ─── Statistical Scorer ─────────────────────────────────────────────────────

// StatConfig tunes the statistical scorer.
type StatConfig struct {
	// Alpha is the EWMA smoothing factor.
	Alpha float64

	// MinSamples is how many updates a channel needs before z-scores count.
	MinSamples int

	// WarnSigma / ErrorSigma are |z| cutoffs for severity hints.
	WarnSigma  float64
	ErrorSigma float64

	// BatteryFloor is the end-of-life voltage for hours-to-threshold.
	BatteryFloor float64

	// TrendHorizonHours is how far ahead a battery trend must fall inside
	// to fire a predictive-maintenance finding.
	TrendHorizonHours float64
}

// DefaultStatConfig returns production defaults.
func DefaultStatConfig() StatConfig {
	return StatConfig{
		Alpha:             0.2,
		MinSamples:        5,
		WarnSigma:         3.0,
		ErrorSigma:        4.5,
		BatteryFloor:      3.0,
		TrendHorizonHours: 168, // one week
	}
}

// StatScorer keeps per-device EWMA mean and variance on the monitored
// channels, returns the worst z-score, and fits a short linear trend on
// battery voltage to estimate hours to the cutoff.
type StatScorer struct {
	mu       sync.Mutex
	cfg      StatConfig
	profiles map[string]*deviceProfile
}

type deviceProfile struct {
	ewma map[string]*channelEWMA
}

type channelEWMA struct {
	count    int
	mean     float64
	variance float64
}

func (c *channelEWMA) update(alpha, v float64) {
	c.count++
	if c.count == 1 {
		c.mean = v
		return
	}
	diff := v - c.mean
	incr := alpha * diff
	c.mean += incr
	c.variance = (1 - alpha) * (c.variance + diff*incr)
}

func (c *channelEWMA) z(v float64) float64 {
	sd := math.Sqrt(c.variance)
	if sd == 0 {
		return 0
	}
	return (v - c.mean) / sd
}

// monitored channels for z-scoring and their incident kinds.
var statChannels = []struct {
	name string
	kind domain.IncidentKind
	get  func(domain.FeatureRow) float64
}{
	{domain.ChTemperature, domain.KindTemperatureAnomaly, func(r domain.FeatureRow) float64 { return r.Temperature }},
	{domain.ChPressure, domain.KindPressureAnomaly, func(r domain.FeatureRow) float64 { return r.Pressure }},
	{domain.ChAcceleration, domain.KindSensorMalfunction, func(r domain.FeatureRow) float64 { return r.Acceleration }},
}

// NewStatScorer creates a statistical scorer. Zero config fields fall back
// to defaults.
func NewStatScorer(cfg StatConfig) *StatScorer {
	def := DefaultStatConfig()
	if cfg.Alpha <= 0 || cfg.Alpha >= 1 {
		cfg.Alpha = def.Alpha
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.WarnSigma <= 0 {
		cfg.WarnSigma = def.WarnSigma
	}
	if cfg.ErrorSigma <= 0 {
		cfg.ErrorSigma = def.ErrorSigma
	}
	if cfg.BatteryFloor <= 0 {
		cfg.BatteryFloor = def.BatteryFloor
	}
	if cfg.TrendHorizonHours <= 0 {
		cfg.TrendHorizonHours = def.TrendHorizonHours
	}
	return &StatScorer{cfg: cfg, profiles: make(map[string]*deviceProfile)}
}

// Name implements domain.Scorer.
func (s *StatScorer) Name() string { return "statistical" }

// Score updates the device profile with the latest row, reports the worst
// |z| across monitored channels, and checks the battery trend over the full
// frame. A confident negative trend inside the horizon yields a
// predictive-maintenance hint with hours_to_threshold in the diagnostics.
func (s *StatScorer) Score(frame domain.FeatureFrame) (domain.Score, error) {
	if len(frame.Rows) == 0 {
		return domain.Score{}, domain.ErrFrameRefused
	}
	if frame.Degraded {
		return domain.Score{}, fmt.Errorf("%w: statistical scorer needs normalized frames", domain.ErrFrameRefused)
	}
	last := frame.Last()

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[frame.DeviceID]
	if !ok {
		p = &deviceProfile{ewma: make(map[string]*channelEWMA)}
		s.profiles[frame.DeviceID] = p
	}

	score := domain.Score{Kind: domain.ScoreStatistical, Confidence: 0.7}
	diags := map[string]float64{}

	worstZ := 0.0
	worstKind := domain.IncidentKind("")
	for _, ch := range statChannels {
		e, ok := p.ewma[ch.name]
		if !ok {
			e = &channelEWMA{}
			p.ewma[ch.name] = e
		}
		v := ch.get(last)
		if e.count >= s.cfg.MinSamples {
			z := e.z(v)
			diags["z_"+ch.name] = z
			if math.Abs(z) > math.Abs(worstZ) {
				worstZ = z
				worstKind = ch.kind
			}
		}
		e.update(s.cfg.Alpha, v)
	}

	score.Value = math.Abs(worstZ)
	if math.Abs(worstZ) > s.cfg.WarnSigma {
		score.Anomalous = true
		score.IncidentKind = worstKind
		score.SeverityHint = domain.SevWarning
		if math.Abs(worstZ) > s.cfg.ErrorSigma {
			score.SeverityHint = domain.SevError
		}
	}

	// Battery trend takes precedence over a z-score finding: running out of
	// battery is actionable ahead of time, a spike is not.
	if hours, r, fired := s.batteryTrend(frame); fired {
		diags["hours_to_threshold"] = hours
		diags["trend_correlation"] = r
		score.Anomalous = true
		score.IncidentKind = domain.KindPredictiveMaintenance
		score.Value = hours
		if hours < 48 {
			score.SeverityHint = domain.SevError
		} else {
			score.SeverityHint = domain.SevWarning
		}
		score.Confidence = math.Min(1, math.Abs(r))
	}

	if len(diags) > 0 {
		score.Diagnostics = diags
	}
	return score, nil
}

// batteryTrend fits a least-squares line of battery voltage over the sample
// index and reports estimated hours until the floor, assuming the window's
// sampling cadence holds. Fires only when the slope is meaningfully negative
// and the fit is strong (r < −0.5).
func (s *StatScorer) batteryTrend(frame domain.FeatureFrame) (hours, r float64, fired bool) {
	rows := frame.Rows
	if len(rows) < 5 {
		return 0, 0, false
	}

	var n, sumX, sumY, sumXY, sumXX, sumYY float64
	for i, row := range rows {
		x := float64(i)
		y := row.Battery
		n++
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
		sumYY += y * y
	}

	denomX := n*sumXX - sumX*sumX
	if denomX == 0 {
		return 0, 0, false
	}
	slope := (n*sumXY - sumX*sumY) / denomX

	denomR := math.Sqrt(denomX * (n*sumYY - sumY*sumY))
	if denomR == 0 {
		return 0, 0, false
	}
	r = (n*sumXY - sumX*sumY) / denomR

	if slope >= -0.001 || r >= -0.5 {
		return 0, r, false
	}

	current := rows[len(rows)-1].Battery
	if current <= s.cfg.BatteryFloor {
		return 0, r, true
	}
	hours = (current - s.cfg.BatteryFloor) / -slope
	if hours > s.cfg.TrendHorizonHours {
		return hours, r, false
	}
	return hours, r, true
}
