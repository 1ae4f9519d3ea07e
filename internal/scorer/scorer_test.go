package scorer

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/tiresense/tiresense/internal/clock"
	"github.com/tiresense/tiresense/internal/domain"
	"github.com/tiresense/tiresense/internal/pipeline"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// testFrame builds a frame of n identical nominal rows, one per minute,
// then applies per-row mutations.
func testFrame(t *testing.T, device string, n int, mutate func(i int, r *domain.FeatureRow)) domain.FeatureFrame {
	t.Helper()
	rows := make([]domain.FeatureRow, n)
	for i := range rows {
		rows[i] = domain.FeatureRow{
			Timestamp:    t0.Add(time.Duration(i) * time.Minute),
			Temperature:  30,
			Humidity:     50,
			Pressure:     250, // kPa gauge, nominal tire pressure
			Acceleration: 1,
			Battery:      3.7,
			Signal:       -70,
			Quality:      1,
		}
		if mutate != nil {
			mutate(i, &rows[i])
		}
	}
	return domain.FeatureFrame{
		DeviceID: device,
		Rows:     rows,
		Quality:  1,
		Start:    rows[0].Timestamp,
		End:      rows[n-1].Timestamp,
	}
}

// ─── Rule Scorer ────────────────────────────────────────────────────────────

func TestRuleScorer_NominalFrameClean(t *testing.T) {
	s := NewRuleScorer(nil)
	score, err := s.Score(testFrame(t, "D1", 10, nil))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score.Anomalous {
		t.Errorf("nominal frame flagged anomalous: %+v", score)
	}
	if score.Kind != domain.ScoreRule {
		t.Errorf("Kind = %q, want rule", score.Kind)
	}
}

func TestRuleScorer_PressureCritical(t *testing.T) {
	s := NewRuleScorer(nil)
	frame := testFrame(t, "D1", 10, func(i int, r *domain.FeatureRow) {
		if i == 9 {
			r.Pressure = 150
		}
	})
	score, err := s.Score(frame)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if !score.Anomalous {
		t.Fatal("pressure 150 should be anomalous")
	}
	if score.IncidentKind != domain.KindPressureAnomaly {
		t.Errorf("IncidentKind = %q, want pressure_anomaly", score.IncidentKind)
	}
	if score.SeverityHint != domain.SevCritical {
		t.Errorf("SeverityHint = %v, want CRITICAL", score.SeverityHint)
	}
	if _, ok := score.Diagnostics["pressure_critical_low"]; !ok {
		t.Error("diagnostics should name the fired predicate")
	}
}

// pipelineFrame runs raw readings through a real pipeline so the rule tests
// see exactly what the inference worker sees, validation and clipping
// included.
func pipelineFrame(t *testing.T, pressures []float64) domain.FeatureFrame {
	t.Helper()
	p := pipeline.New(pipeline.Config{WindowK: 30, WindowT: time.Hour, MinWindow: 3}, clock.NewVirtualClock(t0))
	for i, kpa := range pressures {
		r := domain.Reading{
			DeviceID:  "D1",
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Channels: map[string]float64{
				domain.ChTemperature:  30,
				domain.ChHumidity:     50,
				domain.ChPressure:     kpa,
				domain.ChAcceleration: 1,
				domain.ChBattery:      3.7,
				domain.ChSignal:       -70,
			},
		}
		if err := p.Ingest(r); err != nil {
			t.Fatalf("Ingest #%d: %v", i, err)
		}
	}
	frame, err := p.Frame("D1")
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	return frame
}

func TestRuleScorer_PressureSurvivesPipeline(t *testing.T) {
	s := NewRuleScorer(nil)

	// Nominal tire pressure must come out of the pipeline unclipped and
	// score clean.
	nominal := pipelineFrame(t, []float64{250, 250, 250, 250, 250})
	if got := nominal.Last().Pressure; got != 250 {
		t.Fatalf("pipeline altered nominal pressure: %v, want 250", got)
	}
	score, err := s.Score(nominal)
	if err != nil {
		t.Fatalf("Score(nominal): %v", err)
	}
	if score.Anomalous {
		t.Errorf("nominal pipeline frame flagged anomalous: %+v", score)
	}

	// A deflating tire must still read below the critical threshold after
	// validation.
	flat := pipelineFrame(t, []float64{250, 250, 230, 190, 150})
	score, err = s.Score(flat)
	if err != nil {
		t.Fatalf("Score(flat): %v", err)
	}
	if !score.Anomalous || score.IncidentKind != domain.KindPressureAnomaly {
		t.Fatalf("deflation not flagged as pressure_anomaly: %+v", score)
	}
	if score.SeverityHint != domain.SevCritical {
		t.Errorf("SeverityHint = %v, want CRITICAL", score.SeverityHint)
	}
}

func TestRuleScorer_MostSevereRuleWins(t *testing.T) {
	s := NewRuleScorer(nil)
	// Both temperature_high (Warning) and battery_critical (Critical) fire.
	frame := testFrame(t, "D1", 10, func(i int, r *domain.FeatureRow) {
		if i == 9 {
			r.Temperature = 90
			r.Battery = 2.8
		}
	})
	score, _ := s.Score(frame)
	if score.SeverityHint != domain.SevCritical {
		t.Errorf("SeverityHint = %v, want CRITICAL", score.SeverityHint)
	}
	if score.IncidentKind != domain.KindBatteryDegradation {
		t.Errorf("IncidentKind = %q, want battery_degradation", score.IncidentKind)
	}
	if score.Value != 3 { // temperature_high + battery_critical + battery_low
		t.Errorf("Value (fired rules) = %v, want 3", score.Value)
	}
}

func TestRuleScorer_QualityRuleUsesFrameQuality(t *testing.T) {
	s := NewRuleScorer(nil)
	frame := testFrame(t, "D1", 10, nil)
	frame.Quality = 0.3
	score, _ := s.Score(frame)
	if score.IncidentKind != domain.KindDataQualityDrop {
		t.Errorf("IncidentKind = %q, want data_quality_drop", score.IncidentKind)
	}
}

func TestRuleScorer_ReadingFloodIsSecurityBreach(t *testing.T) {
	s := NewRuleScorer(nil)
	// 600 rows packed into 2 minutes: far above 120/min.
	rows := make([]domain.FeatureRow, 600)
	for i := range rows {
		rows[i] = domain.FeatureRow{
			Timestamp: t0.Add(time.Duration(i) * 200 * time.Millisecond),
			Pressure:  250, Temperature: 30, Humidity: 50, Acceleration: 1,
			Battery: 3.7, Signal: -70, Quality: 1,
		}
	}
	frame := domain.FeatureFrame{
		DeviceID: "D1", Rows: rows, Quality: 1,
		Start: rows[0].Timestamp, End: rows[len(rows)-1].Timestamp,
	}
	score, _ := s.Score(frame)
	if score.IncidentKind != domain.KindSecurityBreach {
		t.Errorf("IncidentKind = %q, want security_breach", score.IncidentKind)
	}
}

func TestRuleScorer_EmptyFrameRefused(t *testing.T) {
	s := NewRuleScorer(nil)
	_, err := s.Score(domain.FeatureFrame{DeviceID: "D1"})
	if !errors.Is(err, domain.ErrFrameRefused) {
		t.Errorf("Score(empty) = %v, want ErrFrameRefused", err)
	}
}

// ─── Statistical Scorer ─────────────────────────────────────────────────────

func TestStatScorer_SpikesAfterStableBaseline(t *testing.T) {
	s := NewStatScorer(StatConfig{})

	// Feed stable frames to build the profile, with slight jitter so the
	// variance is non-zero.
	for i := 0; i < 20; i++ {
		frame := testFrame(t, "D1", 10, func(j int, r *domain.FeatureRow) {
			r.Temperature = 30 + 0.1*float64((i+j)%3)
		})
		if _, err := s.Score(frame); err != nil {
			t.Fatalf("warmup Score #%d: %v", i, err)
		}
	}

	spike := testFrame(t, "D1", 10, func(i int, r *domain.FeatureRow) {
		if i == 9 {
			r.Temperature = 75
		}
	})
	score, err := s.Score(spike)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if !score.Anomalous {
		t.Fatalf("temperature spike not flagged; score=%+v", score)
	}
	if score.IncidentKind != domain.KindTemperatureAnomaly {
		t.Errorf("IncidentKind = %q, want temperature_anomaly", score.IncidentKind)
	}
}

func TestStatScorer_ColdProfileStaysQuiet(t *testing.T) {
	s := NewStatScorer(StatConfig{})
	score, err := s.Score(testFrame(t, "D1", 10, nil))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score.Anomalous {
		t.Error("first frame should not be anomalous (below MinSamples)")
	}
}

func TestStatScorer_BatteryTrendHoursToThreshold(t *testing.T) {
	s := NewStatScorer(StatConfig{})

	// 20 readings with battery declining linearly 3.6 → 3.3 V.
	frame := testFrame(t, "D1", 20, func(i int, r *domain.FeatureRow) {
		r.Battery = 3.6 - 0.3*float64(i)/19
	})
	score, err := s.Score(frame)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score.IncidentKind != domain.KindPredictiveMaintenance {
		t.Fatalf("IncidentKind = %q, want predictive_maintenance (score=%+v)", score.IncidentKind, score)
	}
	hours := score.Diagnostics["hours_to_threshold"]
	if math.Abs(hours-20) > 1 {
		t.Errorf("hours_to_threshold = %v, want 20 ± 1", hours)
	}
	// Inside 48 units of the floor: urgent.
	if score.SeverityHint != domain.SevError {
		t.Errorf("SeverityHint = %v, want ERROR", score.SeverityHint)
	}
}

func TestStatScorer_StableBatteryNoTrend(t *testing.T) {
	s := NewStatScorer(StatConfig{})
	score, err := s.Score(testFrame(t, "D1", 20, nil))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score.IncidentKind == domain.KindPredictiveMaintenance {
		t.Error("flat battery should not fire a trend")
	}
}

func TestStatScorer_RefusesDegradedFrame(t *testing.T) {
	s := NewStatScorer(StatConfig{})
	frame := testFrame(t, "D1", 10, nil)
	frame.Degraded = true
	if _, err := s.Score(frame); !errors.Is(err, domain.ErrFrameRefused) {
		t.Errorf("Score(degraded) = %v, want ErrFrameRefused", err)
	}
}

// ─── Outlier-Tree Scorer ────────────────────────────────────────────────────

// fixedMargin is a stub OutlierModel for cutoff tests.
type fixedMargin float64

func (m fixedMargin) Margin([]float64) float64 { return float64(m) }

func TestOutlierScorer_MarginCutoffs(t *testing.T) {
	tests := []struct {
		margin    float64
		anomalous bool
		severity  domain.Severity
	}{
		{0.4, false, 0},
		{-0.05, false, 0},
		{-0.15, true, domain.SevWarning},
		{-0.35, true, domain.SevError},
		{-0.7, true, domain.SevCritical},
	}
	for _, tt := range tests {
		s := NewOutlierScorer(fixedMargin(tt.margin))
		score, err := s.Score(testFrame(t, "D1", 5, nil))
		if err != nil {
			t.Fatalf("Score(margin=%v): %v", tt.margin, err)
		}
		if score.Anomalous != tt.anomalous {
			t.Errorf("margin %v: Anomalous = %v, want %v", tt.margin, score.Anomalous, tt.anomalous)
		}
		if score.SeverityHint != tt.severity {
			t.Errorf("margin %v: SeverityHint = %v, want %v", tt.margin, score.SeverityHint, tt.severity)
		}
		if score.Value != tt.margin {
			t.Errorf("margin %v: Value = %v", tt.margin, score.Value)
		}
	}
}

func TestHalfSpaceForest_Deterministic(t *testing.T) {
	a := NewHalfSpaceForest(10, 6, 42)
	b := NewHalfSpaceForest(10, 6, 42)
	v := []float64{0.1, -0.3, 0.5, 0, 0.2, -0.1}
	if a.Margin(v) != b.Margin(v) {
		t.Error("same seed should produce identical margins")
	}
}

func TestHalfSpaceForest_OutlierScoresBelowInlier(t *testing.T) {
	f := NewHalfSpaceForest(25, 8, 1)

	// Train on a tight cluster around the origin.
	var samples [][]float64
	for i := 0; i < 500; i++ {
		x := float64(i%10)/20 - 0.25
		samples = append(samples, []float64{x, -x, x / 2, x, -x / 2, x})
	}
	f.Fit(samples)

	inlier := f.Margin([]float64{0.1, -0.1, 0.05, 0.1, -0.05, 0.1})
	outlier := f.Margin([]float64{3.8, 3.8, -3.8, 3.8, 3.8, -3.8})
	if outlier >= inlier {
		t.Errorf("outlier margin %v should be below inlier margin %v", outlier, inlier)
	}
}

// ─── Sequence-Prediction Scorer ─────────────────────────────────────────────

// arBlob encodes a model blob in the on-disk format.
func arBlob(t *testing.T, weights []float64, bias, noise float64) []byte {
	t.Helper()
	blob := make([]byte, 8+(len(weights)+2)*8)
	binary.LittleEndian.PutUint64(blob, uint64(len(weights)))
	off := 8
	for _, w := range weights {
		binary.LittleEndian.PutUint64(blob[off:], math.Float64bits(w))
		off += 8
	}
	binary.LittleEndian.PutUint64(blob[off:], math.Float64bits(bias))
	binary.LittleEndian.PutUint64(blob[off+8:], math.Float64bits(noise))
	return blob
}

func TestSeqPred_UnavailableWithoutModel(t *testing.T) {
	s := NewSeqPredScorer(domain.ChPressure)
	_, err := s.Score(testFrame(t, "D1", 10, nil))
	if !errors.Is(err, domain.ErrScorerUnavailable) {
		t.Errorf("Score without model = %v, want ErrScorerUnavailable", err)
	}
}

func TestSeqPred_LoadWeightsValidation(t *testing.T) {
	s := NewSeqPredScorer(domain.ChPressure)
	if err := s.LoadWeights([]byte{1, 2, 3}); err == nil {
		t.Error("truncated blob should be rejected")
	}
	if err := s.LoadWeights(arBlob(t, []float64{1}, 0, -1)); err == nil {
		t.Error("negative noise should be rejected")
	}
	if err := s.LoadWeights(arBlob(t, []float64{0.5, 0.5}, 0, 1)); err != nil {
		t.Errorf("valid blob rejected: %v", err)
	}
	if !s.Loaded() {
		t.Error("Loaded() should be true after LoadWeights")
	}
}

func TestSeqPred_PerfectPredictionIsClean(t *testing.T) {
	s := NewSeqPredScorer(domain.ChPressure)
	// Identity model: next = previous, noise 1 kPa.
	if err := s.LoadWeights(arBlob(t, []float64{1}, 0, 1)); err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	score, err := s.Score(testFrame(t, "D1", 10, nil)) // constant pressure
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score.Anomalous {
		t.Errorf("constant series flagged anomalous: %+v", score)
	}
}

func TestSeqPred_LargeErrorIsCritical(t *testing.T) {
	s := NewSeqPredScorer(domain.ChPressure)
	if err := s.LoadWeights(arBlob(t, []float64{1}, 0, 10)); err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	frame := testFrame(t, "D1", 10, func(i int, r *domain.FeatureRow) {
		if i == 9 {
			r.Pressure = 150 // 100 kPa jump, 10σ of noise
		}
	})
	score, err := s.Score(frame)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score.SeverityHint != domain.SevCritical {
		t.Errorf("SeverityHint = %v, want CRITICAL (err=%v)", score.SeverityHint, score.Value)
	}
	if score.IncidentKind != domain.KindPressureAnomaly {
		t.Errorf("IncidentKind = %q, want pressure_anomaly", score.IncidentKind)
	}
}

func TestSeqPred_ShortFrameRefused(t *testing.T) {
	s := NewSeqPredScorer(domain.ChPressure)
	s.LoadWeights(arBlob(t, []float64{0.5, 0.3, 0.2}, 0, 1))
	_, err := s.Score(testFrame(t, "D1", 3, nil))
	if !errors.Is(err, domain.ErrFrameRefused) {
		t.Errorf("Score(short frame) = %v, want ErrFrameRefused", err)
	}
}
