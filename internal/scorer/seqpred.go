package scorer

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tiresense/tiresense/internal/domain"
)

// ─── Sequence-Prediction Scorer ─────────────────────────────────────────────

// Normalized-error severity thresholds.
const (
	seqErrInfo     = 0.1
	seqErrWarning  = 0.15
	seqErrError    = 0.2
	seqErrCritical = 0.3
)

// SeqPredScorer predicts the next value of one channel from an
// autoregressive model and scores |predicted − actual| normalized by the
// model's expected noise. The weights come from an opaque blob produced by
// external training; without one the scorer reports ErrScorerUnavailable
// and the rest of the pipeline keeps running.
type SeqPredScorer struct {
	channel string
	weights []float64 // AR coefficients, most recent lag first
	bias    float64
	noise   float64
}

// NewSeqPredScorer creates a scorer for the given channel with no model
// loaded. Channel defaults to pressure.
func NewSeqPredScorer(channel string) *SeqPredScorer {
	if channel == "" {
		channel = domain.ChPressure
	}
	return &SeqPredScorer{channel: channel}
}

// LoadWeights parses the opaque model blob:
//
//	uint64 order | order×float64 coefficients | float64 bias | float64 noise
//
// all little-endian. Passing nil unloads the model.
func (s *SeqPredScorer) LoadWeights(blob []byte) error {
	if blob == nil {
		s.weights = nil
		return nil
	}
	if len(blob) < 8 {
		return fmt.Errorf("model blob truncated: %d bytes", len(blob))
	}
	order := binary.LittleEndian.Uint64(blob)
	want := 8 + int(order+2)*8
	if len(blob) != want {
		return fmt.Errorf("model blob size %d, want %d for order %d", len(blob), want, order)
	}
	if order == 0 {
		return fmt.Errorf("model blob declares zero order")
	}

	weights := make([]float64, order)
	off := 8
	for i := range weights {
		weights[i] = math.Float64frombits(binary.LittleEndian.Uint64(blob[off:]))
		off += 8
	}
	bias := math.Float64frombits(binary.LittleEndian.Uint64(blob[off:]))
	noise := math.Float64frombits(binary.LittleEndian.Uint64(blob[off+8:]))
	if noise <= 0 || math.IsNaN(noise) {
		return fmt.Errorf("model blob has invalid noise %v", noise)
	}

	s.weights = weights
	s.bias = bias
	s.noise = noise
	return nil
}

// Loaded reports whether a model is available.
func (s *SeqPredScorer) Loaded() bool { return len(s.weights) > 0 }

// Name implements domain.Scorer.
func (s *SeqPredScorer) Name() string { return "sequence-prediction" }

// Score predicts the last row's channel value from the preceding rows and
// returns the noise-normalized absolute error.
func (s *SeqPredScorer) Score(frame domain.FeatureFrame) (domain.Score, error) {
	if !s.Loaded() {
		return domain.Score{}, domain.ErrScorerUnavailable
	}
	if frame.Degraded {
		return domain.Score{}, domain.ErrFrameRefused
	}
	order := len(s.weights)
	if len(frame.Rows) < order+1 {
		return domain.Score{}, fmt.Errorf("%w: need %d rows, have %d",
			domain.ErrFrameRefused, order+1, len(frame.Rows))
	}

	series := make([]float64, len(frame.Rows))
	for i, row := range frame.Rows {
		series[i] = channelValue(row, s.channel)
	}

	predicted := s.bias
	last := len(series) - 1
	for lag := 0; lag < order; lag++ {
		predicted += s.weights[lag] * series[last-1-lag]
	}
	actual := series[last]
	normErr := math.Abs(predicted-actual) / s.noise

	score := domain.Score{
		Kind:       domain.ScoreSeqPred,
		Value:      normErr,
		Confidence: math.Min(1, normErr/seqErrCritical),
		Diagnostics: map[string]float64{
			"predicted": predicted,
			"actual":    actual,
		},
	}
	switch {
	case normErr > seqErrCritical:
		score.Anomalous = true
		score.SeverityHint = domain.SevCritical
	case normErr > seqErrError:
		score.Anomalous = true
		score.SeverityHint = domain.SevError
	case normErr > seqErrWarning:
		score.Anomalous = true
		score.SeverityHint = domain.SevWarning
	case normErr > seqErrInfo:
		score.Anomalous = true
		score.SeverityHint = domain.SevInfo
	}
	if score.Anomalous {
		score.IncidentKind = kindForChannel(s.channel)
	}
	return score, nil
}

func channelValue(row domain.FeatureRow, channel string) float64 {
	switch channel {
	case domain.ChTemperature:
		return row.Temperature
	case domain.ChHumidity:
		return row.Humidity
	case domain.ChAcceleration:
		return row.Acceleration
	case domain.ChBattery:
		return row.Battery
	case domain.ChSignal:
		return row.Signal
	default:
		return row.Pressure
	}
}

func kindForChannel(channel string) domain.IncidentKind {
	switch channel {
	case domain.ChTemperature:
		return domain.KindTemperatureAnomaly
	case domain.ChPressure:
		return domain.KindPressureAnomaly
	case domain.ChBattery:
		return domain.KindBatteryDegradation
	case domain.ChSignal:
		return domain.KindCommunicationIssue
	default:
		return domain.KindSensorMalfunction
	}
}
