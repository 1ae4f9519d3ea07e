// Package scaler implements proactive scaling from a short window of load
// metrics. A regression model maps the window onto predicted load in [0,1];
// threshold and peak-hour policy turn the prediction into bounded replica
// changes, rate-limited through the cooldown ledger it shares with the
// recovery engine.
package scaler

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/tiresense/tiresense/internal/clock"
	"github.com/tiresense/tiresense/internal/domain"
	"github.com/tiresense/tiresense/internal/metrics"
)

// ─── Load model ─────────────────────────────────────────────────────────────

// LoadSample is one observation of the service's load metrics.
type LoadSample struct {
	Timestamp   time.Time
	LatencyMS   float64
	RequestRate float64
	CPUPercent  float64
	MemPercent  float64
}

// LoadModel predicts near-future load in [0,1] from the recent window.
type LoadModel interface {
	Predict(window []LoadSample) float64
}

// RegressionModel is the default LoadModel: a weighted blend of normalized
// features plus a trend term from the slope of the blended series.
type RegressionModel struct {
	// Capacity normalizers. A sample at exactly these values scores 1.0 on
	// its feature.
	LatencyCapMS   float64
	RequestRateCap float64
}

// NewRegressionModel returns a model with production capacities.
func NewRegressionModel() *RegressionModel {
	return &RegressionModel{LatencyCapMS: 2000, RequestRateCap: 500}
}

// Predict implements LoadModel.
func (m *RegressionModel) Predict(window []LoadSample) float64 {
	if len(window) == 0 {
		return 0
	}
	blended := make([]float64, len(window))
	for i, s := range window {
		blended[i] = 0.3*clamp01(s.LatencyMS/m.LatencyCapMS) +
			0.2*clamp01(s.RequestRate/m.RequestRateCap) +
			0.3*clamp01(s.CPUPercent/100) +
			0.2*clamp01(s.MemPercent/100)
	}

	current := blended[len(blended)-1]
	if len(blended) < 3 {
		return clamp01(current)
	}

	// Project half a window ahead along the least-squares slope.
	var n, sumX, sumY, sumXY, sumXX float64
	for i, y := range blended {
		x := float64(i)
		n++
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return clamp01(current)
	}
	slope := (n*sumXY - sumX*sumY) / denom
	return clamp01(current + slope*n/2)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// ─── Scaler ─────────────────────────────────────────────────────────────────

// Config tunes the predictive scaler.
type Config struct {
	UpThreshold   float64
	DownThreshold float64
	PeakHours     []int
	MinHold       time.Duration
	WindowSize    int

	Deployments []string
	MinReplicas map[string]int
	MaxReplicas map[string]int
}

// DefaultConfig returns production defaults. Peak hours mirror commute and
// delivery traffic on the fleet.
func DefaultConfig() Config {
	return Config{
		UpThreshold:   0.8,
		DownThreshold: 0.3,
		PeakHours:     []int{9, 10, 11, 14, 15, 16, 19, 20, 21},
		MinHold:       10 * time.Minute,
		WindowSize:    30,
	}
}

// Scaler holds the sample window and applies the scaling policy each tick.
type Scaler struct {
	cfg    Config
	clock  clock.Clock
	ledger *clock.CooldownLedger
	orch   domain.Orchestrator
	model  LoadModel

	mu     sync.Mutex
	window []LoadSample
}

// New creates a scaler. The ledger must be the one the recovery engine
// uses; a nil model gets the default regression.
func New(cfg Config, c clock.Clock, ledger *clock.CooldownLedger, orch domain.Orchestrator, model LoadModel) *Scaler {
	def := DefaultConfig()
	if cfg.UpThreshold <= 0 {
		cfg.UpThreshold = def.UpThreshold
	}
	if cfg.DownThreshold <= 0 {
		cfg.DownThreshold = def.DownThreshold
	}
	if cfg.PeakHours == nil {
		cfg.PeakHours = def.PeakHours
	}
	if cfg.MinHold <= 0 {
		cfg.MinHold = def.MinHold
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if c == nil {
		c = clock.System()
	}
	if ledger == nil {
		ledger = clock.NewCooldownLedger(c)
	}
	if model == nil {
		model = NewRegressionModel()
	}
	return &Scaler{cfg: cfg, clock: c, ledger: ledger, orch: orch, model: model}
}

// Record appends a load sample, evicting past the window size.
func (s *Scaler) Record(sample LoadSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = append(s.window, sample)
	if len(s.window) > s.cfg.WindowSize {
		s.window = s.window[len(s.window)-s.cfg.WindowSize:]
	}
}

// Predict returns the model's current load prediction.
func (s *Scaler) Predict() float64 {
	s.mu.Lock()
	window := append([]LoadSample(nil), s.window...)
	s.mu.Unlock()
	return s.model.Predict(window)
}

// Tick evaluates the policy once and returns the number of scale actions
// dispatched.
func (s *Scaler) Tick(ctx context.Context) int {
	predicted := s.Predict()
	metrics.PredictedLoad.Set(predicted)

	peak := s.inPeakHours()
	scaled := 0
	for _, dep := range s.cfg.Deployments {
		switch {
		case predicted > s.cfg.UpThreshold || peak:
			if s.scale(ctx, dep, +1) {
				scaled++
			}
		case predicted < s.cfg.DownThreshold && !peak:
			if s.scale(ctx, dep, -1) {
				scaled++
			}
		}
	}
	return scaled
}

// inPeakHours reports whether the current wall-clock hour is a peak hour.
func (s *Scaler) inPeakHours() bool {
	hour := s.clock.Now().Hour()
	for _, h := range s.cfg.PeakHours {
		if h == hour {
			return true
		}
	}
	return false
}

// scale applies a bounded ±1 replica change, gated by the shared ledger so
// a deployment holds still for MinHold between changes.
func (s *Scaler) scale(ctx context.Context, deployment string, delta int) bool {
	current, ok := s.currentReplicas(ctx, deployment)
	if !ok {
		return false
	}
	desired := current + delta
	if delta > 0 && desired > s.maxFor(deployment) {
		return false
	}
	if delta < 0 && desired < s.minFor(deployment) {
		return false
	}

	key := clock.Key{Target: deployment, Kind: domain.CooldownKindScale}
	if !s.ledger.CheckAndClaim(key, s.cfg.MinHold) {
		metrics.CooldownRefusals.Inc()
		return false
	}
	defer s.ledger.Release(key)

	if err := s.orch.ScaleWorkload(ctx, deployment, desired); err != nil {
		log.Printf("[scaler] scale %s to %d: %v", deployment, desired, err)
		return false
	}
	direction := "up"
	if delta < 0 {
		direction = "down"
	}
	metrics.ScaleEvents.WithLabelValues(deployment, direction).Inc()
	log.Printf("[scaler] %s %s %d -> %d (predicted %.2f)", deployment, direction, current, desired, s.Predict())
	return true
}

func (s *Scaler) currentReplicas(ctx context.Context, deployment string) (int, bool) {
	workloads, err := s.orch.ListWorkloads(ctx, "")
	if err != nil {
		log.Printf("[scaler] list workloads: %v", err)
		return 0, false
	}
	for _, w := range workloads {
		if w.Name == deployment {
			return w.CurrentReplicas, true
		}
	}
	return 0, false
}

func (s *Scaler) minFor(deployment string) int {
	if v, ok := s.cfg.MinReplicas[deployment]; ok {
		return v
	}
	return 1
}

func (s *Scaler) maxFor(deployment string) int {
	if v, ok := s.cfg.MaxReplicas[deployment]; ok {
		return v
	}
	return 5
}
