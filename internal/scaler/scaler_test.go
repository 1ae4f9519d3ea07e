package scaler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tiresense/tiresense/internal/clock"
	"github.com/tiresense/tiresense/internal/domain"
)

// offPeakEpoch is 03:00, outside every default peak hour.
var offPeakEpoch = time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)

type fixedModel float64

func (m fixedModel) Predict([]LoadSample) float64 { return float64(m) }

type scaleOrch struct {
	mu       sync.Mutex
	replicas int
	calls    []int
}

func (o *scaleOrch) ListWorkloads(context.Context, string) ([]domain.Workload, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return []domain.Workload{{Name: "ingest-api", Phase: "Running",
		DesiredReplicas: o.replicas, CurrentReplicas: o.replicas}}, nil
}

func (o *scaleOrch) ScaleWorkload(_ context.Context, _ string, replicas int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replicas = replicas
	o.calls = append(o.calls, replicas)
	return nil
}

func (o *scaleOrch) RestartWorkload(context.Context, string) error { return nil }
func (o *scaleOrch) DeleteInstance(context.Context, string) error  { return nil }

func newTestScaler(t *testing.T, vc *clock.VirtualClock, orch *scaleOrch, model LoadModel) *Scaler {
	t.Helper()
	return New(Config{
		MinHold:     10 * time.Minute,
		Deployments: []string{"ingest-api"},
		MaxReplicas: map[string]int{"ingest-api": 5},
		MinReplicas: map[string]int{"ingest-api": 1},
	}, vc, clock.NewCooldownLedger(vc), orch, model)
}

func TestTick_ScaleUpThenHold(t *testing.T) {
	vc := clock.NewVirtualClock(offPeakEpoch)
	orch := &scaleOrch{replicas: 2}
	s := newTestScaler(t, vc, orch, fixedModel(0.85))

	if got := s.Tick(context.Background()); got != 1 {
		t.Fatalf("first tick dispatched %d actions, want 1", got)
	}
	if orch.replicas != 3 {
		t.Fatalf("replicas = %d, want 3", orch.replicas)
	}

	// Within min_hold nothing more happens even though prediction persists.
	vc.Advance(time.Minute)
	if got := s.Tick(context.Background()); got != 0 {
		t.Fatal("tick within min_hold must not scale")
	}
	if orch.replicas != 3 {
		t.Fatalf("replicas = %d, want still 3", orch.replicas)
	}

	// Past min_hold, the persisting prediction earns another +1.
	vc.Advance(10 * time.Minute)
	if got := s.Tick(context.Background()); got != 1 {
		t.Fatal("tick past min_hold should scale again")
	}
	if orch.replicas != 4 {
		t.Errorf("replicas = %d, want 4", orch.replicas)
	}
}

func TestTick_BoundedByMaxReplicas(t *testing.T) {
	vc := clock.NewVirtualClock(offPeakEpoch)
	orch := &scaleOrch{replicas: 5}
	s := newTestScaler(t, vc, orch, fixedModel(0.95))
	if got := s.Tick(context.Background()); got != 0 {
		t.Errorf("at max replicas, dispatched %d, want 0", got)
	}
}

func TestTick_ScaleDownOffPeakOnly(t *testing.T) {
	orch := &scaleOrch{replicas: 3}
	vc := clock.NewVirtualClock(offPeakEpoch)
	s := newTestScaler(t, vc, orch, fixedModel(0.1))
	if got := s.Tick(context.Background()); got != 1 {
		t.Fatalf("off-peak low load dispatched %d, want 1 scale-down", got)
	}
	if orch.replicas != 2 {
		t.Errorf("replicas = %d, want 2", orch.replicas)
	}

	// Same low prediction during a peak hour: hold, and the peak-hour arm
	// scales up instead.
	peak := clock.NewVirtualClock(time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC))
	orch2 := &scaleOrch{replicas: 3}
	s2 := newTestScaler(t, peak, orch2, fixedModel(0.1))
	s2.Tick(context.Background())
	if orch2.replicas != 4 {
		t.Errorf("peak hour replicas = %d, want 4 (scale-up wins during peak)", orch2.replicas)
	}
}

func TestTick_ScaleDownBoundedByMin(t *testing.T) {
	vc := clock.NewVirtualClock(offPeakEpoch)
	orch := &scaleOrch{replicas: 1}
	s := newTestScaler(t, vc, orch, fixedModel(0.05))
	if got := s.Tick(context.Background()); got != 0 {
		t.Errorf("at min replicas, dispatched %d, want 0", got)
	}
}

func TestTick_SharedLedgerBlocksScaling(t *testing.T) {
	vc := clock.NewVirtualClock(offPeakEpoch)
	ledger := clock.NewCooldownLedger(vc)
	orch := &scaleOrch{replicas: 2}
	s := New(Config{
		MinHold:     10 * time.Minute,
		Deployments: []string{"ingest-api"},
		MaxReplicas: map[string]int{"ingest-api": 5},
	}, vc, ledger, orch, fixedModel(0.9))

	// A reactive scale on the same deployment already claimed the key.
	if !ledger.CheckAndClaim(clock.Key{Target: "ingest-api", Kind: "scale"}, 10*time.Minute) {
		t.Fatal("setup claim failed")
	}
	if got := s.Tick(context.Background()); got != 0 {
		t.Error("scaler must not fight an in-flight scale on the same key")
	}
}

// ─── Regression model ───────────────────────────────────────────────────────

func TestRegressionModel_EmptyWindow(t *testing.T) {
	if got := NewRegressionModel().Predict(nil); got != 0 {
		t.Errorf("Predict(nil) = %v, want 0", got)
	}
}

func TestRegressionModel_RisingLoadProjectsAboveCurrent(t *testing.T) {
	m := NewRegressionModel()
	var rising, flat []LoadSample
	for i := 0; i < 10; i++ {
		rising = append(rising, LoadSample{CPUPercent: 40 + 5*float64(i), MemPercent: 50})
		flat = append(flat, LoadSample{CPUPercent: 40, MemPercent: 50})
	}
	if up, steady := m.Predict(rising), m.Predict(flat); up <= steady {
		t.Errorf("rising load predicted %v, flat %v; want rising higher", up, steady)
	}
}

func TestRegressionModel_Saturates(t *testing.T) {
	m := NewRegressionModel()
	window := []LoadSample{
		{LatencyMS: 9000, RequestRate: 4000, CPUPercent: 100, MemPercent: 100},
		{LatencyMS: 9000, RequestRate: 4000, CPUPercent: 100, MemPercent: 100},
		{LatencyMS: 9000, RequestRate: 4000, CPUPercent: 100, MemPercent: 100},
	}
	if got := m.Predict(window); got != 1 {
		t.Errorf("Predict(saturated) = %v, want clamped 1", got)
	}
}
