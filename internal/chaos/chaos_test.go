package chaos

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tiresense/tiresense/internal/clock"
	"github.com/tiresense/tiresense/internal/domain"
)

// chaosWindow is 02:10, inside the default injection windows.
var chaosWindow = time.Date(2025, 6, 1, 2, 10, 0, 0, time.UTC)

type chaosOrch struct {
	mu      sync.Mutex
	names   []string
	deleted []string
}

func (o *chaosOrch) ListWorkloads(context.Context, string) ([]domain.Workload, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []domain.Workload
	for _, n := range o.names {
		out = append(out, domain.Workload{Name: n, Phase: "Running"})
	}
	return out, nil
}

func (o *chaosOrch) DeleteInstance(_ context.Context, name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deleted = append(o.deleted, name)
	return nil
}

func (o *chaosOrch) RestartWorkload(context.Context, string) error    { return nil }
func (o *chaosOrch) ScaleWorkload(context.Context, string, int) error { return nil }

type incidentSink struct {
	mu        sync.Mutex
	incidents []domain.Incident
}

func (s *incidentSink) AppendIncident(_ context.Context, inc domain.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents = append(s.incidents, inc)
	return nil
}

func (s *incidentSink) AppendReadings(context.Context, []domain.Reading) error { return nil }
func (s *incidentSink) QueryReadings(context.Context, domain.ReadingFilter, int) ([]domain.Reading, error) {
	return nil, nil
}
func (s *incidentSink) QueryIncidents(context.Context, domain.IncidentFilter) ([]domain.Incident, error) {
	return nil, nil
}
func (s *incidentSink) ResolveIncident(context.Context, string, time.Time) (bool, error) {
	return false, nil
}
func (s *incidentSink) AppendRecovery(context.Context, domain.RecoveryRecord) error { return nil }
func (s *incidentSink) QueryRecoveries(context.Context, domain.RecoveryFilter) ([]domain.RecoveryRecord, error) {
	return nil, nil
}
func (s *incidentSink) RunMaintenance(context.Context, string) error          { return nil }
func (s *incidentSink) PurgeBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func healthyScan(context.Context) domain.HealthSnapshot {
	return domain.HealthSnapshot{Score: 100, Status: domain.HealthHealthy}
}

func sickScan(context.Context) domain.HealthSnapshot {
	return domain.HealthSnapshot{Score: 20, Status: domain.HealthCritical}
}

// runTick drives a Tick that sleeps on the virtual clock.
func runTick(t *testing.T, in *Injector, vc *clock.VirtualClock) (Fault, error) {
	t.Helper()
	type result struct {
		fault Fault
		err   error
	}
	done := make(chan result, 1)
	go func() {
		f, err := in.Tick(context.Background())
		done <- result{f, err}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		select {
		case r := <-done:
			return r.fault, r.err
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("Tick did not return")
		}
		vc.Advance(time.Minute)
		time.Sleep(2 * time.Millisecond)
	}
}

func TestTick_DisabledAndWindowGates(t *testing.T) {
	orch := &chaosOrch{names: []string{"frame-worker"}}

	off := New(Config{Enabled: false}, clock.NewVirtualClock(chaosWindow), orch, nil, nil, Hooks{}, healthyScan)
	if _, err := off.Tick(context.Background()); !errors.Is(err, domain.ErrChaosDisabled) {
		t.Errorf("disabled Tick = %v, want ErrChaosDisabled", err)
	}

	noon := clock.NewVirtualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	on := New(Config{Enabled: true}, noon, orch, nil, nil, Hooks{}, healthyScan)
	if _, err := on.Tick(context.Background()); !errors.Is(err, domain.ErrOutsideWindow) {
		t.Errorf("off-window Tick = %v, want ErrOutsideWindow", err)
	}
}

func TestTick_StopWorkerRoundRecovers(t *testing.T) {
	vc := clock.NewVirtualClock(chaosWindow)
	orch := &chaosOrch{names: []string{"frame-worker"}}
	in := New(Config{
		Enabled: true,
		Weights: map[Fault]int{FaultStopWorker: 1},
	}, vc, orch, nil, nil, Hooks{}, healthyScan)
	in.SetRandSource(1)

	fault, err := runTick(t, in, vc)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if fault != FaultStopWorker {
		t.Errorf("fault = %s, want stop-worker", fault)
	}
	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.deleted) != 1 || orch.deleted[0] != "frame-worker" {
		t.Errorf("deleted = %v, want [frame-worker]", orch.deleted)
	}
}

func TestTick_CriticalSubjectsExcluded(t *testing.T) {
	vc := clock.NewVirtualClock(chaosWindow)
	orch := &chaosOrch{names: []string{"store", "cache"}}
	in := New(Config{
		Enabled:          true,
		Weights:          map[Fault]int{FaultStopWorker: 1},
		CriticalSubjects: []string{"store", "cache"},
	}, vc, orch, nil, nil, Hooks{}, healthyScan)

	if _, err := in.Tick(context.Background()); !errors.Is(err, domain.ErrSubjectCritical) {
		t.Errorf("Tick with only critical subjects = %v, want ErrSubjectCritical", err)
	}
}

func TestTick_FailedHealingDisablesForDay(t *testing.T) {
	vc := clock.NewVirtualClock(chaosWindow)
	orch := &chaosOrch{names: []string{"frame-worker"}}
	store := &incidentSink{}
	in := New(Config{
		Enabled: true,
		Weights: map[Fault]int{FaultStopWorker: 1},
	}, vc, orch, store, nil, Hooks{}, sickScan)
	in.SetRandSource(1)
	in.SetIDSource(func() string { return "chaos-inc-1" })

	if _, err := runTick(t, in, vc); err == nil {
		t.Fatal("unhealed round should report an error")
	}

	store.mu.Lock()
	if len(store.incidents) != 1 {
		t.Fatalf("incidents = %d, want 1 Emergency", len(store.incidents))
	}
	inc := store.incidents[0]
	store.mu.Unlock()
	if inc.Severity != domain.SevEmergency || inc.Kind != domain.KindSelfHealFailed {
		t.Errorf("incident = %s/%s, want self_heal_failed/EMERGENCY", inc.Kind, inc.Severity)
	}
	if inc.AutoRecoverable {
		t.Error("self-heal failure must not be auto-recoverable")
	}

	// Disabled until next midnight.
	if !in.DisabledUntil().After(chaosWindow) {
		t.Fatalf("DisabledUntil = %v, want after the round", in.DisabledUntil())
	}
	if _, err := in.Tick(context.Background()); !errors.Is(err, domain.ErrChaosDisabled) {
		t.Errorf("Tick while disabled = %v, want ErrChaosDisabled", err)
	}
}

func TestPickFault_RespectsZeroWeights(t *testing.T) {
	in := New(Config{
		Enabled: true,
		Weights: map[Fault]int{FaultDelayProbe: 5},
	}, clock.NewVirtualClock(chaosWindow), &chaosOrch{}, nil, nil, Hooks{}, healthyScan)
	in.SetRandSource(7)
	for i := 0; i < 50; i++ {
		if f := in.pickFault(); f != FaultDelayProbe {
			t.Fatalf("pickFault = %s with only delay-probe weighted", f)
		}
	}
}
