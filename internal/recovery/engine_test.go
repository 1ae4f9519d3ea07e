package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tiresense/tiresense/internal/bus"
	"github.com/tiresense/tiresense/internal/clock"
	"github.com/tiresense/tiresense/internal/domain"
)

// ─── Fakes ──────────────────────────────────────────────────────────────────

type fakeOrchestrator struct {
	mu        sync.Mutex
	workloads map[string]*domain.Workload
	restarts  []string
	scales    []int
	failNext  bool
}

func newFakeOrchestrator(names ...string) *fakeOrchestrator {
	f := &fakeOrchestrator{workloads: make(map[string]*domain.Workload)}
	for _, n := range names {
		f.workloads[n] = &domain.Workload{Name: n, Phase: "Running", DesiredReplicas: 2, CurrentReplicas: 2}
	}
	return f
}

func (f *fakeOrchestrator) ListWorkloads(context.Context, string) ([]domain.Workload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Workload
	for _, w := range f.workloads {
		out = append(out, *w)
	}
	return out, nil
}

func (f *fakeOrchestrator) RestartWorkload(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return domain.ErrPreconditionFailed
	}
	f.restarts = append(f.restarts, name)
	return nil
}

func (f *fakeOrchestrator) ScaleWorkload(_ context.Context, name string, replicas int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workloads[name]; ok {
		w.DesiredReplicas = replicas
		w.CurrentReplicas = replicas
	}
	f.scales = append(f.scales, replicas)
	return nil
}

func (f *fakeOrchestrator) DeleteInstance(context.Context, string) error { return nil }

func (f *fakeOrchestrator) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.restarts)
}

type fakeStore struct {
	mu           sync.Mutex
	recoveries   []domain.RecoveryRecord
	resolved     map[string]bool
	purgeCutoffs []time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{resolved: make(map[string]bool)}
}

func (f *fakeStore) AppendReadings(context.Context, []domain.Reading) error { return nil }
func (f *fakeStore) QueryReadings(context.Context, domain.ReadingFilter, int) ([]domain.Reading, error) {
	return nil, nil
}
func (f *fakeStore) AppendIncident(context.Context, domain.Incident) error { return nil }
func (f *fakeStore) QueryIncidents(context.Context, domain.IncidentFilter) ([]domain.Incident, error) {
	return nil, nil
}

func (f *fakeStore) ResolveIncident(_ context.Context, id string, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved[id] {
		return false, nil
	}
	f.resolved[id] = true
	return true, nil
}

func (f *fakeStore) AppendRecovery(_ context.Context, r domain.RecoveryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoveries = append(f.recoveries, r)
	return nil
}

func (f *fakeStore) QueryRecoveries(context.Context, domain.RecoveryFilter) ([]domain.RecoveryRecord, error) {
	return nil, nil
}
func (f *fakeStore) RunMaintenance(context.Context, string) error { return nil }

func (f *fakeStore) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purgeCutoffs = append(f.purgeCutoffs, cutoff)
	return 0, nil
}

func (f *fakeStore) cutoffs() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.purgeCutoffs...)
}

func (f *fakeStore) records() []domain.RecoveryRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.RecoveryRecord(nil), f.recoveries...)
}

func (f *fakeStore) isResolved(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved[id]
}

type fakeCache struct {
	mu sync.Mutex
	kv map[string]string
}

func newFakeCache() *fakeCache { return &fakeCache{kv: make(map[string]string)} }

func (c *fakeCache) Ping(context.Context) error { return nil }
func (c *fakeCache) Get(_ context.Context, k string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.kv[k]
	if !ok {
		return "", domain.ErrCacheMiss
	}
	return v, nil
}
func (c *fakeCache) Set(_ context.Context, k, v string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kv[k] = v
	return nil
}
func (c *fakeCache) Del(_ context.Context, k string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.kv, k)
	return nil
}
func (c *fakeCache) FlushAll(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kv = make(map[string]string)
	return nil
}
func (c *fakeCache) Stats(context.Context) (domain.CacheStats, error) {
	return domain.CacheStats{UsedMemory: 10, MaxMemory: 100}, nil
}

type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (c *countingNotifier) Notify(domain.Severity, string, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func pressureIncident(id string) domain.Incident {
	return domain.Incident{
		ID:                 id,
		Subject:            "gateway-D1",
		Kind:               domain.KindPressureAnomaly,
		Severity:           domain.SevCritical,
		Confidence:         0.9,
		AutoRecoverable:    true,
		RecommendedActions: []domain.ActionType{domain.ActionRestart},
		CooldownSeconds:    600,
	}
}

func newTestEngine(t *testing.T, orch *fakeOrchestrator, store *fakeStore, notifier domain.Notifier) *Engine {
	t.Helper()
	return New(Config{VerifyDelay: time.Millisecond}, nil, nil,
		Deps{Orch: orch, Cache: newFakeCache(), Store: store},
		store, notifier, nil)
}

// ─── Dispatch and cooldown ──────────────────────────────────────────────────

func TestProcess_CriticalPressureRestartsOnce(t *testing.T) {
	orch := newFakeOrchestrator("gateway-D1")
	store := newFakeStore()
	e := newTestEngine(t, orch, store, nil)

	inc := pressureIncident("inc-1")
	if got := e.Process(context.Background(), []domain.Incident{inc}); got != 1 {
		t.Fatalf("dispatched %d, want 1", got)
	}

	// Identical incidents keep arriving; the cooldown key refuses them all.
	for i := 0; i < 10; i++ {
		if got := e.Process(context.Background(), []domain.Incident{inc}); got != 0 {
			t.Fatalf("round %d: dispatched %d, want 0 within cooldown", i, got)
		}
	}
	e.Wait()

	if orch.restartCount() != 1 {
		t.Errorf("restarts = %d, want exactly 1", orch.restartCount())
	}
	recs := store.records()
	if len(recs) != 1 || !recs[0].Success || recs[0].Action != domain.ActionRestart {
		t.Errorf("recovery records = %+v, want one successful restart", recs)
	}
}

func TestProcess_SkipsNonAutoRecoverable(t *testing.T) {
	orch := newFakeOrchestrator("gateway-D1")
	e := newTestEngine(t, orch, newFakeStore(), nil)

	inc := pressureIncident("inc-1")
	inc.AutoRecoverable = false
	if got := e.Process(context.Background(), []domain.Incident{inc}); got != 0 {
		t.Fatalf("dispatched %d, want 0 for surfaced-only incident", got)
	}
	if orch.restartCount() != 0 {
		t.Error("non-auto-recoverable incident caused a restart")
	}
}

func TestProcess_DistinctKeysRunInParallel(t *testing.T) {
	orch := newFakeOrchestrator("gateway-D1", "gateway-D2")
	store := newFakeStore()
	e := newTestEngine(t, orch, store, nil)

	a := pressureIncident("inc-a")
	b := pressureIncident("inc-b")
	b.Subject = "gateway-D2"
	if got := e.Process(context.Background(), []domain.Incident{a, b}); got != 2 {
		t.Fatalf("dispatched %d, want 2 distinct keys", got)
	}
	e.Wait()
	if orch.restartCount() != 2 {
		t.Errorf("restarts = %d, want 2", orch.restartCount())
	}
}

func TestProcess_NoApplicableActionReleasesKey(t *testing.T) {
	orch := newFakeOrchestrator("api")
	// Already at max replicas: scale-up precondition fails, no fallback.
	orch.workloads["api"].CurrentReplicas = 5
	orch.workloads["api"].DesiredReplicas = 5
	store := newFakeStore()
	e := New(Config{VerifyDelay: time.Millisecond}, nil, nil,
		Deps{Orch: orch, Cache: newFakeCache(), Store: store, MaxReplicas: map[string]int{"api": 5}},
		store, nil, nil)

	inc := domain.Incident{
		ID: "inc-1", Subject: "api", Kind: domain.KindHighResponseTime,
		AutoRecoverable:    true,
		RecommendedActions: []domain.ActionType{domain.ActionScaleUp},
		CooldownSeconds:    600,
	}
	if got := e.Process(context.Background(), []domain.Incident{inc}); got != 0 {
		t.Fatalf("dispatched %d, want 0 at max replicas", got)
	}
	// Key released: once capacity exists, the same incident dispatches.
	orch.workloads["api"].CurrentReplicas = 3
	if got := e.Process(context.Background(), []domain.Incident{inc}); got != 1 {
		t.Fatal("released key should allow a later dispatch")
	}
	e.Wait()
}

func TestProcess_FallsBackToNextRecommendedAction(t *testing.T) {
	orch := newFakeOrchestrator("api")
	orch.workloads["api"].CurrentReplicas = 5
	store := newFakeStore()
	cache := newFakeCache()
	e := New(Config{VerifyDelay: time.Millisecond}, nil, nil,
		Deps{Orch: orch, Cache: cache, Store: store, MaxReplicas: map[string]int{"api": 5}},
		store, nil, nil)

	inc := domain.Incident{
		ID: "inc-1", Subject: "api", Kind: domain.KindHighResponseTime,
		AutoRecoverable:    true,
		RecommendedActions: []domain.ActionType{domain.ActionScaleUp, domain.ActionFailover},
		CooldownSeconds:    600,
	}
	if got := e.Process(context.Background(), []domain.Incident{inc}); got != 1 {
		t.Fatal("second recommendation should have been selected")
	}
	e.Wait()
	if v, _ := cache.Get(context.Background(), "route:api"); v != "secondary" {
		t.Errorf("route:api = %q, want secondary after failover", v)
	}
}

func TestProcess_ScaleActionsClaimSharedScaleKey(t *testing.T) {
	orch := newFakeOrchestrator("api")
	store := newFakeStore()
	e := New(Config{VerifyDelay: time.Millisecond}, nil, nil,
		Deps{Orch: orch, Cache: newFakeCache(), Store: store, MaxReplicas: map[string]int{"api": 5}},
		store, nil, nil)

	scaleIncident := func(id string, kind domain.IncidentKind) domain.Incident {
		return domain.Incident{
			ID: id, Subject: "api", Kind: kind,
			AutoRecoverable:    true,
			RecommendedActions: []domain.ActionType{domain.ActionScaleUp},
			CooldownSeconds:    600,
		}
	}

	if got := e.Process(context.Background(), []domain.Incident{scaleIncident("inc-1", domain.KindHighResponseTime)}); got != 1 {
		t.Fatalf("dispatched %d, want 1", got)
	}
	e.Wait()

	// The replica change also claimed the key the predictive scaler uses.
	if e.Ledger().Remaining(clock.Key{Target: "api", Kind: domain.CooldownKindScale}) <= 0 {
		t.Fatal("scale action did not claim the shared scale key")
	}

	// A second scale under a different incident kind still contends on it.
	if got := e.Process(context.Background(), []domain.Incident{scaleIncident("inc-2", domain.KindCPUPressure)}); got != 0 {
		t.Error("scale key should refuse a second replica change during cooldown")
	}
	e.Wait()
	if len(orch.scales) != 1 {
		t.Errorf("scale calls = %d, want 1", len(orch.scales))
	}
}

func TestDispatch_RotateLogsCutoffFollowsInjectedClock(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	vc := clock.NewVirtualClock(at)
	orch := newFakeOrchestrator("store")
	store := newFakeStore()
	e := New(Config{VerifyDelay: time.Millisecond}, vc, nil,
		Deps{Orch: orch, Cache: newFakeCache(), Store: store, RetentionDays: 30},
		store, nil, nil)

	inc := domain.Incident{
		ID: "inc-1", Subject: "store", Kind: domain.KindDiskPressure,
		AutoRecoverable:    true,
		RecommendedActions: []domain.ActionType{domain.ActionRotateLogs},
		CooldownSeconds:    600,
	}
	if got := e.Process(context.Background(), []domain.Incident{inc}); got != 1 {
		t.Fatalf("dispatched %d, want 1", got)
	}
	e.Wait()

	cutoffs := store.cutoffs()
	if len(cutoffs) != 1 {
		t.Fatalf("purge calls = %d, want 1", len(cutoffs))
	}
	if want := at.AddDate(0, 0, -30); !cutoffs[0].Equal(want) {
		t.Errorf("purge cutoff = %v, want %v from the virtual clock", cutoffs[0], want)
	}
}

// ─── Outcomes and verification ──────────────────────────────────────────────

func TestDispatch_SuccessfulRestartResolvesOnce(t *testing.T) {
	orch := newFakeOrchestrator("gateway-D1")
	store := newFakeStore()
	e := newTestEngine(t, orch, store, nil)

	inc := pressureIncident("inc-1")
	e.Process(context.Background(), []domain.Incident{inc})
	e.Wait()

	if !store.isResolved("inc-1") {
		t.Fatal("verified restart should resolve the incident")
	}
}

func TestDispatch_FailureRecordsAndNotifies(t *testing.T) {
	orch := newFakeOrchestrator("gateway-D1")
	orch.failNext = true
	store := newFakeStore()
	notifier := &countingNotifier{}
	e := newTestEngine(t, orch, store, notifier)

	e.Process(context.Background(), []domain.Incident{pressureIncident("inc-1")})
	e.Wait()

	recs := store.records()
	if len(recs) != 1 || recs[0].Success {
		t.Fatalf("records = %+v, want one failed record", recs)
	}
	if notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", notifier.count())
	}
	if store.isResolved("inc-1") {
		t.Error("failed action must not resolve the incident")
	}
}

func TestDispatch_PublishesRecoveryEvent(t *testing.T) {
	orch := newFakeOrchestrator("gateway-D1")
	store := newFakeStore()
	topic := bus.NewTopic[domain.RecoveryRecord]("recovery", 8, bus.DropOldest)
	e := New(Config{VerifyDelay: time.Millisecond}, nil, nil,
		Deps{Orch: orch, Cache: newFakeCache(), Store: store},
		store, nil, topic)
	sub := topic.Subscribe()
	defer sub.Unsubscribe()

	e.Process(context.Background(), []domain.Incident{pressureIncident("inc-1")})
	e.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Payload.IncidentID != "inc-1" || !ev.Payload.Success {
		t.Errorf("event = %+v, want successful inc-1 record", ev.Payload)
	}
}

// ─── Breaker integration ────────────────────────────────────────────────────

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("api", BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Hour})
	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if err := b.Allow(); err != nil {
			t.Fatalf("breaker tripped early at failure %d", i+1)
		}
	}
	b.RecordFailure()
	if err := b.Allow(); err == nil {
		t.Fatal("breaker should be open after threshold")
	}
	if b.State() != BreakerOpen {
		t.Errorf("State = %v, want OPEN", b.State())
	}
}

func TestBreaker_HalfOpenProbeAfterResetTimeout(t *testing.T) {
	b := NewBreaker("api", BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return at }

	b.RecordFailure()
	if err := b.Allow(); err == nil {
		t.Fatal("breaker should be open")
	}

	at = at.Add(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("breaker should probe after reset timeout: %v", err)
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("State = %v, want HALF_OPEN", b.State())
	}

	// A failed probe re-opens immediately.
	b.RecordFailure()
	if err := b.Allow(); err == nil {
		t.Error("failed half-open probe should re-open the breaker")
	}

	at = at.Add(2 * time.Minute)
	b.Allow()
	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Errorf("State = %v, want CLOSED after successful probe", b.State())
	}
}

func TestProcess_OpenBreakerSkipsWithoutClaimingCooldown(t *testing.T) {
	orch := newFakeOrchestrator("gateway-D1")
	store := newFakeStore()
	e := newTestEngine(t, orch, store, nil)
	e.breakerFor("gateway-D1").ForceOpen()

	inc := pressureIncident("inc-1")
	if got := e.Process(context.Background(), []domain.Incident{inc}); got != 0 {
		t.Fatal("open breaker should refuse dispatch")
	}
	if e.Ledger().InFlight(clock.Key{Target: "gateway-D1", Kind: string(inc.Kind)}) {
		t.Error("skipped dispatch must not hold the cooldown key")
	}
}
