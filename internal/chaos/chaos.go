// Package chaos injects controlled faults during configured low-traffic
// windows and verifies the system heals itself within a recovery budget. A
// failed verification raises an Emergency incident and disables further
// injections for the rest of the day.
package chaos

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/tiresense/tiresense/internal/clock"
	"github.com/tiresense/tiresense/internal/domain"
	"github.com/tiresense/tiresense/internal/metrics"
)

// Fault is one injectable failure mode.
type Fault string

const (
	FaultStopWorker       Fault = "stop-worker"
	FaultDelayProbe       Fault = "delay-probe"
	FaultResourcePressure Fault = "resource-pressure"
)

// Config tunes the injector.
type Config struct {
	Enabled bool

	// Hours are the wall-clock hours injections may run in.
	Hours []int

	// RecoveryBudget is how long the system gets to heal before the
	// verification scan.
	RecoveryBudget time.Duration

	// Weights bias fault selection; zero-weight faults never fire.
	Weights map[Fault]int

	// CriticalSubjects are never chaos targets.
	CriticalSubjects []string
}

// DefaultConfig returns production defaults: two quiet windows and a five
// minute recovery budget.
func DefaultConfig() Config {
	return Config{
		Hours:          []int{2, 14},
		RecoveryBudget: 300 * time.Second,
		Weights: map[Fault]int{
			FaultStopWorker:       3,
			FaultDelayProbe:       2,
			FaultResourcePressure: 1,
		},
	}
}

// Hooks are the injection points. DelayProbe and ResourcePressure simulate
// their faults inside the process; StopWorker kills a real instance through
// the orchestrator.
type Hooks struct {
	StopWorker       func(ctx context.Context, target string) error
	DelayProbe       func(d time.Duration)
	ResourcePressure func(ctx context.Context) error
}

// ScanFunc runs a full health scan and returns the snapshot.
type ScanFunc func(ctx context.Context) domain.HealthSnapshot

// Injector drives chaos rounds.
type Injector struct {
	cfg      Config
	clock    clock.Clock
	orch     domain.Orchestrator
	store    domain.Store
	notifier domain.Notifier
	hooks    Hooks
	scan     ScanFunc
	rng      *rand.Rand
	newID    func() string

	disabledUntil time.Time
}

// New creates an injector. notifier and store may be nil.
func New(cfg Config, c clock.Clock, orch domain.Orchestrator, store domain.Store,
	notifier domain.Notifier, hooks Hooks, scan ScanFunc) *Injector {
	def := DefaultConfig()
	if cfg.Hours == nil {
		cfg.Hours = def.Hours
	}
	if cfg.RecoveryBudget <= 0 {
		cfg.RecoveryBudget = def.RecoveryBudget
	}
	if cfg.Weights == nil {
		cfg.Weights = def.Weights
	}
	if c == nil {
		c = clock.System()
	}
	return &Injector{
		cfg:      cfg,
		clock:    c,
		orch:     orch,
		store:    store,
		notifier: notifier,
		hooks:    hooks,
		scan:     scan,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		newID:    uuid.NewString,
	}
}

// SetRandSource reseeds fault and target selection for reproducible rounds.
func (in *Injector) SetRandSource(seed int64) {
	in.rng = rand.New(rand.NewSource(seed))
}

// SetIDSource overrides incident id generation.
func (in *Injector) SetIDSource(fn func() string) {
	if fn != nil {
		in.newID = fn
	}
}

// Tick runs at most one chaos round. Returns the injected fault, or an
// error naming why nothing was injected.
func (in *Injector) Tick(ctx context.Context) (Fault, error) {
	now := in.clock.Now()
	if !in.cfg.Enabled || now.Before(in.disabledUntil) {
		return "", domain.ErrChaosDisabled
	}
	if !in.inWindow(now) {
		return "", domain.ErrOutsideWindow
	}

	fault := in.pickFault()
	target, err := in.pickTarget(ctx)
	if err != nil {
		return "", err
	}

	log.Printf("[chaos] injecting %s on %s", fault, target)
	if err := in.inject(ctx, fault, target); err != nil {
		metrics.ChaosInjections.WithLabelValues(string(fault), "inject_failed").Inc()
		return fault, fmt.Errorf("inject %s on %s: %w", fault, target, err)
	}
	metrics.ChaosInjections.WithLabelValues(string(fault), "injected").Inc()

	select {
	case <-in.clock.After(in.cfg.RecoveryBudget):
	case <-ctx.Done():
		return fault, ctx.Err()
	}

	snap := in.scan(ctx)
	if snap.Status == domain.HealthHealthy {
		metrics.ChaosInjections.WithLabelValues(string(fault), "recovered").Inc()
		log.Printf("[chaos] system healed from %s on %s (score %.1f)", fault, target, snap.Score)
		return fault, nil
	}

	metrics.ChaosInjections.WithLabelValues(string(fault), "not_recovered").Inc()
	in.disableForDay(now)
	in.raiseSelfHealFailure(ctx, fault, target, snap)
	return fault, fmt.Errorf("system did not heal from %s on %s (status %s)", fault, target, snap.Status)
}

// DisabledUntil reports when injections resume.
func (in *Injector) DisabledUntil() time.Time { return in.disabledUntil }

func (in *Injector) inWindow(now time.Time) bool {
	for _, h := range in.cfg.Hours {
		if now.Hour() == h {
			return true
		}
	}
	return false
}

func (in *Injector) pickFault() Fault {
	total := 0
	for _, w := range in.cfg.Weights {
		total += w
	}
	if total <= 0 {
		return FaultDelayProbe
	}
	n := in.rng.Intn(total)
	// Fixed iteration order keeps selection reproducible for a seed.
	for _, f := range []Fault{FaultStopWorker, FaultDelayProbe, FaultResourcePressure} {
		n -= in.cfg.Weights[f]
		if n < 0 {
			return f
		}
	}
	return FaultDelayProbe
}

// pickTarget selects a random workload outside the critical set.
func (in *Injector) pickTarget(ctx context.Context) (string, error) {
	workloads, err := in.orch.ListWorkloads(ctx, "")
	if err != nil {
		return "", fmt.Errorf("list workloads: %w", err)
	}
	critical := make(map[string]bool, len(in.cfg.CriticalSubjects))
	for _, s := range in.cfg.CriticalSubjects {
		critical[s] = true
	}
	var eligible []string
	for _, w := range workloads {
		if !critical[w.Name] {
			eligible = append(eligible, w.Name)
		}
	}
	if len(eligible) == 0 {
		return "", domain.ErrSubjectCritical
	}
	return eligible[in.rng.Intn(len(eligible))], nil
}

func (in *Injector) inject(ctx context.Context, fault Fault, target string) error {
	switch fault {
	case FaultStopWorker:
		if in.hooks.StopWorker != nil {
			return in.hooks.StopWorker(ctx, target)
		}
		return in.orch.DeleteInstance(ctx, target)
	case FaultDelayProbe:
		if in.hooks.DelayProbe == nil {
			return fmt.Errorf("no delay-probe hook")
		}
		in.hooks.DelayProbe(in.cfg.RecoveryBudget / 2)
		return nil
	case FaultResourcePressure:
		if in.hooks.ResourcePressure == nil {
			return fmt.Errorf("no resource-pressure hook")
		}
		return in.hooks.ResourcePressure(ctx)
	default:
		return fmt.Errorf("unknown fault %q", fault)
	}
}

// disableForDay shuts chaos off until the next local midnight.
func (in *Injector) disableForDay(now time.Time) {
	y, m, d := now.Date()
	in.disabledUntil = time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	log.Printf("[chaos] disabled until %s", in.disabledUntil.Format(time.RFC3339))
}

func (in *Injector) raiseSelfHealFailure(ctx context.Context, fault Fault, target string, snap domain.HealthSnapshot) {
	inc := domain.Incident{
		ID:         in.newID(),
		Subject:    target,
		Kind:       domain.KindSelfHealFailed,
		Severity:   domain.SevEmergency,
		Confidence: 1,
		ObservedAt: in.clock.Now().UTC(),
		Evidence: domain.Evidence{Metrics: map[string]float64{
			"health_score":   snap.Score,
			"budget_seconds": in.cfg.RecoveryBudget.Seconds(),
		}},
		AutoRecoverable: false,
		CooldownSeconds: int(24 * time.Hour / time.Second),
	}
	if in.store != nil {
		if err := in.store.AppendIncident(ctx, inc); err != nil {
			log.Printf("[chaos] append incident: %v", err)
		}
	}
	if in.notifier != nil {
		in.notifier.Notify(domain.SevEmergency, target,
			"self-healing failed chaos verification",
			fmt.Sprintf("fault %s, health %s (%.1f)", fault, snap.Status, snap.Score))
	}
}
