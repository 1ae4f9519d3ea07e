package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/tiresense/tiresense/internal/clock"
	"github.com/tiresense/tiresense/internal/domain"
)

// ─── Action catalog ─────────────────────────────────────────────────────────

// Deps are the capabilities actions execute against.
type Deps struct {
	Orch  domain.Orchestrator
	Cache domain.Cache
	Store domain.Store

	// Clock stamps action side effects. The engine fills it from its own
	// clock when unset.
	Clock clock.Clock

	// Replica bounds per deployment, consulted by scale preconditions.
	MinReplicas map[string]int
	MaxReplicas map[string]int

	// RetentionDays bounds the rotate-logs and cleanup actions.
	RetentionDays int

	// Breakers gives the circuit-break action access to the per-target
	// breakers the engine maintains.
	Breakers func(target string) *Breaker
}

func (d Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock.Now()
	}
	return time.Now()
}

func (d Deps) minFor(target string) int {
	if v, ok := d.MinReplicas[target]; ok {
		return v
	}
	return 1
}

func (d Deps) maxFor(target string) int {
	if v, ok := d.MaxReplicas[target]; ok {
		return v
	}
	return 5
}

// Outcome is what an executed action reports back to the engine.
type Outcome struct {
	Message     string
	SideEffects []string
}

// Action is one catalog entry. Precondition gates selection; Execute does
// the work; Verify re-checks the world after the verification delay and
// returns nil when the triggering condition should be considered gone.
type Action struct {
	Type         domain.ActionType
	Precondition func(ctx context.Context, d Deps, target string) error
	Execute      func(ctx context.Context, d Deps, target string) (Outcome, error)
	Verify       func(ctx context.Context, d Deps, target string) error
	Deadline     time.Duration
}

// Catalog returns the built-in action table.
func Catalog() map[domain.ActionType]Action {
	return map[domain.ActionType]Action{
		domain.ActionRestart:          restartAction(),
		domain.ActionScaleUp:          scaleAction(+1),
		domain.ActionScaleDown:        scaleAction(-1),
		domain.ActionClearCache:       clearCacheAction(),
		domain.ActionRotateLogs:       rotateLogsAction(),
		domain.ActionUpdateConfig:     updateConfigAction(),
		domain.ActionFailover:         failoverAction(),
		domain.ActionCircuitBreak:     circuitBreakAction(),
		domain.ActionCleanupResources: cleanupAction(),
		domain.ActionRebalanceLoad:    rebalanceAction(),
	}
}

// findWorkload resolves a target name against the orchestrator.
func findWorkload(ctx context.Context, d Deps, target string) (domain.Workload, error) {
	workloads, err := d.Orch.ListWorkloads(ctx, "")
	if err != nil {
		return domain.Workload{}, fmt.Errorf("list workloads: %w", err)
	}
	for _, w := range workloads {
		if w.Name == target {
			return w, nil
		}
	}
	return domain.Workload{}, fmt.Errorf("%s: %w", target, domain.ErrWorkloadNotFound)
}

func restartAction() Action {
	return Action{
		Type:     domain.ActionRestart,
		Deadline: 60 * time.Second,
		Execute: func(ctx context.Context, d Deps, target string) (Outcome, error) {
			if err := d.Orch.RestartWorkload(ctx, target); err != nil {
				return Outcome{}, fmt.Errorf("restart %s: %w", target, err)
			}
			return Outcome{Message: "rolling restart triggered"}, nil
		},
		Verify: func(ctx context.Context, d Deps, target string) error {
			w, err := findWorkload(ctx, d, target)
			if err != nil {
				return err
			}
			if w.Phase != "Running" {
				return fmt.Errorf("%s phase %s after restart", target, w.Phase)
			}
			return nil
		},
	}
}

func scaleAction(delta int) Action {
	typ := domain.ActionScaleUp
	if delta < 0 {
		typ = domain.ActionScaleDown
	}
	return Action{
		Type:     typ,
		Deadline: 60 * time.Second,
		Precondition: func(ctx context.Context, d Deps, target string) error {
			w, err := findWorkload(ctx, d, target)
			if err != nil {
				return err
			}
			if delta > 0 && w.CurrentReplicas+delta > d.maxFor(target) {
				return fmt.Errorf("%s at %d replicas: %w", target, w.CurrentReplicas, domain.ErrAtMaxReplicas)
			}
			if delta < 0 && w.CurrentReplicas+delta < d.minFor(target) {
				return fmt.Errorf("%s at %d replicas: %w", target, w.CurrentReplicas, domain.ErrAtMinReplicas)
			}
			return nil
		},
		Execute: func(ctx context.Context, d Deps, target string) (Outcome, error) {
			w, err := findWorkload(ctx, d, target)
			if err != nil {
				return Outcome{}, err
			}
			desired := w.CurrentReplicas + delta
			if err := d.Orch.ScaleWorkload(ctx, target, desired); err != nil {
				return Outcome{}, fmt.Errorf("scale %s to %d: %w", target, desired, err)
			}
			return Outcome{
				Message:     fmt.Sprintf("scaled %d -> %d", w.CurrentReplicas, desired),
				SideEffects: []string{fmt.Sprintf("replicas=%d", desired)},
			}, nil
		},
		Verify: func(ctx context.Context, d Deps, target string) error {
			w, err := findWorkload(ctx, d, target)
			if err != nil {
				return err
			}
			if w.CurrentReplicas != w.DesiredReplicas {
				return fmt.Errorf("%s replicas %d, desired %d", target, w.CurrentReplicas, w.DesiredReplicas)
			}
			return nil
		},
	}
}

func clearCacheAction() Action {
	return Action{
		Type:     domain.ActionClearCache,
		Deadline: 30 * time.Second,
		Execute: func(ctx context.Context, d Deps, target string) (Outcome, error) {
			before, _ := d.Cache.Stats(ctx)
			if err := d.Cache.FlushAll(ctx); err != nil {
				return Outcome{}, fmt.Errorf("flush cache: %w", err)
			}
			return Outcome{
				Message:     "cache flushed",
				SideEffects: []string{fmt.Sprintf("freed<=%d bytes", before.UsedMemory)},
			}, nil
		},
		Verify: func(ctx context.Context, d Deps, target string) error {
			return d.Cache.Ping(ctx)
		},
	}
}

func rotateLogsAction() Action {
	return Action{
		Type:     domain.ActionRotateLogs,
		Deadline: 120 * time.Second,
		Execute: func(ctx context.Context, d Deps, target string) (Outcome, error) {
			days := d.RetentionDays
			if days <= 0 {
				days = 30
			}
			cutoff := d.now().UTC().AddDate(0, 0, -days)
			n, err := d.Store.PurgeBefore(ctx, cutoff)
			if err != nil {
				return Outcome{}, fmt.Errorf("purge before %s: %w", cutoff.Format(time.RFC3339), err)
			}
			return Outcome{
				Message:     fmt.Sprintf("purged %d aged rows", n),
				SideEffects: []string{fmt.Sprintf("deleted_rows=%d", n)},
			}, nil
		},
	}
}

func updateConfigAction() Action {
	return Action{
		Type:     domain.ActionUpdateConfig,
		Deadline: 30 * time.Second,
		Execute: func(ctx context.Context, d Deps, target string) (Outcome, error) {
			// The refresh marker is watched by the target; the next probe
			// cycle confirms whether the condition cleared.
			key := "config:refresh:" + target
			if err := d.Cache.Set(ctx, key, d.now().UTC().Format(time.RFC3339), time.Hour); err != nil {
				return Outcome{}, fmt.Errorf("set %s: %w", key, err)
			}
			return Outcome{Message: "config refresh requested", SideEffects: []string{key}}, nil
		},
	}
}

func failoverAction() Action {
	return Action{
		Type:     domain.ActionFailover,
		Deadline: 30 * time.Second,
		Execute: func(ctx context.Context, d Deps, target string) (Outcome, error) {
			key := "route:" + target
			if err := d.Cache.Set(ctx, key, "secondary", time.Hour); err != nil {
				return Outcome{}, fmt.Errorf("set %s: %w", key, err)
			}
			return Outcome{Message: "traffic routed to secondary", SideEffects: []string{key + "=secondary"}}, nil
		},
	}
}

func circuitBreakAction() Action {
	return Action{
		Type:     domain.ActionCircuitBreak,
		Deadline: 5 * time.Second,
		Execute: func(ctx context.Context, d Deps, target string) (Outcome, error) {
			if d.Breakers == nil {
				return Outcome{}, fmt.Errorf("no breaker registry for %s", target)
			}
			d.Breakers(target).ForceOpen()
			return Outcome{Message: "breaker opened", SideEffects: []string{"breaker=" + target}}, nil
		},
		Verify: func(ctx context.Context, d Deps, target string) error {
			if d.Breakers(target).State() != BreakerOpen {
				return fmt.Errorf("breaker for %s not open", target)
			}
			return nil
		},
	}
}

func cleanupAction() Action {
	return Action{
		Type:     domain.ActionCleanupResources,
		Deadline: 120 * time.Second,
		Execute: func(ctx context.Context, d Deps, target string) (Outcome, error) {
			for _, table := range []string{"readings", "incidents", "recoveries"} {
				if err := d.Store.RunMaintenance(ctx, table); err != nil {
					return Outcome{}, fmt.Errorf("maintain %s: %w", table, err)
				}
			}
			return Outcome{Message: "store maintenance completed", SideEffects: []string{"vacuumed=3 tables"}}, nil
		},
	}
}

func rebalanceAction() Action {
	return Action{
		Type:     domain.ActionRebalanceLoad,
		Deadline: 30 * time.Second,
		Execute: func(ctx context.Context, d Deps, target string) (Outcome, error) {
			key := "weights:" + target
			if err := d.Cache.Set(ctx, key, "rebalance", time.Hour); err != nil {
				return Outcome{}, fmt.Errorf("set %s: %w", key, err)
			}
			return Outcome{Message: "routing weights reset", SideEffects: []string{key}}, nil
		},
	}
}
