// Package recovery implements the self-healing engine: it walks ranked
// incidents, gates dispatch through the cooldown ledger and per-target
// circuit breakers, executes catalog actions against the orchestrator,
// cache, and store capabilities, and verifies outcomes before resolving.
package recovery

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tiresense/tiresense/internal/bus"
	"github.com/tiresense/tiresense/internal/clock"
	"github.com/tiresense/tiresense/internal/domain"
	"github.com/tiresense/tiresense/internal/metrics"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config tunes the recovery engine.
type Config struct {
	// VerifyDelay is how long after a dispatch the engine waits before
	// re-checking the world.
	VerifyDelay time.Duration

	// DefaultActionDeadline bounds actions whose catalog entry declares none.
	DefaultActionDeadline time.Duration

	// Breaker configures the per-target dispatch breakers.
	Breaker BreakerConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		VerifyDelay:           10 * time.Second,
		DefaultActionDeadline: 60 * time.Second,
		Breaker:               DefaultBreakerConfig(),
	}
}

// ─── Engine ─────────────────────────────────────────────────────────────────

// Engine executes recovery decisions. Distinct (subject, kind) keys run in
// parallel; the ledger guarantees at most one in-flight dispatch per key.
type Engine struct {
	cfg      Config
	clock    clock.Clock
	ledger   *clock.CooldownLedger
	deps     Deps
	catalog  map[domain.ActionType]Action
	store    domain.Store
	notifier domain.Notifier
	events   *bus.Topic[domain.RecoveryRecord]

	mu       sync.Mutex
	breakers map[string]*Breaker

	wg sync.WaitGroup
}

// New creates an engine. ledger is shared with the predictive scaler so the
// two cannot fight over the same target; events may be nil.
func New(cfg Config, c clock.Clock, ledger *clock.CooldownLedger, deps Deps,
	store domain.Store, notifier domain.Notifier, events *bus.Topic[domain.RecoveryRecord]) *Engine {
	def := DefaultConfig()
	if cfg.VerifyDelay <= 0 {
		cfg.VerifyDelay = def.VerifyDelay
	}
	if cfg.DefaultActionDeadline <= 0 {
		cfg.DefaultActionDeadline = def.DefaultActionDeadline
	}
	if c == nil {
		c = clock.System()
	}
	if ledger == nil {
		ledger = clock.NewCooldownLedger(c)
	}
	e := &Engine{
		cfg:      cfg,
		clock:    c,
		ledger:   ledger,
		deps:     deps,
		catalog:  Catalog(),
		store:    store,
		notifier: notifier,
		events:   events,
		breakers: make(map[string]*Breaker),
	}
	e.deps.Breakers = e.breakerFor
	if e.deps.Clock == nil {
		e.deps.Clock = c
	}
	return e
}

// Ledger exposes the shared cooldown ledger.
func (e *Engine) Ledger() *clock.CooldownLedger { return e.ledger }

// breakerFor returns the dispatch breaker for a target, creating it closed.
func (e *Engine) breakerFor(target string) *Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[target]
	if !ok {
		b = NewBreaker(target, e.cfg.Breaker)
		e.breakers[target] = b
	}
	return b
}

// Process walks incidents highest rank first and dispatches at most one
// action per claimable (subject, kind) key. Returns the dispatch count.
func (e *Engine) Process(ctx context.Context, incidents []domain.Incident) int {
	dispatched := 0
	for _, inc := range incidents {
		if !inc.AutoRecoverable {
			continue
		}
		if err := e.breakerFor(inc.Subject).Allow(); err != nil {
			log.Printf("[recovery] %s/%s skipped: %v", inc.Subject, inc.Kind, err)
			continue
		}

		key := clock.Key{Target: inc.Subject, Kind: string(inc.Kind)}
		if !e.ledger.CheckAndClaim(key, inc.Cooldown()) {
			metrics.CooldownRefusals.Inc()
			continue
		}

		action, ok := e.selectAction(ctx, inc)
		if !ok {
			// Nothing applicable right now; free the key so the next scan
			// can try again.
			e.ledger.Release(key)
			log.Printf("[recovery] %s/%s: no applicable action in %v", inc.Subject, inc.Kind, inc.RecommendedActions)
			continue
		}

		keys := []clock.Key{key}
		if action.Type == domain.ActionScaleUp || action.Type == domain.ActionScaleDown {
			// Replica changes also claim the scale key the predictive
			// scaler uses, so the two cannot fight over one deployment.
			scaleKey := clock.Key{Target: inc.Subject, Kind: domain.CooldownKindScale}
			if !e.ledger.CheckAndClaim(scaleKey, inc.Cooldown()) {
				metrics.CooldownRefusals.Inc()
				e.ledger.Release(key)
				continue
			}
			keys = append(keys, scaleKey)
		}

		dispatched++
		e.wg.Add(1)
		go e.dispatch(ctx, inc, action, keys)
	}
	return dispatched
}

// selectAction picks the first recommended action whose precondition holds.
func (e *Engine) selectAction(ctx context.Context, inc domain.Incident) (Action, bool) {
	for _, typ := range inc.RecommendedActions {
		action, ok := e.catalog[typ]
		if !ok {
			log.Printf("[recovery] %s: unknown action %q", inc.Subject, typ)
			continue
		}
		if action.Precondition != nil {
			if err := action.Precondition(ctx, e.deps, inc.Subject); err != nil {
				log.Printf("[recovery] %s: precondition for %s failed: %v", inc.Subject, typ, err)
				continue
			}
		}
		return action, true
	}
	return Action{}, false
}

// dispatch runs one action end to end: execute, record, verify, resolve.
func (e *Engine) dispatch(ctx context.Context, inc domain.Incident, action Action, keys []clock.Key) {
	defer e.wg.Done()
	defer func() {
		for _, k := range keys {
			e.ledger.Release(k)
		}
	}()

	deadline := action.Deadline
	if deadline <= 0 {
		deadline = e.cfg.DefaultActionDeadline
	}
	actx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	started := e.clock.Now().UTC()
	outcome, err := action.Execute(actx, e.deps, inc.Subject)
	duration := e.clock.Since(started)

	record := domain.RecoveryRecord{
		IncidentID:  inc.ID,
		Action:      action.Type,
		Target:      inc.Subject,
		StartedAt:   started,
		Duration:    duration,
		Success:     err == nil,
		Message:     outcome.Message,
		SideEffects: outcome.SideEffects,
	}
	if err != nil {
		record.Message = err.Error()
	}
	if e.store != nil {
		if serr := e.store.AppendRecovery(ctx, record); serr != nil {
			log.Printf("[recovery] append record for %s: %v", inc.ID, serr)
		}
	}
	if e.events != nil {
		if perr := e.events.Publish(ctx, record); perr != nil {
			log.Printf("[recovery] publish record for %s: %v", inc.ID, perr)
		}
	}

	if err != nil {
		metrics.RecoveryActions.WithLabelValues(string(action.Type), "failure").Inc()
		e.breakerFor(inc.Subject).RecordFailure()
		log.Printf("[recovery] %s on %s failed after %s: %v", action.Type, inc.Subject, duration.Round(time.Millisecond), err)
		if e.notifier != nil {
			e.notifier.Notify(domain.SevError, inc.Subject, "recovery action failed", err.Error())
		}
		return
	}

	metrics.RecoveryActions.WithLabelValues(string(action.Type), "success").Inc()
	e.breakerFor(inc.Subject).RecordSuccess()
	log.Printf("[recovery] %s on %s: %s", action.Type, inc.Subject, outcome.Message)

	e.verify(ctx, inc, action)
}

// verify waits the configured delay, re-checks the action's postcondition,
// and resolves the incident when it holds. A failed verification leaves the
// incident open; the cooldown still applies, so there is no immediate retry.
func (e *Engine) verify(ctx context.Context, inc domain.Incident, action Action) {
	if action.Verify == nil {
		return
	}
	select {
	case <-e.clock.After(e.cfg.VerifyDelay):
	case <-ctx.Done():
		return
	}

	if err := action.Verify(ctx, e.deps, inc.Subject); err != nil {
		log.Printf("[recovery] verification for %s/%s: %v", inc.Subject, inc.Kind, err)
		return
	}
	if e.store == nil {
		return
	}
	resolved, err := e.store.ResolveIncident(ctx, inc.ID, e.clock.Now().UTC())
	if err != nil {
		log.Printf("[recovery] resolve %s: %v", inc.ID, err)
		return
	}
	if resolved {
		metrics.IncidentsResolved.Inc()
		log.Printf("[recovery] %s/%s resolved", inc.Subject, inc.Kind)
	}
}

// Wait blocks until every in-flight dispatch has completed. Called during
// shutdown under the supervisor's drain deadline.
func (e *Engine) Wait() {
	e.wg.Wait()
}
