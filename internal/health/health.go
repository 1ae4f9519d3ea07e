// Package health derives the system health score from the active incident
// set, publishes snapshots, and reconciles open incidents against fresh
// probe scans so conditions that cleared on their own get resolved.
package health

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/tiresense/tiresense/internal/bus"
	"github.com/tiresense/tiresense/internal/clock"
	"github.com/tiresense/tiresense/internal/domain"
	"github.com/tiresense/tiresense/internal/metrics"
	"github.com/tiresense/tiresense/internal/probe"
)

// snapshotKey is where the latest snapshot is cached for the ops API and
// dashboards.
const snapshotKey = "health:snapshot"

// snapshotTTL bounds how stale a cached snapshot may get if the health
// worker dies.
const snapshotTTL = 300 * time.Second

// Config tunes health scoring.
type Config struct {
	// HealthyAbove / DegradedAbove are the status cut points on the score.
	HealthyAbove  float64
	DegradedAbove float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{HealthyAbove: 80, DegradedAbove: 50}
}

// Monitor owns health scoring and snapshot publication.
type Monitor struct {
	cfg   Config
	clock clock.Clock
	store domain.Store
	cache domain.Cache
	topic *bus.Topic[domain.HealthSnapshot]
}

// New creates a monitor. cache and topic may be nil; snapshots are then
// only returned to the caller.
func New(cfg Config, c clock.Clock, store domain.Store, cache domain.Cache, topic *bus.Topic[domain.HealthSnapshot]) *Monitor {
	def := DefaultConfig()
	if cfg.HealthyAbove <= 0 {
		cfg.HealthyAbove = def.HealthyAbove
	}
	if cfg.DegradedAbove <= 0 {
		cfg.DegradedAbove = def.DegradedAbove
	}
	if c == nil {
		c = clock.System()
	}
	return &Monitor{cfg: cfg, clock: c, store: store, cache: cache, topic: topic}
}

// Compute scores the active incident set. No incidents scores a flat 100;
// each incident subtracts ten times its severity weight; any Emergency
// zeroes the score outright.
func (m *Monitor) Compute(incidents []domain.Incident) domain.HealthSnapshot {
	snap := domain.HealthSnapshot{
		Score:           100,
		Status:          domain.HealthHealthy,
		Components:      make(map[string]domain.Severity),
		ActiveIncidents: len(incidents),
		ByKind:          make(map[domain.IncidentKind]int),
		TakenAt:         m.clock.Now().UTC(),
	}

	emergency := false
	for _, inc := range incidents {
		snap.Score -= inc.Severity.Weight() * 10
		snap.ByKind[inc.Kind]++
		if inc.Severity > snap.Components[inc.Subject] {
			snap.Components[inc.Subject] = inc.Severity
		}
		if inc.Severity == domain.SevEmergency {
			emergency = true
		}
	}
	if snap.Score < 0 || emergency {
		snap.Score = 0
	}

	switch {
	case snap.Score > m.cfg.HealthyAbove:
		snap.Status = domain.HealthHealthy
	case snap.Score > m.cfg.DegradedAbove:
		snap.Status = domain.HealthDegraded
	default:
		snap.Status = domain.HealthCritical
	}
	return snap
}

// Publish caches the snapshot and broadcasts it on the health topic.
func (m *Monitor) Publish(ctx context.Context, snap domain.HealthSnapshot) {
	metrics.HealthScore.Set(snap.Score)

	if m.cache != nil {
		blob, err := json.Marshal(snap)
		if err == nil {
			if err := m.cache.Set(ctx, snapshotKey, string(blob), snapshotTTL); err != nil {
				log.Printf("[health] cache snapshot: %v", err)
			}
		}
	}
	if m.topic != nil {
		if err := m.topic.Publish(ctx, snap); err != nil {
			log.Printf("[health] publish snapshot: %v", err)
		}
	}
}

// Cached returns the last published snapshot from the cache.
func (m *Monitor) Cached(ctx context.Context) (domain.HealthSnapshot, error) {
	var snap domain.HealthSnapshot
	if m.cache == nil {
		return snap, domain.ErrCacheMiss
	}
	blob, err := m.cache.Get(ctx, snapshotKey)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal([]byte(blob), &snap); err != nil {
		return snap, err
	}
	return snap, nil
}

// Reconcile resolves open incidents whose triggering condition no longer
// shows up in the current probe scan. Resolution is idempotent through the
// store; an already-resolved incident is a no-op. Returns how many
// incidents this scan resolved.
func (m *Monitor) Reconcile(ctx context.Context, results []probe.Result) int {
	if m.store == nil {
		return 0
	}
	open, err := m.store.QueryIncidents(ctx, domain.IncidentFilter{Unresolved: true})
	if err != nil {
		log.Printf("[health] query open incidents: %v", err)
		return 0
	}
	if len(open) == 0 {
		return 0
	}

	// Subjects this scan covered, and the conditions it still sees.
	scanned := make(map[string]bool, len(results))
	active := make(map[string]bool)
	for _, res := range results {
		scanned[res.Component] = true
		for _, inc := range res.Incidents {
			scanned[inc.Subject] = true
			active[inc.Subject+"|"+string(inc.Kind)] = true
		}
	}

	resolved := 0
	now := m.clock.Now().UTC()
	for _, inc := range open {
		if !scanned[inc.Subject] {
			continue // not this scan's business
		}
		if active[inc.Subject+"|"+string(inc.Kind)] {
			continue
		}
		ok, err := m.store.ResolveIncident(ctx, inc.ID, now)
		if err != nil {
			log.Printf("[health] resolve %s: %v", inc.ID, err)
			continue
		}
		if ok {
			resolved++
			metrics.IncidentsResolved.Inc()
			log.Printf("[health] %s/%s cleared by scan", inc.Subject, inc.Kind)
		}
	}
	return resolved
}
