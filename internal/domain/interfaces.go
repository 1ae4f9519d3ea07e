package domain

import (
	"context"
	"time"
)

// ─── Capability Interfaces ──────────────────────────────────────────────────
// Narrow, injectable boundaries to external systems. The control loops depend
// only on these; concrete adapters live under internal/ (storage, cache,
// notify, scrape) or outside the process entirely (orchestrator).

// Orchestrator drives the platform that actually restarts and scales
// workloads. Calls are idempotent where possible; non-idempotent operations
// (restart) rely on the cooldown ledger for safety.
type Orchestrator interface {
	// ListWorkloads enumerates managed workloads in a namespace.
	ListWorkloads(ctx context.Context, namespace string) ([]Workload, error)

	// RestartWorkload triggers a rolling restart.
	RestartWorkload(ctx context.Context, name string) error

	// ScaleWorkload sets the desired replica count.
	ScaleWorkload(ctx context.Context, name string, replicas int) error

	// DeleteInstance removes a single instance (used by chaos injection).
	DeleteInstance(ctx context.Context, name string) error
}

// ─── Storage ────────────────────────────────────────────────────────────────

// ReadingFilter selects readings for a query.
type ReadingFilter struct {
	DeviceID string
	Since    time.Time
	Until    time.Time
}

// IncidentFilter selects incidents for a query.
type IncidentFilter struct {
	Subject    string
	Kind       IncidentKind
	Since      time.Time
	Unresolved bool
}

// RecoveryFilter selects recovery records for a query.
type RecoveryFilter struct {
	IncidentID string
	Target     string
	Since      time.Time
}

// Store is the persistent storage capability: append-mostly tables for
// readings, incidents, and recovery records, plus maintenance hooks.
type Store interface {
	AppendReadings(ctx context.Context, batch []Reading) error
	QueryReadings(ctx context.Context, f ReadingFilter, limit int) ([]Reading, error)

	AppendIncident(ctx context.Context, inc Incident) error
	QueryIncidents(ctx context.Context, f IncidentFilter) ([]Incident, error)

	// ResolveIncident marks an incident resolved at the given time.
	// Returns false if it was already resolved (resolution is idempotent).
	ResolveIncident(ctx context.Context, id string, at time.Time) (bool, error)

	AppendRecovery(ctx context.Context, rec RecoveryRecord) error
	QueryRecoveries(ctx context.Context, f RecoveryFilter) ([]RecoveryRecord, error)

	// RunMaintenance vacuums/analyzes one table (or all when table is empty).
	RunMaintenance(ctx context.Context, table string) error

	// PurgeBefore deletes resolved incidents, their recoveries, and readings
	// older than cutoff. Returns rows deleted.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ─── Cache ──────────────────────────────────────────────────────────────────

// CacheStats reports cache server occupancy.
type CacheStats struct {
	UsedMemory int64 `json:"used"`
	MaxMemory  int64 `json:"max"`
	Clients    int   `json:"clients"`
}

// Cache is the key/value capability for rate limits, session data, and the
// published health snapshot.
type Cache interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) (string, error) // ErrCacheMiss when absent
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	FlushAll(ctx context.Context) error
	Stats(ctx context.Context) (CacheStats, error)
}

// ─── Notification ───────────────────────────────────────────────────────────

// Notifier delivers operator notifications. Implementations are best-effort
// and must never block the control loops.
type Notifier interface {
	Notify(sev Severity, subject, summary, details string)
}

// ─── Metrics Scrape ─────────────────────────────────────────────────────────

// MetricsFetcher scrapes an exposition endpoint into a flat name→value map.
// Labels are stripped; comment lines ignored.
type MetricsFetcher interface {
	Fetch(ctx context.Context, endpoint string) (map[string]float64, error)
}
