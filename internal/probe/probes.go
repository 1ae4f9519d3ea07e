package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/tiresense/tiresense/internal/domain"
)

// ─── Service probe ──────────────────────────────────────────────────────────

var serviceRules = []Rule{
	{Name: "high_response_time", Metric: "response_time_ms", Op: Above, Threshold: 2000,
		Kind: domain.KindHighResponseTime, Severity: domain.SevWarning,
		Actions: []domain.ActionType{domain.ActionScaleUp}, AutoRecoverable: true},
	{Name: "high_error_rate", Metric: "error_rate", Op: Above, Threshold: 0.05,
		Kind: domain.KindHighErrorRate, Severity: domain.SevError,
		Actions: []domain.ActionType{domain.ActionRestart, domain.ActionFailover}, AutoRecoverable: true},
}

// ServiceProbe scrapes a service's metrics endpoint and derives response
// time, error rate, and request rate.
type ServiceProbe struct {
	name     string
	endpoint string
	fetcher  domain.MetricsFetcher
	builder  *Builder
}

func NewServiceProbe(b *Builder, name, endpoint string, fetcher domain.MetricsFetcher) *ServiceProbe {
	return &ServiceProbe{name: name, endpoint: endpoint, fetcher: fetcher, builder: b}
}

func (p *ServiceProbe) Name() string { return p.name }

func (p *ServiceProbe) Check(ctx context.Context) (Result, error) {
	raw, err := p.fetcher.Fetch(ctx, p.endpoint)
	if err != nil {
		return Result{}, fmt.Errorf("scrape %s: %w", p.endpoint, err)
	}
	sampled := map[string]float64{
		"response_time_ms": raw["response_time_ms"],
		"error_rate":       raw["error_rate"],
		"request_rate":     raw["request_rate"],
	}
	return Result{
		Metrics:   sampled,
		Incidents: p.builder.Evaluate(p.name, serviceRules, sampled),
	}, nil
}

// ─── Relational-store probe ─────────────────────────────────────────────────

// StoreMetrics is the calibrated sample the store exposes to its probe.
type StoreMetrics struct {
	ActiveConnections int
	Deadlocks         int64
	SizeBytes         int64
	SlowQueries       int64
}

// StoreProber is implemented by the storage adapter.
type StoreProber interface {
	ProbeStats(ctx context.Context) (StoreMetrics, error)
}

var storeRules = []Rule{
	{Name: "connections_high", Metric: "active_connections", Op: Above, Threshold: 180,
		Kind: domain.KindConnectionsHigh, Severity: domain.SevWarning,
		Actions: []domain.ActionType{domain.ActionRestart}, AutoRecoverable: true},
	{Name: "deadlocks_detected", Metric: "deadlocks_delta", Op: Above, Threshold: 0,
		Kind: domain.KindDeadlocks, Severity: domain.SevError,
		Actions: []domain.ActionType{domain.ActionRestart}, AutoRecoverable: true},
	{Name: "slow_queries", Metric: "slow_queries", Op: Above, Threshold: 10,
		Kind: domain.KindHighResponseTime, Severity: domain.SevWarning,
		Actions: []domain.ActionType{domain.ActionCleanupResources}, AutoRecoverable: true},
}

// StoreProbe samples the relational store. The deadlock rule triggers on the
// delta since the previous scan, not the lifetime counter.
type StoreProbe struct {
	store         StoreProber
	builder       *Builder
	lastDeadlocks int64
	primed        bool
}

func NewStoreProbe(b *Builder, store StoreProber) *StoreProbe {
	return &StoreProbe{store: store, builder: b}
}

func (p *StoreProbe) Name() string { return "store" }

func (p *StoreProbe) Check(ctx context.Context) (Result, error) {
	m, err := p.store.ProbeStats(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("store stats: %w", err)
	}
	delta := int64(0)
	if p.primed {
		delta = m.Deadlocks - p.lastDeadlocks
	}
	p.lastDeadlocks = m.Deadlocks
	p.primed = true

	sampled := map[string]float64{
		"active_connections": float64(m.ActiveConnections),
		"deadlocks_delta":    float64(delta),
		"size_bytes":         float64(m.SizeBytes),
		"slow_queries":       float64(m.SlowQueries),
	}
	return Result{
		Metrics:   sampled,
		Incidents: p.builder.Evaluate(p.Name(), storeRules, sampled),
	}, nil
}

// ─── Cache probe ────────────────────────────────────────────────────────────

var cacheRules = []Rule{
	{Name: "memory_pressure", Metric: "memory_used_percent", Op: Above, Threshold: 90,
		Kind: domain.KindMemoryPressure, Severity: domain.SevWarning,
		Actions: []domain.ActionType{domain.ActionClearCache}, AutoRecoverable: true},
	{Name: "clients_high", Metric: "connected_clients", Op: Above, Threshold: 1000,
		Kind: domain.KindClientsHigh, Severity: domain.SevWarning,
		Actions: []domain.ActionType{domain.ActionRestart}, AutoRecoverable: true},
}

// CacheProbe pings the key/value cache and samples memory and client counts.
type CacheProbe struct {
	cache   domain.Cache
	builder *Builder
}

func NewCacheProbe(b *Builder, cache domain.Cache) *CacheProbe {
	return &CacheProbe{cache: cache, builder: b}
}

func (p *CacheProbe) Name() string { return "cache" }

func (p *CacheProbe) Check(ctx context.Context) (Result, error) {
	if err := p.cache.Ping(ctx); err != nil {
		return Result{}, fmt.Errorf("cache ping: %w", err)
	}
	stats, err := p.cache.Stats(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("cache stats: %w", err)
	}
	usedPct := 0.0
	if stats.MaxMemory > 0 {
		usedPct = 100 * float64(stats.UsedMemory) / float64(stats.MaxMemory)
	}
	sampled := map[string]float64{
		"memory_used_percent": usedPct,
		"used_memory_bytes":   float64(stats.UsedMemory),
		"connected_clients":   float64(stats.Clients),
	}
	return Result{
		Metrics:   sampled,
		Incidents: p.builder.Evaluate(p.Name(), cacheRules, sampled),
	}, nil
}

// ─── Message-bus probe ──────────────────────────────────────────────────────

// BusProbe verifies the external message broker accepts TCP connections.
type BusProbe struct {
	addr    string
	builder *Builder
	dialer  net.Dialer
}

func NewBusProbe(b *Builder, addr string) *BusProbe {
	return &BusProbe{addr: addr, builder: b}
}

func (p *BusProbe) Name() string { return "message-bus" }

func (p *BusProbe) Check(ctx context.Context) (Result, error) {
	start := time.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return Result{}, fmt.Errorf("dial %s: %w", p.addr, err)
	}
	conn.Close()
	return Result{
		Metrics: map[string]float64{"connect_ms": float64(time.Since(start).Milliseconds())},
	}, nil
}

// ─── Orchestrator probe ─────────────────────────────────────────────────────

// restartThreshold is the cumulative container restart count past which a
// workload counts as crash-looping.
const restartThreshold = 5

// OrchestratorProbe enumerates managed workloads and flags crash loops per
// workload, so the restart target is the workload itself.
type OrchestratorProbe struct {
	orch      domain.Orchestrator
	namespace string
	builder   *Builder
}

func NewOrchestratorProbe(b *Builder, orch domain.Orchestrator, namespace string) *OrchestratorProbe {
	return &OrchestratorProbe{orch: orch, namespace: namespace, builder: b}
}

func (p *OrchestratorProbe) Name() string { return "orchestrator" }

func (p *OrchestratorProbe) Check(ctx context.Context) (Result, error) {
	workloads, err := p.orch.ListWorkloads(ctx, p.namespace)
	if err != nil {
		return Result{}, fmt.Errorf("list workloads: %w", err)
	}

	var notRunning, restarts int
	var incidents []domain.Incident
	for _, w := range workloads {
		restarts += w.RestartCount
		if w.Phase != "Running" {
			notRunning++
		}
		if w.RestartCount > restartThreshold {
			incidents = append(incidents, p.builder.Incident(
				w.Name, domain.KindCrashLoop, domain.SevError,
				[]domain.ActionType{domain.ActionRestart, domain.ActionUpdateConfig}, true, 0,
				map[string]float64{"restart_count": float64(w.RestartCount)},
			))
		}
	}
	return Result{
		Metrics: map[string]float64{
			"workloads_total":       float64(len(workloads)),
			"workloads_not_running": float64(notRunning),
			"restart_count_total":   float64(restarts),
		},
		Incidents: incidents,
	}, nil
}

// ─── Host probe ─────────────────────────────────────────────────────────────

// HostMetrics is one usage sample of the host running the core.
type HostMetrics struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
}

// HostSampler reads host usage; injected so tests and exotic platforms can
// supply their own.
type HostSampler interface {
	Sample(ctx context.Context) (HostMetrics, error)
}

var hostRules = []Rule{
	{Name: "cpu_pressure", Metric: "cpu_percent", Op: Above, Threshold: 80,
		Kind: domain.KindCPUPressure, Severity: domain.SevWarning,
		Actions: []domain.ActionType{domain.ActionScaleUp}, AutoRecoverable: true},
	{Name: "memory_pressure", Metric: "memory_percent", Op: Above, Threshold: 85,
		Kind: domain.KindMemoryPressure, Severity: domain.SevWarning,
		Actions: []domain.ActionType{domain.ActionCleanupResources}, AutoRecoverable: true},
	{Name: "disk_pressure", Metric: "disk_percent", Op: Above, Threshold: 95,
		Kind: domain.KindDiskPressure, Severity: domain.SevCritical,
		Actions: []domain.ActionType{domain.ActionCleanupResources, domain.ActionRotateLogs}, AutoRecoverable: true},
}

// HostProbe reads CPU, memory, and disk usage of the host.
type HostProbe struct {
	sampler HostSampler
	builder *Builder
}

func NewHostProbe(b *Builder, sampler HostSampler) *HostProbe {
	return &HostProbe{sampler: sampler, builder: b}
}

func (p *HostProbe) Name() string { return "host" }

func (p *HostProbe) Check(ctx context.Context) (Result, error) {
	m, err := p.sampler.Sample(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("host sample: %w", err)
	}
	sampled := map[string]float64{
		"cpu_percent":    m.CPUPercent,
		"memory_percent": m.MemoryPercent,
		"disk_percent":   m.DiskPercent,
	}
	return Result{
		Metrics:   sampled,
		Incidents: p.builder.Evaluate(p.Name(), hostRules, sampled),
	}, nil
}

// ─── Fleet probe ────────────────────────────────────────────────────────────

// FleetRegistry reports device population counts.
type FleetRegistry interface {
	DeviceCounts(ctx context.Context) (total, online int, err error)
}

// Fleet-wide outages are never auto-recovered: restarting the control plane
// cannot bring field devices back, a human has to look.
var fleetRules = []Rule{
	{Name: "fleet_offline_major", Metric: "offline_fraction", Op: Above, Threshold: 0.5,
		Kind: domain.KindFleetOffline, Severity: domain.SevCritical, AutoRecoverable: false},
	{Name: "fleet_offline_minor", Metric: "offline_fraction", Op: Above, Threshold: 0.2,
		Kind: domain.KindFleetOffline, Severity: domain.SevWarning, AutoRecoverable: false},
}

// FleetProbe reports the offline fraction of the sensor fleet.
type FleetProbe struct {
	registry FleetRegistry
	builder  *Builder
}

func NewFleetProbe(b *Builder, registry FleetRegistry) *FleetProbe {
	return &FleetProbe{registry: registry, builder: b}
}

func (p *FleetProbe) Name() string { return "fleet" }

func (p *FleetProbe) Check(ctx context.Context) (Result, error) {
	total, online, err := p.registry.DeviceCounts(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("device counts: %w", err)
	}
	frac := 0.0
	if total > 0 {
		frac = float64(total-online) / float64(total)
	}
	sampled := map[string]float64{
		"devices_total":    float64(total),
		"devices_online":   float64(online),
		"offline_fraction": frac,
	}
	incidents := p.builder.Evaluate(p.Name(), fleetRules, sampled)
	// Both tiers fire past 0.5; keep only the critical one.
	if len(incidents) > 1 {
		incidents = incidents[:1]
	}
	return Result{Metrics: sampled, Incidents: incidents}, nil
}
