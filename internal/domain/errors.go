package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure, with no infrastructure dependency.

var (
	// Pipeline errors
	ErrDuplicateReading = errors.New("duplicate reading for device and timestamp")
	ErrReadingInvalid   = errors.New("reading failed validation")
	ErrColdStart        = errors.New("device in cold start: window below minimum")
	ErrFrameDegraded    = errors.New("frame degraded: normalization unavailable")
	ErrUnknownDevice    = errors.New("no window for device")

	// Scorer errors
	ErrScorerUnavailable = errors.New("scorer unavailable: no model loaded")
	ErrFrameRefused      = errors.New("scorer refused degraded frame")

	// Event bus errors
	ErrTopicClosed = errors.New("topic closed")

	// Recovery errors
	ErrCooldownActive     = errors.New("cooldown active for target and kind")
	ErrPreconditionFailed = errors.New("action precondition not satisfied")
	ErrAtMaxReplicas      = errors.New("workload already at maximum replicas")
	ErrAtMinReplicas      = errors.New("workload already at minimum replicas")
	ErrUnknownAction      = errors.New("action not in recovery catalog")
	ErrCircuitOpen        = errors.New("circuit breaker open: component short-circuited")
	ErrIncidentNotFound   = errors.New("incident not found")
	ErrWorkloadNotFound   = errors.New("workload not found")

	// Probe errors
	ErrProbeTimeout   = errors.New("probe exceeded its deadline")
	ErrDependencyDown = errors.New("external dependency unavailable")

	// Cache errors
	ErrCacheMiss = errors.New("cache key not found")

	// Supervisor errors
	ErrTaskFailuresExceeded = errors.New("task exceeded consecutive failure limit")
	ErrDependencyCycle      = errors.New("task dependency graph has a cycle")
	ErrUnknownDependency    = errors.New("task depends on an undeclared task")

	// Chaos errors
	ErrChaosDisabled   = errors.New("chaos injection disabled")
	ErrOutsideWindow   = errors.New("outside configured chaos window")
	ErrSubjectCritical = errors.New("subject excluded from chaos as critical")
)
