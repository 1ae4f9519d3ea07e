// Package domain holds the core types of the tire telemetry control plane:
// readings, feature frames, scores, incidents, recovery records, and the
// capability interfaces the control loops depend on.
//
// Everything here is pure: no I/O, no infrastructure imports.
package domain

import "time"

// ─── Severity ───────────────────────────────────────────────────────────────

// Severity ranks how serious an incident is.
type Severity int

const (
	SevInfo      Severity = iota + 1 // Informational, no action needed
	SevWarning                       // Worth watching
	SevError                         // Degraded but functioning
	SevCritical                      // Requires remediation now
	SevEmergency                     // System-wide failure
)

// String returns the severity label.
func (s Severity) String() string {
	switch s {
	case SevInfo:
		return "INFO"
	case SevWarning:
		return "WARNING"
	case SevError:
		return "ERROR"
	case SevCritical:
		return "CRITICAL"
	case SevEmergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

// Weight returns the health-score weight of this severity.
// Each active incident subtracts weight×10 points from the system score.
func (s Severity) Weight() float64 {
	switch s {
	case SevInfo:
		return 0.1
	case SevWarning:
		return 0.3
	case SevError:
		return 0.6
	case SevCritical:
		return 0.8
	case SevEmergency:
		return 1.0
	default:
		return 0
	}
}

// Lift raises the severity by one level, capped at Emergency.
func (s Severity) Lift() Severity {
	if s >= SevEmergency {
		return SevEmergency
	}
	return s + 1
}

// ─── Incident Kind ──────────────────────────────────────────────────────────

// IncidentKind classifies what went wrong.
type IncidentKind string

const (
	KindSensorMalfunction     IncidentKind = "sensor_malfunction" // default kind
	KindTemperatureAnomaly    IncidentKind = "temperature_anomaly"
	KindPressureAnomaly       IncidentKind = "pressure_anomaly"
	KindBatteryDegradation    IncidentKind = "battery_degradation"
	KindCommunicationIssue    IncidentKind = "communication_issue"
	KindDataQualityDrop       IncidentKind = "data_quality_drop"
	KindPredictiveMaintenance IncidentKind = "predictive_maintenance"
	KindSecurityBreach        IncidentKind = "security_breach"

	// Probe-derived kinds for platform components.
	KindHighResponseTime IncidentKind = "high_response_time"
	KindHighErrorRate    IncidentKind = "high_error_rate"
	KindCrashLoop        IncidentKind = "crash_loop"
	KindConnectionsHigh  IncidentKind = "connections_high"
	KindDeadlocks        IncidentKind = "deadlocks"
	KindMemoryPressure   IncidentKind = "memory_pressure"
	KindCPUPressure      IncidentKind = "cpu_pressure"
	KindDiskPressure     IncidentKind = "disk_pressure"
	KindClientsHigh      IncidentKind = "clients_high"
	KindFleetOffline     IncidentKind = "fleet_offline"
	KindUnreachable      IncidentKind = "unreachable"
	KindSelfHealFailed   IncidentKind = "self_heal_failed"
)

// ─── Action ─────────────────────────────────────────────────────────────────

// ActionType identifies a recovery action from the catalog.
type ActionType string

const (
	ActionRestart          ActionType = "restart"
	ActionScaleUp          ActionType = "scale_up"
	ActionScaleDown        ActionType = "scale_down"
	ActionClearCache       ActionType = "clear_cache"
	ActionRotateLogs       ActionType = "rotate_logs"
	ActionUpdateConfig     ActionType = "update_config"
	ActionFailover         ActionType = "failover"
	ActionCircuitBreak     ActionType = "circuit_break"
	ActionCleanupResources ActionType = "cleanup_resources"
	ActionRebalanceLoad    ActionType = "rebalance_load"
)

// CooldownKindScale is the ledger kind every replica change claims, so
// reactive scale actions and the predictive scaler rate-limit a deployment
// through one key.
const CooldownKindScale = "scale"

// ─── Reading ────────────────────────────────────────────────────────────────

// Reading is a single timestamped measurement from one device.
// Immutable once accepted by the pipeline.
type Reading struct {
	DeviceID   string             `json:"device_id"`
	Timestamp  time.Time          `json:"timestamp"`
	ArrivalSeq uint64             `json:"arrival_seq"`
	Channels   map[string]float64 `json:"channels"`
	RawQuality float64            `json:"raw_quality"`
}

// Well-known channel names.
const (
	ChTemperature  = "temperature"     // °C
	ChHumidity     = "humidity"        // %
	ChPressure     = "pressure"        // kPa gauge (tire-mounted sensors)
	ChAcceleration = "acceleration"    // g
	ChBattery      = "battery_voltage" // V
	ChSignal       = "signal_strength" // dBm
)

// ─── Feature Frame ──────────────────────────────────────────────────────────

// FeatureRow is one normalized reading projected onto the fixed feature vector.
type FeatureRow struct {
	Timestamp    time.Time `json:"timestamp"`
	Temperature  float64   `json:"temperature"`
	Humidity     float64   `json:"humidity"`
	Pressure     float64   `json:"pressure"`
	Acceleration float64   `json:"acceleration"`
	Battery      float64   `json:"battery_voltage"`
	Signal       float64   `json:"signal_strength"`
	Quality      float64   `json:"quality"`
}

// Vector returns the row as a plain feature slice, in declaration order.
func (r FeatureRow) Vector() []float64 {
	return []float64{r.Temperature, r.Humidity, r.Pressure, r.Acceleration, r.Battery, r.Signal}
}

// FeatureFrame is a per-device sliding window of recent readings.
// Rows are chronological. Never persisted.
type FeatureFrame struct {
	DeviceID string       `json:"device_id"`
	Rows     []FeatureRow `json:"rows"`
	Quality  float64      `json:"quality"`  // ∈ [0,1], completeness of the window
	Degraded bool         `json:"degraded"` // normalization failed; scorers may refuse
	Start    time.Time    `json:"start"`
	End      time.Time    `json:"end"`
}

// Last returns the most recent row. Callers must check len(Rows) > 0 first
// or rely on the pipeline's cold-start guarantee.
func (f FeatureFrame) Last() FeatureRow {
	return f.Rows[len(f.Rows)-1]
}

// ─── Score ──────────────────────────────────────────────────────────────────

// ScoreKind identifies which scorer family produced a Score.
type ScoreKind string

const (
	ScoreRule        ScoreKind = "rule"
	ScoreStatistical ScoreKind = "statistical"
	ScoreOutlierTree ScoreKind = "outlier-tree"
	ScoreSeqPred     ScoreKind = "sequence-prediction"
)

// Score is a scorer's verdict on one frame.
//
// For outlier-tree scorers Value is a signed decision margin (lower means
// more anomalous). For sequence-prediction it is prediction error normalized
// by expected noise.
type Score struct {
	Kind         ScoreKind          `json:"kind"`
	Value        float64            `json:"value"`
	Confidence   float64            `json:"confidence"` // ∈ [0,1]
	Anomalous    bool               `json:"anomalous"`
	SeverityHint Severity           `json:"severity_hint,omitempty"`
	IncidentKind IncidentKind       `json:"incident_kind,omitempty"`
	Diagnostics  map[string]float64 `json:"diagnostics,omitempty"`
}

// Scorer maps a feature frame to a Score. Implementations must be pure with
// respect to the supplied frame; any internal state is per-device and private.
type Scorer interface {
	Name() string
	Score(frame FeatureFrame) (Score, error)
}

// ─── Incident ───────────────────────────────────────────────────────────────

// Evidence carries the scores and metric snapshot behind an incident.
type Evidence struct {
	Scores  []Score            `json:"scores,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// Incident is a ranked, de-duplicated finding. Immutable after creation;
// resolution is a separate record linked by ID.
type Incident struct {
	ID                 string       `json:"id"`
	Subject            string       `json:"subject"` // device ID or component name
	Kind               IncidentKind `json:"kind"`
	Severity           Severity     `json:"severity"`
	Confidence         float64      `json:"confidence"`
	ObservedAt         time.Time    `json:"observed_at"`
	Evidence           Evidence     `json:"evidence"`
	AutoRecoverable    bool         `json:"auto_recoverable"`
	RecommendedActions []ActionType `json:"recommended_actions,omitempty"`
	CooldownSeconds    int          `json:"cooldown_seconds"`
	ResolvedAt         time.Time    `json:"resolved_at,omitzero"`
}

// Cooldown returns the incident cooldown as a duration.
func (i Incident) Cooldown() time.Duration {
	return time.Duration(i.CooldownSeconds) * time.Second
}

// ─── Recovery Record ────────────────────────────────────────────────────────

// RecoveryRecord is the append-only outcome of one dispatched action.
type RecoveryRecord struct {
	IncidentID  string        `json:"incident_id"`
	Action      ActionType    `json:"action"`
	Target      string        `json:"target"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Success     bool          `json:"success"`
	Message     string        `json:"message,omitempty"`
	SideEffects []string      `json:"side_effects,omitempty"`
}

// ─── Health Snapshot ────────────────────────────────────────────────────────

// HealthStatus is the coarse system state derived from the score.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"  // score > 80
	HealthDegraded HealthStatus = "degraded" // score > 50
	HealthCritical HealthStatus = "critical"
)

// HealthSnapshot is a point-in-time system score plus per-component status.
// Published on the event bus after every health scan.
type HealthSnapshot struct {
	Score           float64              `json:"score"` // ∈ [0,100]
	Status          HealthStatus         `json:"status"`
	Components      map[string]Severity  `json:"components,omitempty"` // worst active severity per component
	ActiveIncidents int                  `json:"active_incidents"`
	ByKind          map[IncidentKind]int `json:"by_kind,omitempty"`
	TakenAt         time.Time            `json:"taken_at"`
}

// ─── Workload ───────────────────────────────────────────────────────────────

// Workload describes one orchestrator-managed deployment.
type Workload struct {
	Name            string `json:"name"`
	Phase           string `json:"phase"` // Running, Pending, Failed, ...
	DesiredReplicas int    `json:"desired_replicas"`
	CurrentReplicas int    `json:"current_replicas"`
	RestartCount    int    `json:"restart_count"`
}
